package theta

import (
	"bufio"
	"bytes"
	"encoding/json"
)

// v1 trade rows are positional numeric arrays; price sits at index 9.
const v1TradePriceIndex = 9

// parseTradeMax extracts the maximum trade price from a terminal response.
// The body shape varies by generation and format setting:
//   - v3: array of objects with a "price" field
//   - v3: object with a columnar "price" array
//   - v3: object with a "response" array of objects
//   - v1: object with "header" plus positional "response" rows
//   - NDJSON: one object per line
func parseTradeMax(body []byte) (float64, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return 0, false
	}

	if trimmed[0] == '[' {
		var rows []map[string]json.Number
		if err := json.Unmarshal(trimmed, &rows); err == nil {
			return maxPriceFromObjects(rows)
		}
		return 0, false
	}

	if trimmed[0] == '{' {
		var doc struct {
			Price    []json.Number   `json:"price"`
			Header   json.RawMessage `json:"header"`
			Response json.RawMessage `json:"response"`
		}
		if err := json.Unmarshal(trimmed, &doc); err == nil {
			if len(doc.Price) > 0 {
				return maxPriceFromNumbers(doc.Price)
			}
			if len(doc.Response) > 0 {
				if high, ok := parseResponseRows(doc.Response, len(doc.Header) > 0); ok {
					return high, true
				}
			}
			// A single well-formed object with no recognized shape is an
			// empty result, not NDJSON.
			if bytes.IndexByte(trimmed, '\n') < 0 {
				return 0, false
			}
		}
	}

	return parseTradeMaxNDJSON(trimmed)
}

// parseResponseRows handles both object rows (v3) and positional numeric
// rows (v1).
func parseResponseRows(raw json.RawMessage, v1Format bool) (float64, bool) {
	var objRows []map[string]json.Number
	if err := json.Unmarshal(raw, &objRows); err == nil {
		if high, ok := maxPriceFromObjects(objRows); ok {
			return high, true
		}
	}
	if !v1Format {
		return 0, false
	}

	var numRows [][]json.Number
	if err := json.Unmarshal(raw, &numRows); err != nil {
		return 0, false
	}
	var high float64
	found := false
	for _, rec := range numRows {
		if len(rec) <= v1TradePriceIndex {
			continue
		}
		px, err := rec[v1TradePriceIndex].Float64()
		if err != nil {
			continue
		}
		if !found || px > high {
			high = px
			found = true
		}
	}
	return high, found
}

func maxPriceFromObjects(rows []map[string]json.Number) (float64, bool) {
	var high float64
	found := false
	for _, row := range rows {
		n, ok := row["price"]
		if !ok {
			continue
		}
		px, err := n.Float64()
		if err != nil {
			continue
		}
		if !found || px > high {
			high = px
			found = true
		}
	}
	return high, found
}

func maxPriceFromNumbers(nums []json.Number) (float64, bool) {
	var high float64
	found := false
	for _, n := range nums {
		px, err := n.Float64()
		if err != nil {
			continue
		}
		if !found || px > high {
			high = px
			found = true
		}
	}
	return high, found
}

func parseTradeMaxNDJSON(body []byte) (float64, bool) {
	var high float64
	found := false
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var obj map[string]json.Number
		if err := json.Unmarshal(line, &obj); err != nil {
			continue
		}
		n, ok := obj["price"]
		if !ok {
			continue
		}
		px, err := n.Float64()
		if err != nil {
			continue
		}
		if !found || px > high {
			high = px
			found = true
		}
	}
	return high, found
}
