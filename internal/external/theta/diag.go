package theta

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// countDiag tallies terminal status codes per date and source so heavy
// no-data days are distinguishable from terminal trouble after the run.
func (c *Client) countDiag(date, label string, code int) {
	bucket := "other"
	switch code {
	case 200:
		bucket = "200"
	case 204:
		bucket = "204"
	case statusNoData472:
		bucket = "472"
	}

	c.diagMu.Lock()
	defer c.diagMu.Unlock()
	byLabel, ok := c.diag[date]
	if !ok {
		byLabel = make(map[string]map[string]int)
		c.diag[date] = byLabel
	}
	counts, ok := byLabel[label]
	if !ok {
		counts = map[string]int{"200": 0, "204": 0, "472": 0, "other": 0}
		byLabel[label] = counts
	}
	counts[bucket]++
}

// Diagnostics returns a copy of the per-source status counters for a date.
func (c *Client) Diagnostics(date string) map[string]map[string]int {
	c.diagMu.Lock()
	defer c.diagMu.Unlock()
	byLabel, ok := c.diag[date]
	if !ok {
		return nil
	}
	out := make(map[string]map[string]int, len(byLabel))
	for label, counts := range byLabel {
		cp := make(map[string]int, len(counts))
		for k, v := range counts {
			cp[k] = v
		}
		out[label] = cp
	}
	return out
}

// FlushDiagnostics writes the date's counters to dir/pm_diag_{date}.json
// and drops them from memory. No-op when the date saw no requests.
func (c *Client) FlushDiagnostics(date, dir string) error {
	diag := c.Diagnostics(date)
	if diag == nil {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	payload := map[string]interface{}{"date": date}
	for label, counts := range diag {
		payload[label] = counts
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "pm_diag_"+date+".json"), data, 0o644); err != nil {
		return err
	}

	c.diagMu.Lock()
	delete(c.diag, date)
	c.diagMu.Unlock()
	return nil
}
