package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the scanner.
// All environment variables are read here and nowhere else.
type Config struct {
	Env string // development, staging, production

	// Server (read-only API)
	Port string

	// Database
	Database DatabaseConfig

	// External providers
	Polygon PolygonConfig
	Theta   ThetaConfig
	FMP     FMPConfig
	Alpaca  AlpacaConfig

	// Discovery rules and gates
	Discovery DiscoveryConfig

	// Completeness audit
	Audit AuditConfig

	// Logging
	LogLevel  string
	LogFormat string

	// Per-day diagnostic artifacts (stage logs, premarket diagnostics)
	ArtifactsDir string
}

// DatabaseConfig holds the embedded SQLite store configuration.
type DatabaseConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// PolygonConfig holds the bulk daily-bars provider configuration.
type PolygonConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	// RequestsPerSec caps reference/splits call volume; 0 disables the limiter.
	RequestsPerSec float64
}

// ThetaConfig holds the intraday/premarket provider configuration.
// The v3 terminal is the current API generation, v1 the legacy fallback.
// Each generation enforces its own plan-tier outstanding-request ceiling.
type ThetaConfig struct {
	V3BaseURL        string
	V1BaseURL        string
	Venue            string
	Timeout          time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
	V3MaxOutstanding int // STANDARD=2, PRO=4
	V1MaxOutstanding int
	PremarketStart   string // HH:MM:SS exchange-local
	PremarketEnd     string
}

// FMPConfig holds the fundamentals/reference provider configuration.
// Optional: used only to augment the universe with delisted entities.
type FMPConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// AlpacaConfig holds the baseline cross-validation provider configuration.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Timeout   time.Duration
}

// DiscoveryConfig holds rule thresholds and hit gates.
type DiscoveryConfig struct {
	OpenGapPct      float64 // R2
	PushPct         float64 // R3
	PremarketPct    float64 // R1
	Surge7dPct      float64 // R4
	HeavyRunnerDV   float64 // reverse-split override: min dollar volume
	HeavyRunnerPush float64 // reverse-split override: min intraday push pct

	MinVolume          int64
	AllowedExchanges   []string
	AllowedTypes       []string
	ExcludeDerivatives bool

	// Pass-2 scheduling
	Workers       int
	StageTimeout  time.Duration // premarket stage cap
	DayTimeout    time.Duration // whole-day run cap
	MaxCandidates int           // absolute check cap on heavy days
}

// AuditConfig holds the completeness audit parameters.
type AuditConfig struct {
	TargetMissRate float64 // rule of three: required n = ceil(3/p)
	SampleCap      int     // hard cap on audit fetch volume; 0 = no cap
}

// Load reads configuration from environment variables.
// This is the only function that calls os.Getenv().
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Env:  getEnv("ENV", "development"),
		Port: getEnv("PORT", "8087"),

		Database: DatabaseConfig{
			Path:        getEnv("DB_PATH", "data/gapscan.db"),
			BusyTimeout: getEnvAsDuration("DB_BUSY_TIMEOUT", "5s"),
		},

		Polygon: PolygonConfig{
			APIKey:         getEnv("POLYGON_API_KEY", ""),
			BaseURL:        getEnv("POLYGON_BASE_URL", "https://api.polygon.io"),
			Timeout:        getEnvAsDuration("POLYGON_TIMEOUT", "45s"),
			MaxRetries:     getEnvAsInt("POLYGON_RETRIES", 3),
			Backoff:        getEnvAsDuration("POLYGON_BACKOFF", "500ms"),
			RequestsPerSec: getEnvAsFloat("POLYGON_REQS_PER_SEC", 0),
		},

		Theta: ThetaConfig{
			V3BaseURL:        getEnv("THETA_V3_URL", "http://127.0.0.1:25503"),
			V1BaseURL:        getEnv("THETA_V1_URL", "http://127.0.0.1:25510"),
			Venue:            getEnv("THETA_VENUE", "utp_cta"),
			Timeout:          getEnvAsDuration("THETA_TIMEOUT", "30s"),
			MaxRetries:       getEnvAsInt("THETA_RETRIES", 3),
			BackoffBase:      getEnvAsDuration("THETA_BACKOFF_BASE", "750ms"),
			V3MaxOutstanding: getEnvAsInt("THETA_V3_MAX_OUTSTANDING", 2),
			V1MaxOutstanding: getEnvAsInt("THETA_V1_MAX_OUTSTANDING", 2),
			PremarketStart:   getEnv("PM_START", "04:00:00"),
			PremarketEnd:     getEnv("PM_END", "09:29:59"),
		},

		FMP: FMPConfig{
			APIKey:  getEnv("FMP_API_KEY", ""),
			BaseURL: getEnv("FMP_BASE_URL", "https://financialmodelingprep.com/api"),
			Timeout: getEnvAsDuration("FMP_TIMEOUT", "20s"),
		},

		Alpaca: AlpacaConfig{
			APIKey:    getEnv("ALPACA_API_KEY", ""),
			APISecret: getEnv("ALPACA_SECRET_KEY", ""),
			BaseURL:   getEnv("ALPACA_BASE_URL", "https://data.alpaca.markets/v2"),
			Timeout:   getEnvAsDuration("ALPACA_TIMEOUT", "30s"),
		},

		Discovery: DiscoveryConfig{
			OpenGapPct:      getEnvAsFloat("RULE_OPEN_GAP_PCT", 50.0),
			PushPct:         getEnvAsFloat("RULE_PUSH_PCT", 50.0),
			PremarketPct:    getEnvAsFloat("RULE_PREMARKET_PCT", 50.0),
			Surge7dPct:      getEnvAsFloat("RULE_SURGE_7D_PCT", 300.0),
			HeavyRunnerDV:   getEnvAsFloat("HEAVY_RUNNER_DV", 10_000_000),
			HeavyRunnerPush: getEnvAsFloat("HEAVY_RUNNER_PUSH_MIN", 50.0),

			MinVolume:          int64(getEnvAsInt("DISCOVERY_MIN_VOL", 100_000)),
			AllowedExchanges:   getEnvAsList("ALLOWED_EXCHANGES", "NYSE,NASDAQ,AMEX"),
			AllowedTypes:       getEnvAsList("ALLOW_SECURITY_TYPES", "CS,ADRC,ADRP,ADRR,ADRW,GDR"),
			ExcludeDerivatives: getEnvAsBool("EXCLUDE_DERIVATIVES", true),

			Workers:       getEnvAsInt("R1_WORKERS", 4),
			StageTimeout:  getEnvAsDuration("R1_STAGE_TIMEOUT", "8m"),
			DayTimeout:    getEnvAsDuration("DAY_TIMEOUT", "30m"),
			MaxCandidates: getEnvAsInt("R1_MAX_CANDIDATES", 750),
		},

		Audit: AuditConfig{
			TargetMissRate: getEnvAsFloat("AUDIT_TARGET_MISS_RATE", 0.01),
			SampleCap:      getEnvAsInt("AUDIT_SAMPLE_CAP", 0),
		},

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		ArtifactsDir: getEnv("ARTIFACTS_DIR", "data/artifacts"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.Discovery.Workers < 1 {
		return fmt.Errorf("R1_WORKERS must be >= 1")
	}
	if c.Audit.TargetMissRate <= 0 || c.Audit.TargetMissRate >= 1 {
		return fmt.Errorf("AUDIT_TARGET_MISS_RATE must be in (0, 1)")
	}
	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	paths := []string{".env"}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}

func getEnvAsList(key string, defaultValue string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
