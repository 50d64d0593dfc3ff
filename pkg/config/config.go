package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gh0stOo/Tradingbot/internal/allocator"
	"github.com/gh0stOo/Tradingbot/internal/risk"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	Port string

	// Venue
	Venue         string // "paper" or a live venue name
	Asset         string
	Assets        []string
	FillStreamURL string
	DryRun        bool

	// Paper venue
	InitialBalance float64
	FeeRate        float64 // decimal (e.g. 0.0004 = 4 bps)
	SlippageBps    float64

	// Event bus
	QueueSize      int
	DropOldest     bool

	// Timers
	MonitorInterval   time.Duration
	ReconcileInterval time.Duration
	SnapshotInterval  time.Duration
	DailyResetTZ      string

	// Persistence
	DBPath string

	// Risk/allocation config file (YAML), optional
	RiskConfigPath string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		Venue:             strings.ToLower(getEnv("VENUE", "paper")),
		Asset:             getEnv("ASSET", "BTCUSDT"),
		Assets:            splitAndTrim(getEnv("ASSETS", "BTCUSDT,ETHUSDT")),
		FillStreamURL:     getEnv("FILL_STREAM_URL", ""),
		DryRun:            getEnv("DRY_RUN", "true") == "true",
		InitialBalance:    getEnvFloat("INITIAL_BALANCE", 10000.0),
		FeeRate:           getEnvFloat("FEE_RATE", 0.0004),
		SlippageBps:       getEnvFloat("SLIPPAGE_BPS", 2),
		QueueSize:         getEnvInt("EVENT_QUEUE_SIZE", 1024),
		DropOldest:        getEnv("EVENT_DROP_OLDEST", "false") == "true",
		MonitorInterval:   getEnvDuration("MONITOR_INTERVAL", time.Second),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		SnapshotInterval:  getEnvDuration("SNAPSHOT_INTERVAL", time.Minute),
		DailyResetTZ:      getEnv("DAILY_RESET_TZ", "UTC"),
		DBPath:            getEnv("DB_PATH", "./data/trading.db"),
		RiskConfigPath:    getEnv("RISK_CONFIG_PATH", ""),
	}, nil
}

// RiskFile is the YAML layout for risk and allocation settings.
type RiskFile struct {
	Risk       risk.Config      `yaml:"risk"`
	Allocation allocator.Config `yaml:"allocation"`
}

// LoadRiskFile reads risk and allocation settings from a YAML file. An
// empty path returns the defaults.
func LoadRiskFile(path string) (RiskFile, error) {
	out := RiskFile{
		Risk:       risk.DefaultConfig(),
		Allocation: allocator.DefaultConfig(),
	}
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("reading risk config: %w", err)
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("parsing risk config %s: %w", path, err)
	}
	if err := validateRiskFile(out); err != nil {
		return out, fmt.Errorf("invalid risk config %s: %w", path, err)
	}
	return out, nil
}

func validateRiskFile(f RiskFile) error {
	if f.Risk.RiskPerTrade <= 0 || f.Risk.RiskPerTrade > 1 {
		return fmt.Errorf("risk_per_trade must be in (0,1], got %v", f.Risk.RiskPerTrade)
	}
	if f.Risk.Leverage < 1 {
		return fmt.Errorf("leverage must be >= 1, got %v", f.Risk.Leverage)
	}
	if f.Allocation.RiskPerTrade <= 0 {
		return fmt.Errorf("allocation risk_per_trade must be positive")
	}
	if f.Allocation.MinIncrement < 0 {
		return fmt.Errorf("min_increment must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
