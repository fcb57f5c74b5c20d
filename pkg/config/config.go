package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the engine process.
// Trading behavior knobs live in pkg/params, not here.
type Config struct {
	Port string

	// Database
	DBPath string

	// Trading parameter file (YAML). Empty means built-in defaults.
	ParamsPath string

	// Account
	InitialBalance float64

	// Tick loop
	TickIntervalSec int

	// Simulated venue (the only execution adapter that ships here; a real
	// terminal bridge implements the same interface out of tree).
	SimSpreadPips float64

	// Execution call budget
	ExecTimeoutSec int
	ExecMaxRetries int
	ExecRatePerSec float64
	ExecBurst      int

	// Operator API
	APIEnabled bool
	JWTSecret  string // empty disables auth
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:            getEnv("PORT", "8090"),
		DBPath:          getEnv("DB_PATH", "./data/engine.db"),
		ParamsPath:      getEnv("PARAMS_PATH", ""),
		InitialBalance:  getEnvFloat("INITIAL_BALANCE", 20000),
		TickIntervalSec: getEnvInt("TICK_INTERVAL_SEC", 30),
		SimSpreadPips:   getEnvFloat("SIM_SPREAD_PIPS", 1.0),
		ExecTimeoutSec:  getEnvInt("EXEC_TIMEOUT_SEC", 10),
		ExecMaxRetries:  getEnvInt("EXEC_MAX_RETRIES", 3),
		ExecRatePerSec:  getEnvFloat("EXEC_RATE_PER_SEC", 10),
		ExecBurst:       getEnvInt("EXEC_BURST", 20),
		APIEnabled:      getEnv("API_ENABLED", "true") == "true",
		JWTSecret:       os.Getenv("JWT_SECRET"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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
