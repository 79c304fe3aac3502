package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	ListenAddr     string
	AllowedOrigins []string
	RatePerSecond  float64
	RateBurst      int
}

type Engine struct {
	// DBPath is the pebble directory. Empty runs the exchange in memory,
	// useful for tests and local experiments.
	DBPath string
	// ChallengeWindow is how long a proposed settlement value stays open
	// to disputes before it can be finalized.
	ChallengeWindow time.Duration
	// Settler may finalize disputed or manual-settle markets. Hex address.
	Settler string
	// TickInterval paces the background loop that expires GTD orders,
	// advances market lifecycle states and runs liquidation sweeps.
	TickInterval time.Duration
}

type Config struct {
	API      API
	Engine   Engine
	LogLevel string
}

func Default() Config {
	return Config{
		API: API{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
			RatePerSecond:  50,
			RateBurst:      100,
		},
		Engine: Engine{
			DBPath:          "data/exchange",
			ChallengeWindow: 24 * time.Hour,
			TickInterval:    500 * time.Millisecond,
		},
		LogLevel: "info",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if addr := os.Getenv("API_LISTEN_ADDR"); addr != "" {
		cfg.API.ListenAddr = addr
	}
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = strings.Split(origins, ",")
	}
	if rps := os.Getenv("API_RATE_PER_SECOND"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil && v > 0 {
			cfg.API.RatePerSecond = v
		}
	}
	if burst := os.Getenv("API_RATE_BURST"); burst != "" {
		if v, err := strconv.Atoi(burst); err == nil && v > 0 {
			cfg.API.RateBurst = v
		}
	}

	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.Engine.DBPath = path
	}
	if window := os.Getenv("CHALLENGE_WINDOW_MS"); window != "" {
		if ms, err := strconv.Atoi(window); err == nil && ms > 0 {
			cfg.Engine.ChallengeWindow = time.Duration(ms) * time.Millisecond
		}
	}
	if settler := os.Getenv("SETTLER_ADDRESS"); settler != "" {
		cfg.Engine.Settler = settler
	}
	if tick := os.Getenv("TICK_INTERVAL_MS"); tick != "" {
		if ms, err := strconv.Atoi(tick); err == nil && ms > 0 {
			cfg.Engine.TickInterval = time.Duration(ms) * time.Millisecond
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg
}
