// Package config loads tunable parameters for the matcher process from the
// environment, following the same env-var-with-defaults pattern across the
// whole binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config captures every tunable parameter for the route-pooling matcher
// process. Values are primarily loaded from environment variables with sane
// defaults so the binary can run locally without excessive setup.
type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	PoolSetKey    string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	RoutingAPIBaseURL string
	RoutingAPIKey     string
	RoutingTimeout    time.Duration

	OriginLat     float64
	OriginLng     float64
	HexResolution int

	RatePerKM          float64
	PoolDiscountFactor float64
	MaxPassengers      int
	LuggageCapacity    int
	DetourMaxM         float64
	NeighbourScanLimit int

	WorkerPoolSize     int
	WorkerReadyTimeout time.Duration

	LogLevel string
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		PoolSetKey: "h3:airport_pool",
		KafkaTopic: "cabpool-match-events",

		RoutingTimeout: 5 * time.Second,

		HexResolution: 8,

		RatePerKM:          10,
		PoolDiscountFactor: 0.30,
		MaxPassengers:      3,
		LuggageCapacity:    4,
		DetourMaxM:         3000,
		NeighbourScanLimit: 5,

		WorkerPoolSize:     defaultWorkerPoolSize(),
		WorkerReadyTimeout: 10 * time.Second,

		LogLevel: "info",
	}
}

func defaultWorkerPoolSize() int {
	n := runtime.NumCPU() / 2
	if n < 2 {
		return 2
	}
	if n > 6 {
		return 6
	}
	return n
}

// Load reads the environment and returns a validated Config.
func Load() (Config, error) {
	cfg := defaultConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.PoolSetKey, "REDIS_POOL_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.RoutingAPIBaseURL = os.Getenv("ROUTING_API_BASE_URL")
	cfg.RoutingAPIKey = os.Getenv("ROUTING_API_KEY")
	setDurationFromEnv(&cfg.RoutingTimeout, "ROUTING_API_TIMEOUT", &errs)

	setFloatFromEnv(&cfg.OriginLat, "ORIGIN_LAT", &errs)
	setFloatFromEnv(&cfg.OriginLng, "ORIGIN_LNG", &errs)
	setIntFromEnv(&cfg.HexResolution, "HEX_RESOLUTION", &errs)

	setFloatFromEnv(&cfg.RatePerKM, "RATE_PER_KM", &errs)
	setFloatFromEnv(&cfg.PoolDiscountFactor, "POOL_DISCOUNT_FACTOR", &errs)
	setIntFromEnv(&cfg.MaxPassengers, "MAX_PASSENGERS", &errs)
	setIntFromEnv(&cfg.LuggageCapacity, "LUGGAGE_CAPACITY", &errs)
	setFloatFromEnv(&cfg.DetourMaxM, "DETOUR_MAX_M", &errs)
	setIntFromEnv(&cfg.NeighbourScanLimit, "NEIGHBOUR_SCAN_LIMIT", &errs)

	setIntFromEnv(&cfg.WorkerPoolSize, "WORKER_POOL_SIZE", &errs)
	setDurationFromEnv(&cfg.WorkerReadyTimeout, "WORKER_READY_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.WorkerPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_POOL_SIZE must be > 0"))
	}
	if cfg.MaxPassengers <= 0 {
		errs = append(errs, fmt.Errorf("MAX_PASSENGERS must be > 0"))
	}
	if cfg.LuggageCapacity <= 0 {
		errs = append(errs, fmt.Errorf("LUGGAGE_CAPACITY must be > 0"))
	}
	if cfg.NeighbourScanLimit <= 0 {
		errs = append(errs, fmt.Errorf("NEIGHBOUR_SCAN_LIMIT must be > 0"))
	}
	if cfg.HexResolution < 0 || cfg.HexResolution > 15 {
		errs = append(errs, fmt.Errorf("HEX_RESOLUTION must be within [0,15]"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
