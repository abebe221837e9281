package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the reservation engine.
type Config struct {
	Port                 int
	LogLevel             string
	ReservationTTL       time.Duration
	MaxReservationTTL    time.Duration
	LowStockThreshold    int64
	SweepInterval        time.Duration
	ReservationRetention time.Duration
	IdempotencyTTL       time.Duration
	LedgerTimeout        time.Duration
	SubscriberBuffer     int

	// Backends. Empty values select the in-memory implementations.
	DatabaseURL   string
	StockSeedFile string
	RedisAddr     string
	KafkaBrokers  []string
	KafkaTopic    string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value. When
// ENV_FILE is set, that file is loaded first; variables already present in
// the environment take precedence over it.
func Load() (*Config, error) {
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load ENV_FILE %q: %w", path, err)
		}
	}

	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d is out of range", port)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	reservationTTL, err := getPositiveDuration("RESERVATION_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	maxReservationTTL, err := getPositiveDuration("MAX_RESERVATION_TTL", time.Hour)
	if err != nil {
		return nil, err
	}
	if maxReservationTTL < reservationTTL {
		return nil, fmt.Errorf("invalid MAX_RESERVATION_TTL: %s is below RESERVATION_TTL %s", maxReservationTTL, reservationTTL)
	}

	lowStockThreshold, err := getInt("LOW_STOCK_THRESHOLD", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid LOW_STOCK_THRESHOLD: %w", err)
	}
	if lowStockThreshold < 0 {
		return nil, fmt.Errorf("invalid LOW_STOCK_THRESHOLD: must be >= 0")
	}

	sweepInterval, err := getPositiveDuration("SWEEP_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}

	retention, err := getDuration("RESERVATION_RETENTION", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid RESERVATION_RETENTION: %w", err)
	}
	if retention < 0 {
		return nil, fmt.Errorf("invalid RESERVATION_RETENTION: must be >= 0")
	}

	idempotencyTTL, err := getPositiveDuration("IDEMPOTENCY_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	ledgerTimeout, err := getPositiveDuration("LEDGER_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	subscriberBuffer, err := getInt("SUBSCRIBER_BUFFER", 16)
	if err != nil {
		return nil, fmt.Errorf("invalid SUBSCRIBER_BUFFER: %w", err)
	}
	if subscriberBuffer < 1 {
		return nil, fmt.Errorf("invalid SUBSCRIBER_BUFFER: must be >= 1")
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:                 port,
		LogLevel:             logLevel,
		ReservationTTL:       reservationTTL,
		MaxReservationTTL:    maxReservationTTL,
		LowStockThreshold:    int64(lowStockThreshold),
		SweepInterval:        sweepInterval,
		ReservationRetention: retention,
		IdempotencyTTL:       idempotencyTTL,
		LedgerTimeout:        ledgerTimeout,
		SubscriberBuffer:     subscriberBuffer,
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		StockSeedFile:        os.Getenv("STOCK_SEED_FILE"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		KafkaBrokers:         getList("KAFKA_BROKERS"),
		KafkaTopic:           getStr("KAFKA_TOPIC", "stock.events"),
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		ShutdownTimeout:      shutdownTimeout,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func getPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getDuration(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

// getList splits a comma-separated variable, dropping empty entries.
func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
