// Package config loads collector settings from the environment and agent
// settings from config.json.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/0xA1M/dashpro/internal/db"
	"github.com/joho/godotenv"
)

// Collector holds every collector setting
type Collector struct {
	ListenAddr string
	LogLevel   string

	DB db.Options

	IngestToken     string
	IngestTokenHash string
	JWTSecret       string

	LivenessTimeout    time.Duration
	SweepInterval      time.Duration
	AlertCreatesDevice bool
	DisplayTimezone    string

	RateLimitRPS   float64
	RateLimitBurst int
}

// LoadCollector reads envFile (if it exists) into the environment and then
// builds the configuration from environment variables.
func LoadCollector(envFile string) (*Collector, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var errs []error
	cfg := &Collector{
		ListenAddr: getEnv("LISTEN_ADDR", ":8000"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		DB: db.Options{
			Driver:   getEnv("DB_DRIVER", db.DriverSQLite),
			Path:     getEnv("DB_PATH", "dashpro.db"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "dashpro"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			TimeZone: getEnv("DB_TIMEZONE", "UTC"),
		},
		IngestToken:        os.Getenv("INGEST_TOKEN"),
		IngestTokenHash:    os.Getenv("INGEST_TOKEN_HASH"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		LivenessTimeout:    getEnvDuration("LIVENESS_TIMEOUT", time.Minute, &errs),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Minute, &errs),
		AlertCreatesDevice: getEnvBool("ALERT_CREATES_DEVICE", false, &errs),
		DisplayTimezone:    getEnv("DISPLAY_TIMEZONE", "Local"),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 10, &errs),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 20, &errs),
	}
	cfg.DB.LogLevel = cfg.LogLevel

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate reports every setting the collector cannot start with
func (c *Collector) Validate() error {
	var errs []error
	if c.IngestToken == "" && c.IngestTokenHash == "" {
		errs = append(errs, errors.New("one of INGEST_TOKEN or INGEST_TOKEN_HASH is required"))
	}
	if c.LivenessTimeout <= 0 {
		errs = append(errs, errors.New("LIVENESS_TIMEOUT must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.DB.Driver != db.DriverSQLite && c.DB.Driver != db.DriverPostgres {
		errs = append(errs, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", db.DriverSQLite, db.DriverPostgres, c.DB.Driver))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	if _, err := c.DisplayLocation(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DisplayLocation resolves DISPLAY_TIMEZONE
func (c *Collector) DisplayLocation() (*time.Location, error) {
	if c.DisplayTimezone == "" || c.DisplayTimezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid DISPLAY_TIMEZONE: %w", err)
	}
	return loc, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// Bare numbers are seconds.
		if secs, convErr := strconv.Atoi(raw); convErr == nil {
			return time.Duration(secs) * time.Second
		}
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func getEnvBool(key string, defaultValue bool, errs *[]error) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64, errs *[]error) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return f
}
