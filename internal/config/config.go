// Package config provides configuration management for the Krist miner.
// It handles loading configuration from environment variables with sensible defaults
// and derives the validated MinerOptions the controller runs with.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bardlex/kristminer/internal/device"
	"github.com/bardlex/kristminer/pkg/errors"
)

// DefaultNodeURL is the public Krist node.
const DefaultNodeURL = "https://krist.dev"

var (
	// nameRegex matches Krist name deposits such as "alice@example.kst".
	nameRegex = regexp.MustCompile(`^(?:([a-z0-9-_]{1,32})@)?([a-z0-9]{1,64})\.kst$`)
	// addressRegex matches v2 addresses and legacy hex addresses.
	addressRegex = regexp.MustCompile(`^(?:k[a-z0-9]{9}|[a-f0-9]{10})$`)
)

// Config holds the global configuration for the miner
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Krist node
	NodeURL     string
	NodeTimeout time.Duration
	NodeRPS     float64
	NodeBurst   int

	// Mining
	Host            string
	PrivateKey      string
	Relay           bool
	RelayRotate     bool
	RelayPersistKey bool
	Devices         string
	WorkSizes       string
	RefreshRate     time.Duration
	NonceSpace      uint64
	SubmitTimeout   time.Duration
	HashrateEvery   time.Duration

	// Status API, empty to disable
	APIListenAddr string

	// Event sinks, each disabled when its address is empty
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaEncoding string
	ZMQPubAddr    string
	PostgresURL   string
	RedisURL      string
	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string

	// Logging
	LogLevel  string
	LogFormat string
}

// MinerOptions are the validated mining options, immutable for the run.
type MinerOptions struct {
	DepositAddress string
	Relay          bool
	RelayRotate    bool
	PrivateKey     string
	Devices        device.Selection
	WorkSizes      map[string]uint64
	RefreshRate    time.Duration
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "kristminer"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Node defaults
		NodeURL:     getEnv("KRIST_NODE", DefaultNodeURL),
		NodeTimeout: getEnvDuration("KRIST_NODE_TIMEOUT", 10*time.Second),
		NodeRPS:     getEnvFloat("KRIST_NODE_RPS", 10),
		NodeBurst:   getEnvInt("KRIST_NODE_BURST", 5),

		// Mining defaults
		Host:            getEnv("MINER_ADDRESS", ""),
		PrivateKey:      getEnv("KRIST_PRIVATE_KEY", ""),
		Relay:           getEnvBool("RELAY", false),
		RelayRotate:     getEnvBool("RELAY_ROTATE", false),
		RelayPersistKey: getEnvBool("RELAY_PERSIST_KEY", false),
		Devices:         getEnv("DEVICES", "best"),
		WorkSizes:       getEnv("WORK_SIZES", ""),
		RefreshRate:     getEnvDuration("REFRESH_RATE", 2*time.Second),
		NonceSpace:      getEnvUint("NONCE_SPACE", 1<<48),
		SubmitTimeout:   getEnvDuration("SUBMIT_TIMEOUT", 10*time.Second),
		HashrateEvery:   getEnvDuration("HASHRATE_INTERVAL", 10*time.Second),

		APIListenAddr: getEnv("API_LISTEN_ADDR", ""),

		// Sink defaults
		KafkaBrokers:  getEnvSlice("KAFKA_BROKERS", nil),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "kristminer.events"),
		KafkaEncoding: getEnv("KAFKA_ENCODING", "proto"),
		ZMQPubAddr:    getEnv("ZMQ_PUB_ADDR", ""),
		PostgresURL:   getEnv("POSTGRES_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		InfluxURL:     getEnv("INFLUX_URL", ""),
		InfluxToken:   getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:     getEnv("INFLUX_ORG", "kristminer"),
		InfluxBucket:  getEnv("INFLUX_BUCKET", "mining"),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate performs basic validation of configuration values
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return configError("SERVICE_NAME cannot be empty")
	case c.NodeURL == "":
		return configError("KRIST_NODE cannot be empty")
	case c.RefreshRate <= 0:
		return configError("refresh rate must be positive")
	case c.NodeTimeout <= 0:
		return configError("KRIST_NODE_TIMEOUT must be positive")
	case c.NonceSpace == 0:
		return configError("NONCE_SPACE must be positive")
	case c.HashrateEvery <= 0:
		return configError("HASHRATE_INTERVAL must be positive")
	case c.LogFormat != "json" && c.LogFormat != "text":
		return configError("LOG_FORMAT must be json or text")
	case c.KafkaEncoding != "" && c.KafkaEncoding != "proto" && c.KafkaEncoding != "json":
		return configError("KAFKA_ENCODING must be proto or json")
	}
	return nil
}

// MinerOptions validates the mining settings and derives MinerOptions. A name
// deposit forces relay on; relay without a private key is rejected.
func (c *Config) MinerOptions() (*MinerOptions, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	host := strings.TrimSpace(c.Host)
	if host == "" {
		return nil, configError("a deposit address is required")
	}

	relay := c.Relay
	switch {
	case IsName(host):
		relay = true
	case IsAddress(host):
	default:
		return nil, configError(fmt.Sprintf("%q is neither a Krist address nor a name", host))
	}

	if relay && c.PrivateKey == "" {
		return nil, configError("relay mode requires a private key")
	}

	selection, err := device.ParseSelection(c.Devices)
	if err != nil {
		return nil, err
	}

	sizes, err := ParseWorkSizes(c.WorkSizes)
	if err != nil {
		return nil, err
	}

	return &MinerOptions{
		DepositAddress: host,
		Relay:          relay,
		RelayRotate:    c.RelayRotate,
		PrivateKey:     c.PrivateKey,
		Devices:        selection,
		WorkSizes:      sizes,
		RefreshRate:    c.RefreshRate,
	}, nil
}

// IsName reports whether s is a Krist name such as "alice@example.kst".
func IsName(s string) bool {
	return nameRegex.MatchString(s)
}

// IsAddress reports whether s is a Krist address.
func IsAddress(s string) bool {
	return addressRegex.MatchString(s)
}

// ParseWorkSizes parses "signature:size;signature:size".
func ParseWorkSizes(value string) (map[string]uint64, error) {
	sizes := make(map[string]uint64)
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		sig, size, ok := strings.Cut(entry, ":")
		sig = strings.TrimSpace(sig)
		if !ok || sig == "" {
			return nil, configError(fmt.Sprintf("work size %q must be signature:size", entry))
		}
		n, err := strconv.ParseUint(strings.TrimSpace(size), 10, 64)
		if err != nil || n == 0 {
			return nil, configError(fmt.Sprintf("work size %q must be a positive integer", size))
		}
		sizes[sig] = n
	}
	return sizes, nil
}

func configError(message string) error {
	return errors.New(errors.ErrorTypeConfiguration, "config_validation", message)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
