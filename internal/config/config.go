package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported sink names
const (
	SinkJSONL      = "jsonl"
	SinkClickHouse = "clickhouse"
	SinkKafka      = "kafka"
)

const defaultTargetsFile = "configs/targets.yaml"

// Config holds all configuration for the application
type Config struct {
	// Watch targets: YAML targets file plus HH_DIRS
	TargetsFile string
	Targets     []Target

	// Tailer defaults, overridable per target
	DefaultSite         string
	DefaultEncoding     string
	DefaultPollInterval time.Duration
	ForcePolling        bool // Never use fsnotify
	StartAtEnd          bool // Skip history of files without a checkpoint
	RescanInterval      time.Duration
	MaxHandLines        int

	// Offset store; empty path keeps offsets in memory
	OffsetDBPath   string
	CommitInterval time.Duration // Sink flush and checkpoint cadence

	// Sinks
	Sinks      []string
	JSONLPath  string // empty = stdout
	HandFilter string // CEL expression; empty passes every hand

	// ClickHouse configuration
	ClickHouseHost      string
	ClickHousePort      int
	ClickHouseDB        string
	ClickHouseUser      string
	ClickHousePassword  string
	ClickHouseBatchSize int
	ClickHouseFlush     time.Duration

	// Kafka configuration
	KafkaBrokers []string
	KafkaTopic   string

	// Observability
	LogLevel       string
	LogFile        string
	TracingEnabled bool
	OTELEndpoint   string
	OTELProtocol   string
	OTELSampleRate float64
}

// Load loads configuration from environment variables and the targets file
func Load() (*Config, error) {
	cfg := &Config{
		TargetsFile: getEnv("HH_TARGETS_FILE", defaultTargetsFile),

		DefaultSite:         getEnv("HH_SITE", "PokerStars"),
		DefaultEncoding:     getEnv("HH_ENCODING", "cp1252"),
		DefaultPollInterval: getEnvDuration("HH_POLL_INTERVAL_MS", 100),
		ForcePolling:        getEnvBool("HH_FORCE_POLLING", false),
		StartAtEnd:          getEnvBool("HH_START_AT_END", false),
		RescanInterval:      getEnvDuration("HH_RESCAN_INTERVAL_MS", 5000),
		MaxHandLines:        getEnvInt("HH_MAX_HAND_LINES", 5000),

		OffsetDBPath:   getEnv("OFFSET_DB", "data/offsets.db"),
		CommitInterval: getEnvDuration("HH_COMMIT_INTERVAL_MS", 1000),

		Sinks:      parseList(getEnv("SINKS", SinkJSONL), ","),
		JSONLPath:  getEnv("JSONL_PATH", ""),
		HandFilter: getEnv("HH_FILTER", ""),

		ClickHouseHost:      getEnv("CLICKHOUSE_HOST", "localhost"),
		ClickHousePort:      getEnvInt("CLICKHOUSE_PORT", 9000),
		ClickHouseDB:        getEnv("CLICKHOUSE_DB", "hands"),
		ClickHouseUser:      getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePassword:  getEnv("CLICKHOUSE_PASSWORD", ""),
		ClickHouseBatchSize: getEnvInt("CLICKHOUSE_BATCH_SIZE", 500),
		ClickHouseFlush:     getEnvDuration("CLICKHOUSE_FLUSH_MS", 2000),

		KafkaBrokers: parseList(getEnv("KAFKA_BROKERS", ""), ","),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "hands"),

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFile:        getEnv("LOG_FILE", ""),
		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		OTELEndpoint:   getEnv("OTEL_ENDPOINT", ""),
		OTELProtocol:   getEnv("OTEL_PROTOCOL", "grpc"),
		OTELSampleRate: getEnvFloat("OTEL_SAMPLE_RATIO", 1),
	}
	// OFFSET_DB="" must select the memory store, so getEnv's fallback is bypassed
	if v, ok := os.LookupEnv("OFFSET_DB"); ok {
		cfg.OffsetDBPath = strings.TrimSpace(v)
	}

	targets, err := LoadTargets(cfg.TargetsFile)
	switch {
	case err == nil:
		cfg.Targets = append(cfg.Targets, targets...)
	case errors.Is(err, os.ErrNotExist) && cfg.TargetsFile == defaultTargetsFile:
		// optional unless set explicitly
	default:
		return nil, err
	}

	for _, dir := range parsePathList(getEnv("HH_DIRS", "")) {
		cfg.Targets = append(cfg.Targets, Target{Dir: dir})
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills unset target fields from the global settings
func (c *Config) applyDefaults() {
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.Site == "" {
			t.Site = c.DefaultSite
		}
		if t.Encoding == "" {
			t.Encoding = c.DefaultEncoding
		}
		if t.Dir != "" && t.Pattern == "" {
			t.Pattern = DefaultPattern
		}
		if t.PollIntervalMs <= 0 {
			t.PollIntervalMs = int(c.DefaultPollInterval / time.Millisecond)
		}
		if t.StartAtEnd == nil {
			v := c.StartAtEnd
			t.StartAtEnd = &v
		}
	}
}

// HasSink reports whether the named sink is enabled
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target must be specified (HH_DIRS or %s)", c.TargetsFile)
	}
	for i, t := range c.Targets {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("target %d: %w", i, err)
		}
	}

	if len(c.Sinks) == 0 {
		return fmt.Errorf("SINKS must name at least one sink")
	}
	for _, s := range c.Sinks {
		switch s {
		case SinkJSONL, SinkClickHouse, SinkKafka:
		default:
			return fmt.Errorf("unknown sink %q (use %s, %s or %s)", s, SinkJSONL, SinkClickHouse, SinkKafka)
		}
	}

	if c.HasSink(SinkClickHouse) {
		if c.ClickHouseHost == "" {
			return fmt.Errorf("CLICKHOUSE_HOST is required")
		}
		if c.ClickHousePort <= 0 || c.ClickHousePort > 65535 {
			return fmt.Errorf("CLICKHOUSE_PORT must be between 1 and 65535")
		}
		if c.ClickHouseDB == "" {
			return fmt.Errorf("CLICKHOUSE_DB is required")
		}
		if c.ClickHouseBatchSize < 1 {
			return fmt.Errorf("CLICKHOUSE_BATCH_SIZE must be at least 1")
		}
	}

	if c.HasSink(SinkKafka) {
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka sink")
		}
		if c.KafkaTopic == "" {
			return fmt.Errorf("KAFKA_TOPIC is required")
		}
	}

	if c.DefaultPollInterval <= 0 {
		return fmt.Errorf("HH_POLL_INTERVAL_MS must be positive")
	}
	if c.MaxHandLines < 1 {
		return fmt.Errorf("HH_MAX_HAND_LINES must be at least 1")
	}
	if c.RescanInterval <= 0 {
		return fmt.Errorf("HH_RESCAN_INTERVAL_MS must be positive")
	}
	if c.CommitInterval <= 0 {
		return fmt.Errorf("HH_COMMIT_INTERVAL_MS must be positive")
	}
	if c.TracingEnabled && c.OTELProtocol != "grpc" && c.OTELProtocol != "http" {
		return fmt.Errorf("OTEL_PROTOCOL must be grpc or http")
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be between 0 and 1")
	}

	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable or returns a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration reads a millisecond count
func getEnvDuration(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}

// parsePathList parses a semicolon-separated list of paths
func parsePathList(pathsStr string) []string {
	return parseList(pathsStr, ";")
}

func parseList(s, sep string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
