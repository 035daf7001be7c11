package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HH_TARGETS_FILE", "HH_DIRS", "HH_SITE", "HH_ENCODING", "HH_POLL_INTERVAL_MS",
		"HH_FORCE_POLLING", "HH_START_AT_END", "HH_RESCAN_INTERVAL_MS", "HH_MAX_HAND_LINES",
		"HH_COMMIT_INTERVAL_MS",
		"HH_FILTER", "SINKS",
		"JSONL_PATH", "CLICKHOUSE_HOST", "CLICKHOUSE_PORT", "CLICKHOUSE_DB",
		"CLICKHOUSE_BATCH_SIZE", "CLICKHOUSE_FLUSH_MS", "KAFKA_BROKERS", "KAFKA_TOPIC",
		"LOG_LEVEL", "LOG_FILE", "TRACING_ENABLED", "OTEL_ENDPOINT", "OTEL_PROTOCOL",
		"OTEL_SAMPLE_RATIO",
	} {
		t.Setenv(key, "")
	}
	// OFFSET_DB distinguishes unset from empty
	t.Setenv("OFFSET_DB", "")
	require.NoError(t, os.Unsetenv("OFFSET_DB"))
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HH_DIRS", "/hh/stars; /hh/stars2 ;")

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, Target{
		Dir:            "/hh/stars",
		Pattern:        DefaultPattern,
		Site:           "PokerStars",
		Encoding:       "cp1252",
		PollIntervalMs: 100,
		StartAtEnd:     cfg.Targets[0].StartAtEnd,
	}, cfg.Targets[0])
	assert.False(t, cfg.Targets[0].SkipHistory())
	assert.Equal(t, "/hh/stars2", cfg.Targets[1].Dir)

	assert.Equal(t, []string{SinkJSONL}, cfg.Sinks)
	assert.Equal(t, "data/offsets.db", cfg.OffsetDBPath)
	assert.Equal(t, 5*time.Second, cfg.RescanInterval)
	assert.Equal(t, time.Second, cfg.CommitInterval)
	assert.Equal(t, 2*time.Second, cfg.ClickHouseFlush)
	assert.Equal(t, "hands", cfg.ClickHouseDB)
	assert.Equal(t, "grpc", cfg.OTELProtocol)
	assert.Equal(t, 1.0, cfg.OTELSampleRate)
	assert.Equal(t, 5000, cfg.MaxHandLines)
	assert.Empty(t, cfg.HandFilter)
}

func TestLoad_EmptyOffsetDBSelectsMemory(t *testing.T) {
	clearEnv(t)
	t.Setenv("HH_DIRS", "/hh")
	t.Setenv("OFFSET_DB", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.OffsetDBPath)
}

func TestLoad_TargetsFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
targets:
  - path: /hh/table1.txt
    site: Winamax
    encoding: utf-8
    poll_interval_ms: 250
    start_at_end: true
  - dir: /hh/ggpoker
    pattern: "*.log"
    recursive: true
    site: GGPoker
`), 0o644))
	t.Setenv("HH_TARGETS_FILE", path)
	t.Setenv("HH_DIRS", "/hh/extra")
	t.Setenv("HH_START_AT_END", "false")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Targets, 3)

	file := cfg.Targets[0]
	assert.False(t, file.IsDir())
	assert.Equal(t, "Winamax", file.Site)
	assert.Equal(t, "utf-8", file.Encoding)
	assert.Equal(t, 250*time.Millisecond, file.PollInterval())
	assert.True(t, file.SkipHistory())

	dir := cfg.Targets[1]
	assert.True(t, dir.IsDir())
	assert.Equal(t, "*.log", dir.Pattern)
	assert.True(t, dir.Recursive)
	assert.False(t, dir.SkipHistory())

	assert.Equal(t, "/hh/extra", cfg.Targets[2].Dir)
}

func TestLoad_ExplicitTargetsFileMissing(t *testing.T) {
	clearEnv(t)
	t.Setenv("HH_TARGETS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("HH_DIRS", "/hh")

	_, err := Load()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets: [path: x"), 0o644))
	t.Setenv("HH_TARGETS_FILE", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse targets file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Targets:             []Target{{Path: "/hh/a.txt"}},
			Sinks:               []string{SinkJSONL},
			DefaultPollInterval: 100 * time.Millisecond,
			RescanInterval:      time.Second,
			CommitInterval:      time.Second,
			MaxHandLines:        5000,
			ClickHouseHost:      "localhost",
			ClickHousePort:      9000,
			ClickHouseDB:        "hands",
			ClickHouseBatchSize: 10,
			KafkaTopic:          "hands",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no targets", mutate: func(c *Config) { c.Targets = nil }, wantErr: "at least one target"},
		{name: "target without path", mutate: func(c *Config) { c.Targets = []Target{{Site: "Bovada"}} }, wantErr: "either path or dir"},
		{name: "path and dir", mutate: func(c *Config) { c.Targets = []Target{{Path: "/a", Dir: "/b"}} }, wantErr: "mutually exclusive"},
		{name: "bad pattern", mutate: func(c *Config) { c.Targets = []Target{{Dir: "/b", Pattern: "[x"}} }, wantErr: "invalid pattern"},
		{name: "unknown sink", mutate: func(c *Config) { c.Sinks = []string{"s3"} }, wantErr: "unknown sink"},
		{name: "no sinks", mutate: func(c *Config) { c.Sinks = nil }, wantErr: "at least one sink"},
		{name: "clickhouse without host", mutate: func(c *Config) {
			c.Sinks = []string{SinkClickHouse}
			c.ClickHouseHost = ""
		}, wantErr: "CLICKHOUSE_HOST"},
		{name: "clickhouse bad port", mutate: func(c *Config) {
			c.Sinks = []string{SinkClickHouse}
			c.ClickHousePort = 70000
		}, wantErr: "CLICKHOUSE_PORT"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Sinks = []string{SinkKafka} }, wantErr: "KAFKA_BROKERS"},
		{name: "kafka with brokers", mutate: func(c *Config) {
			c.Sinks = []string{SinkJSONL, SinkKafka}
			c.KafkaBrokers = []string{"localhost:9092"}
		}},
		{name: "sample ratio above one", mutate: func(c *Config) { c.OTELSampleRate = 1.5 }, wantErr: "OTEL_SAMPLE_RATIO"},
		{name: "zero commit interval", mutate: func(c *Config) { c.CommitInterval = 0 }, wantErr: "HH_COMMIT_INTERVAL_MS"},
		{name: "zero max hand lines", mutate: func(c *Config) { c.MaxHandLines = 0 }, wantErr: "HH_MAX_HAND_LINES"},
		{name: "bad otel protocol", mutate: func(c *Config) {
			c.TracingEnabled = true
			c.OTELProtocol = "udp"
		}, wantErr: "OTEL_PROTOCOL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParsePathList(t *testing.T) {
	assert.Nil(t, parsePathList(""))
	assert.Equal(t, []string{"C:\\hh", "/hh"}, parsePathList(" C:\\hh ;;/hh"))
	assert.Equal(t, []string{"a:9092", "b:9092"}, parseList("a:9092, b:9092", ","))
}
