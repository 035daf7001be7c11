package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/hhstream/internal/clickhouse"
	"github.com/SteelMorgan/hhstream/internal/config"
	"github.com/SteelMorgan/hhstream/internal/observability"
	"github.com/SteelMorgan/hhstream/internal/offset"
	"github.com/SteelMorgan/hhstream/internal/retry"
	"github.com/SteelMorgan/hhstream/internal/service"
	"github.com/SteelMorgan/hhstream/internal/sink"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	observability.InitLogger(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("version", version).
		Int("targets", len(cfg.Targets)).
		Strs("sinks", cfg.Sinks).
		Msg("Starting hand-history stream")

	// Initialize tracer (no-op when disabled)
	shutdownTracer, err := observability.InitTracer(observability.TracerConfig{
		ServiceName:    "hhstream",
		ServiceVersion: version,
		Endpoint:       cfg.OTELEndpoint,
		Protocol:       cfg.OTELProtocol,
		SampleRatio:    cfg.OTELSampleRate,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer shutdownTracer(context.Background())
	}

	store, err := openOffsetStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open offset store")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hs, cleanup, err := buildSink(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sinks")
	}
	defer cleanup()

	ingestSvc, err := service.NewIngestService(cfg, hs, store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create ingest service")
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := ingestSvc.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	log.Info().Msg("Ingest service started successfully")

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Info().Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("Ingest service error")
	}

	log.Info().Msg("Shutting down gracefully...")
	cancel()

	if err := ingestSvc.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}

	log.Info().Msg("Ingest service stopped")
}

func openOffsetStore(cfg *config.Config) (offset.Store, error) {
	if cfg.OffsetDBPath == "" {
		log.Warn().Msg("OFFSET_DB is empty, checkpoints will not survive a restart")
		return offset.NewMemoryStore(), nil
	}
	return offset.NewBoltDBStore(cfg.OffsetDBPath)
}

// buildSink assembles the configured sinks behind the optional hand filter.
// The returned cleanup closes the sinks and the ClickHouse connection.
func buildSink(ctx context.Context, cfg *config.Config) (sink.HandSink, func(), error) {
	var (
		sinks   []sink.HandSink
		closers []func() error
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Error().Err(err).Msg("Failed to close sink")
			}
		}
	}

	for _, name := range cfg.Sinks {
		switch name {
		case config.SinkJSONL:
			s, err := sink.OpenJSONLinesSink(cfg.JSONLPath)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			sinks = append(sinks, s)
			closers = append(closers, s.Close)

		case config.SinkClickHouse:
			connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			client, err := clickhouse.NewClient(connectCtx, clickhouse.Options{
				Host:     cfg.ClickHouseHost,
				Port:     cfg.ClickHousePort,
				Database: cfg.ClickHouseDB,
				Username: cfg.ClickHouseUser,
				Password: cfg.ClickHousePassword,
			})
			if err != nil {
				cancel()
				cleanup()
				return nil, nil, err
			}
			closers = append(closers, client.Close)

			s := sink.NewClickHouseSink(client.Conn(), client.Database(), sink.BatchConfig{
				MaxSize:      cfg.ClickHouseBatchSize,
				FlushTimeout: cfg.ClickHouseFlush,
			}, client.RetryConfig())
			closers = append(closers, s.Close)

			err = s.EnsureSchema(connectCtx)
			cancel()
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			sinks = append(sinks, s)

		case config.SinkKafka:
			s := sink.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, retry.DefaultConfig())
			sinks = append(sinks, s)
			closers = append(closers, s.Close)
		}
	}

	var hs sink.HandSink = sink.NewMultiSink(sinks...)
	if len(sinks) == 1 {
		hs = sinks[0]
	}

	filtered, err := sink.NewFilterSink(hs, cfg.HandFilter)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if cfg.HandFilter != "" {
		log.Info().Str("filter", cfg.HandFilter).Msg("Hand filter enabled")
	}

	return filtered, cleanup, nil
}
