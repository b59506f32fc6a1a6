package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jonezian/yeti/internal/config"
	"github.com/jonezian/yeti/internal/enrich"
	"github.com/jonezian/yeti/internal/filter"
	"github.com/jonezian/yeti/internal/jetstream"
	"github.com/jonezian/yeti/internal/logsink"
	"github.com/jonezian/yeti/internal/relay"
	"github.com/jonezian/yeti/internal/stats"
	"github.com/jonezian/yeti/internal/supervisor"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/yeti.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}

	mode, err := supervisor.ParseRunMode(cfg.Run.Mode)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid run mode")
	}

	log.Info().
		Str("jetstream_url", cfg.Jetstream.URL).
		Strs("keywords", cfg.Keywords.List).
		Str("run_mode", cfg.Run.Mode).
		Str("log_dir", cfg.Logs.Dir).
		Msg("Configuration loaded")

	source := jetstream.NewClient(jetstream.Config{
		URL:             cfg.Jetstream.URL,
		MaxMessageBytes: cfg.Jetstream.MaxMessageBytes,
	})

	engine := filter.NewEngine(cfg.Keywords.List, filter.Config{
		TargetLanguage:  cfg.Filter.TargetLanguage,
		ScoreThreshold:  cfg.Filter.ScoreThreshold,
		TargetWords:     cfg.Filter.TargetWords,
		ReferenceWords:  cfg.Filter.ReferenceWords,
		Markers:         cfg.Filter.Markers,
		InternalDomains: cfg.Filter.InternalDomains,
	})

	aggregator := stats.NewAggregator(cfg.Keywords.List)
	sink := logsink.New(cfg.Logs.Dir)

	// Optional profile cache
	var cache *enrich.ProfileCache
	if cfg.Redis.Addr != "" {
		cache = enrich.NewProfileCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.ProfileTTL.Std())
		defer cache.Close()
		log.Info().Str("redis_addr", cfg.Redis.Addr).Msg("Profile cache enabled")
	}

	orchestrator := enrich.NewOrchestrator(
		enrich.NewHTTPProfileFetcher(cfg.Enrich.ProfileEndpoint),
		enrich.NewHTTPTranslator(cfg.Enrich.TranslateEndpoint, cfg.Filter.TargetLanguage, cfg.Enrich.MaxTranslateChars),
		cache,
		enrich.Options{
			ProfileWorkers:   cfg.Enrich.ProfileWorkers,
			TranslateWorkers: cfg.Enrich.TranslateWorkers,
			Countdown:        cfg.Enrich.Countdown.Std(),
		},
	)

	// Optional match relay
	var rly *relay.Relay
	if len(cfg.Relay.Brokers) > 0 {
		rly = relay.New(cfg.Relay.Brokers, cfg.Relay.Topic)
		defer rly.Close()
		log.Info().Strs("brokers", cfg.Relay.Brokers).Str("topic", cfg.Relay.Topic).Msg("Match relay enabled")
	}

	sup := supervisor.New(source, engine, aggregator, sink, orchestrator, rly, supervisor.Options{
		Heartbeat:   cfg.Jetstream.Heartbeat.Std(),
		ReadTimeout: cfg.Jetstream.ReadTimeout.Std(),
		Backoff: supervisor.Backoff{
			Base: cfg.Backoff.Base.Std(),
			Cap:  cfg.Backoff.Cap.Std(),
		},
		QueueCap:      cfg.Enrich.QueueCap,
		StatsInterval: cfg.StatsInterval.Std(),
	})

	// Cooperative stop on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := sup.Run(ctx, supervisor.RunLimit{
		Mode:     mode,
		Duration: cfg.Run.Duration.Std(),
		Count:    cfg.Run.Count,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Run failed")
	}

	log.Info().
		Uint64("seen", report.Snapshot.TotalSeen).
		Uint64("matched", report.Snapshot.TotalMatched).
		Int("reconnects", report.Reconnects).
		Msg("Session complete")
}
