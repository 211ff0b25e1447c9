// Package main is the entry point for the lolbin-sentinel detection engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lolbin-sentinel/internal/aggregate"
	"lolbin-sentinel/internal/alertstore"
	"lolbin-sentinel/internal/api"
	"lolbin-sentinel/internal/config"
	"lolbin-sentinel/internal/correlate"
	"lolbin-sentinel/internal/dispatch"
	"lolbin-sentinel/internal/export"
	"lolbin-sentinel/internal/kafka"
	"lolbin-sentinel/internal/match"
	"lolbin-sentinel/internal/metrics"
	"lolbin-sentinel/internal/pipeline"
	"lolbin-sentinel/internal/rules"
	"lolbin-sentinel/internal/schema"
	"lolbin-sentinel/internal/stream"
)

var version = "dev"

func main() {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.Parse()

	if showVersion {
		fmt.Printf("lolbin-sentinel %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"storage_backend", cfg.Storage.Backend,
		"auth_enabled", cfg.Auth.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"channels", len(cfg.Dispatch.Channels),
	)

	catalog, err := loadCatalog(cfg.Rules)
	if err != nil {
		slog.Error("failed to load rule catalog", "error", err)
		os.Exit(1)
	}
	for _, w := range catalog.Warnings() {
		slog.Warn("rule entry skipped", "index", w.Index, "error", w.Err)
	}
	ruleStore := rules.NewStore(catalog)
	slog.Info("rule catalog loaded", "rules", catalog.Len(), "warnings", len(catalog.Warnings()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Update fan-out: the in-process hub feeds long-polling clients, Redis
	// feeds external subscribers.
	hub := stream.NewHub(cfg.Stats.StreamBuffer)
	publishers := stream.MultiPublisher{hub}

	var redisPub *stream.RedisPublisher
	if cfg.Redis.Enabled {
		redisPub, err = stream.NewRedisPublisher(ctx, cfg.Redis.RedisConfig, slog.Default())
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		publishers = append(publishers, redisPub)
	}

	var store alertstore.Store
	switch cfg.Storage.Backend {
	case "clickhouse":
		store, err = alertstore.NewClickHouseStore(ctx, cfg.Storage.ClickHouse, publishers)
		if err != nil {
			slog.Error("failed to connect to clickhouse", "error", err)
			os.Exit(1)
		}
	default:
		store = alertstore.NewMemoryStore(publishers)
	}

	correlator, err := correlate.New(cfg.Correlator, store)
	if err != nil {
		slog.Error("failed to build correlator", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(cfg.Dispatch.Delivery)
	var producer *kafka.Producer
	if cfg.Kafka.Enabled && cfg.Kafka.AlertsTopic != "" && hasChannel(cfg.Dispatch.Channels, "kafka") {
		producer, err = kafka.NewProducer(cfg.Kafka.Config, slog.Default())
		if err != nil {
			slog.Error("failed to build kafka producer", "error", err)
			os.Exit(1)
		}
	}
	natsChannels, err := registerChannels(dispatcher, cfg.Dispatch.Channels, producer)
	if err != nil {
		slog.Error("failed to build notification channels", "error", err)
		os.Exit(1)
	}

	aggregator := aggregate.New(cfg.Stats.WindowDays, store)

	var p *pipeline.Pipeline
	m := metrics.New(func() float64 {
		if p == nil {
			return 0
		}
		return float64(p.Queue().Stats().Depth)
	})
	m.RulesLoaded.Set(float64(catalog.Len()))
	dispatcher.OnResult(func(channel, result string) {
		m.Deliveries.WithLabelValues(channel, result).Inc()
	})

	p = pipeline.New(cfg.Pipeline, match.New(ruleStore), correlator, dispatcher, m)
	p.Start(ctx)

	reloadRules := func() (int, error) {
		catalog, err := loadCatalog(cfg.Rules)
		if err != nil {
			return 0, err
		}
		for _, w := range catalog.Warnings() {
			slog.Warn("rule entry skipped during reload", "index", w.Index, "error", w.Err)
		}
		ruleStore.Replace(catalog)
		m.RulesLoaded.Set(float64(catalog.Len()))
		return catalog.Len(), nil
	}

	// SIGHUP swaps in a fresh catalog without dropping events.
	go watchReload(reloadRules)

	var source *kafka.EventSource
	if cfg.Kafka.Enabled && cfg.Kafka.EventsTopic != "" {
		source, err = kafka.NewEventSource(cfg.Kafka.Config, func(_ context.Context, event *schema.Event) error {
			return p.Submit(event)
		}, slog.Default())
		if err != nil {
			slog.Error("failed to build kafka event source", "error", err)
			os.Exit(1)
		}
		if err := source.Start(ctx); err != nil {
			slog.Error("failed to start kafka event source", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Archive.Enabled {
		archiver, err := export.NewS3Archiver(ctx, cfg.Archive.S3Config, slog.Default())
		if err != nil {
			slog.Error("failed to build s3 archiver", "error", err)
			os.Exit(1)
		}
		go archiveLoop(ctx, store, archiver, cfg.Archive.Interval)
	}

	apiServer := api.New(cfg, p, store, hub, aggregator, dispatcher, m, slog.Default())
	apiServer.OnRulesReload(reloadRules)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting http server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake first, then drain the pipeline, then tear down delivery
	// and storage.
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if source != nil {
		if err := source.Stop(); err != nil {
			slog.Error("kafka source stop error", "error", err)
		}
	}
	p.Stop()
	dispatcher.Stop()
	apiServer.Close()
	cancel()
	hub.Close()

	for _, ch := range natsChannels {
		ch.Close()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			slog.Error("kafka producer close error", "error", err)
		}
	}
	if redisPub != nil {
		if err := redisPub.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete", "queue_stats", p.Queue().Stats())
}

// setupLogging configures the default slog logger from config.
func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadCatalog builds the active catalog from the configured file, merging
// the builtin rules underneath so file entries win on conflicts.
func loadCatalog(cfg config.RulesConfig) (*rules.Catalog, error) {
	var defs []rules.Rule
	if cfg.IncludeBuiltin {
		defs = rules.Builtin()
	}
	if cfg.Path != "" {
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rules file: %w", err)
		}
		fileDefs, err := rules.ParseRules(data)
		if err != nil {
			return nil, err
		}
		defs = append(defs, fileDefs...)
	}
	return rules.Load(defs)
}

// watchReload reloads the rule catalog on SIGHUP.
func watchReload(reload func() (int, error)) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	for range hup {
		if _, err := reload(); err != nil {
			slog.Error("rule reload failed, keeping active catalog", "error", err)
		}
	}
}

// hasChannel reports whether any configured channel has the given type.
func hasChannel(channels []config.ChannelConfig, typ string) bool {
	for _, ch := range channels {
		if ch.Type == typ {
			return true
		}
	}
	return false
}

// registerChannels builds and registers the configured notification
// channels. NATS channels are returned so main can close their connections
// on shutdown.
func registerChannels(d *dispatch.Dispatcher, channels []config.ChannelConfig, producer *kafka.Producer) ([]*dispatch.NATSChannel, error) {
	var natsChannels []*dispatch.NATSChannel

	for _, cc := range channels {
		minSev := cc.MinSeverity
		if minSev == "" {
			minSev = rules.SeverityLow
		}

		var (
			ch  dispatch.Channel
			err error
		)
		switch cc.Type {
		case "log":
			ch = dispatch.NewLogChannel(slog.Default())
		case "webhook":
			ch = dispatch.NewWebhookChannel(cc.Name, cc.URL, cc.Headers)
		case "slack":
			ch = dispatch.NewSlackChannel(cc.URL, cc.SlackChannel, cc.Username)
		case "kafka":
			if producer == nil {
				return nil, fmt.Errorf("kafka channel %q configured without a producer", cc.Name)
			}
			ch = dispatch.NewKafkaChannel(producer)
		case "nats":
			nc, nerr := dispatch.NewNATSChannel(cc.URL, cc.Subject)
			if nerr != nil {
				return nil, fmt.Errorf("nats channel %q: %w", cc.Name, nerr)
			}
			natsChannels = append(natsChannels, nc)
			ch = nc
		default:
			err = fmt.Errorf("unknown channel type: %s", cc.Type)
		}
		if err != nil {
			return nil, err
		}

		d.Register(ch, minSev)
		slog.Info("notification channel registered", "type", cc.Type, "name", ch.Name(), "min_severity", minSev)
	}
	return natsChannels, nil
}

// archiveLoop periodically uploads a CSV snapshot of alerts touched since
// the previous upload.
func archiveLoop(ctx context.Context, store alertstore.Store, archiver *export.S3Archiver, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now().UTC().Add(-interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		since := last
		now := time.Now().UTC()
		alerts, err := store.List(ctx, alertstore.Filter{Since: &since})
		if err != nil {
			slog.Error("archive listing failed", "error", err)
			continue
		}
		if len(alerts) == 0 {
			last = now
			continue
		}

		key, err := archiver.Archive(ctx, alerts, now)
		if err != nil {
			slog.Error("archive upload failed", "error", err)
			continue
		}
		slog.Info("alerts archived", "key", key, "alerts", len(alerts))
		last = now
	}
}
