package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gtfs-departures/internal/cache"
	"gtfs-departures/internal/config"
	"gtfs-departures/internal/fetch"
	"gtfs-departures/internal/gtfs"
	"gtfs-departures/internal/metrics"
	"gtfs-departures/internal/publisher"
	"gtfs-departures/internal/server"
	"gtfs-departures/internal/syncer"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mcol := metrics.NewCollector(cfg.PollInterval)

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("cache store error", zap.Error(err))
	}

	var notifier syncer.Notifier
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, wrapPublisherMetrics(mcol), logger)
		if err != nil {
			logger.Fatal("nats error", zap.Error(err))
		}
		defer pub.Close()
		notifier = pub
	}

	snapshot := &cache.Snapshot{}
	source := fetch.NewSource(cfg.RemoteURL, cfg.HTTPTimeout, logger)
	parser := gtfs.NewParser(logger)

	sync := syncer.New(source, parser, store, snapshot, notifier, mcol, syncer.Config{
		PollInterval:   cfg.PollInterval,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		Location:       cfg.Location,
	}, logger)

	// Serve whatever the previous run cached while the first sync runs.
	if err := sync.Bootstrap(ctx); err != nil {
		logger.Warn("could not load cached timetable", zap.Error(err))
	}

	go sync.Run(ctx)

	for _, sub := range cfg.Subscriptions {
		logger.Info("subscription configured",
			zap.String("stop_id", sub.StopID),
			zap.String("line_id", sub.LineID),
		)
	}

	api := server.New(snapshot, sync, cfg.Subscriptions, mcol, logger)
	apiSrv := api.Serve(cfg.HTTPAddr, cfg.MetricsAddr == "")

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = mcol.Serve(cfg.MetricsAddr, logger)
	}

	// Block until context cancelled
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	apiSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info("shutdown complete")
}

func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Store, error) {
	if cfg.CacheDSN != "" {
		logger.Info("using postgres cache backend")
		return cache.NewPostgresStore(ctx, cfg.CacheDSN, cfg.RemoteURL, logger)
	}
	logger.Info("using file cache backend", zap.String("dir", cfg.CacheDir))
	return cache.NewFileStore(cfg.CacheDir, cfg.RemoteURL, logger)
}

// wrapPublisherMetrics adapts the Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()  { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc() { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
