package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Collector struct {
	reg *prometheus.Registry

	SyncCycles   *prometheus.CounterVec // outcome label: ok|unchanged|network_error|parse_error|storage_error
	SyncDuration prometheus.Histogram
	LastSuccess  prometheus.Gauge // unix seconds of last successful cycle
	BackoffSecs  prometheus.Gauge // current retry backoff, 0 when healthy
	FetchedBytes prometheus.Counter

	TimetableStops      prometheus.Gauge
	TimetableDepartures prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	QueryDuration *prometheus.SummaryVec // endpoint label: departures|agenda
}

func NewCollector(pollInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		SyncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timetable_sync_cycles_total",
			Help: "Completed sync cycles by outcome.",
		}, []string{"outcome"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "timetable_sync_duration_seconds",
			Help:    "Duration of full sync cycles.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful sync cycle.",
		}),
		BackoffSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_sync_backoff_seconds",
			Help: "Current retry backoff interval; 0 when the last cycle succeeded.",
		}),
		FetchedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timetable_fetched_bytes_total",
			Help: "Total payload bytes downloaded from the remote source.",
		}),
		TimetableStops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_stops",
			Help: "Number of stops in the currently served timetable.",
		}),
		TimetableDepartures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_departures",
			Help: "Number of schedule entries in the currently served timetable.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timetable_nats_published_total",
			Help: "Total NATS update events published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timetable_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_nats_connected",
			Help: "1 if the NATS connection is established, 0 otherwise.",
		}),
		QueryDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "timetable_query_duration_seconds",
			Help: "Duration of departure and agenda queries.",
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		c.SyncCycles, c.SyncDuration, c.LastSuccess, c.BackoffSecs, c.FetchedBytes,
		c.TimetableStops, c.TimetableDepartures,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.QueryDuration,
	)

	pollGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "timetable_poll_interval_seconds",
		Help: "Configured poll interval in seconds.",
	})
	reg.MustRegister(pollGauge)
	pollGauge.Set(pollInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts a standalone HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	logger.Info("metrics listening", zap.String("addr", addr))
	return srv
}
