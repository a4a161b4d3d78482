// Package syncer drives the periodic fetch/detect-change/parse/store cycle.
// All sync-path failures are absorbed here: they surface through the health
// signal and metrics, never to query callers, so readers always get the best
// available (possibly stale) timetable.
package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gtfs-departures/internal/cache"
	"gtfs-departures/internal/fetch"
	"gtfs-departures/internal/gtfs"
	"gtfs-departures/internal/metrics"
)

// Outcome classifies a completed sync cycle.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeNetworkError Outcome = "network_error"
	OutcomeParseError   Outcome = "parse_error"
	OutcomeStorageError Outcome = "storage_error"
)

func (o Outcome) failed() bool {
	return o != OutcomeOK && o != OutcomeUnchanged
}

// Health is the observability signal exposed to the host.
type Health struct {
	LastSyncTime          time.Time `json:"lastSyncTime"`
	LastOutcome           Outcome   `json:"lastOutcome,omitempty"`
	LastError             string    `json:"lastError,omitempty"`
	CurrentBackoffSeconds float64   `json:"currentBackoffSeconds"`
	Fingerprint           string    `json:"fingerprint,omitempty"`
}

// Remote is the slice of fetch.Source the syncer depends on.
type Remote interface {
	URL() string
	Fingerprint(ctx context.Context) (fetch.Fingerprint, error)
	Fetch(ctx context.Context) ([]byte, fetch.Fingerprint, error)
}

// Notifier is told about every newly adopted timetable. Implementations
// must not block for long; publishing happens inside the sync cycle.
type Notifier interface {
	TimetableAdopted(ctx context.Context, rec *cache.Record)
}

type Syncer struct {
	remote   Remote
	parser   *gtfs.Parser
	store    cache.Store
	snapshot *cache.Snapshot
	notifier Notifier
	metrics  *metrics.Collector
	logger   *zap.Logger

	pollInterval time.Duration
	location     *time.Location
	backoff      backoff

	// cachedFP is touched only by the sync goroutine (and Bootstrap,
	// which runs before it starts).
	cachedFP *fetch.Fingerprint

	mu     sync.Mutex
	health Health
}

type Config struct {
	PollInterval   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Location       *time.Location
}

func New(remote Remote, parser *gtfs.Parser, store cache.Store, snapshot *cache.Snapshot,
	notifier Notifier, collector *metrics.Collector, cfg Config, logger *zap.Logger) *Syncer {
	return &Syncer{
		remote:       remote,
		parser:       parser,
		store:        store,
		snapshot:     snapshot,
		notifier:     notifier,
		metrics:      collector,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		location:     cfg.Location,
		backoff:      backoff{initial: cfg.BackoffInitial, max: cfg.BackoffMax},
	}
}

// Bootstrap loads the persisted cache record, if any, and serves it
// immediately. A stale timetable beats an empty one while the first sync is
// still in flight.
func (s *Syncer) Bootstrap(ctx context.Context) error {
	rec, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		s.logger.Info("no cached timetable, waiting for first sync")
		return nil
	}

	s.snapshot.Swap(rec.Timetable)
	fp := rec.Fingerprint
	s.cachedFP = &fp
	s.setTimetableGauges(rec.Timetable)

	s.mu.Lock()
	s.health.LastSyncTime = rec.FetchedAt
	s.health.Fingerprint = fp.String()
	s.mu.Unlock()

	s.logger.Info("serving cached timetable",
		zap.String("fingerprint", fp.String()),
		zap.Time("fetched_at", rec.FetchedAt),
		zap.Int("departures", rec.Timetable.DepartureCount()),
	)
	return nil
}

// Run polls until ctx is cancelled. The timer is re-armed only after a
// cycle finishes, so at most one cycle is ever active and a tick arriving
// mid-cycle is dropped, not queued. Timetables change at most daily;
// missing a tick is harmless.
func (s *Syncer) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		outcome := s.cycle(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := s.pollInterval
		if outcome.failed() {
			wait = s.backoff.next()
			s.logger.Warn("sync cycle failed, backing off",
				zap.String("outcome", string(outcome)),
				zap.Duration("retry_in", wait),
			)
		} else {
			s.backoff.reset()
		}
		s.setBackoffGauge()
		timer.Reset(wait)
	}
}

// cycle runs one full pass: fingerprint, change check, and when changed,
// fetch → parse → store → swap. Returns the outcome for backoff handling.
func (s *Syncer) cycle(ctx context.Context) Outcome {
	start := time.Now()

	observed, err := s.remote.Fingerprint(ctx)
	if err != nil {
		return s.fail(OutcomeNetworkError, err)
	}

	if !fetch.Changed(s.cachedFP, observed) {
		s.logger.Debug("remote timetable unchanged",
			zap.String("fingerprint", observed.String()),
		)
		s.succeed(OutcomeUnchanged, *s.cachedFP, start)
		return OutcomeUnchanged
	}

	payload, fp, err := s.remote.Fetch(ctx)
	if err != nil {
		return s.fail(OutcomeNetworkError, err)
	}
	if s.metrics != nil {
		s.metrics.FetchedBytes.Add(float64(len(payload)))
	}

	fetchedAt := time.Now().In(s.location)
	tt, err := s.parser.Parse(payload, gtfs.ParseOptions{
		SourceVersion: fp.String(),
		FetchedAt:     fetchedAt,
		Location:      s.location,
	})
	if err != nil {
		return s.fail(OutcomeParseError, err)
	}

	rec := cache.NewRecord(s.remote.URL(), fp, fetchedAt, tt)
	if err := s.store.Save(ctx, rec); err != nil {
		// previous record and snapshot stay authoritative
		return s.fail(OutcomeStorageError, err)
	}

	// The new record is durable; now it may replace what queries see.
	s.snapshot.Swap(tt)
	s.cachedFP = &rec.Fingerprint
	s.setTimetableGauges(tt)
	s.succeed(OutcomeOK, fp, start)

	s.logger.Info("adopted new timetable",
		zap.String("fingerprint", fp.String()),
		zap.Int("stops", len(tt.Stops)),
		zap.Int("departures", tt.DepartureCount()),
	)

	if s.notifier != nil {
		s.notifier.TimetableAdopted(ctx, rec)
	}
	return OutcomeOK
}

func (s *Syncer) succeed(outcome Outcome, fp fetch.Fingerprint, start time.Time) {
	now := time.Now()
	if s.metrics != nil {
		s.metrics.SyncCycles.WithLabelValues(string(outcome)).Inc()
		s.metrics.SyncDuration.Observe(now.Sub(start).Seconds())
		s.metrics.LastSuccess.Set(float64(now.Unix()))
	}
	s.mu.Lock()
	s.health.LastSyncTime = now
	s.health.LastOutcome = outcome
	s.health.LastError = ""
	s.health.Fingerprint = fp.String()
	s.mu.Unlock()
}

func (s *Syncer) fail(outcome Outcome, err error) Outcome {
	s.logger.Warn("sync cycle error",
		zap.String("outcome", string(outcome)),
		zap.Error(err),
	)
	if s.metrics != nil {
		s.metrics.SyncCycles.WithLabelValues(string(outcome)).Inc()
	}
	s.mu.Lock()
	s.health.LastSyncTime = time.Now()
	s.health.LastOutcome = outcome
	s.health.LastError = err.Error()
	s.mu.Unlock()
	return outcome
}

func (s *Syncer) setTimetableGauges(tt *gtfs.Timetable) {
	if s.metrics == nil {
		return
	}
	s.metrics.TimetableStops.Set(float64(len(tt.Stops)))
	s.metrics.TimetableDepartures.Set(float64(tt.DepartureCount()))
}

func (s *Syncer) setBackoffGauge() {
	current := s.backoff.current()
	if s.metrics != nil {
		s.metrics.BackoffSecs.Set(current.Seconds())
	}
	s.mu.Lock()
	s.health.CurrentBackoffSeconds = current.Seconds()
	s.mu.Unlock()
}

// Health returns a copy of the current health signal.
func (s *Syncer) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}
