package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"gtfs-departures/internal/fetch"
	"gtfs-departures/internal/gtfs"
)

// recordVersion is bumped when the on-disk envelope changes shape.
const recordVersion = 1

// Record pairs a remote fingerprint with the serialized timetable it
// produced and the timestamp of the last successful sync.
type Record struct {
	Version     int               `json:"version"`
	SourceURL   string            `json:"sourceUrl"`
	Fingerprint fetch.Fingerprint `json:"fingerprint"`
	FetchedAt   time.Time         `json:"fetchedAt"`
	Timetable   *gtfs.Timetable   `json:"timetable"`
}

// NewRecord builds a record at the current envelope version.
func NewRecord(sourceURL string, fp fetch.Fingerprint, fetchedAt time.Time, tt *gtfs.Timetable) *Record {
	return &Record{
		Version:     recordVersion,
		SourceURL:   sourceURL,
		Fingerprint: fp,
		FetchedAt:   fetchedAt,
		Timetable:   tt,
	}
}

// StorageError wraps a failure to persist or load a cache record. The
// previously stored record stays authoritative when a save fails.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store persists one cache record per remote source, identified by its URL.
type Store interface {
	// Load returns the stored record for the source, or nil when none has
	// been stored yet.
	Load(ctx context.Context) (*Record, error)

	// Save atomically replaces the stored record. A crash mid-save never
	// corrupts the previously valid record.
	Save(ctx context.Context, rec *Record) error
}

// Snapshot holds the timetable currently served to queries. It is
// deliberately decoupled from the persisted record: a failed save does not
// disturb data already being served, and readers never block on a sync in
// progress. The pointer swap is the only synchronization point.
type Snapshot struct {
	current atomic.Pointer[gtfs.Timetable]
}

// Current returns the timetable being served, or nil before the first load.
func (s *Snapshot) Current() *gtfs.Timetable {
	return s.current.Load()
}

// Swap atomically replaces the served timetable.
func (s *Snapshot) Swap(tt *gtfs.Timetable) {
	s.current.Store(tt)
}
