package syncer

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gtfs-departures/internal/cache"
	"gtfs-departures/internal/fetch"
	"gtfs-departures/internal/gtfs"
)

var (
	fpA = fetch.Fingerprint{Scheme: fetch.SchemeETag, Value: "a"}
	fpB = fetch.Fingerprint{Scheme: fetch.SchemeETag, Value: "b"}
)

// fakeRemote serves a scripted sequence of fingerprints; Fetch returns the
// fingerprint most recently observed.
type fakeRemote struct {
	fps     []fetch.Fingerprint
	payload []byte

	fpErr    error
	fetchErr error

	fpCalls    int
	fetchCalls int

	lastFP fetch.Fingerprint
}

func (r *fakeRemote) URL() string { return "https://example.test/gtfs.zip" }

func (r *fakeRemote) Fingerprint(context.Context) (fetch.Fingerprint, error) {
	if r.fpErr != nil {
		return fetch.Fingerprint{}, r.fpErr
	}
	idx := r.fpCalls
	if idx >= len(r.fps) {
		idx = len(r.fps) - 1
	}
	r.lastFP = r.fps[idx]
	r.fpCalls++
	return r.lastFP, nil
}

func (r *fakeRemote) Fetch(context.Context) ([]byte, fetch.Fingerprint, error) {
	r.fetchCalls++
	if r.fetchErr != nil {
		return nil, fetch.Fingerprint{}, r.fetchErr
	}
	return r.payload, r.lastFP, nil
}

type fakeStore struct {
	rec       *cache.Record
	saveErr   error
	saveCalls int
}

func (s *fakeStore) Load(context.Context) (*cache.Record, error) { return s.rec, nil }

func (s *fakeStore) Save(_ context.Context, rec *cache.Record) error {
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.rec = rec
	return nil
}

type fakeNotifier struct {
	adopted []*cache.Record
}

func (n *fakeNotifier) TimetableAdopted(_ context.Context, rec *cache.Record) {
	n.adopted = append(n.adopted, rec)
}

func feedPayload(t *testing.T) []byte {
	t.Helper()

	files := map[string]string{
		"stops.txt":  "stop_id,stop_code,stop_name\nS1,01,Main Street\n",
		"routes.txt": "route_id,route_short_name\n12,12\n",
		"calendar.txt": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\n" +
			"WD,1,1,1,1,1,0,0,20250101,20301231\n",
		"trips.txt":      "route_id,service_id,trip_id\n12,WD,T1\n",
		"stop_times.txt": "trip_id,departure_time,stop_id\nT1,07:15:00,S1\n",
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, contents := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newTestSyncer(remote Remote, store cache.Store, notifier Notifier) (*Syncer, *cache.Snapshot) {
	warsaw, _ := time.LoadLocation("Europe/Warsaw")
	snap := &cache.Snapshot{}
	s := New(remote, gtfs.NewParser(zap.NewNop()), store, snap, notifier, nil, Config{
		PollInterval:   6 * time.Hour,
		BackoffInitial: 30 * time.Second,
		BackoffMax:     30 * time.Minute,
		Location:       warsaw,
	}, zap.NewNop())
	return s, snap
}

func TestFirstCycleFetchesParsesStores(t *testing.T) {
	remote := &fakeRemote{fps: []fetch.Fingerprint{fpA}, payload: feedPayload(t)}
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	s, snap := newTestSyncer(remote, store, notifier)

	outcome := s.cycle(context.Background())
	assert.Equal(t, OutcomeOK, outcome)

	assert.Equal(t, 1, remote.fetchCalls)
	assert.Equal(t, 1, store.saveCalls)
	require.NotNil(t, store.rec)
	assert.Equal(t, fpA, store.rec.Fingerprint)

	tt := snap.Current()
	require.NotNil(t, tt, "a successful cycle serves the new timetable")
	assert.Equal(t, 1, tt.DepartureCount())

	require.Len(t, notifier.adopted, 1)
	assert.Same(t, store.rec, notifier.adopted[0])

	h := s.Health()
	assert.Equal(t, OutcomeOK, h.LastOutcome)
	assert.Empty(t, h.LastError)
	assert.Equal(t, fpA.String(), h.Fingerprint)
}

func TestUnchangedFingerprintSkipsFetch(t *testing.T) {
	remote := &fakeRemote{fps: []fetch.Fingerprint{fpA, fpA, fpB}, payload: feedPayload(t)}
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	s, _ := newTestSyncer(remote, store, notifier)

	// seed the cache as if a previous run already stored version A
	warsaw, _ := time.LoadLocation("Europe/Warsaw")
	parser := gtfs.NewParser(zap.NewNop())
	tt, err := parser.Parse(feedPayload(t), gtfs.ParseOptions{
		SourceVersion: fpA.String(),
		FetchedAt:     time.Date(2025, 6, 1, 4, 0, 0, 0, warsaw),
		Location:      warsaw,
	})
	require.NoError(t, err)
	store.rec = cache.NewRecord(remote.URL(), fpA, tt.FetchedAt, tt)
	require.NoError(t, s.Bootstrap(context.Background()))

	ctx := context.Background()
	assert.Equal(t, OutcomeUnchanged, s.cycle(ctx))
	assert.Equal(t, OutcomeUnchanged, s.cycle(ctx))
	assert.Equal(t, OutcomeOK, s.cycle(ctx))

	assert.Equal(t, 1, remote.fetchCalls, "only the transition to a new fingerprint fetches")
	assert.Equal(t, 1, store.saveCalls)
	assert.Equal(t, fpB, store.rec.Fingerprint)
	require.Len(t, notifier.adopted, 1)
}

func TestBootstrapServesCachedTimetable(t *testing.T) {
	warsaw, _ := time.LoadLocation("Europe/Warsaw")
	parser := gtfs.NewParser(zap.NewNop())
	tt, err := parser.Parse(feedPayload(t), gtfs.ParseOptions{
		SourceVersion: fpA.String(),
		FetchedAt:     time.Date(2025, 6, 1, 4, 0, 0, 0, warsaw),
		Location:      warsaw,
	})
	require.NoError(t, err)

	store := &fakeStore{rec: cache.NewRecord("https://example.test/gtfs.zip", fpA, tt.FetchedAt, tt)}
	s, snap := newTestSyncer(&fakeRemote{fps: []fetch.Fingerprint{fpA}}, store, nil)

	require.NoError(t, s.Bootstrap(context.Background()))
	assert.Same(t, tt, snap.Current())
	assert.Equal(t, fpA.String(), s.Health().Fingerprint)
}

func TestBootstrapWithEmptyCache(t *testing.T) {
	s, snap := newTestSyncer(&fakeRemote{fps: []fetch.Fingerprint{fpA}}, &fakeStore{}, nil)

	require.NoError(t, s.Bootstrap(context.Background()))
	assert.Nil(t, snap.Current())
}

func TestNetworkErrorLeavesStateUntouched(t *testing.T) {
	remote := &fakeRemote{fpErr: &fetch.NetworkError{URL: "https://example.test/gtfs.zip", StatusCode: 503}}
	store := &fakeStore{}
	s, snap := newTestSyncer(remote, store, nil)

	outcome := s.cycle(context.Background())
	assert.Equal(t, OutcomeNetworkError, outcome)
	assert.Nil(t, snap.Current())
	assert.Zero(t, store.saveCalls)

	h := s.Health()
	assert.Equal(t, OutcomeNetworkError, h.LastOutcome)
	assert.NotEmpty(t, h.LastError)
}

func TestParseErrorKeepsPreviousTimetable(t *testing.T) {
	remote := &fakeRemote{fps: []fetch.Fingerprint{fpB}, payload: []byte("not a zip")}
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	s, snap := newTestSyncer(remote, store, notifier)

	previous := &gtfs.Timetable{Timezone: "Europe/Warsaw"}
	snap.Swap(previous)

	outcome := s.cycle(context.Background())
	assert.Equal(t, OutcomeParseError, outcome)

	assert.Same(t, previous, snap.Current(), "an invalid payload never replaces served data")
	assert.Zero(t, store.saveCalls)
	assert.Empty(t, notifier.adopted)
}

func TestStorageErrorKeepsPreviousRecord(t *testing.T) {
	remote := &fakeRemote{fps: []fetch.Fingerprint{fpB}, payload: feedPayload(t)}
	store := &fakeStore{saveErr: &cache.StorageError{Op: "save", Err: errors.New("disk full")}}
	notifier := &fakeNotifier{}
	s, snap := newTestSyncer(remote, store, notifier)

	previous := &gtfs.Timetable{Timezone: "Europe/Warsaw"}
	snap.Swap(previous)

	outcome := s.cycle(context.Background())
	assert.Equal(t, OutcomeStorageError, outcome)

	assert.Same(t, previous, snap.Current(), "a record that could not be persisted is not served")
	assert.Nil(t, store.rec)
	assert.Empty(t, notifier.adopted)

	// the fingerprint was not adopted either, so the next cycle retries
	assert.Equal(t, OutcomeStorageError, s.cycle(context.Background()))
	assert.Equal(t, 2, remote.fetchCalls)
}

func TestOutcomeFailed(t *testing.T) {
	assert.False(t, OutcomeOK.failed())
	assert.False(t, OutcomeUnchanged.failed())
	assert.True(t, OutcomeNetworkError.failed())
	assert.True(t, OutcomeParseError.failed())
	assert.True(t, OutcomeStorageError.failed())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	remote := &fakeRemote{fps: []fetch.Fingerprint{fpA}, payload: feedPayload(t)}
	s, _ := newTestSyncer(remote, &fakeStore{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// give the immediate first cycle a moment, then cancel
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.GreaterOrEqual(t, remote.fpCalls, 1)
}
