package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gtfs-departures/internal/cache"
	"gtfs-departures/internal/config"
	"gtfs-departures/internal/fetch"
	"gtfs-departures/internal/gtfs"
	"gtfs-departures/internal/schedule"
	"gtfs-departures/internal/syncer"
)

type stubRemote struct{}

func (stubRemote) URL() string { return "https://example.test/gtfs.zip" }
func (stubRemote) Fingerprint(context.Context) (fetch.Fingerprint, error) {
	return fetch.Fingerprint{}, nil
}
func (stubRemote) Fetch(context.Context) ([]byte, fetch.Fingerprint, error) {
	return nil, fetch.Fingerprint{}, nil
}

type stubStore struct{}

func (stubStore) Load(context.Context) (*cache.Record, error) { return nil, nil }
func (stubStore) Save(context.Context, *cache.Record) error   { return nil }

func servedTimetable() *gtfs.Timetable {
	daily := gtfs.ServiceCalendar{
		ServiceID: "DAILY",
		Weekdays:  [7]bool{true, true, true, true, true, true, true},
		StartDate: "20200101",
		EndDate:   "20991231",
	}
	return &gtfs.Timetable{
		SourceVersion: "etag:test",
		FetchedAt:     time.Date(2025, 6, 2, 4, 0, 0, 0, time.UTC),
		Timezone:      "Europe/Warsaw",
		Stops:         map[string]gtfs.Stop{"S1": {ID: "S1", Code: "01", Name: "Main Street"}},
		Lines:         map[string]gtfs.Line{"12": {ID: "12", ShortName: "12"}},
		Services:      map[string]gtfs.ServiceCalendar{"DAILY": daily},
		Departures: map[string][]gtfs.Departure{
			"S1": {{StopID: "S1", LineID: "12", ServiceID: "DAILY", Time: 7*3600 + 15*60}},
		},
	}
}

func newTestServer(tt *gtfs.Timetable, subs ...config.Subscription) *Server {
	snap := &cache.Snapshot{}
	if tt != nil {
		snap.Swap(tt)
	}
	warsaw, _ := time.LoadLocation("Europe/Warsaw")
	sync := syncer.New(stubRemote{}, gtfs.NewParser(zap.NewNop()), stubStore{}, snap, nil, nil,
		syncer.Config{
			PollInterval:   6 * time.Hour,
			BackoffInitial: 30 * time.Second,
			BackoffMax:     30 * time.Minute,
			Location:       warsaw,
		}, zap.NewNop())
	return New(snap, sync, subs, nil, zap.NewNop())
}

func doRequest(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Handler(false).ServeHTTP(rec, req)
	return rec
}

func TestDepartures(t *testing.T) {
	s := newTestServer(servedTimetable())

	rec := doRequest(t, s, "/departures?stop=S1&line=12&count=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		StopID     string               `json:"stopId"`
		LineID     string               `json:"lineId"`
		Departures []schedule.Departure `json:"departures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "S1", body.StopID)
	assert.Equal(t, "12", body.LineID)
	require.Len(t, body.Departures, 2)
	assert.Equal(t, "Main Street 01", body.Departures[0].StopName)
	assert.True(t, body.Departures[0].At.Before(body.Departures[1].At))
	for _, d := range body.Departures {
		assert.False(t, d.At.Before(time.Now().Add(-time.Minute)))
	}
}

func TestDeparturesValidation(t *testing.T) {
	s := newTestServer(servedTimetable())

	tests := []struct {
		name   string
		target string
		code   int
	}{
		{"missing stop", "/departures?line=12", http.StatusBadRequest},
		{"missing line", "/departures?stop=S1", http.StatusBadRequest},
		{"bad count", "/departures?stop=S1&line=12&count=lots", http.StatusBadRequest},
		{"zero count", "/departures?stop=S1&line=12&count=0", http.StatusBadRequest},
		{"unknown stop", "/departures?stop=NOPE&line=12", http.StatusNotFound},
		{"unknown line", "/departures?stop=S1&line=99", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, s, tc.target)
			assert.Equal(t, tc.code, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestDeparturesBeforeFirstLoad(t *testing.T) {
	s := newTestServer(nil)

	rec := doRequest(t, s, "/departures?stop=S1&line=12")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(t, s, "/agenda?stop=S1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAgenda(t *testing.T) {
	s := newTestServer(servedTimetable())

	rec := doRequest(t, s, "/agenda?stop=S1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		StopID string                          `json:"stopId"`
		Days   map[string][]schedule.Departure `json:"days"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "S1", body.StopID)
	assert.Len(t, body.Days, 7)
	for day, deps := range body.Days {
		assert.Len(t, deps, 1, "daily service runs every day (%s)", day)
	}
}

func TestAgendaValidation(t *testing.T) {
	s := newTestServer(servedTimetable())

	rec := doRequest(t, s, "/agenda")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, "/agenda?stop=NOPE")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptions(t *testing.T) {
	s := newTestServer(servedTimetable(),
		config.Subscription{StopID: "S1", LineID: "12"},
		config.Subscription{StopID: "S1", LineID: "99"},
	)

	rec := doRequest(t, s, "/subscriptions")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Subscriptions []struct {
			StopID     string               `json:"stopId"`
			LineID     string               `json:"lineId"`
			Departures []schedule.Departure `json:"departures"`
		} `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Subscriptions, 2)

	assert.Equal(t, "12", body.Subscriptions[0].LineID)
	assert.NotEmpty(t, body.Subscriptions[0].Departures)

	assert.Equal(t, "99", body.Subscriptions[1].LineID)
	assert.NotNil(t, body.Subscriptions[1].Departures, "a pair absent from the feed still appears")
	assert.Empty(t, body.Subscriptions[1].Departures)
}

func TestSubscriptionsWithoutConfig(t *testing.T) {
	s := newTestServer(servedTimetable())

	rec := doRequest(t, s, "/subscriptions")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Subscriptions []json.RawMessage `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Subscriptions)
}

func TestStatus(t *testing.T) {
	s := newTestServer(servedTimetable())

	rec := doRequest(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		TimetableLoaded bool       `json:"timetableLoaded"`
		FetchedAt       *time.Time `json:"fetchedAt"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.TimetableLoaded)
	require.NotNil(t, body.FetchedAt)
	assert.True(t, body.FetchedAt.Equal(time.Date(2025, 6, 2, 4, 0, 0, 0, time.UTC)))
}

func TestStatusBeforeFirstLoad(t *testing.T) {
	s := newTestServer(nil)

	rec := doRequest(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		TimetableLoaded bool `json:"timetableLoaded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.TimetableLoaded)
}
