// Package schedule projects the weekly-recurring entries of a timetable
// snapshot onto actual calendar dates. All functions are pure in-memory
// computation over an immutable Timetable; they never block on a sync.
package schedule

import (
	"errors"
	"sort"
	"strings"
	"time"

	"gtfs-departures/internal/gtfs"
)

// ErrEmptySchedule is returned when a stop (or stop/line combination) has no
// schedule entries in any queried day. An empty single day inside a week
// agenda is not an error.
var ErrEmptySchedule = errors.New("no departures scheduled for the requested stop")

// maxLookaheadDays bounds the recurrence expansion of NextDepartures. A
// weekly-recurring entry with any active weekday shows up within 7 days;
// beyond this horizon the schedule is treated as empty.
const maxLookaheadDays = 62

// AgendaDateFormat keys the week agenda map.
const AgendaDateFormat = "2006-01-02"

// Departure is a schedule entry resolved to an absolute instant.
type Departure struct {
	At       time.Time `json:"at"`
	StopID   string    `json:"stopId"`
	StopName string    `json:"stopName"`
	LineID   string    `json:"lineId"`
	Headsign string    `json:"headsign,omitempty"`
}

func project(tt *gtfs.Timetable, dep gtfs.Departure, year int, month time.Month, day int, loc *time.Location) Departure {
	return Departure{
		At:       dep.Time.On(year, month, day, loc),
		StopID:   dep.StopID,
		StopName: tt.Stops[dep.StopID].DisplayName(),
		LineID:   dep.LineID,
		Headsign: strings.ReplaceAll(dep.Headsign, "/", " "),
	}
}

// civilDay returns the civil date `offset` days after t in loc, anchored at
// noon so that DST transitions cannot shift it onto a neighboring date.
func civilDay(t time.Time, offset int, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d+offset, 12, 0, 0, 0, loc)
}

// NextDepartures returns the next `count` departures for the stop/line
// combination at or after `from`, ordered by absolute time. Entries with
// times past 24:00 belong to the service day whose calendar admitted them
// but resolve to an instant on the following civil day.
func NextDepartures(tt *gtfs.Timetable, stopID, lineID string, from time.Time, count int) ([]Departure, error) {
	loc, err := tt.Location()
	if err != nil {
		return nil, err
	}

	var entries []gtfs.Departure
	for _, dep := range tt.Departures[stopID] {
		if dep.LineID == lineID {
			entries = append(entries, dep)
		}
	}
	if len(entries) == 0 {
		return nil, ErrEmptySchedule
	}
	if count <= 0 {
		return []Departure{}, nil
	}

	from = from.In(loc)
	var out []Departure
	daysFilled := 0
	// Start one day back: the previous service day can still have
	// past-24:00 entries resolving to instants at or after `from`.
	for offset := -1; offset < maxLookaheadDays; offset++ {
		day := civilDay(from, offset, loc)
		y, m, d := day.Date()
		for _, dep := range entries {
			if !tt.Services[dep.ServiceID].ActiveOn(day) {
				continue
			}
			p := project(tt, dep, y, m, d, loc)
			if p.At.Before(from) {
				continue
			}
			out = append(out, p)
		}
		// A service day can spill past midnight into the next one, so
		// collect one full day beyond the target count before cutting off.
		if len(out) >= count {
			daysFilled++
			if daysFilled == 2 {
				break
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptySchedule
	}

	sortDepartures(out)
	if len(out) > count {
		out = out[:count]
	}
	return out, nil
}

// WeekAgenda returns the departures for every line at the stop over the 7
// civil days starting at `from`'s date, keyed by date. A day without
// service maps to an empty list, never a missing key.
func WeekAgenda(tt *gtfs.Timetable, stopID string, from time.Time) (map[string][]Departure, error) {
	loc, err := tt.Location()
	if err != nil {
		return nil, err
	}

	entries := tt.Departures[stopID]
	if len(entries) == 0 {
		return nil, ErrEmptySchedule
	}

	agenda := make(map[string][]Departure, 7)
	total := 0
	for offset := 0; offset < 7; offset++ {
		day := civilDay(from, offset, loc)
		y, m, d := day.Date()

		list := []Departure{}
		for _, dep := range entries {
			if !tt.Services[dep.ServiceID].ActiveOn(day) {
				continue
			}
			list = append(list, project(tt, dep, y, m, d, loc))
		}
		sortDepartures(list)
		agenda[day.Format(AgendaDateFormat)] = list
		total += len(list)
	}
	if total == 0 {
		return nil, ErrEmptySchedule
	}
	return agenda, nil
}

func sortDepartures(deps []Departure) {
	sort.Slice(deps, func(i, j int) bool {
		if !deps[i].At.Equal(deps[j].At) {
			return deps[i].At.Before(deps[j].At)
		}
		return deps[i].LineID < deps[j].LineID
	})
}
