package gtfs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateFormat is the civil date layout used by GTFS (and by this package for
// calendar bounds and exception dates). Dates in this format compare
// correctly as plain strings.
const DateFormat = "20060102"

// TimeOfDay is a civil time within a service day, in seconds from midnight.
// GTFS allows values past 24:00:00 for trips that run into the next civil
// day, so a TimeOfDay may exceed 86400.
type TimeOfDay int

// ParseTimeOfDay parses a GTFS HH:MM:SS value. Hours may exceed 23.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	sec, err := strconv.Atoi(parts[2])
	if err != nil || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return TimeOfDay(h*3600 + m*60 + sec), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", int(t)/3600, int(t)%3600/60, int(t)%60)
}

// On resolves the time of day against a civil date in the given location.
// time.Date normalizes hour values past 23, which also keeps departures
// after midnight on the correct civil day across DST transitions.
func (t TimeOfDay) On(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, int(t)/3600, int(t)%3600/60, int(t)%60, 0, loc)
}

// Stop identifies a physical stop.
type Stop struct {
	ID   string `json:"id"`
	Code string `json:"code,omitempty"`
	Name string `json:"name"`
}

// DisplayName joins the stop name and code the way the upstream publisher
// labels its stops.
func (s Stop) DisplayName() string {
	return strings.TrimSpace(s.Name + " " + s.Code)
}

// Line is a single transit line (a GTFS route).
type Line struct {
	ID        string `json:"id"`
	ShortName string `json:"shortName,omitempty"`
	LongName  string `json:"longName,omitempty"`
}

// ServiceCalendar determines which dates a recurring schedule entry applies
// to: a weekday set bounded by a date range, overridden by per-date
// exceptions. Exceptions take precedence, matching GTFS calendar_dates.
type ServiceCalendar struct {
	ServiceID string          `json:"serviceId"`
	Weekdays  [7]bool         `json:"weekdays"` // indexed by time.Weekday (Sunday = 0)
	StartDate string          `json:"startDate"`
	EndDate   string          `json:"endDate"`
	Added     map[string]bool `json:"added,omitempty"`
	Removed   map[string]bool `json:"removed,omitempty"`
}

// ActiveOn reports whether the service runs on the civil date of t.
func (c ServiceCalendar) ActiveOn(t time.Time) bool {
	date := t.Format(DateFormat)
	if c.Removed[date] {
		return false
	}
	if c.Added[date] {
		return true
	}
	if date < c.StartDate || date > c.EndDate {
		return false
	}
	return c.Weekdays[t.Weekday()]
}

// Departure is one scheduled vehicle departure from one stop on one line,
// recurring on the dates its service calendar allows.
type Departure struct {
	StopID    string    `json:"stopId"`
	LineID    string    `json:"lineId"`
	ServiceID string    `json:"serviceId"`
	Time      TimeOfDay `json:"time"`
	Headsign  string    `json:"headsign,omitempty"`
}

// Timetable is the full parsed schedule for one snapshot of the network.
// It is immutable once constructed; a new fetch produces a new Timetable
// that replaces the previous one wholesale.
type Timetable struct {
	SourceVersion string    `json:"sourceVersion"`
	FetchedAt     time.Time `json:"fetchedAt"`
	Timezone      string    `json:"timezone"`

	Stops    map[string]Stop            `json:"stops"`
	Lines    map[string]Line            `json:"lines"`
	Services map[string]ServiceCalendar `json:"services"`

	// Departures maps a stop ID to its departures, ascending by time of day.
	Departures map[string][]Departure `json:"departures"`
}

// Location resolves the timetable's timezone. Transit times are civil local
// times; callers project them to instants using this location.
func (t *Timetable) Location() (*time.Location, error) {
	return time.LoadLocation(t.Timezone)
}

// DepartureCount is the total number of schedule entries across all stops.
func (t *Timetable) DepartureCount() int {
	n := 0
	for _, deps := range t.Departures {
		n += len(deps)
	}
	return n
}
