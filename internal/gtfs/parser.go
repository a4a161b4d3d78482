package gtfs

import (
	"archive/zip"
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"go.uber.org/zap"
)

// ParseError reports a payload that could not be turned into a valid
// Timetable. The whole parse fails on the first structural violation; a
// partial timetable is never returned.
type ParseError struct {
	File string
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gtfs: %s: %s: %v", e.File, e.Msg, e.Err)
	}
	return fmt.Sprintf("gtfs: %s: %s", e.File, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseOptions carries the context a payload alone does not provide.
type ParseOptions struct {
	// SourceVersion is the fingerprint of the payload, recorded on the
	// resulting Timetable for staleness detection.
	SourceVersion string

	// FetchedAt timestamps the snapshot and anchors synthetic calendars.
	FetchedAt time.Time

	// Location is the civil timezone all departure times belong to.
	Location *time.Location

	// SyntheticCalendarYears bounds calendars synthesized from feed_info
	// when the feed ships without calendar.txt. Defaults to 30, matching
	// the upstream publisher's convention.
	SyntheticCalendarYears int
}

// Parser turns raw GTFS zip payloads into Timetable snapshots.
type Parser struct {
	logger *zap.Logger
}

func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

var csvReaderOnce sync.Once

// Parse reads a GTFS zip archive and returns the validated Timetable.
func (p *Parser) Parse(payload []byte, opts ParseOptions) (*Timetable, error) {
	csvReaderOnce.Do(func() {
		gocsv.SetCSVReader(gtfsCSVReader)
	})

	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.FetchedAt.IsZero() {
		opts.FetchedAt = time.Now().In(opts.Location)
	}
	if opts.SyntheticCalendarYears <= 0 {
		opts.SyntheticCalendarYears = 30
	}

	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, &ParseError{File: "payload", Msg: "not a zip archive", Err: err}
	}

	var stops []*stopRecord
	if err := decodeFile(zr, "stops.txt", true, &stops); err != nil {
		return nil, err
	}
	var routes []*routeRecord
	if err := decodeFile(zr, "routes.txt", true, &routes); err != nil {
		return nil, err
	}
	var trips []*tripRecord
	if err := decodeFile(zr, "trips.txt", true, &trips); err != nil {
		return nil, err
	}
	var stopTimes []*stopTimeRecord
	if err := decodeFile(zr, "stop_times.txt", true, &stopTimes); err != nil {
		return nil, err
	}
	var calendars []*calendarRecord
	if err := decodeFile(zr, "calendar.txt", false, &calendars); err != nil {
		return nil, err
	}
	var calendarDates []*calendarDateRecord
	if err := decodeFile(zr, "calendar_dates.txt", false, &calendarDates); err != nil {
		return nil, err
	}

	tt := &Timetable{
		SourceVersion: opts.SourceVersion,
		FetchedAt:     opts.FetchedAt,
		Timezone:      opts.Location.String(),
		Stops:         make(map[string]Stop, len(stops)),
		Lines:         make(map[string]Line, len(routes)),
		Services:      map[string]ServiceCalendar{},
		Departures:    map[string][]Departure{},
	}

	for _, s := range stops {
		if s.ID == "" {
			return nil, &ParseError{File: "stops.txt", Msg: "stop without stop_id"}
		}
		tt.Stops[s.ID] = Stop{ID: s.ID, Code: s.Code, Name: s.Name}
	}
	for _, r := range routes {
		if r.ID == "" {
			return nil, &ParseError{File: "routes.txt", Msg: "route without route_id"}
		}
		tt.Lines[r.ID] = Line{ID: r.ID, ShortName: r.ShortName, LongName: r.LongName}
	}

	for _, c := range calendars {
		if c.ServiceID == "" {
			return nil, &ParseError{File: "calendar.txt", Msg: "calendar without service_id"}
		}
		if err := validDate(c.StartDate); err != nil {
			return nil, &ParseError{File: "calendar.txt", Msg: "invalid start_date", Err: err}
		}
		if err := validDate(c.EndDate); err != nil {
			return nil, &ParseError{File: "calendar.txt", Msg: "invalid end_date", Err: err}
		}
		tt.Services[c.ServiceID] = ServiceCalendar{
			ServiceID: c.ServiceID,
			Weekdays: [7]bool{
				time.Sunday:    bool(c.Sunday),
				time.Monday:    bool(c.Monday),
				time.Tuesday:   bool(c.Tuesday),
				time.Wednesday: bool(c.Wednesday),
				time.Thursday:  bool(c.Thursday),
				time.Friday:    bool(c.Friday),
				time.Saturday:  bool(c.Saturday),
			},
			StartDate: c.StartDate,
			EndDate:   c.EndDate,
		}
	}

	if len(tt.Services) == 0 {
		synthesized, err := p.synthesizeCalendars(zr, opts)
		if err != nil {
			return nil, err
		}
		tt.Services = synthesized
	}

	for _, cd := range calendarDates {
		if err := validDate(cd.Date); err != nil {
			return nil, &ParseError{File: "calendar_dates.txt", Msg: "invalid date", Err: err}
		}
		svc, ok := tt.Services[cd.ServiceID]
		if !ok {
			// calendar_dates may introduce services with no weekly pattern
			svc = ServiceCalendar{ServiceID: cd.ServiceID}
		}
		switch cd.ExceptionType {
		case "1":
			if svc.Added == nil {
				svc.Added = map[string]bool{}
			}
			svc.Added[cd.Date] = true
		case "2":
			if svc.Removed == nil {
				svc.Removed = map[string]bool{}
			}
			svc.Removed[cd.Date] = true
		default:
			return nil, &ParseError{File: "calendar_dates.txt",
				Msg: fmt.Sprintf("invalid exception_type %q for service %q", cd.ExceptionType, cd.ServiceID)}
		}
		tt.Services[cd.ServiceID] = svc
	}

	tripsByID := make(map[string]*tripRecord, len(trips))
	for _, tr := range trips {
		if tr.ID == "" {
			return nil, &ParseError{File: "trips.txt", Msg: "trip without trip_id"}
		}
		if _, ok := tt.Lines[tr.RouteID]; !ok {
			return nil, &ParseError{File: "trips.txt",
				Msg: fmt.Sprintf("trip %q references unknown route %q", tr.ID, tr.RouteID)}
		}
		if _, ok := tt.Services[tr.ServiceID]; !ok {
			return nil, &ParseError{File: "trips.txt",
				Msg: fmt.Sprintf("trip %q references unknown service %q", tr.ID, tr.ServiceID)}
		}
		tripsByID[tr.ID] = tr
	}

	type departureKey struct {
		stopID    string
		lineID    string
		t         TimeOfDay
		serviceID string
	}
	seen := map[departureKey]bool{}

	for _, st := range stopTimes {
		trip, ok := tripsByID[st.TripID]
		if !ok {
			return nil, &ParseError{File: "stop_times.txt",
				Msg: fmt.Sprintf("stop time references unknown trip %q", st.TripID)}
		}
		if _, ok := tt.Stops[st.StopID]; !ok {
			return nil, &ParseError{File: "stop_times.txt",
				Msg: fmt.Sprintf("trip %q stops at unknown stop %q", st.TripID, st.StopID)}
		}
		tod, err := ParseTimeOfDay(st.DepartureTime)
		if err != nil {
			return nil, &ParseError{File: "stop_times.txt", Msg: "invalid departure_time", Err: err}
		}

		key := departureKey{st.StopID, trip.RouteID, tod, trip.ServiceID}
		if seen[key] {
			return nil, &ParseError{File: "stop_times.txt",
				Msg: fmt.Sprintf("duplicate departure for stop %q line %q at %s", st.StopID, trip.RouteID, tod)}
		}
		seen[key] = true

		tt.Departures[st.StopID] = append(tt.Departures[st.StopID], Departure{
			StopID:    st.StopID,
			LineID:    trip.RouteID,
			ServiceID: trip.ServiceID,
			Time:      tod,
			Headsign:  trip.Headsign,
		})
	}

	for stopID := range tt.Departures {
		deps := tt.Departures[stopID]
		sort.Slice(deps, func(i, j int) bool {
			if deps[i].Time != deps[j].Time {
				return deps[i].Time < deps[j].Time
			}
			if deps[i].LineID != deps[j].LineID {
				return deps[i].LineID < deps[j].LineID
			}
			return deps[i].ServiceID < deps[j].ServiceID
		})
	}

	p.logger.Info("parsed timetable",
		zap.Int("stops", len(tt.Stops)),
		zap.Int("lines", len(tt.Lines)),
		zap.Int("services", len(tt.Services)),
		zap.Int("departures", tt.DepartureCount()),
	)

	return tt, nil
}

// synthesizeCalendars builds the publisher's three standard service variants
// from feed_info.txt when the feed ships without calendar.txt: _PF runs
// weekdays, _SW Saturdays, _NW Sundays.
func (p *Parser) synthesizeCalendars(zr *zip.Reader, opts ParseOptions) (map[string]ServiceCalendar, error) {
	var infos []*feedInfoRecord
	if err := decodeFile(zr, "feed_info.txt", false, &infos); err != nil {
		return nil, err
	}
	if len(infos) == 0 || infos[0].Version == "" {
		return nil, &ParseError{File: "calendar.txt",
			Msg: "no calendar.txt and no feed_version in feed_info.txt to synthesize one"}
	}
	version := infos[0].Version

	start := opts.FetchedAt.In(opts.Location).Format(DateFormat)
	end := opts.FetchedAt.In(opts.Location).
		AddDate(opts.SyntheticCalendarYears, 0, 0).Format(DateFormat)

	p.logger.Info("synthesizing service calendars from feed_info",
		zap.String("feed_version", version),
	)

	weekdays := [7]bool{
		time.Monday: true, time.Tuesday: true, time.Wednesday: true,
		time.Thursday: true, time.Friday: true,
	}
	return map[string]ServiceCalendar{
		version + "_PF": {ServiceID: version + "_PF", Weekdays: weekdays, StartDate: start, EndDate: end},
		version + "_SW": {ServiceID: version + "_SW", Weekdays: [7]bool{time.Saturday: true}, StartDate: start, EndDate: end},
		version + "_NW": {ServiceID: version + "_NW", Weekdays: [7]bool{time.Sunday: true}, StartDate: start, EndDate: end},
	}, nil
}

func decodeFile(zr *zip.Reader, name string, required bool, out interface{}) error {
	var file *zip.File
	for _, f := range zr.File {
		if f.Name == name {
			file = f
			break
		}
	}
	if file == nil {
		if required {
			return &ParseError{File: name, Msg: "required file missing from archive"}
		}
		return nil
	}

	rc, err := file.Open()
	if err != nil {
		return &ParseError{File: name, Msg: "cannot open", Err: err}
	}
	defer rc.Close()

	if err := gocsv.Unmarshal(rc, out); err != nil {
		return &ParseError{File: name, Msg: "cannot decode", Err: err}
	}
	return nil
}

func validDate(s string) error {
	_, err := time.Parse(DateFormat, s)
	return err
}
