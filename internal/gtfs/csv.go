package gtfs

import (
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
)

// ErrInvalidBoolField is returned if a calendar weekday field has invalid data.
var ErrInvalidBoolField = errors.New("invalid boolean field supplied")

// CSVBool is a CSV marshalable boolean value ("1" / "0").
type CSVBool bool

// MarshalCSV marshals the value into its GTFS string form.
func (b *CSVBool) MarshalCSV() (string, error) {
	if *b {
		return "1", nil
	}
	return "0", nil
}

// UnmarshalCSV converts the GTFS string form into a boolean.
func (b *CSVBool) UnmarshalCSV(csv string) error {
	csv = strings.TrimSpace(csv)
	if len(csv) < 1 {
		*b = false
		return nil
	}

	val, err := strconv.ParseInt(csv, 10, 32)
	if err != nil {
		return err
	}

	switch val {
	case 1:
		*b = true
	case 0:
		*b = false
	default:
		return ErrInvalidBoolField
	}
	return nil
}

// Raw GTFS rows. Only the columns this service consumes are mapped; GTFS
// feeds routinely carry more.

type stopRecord struct {
	ID   string `csv:"stop_id"`
	Code string `csv:"stop_code"`
	Name string `csv:"stop_name"`
}

type routeRecord struct {
	ID        string `csv:"route_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
}

type tripRecord struct {
	ID        string `csv:"trip_id"`
	RouteID   string `csv:"route_id"`
	ServiceID string `csv:"service_id"`
	Headsign  string `csv:"trip_headsign"`
}

type stopTimeRecord struct {
	TripID        string `csv:"trip_id"`
	DepartureTime string `csv:"departure_time"`
	StopID        string `csv:"stop_id"`
}

type calendarRecord struct {
	ServiceID string  `csv:"service_id"`
	Monday    CSVBool `csv:"monday"`
	Tuesday   CSVBool `csv:"tuesday"`
	Wednesday CSVBool `csv:"wednesday"`
	Thursday  CSVBool `csv:"thursday"`
	Friday    CSVBool `csv:"friday"`
	Saturday  CSVBool `csv:"saturday"`
	Sunday    CSVBool `csv:"sunday"`
	StartDate string  `csv:"start_date"`
	EndDate   string  `csv:"end_date"`
}

type calendarDateRecord struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType string `csv:"exception_type"`
}

type feedInfoRecord struct {
	PublisherName string `csv:"feed_publisher_name"`
	Version       string `csv:"feed_version"`
}

// gtfsCSVReader tolerates rows with fewer columns than the header, since
// most GTFS columns are optional. It also strips a UTF-8 BOM, which the
// upstream publisher emits on every file.
func gtfsCSVReader(in io.Reader) gocsv.CSVReader {
	r := csv.NewReader(&bomStripper{r: in})
	r.FieldsPerRecord = -1
	return r
}

type bomStripper struct {
	r       io.Reader
	checked bool
	head    []byte
}

func (b *bomStripper) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		// Buffer the first three bytes so a BOM is caught even when the
		// underlying reader delivers them one at a time.
		head := make([]byte, 3)
		n, err := io.ReadFull(b.r, head)
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			b.head = head[:n]
		case err != nil:
			return 0, err
		case head[0] == 0xef && head[1] == 0xbb && head[2] == 0xbf:
			// drop the BOM
		default:
			b.head = head
		}
	}
	if len(b.head) > 0 {
		n := copy(p, b.head)
		b.head = b.head[n:]
		return n, nil
	}
	return b.r.Read(p)
}
