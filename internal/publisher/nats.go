// Package publisher pushes a notification onto NATS whenever a new
// timetable snapshot is adopted, so downstream consumers (dashboards,
// sensor integrations) can refresh without polling this service.
package publisher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gtfs-departures/internal/cache"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	NATSSetConnected(connected bool)
}

type NATSPublisher struct {
	nc            *nats.Conn
	subjectPrefix string
	metrics       PublisherMetrics
	logger        *zap.Logger
}

func NewNATSPublisher(url, subjectPrefix string, m PublisherMetrics, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("gtfs-departures"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, subjectPrefix: subjectPrefix, metrics: m, logger: logger}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// UpdateEvent describes an adopted timetable snapshot.
type UpdateEvent struct {
	SourceURL   string    `json:"sourceUrl"`
	Fingerprint string    `json:"fingerprint"`
	FetchedAt   time.Time `json:"fetchedAt"`
	Stops       int       `json:"stops"`
	Lines       int       `json:"lines"`
	Departures  int       `json:"departures"`
}

// TimetableAdopted publishes an update event for the record. Publish
// failures are reported via metrics and logs only; sync has already
// committed the snapshot and must not be rolled back over a notification.
func (p *NATSPublisher) TimetableAdopted(_ context.Context, rec *cache.Record) {
	event := UpdateEvent{
		SourceURL:   rec.SourceURL,
		Fingerprint: rec.Fingerprint.String(),
		FetchedAt:   rec.FetchedAt,
		Stops:       len(rec.Timetable.Stops),
		Lines:       len(rec.Timetable.Lines),
		Departures:  rec.Timetable.DepartureCount(),
	}

	subject := p.subjectPrefix + "." + subjectToken(rec.SourceURL)
	b, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal update event", zap.Error(err))
		return
	}

	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		p.logger.Warn("nats publish failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("published update event", zap.String("subject", subject))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain spaces, '>', '*', or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
