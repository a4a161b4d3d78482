package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Subscription is one stop/line pair the host wants departures for.
type Subscription struct {
	StopID string
	LineID string
}

type Config struct {
	RemoteURL    string
	PollInterval time.Duration

	CacheDir string
	CacheDSN string // non-empty selects the Postgres cache backend

	Location      *time.Location
	Subscriptions []Subscription

	HTTPAddr    string
	MetricsAddr string // empty serves metrics on HTTPAddr

	NATSURL           string // empty disables the update publisher
	NATSSubjectPrefix string

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	HTTPTimeout    time.Duration
}

// Load reads configuration from .env and the environment. Misconfiguration
// fails here, once, at startup; it never enters the sync retry loop.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.RemoteURL = strings.TrimSpace(os.Getenv("GTFS_URL"))
	if cfg.RemoteURL == "" {
		return nil, errors.New("GTFS_URL must be set")
	}
	u, err := url.Parse(cfg.RemoteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid GTFS_URL: %q", cfg.RemoteURL)
	}

	cfg.PollInterval, err = secondsEnv("POLL_INTERVAL_SEC", 21600)
	if err != nil {
		return nil, err
	}
	cfg.BackoffInitial, err = secondsEnv("BACKOFF_INITIAL_SEC", 30)
	if err != nil {
		return nil, err
	}
	cfg.BackoffMax, err = secondsEnv("BACKOFF_MAX_SEC", 1800)
	if err != nil {
		return nil, err
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		return nil, fmt.Errorf("BACKOFF_MAX_SEC (%s) below BACKOFF_INITIAL_SEC (%s)",
			cfg.BackoffMax, cfg.BackoffInitial)
	}
	cfg.HTTPTimeout, err = secondsEnv("HTTP_TIMEOUT_SEC", 60)
	if err != nil {
		return nil, err
	}

	cfg.CacheDir = getenvDefault("CACHE_DIR", "./cache")
	cfg.CacheDSN = strings.TrimSpace(os.Getenv("CACHE_DSN"))

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "timetable.updated")

	// Time zone for civil schedule times. The upstream feed is published
	// by a Polish operator, hence the default.
	tzName := getenvDefault("TZ", "Europe/Warsaw")
	cfg.Location, err = time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid TZ: %v", err)
	}

	cfg.Subscriptions, err = parseSubscriptions(os.Getenv("SUBSCRIPTIONS"))
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseSubscriptions parses "stopID:lineID,stopID:lineID".
func parseSubscriptions(v string) ([]Subscription, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	var subs []Subscription
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		stop, line, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(stop) == "" || strings.TrimSpace(line) == "" {
			return nil, fmt.Errorf("invalid SUBSCRIPTIONS entry: %q", part)
		}
		subs = append(subs, Subscription{
			StopID: strings.TrimSpace(stop),
			LineID: strings.TrimSpace(line),
		})
	}
	return subs, nil
}

func secondsEnv(key string, def int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * time.Second, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
