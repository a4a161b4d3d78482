package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// FingerprintScheme names the mechanism that produced a fingerprint value.
// Fingerprints from different schemes never compare equal, even if the
// values happen to collide.
type FingerprintScheme string

const (
	SchemeETag         FingerprintScheme = "etag"
	SchemeLastModified FingerprintScheme = "last-modified"
	SchemeSHA256       FingerprintScheme = "sha256"
)

// Fingerprint is a cheap, comparable token for a remote resource's version.
type Fingerprint struct {
	Scheme FingerprintScheme `json:"scheme"`
	Value  string            `json:"value"`
}

func (f Fingerprint) String() string {
	return string(f.Scheme) + ":" + f.Value
}

// Changed reports whether a freshly observed fingerprint warrants a
// re-fetch. An absent cached fingerprint always does: the first run must
// fetch. Pure; it only ever sees successfully observed fingerprints.
func Changed(cached *Fingerprint, observed Fingerprint) bool {
	if cached == nil {
		return true
	}
	return *cached != observed
}

// NetworkError wraps any transport-level failure talking to the remote
// source. It is always surfaced, never treated as "no change".
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

const userAgent = "gtfs-departures timetable sync"

type uaTransport struct {
	base http.RoundTripper
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", userAgent)
	return t.base.RoundTrip(req)
}

// Source knows how to fetch one remote timetable resource and a cheap
// fingerprint of it. It is not safe for concurrent use; the sync loop is
// its only caller.
type Source struct {
	url    string
	client *http.Client
	logger *zap.Logger

	// fallback holds the payload downloaded while fingerprinting a server
	// that exposes no version headers, so the Fetch that follows does not
	// download it again.
	fallback *fetched
}

type fetched struct {
	body []byte
	fp   Fingerprint
}

func NewSource(url string, timeout time.Duration, logger *zap.Logger) *Source {
	return &Source{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: &uaTransport{base: http.DefaultTransport},
		},
		logger: logger,
	}
}

// URL returns the configured resource location.
func (s *Source) URL() string { return s.url }

// Fingerprint obtains a version marker without downloading the full body
// when the server supports it: a HEAD request answered with an ETag or
// Last-Modified header. Servers exposing neither fall back to a full
// download hashed locally; that payload is kept for the next Fetch call.
func (s *Source) Fingerprint(ctx context.Context) (Fingerprint, error) {
	s.fallback = nil

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return Fingerprint{}, &NetworkError{URL: s.url, Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Fingerprint{}, &NetworkError{URL: s.url, Err: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		// server does not speak HEAD
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Fingerprint{}, &NetworkError{URL: s.url, StatusCode: resp.StatusCode}
	default:
		if fp, ok := headerFingerprint(resp.Header); ok {
			return fp, nil
		}
		s.logger.Debug("no version headers on HEAD response, falling back to full download",
			zap.String("url", s.url),
		)
	}

	body, fp, err := s.download(ctx)
	if err != nil {
		return Fingerprint{}, err
	}
	s.fallback = &fetched{body: body, fp: fp}
	return fp, nil
}

// Fetch downloads the complete resource, returning the payload and the
// fingerprint describing the downloaded version. A payload already pulled
// down by a header-less Fingerprint call is returned directly.
func (s *Source) Fetch(ctx context.Context) ([]byte, Fingerprint, error) {
	if f := s.fallback; f != nil {
		s.fallback = nil
		return f.body, f.fp, nil
	}
	return s.download(ctx)
}

func (s *Source) download(ctx context.Context) ([]byte, Fingerprint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, Fingerprint{}, &NetworkError{URL: s.url, Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, Fingerprint{}, &NetworkError{URL: s.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, Fingerprint{}, &NetworkError{URL: s.url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Fingerprint{}, &NetworkError{URL: s.url, Err: err}
	}

	fp, ok := headerFingerprint(resp.Header)
	if !ok {
		sum := sha256.Sum256(body)
		fp = Fingerprint{Scheme: SchemeSHA256, Value: hex.EncodeToString(sum[:])}
	}

	s.logger.Debug("fetched remote timetable",
		zap.String("url", s.url),
		zap.Int("bytes", len(body)),
		zap.String("fingerprint", fp.String()),
	)

	return body, fp, nil
}

func headerFingerprint(h http.Header) (Fingerprint, bool) {
	if etag := h.Get("ETag"); etag != "" {
		return Fingerprint{Scheme: SchemeETag, Value: etag}, true
	}
	if lm := h.Get("Last-Modified"); lm != "" {
		return Fingerprint{Scheme: SchemeLastModified, Value: lm}, true
	}
	return Fingerprint{}, false
}
