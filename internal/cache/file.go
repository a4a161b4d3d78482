package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FileStore keeps one JSON record file per source URL under a cache
// directory. Save writes a temporary file in the same directory and renames
// it over the previous record, so an interrupted save leaves the old record
// intact.
type FileStore struct {
	dir       string
	sourceURL string
	logger    *zap.Logger
}

func NewFileStore(dir, sourceURL string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "init", Err: err}
	}
	return &FileStore{dir: dir, sourceURL: sourceURL, logger: logger}, nil
}

// path derives a stable filename from the source URL, keeping records for
// different sources in the same directory apart.
func (s *FileStore) path() string {
	sum := sha256.Sum256([]byte(s.sourceURL))
	return filepath.Join(s.dir, "timetable-"+hex.EncodeToString(sum[:8])+".json")
}

func (s *FileStore) Load(_ context.Context) (*Record, error) {
	data, err := os.ReadFile(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}
	if rec.Version != recordVersion {
		return nil, &StorageError{Op: "load",
			Err: fmt.Errorf("unsupported record version %d", rec.Version)}
	}
	if rec.SourceURL != s.sourceURL {
		// hash collision or a copied cache dir; treat as absent
		s.logger.Warn("cache record belongs to a different source, ignoring",
			zap.String("record_url", rec.SourceURL),
			zap.String("source_url", s.sourceURL),
		)
		return nil, nil
	}
	return &rec, nil
}

func (s *FileStore) Save(_ context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, ".timetable-*.tmp")
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &StorageError{Op: "save", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &StorageError{Op: "save", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	if err := os.Rename(tmp.Name(), s.path()); err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	s.logger.Debug("stored cache record",
		zap.String("path", s.path()),
		zap.String("fingerprint", rec.Fingerprint.String()),
	)
	return nil
}
