package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// appDirName is the per-user application-data subdirectory session files
// live under.
const appDirName = "DropboxEncryptedUploader"

// retentionAge is how long a session file is kept before the startup scan
// deletes it, conservatively below the cloud service's typical session
// TTL.
const retentionAge = 5 * 24 * time.Hour

// Store persists at most one Record per local-directory scope across
// process restarts. Load/Save/Delete never fail the upload: I/O problems
// are logged as warnings and the call degrades to "no record".
type Store struct {
	dir    string
	path   string
	logger log.Logger
}

// NewStore creates a Store scoped to localDir. baseDir overrides the
// per-user application-data directory (used by tests); an empty baseDir
// selects os.UserConfigDir().
func NewStore(localDir, baseDir string, logger log.Logger) (*Store, error) {
	if baseDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("session: resolve user config dir: %w", err)
		}
		baseDir = configDir
	}

	dir := filepath.Join(baseDir, appDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create app dir: %w", err)
	}

	return &Store{
		dir:    dir,
		path:   filepath.Join(dir, scopeFileName(localDir)),
		logger: logger,
	}, nil
}

// scopeFileName derives the session filename from the first 32 hex
// characters of SHA-256 of the lowercase local directory path.
func scopeFileName(localDir string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(localDir)))
	return fmt.Sprintf("session-%s.json", hex.EncodeToString(sum[:])[:32])
}

// Load returns the stored record, or (Record{}, false) if none exists or
// the file is corrupt/unreadable.
func (s *Store) Load() (Record, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warnf("session: load %s: %s", s.path, err)
		}
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warnf("session: corrupt record at %s: %s", s.path, err)
		return Record{}, false
	}
	return rec, true
}

// Save atomically replaces any existing record. Failure is logged as a
// warning; it never fails the upload.
func (s *Store) Save(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warnf("session: marshal record: %s", err)
		return
	}

	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		s.logger.Warnf("session: create temp file: %s", err)
		return
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		s.logger.Warnf("session: write temp file: %s", err)
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return
	}
	if err := tmp.Close(); err != nil {
		s.logger.Warnf("session: close temp file: %s", err)
		_ = os.Remove(tmpPath)
		return
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		s.logger.Warnf("session: rename into place: %s", err)
		_ = os.Remove(tmpPath)
	}
}

// Delete removes the record. Idempotent; errors are ignored.
func (s *Store) Delete() {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("session: delete %s: %s", s.path, err)
	}
}

// ScanAndPrune deletes session files under the store's app directory whose
// modification time is older than retentionAge. Meant to run once at
// process startup, before any Store is used for the current scope.
func ScanAndPrune(baseDir string, logger log.Logger) error {
	if baseDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("session: resolve user config dir: %w", err)
		}
		baseDir = configDir
	}
	dir := filepath.Join(baseDir, appDirName)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("session: scan %s: %w", dir, err)
	}

	cutoff := time.Now().Add(-retentionAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "session-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warnf("session: prune %s: %s", path, err)
			}
		}
	}
	return nil
}
