package thumbstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go-swarm-history/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	thumbPrefix = "thumb_"
	thumbExt    = ".jpg"
)

// Store is a directory of compressed thumbnail files, one per image id,
// named thumb_<safeID>.jpg. Existence of a non-empty file here is the
// sole source of truth for "this image's thumbnail is ready".
type Store struct {
	dir string
}

// New creates the backing directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create thumbnail directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the deterministic location for an id's thumbnail.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, thumbPrefix+models.SanitizeID(id)+thumbExt)
}

// Write stores thumbnail bytes for an id and returns the final path.
// The bytes land in a temp file first and are renamed into place, so a
// half-written destination never exists.
func (s *Store) Write(id string, data []byte) (string, error) {
	finalPath := s.Path(id)

	tempFile, err := os.CreateTemp(s.dir, thumbPrefix+models.SanitizeID(id)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temporary thumbnail file for %s: %w", id, err)
	}
	tempName := tempFile.Name()
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			if removeErr := os.Remove(tempName); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove temporary thumbnail file %s", tempName)
			}
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return "", fmt.Errorf("writing temporary thumbnail file %s: %w", tempName, err)
	}
	if err := tempFile.Close(); err != nil {
		return "", fmt.Errorf("closing temporary thumbnail file %s: %w", tempName, err)
	}

	if err := os.Rename(tempName, finalPath); err != nil {
		return "", fmt.Errorf("renaming thumbnail %s to %s: %w", tempName, finalPath, err)
	}
	shouldCleanupTemp = false
	return finalPath, nil
}

// Exists reports whether a valid (non-empty) thumbnail is on disk for
// the id. A zero-byte file is treated as not existing; partial writes
// must never be mistaken for cache hits.
func (s *Store) Exists(id string) bool {
	info, err := os.Stat(s.Path(id))
	if err != nil {
		return false
	}
	return info.Size() > 0
}

// ListAll returns the ids of every cached thumbnail, parsed back out of
// the filename convention.
func (s *Store) ListAll() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading thumbnail directory %s: %w", s.dir, err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, thumbPrefix) || !strings.HasSuffix(name, thumbExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, thumbPrefix), thumbExt))
	}
	return ids, nil
}

// PruneEmpty removes zero-byte thumbnail files left behind by
// interrupted writes. Never fatal; failures are logged and skipped.
func (s *Store) PruneEmpty() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("Could not scan thumbnail directory %s for cleanup", s.dir)
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() == 0 {
			path := filepath.Join(s.dir, entry.Name())
			log.Debugf("Removing empty thumbnail file %s", path)
			if err := os.Remove(path); err != nil {
				log.WithError(err).Warnf("Failed to remove empty thumbnail %s", path)
			}
		}
	}
}

// Clear deletes every file in the store.
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading thumbnail directory %s: %w", s.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing thumbnail %s: %w", path, err)
		}
	}
	return nil
}
