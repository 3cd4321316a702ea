package metastore

import (
	"encoding/json"
	"errors"
	"fmt"

	"go-swarm-history/internal/database"
	"go-swarm-history/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	imageKeyPrefix = "img:"
	settingsKey    = "prefs"
)

// Store persists image metadata records and user preferences in the
// shared key/value database. Single operations are safe under the DB's
// own locking; multi-step sequences rely on single-writer discipline
// from the reconciliation engine.
type Store struct {
	db *database.DB
}

// New wraps an open database.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

func imageKey(id string) []byte {
	return []byte(imageKeyPrefix + id)
}

// Save upserts one metadata record under its id, replacing any previous
// value wholesale.
func (s *Store) Save(meta models.CachedMetadata) error {
	if meta.ID == "" {
		return errors.New("cannot save metadata without an id")
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("error marshalling metadata for %s: %w", meta.ID, err)
	}
	return s.db.Put(imageKey(meta.ID), data)
}

// Load returns the record stored under id, or database.ErrNotFound.
func (s *Store) Load(id string) (models.CachedMetadata, error) {
	data, err := s.db.Get(imageKey(id))
	if err != nil {
		return models.CachedMetadata{}, err
	}
	var meta models.CachedMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return models.CachedMetadata{}, fmt.Errorf("error unmarshalling metadata for %s: %w", id, err)
	}
	return meta, nil
}

// LoadAll returns the full id-to-record mapping. A store with no records
// yields an empty map, never an error.
func (s *Store) LoadAll() (map[string]models.CachedMetadata, error) {
	all := make(map[string]models.CachedMetadata)
	err := s.db.Fold(imageKeyPrefix, func(key []byte, value []byte) error {
		var meta models.CachedMetadata
		if err := json.Unmarshal(value, &meta); err != nil {
			log.WithError(err).Warnf("Skipping undecodable metadata record %s", string(key))
			return nil
		}
		id := string(key[len(imageKeyPrefix):])
		all[id] = meta
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error loading metadata records: %w", err)
	}
	return all, nil
}

// Remove deletes the record stored under id. Removing a missing id is
// not an error.
func (s *Store) Remove(id string) error {
	err := s.db.Delete(imageKey(id))
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	return nil
}

// Clear removes every image metadata record. User preferences survive.
func (s *Store) Clear() error {
	return s.db.DeletePrefix(imageKeyPrefix)
}

// PruneOrphans removes any record whose id has no corresponding
// thumbnail file on disk.
func (s *Store) PruneOrphans(existing map[string]struct{}) error {
	all, err := s.LoadAll()
	if err != nil {
		return err
	}
	for id := range all {
		if _, ok := existing[id]; ok {
			continue
		}
		if _, ok := existing[models.SanitizeID(id)]; ok {
			continue
		}
		log.WithField("id", id).Debug("Pruning orphaned metadata record")
		if err := s.Remove(id); err != nil {
			log.WithError(err).Warnf("Failed to prune orphaned metadata for %s", id)
		}
	}
	return nil
}

// SaveSettings persists the user preferences under their reserved key.
func (s *Store) SaveSettings(settings models.UserSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshalling user settings: %w", err)
	}
	return s.db.Put([]byte(settingsKey), data)
}

// LoadSettings returns the stored preferences, or zero-value settings
// when none have been saved yet.
func (s *Store) LoadSettings() (models.UserSettings, error) {
	data, err := s.db.Get([]byte(settingsKey))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return models.UserSettings{}, nil
		}
		return models.UserSettings{}, err
	}
	var settings models.UserSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return models.UserSettings{}, fmt.Errorf("error unmarshalling user settings: %w", err)
	}
	return settings, nil
}
