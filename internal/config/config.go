package config

import (
	"fmt"
	"path/filepath"

	"go-swarm-history/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// LoadConfig reads the configuration from the specified path (defaulting to
// "config.toml"), fills in defaults for unset fields, and returns the result.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	var cfg models.Config
	_, err := toml.DecodeFile(configFilePath, &cfg)
	if err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	if cfg.BaseURL == "" {
		log.Warn("Warning: BaseURL is not set in config.toml")
	}
	ApplyDefaults(&cfg)

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults. Paths
// default to subdirectories of DataPath so a single directory holds the
// whole cache.
func ApplyDefaults(cfg *models.Config) {
	if cfg.DataPath == "" {
		cfg.DataPath = "data"
	}
	if cfg.ThumbnailsPath == "" {
		cfg.ThumbnailsPath = filepath.Join(cfg.DataPath, "thumbnails")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataPath, "metadata.db")
	}
	if cfg.BleveIndexPath == "" {
		cfg.BleveIndexPath = filepath.Join(cfg.DataPath, "history.bleve")
	}
	if cfg.ListDepth <= 0 {
		cfg.ListDepth = 3
	}
	if cfg.SortBy == "" {
		cfg.SortBy = "Name"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.ThumbnailSize <= 0 {
		cfg.ThumbnailSize = 128
	}
	if cfg.ThumbnailQuality <= 0 {
		cfg.ThumbnailQuality = 50
	}
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = 30
	}
}
