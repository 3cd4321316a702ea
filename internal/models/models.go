package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Fallback values used when a listing entry carries no usable metadata.
const (
	FallbackPrompt       = "No prompt available"
	FallbackCachedPrompt = "Cached image"
)

type (
	Config struct {
		// Connection
		BaseURL             string `toml:"BaseURL"`
		ApiClientTimeoutSec int    `toml:"ApiClientTimeoutSec"`

		// Paths
		DataPath       string `toml:"DataPath"`
		ThumbnailsPath string `toml:"ThumbnailsPath"`
		DatabasePath   string `toml:"DatabasePath"`
		BleveIndexPath string `toml:"BleveIndexPath"`

		// Listing behavior
		ListPath    string `toml:"ListPath"`
		ListDepth   int    `toml:"ListDepth"`
		SortBy      string `toml:"SortBy"`
		SortReverse bool   `toml:"SortReverse"`
		PageSize    int    `toml:"PageSize"`

		// Thumbnail behavior
		ThumbnailSize    int `toml:"ThumbnailSize"`
		ThumbnailQuality int `toml:"ThumbnailQuality"`

		// Other
		LogApiRequests bool `toml:"LogApiRequests"`
	}

	// ImageRecord is one logical generated image as tracked by the cache.
	// It is the in-memory, UI-facing unit; FullImageData is never persisted.
	ImageRecord struct {
		ID             string    `json:"id"`
		RemoteURL      string    `json:"remoteUrl,omitempty"`
		Filename       string    `json:"filename"`
		Prompt         string    `json:"prompt"`
		NegativePrompt string    `json:"negativePrompt,omitempty"`
		Sampler        string    `json:"sampler,omitempty"`
		Scheduler      string    `json:"scheduler,omitempty"`
		Steps          int       `json:"steps,omitempty"`
		CfgScale       float64   `json:"cfgScale,omitempty"`
		Seed           int64     `json:"seed,omitempty"`
		Width          int       `json:"width,omitempty"`
		Height         int       `json:"height,omitempty"`
		Model          string    `json:"model,omitempty"`
		ModelFile      string    `json:"modelFile,omitempty"`
		Date           string    `json:"date,omitempty"`
		Timestamp      time.Time `json:"timestamp"`

		ThumbnailURI    string `json:"thumbnailUri,omitempty"`
		ThumbnailFailed bool   `json:"thumbnailFailed,omitempty"`

		// Full-resolution payload, held only while the UI has the item open.
		FullImageData []byte `json:"-"`
	}

	// CachedMetadata is the durable projection of an ImageRecord, written
	// once per completed thumbnail and replaced wholesale under its id key.
	CachedMetadata struct {
		ID             string  `json:"id"`
		RemoteURL      string  `json:"remoteUrl,omitempty"`
		Filename       string  `json:"filename"`
		Prompt         string  `json:"prompt"`
		NegativePrompt string  `json:"negativePrompt,omitempty"`
		Sampler        string  `json:"sampler,omitempty"`
		Scheduler      string  `json:"scheduler,omitempty"`
		Steps          int     `json:"steps,omitempty"`
		CfgScale       float64 `json:"cfgScale,omitempty"`
		Seed           int64   `json:"seed,omitempty"`
		Width          int     `json:"width,omitempty"`
		Height         int     `json:"height,omitempty"`
		Model          string  `json:"model,omitempty"`
		ModelFile      string  `json:"modelFile,omitempty"`
		Date           string  `json:"date,omitempty"`
		Timestamp      string  `json:"timestamp"`
	}

	// UserSettings holds generation preferences persisted alongside the
	// image metadata, under a reserved key.
	UserSettings struct {
		Prompt      string  `json:"prompt,omitempty"`
		Sampler     string  `json:"sampler,omitempty"`
		Scheduler   string  `json:"scheduler,omitempty"`
		Steps       int     `json:"steps,omitempty"`
		CfgScale    float64 `json:"cfgScale,omitempty"`
		Images      int     `json:"images,omitempty"`
		Seed        int64   `json:"seed,omitempty"`
		AspectRatio string  `json:"aspectRatio,omitempty"`
		Width       int     `json:"width,omitempty"`
		Height      int     `json:"height,omitempty"`

		ShowCoreParams bool `json:"showCoreParams,omitempty"`
		ShowSampling   bool `json:"showSampling,omitempty"`
		ShowResolution bool `json:"showResolution,omitempty"`
		ShowSidePanel  bool `json:"showSidePanel,omitempty"`
	}

	// --- API request/response structures ---

	SessionResponse struct {
		SessionID string `json:"session_id"`
	}

	ListFilesRequest struct {
		Path        string `json:"path"`
		Depth       int    `json:"depth"`
		SortBy      string `json:"sortBy"`
		SortReverse bool   `json:"sortReverse"`
		SessionID   string `json:"session_id"`
	}

	ListedFile struct {
		Src      string `json:"src"`
		Metadata string `json:"metadata,omitempty"`
	}

	ListFilesResponse struct {
		Folders []string     `json:"folders"`
		Files   []ListedFile `json:"files"`
	}

	// suiMetadata mirrors the nested JSON blob attached to each listing
	// entry. All fields are optional and parsed defensively.
	suiMetadata struct {
		ImageParams struct {
			Prompt         string  `json:"prompt"`
			NegativePrompt string  `json:"negativeprompt"`
			Steps          int     `json:"steps"`
			Seed           int64   `json:"seed"`
			CfgScale       float64 `json:"cfgscale"`
			Width          int     `json:"width"`
			Height         int     `json:"height"`
			Sampler        string  `json:"sampler"`
			Scheduler      string  `json:"scheduler"`
			Model          string  `json:"model"`
		} `json:"sui_image_params"`
		ExtraData struct {
			Date string `json:"date"`
		} `json:"sui_extra_data"`
		Models []struct {
			Name string `json:"name"`
		} `json:"sui_models"`
		Timestamp string `json:"timestamp"`
	}
)

// StripRawPrefix removes the leading "raw/" path segment the backend
// prepends to listed filenames.
func StripRawPrefix(path string) string {
	return strings.TrimPrefix(path, "raw/")
}

// RecordFromListing builds an ImageRecord from one remote listing entry.
// The metadata blob is opaque JSON; malformed JSON is swallowed and the
// record falls back to documented defaults. The timestamp fallback order
// (metadata date, then listing timestamp, then now) is load-bearing for
// sort behavior.
func RecordFromListing(file ListedFile, remoteURL string, now time.Time) ImageRecord {
	var meta suiMetadata
	if file.Metadata != "" {
		_ = json.Unmarshal([]byte(file.Metadata), &meta)
	}

	filename := StripRawPrefix(file.Src)
	rec := ImageRecord{
		ID:             SanitizeID(filename),
		RemoteURL:      remoteURL,
		Filename:       filename,
		Prompt:         meta.ImageParams.Prompt,
		NegativePrompt: meta.ImageParams.NegativePrompt,
		Steps:          meta.ImageParams.Steps,
		Seed:           meta.ImageParams.Seed,
		CfgScale:       meta.ImageParams.CfgScale,
		Width:          meta.ImageParams.Width,
		Height:         meta.ImageParams.Height,
		Sampler:        meta.ImageParams.Sampler,
		Scheduler:      meta.ImageParams.Scheduler,
		Model:          meta.ImageParams.Model,
		Date:           meta.ExtraData.Date,
	}
	if rec.Prompt == "" {
		rec.Prompt = FallbackPrompt
	}
	if len(meta.Models) > 0 {
		rec.ModelFile = meta.Models[0].Name
	}

	rec.Timestamp = now
	if meta.ExtraData.Date != "" {
		if t, err := parseFlexibleTime(meta.ExtraData.Date); err == nil {
			rec.Timestamp = t
		}
	} else if meta.Timestamp != "" {
		if t, err := parseFlexibleTime(meta.Timestamp); err == nil {
			rec.Timestamp = t
		}
	}
	return rec
}

// SanitizeID maps an arbitrary filename to the filesystem-safe charset
// used for thumbnail filenames and metadata keys. Repeated listings of
// the same remote file must produce the same id.
func SanitizeID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, ch := range s {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			b.WriteRune(ch)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// FallbackRecord synthesizes a minimal record for a cached thumbnail that
// has no surviving metadata. Metadata absence must never block rendering.
func FallbackRecord(id, thumbnailURI string, now time.Time) ImageRecord {
	return ImageRecord{
		ID:           id,
		Filename:     id,
		Prompt:       FallbackCachedPrompt,
		Date:         now.UTC().Format(time.RFC3339),
		Timestamp:    now,
		ThumbnailURI: thumbnailURI,
	}
}

// ToCached flattens the record into its durable projection.
func (r ImageRecord) ToCached() CachedMetadata {
	return CachedMetadata{
		ID:             r.ID,
		RemoteURL:      r.RemoteURL,
		Filename:       r.Filename,
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		Sampler:        r.Sampler,
		Scheduler:      r.Scheduler,
		Steps:          r.Steps,
		CfgScale:       r.CfgScale,
		Seed:           r.Seed,
		Width:          r.Width,
		Height:         r.Height,
		Model:          r.Model,
		ModelFile:      r.ModelFile,
		Date:           r.Date,
		Timestamp:      r.Timestamp.UTC().Format(time.RFC3339),
	}
}

// ToRecord rehydrates the durable projection, attaching the known
// thumbnail path.
func (m CachedMetadata) ToRecord(thumbnailURI string) ImageRecord {
	rec := ImageRecord{
		ID:             m.ID,
		RemoteURL:      m.RemoteURL,
		Filename:       m.Filename,
		Prompt:         m.Prompt,
		NegativePrompt: m.NegativePrompt,
		Sampler:        m.Sampler,
		Scheduler:      m.Scheduler,
		Steps:          m.Steps,
		CfgScale:       m.CfgScale,
		Seed:           m.Seed,
		Width:          m.Width,
		Height:         m.Height,
		Model:          m.Model,
		ModelFile:      m.ModelFile,
		Date:           m.Date,
		ThumbnailURI:   thumbnailURI,
	}
	if t, err := parseFlexibleTime(m.Timestamp); err == nil {
		rec.Timestamp = t
	} else {
		rec.Timestamp = time.Now()
	}
	return rec
}

// parseFlexibleTime accepts the handful of timestamp layouts the backend
// has been seen to emit.
func parseFlexibleTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
