package thumbnail

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"

	"go-swarm-history/internal/models"
)

// Custom Pipeline Errors
var (
	ErrEmptyPayload     = errors.New("empty image payload")
	ErrDecodeFailed     = errors.New("image decode failed")
	ErrWriteFailed      = errors.New("thumbnail write failed")
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// videoExtensions are container formats the image codec cannot decode.
// They are rejected by extension on the original filename, before any
// fetch or decode work.
var videoExtensions = map[string]struct{}{
	".webm": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".mkv": {}, ".flv": {}, ".wmv": {},
}

var dataURIPrefix = regexp.MustCompile(`^data:[^;]+;base64,`)

// MetadataSaver persists a record's durable projection. Save failures
// are logged and swallowed inside the pipeline.
type MetadataSaver interface {
	Save(meta models.CachedMetadata) error
}

// ThumbnailWriter persists compressed thumbnail bytes under an id.
type ThumbnailWriter interface {
	Write(id string, data []byte) (string, error)
	Exists(id string) bool
}

// Pipeline turns fetched image payloads into size-bounded JPEG
// thumbnails persisted in the thumbnail store, with their metadata
// saved alongside.
type Pipeline struct {
	Thumbs     ThumbnailWriter
	Meta       MetadataSaver
	HttpClient *http.Client

	Size    int // longer-edge bound
	Quality int // JPEG quality factor
	TempDir string
}

// New builds a pipeline with the configured thumbnail bound and quality.
func New(thumbs ThumbnailWriter, meta MetadataSaver, httpClient *http.Client, size, quality int) *Pipeline {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if size <= 0 {
		size = 128
	}
	if quality <= 0 {
		quality = 50
	}
	return &Pipeline{
		Thumbs:     thumbs,
		Meta:       meta,
		HttpClient: httpClient,
		Size:       size,
		Quality:    quality,
		TempDir:    os.TempDir(),
	}
}

// IsVideoFile reports whether the filename carries a known video
// container extension.
func IsVideoFile(filename string) bool {
	_, ok := videoExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// CreateAndStore turns an image payload into a persisted thumbnail and
// returns the final path. The payload may be raw base64, a data URI, or
// an http(s) URL needing one extra fetch-and-encode hop. When meta is
// non-nil its durable projection is saved under the same id; a metadata
// save failure never fails the thumbnail.
func (p *Pipeline) CreateAndStore(payload string, id string, meta *models.ImageRecord) (string, error) {
	if meta != nil && IsVideoFile(meta.Filename) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, meta.Filename)
	}

	raw, err := p.normalizePayload(payload)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", ErrEmptyPayload
	}

	// Scratch file for the decoder; removed on every path.
	scratch, err := os.CreateTemp(p.TempDir, "swarmthumb_*.img")
	if err != nil {
		return "", fmt.Errorf("creating scratch file: %w", err)
	}
	scratchName := scratch.Name()
	defer func() {
		if removeErr := os.Remove(scratchName); removeErr != nil && !os.IsNotExist(removeErr) {
			log.WithError(removeErr).Warnf("Failed to remove scratch file %s", scratchName)
		}
	}()

	if _, err := scratch.Write(raw); err != nil {
		_ = scratch.Close()
		return "", fmt.Errorf("writing scratch file %s: %w", scratchName, err)
	}
	if err := scratch.Close(); err != nil {
		return "", fmt.Errorf("closing scratch file %s: %w", scratchName, err)
	}
	info, err := os.Stat(scratchName)
	if err != nil || info.Size() == 0 {
		return "", fmt.Errorf("%w: scratch file empty after write", ErrWriteFailed)
	}

	img, err := imaging.Open(scratchName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	// Fit the longer edge to the bound, preserving aspect ratio and
	// never upscaling.
	thumb := imaging.Fit(img, p.Size, p.Size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(p.Quality)); err != nil {
		return "", fmt.Errorf("%w: encoding JPEG: %v", ErrWriteFailed, err)
	}

	finalPath, err := p.Thumbs.Write(id, buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if !p.Thumbs.Exists(id) {
		return "", fmt.Errorf("%w: destination empty after write", ErrWriteFailed)
	}

	if meta != nil && p.Meta != nil {
		if err := p.Meta.Save(meta.ToCached()); err != nil {
			// A thumbnail with missing metadata is acceptable; a
			// missing thumbnail is not.
			log.WithError(err).Warnf("Failed to persist metadata for %s", id)
		}
	}

	log.WithField("id", id).Debugf("Thumbnail stored at %s", finalPath)
	return finalPath, nil
}

// normalizePayload reduces the incoming payload to raw image bytes.
func (p *Pipeline) normalizePayload(payload string) ([]byte, error) {
	payload = dataURIPrefix.ReplaceAllString(payload, "")
	if strings.HasPrefix(payload, "http://") || strings.HasPrefix(payload, "https://") {
		encoded, err := p.urlToBase64(payload)
		if err != nil {
			return nil, err
		}
		payload = encoded
	}
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 payload: %v", ErrDecodeFailed, err)
	}
	return raw, nil
}

// urlToBase64 fetches a remote image and base64-encodes it. This one
// extra hop exists for backends that return a URL rather than inline
// bytes.
func (p *Pipeline) urlToBase64(url string) (string, error) {
	resp, err := p.HttpClient.Get(url)
	if err != nil {
		return "", fmt.Errorf("fetching image URL %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching image URL %s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading image URL body %s: %w", url, err)
	}
	return base64.StdEncoding.EncodeToString(body), nil
}
