package thumbnail

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-swarm-history/internal/models"
	"go-swarm-history/internal/thumbstore"
)

type fakeSaver struct {
	saved []models.CachedMetadata
	err   error
}

func (f *fakeSaver) Save(meta models.CachedMetadata) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, meta)
	return nil
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestPipeline(t *testing.T, saver MetadataSaver) (*Pipeline, *thumbstore.Store) {
	t.Helper()
	thumbs, err := thumbstore.New(filepath.Join(t.TempDir(), "thumbnails"))
	require.NoError(t, err)
	return New(thumbs, saver, &http.Client{Timeout: time.Second}, 128, 50), thumbs
}

func TestIsVideoFile(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     bool
	}{
		{"MP4", "clip.mp4", true},
		{"Uppercase extension", "CLIP.MP4", true},
		{"WebM", "anim.webm", true},
		{"PNG", "image.png", false},
		{"JPEG", "photo.jpg", false},
		{"No extension", "noext", false},
		{"Video-like name, image ext", "mp4_tutorial.png", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsVideoFile(tt.filename); got != tt.want {
				t.Errorf("IsVideoFile(%q) = %t, want %t", tt.filename, got, tt.want)
			}
		})
	}
}

func TestCreateAndStoreBoundsLongerEdge(t *testing.T) {
	saver := &fakeSaver{}
	p, thumbs := newTestPipeline(t, saver)

	payload := base64.StdEncoding.EncodeToString(encodePNG(t, 1000, 500))
	meta := &models.ImageRecord{ID: "wide_png", Filename: "wide.png", Prompt: "wide"}

	path, err := p.CreateAndStore(payload, "wide_png", meta)
	require.NoError(t, err)
	assert.Equal(t, thumbs.Path("wide_png"), path)

	thumb, err := imaging.Open(path)
	require.NoError(t, err)
	bounds := thumb.Bounds()
	assert.Equal(t, 128, bounds.Dx(), "longer edge bound to the configured size")
	assert.Equal(t, 64, bounds.Dy(), "aspect ratio preserved")

	require.Len(t, saver.saved, 1)
	assert.Equal(t, "wide_png", saver.saved[0].ID)
}

func TestCreateAndStoreNeverUpscales(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeSaver{})

	payload := base64.StdEncoding.EncodeToString(encodePNG(t, 40, 30))
	path, err := p.CreateAndStore(payload, "tiny_png", nil)
	require.NoError(t, err)

	thumb, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 40, thumb.Bounds().Dx())
	assert.Equal(t, 30, thumb.Bounds().Dy())
}

func TestCreateAndStoreDataURIPrefix(t *testing.T) {
	p, thumbs := newTestPipeline(t, &fakeSaver{})

	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString(encodePNG(t, 64, 64))
	_, err := p.CreateAndStore(payload, "uri_png", nil)
	require.NoError(t, err)
	assert.True(t, thumbs.Exists("uri_png"))
}

func TestCreateAndStoreURLPayload(t *testing.T) {
	raw := encodePNG(t, 64, 64)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(raw)
	}))
	defer server.Close()

	p, thumbs := newTestPipeline(t, &fakeSaver{})
	_, err := p.CreateAndStore(server.URL+"/img.png", "url_png", nil)
	require.NoError(t, err)
	assert.True(t, thumbs.Exists("url_png"))
}

func TestCreateAndStoreErrors(t *testing.T) {
	p, thumbs := newTestPipeline(t, &fakeSaver{})

	t.Run("Empty payload", func(t *testing.T) {
		_, err := p.CreateAndStore("", "empty_png", nil)
		assert.ErrorIs(t, err, ErrEmptyPayload)
	})

	t.Run("Invalid base64", func(t *testing.T) {
		_, err := p.CreateAndStore("!!!not-base64!!!", "junk_png", nil)
		assert.ErrorIs(t, err, ErrDecodeFailed)
	})

	t.Run("Undecodable image bytes", func(t *testing.T) {
		payload := base64.StdEncoding.EncodeToString([]byte("this is not an image"))
		_, err := p.CreateAndStore(payload, "noimg_png", nil)
		assert.ErrorIs(t, err, ErrDecodeFailed)
	})

	t.Run("Video filename rejected before decode", func(t *testing.T) {
		payload := base64.StdEncoding.EncodeToString(encodePNG(t, 8, 8))
		meta := &models.ImageRecord{ID: "clip_mp4", Filename: "clip.mp4"}
		_, err := p.CreateAndStore(payload, "clip_mp4", meta)
		assert.ErrorIs(t, err, ErrUnsupportedMedia)
		assert.False(t, thumbs.Exists("clip_mp4"))
	})
}

func TestCreateAndStoreMetadataFailureIsNotFatal(t *testing.T) {
	saver := &fakeSaver{err: errors.New("disk full")}
	p, thumbs := newTestPipeline(t, saver)

	payload := base64.StdEncoding.EncodeToString(encodePNG(t, 16, 16))
	meta := &models.ImageRecord{ID: "ok_png", Filename: "ok.png"}

	path, err := p.CreateAndStore(payload, "ok_png", meta)
	require.NoError(t, err, "a metadata save failure must not fail the thumbnail")
	assert.NotEmpty(t, path)
	assert.True(t, thumbs.Exists("ok_png"))
}
