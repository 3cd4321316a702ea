package history

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-swarm-history/internal/api"
	"go-swarm-history/internal/database"
	"go-swarm-history/internal/metastore"
	"go-swarm-history/internal/models"
	"go-swarm-history/internal/thumbnail"
	"go-swarm-history/internal/thumbstore"
)

// fakeBackend implements Backend against in-memory listings.
type fakeBackend struct {
	mu         sync.Mutex
	files      []models.ListedFile
	listErr    error
	fetchErr   map[string]error
	payload    string
	listCalls  int
	fetchCalls []string
}

func (f *fakeBackend) ListFiles(path string, depth int, sortBy string, sortReverse bool, sessionID string) (models.ListFilesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return models.ListFilesResponse{}, f.listErr
	}
	return models.ListFilesResponse{Files: append([]models.ListedFile(nil), f.files...)}, nil
}

func (f *fakeBackend) FetchImage(filename string, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls = append(f.fetchCalls, filename)
	if err, ok := f.fetchErr[filename]; ok {
		return "", err
	}
	return f.payload, nil
}

func (f *fakeBackend) ViewURL(filename string) string {
	return "http://test/View/local/raw/" + filename
}

func (f *fakeBackend) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetchCalls...)
}

// pngPayload renders a solid PNG and returns it base64-encoded, the way
// the backend delivers image bytes.
func pngPayload(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

type testEnv struct {
	engine  *Engine
	backend *fakeBackend
	meta    *metastore.Store
	thumbs  *thumbstore.Store
}

func newTestEnv(t *testing.T, backend *fakeBackend, pageSize int) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	meta := metastore.New(db)
	thumbs, err := thumbstore.New(filepath.Join(dir, "thumbnails"))
	require.NoError(t, err)

	pipeline := thumbnail.New(thumbs, meta, &http.Client{Timeout: time.Second}, 128, 50)
	cfg := models.Config{PageSize: pageSize, ListDepth: 3, SortBy: "Name"}

	engine := New(cfg, backend, meta, thumbs, pipeline, nil)
	return &testEnv{engine: engine, backend: backend, meta: meta, thumbs: thumbs}
}

func listedFile(name, prompt, date string) models.ListedFile {
	meta := ""
	if prompt != "" || date != "" {
		meta = fmt.Sprintf(`{"sui_image_params":{"prompt":%q,"steps":20,"seed":7},"sui_extra_data":{"date":%q}}`, prompt, date)
	}
	return models.ListedFile{Src: "raw/" + name, Metadata: meta}
}

func TestEngineOfflineBaseline(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{}, 20)

	// Seed three thumbnails; two with metadata, one orphaned.
	for _, id := range []string{"old_png", "new_png", "orphan_png"} {
		_, err := env.thumbs.Write(id, []byte("jpegbytes"))
		require.NoError(t, err)
	}
	require.NoError(t, env.meta.Save(models.CachedMetadata{
		ID: "old_png", Filename: "old.png", Prompt: "old prompt", Timestamp: "2024-01-01T00:00:00Z",
	}))
	require.NoError(t, env.meta.Save(models.CachedMetadata{
		ID: "new_png", Filename: "new.png", Prompt: "new prompt", Timestamp: "2024-06-01T00:00:00Z",
	}))

	// Pin the clock so the orphan's synthesized timestamp sorts last.
	env.engine.now = func() time.Time { return time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC) }

	// No session: offline mode.
	require.NoError(t, env.engine.Activate())

	records := env.engine.Images()
	require.Len(t, records, 3)
	assert.Equal(t, "new_png", records[0].ID, "newest first")
	assert.Equal(t, "old_png", records[1].ID)
	assert.Equal(t, "orphan_png", records[2].ID, "fallback record sorts by synthesized timestamp")

	assert.Equal(t, models.FallbackCachedPrompt, recordByID(t, records, "orphan_png").Prompt)
	assert.NotEmpty(t, recordByID(t, records, "old_png").ThumbnailURI)
	assert.False(t, env.engine.HasMore())
	assert.Nil(t, env.engine.LastError())
	assert.Equal(t, 0, env.backend.listCalls, "offline mode must not touch the network")
}

func recordByID(t *testing.T, records []models.ImageRecord, id string) models.ImageRecord {
	t.Helper()
	for _, rec := range records {
		if rec.ID == id {
			return rec
		}
	}
	t.Fatalf("record %s not found", id)
	return models.ImageRecord{}
}

func TestEngineOnlinePreservesServerOrder(t *testing.T) {
	backend := &fakeBackend{
		payload: pngPayload(t, 64, 64),
		files: []models.ListedFile{
			listedFile("c.png", "third", "2024-01-03"),
			listedFile("a.png", "first", "2024-01-01"),
			listedFile("b.png", "second", "2024-01-02"),
		},
	}
	env := newTestEnv(t, backend, 20)
	env.engine.SetSession("sess")

	require.NoError(t, env.engine.Activate())
	env.engine.WaitForThumbnails()

	records := env.engine.Images()
	require.Len(t, records, 3)
	// Server order wins, not timestamp order.
	assert.Equal(t, "c_png", records[0].ID)
	assert.Equal(t, "a_png", records[1].ID)
	assert.Equal(t, "b_png", records[2].ID)
	assert.False(t, env.engine.HasMore())

	for _, rec := range records {
		assert.NotEmpty(t, rec.ThumbnailURI, "thumbnail for %s", rec.ID)
		assert.False(t, rec.ThumbnailFailed)
		assert.True(t, env.thumbs.Exists(rec.ID))
	}
	assert.Equal(t, 3, env.engine.LoadedThumbnailCount())
}

func TestEnginePaging(t *testing.T) {
	var files []models.ListedFile
	for i := 0; i < 5; i++ {
		files = append(files, listedFile(fmt.Sprintf("img%d.png", i), fmt.Sprintf("prompt %d", i), "2024-01-01"))
	}
	backend := &fakeBackend{payload: pngPayload(t, 32, 32), files: files}
	env := newTestEnv(t, backend, 2)
	env.engine.SetSession("sess")

	require.NoError(t, env.engine.Activate())
	env.engine.WaitForThumbnails()

	assert.Len(t, env.engine.Images(), 2)
	assert.True(t, env.engine.HasMore())
	assert.Equal(t, 5, env.engine.TotalRemoteCount())

	require.NoError(t, env.engine.LoadMore())
	env.engine.WaitForThumbnails()
	assert.Len(t, env.engine.Images(), 4)
	assert.True(t, env.engine.HasMore())

	require.NoError(t, env.engine.LoadMore())
	env.engine.WaitForThumbnails()
	records := env.engine.Images()
	assert.Len(t, records, 5)
	assert.False(t, env.engine.HasMore())

	// Pages append in server order.
	for i, rec := range records {
		assert.Equal(t, fmt.Sprintf("img%d_png", i), rec.ID)
	}

	// Exhausted listing: further calls are no-ops.
	require.NoError(t, env.engine.LoadMore())
	assert.Len(t, env.engine.Images(), 5)
	assert.Equal(t, 1, env.backend.listCalls, "paging must slice the up-front listing, not re-list")
}

func TestEngineActivateIdempotent(t *testing.T) {
	backend := &fakeBackend{payload: pngPayload(t, 32, 32), files: []models.ListedFile{listedFile("a.png", "p", "2024-01-01")}}
	env := newTestEnv(t, backend, 20)
	env.engine.SetSession("sess")

	require.NoError(t, env.engine.Activate())
	env.engine.WaitForThumbnails()
	require.NoError(t, env.engine.Activate())
	require.NoError(t, env.engine.Activate())

	assert.Equal(t, 1, env.backend.listCalls, "repeat Activate must not re-run the pass")
}

func TestEngineRefreshRunsAgain(t *testing.T) {
	backend := &fakeBackend{payload: pngPayload(t, 32, 32), files: []models.ListedFile{listedFile("a.png", "p", "2024-01-01")}}
	env := newTestEnv(t, backend, 20)
	env.engine.SetSession("sess")

	require.NoError(t, env.engine.Activate())
	env.engine.WaitForThumbnails()
	require.NoError(t, env.engine.Refresh())
	env.engine.WaitForThumbnails()

	assert.Equal(t, 2, env.backend.listCalls)
}

func TestEngineNetworkErrorKeepsBaseline(t *testing.T) {
	backend := &fakeBackend{listErr: fmt.Errorf("%w: connection refused", api.ErrUnreachable)}
	env := newTestEnv(t, backend, 20)
	env.engine.SetSession("sess")

	_, err := env.thumbs.Write("cached_png", []byte("jpegbytes"))
	require.NoError(t, err)

	require.NoError(t, env.engine.Activate())

	records := env.engine.Images()
	require.Len(t, records, 1, "offline baseline survives an unreachable server")
	assert.Equal(t, "cached_png", records[0].ID)
	assert.Nil(t, env.engine.LastError(), "network failures are logged, never surfaced")
	assert.False(t, env.engine.HasMore())
}

func TestEngineEmptyListingKeepsBaseline(t *testing.T) {
	backend := &fakeBackend{files: nil}
	env := newTestEnv(t, backend, 20)
	env.engine.SetSession("sess")

	_, err := env.thumbs.Write("cached_png", []byte("jpegbytes"))
	require.NoError(t, err)

	require.NoError(t, env.engine.Activate())
	records := env.engine.Images()
	require.Len(t, records, 1, "empty listing must not wipe the local baseline")
	assert.False(t, env.engine.HasMore())
}

func TestEngineFetchFailureMarksRecord(t *testing.T) {
	backend := &fakeBackend{
		payload:  pngPayload(t, 32, 32),
		fetchErr: map[string]error{"bad.png": errors.New("boom")},
		files: []models.ListedFile{
			listedFile("good.png", "p", "2024-01-01"),
			listedFile("bad.png", "p", "2024-01-02"),
		},
	}
	env := newTestEnv(t, backend, 20)
	env.engine.SetSession("sess")

	require.NoError(t, env.engine.Activate())
	env.engine.WaitForThumbnails()

	records := env.engine.Images()
	good := recordByID(t, records, "good_png")
	bad := recordByID(t, records, "bad_png")

	assert.False(t, good.ThumbnailFailed)
	assert.NotEmpty(t, good.ThumbnailURI)
	assert.True(t, bad.ThumbnailFailed)
	assert.Empty(t, bad.ThumbnailURI)
	assert.Nil(t, env.engine.LastError(), "per-item failures never become collection errors")
}

func TestEngineStickyFailureNotRetried(t *testing.T) {
	backend := &fakeBackend{
		payload:  pngPayload(t, 32, 32),
		fetchErr: map[string]error{"bad.png": errors.New("boom")},
		files: []models.ListedFile{
			listedFile("bad.png", "p", "2024-01-01"),
			listedFile("good.png", "p", "2024-01-02"),
			// The server lists the failed file again on a later page.
			listedFile("bad.png", "p", "2024-01-01"),
			listedFile("extra.png", "p", "2024-01-03"),
		},
	}
	env := newTestEnv(t, backend, 2)
	env.engine.SetSession("sess")

	require.NoError(t, env.engine.Activate())
	env.engine.WaitForThumbnails()
	require.True(t, recordByID(t, env.engine.Images(), "bad_png").ThumbnailFailed)

	// Server recovers, so an accidental auto-retry would now succeed and
	// flip the flag. Only an explicit per-item repair may do that.
	backend.mu.Lock()
	delete(backend.fetchErr, "bad.png")
	backend.mu.Unlock()

	require.NoError(t, env.engine.Activate())
	require.NoError(t, env.engine.LoadMore())
	env.engine.WaitForThumbnails()

	records := env.engine.Images()
	assert.True(t, recordByID(t, records, "bad_png").ThumbnailFailed, "failure must stay sticky across later passes")
	assert.False(t, recordByID(t, records, "extra_png").ThumbnailFailed)

	fetchesOfBad := 0
	for _, filename := range env.backend.fetched() {
		if filename == "bad.png" {
			fetchesOfBad++
		}
	}
	assert.Equal(t, 1, fetchesOfBad, "a failed item is never auto-refetched")
}

func TestEngineRefreshOneRecovers(t *testing.T) {
	backend := &fakeBackend{
		payload:  pngPayload(t, 32, 32),
		fetchErr: map[string]error{"bad.png": errors.New("boom")},
		files:    []models.ListedFile{listedFile("bad.png", "p", "2024-01-01")},
	}
	env := newTestEnv(t, backend, 20)
	env.engine.SetSession("sess")

	require.NoError(t, env.engine.Activate())
	env.engine.WaitForThumbnails()
	require.True(t, recordByID(t, env.engine.Images(), "bad_png").ThumbnailFailed)

	// Server recovers; a single-item repair must clear the sticky flag.
	backend.mu.Lock()
	delete(backend.fetchErr, "bad.png")
	backend.mu.Unlock()

	require.NoError(t, env.engine.RefreshOne("bad_png"))

	rec := recordByID(t, env.engine.Images(), "bad_png")
	assert.False(t, rec.ThumbnailFailed)
	assert.NotEmpty(t, rec.ThumbnailURI)
	assert.NotEmpty(t, rec.FullImageData, "repair keeps the full payload in memory")
	assert.True(t, env.thumbs.Exists("bad_png"))
}

func TestEngineRefreshOneUnknownID(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{}, 20)
	require.NoError(t, env.engine.Activate())
	assert.Error(t, env.engine.RefreshOne("missing"))
}

func TestEngineReleaseImageData(t *testing.T) {
	backend := &fakeBackend{payload: pngPayload(t, 32, 32), files: []models.ListedFile{listedFile("a.png", "p", "2024-01-01")}}
	env := newTestEnv(t, backend, 20)
	env.engine.SetSession("sess")

	require.NoError(t, env.engine.Activate())
	env.engine.WaitForThumbnails()
	require.NoError(t, env.engine.RefreshOne("a_png"))
	require.NotEmpty(t, recordByID(t, env.engine.Images(), "a_png").FullImageData)

	env.engine.ReleaseImageData("a_png")

	rec := recordByID(t, env.engine.Images(), "a_png")
	assert.Empty(t, rec.FullImageData)
	assert.NotEmpty(t, rec.ThumbnailURI, "releasing payload must not drop the thumbnail")
}

func TestEngineVideoFilesRejectedWithoutFetch(t *testing.T) {
	backend := &fakeBackend{
		payload: pngPayload(t, 32, 32),
		files: []models.ListedFile{
			listedFile("clip.mp4", "p", "2024-01-01"),
			listedFile("still.png", "p", "2024-01-02"),
		},
	}
	env := newTestEnv(t, backend, 20)
	env.engine.SetSession("sess")

	require.NoError(t, env.engine.Activate())
	env.engine.WaitForThumbnails()

	clip := recordByID(t, env.engine.Images(), "clip_mp4")
	assert.True(t, clip.ThumbnailFailed)
	assert.NotContains(t, env.backend.fetched(), "clip.mp4", "video rejection must precede the fetch")
	assert.Contains(t, env.backend.fetched(), "still.png")
}

func TestEngineClearAll(t *testing.T) {
	backend := &fakeBackend{payload: pngPayload(t, 32, 32), files: []models.ListedFile{listedFile("a.png", "p", "2024-01-01")}}
	env := newTestEnv(t, backend, 20)
	env.engine.SetSession("sess")

	require.NoError(t, env.engine.Activate())
	env.engine.WaitForThumbnails()
	require.True(t, env.thumbs.Exists("a_png"))

	// Drop the listing so the re-activation rebuilds from an empty server.
	backend.mu.Lock()
	backend.files = nil
	backend.mu.Unlock()

	require.NoError(t, env.engine.ClearAll())
	env.engine.WaitForThumbnails()

	assert.Empty(t, env.engine.Images())
	ids, err := env.thumbs.ListAll()
	require.NoError(t, err)
	assert.Empty(t, ids, "thumbnail store must be empty after clear")

	all, err := env.meta.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, all, "metadata store must be empty after clear")
}

func TestEngineLoadImageDataShortCircuits(t *testing.T) {
	backend := &fakeBackend{payload: pngPayload(t, 32, 32), files: []models.ListedFile{listedFile("a.png", "p", "2024-01-01")}}
	env := newTestEnv(t, backend, 20)
	env.engine.SetSession("sess")

	require.NoError(t, env.engine.Activate())
	env.engine.WaitForThumbnails()

	before := len(env.backend.fetched())
	require.NoError(t, env.engine.LoadImageData("a_png"))
	assert.Equal(t, before, len(env.backend.fetched()), "ready thumbnail must not trigger a fetch")
}

func TestEngineSeedsFromLocalCacheOnline(t *testing.T) {
	backend := &fakeBackend{
		payload: pngPayload(t, 32, 32),
		files:   []models.ListedFile{{Src: "raw/a.png"}}, // no metadata from the server
	}
	env := newTestEnv(t, backend, 20)
	env.engine.SetSession("sess")

	// Locally cached thumbnail and rich metadata for the same file.
	_, err := env.thumbs.Write("a_png", []byte("jpegbytes"))
	require.NoError(t, err)
	require.NoError(t, env.meta.Save(models.CachedMetadata{
		ID: "a_png", Filename: "a.png", Prompt: "cached prompt", Steps: 20, Seed: 9,
		Timestamp: "2024-01-01T00:00:00Z",
	}))

	require.NoError(t, env.engine.Activate())
	env.engine.WaitForThumbnails()

	rec := recordByID(t, env.engine.Images(), "a_png")
	assert.Equal(t, "cached prompt", rec.Prompt, "richer cached metadata wins over a bare listing entry")
	assert.NotEmpty(t, rec.ThumbnailURI, "existing thumbnail adopted without refetch")
	assert.Empty(t, env.backend.fetched(), "nothing to fetch when the cache is complete")
}
