package history

import (
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"go-swarm-history/index"
	"go-swarm-history/internal/api"
	"go-swarm-history/internal/metastore"
	"go-swarm-history/internal/models"
	"go-swarm-history/internal/thumbnail"
	"go-swarm-history/internal/thumbstore"
)

// Backend is the slice of the API client the engine consumes.
type Backend interface {
	ListFiles(path string, depth int, sortBy string, sortReverse bool, sessionID string) (models.ListFilesResponse, error)
	FetchImage(filename string, sessionID string) (string, error)
	ViewURL(filename string) string
}

// Engine reconciles the local thumbnail cache against the remote file
// listing and exposes the ordered collection the UI renders. All
// mutation of the collection happens under one mutex; the fetch queue
// is the only background worker.
type Engine struct {
	cfg      models.Config
	client   Backend
	meta     *metastore.Store
	thumbs   *thumbstore.Store
	pipeline *thumbnail.Pipeline
	idx      bleve.Index
	queue    *Queue
	now      func() time.Time

	mu          sync.Mutex
	records     []models.ImageRecord
	pos         map[string]int
	allFiles    []models.ListedFile
	page        int
	hasMore     bool
	activated   bool
	loading     bool
	loadingMore bool
	lastError   error
	failedIDs   map[string]struct{}
	sessionID   string
}

// New wires an engine from its collaborators. idx may be nil to disable
// prompt search.
func New(cfg models.Config, client Backend, meta *metastore.Store, thumbs *thumbstore.Store, pipeline *thumbnail.Pipeline, idx bleve.Index) *Engine {
	e := &Engine{
		cfg:       cfg,
		client:    client,
		meta:      meta,
		thumbs:    thumbs,
		pipeline:  pipeline,
		idx:       idx,
		now:       time.Now,
		pos:       make(map[string]int),
		failedIDs: make(map[string]struct{}),
		hasMore:   true,
	}
	e.queue = newQueue(e.fetchAndCreateThumbnail, e.patch)
	return e
}

// SetSession installs the backend session. An empty session means
// offline mode; no network calls are attempted.
func (e *Engine) SetSession(sessionID string) {
	e.mu.Lock()
	e.sessionID = sessionID
	e.mu.Unlock()
}

// Activate loads the history. Idempotent: a second call without an
// intervening Refresh or ClearAll is a no-op.
func (e *Engine) Activate() error {
	e.mu.Lock()
	if e.activated {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.reconcile()
}

// Refresh cancels in-flight thumbnail work and re-runs the full
// activation sequence unconditionally. Sticky failure markers are reset
// so a manual refresh is a recovery path.
func (e *Engine) Refresh() error {
	e.queue.Cancel()
	e.mu.Lock()
	e.failedIDs = make(map[string]struct{})
	e.mu.Unlock()
	return e.reconcile()
}

// ClearAll cancels in-flight work, clears both stores, resets all
// in-memory state, and immediately re-activates so the UI flows
// straight back into the offline-baseline-then-remote sequence.
func (e *Engine) ClearAll() error {
	e.queue.Cancel()
	e.queue.Wait()

	if err := e.thumbs.Clear(); err != nil {
		log.WithError(err).Error("Failed to clear thumbnail store")
	}
	if err := e.meta.Clear(); err != nil {
		log.WithError(err).Error("Failed to clear metadata store")
	}
	if e.idx != nil {
		if err := index.RemoveAll(e.idx); err != nil {
			log.WithError(err).Warn("Failed to clear prompt index")
		}
	}

	e.mu.Lock()
	e.records = nil
	e.pos = make(map[string]int)
	e.allFiles = nil
	e.page = 0
	e.hasMore = true
	e.activated = false
	e.lastError = nil
	e.failedIDs = make(map[string]struct{})
	e.mu.Unlock()

	return e.Activate()
}

// LoadMore appends the next page of the already-fetched listing. Guarded
// by three conditions: not already loading more, more pages exist, and
// the fetch queue is idle (two thumbnail batches must not interleave).
func (e *Engine) LoadMore() error {
	if e.queue.Draining() {
		return nil
	}
	e.mu.Lock()
	if e.loadingMore || !e.hasMore || len(e.allFiles) == 0 {
		e.mu.Unlock()
		return nil
	}
	e.loadingMore = true

	pageSize := e.pageSize()
	nextPage := e.page + 1
	start := nextPage * pageSize
	end := start + pageSize
	if start >= len(e.allFiles) {
		e.hasMore = false
		e.loadingMore = false
		e.mu.Unlock()
		return nil
	}
	if end > len(e.allFiles) {
		end = len(e.allFiles)
	}
	pageFiles := e.allFiles[start:end]
	sessionID := e.sessionID
	e.mu.Unlock()

	pageRecords, cacheErr := e.buildServerRecords(pageFiles)
	if cacheErr != nil {
		log.WithError(cacheErr).Warn("Could not seed page records from local cache")
	}

	e.mu.Lock()
	var items []QueueItem
	for _, rec := range pageRecords {
		if _, dup := e.pos[rec.ID]; dup {
			continue
		}
		e.pos[rec.ID] = len(e.records)
		e.records = append(e.records, rec)
		if rec.ThumbnailURI == "" && !rec.ThumbnailFailed {
			meta := rec
			items = append(items, QueueItem{Filename: rec.Filename, ID: rec.ID, Index: e.pos[rec.ID], Meta: &meta})
		}
	}
	e.page = nextPage
	e.hasMore = end < len(e.allFiles)
	e.loadingMore = false
	e.mu.Unlock()

	log.Debugf("Loaded page %d (%d records, session=%t)", nextPage, len(pageRecords), sessionID != "")
	if len(items) > 0 {
		e.queue.Enqueue(items)
	}
	return nil
}

// RefreshOne re-fetches and regenerates the thumbnail for exactly one
// record, bypassing the queue. This is the recovery path for a sticky
// failed tile.
func (e *Engine) RefreshOne(id string) error {
	e.mu.Lock()
	at, ok := e.pos[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("no record with id %s", id)
	}
	rec := e.records[at]
	sessionID := e.sessionID
	e.mu.Unlock()

	if rec.Filename == "" {
		return nil
	}
	if thumbnail.IsVideoFile(rec.Filename) {
		return fmt.Errorf("%w: %s", thumbnail.ErrUnsupportedMedia, rec.Filename)
	}

	payload, err := e.client.FetchImage(rec.Filename, sessionID)
	if err != nil {
		e.patch(id, "", true)
		return err
	}
	meta := rec
	thumbURI, err := e.pipeline.CreateAndStore(payload, id, &meta)
	if err != nil {
		e.patch(id, "", true)
		return err
	}

	e.mu.Lock()
	if at, ok := e.pos[id]; ok {
		e.records[at].ThumbnailURI = thumbURI
		e.records[at].ThumbnailFailed = false
		if raw, decErr := base64.StdEncoding.DecodeString(payload); decErr == nil {
			e.records[at].FullImageData = raw
		}
	}
	delete(e.failedIDs, id)
	e.mu.Unlock()

	e.indexRecord(id)
	return nil
}

// LoadImageData triggers a single-item thumbnail fetch for a record the
// UI just scrolled on-screen. No-op when the record already has a
// thumbnail, already failed, or has no filename.
func (e *Engine) LoadImageData(id string) error {
	e.mu.Lock()
	at, ok := e.pos[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	rec := e.records[at]
	e.mu.Unlock()

	if rec.ThumbnailURI != "" || rec.ThumbnailFailed || rec.Filename == "" {
		return nil
	}

	meta := rec
	thumbURI, err := e.fetchAndCreateThumbnail(QueueItem{Filename: rec.Filename, ID: id, Meta: &meta})
	if err != nil {
		e.patch(id, "", true)
		return err
	}
	e.patch(id, thumbURI, false)
	return nil
}

// ReleaseImageData drops only the in-memory full-resolution payload for
// a record, bounding peak memory as tiles scroll off-screen. The
// thumbnail is untouched.
func (e *Engine) ReleaseImageData(id string) {
	e.mu.Lock()
	if at, ok := e.pos[id]; ok {
		e.records[at].FullImageData = nil
	}
	e.mu.Unlock()
}

// Images returns a snapshot copy of the ordered collection.
func (e *Engine) Images() []models.ImageRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ImageRecord, len(e.records))
	copy(out, e.records)
	return out
}

// Image returns one record by id.
func (e *Engine) Image(id string) (models.ImageRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if at, ok := e.pos[id]; ok {
		return e.records[at], true
	}
	return models.ImageRecord{}, false
}

// IsLoading reports whether a reconciliation pass is in progress.
func (e *Engine) IsLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// IsLoadingMore reports whether a page append is in progress.
func (e *Engine) IsLoadingMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadingMore
}

// IsLoadingThumbnails reports whether the fetch queue is draining.
func (e *Engine) IsLoadingThumbnails() bool {
	return e.queue.Draining()
}

// HasMore reports whether further listing pages remain.
func (e *Engine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

// LastError returns the most recent user-visible error, nil for
// network/timeout failures which are logged only.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

// TotalRemoteCount returns the size of the full remote listing.
func (e *Engine) TotalRemoteCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.allFiles)
}

// LoadedThumbnailCount counts records with a ready, unfailed thumbnail.
func (e *Engine) LoadedThumbnailCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, rec := range e.records {
		if rec.ThumbnailURI != "" && !rec.ThumbnailFailed {
			n++
		}
	}
	return n
}

// WaitForThumbnails blocks until the fetch queue is idle.
func (e *Engine) WaitForThumbnails() {
	e.queue.Wait()
}

// SearchPrompts runs a query against the prompt index and returns the
// matching records in relevance order.
func (e *Engine) SearchPrompts(query string) ([]models.ImageRecord, error) {
	if e.idx == nil {
		return nil, fmt.Errorf("prompt index not configured")
	}
	ids, err := index.Search(e.idx, query)
	if err != nil {
		return nil, err
	}
	var out []models.ImageRecord
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if at, ok := e.pos[id]; ok {
			out = append(out, e.records[at])
		}
	}
	return out, nil
}

// --- internals ---

func (e *Engine) pageSize() int {
	if e.cfg.PageSize > 0 {
		return e.cfg.PageSize
	}
	return 20
}

// reconcile is the shared body of Activate and Refresh: defensive
// cleanup, offline baseline, then (when a session exists) the remote
// listing in server-supplied order.
func (e *Engine) reconcile() error {
	e.mu.Lock()
	e.loading = true
	e.lastError = nil
	sessionID := e.sessionID
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.loading = false
		e.mu.Unlock()
	}()

	// Defensive cleanup: empty thumbnail files and orphaned metadata.
	// Never fatal.
	e.thumbs.PruneEmpty()

	thumbIDs, err := e.thumbs.ListAll()
	if err != nil {
		e.mu.Lock()
		e.lastError = err
		e.mu.Unlock()
		return err
	}
	existing := make(map[string]struct{}, len(thumbIDs))
	for _, id := range thumbIDs {
		existing[id] = struct{}{}
	}
	if err := e.meta.PruneOrphans(existing); err != nil {
		log.WithError(err).Warn("Orphan metadata cleanup failed")
	}

	allMeta, err := e.meta.LoadAll()
	if err != nil {
		e.mu.Lock()
		e.lastError = err
		e.mu.Unlock()
		return err
	}

	baseline := e.buildLocalBaseline(thumbIDs, allMeta)
	log.Debugf("Loaded %d cached records as offline baseline", len(baseline))

	e.install(baseline, nil, false)

	if sessionID == "" {
		e.mu.Lock()
		e.activated = true
		e.mu.Unlock()
		return nil
	}

	listing, err := e.client.ListFiles(e.cfg.ListPath, e.cfg.ListDepth, e.cfg.SortBy, e.cfg.SortReverse, sessionID)
	if err != nil {
		if api.IsNetworkError(err) {
			// Deliberate UX policy: network and timeout failures stay
			// out of the user's face. The offline baseline stands.
			log.WithError(err).Info("Remote listing unavailable, staying on offline baseline")
		} else {
			e.mu.Lock()
			e.lastError = err
			e.mu.Unlock()
		}
		e.mu.Lock()
		e.hasMore = false
		e.activated = true
		e.mu.Unlock()
		return nil
	}

	if len(listing.Files) == 0 {
		e.mu.Lock()
		e.hasMore = false
		e.activated = true
		e.mu.Unlock()
		return nil
	}

	// Server order is meaningful; it wins over a merge with the local
	// baseline. Local state only seeds thumbnails and metadata for ids
	// the server also lists.
	pageSize := e.pageSize()
	firstPage := listing.Files
	if len(firstPage) > pageSize {
		firstPage = firstPage[:pageSize]
	}
	pageRecords, cacheErr := e.buildServerRecords(firstPage)
	if cacheErr != nil {
		log.WithError(cacheErr).Warn("Could not seed server records from local cache")
	}

	items := e.install(pageRecords, listing.Files, len(listing.Files) > pageSize)

	e.mu.Lock()
	e.activated = true
	e.mu.Unlock()

	if len(items) > 0 {
		e.queue.Enqueue(items)
	}
	return nil
}

// buildLocalBaseline assembles deduplicated, newest-first records from
// the cached thumbnails and whatever metadata still resolves for them.
func (e *Engine) buildLocalBaseline(thumbIDs []string, allMeta map[string]models.CachedMetadata) []models.ImageRecord {
	records := make([]models.ImageRecord, 0, len(thumbIDs))
	for _, id := range thumbIDs {
		thumbURI := e.thumbs.Path(id)
		if meta, ok := ResolveMetadata(id, allMeta); ok {
			rec := meta.ToRecord(thumbURI)
			if rec.ID == "" {
				rec.ID = id
			}
			records = append(records, rec)
		} else {
			records = append(records, models.FallbackRecord(id, thumbURI, e.now()))
		}
	}

	records = Deduplicate(records)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records
}

// buildServerRecords converts listing entries into records in server
// order, seeding each with locally cached thumbnail and metadata when
// the id is already known.
func (e *Engine) buildServerRecords(files []models.ListedFile) ([]models.ImageRecord, error) {
	allMeta, err := e.meta.LoadAll()
	if err != nil {
		allMeta = map[string]models.CachedMetadata{}
	}

	e.mu.Lock()
	failed := make(map[string]struct{}, len(e.failedIDs))
	for id := range e.failedIDs {
		failed[id] = struct{}{}
	}
	e.mu.Unlock()

	records := make([]models.ImageRecord, 0, len(files))
	for _, f := range files {
		rec := models.RecordFromListing(f, e.client.ViewURL(f.Src), e.now())
		if cached, ok := ResolveMetadata(rec.ID, allMeta); ok {
			candidate := cached.ToRecord("")
			candidate.ID = rec.ID
			candidate.RemoteURL = rec.RemoteURL
			candidate.Filename = rec.Filename
			if CompletenessScore(candidate) > CompletenessScore(rec) {
				rec = candidate
			}
		}
		if e.thumbs.Exists(rec.ID) {
			rec.ThumbnailURI = e.thumbs.Path(rec.ID)
		}
		if _, wasFailed := failed[rec.ID]; wasFailed {
			// Sticky: a failed item is not auto-retried by later
			// activation or paging passes.
			rec.ThumbnailFailed = true
		}
		records = append(records, rec)
	}
	return Deduplicate(records), err
}

// install replaces the visible collection and pagination state, and
// returns the queue items for records still lacking thumbnails.
func (e *Engine) install(records []models.ImageRecord, allFiles []models.ListedFile, hasMore bool) []QueueItem {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.records = records
	e.pos = make(map[string]int, len(records))
	var items []QueueItem
	for i, rec := range records {
		e.pos[rec.ID] = i
		if rec.ThumbnailURI == "" && !rec.ThumbnailFailed && rec.Filename != "" {
			meta := rec
			items = append(items, QueueItem{Filename: rec.Filename, ID: rec.ID, Index: i, Meta: &meta})
		}
	}
	e.allFiles = allFiles
	e.page = 0
	e.hasMore = hasMore
	return items
}

// fetchAndCreateThumbnail is the queue's work function. A valid existing
// thumbnail short-circuits before any network work, as does a video
// container extension.
func (e *Engine) fetchAndCreateThumbnail(item QueueItem) (string, error) {
	if e.thumbs.Exists(item.ID) {
		return e.thumbs.Path(item.ID), nil
	}
	if thumbnail.IsVideoFile(item.Filename) {
		return "", fmt.Errorf("%w: %s", thumbnail.ErrUnsupportedMedia, item.Filename)
	}

	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()

	payload, err := e.client.FetchImage(item.Filename, sessionID)
	if err != nil {
		return "", err
	}
	return e.pipeline.CreateAndStore(payload, item.ID, item.Meta)
}

// patch applies one thumbnail outcome to the collection, by id lookup —
// never by a position captured at enqueue time.
func (e *Engine) patch(id string, thumbnailURI string, failed bool) {
	e.mu.Lock()
	at, ok := e.pos[id]
	if ok {
		if failed {
			e.records[at].ThumbnailFailed = true
			e.failedIDs[id] = struct{}{}
		} else {
			e.records[at].ThumbnailURI = thumbnailURI
			e.records[at].ThumbnailFailed = false
			delete(e.failedIDs, id)
		}
	}
	e.mu.Unlock()

	if ok && !failed {
		e.indexRecord(id)
	}
}

// indexRecord mirrors a record into the prompt index, best-effort.
func (e *Engine) indexRecord(id string) {
	if e.idx == nil {
		return
	}
	e.mu.Lock()
	at, ok := e.pos[id]
	var rec models.ImageRecord
	if ok {
		rec = e.records[at]
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := index.IndexRecord(e.idx, rec); err != nil {
		log.WithError(err).Warnf("Failed to index record %s", id)
	}
}
