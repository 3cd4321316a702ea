package history

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"go-swarm-history/internal/models"
)

// QueueItem is one unit of thumbnail work. Index records the item's
// position in the collection at enqueue time; patching happens by id,
// so the index is informational only.
type QueueItem struct {
	Filename string
	ID       string
	Index    int
	Meta     *models.ImageRecord
}

// fetchFunc fetches and stores the thumbnail for one item, returning the
// final thumbnail path.
type fetchFunc func(item QueueItem) (string, error)

// patchFunc applies one item's outcome to the in-memory collection.
type patchFunc func(id string, thumbnailURI string, failed bool)

// Queue is a single-consumer, cancelable FIFO. Enqueue replaces any
// pending work wholesale and resets the cancellation token, so a new
// reconciliation pass supersedes an in-flight one instead of racing it.
// At most one drain loop runs process-wide.
type Queue struct {
	fetch fetchFunc
	patch patchFunc

	mu       sync.Mutex
	cond     *sync.Cond
	items    []QueueItem
	draining bool
	ctx      context.Context
	cancel   context.CancelFunc
}

func newQueue(fetch fetchFunc, patch patchFunc) *Queue {
	q := &Queue{fetch: fetch, patch: patch}
	q.cond = sync.NewCond(&q.mu)
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Enqueue replaces the pending queue with items, replaces the
// cancellation token, and starts a drain if none is running. An active
// drain is not duplicated; it keeps pulling from the replaced queue.
func (q *Queue) Enqueue(items []QueueItem) {
	q.mu.Lock()
	q.cancel()
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.items = append([]QueueItem(nil), items...)

	start := !q.draining && len(q.items) > 0
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.drainLoop()
	}
}

// Cancel signals the current drain to stop at its next item boundary.
// Remaining items stay pending; they are not marked failed.
func (q *Queue) Cancel() {
	q.mu.Lock()
	q.cancel()
	q.mu.Unlock()
}

// Draining reports whether a drain loop is currently active.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Wait blocks until the queue is idle.
func (q *Queue) Wait() {
	q.mu.Lock()
	for q.draining {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// drainLoop processes items strictly one at a time, back-to-back, with
// cancellation checked only at item boundaries.
func (q *Queue) drainLoop() {
	for {
		q.mu.Lock()
		if q.ctx.Err() != nil || len(q.items) == 0 {
			q.draining = false
			q.cond.Broadcast()
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		ctx := q.ctx
		q.mu.Unlock()

		thumbURI, err := q.fetch(item)
		if err != nil {
			if ctx.Err() != nil {
				// Canceled mid-item; leave the record pending for a
				// future pass rather than marking it failed.
				continue
			}
			log.WithError(err).Warnf("Failed to create thumbnail for %s, marking as failed", item.Filename)
			q.patch(item.ID, "", true)
			continue
		}
		q.patch(item.ID, thumbURI, false)
	}
}
