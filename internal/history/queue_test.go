package history

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// patchRecorder collects patch calls in order, thread-safe.
type patchRecorder struct {
	mu    sync.Mutex
	calls []patchCall
}

type patchCall struct {
	id     string
	uri    string
	failed bool
}

func (r *patchRecorder) patch(id string, uri string, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, patchCall{id: id, uri: uri, failed: failed})
}

func (r *patchRecorder) snapshot() []patchCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]patchCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func TestQueueDrainsInOrder(t *testing.T) {
	rec := &patchRecorder{}
	fetch := func(item QueueItem) (string, error) {
		return "/thumbs/" + item.ID + ".jpg", nil
	}

	q := newQueue(fetch, rec.patch)
	q.Enqueue([]QueueItem{
		{ID: "a", Filename: "a.png"},
		{ID: "b", Filename: "b.png"},
		{ID: "c", Filename: "c.png"},
	})
	q.Wait()

	calls := rec.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, "a", calls[0].id)
	assert.Equal(t, "b", calls[1].id)
	assert.Equal(t, "c", calls[2].id)
	for _, c := range calls {
		assert.False(t, c.failed)
		assert.Equal(t, "/thumbs/"+c.id+".jpg", c.uri)
	}
	assert.False(t, q.Draining())
}

func TestQueueFailureMarksOnlyThatItem(t *testing.T) {
	rec := &patchRecorder{}
	fetch := func(item QueueItem) (string, error) {
		if item.ID == "b" {
			return "", errors.New("fetch failed")
		}
		return "/thumbs/" + item.ID + ".jpg", nil
	}

	q := newQueue(fetch, rec.patch)
	q.Enqueue([]QueueItem{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	q.Wait()

	calls := rec.snapshot()
	require.Len(t, calls, 3)
	assert.False(t, calls[0].failed)
	assert.True(t, calls[1].failed)
	assert.Empty(t, calls[1].uri)
	// Failure of one item never stops the drain.
	assert.False(t, calls[2].failed)
}

func TestQueueCancelStopsAtItemBoundary(t *testing.T) {
	rec := &patchRecorder{}
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	fetch := func(item QueueItem) (string, error) {
		once.Do(func() {
			close(started)
			<-release
		})
		return "/thumbs/" + item.ID + ".jpg", nil
	}

	q := newQueue(fetch, rec.patch)
	q.Enqueue([]QueueItem{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	<-started
	q.Cancel()
	close(release)
	q.Wait()

	// The in-flight item finished; nothing after the boundary ran.
	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "a", calls[0].id)
	assert.False(t, calls[0].failed, "cancellation must not mark items failed")
}

func TestQueueEnqueueSupersedes(t *testing.T) {
	rec := &patchRecorder{}
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	fetch := func(item QueueItem) (string, error) {
		once.Do(func() {
			close(started)
			<-release
		})
		return "/thumbs/" + item.ID + ".jpg", nil
	}

	q := newQueue(fetch, rec.patch)
	q.Enqueue([]QueueItem{{ID: "old1"}, {ID: "old2"}, {ID: "old3"}})

	<-started
	q.Enqueue([]QueueItem{{ID: "new1"}, {ID: "new2"}})
	close(release)
	q.Wait()

	var ids []string
	for _, c := range rec.snapshot() {
		ids = append(ids, c.id)
	}
	assert.NotContains(t, ids, "old2", "replaced items must not be processed")
	assert.NotContains(t, ids, "old3", "replaced items must not be processed")
	assert.Contains(t, ids, "new1")
	assert.Contains(t, ids, "new2")
}

func TestQueueWaitOnIdleQueueReturns(t *testing.T) {
	q := newQueue(func(QueueItem) (string, error) { return "", nil }, func(string, string, bool) {})

	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait on an idle queue should return immediately")
	}
}

func TestQueueEnqueueEmptyIsNoop(t *testing.T) {
	q := newQueue(func(QueueItem) (string, error) { return "", nil }, func(string, string, bool) {})
	q.Enqueue(nil)
	assert.False(t, q.Draining())
	q.Wait()
}
