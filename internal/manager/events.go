package manager

import (
	"sync"

	"github.com/dmitrijs2005/medvoice/internal/models"
)

// Listener signatures for the manager's event kinds. Subscribers receive
// events synchronously from the processing goroutine; per-item ordering is
// preserved, no ordering is guaranteed across items.
type (
	// QueueListener fires on every persisted mutation with the full queue.
	QueueListener func(items []*models.QueuedRecording)

	// ProgressListener fires on every transfer progress tick.
	ProgressListener func(id string, percent int)

	// CompletedListener fires when an item is delivered and removed.
	CompletedListener func(id string, storagePath string)

	// FailedListener fires when a processing attempt fails.
	FailedListener func(id string, message string)
)

// eventBus is a small typed publish/subscribe registry. Each subscribe call
// returns a disposer that removes exactly that subscription.
type eventBus struct {
	mu        sync.Mutex
	nextID    int
	queue     map[int]QueueListener
	progress  map[int]ProgressListener
	completed map[int]CompletedListener
	failed    map[int]FailedListener
}

func newEventBus() *eventBus {
	return &eventBus{
		queue:     map[int]QueueListener{},
		progress:  map[int]ProgressListener{},
		completed: map[int]CompletedListener{},
		failed:    map[int]FailedListener{},
	}
}

func (b *eventBus) subscribeQueue(fn QueueListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.queue[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.queue, id)
	}
}

func (b *eventBus) subscribeProgress(fn ProgressListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.progress[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.progress, id)
	}
}

func (b *eventBus) subscribeCompleted(fn CompletedListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.completed[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.completed, id)
	}
}

func (b *eventBus) subscribeFailed(fn FailedListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.failed[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.failed, id)
	}
}

func (b *eventBus) emitQueue(items []*models.QueuedRecording) {
	for _, fn := range b.queueListeners() {
		fn(items)
	}
}

func (b *eventBus) emitProgress(id string, percent int) {
	b.mu.Lock()
	fns := make([]ProgressListener, 0, len(b.progress))
	for _, fn := range b.progress {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(id, percent)
	}
}

func (b *eventBus) emitCompleted(id, storagePath string) {
	b.mu.Lock()
	fns := make([]CompletedListener, 0, len(b.completed))
	for _, fn := range b.completed {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(id, storagePath)
	}
}

func (b *eventBus) emitFailed(id, message string) {
	b.mu.Lock()
	fns := make([]FailedListener, 0, len(b.failed))
	for _, fn := range b.failed {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(id, message)
	}
}

func (b *eventBus) queueListeners() []QueueListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	fns := make([]QueueListener, 0, len(b.queue))
	for _, fn := range b.queue {
		fns = append(fns, fn)
	}
	return fns
}
