// Package manager orchestrates the recording upload queue: admission,
// backoff scheduling, single-flight processing, conversation-thread status
// projection, and event fan-out to observers.
package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/medvoice/internal/auth"
	"github.com/dmitrijs2005/medvoice/internal/common"
	"github.com/dmitrijs2005/medvoice/internal/config"
	"github.com/dmitrijs2005/medvoice/internal/filex"
	"github.com/dmitrijs2005/medvoice/internal/logging"
	"github.com/dmitrijs2005/medvoice/internal/models"
	"github.com/dmitrijs2005/medvoice/internal/reachability"
	queuerepo "github.com/dmitrijs2005/medvoice/internal/repositories/queue"
	"github.com/dmitrijs2005/medvoice/internal/thread"
	"github.com/dmitrijs2005/medvoice/internal/transfer"
	"github.com/google/uuid"
)

// Manager owns the queue lifecycle. All dependencies are injected so tests
// can substitute fakes; nothing requires a single process-wide instance.
type Manager struct {
	repo     queuerepo.Repository
	uploader transfer.Uploader
	thread   thread.Client
	tokens   auth.TokenSource
	prober   reachability.Prober
	log      logging.Logger

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	// mu serializes every read-modify-write against the store; the store
	// itself is not designed for concurrent writers.
	mu sync.Mutex

	// processing guards ProcessQueue against overlapping invocations.
	processing atomic.Bool

	bus *eventBus
	now func() time.Time
}

func New(repo queuerepo.Repository, uploader transfer.Uploader, threadClient thread.Client,
	tokens auth.TokenSource, prober reachability.Prober, cfg *config.Config, log logging.Logger) *Manager {

	m := &Manager{
		repo:        repo,
		uploader:    uploader,
		thread:      threadClient,
		tokens:      tokens,
		prober:      prober,
		log:         log,
		baseDelay:   cfg.BaseRetryDelay,
		maxDelay:    cfg.MaxRetryDelay,
		maxAttempts: cfg.MaxUploadAttempts,
		bus:         newEventBus(),
		now:         time.Now,
	}

	// Every persisted mutation becomes a queue-contents-changed event.
	repo.SetChangeListener(func(items []*models.QueuedRecording) {
		m.bus.emitQueue(items)
	})

	return m
}

// SubscribeQueue registers a listener for queue-contents-changed events.
// The returned func unsubscribes it. Listeners run synchronously on the
// mutating goroutine and must not call back into the Manager; hand the
// payload off to another goroutine if further queue calls are needed.
func (m *Manager) SubscribeQueue(fn QueueListener) func() { return m.bus.subscribeQueue(fn) }

// SubscribeProgress registers a listener for per-item progress ticks.
func (m *Manager) SubscribeProgress(fn ProgressListener) func() { return m.bus.subscribeProgress(fn) }

// SubscribeCompleted registers a listener for item-completed events.
func (m *Manager) SubscribeCompleted(fn CompletedListener) func() {
	return m.bus.subscribeCompleted(fn)
}

// SubscribeFailed registers a listener for item-failed events.
func (m *Manager) SubscribeFailed(fn FailedListener) func() { return m.bus.subscribeFailed(fn) }

// Items returns a snapshot of the current queue.
func (m *Manager) Items(ctx context.Context) ([]*models.QueuedRecording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, err := m.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	return models.CloneAll(items), nil
}

// AddToQueue admits a finished capture for delivery. It assigns the id and
// remote target name, persists the item as queued, kicks off processing in
// the background, and returns the id immediately so the caller can track
// progress without waiting for the network.
func (m *Manager) AddToQueue(ctx context.Context, capture models.Capture, ownerID, conversationID string) (string, error) {

	if _, err := filex.Size(capture.FilePath); err != nil {
		return "", fmt.Errorf("recording file unusable: %w", err)
	}

	id := uuid.NewString()
	now := m.now()

	item := &models.QueuedRecording{
		ID:              id,
		FilePath:        capture.FilePath,
		TargetName:      targetName(ownerID, now, id),
		OwnerID:         ownerID,
		ConversationID:  conversationID,
		DurationSeconds: capture.DurationSeconds,
		Waveform:        capture.Waveform,
		CreatedAt:       now,
		State:           models.StateQueued,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.repo.Load(ctx)
	if err != nil {
		return "", err
	}
	items = append(items, item)
	if err := m.repo.Save(ctx, items); err != nil {
		return "", err
	}

	go func() { _ = m.ProcessQueue(context.WithoutCancel(ctx)) }()

	m.log.Info(ctx, "recording queued", "id", id, "target", item.TargetName)
	return id, nil
}

// targetName derives the remote object key from the owner and enqueue time.
// The uuid fragment keeps two recordings finished in the same millisecond
// apart.
func targetName(ownerID string, now time.Time, id string) string {
	return fmt.Sprintf("%s/%d-%s.m4a", ownerID, now.UnixMilli(), id[:8])
}

// RetryItem clears the error of a failed item, re-marks it queued and
// triggers processing. Calling it on an item in any other state is a no-op.
func (m *Manager) RetryItem(ctx context.Context, id string) error {
	m.mu.Lock()

	items, err := m.repo.Load(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	retried := false
	for _, it := range items {
		if it.ID == id && it.State == models.StateFailed {
			it.State = models.StateQueued
			it.LastError = ""
			retried = true
		}
	}

	if retried {
		if err := m.repo.Save(ctx, items); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()

	if retried {
		go func() { _ = m.ProcessQueue(context.WithoutCancel(ctx)) }()
	}
	return nil
}

// RemoveFromQueue drops an item unconditionally. An upload already in
// flight is not interrupted; its result is discarded when it finishes.
func (m *Manager) RemoveFromQueue(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.repo.Load(ctx)
	if err != nil {
		return err
	}

	kept := items[:0]
	for _, it := range items {
		if it.ID != id {
			kept = append(kept, it)
		}
	}
	if len(kept) == len(items) {
		return nil
	}
	return m.repo.Save(ctx, kept)
}

// ProcessQueue runs one processing pass: it checks connectivity, computes
// the eligible subset and processes each eligible item to completion before
// the next. Re-entrant-safe: a call arriving while a pass is underway is a
// no-op.
func (m *Manager) ProcessQueue(ctx context.Context) error {
	if !m.processing.CompareAndSwap(false, true) {
		m.log.Debug(ctx, "processing already underway, skipping")
		return nil
	}
	defer m.processing.Store(false)

	if m.prober != nil {
		if err := m.prober.Probe(ctx); err != nil {
			m.log.Debug(ctx, "offline, leaving queue untouched", "error", err)
			return nil
		}
	}

	m.mu.Lock()
	items, err := m.repo.Load(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	now := m.now()
	var eligible []string
	for _, it := range items {
		if m.isEligible(it, now) {
			eligible = append(eligible, it.ID)
		}
	}

	for _, id := range eligible {
		if ctx.Err() != nil {
			break
		}
		// One item's failure never halts the rest of the pass.
		m.processItem(ctx, id)
	}

	m.mu.Lock()
	if err := m.repo.SetLastProcessedAt(ctx, m.now()); err != nil {
		m.log.Warn(ctx, "failed to record last processed timestamp", "error", err)
	}
	m.mu.Unlock()

	return nil
}

// ProcessQueueIfPending runs a processing pass only when the queue holds at
// least one item. The reachability watcher uses it so that regaining
// connectivity with an empty queue does not spend a pass.
func (m *Manager) ProcessQueueIfPending(ctx context.Context) error {
	m.mu.Lock()
	items, err := m.repo.Load(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return m.ProcessQueue(ctx)
}

// isEligible reports whether an item may be attempted now. Queued items are
// always eligible: an explicit RetryItem re-queues an item precisely so the
// next pass picks it up, regardless of how many attempts it already burned.
// Failed items are retried automatically once their backoff window elapses,
// until the attempt ceiling; beyond it only RetryItem revives them.
func (m *Manager) isEligible(it *models.QueuedRecording, now time.Time) bool {
	switch it.State {
	case models.StateQueued:
		return true
	case models.StateFailed:
		if it.AttemptCount >= m.maxAttempts {
			return false
		}
		wait := backoffDelay(it.AttemptCount, m.baseDelay, m.maxDelay)
		return now.Sub(it.LastAttemptAt) >= wait
	default:
		return false
	}
}

// processItem drives one upload attempt to completion (success or failure).
func (m *Manager) processItem(ctx context.Context, id string) {

	item, ok := m.getItem(ctx, id)
	if !ok {
		return
	}

	if item.ConversationID == "" {
		// Recording is only supported while attached to a conversation;
		// routed through the regular failure path like any other error.
		m.markFailed(ctx, id, common.ErrorMissingConversation)
		return
	}

	if item.ThreadMessageID == "" {
		msgID, err := m.thread.CreateMessage(ctx, item.ConversationID, &models.ThreadMessage{
			ParticipantType: "practitioner",
			MessageType:     "user_input",
			Metadata: models.MessageMetadata{
				InputType:       "audio",
				RecordingID:     item.ID,
				DurationSeconds: item.DurationSeconds,
				Status:          models.MessageStatusUploading,
				Waveform:        item.Waveform,
			},
		})
		if err != nil {
			m.markFailed(ctx, id, fmt.Errorf("failed to create thread message: %w", err))
			return
		}
		item, ok = m.mutateItem(ctx, id, func(it *models.QueuedRecording) {
			it.ThreadMessageID = msgID
		})
		if !ok {
			return
		}
	}

	item, ok = m.mutateItem(ctx, id, func(it *models.QueuedRecording) {
		it.State = models.StateUploading
		it.LastError = ""
	})
	if !ok {
		return
	}

	token, err := m.tokens.AccessToken(ctx)
	if err != nil {
		m.markFailed(ctx, id, fmt.Errorf("%w: %v", common.ErrorNotAuthenticated, err))
		return
	}

	// Load downgrades uploading to queued (crash recovery), so in-flight
	// mutations must re-assert the uploading state before saving.
	onProgress := func(p int) {
		if _, ok := m.mutateItem(ctx, id, func(it *models.QueuedRecording) {
			it.State = models.StateUploading
			it.UploadProgress = p
		}); !ok {
			return
		}
		m.bus.emitProgress(id, p)

		// Best effort: a missed progress tick in the thread is harmless.
		patch := map[string]any{"status": models.MessageStatusUploading, "upload_progress": p}
		if err := m.thread.UpdateMessageMetadata(ctx, item.ThreadMessageID, patch); err != nil {
			m.log.Debug(ctx, "progress update to thread failed", "id", id, "error", err)
		}
	}

	onToken := func(tok string) {
		m.mutateItem(ctx, id, func(it *models.QueuedRecording) {
			it.State = models.StateUploading
			it.ResumeToken = tok
		})
	}

	storagePath, err := m.uploader.Upload(ctx, item, token, onProgress, onToken)
	if err != nil {
		m.markFailed(ctx, id, err)
		return
	}

	if _, ok := m.getItem(ctx, id); !ok {
		// Removed while the transfer was in flight; discard the result.
		m.log.Info(ctx, "item removed during upload, discarding result", "id", id)
		return
	}

	// The final status update is required: without it the conversation
	// would keep showing a stuck upload.
	patch := map[string]any{
		"status":          models.MessageStatusUploaded,
		"upload_progress": 100,
		"storage_path":    storagePath,
	}
	if err := m.thread.UpdateMessageMetadata(ctx, item.ThreadMessageID, patch); err != nil {
		m.markFailed(ctx, id, fmt.Errorf("failed to mark thread message uploaded: %w", err))
		return
	}

	if err := m.RemoveFromQueue(ctx, id); err != nil {
		m.log.Error(ctx, "failed to remove delivered item", "id", id, "error", err)
		return
	}

	m.log.Info(ctx, "recording delivered", "id", id, "path", storagePath)
	m.bus.emitCompleted(id, storagePath)
}

// markFailed transitions an item into the failed state, records the attempt
// and mirrors the failure into the conversation thread.
func (m *Manager) markFailed(ctx context.Context, id string, cause error) {

	item, ok := m.mutateItem(ctx, id, func(it *models.QueuedRecording) {
		it.State = models.StateFailed
		it.AttemptCount++
		it.LastAttemptAt = m.now()
		it.LastError = cause.Error()
	})
	if !ok {
		return
	}

	if item.ThreadMessageID != "" {
		patch := map[string]any{"status": models.MessageStatusFailed, "error": cause.Error()}
		if err := m.thread.UpdateMessageMetadata(ctx, item.ThreadMessageID, patch); err != nil {
			m.log.Warn(ctx, "failure update to thread failed", "id", id, "error", err)
		}
	}

	if item.AttemptCount >= m.maxAttempts {
		m.log.Warn(ctx, "upload attempt ceiling reached, awaiting manual retry",
			"id", id, "attempts", item.AttemptCount)
	}

	m.log.Error(ctx, "upload attempt failed", "id", id, "attempts", item.AttemptCount, "error", cause)
	m.bus.emitFailed(id, cause.Error())
}

// getItem returns a copy of the item, or ok=false if it left the queue.
func (m *Manager) getItem(ctx context.Context, id string) (*models.QueuedRecording, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.repo.Load(ctx)
	if err != nil {
		m.log.Error(ctx, "failed to load queue", "error", err)
		return nil, false
	}
	for _, it := range items {
		if it.ID == id {
			return it.Clone(), true
		}
	}
	return nil, false
}

// mutateItem applies fn to the stored item and persists the collection,
// returning a copy of the updated item. ok=false when the item is gone or
// the store failed.
func (m *Manager) mutateItem(ctx context.Context, id string, fn func(*models.QueuedRecording)) (*models.QueuedRecording, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.repo.Load(ctx)
	if err != nil {
		m.log.Error(ctx, "failed to load queue", "error", err)
		return nil, false
	}

	for _, it := range items {
		if it.ID == id {
			fn(it)
			if err := m.repo.Save(ctx, items); err != nil {
				m.log.Error(ctx, "failed to persist queue", "error", err)
				return nil, false
			}
			return it.Clone(), true
		}
	}
	return nil, false
}
