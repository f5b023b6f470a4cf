package manager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/medvoice/internal/auth"
	"github.com/dmitrijs2005/medvoice/internal/common"
	"github.com/dmitrijs2005/medvoice/internal/config"
	"github.com/dmitrijs2005/medvoice/internal/logging"
	"github.com/dmitrijs2005/medvoice/internal/models"
	queuerepo "github.com/dmitrijs2005/medvoice/internal/repositories/queue"
	"github.com/dmitrijs2005/medvoice/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

type fakeUploader struct {
	mu       sync.Mutex
	calls    int
	got      []*models.QueuedRecording
	err      error
	failFirst int
	progress []int
	token    string
	block    chan struct{}
}

func (f *fakeUploader) Upload(ctx context.Context, item *models.QueuedRecording, accessToken string,
	onProgress transfer.ProgressFunc, onToken transfer.TokenFunc) (string, error) {

	f.mu.Lock()
	f.calls++
	call := f.calls
	f.got = append(f.got, item.Clone())
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	if f.token != "" && onToken != nil {
		onToken(f.token)
	}
	for _, p := range f.progress {
		if onProgress != nil {
			onProgress(p)
		}
	}

	if f.err != nil && (f.failFirst == 0 || call <= f.failFirst) {
		return "", f.err
	}
	return "recordings/" + item.TargetName, nil
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeThread struct {
	mu        sync.Mutex
	nextID    int
	created   map[string]*models.ThreadMessage
	patches   map[string][]map[string]any
	createErr error
	failFinal bool
}

func newFakeThread() *fakeThread {
	return &fakeThread{created: map[string]*models.ThreadMessage{}, patches: map[string][]map[string]any{}}
}

func (f *fakeThread) CreateMessage(ctx context.Context, conversationID string, msg *models.ThreadMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("m-%d", f.nextID)
	f.created[id] = msg
	return id, nil
}

func (f *fakeThread) UpdateMessageMetadata(ctx context.Context, messageID string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFinal && patch["status"] == models.MessageStatusUploaded {
		return errors.New("thread service unavailable")
	}
	f.patches[messageID] = append(f.patches[messageID], patch)
	return nil
}

func (f *fakeThread) lastPatch(t *testing.T, messageID string) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.patches[messageID]
	require.NotEmpty(t, ps)
	return ps[len(ps)-1]
}

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (f *fakeProber) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeProber) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func setupRepo(t *testing.T) queuerepo.Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE app_state (key TEXT PRIMARY KEY, value BLOB NOT NULL);`)
	require.NoError(t, err)

	return queuerepo.NewSQLiteRepository(db, logging.NewNopLogger())
}

type testEnv struct {
	m        *Manager
	repo     queuerepo.Repository
	uploader *fakeUploader
	thread   *fakeThread
	prober   *fakeProber
}

func newTestEnv(t *testing.T, tweak func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.LoadDefaults()
	if tweak != nil {
		tweak(cfg)
	}

	env := &testEnv{
		repo:     setupRepo(t),
		uploader: &fakeUploader{},
		thread:   newFakeThread(),
		prober:   &fakeProber{},
	}
	env.m = New(env.repo, env.uploader, env.thread, &auth.StaticTokenSource{Token: "tok"},
		env.prober, cfg, logging.NewNopLogger())
	return env
}

func recordingFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rec.m4a")
	require.NoError(t, os.WriteFile(p, []byte("audio-bytes"), 0o600))
	return p
}

func seedItem(t *testing.T, env *testEnv, it *models.QueuedRecording) {
	t.Helper()
	ctx := context.Background()
	items, err := env.repo.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, env.repo.Save(ctx, append(items, it)))
}

func loadItem(t *testing.T, env *testEnv, id string) (*models.QueuedRecording, bool) {
	t.Helper()
	items, err := env.repo.Load(context.Background())
	require.NoError(t, err)
	for _, it := range items {
		if it.ID == id {
			return it, true
		}
	}
	return nil, false
}

func TestAddToQueue_OfflineLeavesItemQueued(t *testing.T) {
	env := newTestEnv(t, nil)
	env.prober.set(errors.New("airplane mode"))
	ctx := context.Background()

	id, err := env.m.AddToQueue(ctx, models.Capture{FilePath: recordingFile(t), DurationSeconds: 600}, "u1", "c1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Give the background pass time to observe offline and bail.
	time.Sleep(50 * time.Millisecond)

	it, ok := loadItem(t, env, id)
	require.True(t, ok)
	assert.Equal(t, models.StateQueued, it.State)
	assert.Equal(t, 0, it.AttemptCount)
	assert.Equal(t, 0, env.uploader.callCount())

	// Reachability restored: a processing pass delivers the item.
	env.prober.set(nil)
	require.Eventually(t, func() bool {
		require.NoError(t, env.m.ProcessQueue(ctx))
		_, ok := loadItem(t, env, id)
		return !ok
	}, time.Second, 10*time.Millisecond, "delivered item must leave the store")
	assert.Equal(t, 1, env.uploader.callCount())
}

func TestAddToQueue_RejectsMissingFile(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.m.AddToQueue(context.Background(), models.Capture{FilePath: "/nope/rec.m4a"}, "u1", "c1")
	require.Error(t, err)
}

func TestAddToQueue_AssignsTargetName(t *testing.T) {
	env := newTestEnv(t, nil)
	env.prober.set(errors.New("offline"))

	id, err := env.m.AddToQueue(context.Background(), models.Capture{FilePath: recordingFile(t)}, "u1", "c1")
	require.NoError(t, err)

	it, ok := loadItem(t, env, id)
	require.True(t, ok)
	assert.Regexp(t, `^u1/\d+-[0-9a-f]{8}\.m4a$`, it.TargetName)
}

func TestProcessQueue_SuccessFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.uploader.progress = []int{25, 50, 100}
	ctx := context.Background()

	seedItem(t, env, &models.QueuedRecording{
		ID: "r1", FilePath: recordingFile(t), TargetName: "u1/1-aaaa.m4a",
		OwnerID: "u1", ConversationID: "c1", DurationSeconds: 600,
		State: models.StateQueued, CreatedAt: time.Now(),
	})

	var progress []int
	var completedID, completedPath string
	env.m.SubscribeProgress(func(id string, p int) { progress = append(progress, p) })
	env.m.SubscribeCompleted(func(id, path string) { completedID, completedPath = id, path })

	require.NoError(t, env.m.ProcessQueue(ctx))

	// Placeholder message created with audio metadata.
	require.Len(t, env.thread.created, 1)
	msg := env.thread.created["m-1"]
	require.NotNil(t, msg)
	assert.Equal(t, "practitioner", msg.ParticipantType)
	assert.Equal(t, "user_input", msg.MessageType)
	assert.Equal(t, "audio", msg.Metadata.InputType)
	assert.Equal(t, "r1", msg.Metadata.RecordingID)
	assert.Equal(t, models.MessageStatusUploading, msg.Metadata.Status)

	// Final patch marks the message uploaded with the storage path.
	last := env.thread.lastPatch(t, "m-1")
	assert.Equal(t, models.MessageStatusUploaded, last["status"])
	assert.Equal(t, 100, last["upload_progress"])
	assert.Equal(t, "recordings/u1/1-aaaa.m4a", last["storage_path"])

	// Item removed, events delivered in order.
	_, ok := loadItem(t, env, "r1")
	assert.False(t, ok)
	assert.Equal(t, []int{25, 50, 100}, progress)
	assert.Equal(t, "r1", completedID)
	assert.Equal(t, "recordings/u1/1-aaaa.m4a", completedPath)
}

func TestProcessQueue_FailureMarksFailed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.uploader.err = errors.New("connection reset")
	ctx := context.Background()

	seedItem(t, env, &models.QueuedRecording{
		ID: "r1", FilePath: recordingFile(t), TargetName: "u1/1-aaaa.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateQueued,
	})

	var failedID, failedMsg string
	env.m.SubscribeFailed(func(id, msg string) { failedID, failedMsg = id, msg })

	require.NoError(t, env.m.ProcessQueue(ctx))

	it, ok := loadItem(t, env, "r1")
	require.True(t, ok, "failed item stays in the queue")
	assert.Equal(t, models.StateFailed, it.State)
	assert.Equal(t, 1, it.AttemptCount)
	assert.Equal(t, "connection reset", it.LastError)
	assert.False(t, it.LastAttemptAt.IsZero())

	assert.Equal(t, "r1", failedID)
	assert.Equal(t, "connection reset", failedMsg)

	last := env.thread.lastPatch(t, "m-1")
	assert.Equal(t, models.MessageStatusFailed, last["status"])
	assert.Equal(t, "connection reset", last["error"])
}

func TestProcessQueue_SingleFlight(t *testing.T) {
	env := newTestEnv(t, nil)
	env.uploader.block = make(chan struct{})
	ctx := context.Background()

	seedItem(t, env, &models.QueuedRecording{
		ID: "r1", FilePath: recordingFile(t), TargetName: "u1/1-aaaa.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateQueued,
	})

	done := make(chan struct{})
	go func() {
		_ = env.m.ProcessQueue(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return env.uploader.callCount() == 1 },
		time.Second, time.Millisecond)

	// Second invocation while the first is underway is a no-op.
	require.NoError(t, env.m.ProcessQueue(ctx))
	assert.Equal(t, 1, env.uploader.callCount())

	close(env.uploader.block)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("first pass did not finish")
	}
}

func TestProcessQueue_SkipsItemsInBackoff(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	now := time.Now()
	env.m.now = func() time.Time { return now }

	// A failed 3 times just now: backoff 4s, ineligible.
	seedItem(t, env, &models.QueuedRecording{
		ID: "a", FilePath: recordingFile(t), TargetName: "u1/1-a.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateFailed,
		AttemptCount: 3, LastAttemptAt: now,
	})
	// B eligible.
	seedItem(t, env, &models.QueuedRecording{
		ID: "b", FilePath: recordingFile(t), TargetName: "u1/2-b.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateQueued,
	})

	require.NoError(t, env.m.ProcessQueue(ctx))

	a, ok := loadItem(t, env, "a")
	require.True(t, ok)
	assert.Equal(t, models.StateFailed, a.State)
	assert.Equal(t, 3, a.AttemptCount, "item in backoff must stay untouched")

	_, ok = loadItem(t, env, "b")
	assert.False(t, ok, "eligible item must be delivered")
	assert.Equal(t, 1, env.uploader.callCount())
}

func TestProcessQueue_RetriesFailedItemAfterBackoff(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	now := time.Now()
	env.m.now = func() time.Time { return now }

	seedItem(t, env, &models.QueuedRecording{
		ID: "a", FilePath: recordingFile(t), TargetName: "u1/1-a.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateFailed,
		AttemptCount: 3, LastAttemptAt: now.Add(-5 * time.Second),
	})

	require.NoError(t, env.m.ProcessQueue(ctx))

	_, ok := loadItem(t, env, "a")
	assert.False(t, ok, "backoff of 4s elapsed, item must be retried and delivered")
}

func TestProcessQueue_AttemptCeilingRequiresManualRetry(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.MaxUploadAttempts = 2 })
	ctx := context.Background()

	seedItem(t, env, &models.QueuedRecording{
		ID: "a", FilePath: recordingFile(t), TargetName: "u1/1-a.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateFailed,
		AttemptCount: 2, LastAttemptAt: time.Now().Add(-time.Hour),
	})

	require.NoError(t, env.m.ProcessQueue(ctx))
	assert.Equal(t, 0, env.uploader.callCount(), "past the ceiling the scheduler must skip it")

	// Explicit retry still revives the item.
	require.NoError(t, env.m.RetryItem(ctx, "a"))
	require.Eventually(t, func() bool {
		_, ok := loadItem(t, env, "a")
		return !ok
	}, time.Second, 5*time.Millisecond, "manual retry must deliver the item")
}

func TestProcessQueue_QueuedItemIgnoresBackoffAndCeiling(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.MaxUploadAttempts = 2 })
	ctx := context.Background()

	now := time.Now()
	env.m.now = func() time.Time { return now }

	// Re-queued by an explicit retry after exhausting the ceiling, with the
	// last attempt moments ago: still eligible immediately.
	seedItem(t, env, &models.QueuedRecording{
		ID: "a", FilePath: recordingFile(t), TargetName: "u1/1-a.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateQueued,
		AttemptCount: 5, LastAttemptAt: now,
	})

	require.NoError(t, env.m.ProcessQueue(ctx))

	_, ok := loadItem(t, env, "a")
	assert.False(t, ok, "queued item must be processed regardless of attempt history")
	assert.Equal(t, 1, env.uploader.callCount())
}

func TestProcessQueueIfPending(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Empty queue: no pass runs, so no last-processed timestamp is written.
	require.NoError(t, env.m.ProcessQueueIfPending(ctx))
	at, err := env.repo.LastProcessedAt(ctx)
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	seedItem(t, env, &models.QueuedRecording{
		ID: "r1", FilePath: recordingFile(t), TargetName: "u1/1-a.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateQueued,
	})

	require.NoError(t, env.m.ProcessQueueIfPending(ctx))

	_, ok := loadItem(t, env, "r1")
	assert.False(t, ok)
	at, err = env.repo.LastProcessedAt(ctx)
	require.NoError(t, err)
	assert.False(t, at.IsZero())
}

func TestProcessQueue_MissingConversation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	seedItem(t, env, &models.QueuedRecording{
		ID: "r1", FilePath: recordingFile(t), TargetName: "u1/1-a.m4a",
		OwnerID: "u1", State: models.StateQueued,
	})

	require.NoError(t, env.m.ProcessQueue(ctx))

	it, ok := loadItem(t, env, "r1")
	require.True(t, ok)
	assert.Equal(t, models.StateFailed, it.State)
	assert.Equal(t, 1, it.AttemptCount)
	assert.Equal(t, common.ErrorMissingConversation.Error(), it.LastError)
	assert.Empty(t, env.thread.created, "no placeholder without a conversation")
	assert.Equal(t, 0, env.uploader.callCount())
}

func TestProcessQueue_NotAuthenticated(t *testing.T) {
	env := newTestEnv(t, nil)
	env.m.tokens = &auth.StaticTokenSource{}
	ctx := context.Background()

	seedItem(t, env, &models.QueuedRecording{
		ID: "r1", FilePath: recordingFile(t), TargetName: "u1/1-a.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateQueued,
	})

	require.NoError(t, env.m.ProcessQueue(ctx))

	it, ok := loadItem(t, env, "r1")
	require.True(t, ok)
	assert.Equal(t, models.StateFailed, it.State)
	assert.Contains(t, it.LastError, "not authenticated")
	assert.Equal(t, 0, env.uploader.callCount())

	// The placeholder exists and reflects the failure.
	last := env.thread.lastPatch(t, "m-1")
	assert.Equal(t, models.MessageStatusFailed, last["status"])
}

func TestProcessQueue_ThreadCreateFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.thread.createErr = errors.New("conversation service down")
	ctx := context.Background()

	seedItem(t, env, &models.QueuedRecording{
		ID: "r1", FilePath: recordingFile(t), TargetName: "u1/1-a.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateQueued,
	})

	require.NoError(t, env.m.ProcessQueue(ctx))

	it, ok := loadItem(t, env, "r1")
	require.True(t, ok)
	assert.Equal(t, models.StateFailed, it.State)
	assert.Contains(t, it.LastError, "conversation service down")
	assert.Equal(t, 0, env.uploader.callCount())
}

func TestProcessQueue_FinalThreadUpdateFailureKeepsItem(t *testing.T) {
	env := newTestEnv(t, nil)
	env.thread.failFinal = true
	ctx := context.Background()

	seedItem(t, env, &models.QueuedRecording{
		ID: "r1", FilePath: recordingFile(t), TargetName: "u1/1-a.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateQueued,
	})

	require.NoError(t, env.m.ProcessQueue(ctx))

	it, ok := loadItem(t, env, "r1")
	require.True(t, ok, "item must stay queued for retry when the final update fails")
	assert.Equal(t, models.StateFailed, it.State)
	assert.Equal(t, 1, it.AttemptCount)
}

func TestProcessQueue_PersistsResumeTokenOnFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.uploader.token = "https://store/sessions/up-1"
	env.uploader.err = errors.New("dropped mid-chunk")
	env.uploader.failFirst = 1
	ctx := context.Background()

	seedItem(t, env, &models.QueuedRecording{
		ID: "r1", FilePath: recordingFile(t), TargetName: "u1/1-a.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateQueued,
	})

	require.NoError(t, env.m.ProcessQueue(ctx))

	it, ok := loadItem(t, env, "r1")
	require.True(t, ok)
	assert.Equal(t, models.StateFailed, it.State)
	assert.Equal(t, "https://store/sessions/up-1", it.ResumeToken, "token must survive the failed attempt")

	// The next attempt receives the stored token.
	env.m.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, env.m.ProcessQueue(ctx))

	require.Len(t, env.uploader.got, 2)
	assert.Equal(t, "https://store/sessions/up-1", env.uploader.got[1].ResumeToken)
	_, ok = loadItem(t, env, "r1")
	assert.False(t, ok, "second attempt succeeds")
}

func TestRetryItem_OnQueuedItemIsNoOp(t *testing.T) {
	env := newTestEnv(t, nil)
	env.prober.set(errors.New("offline"))
	ctx := context.Background()

	seedItem(t, env, &models.QueuedRecording{
		ID: "r1", FilePath: recordingFile(t), TargetName: "u1/1-a.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateQueued, AttemptCount: 0,
	})

	require.NoError(t, env.m.RetryItem(ctx, "r1"))

	it, ok := loadItem(t, env, "r1")
	require.True(t, ok)
	assert.Equal(t, models.StateQueued, it.State)
	assert.Equal(t, 0, it.AttemptCount)
}

func TestRetryItem_ClearsErrorAndRequeues(t *testing.T) {
	env := newTestEnv(t, nil)
	env.prober.set(errors.New("offline"))
	ctx := context.Background()

	seedItem(t, env, &models.QueuedRecording{
		ID: "r1", FilePath: recordingFile(t), TargetName: "u1/1-a.m4a",
		OwnerID: "u1", ConversationID: "c1", State: models.StateFailed,
		AttemptCount: 4, LastError: "connection reset",
	})

	require.NoError(t, env.m.RetryItem(ctx, "r1"))

	it, ok := loadItem(t, env, "r1")
	require.True(t, ok)
	assert.Equal(t, models.StateQueued, it.State)
	assert.Empty(t, it.LastError)
	assert.Equal(t, 4, it.AttemptCount, "attempt count is never reset")
}

func TestRemoveFromQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	seedItem(t, env, &models.QueuedRecording{ID: "r1", State: models.StateQueued})
	seedItem(t, env, &models.QueuedRecording{ID: "r2", State: models.StateFailed})

	require.NoError(t, env.m.RemoveFromQueue(ctx, "r1"))

	_, ok := loadItem(t, env, "r1")
	assert.False(t, ok)
	_, ok = loadItem(t, env, "r2")
	assert.True(t, ok)

	// Removing an unknown id is a no-op.
	require.NoError(t, env.m.RemoveFromQueue(ctx, "ghost"))
}

func TestQueueChangedEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	env.prober.set(errors.New("offline"))
	ctx := context.Background()

	var snapshots [][]*models.QueuedRecording
	unsubscribe := env.m.SubscribeQueue(func(items []*models.QueuedRecording) {
		snapshots = append(snapshots, items)
	})

	_, err := env.m.AddToQueue(ctx, models.Capture{FilePath: recordingFile(t)}, "u1", "c1")
	require.NoError(t, err)
	require.NotEmpty(t, snapshots)
	assert.Len(t, snapshots[len(snapshots)-1], 1)

	unsubscribe()
	before := len(snapshots)
	_, err = env.m.AddToQueue(ctx, models.Capture{FilePath: recordingFile(t)}, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, before, len(snapshots), "unsubscribed listener must not fire")
}

func TestItems_ReturnsSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	seedItem(t, env, &models.QueuedRecording{ID: "r1", State: models.StateQueued})

	items, err := env.m.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	items[0].State = models.StateFailed
	again, err := env.m.Items(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, again[0].State)
}
