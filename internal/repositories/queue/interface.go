package queue

import (
	"context"
	"time"

	"github.com/dmitrijs2005/medvoice/internal/models"
)

// ChangeListener is invoked with the new collection after every successful
// Save.
type ChangeListener func(items []*models.QueuedRecording)

// Repository describes durable storage for the upload queue.
// Implementations are typically backed by a local SQLite database.
type Repository interface {
	// Load returns the persisted queue, or an empty slice if none exists.
	// Items found in the uploading state are downgraded to queued before
	// being returned; their resume tokens are preserved. Corrupt payloads
	// are treated as an empty queue, never as an error.
	Load(ctx context.Context) ([]*models.QueuedRecording, error)

	// Save atomically overwrites the persisted collection and notifies the
	// registered change listener.
	Save(ctx context.Context, items []*models.QueuedRecording) error

	// SetChangeListener registers the listener notified on every Save.
	// Passing nil removes it.
	SetChangeListener(fn ChangeListener)

	// SetLastProcessedAt records when a processing pass last ran.
	// Informational only.
	SetLastProcessedAt(ctx context.Context, t time.Time) error

	// LastProcessedAt returns the recorded timestamp, or the zero time if
	// none was ever written.
	LastProcessedAt(ctx context.Context) (time.Time, error)
}
