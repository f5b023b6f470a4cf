// Package models defines the data types of the recording upload queue.
package models

import "time"

// UploadState is the persisted lifecycle state of a queued recording.
// Successful delivery is not a state: a delivered item is removed from the
// store entirely.
type UploadState string

const (
	// StateQueued marks an item eligible for processing once the network is
	// available and its backoff window has elapsed.
	StateQueued UploadState = "queued"

	// StateUploading marks an item whose transfer is currently in flight.
	// Never survives a restart: the store downgrades it to StateQueued on load.
	StateUploading UploadState = "uploading"

	// StateFailed marks an item whose last attempt ended in an error. It
	// stays in the queue awaiting automatic or user-initiated retry.
	StateFailed UploadState = "failed"
)

// Capture represents a finished local audio recording, independent of
// queueing: a file on disk plus its duration and optional precomputed
// waveform for UI display.
type Capture struct {
	FilePath        string
	DurationSeconds int
	Waveform        []float32
}

// QueuedRecording is one audio artifact awaiting durable delivery to the
// remote object store.
type QueuedRecording struct {
	// ID is a locally generated identifier, immutable for the item's lifetime.
	ID string `json:"id"`

	// FilePath points at the local audio file.
	FilePath string `json:"file_path"`

	// TargetName is the remote object key the file will occupy once uploaded.
	// Assigned once at enqueue time, derived from owner and timestamp.
	TargetName string `json:"target_name"`

	OwnerID        string `json:"owner_id"`
	ConversationID string `json:"conversation_id"`

	// ThreadMessageID identifies the placeholder message in the conversation
	// thread mirroring this upload. Empty until first created.
	ThreadMessageID string `json:"thread_message_id,omitempty"`

	DurationSeconds int       `json:"duration_seconds"`
	Waveform        []float32 `json:"waveform,omitempty"`
	CreatedAt       time.Time `json:"created_at"`

	// AttemptCount only ever increases; it is reset by nothing short of
	// removing the item.
	AttemptCount  int       `json:"attempt_count"`
	LastAttemptAt time.Time `json:"last_attempt_at"`

	// ResumeToken lets the transfer client continue a partially completed
	// upload instead of restarting from byte zero.
	ResumeToken string `json:"resume_token,omitempty"`

	// UploadProgress is the last reported progress, 0-100.
	UploadProgress int `json:"upload_progress"`

	State     UploadState `json:"state"`
	LastError string      `json:"last_error,omitempty"`
}

// Clone returns a deep copy so callers can hand items to observers without
// sharing mutable state.
func (q *QueuedRecording) Clone() *QueuedRecording {
	c := *q
	if q.Waveform != nil {
		c.Waveform = append([]float32(nil), q.Waveform...)
	}
	return &c
}

// CloneAll deep-copies a queue snapshot.
func CloneAll(items []*QueuedRecording) []*QueuedRecording {
	out := make([]*QueuedRecording, 0, len(items))
	for _, it := range items {
		out = append(out, it.Clone())
	}
	return out
}
