// Package common contains shared constants and sentinel errors used across
// the upload-queue components.
package common

// QueueStorageKey is the fixed key under which the serialized upload queue
// is persisted in the local key-value store.
const QueueStorageKey = "upload_queue"

// LastProcessedKey tracks the timestamp of the most recent processing pass.
// Informational only; it is never read back into scheduling logic.
const LastProcessedKey = "upload_queue_last_processed_at"
