// Package common defines shared constants and sentinel errors used across
// the upload-queue layers. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Queue admission / processing errors.
	ErrorMissingConversation = errors.New("recording has no conversation attached")
	ErrorQueueItemNotFound   = errors.New("queue item not found")

	// Auth errors.
	ErrorNotAuthenticated = errors.New("not authenticated")
	ErrTokenExpired       = errors.New("token expired")

	// Transfer errors.
	ErrorUploadRejected = errors.New("upload rejected by server")
	ErrorSessionExpired = errors.New("upload session expired")
)
