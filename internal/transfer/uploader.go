// Package transfer uploads a single local recording to the remote object
// store using a chunked, resumable protocol. Two backends are provided: a
// TUS-style HTTP client and an S3 multipart client. Both tolerate network
// interruption mid-transfer and report a resume token as early as possible
// so the caller can persist it.
package transfer

import (
	"context"
	"time"

	"github.com/dmitrijs2005/medvoice/internal/models"
	"github.com/sethvargo/go-retry"
)

// ProgressFunc receives overall upload progress, 0-100, after each chunk.
type ProgressFunc func(percent int)

// TokenFunc receives the resume token whenever it is established or changes.
// Callers persist it so an interruption a few chunks in still allows
// resumption without re-uploading from byte zero.
type TokenFunc func(token string)

// Uploader transfers one queued recording to the remote object store and
// returns the storage path of the delivered object.
type Uploader interface {
	Upload(ctx context.Context, item *models.QueuedRecording, accessToken string, onProgress ProgressFunc, onToken TokenFunc) (string, error)
}

// chunkRetrySchedule is the fixed delay sequence applied to transient
// chunk-level failures before the error is surfaced to the caller.
var chunkRetrySchedule = []time.Duration{0, 1 * time.Second, 3 * time.Second, 5 * time.Second, 10 * time.Second}

// scheduleBackoff adapts a fixed delay slice to a retry.Backoff.
func scheduleBackoff(delays []time.Duration) retry.Backoff {
	i := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if i >= len(delays) {
			return 0, true
		}
		d := delays[i]
		i++
		return d, false
	})
}

func percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(done * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}
