package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/medvoice/internal/common"
	"github.com/dmitrijs2005/medvoice/internal/logging"
	"github.com/dmitrijs2005/medvoice/internal/models"
	"github.com/sethvargo/go-retry"
)

const (
	tusVersion          = "1.0.0"
	defaultContentType  = "audio/mp4"
	defaultCacheControl = "3600"
)

// offsetConflictError reports that the server's byte offset diverged from
// the client's, carrying the authoritative value to resync with.
type offsetConflictError struct {
	server int64
}

func (e *offsetConflictError) Error() string {
	return fmt.Sprintf("offset conflict, server at %d", e.server)
}

// TUSUploader speaks the TUS-style resumable protocol of the hosted object
// store: POST creates an upload session, HEAD reports the current byte
// offset, PATCH appends successive byte ranges. The session URL doubles as
// the resume token.
type TUSUploader struct {
	endpoint     string
	bucket       string
	chunkSize    int64
	contentType  string
	cacheControl string
	httpClient   *http.Client
	log          logging.Logger
}

func NewTUSUploader(endpoint, bucket string, chunkSize int64, log logging.Logger) *TUSUploader {
	return &TUSUploader{
		endpoint:     endpoint,
		bucket:       bucket,
		chunkSize:    chunkSize,
		contentType:  defaultContentType,
		cacheControl: defaultCacheControl,
		httpClient:   &http.Client{},
		log:          log,
	}
}

func (t *TUSUploader) Upload(ctx context.Context, item *models.QueuedRecording, accessToken string, onProgress ProgressFunc, onToken TokenFunc) (string, error) {

	f, err := os.Open(item.FilePath)
	if err != nil {
		return "", fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat recording: %w", err)
	}
	size := fi.Size()

	session := item.ResumeToken
	var offset int64

	if session != "" {
		offset, err = t.currentOffset(ctx, session, accessToken)
		if err != nil {
			if !errors.Is(err, common.ErrorSessionExpired) {
				return "", err
			}
			t.log.Warn(ctx, "resume session gone, restarting upload", "id", item.ID)
			session = ""
		}
	}

	if session == "" {
		session, err = t.createSession(ctx, accessToken, item.TargetName, size)
		if err != nil {
			return "", err
		}
		offset = 0
		if onToken != nil {
			onToken(session)
		}
	}

	recreated := false
	for offset < size {
		err := retry.Do(ctx, scheduleBackoff(chunkRetrySchedule), func(ctx context.Context) error {
			n := t.chunkSize
			if remaining := size - offset; remaining < n {
				n = remaining
			}
			next, patchErr := t.patchChunk(ctx, session, accessToken, f, offset, n)
			if patchErr != nil {
				if errors.Is(patchErr, common.ErrorUploadRejected) || errors.Is(patchErr, common.ErrorSessionExpired) {
					return patchErr
				}
				var oc *offsetConflictError
				if errors.As(patchErr, &oc) {
					// Resync with the server and re-send from there.
					offset = oc.server
				}
				return retry.RetryableError(patchErr)
			}
			offset = next
			return nil
		})

		if errors.Is(err, common.ErrorSessionExpired) && !recreated {
			// The server expired the session mid-transfer. Start over once.
			recreated = true
			session, err = t.createSession(ctx, accessToken, item.TargetName, size)
			if err != nil {
				return "", err
			}
			offset = 0
			if onToken != nil {
				onToken(session)
			}
			continue
		}
		if err != nil {
			return "", err
		}

		if onProgress != nil {
			onProgress(percent(offset, size))
		}
	}

	if size == 0 && onProgress != nil {
		onProgress(100)
	}

	return t.bucket + "/" + item.TargetName, nil
}

// createSession opens a new resumable session for the target object and
// returns its URL.
func (t *TUSUploader) createSession(ctx context.Context, accessToken, targetName string, size int64) (string, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, nil)
	if err != nil {
		return "", err
	}
	t.setCommonHeaders(req, accessToken)
	req.Header.Set("Upload-Length", strconv.FormatInt(size, 10))
	req.Header.Set("Upload-Metadata", t.uploadMetadata(targetName))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to create upload session: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("create session: status %d: %w", resp.StatusCode, common.ErrorUploadRejected)
	default:
		return "", fmt.Errorf("create session: unexpected status %d", resp.StatusCode)
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", errors.New("create session: no location header")
	}
	return t.resolveLocation(loc)
}

// currentOffset asks the server how many bytes of the session it already has.
func (t *TUSUploader) currentOffset(ctx context.Context, session, accessToken string) (int64, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, session, nil)
	if err != nil {
		return 0, err
	}
	t.setCommonHeaders(req, accessToken)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to query upload offset: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
	case http.StatusNotFound, http.StatusGone:
		return 0, common.ErrorSessionExpired
	case http.StatusUnauthorized, http.StatusForbidden:
		return 0, fmt.Errorf("query offset: status %d: %w", resp.StatusCode, common.ErrorUploadRejected)
	default:
		return 0, fmt.Errorf("query offset: unexpected status %d", resp.StatusCode)
	}

	offset, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("query offset: bad Upload-Offset header: %w", err)
	}
	return offset, nil
}

// patchChunk appends one chunk starting at offset and returns the new offset
// reported by the server.
func (t *TUSUploader) patchChunk(ctx context.Context, session, accessToken string, f *os.File, offset, n int64) (int64, error) {

	body := io.NewSectionReader(f, offset, n)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, session, body)
	if err != nil {
		return 0, err
	}
	t.setCommonHeaders(req, accessToken)
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.ContentLength = n

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send chunk at %d: %w", offset, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return 0, common.ErrorSessionExpired
	case http.StatusUnauthorized, http.StatusForbidden:
		return 0, fmt.Errorf("send chunk: status %d: %w", resp.StatusCode, common.ErrorUploadRejected)
	case http.StatusConflict:
		// Offset mismatch: ask the server where it is and let the retry
		// schedule re-send from there.
		real, offErr := t.currentOffset(ctx, session, accessToken)
		if offErr != nil {
			return 0, offErr
		}
		return 0, &offsetConflictError{server: real}
	default:
		return 0, fmt.Errorf("send chunk: unexpected status %d", resp.StatusCode)
	}

	next, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		// Server omitted the header; assume the whole chunk landed.
		return offset + n, nil
	}
	return next, nil
}

func (t *TUSUploader) setCommonHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Authorization", "Bearer "+accessToken)
}

// uploadMetadata encodes the object placement headers the store expects:
// bucket name, object name, content type and cache policy, base64-encoded
// per the TUS metadata format.
func (t *TUSUploader) uploadMetadata(targetName string) string {
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	pairs := []string{
		"bucketName " + enc(t.bucket),
		"objectName " + enc(targetName),
		"contentType " + enc(t.contentType),
		"cacheControl " + enc(t.cacheControl),
	}
	return strings.Join(pairs, ",")
}

func (t *TUSUploader) resolveLocation(loc string) (string, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("create session: bad location %q: %w", loc, err)
	}
	if u.IsAbs() {
		return loc, nil
	}
	base, err := url.Parse(t.endpoint)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}
