package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/medvoice/internal/logging"
	"github.com/dmitrijs2005/medvoice/internal/models"
	"github.com/sethvargo/go-retry"
)

// s3MinPartSize is the smallest part S3 accepts for any part but the last.
const s3MinPartSize = 5 * 1024 * 1024

// s3api is the subset of the S3 client used by S3Uploader, extracted so
// tests can substitute a fake.
type s3api interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
}

// s3ResumeState is the uploader's resume token: the multipart upload ID plus
// the parts already delivered. Serialized to JSON so the queue can persist it
// opaquely.
type s3ResumeState struct {
	UploadID string   `json:"upload_id"`
	Parts    []s3Part `json:"parts"`
}

type s3Part struct {
	Number int32  `json:"number"`
	ETag   string `json:"etag"`
}

// S3Uploader is the multipart-upload backend for S3-compatible stores
// (MinIO in development). The multipart upload ID plus completed part list
// acts as the resume token.
type S3Uploader struct {
	client      s3api
	bucket      string
	partSize    int64
	contentType string
	log         logging.Logger
}

// NewS3Client builds an S3 client for a custom endpoint with static
// credentials (e.g., MinIO root user/password).
func NewS3Client(ctx context.Context, region, endpoint, user, password string) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			user,
			password,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return client, nil
}

func NewS3Uploader(client s3api, bucket string, partSize int64, log logging.Logger) *S3Uploader {
	if partSize < s3MinPartSize {
		partSize = s3MinPartSize
	}
	return &S3Uploader{
		client:      client,
		bucket:      bucket,
		partSize:    partSize,
		contentType: defaultContentType,
		log:         log,
	}
}

func (u *S3Uploader) Upload(ctx context.Context, item *models.QueuedRecording, accessToken string, onProgress ProgressFunc, onToken TokenFunc) (string, error) {

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

	state := u.parseToken(ctx, item.ResumeToken)

	if state.UploadID == "" {
		out, err := u.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(item.TargetName),
			ContentType: aws.String(u.contentType),
		})
		if err != nil {
			return "", fmt.Errorf("failed to create multipart upload: %w", err)
		}
		state = s3ResumeState{UploadID: aws.ToString(out.UploadId)}
		u.reportToken(state, onToken)
	}

	// Completed parts are always full-sized: the final (short) part finishes
	// the upload, so a resumed item can derive its offset from the count.
	offset := int64(len(state.Parts)) * u.partSize

	for offset < size {
		n := u.partSize
		if remaining := size - offset; remaining < n {
			n = remaining
		}

		partNumber := int32(len(state.Parts) + 1)

		var etag string
		err := retry.Do(ctx, scheduleBackoff(chunkRetrySchedule), func(ctx context.Context) error {
			out, upErr := u.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        aws.String(u.bucket),
				Key:           aws.String(item.TargetName),
				UploadId:      aws.String(state.UploadID),
				PartNumber:    aws.Int32(partNumber),
				Body:          io.NewSectionReader(f, offset, n),
				ContentLength: aws.Int64(n),
			})
			if upErr != nil {
				return retry.RetryableError(upErr)
			}
			etag = aws.ToString(out.ETag)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to upload part %d: %w", partNumber, err)
		}

		state.Parts = append(state.Parts, s3Part{Number: partNumber, ETag: etag})
		offset += n

		u.reportToken(state, onToken)
		if onProgress != nil {
			onProgress(percent(offset, size))
		}
	}

	completed := make([]types.CompletedPart, 0, len(state.Parts))
	for _, p := range state.Parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(p.Number),
			ETag:       aws.String(p.ETag),
		})
	}

	_, err = u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(item.TargetName),
		UploadId: aws.String(state.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	if size == 0 && onProgress != nil {
		onProgress(100)
	}

	return u.bucket + "/" + item.TargetName, nil
}

func (u *S3Uploader) parseToken(ctx context.Context, token string) s3ResumeState {
	var state s3ResumeState
	if token == "" {
		return state
	}
	if err := json.Unmarshal([]byte(token), &state); err != nil {
		u.log.Warn(ctx, "discarding unreadable resume token", "error", err)
		return s3ResumeState{}
	}
	return state
}

func (u *S3Uploader) reportToken(state s3ResumeState, onToken TokenFunc) {
	if onToken == nil {
		return
	}
	b, err := json.Marshal(state)
	if err != nil {
		return
	}
	onToken(string(b))
}
