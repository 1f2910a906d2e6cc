package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	// Prefix is prepended to object keys, e.g. the device id.
	Prefix string

	// Timeouts
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Retry settings (best-effort; MinIO client also retries internally)
	MaxRetries   int
	RetryBackoff time.Duration
}

// MinIOMetrics tracks MinIO operations
type MinIOMetrics struct {
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
}

// MinIOUploader puts clips straight into an S3-compatible bucket using
// static credentials.
type MinIOUploader struct {
	client *minio.Client
	bucket string
	store  *ClipStore
	logger *zap.Logger
	config MinIOConfig

	metrics MinIOMetrics
}

func (c *MinIOConfig) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 2 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
}

func (c MinIOConfig) validate() error {
	switch {
	case c.Endpoint == "":
		return errors.New("minio: empty endpoint")
	case c.Bucket == "":
		return errors.New("minio: empty bucket")
	case c.AccessKeyID == "" || c.SecretAccessKey == "":
		return errors.New("minio: missing credentials")
	}
	return nil
}

// NewMinIOUploader connects to the object store and makes sure the bucket
// exists.
func NewMinIOUploader(ctx context.Context, config MinIOConfig, store *ClipStore) (*MinIOUploader, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("minio: nil clip store")
	}
	config.applyDefaults()

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	u := &MinIOUploader{
		client: client,
		bucket: config.Bucket,
		store:  store,
		logger: zap.L().Named("minio-uploader"),
		config: config,
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		u.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}
	return u, nil
}

// Name implements Uploader.
func (u *MinIOUploader) Name() string { return "minio" }

// Upload implements Uploader.
func (u *MinIOUploader) Upload(ctx context.Context, name string) error {
	clipKey := u.objectKey(u.store.ClipFile(name))
	if err := u.putFile(ctx, clipKey, u.store.ClipPath(name)); err != nil {
		return err
	}

	thumbPath := u.store.ThumbPath(name)
	if _, err := os.Stat(thumbPath); err != nil {
		return nil
	}
	if err := u.putFile(ctx, u.objectKey(u.store.ThumbFile(name)), thumbPath); err != nil {
		u.logger.Warn("thumbnail upload failed", zap.String("clip", name), zap.Error(err))
	}
	return nil
}

func (u *MinIOUploader) objectKey(file string) string {
	if u.config.Prefix == "" {
		return file
	}
	return path.Join(u.config.Prefix, file)
}

func (u *MinIOUploader) putFile(ctx context.Context, key, filePath string) error {
	u.metrics.ActiveUploads.Add(1)
	defer u.metrics.ActiveUploads.Add(-1)

	// Fresh backoff per operation
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = u.config.RetryBackoff
	ebo.Reset()
	bo := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(u.config.MaxRetries)), ctx)

	contentType := contentTypeFor(filePath)
	attempt := 0
	op := func() error {
		attempt++
		f, err := os.Open(filePath)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return backoff.Permanent(err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, u.config.RequestTimeout)
		defer cancel()

		info, err := u.client.PutObject(reqCtx, u.bucket, key, io.Reader(f), st.Size(), minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err != nil {
			u.metrics.UploadErrors.Add(1)
			if code := getMinioStatusCode(err); code == 403 || code == 400 {
				return backoff.Permanent(err)
			}
			u.logger.Debug("put attempt failed", zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}

		u.metrics.TotalUploads.Add(1)
		u.metrics.UploadBytes.Add(uint64(info.Size))
		u.logger.Debug("Object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		code := getMinioStatusCode(err)
		return &StorageError{
			Op:         "put",
			Key:        key,
			Err:        err,
			StatusCode: code,
			Retryable:  retryableStatus(code),
		}
	}
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (u *MinIOUploader) HealthCheck(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", u.bucket)}
	}
	return nil
}

// GetMetrics returns upload counters.
func (u *MinIOUploader) GetMetrics() map[string]any {
	return map[string]any{
		"total_uploads":  u.metrics.TotalUploads.Load(),
		"upload_bytes":   u.metrics.UploadBytes.Load(),
		"upload_errors":  u.metrics.UploadErrors.Load(),
		"active_uploads": u.metrics.ActiveUploads.Load(),
	}
}

// contentTypeFor maps clip and thumbnail extensions to MIME types.
func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".avi":
		return "video/avi"
	case ".h264":
		return "video/h264"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		if errResp.StatusCode != 0 {
			return errResp.StatusCode
		}
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return 404
		case "AccessDenied":
			return 403
		case "InvalidArgument":
			return 400
		default:
			return 500
		}
	}
	return 0
}
