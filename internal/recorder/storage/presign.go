package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// PresignConfig configures the presigned-URL uploader.
type PresignConfig struct {
	// URL of the signing endpoint. It is called with clip and thumb query
	// parameters and answers {"clip_url": ..., "thumb_url": ...}.
	URL    string
	APIKey string

	PresignTimeout time.Duration // default 15s
	PutTimeout     time.Duration // default 120s

	MaxRetries   int           // per network step, default 2
	RetryBackoff time.Duration // initial interval, default 1s
}

type presignResponse struct {
	ClipURL  string `json:"clip_url"`
	ThumbURL string `json:"thumb_url"`
}

// PresignUploader asks a signing service for short-lived PUT URLs and
// uploads the clip and thumbnail to them directly.
type PresignUploader struct {
	cfg    PresignConfig
	store  *ClipStore
	client *http.Client
	logger *zap.Logger
}

// NewPresignUploader validates cfg and applies defaults. A nil client uses a
// fresh http.Client; per-step timeouts come from cfg.
func NewPresignUploader(cfg PresignConfig, store *ClipStore, client *http.Client) (*PresignUploader, error) {
	if cfg.URL == "" {
		return nil, errors.New("presign uploader: empty signing URL")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("presign uploader: bad signing URL: %w", err)
	}
	if store == nil {
		return nil, errors.New("presign uploader: nil clip store")
	}
	if cfg.PresignTimeout == 0 {
		cfg.PresignTimeout = 15 * time.Second
	}
	if cfg.PutTimeout == 0 {
		cfg.PutTimeout = 120 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &PresignUploader{
		cfg:    cfg,
		store:  store,
		client: client,
		logger: zap.L().Named("presign-uploader"),
	}, nil
}

// Name implements Uploader.
func (u *PresignUploader) Name() string { return "presign" }

// Upload implements Uploader.
func (u *PresignUploader) Upload(ctx context.Context, name string) error {
	clipFile := u.store.ClipFile(name)
	if !u.store.Exists(name) {
		return &StorageError{Op: "upload", Key: clipFile, Err: os.ErrNotExist, StatusCode: http.StatusNotFound}
	}

	urls, err := u.presign(ctx, name)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := u.put(ctx, urls.ClipURL, u.store.ClipPath(name), contentTypeFor(clipFile)); err != nil {
		return &StorageError{Op: "put_clip", Key: clipFile, Err: err, StatusCode: statusOf(err), Retryable: true}
	}
	u.logger.Info("clip uploaded",
		zap.String("clip", clipFile),
		zap.Duration("took", time.Since(start)))

	thumbPath := u.store.ThumbPath(name)
	if urls.ThumbURL == "" {
		return nil
	}
	if _, err := os.Stat(thumbPath); err != nil {
		u.logger.Debug("no thumbnail to upload", zap.String("clip", clipFile))
		return nil
	}
	if err := u.put(ctx, urls.ThumbURL, thumbPath, "image/jpeg"); err != nil {
		u.logger.Warn("thumbnail upload failed",
			zap.String("thumb", u.store.ThumbFile(name)),
			zap.Error(err))
	}
	return nil
}

func (u *PresignUploader) newBackoff(ctx context.Context) backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = u.cfg.RetryBackoff
	ebo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(u.cfg.MaxRetries)), ctx)
}

func (u *PresignUploader) presign(ctx context.Context, name string) (*presignResponse, error) {
	q := url.Values{}
	q.Set("clip", u.store.ClipFile(name))
	q.Set("thumb", u.store.ThumbFile(name))

	endpoint, _ := url.Parse(u.cfg.URL)
	merged := endpoint.Query()
	for k, v := range q {
		merged[k] = v
	}
	endpoint.RawQuery = merged.Encode()

	var out presignResponse
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, u.cfg.PresignTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint.String(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if u.cfg.APIKey != "" {
			req.Header.Set("x-api-key", u.cfg.APIKey)
		}

		resp, err := u.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			herr := &httpStatusError{Code: resp.StatusCode}
			if !retryableStatus(resp.StatusCode) {
				return backoff.Permanent(herr)
			}
			return herr
		}

		out = presignResponse{}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode presign response: %w", err))
		}
		if out.ClipURL == "" {
			return backoff.Permanent(errors.New("presign response missing clip_url"))
		}
		return nil
	}

	if err := backoff.Retry(op, u.newBackoff(ctx)); err != nil {
		return nil, &StorageError{
			Op:         "presign",
			Key:        u.store.ClipFile(name),
			Err:        err,
			StatusCode: statusOf(err),
			Retryable:  retryableStatus(statusOf(err)),
		}
	}
	return &out, nil
}

// put streams a file to a presigned URL, reopening it for every attempt.
func (u *PresignUploader) put(ctx context.Context, target, path, contentType string) error {
	attempt := 0
	op := func() error {
		attempt++
		f, err := os.Open(path)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			return backoff.Permanent(err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, u.cfg.PutTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, target, f)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = fi.Size()
		req.Header.Set("Content-Type", contentType)

		resp, err := u.client.Do(req)
		if err != nil {
			u.logger.Debug("put attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			herr := &httpStatusError{Code: resp.StatusCode}
			if !retryableStatus(resp.StatusCode) {
				return backoff.Permanent(herr)
			}
			return herr
		}
		return nil
	}
	return backoff.Retry(op, u.newBackoff(ctx))
}

type httpStatusError struct {
	Code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d %s", e.Code, http.StatusText(e.Code))
}

func statusOf(err error) int {
	var herr *httpStatusError
	if errors.As(err, &herr) {
		return herr.Code
	}
	return 0
}
