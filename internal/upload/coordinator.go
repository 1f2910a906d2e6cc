// Package upload moves finished clips off the device. A bounded queue
// connects the recording loop to a single worker goroutine; enqueueing never
// blocks, so a slow network can only cost queue slots, never frames.
package upload

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/clipcam/internal/metrics"
	"github.com/mikeyg42/clipcam/internal/recorder/recorderlog"
	"github.com/mikeyg42/clipcam/internal/recorder/storage"
)

// DefaultQueueDepth is the number of clips that may wait for the worker.
const DefaultQueueDepth = 20

// Store is the part of the clip directory the coordinator needs.
type Store interface {
	ListPending() ([]string, error)
	Exists(name string) bool
	ClipPath(name string) string
	Remove(name string) error
}

// StatusSink receives upload progress for the display.
type StatusSink interface {
	SetUploading(on bool)
	IncUploaded()
	IncUploadFailures()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithQueueDepth sets the queue capacity.
func WithQueueDepth(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.depth = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l recorderlog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStatus reports upload progress to s.
func WithStatus(s StatusSink) Option {
	return func(c *Coordinator) { c.status = s }
}

// WithMetrics counts queue and upload outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithCatalog records every upload outcome in cat.
func WithCatalog(cat storage.Catalog, deviceID string) Option {
	return func(c *Coordinator) {
		if cat != nil {
			c.catalog = cat
			c.deviceID = deviceID
		}
	}
}

// WithJobTimeout bounds a single upload, including retries.
func WithJobTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.jobTimeout = d
		}
	}
}

// Coordinator owns the upload queue and its worker.
type Coordinator struct {
	store    Store
	uploader storage.Uploader
	logger   recorderlog.Logger
	status   StatusSink
	metrics  *metrics.Metrics
	catalog  storage.Catalog
	deviceID string

	depth      int
	jobTimeout time.Duration
	jobs       chan string

	uploaded atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a coordinator. The queue is sized once here.
func New(store Store, uploader storage.Uploader, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("upload: nil store")
	}
	if uploader == nil {
		return nil, errors.New("upload: nil uploader")
	}
	c := &Coordinator{
		store:      store,
		uploader:   uploader,
		logger:     recorderlog.L().Named("upload"),
		catalog:    storage.NopCatalog{},
		depth:      DefaultQueueDepth,
		jobTimeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.jobs = make(chan string, c.depth)
	return c, nil
}

// Submit queues name without blocking. It returns false and logs one warning
// when the queue is full; a later rescan picks the clip up again.
func (c *Coordinator) Submit(name string) bool {
	select {
	case c.jobs <- name:
		if c.metrics != nil {
			c.metrics.UploadsEnqueued.Add(1)
			c.metrics.UploadQueueDepth.Store(int64(len(c.jobs)))
		}
		c.logger.Debug("clip queued for upload",
			recorderlog.String("clip", name),
			recorderlog.Int("queued", len(c.jobs)))
		return true
	default:
		c.dropped.Add(1)
		if c.metrics != nil {
			c.metrics.UploadsDropped.Add(1)
		}
		c.logger.Warn("upload queue full, clip left on storage",
			recorderlog.String("clip", name),
			recorderlog.Int("capacity", c.depth))
		return false
	}
}

// EnqueuePending scans storage for completed clips and submits each. Clips
// that do not fit are skipped until the next scan.
func (c *Coordinator) EnqueuePending() (int, error) {
	names, err := c.store.ListPending()
	if err != nil {
		return 0, err
	}
	accepted := 0
	for _, name := range names {
		if c.Submit(name) {
			accepted++
		}
	}
	c.logger.Info("pending clips rescanned",
		recorderlog.Int("found", len(names)),
		recorderlog.Int("queued", accepted))
	return accepted, nil
}

// Run is the worker loop. It returns when ctx is cancelled, after the
// upload in flight (if any) completes.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("upload worker started",
		recorderlog.String("uploader", c.uploader.Name()),
		recorderlog.Int("queue_depth", c.depth))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("upload worker stopped",
				recorderlog.Uint64("uploaded", c.uploaded.Load()),
				recorderlog.Uint64("failed", c.failed.Load()))
			return ctx.Err()
		case name := <-c.jobs:
			if c.metrics != nil {
				c.metrics.UploadQueueDepth.Store(int64(len(c.jobs)))
			}
			c.process(ctx, name)
		}
	}
}

func (c *Coordinator) process(ctx context.Context, name string) {
	if !c.store.Exists(name) {
		// Already uploaded through an earlier duplicate job.
		c.logger.Debug("skipping clip no longer on storage", recorderlog.String("clip", name))
		return
	}

	var size int64
	if fi, err := os.Stat(c.store.ClipPath(name)); err == nil {
		size = fi.Size()
	}

	if c.status != nil {
		c.status.SetUploading(true)
	}
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.jobTimeout)
	start := time.Now()
	err := c.uploader.Upload(jobCtx, name)
	took := time.Since(start)
	cancel()
	if c.status != nil {
		c.status.SetUploading(false)
	}

	rec := &storage.UploadRecord{
		DeviceID:   c.deviceID,
		ClipName:   name,
		Backend:    c.uploader.Name(),
		SizeBytes:  size,
		DurationMS: took.Milliseconds(),
	}

	if err != nil {
		c.failed.Add(1)
		if c.metrics != nil {
			c.metrics.UploadsFailed.Add(1)
		}
		if c.status != nil {
			c.status.IncUploadFailures()
		}
		c.logger.Error("upload failed, clip kept for retry",
			recorderlog.String("clip", name),
			recorderlog.Duration("took", took),
			recorderlog.Error(err))
		rec.Status = storage.UploadFailed
		rec.LastError = err.Error()
		c.record(ctx, rec)
		return
	}

	if err := c.store.Remove(name); err != nil {
		c.logger.Warn("uploaded clip could not be removed",
			recorderlog.String("clip", name),
			recorderlog.Error(err))
	}
	c.uploaded.Add(1)
	if c.metrics != nil {
		c.metrics.UploadsSucceeded.Add(1)
	}
	if c.status != nil {
		c.status.IncUploaded()
	}
	c.logger.Info("clip uploaded",
		recorderlog.String("clip", name),
		recorderlog.Int64("bytes", size),
		recorderlog.Duration("took", took))

	rec.Status = storage.UploadSucceeded
	c.record(ctx, rec)
}

func (c *Coordinator) record(ctx context.Context, rec *storage.UploadRecord) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.catalog.RecordUpload(rctx, rec); err != nil {
		c.logger.Warn("failed to record upload in catalog",
			recorderlog.String("clip", rec.ClipName),
			recorderlog.Error(err))
	}
}

// Uploaded returns the number of clips uploaded successfully.
func (c *Coordinator) Uploaded() uint64 { return c.uploaded.Load() }

// Failed returns the number of failed upload attempts.
func (c *Coordinator) Failed() uint64 { return c.failed.Load() }

// Dropped returns the number of submissions rejected by a full queue.
func (c *Coordinator) Dropped() uint64 { return c.dropped.Load() }

// Queued returns the number of clips waiting for the worker.
func (c *Coordinator) Queued() int { return len(c.jobs) }

// Capacity returns the queue capacity.
func (c *Coordinator) Capacity() int { return c.depth }
