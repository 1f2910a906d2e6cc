// Package recorder runs the motion-triggered recording loop: watch for
// motion on low-resolution frames, then record full-resolution clips until
// motion stops or the clip reaches its maximum length.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/clipcam/internal/camera"
	"github.com/mikeyg42/clipcam/internal/metrics"
	"github.com/mikeyg42/clipcam/internal/recorder/clipwriter"
	"github.com/mikeyg42/clipcam/internal/recorder/recorderlog"
	"github.com/mikeyg42/clipcam/internal/status"
)

// Fatal conditions returned by Run.
var (
	ErrModeSwitch   = errors.New("recorder: camera mode switch failed")
	ErrSessionBegin = errors.New("recorder: could not start clip")
	ErrCameraFailed = errors.New("recorder: camera keeps failing")
)

// State is the controller state.
type State int

const (
	StateMotionWatch State = iota
	StateRecording
)

func (s State) String() string {
	if s == StateRecording {
		return "recording"
	}
	return "motion_watch"
}

// Detector scores watch-mode frames.
type Detector interface {
	Score(f *camera.Frame) (int, error)
	Triggered(score int) bool
	Reset()
}

// ClipSink receives the frames of one clip at a time.
type ClipSink interface {
	Begin(name string) error
	WriteFrame(f *camera.Frame) error
	End() error
}

// ClipFiles is the clip directory as seen by the recording loop.
type ClipFiles interface {
	SaveThumbnail(name string, jpeg []byte) error
	SetActive(name string)
}

// Uploads accepts finished clips.
type Uploads interface {
	Submit(name string) bool
	EnqueuePending() (int, error)
}

// Clock returns the current time.
type Clock func() time.Time

// Config holds the loop tuning.
type Config struct {
	DeviceID        string
	FPS             int
	MaxClipDuration time.Duration

	IdleTimeout             time.Duration // default 8s
	MinFramesBeforeIdleStop int           // default 5
	SizeMotionBytes         int           // default 500

	FrameTimeout    time.Duration // default 100ms
	SettleFrames    int           // default 3, negative disables
	SettleTimeout   time.Duration // default 200ms
	MaxCameraErrors int           // default 10
}

func (c *Config) applyDefaults() {
	if c.FPS <= 0 {
		c.FPS = 10
	}
	if c.MaxClipDuration <= 0 {
		c.MaxClipDuration = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 8 * time.Second
	}
	if c.MinFramesBeforeIdleStop <= 0 {
		c.MinFramesBeforeIdleStop = 5
	}
	if c.SizeMotionBytes <= 0 {
		c.SizeMotionBytes = 500
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = 100 * time.Millisecond
	}
	switch {
	case c.SettleFrames == 0:
		c.SettleFrames = 3
	case c.SettleFrames < 0:
		c.SettleFrames = 0
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 200 * time.Millisecond
	}
	if c.MaxCameraErrors <= 0 {
		c.MaxCameraErrors = 10
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithEvents sets the input event channel drained once per iteration.
func WithEvents(ch <-chan Event) Option { return func(c *Controller) { c.events = ch } }

// WithStatus reports progress to the display board.
func WithStatus(b *status.Board) Option { return func(c *Controller) { c.board = b } }

// WithMetrics counts loop activity.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l recorderlog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now Clock) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

type session struct {
	id         uuid.UUID
	name       string
	start      time.Time
	frames     int
	thumbSaved bool
	prevSize   int
	next       time.Time
	lastMotion time.Time

	capacityWarned bool
}

// Controller is the recording state machine. All of its state is owned by
// the goroutine calling Run.
type Controller struct {
	cfg      Config
	interval time.Duration

	cam     camera.Source
	det     Detector
	clips   ClipSink
	files   ClipFiles
	uploads Uploads

	events  <-chan Event
	board   *status.Board
	metrics *metrics.Metrics
	logger  recorderlog.Logger
	now     Clock

	state      State
	sess       *session
	cameraErrs int
}

// New wires a controller. The camera must already be in watch mode.
func New(cfg Config, cam camera.Source, det Detector, clips ClipSink, files ClipFiles, uploads Uploads, opts ...Option) (*Controller, error) {
	switch {
	case cam == nil:
		return nil, errors.New("recorder: nil camera")
	case det == nil:
		return nil, errors.New("recorder: nil detector")
	case clips == nil:
		return nil, errors.New("recorder: nil clip sink")
	case files == nil:
		return nil, errors.New("recorder: nil clip files")
	case uploads == nil:
		return nil, errors.New("recorder: nil upload queue")
	case cfg.DeviceID == "":
		return nil, errors.New("recorder: empty device id")
	}
	cfg.applyDefaults()
	if cfg.MaxClipDuration < time.Second {
		return nil, fmt.Errorf("recorder: max clip duration %s below one second", cfg.MaxClipDuration)
	}

	c := &Controller{
		cfg:      cfg,
		interval: time.Second / time.Duration(cfg.FPS),
		cam:      cam,
		det:      det,
		clips:    clips,
		files:    files,
		uploads:  uploads,
		logger:   recorderlog.L().Named("recorder"),
		now:      time.Now,
		state:    StateMotionWatch,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current state. Only meaningful from the Run goroutine or
// after Run returned.
func (c *Controller) State() State { return c.state }

// Run drives the loop until ctx is cancelled or a fatal error occurs. An
// open clip is finalized and submitted for upload before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("recording loop started",
		recorderlog.String("device", c.cfg.DeviceID),
		recorderlog.Int("fps", c.cfg.FPS),
		recorderlog.Duration("max_clip", c.cfg.MaxClipDuration))

	for {
		if ctx.Err() != nil {
			c.finishSession("shutdown")
			c.logger.Info("recording loop stopped")
			return nil
		}
		if err := c.step(ctx); err != nil {
			c.finishSession("fatal")
			c.logger.Error("recording loop failed", recorderlog.Error(err))
			return err
		}
	}
}

func (c *Controller) step(ctx context.Context) error {
	c.drainEvents()

	f, err := c.cam.GetFrame(ctx, c.cfg.FrameTimeout)
	if err != nil {
		if errors.Is(err, camera.ErrTimeout) || ctx.Err() != nil {
			return nil
		}
		c.cameraErrs++
		if c.metrics != nil {
			c.metrics.CameraErrors.Add(1)
		}
		c.logger.Warn("camera error",
			recorderlog.Int("consecutive", c.cameraErrs),
			recorderlog.Error(err))
		if c.cameraErrs >= c.cfg.MaxCameraErrors {
			return fmt.Errorf("%w: %d consecutive errors: %w", ErrCameraFailed, c.cameraErrs, err)
		}
		return nil
	}
	c.cameraErrs = 0
	if c.metrics != nil {
		c.metrics.FramesCaptured.Add(1)
	}

	if c.state == StateRecording {
		return c.record(ctx, f)
	}
	return c.watch(ctx, f)
}

func (c *Controller) release(f *camera.Frame) {
	if err := c.cam.ReleaseFrame(f); err != nil {
		c.logger.Warn("frame release failed", recorderlog.Error(err))
	}
}

func (c *Controller) watch(ctx context.Context, f *camera.Frame) error {
	score, err := c.det.Score(f)
	c.release(f)
	if err != nil {
		c.logger.Debug("frame not scored", recorderlog.Error(err))
		return nil
	}
	if c.metrics != nil {
		c.metrics.LastMotionScore.Store(uint64(score))
	}
	if !c.det.Triggered(score) {
		return nil
	}

	c.logger.Info("motion detected", recorderlog.Int("score", score))
	if c.metrics != nil {
		c.metrics.MotionTriggers.Add(1)
	}

	if err := c.cam.SetMode(ctx, camera.ModeRecord); err != nil {
		return fmt.Errorf("%w: to record: %w", ErrModeSwitch, err)
	}
	if c.board != nil {
		c.board.SetMode(camera.ModeRecord.String())
	}
	c.discardSettleFrames(ctx)
	return c.beginSession()
}

// discardSettleFrames drops the first frames after a mode switch, while the
// sensor is still adjusting exposure.
func (c *Controller) discardSettleFrames(ctx context.Context) {
	for i := 0; i < c.cfg.SettleFrames; i++ {
		f, err := c.cam.GetFrame(ctx, c.cfg.SettleTimeout)
		if err != nil {
			c.logger.Debug("settle frame not received", recorderlog.Int("index", i), recorderlog.Error(err))
			continue
		}
		c.release(f)
		if c.metrics != nil {
			c.metrics.FramesDiscarded.Add(1)
		}
	}
}

// ClipName builds the clip base name for a session starting at t.
func ClipName(deviceID string, t time.Time) string {
	return deviceID + "_" + t.UTC().Format("20060102_150405")
}

func (c *Controller) beginSession() error {
	start := c.now()
	name := ClipName(c.cfg.DeviceID, start)

	c.files.SetActive(name)
	if err := c.clips.Begin(name); err != nil {
		c.files.SetActive("")
		return fmt.Errorf("%w: %s: %w", ErrSessionBegin, name, err)
	}

	c.sess = &session{
		id:         uuid.New(),
		name:       name,
		start:      start,
		next:       start,
		lastMotion: start,
	}
	c.state = StateRecording
	if c.board != nil {
		c.board.StartRecording(name)
	}
	if c.metrics != nil {
		c.metrics.ClipsStarted.Add(1)
		c.metrics.SetRecording(true)
	}
	c.logger.Info("clip started",
		recorderlog.String("clip", name),
		recorderlog.String("session", c.sess.id.String()))
	return nil
}

func (c *Controller) record(ctx context.Context, f *camera.Frame) error {
	s := c.sess
	now := c.now()

	if c.board != nil {
		c.board.SetElapsed(now.Sub(s.start))
	}

	// Retried on each JPEG frame until one save succeeds.
	if !s.thumbSaved && f.IsJPEG() {
		if err := c.files.SaveThumbnail(s.name, f.Data); err != nil {
			c.logger.Warn("thumbnail not saved",
				recorderlog.String("clip", s.name),
				recorderlog.Error(err))
		} else {
			s.thumbSaved = true
			if c.metrics != nil {
				c.metrics.ThumbnailsSaved.Add(1)
			}
		}
	}

	var writeErr error
	if !now.Before(s.next) {
		err := c.clips.WriteFrame(f)
		switch {
		case err == nil:
			s.frames++
			if c.metrics != nil {
				c.metrics.FramesWritten.Add(1)
			}
		case errors.Is(err, clipwriter.ErrCapacity):
			if c.metrics != nil {
				c.metrics.CapacityRejected.Add(1)
			}
			if !s.capacityWarned {
				s.capacityWarned = true
				c.logger.Warn("clip index full, dropping frames",
					recorderlog.String("clip", s.name),
					recorderlog.Int("frames", s.frames))
			}
		case errors.Is(err, clipwriter.ErrFrameFormat):
			if c.metrics != nil {
				c.metrics.FramesSkipped.Add(1)
			}
			c.logger.Warn("frame skipped",
				recorderlog.String("clip", s.name),
				recorderlog.String("format", f.Format.String()),
				recorderlog.Error(err))
		default:
			writeErr = err
		}
		s.next = s.next.Add(c.interval)
		if s.next.Before(now) {
			s.next = now.Add(c.interval)
		}
	}

	size := f.Size()
	if s.prevSize > 0 && abs(size-s.prevSize) > c.cfg.SizeMotionBytes {
		s.lastMotion = f.Timestamp
		if c.board != nil {
			c.board.MotionSeen(f.Timestamp)
		}
	}
	s.prevSize = size

	c.release(f)

	if writeErr != nil {
		c.logger.Error("clip write failed, ending clip",
			recorderlog.String("clip", s.name),
			recorderlog.Error(writeErr))
		c.finishSession("write_error")
		return c.returnToWatch(ctx)
	}

	if now.Sub(s.start) >= c.cfg.MaxClipDuration {
		c.finishSession("max_duration")
		return c.beginSession()
	}
	if now.Sub(s.lastMotion) >= c.cfg.IdleTimeout && s.frames >= c.cfg.MinFramesBeforeIdleStop {
		c.finishSession("idle")
		return c.returnToWatch(ctx)
	}
	return nil
}

// finishSession finalizes the open clip, if any, and hands it to the
// uploader.
func (c *Controller) finishSession(reason string) {
	s := c.sess
	if s == nil {
		return
	}
	c.sess = nil

	endErr := c.clips.End()
	c.files.SetActive("")
	if c.board != nil {
		c.board.ClearRecording()
	}
	if c.metrics != nil {
		c.metrics.ClipsFinished.Add(1)
		c.metrics.SetRecording(false)
	}

	if endErr != nil {
		c.logger.Error("clip finalize failed, leaving file for rescan",
			recorderlog.String("clip", s.name),
			recorderlog.String("session", s.id.String()),
			recorderlog.Error(endErr))
		return
	}

	c.logger.Info("clip finished",
		recorderlog.String("clip", s.name),
		recorderlog.String("session", s.id.String()),
		recorderlog.String("reason", reason),
		recorderlog.Int("frames", s.frames),
		recorderlog.Duration("elapsed", c.now().Sub(s.start)))
	c.uploads.Submit(s.name)
}

func (c *Controller) returnToWatch(ctx context.Context) error {
	c.state = StateMotionWatch
	if err := c.cam.SetMode(ctx, camera.ModeWatch); err != nil {
		return fmt.Errorf("%w: to watch: %w", ErrModeSwitch, err)
	}
	if c.board != nil {
		c.board.SetMode(camera.ModeWatch.String())
	}
	c.det.Reset()
	return nil
}

func (c *Controller) drainEvents() {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				return
			}
			c.handleEvent(ev)
		default:
			return
		}
	}
}

func (c *Controller) handleEvent(ev Event) {
	switch ev.Kind {
	case EventToggleDisplay:
		on := false
		if c.board != nil {
			on = c.board.ToggleScreen()
		}
		c.logger.Info("display toggled", recorderlog.Bool("screen_on", on))
	case EventFlushUploads:
		n, err := c.uploads.EnqueuePending()
		if err != nil {
			c.logger.Warn("pending upload rescan failed", recorderlog.Error(err))
			return
		}
		c.logger.Info("pending uploads queued", recorderlog.Int("clips", n))
	default:
		c.logger.Debug("ignoring unknown event", recorderlog.Int("kind", int(ev.Kind)))
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
