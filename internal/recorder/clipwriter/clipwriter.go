// Package clipwriter selects a clip backend from the camera capabilities and
// forwards session operations to it.
package clipwriter

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mikeyg42/clipcam/internal/camera"
	"github.com/mikeyg42/clipcam/internal/recorder/recorderlog"
)

// Options configures the writer. Zero values fall back to defaults.
type Options struct {
	Dir             string
	FPS             int
	MaxClipDuration time.Duration
	Logger          recorderlog.Logger
}

const (
	defaultFPS             = 10
	defaultMaxClipDuration = 60 * time.Second
)

type backend interface {
	name() string
	ext() string
	begin(path string) error
	write(f *camera.Frame) error
	end() error
}

// ClipWriter owns the backend for one camera for the life of the process.
// It is used only by the recording loop.
type ClipWriter struct {
	b      backend
	dir    string
	logger recorderlog.Logger

	active bool
	name   string
	path   string
	frames int
}

// Configure picks the backend once. Stills go into an AVI container, video
// units into an H.264 elementary stream.
func Configure(caps camera.Capabilities, opts Options) (*ClipWriter, error) {
	if opts.FPS <= 0 {
		opts.FPS = defaultFPS
	}
	if opts.MaxClipDuration <= 0 {
		opts.MaxClipDuration = defaultMaxClipDuration
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Logger == nil {
		opts.Logger = recorderlog.L().Named("clipwriter")
	}

	var b backend
	switch {
	case caps.DeliversStill:
		// One second of slack over the nominal frame budget.
		maxFrames := int(opts.MaxClipDuration/time.Second)*opts.FPS + opts.FPS
		b = newAVIBackend(caps.RecordWidth, caps.RecordHeight, opts.FPS, maxFrames)
	case caps.DeliversVideoUnit:
		b = newH264Backend()
	default:
		return nil, ErrUnsupportedHardware
	}

	opts.Logger.Info("clip backend selected",
		recorderlog.String("backend", b.name()),
		recorderlog.String("ext", b.ext()),
		recorderlog.Int("fps", opts.FPS))

	return &ClipWriter{b: b, dir: opts.Dir, logger: opts.Logger}, nil
}

// Begin opens <dir>/<name>.<ext>.
func (w *ClipWriter) Begin(name string) error {
	if w.active {
		return fmt.Errorf("%w: begin %q while %q is open", ErrInvalidState, name, w.name)
	}
	if name == "" {
		return fmt.Errorf("%w: empty clip name", ErrInvalidState)
	}
	path := filepath.Join(w.dir, name+"."+w.b.ext())
	if err := w.b.begin(path); err != nil {
		return translate("begin", err)
	}
	w.active = true
	w.name = name
	w.path = path
	w.frames = 0
	return nil
}

// WriteFrame appends one frame to the open clip.
func (w *ClipWriter) WriteFrame(f *camera.Frame) error {
	if !w.active {
		return fmt.Errorf("%w: write without open clip", ErrInvalidState)
	}
	if f == nil || len(f.Data) == 0 {
		return fmt.Errorf("%w: empty frame", ErrFrameFormat)
	}
	if err := w.b.write(f); err != nil {
		return translate("write", err)
	}
	w.frames++
	return nil
}

// End finalizes the open clip.
func (w *ClipWriter) End() error {
	if !w.active {
		return fmt.Errorf("%w: end without open clip", ErrInvalidState)
	}
	w.active = false
	err := w.b.end()
	if err != nil {
		return translate("end", err)
	}
	if fi, statErr := os.Stat(w.path); statErr == nil {
		w.logger.Debug("clip finalized",
			recorderlog.String("clip", w.name),
			recorderlog.Int("frames", w.frames),
			recorderlog.Int64("bytes", fi.Size()))
	}
	return nil
}

// Extension returns the file extension of the selected backend, without dot.
func (w *ClipWriter) Extension() string { return w.b.ext() }

// Backend returns the selected backend name.
func (w *ClipWriter) Backend() string { return w.b.name() }

// Active reports whether a clip is open.
func (w *ClipWriter) Active() bool { return w.active }

// FramesWritten returns the number of frames in the open or last clip.
func (w *ClipWriter) FramesWritten() int { return w.frames }

// Path returns the file path of the open or last clip.
func (w *ClipWriter) Path() string { return w.path }
