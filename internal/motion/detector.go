// Package motion scores grayscale frames for movement by differencing each
// frame against the one before it.
package motion

import (
	"errors"
	"fmt"

	"github.com/mikeyg42/clipcam/internal/camera"
)

const (
	// WarmupFrames is the number of frames used only to seed the reference
	// after a sensor reconfiguration, while exposure and white balance settle.
	WarmupFrames = 30

	// DefaultPixelSensitivity ignores uniform brightness drift but catches
	// localized change.
	DefaultPixelSensitivity uint8 = 40
)

// ErrUnsupportedFormat is returned by Score for frames that are not 8-bit
// grayscale. A zero score alongside it is not a "no motion" result.
var ErrUnsupportedFormat = errors.New("motion: frame is not gray8")

// Option configures a Detector.
type Option func(*Detector)

// WithPixelSensitivity sets the per-pixel absolute difference a pixel must
// exceed to count as changed.
func WithPixelSensitivity(s uint8) Option {
	return func(d *Detector) { d.sensitivity = s }
}

// Detector holds the reference frame. It is owned by the recording loop and
// is not safe for concurrent use.
type Detector struct {
	width, height int
	threshold     int
	sensitivity   uint8

	reference []byte
	warmup    int
	hasRef    bool
}

// New allocates a detector for width×height frames. changeThreshold is the
// changed-pixel count at which Triggered reports motion.
func New(width, height, changeThreshold int, opts ...Option) (*Detector, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("motion: invalid dimensions %dx%d", width, height)
	}
	if changeThreshold <= 0 {
		return nil, fmt.Errorf("motion: change threshold must be positive, got %d", changeThreshold)
	}
	d := &Detector{
		width:       width,
		height:      height,
		threshold:   changeThreshold,
		sensitivity: DefaultPixelSensitivity,
		reference:   make([]byte, width*height),
		warmup:      WarmupFrames,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Score returns the number of pixels that changed by more than the pixel
// sensitivity since the previous frame. During warm-up it only records the
// frame and returns 0.
func (d *Detector) Score(f *camera.Frame) (int, error) {
	if f == nil || f.Format != camera.FormatGray8 {
		return 0, ErrUnsupportedFormat
	}
	n := min(len(f.Data), len(d.reference))
	cur := f.Data[:n]

	if d.warmup > 0 {
		copy(d.reference, cur)
		d.warmup--
		d.hasRef = true
		return 0, nil
	}

	sens := int(d.sensitivity)
	changed := 0
	for i, p := range cur {
		diff := int(p) - int(d.reference[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > sens {
			changed++
		}
	}
	copy(d.reference, cur)
	return changed, nil
}

// Triggered reports whether score reaches the change threshold.
func (d *Detector) Triggered(score int) bool { return score >= d.threshold }

// Reset restores the full warm-up. Use it after the sensor was reconfigured.
func (d *Detector) Reset() {
	d.warmup = WarmupFrames
	d.hasRef = false
}

// QuickReset re-baselines on the next frame only.
func (d *Detector) QuickReset() {
	d.warmup = 1
	d.hasRef = false
}

// Warmup returns the number of warm-up frames still pending.
func (d *Detector) Warmup() int { return d.warmup }

// Threshold returns the configured change threshold.
func (d *Detector) Threshold() int { return d.threshold }
