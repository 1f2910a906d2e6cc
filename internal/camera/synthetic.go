package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/mikeyg42/clipcam/internal/recorder/buffer"
)

// SyntheticConfig configures the synthetic source.
type SyntheticConfig struct {
	Caps Capabilities

	// FrameInterval is the native sensor output period.
	FrameInterval time.Duration
	// ModeSwitchDelay simulates sensor reconfiguration time.
	ModeSwitchDelay time.Duration

	// A moving block crosses the scene for MotionDuration out of every
	// MotionPeriod. Zero MotionPeriod means a static scene.
	MotionPeriod   time.Duration
	MotionDuration time.Duration
}

// DefaultSyntheticConfig mirrors a VGA MJPEG sensor with a QVGA watch mode.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Caps: Capabilities{
			DeliversStill: true,
			RecordWidth:   640,
			RecordHeight:  480,
			MotionWidth:   320,
			MotionHeight:  240,
		},
		FrameInterval:   40 * time.Millisecond,
		ModeSwitchDelay: 300 * time.Millisecond,
		MotionPeriod:    90 * time.Second,
		MotionDuration:  15 * time.Second,
	}
}

// Synthetic is a Source that renders frames in software. It is used on
// development machines and in soak tests where no sensor is attached.
type Synthetic struct {
	cfg  SyntheticConfig
	pool *buffer.Pool

	mu          sync.Mutex
	mode        Mode
	started     time.Time
	nextFrame   time.Time
	seq         uint64
	outstanding *Frame
	closed      bool
}

// NewSynthetic creates a synthetic source starting in mode.
func NewSynthetic(cfg SyntheticConfig, mode Mode) (*Synthetic, error) {
	if !cfg.Caps.DeliversStill && !cfg.Caps.DeliversVideoUnit {
		return nil, fmt.Errorf("synthetic camera: no record format enabled")
	}
	if cfg.Caps.MotionWidth <= 0 || cfg.Caps.MotionHeight <= 0 {
		return nil, fmt.Errorf("synthetic camera: invalid motion dimensions %dx%d",
			cfg.Caps.MotionWidth, cfg.Caps.MotionHeight)
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 40 * time.Millisecond
	}
	now := time.Now()
	return &Synthetic{
		cfg:       cfg,
		pool:      buffer.NewPool(4 << 20),
		mode:      mode,
		started:   now,
		nextFrame: now,
	}, nil
}

// GetFrame implements Source.
func (s *Synthetic) GetFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("synthetic camera: closed")
	}
	if s.outstanding != nil {
		s.mu.Unlock()
		return nil, ErrFrameOutstanding
	}
	wait := time.Until(s.nextFrame)
	s.mu.Unlock()

	if wait > timeout {
		if err := sleepCtx(ctx, timeout); err != nil {
			return nil, err
		}
		return nil, ErrTimeout
	}
	if wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.nextFrame = now.Add(s.cfg.FrameInterval)
	s.seq++

	f, err := s.render(now)
	if err != nil {
		return nil, err
	}
	s.outstanding = f
	return f, nil
}

// ReleaseFrame implements Source.
func (s *Synthetic) ReleaseFrame(f *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == nil || f != s.outstanding {
		return fmt.Errorf("synthetic camera: release of unknown frame")
	}
	s.pool.Put(f.Data)
	s.outstanding = nil
	return nil
}

// SetMode implements Source.
func (s *Synthetic) SetMode(ctx context.Context, mode Mode) error {
	if err := sleepCtx(ctx, s.cfg.ModeSwitchDelay); err != nil {
		return err
	}
	s.mu.Lock()
	s.mode = mode
	s.nextFrame = time.Now()
	s.mu.Unlock()
	return nil
}

// Capabilities implements Source.
func (s *Synthetic) Capabilities() Capabilities { return s.cfg.Caps }

// Close implements Source.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) render(now time.Time) (*Frame, error) {
	moving, pos := s.scene(now)

	if s.mode == ModeWatch {
		w, h := s.cfg.Caps.MotionWidth, s.cfg.Caps.MotionHeight
		data := s.pool.Get(w * h)
		img := &image.Gray{Pix: data, Stride: w, Rect: image.Rect(0, 0, w, h)}
		paint(img, moving, pos)
		return &Frame{Data: data, Width: w, Height: h, Format: FormatGray8, Timestamp: now}, nil
	}

	w, h := s.cfg.Caps.RecordWidth, s.cfg.Caps.RecordHeight
	if s.cfg.Caps.DeliversStill {
		img := image.NewGray(image.Rect(0, 0, w, h))
		paint(img, moving, pos)
		var out bytes.Buffer
		if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: 75}); err != nil {
			return nil, fmt.Errorf("synthetic camera: encode: %w", err)
		}
		data := s.pool.Get(out.Len())
		copy(data, out.Bytes())
		return &Frame{Data: data, Width: w, Height: h, Format: FormatJPEG, Timestamp: now}, nil
	}

	// Fake Annex-B access units: an IDR every 30 frames, larger slices while
	// something is moving so size-based continuation sees variance.
	size := 1200
	nalType := byte(1)
	if s.seq%30 == 1 {
		nalType = 5
		size = 6000
	}
	if moving {
		size += int(s.seq%7) * 300
	}
	data := s.pool.Get(size)
	copy(data, []byte{0, 0, 0, 1, 0x60 | nalType})
	for i := 5; i < len(data); i++ {
		data[i] = byte(int(s.seq) + i)
	}
	return &Frame{Data: data, Width: w, Height: h, Format: FormatH264NALU, Timestamp: now}, nil
}

// scene reports whether the block is moving and its horizontal position as
// a fraction of the frame width.
func (s *Synthetic) scene(now time.Time) (bool, float64) {
	if s.cfg.MotionPeriod <= 0 || s.cfg.MotionDuration <= 0 {
		return false, 0
	}
	phase := now.Sub(s.started) % s.cfg.MotionPeriod
	if phase >= s.cfg.MotionDuration {
		return false, 0
	}
	return true, float64(phase) / float64(s.cfg.MotionDuration)
}

func paint(img *image.Gray, moving bool, pos float64) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		shade := uint8(64 + (y*64)/max(b.Dy(), 1))
		for x := b.Min.X; x < b.Max.X; x++ {
			img.SetGray(x, y, color.Gray{Y: shade})
		}
	}
	if !moving {
		return
	}
	side := b.Dy() / 3
	x0 := int(pos * float64(b.Dx()-side))
	y0 := b.Dy() / 3
	for y := y0; y < y0+side && y < b.Max.Y; y++ {
		for x := x0; x < x0+side && x < b.Max.X; x++ {
			img.SetGray(x, y, color.Gray{Y: 240})
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
