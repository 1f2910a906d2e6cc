// Package camera defines the contract between the recorder and the camera
// hardware layer, plus a synthetic source for bench runs.
package camera

import (
	"context"
	"errors"
	"time"
)

// PixelFormat tags the payload layout of a delivered frame.
type PixelFormat int

const (
	FormatJPEG     PixelFormat = iota // compressed still (MJPEG frame)
	FormatGray8                       // 8-bit grayscale, 1 byte per pixel
	FormatYUV420                      // planar YUV 4:2:0
	FormatH264NALU                    // H.264 network abstraction layer unit
)

func (f PixelFormat) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatGray8:
		return "gray8"
	case FormatYUV420:
		return "yuv420"
	case FormatH264NALU:
		return "h264"
	default:
		return "unknown"
	}
}

// Mode is the camera operating configuration.
type Mode int

const (
	// ModeWatch delivers low-resolution grayscale frames for motion scoring.
	ModeWatch Mode = iota
	// ModeRecord delivers full-resolution compressed frames.
	ModeRecord
)

func (m Mode) String() string {
	if m == ModeRecord {
		return "record"
	}
	return "watch"
}

// Frame is a borrowed view of a captured frame. Data points into memory owned
// by the Source and is only valid until ReleaseFrame.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    PixelFormat
	Timestamp time.Time
}

// Size returns the payload length in bytes.
func (f *Frame) Size() int { return len(f.Data) }

// IsJPEG reports whether the frame is tagged as a compressed still and starts
// with the JPEG SOI marker.
func (f *Frame) IsJPEG() bool {
	return f.Format == FormatJPEG && len(f.Data) > 2 && f.Data[0] == 0xFF && f.Data[1] == 0xD8
}

// Capabilities describes what the hardware delivers in each mode.
type Capabilities struct {
	DeliversStill     bool // ModeRecord delivers FormatJPEG
	DeliversVideoUnit bool // ModeRecord delivers FormatH264NALU
	RecordWidth       int
	RecordHeight      int
	MotionWidth       int
	MotionHeight      int
}

// ErrTimeout is returned by GetFrame when no frame arrived in time.
var ErrTimeout = errors.New("camera: frame timeout")

// ErrFrameOutstanding is returned by GetFrame when the previous frame has not
// been released.
var ErrFrameOutstanding = errors.New("camera: previous frame not released")

// Source is the camera hardware contract. Only one frame may be outstanding
// at a time.
type Source interface {
	// GetFrame waits up to timeout for the next frame.
	GetFrame(ctx context.Context, timeout time.Duration) (*Frame, error)
	// ReleaseFrame hands a frame back to the source.
	ReleaseFrame(f *Frame) error
	// SetMode reconfigures the sensor. It may block for ~300ms and the first
	// few frames afterwards may be unstable.
	SetMode(ctx context.Context, mode Mode) error
	// Capabilities reports the static hardware capabilities.
	Capabilities() Capabilities
	// Close releases the hardware.
	Close() error
}
