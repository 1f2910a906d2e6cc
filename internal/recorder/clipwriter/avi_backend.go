package clipwriter

import (
	"fmt"

	"github.com/mikeyg42/clipcam/internal/camera"
	"github.com/mikeyg42/clipcam/internal/recorder/avi"
)

type aviBackend struct {
	width, height int
	fps           int
	maxFrames     int

	w *avi.Writer
}

func newAVIBackend(width, height, fps, maxFrames int) *aviBackend {
	return &aviBackend{width: width, height: height, fps: fps, maxFrames: maxFrames}
}

func (b *aviBackend) name() string { return "avi-mjpeg" }
func (b *aviBackend) ext() string  { return "avi" }

func (b *aviBackend) begin(path string) error {
	w, err := avi.Open(path, b.width, b.height, b.fps, b.maxFrames)
	if err != nil {
		return err
	}
	b.w = w
	return nil
}

func (b *aviBackend) write(f *camera.Frame) error {
	if f.Format != camera.FormatJPEG {
		return fmt.Errorf("%w: avi backend got %s frame", ErrFrameFormat, f.Format)
	}
	return b.w.WriteFrame(f.Data)
}

func (b *aviBackend) end() error {
	w := b.w
	b.w = nil
	return w.Close()
}
