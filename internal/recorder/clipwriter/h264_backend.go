package clipwriter

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/mikeyg42/clipcam/internal/camera"
)

const (
	nalTypeIDR = 5
	nalTypeSPS = 7
	nalTypePPS = 8
)

var startCode = []byte{0, 0, 0, 1}

// h264Backend writes an Annex-B elementary stream. SPS/PPS are cached across
// clips so every clip starts decodable.
type h264Backend struct {
	f  *os.File
	bw *bufio.Writer

	spsCache []byte
	ppsCache []byte

	// per clip
	sawSPS, sawPPS bool
	headersWritten bool
}

func newH264Backend() *h264Backend { return &h264Backend{} }

func (b *h264Backend) name() string { return "h264-annexb" }
func (b *h264Backend) ext() string  { return "h264" }

func (b *h264Backend) begin(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	b.f = f
	b.bw = bufio.NewWriterSize(f, 256<<10)
	b.sawSPS, b.sawPPS = false, false
	b.headersWritten = false
	return nil
}

func (b *h264Backend) write(f *camera.Frame) error {
	if f.Format != camera.FormatH264NALU {
		return fmt.Errorf("%w: h264 backend got %s frame", ErrFrameFormat, f.Format)
	}

	data := f.Data
	if !hasStartCode(data) {
		data = append(append(make([]byte, 0, len(startCode)+len(data)), startCode...), data...)
	}

	var sawIDR bool
	for _, nal := range splitNALs(data) {
		if len(nal) == 0 {
			continue
		}
		switch nal[0] & 0x1F {
		case nalTypeSPS:
			b.spsCache = append(append(b.spsCache[:0], startCode...), nal...)
			b.sawSPS = true
		case nalTypePPS:
			b.ppsCache = append(append(b.ppsCache[:0], startCode...), nal...)
			b.sawPPS = true
		case nalTypeIDR:
			sawIDR = true
		}
	}

	if b.sawSPS && b.sawPPS {
		b.headersWritten = true
	} else if sawIDR && !b.headersWritten && len(b.spsCache) > 0 && len(b.ppsCache) > 0 {
		if _, err := b.bw.Write(b.spsCache); err != nil {
			return err
		}
		if _, err := b.bw.Write(b.ppsCache); err != nil {
			return err
		}
		b.headersWritten = true
	}

	_, err := b.bw.Write(data)
	return err
}

func (b *h264Backend) end() error {
	f, bw := b.f, b.bw
	b.f, b.bw = nil, nil
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync: %w", err)
	}
	return f.Close()
}

func hasStartCode(p []byte) bool {
	return bytes.HasPrefix(p, startCode) || bytes.HasPrefix(p, startCode[1:])
}

// splitNALs returns the NAL unit bodies (without start codes) of an Annex-B
// buffer.
func splitNALs(p []byte) [][]byte {
	var out [][]byte
	start := -1
	for i := 0; i+2 < len(p); {
		if p[i] == 0 && p[i+1] == 0 && p[i+2] == 1 {
			if start >= 0 {
				end := i
				if end > start && p[end-1] == 0 {
					end--
				}
				out = append(out, p[start:end])
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start <= len(p) {
		out = append(out, p[start:])
	}
	return out
}
