// Package avi writes MJPEG clips in the RIFF AVI container. The header is
// written with placeholders at Open and patched in place at Close, so a clip
// is streamed to disk without knowing its length up front.
package avi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// Fixed header layout. Every offset is absolute within the file.
const (
	HeaderSize = 224

	offRIFFSize       = 4
	offAvihMaxBytes   = 36
	offAvihFlags      = 44
	offAvihTotal      = 48
	offStrhLength     = 140
	offMoviList       = 212
	offMoviSize       = 216
	chunkHeaderSize   = 8
	indexEntrySize    = 16
	hdrlListSize      = 192
	strlListSize      = 116
	avihSize          = 56
	strhSize          = 56
	strfSize          = 40
	defaultFPS        = 10
	avifHasIndex      = 0x10
	aviifKeyframe     = 0x10
	qualityDefault    = 0xFFFFFFFF
	avihFlagsAtOpen   = 0
	bitmapPlanes      = 1
	bitmapBitCount    = 24
	streamCount       = 1
	MaxIndexEntries   = 1 << 20
)

var (
	// ErrCapacityExceeded is returned by WriteFrame once the index is full.
	// Frames already written remain valid after Close.
	ErrCapacityExceeded = errors.New("avi: index capacity exceeded")
	// ErrIndexTooLarge is returned by Open when maxFrames is out of range.
	ErrIndexTooLarge = errors.New("avi: index capacity out of range")
	// ErrClosed is returned by operations on a closed writer.
	ErrClosed = errors.New("avi: writer closed")
	// ErrWriterFailed is returned after an earlier write failed. The handle
	// must not be used except to Close it.
	ErrWriterFailed = errors.New("avi: writer failed")
)

var (
	fccRIFF = [4]byte{'R', 'I', 'F', 'F'}
	fccAVI  = [4]byte{'A', 'V', 'I', ' '}
	fccLIST = [4]byte{'L', 'I', 'S', 'T'}
	fccHdrl = [4]byte{'h', 'd', 'r', 'l'}
	fccAvih = [4]byte{'a', 'v', 'i', 'h'}
	fccStrl = [4]byte{'s', 't', 'r', 'l'}
	fccStrh = [4]byte{'s', 't', 'r', 'h'}
	fccStrf = [4]byte{'s', 't', 'r', 'f'}
	fccVids = [4]byte{'v', 'i', 'd', 's'}
	fccMJPG = [4]byte{'M', 'J', 'P', 'G'}
	fccMovi = [4]byte{'m', 'o', 'v', 'i'}
	fccIdx1 = [4]byte{'i', 'd', 'x', '1'}
	fcc00dc = [4]byte{'0', '0', 'd', 'c'}
)

type chunkHeader struct {
	ID   [4]byte
	Size uint32
}

type listHeader struct {
	ID   [4]byte
	Size uint32
	Type [4]byte
}

type mainHeader struct {
	MicroSecPerFrame    uint32
	MaxBytesPerSec      uint32
	PaddingGranularity  uint32
	Flags               uint32
	TotalFrames         uint32
	InitialFrames       uint32
	Streams             uint32
	SuggestedBufferSize uint32
	Width               uint32
	Height              uint32
	Reserved            [4]uint32
}

type streamHeader struct {
	Type                [4]byte
	Handler             [4]byte
	Flags               uint32
	Priority            uint16
	Language            uint16
	InitialFrames       uint32
	Scale               uint32
	Rate                uint32
	Start               uint32
	Length              uint32
	SuggestedBufferSize uint32
	Quality             uint32
	SampleSize          uint32
	Frame               [4]uint16
}

type bitmapInfoHeader struct {
	Size          uint32
	Width         int32
	Height        int32
	Planes        uint16
	BitCount      uint16
	Compression   [4]byte
	SizeImage     uint32
	XPelsPerMeter int32
	YPelsPerMeter int32
	ClrUsed       uint32
	ClrImportant  uint32
}

type indexEntry struct {
	ChunkID [4]byte
	Flags   uint32
	Offset  uint32
	Length  uint32
}

// Writer streams MJPEG frames into an AVI file. It is used by a single
// goroutine and holds no locks.
type Writer struct {
	f    *os.File
	path string

	width, height int
	fps           int
	maxFrames     int

	index        []indexEntry
	pos          int64 // next write offset
	payloadBytes int64
	failed       error
	closed       bool
}

// Open creates path and writes the placeholder header. maxFrames sizes the
// index arena, which is allocated once. On error no file is left behind.
func Open(path string, width, height, fps, maxFrames int) (*Writer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("avi: invalid dimensions %dx%d", width, height)
	}
	if maxFrames <= 0 || maxFrames > MaxIndexEntries {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrIndexTooLarge, maxFrames, MaxIndexEntries)
	}
	if fps <= 0 {
		fps = defaultFPS
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("avi: open %s: %w", path, err)
	}

	w := &Writer{
		f:         f,
		path:      path,
		width:     width,
		height:    height,
		fps:       fps,
		maxFrames: maxFrames,
		index:     make([]indexEntry, 0, maxFrames),
	}

	hdr := w.header()
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("avi: write header %s: %w", path, err)
	}
	w.pos = int64(len(hdr))
	return w, nil
}

func (w *Writer) header() []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)

	put := func(v any) {
		// bytes.Buffer writes cannot fail.
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}

	frameBytes := uint32(w.width * w.height * 3)

	put(listHeader{ID: fccRIFF, Size: 0, Type: fccAVI})
	put(listHeader{ID: fccLIST, Size: hdrlListSize, Type: fccHdrl})
	put(chunkHeader{ID: fccAvih, Size: avihSize})
	put(mainHeader{
		MicroSecPerFrame:    uint32(1_000_000 / w.fps),
		Flags:               avihFlagsAtOpen,
		Streams:             streamCount,
		SuggestedBufferSize: uint32(w.width * w.height * 3 / 2),
		Width:               uint32(w.width),
		Height:              uint32(w.height),
	})
	put(listHeader{ID: fccLIST, Size: strlListSize, Type: fccStrl})
	put(chunkHeader{ID: fccStrh, Size: strhSize})
	put(streamHeader{
		Type:                fccVids,
		Handler:             fccMJPG,
		Scale:               1,
		Rate:                uint32(w.fps),
		SuggestedBufferSize: uint32(w.width * w.height * 3 / 2),
		Quality:             qualityDefault,
		Frame:               [4]uint16{0, 0, uint16(w.width), uint16(w.height)},
	})
	put(chunkHeader{ID: fccStrf, Size: strfSize})
	put(bitmapInfoHeader{
		Size:        strfSize,
		Width:       int32(w.width),
		Height:      int32(w.height),
		Planes:      bitmapPlanes,
		BitCount:    bitmapBitCount,
		Compression: fccMJPG,
		SizeImage:   frameBytes,
	})
	put(listHeader{ID: fccLIST, Size: 0, Type: fccMovi})

	return buf.Bytes()
}

// WriteFrame appends one frame chunk and its index entry.
func (w *Writer) WriteFrame(p []byte) error {
	if w.closed {
		return ErrClosed
	}
	if w.failed != nil {
		return fmt.Errorf("%w: %v", ErrWriterFailed, w.failed)
	}
	if len(w.index) >= w.maxFrames {
		return ErrCapacityExceeded
	}

	chunkPos := w.pos
	size := len(p)

	var hdr [chunkHeaderSize]byte
	copy(hdr[:4], fcc00dc[:])
	binary.LittleEndian.PutUint32(hdr[4:], uint32(size))

	if err := w.write(hdr[:]); err != nil {
		return err
	}
	if err := w.write(p); err != nil {
		return err
	}
	if size%2 == 1 {
		if err := w.write([]byte{0}); err != nil {
			return err
		}
	}

	w.index = append(w.index, indexEntry{
		ChunkID: fcc00dc,
		Flags:   aviifKeyframe,
		Offset:  uint32(chunkPos - offMoviList),
		Length:  uint32(size),
	})
	w.payloadBytes += int64(size)
	return nil
}

func (w *Writer) write(p []byte) error {
	n, err := w.f.Write(p)
	w.pos += int64(n)
	if err != nil {
		w.failed = err
		return fmt.Errorf("avi: write %s: %w", w.path, err)
	}
	return nil
}

// Close appends the index, patches the header and closes the file. It is
// valid with zero frames written.
func (w *Writer) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true

	if w.failed != nil {
		w.f.Close()
		return fmt.Errorf("%w: %v", ErrWriterFailed, w.failed)
	}

	moviEnd := w.pos
	n := len(w.index)

	var idx bytes.Buffer
	idx.Grow(chunkHeaderSize + n*indexEntrySize)
	_ = binary.Write(&idx, binary.LittleEndian, chunkHeader{ID: fccIdx1, Size: uint32(n * indexEntrySize)})
	_ = binary.Write(&idx, binary.LittleEndian, w.index)
	if err := w.write(idx.Bytes()); err != nil {
		w.f.Close()
		return err
	}
	fileEnd := w.pos

	var maxBytes uint32
	if n > 0 {
		durMS := int64(n) * 1000 / int64(w.fps)
		if durMS > 0 {
			videoBytes := moviEnd - offMoviList - 12
			maxBytes = uint32(videoBytes * 1000 / durMS)
		}
	}

	patches := []struct {
		off int64
		val uint32
	}{
		{offRIFFSize, uint32(fileEnd - 8)},
		{offMoviSize, uint32(moviEnd - offMoviList - 8)},
		{offAvihFlags, avihFlagsAtOpen | avifHasIndex},
		{offAvihTotal, uint32(n)},
		{offAvihMaxBytes, maxBytes},
		{offStrhLength, uint32(n)},
	}
	var b [4]byte
	for _, p := range patches {
		binary.LittleEndian.PutUint32(b[:], p.val)
		if _, err := w.f.WriteAt(b[:], p.off); err != nil {
			w.f.Close()
			return fmt.Errorf("avi: patch header %s at %d: %w", w.path, p.off, err)
		}
	}

	if err := w.f.Close(); err != nil {
		return fmt.Errorf("avi: close %s: %w", w.path, err)
	}
	return nil
}

// FrameCount returns the number of frames written so far.
func (w *Writer) FrameCount() int { return len(w.index) }

// Path returns the file path.
func (w *Writer) Path() string { return w.path }

// PayloadBytes returns the sum of frame payload lengths, excluding chunk
// headers and padding.
func (w *Writer) PayloadBytes() int64 { return w.payloadBytes }
