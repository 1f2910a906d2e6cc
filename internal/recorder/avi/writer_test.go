package avi

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func u32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }

// readIndex parses the idx1 chunk that follows the movi list.
func readIndex(t *testing.T, b []byte) []indexEntry {
	t.Helper()
	moviEnd := offMoviList + 8 + int(u32(b, offMoviSize))
	if string(b[moviEnd:moviEnd+4]) != "idx1" {
		t.Fatalf("idx1 tag not found at %d: %q", moviEnd, b[moviEnd:moviEnd+4])
	}
	size := int(u32(b, moviEnd+4))
	if size%indexEntrySize != 0 {
		t.Fatalf("idx1 size %d not a multiple of %d", size, indexEntrySize)
	}
	var entries []indexEntry
	for off := moviEnd + 8; off < moviEnd+8+size; off += indexEntrySize {
		var e indexEntry
		copy(e.ChunkID[:], b[off:off+4])
		e.Flags = u32(b, off+4)
		e.Offset = u32(b, off+8)
		e.Length = u32(b, off+12)
		entries = append(entries, e)
	}
	return entries
}

func writeClip(t *testing.T, sizes []int) (string, []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.avi")
	w, err := Open(path, 640, 480, 10, 600)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, n := range sizes {
		p := make([]byte, n)
		for j := range p {
			p[j] = byte(i + 1)
		}
		if err := w.WriteFrame(p); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	if got := w.FrameCount(); got != len(sizes) {
		t.Fatalf("FrameCount = %d, want %d", got, len(sizes))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return path, b
}

func TestHeaderLayout(t *testing.T) {
	_, b := writeClip(t, nil)

	tags := []struct {
		off int
		tag string
	}{
		{0, "RIFF"}, {8, "AVI "},
		{12, "LIST"}, {20, "hdrl"},
		{24, "avih"},
		{88, "LIST"}, {96, "strl"},
		{100, "strh"}, {108, "vids"}, {112, "MJPG"},
		{164, "strf"}, {188, "MJPG"},
		{212, "LIST"}, {220, "movi"},
	}
	for _, tt := range tags {
		if got := string(b[tt.off : tt.off+4]); got != tt.tag {
			t.Errorf("tag at %d = %q, want %q", tt.off, got, tt.tag)
		}
	}

	fields := []struct {
		name string
		off  int
		want uint32
	}{
		{"hdrl size", 16, 192},
		{"avih size", 28, 56},
		{"us per frame", 32, 100000},
		{"streams", 56, 1},
		{"width", 64, 640},
		{"height", 68, 480},
		{"strl size", 92, 116},
		{"strh size", 104, 56},
		{"scale", 128, 1},
		{"rate", 132, 10},
		{"quality", 148, 0xFFFFFFFF},
		{"strf size", 168, 40},
		{"bi size", 172, 40},
		{"image size", 192, 640 * 480 * 3},
	}
	for _, tt := range fields {
		if got := u32(b, tt.off); got != tt.want {
			t.Errorf("%s at %d = %d, want %d", tt.name, tt.off, got, tt.want)
		}
	}
}

func TestTwoFrameScenario(t *testing.T) {
	_, b := writeClip(t, []int{3, 5})

	if got := u32(b, offAvihTotal); got != 2 {
		t.Fatalf("avih total frames = %d, want 2", got)
	}
	if got := u32(b, offStrhLength); got != 2 {
		t.Fatalf("strh length = %d, want 2", got)
	}

	idx := readIndex(t, b)
	if len(idx) != 2 {
		t.Fatalf("index entries = %d, want 2", len(idx))
	}

	// Offsets are measured from the movi LIST tag at 212, so the first chunk
	// is at 12, right after the 12-byte list header. Measured from the start
	// of the movi data instead, the same two chunks would be at 0 and 12.
	// Players accept either; this writer uses the LIST-tag origin.
	want := []indexEntry{
		{ChunkID: fcc00dc, Flags: aviifKeyframe, Offset: 12, Length: 3},
		{ChunkID: fcc00dc, Flags: aviifKeyframe, Offset: 12 + 8 + 3 + 1, Length: 5},
	}
	for i := range want {
		if idx[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, idx[i], want[i])
		}
	}

	// Chunk bodies land where the index says.
	for i, e := range idx {
		at := offMoviList + int(e.Offset)
		if string(b[at:at+4]) != "00dc" {
			t.Errorf("entry %d: no chunk tag at %d", i, at)
		}
		if got := u32(b, at+4); got != e.Length {
			t.Errorf("entry %d: chunk length %d, want %d", i, got, e.Length)
		}
	}

	// Odd payload gets a zero pad byte.
	if pad := b[HeaderSize+8+3]; pad != 0 {
		t.Errorf("pad byte = %d, want 0", pad)
	}
}

func TestPatchedSizes(t *testing.T) {
	_, b := writeClip(t, []int{100, 101, 7})

	if got := u32(b, offRIFFSize); got != uint32(len(b)-8) {
		t.Errorf("RIFF size = %d, want %d", got, len(b)-8)
	}

	// 8+100 + 8+101+1 + 8+7+1
	chunks := 108 + 110 + 16
	if got := u32(b, offMoviSize); got != uint32(12+chunks-8) {
		t.Errorf("movi size = %d, want %d", got, 12+chunks-8)
	}
	if got := u32(b, offAvihFlags); got&avifHasIndex == 0 {
		t.Errorf("avih flags = %#x, missing has-index bit", got)
	}

	// 3 frames at 10 fps is 300ms nominal.
	wantRate := uint32(chunks * 1000 / 300)
	if got := u32(b, offAvihMaxBytes); got != wantRate {
		t.Errorf("max bytes/sec = %d, want %d", got, wantRate)
	}

	if len(b) != HeaderSize+chunks+8+3*indexEntrySize {
		t.Errorf("file size = %d, want %d", len(b), HeaderSize+chunks+8+3*indexEntrySize)
	}
}

func TestIndexMatchesWrites(t *testing.T) {
	for _, n := range []int{0, 1, 2, 17, 64} {
		sizes := make([]int, n)
		for i := range sizes {
			sizes[i] = 50 + (i*37)%91
		}
		_, b := writeClip(t, sizes)

		if got := u32(b, offAvihTotal); got != uint32(n) {
			t.Fatalf("n=%d: total frames = %d", n, got)
		}
		idx := readIndex(t, b)
		if len(idx) != n {
			t.Fatalf("n=%d: index entries = %d", n, len(idx))
		}
		var prev uint32
		for i, e := range idx {
			if i > 0 && e.Offset <= prev {
				t.Fatalf("n=%d: offset %d at entry %d not increasing", n, e.Offset, i)
			}
			if e.Length != uint32(sizes[i]) {
				t.Fatalf("n=%d: entry %d length %d, want %d", n, i, e.Length, sizes[i])
			}
			prev = e.Offset
		}
	}
}

func TestZeroFrames(t *testing.T) {
	_, b := writeClip(t, nil)

	if len(b) != HeaderSize+8 {
		t.Fatalf("file size = %d, want %d", len(b), HeaderSize+8)
	}
	if got := u32(b, offMoviSize); got != 4 {
		t.Errorf("movi size = %d, want 4", got)
	}
	if got := u32(b, offAvihMaxBytes); got != 0 {
		t.Errorf("max bytes/sec = %d, want 0", got)
	}
	if len(readIndex(t, b)) != 0 {
		t.Error("expected empty index")
	}
}

func TestCapacityExceeded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cap.avi")
	w, err := Open(path, 320, 240, 5, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := w.WriteFrame([]byte{1, 2, 3, 4}); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	if err := w.WriteFrame([]byte{1}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("third write err = %v, want ErrCapacityExceeded", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, _ := os.ReadFile(path)
	if got := u32(b, offAvihTotal); got != 2 {
		t.Fatalf("total frames = %d, want 2", got)
	}
}

func TestOpenValidation(t *testing.T) {
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "a.avi"), 640, 480, 10, 0); !errors.Is(err, ErrIndexTooLarge) {
		t.Errorf("maxFrames=0: err = %v", err)
	}
	if _, err := Open(filepath.Join(dir, "b.avi"), 640, 480, 10, MaxIndexEntries+1); !errors.Is(err, ErrIndexTooLarge) {
		t.Errorf("maxFrames too large: err = %v", err)
	}
	if _, err := Open(filepath.Join(dir, "missing", "c.avi"), 640, 480, 10, 10); err == nil {
		t.Error("expected error opening in missing directory")
	}
	if _, err := os.Stat(filepath.Join(dir, "a.avi")); !os.IsNotExist(err) {
		t.Error("rejected open left a file behind")
	}
}

func TestDefaultFPS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fps.avi")
	w, err := Open(path, 16, 16, 0, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b, _ := os.ReadFile(path)
	if got := u32(b, 132); got != 10 {
		t.Errorf("rate = %d, want 10", got)
	}
}

func TestClosedWriter(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "x.avi"), 16, 16, 10, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.WriteFrame([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close: %v", err)
	}
	if err := w.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second close: %v", err)
	}
}
