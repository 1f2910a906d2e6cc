package motion

import (
	"errors"
	"testing"

	"github.com/mikeyg42/clipcam/internal/camera"
)

func grayFrame(w, h int, v byte) *camera.Frame {
	data := make([]byte, w*h)
	for i := range data {
		data[i] = v
	}
	return &camera.Frame{Data: data, Width: w, Height: h, Format: camera.FormatGray8}
}

func TestWarmupReturnsZero(t *testing.T) {
	d, err := New(8, 6, 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < WarmupFrames; i++ {
		// Alternate wildly different frames; none may score.
		v := byte(0)
		if i%2 == 1 {
			v = 255
		}
		score, err := d.Score(grayFrame(8, 6, v))
		if err != nil {
			t.Fatalf("Score %d: %v", i, err)
		}
		if score != 0 {
			t.Fatalf("warm-up call %d scored %d, want 0", i, score)
		}
	}

	// The last warm-up frame was 255; differ by exactly sensitivity+1.
	score, err := d.Score(grayFrame(8, 6, 255-(DefaultPixelSensitivity+1)))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score != 8*6 {
		t.Fatalf("score = %d, want %d", score, 8*6)
	}
}

func TestDifferenceAtSensitivityIsIgnored(t *testing.T) {
	d, _ := New(4, 4, 1, WithPixelSensitivity(10))
	d.QuickReset()

	if score, _ := d.Score(grayFrame(4, 4, 100)); score != 0 {
		t.Fatalf("baseline scored %d", score)
	}
	if score, _ := d.Score(grayFrame(4, 4, 110)); score != 0 {
		t.Fatalf("diff == sensitivity scored %d, want 0", score)
	}
	if score, _ := d.Score(grayFrame(4, 4, 121)); score != 16 {
		t.Fatalf("diff > sensitivity scored %d, want 16", score)
	}
}

func TestComparesAgainstPreviousFrame(t *testing.T) {
	d, _ := New(4, 4, 1)
	d.QuickReset()
	d.Score(grayFrame(4, 4, 0))

	if score, _ := d.Score(grayFrame(4, 4, 200)); score != 16 {
		t.Fatalf("score = %d, want 16", score)
	}
	// Same content as the previous call, so nothing changed.
	if score, _ := d.Score(grayFrame(4, 4, 200)); score != 0 {
		t.Fatalf("score = %d, want 0", score)
	}
}

func TestQuickResetSingleWarmupFrame(t *testing.T) {
	d, _ := New(4, 4, 1)
	d.QuickReset()
	d.Score(grayFrame(4, 4, 0))
	d.Score(grayFrame(4, 4, 0))

	d.QuickReset()
	if d.Warmup() != 1 {
		t.Fatalf("warmup = %d, want 1", d.Warmup())
	}
	if score, _ := d.Score(grayFrame(4, 4, 255)); score != 0 {
		t.Fatalf("re-baseline call scored %d, want 0", score)
	}
	if score, _ := d.Score(grayFrame(4, 4, 0)); score != 16 {
		t.Fatalf("post-quick-reset call scored %d, want 16", score)
	}
}

func TestResetRestoresFullWarmup(t *testing.T) {
	d, _ := New(4, 4, 1)
	d.QuickReset()
	d.Score(grayFrame(4, 4, 0))

	d.Reset()
	if d.Warmup() != WarmupFrames {
		t.Fatalf("warmup = %d, want %d", d.Warmup(), WarmupFrames)
	}
}

func TestScoreRejectsNonGray(t *testing.T) {
	d, _ := New(4, 4, 1)
	f := &camera.Frame{Data: []byte{0xFF, 0xD8, 0xFF}, Format: camera.FormatJPEG}
	score, err := d.Score(f)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
	if score != 0 {
		t.Fatalf("score = %d, want 0", score)
	}
	if d.Warmup() != WarmupFrames {
		t.Fatal("rejected frame consumed a warm-up slot")
	}
}

func TestShortFrameOnlyScoresPresentBytes(t *testing.T) {
	d, _ := New(4, 4, 1)
	d.QuickReset()
	d.Score(grayFrame(4, 4, 0))

	short := &camera.Frame{Data: []byte{255, 255, 255}, Format: camera.FormatGray8}
	if score, _ := d.Score(short); score != 3 {
		t.Fatalf("score = %d, want 3", score)
	}
}

func TestTriggered(t *testing.T) {
	d, _ := New(4, 4, 5)
	tests := []struct {
		score int
		want  bool
	}{
		{0, false},
		{4, false},
		{5, true},
		{16, true},
	}
	for _, tt := range tests {
		if got := d.Triggered(tt.score); got != tt.want {
			t.Errorf("Triggered(%d) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(0, 4, 1); err == nil {
		t.Error("expected error for zero width")
	}
	if _, err := New(4, 4, 0); err == nil {
		t.Error("expected error for zero threshold")
	}
}
