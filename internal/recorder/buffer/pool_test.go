package buffer

import "testing"

func TestRoundUpPowerOf2(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 4, 1000: 1024, 1024: 1024, 1025: 2048}
	for in, want := range cases {
		if got := roundUpPowerOf2(in); got != want {
			t.Errorf("roundUpPowerOf2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestPoolGetPut(t *testing.T) {
	p := NewPool(1 << 16)

	buf := p.Get(1000)
	if len(buf) != 1000 {
		t.Fatalf("len = %d, want 1000", len(buf))
	}
	if cap(buf) != 1024 {
		t.Fatalf("cap = %d, want 1024", cap(buf))
	}
	if got := p.Stats().InUse; got != 1 {
		t.Fatalf("in use = %d, want 1", got)
	}

	p.Put(buf)
	if got := p.Stats().InUse; got != 0 {
		t.Fatalf("in use after put = %d, want 0", got)
	}

	again := p.Get(900)
	if len(again) != 900 {
		t.Fatalf("len = %d, want 900", len(again))
	}
}

func TestPoolOversizedRequests(t *testing.T) {
	p := NewPool(1024)

	buf := p.Get(4096)
	if len(buf) != 4096 {
		t.Fatalf("len = %d, want 4096", len(buf))
	}
	if got := p.Stats().Misses; got != 1 {
		t.Fatalf("misses = %d, want 1", got)
	}

	// Not pooled, so Put must be a no-op.
	p.Put(buf)
	if got := p.Stats().InUse; got != 0 {
		t.Fatalf("in use = %d, want 0", got)
	}
}

func TestPoolZeroSize(t *testing.T) {
	p := NewPool(1024)
	if buf := p.Get(0); buf != nil {
		t.Fatalf("Get(0) = %v, want nil", buf)
	}
	p.Put(nil)
}
