package upload

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikeyg42/clipcam/internal/recorder/recorderlog"
	"github.com/mikeyg42/clipcam/internal/recorder/storage"
	"github.com/mikeyg42/clipcam/internal/status"
)

type fakeUploader struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	done  chan string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{fail: map[string]bool{}, done: make(chan string, 16)}
}

func (f *fakeUploader) Upload(_ context.Context, name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	fail := f.fail[name]
	f.mu.Unlock()
	defer func() { f.done <- name }()
	if fail {
		return errors.New("network down")
	}
	return nil
}

func (f *fakeUploader) Name() string { return "fake" }

type memCatalog struct {
	storage.NopCatalog
	mu   sync.Mutex
	recs []storage.UploadRecord
}

func (m *memCatalog) RecordUpload(_ context.Context, rec *storage.UploadRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, *rec)
	m.mu.Unlock()
	return nil
}

func observedLogger() (recorderlog.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return recorderlog.New(zap.New(core)), logs
}

func newStore(t *testing.T, clips ...string) *storage.ClipStore {
	t.Helper()
	s, err := storage.NewClipStore(t.TempDir(), "avi")
	if err != nil {
		t.Fatalf("NewClipStore: %v", err)
	}
	for _, c := range clips {
		if err := os.WriteFile(s.ClipPath(c), []byte("clip"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveThumbnail(c, []byte{0xFF, 0xD8}); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case name := <-ch:
		return name
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upload")
		return ""
	}
}

func TestSubmitDropsWhenFull(t *testing.T) {
	logger, logs := observedLogger()
	c, err := New(newStore(t), newFakeUploader(), WithQueueDepth(2), WithLogger(logger))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !c.Submit("a") || !c.Submit("b") {
		t.Fatal("first two submissions should be accepted")
	}
	if c.Submit("c") {
		t.Fatal("third submission should be dropped")
	}

	drops := logs.FilterMessage("upload queue full, clip left on storage")
	if drops.Len() != 1 {
		t.Fatalf("drop logs = %d, want 1", drops.Len())
	}
	if got := drops.All()[0].ContextMap()["clip"]; got != "c" {
		t.Fatalf("dropped clip = %v, want c", got)
	}
	if c.Dropped() != 1 || c.Queued() != 2 {
		t.Fatalf("dropped=%d queued=%d", c.Dropped(), c.Queued())
	}

	// FIFO order is preserved.
	if got := <-c.jobs; got != "a" {
		t.Fatalf("first job = %q, want a", got)
	}
	if got := <-c.jobs; got != "b" {
		t.Fatalf("second job = %q, want b", got)
	}
}

func TestWorkerDeletesOnSuccess(t *testing.T) {
	store := newStore(t, "cam_1")
	up := newFakeUploader()
	board := status.NewBoard()
	cat := &memCatalog{}
	c, _ := New(store, up, WithLogger(recorderlog.Nop()), WithStatus(board), WithCatalog(cat, "cam"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.Submit("cam_1")
	waitFor(t, up.done)

	deadline := time.Now().Add(2 * time.Second)
	for c.Uploaded() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if c.Uploaded() != 1 {
		t.Fatalf("uploaded = %d, want 1", c.Uploaded())
	}
	if store.Exists("cam_1") {
		t.Fatal("clip not removed after upload")
	}
	if _, err := os.Stat(store.ThumbPath("cam_1")); !os.IsNotExist(err) {
		t.Fatal("thumbnail not removed after upload")
	}
	s := board.Snapshot()
	if s.Uploaded != 1 || s.Uploading {
		t.Fatalf("status = %+v", s)
	}
	cat.mu.Lock()
	defer cat.mu.Unlock()
	if len(cat.recs) != 1 || cat.recs[0].Status != storage.UploadSucceeded || cat.recs[0].DeviceID != "cam" {
		t.Fatalf("catalog = %+v", cat.recs)
	}
}

func TestWorkerKeepsFilesOnFailure(t *testing.T) {
	store := newStore(t, "cam_1")
	up := newFakeUploader()
	up.fail["cam_1"] = true
	cat := &memCatalog{}
	c, _ := New(store, up, WithLogger(recorderlog.Nop()), WithCatalog(cat, "cam"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.Submit("cam_1")
	waitFor(t, up.done)

	deadline := time.Now().Add(2 * time.Second)
	for c.Failed() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if c.Uploaded() != 0 || c.Failed() != 1 {
		t.Fatalf("uploaded=%d failed=%d", c.Uploaded(), c.Failed())
	}
	if !store.Exists("cam_1") {
		t.Fatal("clip deleted after failed upload")
	}
	if _, err := os.Stat(store.ThumbPath("cam_1")); err != nil {
		t.Fatal("thumbnail deleted after failed upload")
	}
	cat.mu.Lock()
	defer cat.mu.Unlock()
	if len(cat.recs) != 1 || cat.recs[0].Status != storage.UploadFailed || cat.recs[0].LastError == "" {
		t.Fatalf("catalog = %+v", cat.recs)
	}
}

func TestEnqueuePendingSkipsActiveAndFull(t *testing.T) {
	store := newStore(t, "a", "b", "c", "live")
	store.SetActive("live")
	logger, logs := observedLogger()
	c, _ := New(store, newFakeUploader(), WithQueueDepth(2), WithLogger(logger))

	n, err := c.EnqueuePending()
	if err != nil {
		t.Fatalf("EnqueuePending: %v", err)
	}
	if n != 2 {
		t.Fatalf("queued = %d, want 2", n)
	}
	if drops := logs.FilterMessage("upload queue full, clip left on storage").Len(); drops != 1 {
		t.Fatalf("drops = %d, want 1", drops)
	}
	for i := 0; i < 2; i++ {
		if name := <-c.jobs; name == "live" {
			t.Fatal("active clip was queued")
		}
	}
}

func TestWorkerSkipsVanishedClip(t *testing.T) {
	store := newStore(t)
	up := newFakeUploader()
	c, _ := New(store, up, WithLogger(recorderlog.Nop()))

	c.process(context.Background(), "gone")
	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.calls) != 0 {
		t.Fatalf("uploader called for missing clip: %v", up.calls)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, newFakeUploader()); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(newStore(t), nil); err == nil {
		t.Error("expected error for nil uploader")
	}
}
