// Package status holds the small piece of state shown on the device display
// and the maintenance API. Both the recording loop and the upload worker
// write it, so every access copies in or out under the lock.
package status

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the board.
type Snapshot struct {
	Mode           string    `json:"mode"`
	Recording      bool      `json:"recording"`
	Clip           string    `json:"clip,omitempty"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	Uploading      bool      `json:"uploading"`
	Uploaded       uint64    `json:"uploaded"`
	UploadFailures uint64    `json:"upload_failures"`
	ScreenOn       bool      `json:"screen_on"`
	LastMotion     time.Time `json:"last_motion,omitempty"`
	Version        uint64    `json:"version"`
}

// Board is the lock-guarded status record.
type Board struct {
	mu sync.Mutex
	s  Snapshot
}

// NewBoard returns a board in watch mode with the screen on.
func NewBoard() *Board {
	return &Board{s: Snapshot{Mode: "watch", ScreenOn: true}}
}

func (b *Board) update(fn func(s *Snapshot)) {
	b.mu.Lock()
	fn(&b.s)
	b.s.Version++
	b.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}

// SetMode records the camera mode name.
func (b *Board) SetMode(mode string) {
	b.update(func(s *Snapshot) { s.Mode = mode })
}

// StartRecording marks clip as being recorded.
func (b *Board) StartRecording(clip string) {
	b.update(func(s *Snapshot) {
		s.Recording = true
		s.Clip = clip
		s.ElapsedSeconds = 0
	})
}

// SetElapsed updates the elapsed recording time. Unchanged values do not
// bump the version.
func (b *Board) SetElapsed(d time.Duration) {
	secs := int(d / time.Second)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.s.ElapsedSeconds == secs {
		return
	}
	b.s.ElapsedSeconds = secs
	b.s.Version++
}

// ClearRecording clears the recording indicator.
func (b *Board) ClearRecording() {
	b.update(func(s *Snapshot) {
		s.Recording = false
		s.Clip = ""
		s.ElapsedSeconds = 0
	})
}

// MotionSeen records the time motion was last observed.
func (b *Board) MotionSeen(t time.Time) {
	b.update(func(s *Snapshot) { s.LastMotion = t })
}

// SetUploading sets the upload-in-progress indicator.
func (b *Board) SetUploading(on bool) {
	b.update(func(s *Snapshot) { s.Uploading = on })
}

// IncUploaded counts one successful upload.
func (b *Board) IncUploaded() {
	b.update(func(s *Snapshot) { s.Uploaded++ })
}

// IncUploadFailures counts one failed upload.
func (b *Board) IncUploadFailures() {
	b.update(func(s *Snapshot) { s.UploadFailures++ })
}

// ToggleScreen flips the display and returns the new state.
func (b *Board) ToggleScreen() bool {
	var on bool
	b.update(func(s *Snapshot) {
		s.ScreenOn = !s.ScreenOn
		on = s.ScreenOn
	})
	return on
}
