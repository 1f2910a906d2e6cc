package recorder

// EventKind identifies a discrete input.
type EventKind int

const (
	// EventToggleDisplay flips the display on or off.
	EventToggleDisplay EventKind = iota + 1
	// EventFlushUploads rescans storage and queues every pending clip.
	EventFlushUploads
)

func (k EventKind) String() string {
	switch k {
	case EventToggleDisplay:
		return "toggle_display"
	case EventFlushUploads:
		return "flush_uploads"
	default:
		return "unknown"
	}
}

// Event is one input from a button, signal or the maintenance API.
type Event struct {
	Kind EventKind
}

// EventQueue is a buffered event channel. Post never blocks; a full queue
// drops the event.
type EventQueue chan Event

// NewEventQueue returns a queue holding up to n events.
func NewEventQueue(n int) EventQueue {
	if n <= 0 {
		n = 8
	}
	return make(EventQueue, n)
}

// Post enqueues ev and reports whether it was accepted.
func (q EventQueue) Post(ev Event) bool {
	select {
	case q <- ev:
		return true
	default:
		return false
	}
}
