package notify

import (
	"context"
	"sync"
)

// CaptureNotifier records events in memory for assertions in tests.
type CaptureNotifier struct {
	mu     sync.Mutex
	events []Event

	// Err, when set, is returned by Notify to exercise fire-and-forget
	// failure paths.
	Err error
}

func NewCaptureNotifier() *CaptureNotifier {
	return &CaptureNotifier{}
}

func (n *CaptureNotifier) Notify(ctx context.Context, ev *Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.events = append(n.events, *ev)
	return nil
}

func (n *CaptureNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Event, len(n.events))
	copy(out, n.events)
	return out
}

// OfKind returns captured events of one kind.
func (n *CaptureNotifier) OfKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range n.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

var _ Notifier = (*CaptureNotifier)(nil)
