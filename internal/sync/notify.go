package sync

import (
	"sync"
	"time"
)

const defaultDebounce = 2 * time.Second

// Notifier coalesces bursts of catalog-changed events into a single
// callback. Every page the reconciler applies pokes it; listeners (the
// download orchestrator, a UI) hear one notification once the burst
// settles.
type Notifier struct {
	mu       sync.Mutex
	debounce time.Duration
	timer    *time.Timer
	fn       func()
	closed   bool
}

// NewNotifier creates a notifier invoking fn after debounce of quiet.
// A zero debounce uses the default.
func NewNotifier(debounce time.Duration, fn func()) *Notifier {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Notifier{debounce: debounce, fn: fn}
}

// Notify records a change. The callback fires once no further change
// arrives for the debounce window.
func (n *Notifier) Notify() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.debounce, n.fn)
}

// Close stops any pending callback.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}
