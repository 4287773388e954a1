package watch

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// Batch summarizes the raw notifications coalesced by one debounce window
type Batch struct {
	// Relevant counts create, write, remove and rename notifications.
	Relevant int
	// Ignored counts metadata-only notifications.
	Ignored int
}

// Empty reports whether the batch holds no notification that should trigger a sync.
func (b Batch) Empty() bool {
	return b.Relevant == 0
}

// Debouncer coalesces notifications until window has passed without a new
// one. It is owned by a single goroutine, which selects on C and calls Flush
// when it fires.
type Debouncer struct {
	window  time.Duration
	timer   *time.Timer
	pending Batch
}

// NewDebouncer creates an idle debouncer.
func NewDebouncer(window time.Duration) *Debouncer {
	timer := time.NewTimer(window)
	timer.Stop()
	return &Debouncer{window: window, timer: timer}
}

// Add records one notification and restarts the quiet window.
func (d *Debouncer) Add(op fsnotify.Op) {
	if isRelevant(op) {
		d.pending.Relevant++
	} else {
		d.pending.Ignored++
	}
	d.timer.Reset(d.window)
}

// C fires once the quiet window after the last Add has elapsed.
func (d *Debouncer) C() <-chan time.Time {
	return d.timer.C
}

// Flush returns the pending batch and resets it.
func (d *Debouncer) Flush() Batch {
	b := d.pending
	d.pending = Batch{}
	return b
}

// Stop releases the timer.
func (d *Debouncer) Stop() {
	d.timer.Stop()
}

// isRelevant reports whether op can change what git sees. A rename moves
// content between paths, so it counts like a create or remove; chmod alone
// does not.
func isRelevant(op fsnotify.Op) bool {
	return op.Has(fsnotify.Create) || op.Has(fsnotify.Write) ||
		op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename)
}
