package flowmux

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrLimitShrink is returned by RaiseLimit when the new limit is lower than
// the current one.
type ErrLimitShrink struct{}

func (ErrLimitShrink) Error() string { return "window limit may not shrink" }

// WindowNotifyFunc is called with the number of quota bytes to grant back
// to the peer. The callback is expected to eventually emit a protocol-level
// grant message; the engine never serializes one itself.
type WindowNotifyFunc func(delta int64)

// WindowPolicyFunc decides whether a grant of delta bytes is worth sending
// given the current limit and remaining window.
type WindowPolicyFunc func(limit, window, delta int64) bool

// DefaultWindowPolicy grants when at least a third of the limit has been
// freed up, or when the peer's remaining window has dropped below half the
// limit. The fractions are tuning, not correctness; see FractionPolicy.
func DefaultWindowPolicy(limit, window, delta int64) bool {
	return delta >= limit/3 || window < limit/2
}

// FractionPolicy returns a WindowPolicyFunc that grants when
// delta >= limit*deltaNum/deltaDen or window < limit*winNum/winDen.
func FractionPolicy(deltaNum, deltaDen, winNum, winDen int64) WindowPolicyFunc {
	return func(limit, window, delta int64) bool {
		return delta >= limit*deltaNum/deltaDen || window < limit*winNum/winDen
	}
}

// Window tracks a receive-side byte quota as the triple (limit, window,
// buffered). limit is the total quota the peer may have in flight, window
// is the part of it the peer still believes is available, and buffered is
// what has arrived but not yet been consumed by the application. After
// every mutation buffered+window <= limit holds; a violation is reported
// through Trace and never acted upon.
//
// Not safe for concurrent use; see Muxer for the ownership model.
type Window struct {
	// ShouldNotify decides when a grant is worth sending.
	// Defaults to DefaultWindowPolicy.
	ShouldNotify WindowPolicyFunc
	// DeferCredit leaves the window uncredited when the notify callback
	// runs; the caller credits it with CreditWindow once the grant message
	// was actually emitted. While uncredited, later notifications report
	// the full accumulated delta, so a dropped grant is offered again.
	DeferCredit bool
	// Trace receives invariant diagnostics. May be nil.
	Trace *Trace

	limit    int64
	window   int64
	buffered int64
	notify   WindowNotifyFunc
}

// NewWindow returns a Window with the given quota limit. notify may be nil
// for a purely passive window.
func NewWindow(limit int64, notify WindowNotifyFunc) *Window {
	return &Window{
		limit:  limit,
		window: limit,
		notify: notify,
	}
}

func (w *Window) String() string {
	return fmt.Sprintf("[Window %v+%v/%v]", w.window, w.buffered, w.limit)
}

// Limit returns the total quota limit.
func (w *Window) Limit() int64 { return w.limit }

// Size returns the quota the peer still believes is available.
func (w *Window) Size() int64 { return w.window }

// Buffered returns the bytes received but not yet consumed.
func (w *Window) Buffered() int64 { return w.buffered }

func (w *Window) trace() *Trace { return traceOrNop(w.Trace) }

// MarkDataBuffered records n bytes received from the peer. When the window
// runs dry a notification check runs immediately, since waiting for the
// next consume could leave the peer blocked longer than necessary.
func (w *Window) MarkDataBuffered(n int64) {
	if n < 0 {
		w.trace().broken("window", fmt.Sprintf("MarkDataBuffered(%d)", n))
		return
	}
	if w.window < n {
		w.trace().broken("window", fmt.Sprintf("window underflow: %v buffering %d", w, n))
		w.window = 0
	} else {
		w.window -= n
	}
	w.buffered += n
	if w.window == 0 {
		w.MaybeNotify()
	}
}

// MarkDataFlushed records n buffered bytes as consumed by the application,
// then runs a notification check.
func (w *Window) MarkDataFlushed(n int64) {
	if n < 0 {
		w.trace().broken("window", fmt.Sprintf("MarkDataFlushed(%d)", n))
		return
	}
	if w.buffered < n {
		w.trace().broken("window", fmt.Sprintf("buffered underflow: %v flushing %d", w, n))
		w.buffered = 0
	} else {
		w.buffered -= n
	}
	w.MaybeNotify()
}

// MarkWindowConsumed records n bytes as received and immediately consumed,
// as when reconciling a reset stream's final offset against the
// connection-level quota.
func (w *Window) MarkWindowConsumed(n int64) {
	w.MarkDataBuffered(n)
	w.MarkDataFlushed(n)
}

// OnLimitChange adjusts the window to a new quota limit, keeping the
// amount of in-flight and buffered data unchanged. The limit may move in
// either direction; shrinking below current usage leaves the window
// negative until the peer catches up.
func (w *Window) OnLimitChange(newLimit int64) {
	w.window += newLimit - w.limit
	w.limit = newLimit
}

// RaiseLimit is the restricted form of OnLimitChange used by protocols
// whose windows only ever grow. Decreases are rejected with ErrLimitShrink
// and not applied.
func (w *Window) RaiseLimit(newLimit int64) (err error) {
	if newLimit < w.limit {
		return errors.WithStack(ErrLimitShrink{})
	}
	w.OnLimitChange(newLimit)
	return
}

// MaybeNotify grants freed-up quota back to the peer when the policy says
// it is worth a message. With DeferCredit unset the window is credited
// immediately; otherwise the caller confirms with CreditWindow.
func (w *Window) MaybeNotify() {
	delta := w.limit - (w.buffered + w.window)
	if delta < 0 {
		w.trace().broken("window", fmt.Sprintf("accounting exceeds limit: %v", w))
		return
	}
	if delta == 0 || w.notify == nil {
		return
	}
	shouldNotify := w.ShouldNotify
	if shouldNotify == nil {
		shouldNotify = DefaultWindowPolicy
	}
	if !shouldNotify(w.limit, w.window, delta) {
		return
	}
	w.notify(delta)
	if !w.DeferCredit {
		w.window += delta
	}
}

// CreditWindow credits quota granted to the peer. Only needed with
// DeferCredit set, once the grant message has actually been sent.
func (w *Window) CreditWindow(delta int64) {
	w.window += delta
	if w.buffered+w.window > w.limit {
		w.trace().broken("window", fmt.Sprintf("overcredited: %v", w))
	}
}
