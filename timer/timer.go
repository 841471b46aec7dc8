// Package timer schedules the three named per-round timeouts the round
// machine asks for (propose, prevote, precommit), each with a duration
// that escalates linearly per round (duration = base + round*delta) so a
// network that keeps skipping rounds backs off rather than retrying at a
// fixed cadence forever.
package timer

import (
	"sync"
	"time"

	"github.com/renproject/tendermint-core/round"
	"github.com/renproject/tendermint-core/types"
)

// Options configures a Timer's base durations and per-round escalation.
type Options struct {
	ProposeBase    time.Duration
	ProposeDelta   time.Duration
	PrevoteBase    time.Duration
	PrevoteDelta   time.Duration
	PrecommitBase  time.Duration
	PrecommitDelta time.Duration
}

// DefaultOptions returns conservative bases with a modest escalation per
// additional round.
func DefaultOptions() Options {
	return Options{
		ProposeBase:    3 * time.Second,
		ProposeDelta:   time.Second,
		PrevoteBase:    time.Second,
		PrevoteDelta:   500 * time.Millisecond,
		PrecommitBase:  time.Second,
		PrecommitDelta: 500 * time.Millisecond,
	}
}

// WithTimeoutScaling overrides all three deltas to delta. Tests use
// WithTimeoutScaling(0) to disable escalation and stay deterministic.
func (o Options) WithTimeoutScaling(delta time.Duration) Options {
	o.ProposeDelta = delta
	o.PrevoteDelta = delta
	o.PrecommitDelta = delta
	return o
}

// Elapsed is delivered on a Timer's channel when a scheduled timeout fires
// and has not been cancelled in the interim.
type Elapsed struct {
	Height  types.Height
	Round   types.Round
	Timeout round.TimeoutKind
}

// Timer schedules and cancels named per-round timeouts, filtering out
// elapsed timers that were cancelled or rescheduled in the meantime (a
// cancel can race with a timer's goroutine waking up).
type Timer struct {
	options Options
	out     chan Elapsed

	mu      sync.Mutex
	pending map[pendingKey]*pendingTimer
}

type pendingKey struct {
	Round   types.Round
	Timeout round.TimeoutKind
}

type pendingTimer struct {
	cancel chan struct{}
}

// New constructs a Timer, delivering Elapsed values on the returned
// channel.
func New(options Options) (*Timer, <-chan Elapsed) {
	out := make(chan Elapsed)
	t := &Timer{
		options: options,
		out:     out,
		pending: make(map[pendingKey]*pendingTimer),
	}
	return t, out
}

// Schedule starts (or restarts) the named timeout for (height, round),
// escalating its duration by round*delta as the paper's
// duration_step += delta_step rule specifies.
func (t *Timer) Schedule(height types.Height, r types.Round, timeout round.TimeoutKind) {
	duration := t.duration(r, timeout)
	t.mu.Lock()
	key := pendingKey{Round: r, Timeout: timeout}
	if existing, ok := t.pending[key]; ok {
		close(existing.cancel)
	}
	cancel := make(chan struct{})
	t.pending[key] = &pendingTimer{cancel: cancel}
	t.mu.Unlock()

	go func() {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		select {
		case <-timer.C:
			t.mu.Lock()
			current, ok := t.pending[key]
			stillCurrent := ok && current.cancel == cancel
			if stillCurrent {
				delete(t.pending, key)
			}
			t.mu.Unlock()
			if !stillCurrent {
				return
			}
			t.out <- Elapsed{Height: height, Round: r, Timeout: timeout}
		case <-cancel:
		}
	}()
}

// Cancel best-effort cancels the named timeout for round, a no-op if it has
// already fired or was never scheduled.
func (t *Timer) Cancel(r types.Round, timeout round.TimeoutKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := pendingKey{Round: r, Timeout: timeout}
	if existing, ok := t.pending[key]; ok {
		close(existing.cancel)
		delete(t.pending, key)
	}
}

// CancelAll best-effort cancels every outstanding timeout, used when a
// height is decided and the driver resets for the next one.
func (t *Timer) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, p := range t.pending {
		close(p.cancel)
		delete(t.pending, key)
	}
}

func (t *Timer) duration(r types.Round, timeout round.TimeoutKind) time.Duration {
	return t.options.Duration(r, timeout)
}

// Duration computes the escalated duration for timeout at round r, exposed
// so hosts can compute a GetValue deadline without scheduling an actual
// Timer.
func (o Options) Duration(r types.Round, timeout round.TimeoutKind) time.Duration {
	step := int64(0)
	if r.IsDefined() {
		step = int64(r)
	}
	switch timeout {
	case round.TimeoutPropose:
		return o.ProposeBase + time.Duration(step)*o.ProposeDelta
	case round.TimeoutPrevote:
		return o.PrevoteBase + time.Duration(step)*o.PrevoteDelta
	case round.TimeoutPrecommit:
		return o.PrecommitBase + time.Duration(step)*o.PrecommitDelta
	default:
		return o.ProposeBase
	}
}
