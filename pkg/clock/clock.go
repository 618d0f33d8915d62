// Package clock abstracts time for the agent runtime. Production code
// injects Real(); tests inject Fake() and drive time deterministically.
//
// Every timestamp the runtime emits (state transitions, audit entries,
// readiness polling, shutdown deadlines) routes through a Clock. Code
// under pkg/ must not call time.Now, time.After, time.NewTicker,
// time.AfterFunc, or time.Sleep directly.
package clock

import "time"

// Clock is the time source for the whole runtime.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NowISO returns the current time as an ISO-8601 (RFC 3339) UTC
	// string. Persisted timestamps use this form.
	NowISO() string

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for d, then calls f in its own goroutine. The
	// returned Timer cancels the pending call with Stop; its C field
	// is nil, matching time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C and call Stop when
// done. C has capacity 1: if the consumer falls behind, ticks are
// dropped, not queued.
type Ticker struct {
	C <-chan time.Time

	stopFunc  func()
	resetFunc func(time.Duration)
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Reset restarts the tick cycle with a new interval.
func (t *Ticker) Reset(d time.Duration) { t.resetFunc(d) }

// Timer is a single scheduled event. Timers created by AfterFunc have
// a nil C.
type Timer struct {
	C <-chan time.Time

	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. It reports whether the call
// stopped the timer before it fired.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset re-arms the timer for d. It reports whether the timer was
// still active.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NowISO() string { return time.Now().UTC().Format(time.RFC3339) }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{
		stopFunc:  timer.Stop,
		resetFunc: timer.Reset,
	}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{
		C:         ticker.C,
		stopFunc:  ticker.Stop,
		resetFunc: ticker.Reset,
	}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
