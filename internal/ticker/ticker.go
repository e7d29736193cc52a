// Package ticker provides the fast-tick scheduler primitive shared by
// Counter (watch_tick) and the hello_interval loop in cmd/meshagentd that
// drives PeerListener. Production code drives
// an Interval ticker; tests drive the same component via Force for
// deterministic, race-free scheduling.
package ticker

import "time"

// Ticker is satisfied by both Interval (real time.Ticker backed) and a
// test double that fires only when told to.
type Ticker interface {
	// Ticks delivers a tick each time the ticker fires.
	Ticks() <-chan time.Time

	// Resume (re)starts the ticker at its configured interval.
	Resume()

	// Pause stops the ticker without releasing its resources.
	Pause()

	// Stop releases the underlying timer. The ticker must not be reused
	// afterwards.
	Stop()
}

// Interval is a Ticker backed by a real time.Ticker, firing every
// interval once Resume has been called.
type Interval struct {
	interval time.Duration
	ticker   *time.Ticker
	ticks    chan time.Time
	quit     chan struct{}
}

// New creates an Interval ticker. The caller must call Resume to start
// receiving ticks.
func New(interval time.Duration) *Interval {
	return &Interval{
		interval: interval,
		ticks:    make(chan time.Time, 1),
		quit:     make(chan struct{}),
	}
}

// Ticks returns the channel ticks are delivered on.
func (t *Interval) Ticks() <-chan time.Time {
	return t.ticks
}

// Resume starts (or restarts) the underlying time.Ticker and forwards its
// ticks onto Ticks() until Pause or Stop is called.
func (t *Interval) Resume() {
	if t.ticker != nil {
		return
	}
	t.ticker = time.NewTicker(t.interval)
	t.quit = make(chan struct{})

	go func(underlying *time.Ticker, quit chan struct{}) {
		for {
			select {
			case when := <-underlying.C:
				select {
				case t.ticks <- when:
				default:
					// A tick is already pending; drop this one rather
					// than block the ticker's own goroutine.
				}
			case <-quit:
				return
			}
		}
	}(t.ticker, t.quit)
}

// Pause stops delivering ticks without discarding the ticker, so a later
// Resume picks back up on the same interval.
func (t *Interval) Pause() {
	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	close(t.quit)
	t.ticker = nil
}

// Stop releases the ticker permanently.
func (t *Interval) Stop() {
	t.Pause()
}

// Force is a Ticker driven entirely by test code calling Tick; Resume and
// Pause are no-ops so tests can enable/disable delivery without affecting
// the component under test's control flow.
type Force struct {
	C chan time.Time
}

// NewForce creates a manually-driven ticker for tests.
func NewForce() *Force {
	return &Force{C: make(chan time.Time, 1)}
}

// Ticks returns the channel a test fires ticks on via Tick.
func (f *Force) Ticks() <-chan time.Time {
	return f.C
}

// Tick delivers a single synthetic tick at the given time.
func (f *Force) Tick(when time.Time) {
	f.C <- when
}

// Resume is a no-op for Force; tests control delivery directly.
func (f *Force) Resume() {}

// Pause is a no-op for Force; tests control delivery directly.
func (f *Force) Pause() {}

// Stop closes the underlying channel.
func (f *Force) Stop() {
	close(f.C)
}
