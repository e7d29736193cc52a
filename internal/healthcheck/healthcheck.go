// Package healthcheck runs periodic liveness probes against the core's
// external collaborators (main wires a single probe, the kernel command
// runner's capability set) and reports hard failures that should take
// the process down per spec.md §6's exit code table.
package healthcheck

import (
	"context"
	"time"

	"github.com/btcsuite/btclog"
)

var log = btclog.Disabled

// UseLogger assigns the subsystem logger used by this package.
func UseLogger(l btclog.Logger) {
	log = l
}

// Observation is a single probe: Check returns nil when the collaborator
// is healthy. Interval/Timeout/Retries/Backoff mirror the retry policy
// spec.md §7 requires of transient I/O ("retried ... with exponential
// backoff; surfaced only after max_retries").
type Observation struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
	Backoff  time.Duration

	// OnFailure is invoked once retries are exhausted. For the kernel
	// capability probe this is wired to an exit(65).
	OnFailure func(error)
}

// Monitor runs a set of Observations on their own goroutines until
// Stop is called.
type Monitor struct {
	observations []Observation
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewMonitor constructs a Monitor over the given observations.
func NewMonitor(observations ...Observation) *Monitor {
	return &Monitor{observations: observations}
}

// Start launches one probing goroutine per Observation.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{}, len(m.observations))

	for _, obs := range m.observations {
		go m.run(ctx, obs)
	}
}

// Stop halts all probing goroutines.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) run(ctx context.Context, obs Observation) {
	ticker := time.NewTicker(obs.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx, obs)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, obs Observation) {
	backoff := obs.Backoff
	var lastErr error

	for attempt := 0; attempt <= obs.Retries; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, obs.Timeout)
		lastErr = obs.Check(probeCtx)
		cancel()

		if lastErr == nil {
			return
		}

		log.Warnf("healthcheck %q attempt %d/%d failed: %v",
			obs.Name, attempt+1, obs.Retries+1, lastErr)

		if attempt == obs.Retries {
			break
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}

	log.Errorf("healthcheck %q exhausted retries: %v", obs.Name, lastErr)
	if obs.OnFailure != nil {
		obs.OnFailure(lastErr)
	}
}
