package kernel

import (
	"context"
	"sync"
)

// MockRunner is the test Runner: it records every invocation and
// returns canned outputs keyed by program name, matching spec.md §5's
// "programmable mock that records calls and returns canned outputs".
type MockRunner struct {
	mtx sync.Mutex

	// Canned maps a program name to the Result/error it should return.
	// The zero Result (exit 0, empty output) is returned for any
	// program with no canned entry.
	Canned map[string]mockResponse

	// Calls records every invocation in order, for assertions.
	Calls []Command

	Caps      CapabilitySet
	CapsError error
}

type mockResponse struct {
	result Result
	err    error
}

// NewMockRunner creates an empty MockRunner that succeeds (exit 0) for
// any command unless told otherwise via SetResult/SetError.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		Canned: make(map[string]mockResponse),
		Caps: CapabilitySet{
			HasWireguard: true,
			HasIP:        true,
			HasIPTables:  true,
		},
	}
}

// SetResult arranges for every later Run call against program to succeed
// with the given Result, until replaced by another SetResult/SetError.
func (m *MockRunner) SetResult(program string, result Result) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.Canned[program] = mockResponse{result: result}
}

// SetError arranges for every later Run call against program to fail
// with err, until replaced by another SetResult/SetError.
func (m *MockRunner) SetError(program string, err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.Canned[program] = mockResponse{err: err}
}

// Run records cmd and returns the canned response for its program, if
// any.
func (m *MockRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.Calls = append(m.Calls, cmd)

	resp, ok := m.Canned[cmd.Program]
	if !ok {
		return Result{}, nil
	}
	return resp.result, resp.err
}

// Capabilities returns the configured CapabilitySet/error.
func (m *MockRunner) Capabilities(ctx context.Context) (CapabilitySet, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.Caps, m.CapsError
}

// CallCount returns how many times Run has been called.
func (m *MockRunner) CallCount() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.Calls)
}
