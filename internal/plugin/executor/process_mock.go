package executor

import (
	"context"
	"sync"
	"time"
)

// MockProcessRunner is a ProcessRunner for tests.
type MockProcessRunner struct {
	// RunFunc supplies the result. The default prints nothing.
	RunFunc func(ctx context.Context, path string, args ...string) ([]byte, []byte, error)

	// Delay holds every run until it elapses or the context ends.
	Delay time.Duration

	mu       sync.Mutex
	calls    int
	lastArgs []string
}

// Run records the call and returns RunFunc's result.
func (m *MockProcessRunner) Run(ctx context.Context, path string, args ...string) ([]byte, []byte, error) {
	m.mu.Lock()
	m.calls++
	m.lastArgs = args
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if m.RunFunc != nil {
		return m.RunFunc(ctx, path, args...)
	}
	return nil, nil, nil
}

// Calls returns the number of runs and the arguments of the last one.
func (m *MockProcessRunner) Calls() (int, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls, m.lastArgs
}

// NewOutputMockProcessRunner returns a mock that prints stdout and succeeds.
func NewOutputMockProcessRunner(stdout []byte) *MockProcessRunner {
	return &MockProcessRunner{
		RunFunc: func(context.Context, string, ...string) ([]byte, []byte, error) {
			return stdout, nil, nil
		},
	}
}
