package resilience_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	resilience "github.com/JohnPlummer/jp-go-resilient-http"
)

// mockIssuer implements resilience.Issuer for testing
type mockIssuer struct {
	executeFunc func(ctx context.Context, req *resilience.Request) (*http.Response, error)
	callCount   atomic.Int32
}

func (m *mockIssuer) Execute(ctx context.Context, req *resilience.Request) (*http.Response, error) {
	m.callCount.Add(1)
	return m.executeFunc(ctx, req)
}

func (m *mockIssuer) getCallCount() int {
	return int(m.callCount.Load())
}

// statusSequence returns responses with the given statuses in order, repeating the last one.
func statusSequence(statuses ...int) func(ctx context.Context, req *resilience.Request) (*http.Response, error) {
	var next atomic.Int32
	return func(ctx context.Context, req *resilience.Request) (*http.Response, error) {
		i := int(next.Add(1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		return newResponse(statuses[i], http.StatusText(statuses[i])), nil
	}
}

// blockUntilDone never resolves on its own.
func blockUntilDone(ctx context.Context, _ *resilience.Request) (*http.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newRequest(url string) *resilience.Request {
	return &resilience.Request{Method: http.MethodGet, URL: url}
}

// recordingObserver keeps every event it receives.
type recordingObserver struct {
	mu       sync.Mutex
	attempts []resilience.AttemptEvent
	calls    []resilience.CallEvent
}

func (r *recordingObserver) ObserveAttempt(_ context.Context, event resilience.AttemptEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, event)
}

func (r *recordingObserver) ObserveCall(_ context.Context, event resilience.CallEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, event)
}

func (r *recordingObserver) Attempts() []resilience.AttemptEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]resilience.AttemptEvent{}, r.attempts...)
}

func (r *recordingObserver) Calls() []resilience.CallEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]resilience.CallEvent{}, r.calls...)
}

func (r *recordingObserver) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts) + len(r.calls)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // Quiet during tests
	}))
}

func failureOf(err error) *resilience.Failure {
	f, ok := resilience.AsFailure(err)
	if !ok {
		return nil
	}
	return f
}
