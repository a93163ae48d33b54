package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AttemptEvent describes the outcome of one attempt.
type AttemptEvent struct {
	// Started is when the attempt was issued.
	Started time.Time

	// Failure is nil when the attempt produced a 2xx response.
	Failure *Failure

	Method string
	URL    string

	// Attempt is 1-based.
	Attempt     int
	MaxAttempts int

	// StatusCode is the response status, or 0 when no response was received.
	StatusCode int

	// Duration covers issuing the request and receiving the full response.
	Duration time.Duration

	// NextDelay is the backoff before the next attempt when WillRetry is true.
	NextDelay time.Duration
	WillRetry bool
}

// CallEvent describes the terminal outcome of one logical call.
type CallEvent struct {
	// Failure is nil on success.
	Failure *Failure

	Method string
	URL    string

	// Attempts is the number of issuer invocations; 0 when the call was aborted up front.
	Attempts   int
	StatusCode int
	Duration   time.Duration
}

// Observer receives events from an Executor. Methods are called synchronously on the calling
// goroutine and must not block. The same Observer may be shared by concurrent calls.
type Observer interface {
	ObserveAttempt(ctx context.Context, event AttemptEvent)
	ObserveCall(ctx context.Context, event CallEvent)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(context.Context, AttemptEvent) {}
func (nopObserver) ObserveCall(context.Context, CallEvent)       {}

// Observers fans events out to each non-nil observer in order.
func Observers(observers ...Observer) Observer {
	list := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return list
}

type multiObserver []Observer

func (m multiObserver) ObserveAttempt(ctx context.Context, event AttemptEvent) {
	for _, o := range m {
		o.ObserveAttempt(ctx, event)
	}
}

func (m multiObserver) ObserveCall(ctx context.Context, event CallEvent) {
	for _, o := range m {
		o.ObserveCall(ctx, event)
	}
}

// RetryStats holds statistics about resilient calls.
type RetryStats struct {
	// LastAttemptTime is the time of the last attempt.
	LastAttemptTime time.Time

	// LastFailure is the last terminal failure, if any.
	LastFailure *Failure

	// FailuresByCode counts terminal failures per code.
	FailuresByCode map[Code]int64

	// TotalAttempts is the total number of attempts made (including initial and retries).
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including initial attempts).
	TotalRetries int64

	// TotalSuccesses is the number of successful calls.
	TotalSuccesses int64

	// TotalFailures is the number of failed calls, aborted ones included.
	TotalFailures int64
}

// StatsObserver accumulates RetryStats. It is safe for concurrent use.
type StatsObserver struct {
	mu    sync.RWMutex
	stats RetryStats
}

// NewStatsObserver creates an empty StatsObserver.
func NewStatsObserver() *StatsObserver {
	return &StatsObserver{stats: RetryStats{FailuresByCode: make(map[Code]int64)}}
}

// ObserveAttempt implements Observer.
func (s *StatsObserver) ObserveAttempt(_ context.Context, event AttemptEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalAttempts++
	if event.Attempt > 1 {
		s.stats.TotalRetries++
	}
	s.stats.LastAttemptTime = event.Started
}

// ObserveCall implements Observer.
func (s *StatsObserver) ObserveCall(_ context.Context, event CallEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Failure == nil {
		s.stats.TotalSuccesses++
		return
	}
	s.stats.TotalFailures++
	s.stats.LastFailure = event.Failure
	s.stats.FailuresByCode[event.Failure.Code()]++
}

// Stats returns a snapshot of the current statistics.
func (s *StatsObserver) Stats() RetryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.stats
	snapshot.FailuresByCode = make(map[Code]int64, len(s.stats.FailuresByCode))
	for code, n := range s.stats.FailuresByCode {
		snapshot.FailuresByCode[code] = n
	}
	return snapshot
}

// LogObserver logs attempts and call outcomes with a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver. A nil logger uses slog.Default().
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	resilience.WithObserver(resilience.NewLogObserver(logger))
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

// ObserveAttempt implements Observer.
func (l *LogObserver) ObserveAttempt(ctx context.Context, event AttemptEvent) {
	if event.Failure == nil {
		if event.Attempt > 1 {
			l.logger.InfoContext(ctx, "request succeeded after retry",
				"method", event.Method,
				"url", event.URL,
				"attempts", event.Attempt,
				"status", event.StatusCode)
		}
		return
	}

	if event.WillRetry {
		l.logger.DebugContext(ctx, "retrying request after delay",
			"method", event.Method,
			"url", event.URL,
			"attempt", event.Attempt,
			"max_attempts", event.MaxAttempts,
			"code", event.Failure.Code(),
			"delay", event.NextDelay,
			"error", event.Failure)
		return
	}

	l.logger.DebugContext(ctx, "attempt failed, giving up",
		"method", event.Method,
		"url", event.URL,
		"attempt", event.Attempt,
		"code", event.Failure.Code(),
		"error", event.Failure)
}

// ObserveCall implements Observer.
func (l *LogObserver) ObserveCall(ctx context.Context, event CallEvent) {
	switch {
	case event.Failure == nil:
		l.logger.DebugContext(ctx, "request completed",
			"method", event.Method,
			"url", event.URL,
			"status", event.StatusCode,
			"attempts", event.Attempts,
			"duration", event.Duration)
	case event.Failure.Code() == CodeAborted:
		l.logger.InfoContext(ctx, "request aborted by caller (expected condition)",
			"method", event.Method,
			"url", event.URL,
			"attempts", event.Attempts)
	default:
		l.logger.WarnContext(ctx, "request failed after retries",
			"method", event.Method,
			"url", event.URL,
			"code", event.Failure.Code(),
			"status", event.StatusCode,
			"attempts", event.Attempts,
			"duration", event.Duration,
			"error", event.Failure)
	}
}
