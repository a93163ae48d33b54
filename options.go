package resilience

import (
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Options holds the resilience configuration of an Executor.
//
// Worst-case latency of one call is roughly
// (MaxRetries+1)*TimeoutPerAttempt plus the sum of the retry delays; see
// Executor.WorstCaseLatency. Size upstream timeouts and UX expectations accordingly.
type Options struct {
	// Observer receives attempt and call events.
	// Default: none
	Observer Observer

	// RetryableStatusCodes lists response statuses treated as transient.
	// Default: 408, 429, 500, 502, 503, 504
	RetryableStatusCodes []int

	// RequestIDHeader, when set, names a header stamped with one UUID per call and
	// reused on every attempt of that call. A value already present on the request is kept.
	// Default: "" (disabled)
	RequestIDHeader string

	// TimeoutPerAttempt bounds a single attempt, including connection and full receipt of
	// the response body. It does not bound the whole call.
	// Default: 30 seconds
	TimeoutPerAttempt time.Duration

	// InitialRetryDelay is the delay before the second attempt.
	// Default: 1.5 seconds
	InitialRetryDelay time.Duration

	// MaxRetryDelay caps a single retry delay. Zero means uncapped.
	// Default: 0
	MaxRetryDelay time.Duration

	// RetryJitter adds up to this much random delay to each retry delay.
	// Default: 0 (delays are exact)
	RetryJitter time.Duration

	// BackoffFactor multiplies the delay after each retry.
	// The delay before attempt k (k >= 2) is InitialRetryDelay * BackoffFactor^(k-2).
	// Default: 2.0
	BackoffFactor float64

	// MaxResponseBytes limits the size of a successful response body. Zero means unlimited.
	// Default: 0
	MaxResponseBytes int64

	// MaxRetries is the number of additional attempts after the first.
	// Default: 2 (three attempts in total)
	MaxRetries int
}

// Option is a functional option for configuring an Executor.
type Option func(*Options)

// DefaultOptions returns options with the documented defaults.
func DefaultOptions() *Options {
	return &Options{
		RetryableStatusCodes: DefaultRetryableStatusCodes(),
		TimeoutPerAttempt:    30 * time.Second,
		InitialRetryDelay:    1500 * time.Millisecond,
		BackoffFactor:        2.0,
		MaxRetries:           2,
	}
}

// MaxAttempts returns MaxRetries+1.
func (o *Options) MaxAttempts() int {
	return o.MaxRetries + 1
}

// Validate checks that every numeric option is in range.
func (o *Options) Validate() error {
	switch {
	case o.TimeoutPerAttempt <= 0:
		return fmt.Errorf("%w: timeout per attempt must be positive, got %s", ErrInvalidOptions, o.TimeoutPerAttempt)
	case o.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidOptions, o.MaxRetries)
	case o.InitialRetryDelay < 0:
		return fmt.Errorf("%w: initial retry delay must not be negative, got %s", ErrInvalidOptions, o.InitialRetryDelay)
	case o.MaxRetryDelay < 0:
		return fmt.Errorf("%w: max retry delay must not be negative, got %s", ErrInvalidOptions, o.MaxRetryDelay)
	case o.RetryJitter < 0:
		return fmt.Errorf("%w: retry jitter must not be negative, got %s", ErrInvalidOptions, o.RetryJitter)
	case o.BackoffFactor < 0 || math.IsNaN(o.BackoffFactor) || math.IsInf(o.BackoffFactor, 0):
		return fmt.Errorf("%w: backoff factor must be a non-negative number, got %v", ErrInvalidOptions, o.BackoffFactor)
	case o.MaxResponseBytes < 0:
		return fmt.Errorf("%w: max response bytes must not be negative, got %d", ErrInvalidOptions, o.MaxResponseBytes)
	}
	return nil
}

// WithTimeoutPerAttempt sets the upper bound on a single attempt.
func WithTimeoutPerAttempt(timeout time.Duration) Option {
	return func(o *Options) {
		o.TimeoutPerAttempt = timeout
	}
}

// WithMaxRetries sets the number of additional attempts after the first.
//
// Example:
//
//	resilience.WithMaxRetries(4) // up to 5 attempts in total
func WithMaxRetries(retries int) Option {
	return func(o *Options) {
		o.MaxRetries = retries
	}
}

// WithInitialRetryDelay sets the delay before the second attempt.
func WithInitialRetryDelay(delay time.Duration) Option {
	return func(o *Options) {
		o.InitialRetryDelay = delay
	}
}

// WithBackoffFactor sets the multiplier applied to the delay after each retry.
//
// Example:
//
//	resilience.WithInitialRetryDelay(time.Second)
//	resilience.WithBackoffFactor(3) // delays: 1s, 3s, 9s, ...
func WithBackoffFactor(factor float64) Option {
	return func(o *Options) {
		o.BackoffFactor = factor
	}
}

// WithMaxRetryDelay caps each retry delay.
func WithMaxRetryDelay(delay time.Duration) Option {
	return func(o *Options) {
		o.MaxRetryDelay = delay
	}
}

// WithRetryJitter adds up to jitter of random delay to each retry delay.
func WithRetryJitter(jitter time.Duration) Option {
	return func(o *Options) {
		o.RetryJitter = jitter
	}
}

// WithRetryableStatusCodes replaces the set of retryable response statuses.
// Passing no codes disables status-based retries.
//
// Example:
//
//	resilience.WithRetryableStatusCodes(http.StatusServiceUnavailable)
func WithRetryableStatusCodes(codes ...int) Option {
	return func(o *Options) {
		o.RetryableStatusCodes = append([]int{}, codes...)
	}
}

// WithRequestIDHeader stamps header with one UUID per call, reused across attempts.
//
// Example:
//
//	resilience.WithRequestIDHeader("Idempotency-Key")
func WithRequestIDHeader(header string) Option {
	return func(o *Options) {
		o.RequestIDHeader = header
	}
}

// WithMaxResponseBytes limits the size of a successful response body.
func WithMaxResponseBytes(n int64) Option {
	return func(o *Options) {
		o.MaxResponseBytes = n
	}
}

// WithObserver sets the side-channel receiving attempt and call events.
// Use Observers to combine several.
func WithObserver(observer Observer) Option {
	return func(o *Options) {
		o.Observer = observer
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever a request fails in the closed state.
	// If ReadyToTrip returns true, the circuit breaker will be placed into the open state.
	// Default: trips after 3 requests with 60% failure rate
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// ErrorClassifier determines which outcomes count as failures.
	// Default: HTTPStatusClassifier with standard trip codes
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker state changes and rejections.
	// Default: slog.Default()
	Logger *slog.Logger

	// Name identifies the breaker in logs and health output.
	// Default: "resilient-http"
	Name string

	// Interval is the cyclic period of the closed state for the circuit breaker
	// to clear the internal counts. If 0, never clears.
	// Default: 10 seconds
	Interval time.Duration

	// Timeout is the period of the open state, after which the state becomes half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is in the half-open state.
	// Default: 3
	MaxRequests uint32
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing if the endpoint has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithBreakerName sets the breaker name used in logs and health output.
//
// Example:
//
//	resilience.WithBreakerName("payments-api")
func WithBreakerName(name string) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Name = name
	}
}

// WithMaxRequests sets the maximum number of requests in half-open state.
//
// Example:
//
//	resilience.WithMaxRequests(5)
func WithMaxRequests(maxRequests uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithInterval sets the interval for clearing counts in closed state.
//
// Example:
//
//	resilience.WithInterval(10 * time.Second)
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Interval = interval
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing in half-open state.
//
// Example:
//
//	resilience.WithOpenTimeout(60 * time.Second)
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Timeout = timeout
	}
}

// WithReadyToTrip sets a custom function to determine when to trip the circuit.
//
// Example:
//
//	resilience.WithReadyToTrip(func(counts resilience.CircuitBreakerCounts) bool {
//	    return counts.ConsecutiveFailures >= 5
//	})
func WithReadyToTrip(fn func(counts CircuitBreakerCounts) bool) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithCircuitBreakerErrorClassifier sets a custom classifier for circuit breaker decisions.
//
// Example:
//
//	classifier := &MyCustomClassifier{}
//	resilience.WithCircuitBreakerErrorClassifier(classifier)
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
//
// Example:
//
//	resilience.WithStateChangeHandler(func(name string, from, to resilience.CircuitBreakerState) {
//	    log.Printf("Circuit %s changed from %s to %s", name, from, to)
//	})
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets a custom logger for circuit breaker operations.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	resilience.WithCircuitBreakerLogger(logger)
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:        "resilient-http",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		ErrorClassifier: DefaultCircuitBreakerErrorClassifier(),
		Logger:          slog.Default(),
	}
}
