package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// ErrInvalidOptions is returned, before any attempt is made, for out-of-range Options.
var ErrInvalidOptions = errors.New("resilience: invalid options")

// errAttemptTimeout is the cancellation cause of a per-attempt scope whose timer fired.
var errAttemptTimeout = errors.New("resilience: attempt timed out")

// CircuitBreakerErrorClassifier determines whether an attempt outcome should count as a
// circuit breaker failure. status is 0 when no response was received.
type CircuitBreakerErrorClassifier interface {
	ShouldTripCircuit(status int, err error) bool
}

// HTTPStatusClassifier provides HTTP status code-based classification.
type HTTPStatusClassifier struct {
	// RetryableStatuses lists response status codes treated as transient.
	// Defaults to 408, 429, 500, 502, 503, 504 if nil.
	RetryableStatuses []int

	// CircuitTripStatuses lists response status codes that count against the circuit breaker.
	// Defaults to 401, 403, 500, 502, 503, 504 if nil.
	CircuitTripStatuses []int
}

// HTTPError represents an error with an associated HTTP status code.
// Issuers wrapping SDKs that turn statuses into errors can return one; the Executor then
// classifies it exactly like a received response with that status.
type HTTPError interface {
	error
	StatusCode() int
}

// DefaultRetryableStatusCodes returns the statuses retried by default.
func DefaultRetryableStatusCodes() []int {
	return []int{408, 429, 500, 502, 503, 504}
}

// NewHTTPStatusClassifier creates a new HTTPStatusClassifier with default status code mappings.
func NewHTTPStatusClassifier() *HTTPStatusClassifier {
	return &HTTPStatusClassifier{
		RetryableStatuses:   DefaultRetryableStatusCodes(),
		CircuitTripStatuses: []int{401, 403, 500, 502, 503, 504},
	}
}

// IsRetryableStatus reports whether a response with status may be retried.
func (c *HTTPStatusClassifier) IsRetryableStatus(status int) bool {
	statuses := c.RetryableStatuses
	if statuses == nil {
		statuses = DefaultRetryableStatusCodes()
	}
	return slices.Contains(statuses, status)
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier.
func (c *HTTPStatusClassifier) ShouldTripCircuit(status int, err error) bool {
	if err != nil {
		// Cancellation and timeouts are transient or caller-driven; they don't trip.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return false
		}
		if pkgerrors.IsTimeout(err) {
			return false
		}
		if s := extractStatusCode(err); s != 0 {
			status = s
		} else {
			return true
		}
	}
	statuses := c.CircuitTripStatuses
	if statuses == nil {
		statuses = []int{401, 403, 500, 502, 503, 504}
	}
	return slices.Contains(statuses, status)
}

// DefaultCircuitBreakerErrorClassifier trips on authentication errors (401, 403), server
// errors (5xx) and transport faults, but not on timeouts or cancellation.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return NewHTTPStatusClassifier()
}

// extractStatusCode returns the status carried by err, or 0.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// StatusCodeError wraps an error with an HTTP status code.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
//
// Example:
//
//	resp, err := sdk.Upload(ctx, payload)
//	if err != nil {
//	    return nil, resilience.NewStatusCodeError(sdkStatus(err), err)
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}

// classifyError turns an issuer failure into a *Failure. Caller cancellation is checked
// first: it wins over a per-attempt timeout that fired at nearly the same moment.
func classifyError(callCtx, attemptCtx context.Context, err error, timeout time.Duration) *Failure {
	if callCtx.Err() != nil {
		return abortedFailure(callCtx)
	}
	if errors.Is(context.Cause(attemptCtx), errAttemptTimeout) {
		return timeoutFailure(timeout)
	}
	if errors.Is(err, ErrCircuitRejected) {
		return newFailure(CodeNetwork, err.Error(), err)
	}
	if isTimeoutError(err) {
		return newFailure(CodeTimeout, err.Error(), err)
	}
	if status := extractStatusCode(err); status != 0 {
		f := newServerFailure(status)
		if f.cause == nil {
			f.cause = err
		}
		return f
	}
	return newFailure(CodeNetwork, err.Error(), err)
}

func abortedFailure(ctx context.Context) *Failure {
	cause := context.Cause(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newFailure(CodeAborted, "caller deadline exceeded", cause)
	}
	return newFailure(CodeAborted, "request canceled by caller", cause)
}

func timeoutFailure(timeout time.Duration) *Failure {
	return newFailure(CodeTimeout,
		fmt.Sprintf("attempt timed out after %s", timeout),
		pkgerrors.NewTimeoutError("attempt timed out", "resilient request", timeout))
}

// isTimeoutError reports transport-level timeouts raised by the issuer itself, such as a dial
// timeout or an http.Client.Timeout.
func isTimeoutError(err error) bool {
	if pkgerrors.IsTimeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
