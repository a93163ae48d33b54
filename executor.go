package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// drainLimit bounds how much of a discarded response body is read so the connection can be reused.
const drainLimit = 64 << 10

const maxDurationFloat = float64(math.MaxInt64)

var errResponseTooLarge = errors.New("response body exceeds limit")

// Executor performs one logical request as a bounded sequence of attempts. Each attempt runs
// in its own cancellation scope (the caller's context plus a TimeoutPerAttempt timer) that is
// released when the attempt ends. Failures are classified and either retried with
// exponential backoff or returned as a *Failure.
//
// An Executor holds no per-call state and is safe for concurrent use.
type Executor struct {
	issuer   Issuer
	observer Observer
	statuses *HTTPStatusClassifier
	opts     Options
}

// NewExecutor creates an Executor around issuer. A nil issuer uses NewHTTPIssuer(nil).
// Options are validated on each call to Execute.
//
// Example:
//
//	executor := resilience.NewExecutor(
//	    resilience.NewHTTPIssuer(nil),
//	    resilience.WithTimeoutPerAttempt(20*time.Second),
//	    resilience.WithMaxRetries(3),
//	)
func NewExecutor(issuer Issuer, opts ...Option) *Executor {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if issuer == nil {
		issuer = NewHTTPIssuer(nil)
	}

	observer := options.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	return &Executor{
		issuer:   issuer,
		observer: observer,
		statuses: &HTTPStatusClassifier{RetryableStatuses: options.RetryableStatusCodes},
		opts:     *options,
	}
}

// Options returns a copy of the executor's configuration.
func (e *Executor) Options() Options {
	o := e.opts
	o.RetryableStatusCodes = append([]int{}, e.opts.RetryableStatusCodes...)
	return o
}

// Execute performs req with retries. It returns a response with a 2xx status whose body has
// already been received in full, or an error:
//   - *Failure for every network, timeout, server or cancellation outcome;
//   - ErrInvalidRequest or ErrInvalidOptions, before any attempt, for programmer errors.
//
// ctx is the caller's cancellation signal. If it is already done, Execute fails with
// CodeAborted without calling the issuer. If it ends during the call the live attempt is torn
// down and Execute fails with CodeAborted; no further attempt is made.
func (e *Executor) Execute(ctx context.Context, req *Request) (*http.Response, error) {
	if err := e.opts.Validate(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	if ctx.Err() != nil {
		f := abortedFailure(ctx)
		e.observer.ObserveCall(ctx, CallEvent{Method: req.Method, URL: req.URL, Failure: f})
		return nil, f
	}

	req = e.stampRequestID(req)

	var (
		response *http.Response
		attempts int
		pending  *AttemptEvent
	)

	flush := func(delay time.Duration, retrying bool) {
		if pending == nil {
			return
		}
		pending.WillRetry = retrying
		if retrying {
			pending.NextDelay = delay
		}
		e.observer.ObserveAttempt(ctx, *pending)
		pending = nil
	}

	backoff := e.backoff()
	observed := retry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := backoff.Next()
		flush(delay, !stop)
		return delay, stop
	})

	err := retry.Do(ctx, observed, func(ctx context.Context) error {
		attempts++
		attemptStart := time.Now()

		resp, failure := e.attempt(ctx, req)

		pending = &AttemptEvent{
			Method:      req.Method,
			URL:         req.URL,
			Attempt:     attempts,
			MaxAttempts: e.opts.MaxAttempts(),
			Started:     attemptStart,
			Duration:    time.Since(attemptStart),
			Failure:     failure,
		}
		if resp != nil {
			pending.StatusCode = resp.StatusCode
		} else if failure != nil {
			pending.StatusCode = failure.StatusCode()
		}

		if failure == nil {
			response = resp
			return nil
		}

		if !e.retryable(failure) {
			return failure
		}
		return retry.RetryableError(failure)
	})
	flush(0, false)

	event := CallEvent{
		Method:   req.Method,
		URL:      req.URL,
		Attempts: attempts,
		Duration: time.Since(start),
	}

	if err == nil {
		event.StatusCode = response.StatusCode
		e.observer.ObserveCall(ctx, event)
		return response, nil
	}

	failure := e.terminalFailure(ctx, err)
	event.Failure = failure
	event.StatusCode = failure.StatusCode()
	e.observer.ObserveCall(ctx, event)
	return nil, failure
}

// attempt runs one request in a fresh per-attempt scope. The scope's timer is stopped on
// return by every path, so it can never fire after the attempt is done.
func (e *Executor) attempt(ctx context.Context, req *Request) (*http.Response, *Failure) {
	timeout := e.opts.TimeoutPerAttempt
	attemptCtx, cancel := context.WithTimeoutCause(ctx, timeout, errAttemptTimeout)
	defer cancel()

	resp, err := e.issuer.Execute(attemptCtx, req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, classifyError(ctx, attemptCtx, err, timeout)
	}
	if resp == nil {
		return nil, newFailure(CodeNetwork, "issuer returned neither response nor error", nil)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := e.readBody(resp.Body)
		if err != nil {
			return nil, classifyError(ctx, attemptCtx, err, timeout)
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		return resp, nil
	}

	drainAndClose(resp.Body)
	if ctx.Err() != nil {
		return nil, abortedFailure(ctx)
	}
	return nil, newServerFailure(resp.StatusCode)
}

func (e *Executor) retryable(f *Failure) bool {
	switch f.code {
	case CodeAborted:
		return false
	case CodeServer:
		return e.statuses.IsRetryableStatus(f.status)
	default:
		return true
	}
}

// terminalFailure converts the error returned by the retry loop into the call's *Failure.
// Caller cancellation takes precedence over whatever the last attempt recorded.
func (e *Executor) terminalFailure(ctx context.Context, err error) *Failure {
	if ctx.Err() != nil {
		return abortedFailure(ctx)
	}
	if f, ok := AsFailure(err); ok {
		return f
	}
	return newFailure(CodeNetwork, err.Error(), err)
}

// backoff builds the delay schedule: InitialRetryDelay * BackoffFactor^(k-2) before attempt k,
// capped by MaxRetryDelay and optionally jittered, stopping after MaxRetries delays.
func (e *Executor) backoff() retry.Backoff {
	current := float64(e.opts.InitialRetryDelay)
	factor := e.opts.BackoffFactor
	ceiling := e.opts.MaxRetryDelay

	// The cap only lowers a delay; a zero delay stays zero.
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		delay := toDuration(current)
		current *= factor
		if ceiling > 0 {
			delay = min(delay, ceiling)
		}
		return delay, false
	})

	if e.opts.RetryJitter > 0 {
		b = retry.WithJitter(e.opts.RetryJitter, b)
	}

	return retry.WithMaxRetries(uint64(e.opts.MaxRetries), b) // #nosec G115 - validated non-negative
}

// WorstCaseLatency returns the longest a call can take before it fails: every attempt
// running to its timeout plus every retry delay at its maximum jitter.
func (e *Executor) WorstCaseLatency() time.Duration {
	total := float64(e.opts.MaxAttempts()) * float64(e.opts.TimeoutPerAttempt)
	delay := float64(e.opts.InitialRetryDelay)
	for i := 0; i < e.opts.MaxRetries; i++ {
		d := delay
		if e.opts.MaxRetryDelay > 0 && d > float64(e.opts.MaxRetryDelay) {
			d = float64(e.opts.MaxRetryDelay)
		}
		total += d + float64(e.opts.RetryJitter)
		delay *= e.opts.BackoffFactor
	}
	return toDuration(total)
}

// toDuration converts nanoseconds to a Duration, saturating instead of overflowing.
func toDuration(ns float64) time.Duration {
	if ns >= maxDurationFloat {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

func (e *Executor) stampRequestID(req *Request) *Request {
	header := e.opts.RequestIDHeader
	if header == "" || req.Header.Get(header) != "" {
		return req
	}
	stamped := req.clone()
	stamped.Header.Set(header, uuid.NewString())
	return stamped
}

func (e *Executor) readBody(body io.ReadCloser) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	defer body.Close()

	limit := e.opts.MaxResponseBytes
	if limit <= 0 {
		return io.ReadAll(body)
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w of %d bytes", errResponseTooLarge, limit)
	}
	return data, nil
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, drainLimit))
	_ = body.Close()
}
