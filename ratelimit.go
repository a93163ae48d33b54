package resilience

import (
	"context"
	"net/http"
	"time"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
	"golang.org/x/time/rate"
)

// RateLimitedIssuer waits for a limiter token before delegating to the wrapped Issuer.
// The wait happens inside the attempt scope, so it counts against TimeoutPerAttempt and ends
// on caller cancellation.
type RateLimitedIssuer struct {
	issuer  Issuer
	limiter *rate.Limiter
}

// NewRateLimitedIssuer wraps issuer with limiter.
//
// Example:
//
//	issuer := resilience.NewRateLimitedIssuer(
//	    resilience.NewHTTPIssuer(nil),
//	    rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
//	)
func NewRateLimitedIssuer(issuer Issuer, limiter *rate.Limiter) *RateLimitedIssuer {
	return &RateLimitedIssuer{issuer: issuer, limiter: limiter}
}

// Execute implements Issuer.
func (r *RateLimitedIssuer) Execute(ctx context.Context, req *Request) (*http.Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// The token would only arrive after the attempt deadline.
		var remaining time.Duration
		if deadline, ok := ctx.Deadline(); ok {
			remaining = time.Until(deadline)
		}
		return nil, pkgerrors.NewTimeoutError("rate limiter wait exceeds attempt deadline", "rate limit wait", remaining)
	}
	return r.issuer.Execute(ctx, req)
}
