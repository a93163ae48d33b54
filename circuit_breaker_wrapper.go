package resilience

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// ErrCircuitRejected matches every error returned for a request the circuit breaker refused
// without contacting the endpoint. The Executor classifies such rejections as CodeNetwork.
var ErrCircuitRejected = errors.New("resilience: circuit breaker rejected request")

// CircuitBreakerIssuer wraps an Issuer with circuit breaker functionality.
// Responses with a trip status and transport faults count as failures; once the breaker opens,
// requests are rejected immediately until the open timeout elapses.
type CircuitBreakerIssuer struct {
	issuer     Issuer
	cb         *gobreaker.CircuitBreaker[*http.Response]
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier
	name       string
}

// tripStatus marks a received response as a breaker failure without turning it into an error
// for the caller.
type tripStatus struct {
	status int
}

func (t *tripStatus) Error() string {
	return http.StatusText(t.status)
}

// circuitRejection carries the jp-go-errors description of a rejection.
type circuitRejection struct {
	reason error
	detail error
}

func (c *circuitRejection) Error() string        { return c.detail.Error() }
func (c *circuitRejection) Unwrap() error        { return c.reason }
func (c *circuitRejection) Is(target error) bool { return target == ErrCircuitRejected }

// NewCircuitBreakerIssuer creates a circuit breaker around issuer.
//
// Example:
//
//	issuer := resilience.NewCircuitBreakerIssuer(
//	    resilience.NewHTTPIssuer(nil),
//	    resilience.WithMaxRequests(1),
//	    resilience.WithOpenTimeout(time.Minute),
//	)
func NewCircuitBreakerIssuer(issuer Issuer, opts ...CircuitBreakerOption) *CircuitBreakerIssuer {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = DefaultCircuitBreakerConfig().ReadyToTrip
	}

	classifier := config.ErrorClassifier

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.ReadyToTrip(convertCounts(counts))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var trip *tripStatus
			if errors.As(err, &trip) {
				return false
			}
			return !classifier.ShouldTripCircuit(0, err)
		},
	}

	return &CircuitBreakerIssuer{
		issuer:     issuer,
		cb:         gobreaker.NewCircuitBreaker[*http.Response](settings),
		logger:     config.Logger,
		classifier: classifier,
		name:       config.Name,
	}
}

// Execute implements Issuer. Rejected requests return an error matching ErrCircuitRejected
// and the underlying gobreaker error.
func (w *CircuitBreakerIssuer) Execute(ctx context.Context, req *Request) (*http.Response, error) {
	var received *http.Response
	resp, err := w.cb.Execute(func() (*http.Response, error) {
		resp, err := w.issuer.Execute(ctx, req)
		if err != nil {
			return resp, err
		}
		received = resp
		if w.classifier.ShouldTripCircuit(resp.StatusCode, nil) {
			return resp, &tripStatus{status: resp.StatusCode}
		}
		return resp, nil
	})
	if err == nil {
		return resp, nil
	}

	var trip *tripStatus
	if errors.As(err, &trip) {
		return received, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		counts := w.cb.Counts()
		w.logger.Warn("circuit breaker is open, request rejected",
			"name", w.name,
			"url", req.URL,
			"counts", counts)
		return nil, w.rejection(err, "request rejected", "open", counts)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		counts := w.cb.Counts()
		w.logger.Debug("circuit breaker in half-open state, too many requests",
			"name", w.name,
			"url", req.URL)
		return nil, w.rejection(err, "too many requests in half-open state", "half-open", counts)
	default:
		w.logger.Debug("request failed through circuit breaker",
			"error", err,
			"should_trip", w.classifier.ShouldTripCircuit(0, err))
	}
	return resp, err
}

func (w *CircuitBreakerIssuer) rejection(err error, msg, state string, counts gobreaker.Counts) error {
	return &circuitRejection{
		reason: err,
		detail: jperrors.NewCircuitBreakerError(
			msg,
			"execute",
			state,
			jperrors.WithCause(err),
			jperrors.WithCounts(jperrors.CircuitCounts{
				Requests:             counts.Requests,
				TotalSuccesses:       counts.TotalSuccesses,
				TotalFailures:        counts.TotalFailures,
				ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
				ConsecutiveFailures:  counts.ConsecutiveFailures,
			}),
		),
	}
}

// State returns the current state of the circuit breaker.
func (w *CircuitBreakerIssuer) State() CircuitBreakerState {
	return convertGobreakerState(w.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (w *CircuitBreakerIssuer) Counts() CircuitBreakerCounts {
	return convertCounts(w.cb.Counts())
}

// GetHealth returns the health status of the circuit breaker.
func (w *CircuitBreakerIssuer) GetHealth() HealthStatus {
	state := w.State()
	counts := w.Counts()

	return HealthStatus{
		Name:                 w.name,
		Healthy:              state != StateOpen,
		State:                state.String(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

func convertCounts(counts gobreaker.Counts) CircuitBreakerCounts {
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// CombineExecutorAndCircuitBreaker creates an Executor whose attempts pass through a circuit
// breaker. The breaker is the inner layer, so it sees every attempt and keeps accurate state;
// the executor is the outer layer and retries rejections within its budget.
// A non-nil logger is used for breaker state changes and, unless opts set another observer,
// for attempt logging. cbConfig is copied and never modified.
func CombineExecutorAndCircuitBreaker(
	issuer Issuer,
	cbConfig *CircuitBreakerConfig,
	logger *slog.Logger,
	opts ...Option,
) (*Executor, *CircuitBreakerIssuer) {
	if issuer == nil {
		issuer = NewHTTPIssuer(nil)
	}

	breaker := NewCircuitBreakerIssuer(issuer, func(c *CircuitBreakerConfig) {
		if cbConfig != nil {
			*c = *cbConfig
		}
		if logger != nil {
			c.Logger = logger
		}
	})

	if logger != nil {
		opts = append([]Option{WithObserver(NewLogObserver(logger))}, opts...)
	}
	return NewExecutor(breaker, opts...), breaker
}
