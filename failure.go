package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"slices"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// Code identifies the kind of terminal failure of a resilient call.
type Code string

const (
	// CodeTimeout means the last attempt exceeded its per-attempt timeout.
	CodeTimeout Code = "timeout"

	// CodeAborted means the caller's context was canceled or expired. It is never retried and
	// should be treated by user interfaces as a non-error outcome.
	CodeAborted Code = "aborted"

	// CodeOffline is reserved for pre-flight connectivity checks performed by a collaborator
	// before the call. The Executor never produces it.
	CodeOffline Code = "offline"

	// CodeNetwork means a transport-level fault: DNS, connection reset, TLS and the like.
	CodeNetwork Code = "network"

	// CodeServer means a response with a non-2xx status was received.
	CodeServer Code = "server"
)

// Failure is the typed terminal error of a resilient call. It is immutable once constructed.
type Failure struct {
	cause   error
	code    Code
	message string
	status  int
}

func newFailure(code Code, message string, cause error) *Failure {
	return &Failure{code: code, message: message, cause: cause}
}

// newServerFailure builds a CodeServer failure for status. A 429 unwraps to
// jp-go-errors ErrRateLimited.
func newServerFailure(status int) *Failure {
	f := &Failure{
		code:    CodeServer,
		status:  status,
		message: fmt.Sprintf("server responded with status %d %s", status, http.StatusText(status)),
	}
	if status == http.StatusTooManyRequests {
		f.cause = pkgerrors.ErrRateLimited
	}
	return f
}

// NewOfflineFailure builds a CodeOffline failure. It is intended for connectivity checks that
// run before a call is handed to the Executor.
func NewOfflineFailure(message string, cause error) *Failure {
	if message == "" {
		message = "no network connection"
	}
	return newFailure(CodeOffline, message, cause)
}

// Code returns the failure code.
func (f *Failure) Code() Code { return f.code }

// Message returns the human-readable description.
func (f *Failure) Message() string { return f.message }

// Status returns the HTTP status and true when the failure has CodeServer.
func (f *Failure) Status() (int, bool) {
	return f.status, f.code == CodeServer && f.status != 0
}

// StatusCode returns the HTTP status, or 0 when the failure carries none.
// This implements the HTTPError interface.
func (f *Failure) StatusCode() int { return f.status }

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.code == CodeServer && f.status != 0 {
		return fmt.Sprintf("%s (%d): %s", f.code, f.status, f.message)
	}
	return fmt.Sprintf("%s: %s", f.code, f.message)
}

// Unwrap returns the underlying cause, if any.
func (f *Failure) Unwrap() error { return f.cause }

// Transient reports whether the failure kind is one a later retry could resolve. Server
// failures are judged against DefaultRetryableStatusCodes.
func (f *Failure) Transient() bool {
	switch f.code {
	case CodeTimeout, CodeNetwork, CodeOffline:
		return true
	case CodeServer:
		return slices.Contains(DefaultRetryableStatusCodes(), f.status)
	default:
		return false
	}
}

// Remediation returns the user-facing advice for the failure. Aborted failures return an
// empty string: the caller initiated them and nothing should be shown.
func (f *Failure) Remediation() string {
	switch f.code {
	case CodeTimeout:
		return "The request timed out. Check your connection and retry."
	case CodeOffline, CodeNetwork:
		return "Unable to reach the server. Check your connectivity and try again."
	case CodeServer:
		if f.status != 0 {
			return fmt.Sprintf("The server is having trouble (status %d). Try again later.", f.status)
		}
		return "The server is having trouble. Try again later."
	default:
		return ""
	}
}

// AsFailure extracts a *Failure from err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsAborted reports whether err is a CodeAborted failure.
func IsAborted(err error) bool {
	f, ok := AsFailure(err)
	return ok && f.code == CodeAborted
}
