// Package resilience provides a resilient HTTP request layer: bounded per-attempt timeouts,
// automatic retry with exponential backoff, cooperative cancellation through context.Context,
// and a typed failure taxonomy (timeout, aborted, offline, network, server).
//
// A call through Executor either succeeds with a 2xx response, fails with a *Failure within a
// bounded worst-case time, or is cleanly aborted when the caller's context ends. It never hangs.
package resilience

import (
	"context"
	"net/http"
)

// Client defines a generic interface for executing a single request.
// Type parameters Req and Resp can be any types; the resilience layer itself works with
// Client[*Request, *http.Response] (see Issuer).
type Client[Req, Resp any] interface {
	// Execute performs a request and returns a response or error.
	// The context controls timeouts and cancellation and must abort the live operation when done.
	Execute(ctx context.Context, req Req) (Resp, error)
}

// Issuer performs exactly one HTTP(S) request. It must honor ctx: when ctx is done the
// underlying connection is torn down and Execute returns promptly.
//
// A non-2xx status is not an error for an Issuer; it returns the response and lets the
// Executor classify it.
//
// Example:
//
//	issuer := resilience.IssuerFunc(func(ctx context.Context, req *resilience.Request) (*http.Response, error) {
//	    httpReq, err := req.NewHTTPRequest(ctx)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return myClient.Do(httpReq)
//	})
type Issuer = Client[*Request, *http.Response]

// IssuerFunc adapts an ordinary function to the Issuer interface.
type IssuerFunc func(ctx context.Context, req *Request) (*http.Response, error)

// Execute calls f(ctx, req).
func (f IssuerFunc) Execute(ctx context.Context, req *Request) (*http.Response, error) {
	return f(ctx, req)
}
