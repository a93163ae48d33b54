package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ErrInvalidRequest is returned, before any attempt is made, for a malformed Request.
var ErrInvalidRequest = errors.New("resilience: invalid request")

// Request describes the underlying HTTP request performed on every attempt.
// Body is held in memory so that each attempt can replay it from the start.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Validate reports whether the request is well-formed. It checks the method, that URL is
// absolute, and that the scheme is http or https.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if r.Method == "" {
		return fmt.Errorf("%w: method is required", ErrInvalidRequest)
	}
	if r.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRequest, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidRequest)
	}
	return nil
}

// NewHTTPRequest builds a fresh *http.Request bound to ctx. Each call returns an independent
// body reader, so the result is safe to use for a single attempt.
func (r *Request) NewHTTPRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// clone returns a copy whose Header can be modified without touching the caller's request.
func (r *Request) clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return &c
}
