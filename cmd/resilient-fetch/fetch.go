package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	resilience "github.com/JohnPlummer/jp-go-resilient-http"
)

// errFailed is returned by Fetcher.Run when at least one URL failed for a reason other than
// cancellation.
var errFailed = errors.New("one or more requests failed")

// Resolver looks up host names before a request is attempted.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Fetcher runs one resilient request per URL concurrently and reports the results in order.
type Fetcher struct {
	executor *resilience.Executor
	resolver Resolver
	out      io.Writer
	logger   *slog.Logger
}

type result struct {
	url  string
	resp *http.Response
	body []byte
	err  error
}

// NewFetcher creates a Fetcher. A nil resolver disables the pre-flight lookup.
func NewFetcher(executor *resilience.Executor, resolver Resolver, out io.Writer, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		executor: executor,
		resolver: resolver,
		out:      out,
		logger:   logger,
	}
}

// Run fetches every URL with the method, header and body of template. Aborted requests are
// reported but do not count as failures.
func (f *Fetcher) Run(ctx context.Context, template resilience.Request, urls []string) error {
	results := make([]result, len(urls))

	var g errgroup.Group
	for i, u := range urls {
		g.Go(func() error {
			req := template
			req.URL = u
			req.Header = template.Header.Clone()
			results[i] = f.fetch(ctx, &req)
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, r := range results {
		if !f.report(r) {
			failed++
		}
	}

	if failed > 0 {
		f.logger.Debug("fetch finished with failures", "failed", failed, "total", len(urls))
		return errFailed
	}
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, req *resilience.Request) result {
	r := result{url: req.URL}

	if err := f.preflight(ctx, req.URL); err != nil {
		r.err = err
		return r
	}

	resp, err := f.executor.Execute(ctx, req)
	if err != nil {
		r.err = err
		return r
	}
	defer resp.Body.Close()

	// The executor has already buffered the body, so this read cannot block on the network.
	r.resp = resp
	r.body, r.err = io.ReadAll(resp.Body)
	return r
}

// preflight resolves the host so an unreachable network is reported as offline instead of
// spending the retry budget on it. IP literals and lookups cut short by ctx are skipped.
func (f *Fetcher) preflight(ctx context.Context, rawURL string) error {
	if f.resolver == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		// Execute reports malformed URLs.
		return nil
	}
	host := u.Hostname()
	if host == "" || net.ParseIP(host) != nil {
		return nil
	}

	_, err = f.resolver.LookupHost(ctx, host)
	if err == nil || ctx.Err() != nil {
		return nil
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		// A definitive NXDOMAIN is a bad URL, not a connectivity problem.
		return nil
	}
	return resilience.NewOfflineFailure(fmt.Sprintf("cannot resolve %s", host), err)
}

// report prints r and returns false if it counts as a failure.
func (f *Fetcher) report(r result) bool {
	if r.err == nil {
		fmt.Fprintf(f.out, "%s %d\n", r.url, r.resp.StatusCode)
		if len(r.body) > 0 {
			fmt.Fprintf(f.out, "%s\n", r.body)
		}
		return true
	}

	failure, ok := resilience.AsFailure(r.err)
	if !ok {
		fmt.Fprintf(f.out, "%s error: %v\n", r.url, r.err)
		return false
	}

	fmt.Fprintf(f.out, "%s %s: %s\n", r.url, failure.Code(), failure.Message())
	if hint := failure.Remediation(); hint != "" {
		fmt.Fprintf(f.out, "  %s\n", hint)
	}
	return failure.Code() == resilience.CodeAborted
}
