package resilience_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/JohnPlummer/jp-go-resilient-http"
)

var _ = Describe("HTTPIssuer Integration", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		hits   atomic.Int32
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		hits.Store(0)
	})

	AfterEach(func() {
		cancel()
	})

	newServer := func(handler http.HandlerFunc) *httptest.Server {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			handler(w, r)
		}))
		DeferCleanup(server.Close)
		return server
	}

	newExecutor := func(opts ...resilience.Option) *resilience.Executor {
		opts = append([]resilience.Option{
			resilience.WithTimeoutPerAttempt(time.Second),
			resilience.WithInitialRetryDelay(5 * time.Millisecond),
		}, opts...)
		return resilience.NewExecutor(resilience.NewHTTPIssuer(nil), opts...)
	}

	It("retries 503, 503 and returns the 200 body", func() {
		server := newServer(func(w http.ResponseWriter, r *http.Request) {
			if hits.Load() < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = io.WriteString(w, `{"ok":true}`)
		})

		resp, err := newExecutor(resilience.WithRetryableStatusCodes(503)).Execute(ctx, newRequest(server.URL))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(hits.Load()).To(Equal(int32(3)))

		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal(`{"ok":true}`))
	})

	It("fails with server 404 after one request", func() {
		server := newServer(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})

		_, err := newExecutor().Execute(ctx, newRequest(server.URL))
		Expect(hits.Load()).To(Equal(int32(1)))
		Expect(failureOf(err).Code()).To(Equal(resilience.CodeServer))
		Expect(failureOf(err).StatusCode()).To(Equal(404))
	})

	It("times out a server that never answers", func() {
		release := make(chan struct{})
		server := newServer(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-release:
			}
		})
		DeferCleanup(func() { close(release) })

		_, err := newExecutor(
			resilience.WithTimeoutPerAttempt(50*time.Millisecond),
			resilience.WithMaxRetries(1),
		).Execute(ctx, newRequest(server.URL))
		Expect(failureOf(err).Code()).To(Equal(resilience.CodeTimeout))
		Expect(hits.Load()).To(Equal(int32(2)))
	})

	It("times out a body that stalls after the headers", func() {
		release := make(chan struct{})
		server := newServer(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "partial")
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
			case <-release:
			}
		})
		DeferCleanup(func() { close(release) })

		_, err := newExecutor(
			resilience.WithTimeoutPerAttempt(50*time.Millisecond),
			resilience.WithMaxRetries(0),
		).Execute(ctx, newRequest(server.URL))
		Expect(failureOf(err).Code()).To(Equal(resilience.CodeTimeout))
	})

	It("fails with network when nothing is listening", func() {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		_, err := newExecutor(resilience.WithMaxRetries(1)).Execute(ctx, newRequest(url))
		Expect(failureOf(err).Code()).To(Equal(resilience.CodeNetwork))
	})

	It("aborts an in-flight request when the caller cancels", func() {
		started := make(chan struct{}, 1)
		server := newServer(func(w http.ResponseWriter, r *http.Request) {
			started <- struct{}{}
			<-r.Context().Done()
		})
		go func() {
			<-started
			cancel()
		}()

		_, err := newExecutor(resilience.WithMaxRetries(3)).Execute(ctx, newRequest(server.URL))
		Expect(resilience.IsAborted(err)).To(BeTrue())
		Expect(hits.Load()).To(Equal(int32(1)))
	})

	It("replays the body and request id on every attempt", func() {
		var (
			mu     sync.Mutex
			bodies []string
			ids    []string
		)
		server := newServer(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(body))
			ids = append(ids, r.Header.Get("X-Request-ID"))
			mu.Unlock()
			w.WriteHeader(http.StatusBadGateway)
		})

		req := &resilience.Request{
			Method: http.MethodPost,
			URL:    server.URL,
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   []byte(`{"n":1}`),
		}
		_, err := newExecutor(
			resilience.WithMaxRetries(2),
			resilience.WithRequestIDHeader("X-Request-ID"),
		).Execute(ctx, req)
		Expect(failureOf(err).StatusCode()).To(Equal(502))

		mu.Lock()
		defer mu.Unlock()
		Expect(bodies).To(Equal([]string{`{"n":1}`, `{"n":1}`, `{"n":1}`}))
		Expect(ids[0]).NotTo(BeEmpty())
		Expect(ids).To(HaveEach(ids[0]))
	})

	It("gzips the body when Compress is set", func() {
		var (
			encoding string
			body     string
		)
		server := newServer(func(w http.ResponseWriter, r *http.Request) {
			encoding = r.Header.Get("Content-Encoding")
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(zr)
			body = string(data)
			w.WriteHeader(http.StatusNoContent)
		})

		issuer := resilience.NewHTTPIssuer(nil)
		issuer.Compress = true
		req := &resilience.Request{Method: http.MethodPut, URL: server.URL, Body: []byte("compress me")}

		resp, err := resilience.NewExecutor(issuer).Execute(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		Expect(encoding).To(Equal("gzip"))
		Expect(body).To(Equal("compress me"))
		Expect(req.Header).To(BeNil())
	})
})
