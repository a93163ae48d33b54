package resilience_test

import (
	"context"
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/time/rate"

	resilience "github.com/JohnPlummer/jp-go-resilient-http"
)

var _ = Describe("RateLimitedIssuer", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		inner  *mockIssuer
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		inner = &mockIssuer{executeFunc: statusSequence(200)}
	})

	AfterEach(func() {
		cancel()
	})

	It("spaces requests by the limiter rate", func() {
		var (
			mu    sync.Mutex
			times []time.Time
		)
		inner.executeFunc = func(ctx context.Context, req *resilience.Request) (*http.Response, error) {
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
			return statusSequence(200)(ctx, req)
		}
		issuer := resilience.NewRateLimitedIssuer(inner, rate.NewLimiter(rate.Every(40*time.Millisecond), 1))
		executor := resilience.NewExecutor(issuer)

		for i := 0; i < 3; i++ {
			_, err := executor.Execute(ctx, newRequest("https://example.com"))
			Expect(err).NotTo(HaveOccurred())
		}

		mu.Lock()
		defer mu.Unlock()
		Expect(times).To(HaveLen(3))
		Expect(times[2].Sub(times[0])).To(BeNumerically(">=", 70*time.Millisecond))
	})

	It("fails the attempt with timeout when the token would arrive after the deadline", func() {
		limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
		Expect(limiter.Allow()).To(BeTrue())
		issuer := resilience.NewRateLimitedIssuer(inner, limiter)

		_, err := resilience.NewExecutor(issuer,
			resilience.WithTimeoutPerAttempt(50*time.Millisecond),
			resilience.WithMaxRetries(0),
		).Execute(ctx, newRequest("https://example.com"))

		failure := failureOf(err)
		Expect(failure.Code()).To(Equal(resilience.CodeTimeout))
		Expect(failure.Message()).To(ContainSubstring("rate limit"))
		Expect(inner.getCallCount()).To(Equal(0))
	})

	It("aborts a wait when the caller cancels", func() {
		limiter := rate.NewLimiter(rate.Every(200*time.Millisecond), 1)
		Expect(limiter.Allow()).To(BeTrue())
		issuer := resilience.NewRateLimitedIssuer(inner, limiter)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := resilience.NewExecutor(issuer).Execute(ctx, newRequest("https://example.com"))
		Expect(resilience.IsAborted(err)).To(BeTrue())
		Expect(inner.getCallCount()).To(Equal(0))
	})
})
