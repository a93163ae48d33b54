package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
	resilience "github.com/JohnPlummer/jp-go-resilient-http"
)

var _ = Describe("Failure", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	serverFailure := func(status int) *resilience.Failure {
		issuer := &mockIssuer{executeFunc: statusSequence(status)}
		_, err := resilience.NewExecutor(issuer, resilience.WithMaxRetries(0)).Execute(ctx, newRequest("https://example.com"))
		f := failureOf(err)
		Expect(f).NotTo(BeNil())
		return f
	}

	Describe("server failures", func() {
		It("carries the status", func() {
			f := serverFailure(503)
			status, ok := f.Status()
			Expect(ok).To(BeTrue())
			Expect(status).To(Equal(503))
			Expect(f.Error()).To(Equal("server (503): server responded with status 503 Service Unavailable"))
		})

		It("unwraps a 429 to ErrRateLimited", func() {
			f := serverFailure(http.StatusTooManyRequests)
			Expect(errors.Is(f, pkgerrors.ErrRateLimited)).To(BeTrue())
		})

		It("satisfies HTTPError", func() {
			var httpErr resilience.HTTPError
			Expect(errors.As(fmt.Errorf("wrapped: %w", serverFailure(502)), &httpErr)).To(BeTrue())
			Expect(httpErr.StatusCode()).To(Equal(502))
		})

		DescribeTable("reports transience from the default retryable statuses",
			func(status int, transient bool) {
				Expect(serverFailure(status).Transient()).To(Equal(transient))
			},
			Entry("503 is transient", 503, true),
			Entry("429 is transient", 429, true),
			Entry("404 is permanent", 404, false),
			Entry("401 is permanent", 401, false),
		)
	})

	Describe("offline failures", func() {
		It("is built by collaborators with a default message", func() {
			cause := errors.New("no route to host")
			f := resilience.NewOfflineFailure("", cause)
			Expect(f.Code()).To(Equal(resilience.CodeOffline))
			Expect(f.Message()).To(Equal("no network connection"))
			Expect(errors.Is(f, cause)).To(BeTrue())
			Expect(f.Transient()).To(BeTrue())
			_, ok := f.Status()
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Remediation", func() {
		It("advises per code", func() {
			Expect(resilience.NewOfflineFailure("down", nil).Remediation()).
				To(Equal("Unable to reach the server. Check your connectivity and try again."))
			Expect(serverFailure(500).Remediation()).
				To(Equal("The server is having trouble (status 500). Try again later."))
		})

		It("is empty for aborted calls", func() {
			canceled, cancel := context.WithCancel(ctx)
			cancel()
			issuer := &mockIssuer{executeFunc: statusSequence(200)}
			_, err := resilience.NewExecutor(issuer).Execute(canceled, newRequest("https://example.com"))
			Expect(failureOf(err).Remediation()).To(BeEmpty())
			Expect(failureOf(err).Transient()).To(BeFalse())
		})
	})

	Describe("AsFailure", func() {
		It("finds a wrapped failure", func() {
			wrapped := fmt.Errorf("fetch: %w", resilience.NewOfflineFailure("down", nil))
			f, ok := resilience.AsFailure(wrapped)
			Expect(ok).To(BeTrue())
			Expect(f.Code()).To(Equal(resilience.CodeOffline))
		})

		It("reports plain errors", func() {
			_, ok := resilience.AsFailure(errors.New("plain"))
			Expect(ok).To(BeFalse())
			Expect(resilience.IsAborted(errors.New("plain"))).To(BeFalse())
		})
	})
})

var _ = Describe("HTTPStatusClassifier", func() {
	var classifier *resilience.HTTPStatusClassifier

	BeforeEach(func() {
		classifier = resilience.NewHTTPStatusClassifier()
	})

	DescribeTable("IsRetryableStatus",
		func(status int, retryable bool) {
			Expect(classifier.IsRetryableStatus(status)).To(Equal(retryable))
		},
		Entry("408", 408, true),
		Entry("429", 429, true),
		Entry("500", 500, true),
		Entry("503", 503, true),
		Entry("400", 400, false),
		Entry("404", 404, false),
		Entry("501", 501, false),
	)

	It("uses the defaults when the status list is nil", func() {
		empty := &resilience.HTTPStatusClassifier{}
		Expect(empty.IsRetryableStatus(503)).To(BeTrue())
		Expect(empty.ShouldTripCircuit(503, nil)).To(BeTrue())
	})

	DescribeTable("ShouldTripCircuit on responses",
		func(status int, trip bool) {
			Expect(classifier.ShouldTripCircuit(status, nil)).To(Equal(trip))
		},
		Entry("401 trips", 401, true),
		Entry("403 trips", 403, true),
		Entry("500 trips", 500, true),
		Entry("502 trips", 502, true),
		Entry("503 trips", 503, true),
		Entry("504 trips", 504, true),
		Entry("429 does not trip", 429, false),
		Entry("400 does not trip", 400, false),
		Entry("404 does not trip", 404, false),
		Entry("200 does not trip", 200, false),
	)

	Context("ShouldTripCircuit on errors", func() {
		It("does not trip on cancellation", func() {
			Expect(classifier.ShouldTripCircuit(0, context.Canceled)).To(BeFalse())
			Expect(classifier.ShouldTripCircuit(0, context.DeadlineExceeded)).To(BeFalse())
		})

		It("trips on unknown transport errors", func() {
			Expect(classifier.ShouldTripCircuit(0, errors.New("connection refused"))).To(BeTrue())
		})

		It("uses the status carried by the error", func() {
			Expect(classifier.ShouldTripCircuit(0, resilience.NewStatusCodeError(503, errors.New("unavailable")))).To(BeTrue())
			Expect(classifier.ShouldTripCircuit(0, resilience.NewStatusCodeError(404, errors.New("missing")))).To(BeFalse())
		})
	})
})
