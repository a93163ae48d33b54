package resilience

import (
	"bytes"
	"context"
	"net/http"

	"github.com/klauspost/compress/gzip"
)

// HTTPIssuer is the default Issuer, backed by an *http.Client.
//
// The client should not set http.Client.Timeout: the Executor bounds each attempt through the
// request context, which also aborts the connection on caller cancellation.
type HTTPIssuer struct {
	client *http.Client

	// Compress gzips non-empty request bodies and sets Content-Encoding: gzip.
	Compress bool
}

// NewHTTPIssuer creates an HTTPIssuer. A nil client uses a new http.Client with the default
// transport.
func NewHTTPIssuer(client *http.Client) *HTTPIssuer {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPIssuer{client: client}
}

// Execute implements Issuer.
func (h *HTTPIssuer) Execute(ctx context.Context, req *Request) (*http.Response, error) {
	if h.Compress && len(req.Body) > 0 {
		compressed, err := gzipBody(req.Body)
		if err != nil {
			return nil, err
		}
		c := req.clone()
		c.Body = compressed
		c.Header.Set("Content-Encoding", "gzip")
		req = c
	}

	httpReq, err := req.NewHTTPRequest(ctx)
	if err != nil {
		return nil, err
	}
	return h.client.Do(httpReq)
}

func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
