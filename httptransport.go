package rescache

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/vitaliisemenov/rescache/internal/resilience"
)

// HTTPTransport is the default Transport: a net/http.Client guarded by a
// token-bucket rate limiter (bounded connection reuse, a minimum TLS
// floor, and a limiter that queues rather than bursts through an
// upstream's rate limit).
//
// Dial-level failures (connection refused, DNS lookup errors, timeouts
// establishing the connection) are retried per retryPolicy. A response
// that arrives with a non-2xx status is not a transport failure and is
// never retried here; LoadIfNeeded's own retry_time gating is what
// decides whether to try again after that.
type HTTPTransport struct {
	client      *http.Client
	limiter     *rate.Limiter
	retryPolicy *resilience.RetryPolicy
}

// HTTPTransportOption configures an HTTPTransport built by NewHTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// WithHTTPClient overrides the underlying http.Client entirely.
func WithHTTPClient(c *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) { t.client = c }
}

// WithRateLimit bounds outbound requests to rps requests per second with
// burst headroom of burst; requests beyond that wait rather than fail.
func WithRateLimit(rps float64, burst int) HTTPTransportOption {
	return func(t *HTTPTransport) { t.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithTimeout overrides the default 30s client timeout.
func WithTimeout(d time.Duration) HTTPTransportOption {
	return func(t *HTTPTransport) { t.client.Timeout = d }
}

// WithRetryPolicy overrides the dial-failure retry policy. Passing nil
// disables retries entirely, sending each request exactly once.
func WithRetryPolicy(policy *resilience.RetryPolicy) HTTPTransportOption {
	return func(t *HTTPTransport) { t.retryPolicy = policy }
}

// NewHTTPTransport builds the default Transport. With no options it rate
// limits to 20 req/s with a burst of 10, a 30s client timeout, requires
// TLS 1.2, and retries dial failures per resilience.DefaultRetryPolicy.
func NewHTTPTransport(opts ...HTTPTransportOption) *HTTPTransport {
	policy := resilience.DefaultRetryPolicy()
	policy.Retryable = isDialFailure

	t := &HTTPTransport{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConnsPerHost: 16,
			},
		},
		limiter:     rate.NewLimiter(rate.Limit(20), 10),
		retryPolicy: policy,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// isDialFailure reports whether err looks like a failure to establish the
// connection at all, as opposed to a failure reading/writing once
// connected. net/http wraps dial errors in *url.Error; net.OpError and
// net.DNSError are the underlying causes it unwraps to.
func isDialFailure(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req OutgoingRequest, progress ProgressFunc) (*RawResponse, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	newRequest := func() (*http.Request, error) {
		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
		if err != nil {
			return nil, err
		}
		for k, vs := range req.Headers {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
		return httpReq, nil
	}
	if progress != nil {
		progress(0, int64(len(req.Body)))
	}

	var resp *http.Response
	attempt := func() error {
		httpReq, err := newRequest()
		if err != nil {
			return err
		}
		var doErr error
		resp, doErr = t.client.Do(httpReq)
		return doErr
	}

	var err error
	if t.retryPolicy == nil {
		err = attempt()
	} else {
		err = resilience.WithRetry(ctx, t.retryPolicy, attempt)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	expected := resp.ContentLength
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(int64(len(buf)), expected)
	}

	return &RawResponse{
		Status:        resp.StatusCode,
		Headers:       resp.Header,
		Body:          buf,
		BytesExpected: expected,
	}, nil
}
