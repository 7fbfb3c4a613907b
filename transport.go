package rescache

import (
	"context"
	"net/http"
)

// RawResponse is what a Transport hands back to the core: enough to run
// the response through the pipeline and to drive conditional-request and
// error-mapping logic. It deliberately excludes anything connection-pool
// or TLS specific — that stays inside the Transport implementation.
type RawResponse struct {
	Status  int
	Headers http.Header
	Body    []byte

	// BytesExpected is the Content-Length the transport observed, or -1
	// when unknown, for progress-fraction estimation.
	BytesExpected int64
}

// ProgressFunc receives cumulative bytes transferred and the expected
// total (-1 if unknown) as a Transport streams a request/response body.
type ProgressFunc func(bytesSent, bytesExpected int64)

// OutgoingRequest is the fully-resolved, fully-decorated request the core
// hands to a Transport: method, URL, body, and headers already merged
// from configuration, mutators, and conditional-revalidation headers.
type OutgoingRequest struct {
	Method  string
	URL     string
	Body    []byte
	Headers http.Header
}

// Transport is the external collaborator that actually moves bytes over
// the network. Connection pooling, TLS configuration, and multipart
// upload are its concern, not the core's. HTTPTransport is the default
// net/http-based implementation this module ships for tests and for the
// rescachectl demo.
type Transport interface {
	// Send performs req and returns the raw response, or an error if the
	// request could not be completed at all (DNS failure, connection
	// refused, context cancelled/deadline). A non-2xx/304 status is NOT
	// an error at this layer — the core classifies that itself so error
	// transformers can still see the response body.
	Send(ctx context.Context, req OutgoingRequest, progress ProgressFunc) (*RawResponse, error)
}
