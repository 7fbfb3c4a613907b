package rescache

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestURLEncodedOrdersByEncodedKeyAndEscapesNonUnreserved(t *testing.T) {
	transport := newFakeTransport(scriptedResponse{
		resp: &RawResponse{Status: http.StatusOK, Headers: http.Header{}, Body: []byte(`{}`)},
	})
	svc := newTestService(t, transport, SystemClock)
	res, err := svc.Resource("/widgets")
	require.NoError(t, err)

	req := res.RequestURLEncoded(http.MethodPost, map[string]string{
		"f••": "b r",
		"℥=&": "ℌℑ=&",
	})
	waitFor(t, time.Second, func() bool { return req.State().Completed() })

	sent := transport.LastRequest()
	assert.Equal(t, "%E2%84%A5%3D%26=%E2%84%8C%E2%84%91%3D%26&f%E2%80%A2%E2%80%A2=b%20r", string(sent.Body))
	assert.Equal(t, "application/x-www-form-urlencoded", sent.Headers.Get("Content-Type"))
}

func TestRequestURLEncodedFailsOnInvalidUTF8(t *testing.T) {
	transport := newFakeTransport()
	svc := newTestService(t, transport, SystemClock)
	res, err := svc.Resource("/widgets")
	require.NoError(t, err)

	req := res.RequestURLEncoded(http.MethodPost, map[string]string{
		"key": string([]byte{0xff, 0xfe}),
	})
	assert.Equal(t, ReqFailed, req.State())
	require.NotNil(t, req.Result())
	require.NotNil(t, req.Result().Err)
	assert.Equal(t, CauseNotURLEncodable, req.Result().Err.Cause)
	assert.Equal(t, 0, transport.CallCount())
}

func TestRequestTextFailsOnInvalidUTF8(t *testing.T) {
	transport := newFakeTransport()
	svc := newTestService(t, transport, SystemClock)
	res, err := svc.Resource("/widgets")
	require.NoError(t, err)

	req := res.RequestText(http.MethodPost, string([]byte{0xff, 0xfe}))
	assert.Equal(t, ReqFailed, req.State())
	require.NotNil(t, req.Result().Err)
	assert.Equal(t, CauseUnencodableText, req.Result().Err.Cause)
	assert.Equal(t, 0, transport.CallCount())
}

func TestRequestJSONMarshalsBodyAsJSON(t *testing.T) {
	transport := newFakeTransport(scriptedResponse{
		resp: &RawResponse{Status: http.StatusOK, Headers: http.Header{}, Body: []byte(`{}`)},
	})
	svc := newTestService(t, transport, SystemClock)
	res, err := svc.Resource("/widgets")
	require.NoError(t, err)

	req := res.RequestJSON(http.MethodPost, map[string]string{"name": "widget"})
	waitFor(t, time.Second, func() bool { return req.State().Completed() })

	sent := transport.LastRequest()
	assert.JSONEq(t, `{"name":"widget"}`, string(sent.Body))
	assert.Equal(t, "application/json", sent.Headers.Get("Content-Type"))
}

func TestPercentEncodeUnreservedLeavesUnreservedBytesAlone(t *testing.T) {
	encoded, ok := percentEncodeUnreserved("abc-XYZ.123_~")
	require.True(t, ok)
	assert.Equal(t, "abc-XYZ.123_~", encoded)
}

func TestPercentEncodeUnreservedEscapesSpaceAsPercentTwenty(t *testing.T) {
	encoded, ok := percentEncodeUnreserved("b r")
	require.True(t, ok)
	assert.Equal(t, "b%20r", encoded)
}
