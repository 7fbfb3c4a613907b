package rescache

import (
	"fmt"
	"net/http"
	"time"
)

// Cause tags the specific failure mode behind an Error, mirroring the
// error taxonomy a single unified Error type must distinguish between so
// that application code (and transform_errors transformers) can branch on
// cause without string-matching UserMessage.
type Cause int

const (
	CauseTransport Cause = iota
	CauseHTTPStatus
	CauseRequestCancelled
	CauseUnencodableText
	CauseNotURLEncodable
	CauseInvalidJSONObject
	CauseJSONResponseIsNotDictionaryOrArray
	CauseWrongContentType
	CauseWrongInputTypeInTransformerPipeline
	CauseTransformerReturnedNil
	CauseUnparsableImage
	CauseUndecodableText
	CauseInvalidTextEncoding
	CauseNoLocalDataFor304
)

func (c Cause) String() string {
	switch c {
	case CauseTransport:
		return "Transport"
	case CauseHTTPStatus:
		return "HttpStatus"
	case CauseRequestCancelled:
		return "RequestCancelled"
	case CauseUnencodableText:
		return "UnencodableText"
	case CauseNotURLEncodable:
		return "NotURLEncodable"
	case CauseInvalidJSONObject:
		return "InvalidJSONObject"
	case CauseJSONResponseIsNotDictionaryOrArray:
		return "JSONResponseIsNotDictionaryOrArray"
	case CauseWrongContentType:
		return "WrongContentType"
	case CauseWrongInputTypeInTransformerPipeline:
		return "WrongInputTypeInTransformerPipeline"
	case CauseTransformerReturnedNil:
		return "TransformerReturnedNil"
	case CauseUnparsableImage:
		return "UnparsableImage"
	case CauseUndecodableText:
		return "UndecodableText"
	case CauseInvalidTextEncoding:
		return "InvalidTextEncoding"
	case CauseNoLocalDataFor304:
		return "NoLocalDataFor304"
	default:
		return "Unknown"
	}
}

// Error is the single failure descriptor surfaced to Resource.LatestError
// and to Request's on_failure callbacks. It never loses the raw cause, so
// application code can react precisely instead of parsing UserMessage.
type Error struct {
	UserMessage string
	HTTPStatus  int // 0 when the failure never reached an HTTP response
	Cause       Cause
	Entity      *Entity // server body, decoded as far as the pipeline got, if any
	Timestamp   time.Time
	Expected    string // populated for CauseWrongInputTypeInTransformerPipeline
	Actual      string
	Err         error // underlying transport/transformer error, if any
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.UserMessage
}

// Unwrap exposes the underlying cause so errors.Is/As work against
// transport or transformer errors wrapped inside.
func (e *Error) Unwrap() error { return e.Err }

func newError(cause Cause, userMessage string, now time.Time) *Error {
	return &Error{Cause: cause, UserMessage: userMessage, Timestamp: now}
}

// errorFromTransport wraps a Transport-level failure (dial error, timeout,
// context cancellation that was not an explicit Request.Cancel) as a
// Transport-cause Error.
func errorFromTransport(err error, now time.Time) *Error {
	e := newError(CauseTransport, err.Error(), now)
	e.Err = err
	return e
}

// errorFromStatus wraps a non-2xx/304 HTTP response as an HttpStatus-cause
// Error, defaulting UserMessage to the standard reason phrase.
func errorFromStatus(status int, body *Entity, now time.Time) *Error {
	msg := http.StatusText(status)
	if msg == "" {
		msg = fmt.Sprintf("HTTP error %d", status)
	}
	e := newError(CauseHTTPStatus, msg, now)
	e.HTTPStatus = status
	e.Entity = body
	return e
}

func errCancelled(now time.Time) *Error {
	return newError(CauseRequestCancelled, "Request cancelled", now)
}

func errNoLocalDataFor304(now time.Time) *Error {
	return newError(CauseNoLocalDataFor304, "Server sent 304 Not Modified but no local data exists to revalidate", now)
}

func errWrongInputType(expected, actual string, now time.Time) *Error {
	e := newError(CauseWrongInputTypeInTransformerPipeline,
		fmt.Sprintf("expected transformer input of type %s but got %s", expected, actual), now)
	e.Expected = expected
	e.Actual = actual
	return e
}

func errTransformerReturnedNil(now time.Time) *Error {
	return newError(CauseTransformerReturnedNil, "transformer returned a nil result", now)
}

func errNotURLEncodable(offending string, now time.Time) *Error {
	e := newError(CauseNotURLEncodable, fmt.Sprintf("value %q is not URL-encodable", offending), now)
	return e
}

func errUnencodableText(offending string, now time.Time) *Error {
	return newError(CauseUnencodableText, fmt.Sprintf("text %q is not valid UTF-8", offending), now)
}

func errInvalidJSONObject(msg string, now time.Time) *Error {
	return newError(CauseInvalidJSONObject, msg, now)
}
