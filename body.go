package rescache

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode/utf8"
)

// RequestJSON issues a one-off request for method with v marshaled as the
// body, sent with content type application/json. A v that fails to
// marshal never reaches the network: the returned Request is already
// terminal, carrying an InvalidJSONObject Error.
func (r *Resource) RequestJSON(method string, v any) *Request {
	body, err := json.Marshal(v)
	if err != nil {
		return r.failedRequest(method, errInvalidJSONObject(err.Error(), r.service.clock.Now()))
	}
	return r.Request(method, body, "application/json")
}

// RequestText issues a one-off request for method with text sent verbatim
// as the body, content type text/plain; charset=utf-8. text that is not
// valid UTF-8 never reaches the network: the returned Request is already
// terminal, carrying an UnencodableText Error.
func (r *Resource) RequestText(method string, text string) *Request {
	if !utf8.ValidString(text) {
		return r.failedRequest(method, errUnencodableText(text, r.service.clock.Now()))
	}
	return r.Request(method, []byte(text), "text/plain; charset=utf-8")
}

// RequestURLEncoded issues a one-off request for method with form encoded
// as application/x-www-form-urlencoded: every byte outside the unreserved
// set (ALPHA / DIGIT / "-" / "." / "_" / "~") is percent-escaped, and
// pairs are ordered by their encoded key. A key or value that is not
// valid UTF-8 never reaches the network: the returned Request is already
// terminal, carrying a NotURLEncodable Error.
func (r *Resource) RequestURLEncoded(method string, form map[string]string) *Request {
	body, encErr := encodeURLEncodedForm(form)
	if encErr != "" {
		return r.failedRequest(method, errNotURLEncodable(encErr, r.service.clock.Now()))
	}
	return r.Request(method, body, "application/x-www-form-urlencoded")
}

// failedRequest synthesizes an already-terminal Request for an encoding
// failure discovered before any network dispatch. It is never registered
// with the Resource (resource stays nil), so it neither counts toward
// activeRequests/requestCount nor triggers an observer broadcast: nothing
// was ever requested of the network in the first place.
func (r *Resource) failedRequest(method string, err *Error) *Request {
	req := newRequest(r.service.seq, method, r.canon)
	req.resolve(&RequestResult{Err: err})
	return req
}

// encodeURLEncodedForm percent-encodes and joins form's pairs, sorted by
// encoded key. It returns ("", offending) naming the first key or value
// that is not valid UTF-8, or (encoded, "") on success.
func encodeURLEncodedForm(form map[string]string) (body []byte, offending string) {
	type pair struct{ key, value string }
	pairs := make([]pair, 0, len(form))
	for k, v := range form {
		ek, ok := percentEncodeUnreserved(k)
		if !ok {
			return nil, k
		}
		ev, ok := percentEncodeUnreserved(v)
		if !ok {
			return nil, v
		}
		pairs = append(pairs, pair{ek, ev})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(p.value)
	}
	return []byte(b.String()), ""
}

const upperhex = "0123456789ABCDEF"

// percentEncodeUnreserved escapes every byte of s outside RFC 3986's
// unreserved set as an uppercase %XX triplet, leaving unreserved bytes
// untouched. It reports false if s is not valid UTF-8, since a
// byte-for-byte escape of invalid UTF-8 cannot be faithfully decoded back
// by a well-behaved peer.
func percentEncodeUnreserved(s string) (string, bool) {
	if !utf8.ValidString(s) {
		return "", false
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreservedByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String(), true
}

func isUnreservedByte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}
