package rescache

import (
	"net/http"
	"time"
)

// Entity is an immutable-ish payload with its response metadata. Content is
// deliberately untyped (an opaque "Any") because a single Entity value
// flows through successive pipeline stages, each of which may replace its
// type entirely — RawData bytes become a decoded string, then a parsed
// JSON tree, then an application model. Use EntityContent to recover a
// concrete type at the boundary where the caller knows what it expects.
type Entity struct {
	Content     any
	ContentType string
	Charset     string
	Headers     http.Header
	Timestamp   time.Time
}

// NewEntity builds an Entity, cloning headers so later mutation of the
// caller's header map cannot retroactively change a published Entity.
func NewEntity(content any, contentType string, headers http.Header, timestamp time.Time) *Entity {
	return &Entity{
		Content:     content,
		ContentType: contentType,
		Headers:     cloneHeader(headers),
		Timestamp:   timestamp,
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	out := make(http.Header, len(h))
	for k, v := range h {
		vc := make([]string, len(v))
		copy(vc, v)
		out[k] = vc
	}
	return out
}

// withContent returns a shallow copy of e with Content and ContentType
// replaced, used by pipeline stages to publish their own typed output
// without disturbing the metadata of the stage before them.
func (e *Entity) withContent(content any, contentType string) *Entity {
	if e == nil {
		return &Entity{Content: content, ContentType: contentType, Headers: http.Header{}}
	}
	cp := *e
	cp.Content = content
	if contentType != "" {
		cp.ContentType = contentType
	}
	return &cp
}

// withTimestamp returns a shallow copy of e with only the timestamp
// changed — used for 304 revalidation, which refreshes recency without
// touching content.
func (e *Entity) withTimestamp(t time.Time) *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Timestamp = t
	return &cp
}

// ETag returns the entity tag the server sent with this content, if any.
func (e *Entity) ETag() string {
	if e == nil || e.Headers == nil {
		return ""
	}
	return e.Headers.Get("ETag")
}

// LastModified returns the raw Last-Modified header value, if any.
func (e *Entity) LastModified() string {
	if e == nil || e.Headers == nil {
		return ""
	}
	return e.Headers.Get("Last-Modified")
}

// EntityContent recovers a concrete type T from an Entity's opaque
// Content. The second return is false when the entity is nil or its
// content does not hold a T — this is the typed-access "downcast helper"
// called for in the pipeline design notes.
func EntityContent[T any](e *Entity) (T, bool) {
	var zero T
	if e == nil {
		return zero, false
	}
	v, ok := e.Content.(T)
	return v, ok
}
