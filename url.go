package rescache

import (
	"net/url"
	"path"
	"sort"
	"strings"
)

// canonicalURL returns the string form of u with its query parameters
// re-encoded in sorted key order, so that two URLs differing only in
// parameter order resolve to the same Resource. url.Values.Encode already
// sorts by key; we also sort repeated values per key for determinism.
func canonicalURL(u *url.URL) string {
	cp := *u
	if cp.RawQuery != "" || len(cp.Query()) > 0 {
		cp.RawQuery = canonicalQuery(cp.Query())
	}
	return cp.String()
}

func canonicalQuery(q url.Values) string {
	for k := range q {
		vs := append([]string(nil), q[k]...)
		sort.Strings(vs)
		q[k] = vs
	}
	return q.Encode()
}

// childURL appends a path segment to base, as Resource.Child does.
func childURL(base *url.URL, segment string) *url.URL {
	cp := *base
	cp.Path = strings.TrimSuffix(cp.Path, "/") + "/" + strings.TrimPrefix(segment, "/")
	cp.Path = path.Clean(cp.Path)
	cp.RawQuery = ""
	cp.Fragment = ""
	return &cp
}

// relativeURL resolves rel as if it were an href found in a page served
// from base — supporting "..", absolute paths, and scheme-relative or
// fully-qualified hrefs, via the standard library's URL resolution rules.
func relativeURL(base *url.URL, rel string) (*url.URL, error) {
	r, err := url.Parse(rel)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(r), nil
}

// withParamURL sets (or, when present is false, removes) a single query
// parameter, preserving the canonical alphabetical ordering applied by
// canonicalURL so two call paths that end up with the same parameter set
// converge on the same Resource.
func withParamURL(base *url.URL, key, value string, present bool) *url.URL {
	cp := *base
	q := cp.Query()
	if present {
		q.Set(key, value)
	} else {
		q.Del(key)
	}
	cp.RawQuery = canonicalQuery(q)
	return &cp
}
