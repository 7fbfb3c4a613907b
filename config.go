package rescache

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ConfigDecorator wraps or replaces a Request before any observer sees it.
// Decorators run in declaration order, each seeing the previous one's
// output.
type ConfigDecorator func(r *Resource, req *Request) *Request

// RequestMutator edits an outbound request's method, headers, or body in
// place, after configured headers have been applied.
type RequestMutator func(req *OutgoingRequest)

// Configuration is the frozen, per-(resource, method) settings folded
// from every matching registry entry, plus the Pipeline those settings
// route through. Pipeline is the Service's shared Pipeline (or the one set
// by WithPipelineOverride), not a copy: later changes to that Pipeline's
// stages are seen by an already-resolved Configuration.
type Configuration struct {
	Headers        map[string]string
	ExpirationTime time.Duration
	RetryTime      time.Duration
	Pipeline       *Pipeline
	Decorators     []ConfigDecorator
	Mutators       []RequestMutator
	// CacheKeyFunc, given the resource's canonical URL, returns the opaque
	// cache key every stage's CacheKey.Opaque is built from, and whether
	// caching applies at all. A nil CacheKeyFunc means "use the canonical
	// URL verbatim"; returning ("", false) disables caching for this
	// resource; see NoCacheKey.
	CacheKeyFunc func(canonicalURL string) (string, bool)
}

// defaultConfiguration returns the baseline every (resource, method)
// resolution starts folding from: no headers, a 30s expiration time and a
// 1s retry time.
func defaultConfiguration(pipeline *Pipeline) *Configuration {
	return &Configuration{
		Headers:        map[string]string{},
		ExpirationTime: 30 * time.Second,
		RetryTime:      1 * time.Second,
		Pipeline:       pipeline,
	}
}

func (c *Configuration) clone() *Configuration {
	cp := &Configuration{
		Headers:        make(map[string]string, len(c.Headers)),
		ExpirationTime: c.ExpirationTime,
		RetryTime:      c.RetryTime,
		Pipeline:       c.Pipeline,
		Decorators:     append([]ConfigDecorator(nil), c.Decorators...),
		Mutators:       append([]RequestMutator(nil), c.Mutators...),
		CacheKeyFunc:   c.CacheKeyFunc,
	}
	for k, v := range c.Headers {
		cp.Headers[k] = v
	}
	return cp
}

// cacheKeyFor resolves the opaque cache key for canonicalURL under c.
func (c *Configuration) cacheKeyFor(canonicalURL string) (string, bool) {
	if c.CacheKeyFunc != nil {
		return c.CacheKeyFunc(canonicalURL)
	}
	return canonicalURL, true
}

// pattern matches a URL (query string ignored) against either a glob
// (*, **, ?) or a regular expression.
type pattern struct {
	re       *regexp.Regexp
	anchored bool
}

// GlobPattern compiles a glob where "*" matches one path segment, "**"
// matches any number of segments, and "?" matches one non-separator
// character. The pattern is matched against the full URL with base applied.
func GlobPattern(glob string) *pattern {
	var b strings.Builder
	b.WriteString("^")
	i := 0
	for i < len(glob) {
		c := glob[i]
		switch {
		case strings.HasPrefix(glob[i:], "**"):
			b.WriteString(".*")
			i += 2
		case c == '*':
			b.WriteString("[^/]*")
			i++
		case c == '?':
			b.WriteString("[^/]")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	b.WriteString("$")
	return &pattern{re: regexp.MustCompile(b.String()), anchored: true}
}

// RegexPattern matches urlStr as a substring unless the expression is
// itself anchored with ^/$.
func RegexPattern(expr string) *pattern {
	return &pattern{re: regexp.MustCompile(expr)}
}

func (p *pattern) matches(urlStr string) bool {
	// query strings are ignored for matching
	if i := strings.IndexByte(urlStr, '?'); i >= 0 {
		urlStr = urlStr[:i]
	}
	if p.anchored {
		return p.re.MatchString(urlStr)
	}
	return p.re.FindStringIndex(urlStr) != nil
}

type configEntry struct {
	pattern     *pattern
	methods     map[string]bool // nil/empty means "all methods"
	description string
	mutate      func(*Configuration)
}

func (e *configEntry) appliesTo(urlStr, method string) bool {
	if !e.pattern.matches(urlStr) {
		return false
	}
	if len(e.methods) == 0 {
		return true
	}
	return e.methods[method]
}

// configRegistry holds the ordered (pattern, methods, mutator) entries a
// Service folds into per-(resource, method) Configuration, memoizing the
// result until InvalidateConfiguration or a registry mutation.
type configRegistry struct {
	mu      sync.Mutex
	baseURL *url.URL
	entries []*configEntry
	memo    map[string]*Configuration
	pipe    *Pipeline
}

func newConfigRegistry(baseURL *url.URL, pipe *Pipeline) *configRegistry {
	return &configRegistry{
		baseURL: baseURL,
		memo:    make(map[string]*Configuration),
		pipe:    pipe,
	}
}

func methodSet(methods []string) map[string]bool {
	if len(methods) == 0 {
		return nil
	}
	m := make(map[string]bool, len(methods))
	for _, meth := range methods {
		m[strings.ToUpper(meth)] = true
	}
	return m
}

func (r *configRegistry) add(p *pattern, methods []string, description string, mutate func(*Configuration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &configEntry{
		pattern:     p,
		methods:     methodSet(methods),
		description: description,
		mutate:      mutate,
	})
	r.memo = make(map[string]*Configuration)
}

func (r *configRegistry) invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memo = make(map[string]*Configuration)
}

func (r *configRegistry) resolve(urlStr, method string) *Configuration {
	method = strings.ToUpper(method)
	key := method + " " + urlStr
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.memo[key]; ok {
		return cfg
	}
	// Glob patterns that are not absolute URLs are written relative to the
	// base URL, so they are also tried against the part of urlStr after it.
	rel := ""
	if r.baseURL != nil {
		if base := strings.TrimSuffix(r.baseURL.String(), "/"); strings.HasPrefix(urlStr, base+"/") {
			rel = urlStr[len(base):]
		}
	}
	cfg := defaultConfiguration(r.pipe)
	for _, e := range r.entries {
		if e.appliesTo(urlStr, method) || (rel != "" && e.pattern.anchored && e.appliesTo(rel, method)) {
			e.mutate(cfg)
		}
	}
	r.memo[key] = cfg
	return cfg
}
