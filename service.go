package rescache

import (
	"container/list"
	"log/slog"
	"net/url"
	"sync"
	"time"
	"weak"

	"github.com/vitaliisemenov/rescache/internal/obsmetrics"
)

// Service is the root of a resource cache: it owns the Resource registry
// (deduplicated by canonical URL), the default Pipeline, the Configuration
// registry, and the Transport every Resource dispatches through.
//
// Resources are tracked with weak.Pointer so an unobserved Resource can be
// collected once nothing holds it; a small bounded LRU keeps recently
// touched but still-unobserved resources strongly alive for a little
// while so a burst of lookups doesn't thrash allocation, while any
// Resource with at least one observer is strongly pinned for as long as
// that holds.
type Service struct {
	baseURL   *url.URL
	clock     Clock
	transport Transport
	logger    *slog.Logger
	seq       *sequencer
	config    *configRegistry
	pipeline  *Pipeline
	metrics   *obsmetrics.Registry

	registryMu sync.Mutex
	registry   map[string]weak.Pointer[Resource]

	pinMu  sync.Mutex
	pinned map[string]*Resource

	lruMu    sync.Mutex
	lru      *list.List
	lruElem  map[string]*list.Element
	lruLimit int

	pressureMu sync.Mutex
	pressureCh chan struct{}
}

type lruEntry struct {
	key string
	res *Resource
}

// ServiceOption configures a Service at construction time.
type ServiceOption func(*Service)

// WithTransport overrides the default net/http-backed Transport.
func WithTransport(t Transport) ServiceOption {
	return func(s *Service) { s.transport = t }
}

// WithClock overrides the default wall-clock time source; tests use this
// to control expiration_time/retry_time evaluation deterministically.
func WithClock(c Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// WithLogger overrides the default slog logger used for cache and
// pipeline diagnostics.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithPipeline overrides the default empty Pipeline.
func WithPipeline(p *Pipeline) ServiceOption {
	return func(s *Service) { s.pipeline = p }
}

// WithUnobservedLRULimit bounds how many unobserved-but-recently-touched
// resources stay strongly reachable; the default is 100.
func WithUnobservedLRULimit(n int) ServiceOption {
	return func(s *Service) { s.lruLimit = n }
}

// WithMetricsRegistry overrides the Prometheus metrics registry the
// Service and its Pipeline record against; the default is
// obsmetrics.DefaultRegistry().
func WithMetricsRegistry(r *obsmetrics.Registry) ServiceOption {
	return func(s *Service) { s.metrics = r }
}

// NewService builds a Service rooted at baseURL. Every Resource path
// looked up through it resolves relative to baseURL.
func NewService(baseURL string, opts ...ServiceOption) (*Service, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	s := &Service{
		baseURL:  u,
		clock:    SystemClock,
		logger:   slog.Default(),
		seq:      newSequencer(),
		pipeline: NewPipeline(),
		metrics:  obsmetrics.DefaultRegistry(),
		registry: make(map[string]weak.Pointer[Resource]),
		pinned:   make(map[string]*Resource),
		lru:      list.New(),
		lruElem:  make(map[string]*list.Element),
		lruLimit: 100,
	}
	for _, o := range opts {
		o(s)
	}
	if s.transport == nil {
		s.transport = NewHTTPTransport()
	}
	s.pipeline.SetLogger(s.logger)
	s.pipeline.SetMetrics(s.metrics.Cache())
	s.config = newConfigRegistry(u, s.pipeline)
	return s, nil
}

// Resource returns the (possibly newly created) Resource for path,
// resolved relative to the Service's base URL.
func (s *Service) Resource(path string) (*Resource, error) {
	u, err := relativeURL(s.baseURL, path)
	if err != nil {
		return nil, err
	}
	return s.resourceFor(u), nil
}

// Pipeline returns the Service's shared default Pipeline. Mutating it
// (adding transformers, rebinding caches) affects every Resource that
// hasn't been routed to a different Pipeline by a WithPipelineOverride
// configuration entry.
func (s *Service) Pipeline() *Pipeline { return s.pipeline }

// Configure folds a new entry into every future Configuration resolution
// whose URL matches pattern and whose method is in methods (nil/empty
// means all methods). description is purely diagnostic.
func (s *Service) Configure(pattern *pattern, methods []string, description string, opts ...ConfigOption) {
	s.config.add(pattern, methods, description, func(c *Configuration) {
		for _, o := range opts {
			o(c)
		}
	})
}

// ConfigureTransformer appends fn as a typed Transformer on the named
// stage of the Service's shared default Pipeline, so it applies to every
// resource routed through that Pipeline. It takes no URL pattern or
// method set, and resources routed to another Pipeline by
// WithPipelineOverride do not see it.
func ConfigureTransformer[In, Out any](s *Service, stage StageKey, fn func(In, *Entity) (Out, error), opts ...TransformerOption) {
	st := s.pipeline.Stage(stage)
	st.Transformers = append(st.Transformers, NewTransformer(fn, opts...))
}

// InvalidateConfiguration forces every subsequent Configuration
// resolution to be recomputed (e.g. after conditionally adding entries).
func (s *Service) InvalidateConfiguration() { s.config.invalidate() }

// ConfigOption mutates a folded Configuration; used with Configure.
type ConfigOption func(*Configuration)

// WithExpirationTime sets how long latest_data is considered fresh.
func WithExpirationTime(d time.Duration) ConfigOption {
	return func(c *Configuration) { c.ExpirationTime = d }
}

// WithRetryTime sets the minimum interval load_if_needed waits after a
// failure before attempting the network again.
func WithRetryTime(d time.Duration) ConfigOption {
	return func(c *Configuration) { c.RetryTime = d }
}

// WithHeader sets a default header sent on every matching request.
func WithHeader(key, value string) ConfigOption {
	return func(c *Configuration) { c.Headers[key] = value }
}

// WithRequestDecorator appends a decorator run (in declaration order) on
// every matching request before any observer sees it.
func WithRequestDecorator(dec ConfigDecorator) ConfigOption {
	return func(c *Configuration) { c.Decorators = append(c.Decorators, dec) }
}

// WithRequestMutator appends a mutator applied to the outgoing request
// after configured headers and conditional-revalidation headers.
func WithRequestMutator(m RequestMutator) ConfigOption {
	return func(c *Configuration) { c.Mutators = append(c.Mutators, m) }
}

// WithCacheKeyFunc overrides how a matching resource's opaque cache key is
// derived from its canonical URL; returning ("", false) disables caching.
func WithCacheKeyFunc(fn func(canonicalURL string) (string, bool)) ConfigOption {
	return func(c *Configuration) { c.CacheKeyFunc = fn }
}

// WithPipelineOverride routes matching resources through p instead of the
// Service's shared default Pipeline.
func WithPipelineOverride(p *Pipeline) ConfigOption {
	return func(c *Configuration) { c.Pipeline = p }
}

// ---- Resource registry ----

func (s *Service) resourceFor(u *url.URL) *Resource {
	key := canonicalURL(u)

	s.registryMu.Lock()
	if wp, ok := s.registry[key]; ok {
		if r := wp.Value(); r != nil {
			s.registryMu.Unlock()
			s.touchLRU(key, r)
			return r
		}
	}
	r := newResource(s, u)
	s.registry[key] = weak.Make(r)
	s.registryMu.Unlock()

	s.touchLRU(key, r)
	return r
}

func (s *Service) touchLRU(key string, r *Resource) {
	s.pinMu.Lock()
	_, isPinned := s.pinned[key]
	s.pinMu.Unlock()
	if isPinned {
		return
	}

	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	if el, ok := s.lruElem[key]; ok {
		s.lru.MoveToFront(el)
		return
	}
	el := s.lru.PushFront(&lruEntry{key: key, res: r})
	s.lruElem[key] = el
	for s.lru.Len() > s.lruLimit {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.lru.Remove(oldest)
		delete(s.lruElem, oldest.Value.(*lruEntry).key)
		s.metrics.Resources().Evictions.Inc()
	}
	s.metrics.Resources().LRUSize.Set(float64(s.lru.Len()))
}

func (s *Service) removeFromLRU(key string) {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	if el, ok := s.lruElem[key]; ok {
		s.lru.Remove(el)
		delete(s.lruElem, key)
	}
}

// pin strongly retains r for as long as it has at least one observer or
// open Changes() channel, called exactly on the 0->positive transition.
func (s *Service) pin(r *Resource) {
	s.pinMu.Lock()
	s.pinned[r.canon] = r
	n := len(s.pinned)
	s.pinMu.Unlock()
	s.metrics.Resources().Pinned.Set(float64(n))
	s.removeFromLRU(r.canon)
}

// unpin releases the strong retention pin taken on r, called exactly on
// the positive->0 transition; r rejoins the unobserved LRU so a brief
// re-observe doesn't force reallocation.
func (s *Service) unpin(r *Resource) {
	s.pinMu.Lock()
	delete(s.pinned, r.canon)
	n := len(s.pinned)
	s.pinMu.Unlock()
	s.metrics.Resources().Pinned.Set(float64(n))
	s.touchLRU(r.canon, r)
}

// FlushUnused drops the strong-retention LRU entirely, letting every
// presently-unobserved Resource become collectible the next time the
// garbage collector runs. OnMemoryPressure calls this on every signal.
func (s *Service) FlushUnused() {
	s.lruMu.Lock()
	s.lru.Init()
	s.lruElem = make(map[string]*list.Element)
	s.lruMu.Unlock()
}

// WipeResources clears latest_data/latest_error and persisted cache
// entries on every currently strongly-reachable resource (pinned or still
// in the unobserved LRU) whose canonical URL satisfies match. Unlike
// Resource.Wipe, it does not cancel requests already in flight on those
// resources.
func (s *Service) WipeResources(match func(canonicalURL string) bool) {
	var targets []*Resource
	s.pinMu.Lock()
	for key, r := range s.pinned {
		if match(key) {
			targets = append(targets, r)
		}
	}
	s.pinMu.Unlock()
	s.lruMu.Lock()
	for key, el := range s.lruElem {
		if match(key) {
			targets = append(targets, el.Value.(*lruEntry).res)
		}
	}
	s.lruMu.Unlock()
	for _, r := range targets {
		r.wipeState()
	}
}

// OnMemoryPressure wires an externally-fed signal (e.g. a cgroup memory
// watcher or an OS low-memory notification forwarded by the host app)
// into FlushUnused: every value received from ch triggers one flush. The
// returned stop func detaches the watcher goroutine.
func (s *Service) OnMemoryPressure(ch <-chan struct{}) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				s.FlushUnused()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Close stops the Service's internal sequencer goroutine. Safe to call
// once a Service is no longer in use; further observer/request activity
// after Close is silently dropped.
func (s *Service) Close() { s.seq.stop() }
