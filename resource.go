package rescache

import (
	"context"
	"net/http"
	"net/url"
	"reflect"
	"runtime"
	"sync"
	"time"
)

// selfOwnerKey is the owners-map key used by AddObserver, where the caller
// (not a tracked object's lifetime) is responsible for eventual removal.
type selfOwnerKey struct{}

type observerEntry struct {
	obs Observer
	// owners maps an owner identity to the func that cancels its
	// runtime.AddCleanup registration, or nil for the self-owned key
	// (which has no cleanup to cancel).
	owners map[any]func()
}

// Resource is a cached, observable view of a single canonical URL within
// one Service. Resources are created and deduplicated by Service.Resource;
// application code never constructs one directly.
type Resource struct {
	service *Service
	raw     *url.URL
	canon   string

	mu             sync.Mutex
	latestData     *Entity
	latestError    *Error
	loadCount      int
	requestCount   int
	observers      map[Observer]*observerEntry
	changeChans    map[chan ObserverEvent]struct{}
	activeRequests map[*Request]struct{}
	currentLoad    *Request
}

func newResource(svc *Service, u *url.URL) *Resource {
	return &Resource{
		service:        svc,
		raw:            u,
		canon:          canonicalURL(u),
		observers:      make(map[Observer]*observerEntry),
		changeChans:    make(map[chan ObserverEvent]struct{}),
		activeRequests: make(map[*Request]struct{}),
	}
}

// URL returns the resource's canonical, fully-resolved URL.
func (r *Resource) URL() string { return r.canon }

// Child returns the Resource for base.URL with segment appended as a path
// component.
func (r *Resource) Child(segment string) *Resource {
	return r.service.resourceFor(childURL(r.raw, segment))
}

// Relative resolves rel against this resource's URL the way a browser
// resolves an href found on the page, returning the resulting Resource.
func (r *Resource) Relative(rel string) (*Resource, error) {
	u, err := relativeURL(r.raw, rel)
	if err != nil {
		return nil, err
	}
	return r.service.resourceFor(u), nil
}

// WithParam returns the Resource for this URL with query parameter key set
// to value.
func (r *Resource) WithParam(key, value string) *Resource {
	return r.service.resourceFor(withParamURL(r.raw, key, value, true))
}

// WithoutParam returns the Resource for this URL with query parameter key
// removed.
func (r *Resource) WithoutParam(key string) *Resource {
	return r.service.resourceFor(withParamURL(r.raw, key, "", false))
}

// LatestData returns the most recently received (or locally overridden)
// entity, or nil if none has ever arrived.
func (r *Resource) LatestData() *Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestData
}

// LatestError returns the most recent failure, or nil if the latest
// terminal outcome was a success (a success always clears it).
func (r *Resource) LatestError() *Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestError
}

// Timestamp returns the recency of LatestData, or the zero time if there
// is none.
func (r *Resource) Timestamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latestData == nil {
		return time.Time{}
	}
	return r.latestData.Timestamp
}

// IsLoading reports whether a load-class (GET) request is in flight.
func (r *Resource) IsLoading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadCount > 0
}

// IsRequesting reports whether any request, of any method, is in flight.
func (r *Resource) IsRequesting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requestCount > 0
}

// configuration resolves this resource's folded Configuration for method.
func (r *Resource) configuration(method string) *Configuration {
	return r.service.config.resolve(r.canon, method)
}

func (r *Resource) cacheKeyFunc(cfg *Configuration) func(StageKey) (string, bool) {
	return func(StageKey) (string, bool) { return cfg.cacheKeyFor(r.canon) }
}

// ---- Observers ----

// AddObserver registers obs to receive this resource's events until an
// explicit RemoveObservers(nil) call removes it. The newly added observer
// always receives ObserverAdded first, posted asynchronously so the caller
// may keep configuring before it arrives.
func (r *Resource) AddObserver(obs Observer) {
	r.addObserverOwner(obs, selfOwnerKey{}, nil)
}

// Observe registers obs as owned by owner: when owner becomes unreachable
// to the garbage collector, obs is automatically removed as if
// RemoveObservers(owner) had been called. Because Go methods cannot take
// their own type parameters, this is a package-level function rather
// than a method.
func Observe[O any](r *Resource, obs Observer, owner *O) {
	key := reflect.ValueOf(owner).Pointer()
	cleanup := runtime.AddCleanup(owner, func(a ownerCleanupArg) {
		a.resource.service.seq.post(func() { a.resource.releaseOwner(a.obs, a.key) })
	}, ownerCleanupArg{resource: r, obs: obs, key: key})
	r.addObserverOwner(obs, key, cleanup.Stop)
}

// ownerCleanupArg is passed by value to runtime.AddCleanup so the cleanup
// closure never captures the owner pointer itself — doing so would keep it
// permanently reachable and the cleanup would never fire.
type ownerCleanupArg struct {
	resource *Resource
	obs      Observer
	key      uintptr
}

func (r *Resource) addObserverOwner(obs Observer, key any, stopCleanup func()) {
	r.service.seq.post(func() {
		r.mu.Lock()
		entry, exists := r.observers[obs]
		if !exists {
			entry = &observerEntry{obs: obs, owners: make(map[any]func())}
			r.observers[obs] = entry
		}
		if _, already := entry.owners[key]; already {
			if stopCleanup != nil {
				stopCleanup()
			}
		} else {
			entry.owners[key] = stopCleanup
		}
		wasEmpty := false
		if !exists {
			wasEmpty = len(r.observers) == 1 && len(r.changeChans) == 0
		}
		r.mu.Unlock()
		if !exists {
			if wasEmpty {
				r.service.pin(r)
			}
			obs.ObserverChanged(r, ObserverEvent{Kind: EventObserverAdded})
		}
	})
}

// RemoveObservers removes every observer owned by ownedBy. Pass nil to
// remove self-owned observers added via AddObserver, or the exact pointer
// previously passed to Observe to remove that owner's observers. Each
// observer that has no remaining owner is fully removed and sent a final
// StoppedObserving event.
func (r *Resource) RemoveObservers(ownedBy any) {
	var key any = selfOwnerKey{}
	if ownedBy != nil {
		key = reflect.ValueOf(ownedBy).Pointer()
	}
	r.service.seq.post(func() { r.releaseOwnerKey(key) })
}

func (r *Resource) releaseOwner(obs Observer, key uintptr) {
	r.mu.Lock()
	entry, ok := r.observers[obs]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(entry.owners, key)
	removed := len(entry.owners) == 0
	if removed {
		delete(r.observers, obs)
	}
	becameEmpty := len(r.observers) == 0 && len(r.changeChans) == 0
	r.mu.Unlock()
	if removed {
		obs.ObserverChanged(r, ObserverEvent{Kind: EventStoppedObserving})
	}
	if becameEmpty {
		r.service.unpin(r)
	}
}

func (r *Resource) releaseOwnerKey(key any) {
	r.mu.Lock()
	var removed []Observer
	for obs, entry := range r.observers {
		stop, ok := entry.owners[key]
		if !ok {
			continue
		}
		if stop != nil {
			stop()
		}
		delete(entry.owners, key)
		if len(entry.owners) == 0 {
			delete(r.observers, obs)
			removed = append(removed, obs)
		}
	}
	becameEmpty := len(r.observers) == 0 && len(r.changeChans) == 0
	r.mu.Unlock()
	for _, obs := range removed {
		obs.ObserverChanged(r, ObserverEvent{Kind: EventStoppedObserving})
	}
	if becameEmpty {
		r.service.unpin(r)
	}
}

// Changes returns a channel that receives every event this resource
// broadcasts (a reactive alternative to implementing Observer), and an
// unsubscribe func that must be called when the caller is done — the
// channel is otherwise held open for the resource's lifetime. Delivery is
// non-blocking: while the channel's buffer of 16 events is full, each new
// event is dropped rather than stalling the sequencer.
func (r *Resource) Changes() (<-chan ObserverEvent, func()) {
	ch := make(chan ObserverEvent, 16)
	r.service.seq.post(func() {
		r.mu.Lock()
		wasEmpty := len(r.observers) == 0 && len(r.changeChans) == 0
		r.changeChans[ch] = struct{}{}
		r.mu.Unlock()
		if wasEmpty {
			r.service.pin(r)
		}
	})
	unsubscribe := func() {
		r.service.seq.post(func() {
			r.mu.Lock()
			delete(r.changeChans, ch)
			becameEmpty := len(r.observers) == 0 && len(r.changeChans) == 0
			r.mu.Unlock()
			if becameEmpty {
				r.service.unpin(r)
			}
		})
	}
	return ch, unsubscribe
}

func (r *Resource) broadcast(ev ObserverEvent) {
	r.service.seq.post(func() { r.deliver(ev) })
}

func (r *Resource) deliver(ev ObserverEvent) {
	r.mu.Lock()
	obs := make([]Observer, 0, len(r.observers))
	for o := range r.observers {
		obs = append(obs, o)
	}
	chs := make([]chan ObserverEvent, 0, len(r.changeChans))
	for ch := range r.changeChans {
		chs = append(chs, ch)
	}
	r.mu.Unlock()
	for _, o := range obs {
		o.ObserverChanged(r, ev)
	}
	for _, ch := range chs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ---- Requests ----

// Load unconditionally issues a network GET, coalescing with any GET load
// already in flight: both callers' callbacks attach to the same Request.
func (r *Resource) Load() *Request {
	r.mu.Lock()
	if r.currentLoad != nil {
		req := r.currentLoad
		r.mu.Unlock()
		return req
	}
	r.mu.Unlock()

	req := r.buildRequest(http.MethodGet, nil, "", true)
	r.mu.Lock()
	r.currentLoad = req
	r.mu.Unlock()
	r.broadcast(ObserverEvent{Kind: EventRequested})
	req.Start()
	return req
}

// LoadIfNeeded issues a network GET only if there is no fresh local data:
// it returns nil (and issues nothing) when latest_data is still within its
// configured expiration_time, or when latest_error is still within its
// configured retry_time: retries are not automatic beyond that window. A
// cold resource first tries a pipeline cache read; a hit is published as
// NewData(Cache) and, if it is itself fresh enough, no network call
// follows.
func (r *Resource) LoadIfNeeded() *Request {
	now := r.service.clock.Now()
	cfg := r.configuration(http.MethodGet)

	r.mu.Lock()
	if r.currentLoad != nil {
		req := r.currentLoad
		r.mu.Unlock()
		return req
	}
	if r.latestData != nil {
		fresh := now.Sub(r.latestData.Timestamp) < cfg.ExpirationTime
		r.mu.Unlock()
		if fresh {
			return nil
		}
	} else {
		r.mu.Unlock()
	}

	r.mu.Lock()
	if r.latestError != nil && now.Sub(r.latestError.Timestamp) < cfg.RetryTime {
		r.mu.Unlock()
		return nil
	}
	hadData := r.latestData != nil
	r.mu.Unlock()

	if !hadData {
		if cached, ok := cfg.Pipeline.readFromCache(context.Background(), r.cacheKeyFunc(cfg), now); ok {
			r.mu.Lock()
			r.latestData = cached
			r.mu.Unlock()
			r.broadcast(ObserverEvent{Kind: EventNewData, Source: SourceCache})
			if now.Sub(cached.Timestamp) < cfg.ExpirationTime {
				return nil
			}
		}
	}

	return r.Load()
}

// Request issues a one-off request for method, which does not coalesce
// with Load/LoadIfNeeded or with another ad-hoc Request: only
// same-purpose loads coalesce.
func (r *Resource) Request(method string, body []byte, contentType string) *Request {
	req := r.buildRequest(method, body, contentType, false)
	req.Start()
	return req
}

// buildRequest resolves configuration, wires a leaf network runner, runs
// it through configured decorators, and attaches the resource-state-update
// hook to the resulting (possibly wrapped) Request — the one Resource
// actually treats as authoritative for this dispatch.
func (r *Resource) buildRequest(method string, body []byte, contentType string, isLoad bool) *Request {
	cfg := r.configuration(method)
	leaf := newRequest(r.service.seq, method, r.canon)
	leaf.isLoad = isLoad
	leaf.runner = func(ctx context.Context, progress ProgressFunc) *RequestResult {
		return r.runnerFor(method, body, contentType, r.configuration(method))(ctx, progress)
	}
	leaf.setRebuild(func() *Request { return r.buildRequest(method, body, contentType, isLoad) })

	effective := leaf
	for _, dec := range cfg.Decorators {
		effective = dec(r, effective)
	}
	effective.isLoad = isLoad
	effective.resource = r

	r.mu.Lock()
	r.activeRequests[effective] = struct{}{}
	if isLoad {
		r.loadCount++
	}
	r.requestCount++
	r.mu.Unlock()

	return effective
}

// runnerFor builds the runnerFunc that actually talks to the Transport and
// runs the response through the pipeline.
func (r *Resource) runnerFor(method string, body []byte, contentType string, cfg *Configuration) runnerFunc {
	return func(ctx context.Context, progress ProgressFunc) *RequestResult {
		now := r.service.clock.Now()
		headers := make(http.Header)
		for k, v := range cfg.Headers {
			headers.Set(k, v)
		}
		if contentType != "" {
			headers.Set("Content-Type", contentType)
		}
		if method == http.MethodGet {
			r.mu.Lock()
			data := r.latestData
			r.mu.Unlock()
			if data != nil {
				if et := data.ETag(); et != "" {
					headers.Set("If-None-Match", et)
				} else if lm := data.LastModified(); lm != "" {
					headers.Set("If-Modified-Since", lm)
				}
			}
		}
		out := OutgoingRequest{Method: method, URL: r.canon, Body: body, Headers: headers}
		for _, m := range cfg.Mutators {
			m(&out)
		}

		resp, err := r.service.transport.Send(ctx, out, progress)
		if err != nil {
			if ctx.Err() != nil {
				return &RequestResult{Err: errCancelled(now)}
			}
			return &RequestResult{Err: errorFromTransport(err, now)}
		}

		switch {
		case resp.Status == http.StatusNotModified:
			r.mu.Lock()
			data := r.latestData
			r.mu.Unlock()
			if data == nil {
				return &RequestResult{Err: errNoLocalDataFor304(now)}
			}
			cfg.Pipeline.touchCachesTimestamp(ctx, r.cacheKeyFunc(cfg), now)
			return &RequestResult{NotModified: true, Entity: data.withTimestamp(now)}
		case resp.Status >= 200 && resp.Status < 300:
			raw := NewEntity(resp.Body, resp.Headers.Get("Content-Type"), resp.Headers, now)
			entity, perr := cfg.Pipeline.writeThrough(ctx, raw, r.cacheKeyFunc(cfg), now)
			if perr != nil {
				return &RequestResult{Err: perr}
			}
			return &RequestResult{Entity: entity}
		default:
			raw := NewEntity(resp.Body, resp.Headers.Get("Content-Type"), resp.Headers, now)
			return &RequestResult{Err: errorFromStatus(resp.Status, raw, now)}
		}
	}
}

// handleRequestTerminal applies req's outcome to Resource state and
// notifies observers of the corresponding event before returning, so that
// Request.resolve (the only caller) can rely on observers having already
// seen the terminal event by the time it fires this request's own
// callbacks. Cancellation of a non-load request is not broadcast;
// RequestCancelled is only sent when it was a load.
func (r *Resource) handleRequestTerminal(req *Request, state RequestState, result *RequestResult, isLoad bool) {
	r.mu.Lock()
	delete(r.activeRequests, req)
	if isLoad {
		r.loadCount--
	}
	r.requestCount--
	if r.currentLoad == req {
		r.currentLoad = nil
	}
	r.mu.Unlock()

	outcome := "error"
	switch state {
	case ReqCancelled:
		outcome = "cancelled"
	case ReqSucceeded:
		outcome = "success"
		if result.NotModified {
			outcome = "not_modified"
		}
	}
	r.service.metrics.Requests().Total.WithLabelValues(req.Method(), outcome).Inc()

	switch state {
	case ReqCancelled:
		if isLoad {
			r.deliver(ObserverEvent{Kind: EventRequestCancelled})
		}
	case ReqFailed:
		r.mu.Lock()
		r.latestError = result.Err
		r.mu.Unlock()
		r.deliver(ObserverEvent{Kind: EventErrorEvent})
	case ReqSucceeded:
		if result.NotModified {
			r.mu.Lock()
			if r.latestData != nil {
				r.latestData = r.latestData.withTimestamp(result.Entity.Timestamp)
			} else {
				r.latestData = result.Entity
			}
			r.latestError = nil
			r.mu.Unlock()
			r.deliver(ObserverEvent{Kind: EventNotModified})
		} else {
			r.mu.Lock()
			r.latestData = result.Entity
			r.latestError = nil
			r.mu.Unlock()
			r.deliver(ObserverEvent{Kind: EventNewData, Source: SourceNetwork})
		}
	}
}

// OverrideLocalData installs content as latest_data without any network
// round trip, as if it had just been freshly loaded. It also removes any
// persisted cache entries, since they would otherwise outlive and
// eventually shadow this override.
func (r *Resource) OverrideLocalData(content any, contentType string) {
	now := r.service.clock.Now()
	cfg := r.configuration(http.MethodGet)
	e := NewEntity(content, contentType, http.Header{}, now)
	r.mu.Lock()
	r.latestData = e
	r.latestError = nil
	r.mu.Unlock()
	cfg.Pipeline.removeFromCaches(context.Background(), r.cacheKeyFunc(cfg))
	r.broadcast(ObserverEvent{Kind: EventNewData, Source: SourceLocalOverride})
}

// Wipe clears latest_data and latest_error, removes any persisted cache
// entries, and cancels every outstanding request on this resource,
// returning it to its never-loaded state. This is what distinguishes it
// from Service.WipeResources, which deliberately leaves in-flight
// requests running and only clears state via wipeState.
func (r *Resource) Wipe() {
	r.mu.Lock()
	active := make([]*Request, 0, len(r.activeRequests))
	for req := range r.activeRequests {
		active = append(active, req)
	}
	r.mu.Unlock()
	for _, req := range active {
		req.Cancel()
	}
	r.wipeState()
}

// wipeState clears latest_data/latest_error and removes persisted cache
// entries without touching any in-flight request; Wipe layers request
// cancellation on top, WipeResources uses this directly.
func (r *Resource) wipeState() {
	cfg := r.configuration(http.MethodGet)
	r.mu.Lock()
	r.latestData = nil
	r.latestError = nil
	r.mu.Unlock()
	cfg.Pipeline.removeFromCaches(context.Background(), r.cacheKeyFunc(cfg))
	r.broadcast(ObserverEvent{Kind: EventNewData, Source: SourceWipe})
}
