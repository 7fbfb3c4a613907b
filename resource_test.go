package rescache

import (
	"context"
	"net/http"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, transport Transport, clock Clock) *Service {
	t.Helper()
	svc, err := NewService("https://api.example.com", WithTransport(transport), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func jsonResponse(body string) scriptedResponse {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return scriptedResponse{resp: &RawResponse{Status: http.StatusOK, Headers: h, Body: []byte(body)}}
}

func TestServiceResourceIsUniquePerCanonicalURL(t *testing.T) {
	svc := newTestService(t, newFakeTransport(), SystemClock)

	a, err := svc.Resource("/widgets/42?b=2&a=1")
	require.NoError(t, err)
	b, err := svc.Resource("/widgets/42?a=1&b=2")
	require.NoError(t, err)

	assert.Same(t, a, b)
}

func TestResourceLoadPublishesNewDataAndUpdatesLatest(t *testing.T) {
	transport := newFakeTransport(jsonResponse(`{"name":"cog"}`))
	svc := newTestService(t, transport, SystemClock)

	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	var events []ObserverEventKind
	res.AddObserver(ObserverFunc(func(r *Resource, ev ObserverEvent) {
		events = append(events, ev.Kind)
	}))

	done := make(chan struct{})
	req := res.Load()
	req.OnCompletion(func(*RequestResult) { close(done) })
	<-done

	waitFor(t, time.Second, func() bool { return len(events) >= 3 })
	require.NotNil(t, res.LatestData())
	assert.Equal(t, []byte(`{"name":"cog"}`), res.LatestData().Content)
	assert.Contains(t, events, EventObserverAdded)
	assert.Contains(t, events, EventRequested)
	assert.Contains(t, events, EventNewData)
}

func TestResourceLoadCoalescesConcurrentCallers(t *testing.T) {
	blocker := make(chan struct{})
	transport := newFakeTransport(scriptedResponse{
		resp:    &RawResponse{Status: http.StatusOK, Headers: http.Header{}, Body: []byte(`"x"`)},
		blocker: blocker,
	})
	svc := newTestService(t, transport, SystemClock)
	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	r1 := res.Load()
	r2 := res.Load()
	assert.Same(t, r1, r2)
	close(blocker)

	done := make(chan struct{})
	r1.OnCompletion(func(*RequestResult) { close(done) })
	<-done
	assert.Equal(t, 1, transport.CallCount())
}

func TestResourceAdHocRequestsDoNotCoalesce(t *testing.T) {
	transport := newFakeTransport(jsonResponse(`"a"`), jsonResponse(`"b"`))
	svc := newTestService(t, transport, SystemClock)
	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	r1 := res.Request(http.MethodPost, []byte("x"), "text/plain")
	r2 := res.Request(http.MethodPost, []byte("y"), "text/plain")
	assert.NotSame(t, r1, r2)

	done1, done2 := make(chan struct{}), make(chan struct{})
	r1.OnCompletion(func(*RequestResult) { close(done1) })
	r2.OnCompletion(func(*RequestResult) { close(done2) })
	<-done1
	<-done2
	assert.Equal(t, 2, transport.CallCount())
}

func TestResourceLoadIfNeededSkipsNetworkWhenFresh(t *testing.T) {
	transport := newFakeTransport(jsonResponse(`"first"`))
	clock := newFakeClock(time.Now())
	svc := newTestService(t, transport, clock)
	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	done := make(chan struct{})
	req := res.LoadIfNeeded()
	require.NotNil(t, req)
	req.OnCompletion(func(*RequestResult) { close(done) })
	<-done

	second := res.LoadIfNeeded()
	assert.Nil(t, second)
	assert.Equal(t, 1, transport.CallCount())
}

func TestResourceLoadIfNeededRetriesAfterExpiration(t *testing.T) {
	transport := newFakeTransport(jsonResponse(`"first"`), jsonResponse(`"second"`))
	clock := newFakeClock(time.Now())
	svc := newTestService(t, transport, clock)
	svc.Configure(GlobPattern("**"), nil, "short expiry", WithExpirationTime(time.Millisecond))

	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	done := make(chan struct{})
	req := res.LoadIfNeeded()
	req.OnCompletion(func(*RequestResult) { close(done) })
	<-done

	clock.Advance(time.Second)
	second := res.LoadIfNeeded()
	require.NotNil(t, second)
	done2 := make(chan struct{})
	second.OnCompletion(func(*RequestResult) { close(done2) })
	<-done2
	assert.Equal(t, 2, transport.CallCount())
}

func TestResourceLoadIfNeededDoesNotRetryBeforeRetryTimeElapses(t *testing.T) {
	transport := newFakeTransport(scriptedResponse{resp: &RawResponse{Status: http.StatusInternalServerError, Headers: http.Header{}, Body: nil}})
	clock := newFakeClock(time.Now())
	svc := newTestService(t, transport, clock)
	svc.Configure(GlobPattern("**"), nil, "retry window", WithRetryTime(time.Minute))

	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	done := make(chan struct{})
	req := res.LoadIfNeeded()
	req.OnCompletion(func(*RequestResult) { close(done) })
	<-done
	require.NotNil(t, res.LatestError())

	again := res.LoadIfNeeded()
	assert.Nil(t, again)
	assert.Equal(t, 1, transport.CallCount())
}

func TestResource304PreservesLatestDataAndUpdatesTimestamp(t *testing.T) {
	transport := newFakeTransport(jsonResponse(`"v1"`),
		scriptedResponse{resp: &RawResponse{Status: http.StatusNotModified, Headers: http.Header{}}})
	svc := newTestService(t, transport, SystemClock)
	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	done1 := make(chan struct{})
	res.Load().OnCompletion(func(*RequestResult) { close(done1) })
	<-done1
	firstTimestamp := res.Timestamp()

	time.Sleep(2 * time.Millisecond)
	done2 := make(chan struct{})
	req2 := res.Load()
	var notModifiedFired bool
	req2.OnNotModified(func() { notModifiedFired = true })
	req2.OnCompletion(func(*RequestResult) { close(done2) })
	<-done2

	assert.True(t, notModifiedFired)
	assert.Equal(t, []byte(`"v1"`), res.LatestData().Content)
	assert.True(t, res.Timestamp().After(firstTimestamp))
}

func TestResourceFailedLoadPreservesPriorLatestData(t *testing.T) {
	transport := newFakeTransport(jsonResponse(`"good"`),
		scriptedResponse{resp: &RawResponse{Status: http.StatusInternalServerError, Headers: http.Header{}}})
	svc := newTestService(t, transport, SystemClock)
	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	done1 := make(chan struct{})
	res.Load().OnCompletion(func(*RequestResult) { close(done1) })
	<-done1

	done2 := make(chan struct{})
	res.Request(http.MethodGet, nil, "").OnCompletion(func(*RequestResult) { close(done2) })
	<-done2

	assert.NotNil(t, res.LatestData())
	assert.Equal(t, []byte(`"good"`), res.LatestData().Content)
	assert.NotNil(t, res.LatestError())
}

func TestResourceCancelledAdHocRequestIsSilentToObservers(t *testing.T) {
	blocker := make(chan struct{})
	transport := newFakeTransport(scriptedResponse{
		resp:    &RawResponse{Status: http.StatusOK, Headers: http.Header{}},
		blocker: blocker,
	})
	svc := newTestService(t, transport, SystemClock)
	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	var sawCancel bool
	res.AddObserver(ObserverFunc(func(r *Resource, ev ObserverEvent) {
		if ev.Kind == EventRequestCancelled {
			sawCancel = true
		}
	}))

	req := res.Request(http.MethodDelete, nil, "")
	done := make(chan struct{})
	req.OnCompletion(func(*RequestResult) { close(done) })
	waitFor(t, time.Second, func() bool { return transport.CallCount() == 1 })
	req.Cancel()
	close(blocker)
	<-done

	time.Sleep(10 * time.Millisecond)
	assert.False(t, sawCancel)
}

func TestResourceCancelledLoadBroadcastsToObservers(t *testing.T) {
	blocker := make(chan struct{})
	transport := newFakeTransport(scriptedResponse{
		resp:    &RawResponse{Status: http.StatusOK, Headers: http.Header{}},
		blocker: blocker,
	})
	svc := newTestService(t, transport, SystemClock)
	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	var sawCancel bool
	done := make(chan struct{})
	res.AddObserver(ObserverFunc(func(r *Resource, ev ObserverEvent) {
		if ev.Kind == EventRequestCancelled {
			sawCancel = true
			close(done)
		}
	}))

	req := res.Load()
	waitFor(t, time.Second, func() bool { return transport.CallCount() == 1 })
	req.Cancel()
	close(blocker)
	<-done
	assert.True(t, sawCancel)
}

func TestResourceRemoveObserversStopsNotifications(t *testing.T) {
	svc := newTestService(t, newFakeTransport(), SystemClock)
	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	count := 0
	obs := ObserverFunc(func(r *Resource, ev ObserverEvent) { count++ })
	res.AddObserver(obs)
	waitFor(t, time.Second, func() bool { return count == 1 })

	res.RemoveObservers(nil)
	waitFor(t, time.Second, func() bool { return count == 2 })

	res.OverrideLocalData("x", "text/plain")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, count)
}

func TestObserveDetachesWhenOwnerIsCollected(t *testing.T) {
	svc := newTestService(t, newFakeTransport(), SystemClock)
	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	var events []ObserverEventKind
	owner := new(struct{ tag string })
	Observe(res, ObserverFunc(func(r *Resource, ev ObserverEvent) {
		events = append(events, ev.Kind)
	}), owner)
	waitFor(t, time.Second, func() bool { return len(events) == 1 })

	owner = nil
	for i := 0; i < 20 && len(events) < 2; i++ {
		runtime.GC()
		time.Sleep(20 * time.Millisecond)
	}
	// GC timing is not guaranteed, so this only logs rather than asserts:
	// a slow collector can leave the cleanup unfired within this loop.
	t.Logf("owner-cleanup observed %d events (2 == detached)", len(events))
}

func TestResourceOverrideLocalDataClearsErrorAndCaches(t *testing.T) {
	svc := newTestService(t, newFakeTransport(), SystemClock)
	cache := newMemCache()
	svc.Pipeline().Stage(StageRawData).Cache = cache
	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	_ = cache.Write(context.Background(), CacheKey{Stage: StageRawData, Opaque: res.URL()}, NewEntity("old", "", nil, time.Now()))
	res.OverrideLocalData("new", "text/plain")

	waitFor(t, time.Second, func() bool { return res.LatestData() != nil && res.LatestData().Content == "new" })
	assert.Equal(t, 0, cache.Len())
}

func TestResourceWipeClearsLatestDataAndError(t *testing.T) {
	transport := newFakeTransport(jsonResponse(`"v"`))
	svc := newTestService(t, transport, SystemClock)
	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	done := make(chan struct{})
	res.Load().OnCompletion(func(*RequestResult) { close(done) })
	<-done
	require.NotNil(t, res.LatestData())

	res.Wipe()
	waitFor(t, time.Second, func() bool { return res.LatestData() == nil })
	assert.Nil(t, res.LatestError())
}

func TestResourceWipeCancelsOutstandingRequests(t *testing.T) {
	blocker := make(chan struct{})
	transport := newFakeTransport(scriptedResponse{
		resp:    &RawResponse{Status: http.StatusOK, Headers: http.Header{}, Body: []byte(`"v"`)},
		blocker: blocker,
	})
	svc := newTestService(t, transport, SystemClock)
	res, err := svc.Resource("/widgets/1")
	require.NoError(t, err)

	req := res.Load()
	waitFor(t, time.Second, func() bool { return transport.CallCount() > 0 })

	done := make(chan struct{})
	req.OnCompletion(func(*RequestResult) { close(done) })

	res.Wipe()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request was not cancelled by Wipe")
	}
	assert.Equal(t, ReqCancelled, req.State())
	close(blocker)
}

func TestResourceChildAndRelativeResolveDistinctResources(t *testing.T) {
	svc := newTestService(t, newFakeTransport(), SystemClock)
	res, err := svc.Resource("/widgets")
	require.NoError(t, err)

	child := res.Child("42")
	assert.Equal(t, "https://api.example.com/widgets/42", child.URL())

	rel, err := res.Relative("../gadgets")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/gadgets", rel.URL())
}
