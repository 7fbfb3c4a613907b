package rescache

// sequencer runs posted jobs one at a time on a single goroutine:
// observer registration and removal, queued event broadcasts, and the
// resolution of a finished request's transport result all go through it.
// Jobs run strictly in post order, which is what gives the ordering
// guarantees for queued events (per-resource event order, a cache-sourced
// NewData before a stale-triggered Requested, and so on). Resource state
// itself is additionally guarded by Resource's own mutex.
type sequencer struct {
	jobs chan func()
	quit chan struct{}
}

func newSequencer() *sequencer {
	s := &sequencer{
		jobs: make(chan func(), 256),
		quit: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *sequencer) run() {
	for {
		select {
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			job()
		case <-s.quit:
			return
		}
	}
}

// post enqueues job without waiting for it to run — used for operations
// that must not block the caller (an observer's initial ObserverAdded
// notification, a queued broadcast, a finished request's resolution).
func (s *sequencer) post(job func()) {
	select {
	case s.jobs <- job:
	case <-s.quit:
	}
}

// drain runs a no-op job and waits for it to complete, giving callers
// (chiefly tests) a way to know every previously posted job has run.
func (s *sequencer) drain() {
	done := make(chan struct{})
	s.post(func() { close(done) })
	<-done
}

func (s *sequencer) stop() {
	close(s.quit)
}
