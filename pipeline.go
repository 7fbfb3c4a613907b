package rescache

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/vitaliisemenov/rescache/internal/obsmetrics"
)

// MismatchPolicy decides what a PipelineStage does when a transformer's
// declared input type doesn't match the Entity's actual content type.
type MismatchPolicy int

const (
	// MismatchError fails the pipeline for this response.
	MismatchError MismatchPolicy = iota
	// MismatchSkip passes the entity through unchanged.
	MismatchSkip
	// MismatchSkipIfOutputMatches passes the entity through iff its
	// content already has the transformer's output type.
	MismatchSkipIfOutputMatches
)

// Transformer is a staged, type-checked step from one Entity to another.
// Build one with NewTransformer; the interface exists so a Pipeline can
// hold transformers of differing In/Out types in a single ordered slice.
type Transformer interface {
	apply(e *Entity) (out *Entity, matched bool, err error)
	outputMatches(e *Entity) bool
	inputTypeName() string
	transformsErrors() bool
}

type transformerOptions struct {
	transformErrors bool
}

// TransformerOption configures optional behavior of a Transformer created
// with NewTransformer.
type TransformerOption func(*transformerOptions)

// WithTransformErrors marks a transformer as also applicable to the error
// path: when a request fails with a server-sent body, this transformer
// may run over that body to customize Error.UserMessage.
func WithTransformErrors() TransformerOption {
	return func(o *transformerOptions) { o.transformErrors = true }
}

type typedTransformer[In, Out any] struct {
	fn   func(in In, e *Entity) (Out, error)
	opts transformerOptions
}

// NewTransformer builds a Transformer from a typed function. Its
// interpretation of Entity.Content is In; its result is wrapped back into
// an Entity carrying Out. Returning a nil Out (when Out is a pointer,
// interface, slice, or map) is treated as CauseTransformerReturnedNil.
func NewTransformer[In, Out any](fn func(in In, e *Entity) (Out, error), opts ...TransformerOption) Transformer {
	t := &typedTransformer[In, Out]{fn: fn}
	for _, o := range opts {
		o(&t.opts)
	}
	return t
}

func (t *typedTransformer[In, Out]) apply(e *Entity) (*Entity, bool, error) {
	in, ok := EntityContent[In](e)
	if !ok {
		return nil, false, nil
	}
	out, err := t.fn(in, e)
	if err != nil {
		return nil, true, err
	}
	if isNilInterfaceOrPointer(out) {
		return nil, true, errNilResult
	}
	return e.withContent(out, ""), true, nil
}

func (t *typedTransformer[In, Out]) outputMatches(e *Entity) bool {
	_, ok := EntityContent[Out](e)
	return ok
}

func (t *typedTransformer[In, Out]) inputTypeName() string {
	return fmt.Sprintf("%T", *new(In))
}

func (t *typedTransformer[In, Out]) transformsErrors() bool { return t.opts.transformErrors }

// errNilResult is a sentinel recognized by the stage runner and mapped to
// CauseTransformerReturnedNil; it never escapes the package.
var errNilResult = fmt.Errorf("rescache: transformer returned nil")

func isNilInterfaceOrPointer(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}

// PipelineStage is one ordered, named step in a Pipeline.
type PipelineStage struct {
	Key            StageKey
	Transformers   []Transformer
	OnTypeMismatch MismatchPolicy
	Cache          EntityCache
}

// Pipeline is an ordered sequence of named stages that decodes raw
// transport bytes into typed application models, with optional per-stage
// persistent caching.
type Pipeline struct {
	order   []StageKey
	stages  map[StageKey]*PipelineStage
	logger  *slog.Logger
	metrics *obsmetrics.CacheMetrics
}

// NewPipeline returns a Pipeline preloaded with the standard stage order:
// RawData -> Decoding -> Parsing -> Model -> Cleanup, all empty.
func NewPipeline() *Pipeline {
	p := &Pipeline{
		order:   []StageKey{StageRawData, StageDecoding, StageParsing, StageModel, StageCleanup},
		stages:  make(map[StageKey]*PipelineStage),
		logger:  slog.Default(),
		metrics: obsmetrics.DefaultRegistry().Cache(),
	}
	for _, k := range p.order {
		p.stages[k] = &PipelineStage{Key: k}
	}
	return p
}

// SetLogger attaches a logger used for cache-write and cache-miss
// diagnostics; cache failures never fail a request, so they are logged,
// not returned.
func (p *Pipeline) SetLogger(l *slog.Logger) { p.logger = l }

// SetMetrics overrides the Prometheus metrics group cache reads/writes are
// recorded against; the default is obsmetrics.DefaultRegistry().Cache().
func (p *Pipeline) SetMetrics(m *obsmetrics.CacheMetrics) { p.metrics = m }

// SetOrder replaces the stage order. Unknown keys are inserted as empty
// stages.
func (p *Pipeline) SetOrder(keys []StageKey) {
	p.order = append([]StageKey(nil), keys...)
	for _, k := range keys {
		if _, ok := p.stages[k]; !ok {
			p.stages[k] = &PipelineStage{Key: k}
		}
	}
}

// Stage returns the named stage, creating it (inserted at the end of the
// order) if it doesn't already exist.
func (p *Pipeline) Stage(key StageKey) *PipelineStage {
	s, ok := p.stages[key]
	if !ok {
		s = &PipelineStage{Key: key}
		p.stages[key] = s
		p.order = append(p.order, key)
	}
	return s
}

// Order returns the current stage order.
func (p *Pipeline) Order() []StageKey { return append([]StageKey(nil), p.order...) }

// clone returns a snapshot whose stage list is independent of future
// mutation to p, for embedding into a resolved Configuration. Transformer
// slices and cache bindings are shared (transformers are pure, caches are
// already their own synchronized collaborators).
func (p *Pipeline) clone() *Pipeline {
	cp := &Pipeline{
		order:  append([]StageKey(nil), p.order...),
		stages: make(map[StageKey]*PipelineStage, len(p.stages)),
		logger: p.logger,
	}
	for k, s := range p.stages {
		stageCopy := *s
		stageCopy.Transformers = append([]Transformer(nil), s.Transformers...)
		cp.stages[k] = &stageCopy
	}
	return cp
}

func (p *Pipeline) stagesInOrder() []*PipelineStage {
	out := make([]*PipelineStage, 0, len(p.order))
	for _, k := range p.order {
		if s, ok := p.stages[k]; ok {
			out = append(out, s)
		}
	}
	return out
}

// runStage applies every transformer of s to e in sequence, honoring the
// stage's type-mismatch policy. Returns the (possibly unchanged) entity,
// or an *Error if a transformer fails or the mismatch policy says to.
func runStage(s *PipelineStage, e *Entity, now time.Time) (*Entity, *Error) {
	cur := e
	for _, t := range s.Transformers {
		out, matched, err := t.apply(cur)
		if err != nil {
			if perr, ok := err.(*Error); ok {
				return nil, perr
			}
			if err == errNilResult {
				return nil, errTransformerReturnedNil(now)
			}
			return nil, &Error{Cause: CauseTransformerReturnedNil, UserMessage: err.Error(), Timestamp: now, Err: err}
		}
		if !matched {
			switch s.OnTypeMismatch {
			case MismatchSkip:
				continue
			case MismatchSkipIfOutputMatches:
				if t.outputMatches(cur) {
					continue
				}
				return nil, errWrongInputType(t.inputTypeName(), fmt.Sprintf("%T", cur.Content), now)
			default:
				return nil, errWrongInputType(t.inputTypeName(), fmt.Sprintf("%T", cur.Content), now)
			}
		}
		cur = out
	}
	return cur, nil
}

// writeThrough runs raw through every stage in order, writing each
// stage's output to its bound cache (fire-and-forget, each write on its
// own goroutine) as soon as that stage succeeds. It stops and returns the
// error at the first failing stage; nothing downstream of that stage is
// written, and errors are never cached.
func (p *Pipeline) writeThrough(ctx context.Context, raw *Entity, keyFor func(StageKey) (string, bool), now time.Time) (*Entity, *Error) {
	cur := raw
	for _, s := range p.stagesInOrder() {
		out, perr := runStage(s, cur, now)
		if perr != nil {
			return nil, perr
		}
		cur = out
		if s.Cache != nil {
			if opaque, ok := keyFor(s.Key); ok {
				p.asyncWrite(s.Cache, CacheKey{Stage: s.Key, Opaque: opaque}, cur)
			}
		}
	}
	return cur, nil
}

func (p *Pipeline) asyncWrite(cache EntityCache, key CacheKey, e *Entity) {
	go func() {
		p.metrics.Writes.WithLabelValues(string(key.Stage)).Inc()
		if err := cache.Write(context.Background(), key, e); err != nil {
			p.logger.Debug("entity cache write failed", "stage", key.Stage, "error", err)
		}
	}()
}

// readFromCache implements the read path of load_if_needed: starting
// from the latest stage with a bound cache, try a cache read; on a hit,
// run the remaining stages' transformers over it. If that fails, treat
// it as a miss and fall back to the next-earlier cached stage. Returns
// the resulting entity and whether anything was found at all.
func (p *Pipeline) readFromCache(ctx context.Context, keyFor func(StageKey) (string, bool), now time.Time) (*Entity, bool) {
	stages := p.stagesInOrder()
	for i := len(stages) - 1; i >= 0; i-- {
		s := stages[i]
		if s.Cache == nil {
			continue
		}
		opaque, ok := keyFor(s.Key)
		if !ok {
			continue
		}
		cached, hit, err := s.Cache.Read(ctx, CacheKey{Stage: s.Key, Opaque: opaque})
		if err != nil {
			p.logger.Debug("entity cache read failed", "stage", s.Key, "error", err)
			continue
		}
		if !hit {
			p.metrics.Misses.WithLabelValues(string(s.Key)).Inc()
			continue
		}
		p.metrics.Hits.WithLabelValues(string(s.Key)).Inc()
		cur := cached
		ok = true
		for _, later := range stages[i+1:] {
			out, perr := runStage(later, cur, now)
			if perr != nil {
				ok = false
				break
			}
			cur = out
		}
		if ok {
			return cur, true
		}
	}
	return nil, false
}

// removeFromCaches removes the resource's entry from every stage's bound
// cache, used by OverrideLocalData and Resource.Wipe.
func (p *Pipeline) removeFromCaches(ctx context.Context, keyFor func(StageKey) (string, bool)) {
	for _, s := range p.stagesInOrder() {
		if s.Cache == nil {
			continue
		}
		if opaque, ok := keyFor(s.Key); ok {
			_ = s.Cache.Remove(ctx, CacheKey{Stage: s.Key, Opaque: opaque})
		}
	}
}

// touchCachesTimestamp rewrites just the timestamp of the cached entry in
// every bound cache that holds it, for a 304 response that revalidates
// the stored entry without changing its content.
func (p *Pipeline) touchCachesTimestamp(ctx context.Context, keyFor func(StageKey) (string, bool), now time.Time) {
	for _, s := range p.stagesInOrder() {
		if s.Cache == nil {
			continue
		}
		opaque, ok := keyFor(s.Key)
		if !ok {
			continue
		}
		key := CacheKey{Stage: s.Key, Opaque: opaque}
		cached, hit, err := s.Cache.Read(ctx, key)
		if err != nil || !hit {
			continue
		}
		go func(c EntityCache, k CacheKey, e *Entity) {
			_ = c.Write(context.Background(), k, e.withTimestamp(now))
		}(s.Cache, key, cached)
	}
}
