package rescache

import "context"

// StageKey names one ordered slot in a Pipeline. The standard order is
// RawData -> Decoding -> Parsing -> Model -> Cleanup, but the order is
// mutable and unknown keys may be inserted.
type StageKey string

const (
	StageRawData  StageKey = "RawData"
	StageDecoding StageKey = "Decoding"
	StageParsing  StageKey = "Parsing"
	StageModel    StageKey = "Model"
	StageCleanup  StageKey = "Cleanup"
)

// CacheKey is the key an EntityCache is asked to read/write/remove. It
// embeds the stage so that the same cache bound to two different stages
// keys its entries differently per stage.
type CacheKey struct {
	Stage   StageKey
	Opaque  string // resource-derived identity, e.g. the canonical URL
}

// EntityCache is the external collaborator a PipelineStage may bind to
// for persistent storage of its output Entity. The pipeline issues each
// Write from a goroutine of its own and calls Read and Remove directly on
// the calling goroutine; an EntityCache has no work queue of its own, so
// implementations must be safe for concurrent use. See pkg/entitycache
// for the in-memory LRU and Redis-backed implementations this module
// ships.
type EntityCache interface {
	Read(ctx context.Context, key CacheKey) (*Entity, bool, error)
	Write(ctx context.Context, key CacheKey, e *Entity) error
	Remove(ctx context.Context, key CacheKey) error
}

// NoCacheKey, when returned by a Configuration's CacheKeyFunc, disables
// caching for that resource.
const NoCacheKey = ""
