// Package index implements the in-memory vector index serving all retrievals.
//
// The index is a brute-force nearest-neighbor store: every entry is scored
// against the query vector and results are returned in descending score order.
// At the corpus sizes this service handles (one person's message history) a
// linear scan is faster than maintaining an ANN structure, and it keeps the
// swap and tie-break guarantees trivial to reason about.
//
// Concurrency: queries take a read lock, Upsert/Swap take the write lock. A
// rebuild swap therefore waits for in-flight queries to finish against the old
// entries and no query ever observes a mix of old and new builds.
package index

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	// ErrDimensionMismatch indicates an entry or query vector whose length
	// differs from the index's configured dimension. At startup this is a
	// fatal configuration error.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrMissingEmbedding indicates an entry with an empty vector.
	ErrMissingEmbedding = errors.New("entry has no embedding")
)

// Metric selects the similarity function, fixed at construction time.
type Metric int

const (
	// Cosine scores by the angle between vectors, ignoring magnitude.
	Cosine Metric = iota
	// InnerProduct scores by the raw dot product.
	InnerProduct
)

func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case InnerProduct:
		return "inner-product"
	default:
		return "unknown"
	}
}

// Chunk is a bounded slice of the source corpus, the atomic unit of
// retrieval. Immutable once created by the corpus builder.
type Chunk struct {
	ID           string
	Text         string
	SourceOffset int
}

// Entry pairs a chunk with its embedding for storage in the index.
type Entry struct {
	Chunk     Chunk
	Embedding []float32
}

// Scored is one retrieval hit.
type Scored struct {
	Chunk Chunk
	Score float32
}

// Result is an ordered sequence of hits, descending by score, length <= k,
// with no duplicate chunk IDs.
type Result []Scored

// Index is a similarity-searchable store of (chunk, embedding) pairs.
// Safe for concurrent use.
type Index struct {
	metric Metric

	mu        sync.RWMutex
	dimension int // 0 until fixed by config or the first entries
	entries   []Entry
	byID      map[string]int // chunk ID -> position in entries
}

// Option configures an Index at construction.
type Option func(*Index)

// WithDimension pins the expected embedding dimension up front. Without it
// the index adopts the dimension of the first entries it receives.
func WithDimension(d int) Option {
	return func(ix *Index) {
		ix.dimension = d
	}
}

// New creates an empty index using the given similarity metric.
func New(metric Metric, opts ...Option) *Index {
	ix := &Index{
		metric: metric,
		byID:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Metric returns the similarity metric fixed at construction.
func (ix *Index) Metric() Metric { return ix.metric }

// Size returns the number of stored entries.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Dimension returns the embedding dimension, or 0 if not yet fixed.
func (ix *Index) Dimension() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dimension
}

// Upsert inserts entries, replacing any existing entry with the same chunk
// ID in place (the original insertion position is kept, so tie-break order
// stays deterministic across updates).
func (ix *Index) Upsert(entries []Entry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.checkDimensions(entries); err != nil {
		return err
	}
	for _, e := range entries {
		if pos, ok := ix.byID[e.Chunk.ID]; ok {
			ix.entries[pos] = e
			continue
		}
		ix.byID[e.Chunk.ID] = len(ix.entries)
		ix.entries = append(ix.entries, e)
	}
	return nil
}

// Swap atomically replaces the full contents of the index. Queries running
// concurrently complete against the pre-swap entries; queries starting after
// Swap returns see only the new build.
func (ix *Index) Swap(entries []Entry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.checkDimensions(entries); err != nil {
		return err
	}

	fresh := make([]Entry, 0, len(entries))
	byID := make(map[string]int, len(entries))
	for _, e := range entries {
		if pos, ok := byID[e.Chunk.ID]; ok {
			fresh[pos] = e // duplicate ID within a build: last write wins
			continue
		}
		byID[e.Chunk.ID] = len(fresh)
		fresh = append(fresh, e)
	}

	ix.entries = fresh
	ix.byID = byID
	return nil
}

// Query returns up to k entries ranked by similarity to the given embedding,
// descending, ties broken by insertion order (earlier-inserted wins). An
// empty index yields an empty result, not an error.
func (ix *Index) Query(embedding []float32, k int) (Result, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) == 0 {
		return Result{}, nil
	}
	if len(embedding) != ix.dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(embedding), ix.dimension)
	}
	if k < 1 {
		k = 1
	}
	if k > len(ix.entries) {
		k = len(ix.entries)
	}

	scored := make(Result, len(ix.entries))
	for i, e := range ix.entries {
		scored[i] = Scored{Chunk: e.Chunk, Score: ix.score(embedding, e.Embedding)}
	}

	// Stable sort preserves insertion order among equal scores.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	return scored[:k], nil
}

func (ix *Index) score(query, stored []float32) float32 {
	switch ix.metric {
	case InnerProduct:
		return dot(query, stored)
	default:
		return cosine(query, stored)
	}
}

// checkDimensions validates entry vectors against the configured dimension,
// adopting it from the first entry when still unset. Caller holds the lock.
func (ix *Index) checkDimensions(entries []Entry) error {
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			return fmt.Errorf("%w: chunk %s", ErrMissingEmbedding, e.Chunk.ID)
		}
		if ix.dimension == 0 {
			ix.dimension = len(e.Embedding)
		}
		if len(e.Embedding) != ix.dimension {
			return fmt.Errorf("%w: chunk %s has %d, index has %d",
				ErrDimensionMismatch, e.Chunk.ID, len(e.Embedding), ix.dimension)
		}
	}
	return nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func cosine(a, b []float32) float32 {
	na := norm(a)
	nb := norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot(a, b) / (na * nb)
}

func norm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}
