// Package retrieval embeds incoming queries and fetches the most similar
// corpus chunks from the vector index.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/autorag/autorag/internal/index"
)

// ErrEmbeddingUnavailable indicates the embedding backend could not produce
// a query vector. The caller decides whether to proceed without retrieved
// context (degraded mode) or abort the turn; that policy does not live here.
var ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")

// Embedder is the embedding capability the retriever needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever answers top-k similarity queries against the live index.
// Query embeddings are never cached: queries are assumed distinct per turn.
type Retriever struct {
	index    *index.Index
	embedder Embedder
	logger   *slog.Logger
}

// New creates a Retriever over the given index and embedding backend.
func New(ix *index.Index, embedder Embedder, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{index: ix, embedder: embedder, logger: logger}
}

// Retrieve embeds queryText and returns up to k chunks ranked by similarity,
// k clamped to [1, index size]. An empty index yields an empty result.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, k int) (index.Result, error) {
	size := r.index.Size()
	if size == 0 {
		return index.Result{}, nil
	}
	if k < 1 {
		k = 1
	}
	if k > size {
		k = size
	}

	start := time.Now()
	vec, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}

	result, err := r.index.Query(vec, k)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	r.logger.Debug("retrieved context",
		"k", k,
		"results", len(result),
		"elapsed", time.Since(start),
	)
	return result, nil
}
