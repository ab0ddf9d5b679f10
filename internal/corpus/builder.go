// Package corpus turns the raw persona message history into a queryable
// vector index: it chunks the corpus, embeds every chunk, and swaps the
// staged build into the live index atomically.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/autorag/autorag/internal/index"
)

var (
	// ErrEmptyCorpus indicates the corpus contains no indexable text.
	ErrEmptyCorpus = errors.New("corpus is empty")

	// ErrBuild indicates an index build failed; the previous index keeps
	// serving queries unchanged.
	ErrBuild = errors.New("index build failed")
)

// embedConcurrency bounds parallel embedding calls against the backend.
const embedConcurrency = 4

// Embedder is the embedding capability the builder needs. Satisfied by the
// backend client bound to the current embedding model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BuildReport summarizes a completed build.
type BuildReport struct {
	BuildID   uuid.UUID
	Chunks    int
	Dimension int
	Duration  time.Duration
}

// Builder stages index builds. All entries of a build are embedded off to
// the side and swapped in as one unit; a failure discards the staged build
// and leaves the live index untouched.
type Builder struct {
	index    *index.Index
	embedder Embedder
	cfg      ChunkConfig
	logger   *slog.Logger
}

// NewBuilder creates a Builder targeting the given index.
func NewBuilder(ix *index.Index, embedder Embedder, cfg ChunkConfig, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxChunkSize <= 0 {
		cfg = DefaultChunkConfig()
	}
	return &Builder{
		index:    ix,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
	}
}

// Build chunks corpusText, embeds every chunk, and atomically replaces the
// index contents. Rebuilding with identical corpus and config produces
// identical chunk texts and count.
//
// Errors: ErrEmptyCorpus or ErrBuild (recoverable, the prior index keeps
// serving), or index.ErrDimensionMismatch when the backend
// returns vectors that do not match the index's configured dimension (a
// configuration error; callers treat it as fatal at startup).
func (b *Builder) Build(ctx context.Context, corpusText string) (*BuildReport, error) {
	start := time.Now()
	buildID := uuid.New()

	chunks := Split(corpusText, b.cfg)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: nothing to index", ErrEmptyCorpus)
	}

	b.logger.Info("staging index build",
		"build_id", buildID,
		"chunks", len(chunks),
		"max_chunk_size", b.cfg.MaxChunkSize,
		"overlap", b.cfg.Overlap,
	)

	// Staged entries; the live index is untouched until Swap.
	staged := make([]index.Entry, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			vec, err := b.embedder.Embed(gctx, chunk.Text)
			if err != nil {
				return fmt.Errorf("embedding chunk %s: %w", chunk.ID, err)
			}
			staged[i] = index.Entry{Chunk: chunk, Embedding: vec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.logger.Warn("discarding staged build", "build_id", buildID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	if err := b.index.Swap(staged); err != nil {
		// Dimension mismatch is a configuration error, not a build error;
		// surface it unwrapped so errors.Is(err, index.ErrDimensionMismatch)
		// holds for the startup path.
		if errors.Is(err, index.ErrDimensionMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	report := &BuildReport{
		BuildID:   buildID,
		Chunks:    len(chunks),
		Dimension: b.index.Dimension(),
		Duration:  time.Since(start),
	}
	b.logger.Info("index build swapped in",
		"build_id", buildID,
		"chunks", report.Chunks,
		"dimension", report.Dimension,
		"duration", report.Duration,
	)
	return report, nil
}
