package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/autorag/autorag/internal/backend"
	"github.com/autorag/autorag/internal/config"
	"github.com/autorag/autorag/internal/corpus"
	"github.com/autorag/autorag/internal/index"
	"github.com/autorag/autorag/internal/log"
)

// indexCmd builds the index once and reports chunk counts. Useful for
// validating a corpus and the embedding backend before serving.
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build the vector index from the corpus and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		logger := log.New(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSON: cfg.LogJSON})

		ollama := backend.NewOllama(cfg.OllamaHost, backend.WithTimeout(cfg.BackendTimeout()))
		embedder := backend.NewBoundEmbedder(ollama, cfg.EmbeddingModel)

		metric := index.Cosine
		if cfg.Metric == config.MetricDot {
			metric = index.InnerProduct
		}
		ix := index.New(metric)
		builder := corpus.NewBuilder(ix, embedder, corpus.ChunkConfig{
			MaxChunkSize: cfg.ChunkSize,
			Overlap:      cfg.ChunkOverlap,
		}, logger)

		corpusText, err := os.ReadFile(cfg.CorpusPath)
		if err != nil {
			return fmt.Errorf("reading corpus %s: %w", cfg.CorpusPath, err)
		}
		report, err := builder.Build(cmd.Context(), string(corpusText))
		if err != nil {
			return fmt.Errorf("building index: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "built %d chunks (dimension %d) in %s\n",
			report.Chunks, report.Dimension, report.Duration)
		return nil
	},
}
