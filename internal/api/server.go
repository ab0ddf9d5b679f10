// Package api exposes the chat pipeline and its admin surface over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/autorag/autorag/internal/corpus"
	"github.com/autorag/autorag/internal/dispatch"
	"github.com/autorag/autorag/internal/generate"
	"github.com/autorag/autorag/internal/index"
)

// Chatter runs one turn through the pipeline.
type Chatter interface {
	Process(ctx context.Context, requesterID, text, modelOverride string) dispatch.Turn
}

// Rebuilder rebuilds the vector index from a corpus text.
type Rebuilder interface {
	Build(ctx context.Context, corpusText string) (*corpus.BuildReport, error)
}

// UserStore is the allowlist admin surface. The chat path never touches
// it; authorization goes through the gate.
type UserStore interface {
	Add(ctx context.Context, ids ...string) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// TemplateStore reads and validates-then-writes the persona template.
type TemplateStore interface {
	Template(ctx context.Context) (string, error)
	Set(ctx context.Context, tpl string) error
}

// ServerConfig contains everything the server routes to.
type ServerConfig struct {
	Logger     *slog.Logger
	Dispatcher Chatter            // Required
	Builder    Rebuilder          // Required
	Index      *index.Index       // Required: health reports its size
	Users      UserStore          // Required
	Templates  TemplateStore      // Required
	Selector   *generate.Selector // Required
	Registry   *generate.Registry // Required: model switch validation
	CorpusPath string             // Optional: uploaded corpora persist here for the next startup
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Dispatcher == nil || cfg.Builder == nil || cfg.Index == nil {
		return nil, errors.New("dispatcher, builder and index are required")
	}
	if cfg.Users == nil || cfg.Templates == nil || cfg.Selector == nil || cfg.Registry == nil {
		return nil, errors.New("users, templates, selector and registry are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := &chatHandler{dispatcher: cfg.Dispatcher, logger: logger}
	ah := &adminHandler{
		builder:    cfg.Builder,
		users:      cfg.Users,
		templates:  cfg.Templates,
		selector:   cfg.Selector,
		registry:   cfg.Registry,
		corpusPath: cfg.CorpusPath,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat", ch.chat)
	mux.HandleFunc("POST /api/v1/corpus", ah.uploadCorpus)
	mux.HandleFunc("GET /api/v1/users", ah.listUsers)
	mux.HandleFunc("POST /api/v1/users", ah.addUser)
	mux.HandleFunc("DELETE /api/v1/users/{id}", ah.removeUser)
	mux.HandleFunc("GET /api/v1/template", ah.getTemplate)
	mux.HandleFunc("PUT /api/v1/template", ah.setTemplate)
	mux.HandleFunc("GET /api/v1/model", ah.getModel)
	mux.HandleFunc("PUT /api/v1/model", ah.setModel)

	// Middleware stack, outermost first: Recovery → RequestID → Logging.
	// RequestID runs before Logging so request_id shows up in log lines.
	var handler http.Handler = mux
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probe bypasses the middleware stack.
	ix := cfg.Index
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"index_size": ix.Size(),
			"index_dim":  ix.Dimension(),
		})
	})
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
