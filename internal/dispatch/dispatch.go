// Package dispatch runs one inbound message through the full pipeline:
// authorize, retrieve, assemble, generate, reply.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autorag/autorag/internal/generate"
	"github.com/autorag/autorag/internal/index"
	"github.com/autorag/autorag/internal/prompt"
)

// DefaultFallbackReply is sent when generation fails terminally. The
// requester never sees internal error detail.
const DefaultFallbackReply = "Sorry, I can't reply right now. Try again in a bit."

// Authorizer is the gate capability the dispatcher needs.
type Authorizer interface {
	Authorized(ctx context.Context, requesterID string) bool
}

// Retriever fetches ranked context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, queryText string, k int) (index.Result, error)
}

// Generator runs a prompt against the selected backend.
type Generator interface {
	Generate(ctx context.Context, prompt string, sel generate.ModelSelection) (string, error)
}

// Options tunes dispatcher behavior. Zero values take the defaults.
type Options struct {
	TopK          int    // retrieved chunks per turn (default 5)
	HistoryWindow int    // exchanges kept per requester (default 6)
	DenyNotice    string // sent to unauthorized requesters; empty = silent drop
	FallbackReply string // sent on terminal generation failure
}

func (o *Options) fill() {
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = 6
	}
	if o.FallbackReply == "" {
		o.FallbackReply = DefaultFallbackReply
	}
}

// Dispatcher serializes turns per requester and runs the pipeline.
// Different requesters proceed in parallel; the per-identity lock is the
// only lock held across backend calls.
type Dispatcher struct {
	gate      Authorizer
	retriever Retriever
	templates prompt.Source
	assembler *prompt.Assembler
	client    Generator
	selector  *generate.Selector
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// session is one requester's serialization point and history window.
type session struct {
	mu      sync.Mutex
	history []prompt.Exchange
}

// New creates a Dispatcher.
func New(
	gate Authorizer,
	retriever Retriever,
	templates prompt.Source,
	assembler *prompt.Assembler,
	client Generator,
	selector *generate.Selector,
	opts Options,
	logger *slog.Logger,
) *Dispatcher {
	opts.fill()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		gate:      gate,
		retriever: retriever,
		templates: templates,
		assembler: assembler,
		client:    client,
		selector:  selector,
		opts:      opts,
		logger:    logger,
		sessions:  make(map[string]*session),
	}
}

// Handle runs one turn with the process-wide model selection. The reply
// is returned with ok=true when it should be sent; ok=false means silent
// drop (unauthorized requester with no deny notice configured). A Done
// turn is always ok, even when scrubbing left the reply empty.
func (d *Dispatcher) Handle(ctx context.Context, requesterID, text string) (string, bool) {
	turn := d.Process(ctx, requesterID, text, "")
	if turn.State == StateAborted && turn.Err == nil && turn.Reply == "" {
		return "", false
	}
	return turn.Reply, true
}

// Process runs one turn, optionally overriding the generation model for
// this call only, and returns the finished Turn.
func (d *Dispatcher) Process(ctx context.Context, requesterID, text, modelOverride string) Turn {
	turn := Turn{
		ID:          uuid.New(),
		RequesterID: requesterID,
		Inbound:     text,
		State:       StateReceived,
		StartedAt:   time.Now(),
	}
	logger := d.logger.With("turn_id", turn.ID, "requester_id", requesterID)

	turn.State = StateAuthorizing
	if !d.gate.Authorized(ctx, requesterID) {
		turn.State = StateAborted
		turn.Reply = d.opts.DenyNotice
		logger.Info("turn aborted", "reason", "unauthorized")
		return turn
	}

	// Turns from the same requester serialize here; the lock also guards
	// the history window.
	s := d.session(requesterID)
	s.mu.Lock()
	defer s.mu.Unlock()

	turn.State = StateRetrieving
	retrieved, err := d.retriever.Retrieve(ctx, text, d.opts.TopK)
	if err != nil {
		// Degraded mode: answer from persona instructions and history
		// alone rather than dropping the turn.
		logger.Warn("retrieval unavailable, proceeding without context", "error", err)
		retrieved = nil
	}
	turn.Retrieved = retrieved

	turn.State = StateAssembling
	tpl, err := d.templates.Template(ctx)
	if err != nil || tpl == "" {
		logger.Warn("template source unavailable, using default", "error", err)
		tpl = prompt.DefaultTemplate
	}
	rendered := d.assembler.Assemble(tpl, retrieved, s.history, text)

	sel := d.selector.Current()
	if modelOverride != "" {
		sel.GenerationModel = modelOverride
	}
	turn.Model = sel.GenerationModel

	turn.State = StateGenerating
	reply, err := d.client.Generate(ctx, rendered, sel)
	if err != nil {
		turn.State = StateAborted
		turn.Err = err
		turn.Reply = d.opts.FallbackReply
		level := slog.LevelError
		if errors.Is(err, context.Canceled) {
			level = slog.LevelInfo
		}
		logger.Log(ctx, level, "generation failed terminally",
			"model", sel.GenerationModel,
			"error", err,
			"elapsed", time.Since(turn.StartedAt),
		)
		return turn
	}

	turn.State = StateReplying
	turn.Reply = Scrub(reply)

	s.history = append(s.history, prompt.Exchange{User: text, Reply: turn.Reply})
	if len(s.history) > d.opts.HistoryWindow {
		s.history = s.history[len(s.history)-d.opts.HistoryWindow:]
	}

	turn.State = StateDone
	logger.Info("turn done",
		"model", sel.GenerationModel,
		"retrieved", len(retrieved),
		"elapsed", time.Since(turn.StartedAt),
	)
	return turn
}

func (d *Dispatcher) session(id string) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	if !ok {
		s = &session{}
		d.sessions[id] = s
	}
	return s
}

// History returns a copy of the requester's recent exchanges.
func (d *Dispatcher) History(requesterID string) []prompt.Exchange {
	s := d.session(requesterID)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]prompt.Exchange, len(s.history))
	copy(cp, s.history)
	return cp
}
