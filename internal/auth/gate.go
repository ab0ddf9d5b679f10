// Package auth decides whether a requester may use the chat pipeline.
package auth

import (
	"context"
	"log/slog"
)

// Store answers allowlist membership. Implementations must be safe for
// concurrent use.
type Store interface {
	Contains(ctx context.Context, id string) (bool, error)
}

// Gate is the authorization decision point. It consults the store on
// every turn; decisions are never cached, so membership changes take
// effect on the next message.
type Gate struct {
	store  Store
	logger *slog.Logger
}

// NewGate creates a Gate over store.
func NewGate(store Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger}
}

// Authorized reports whether requesterID may proceed. A store error
// denies: the gate fails closed.
func (g *Gate) Authorized(ctx context.Context, requesterID string) bool {
	ok, err := g.store.Contains(ctx, requesterID)
	if err != nil {
		g.logger.Warn("authorization store unavailable, denying",
			"requester_id", requesterID,
			"error", err,
		)
		return false
	}
	return ok
}
