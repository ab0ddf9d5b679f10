package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/autorag/autorag/internal/log"
	"github.com/autorag/autorag/internal/testutil"
)

func TestAuthorized(t *testing.T) {
	t.Parallel()

	g := NewGate(testutil.NewStaticAllowlist("42", "123"), log.NewNop())

	tests := []struct {
		id   string
		want bool
	}{
		{"42", true},
		{"123", true},
		{"7", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := g.Authorized(context.Background(), tt.id); got != tt.want {
			t.Errorf("Authorized(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestAuthorizedFailsClosed(t *testing.T) {
	t.Parallel()

	store := testutil.NewStaticAllowlist("42")
	store.SetErr(errors.New("store unreachable"))
	g := NewGate(store, log.NewNop())

	// 42 is in the set, but the store is down. Deny.
	if g.Authorized(context.Background(), "42") {
		t.Error("Authorized() = true with failing store, want fail-closed deny")
	}
}

func TestAuthorizedNotCachedAcrossTurns(t *testing.T) {
	t.Parallel()

	store := testutil.NewStaticAllowlist("42")
	g := NewGate(store, log.NewNop())

	if !g.Authorized(context.Background(), "42") {
		t.Fatal("want initial allow")
	}

	// Simulate an admin removal: the very next decision must deny.
	store.SetErr(errors.New("gone"))
	if g.Authorized(context.Background(), "42") {
		t.Error("decision cached across turns")
	}
}
