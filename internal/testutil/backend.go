package testutil

import (
	"context"
	"strings"
	"sync"
)

// BackendCall records one Complete invocation on FakeBackend.
type BackendCall struct {
	Prompt string
	Model  string
}

// FakeBackend is a scripted generation backend. Responses are matched by
// case-insensitive substring of the prompt, first match wins; the fallback
// is returned otherwise. Errors and hangs can be injected for resilience
// tests. Thread-safe.
type FakeBackend struct {
	mu       sync.Mutex
	rules    []backendRule
	fallback string
	calls    []BackendCall

	err      error
	errCount int  // return err for this many calls; -1 = forever
	hang     bool // block until ctx is done, then return ctx.Err()
}

type backendRule struct {
	pattern  string
	response string
}

// NewFakeBackend creates a backend returning fallback when nothing matches.
func NewFakeBackend(fallback string) *FakeBackend {
	return &FakeBackend{fallback: fallback}
}

// AddResponse registers a pattern-response pair.
func (b *FakeBackend) AddResponse(pattern, response string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules = append(b.rules, backendRule{pattern: strings.ToLower(pattern), response: response})
}

// FailNext makes the next n calls return err. n < 0 means every call.
func (b *FakeBackend) FailNext(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
	b.errCount = n
}

// HangUntilCancel makes every call block until its context is done.
func (b *FakeBackend) HangUntilCancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hang = true
}

// Calls returns a copy of all recorded calls, including failed ones.
func (b *FakeBackend) Calls() []BackendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]BackendCall, len(b.calls))
	copy(cp, b.calls)
	return cp
}

// CallCount returns the number of Complete invocations.
func (b *FakeBackend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// Complete implements the generation backend contract.
func (b *FakeBackend) Complete(ctx context.Context, prompt, model string) (string, error) {
	b.mu.Lock()
	b.calls = append(b.calls, BackendCall{Prompt: prompt, Model: model})
	hang := b.hang
	var injected error
	if b.errCount != 0 && b.err != nil {
		injected = b.err
		if b.errCount > 0 {
			b.errCount--
		}
	}
	rules := b.rules
	fallback := b.fallback
	b.mu.Unlock()

	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if injected != nil {
		return "", injected
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	lower := strings.ToLower(prompt)
	for _, r := range rules {
		if strings.Contains(lower, r.pattern) {
			return r.response, nil
		}
	}
	return fallback, nil
}

// StaticAllowlist is an in-memory authorization store for tests.
type StaticAllowlist struct {
	mu  sync.RWMutex
	ids map[string]struct{}
	err error
}

// NewStaticAllowlist creates a store containing the given identities.
func NewStaticAllowlist(ids ...string) *StaticAllowlist {
	s := &StaticAllowlist{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

// SetErr makes Contains return err, exercising the gate's fail-closed path.
func (s *StaticAllowlist) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Contains reports membership.
func (s *StaticAllowlist) Contains(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return false, s.err
	}
	_, ok := s.ids[id]
	return ok, nil
}
