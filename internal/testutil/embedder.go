// Package testutil provides deterministic fakes shared by the test suites:
// a token-hash embedder whose similarities track word overlap, and a
// scripted generation backend with call recording and failure injection.
package testutil

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// EmbedderDimension is the vector size produced by FakeEmbedder.
const EmbedderDimension = 128

// FakeEmbedder is a deterministic embedder: each lowercased word is hashed
// onto one axis of a fixed-dimension vector. Texts sharing words therefore
// score higher under cosine similarity than unrelated texts, which is enough
// signal for retrieval-ranking tests without a real model.
//
// Thread-safe; failure injection applies per call in order.
type FakeEmbedder struct {
	mu        sync.Mutex
	calls     int
	failAfter int // fail calls once this many have succeeded; 0 = never
	err       error
	dimension int
}

// NewFakeEmbedder creates a FakeEmbedder with the default dimension.
func NewFakeEmbedder() *FakeEmbedder {
	return &FakeEmbedder{failAfter: -1, dimension: EmbedderDimension}
}

// WithDimension overrides the vector size. Returns the receiver for chaining.
func (f *FakeEmbedder) WithDimension(d int) *FakeEmbedder {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dimension = d
	return f
}

// FailAfter makes every call past the first n return err.
func (f *FakeEmbedder) FailAfter(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAfter = n
	f.err = err
}

// AlwaysFail makes every call return err.
func (f *FakeEmbedder) AlwaysFail(err error) {
	f.FailAfter(0, err)
}

// Calls returns how many Embed calls have been made (including failed ones).
func (f *FakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Embed returns the token-hash vector for text.
func (f *FakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls++
	fail := f.failAfter >= 0 && f.calls > f.failAfter
	err := f.err
	dim := f.dimension
	f.mu.Unlock()

	if fail {
		return nil, err
	}
	return HashVector(text, dim), nil
}

// HashVector computes the token-hash embedding used by FakeEmbedder.
// Exported so tests can compute expected query vectors directly.
func HashVector(text string, dimension int) []float32 {
	vec := make([]float32, dimension)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%dimension]++
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
