package prompt

import (
	"strings"
	"testing"

	"github.com/autorag/autorag/internal/index"
)

func scored(texts ...string) index.Result {
	r := make(index.Result, len(texts))
	for i, t := range texts {
		r[i] = index.Scored{
			Chunk: index.Chunk{ID: t, Text: t},
			Score: 1.0 - float32(i)*0.1,
		}
	}
	return r
}

func TestAssembleDeterministicOrder(t *testing.T) {
	t.Parallel()

	a := NewAssembler(0)
	retrieved := scored("coffee talk", "pizza talk")
	history := []Exchange{
		{User: "hi", Reply: "yo"},
		{User: "how's monday", Reply: "rough, need coffee"},
	}

	got := a.Assemble(DefaultTemplate, retrieved, history, "what do you drink?")

	iCoffee := strings.Index(got, "coffee talk")
	iPizza := strings.Index(got, "pizza talk")
	iHist := strings.Index(got, "Them: hi")
	iHist2 := strings.Index(got, "Them: how's monday")
	iInbound := strings.Index(got, "what do you drink?")
	for name, i := range map[string]int{
		"top chunk": iCoffee, "second chunk": iPizza,
		"oldest turn": iHist, "newest turn": iHist2, "inbound": iInbound,
	} {
		if i < 0 {
			t.Fatalf("%s missing from prompt", name)
		}
	}
	if !(iCoffee < iPizza && iPizza < iHist && iHist < iHist2 && iHist2 < iInbound) {
		t.Errorf("sections out of order: chunks=%d,%d history=%d,%d inbound=%d",
			iCoffee, iPizza, iHist, iHist2, iInbound)
	}
}

func TestAssembleDropsLowestScoredChunksFirst(t *testing.T) {
	t.Parallel()

	retrieved := scored(
		strings.Repeat("best chunk ", 10),
		strings.Repeat("good chunk ", 10),
		strings.Repeat("weak chunk ", 10),
	)
	history := []Exchange{{User: "hello there", Reply: "hey"}}

	// Budget sized so the full render overflows but dropping the weakest
	// chunk fits.
	tpl := "{context}\nQ: {question}"
	full := NewAssembler(0).Assemble(tpl, retrieved, history, "q")
	budget := estimateTokens(full) - 1

	got := NewAssembler(budget).Assemble(tpl, retrieved, history, "q")

	if !strings.Contains(got, "best chunk") {
		t.Error("highest-scored chunk was dropped")
	}
	if strings.Contains(got, "weak chunk") {
		t.Error("lowest-scored chunk survived while over budget")
	}
	if !strings.Contains(got, "hello there") {
		t.Error("history dropped before all droppable chunks")
	}
}

func TestAssembleDropsOldestTurnsAfterChunks(t *testing.T) {
	t.Parallel()

	history := []Exchange{
		{User: strings.Repeat("old old ", 20), Reply: "r1"},
		{User: "newest question", Reply: "r2"},
	}
	tpl := "{context}\nQ: {question}"
	full := NewAssembler(0).Assemble(tpl, nil, history, "q")
	budget := estimateTokens(full) - 1

	got := NewAssembler(budget).Assemble(tpl, nil, history, "q")

	if strings.Contains(got, "old old") {
		t.Error("oldest turn survived while over budget")
	}
	if !strings.Contains(got, "newest question") {
		t.Error("newest turn dropped before oldest")
	}
}

func TestAssembleNeverDropsPersonaOrInbound(t *testing.T) {
	t.Parallel()

	// Budget far too small for anything. Persona and inbound still render.
	a := NewAssembler(1)
	got := a.Assemble(DefaultTemplate, scored("chunk one"), []Exchange{{User: "u", Reply: "r"}}, "the inbound message")

	if !strings.Contains(got, "roleplaying as a specific person") {
		t.Error("persona instructions truncated")
	}
	if !strings.Contains(got, "the inbound message") {
		t.Error("inbound message truncated")
	}
	if strings.Contains(got, "chunk one") {
		t.Error("chunk survived a budget of 1 token")
	}
}

func TestAssembleEmptyRetrievalStillRenders(t *testing.T) {
	t.Parallel()

	got := NewAssembler(0).Assemble(DefaultTemplate, nil, nil, "hello?")
	if !strings.Contains(got, "hello?") {
		t.Error("inbound missing")
	}
	if strings.Contains(got, PlaceholderContext) || strings.Contains(got, PlaceholderQuestion) {
		t.Error("placeholders left unrendered")
	}
}
