package prompt

import (
	"strings"
	"unicode/utf8"

	"github.com/autorag/autorag/internal/index"
)

// Exchange is one completed turn of conversation, oldest first in the
// history slice the assembler receives.
type Exchange struct {
	User  string
	Reply string
}

// Assembler renders prompts under a token budget.
type Assembler struct {
	budget int
}

// NewAssembler creates an assembler with the given context token budget.
// A budget <= 0 disables truncation.
func NewAssembler(budget int) *Assembler {
	return &Assembler{budget: budget}
}

// estimateTokens approximates the token count of s. Two runes per token
// is a deliberate overestimate for English text so the budget errs on
// the safe side.
func estimateTokens(s string) int {
	return utf8.RuneCountInString(s) / 2
}

// Assemble renders the persona template with retrieved chunks (ranked
// order) and recent exchanges (oldest first) as context and the inbound
// message as the question. When the estimate exceeds the budget it drops
// the lowest-scored chunks first, then the oldest exchanges. The persona
// instructions and the inbound message are never truncated.
func (a *Assembler) Assemble(personaTemplate string, retrieved index.Result, history []Exchange, inbound string) string {
	chunks := retrieved
	turns := history

	for {
		rendered := render(personaTemplate, chunks, turns, inbound)
		if a.budget <= 0 || estimateTokens(rendered) <= a.budget {
			return rendered
		}
		// retrieved is sorted by score descending, so the last chunk is
		// the least relevant.
		if len(chunks) > 0 {
			chunks = chunks[:len(chunks)-1]
			continue
		}
		if len(turns) > 0 {
			turns = turns[1:]
			continue
		}
		// Only persona and inbound remain. Over budget, but those are
		// never dropped.
		return rendered
	}
}

func render(tpl string, chunks index.Result, turns []Exchange, inbound string) string {
	var ctx strings.Builder
	for _, s := range chunks {
		ctx.WriteString(s.Chunk.Text)
		ctx.WriteString("\n")
	}
	if len(turns) > 0 {
		ctx.WriteString("\nRecent conversation:\n")
		for _, t := range turns {
			ctx.WriteString("Them: ")
			ctx.WriteString(t.User)
			ctx.WriteString("\nYou: ")
			ctx.WriteString(t.Reply)
			ctx.WriteString("\n")
		}
	}

	out := strings.ReplaceAll(tpl, PlaceholderContext, strings.TrimRight(ctx.String(), "\n"))
	return strings.ReplaceAll(out, PlaceholderQuestion, inbound)
}
