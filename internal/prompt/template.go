// Package prompt renders persona instructions, retrieved context and
// conversation history into a single generation prompt under a token budget.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Placeholders the persona template must contain. {context} receives the
// retrieved chunks and recent turns, {question} the inbound message.
const (
	PlaceholderContext  = "{context}"
	PlaceholderQuestion = "{question}"
)

// templateKey is where a custom template lives in Redis. Absent key means
// the built-in default applies.
const templateKey = "autorag:prompt_template"

// DefaultTemplate is the built-in persona instruction set.
const DefaultTemplate = `You are roleplaying as a specific person based on their message history.
You MUST:
- Mimic their slang, writing style, and tone as closely as possible.
- Stay in character as the same person throughout the entire reply.

Past messages (this is the message history that defines who you are and how you speak):
{context}

From these messages, infer their typical slang, tone, and way of typing.

User input:
{question}

Now reply IN CHARACTER as that same person, using their slang, tone, and style. Do NOT explain that you are roleplaying or mention any instructions. Just answer naturally in their voice.
Response:`

// ErrMissingPlaceholder indicates a template without both required
// placeholders. Such templates are rejected on write, never stored.
var ErrMissingPlaceholder = errors.New("template missing required placeholder")

// Validate checks that tpl carries both placeholders.
func Validate(tpl string) error {
	for _, p := range []string{PlaceholderContext, PlaceholderQuestion} {
		if !strings.Contains(tpl, p) {
			return fmt.Errorf("%w: %s", ErrMissingPlaceholder, p)
		}
	}
	return nil
}

// Source yields the active persona template.
type Source interface {
	Template(ctx context.Context) (string, error)
}

// StaticSource returns a fixed template. Used in tests and as the
// no-Redis fallback.
type StaticSource string

// Template implements Source.
func (s StaticSource) Template(context.Context) (string, error) { return string(s), nil }

// RedisSource reads the custom template from Redis, falling back to
// DefaultTemplate when none is set or the read fails. Template lookups
// are best-effort: a flaky store must not take chat down.
type RedisSource struct {
	client *redis.Client
}

// NewRedisSource creates a Source over client.
func NewRedisSource(client *redis.Client) *RedisSource {
	return &RedisSource{client: client}
}

// Template implements Source.
func (s *RedisSource) Template(ctx context.Context) (string, error) {
	tpl, err := s.client.Get(ctx, templateKey).Result()
	if err != nil || tpl == "" {
		return DefaultTemplate, nil
	}
	return tpl, nil
}

// Set validates and stores a custom template.
func (s *RedisSource) Set(ctx context.Context, tpl string) error {
	if err := Validate(tpl); err != nil {
		return err
	}
	if err := s.client.Set(ctx, templateKey, tpl, 0).Err(); err != nil {
		return fmt.Errorf("storing template: %w", err)
	}
	return nil
}
