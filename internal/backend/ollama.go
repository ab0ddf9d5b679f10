// Package backend provides HTTP adapters for local model servers.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrEmptyEmbedding indicates the server answered 200 with no vector,
// which Ollama does for models that cannot embed.
var ErrEmptyEmbedding = errors.New("server returned empty embedding")

const defaultTimeout = 120 * time.Second

// Ollama talks to a local Ollama server over its native HTTP API.
// One client serves both embedding and generation; the model is chosen
// per call.
type Ollama struct {
	host   string
	client *http.Client
}

// Option configures an Ollama client.
type Option func(*Ollama)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Ollama) { o.client = c }
}

// WithTimeout sets the per-request timeout. Generation against a cold
// model can take minutes, so the default is generous.
func WithTimeout(d time.Duration) Option {
	return func(o *Ollama) { o.client.Timeout = d }
}

// NewOllama creates a client for the server at host, e.g.
// "http://localhost:11434".
func NewOllama(host string, opts ...Option) *Ollama {
	o := &Ollama{
		host:   strings.TrimRight(host, "/"),
		client: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedWithModel produces an embedding for text using the named model.
func (o *Ollama) EmbedWithModel(ctx context.Context, text, model string) ([]float32, error) {
	var resp embedResponse
	if err := o.post(ctx, "/api/embeddings", embedRequest{Model: model, Prompt: text}, &resp); err != nil {
		return nil, fmt.Errorf("embedding with %s: %w", model, err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("embedding with %s: %w", model, ErrEmptyEmbedding)
	}
	return resp.Embedding, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Complete runs a non-streaming generation and returns the raw model
// output, think tags and all. Cleanup is the caller's concern.
func (o *Ollama) Complete(ctx context.Context, prompt, model string) (string, error) {
	var resp generateResponse
	if err := o.post(ctx, "/api/generate", generateRequest{Model: model, Prompt: prompt}, &resp); err != nil {
		return "", fmt.Errorf("generating with %s: %w", model, err)
	}
	return resp.Response, nil
}

func (o *Ollama) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("server returned %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// BoundEmbedder pins an Ollama client to one embedding model, satisfying
// the single-method Embedder interfaces the corpus and retrieval packages
// define.
type BoundEmbedder struct {
	client *Ollama
	model  string
}

// NewBoundEmbedder binds client to the named embedding model.
func NewBoundEmbedder(client *Ollama, model string) *BoundEmbedder {
	return &BoundEmbedder{client: client, model: model}
}

// Embed produces an embedding for text with the bound model.
func (e *BoundEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.client.EmbedWithModel(ctx, text, e.model)
}
