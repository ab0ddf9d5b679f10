package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// Sentinel failures the dispatcher maps to its fallback reply. Both are
// retried before surfacing.
var (
	ErrGenerationTimeout     = errors.New("generation timed out")
	ErrGenerationUnavailable = errors.New("generation backend unavailable")
)

// RetryConfig bounds the retry loop around backend calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the defaults tuned for local model servers.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// ClientConfig configures a Client. Breaker and Limiter are optional.
type ClientConfig struct {
	Timeout time.Duration // per-call deadline; <= 0 means no extra deadline
	Retry   RetryConfig
	Breaker *Breaker
	Limiter *rate.Limiter
}

// Client executes generation calls against whichever backend the
// selection names, with retries, an optional circuit breaker and an
// optional rate limit on each attempt.
type Client struct {
	registry *Registry
	cfg      ClientConfig
	logger   *slog.Logger
}

// NewClient creates a Client over registry.
func NewClient(registry *Registry, cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialInterval == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{registry: registry, cfg: cfg, logger: logger}
}

// Generate runs prompt against the backend sel names. The selection was
// snapshotted by the caller, so a concurrent Switch never affects this
// call. Transient failures are retried with exponential backoff; the
// classified sentinel surfaces after the last attempt.
func (c *Client) Generate(ctx context.Context, prompt string, sel ModelSelection) (string, error) {
	backend, err := c.registry.Resolve(sel.GenerationModel)
	if err != nil {
		return "", err
	}

	var lastErr error
	delay := c.cfg.Retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= c.cfg.Retry.MaxRetries; attempt++ {
		if c.cfg.Limiter != nil {
			if err := c.cfg.Limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("rate limit wait: %w", err)
			}
		}
		if c.cfg.Breaker != nil {
			if err := c.cfg.Breaker.allow(); err != nil {
				return "", err
			}
		}

		reply, err := c.complete(ctx, backend, prompt, sel.GenerationModel)
		if err == nil {
			if c.cfg.Breaker != nil {
				c.cfg.Breaker.success()
			}
			c.logger.Debug("generation succeeded",
				"model", sel.GenerationModel,
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return reply, nil
		}

		if c.cfg.Breaker != nil {
			c.cfg.Breaker.failure()
		}

		// The caller going away is not a backend fault; surface as-is.
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return "", ctx.Err()
		}

		lastErr = classify(err)

		if attempt == c.cfg.Retry.MaxRetries {
			break
		}

		c.logger.Debug("retrying generation",
			"model", sel.GenerationModel,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, c.cfg.Retry.MaxInterval)
		}
	}

	return "", fmt.Errorf("generation with %s after %d retries (elapsed %v): %w",
		sel.GenerationModel, c.cfg.Retry.MaxRetries, time.Since(start), lastErr)
}

// complete runs one attempt under the per-call deadline.
func (c *Client) complete(ctx context.Context, backend Backend, prompt, model string) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	return backend.Complete(ctx, prompt, model)
}

// classify maps a raw backend error onto the package sentinels.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrGenerationTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrGenerationTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
}
