package generate

import (
	"errors"
	"sync"
	"time"
)

// ErrBackendSuspended is returned while the breaker holds traffic off a
// failing backend.
var ErrBackendSuspended = errors.New("generation backend suspended")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerProbing
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the circuit breaker in front of backend calls.
// Zero values take the defaults.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before suspending
	SuccessThreshold int           // probe successes before resuming
	Cooldown         time.Duration // suspension length before probing
}

// Breaker suspends calls to a backend after repeated failures and probes
// for recovery after a cooldown.
type Breaker struct {
	mu sync.Mutex

	state     breakerState
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
}

// NewBreaker creates a breaker with cfg, filling defaults for zero values.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		cooldown:         cfg.Cooldown,
	}
}

// allow reports whether a call may proceed, transitioning to probing
// after the cooldown.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) > b.cooldown {
			b.state = breakerProbing
			b.successes = 0
			return nil
		}
		return ErrBackendSuspended
	default:
		return nil
	}
}

func (b *Breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerProbing:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = breakerClosed
			b.failures = 0
			b.successes = 0
		}
	case breakerClosed:
		b.failures = 0
	}
}

func (b *Breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.openedAt = time.Now()

	switch b.state {
	case breakerClosed:
		if b.failures >= b.failureThreshold {
			b.state = breakerOpen
		}
	case breakerProbing:
		b.state = breakerOpen
		b.successes = 0
	}
}
