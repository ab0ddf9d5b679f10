package generate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/autorag/autorag/internal/log"
	"github.com/autorag/autorag/internal/testutil"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestGenerateUnknownModel(t *testing.T) {
	t.Parallel()

	c := NewClient(NewRegistry(), ClientConfig{Retry: fastRetry()}, log.NewNop())
	_, err := c.Generate(context.Background(), "hi", ModelSelection{GenerationModel: "nope"})
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Generate() = %v, want ErrUnknownModel", err)
	}
}

func TestGenerateResolvesThroughDefaultBackend(t *testing.T) {
	t.Parallel()

	named := testutil.NewFakeBackend("from-named")
	fallback := testutil.NewFakeBackend("from-default")

	reg := NewRegistry()
	reg.Register("qwen3:4b", named)
	reg.SetDefault(fallback)
	c := NewClient(reg, ClientConfig{Retry: fastRetry()}, log.NewNop())

	// Explicit registration wins.
	got, err := c.Generate(context.Background(), "hi", ModelSelection{GenerationModel: "qwen3:4b"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "from-named" {
		t.Errorf("Generate(registered) = %q", got)
	}

	// Any other name reaches the default backend, which receives the
	// requested model name unchanged.
	got, err = c.Generate(context.Background(), "hi", ModelSelection{GenerationModel: "llama3:8b"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "from-default" {
		t.Errorf("Generate(unregistered) = %q", got)
	}
	calls := fallback.Calls()
	if len(calls) != 1 || calls[0].Model != "llama3:8b" {
		t.Errorf("default backend calls = %+v, want one call with model llama3:8b", calls)
	}
}

func TestGenerateRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	backend := testutil.NewFakeBackend("hey")
	backend.FailNext(2, errors.New("connection refused"))

	reg := NewRegistry()
	reg.Register("qwen3:4b", backend)
	c := NewClient(reg, ClientConfig{Retry: fastRetry()}, log.NewNop())

	got, err := c.Generate(context.Background(), "hi", ModelSelection{GenerationModel: "qwen3:4b"})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if got != "hey" {
		t.Errorf("Generate() = %q", got)
	}
	if n := backend.CallCount(); n != 3 {
		t.Errorf("backend called %d times, want 3", n)
	}
}

func TestGenerateSurfacesUnavailableAfterRetries(t *testing.T) {
	t.Parallel()

	backend := testutil.NewFakeBackend("")
	backend.FailNext(-1, errors.New("connection refused"))

	reg := NewRegistry()
	reg.Register("qwen3:4b", backend)
	c := NewClient(reg, ClientConfig{Retry: fastRetry()}, log.NewNop())

	_, err := c.Generate(context.Background(), "hi", ModelSelection{GenerationModel: "qwen3:4b"})
	if !errors.Is(err, ErrGenerationUnavailable) {
		t.Errorf("Generate() = %v, want ErrGenerationUnavailable", err)
	}
	if n := backend.CallCount(); n != 3 {
		t.Errorf("backend called %d times, want 3 (initial + 2 retries)", n)
	}
}

func TestGenerateClassifiesTimeout(t *testing.T) {
	t.Parallel()

	backend := testutil.NewFakeBackend("")
	backend.HangUntilCancel()

	reg := NewRegistry()
	reg.Register("qwen3:4b", backend)
	c := NewClient(reg, ClientConfig{
		Timeout: 10 * time.Millisecond,
		Retry:   RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, log.NewNop())

	_, err := c.Generate(context.Background(), "hi", ModelSelection{GenerationModel: "qwen3:4b"})
	if !errors.Is(err, ErrGenerationTimeout) {
		t.Errorf("Generate() = %v, want ErrGenerationTimeout", err)
	}
}

func TestGenerateCallerCancellationNotRetried(t *testing.T) {
	t.Parallel()

	backend := testutil.NewFakeBackend("")
	backend.HangUntilCancel()

	reg := NewRegistry()
	reg.Register("qwen3:4b", backend)
	c := NewClient(reg, ClientConfig{Retry: fastRetry()}, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Generate(ctx, "hi", ModelSelection{GenerationModel: "qwen3:4b"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Generate() = %v, want context.Canceled", err)
	}
	if n := backend.CallCount(); n != 1 {
		t.Errorf("backend called %d times after caller cancel, want 1", n)
	}
}

func TestSelectorSwitchAffectsNextCallOnly(t *testing.T) {
	t.Parallel()

	slow := testutil.NewFakeBackend("from-slow")
	started := make(chan struct{})
	release := make(chan struct{})
	gate := &gatedBackend{inner: slow, started: started, release: release}

	fast := testutil.NewFakeBackend("from-fast")

	reg := NewRegistry()
	reg.Register("slow-model", gate)
	reg.Register("fast-model", fast)

	sel := NewSelector(ModelSelection{GenerationModel: "slow-model"})
	c := NewClient(reg, ClientConfig{Retry: fastRetry()}, log.NewNop())

	var wg sync.WaitGroup
	var inFlightReply string
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Snapshot taken before the switch.
		snapshot := sel.Current()
		reply, err := c.Generate(context.Background(), "hi", snapshot)
		if err != nil {
			t.Error(err)
			return
		}
		inFlightReply = reply
	}()

	<-started
	sel.Switch(ModelSelection{GenerationModel: "fast-model"})
	close(release)
	wg.Wait()

	if inFlightReply != "from-slow" {
		t.Errorf("in-flight call got %q, want the pre-switch backend", inFlightReply)
	}

	reply, err := c.Generate(context.Background(), "hi", sel.Current())
	if err != nil {
		t.Fatal(err)
	}
	if reply != "from-fast" {
		t.Errorf("post-switch call got %q, want the new backend", reply)
	}
}

// gatedBackend signals when a call starts and blocks it until released.
type gatedBackend struct {
	inner   Backend
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedBackend) Complete(ctx context.Context, prompt, model string) (string, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.inner.Complete(ctx, prompt, model)
}

func TestBreakerSuspendsAfterThreshold(t *testing.T) {
	t.Parallel()

	backend := testutil.NewFakeBackend("")
	backend.FailNext(-1, errors.New("connection refused"))

	reg := NewRegistry()
	reg.Register("qwen3:4b", backend)

	breaker := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Hour})
	c := NewClient(reg, ClientConfig{
		Retry:   RetryConfig{MaxRetries: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Breaker: breaker,
	}, log.NewNop())

	sel := ModelSelection{GenerationModel: "qwen3:4b"}
	for i := 0; i < 3; i++ {
		if _, err := c.Generate(context.Background(), "hi", sel); err == nil {
			t.Fatal("want failure")
		}
	}

	before := backend.CallCount()
	_, err := c.Generate(context.Background(), "hi", sel)
	if !errors.Is(err, ErrBackendSuspended) {
		t.Errorf("Generate() = %v, want ErrBackendSuspended", err)
	}
	if backend.CallCount() != before {
		t.Error("suspended client still reached the backend")
	}
}

func TestBreakerRecoversAfterCooldown(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 5 * time.Millisecond})

	b.failure()
	if err := b.allow(); !errors.Is(err, ErrBackendSuspended) {
		t.Fatalf("allow() right after failure = %v, want ErrBackendSuspended", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := b.allow(); err != nil {
		t.Fatalf("allow() after cooldown = %v, want probe allowed", err)
	}
	b.success()
	if err := b.allow(); err != nil {
		t.Errorf("allow() after successful probe = %v, want nil", err)
	}
}
