package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/wtf-bot/internal/bus"
	"github.com/basket/wtf-bot/internal/otel"
)

// fakeCompleter counts calls and delegates to generateFn.
type fakeCompleter struct {
	mu         sync.Mutex
	calls      int
	generateFn func(ctx context.Context, req Request) (Response, error)
}

func (f *fakeCompleter) Generate(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.generateFn != nil {
		return f.generateFn(ctx, req)
	}
	return Response{}, fmt.Errorf("not implemented")
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okCompleter(text string) *fakeCompleter {
	return &fakeCompleter{generateFn: func(context.Context, Request) (Response, error) {
		return Response{Text: text}, nil
	}}
}

func failingCompleter(err error) *fakeCompleter {
	return &fakeCompleter{generateFn: func(context.Context, Request) (Response, error) {
		return Response{}, err
	}}
}

func TestFailover_PrimarySucceeds(t *testing.T) {
	primary := okCompleter("primary response")
	fallback := okCompleter("fallback response")

	fc := NewFailoverCompleter(context.Background(),
		NamedCompleter{Name: "primary", Completer: primary},
		[]NamedCompleter{{Name: "fallback", Completer: fallback}},
		FailoverOptions{})
	resp, err := fc.Generate(context.Background(), Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if resp.Text != "primary response" || resp.Provider != "primary" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if fallback.Calls() != 0 {
		t.Fatal("expected fallback NOT to be called when primary succeeds")
	}
}

func TestFailover_FallbackOnFailure(t *testing.T) {
	primary := failingCompleter(&ProviderError{Provider: "primary", Class: ErrorClassServer, Err: errors.New("503")})
	fallback := okCompleter("fallback response")
	b := bus.New()
	sub := b.Subscribe(bus.TopicCompletionFailed)
	defer b.Unsubscribe(sub)

	fc := NewFailoverCompleter(context.Background(),
		NamedCompleter{Name: "primary", Completer: primary},
		[]NamedCompleter{{Name: "fallback", Completer: fallback}},
		FailoverOptions{Bus: b})
	resp, err := fc.Generate(context.Background(), Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if resp.Text != "fallback response" || resp.Provider != "fallback" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if primary.Calls() != 1 || fallback.Calls() != 1 {
		t.Fatalf("calls primary=%d fallback=%d", primary.Calls(), fallback.Calls())
	}

	select {
	case ev := <-sub.Ch():
		p := ev.Payload.(bus.CompletionFailedEvent)
		if p.Provider != "primary" || p.Class != string(ErrorClassServer) {
			t.Fatalf("unexpected event: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("expected completion.failed event")
	}
}

func TestFailover_SchemaViolationNotFailedOver(t *testing.T) {
	primary := failingCompleter(&SchemaViolation{Message: "no JSON", Raw: "hello"})
	fallback := okCompleter("{}")

	fc := NewFailoverCompleter(context.Background(),
		NamedCompleter{Name: "primary", Completer: primary},
		[]NamedCompleter{{Name: "fallback", Completer: fallback}},
		FailoverOptions{})
	_, err := fc.Generate(context.Background(), Request{Prompt: "route"})
	var sv *SchemaViolation
	if !errors.As(err, &sv) {
		t.Fatalf("expected *SchemaViolation, got %v", err)
	}
	if fallback.Calls() != 0 {
		t.Fatal("schema violation must not fail over")
	}
}

func TestFailover_ContextOverflowNotFailedOver(t *testing.T) {
	primary := failingCompleter(errors.New("context_length_exceeded"))
	fallback := okCompleter("ok")

	fc := NewFailoverCompleter(context.Background(),
		NamedCompleter{Name: "primary", Completer: primary},
		[]NamedCompleter{{Name: "fallback", Completer: fallback}},
		FailoverOptions{})
	_, err := fc.Generate(context.Background(), Request{Prompt: "huge"})
	if err == nil || !strings.Contains(err.Error(), "context overflow") {
		t.Fatalf("expected context overflow error, got %v", err)
	}
	if fallback.Calls() != 0 {
		t.Fatal("context overflow must not fail over")
	}
}

func TestFailover_BreakerTrips(t *testing.T) {
	threshold := 3
	primary := failingCompleter(errors.New("rate limit exceeded"))
	fallback := okCompleter("fallback ok")

	fc := NewFailoverCompleter(context.Background(),
		NamedCompleter{Name: "primary", Completer: primary},
		[]NamedCompleter{{Name: "fallback", Completer: fallback}},
		FailoverOptions{Threshold: threshold, Cooldown: 5 * time.Minute})

	for i := 0; i < threshold; i++ {
		_, _ = fc.Generate(context.Background(), Request{Prompt: "hello"})
	}
	if primary.Calls() != threshold {
		t.Fatalf("expected primary called %d times, got: %d", threshold, primary.Calls())
	}

	resp, err := fc.Generate(context.Background(), Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if resp.Text != "fallback ok" {
		t.Fatalf("expected fallback response, got: %s", resp.Text)
	}
	if primary.Calls() != threshold {
		t.Fatalf("expected primary NOT called after breaker tripped, got %d calls", primary.Calls())
	}
}

func TestFailover_BreakerResets(t *testing.T) {
	threshold := 2
	cooldown := 50 * time.Millisecond
	var primaryCalls int
	primary := &fakeCompleter{generateFn: func(context.Context, Request) (Response, error) {
		primaryCalls++
		if primaryCalls <= threshold {
			return Response{}, errors.New("timeout: request timed out")
		}
		return Response{Text: "primary recovered"}, nil
	}}
	fallback := okCompleter("fallback ok")

	fc := NewFailoverCompleter(context.Background(),
		NamedCompleter{Name: "primary", Completer: primary},
		[]NamedCompleter{{Name: "fallback", Completer: fallback}},
		FailoverOptions{Threshold: threshold, Cooldown: cooldown})

	for i := 0; i < threshold; i++ {
		_, _ = fc.Generate(context.Background(), Request{})
	}
	resp, err := fc.Generate(context.Background(), Request{})
	if err != nil || resp.Text != "fallback ok" {
		t.Fatalf("expected fallback while tripped, got %q %v", resp.Text, err)
	}

	time.Sleep(cooldown + 10*time.Millisecond)

	resp, err = fc.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("expected primary to recover, got: %v", err)
	}
	if resp.Text != "primary recovered" {
		t.Fatalf("expected primary recovered response, got: %s", resp.Text)
	}
}

func TestFailover_AllFail(t *testing.T) {
	fc := NewFailoverCompleter(context.Background(),
		NamedCompleter{Name: "primary", Completer: failingCompleter(errors.New("primary: 500 internal error"))},
		[]NamedCompleter{
			{Name: "fallback1", Completer: failingCompleter(errors.New("fallback1: 503 service unavailable"))},
			{Name: "fallback2", Completer: failingCompleter(&ProviderError{Provider: "fallback2", Class: ErrorClassNetwork, Err: errors.New("connection refused")})},
		},
		FailoverOptions{})
	_, err := fc.Generate(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected an error when all providers fail")
	}
	if !strings.Contains(err.Error(), "all providers failed") || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("network failure through the chain should stay retryable")
	}
}

func TestFailover_AllTripped(t *testing.T) {
	primary := failingCompleter(errors.New("503"))
	fc := NewFailoverCompleter(context.Background(),
		NamedCompleter{Name: "primary", Completer: primary}, nil,
		FailoverOptions{Threshold: 1, Cooldown: time.Hour})

	_, _ = fc.Generate(context.Background(), Request{})
	_, err := fc.Generate(context.Background(), Request{})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Class != ErrorClassServer {
		t.Fatalf("expected SERVER provider error, got %v", err)
	}
	if primary.Calls() != 1 {
		t.Fatalf("tripped provider was called again: %d", primary.Calls())
	}
}

// mockKVStore implements KVStore for testing circuit breaker persistence.
type mockKVStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMockKVStore() *mockKVStore {
	return &mockKVStore{data: make(map[string]string)}
}

func (m *mockKVStore) KVSet(_ context.Context, key, val string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = val
	return nil
}

func (m *mockKVStore) KVGet(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func TestFailover_BreakerPersistence(t *testing.T) {
	kv := newMockKVStore()
	threshold := 3
	primary := failingCompleter(errors.New("always fails"))
	fallback := okCompleter("fallback ok")
	opts := FailoverOptions{Threshold: threshold, Cooldown: 5 * time.Minute, KV: kv}

	fc := NewFailoverCompleter(context.Background(),
		NamedCompleter{Name: "primary", Completer: primary},
		[]NamedCompleter{{Name: "fallback", Completer: fallback}}, opts)
	for i := 0; i < threshold; i++ {
		_, _ = fc.Generate(context.Background(), Request{})
	}

	val, _ := kv.KVGet(context.Background(), "cb:primary")
	if !strings.Contains(val, `"tripped":true`) {
		t.Fatalf("expected tripped=true in persisted state, got: %s", val)
	}

	// A new chain restores the open breaker on construction.
	primary2 := failingCompleter(errors.New("always fails"))
	fc2 := NewFailoverCompleter(context.Background(),
		NamedCompleter{Name: "primary", Completer: primary2},
		[]NamedCompleter{{Name: "fallback", Completer: fallback}}, opts)
	resp, err := fc2.Generate(context.Background(), Request{})
	if err != nil || resp.Text != "fallback ok" {
		t.Fatalf("expected fallback after restore, got %q %v", resp.Text, err)
	}
	if primary2.Calls() != 0 {
		t.Fatal("restored tripped breaker should skip primary")
	}
	if got := fc2.Providers(); len(got) != 2 || got[0] != "primary" {
		t.Fatalf("providers = %v", got)
	}
}

func TestFailover_RecordsUsage(t *testing.T) {
	p, err := otel.Init(context.Background(), otel.Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("otel init: %v", err)
	}
	defer p.Shutdown(context.Background())
	m, err := otel.NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	primary := &fakeCompleter{generateFn: func(context.Context, Request) (Response, error) {
		return Response{Text: "ok", Model: "moonshotai/kimi-k2", InputTokens: 1200, OutputTokens: 300}, nil
	}}
	fc := NewFailoverCompleter(context.Background(),
		NamedCompleter{Name: "openrouter", Model: "moonshotai/kimi-k2", Completer: primary}, nil,
		FailoverOptions{Metrics: m, Tracer: p.Tracer})

	resp, err := fc.Generate(context.Background(), Request{Name: "summary"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.InputTokens != 1200 || resp.OutputTokens != 300 {
		t.Fatalf("usage not propagated: %+v", resp)
	}
	if resp.Provider != "openrouter" {
		t.Fatalf("expected provider filled in, got %q", resp.Provider)
	}
}
