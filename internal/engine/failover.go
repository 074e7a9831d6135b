package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/wtf-bot/internal/bus"
	"github.com/basket/wtf-bot/internal/otel"
	"github.com/basket/wtf-bot/internal/pricing"
)

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// NamedCompleter pairs a Completer with the provider name used for circuit
// breaker tracking and logging.
type NamedCompleter struct {
	Name      string
	Model     string
	Completer Completer
}

// CircuitBreaker tracks failure counts and trip state for a single provider.
type CircuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// FailoverOptions carries optional collaborators.
type FailoverOptions struct {
	Threshold int           // failures before tripping (default 5)
	Cooldown  time.Duration // time before resetting (default 5m)
	KV        KVStore
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
	Bus       *bus.Bus
}

// FailoverCompleter tries the primary provider, then each fallback in order,
// skipping providers whose circuit breaker is open.
type FailoverCompleter struct {
	candidates []NamedCompleter
	breakers   map[string]*CircuitBreaker

	mu             sync.Mutex
	threshold      int
	cooldownPeriod time.Duration
	kvStore        KVStore

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	bus     *bus.Bus
}

// NewFailoverCompleter builds the chain. With opts.KV set, persisted breaker
// state is loaded immediately.
func NewFailoverCompleter(ctx context.Context, primary NamedCompleter, fallbacks []NamedCompleter, opts FailoverOptions) *FailoverCompleter {
	if opts.Threshold <= 0 {
		opts.Threshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	candidates := append([]NamedCompleter{primary}, fallbacks...)
	breakers := make(map[string]*CircuitBreaker, len(candidates))
	for _, c := range candidates {
		breakers[c.Name] = &CircuitBreaker{}
	}

	fc := &FailoverCompleter{
		candidates:     candidates,
		breakers:       breakers,
		threshold:      opts.Threshold,
		cooldownPeriod: opts.Cooldown,
		kvStore:        opts.KV,
		logger:         opts.Logger,
		tracer:         otel.TracerOrNoop(opts.Tracer),
		metrics:        opts.Metrics,
		bus:            opts.Bus,
	}
	fc.LoadBreakerState(ctx)
	return fc
}

// Generate returns the first successful response. Schema violations and
// context overflow are returned immediately; the same prompt would fail the
// same way elsewhere.
func (fc *FailoverCompleter) Generate(ctx context.Context, req Request) (Response, error) {
	var lastErr error

	for _, c := range fc.candidates {
		if fc.isTripped(c.Name) {
			fc.logger.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}

		resp, err := fc.call(ctx, c, req)
		if err == nil {
			fc.recordSuccess(c.Name)
			if resp.Provider == "" {
				resp.Provider = c.Name
			}
			return resp, nil
		}

		var violation *SchemaViolation
		if errors.As(err, &violation) {
			// The provider answered; the model did not follow the schema.
			fc.recordSuccess(c.Name)
			return Response{}, err
		}
		if ctx.Err() != nil {
			return Response{}, err
		}

		lastErr = err
		fc.recordFailure(c.Name)
		ec := ClassifyError(err)
		fc.logger.Warn("failover: provider failed",
			"provider", c.Name,
			"request", req.Name,
			"error_class", string(ec),
			"error", err,
		)
		if fc.bus != nil {
			fc.bus.Publish(bus.TopicCompletionFailed, bus.CompletionFailedEvent{
				Provider: c.Name, Model: c.Model, Class: string(ec),
			})
		}

		if ec == ErrorClassContextOverflow {
			return Response{}, fmt.Errorf("failover: context overflow from %s: %w", c.Name, err)
		}
	}

	if lastErr == nil {
		return Response{}, &ProviderError{Provider: "failover", Class: ErrorClassServer, Err: errors.New("all providers are tripped")}
	}
	return Response{}, fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

func (fc *FailoverCompleter) call(ctx context.Context, c NamedCompleter, req Request) (Response, error) {
	ctx, span := otel.StartClientSpan(ctx, fc.tracer, "llm.generate",
		otel.AttrProvider.String(c.Name),
		otel.AttrModel.String(c.Model),
		otel.AttrHandler.String(req.Name),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.Completer.Generate(ctx, req)
	if fc.metrics != nil {
		fc.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			otel.AttrProvider.String(c.Name),
			otel.AttrHandler.String(req.Name),
		))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(ClassifyError(err)))
		return resp, err
	}
	fc.recordUsage(ctx, span, c, resp)
	return resp, nil
}

// recordUsage reports token counts and the estimated cost of a successful call.
func (fc *FailoverCompleter) recordUsage(ctx context.Context, span trace.Span, c NamedCompleter, resp Response) {
	if resp.InputTokens == 0 && resp.OutputTokens == 0 {
		return
	}
	model := resp.Model
	if model == "" {
		model = c.Model
	}
	cost := pricing.EstimateCost(model, resp.InputTokens, resp.OutputTokens)
	span.SetAttributes(
		attribute.Int("wtfbot.llm.input_tokens", resp.InputTokens),
		attribute.Int("wtfbot.llm.output_tokens", resp.OutputTokens),
		attribute.Float64("wtfbot.llm.cost_usd", cost),
	)
	if fc.metrics == nil {
		return
	}
	fc.metrics.LLMTokens.Add(ctx, int64(resp.InputTokens), metric.WithAttributes(
		otel.AttrProvider.String(c.Name), otel.AttrDirection.String("input")))
	fc.metrics.LLMTokens.Add(ctx, int64(resp.OutputTokens), metric.WithAttributes(
		otel.AttrProvider.String(c.Name), otel.AttrDirection.String("output")))
	if cost > 0 {
		fc.metrics.LLMCostUSD.Add(ctx, cost, metric.WithAttributes(
			otel.AttrProvider.String(c.Name), otel.AttrModel.String(model)))
	}
}

// isTripped returns true if the named provider's circuit breaker is tripped
// and the cooldown period has not yet elapsed.
func (fc *FailoverCompleter) isTripped(name string) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb, ok := fc.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if time.Since(cb.lastFailure) >= fc.cooldownPeriod {
		cb.tripped = false
		cb.failures = 0
		fc.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (fc *FailoverCompleter) recordFailure(name string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb, ok := fc.breakers[name]
	if !ok {
		cb = &CircuitBreaker{}
		fc.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= fc.threshold && !cb.tripped {
		cb.tripped = true
		fc.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
	fc.persistBreakerState(name, cb)
}

func (fc *FailoverCompleter) recordSuccess(name string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb, ok := fc.breakers[name]
	if !ok {
		return
	}
	if cb.failures == 0 && !cb.tripped {
		return
	}
	cb.failures = 0
	cb.tripped = false
	fc.persistBreakerState(name, cb)
}

// persistBreakerState saves a single breaker's state. Must be called with fc.mu held.
func (fc *FailoverCompleter) persistBreakerState(name string, cb *CircuitBreaker) {
	if fc.kvStore == nil {
		return
	}
	data, err := json.Marshal(breakerState{
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		Tripped:     cb.tripped,
	})
	if err != nil {
		return
	}
	if err := fc.kvStore.KVSet(context.Background(), "cb:"+name, string(data)); err != nil {
		fc.logger.Warn("failover: persist breaker state failed", "provider", name, "error", err)
	}
}

// LoadBreakerState restores circuit breaker state from the KV store.
func (fc *FailoverCompleter) LoadBreakerState(ctx context.Context) {
	if fc.kvStore == nil {
		return
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for name, cb := range fc.breakers {
		val, err := fc.kvStore.KVGet(ctx, "cb:"+name)
		if err != nil || val == "" {
			continue
		}
		var state breakerState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		cb.failures = state.Failures
		cb.lastFailure = state.LastFailure
		cb.tripped = state.Tripped
	}
}

// Providers lists the chain in call order.
func (fc *FailoverCompleter) Providers() []string {
	out := make([]string, 0, len(fc.candidates))
	for _, c := range fc.candidates {
		out = append(out, c.Name)
	}
	return out
}
