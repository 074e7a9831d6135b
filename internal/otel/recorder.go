package otel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/wtf-bot/internal/bus"
)

// Recorder turns bus events into metric observations. It owns one
// subscription and a single consumer goroutine.
type Recorder struct {
	metrics *Metrics
	bus     *bus.Bus
	logger  *slog.Logger

	sub  *bus.Subscription
	wg   sync.WaitGroup
	once sync.Once
}

// NewRecorder creates a recorder. Call Start to begin consuming events.
func NewRecorder(m *Metrics, eventBus *bus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{metrics: m, bus: eventBus, logger: logger}
}

// Start subscribes to every topic and records until ctx is done or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	r.sub = r.bus.Subscribe("")
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-r.sub.Ch():
				if !ok {
					return
				}
				r.Record(ctx, ev)
			}
		}
	}()
}

// Stop unsubscribes and waits for the consumer goroutine to exit.
func (r *Recorder) Stop() {
	r.once.Do(func() {
		if r.sub != nil {
			r.bus.Unsubscribe(r.sub)
		}
		r.wg.Wait()
	})
}

// Record applies a single event. Unknown topics are ignored.
func (r *Recorder) Record(ctx context.Context, ev bus.Event) {
	m := r.metrics
	switch p := ev.Payload.(type) {
	case bus.MessageStoredEvent:
		if !p.Duplicate {
			m.MessagesStored.Add(ctx, 1)
		}
	case bus.RoutingDecidedEvent:
		m.RoutingDecisions.Add(ctx, 1, metric.WithAttributes(
			AttrAction.String(p.Action),
			AttrSource.String(p.Source),
		))
	case bus.DispatchRejectedEvent:
		m.SingleFlightBusy.Add(ctx, 1, metric.WithAttributes(AttrHandler.String(p.Handler)))
	case bus.SummaryEvent:
		attrs := metric.WithAttributes(
			attribute.Bool("widened", p.Widened),
			attribute.Bool("anchored", p.Anchored),
			attribute.Bool("question", p.Question),
		)
		m.SummaryDuration.Record(ctx, (time.Duration(p.DurationMS) * time.Millisecond).Seconds(), attrs)
		if ev.Topic == bus.TopicSummaryFailed {
			m.SummaryFallbacks.Add(ctx, 1, attrs)
		}
	case bus.CompletionFailedEvent:
		m.LLMErrors.Add(ctx, 1, metric.WithAttributes(
			AttrProvider.String(p.Provider),
			AttrErrorClass.String(p.Class),
		))
	case bus.SendRetriedEvent:
		m.SendRetries.Add(ctx, 1)
	default:
		r.logger.Debug("recorder: unhandled event", "topic", ev.Topic)
	}
}
