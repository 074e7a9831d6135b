// Package dispatch routes normalized chat updates to handlers and enforces
// single-flight per actor: while a guarded handler runs for a key, further
// guarded updates for that key get a "please wait" notice instead.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/wtf-bot/internal/bus"
	"github.com/basket/wtf-bot/internal/otel"
	"github.com/basket/wtf-bot/internal/shared"
)

// BusyNotice is sent, as HTML, to an update rejected by single-flight.
const BusyNotice = "<i>Пожалуйста, дождитесь ответа на предыдущее сообщение перед отправкой следующего.</i>"

// HandlerFunc handles one update.
type HandlerFunc func(ctx context.Context, u Update) error

// Route pairs a predicate with a handler. Guarded routes run under
// single-flight.
type Route struct {
	Name    string
	Match   func(Update) bool
	Handle  HandlerFunc
	Guarded bool
}

type Options struct {
	KeyPolicy string
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
	Bus       *bus.Bus
}

// Dispatcher evaluates routes in registration order; the first match wins.
type Dispatcher struct {
	routes    []Route
	sender    Sender
	flight    *SingleFlight
	keyPolicy string
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
	bus       *bus.Bus

	inflight sync.WaitGroup
}

func NewDispatcher(sender Sender, routes []Route, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.KeyPolicy
	if policy != KeyByUser {
		policy = KeyByChat
	}
	return &Dispatcher{
		routes:    routes,
		sender:    sender,
		flight:    NewSingleFlight(),
		keyPolicy: policy,
		logger:    logger.With("component", "dispatch"),
		tracer:    otel.TracerOrNoop(opts.Tracer),
		metrics:   opts.Metrics,
		bus:       opts.Bus,
	}
}

// Go dispatches u on a tracked goroutine. Updates for different actor keys
// run concurrently.
func (d *Dispatcher) Go(ctx context.Context, u Update) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.Dispatch(ctx, u)
	}()
}

// Drain waits for in-flight handlers until ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain dispatcher: %w", ctx.Err())
	}
}

// Dispatch runs the first matching route for u to completion. It returns
// false when no route matched or the update was rejected as busy.
func (d *Dispatcher) Dispatch(ctx context.Context, u Update) bool {
	route, ok := d.match(u)
	if !ok {
		return false
	}

	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
		ctx = shared.WithTraceID(ctx, traceID)
	}
	ctx = shared.WithChat(ctx, u.ChatID, u.UserID)
	logger := d.logger.With("trace_id", traceID, "chat_id", u.ChatID, "user_id", u.UserID,
		"message_id", u.MessageID, "handler", route.Name)

	if route.Guarded {
		key := ActorKey(d.keyPolicy, u)
		if !d.flight.TryAcquire(key) {
			logger.Info("actor busy, rejecting update", "key", key)
			d.bus.Publish(bus.TopicDispatchRejected, bus.DispatchRejectedEvent{Key: key, Handler: route.Name})
			_, err := d.sender.SendMessage(ctx, u.ChatID, BusyNotice, SendOptions{
				ParseMode:        ParseModeHTML,
				ReplyToMessageID: u.MessageID,
			})
			if err != nil {
				logger.Warn("send busy notice failed", "error", err)
			}
			return false
		}
		defer d.flight.Release(key)
	}

	ctx, span := otel.StartConsumerSpan(ctx, d.tracer, "dispatch."+route.Name,
		otel.AttrChatID.Int64(u.ChatID), otel.AttrUserID.Int64(u.UserID), otel.AttrHandler.String(route.Name))
	defer span.End()
	if d.metrics != nil {
		d.metrics.InFlightHandlers.Add(ctx, 1)
		defer d.metrics.InFlightHandlers.Add(ctx, -1)
	}

	started := time.Now()
	if err := route.Handle(ctx, u); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("handler failed", "error", err, "duration_ms", time.Since(started).Milliseconds())
		return true
	}
	logger.Debug("handler done", "duration_ms", time.Since(started).Milliseconds())
	return true
}

func (d *Dispatcher) match(u Update) (Route, bool) {
	for _, r := range d.routes {
		if r.Match(u) {
			return r, true
		}
	}
	return Route{}, false
}
