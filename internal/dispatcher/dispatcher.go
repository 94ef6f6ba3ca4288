// Package dispatcher resolves and invokes handlers for normalized inbound
// events, isolating handler failures from the transport layer.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/confplat/event-service-core/internal/event"
	"github.com/confplat/event-service-core/internal/payload"
	"github.com/confplat/event-service-core/internal/registry"
)

// MetricsPublisher records per-dispatch outcome metrics. Publishing is
// best-effort: failures are logged and never change the dispatch result.
type MetricsPublisher interface {
	RecordDispatch(ctx context.Context, source event.Source, typ event.Type, outcome event.Outcome) error
}

// Dispatcher looks up handlers in an immutable registry and invokes them
// inside a failure boundary. It performs no deduplication: idempotency is the
// handler contract, because only handlers know the right idempotency key.
type Dispatcher struct {
	registry *registry.Registry
	logger   *slog.Logger
	metrics  MetricsPublisher // may be nil
}

// New creates a dispatcher. metrics may be nil to disable metric publishing.
func New(reg *registry.Registry, logger *slog.Logger, metrics MetricsPublisher) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Dispatch resolves the handler for evt and invokes it. Handler errors are
// caught, logged with full context and reported in the result; they never
// propagate to the caller. Panics are not recovered: a panic is a bug and
// should reach process-level monitoring.
func (d *Dispatcher) Dispatch(ctx context.Context, evt event.Inbound) event.DispatchResult {
	tracer := otel.Tracer("dispatcher")
	ctx, span := tracer.Start(ctx, "Dispatch")
	defer span.End()

	span.SetAttributes(
		attribute.String("event.source", string(evt.Source)),
		attribute.String("event.type", string(evt.Type)),
	)

	reg, ok := d.registry.Lookup(evt.Source, evt.Type)
	if !ok {
		d.logger.InfoContext(ctx, "No handler registered",
			slog.String("source", string(evt.Source)),
			slog.String("event_type", string(evt.Type)),
		)
		d.record(ctx, evt, event.OutcomeNoHandler)
		return event.DispatchResult{Outcome: event.OutcomeNoHandler}
	}

	externalID, _ := payload.ExtractString(evt.Payload, reg.IDPointer)
	if externalID != "" {
		span.SetAttributes(attribute.String("event.external_id", externalID))
	}

	if err := reg.Handler(ctx, evt.Payload); err != nil {
		retryable := Retryable(err)
		d.logger.ErrorContext(ctx, "Handler failed",
			slog.String("source", string(evt.Source)),
			slog.String("event_type", string(evt.Type)),
			slog.String("external_id", externalID),
			slog.Bool("retryable", retryable),
			slog.String("error", err.Error()),
		)
		d.record(ctx, evt, event.OutcomeError)
		return event.DispatchResult{Outcome: event.OutcomeError, Retryable: retryable, Err: err}
	}

	d.logger.InfoContext(ctx, "Event handled",
		slog.String("source", string(evt.Source)),
		slog.String("event_type", string(evt.Type)),
		slog.String("external_id", externalID),
	)
	d.record(ctx, evt, event.OutcomeHandled)
	return event.DispatchResult{Outcome: event.OutcomeHandled}
}

// Retryable classifies a handler error. State conflicts and malformed payloads
// are terminal: redelivering them would fail the same way forever, so the
// source acknowledges to avoid poison-message loops. Missing records are
// retryable because the record may exist once an earlier event lands. Unknown
// errors default to retryable so transient store failures get redriven.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, event.ErrStateConflict):
		return false
	case errors.Is(err, event.ErrMalformedPayload):
		return false
	default:
		return true
	}
}

func (d *Dispatcher) record(ctx context.Context, evt event.Inbound, outcome event.Outcome) {
	if d.metrics == nil {
		return
	}
	if err := d.metrics.RecordDispatch(ctx, evt.Source, evt.Type, outcome); err != nil {
		d.logger.WarnContext(ctx, "Failed to publish dispatch metric",
			slog.String("source", string(evt.Source)),
			slog.String("event_type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}
