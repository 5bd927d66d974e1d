package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"feedback.evalgo.org/statemanager"
)

const instrumentationName = "feedback.evalgo.org/otel"

// SpanRecorder turns registry operations into spans: one span per operation,
// opened at creation and ended at the terminal transition. Escalations are
// span events, and children nest under their parent's span.
type SpanRecorder struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewSpanRecorder creates a recorder using tp, or the global provider when
// tp is nil.
func NewSpanRecorder(tp trace.TracerProvider) *SpanRecorder {
	if tp == nil {
		tp = (*Provider)(nil).TracerProvider()
	}
	return &SpanRecorder{
		tracer: tp.Tracer(instrumentationName),
		spans:  make(map[string]trace.Span),
	}
}

// Attach subscribes the recorder to every operation of m.
func (r *SpanRecorder) Attach(m *statemanager.Manager) (detach func()) {
	return m.SubscribeAll(r.observe)
}

// SpanContext returns the span context of a live operation.
func (r *SpanRecorder) SpanContext(operationID string) (trace.SpanContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span, ok := r.spans[operationID]
	if !ok {
		return trace.SpanContext{}, false
	}
	return span.SpanContext(), true
}

func (r *SpanRecorder) observe(ev statemanager.Event) {
	op := ev.Operation

	switch ev.Kind {
	case statemanager.ChangeCreated:
		r.start(op)

	case statemanager.ChangeLevel:
		if span := r.span(op.ID); span != nil {
			span.AddEvent("escalation", trace.WithAttributes(
				attribute.String("feedback.level", op.Level.String()),
			))
		}

	case statemanager.ChangeStatus:
		if op.Status.IsTerminal() {
			r.end(op)
		} else if span := r.span(op.ID); span != nil {
			span.AddEvent("status", trace.WithAttributes(attribute.String("feedback.status", string(op.Status))))
		}
	}
}

func (r *SpanRecorder) span(id string) trace.Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spans[id]
}

func (r *SpanRecorder) start(op statemanager.OperationState) {
	ctx := context.Background()

	r.mu.Lock()
	defer r.mu.Unlock()

	if parent, ok := r.spans[op.ParentID]; ok && op.ParentID != "" {
		ctx = trace.ContextWithSpan(ctx, parent)
	}

	name := "operation"
	if op.OperationType != "" {
		name = "operation " + op.OperationType
	}

	_, span := r.tracer.Start(ctx, name,
		trace.WithTimestamp(op.StartedAt),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("feedback.operation_id", op.ID),
			attribute.String("feedback.operation_type", op.OperationType),
			attribute.String("feedback.component_id", op.ComponentID),
			attribute.String("feedback.service", op.ServiceName),
		),
	)
	r.spans[op.ID] = span
}

func (r *SpanRecorder) end(op statemanager.OperationState) {
	r.mu.Lock()
	span, ok := r.spans[op.ID]
	delete(r.spans, op.ID)
	r.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("feedback.status", string(op.Status)),
		attribute.String("feedback.level", op.Level.String()),
	)
	switch op.Status {
	case statemanager.StatusFailed:
		span.SetStatus(codes.Error, op.Error)
	case statemanager.StatusCancelled:
		span.SetAttributes(attribute.String("feedback.cancel_reason", string(op.CancelReason)))
	default:
		span.SetStatus(codes.Ok, "")
	}

	if op.CompletedAt != nil {
		span.End(trace.WithTimestamp(*op.CompletedAt))
		return
	}
	span.End()
}
