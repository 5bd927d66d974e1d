package otel

import (
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"

	"feedback.evalgo.org/statemanager"
)

// HeaderTraceID carries the trace id of the request's operation span.
const HeaderTraceID = "X-Trace-ID"

// Correlate links a request to the span of the operation the statemanager
// middleware started for it. It must run inside that middleware. The span
// context and an operation_id baggage member are put on the request context,
// and the trace id is returned in the X-Trace-ID header.
func Correlate(r *SpanRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			operationID := statemanager.GetOperationID(c)
			if operationID == "" {
				return next(c)
			}

			ctx := c.Request().Context()
			if sc, ok := r.SpanContext(operationID); ok {
				ctx = trace.ContextWithSpanContext(ctx, sc)
				c.Response().Header().Set(HeaderTraceID, sc.TraceID().String())
			}
			if member, err := baggage.NewMember("operation_id", operationID); err == nil {
				if bag, err := baggage.FromContext(ctx).SetMember(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// GetTraceID extracts the OpenTelemetry trace ID from the current context
func GetTraceID(c echo.Context) string {
	sc := trace.SpanContextFromContext(c.Request().Context())
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// GetOperationFromBaggage returns the operation_id baggage member, if any
func GetOperationFromBaggage(c echo.Context) string {
	return baggage.FromContext(c.Request().Context()).Member("operation_id").Value()
}
