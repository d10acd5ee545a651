package tracing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/recurring/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// CyclesProcessedKey is the gin context key a scan handler sets to the number
// of cycles it looked at.
const CyclesProcessedKey = "cycles_processed"

// GinMiddleware opens a server span per ops request. Manual billing scans
// are tagged with their trigger and scan size.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("recurring/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+strings.ToUpper(c.Request.Method), trace.WithSpanKind(trace.SpanKindServer))
		c.Request = c.Request.WithContext(withRequestBaggage(ctx, span))

		start := time.Now()
		c.Next()
		finishSpan(c, span, time.Since(start))
	}
}

func withRequestBaggage(ctx context.Context, span trace.Span) context.Context {
	requestID := obscontext.RequestIDFromContext(ctx)
	if requestID == "" {
		return ctx
	}
	span.SetAttributes(attribute.String("request_id", requestID))
	member, err := baggage.NewMember("request_id", requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.New(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}

func finishSpan(c *gin.Context, span trace.Span, elapsed time.Duration) {
	defer span.End()

	route := c.FullPath()
	if route == "" {
		route = "unknown"
	}
	status := c.Writer.Status()
	span.SetName("HTTP " + strings.ToUpper(c.Request.Method) + " " + route)
	span.SetAttributes(SafeAttributes(
		attribute.String("http.method", c.Request.Method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
		attribute.Int64("http.server_duration_ms", elapsed.Milliseconds()),
	)...)

	if n, ok := c.Get(CyclesProcessedKey); ok {
		if processed, ok := n.(int); ok {
			span.SetAttributes(
				attribute.String("billing.trigger", "manual"),
				attribute.Int("billing.cycles_processed", processed),
			)
		}
	}
	if status == http.StatusPartialContent {
		span.AddEvent("billing.scan_partial")
	}

	if status < http.StatusInternalServerError {
		return
	}
	if last := c.Errors.Last(); last != nil {
		if safeErr := SafeError(last.Err); safeErr != nil {
			span.RecordError(safeErr)
		}
	}
	span.SetStatus(codes.Error, "request error")
}
