package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestGinMiddlewareRecordsScanSize(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware())
	r.POST("/cron/process-billing", func(c *gin.Context) {
		c.Set(CyclesProcessedKey, 7)
		c.Status(http.StatusPartialContent)
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/cron/process-billing", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "HTTP POST /cron/process-billing", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.Int("billing.cycles_processed", 7))
	assert.Contains(t, spans[0].Attributes(), attribute.String("billing.trigger", "manual"))
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "billing.scan_partial", spans[0].Events()[0].Name)

	for _, attr := range spans[1].Attributes() {
		assert.NotEqual(t, attribute.Key("billing.cycles_processed"), attr.Key)
	}
}
