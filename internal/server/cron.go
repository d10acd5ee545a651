package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obsmetrics "github.com/smallbiznis/recurring/internal/observability/metrics"
	obstracing "github.com/smallbiznis/recurring/internal/observability/tracing"
	"go.uber.org/zap"
)

const (
	dateOnlyLayout   = "2006-01-02"
	defaultBatchSize = 100
	maxBatchSize     = 1000
)

type processBillingRequest struct {
	AsOfDate  *string `json:"as_of_date"`
	AsOf      *string `json:"as_of"`
	BatchSize *int    `json:"batch_size"`
}

type processBillingResponse struct {
	Success      bool     `json:"success"`
	Processed    int      `json:"processed"`
	SuccessCount int      `json:"success_count"`
	FailureCount int      `json:"failure_count"`
	Exhausted    int      `json:"exhausted"`
	Skipped      int      `json:"skipped"`
	Errors       []string `json:"errors,omitempty"`
	AsOf         string   `json:"as_of"`
	ProcessedAt  string   `json:"processed_at"`
}

// CronAuthRequired accepts the shared secret in X-Cron-Secret or as a bearer token.
// An unset secret rejects every request.
func (s *Server) CronAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !validCronSecret(s.cronSecret, cronSecretFromRequest(c.Request)) {
			s.log.Warn("unauthorized cron request", zap.String("remote_addr", c.ClientIP()))
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func cronSecretFromRequest(r *http.Request) string {
	if secret := strings.TrimSpace(r.Header.Get("X-Cron-Secret")); secret != "" {
		return secret
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func validCronSecret(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// ProcessBilling runs one due-cycle scan and reports per-cycle outcomes.
// A scan with failed, exhausted or errored cycles answers 206.
func (s *Server) ProcessBilling(c *gin.Context) {
	var req processBillingRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
			return
		}
	}

	asOf, err := parseAsOf(req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	batchSize := defaultBatchSize
	if req.BatchSize != nil {
		if *req.BatchSize < 1 || *req.BatchSize > maxBatchSize {
			AbortWithError(c, newValidationError("batch_size", "invalid_batch_size", "batch_size must be between 1 and 1000"))
			return
		}
		batchSize = *req.BatchSize
	}

	report, err := s.scanner.TriggerDueScan(c.Request.Context(), asOf, batchSize)
	if err != nil && !errors.Is(err, obsmetrics.ErrPartialBatch) {
		AbortWithError(c, err)
		return
	}
	c.Set(obstracing.CyclesProcessedKey, report.Scanned)

	resp := processBillingResponse{
		Success:      !report.Partial(),
		Processed:    report.Scanned,
		SuccessCount: report.Succeeded,
		FailureCount: report.Failed + report.Exhausted + report.Errored,
		Exhausted:    report.Exhausted,
		Skipped:      report.Skipped,
		Errors:       errorStrings(err),
		ProcessedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if !asOf.IsZero() {
		resp.AsOf = asOf.UTC().Format(time.RFC3339)
	}

	s.log.Info("billing scan completed",
		zap.Int("processed", resp.Processed),
		zap.Int("success", resp.SuccessCount),
		zap.Int("failed", resp.FailureCount),
	)

	status := http.StatusOK
	if !resp.Success {
		status = http.StatusPartialContent
	}
	c.JSON(status, resp)
}

// parseAsOf reads as_of (RFC3339) or as_of_date (YYYY-MM-DD). A bare date
// covers the whole UTC day. Zero means now.
func parseAsOf(req processBillingRequest) (time.Time, error) {
	if req.AsOf != nil && strings.TrimSpace(*req.AsOf) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.AsOf))
		if err != nil {
			return time.Time{}, newValidationError("as_of", "invalid_as_of", "as_of must be RFC3339")
		}
		return parsed.UTC(), nil
	}
	if req.AsOfDate != nil && strings.TrimSpace(*req.AsOfDate) != "" {
		parsed, err := time.Parse(dateOnlyLayout, strings.TrimSpace(*req.AsOfDate))
		if err != nil {
			return time.Time{}, newValidationError("as_of_date", "invalid_as_of_date", "as_of_date must be YYYY-MM-DD")
		}
		return parsed.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
	}
	return time.Time{}, nil
}

func errorStrings(err error) []string {
	if err == nil {
		return nil
	}
	switch e := err.(type) {
	case interface{ Unwrap() []error }:
		out := make([]string, 0)
		for _, item := range e.Unwrap() {
			out = append(out, errorStrings(item)...)
		}
		return out
	case interface{ Unwrap() error }:
		if _, joined := e.Unwrap().(interface{ Unwrap() []error }); joined {
			return errorStrings(e.Unwrap())
		}
	}
	if errors.Is(err, obsmetrics.ErrPartialBatch) {
		return nil
	}
	return []string{err.Error()}
}
