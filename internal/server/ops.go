package server

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
	"go.uber.org/zap"
)

const (
	healthCheckTimeout  = 2 * time.Second
	defaultListLimit    = 50
	maxListLimit        = 500
	healthStatusOK      = "ok"
	healthStatusFailing = "unavailable"
)

// Health pings every backend and answers 503 when one is unreachable.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(s.backends))
	for name := range s.backends {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.backends[name].Ping(ctx); err != nil {
			s.log.Warn("health check failed", zap.String("backend", name), zap.Error(err))
			checks[name] = healthStatusFailing
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = healthStatusOK
	}

	overall := healthStatusOK
	if status != http.StatusOK {
		overall = healthStatusFailing
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}

type exhaustedCycleResponse struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	SubscriptionID string  `json:"subscription_id"`
	PeriodStart    string  `json:"period_start"`
	PeriodEnd      string  `json:"period_end"`
	BillingDate    string  `json:"billing_date"`
	AttemptCount   int     `json:"attempt_count"`
	FailureReason  string  `json:"failure_reason,omitempty"`
	OrderID        *string `json:"order_id,omitempty"`
	Total          string  `json:"total"`
	ExhaustedAt    string  `json:"exhausted_at"`
}

// ListExhaustedCycles returns failed cycles that need manual intervention.
func (s *Server) ListExhaustedCycles(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	cycles, err := s.exhausted.Exhausted(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]exhaustedCycleResponse, 0, len(cycles))
	for _, cycle := range cycles {
		items = append(items, newExhaustedCycleResponse(cycle))
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func newExhaustedCycleResponse(cycle billingcycledomain.BillingCycle) exhaustedCycleResponse {
	resp := exhaustedCycleResponse{
		ID:             cycle.ID.String(),
		TenantID:       cycle.TenantID.String(),
		SubscriptionID: cycle.SubscriptionID.String(),
		PeriodStart:    cycle.PeriodStart.UTC().Format(time.RFC3339),
		PeriodEnd:      cycle.PeriodEnd.UTC().Format(time.RFC3339),
		BillingDate:    cycle.BillingDate.UTC().Format(time.RFC3339),
		AttemptCount:   cycle.AttemptCount,
		Total:          cycle.Total.StringFixed(2),
	}
	if cycle.FailureReason != nil {
		resp.FailureReason = *cycle.FailureReason
	}
	if cycle.OrderID != nil {
		id := cycle.OrderID.String()
		resp.OrderID = &id
	}
	if cycle.ExhaustedAt != nil {
		resp.ExhaustedAt = cycle.ExhaustedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func parseLimit(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 || limit > maxListLimit {
		return 0, newValidationError("limit", "invalid_limit", "limit must be between 1 and 500")
	}
	return limit, nil
}
