package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "partial_batch", err: fmt.Errorf("2 of 5 cycles failed: %w", ErrPartialBatch), want: SchedulerJobReasonPartialBatch},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifySchedulerJobReason(tc.err))
		})
	}
}

func TestClassifySchedulerErrorType(t *testing.T) {
	assert.Equal(t, SchedulerErrorTypePayment, ClassifySchedulerErrorType(billingcycledomain.ErrPaymentCaptureFailed))
	assert.Equal(t, SchedulerErrorTypeDB, ClassifySchedulerErrorType(&pgconn.PgError{Code: "08006"}))
	assert.Equal(t, SchedulerErrorTypeBusinessRule, ClassifySchedulerErrorType(billingcycledomain.ErrCustomerNotFound))
	assert.Equal(t, SchedulerErrorTypeDeadlineExceeded, ClassifySchedulerErrorType(context.Canceled))
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "recurring",
		Environment: "test",
	})

	metrics.AddBatchProcessed("process_due_cycles", "completed", 3)
	metrics.AddBatchProcessed("process_due_cycles", "completed", 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("process_due_cycles", "completed"))
	assert.Equal(t, float64(3), got)
}

func TestBillingCycleTransitionCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{Environment: "test"})

	metrics.IncBillingCycleTransition("processing", "failed")
	metrics.IncBillingCycleTransition("processing", "failed")
	metrics.IncBillingCycleError(CycleStageCapture, billingcycledomain.ErrPaymentCaptureFailed)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.cycleTransitions.WithLabelValues("processing", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.cycleErrors.WithLabelValues(CycleStageCapture, SchedulerErrorTypePayment)))
}
