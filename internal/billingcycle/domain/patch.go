package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// StatusPatch is a conditional status change plus the fields that move with it.
type StatusPatch struct {
	To               BillingCycleStatus
	IncrementAttempt bool
	LastAttemptAt    *time.Time
	// SetNextAttemptAt writes NextAttemptAt even when nil.
	SetNextAttemptAt bool
	NextAttemptAt    *time.Time
	BillingDate      *time.Time
	FailureReason    *string
	ClearFailure     bool
	OrderID          *snowflake.ID
	CompletedAt      *time.Time
	FailedAt         *time.Time
	ExhaustedAt      *time.Time
	// ExpectedAttempt fences the write to the claim that set attempt_count.
	// Zero leaves the patch unfenced.
	ExpectedAttempt  int
	// StaleBefore limits the write to rows whose last attempt started at or
	// before it.
	StaleBefore      *time.Time
	Now              time.Time
}

// Fenced restricts the patch to the worker holding attempt.
func (p StatusPatch) Fenced(attempt int) StatusPatch {
	p.ExpectedAttempt = attempt
	return p
}

func ProcessingPatch(now time.Time) StatusPatch {
	return StatusPatch{
		To:               BillingCycleStatusProcessing,
		IncrementAttempt: true,
		LastAttemptAt:    &now,
		Now:              now,
	}
}

func CompletedPatch(orderID snowflake.ID, now time.Time) StatusPatch {
	return StatusPatch{
		To:               BillingCycleStatusCompleted,
		OrderID:          &orderID,
		CompletedAt:      &now,
		SetNextAttemptAt: true,
		ClearFailure:     true,
		Now:              now,
	}
}

// FailedPatch records a failure. A nil nextAttemptAt with exhausted set marks
// the cycle for manual intervention.
func FailedPatch(reason string, nextAttemptAt *time.Time, exhausted bool, orderID *snowflake.ID, now time.Time) StatusPatch {
	patch := StatusPatch{
		To:               BillingCycleStatusFailed,
		FailureReason:    &reason,
		FailedAt:         &now,
		SetNextAttemptAt: true,
		NextAttemptAt:    nextAttemptAt,
		OrderID:          orderID,
		Now:              now,
	}
	if exhausted {
		patch.ExhaustedAt = &now
		patch.NextAttemptAt = nil
	}
	return patch
}

// RequeuePatch moves a failed cycle back into the due set at billingDate.
func RequeuePatch(billingDate, now time.Time) StatusPatch {
	return StatusPatch{
		To:               BillingCycleStatusUpcoming,
		BillingDate:      &billingDate,
		SetNextAttemptAt: true,
		Now:              now,
	}
}

// ReleasePatch returns a stale processing cycle to the due set.
func ReleasePatch(now time.Time) StatusPatch {
	return StatusPatch{
		To:  BillingCycleStatusUpcoming,
		Now: now,
	}
}
