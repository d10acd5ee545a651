package context

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey      ctxKey = "request_id"
	tenantIDKey       ctxKey = "tenant_id"
	subscriptionIDKey ctxKey = "subscription_id"
	billingCycleIDKey ctxKey = "billing_cycle_id"
	jobKey            ctxKey = "job"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey)
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return withString(ctx, tenantIDKey, tenantID)
}

func TenantIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, tenantIDKey)
}

// WithCycle tags the context with the subscription and cycle a unit works on.
func WithCycle(ctx context.Context, subscriptionID, billingCycleID string) context.Context {
	ctx = withString(ctx, subscriptionIDKey, subscriptionID)
	return withString(ctx, billingCycleIDKey, billingCycleID)
}

func CycleFromContext(ctx context.Context) (string, string) {
	return stringFrom(ctx, subscriptionIDKey), stringFrom(ctx, billingCycleIDKey)
}

func WithJob(ctx context.Context, job string) context.Context {
	return withString(ctx, jobKey, job)
}

func JobFromContext(ctx context.Context) string {
	return stringFrom(ctx, jobKey)
}

func withString(ctx context.Context, key ctxKey, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
