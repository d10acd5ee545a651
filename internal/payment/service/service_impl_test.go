package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/recurring/internal/clock"
	"github.com/smallbiznis/recurring/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/recurring/internal/payment/domain"
	"github.com/smallbiznis/recurring/internal/payment/repository"
	"github.com/smallbiznis/recurring/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockCharger struct {
	mock.Mock
}

func (m *mockCharger) Charge(ctx context.Context, req paymentdomain.CaptureRequest) (paymentdomain.CaptureResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(paymentdomain.CaptureResult), args.Error(1)
}

// resolvingCharger can look up a pending charge by provider reference.
type resolvingCharger struct {
	mockCharger
}

func (m *resolvingCharger) Resolve(ctx context.Context, providerReference string) (paymentdomain.CaptureResult, error) {
	args := m.Called(ctx, providerReference)
	return args.Get(0).(paymentdomain.CaptureResult), args.Error(1)
}

type fakeFactory struct {
	charger paymentdomain.Charger
}

func (f fakeFactory) Provider() string { return "fake" }

func (f fakeFactory) NewAdapter(paymentdomain.AdapterConfig) (paymentdomain.Charger, error) {
	return f.charger, nil
}

func newTestService(t *testing.T, provider string, charger paymentdomain.Charger) (paymentdomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()
	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	svc, err := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		Repo:     repository.Provide(),
		Registry: adapters.NewRegistry(fakeFactory{charger: charger}),
		Config:   paymentdomain.AdapterConfig{Provider: provider},
	})
	require.NoError(t, err)
	return svc, db, node
}

func captureRequest(node *snowflake.Node, amount string) paymentdomain.CaptureRequest {
	orderID := node.Generate()
	return paymentdomain.CaptureRequest{
		TenantID:        node.Generate(),
		OrderID:         orderID,
		CustomerID:      node.Generate(),
		PaymentMethodID: "pm_test",
		Amount:          decimal.RequireFromString(amount),
		Currency:        "usd",
		IdempotencyKey:  "order_" + orderID.String() + "_attempt_1",
	}
}

func countAttempts(t *testing.T, db *gorm.DB, orderID snowflake.ID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&paymentdomain.Attempt{}).Where("order_id = ?", orderID).Count(&count).Error)
	return count
}

func TestCaptureRecordsAttempt(t *testing.T) {
	charger := &mockCharger{}
	svc, db, node := newTestService(t, "fake", charger)
	req := captureRequest(node, "25.50")

	charger.On("Charge", mock.Anything, req).
		Return(paymentdomain.CaptureResult{Status: paymentdomain.CaptureStatusSucceeded, ProviderReference: "pi_1"}, nil).
		Once()

	result, err := svc.Capture(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, "fake", result.Provider)
	assert.Equal(t, int64(1), countAttempts(t, db, req.OrderID))

	var attempt paymentdomain.Attempt
	require.NoError(t, db.Where("order_id = ?", req.OrderID).Take(&attempt).Error)
	assert.Equal(t, "USD", attempt.Currency)
	assert.Equal(t, req.IdempotencyKey, attempt.IdempotencyKey)
	assert.True(t, attempt.Amount.Equal(decimal.RequireFromString("25.50")))
}

func TestCaptureSkipsProviderAfterSuccess(t *testing.T) {
	charger := &mockCharger{}
	svc, db, node := newTestService(t, "fake", charger)
	req := captureRequest(node, "10")

	charger.On("Charge", mock.Anything, mock.Anything).
		Return(paymentdomain.CaptureResult{Status: paymentdomain.CaptureStatusSucceeded, ProviderReference: "pi_1"}, nil).
		Once()

	_, err := svc.Capture(context.Background(), req)
	require.NoError(t, err)

	retry := req
	retry.IdempotencyKey = "order_" + req.OrderID.String() + "_attempt_2"
	result, err := svc.Capture(context.Background(), retry)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, "pi_1", result.ProviderReference)

	charger.AssertNumberOfCalls(t, "Charge", 1)
	assert.Equal(t, int64(1), countAttempts(t, db, req.OrderID))
}

func TestCaptureZeroAmountSucceedsWithoutProvider(t *testing.T) {
	svc, db, node := newTestService(t, adapters.ProviderDisabled, nil)
	req := captureRequest(node, "0")

	result, err := svc.Capture(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, "none", result.Provider)
	assert.Equal(t, int64(1), countAttempts(t, db, req.OrderID))
}

func TestCaptureDisabledProvider(t *testing.T) {
	svc, _, node := newTestService(t, adapters.ProviderDisabled, nil)

	_, err := svc.Capture(context.Background(), captureRequest(node, "5"))
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotConfigured)
}

func TestCaptureRejectsInvalidRequest(t *testing.T) {
	svc, _, node := newTestService(t, "fake", &mockCharger{})

	negative := captureRequest(node, "-1")
	_, err := svc.Capture(context.Background(), negative)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidAmount)

	noCurrency := captureRequest(node, "1")
	noCurrency.Currency = " "
	_, err = svc.Capture(context.Background(), noCurrency)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidCurrency)
}

func TestCaptureProviderErrorIsRecorded(t *testing.T) {
	charger := &mockCharger{}
	svc, db, node := newTestService(t, "fake", charger)
	req := captureRequest(node, "12")
	providerErr := errors.New("connection reset")

	charger.On("Charge", mock.Anything, mock.Anything).
		Return(paymentdomain.CaptureResult{}, providerErr).
		Once()

	_, err := svc.Capture(context.Background(), req)
	assert.ErrorIs(t, err, providerErr)

	var attempt paymentdomain.Attempt
	require.NoError(t, db.Where("order_id = ?", req.OrderID).Take(&attempt).Error)
	assert.Equal(t, paymentdomain.CaptureStatusFailed, attempt.Status)
	assert.Equal(t, "provider_error", attempt.FailureCode)
}

func findAttempt(t *testing.T, db *gorm.DB, orderID snowflake.ID) paymentdomain.Attempt {
	t.Helper()
	var attempt paymentdomain.Attempt
	require.NoError(t, db.Where("order_id = ?", orderID).Take(&attempt).Error)
	return attempt
}

func pendingResult() paymentdomain.CaptureResult {
	return paymentdomain.CaptureResult{Status: paymentdomain.CaptureStatusPending, ProviderReference: "pi_pending"}
}

func TestCaptureReplaysPendingChargeUnderOriginalKey(t *testing.T) {
	charger := &mockCharger{}
	svc, db, node := newTestService(t, "fake", charger)
	req := captureRequest(node, "30")

	charger.On("Charge", mock.Anything, mock.MatchedBy(func(r paymentdomain.CaptureRequest) bool {
		return r.IdempotencyKey == req.IdempotencyKey
	})).Return(pendingResult(), nil).Once()
	charger.On("Charge", mock.Anything, mock.MatchedBy(func(r paymentdomain.CaptureRequest) bool {
		return r.IdempotencyKey == req.IdempotencyKey
	})).Return(paymentdomain.CaptureResult{Status: paymentdomain.CaptureStatusSucceeded, ProviderReference: "pi_pending"}, nil).Once()

	first, err := svc.Capture(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.CaptureStatusPending, first.Status)

	retry := req
	retry.IdempotencyKey = "order_" + req.OrderID.String() + "_attempt_2"
	second, err := svc.Capture(context.Background(), retry)
	require.NoError(t, err)
	assert.True(t, second.Succeeded())
	assert.Equal(t, "pi_pending", second.ProviderReference)
	charger.AssertExpectations(t)

	assert.Equal(t, int64(1), countAttempts(t, db, req.OrderID))
	attempt := findAttempt(t, db, req.OrderID)
	assert.Equal(t, paymentdomain.CaptureStatusSucceeded, attempt.Status)
	assert.Equal(t, req.IdempotencyKey, attempt.IdempotencyKey)
}

func TestCaptureResolvesPendingChargeWithoutCharging(t *testing.T) {
	charger := &resolvingCharger{}
	svc, db, node := newTestService(t, "fake", charger)
	req := captureRequest(node, "30")

	charger.On("Charge", mock.Anything, mock.Anything).Return(pendingResult(), nil).Once()
	charger.On("Resolve", mock.Anything, "pi_pending").
		Return(paymentdomain.CaptureResult{Status: paymentdomain.CaptureStatusPending, ProviderReference: "pi_pending"}, nil).Once()
	charger.On("Resolve", mock.Anything, "pi_pending").
		Return(paymentdomain.CaptureResult{Status: paymentdomain.CaptureStatusFailed, ProviderReference: "pi_pending", FailureCode: "card_declined"}, nil).Once()

	_, err := svc.Capture(context.Background(), req)
	require.NoError(t, err)

	retry := req
	retry.IdempotencyKey = "order_" + req.OrderID.String() + "_attempt_2"
	still, err := svc.Capture(context.Background(), retry)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.CaptureStatusPending, still.Status)
	assert.Equal(t, paymentdomain.CaptureStatusPending, findAttempt(t, db, req.OrderID).Status)

	retry.IdempotencyKey = "order_" + req.OrderID.String() + "_attempt_3"
	settled, err := svc.Capture(context.Background(), retry)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.CaptureStatusFailed, settled.Status)
	assert.Equal(t, "fake", settled.Provider)

	charger.AssertNumberOfCalls(t, "Charge", 1)
	charger.AssertExpectations(t)
	attempt := findAttempt(t, db, req.OrderID)
	assert.Equal(t, paymentdomain.CaptureStatusFailed, attempt.Status)
	assert.Equal(t, "card_declined", attempt.FailureCode)
}

func TestCaptureRecordsAttemptAfterCallerCancels(t *testing.T) {
	charger := &mockCharger{}
	svc, db, node := newTestService(t, "fake", charger)
	req := captureRequest(node, "18")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	charger.On("Charge", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(paymentdomain.CaptureResult{Status: paymentdomain.CaptureStatusSucceeded, ProviderReference: "pi_1"}, nil).
		Once()

	result, err := svc.Capture(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())

	attempt := findAttempt(t, db, req.OrderID)
	assert.Equal(t, paymentdomain.CaptureStatusSucceeded, attempt.Status)
	assert.Equal(t, "pi_1", attempt.ProviderReference)
}

func TestNewServiceUnknownProvider(t *testing.T) {
	_, err := NewService(Params{
		DB:       testutil.OpenDB(t),
		Log:      zap.NewNop(),
		Registry: adapters.NewRegistry(),
		Config:   paymentdomain.AdapterConfig{Provider: "paypal"},
	})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}
