package stripe

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/recurring/internal/payment/domain"
	stripe "github.com/stripe/stripe-go/v82"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Charger, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{client: stripe.NewClient(secret, nil)}, nil
}

type Adapter struct {
	client *stripe.Client
}

var (
	_ paymentdomain.Charger  = (*Adapter)(nil)
	_ paymentdomain.Resolver = (*Adapter)(nil)
)

// Charge confirms an off-session PaymentIntent against the customer's saved
// payment method. The idempotency key makes replays return the first result.
func (a *Adapter) Charge(ctx context.Context, req paymentdomain.CaptureRequest) (paymentdomain.CaptureResult, error) {
	if strings.TrimSpace(req.ProviderCustomerID) == "" || strings.TrimSpace(req.PaymentMethodID) == "" {
		return paymentdomain.CaptureResult{}, paymentdomain.ErrMissingPaymentMethod
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return paymentdomain.CaptureResult{}, paymentdomain.ErrInvalidCurrency
	}
	amount, err := MinorUnits(req.Amount, currency)
	if err != nil {
		return paymentdomain.CaptureResult{}, err
	}

	metadata := map[string]string{
		"order_id":    req.OrderID.String(),
		"customer_id": req.CustomerID.String(),
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(req.ProviderCustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Metadata:      metadata,
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	intent, err := a.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			// declines are an outcome, not a transport error
			return paymentdomain.CaptureResult{
				Status:      paymentdomain.CaptureStatusFailed,
				Provider:    "stripe",
				FailureCode: string(stripeErr.Code),
			}, nil
		}
		return paymentdomain.CaptureResult{}, err
	}

	return paymentdomain.CaptureResult{
		Status:            StatusFromIntent(intent.Status),
		Provider:          "stripe",
		ProviderReference: intent.ID,
	}, nil
}

// Resolve reads the PaymentIntent behind a pending charge.
func (a *Adapter) Resolve(ctx context.Context, providerReference string) (paymentdomain.CaptureResult, error) {
	intent, err := a.client.V1PaymentIntents.Retrieve(ctx, providerReference, nil)
	if err != nil {
		return paymentdomain.CaptureResult{}, err
	}
	result := paymentdomain.CaptureResult{
		Status:            StatusFromIntent(intent.Status),
		Provider:          "stripe",
		ProviderReference: intent.ID,
	}
	if result.Status == paymentdomain.CaptureStatusFailed && intent.LastPaymentError != nil {
		result.FailureCode = string(intent.LastPaymentError.Code)
	}
	return result, nil
}

func StatusFromIntent(status stripe.PaymentIntentStatus) paymentdomain.CaptureStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return paymentdomain.CaptureStatusSucceeded
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresCapture:
		return paymentdomain.CaptureStatusPending
	default:
		return paymentdomain.CaptureStatusFailed
	}
}

var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {},
	"mga": {}, "pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {},
	"xof": {}, "xpf": {},
}

// MinorUnits converts a decimal amount to the integer amount the API expects.
func MinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if !amount.IsPositive() {
		return 0, paymentdomain.ErrInvalidAmount
	}
	if _, ok := zeroDecimalCurrencies[strings.ToLower(currency)]; ok {
		return amount.Round(0).IntPart(), nil
	}
	return amount.Shift(2).Round(0).IntPart(), nil
}
