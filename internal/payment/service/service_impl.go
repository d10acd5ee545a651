package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurring/internal/clock"
	"github.com/smallbiznis/recurring/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/recurring/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// providerTimeout bounds provider calls and attempt writes, which run detached
// from the caller's deadline once a capture has started.
const providerTimeout = 30 * time.Second

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     paymentdomain.Repository
	Registry *adapters.Registry
	Config   paymentdomain.AdapterConfig
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     paymentdomain.Repository
	provider string
	charger  paymentdomain.Charger
}

func NewService(p Params) (paymentdomain.Service, error) {
	charger, err := p.Registry.NewAdapter(p.Config)
	if err != nil {
		return nil, err
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		provider: strings.ToLower(strings.TrimSpace(p.Config.Provider)),
		charger:  charger,
	}, nil
}

// Capture charges the order total once. A succeeded attempt already on record
// for the order is returned without calling the provider again, and a pending
// one is resolved instead of charged a second time.
func (s *Service) Capture(ctx context.Context, req paymentdomain.CaptureRequest) (paymentdomain.CaptureResult, error) {
	if req.Amount.IsNegative() {
		return paymentdomain.CaptureResult{}, paymentdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.Currency) == "" {
		return paymentdomain.CaptureResult{}, paymentdomain.ErrInvalidCurrency
	}

	previous, err := s.repo.FindSucceededByOrder(ctx, s.db, req.OrderID)
	if err != nil {
		return paymentdomain.CaptureResult{}, err
	}
	if previous != nil {
		s.log.Info("capture already succeeded for order",
			zap.String("order_id", req.OrderID.String()),
			zap.String("provider_reference", previous.ProviderReference),
		)
		return paymentdomain.CaptureResult{
			Status:            paymentdomain.CaptureStatusSucceeded,
			Provider:          previous.Provider,
			ProviderReference: previous.ProviderReference,
		}, nil
	}

	pending, err := s.repo.FindPendingByOrder(ctx, s.db, req.OrderID)
	if err != nil {
		return paymentdomain.CaptureResult{}, err
	}
	if pending != nil {
		return s.resolvePending(ctx, req, pending)
	}

	if req.Amount.IsZero() {
		result := paymentdomain.CaptureResult{Status: paymentdomain.CaptureStatusSucceeded, Provider: "none"}
		s.record(ctx, req, result)
		return result, nil
	}

	if s.charger == nil {
		return paymentdomain.CaptureResult{}, paymentdomain.ErrProviderNotConfigured
	}

	chargeCtx, cancel := detached(ctx)
	defer cancel()
	result, err := s.charger.Charge(chargeCtx, req)
	if err != nil {
		s.record(ctx, req, paymentdomain.CaptureResult{
			Status:      paymentdomain.CaptureStatusFailed,
			Provider:    s.provider,
			FailureCode: "provider_error",
		})
		return paymentdomain.CaptureResult{}, err
	}
	if result.Provider == "" {
		result.Provider = s.provider
	}
	s.record(ctx, req, result)
	return result, nil
}

// resolvePending settles the charge an earlier attempt left pending. A failed
// resolution is returned as is; the next attempt charges afresh.
func (s *Service) resolvePending(ctx context.Context, req paymentdomain.CaptureRequest, pending *paymentdomain.Attempt) (paymentdomain.CaptureResult, error) {
	if s.charger == nil {
		return paymentdomain.CaptureResult{}, paymentdomain.ErrProviderNotConfigured
	}

	resolveCtx, cancel := detached(ctx)
	defer cancel()

	var (
		result paymentdomain.CaptureResult
		err    error
	)
	if resolver, ok := s.charger.(paymentdomain.Resolver); ok && pending.ProviderReference != "" {
		result, err = resolver.Resolve(resolveCtx, pending.ProviderReference)
	} else {
		replay := req
		replay.IdempotencyKey = pending.IdempotencyKey
		result, err = s.charger.Charge(resolveCtx, replay)
	}
	if err != nil {
		return paymentdomain.CaptureResult{}, err
	}
	if result.Provider == "" {
		result.Provider = pending.Provider
	}
	if result.ProviderReference == "" {
		result.ProviderReference = pending.ProviderReference
	}

	s.log.Info("pending capture resolved",
		zap.String("order_id", req.OrderID.String()),
		zap.String("idempotency_key", pending.IdempotencyKey),
		zap.String("status", string(result.Status)),
	)
	if result.Status != paymentdomain.CaptureStatusPending {
		if err := s.repo.SettleAttempt(resolveCtx, s.db, pending.ID, result); err != nil {
			s.log.Warn("failed to settle payment attempt",
				zap.String("order_id", req.OrderID.String()),
				zap.Error(err),
			)
		}
	}
	return result, nil
}

func (s *Service) record(ctx context.Context, req paymentdomain.CaptureRequest, result paymentdomain.CaptureResult) {
	ctx, cancel := detached(ctx)
	defer cancel()

	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	attempt := paymentdomain.Attempt{
		ID:                s.genID.Generate(),
		TenantID:          req.TenantID,
		OrderID:           req.OrderID,
		IdempotencyKey:    req.IdempotencyKey,
		Provider:          result.Provider,
		Status:            result.Status,
		ProviderReference: result.ProviderReference,
		FailureCode:       result.FailureCode,
		Amount:            req.Amount,
		Currency:          strings.ToUpper(req.Currency),
		Metadata:          metadata,
		CreatedAt:         s.clock.Now(),
	}
	if attempt.IdempotencyKey == "" {
		attempt.IdempotencyKey = attempt.ID.String()
	}
	if _, err := s.repo.InsertAttempt(ctx, s.db, &attempt); err != nil {
		s.log.Warn("failed to record payment attempt",
			zap.String("order_id", req.OrderID.String()),
			zap.Error(err),
		)
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), providerTimeout)
}
