package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurring/internal/clock"
	"github.com/smallbiznis/recurring/internal/order/domain"
	"github.com/smallbiznis/recurring/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("order.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, input domain.CreateOrderInput) (*domain.Order, error) {
	if len(input.Items) == 0 {
		return nil, domain.ErrEmptyOrder
	}

	now := s.clock.Now()
	metadata := datatypes.JSONMap{}
	for k, v := range input.Metadata {
		metadata[k] = v
	}

	cycleID := input.BillingCycleID
	order := domain.Order{
		ID:             s.genID.Generate(),
		TenantID:       input.TenantID,
		CustomerID:     input.CustomerID,
		RegionID:       input.RegionID,
		Email:          input.Email,
		CurrencyCode:   strings.ToUpper(strings.TrimSpace(input.CurrencyCode)),
		Status:         domain.OrderStatusDraft,
		BillingCycleID: &cycleID,
		Subtotal:       input.Subtotal,
		TaxTotal:       input.TaxTotal,
		Total:          input.Total,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, item := range input.Items {
		if strings.TrimSpace(item.VariantID) == "" || item.Quantity <= 0 {
			return nil, domain.ErrInvalidItem
		}
		order.Items = append(order.Items, domain.OrderItem{
			ID:        s.genID.Generate(),
			OrderID:   order.ID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			CreatedAt: now,
		})
	}

	if err := s.repo.Insert(ctx, s.db, &order); err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return nil, err
		}
		// a concurrent attempt already materialized this cycle
		existing, findErr := s.repo.FindByBillingCycleID(ctx, s.db, cycleID)
		if findErr != nil {
			return nil, errors.Join(err, findErr)
		}
		if existing == nil {
			return nil, err
		}
		return existing, nil
	}
	s.log.Debug("draft order created",
		zap.String("order_id", order.ID.String()),
		zap.String("billing_cycle_id", cycleID.String()),
		zap.Int("items", len(order.Items)),
	)
	return &order, nil
}

func (s *Service) Delete(ctx context.Context, id snowflake.ID) error {
	return s.repo.Delete(ctx, s.db, id)
}

func (s *Service) FindByBillingCycleID(ctx context.Context, billingCycleID snowflake.ID) (*domain.Order, error) {
	return s.repo.FindByBillingCycleID(ctx, s.db, billingCycleID)
}
