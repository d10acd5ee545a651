package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurring/internal/customer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("customer.service"),
		repo: p.Repo,
	}
}

func (s *Service) GetCustomer(ctx context.Context, id snowflake.ID) (domain.Lookup, error) {
	customer, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Lookup{}, err
	}
	if customer == nil || customer.RegionID == "" {
		return domain.Lookup{}, domain.ErrCustomerNotFound
	}
	return customer.ToLookup(), nil
}
