package payment

import (
	"github.com/smallbiznis/recurring/internal/config"
	"github.com/smallbiznis/recurring/internal/payment/adapters"
	"github.com/smallbiznis/recurring/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/recurring/internal/payment/domain"
	"github.com/smallbiznis/recurring/internal/payment/repository"
	paymentservice "github.com/smallbiznis/recurring/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
		)
	}),
	fx.Provide(ProvideAdapterConfig),
	fx.Provide(paymentservice.NewService),
)

func ProvideAdapterConfig(cfg config.Config) paymentdomain.AdapterConfig {
	return paymentdomain.AdapterConfig{
		Provider:  cfg.PaymentProvider,
		SecretKey: cfg.StripeSecretKey,
	}
}
