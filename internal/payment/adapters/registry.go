package adapters

import (
	"strings"

	"github.com/smallbiznis/recurring/internal/payment/domain"
)

// ProviderDisabled turns automatic capture off entirely.
const ProviderDisabled = "disabled"

type Registry struct {
	factories map[string]domain.AdapterFactory
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{factories: map[string]domain.AdapterFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

// NewAdapter builds the charger for cfg.Provider. The disabled provider
// yields a nil charger and no error.
func (r *Registry) NewAdapter(cfg domain.AdapterConfig) (domain.Charger, error) {
	provider := normalize(cfg.Provider)
	if provider == "" || provider == ProviderDisabled {
		return nil, nil
	}
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return factory.NewAdapter(cfg)
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
