// Package application contains use-case orchestration services.
package application

import (
	"fmt"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/domain/port/driven"
)

// Providers indexes the configured adapters by provider. A provider
// without an adapter is reported as not linked and cannot be linked.
type Providers map[model.Provider]driven.ProviderAdapter

// NewProviders builds the index from a list of adapters.
func NewProviders(adapters ...driven.ProviderAdapter) Providers {
	out := make(Providers, len(adapters))
	for _, a := range adapters {
		out[a.Provider()] = a
	}
	return out
}

func (ps Providers) get(p model.Provider) (driven.ProviderAdapter, error) {
	a, ok := ps[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", model.ErrUnknownProvider, p)
	}
	return a, nil
}

// ClientInvalidator drops cached provider clients for an account.
type ClientInvalidator interface {
	Invalidate(accountID string, p model.Provider)
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(string, model.Provider) {}
