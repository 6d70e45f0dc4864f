// Package venue defines the execution venue contract and the registry of
// interchangeable adapters the router selects from.
package venue

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Quote is one venue's offer for a given input amount. Ephemeral: produced
// by an adapter, consumed by the router, then discarded.
type Quote struct {
	Venue     string          `json:"venue"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	AmountOut decimal.Decimal `json:"amount_out"`
}

// Adapter is the two-operation venue contract. Quote never fails under
// normal operation; Execute fails with *ExecutionError at a small
// venue-specific probability. New venues plug in without router or worker
// changes.
type Adapter interface {
	Name() string
	Quote(ctx context.Context, amountIn, basePrice decimal.Decimal) (Quote, error)
	Execute(ctx context.Context) (string, error)
}

// ExecutionError reports a failed trade execution at a venue.
type ExecutionError struct {
	Venue string
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s execution failed: %v", e.Venue, e.Err)
	}
	return fmt.Sprintf("%s execution failed", e.Venue)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Registry holds the venue adapters in a fixed preference order. The order
// is the deterministic tie-break for equal quotes.
type Registry struct {
	adapters []Adapter
	byName   map[string]Adapter
}

// NewRegistry builds a registry from adapters in preference order.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: adapters,
		byName:   make(map[string]Adapter, len(adapters)),
	}
	for _, a := range adapters {
		r.byName[a.Name()] = a
	}
	return r
}

// Adapters returns the registered adapters in preference order.
func (r *Registry) Adapters() []Adapter {
	return r.adapters
}

// Get returns the adapter with the given name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", name)
	}
	return a, nil
}
