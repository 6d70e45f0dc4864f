// Package router selects the execution venue yielding the greatest net
// output for an order.
package router

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dexroute/dexroute/internal/venue"
	"github.com/dexroute/dexroute/pkg/metrics"
)

// ErrNoRoute is returned when every venue failed or timed out during a
// routing pass.
var ErrNoRoute = errors.New("no route available")

// Router queries all registered venues concurrently and picks the quote
// with the strictly greatest net output. Ties resolve to the earlier venue
// in registry order, so routing is reproducible.
type Router struct {
	registry *venue.Registry
	timeout  time.Duration
	logger   *zap.Logger

	// basePrice supplies the reference price shared by all venues within a
	// single routing pass.
	basePrice func() decimal.Decimal

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customizes router construction.
type Option func(*Router)

// WithBasePrice overrides the per-pass base price source.
func WithBasePrice(fn func() decimal.Decimal) Option {
	return func(r *Router) { r.basePrice = fn }
}

// New creates a Router. timeout bounds how long a routing pass waits for
// slow venues; a venue that does not answer in time is disqualified.
func New(registry *venue.Registry, timeout time.Duration, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.basePrice = r.simulatedBasePrice
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SelectBestRoute quotes every venue concurrently and returns the best
// quote. Fails with ErrNoRoute only when no venue produced a quote before
// the timeout.
func (r *Router) SelectBestRoute(ctx context.Context, amountIn decimal.Decimal) (venue.Quote, error) {
	start := time.Now()
	defer func() { metrics.RoutingLatency.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	adapters := r.registry.Adapters()
	base := r.basePrice()
	quotes := make([]*venue.Quote, len(adapters))

	var g errgroup.Group
	for i, a := range adapters {
		i, a := i, a
		g.Go(func() error {
			q, err := a.Quote(ctx, amountIn, base)
			if err != nil {
				// A slow or failed venue is disqualified, not fatal to the pass.
				r.logger.Warn("venue quote unavailable",
					zap.String("venue", a.Name()),
					zap.Error(err),
				)
				return nil
			}
			quotes[i] = &q
			return nil
		})
	}
	g.Wait()

	var best *venue.Quote
	for _, q := range quotes {
		if q == nil {
			continue
		}
		if best == nil || q.AmountOut.GreaterThan(best.AmountOut) {
			best = q
		}
	}
	if best == nil {
		return venue.Quote{}, ErrNoRoute
	}

	r.logger.Debug("route selected",
		zap.String("venue", best.Venue),
		zap.String("amount_out", best.AmountOut.String()),
	)
	return *best, nil
}

// simulatedBasePrice mirrors the mock market: 100 to 110 per unit.
func (r *Router) simulatedBasePrice() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return decimal.NewFromFloat(100 + r.rng.Float64()*10)
}
