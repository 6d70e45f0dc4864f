package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Simulated is a venue adapter with randomized market, latency, and failure
// behavior. It stands in for a real liquidity venue integration.
type Simulated struct {
	name        string
	txPrefix    string
	feeRate     decimal.Decimal
	failureRate float64

	quoteDelayMin time.Duration
	quoteDelayMax time.Duration
	execDelayMin  time.Duration
	execDelayMax  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customizes a simulated venue, mainly to make tests deterministic
// and fast.
type Option func(*Simulated)

// WithRand replaces the randomness source.
func WithRand(rng *rand.Rand) Option {
	return func(s *Simulated) { s.rng = rng }
}

// WithQuoteLatency overrides the simulated quote latency range.
func WithQuoteLatency(min, max time.Duration) Option {
	return func(s *Simulated) { s.quoteDelayMin, s.quoteDelayMax = min, max }
}

// WithExecLatency overrides the simulated execution latency range.
func WithExecLatency(min, max time.Duration) Option {
	return func(s *Simulated) { s.execDelayMin, s.execDelayMax = min, max }
}

// WithFailureRate overrides the execution failure probability.
func WithFailureRate(rate float64) Option {
	return func(s *Simulated) { s.failureRate = rate }
}

// NewSimulated creates a simulated venue with the given fee rate (fraction
// of the input amount) and execution failure probability.
func NewSimulated(name, txPrefix string, feeRate decimal.Decimal, failureRate float64, opts ...Option) *Simulated {
	s := &Simulated{
		name:          name,
		txPrefix:      txPrefix,
		feeRate:       feeRate,
		failureRate:   failureRate,
		quoteDelayMin: 200 * time.Millisecond,
		quoteDelayMax: 400 * time.Millisecond,
		execDelayMin:  2 * time.Second,
		execDelayMax:  3 * time.Second,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRaydium creates the Raydium simulator: 0.3% fee, 5% execution failure.
func NewRaydium(opts ...Option) *Simulated {
	return NewSimulated("Raydium", "RAY_", decimal.NewFromFloat(0.003), 0.05, opts...)
}

// NewMeteora creates the Meteora simulator: zero fee, 3% execution failure.
func NewMeteora(opts ...Option) *Simulated {
	return NewSimulated("Meteora", "MET_", decimal.Zero, 0.03, opts...)
}

func (s *Simulated) Name() string { return s.name }

// Quote simulates a price quote: latency in the configured range, price
// variance of 0.98x to 1.02x around the base price, fee deducted from the
// output. Never fails on its own; only context cancellation aborts it.
func (s *Simulated) Quote(ctx context.Context, amountIn, basePrice decimal.Decimal) (Quote, error) {
	if err := s.sleep(ctx, s.quoteDelayMin, s.quoteDelayMax); err != nil {
		return Quote{}, err
	}

	variance := decimal.NewFromFloat(0.98 + s.float()*0.04)
	price := basePrice.Mul(variance)
	fee := amountIn.Mul(s.feeRate)
	amountOut := amountIn.Mul(price).Sub(fee)

	return Quote{
		Venue:     s.name,
		Price:     price,
		Fee:       fee,
		AmountOut: amountOut,
	}, nil
}

// Execute simulates trade execution and returns a transaction hash, failing
// with *ExecutionError at the venue's failure probability.
func (s *Simulated) Execute(ctx context.Context) (string, error) {
	if err := s.sleep(ctx, s.execDelayMin, s.execDelayMax); err != nil {
		return "", err
	}
	if s.float() < s.failureRate {
		return "", &ExecutionError{Venue: s.name}
	}
	return fmt.Sprintf("%s%08x", s.txPrefix, s.uint32()), nil
}

func (s *Simulated) sleep(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d += time.Duration(s.int63n(int64(max - min)))
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulated) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulated) uint32() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Uint32()
}

func (s *Simulated) int63n(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Int63n(n)
}
