package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dexroute/dexroute/internal/venue"
)

// stubVenue is a deterministic adapter for routing tests.
type stubVenue struct {
	name      string
	amountOut decimal.Decimal
	err       error
	delay     time.Duration
}

func (s *stubVenue) Name() string { return s.name }

func (s *stubVenue) Quote(ctx context.Context, amountIn, basePrice decimal.Decimal) (venue.Quote, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return venue.Quote{}, ctx.Err()
		}
	}
	if s.err != nil {
		return venue.Quote{}, s.err
	}
	return venue.Quote{Venue: s.name, Price: basePrice, AmountOut: s.amountOut}, nil
}

func (s *stubVenue) Execute(ctx context.Context) (string, error) {
	return s.name + "_tx", nil
}

func newTestRouter(timeout time.Duration, venues ...venue.Adapter) *Router {
	return New(
		venue.NewRegistry(venues...),
		timeout,
		zap.NewNop(),
		WithBasePrice(func() decimal.Decimal { return decimal.NewFromInt(100) }),
	)
}

func TestSelectBestRoutePicksGreatestNetOutput(t *testing.T) {
	r := newTestRouter(time.Second,
		&stubVenue{name: "A", amountOut: decimal.NewFromFloat(9.7)},
		&stubVenue{name: "B", amountOut: decimal.NewFromFloat(10.1)},
	)

	q, err := r.SelectBestRoute(context.Background(), decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, "B", q.Venue)
	assert.True(t, q.AmountOut.Equal(decimal.NewFromFloat(10.1)))
}

func TestSelectBestRouteTieBreaksByRegistryOrder(t *testing.T) {
	r := newTestRouter(time.Second,
		&stubVenue{name: "first", amountOut: decimal.NewFromInt(10)},
		&stubVenue{name: "second", amountOut: decimal.NewFromInt(10)},
	)

	q, err := r.SelectBestRoute(context.Background(), decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, "first", q.Venue)
}

func TestSelectBestRouteDisqualifiesSlowVenue(t *testing.T) {
	r := newTestRouter(50*time.Millisecond,
		&stubVenue{name: "slow", amountOut: decimal.NewFromInt(100), delay: time.Second},
		&stubVenue{name: "fast", amountOut: decimal.NewFromInt(1)},
	)

	q, err := r.SelectBestRoute(context.Background(), decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, "fast", q.Venue)
}

func TestSelectBestRouteNoRoute(t *testing.T) {
	r := newTestRouter(50*time.Millisecond,
		&stubVenue{name: "down", err: errors.New("venue unavailable")},
		&stubVenue{name: "slow", amountOut: decimal.NewFromInt(10), delay: time.Second},
	)

	_, err := r.SelectBestRoute(context.Background(), decimal.NewFromInt(10))
	assert.ErrorIs(t, err, ErrNoRoute)
}
