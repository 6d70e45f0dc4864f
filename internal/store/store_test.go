package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexroute/dexroute/internal/database"
	"github.com/dexroute/dexroute/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return New(db)
}

func newTestOrder(t *testing.T, s *Store) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:          uuid.New(),
		TokenIn:     "SOL",
		TokenOut:    "USDC",
		AmountIn:    decimal.NewFromInt(10),
		SlippagePct: decimal.NewFromFloat(0.5),
		Status:      models.StatusPending,
	}
	require.NoError(t, s.CreateOrder(context.Background(), order))
	return order
}

func TestAppendEventAssignsIncreasingSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	order := newTestOrder(t, s)

	statuses := []string{models.StatusPending, models.StatusRouting, models.StatusRoutingComplete}
	var lastSeq uint64
	for _, status := range statuses {
		ev, err := s.AppendEvent(ctx, order.ID, status, []byte(`{}`))
		require.NoError(t, err)
		assert.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
	}

	events, err := s.Events(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, statuses[i], ev.Status)
	}
}

func TestAppendEventUpdatesOrderStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	order := newTestOrder(t, s)

	_, err := s.AppendEvent(ctx, order.ID, models.StatusPending, []byte(`{}`))
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, order.ID, models.StatusRouting, []byte(`{}`))
	require.NoError(t, err)

	loaded, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRouting, loaded.Status)
}

func TestAppendEventRejectsIllegalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	order := newTestOrder(t, s)

	_, err := s.AppendEvent(ctx, order.ID, models.StatusPending, []byte(`{}`))
	require.NoError(t, err)

	_, err = s.AppendEvent(ctx, order.ID, models.StatusConfirmed, []byte(`{}`))
	assert.ErrorIs(t, err, ErrIllegalTransition)

	// First event must be pending.
	other := newTestOrder(t, s)
	_, err = s.AppendEvent(ctx, other.ID, models.StatusRouting, []byte(`{}`))
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestNextAttemptNoFollowsDurableCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	order := newTestOrder(t, s)

	n, err := s.NextAttemptNo(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.CreateAttempt(ctx, &models.OrderAttempt{
		OrderID:   order.ID,
		AttemptNo: 1,
		Result:    models.AttemptFailure,
		Error:     "venue down",
	}))

	n, err = s.NextAttemptNo(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.CreateAttempt(ctx, &models.OrderAttempt{
		OrderID:   order.ID,
		AttemptNo: 2,
		Result:    models.AttemptSuccess,
		TxHash:    "RAY_deadbeef",
	}))

	attempts, err := s.Attempts(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNo)
	assert.Equal(t, 2, attempts[1].AttemptNo)
}
