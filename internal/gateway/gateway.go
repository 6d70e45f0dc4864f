// Package gateway serves per-order event streams: full history replay
// followed by live events, exactly once each.
package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dexroute/dexroute/internal/models"
	"github.com/dexroute/dexroute/internal/notifier"
	"github.com/dexroute/dexroute/internal/store"
)

// Gateway bridges the durable event log and the live notifier into one
// gapless stream per subscriber.
type Gateway struct {
	store    *store.Store
	notifier *notifier.Notifier
	logger   *zap.Logger
}

// New creates a Gateway.
func New(st *store.Store, n *notifier.Notifier, logger *zap.Logger) *Gateway {
	return &Gateway{store: st, notifier: n, logger: logger}
}

// Subscription is one observer's stream. Events carries history in order,
// then live events; it closes when the subscription ends. Close releases
// the underlying notifier registration and is safe to call more than once.
type Subscription struct {
	Events <-chan models.Event

	done    chan struct{}
	once    sync.Once
	closeFn func()
}

// Close ends the subscription.
func (s *Subscription) Close() { s.once.Do(s.closeFn) }

// Subscribe opens a stream for one order. The live registration happens
// before the history read; live events already covered by history are
// filtered by sequence number, so an event published during the read
// appears exactly once.
func (g *Gateway) Subscribe(ctx context.Context, orderID uuid.UUID) (*Subscription, error) {
	live := g.notifier.Subscribe(orderID)

	history, err := g.store.Events(ctx, orderID)
	if err != nil {
		g.notifier.Unsubscribe(orderID, live)
		return nil, err
	}

	out := make(chan models.Event, len(history)+16)
	done := make(chan struct{})
	sub := &Subscription{Events: out, done: done}

	sub.closeFn = func() {
		close(done)
		g.notifier.Unsubscribe(orderID, live)
	}

	go func() {
		defer close(out)
		var lastSeq uint64
		for _, ev := range history {
			lastSeq = ev.Seq
			select {
			case out <- ev.Wire():
			case <-done:
				return
			}
		}
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.Seq <= lastSeq {
					continue // already delivered via history
				}
				select {
				case out <- ev:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	g.logger.Debug("subscription opened",
		zap.String("order_id", orderID.String()),
		zap.Int("history", len(history)),
	)
	return sub, nil
}
