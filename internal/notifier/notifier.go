// Package notifier fans order events out to live subscribers through an
// explicit per-order registry, with an optional redis mirror for external
// consumers.
package notifier

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dexroute/dexroute/internal/models"
)

// subscriberBuffer bounds a subscriber channel. An order lifecycle emits a
// handful of events per attempt, so a subscriber keeping up at all never
// hits the bound.
const subscriberBuffer = 256

// Notifier delivers published events to every channel subscribed to the
// event's order. Publishing never blocks: a subscriber whose buffer is full
// is dropped and its channel closed.
type Notifier struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[chan models.Event]struct{}

	rdb    redis.UniversalClient
	logger *zap.Logger
}

// Option customizes a Notifier.
type Option func(*Notifier)

// WithRedis mirrors every published event to the redis channel
// "order:<id>", so processes outside this one can observe live streams.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(n *Notifier) { n.rdb = rdb }
}

// New creates a Notifier.
func New(logger *zap.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		subs:   make(map[uuid.UUID]map[chan models.Event]struct{}),
		logger: logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Channel names the redis channel carrying an order's live events.
func Channel(orderID uuid.UUID) string {
	return "order:" + orderID.String()
}

// Subscribe registers a new subscriber channel for an order.
func (n *Notifier) Subscribe(orderID uuid.UUID) chan models.Event {
	ch := make(chan models.Event, subscriberBuffer)
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.subs[orderID]
	if !ok {
		set = make(map[chan models.Event]struct{})
		n.subs[orderID] = set
	}
	set[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber channel and closes it. Safe to call
// after the notifier already dropped the channel.
func (n *Notifier) Unsubscribe(orderID uuid.UUID, ch chan models.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removeLocked(orderID, ch)
}

func (n *Notifier) removeLocked(orderID uuid.UUID, ch chan models.Event) {
	set, ok := n.subs[orderID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(n.subs, orderID)
	}
	close(ch)
}

// Publish delivers an event to every subscriber of its order and, when
// configured, mirrors it to redis. Mirror failures are logged, never
// propagated: the durable record already exists by the time Publish runs.
func (n *Notifier) Publish(ctx context.Context, event models.Event) {
	n.mu.Lock()
	if set, ok := n.subs[event.OrderID]; ok {
		for ch := range set {
			select {
			case ch <- event:
			default:
				n.logger.Warn("dropping slow subscriber",
					zap.String("order_id", event.OrderID.String()),
				)
				n.removeLocked(event.OrderID, ch)
			}
		}
	}
	n.mu.Unlock()

	if n.rdb != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			n.logger.Error("failed to marshal event for redis mirror", zap.Error(err))
			return
		}
		if err := n.rdb.Publish(ctx, Channel(event.OrderID), payload).Err(); err != nil {
			n.logger.Error("failed to mirror event to redis",
				zap.String("order_id", event.OrderID.String()),
				zap.Error(err),
			)
		}
	}
}

// NewRedisClient builds the redis client used for the event mirror.
func NewRedisClient(addr, password string, db int) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}
