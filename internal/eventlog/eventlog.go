// Package eventlog records order state transitions: durable append first,
// live publish second.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dexroute/dexroute/internal/notifier"
	"github.com/dexroute/dexroute/internal/store"
	"github.com/dexroute/dexroute/pkg/metrics"
)

// Log appends order events and notifies subscribers. The append is durable
// before the publish happens, so a history query issued concurrently with a
// live delivery can never miss the delivered event.
type Log struct {
	store    *store.Store
	notifier *notifier.Notifier
	logger   *zap.Logger
}

// New creates a Log.
func New(st *store.Store, n *notifier.Notifier, logger *zap.Logger) *Log {
	return &Log{store: st, notifier: n, logger: logger}
}

// Record appends one status transition with its detail payload, updates the
// order's current status, then publishes the event to live subscribers.
func (l *Log) Record(ctx context.Context, orderID uuid.UUID, status string, detail map[string]interface{}) error {
	if detail == nil {
		detail = map[string]interface{}{}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal event detail: %w", err)
	}

	event, err := l.store.AppendEvent(ctx, orderID, status, payload)
	if err != nil {
		return err
	}

	l.notifier.Publish(ctx, event.Wire())
	metrics.EventsPublished.WithLabelValues(status).Inc()

	l.logger.Debug("order event recorded",
		zap.String("order_id", orderID.String()),
		zap.String("status", status),
		zap.Uint64("seq", event.Seq),
	)
	return nil
}
