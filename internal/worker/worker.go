// Package worker drives the order execution state machine for each
// delivered job: route, execute, and record every transition.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dexroute/dexroute/internal/eventlog"
	"github.com/dexroute/dexroute/internal/models"
	"github.com/dexroute/dexroute/internal/queue"
	"github.com/dexroute/dexroute/internal/router"
	"github.com/dexroute/dexroute/internal/store"
	"github.com/dexroute/dexroute/internal/venue"
	"github.com/dexroute/dexroute/pkg/metrics"
)

// OrderJob is the queue payload for one order execution.
type OrderJob struct {
	OrderID  uuid.UUID       `json:"order_id"`
	TokenIn  string          `json:"token_in"`
	TokenOut string          `json:"token_out"`
	AmountIn decimal.Decimal `json:"amount_in"`
}

// Worker processes order jobs. One Handle invocation is one attempt: it
// drives routing -> routing_complete -> submitted -> confirmed|failed,
// recording each transition through the event log before the next step.
// Attempt numbering comes from the durable attempt count, so redelivery to
// another worker instance continues the sequence.
type Worker struct {
	store    *store.Store
	log      *eventlog.Log
	router   *router.Router
	registry *venue.Registry
	logger   *zap.Logger
}

// New creates a Worker.
func New(st *store.Store, log *eventlog.Log, r *router.Router, reg *venue.Registry, logger *zap.Logger) *Worker {
	return &Worker{store: st, log: log, router: r, registry: reg, logger: logger}
}

// Handle is the queue handler. Routing and execution failures are recorded
// as events and attempt rows, then re-raised so the queue's retry policy
// can act: execution failures are retryable, unroutable orders are fatal.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var oj OrderJob
	if err := json.Unmarshal(job.Payload, &oj); err != nil {
		return queue.Fatal(fmt.Errorf("malformed order job payload: %w", err))
	}

	attemptNo, err := w.store.NextAttemptNo(ctx, oj.OrderID)
	if err != nil {
		return queue.Retryable(err)
	}

	logger := w.logger.With(
		zap.String("order_id", oj.OrderID.String()),
		zap.Int("attempt", attemptNo),
	)
	logger.Info("processing order")

	if err := w.log.Record(ctx, oj.OrderID, models.StatusRouting, map[string]interface{}{
		"attempt": attemptNo,
	}); err != nil {
		return queue.Retryable(err)
	}

	quote, err := w.router.SelectBestRoute(ctx, oj.AmountIn)
	if err != nil {
		if errors.Is(err, router.ErrNoRoute) {
			// Every venue failed or timed out. Retrying an unroutable order
			// burns attempts without new information, so this one is final.
			w.recordFailure(ctx, oj.OrderID, attemptNo, models.ReasonNoRoute, err)
			return queue.Fatal(err)
		}
		return queue.Retryable(err)
	}

	if err := w.log.Record(ctx, oj.OrderID, models.StatusRoutingComplete, map[string]interface{}{
		"venue":      quote.Venue,
		"price":      quote.Price,
		"fee":        quote.Fee,
		"amount_out": quote.AmountOut,
	}); err != nil {
		return queue.Retryable(err)
	}

	adapter, err := w.registry.Get(quote.Venue)
	if err != nil {
		return queue.Fatal(err)
	}

	if err := w.log.Record(ctx, oj.OrderID, models.StatusSubmitted, map[string]interface{}{
		"venue": quote.Venue,
	}); err != nil {
		return queue.Retryable(err)
	}

	start := time.Now()
	txHash, err := adapter.Execute(ctx)
	metrics.ExecutionLatency.WithLabelValues(quote.Venue).Observe(time.Since(start).Seconds())
	if err != nil {
		w.recordFailure(ctx, oj.OrderID, attemptNo, models.ReasonExecutionFailed, err)
		return queue.Retryable(err)
	}

	if err := w.log.Record(ctx, oj.OrderID, models.StatusConfirmed, map[string]interface{}{
		"venue":      quote.Venue,
		"tx_hash":    txHash,
		"amount_out": quote.AmountOut,
	}); err != nil {
		return queue.Retryable(err)
	}

	if err := w.store.CreateAttempt(ctx, &models.OrderAttempt{
		OrderID:   oj.OrderID,
		AttemptNo: attemptNo,
		Result:    models.AttemptSuccess,
		TxHash:    txHash,
	}); err != nil {
		logger.Error("failed to record successful attempt", zap.Error(err))
	}

	metrics.OrdersFinished.WithLabelValues(models.StatusConfirmed).Inc()
	logger.Info("order confirmed",
		zap.String("venue", quote.Venue),
		zap.String("tx_hash", txHash),
		zap.String("amount_out", quote.AmountOut.String()),
	)
	return nil
}

// OnTerminalFailure observes the queue's final verdict once retries are
// exhausted. The failed event for the last attempt is already recorded, and
// no event ever follows it; this is the operator-facing trace.
func (w *Worker) OnTerminalFailure(job queue.Job, err error) {
	metrics.OrdersFinished.WithLabelValues(models.StatusFailed).Inc()
	w.logger.Error("order permanently failed",
		zap.String("order_id", job.OrderID),
		zap.Int("attempts", job.Attempt),
		zap.Error(err),
	)
}

// recordFailure writes the failed event and the failure attempt row for the
// current attempt. Errors here are logged rather than propagated so the
// original failure keeps driving the retry decision.
func (w *Worker) recordFailure(ctx context.Context, orderID uuid.UUID, attemptNo int, reason string, cause error) {
	if err := w.log.Record(ctx, orderID, models.StatusFailed, map[string]interface{}{
		"reason":  reason,
		"error":   cause.Error(),
		"attempt": attemptNo,
	}); err != nil {
		w.logger.Error("failed to record failure event",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
	}
	if err := w.store.CreateAttempt(ctx, &models.OrderAttempt{
		OrderID:   orderID,
		AttemptNo: attemptNo,
		Result:    models.AttemptFailure,
		Error:     cause.Error(),
	}); err != nil {
		w.logger.Error("failed to record failure attempt",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
	}
}
