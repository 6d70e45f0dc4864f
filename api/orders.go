package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dexroute/dexroute/internal/models"
	"github.com/dexroute/dexroute/internal/queue"
	"github.com/dexroute/dexroute/internal/worker"
	"github.com/dexroute/dexroute/pkg/metrics"
)

// CreateOrderRequest is the submission payload.
type CreateOrderRequest struct {
	TokenIn     string  `json:"token_in" binding:"required"`
	TokenOut    string  `json:"token_out" binding:"required"`
	AmountIn    float64 `json:"amount_in" binding:"required,gt=0"`
	SlippagePct float64 `json:"slippage_pct" binding:"gte=0,lte=100"`
}

// submitOrder validates and accepts a new order: persist it as pending,
// record the pending event, and enqueue the execution job.
func (s *Server) submitOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order := &models.Order{
		ID:          uuid.New(),
		TokenIn:     req.TokenIn,
		TokenOut:    req.TokenOut,
		AmountIn:    decimal.NewFromFloat(req.AmountIn),
		SlippagePct: decimal.NewFromFloat(req.SlippagePct),
		Status:      models.StatusPending,
	}

	ctx := c.Request.Context()
	if err := s.store.CreateOrder(ctx, order); err != nil {
		s.logger.Error("failed to persist order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create order"})
		return
	}

	if err := s.eventLog.Record(ctx, order.ID, models.StatusPending, map[string]interface{}{
		"token_in":  order.TokenIn,
		"token_out": order.TokenOut,
		"amount_in": order.AmountIn,
	}); err != nil {
		s.logger.Error("failed to record pending event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create order"})
		return
	}

	payload, err := json.Marshal(worker.OrderJob{
		OrderID:  order.ID,
		TokenIn:  order.TokenIn,
		TokenOut: order.TokenOut,
		AmountIn: order.AmountIn,
	})
	if err != nil {
		s.logger.Error("failed to marshal order job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue order"})
		return
	}

	job := queue.Job{
		OrderID: order.ID.String(),
		Payload: payload,
	}
	if err := s.queue.Submit(ctx, job, s.retryPolicy); err != nil {
		s.logger.Error("failed to submit order job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue order"})
		return
	}

	metrics.OrdersSubmitted.Inc()
	c.JSON(http.StatusAccepted, gin.H{
		"order_id": order.ID,
		"status":   models.StatusPending,
	})
}

func (s *Server) getOrder(c *gin.Context) {
	orderID, ok := s.orderID(c)
	if !ok {
		return
	}
	order, err := s.store.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load order"})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) listOrderEvents(c *gin.Context) {
	orderID, ok := s.orderID(c)
	if !ok {
		return
	}
	events, err := s.store.Events(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load order events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "events": events})
}

// serveOrderStream upgrades to WebSocket and streams replay-then-live
// events for one order.
func (s *Server) serveOrderStream(c *gin.Context) {
	orderID, ok := s.orderID(c)
	if !ok {
		return
	}
	s.hub.ServeOrder(c.Writer, c.Request, orderID)
}

func (s *Server) orderID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return uuid.Nil, false
	}
	return id, true
}
