// Package ws serves order event streams over WebSocket.
package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dexroute/dexroute/internal/gateway"
	"github.com/dexroute/dexroute/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Hub upgrades HTTP connections and pipes a gateway subscription to each
// client: full history first, then live events until disconnect.
type Hub struct {
	gateway  *gateway.Gateway
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHub creates a Hub over the subscription gateway.
func NewHub(gw *gateway.Gateway, logger *zap.Logger) *Hub {
	return &Hub{
		gateway: gw,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeOrder upgrades the connection and streams one order's events.
func (h *Hub) ServeOrder(w http.ResponseWriter, r *http.Request, orderID uuid.UUID) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub, err := h.gateway.Subscribe(r.Context(), orderID)
	if err != nil {
		h.logger.Error("failed to open subscription",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"))
		conn.Close()
		return
	}

	metrics.WSSubscribers.Inc()
	go h.writePump(conn, sub, orderID)
	go h.readPump(conn, sub)
}

// writePump forwards subscription events and heartbeats to the client.
func (h *Hub) writePump(conn *websocket.Conn, sub *gateway.Subscription, orderID uuid.UUID) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
		metrics.WSSubscribers.Dec()
	}()
	for {
		select {
		case event, ok := <-sub.Events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("subscriber write failed",
					zap.String("order_id", orderID.String()),
					zap.Error(err),
				)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and detects disconnects.
func (h *Hub) readPump(conn *websocket.Conn, sub *gateway.Subscription) {
	defer func() {
		sub.Close()
		conn.Close()
	}()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
