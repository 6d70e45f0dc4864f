// orderwatch submits one order and follows its event stream until the order
// confirms. Failed attempts are printed and watching continues, since the
// engine may still retry.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type submitResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type orderEvent struct {
	OrderID   string          `json:"order_id"`
	Status    string          `json:"status"`
	Detail    json.RawMessage `json:"detail"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
}

func main() {
	apiURL := flag.String("api", "http://127.0.0.1:3000", "engine base URL")
	wsURL := flag.String("ws", "ws://127.0.0.1:3000", "engine WebSocket base URL")
	tokenIn := flag.String("token-in", "SOL", "input token")
	tokenOut := flag.String("token-out", "USDC", "output token")
	amountIn := flag.Float64("amount", 10, "input amount")
	slippage := flag.Float64("slippage", 0.5, "slippage tolerance percent")
	flag.Parse()

	body, _ := json.Marshal(map[string]interface{}{
		"token_in":     *tokenIn,
		"token_out":    *tokenOut,
		"amount_in":    *amountIn,
		"slippage_pct": *slippage,
	})

	resp, err := http.Post(*apiURL+"/api/v1/orders", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("submit failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		log.Fatalf("submit rejected: %s", resp.Status)
	}

	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		log.Fatalf("bad submit response: %v", err)
	}
	fmt.Printf("order created: %s\n", submitted.OrderID)

	conn, _, err := websocket.DefaultDialer.Dial(*wsURL+"/ws/orders/"+submitted.OrderID, nil)
	if err != nil {
		log.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	for {
		var event orderEvent
		if err := conn.ReadJSON(&event); err != nil {
			log.Fatalf("stream ended: %v", err)
		}
		fmt.Printf("[%s] %-16s %s\n",
			event.Timestamp.Format(time.Kitchen), event.Status, string(event.Detail))
		if event.Status == "confirmed" {
			return
		}
	}
}
