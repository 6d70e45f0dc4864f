// Package models defines the persistent order records and the legal status
// progression of the execution lifecycle.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Order statuses. An attempt progresses pending -> routing ->
// routing_complete -> submitted -> confirmed|failed; a retried attempt
// restarts at routing.
const (
	StatusPending         = "pending"
	StatusRouting         = "routing"
	StatusRoutingComplete = "routing_complete"
	StatusSubmitted       = "submitted"
	StatusConfirmed       = "confirmed"
	StatusFailed          = "failed"
)

// Attempt results.
const (
	AttemptSuccess = "success"
	AttemptFailure = "failure"
)

// Failure reasons carried in the detail payload of failed events.
const (
	ReasonNoRoute         = "no_route"
	ReasonExecutionFailed = "execution_failed"
)

// Order is a trade order. Status is mutated exclusively through the event
// log; rows are never deleted.
type Order struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	TokenIn     string          `gorm:"type:varchar(32);not null" json:"token_in"`
	TokenOut    string          `gorm:"type:varchar(32);not null" json:"token_out"`
	AmountIn    decimal.Decimal `gorm:"type:numeric;not null" json:"amount_in"`
	SlippagePct decimal.Decimal `gorm:"type:numeric;not null" json:"slippage_pct"`
	Status      string          `gorm:"type:varchar(32);not null;index" json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OrderEvent is one append-only record of a status transition. Seq is
// assigned by the database and totally orders the events of an order.
type OrderEvent struct {
	Seq       uint64         `gorm:"primaryKey;autoIncrement" json:"seq"`
	OrderID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"order_id"`
	Status    string         `gorm:"type:varchar(32);not null" json:"status"`
	Detail    datatypes.JSON `gorm:"type:jsonb" json:"detail"`
	Timestamp time.Time      `gorm:"not null;index" json:"timestamp"`
}

// OrderAttempt is the per-execution-attempt audit record, distinct from the
// coarser event stream.
type OrderAttempt struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   uuid.UUID `gorm:"type:uuid;not null;index" json:"order_id"`
	AttemptNo int       `gorm:"not null" json:"attempt_no"`
	Result    string    `gorm:"type:varchar(16);not null" json:"result"`
	TxHash    string    `gorm:"type:varchar(128)" json:"tx_hash,omitempty"`
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
}

// Event is the wire form published to subscribers.
type Event struct {
	OrderID   uuid.UUID      `json:"order_id"`
	Status    string         `json:"status"`
	Detail    datatypes.JSON `json:"detail"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
}

// Wire converts a stored event to its published form.
func (e OrderEvent) Wire() Event {
	return Event{
		OrderID:   e.OrderID,
		Status:    e.Status,
		Detail:    e.Detail,
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
	}
}

// validTransitions maps a previous event status to the statuses that may
// legally follow it. The empty string stands for "no event yet". Routing is
// the attempt-restart entry point: a redelivered job may find the last event
// anywhere in a non-terminal status when the previous attempt died before
// its failed event landed, so routing may follow any non-terminal status.
var validTransitions = map[string][]string{
	"":                    {StatusPending},
	StatusPending:         {StatusRouting},
	StatusRouting:         {StatusRoutingComplete, StatusFailed, StatusRouting},
	StatusRoutingComplete: {StatusSubmitted, StatusRouting},
	StatusSubmitted:       {StatusConfirmed, StatusFailed, StatusRouting},
	StatusFailed:          {StatusRouting},
	StatusConfirmed:       {}, // terminal
}

// CanTransition reports whether status to may follow status from in an
// order's event stream.
func CanTransition(from, to string) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status ends an attempt cycle.
func Terminal(status string) bool {
	return status == StatusConfirmed || status == StatusFailed
}
