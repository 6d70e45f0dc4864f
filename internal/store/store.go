// Package store is the gorm-backed repository for orders, events, and
// attempts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dexroute/dexroute/internal/models"
)

// ErrIllegalTransition is returned when an appended event would violate the
// legal status progression for its order.
var ErrIllegalTransition = errors.New("illegal status transition")

// Store provides durable access to orders, their event streams, and their
// attempt records. Safe for concurrent use across different orders.
type Store struct {
	db *gorm.DB
}

// New creates a Store over an open gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateOrder persists a new order.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrder loads an order by id.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, fmt.Errorf("order not found: %w", err)
	}
	return &order, nil
}

// AppendEvent appends an order event and updates the order's current status
// in one transaction. The previous event's status gates legality: an append
// that does not follow the legal progression fails with ErrIllegalTransition.
// The stored event, with its database-assigned sequence, is returned.
func (s *Store) AppendEvent(ctx context.Context, orderID uuid.UUID, status string, detail datatypes.JSON) (*models.OrderEvent, error) {
	event := &models.OrderEvent{
		OrderID:   orderID,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last models.OrderEvent
		prev := ""
		res := tx.Where("order_id = ?", orderID).Order("seq DESC").Limit(1).Find(&last)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			prev = last.Status
		}
		if !models.CanTransition(prev, status) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, prev, status)
		}

		if err := tx.Create(event).Error; err != nil {
			return err
		}
		return tx.Model(&models.Order{}).
			Where("id = ?", orderID).
			Updates(map[string]interface{}{"status": status, "updated_at": event.Timestamp}).Error
	})
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append order event: %w", err)
	}
	return event, nil
}

// Events returns the full event stream of an order in append order.
func (s *Store) Events(ctx context.Context, orderID uuid.UUID) ([]models.OrderEvent, error) {
	var events []models.OrderEvent
	if err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("seq ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to load order events: %w", err)
	}
	return events, nil
}

// CreateAttempt persists one execution attempt record.
func (s *Store) CreateAttempt(ctx context.Context, attempt *models.OrderAttempt) error {
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("failed to create order attempt: %w", err)
	}
	return nil
}

// Attempts returns an order's attempt records in attempt order.
func (s *Store) Attempts(ctx context.Context, orderID uuid.UUID) ([]models.OrderAttempt, error) {
	var attempts []models.OrderAttempt
	if err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("attempt_no ASC").
		Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("failed to load order attempts: %w", err)
	}
	return attempts, nil
}

// NextAttemptNo derives the next attempt number from the durable attempt
// count, so numbering stays correct when a redelivered job lands on a
// different worker instance.
func (s *Store) NextAttemptNo(ctx context.Context, orderID uuid.UUID) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.OrderAttempt{}).
		Where("order_id = ?", orderID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count order attempts: %w", err)
	}
	return int(count) + 1, nil
}
