package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnavailable       = errors.New("dependency unavailable")
	ErrServiceError      = errors.New("dependency returned an error")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicate         = errors.New("event already processed")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrInvalidStatus     = errors.New("invalid order status")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidProduct    = errors.New("invalid product")
)

type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type InvalidStatusError struct {
	Status string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid order status %q", e.Status)
}

func (e *InvalidStatusError) Is(target error) bool {
	return target == ErrInvalidStatus
}

type TransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order status cannot change from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStatus
}
