package service

import (
	"errors"
	"fmt"
)

var (
	ErrProductNotFound        = errors.New("product not found")
	ErrLotNotFound            = errors.New("lot not found")
	ErrExpiredLotRejected     = errors.New("expiration date is in the past")
	ErrInvalidQuantity        = errors.New("quantity must be a positive integer")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrDuplicateRequest       = errors.New("duplicate request")

	// ErrLotKeyConflict means a concurrent inbound created the same
	// (product, expiration) lot first. The whole request can be retried.
	ErrLotKeyConflict = fmt.Errorf("lot key already exists: %w", ErrConcurrentModification)
)

// InsufficientStockError reports how far an outbound request fell short.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// ConflictError identifies the lot whose version moved between selection and write.
type ConflictError struct {
	LotID   string
	Version int // version captured at selection time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lot %s changed since version %d", e.LotID, e.Version)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrentModification
}

// IsRetryable returns true if repeating the whole request might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the caller has to change the request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrExpiredLotRejected) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrDuplicateRequest)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrProductNotFound) || errors.Is(err, ErrLotNotFound)
}
