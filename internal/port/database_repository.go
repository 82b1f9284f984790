package port

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/lot-ledger/internal/core/domain"
)

// TxManager runs fn inside one database transaction. fn's error, or a panic,
// rolls everything back; a nil return commits.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the repositories bound to a single transaction.
type Tx interface {
	Lots() LotRepository
	Movements() MovementRepository
}

type LotRepository interface {
	// Get retrieves a lot by ID, nil if absent
	Get(ctx context.Context, lotID string) (*domain.Lot, error)

	// FindByKey retrieves the lot for (product, expiration), nil if absent
	FindByKey(ctx context.Context, productID int64, expiration *domain.Date) (*domain.Lot, error)

	// ListAvailable returns lots with quantity > 0 that have not expired before today
	ListAvailable(ctx context.Context, productID int64, today domain.Date) ([]domain.Lot, error)

	// ListPaged returns one page of lots, productID nil for all products
	ListPaged(ctx context.Context, productID *int64, offset, limit int) ([]domain.Lot, int, error)

	// Create inserts a new lot at version 0
	Create(ctx context.Context, lot domain.Lot) error

	// Increment adds quantity without a version check and returns the updated lot.
	// A total above domain.MaxQuantity fails with ErrQuantityOverflow.
	Increment(ctx context.Context, lotID string, quantity int, at time.Time) (*domain.Lot, error)

	// CompareAndSwap writes lot.Quantity if the stored version still equals expectedVersion
	CompareAndSwap(ctx context.Context, lot domain.Lot, expectedVersion int) error
}

// MovementRepository is insert-only.
type MovementRepository interface {
	Insert(ctx context.Context, m domain.Movement) error

	// ListByProduct returns movements for a product, most recent first
	ListByProduct(ctx context.Context, productID int64) ([]domain.MovementView, error)

	// SumByLot returns per-lot IN/OUT totals for a product
	SumByLot(ctx context.Context, productID int64) ([]domain.LotBalance, error)
}

type ProductCatalog interface {
	ProductExists(ctx context.Context, productID int64) (bool, error)
}

var (
	// ErrOptimisticLock is returned by CompareAndSwap when the stored version moved.
	ErrOptimisticLock = errors.New("optimistic lock conflict")

	// ErrDuplicateKey is returned by Create when a lot already holds the (product, expiration) key.
	ErrDuplicateKey = errors.New("duplicate lot key")

	// ErrQuantityOverflow is returned by Increment when the lot total would pass domain.MaxQuantity.
	ErrQuantityOverflow = errors.New("lot quantity overflow")
)
