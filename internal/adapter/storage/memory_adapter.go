package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/lot-ledger/internal/core/domain"
	"github.com/rl1809/lot-ledger/internal/port"
)

// MemoryAdapter is an in-process store with the same transactional contract
// as SQLAdapter. Transactions are serialized and work on a copy of the
// state that replaces the committed state only when fn succeeds.
type MemoryAdapter struct {
	mu        sync.Mutex
	products  map[int64]string
	nextID    int64
	lots      map[string]domain.Lot
	movements []domain.Movement
}

var (
	_ port.TxManager      = (*MemoryAdapter)(nil)
	_ port.ProductCatalog = (*MemoryAdapter)(nil)
)

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		products: make(map[int64]string),
		lots:     make(map[string]domain.Lot),
	}
}

func (m *MemoryAdapter) CreateProduct(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.products[m.nextID] = name
	return m.nextID, nil
}

func (m *MemoryAdapter) ProductExists(_ context.Context, productID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.products[productID]
	return ok, nil
}

func (m *MemoryAdapter) WithinTx(ctx context.Context, fn func(tx port.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	tx := &memoryTx{
		products:  m.products,
		lots:      make(map[string]domain.Lot, len(m.lots)),
		movements: append([]domain.Movement(nil), m.movements...),
	}
	for id, lot := range m.lots {
		tx.lots[id] = lot
	}

	if err := fn(tx); err != nil {
		return err
	}

	m.lots = tx.lots
	m.movements = tx.movements
	return nil
}

type memoryTx struct {
	products  map[int64]string
	lots      map[string]domain.Lot
	movements []domain.Movement
}

func (t *memoryTx) Lots() port.LotRepository           { return (*memoryLots)(t) }
func (t *memoryTx) Movements() port.MovementRepository { return (*memoryMovements)(t) }

type memoryLots memoryTx

func (r *memoryLots) Get(_ context.Context, lotID string) (*domain.Lot, error) {
	lot, ok := r.lots[lotID]
	if !ok {
		return nil, nil
	}
	return &lot, nil
}

func (r *memoryLots) FindByKey(_ context.Context, productID int64, expiration *domain.Date) (*domain.Lot, error) {
	key := domain.LotKey{ProductID: productID, Expiration: domain.ExpirationKey(expiration)}
	for _, lot := range r.lots {
		if lot.Key() == key {
			return &lot, nil
		}
	}
	return nil, nil
}

func (r *memoryLots) ListAvailable(_ context.Context, productID int64, today domain.Date) ([]domain.Lot, error) {
	var lots []domain.Lot
	for _, lot := range r.lots {
		if lot.ProductID == productID && lot.Eligible(today) {
			lots = append(lots, lot)
		}
	}
	domain.SortFEFO(lots)
	return lots, nil
}

func (r *memoryLots) ListPaged(_ context.Context, productID *int64, offset, limit int) ([]domain.Lot, int, error) {
	var lots []domain.Lot
	for _, lot := range r.lots {
		if productID == nil || lot.ProductID == *productID {
			lots = append(lots, lot)
		}
	}
	domain.SortFEFO(lots)

	total := len(lots)
	if offset >= total {
		return []domain.Lot{}, total, nil
	}
	end := min(offset+limit, total)
	return lots[offset:end], total, nil
}

func (r *memoryLots) Create(_ context.Context, lot domain.Lot) error {
	if _, ok := r.lots[lot.ID]; ok {
		return fmt.Errorf("insert lot: %w", port.ErrDuplicateKey)
	}
	for _, existing := range r.lots {
		if existing.Key() == lot.Key() {
			return fmt.Errorf("insert lot: %w", port.ErrDuplicateKey)
		}
	}
	if _, ok := r.products[lot.ProductID]; !ok {
		return fmt.Errorf("insert lot: unknown product %d", lot.ProductID)
	}
	r.lots[lot.ID] = lot
	return nil
}

func (r *memoryLots) Increment(_ context.Context, lotID string, quantity int, at time.Time) (*domain.Lot, error) {
	lot, ok := r.lots[lotID]
	if !ok {
		return nil, fmt.Errorf("increment lot: %s not found", lotID)
	}
	if lot.Quantity > domain.MaxQuantity-quantity {
		return nil, fmt.Errorf("increment lot %s: %w", lotID, port.ErrQuantityOverflow)
	}
	lot.Quantity += quantity
	lot.Version++
	lot.UpdatedAt = at.UTC()
	r.lots[lotID] = lot
	return &lot, nil
}

func (r *memoryLots) CompareAndSwap(_ context.Context, lot domain.Lot, expectedVersion int) error {
	stored, ok := r.lots[lot.ID]
	if !ok || stored.Version != expectedVersion {
		return port.ErrOptimisticLock
	}
	if lot.Quantity < 0 {
		return fmt.Errorf("update lot: quantity %d violates non-negative constraint", lot.Quantity)
	}
	stored.Quantity = lot.Quantity
	stored.Version++
	stored.UpdatedAt = lot.UpdatedAt
	r.lots[lot.ID] = stored
	return nil
}

type memoryMovements memoryTx

func (r *memoryMovements) Insert(_ context.Context, m domain.Movement) error {
	if m.Quantity <= 0 {
		return fmt.Errorf("insert movement: quantity %d must be positive", m.Quantity)
	}
	if _, ok := r.lots[m.LotID]; !ok {
		return fmt.Errorf("insert movement: unknown lot %s", m.LotID)
	}
	r.movements = append(r.movements, m)
	return nil
}

func (r *memoryMovements) ListByProduct(_ context.Context, productID int64) ([]domain.MovementView, error) {
	var views []domain.MovementView
	// newest insert first, then a stable sort on time keeps that as the tie-break
	for i := len(r.movements) - 1; i >= 0; i-- {
		m := r.movements[i]
		lot := r.lots[m.LotID]
		if lot.ProductID != productID {
			continue
		}
		views = append(views, domain.MovementView{
			Movement: m,
			Lot:      lot,
			Product:  domain.ProductRef{ID: productID, Name: r.products[productID]},
		})
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views, nil
}

func (r *memoryMovements) SumByLot(_ context.Context, productID int64) ([]domain.LotBalance, error) {
	byLot := make(map[string]*domain.LotBalance)
	var order []string
	for _, m := range r.movements {
		if r.lots[m.LotID].ProductID != productID {
			continue
		}
		b, ok := byLot[m.LotID]
		if !ok {
			b = &domain.LotBalance{LotID: m.LotID}
			byLot[m.LotID] = b
			order = append(order, m.LotID)
		}
		if m.Type == domain.MovementOut {
			b.Out += m.Quantity
		} else {
			b.In += m.Quantity
		}
	}

	balances := make([]domain.LotBalance, 0, len(order))
	for _, id := range order {
		balances = append(balances, *byLot[id])
	}
	return balances, nil
}
