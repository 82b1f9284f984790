package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/lot-ledger/internal/core/domain"
	"github.com/rl1809/lot-ledger/internal/port"
)

// ledgerStore is what every adapter in this package provides.
type ledgerStore interface {
	port.TxManager
	port.ProductCatalog
	CreateProduct(ctx context.Context, name string) (int64, error)
}

func date(t *testing.T, s string) *domain.Date {
	t.Helper()
	d, err := domain.ParseDate(s)
	require.NoError(t, err)
	return &d
}

func newLot(productID int64, exp *domain.Date, qty int) domain.Lot {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.Lot{
		ID:             uuid.NewString(),
		ProductID:      productID,
		ExpirationDate: exp,
		Quantity:       qty,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func createLots(t *testing.T, store ledgerStore, lots ...domain.Lot) {
	t.Helper()
	err := store.WithinTx(context.Background(), func(tx port.Tx) error {
		for _, lot := range lots {
			if err := tx.Lots().Create(context.Background(), lot); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// runStoreContract checks the behavior the stock service relies on.
func runStoreContract(t *testing.T, newStore func(t *testing.T) ledgerStore) {
	ctx := context.Background()

	t.Run("product exists", func(t *testing.T) {
		store := newStore(t)
		id, err := store.CreateProduct(ctx, "milk")
		require.NoError(t, err)

		ok, err := store.ProductExists(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.ProductExists(ctx, id+1000)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("find by key treats no expiration as one key", func(t *testing.T) {
		store := newStore(t)
		pid, err := store.CreateProduct(ctx, "salt")
		require.NoError(t, err)

		dated := newLot(pid, date(t, "2099-03-01"), 4)
		undated := newLot(pid, nil, 7)
		createLots(t, store, dated, undated)

		err = store.WithinTx(ctx, func(tx port.Tx) error {
			got, err := tx.Lots().FindByKey(ctx, pid, nil)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, undated.ID, got.ID)
			assert.Nil(t, got.ExpirationDate)

			got, err = tx.Lots().FindByKey(ctx, pid, date(t, "2099-03-01"))
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, dated.ID, got.ID)
			assert.Equal(t, "2099-03-01", got.ExpirationDate.String())

			got, err = tx.Lots().FindByKey(ctx, pid, date(t, "2099-03-02"))
			require.NoError(t, err)
			assert.Nil(t, got)
			return nil
		})
		require.NoError(t, err)

		// second lot on the null key must be rejected
		err = store.WithinTx(ctx, func(tx port.Tx) error {
			return tx.Lots().Create(ctx, newLot(pid, nil, 1))
		})
		assert.ErrorIs(t, err, port.ErrDuplicateKey)

		err = store.WithinTx(ctx, func(tx port.Tx) error {
			return tx.Lots().Create(ctx, newLot(pid, date(t, "2099-03-01"), 1))
		})
		assert.ErrorIs(t, err, port.ErrDuplicateKey)
	})

	t.Run("list available filters and orders FEFO", func(t *testing.T) {
		store := newStore(t)
		pid, err := store.CreateProduct(ctx, "yogurt")
		require.NoError(t, err)

		late := newLot(pid, date(t, "2030-06-01"), 2)
		never := newLot(pid, nil, 9)
		soon := newLot(pid, date(t, "2030-01-15"), 3)
		expired := newLot(pid, date(t, "2029-12-31"), 5)
		empty := newLot(pid, date(t, "2030-02-01"), 0)
		today := newLot(pid, date(t, "2030-01-01"), 1)
		createLots(t, store, late, never, soon, expired, empty, today)

		err = store.WithinTx(ctx, func(tx port.Tx) error {
			lots, err := tx.Lots().ListAvailable(ctx, pid, *date(t, "2030-01-01"))
			require.NoError(t, err)

			var ids []string
			for _, l := range lots {
				ids = append(ids, l.ID)
			}
			assert.Equal(t, []string{today.ID, soon.ID, late.ID, never.ID}, ids)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("list paged counts and orders", func(t *testing.T) {
		store := newStore(t)
		pid, err := store.CreateProduct(ctx, "tea")
		require.NoError(t, err)
		other, err := store.CreateProduct(ctx, "coffee")
		require.NoError(t, err)

		a := newLot(pid, date(t, "2031-01-01"), 1)
		b := newLot(pid, nil, 0)
		c := newLot(pid, date(t, "2030-01-01"), 2)
		d := newLot(other, date(t, "2029-01-01"), 3)
		createLots(t, store, a, b, c, d)

		err = store.WithinTx(ctx, func(tx port.Tx) error {
			lots, total, err := tx.Lots().ListPaged(ctx, &pid, 0, 2)
			require.NoError(t, err)
			assert.Equal(t, 3, total)
			require.Len(t, lots, 2)
			assert.Equal(t, c.ID, lots[0].ID)
			assert.Equal(t, a.ID, lots[1].ID)

			lots, total, err = tx.Lots().ListPaged(ctx, &pid, 2, 2)
			require.NoError(t, err)
			assert.Equal(t, 3, total)
			require.Len(t, lots, 1)
			assert.Equal(t, b.ID, lots[0].ID)

			lots, total, err = tx.Lots().ListPaged(ctx, nil, 0, 10)
			require.NoError(t, err)
			assert.Equal(t, 4, total)
			require.Len(t, lots, 4)
			assert.Equal(t, d.ID, lots[0].ID)
			assert.Equal(t, b.ID, lots[3].ID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("increment bumps version", func(t *testing.T) {
		store := newStore(t)
		pid, err := store.CreateProduct(ctx, "rice")
		require.NoError(t, err)

		lot := newLot(pid, nil, 5)
		createLots(t, store, lot)
		at := time.Date(2031, 5, 6, 7, 8, 9, 0, time.UTC)

		err = store.WithinTx(ctx, func(tx port.Tx) error {
			got, err := tx.Lots().Increment(ctx, lot.ID, 3, at)
			require.NoError(t, err)
			assert.Equal(t, 8, got.Quantity)
			assert.Equal(t, 1, got.Version)
			assert.True(t, at.Equal(got.UpdatedAt), "updated_at %s", got.UpdatedAt)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("increment refuses totals past the bound", func(t *testing.T) {
		store := newStore(t)
		pid, err := store.CreateProduct(ctx, "corn")
		require.NoError(t, err)

		lot := newLot(pid, nil, domain.MaxQuantity-1)
		createLots(t, store, lot)

		err = store.WithinTx(ctx, func(tx port.Tx) error {
			_, err := tx.Lots().Increment(ctx, lot.ID, 2, time.Now())
			assert.ErrorIs(t, err, port.ErrQuantityOverflow)

			got, err := tx.Lots().Increment(ctx, lot.ID, 1, time.Now())
			require.NoError(t, err)
			assert.Equal(t, domain.MaxQuantity, got.Quantity)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("compare and swap", func(t *testing.T) {
		store := newStore(t)
		pid, err := store.CreateProduct(ctx, "flour")
		require.NoError(t, err)

		lot := newLot(pid, nil, 10)
		createLots(t, store, lot)

		err = store.WithinTx(ctx, func(tx port.Tx) error {
			next := lot
			next.Quantity = 6
			require.NoError(t, tx.Lots().CompareAndSwap(ctx, next, 0))

			got, err := tx.Lots().Get(ctx, lot.ID)
			require.NoError(t, err)
			assert.Equal(t, 6, got.Quantity)
			assert.Equal(t, 1, got.Version)

			// stale version
			next.Quantity = 1
			assert.ErrorIs(t, tx.Lots().CompareAndSwap(ctx, next, 0), port.ErrOptimisticLock)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("rollback discards writes", func(t *testing.T) {
		store := newStore(t)
		pid, err := store.CreateProduct(ctx, "oil")
		require.NoError(t, err)

		lot := newLot(pid, nil, 4)
		createLots(t, store, lot)

		boom := errors.New("boom")
		err = store.WithinTx(ctx, func(tx port.Tx) error {
			_, err := tx.Lots().Increment(ctx, lot.ID, 10, time.Now())
			require.NoError(t, err)
			require.NoError(t, tx.Movements().Insert(ctx, domain.Movement{
				ID: uuid.NewString(), LotID: lot.ID, Type: domain.MovementIn, Quantity: 10, CreatedAt: time.Now(),
			}))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		err = store.WithinTx(ctx, func(tx port.Tx) error {
			got, err := tx.Lots().Get(ctx, lot.ID)
			require.NoError(t, err)
			assert.Equal(t, 4, got.Quantity)
			assert.Equal(t, 0, got.Version)

			history, err := tx.Movements().ListByProduct(ctx, pid)
			require.NoError(t, err)
			assert.Empty(t, history)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("rollback on panic", func(t *testing.T) {
		store := newStore(t)
		pid, err := store.CreateProduct(ctx, "sugar")
		require.NoError(t, err)

		lot := newLot(pid, nil, 4)
		createLots(t, store, lot)

		assert.Panics(t, func() {
			_ = store.WithinTx(ctx, func(tx port.Tx) error {
				_, _ = tx.Lots().Increment(ctx, lot.ID, 10, time.Now())
				panic("mid-transaction")
			})
		})

		err = store.WithinTx(ctx, func(tx port.Tx) error {
			got, err := tx.Lots().Get(ctx, lot.ID)
			require.NoError(t, err)
			assert.Equal(t, 4, got.Quantity)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("movements history and sums", func(t *testing.T) {
		store := newStore(t)
		pid, err := store.CreateProduct(ctx, "beans")
		require.NoError(t, err)

		lot := newLot(pid, date(t, "2040-01-01"), 5)
		createLots(t, store, lot)

		base := time.Now().UTC().Truncate(time.Second)
		moves := []domain.Movement{
			{ID: uuid.NewString(), LotID: lot.ID, Type: domain.MovementIn, Quantity: 5, CreatedAt: base},
			{ID: uuid.NewString(), LotID: lot.ID, Type: domain.MovementOut, Quantity: 2, CreatedAt: base.Add(time.Second)},
			{ID: uuid.NewString(), LotID: lot.ID, Type: domain.MovementIn, Quantity: 4, CreatedAt: base.Add(2 * time.Second)},
		}
		err = store.WithinTx(ctx, func(tx port.Tx) error {
			for _, m := range moves {
				if err := tx.Movements().Insert(ctx, m); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		err = store.WithinTx(ctx, func(tx port.Tx) error {
			history, err := tx.Movements().ListByProduct(ctx, pid)
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Equal(t, moves[2].ID, history[0].ID)
			assert.Equal(t, moves[1].ID, history[1].ID)
			assert.Equal(t, moves[0].ID, history[2].ID)
			assert.Equal(t, domain.MovementOut, history[1].Type)
			assert.Equal(t, lot.ID, history[0].Lot.ID)
			assert.Equal(t, "2040-01-01", history[0].Lot.ExpirationDate.String())
			assert.Equal(t, pid, history[0].Product.ID)
			assert.Equal(t, "beans", history[0].Product.Name)

			sums, err := tx.Movements().SumByLot(ctx, pid)
			require.NoError(t, err)
			require.Len(t, sums, 1)
			assert.Equal(t, domain.LotBalance{LotID: lot.ID, In: 9, Out: 2}, sums[0])
			return nil
		})
		require.NoError(t, err)
	})
}

func TestMemoryAdapter_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) ledgerStore {
		return NewMemoryAdapter()
	})
}
