package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/lot-ledger/internal/core/domain"
	"github.com/rl1809/lot-ledger/internal/port"
)

// dialect holds what differs between the SQL engines behind SQLAdapter.
// Both drivers use ? placeholders so the queries themselves are shared.
type dialect struct {
	name              string
	schema            []string
	isUniqueViolation func(error) bool
}

// SQLAdapter implements the lot store, the movement ledger and the product
// check on a database/sql handle.
type SQLAdapter struct {
	db      *sql.DB
	dialect dialect
}

var (
	_ port.TxManager      = (*SQLAdapter)(nil)
	_ port.ProductCatalog = (*SQLAdapter)(nil)
)

func (a *SQLAdapter) DB() *sql.DB {
	return a.db
}

// EnsureSchema creates the ledger tables if they do not exist.
func (a *SQLAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range a.dialect.schema {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", a.dialect.name, err)
		}
	}
	return nil
}

func (a *SQLAdapter) WithinTx(ctx context.Context, fn func(tx port.Tx) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx, dialect: a.dialect}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (a *SQLAdapter) ProductExists(ctx context.Context, productID int64) (bool, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM products WHERE id = ?)`, productID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query product: %w", err)
	}
	return exists, nil
}

// CreateProduct registers a product row. Catalog management lives elsewhere;
// this exists for seeding and tests.
func (a *SQLAdapter) CreateProduct(ctx context.Context, name string) (int64, error) {
	result, err := a.db.ExecContext(ctx, `INSERT INTO products (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}
	return result.LastInsertId()
}

type sqlTx struct {
	tx      *sql.Tx
	dialect dialect
}

func (t *sqlTx) Lots() port.LotRepository {
	return &sqlLots{tx: t.tx, dialect: t.dialect}
}

func (t *sqlTx) Movements() port.MovementRepository {
	return &sqlMovements{tx: t.tx}
}

const lotColumns = `id, product_id, expiration_date, quantity, version, created_at, updated_at`

// fefoOrder puts non-expiring lots after every dated lot.
const fefoOrder = `ORDER BY expiration_date IS NULL, expiration_date ASC, id ASC`

type sqlLots struct {
	tx      *sql.Tx
	dialect dialect
}

func (r *sqlLots) Get(ctx context.Context, lotID string) (*domain.Lot, error) {
	lot, err := scanLot(r.tx.QueryRowContext(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE id = ?`, lotID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lot: %w", err)
	}
	return &lot, nil
}

func (r *sqlLots) FindByKey(ctx context.Context, productID int64, expiration *domain.Date) (*domain.Lot, error) {
	var row *sql.Row
	if expiration == nil {
		row = r.tx.QueryRowContext(ctx, `
			SELECT `+lotColumns+` FROM lots
			WHERE product_id = ? AND expiration_date IS NULL`, productID)
	} else {
		row = r.tx.QueryRowContext(ctx, `
			SELECT `+lotColumns+` FROM lots
			WHERE product_id = ? AND expiration_date = ?`, productID, expiration.String())
	}

	lot, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lot by key: %w", err)
	}
	return &lot, nil
}

func (r *sqlLots) ListAvailable(ctx context.Context, productID int64, today domain.Date) ([]domain.Lot, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT `+lotColumns+` FROM lots
		WHERE product_id = ? AND quantity > 0
		  AND (expiration_date IS NULL OR expiration_date >= ?)
		`+fefoOrder, productID, today.String())
	if err != nil {
		return nil, fmt.Errorf("query available lots: %w", err)
	}
	return collectLots(rows)
}

func (r *sqlLots) ListPaged(ctx context.Context, productID *int64, offset, limit int) ([]domain.Lot, int, error) {
	where, args := "", []any{}
	if productID != nil {
		where, args = "WHERE product_id = ?", append(args, *productID)
	}

	var total int
	if err := r.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lots `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count lots: %w", err)
	}

	rows, err := r.tx.QueryContext(ctx,
		`SELECT `+lotColumns+` FROM lots `+where+` `+fefoOrder+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query lots: %w", err)
	}
	lots, err := collectLots(rows)
	if err != nil {
		return nil, 0, err
	}
	return lots, total, nil
}

func (r *sqlLots) Create(ctx context.Context, lot domain.Lot) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO lots (id, product_id, expiration_date, quantity, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.ProductID, dateArg(lot.ExpirationDate), lot.Quantity, lot.Version,
		lot.CreatedAt.UTC(), lot.UpdatedAt.UTC(),
	)
	if err != nil {
		if r.dialect.isUniqueViolation(err) {
			return fmt.Errorf("insert lot: %w", port.ErrDuplicateKey)
		}
		return fmt.Errorf("insert lot: %w", err)
	}
	return nil
}

func (r *sqlLots) Increment(ctx context.Context, lotID string, quantity int, at time.Time) (*domain.Lot, error) {
	result, err := r.tx.ExecContext(ctx, `
		UPDATE lots
		SET quantity = quantity + ?, version = version + 1, updated_at = ?
		WHERE id = ? AND quantity <= ? - ?`,
		quantity, at.UTC(), lotID, domain.MaxQuantity, quantity,
	)
	if err != nil {
		return nil, fmt.Errorf("increment lot: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		lot, err := r.Get(ctx, lotID)
		if err != nil {
			return nil, fmt.Errorf("increment lot: %w", err)
		}
		if lot == nil {
			return nil, fmt.Errorf("increment lot: %s: %w", lotID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("increment lot %s: %w", lotID, port.ErrQuantityOverflow)
	}
	return r.Get(ctx, lotID)
}

func (r *sqlLots) CompareAndSwap(ctx context.Context, lot domain.Lot, expectedVersion int) error {
	result, err := r.tx.ExecContext(ctx, `
		UPDATE lots
		SET quantity = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		lot.Quantity, lot.UpdatedAt.UTC(), lot.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update lot: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return port.ErrOptimisticLock
	}
	return nil
}

type sqlMovements struct {
	tx *sql.Tx
}

func (r *sqlMovements) Insert(ctx context.Context, m domain.Movement) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, lot_id, type, quantity, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.LotID, string(m.Type), m.Quantity, m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

func (r *sqlMovements) ListByProduct(ctx context.Context, productID int64) ([]domain.MovementView, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT m.id, m.lot_id, m.type, m.quantity, m.created_at,
		       l.id, l.product_id, l.expiration_date, l.quantity, l.version, l.created_at, l.updated_at,
		       p.id, p.name
		FROM stock_movements m
		JOIN lots l ON l.id = m.lot_id
		JOIN products p ON p.id = l.product_id
		WHERE l.product_id = ?
		ORDER BY m.created_at DESC, m.seq DESC`, productID)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", err)
	}
	defer rows.Close()

	var views []domain.MovementView
	for rows.Next() {
		var (
			v   domain.MovementView
			typ string
			exp sql.NullTime
		)
		err := rows.Scan(
			&v.ID, &v.LotID, &typ, &v.Quantity, &v.CreatedAt,
			&v.Lot.ID, &v.Lot.ProductID, &exp, &v.Lot.Quantity, &v.Lot.Version, &v.Lot.CreatedAt, &v.Lot.UpdatedAt,
			&v.Product.ID, &v.Product.Name,
		)
		if err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		v.Type = domain.MovementType(typ)
		v.Lot.ExpirationDate = dateFromNull(exp)
		views = append(views, v)
	}
	return views, rows.Err()
}

func (r *sqlMovements) SumByLot(ctx context.Context, productID int64) ([]domain.LotBalance, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT m.lot_id,
		       COALESCE(SUM(CASE WHEN m.type = 'IN' THEN m.quantity ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN m.type = 'OUT' THEN m.quantity ELSE 0 END), 0)
		FROM stock_movements m
		JOIN lots l ON l.id = m.lot_id
		WHERE l.product_id = ?
		GROUP BY m.lot_id`, productID)
	if err != nil {
		return nil, fmt.Errorf("sum movements: %w", err)
	}
	defer rows.Close()

	var balances []domain.LotBalance
	for rows.Next() {
		var b domain.LotBalance
		if err := rows.Scan(&b.LotID, &b.In, &b.Out); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLot(row scanner) (domain.Lot, error) {
	var (
		lot domain.Lot
		exp sql.NullTime
	)
	err := row.Scan(&lot.ID, &lot.ProductID, &exp, &lot.Quantity, &lot.Version, &lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		return domain.Lot{}, err
	}
	lot.ExpirationDate = dateFromNull(exp)
	return lot, nil
}

func collectLots(rows *sql.Rows) ([]domain.Lot, error) {
	defer rows.Close()

	var lots []domain.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// dateArg binds an optional date as YYYY-MM-DD text, which both engines
// compare and index correctly.
func dateArg(d *domain.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func dateFromNull(t sql.NullTime) *domain.Date {
	if !t.Valid {
		return nil
	}
	d := domain.DateOf(t.Time)
	return &d
}
