package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		product_id INTEGER NOT NULL REFERENCES products (id),
		expiration_date DATE,
		quantity INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_lots_product_expiration
		ON lots (product_id, COALESCE(expiration_date, '9999-12-31'))`,
	`CREATE INDEX IF NOT EXISTS idx_lots_expiration ON lots (expiration_date)`,
	`CREATE TABLE IF NOT EXISTS stock_movements (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		lot_id TEXT NOT NULL REFERENCES lots (id),
		type TEXT NOT NULL CHECK (type IN ('IN', 'OUT')),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_movements_lot_created ON stock_movements (lot_id, created_at)`,
}

var sqliteDialect = dialect{
	name:   "sqlite",
	schema: sqliteSchema,
	isUniqueViolation: func(err error) bool {
		var se sqlite3.Error
		return errors.As(err, &se) &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	},
}

func NewSQLiteAdapter(db *sql.DB) *SQLAdapter {
	return &SQLAdapter{db: db, dialect: sqliteDialect}
}

// OpenSQLite opens (or creates) the database file at path and applies the
// schema. SQLite allows one writer at a time, so the pool is a single
// connection and transactions queue behind each other.
func OpenSQLite(ctx context.Context, path string) (*SQLAdapter, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	adapter := NewSQLiteAdapter(db)
	if err := adapter.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return adapter, nil
}
