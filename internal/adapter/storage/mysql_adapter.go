package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(255) NOT NULL
	)`,
	// expiration_key folds "no expiration" onto one value so the unique key
	// treats NULL as equal to NULL.
	`CREATE TABLE IF NOT EXISTS lots (
		id CHAR(36) NOT NULL PRIMARY KEY,
		product_id BIGINT NOT NULL,
		expiration_date DATE NULL,
		expiration_key DATE AS (COALESCE(expiration_date, '9999-12-31')) STORED,
		quantity INT NOT NULL DEFAULT 0,
		version INT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_lots_product_expiration (product_id, expiration_key),
		KEY idx_lots_product_available (product_id, quantity, expiration_date),
		KEY idx_lots_expiration (expiration_date),
		CONSTRAINT chk_lots_quantity CHECK (quantity >= 0),
		CONSTRAINT fk_lots_product FOREIGN KEY (product_id) REFERENCES products (id)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_movements (
		seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		id CHAR(36) NOT NULL,
		lot_id CHAR(36) NOT NULL,
		type ENUM('IN', 'OUT') NOT NULL,
		quantity INT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_movements_id (id),
		KEY idx_movements_lot_created (lot_id, created_at),
		CONSTRAINT chk_movements_quantity CHECK (quantity > 0),
		CONSTRAINT fk_movements_lot FOREIGN KEY (lot_id) REFERENCES lots (id)
	)`,
}

var mysqlDialect = dialect{
	name:   "mysql",
	schema: mysqlSchema,
	isUniqueViolation: func(err error) bool {
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
	},
}

// PoolConfig tunes the database/sql connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func NewMySQLAdapter(db *sql.DB) *SQLAdapter {
	return &SQLAdapter{db: db, dialect: mysqlDialect}
}

// OpenMySQL connects with parseTime forced on and UTC timestamps, which the
// lot and movement scans depend on.
func OpenMySQL(ctx context.Context, dsn string, pool PoolConfig) (*SQLAdapter, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}

	db := sql.OpenDB(connector)
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return NewMySQLAdapter(db), nil
}
