package mysql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"sunminimart/backend/internal/domain"
	"sunminimart/backend/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	errDuplicateEntry  = 1062
	errNoReferencedRow = 1452
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// LockTimeout is rounded up to whole seconds, the resolution of
	// innodb_lock_wait_timeout.
	LockTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxOpenConns < 1 {
		o.MaxOpenConns = 30
	}
	if o.MaxIdleConns < 1 {
		o.MaxIdleConns = 8
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 30 * time.Minute
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 2 * time.Second
	}
	return o
}

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	cfg, err := connectorConfig(dsn, opts)
	if err != nil {
		return nil, err
	}

	connector, err := gomysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)

	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// connectorConfig parses dsn and sets innodb_lock_wait_timeout as a session
// variable, so every pooled connection gets the same lock budget when it is
// opened.
func connectorConfig(dsn string, opts Options) (*gomysql.Config, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = make(map[string]string)
	}
	cfg.Params["innodb_lock_wait_timeout"] = strconv.FormatInt(lockWaitSeconds(opts.LockTimeout), 10)
	return cfg, nil
}

func lockWaitSeconds(timeout time.Duration) int64 {
	seconds := int64((timeout + time.Second - 1) / time.Second)
	return max(seconds, 1)
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(logger *zap.Logger) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	driver, err := migratemysql.WithInstance(s.db, &migratemysql.Config{})
	if err != nil {
		return fmt.Errorf("create mysql migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "mysql", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	m.Log = migrateLogger{logger.Sugar()}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, os.ErrNotExist) {
			logger.Info("schema up to date")
			return nil
		}
		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (barcode, name, price)
		VALUES (?, ?, ?)`,
		product.Barcode, product.Name, product.Price,
	)
	if err != nil {
		return nil, classify(err)
	}

	created := product
	return &created, nil
}

func (s *Store) AddBatch(ctx context.Context, batch domain.StockBatch) (*domain.StockBatch, error) {
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_batches (barcode, cost, quantity, expiry_date, version, received_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		batch.Barcode, batch.Cost, batch.Quantity, nullDate(batch.ExpiryDate), batch.ReceivedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	batch.ID = id
	batch.Version = 1
	return &batch, nil
}

func (s *Store) GetProduct(ctx context.Context, barcode string) (*domain.Product, error) {
	return getProduct(ctx, s.db, barcode)
}

func (s *Store) DeleteProduct(ctx context.Context, barcode string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE barcode = ?`, barcode)
	return classify(err)
}

func (s *Store) ListBatches(ctx context.Context, barcode string) ([]domain.StockBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, barcode, cost, quantity, expiry_date, version, received_at
		FROM stock_batches
		WHERE barcode = ?
		ORDER BY id ASC`, barcode)
	if err != nil {
		return nil, classify(err)
	}
	return scanBatches(rows)
}

// LedgerEntries returns the committed entries of one sale.
func (s *Store) LedgerEntries(ctx context.Context, saleID string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, batch_id, barcode, product_name, unit_cost, unit_price, quantity, profit, vat, created_at
		FROM ledger_entries
		WHERE sale_id = ?
		ORDER BY id ASC`, saleID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, 8)
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.SaleID, &e.BatchID, &e.Barcode, &e.ProductName, &e.UnitCost, &e.UnitPrice, &e.Quantity, &e.Profit, &e.VAT, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) BeginSale(ctx context.Context) (store.SaleTx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classify(err)
	}
	return &saleTx{tx: tx}, nil
}

type saleTx struct {
	tx *sql.Tx
}

func (t *saleTx) GetProduct(ctx context.Context, barcode string) (*domain.Product, error) {
	return getProduct(ctx, t.tx, barcode)
}

func (t *saleTx) ListBatches(ctx context.Context, barcode string) ([]domain.StockBatch, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, barcode, cost, quantity, expiry_date, version, received_at
		FROM stock_batches
		WHERE barcode = ? AND quantity > 0
		ORDER BY id ASC
		FOR UPDATE`, barcode)
	if err != nil {
		return nil, classify(err)
	}
	return scanBatches(rows)
}

func (t *saleTx) UpdateBatchQuantity(ctx context.Context, batchID int64, expectedVersion int64, quantity int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE stock_batches
		SET quantity = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		quantity, batchID, expectedVersion,
	)
	if err != nil {
		return classify(err)
	}
	// version always changes, so affected rows is exact without clientFoundRows.
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM stock_batches WHERE id = ?)`, batchID).Scan(&exists); err != nil {
		return classify(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (t *saleTx) AppendLedgerEntries(ctx context.Context, entries []domain.LedgerEntry) ([]domain.LedgerEntry, error) {
	out := make([]domain.LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		result, err := t.tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (sale_id, batch_id, barcode, product_name, unit_cost, unit_price, quantity, profit, vat, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.SaleID, entry.BatchID, entry.Barcode, entry.ProductName, entry.UnitCost, entry.UnitPrice,
			entry.Quantity, entry.Profit, entry.VAT, entry.CreatedAt,
		)
		if err != nil {
			return nil, classify(err)
		}
		if entry.ID, err = result.LastInsertId(); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (t *saleTx) Commit(_ context.Context) error {
	return classify(t.tx.Commit())
}

func (t *saleTx) Rollback(_ context.Context) error {
	return classify(t.tx.Rollback())
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getProduct(ctx context.Context, q queryer, barcode string) (*domain.Product, error) {
	var product domain.Product
	err := q.QueryRowContext(ctx, `
		SELECT barcode, name, price
		FROM products WHERE barcode = ?`, barcode,
	).Scan(&product.Barcode, &product.Name, &product.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &product, nil
}

func scanBatches(rows *sql.Rows) ([]domain.StockBatch, error) {
	defer rows.Close()

	batches := make([]domain.StockBatch, 0, 8)
	for rows.Next() {
		var b domain.StockBatch
		var expiry sql.NullTime
		if err := rows.Scan(&b.ID, &b.Barcode, &b.Cost, &b.Quantity, &expiry, &b.Version, &b.ReceivedAt); err != nil {
			return nil, classify(err)
		}
		if expiry.Valid {
			e := expiry.Time.UTC()
			b.ExpiryDate = &e
		}
		b.ReceivedAt = b.ReceivedAt.UTC()
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return batches, nil
}

func nullDate(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %w", store.ErrTxDone, err)
	}

	var myErr *gomysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	switch myErr.Number {
	case errDuplicateEntry:
		return fmt.Errorf("%w: %w", store.ErrDuplicate, err)
	case errNoReferencedRow:
		return fmt.Errorf("%w: %w", store.ErrNotFound, err)
	case errLockWaitTimeout, errDeadlock:
		return fmt.Errorf("%w: %w", store.ErrConflict, err)
	}
	return err
}

type migrateLogger struct {
	log *zap.SugaredLogger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.log.Infof(format, v...)
}

func (l migrateLogger) Verbose() bool {
	return false
}
