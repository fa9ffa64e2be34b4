package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"sunminimart/backend/internal/domain"
	"sunminimart/backend/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// LockTimeout bounds how long a sale waits for batch row locks.
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
	db          *sql.DB
	lockTimeout time.Duration
}

func New(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, lockTimeout: opts.LockTimeout}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(logger *zap.Logger) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	driver, err := migratepg.WithInstance(s.db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
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
		VALUES ($1, $2, $3)
	`, product.Barcode, product.Name, product.Price)
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

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO stock_batches (barcode, cost, quantity, expiry_date, version, received_at)
		VALUES ($1, $2, $3, $4, 1, $5)
		RETURNING id, version
	`, batch.Barcode, batch.Cost, batch.Quantity, nullDate(batch.ExpiryDate), batch.ReceivedAt).Scan(&batch.ID, &batch.Version)
	if err != nil {
		return nil, classify(err)
	}
	return &batch, nil
}

func (s *Store) GetProduct(ctx context.Context, barcode string) (*domain.Product, error) {
	return getProduct(ctx, s.db, barcode)
}

func (s *Store) DeleteProduct(ctx context.Context, barcode string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE barcode = $1`, barcode)
	return classify(err)
}

func (s *Store) ListBatches(ctx context.Context, barcode string) ([]domain.StockBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, barcode, cost, quantity, expiry_date, version, received_at
		FROM stock_batches
		WHERE barcode = $1
		ORDER BY id ASC
	`, barcode)
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
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
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
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) BeginSale(ctx context.Context) (store.SaleTx, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classify(err)
	}

	lockTimeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err := pgTx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, lockTimeout); err != nil {
		_ = pgTx.Rollback()
		return nil, classify(err)
	}

	return &saleTx{tx: pgTx}, nil
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
		WHERE barcode = $1 AND quantity > 0
		ORDER BY id ASC
		FOR UPDATE
	`, barcode)
	if err != nil {
		return nil, classify(err)
	}
	return scanBatches(rows)
}

func (t *saleTx) UpdateBatchQuantity(ctx context.Context, batchID int64, expectedVersion int64, quantity int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_batches
		SET quantity = $1, version = version + 1
		WHERE id = $2 AND version = $3
	`, quantity, batchID, expectedVersion)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM stock_batches WHERE id = $1)`, batchID).Scan(&exists); err != nil {
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
		err := t.tx.QueryRowContext(ctx, `
			INSERT INTO ledger_entries (sale_id, batch_id, barcode, product_name, unit_cost, unit_price, quantity, profit, vat, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`, entry.SaleID, entry.BatchID, entry.Barcode, entry.ProductName, entry.UnitCost, entry.UnitPrice, entry.Quantity, entry.Profit, entry.VAT, entry.CreatedAt).Scan(&entry.ID)
		if err != nil {
			return nil, classify(err)
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
		FROM products
		WHERE barcode = $1
	`, barcode).Scan(&product.Barcode, &product.Name, &product.Price)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
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

// classify maps driver failures onto the store sentinels, keeping the
// original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %w", store.ErrTxDone, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%w: %w", store.ErrDuplicate, err)
	case "23503":
		return fmt.Errorf("%w: %w", store.ErrNotFound, err)
	case "40001", "40P01", "55P03":
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
