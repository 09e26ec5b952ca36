package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pharmacy-payment-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrNotFound marks lookups whose row does not exist, as opposed to
// transient database failures
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProducts retrieves all products
func (s *Store) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products, "SELECT * FROM products ORDER BY id")
	return products, err
}

// GetStock retrieves quantity-on-hand for a product
func (s *Store) GetStock(ctx context.Context, productID int64) (*models.Stock, error) {
	var st models.Stock
	err := s.db.GetContext(ctx, &st, "SELECT * FROM stock WHERE product_id = $1", productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: stock for product %d", ErrNotFound, productID)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// DeductStockOnce atomically deducts stock for one order line item, at most
// once per (order, product). The deduction marker and the decrement commit
// together, so a retried webhook delivery that already deducted this item
// becomes a no-op. Returns the post-deduction quantity and whether this call
// applied the deduction.
//
// The decrement is a single server-side UPDATE, never a read-then-write, so
// concurrent orders racing on the same product cannot lose updates. Quantity
// is allowed to go negative: the buyer has already been charged, so the
// deduction always applies and backorders are surfaced to operators instead.
func (s *Store) DeductStockOnce(ctx context.Context, orderID, productID int64, quantity int) (applied bool, remaining int, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO stock_deductions (order_id, product_id, quantity) VALUES ($1, $2, $3) ON CONFLICT (order_id, product_id) DO NOTHING",
		orderID, productID, quantity)
	if err != nil {
		return false, 0, fmt.Errorf("failed to record stock deduction: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}
	if inserted == 0 {
		var current int
		if err := tx.GetContext(ctx, &current,
			"SELECT quantity FROM stock WHERE product_id = $1", productID); err != nil {
			return false, 0, err
		}
		return false, current, tx.Commit()
	}

	err = tx.GetContext(ctx, &remaining,
		"UPDATE stock SET quantity = quantity - $1, updated_at = NOW() WHERE product_id = $2 RETURNING quantity",
		quantity, productID)
	if err == sql.ErrNoRows {
		return false, 0, fmt.Errorf("stock not found for product: %d", productID)
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to deduct stock: %w", err)
	}

	return true, remaining, tx.Commit()
}

// RestoreStock adds quantity back to a product (manual reconciliation path)
func (s *Store) RestoreStock(ctx context.Context, productID int64, quantity int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE stock SET quantity = quantity + $1, updated_at = NOW() WHERE product_id = $2",
		quantity, productID)
	return err
}
