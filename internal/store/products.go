package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/safar/storefront-fulfilment/internal/database"
	"github.com/safar/storefront-fulfilment/internal/models"
	"github.com/shopspring/decimal"
)

const batchColumns = `id, product_id, code, production_date, quality, unit_price, discount, final_price, stock, position, updated_at`

type NewBatch struct {
	Code           string
	ProductionDate time.Time
	Quality        string
	UnitPrice      decimal.Decimal
	Discount       decimal.Decimal
	Stock          int
	Position       int
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*models.Batch, error) {
	b := &models.Batch{}
	err := row.Scan(
		&b.ID,
		&b.ProductID,
		&b.Code,
		&b.ProductionDate,
		&b.Quality,
		&b.UnitPrice,
		&b.Discount,
		&b.FinalPrice,
		&b.Stock,
		&b.Position,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CreateProduct inserts a product with no batches. Catalog writes are for
// seed tooling and tests; the service itself only reads the catalog.
func (s *Postgres) CreateProduct(ctx context.Context, name string) (*models.Product, error) {
	product := &models.Product{}

	query := `
		INSERT INTO products (name, aggregate_stock, created_at, updated_at)
		VALUES ($1, 0, NOW(), NOW())
		RETURNING id, name, aggregate_stock, created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&product.ID,
		&product.Name,
		&product.AggregateStock,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func (s *Postgres) CreateBatch(ctx context.Context, productID int64, nb NewBatch) (*models.Batch, error) {
	var batch *models.Batch

	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if err := lockProduct(ctx, tx, productID); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx,
			`INSERT INTO batches (product_id, code, production_date, quality, unit_price, discount, final_price, stock, position, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			 RETURNING `+batchColumns,
			productID, nb.Code, nb.ProductionDate, nb.Quality, nb.UnitPrice, nb.Discount,
			models.ComputeFinalPrice(nb.UnitPrice, nb.Discount), nb.Stock, nb.Position)

		b, err := scanBatch(row)
		if err != nil {
			if database.ClassifyError(err) == database.ErrorClassUniqueViolation {
				return database.ErrDuplicate
			}
			return fmt.Errorf("create batch: %w", err)
		}
		batch = b

		return recomputeAggregate(ctx, tx, productID)
	})
	if err != nil {
		return nil, err
	}

	return batch, nil
}

// GetProduct returns the product with its batches in allocation order.
func (s *Postgres) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	product := &models.Product{}

	query := `
		SELECT id, name, aggregate_stock, created_at, updated_at
		FROM products
		WHERE id = $1`

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&product.ID,
		&product.Name,
		&product.AggregateStock,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	batches, err := s.batchesFor(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	product.Batches = batches[id]

	return product, nil
}

func (s *Postgres) batchesFor(ctx context.Context, productIDs []int64) (map[int64][]models.Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+`
		 FROM batches
		 WHERE product_id = ANY($1)
		 ORDER BY product_id, position, id`,
		pq.Array(productIDs))
	if err != nil {
		return nil, fmt.Errorf("get batches: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]models.Batch, len(productIDs))
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out[b.ProductID] = append(out[b.ProductID], *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// DecrementBatch takes quantity from the batch only if the batch still holds
// that much. The product row is locked first so the aggregate recompute that
// follows sees every committed decrement of its sibling batches.
func (s *Postgres) DecrementBatch(ctx context.Context, batchID int64, quantity int) (*models.Batch, error) {
	var batch *models.Batch

	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var productID int64
		err := tx.QueryRowContext(ctx,
			`SELECT product_id FROM batches WHERE id = $1`,
			batchID).Scan(&productID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return database.ErrBatchNotFound
			}
			return fmt.Errorf("find batch: %w", err)
		}

		if err := lockProduct(ctx, tx, productID); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx,
			`UPDATE batches
			 SET stock = stock - $1,
			     updated_at = NOW()
			 WHERE id = $2
			   AND stock >= $1
			 RETURNING `+batchColumns,
			quantity, batchID)

		b, err := scanBatch(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return database.ErrStockConflict
			}
			return fmt.Errorf("decrement batch: %w", err)
		}
		batch = b

		return recomputeAggregate(ctx, tx, productID)
	})
	if err != nil {
		return nil, err
	}

	return batch, nil
}

func lockProduct(ctx context.Context, tx *sql.Tx, productID int64) error {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM products WHERE id = $1 FOR UPDATE`,
		productID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.ErrProductNotFound
		}
		return fmt.Errorf("lock product: %w", err)
	}
	return nil
}

func recomputeAggregate(ctx context.Context, tx *sql.Tx, productID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET aggregate_stock = (SELECT COALESCE(SUM(stock), 0) FROM batches WHERE product_id = $1),
		     updated_at = NOW()
		 WHERE id = $1`,
		productID)
	if err != nil {
		return fmt.Errorf("recompute aggregate stock: %w", err)
	}
	return nil
}

func (s *Postgres) ListProducts(ctx context.Context, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, name, aggregate_stock, created_at, updated_at
		FROM products
		ORDER BY id
		LIMIT $1 OFFSET $2`

	rows, err := s.db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var product models.Product
		err := rows.Scan(
			&product.ID,
			&product.Name,
			&product.AggregateStock,
			&product.CreatedAt,
			&product.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, product)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return NewOffsetPage(products, total, page, pageSize), nil
}
