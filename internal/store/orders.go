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
)

const orderColumns = `id, order_number, user_id, user_email, user_name, address, phone, total_price, status,
	external_order_id, payment_id, payment_signature, stock_shortfall, stock_pending_since, created_at, updated_at`

func scanOrder(row rowScanner) (*models.Order, error) {
	o := &models.Order{}
	var (
		externalOrderID sql.NullString
		stockPending    sql.NullTime
	)
	err := row.Scan(
		&o.ID,
		&o.OrderNumber,
		&o.UserID,
		&o.UserEmail,
		&o.UserName,
		&o.Address,
		&o.Phone,
		&o.TotalPrice,
		&o.Status,
		&externalOrderID,
		&o.PaymentID,
		&o.PaymentSignature,
		&o.StockShortfall,
		&stockPending,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.ExternalOrderID = externalOrderID.String
	if stockPending.Valid {
		o.StockPendingSince = &stockPending.Time
	}
	return o, nil
}

// CreateOrder persists the order and its lines in one transaction. Lines are
// stored as given; nothing is read back from the catalog.
func (s *Postgres) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	var orderID int64

	err := database.WithRetry(ctx, s.db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		orderNumber := order.OrderNumber
		if orderNumber == "" {
			orderNumber = GenerateOrderNumber()
		}

		err := tx.QueryRowContext(ctx,
			`INSERT INTO orders (order_number, user_id, user_email, user_name, address, phone, total_price, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
			 RETURNING id`,
			orderNumber, order.UserID, order.UserEmail, order.UserName, order.Address, order.Phone,
			order.TotalPrice, models.OrderStatusPending).Scan(&orderID)
		if err != nil {
			if database.ClassifyError(err) == database.ErrorClassUniqueViolation {
				return database.ErrDuplicate
			}
			return fmt.Errorf("create order: %w", err)
		}

		for i, line := range order.Lines {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_lines (order_id, position, product_id, product_name, batch_id, unit_price, quantity)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				orderID, i, line.ProductID, line.ProductName, line.BatchID, line.UnitPrice, line.Quantity)
			if err != nil {
				return fmt.Errorf("create order line: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.GetOrder(ctx, orderID)
}

// AttachPaymentIntent records the gateway's order id on a pending order and
// opens a created Payment for it. It fails with a status conflict if the
// order has left pending or already has an intent.
func (s *Postgres) AttachPaymentIntent(ctx context.Context, orderID int64, payment *models.Payment) (*models.Order, error) {
	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE orders
			 SET external_order_id = $1,
			     updated_at = NOW()
			 WHERE id = $2
			   AND status = $3
			   AND external_order_id IS NULL`,
			payment.ExternalOrderID, orderID, models.OrderStatusPending)
		if err != nil {
			if database.ClassifyError(err) == database.ErrorClassUniqueViolation {
				return database.ErrDuplicate
			}
			return fmt.Errorf("attach external order id: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return orderMissingOrConflict(ctx, tx, orderID)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO payments (order_id, external_order_id, amount, currency, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`,
			orderID, payment.ExternalOrderID, payment.Amount, payment.Currency, models.PaymentStatusCreated)
		if err != nil {
			return fmt.Errorf("create payment: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.GetOrder(ctx, orderID)
}

func (s *Postgres) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	lines, err := s.linesFor(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	order.Lines = lines[id]

	return order, nil
}

func (s *Postgres) linesFor(ctx context.Context, orderIDs []int64) (map[int64][]models.OrderLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, product_id, product_name, batch_id, unit_price, quantity
		 FROM order_lines
		 WHERE order_id = ANY($1)
		 ORDER BY order_id, position`,
		pq.Array(orderIDs))
	if err != nil {
		return nil, fmt.Errorf("get order lines: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]models.OrderLine, len(orderIDs))
	for rows.Next() {
		var line models.OrderLine
		err := rows.Scan(
			&line.ID,
			&line.OrderID,
			&line.ProductID,
			&line.ProductName,
			&line.BatchID,
			&line.UnitPrice,
			&line.Quantity,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		out[line.OrderID] = append(out[line.OrderID], line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// ListOrders pages newest first by (created_at, id).
func (s *Postgres) ListOrders(ctx context.Context, filter OrderFilter) (*CursorPage, error) {
	cursor, err := DecodeCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}
	limit := NormalizeLimit(filter.Limit)

	query := `SELECT ` + orderColumns + ` FROM orders WHERE TRUE`
	var args []any
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	page := Paginate(orders, limit)
	if len(page.Items) == 0 {
		return page, nil
	}

	ids := make([]int64, len(page.Items))
	for i := range page.Items {
		ids[i] = page.Items[i].ID
	}
	lines, err := s.linesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range page.Items {
		page.Items[i].Lines = lines[page.Items[i].ID]
	}

	return page, nil
}

// TransitionStatus moves the order from one status to another only if it is
// still in from. Losing a race to another writer is a status conflict. Moving
// to paid marks the order's stock as owed.
func (s *Postgres) TransitionStatus(ctx context.Context, id int64, from, to models.OrderStatus) (*models.Order, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE orders
		 SET status = $1,
		     stock_pending_since = CASE WHEN $4 THEN NOW() ELSE stock_pending_since END,
		     updated_at = NOW()
		 WHERE id = $2
		   AND status = $3`,
		to, id, from, to == models.OrderStatusPaid)
	if err != nil {
		return nil, fmt.Errorf("transition order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetOrder(ctx, id); err != nil {
			return nil, err
		}
		return nil, database.ErrStatusConflict
	}

	return s.GetOrder(ctx, id)
}

// CancelOrphans cancels up to limit pending orders created before cutoff
// that never got a payment intent. Rows another sweeper holds are skipped.
func (s *Postgres) CancelOrphans(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	var ids []int64

	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		ids = nil

		rows, err := tx.QueryContext(ctx,
			`SELECT id
			 FROM orders
			 WHERE status = $1
			   AND external_order_id IS NULL
			   AND created_at < $2
			 ORDER BY created_at
			 LIMIT $3
			 FOR UPDATE SKIP LOCKED`,
			models.OrderStatusPending, cutoff, limit)
		if err != nil {
			return fmt.Errorf("select orphan orders: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan orphan order: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $1,
			     updated_at = NOW()
			 WHERE id = ANY($2)`,
			models.OrderStatusCancelled, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("cancel orphan orders: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// CompleteStock clears the owed-stock marker once a paid order's lines have
// been taken.
func (s *Postgres) CompleteStock(ctx context.Context, orderID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE orders
		 SET stock_pending_since = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		orderID)
	if err != nil {
		return fmt.Errorf("complete order stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrOrderNotFound
	}
	return nil
}

// ClaimStalledStock picks up to limit paid orders whose stock has been owed
// since before cutoff and restamps them, so a second caller does not pick
// the same orders until cutoff passes again.
func (s *Postgres) ClaimStalledStock(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE orders
		 SET stock_pending_since = NOW()
		 WHERE id IN (
		     SELECT id
		     FROM orders
		     WHERE status = $1
		       AND stock_pending_since < $2
		     ORDER BY stock_pending_since
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id`,
		models.OrderStatusPaid, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("claim stalled stock: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stalled order: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return ids, nil
}

func orderMissingOrConflict(ctx context.Context, tx *sql.Tx, orderID int64) error {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`,
		orderID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check order exists: %w", err)
	}
	if !exists {
		return database.ErrOrderNotFound
	}
	return database.ErrStatusConflict
}
