package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/storefront-fulfilment/internal/database"
	"github.com/safar/storefront-fulfilment/internal/models"
)

func lockOrderByExternalID(ctx context.Context, tx *sql.Tx, externalOrderID string) (*models.Order, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE external_order_id = $1 FOR UPDATE`,
		externalOrderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}
	return order, nil
}

// MarkPaid applies a verified confirmation. The order row is locked for the
// whole transaction, so of two concurrent confirmations exactly one sees
// pending and gets PaymentApplied.
func (s *Postgres) MarkPaid(ctx context.Context, conf models.PaymentConfirmation, currency string) (*models.Order, models.PaymentOutcome, error) {
	var (
		orderID int64
		outcome models.PaymentOutcome
	)

	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order, err := lockOrderByExternalID(ctx, tx, conf.ExternalOrderID)
		if err != nil {
			return err
		}
		orderID = order.ID

		switch order.Status {
		case models.OrderStatusPaid:
			outcome = models.PaymentAlreadyApplied
			return settleManuallyPaid(ctx, tx, order, conf, currency)
		case models.OrderStatusPending:
			outcome = models.PaymentApplied
		default:
			outcome = models.PaymentNotPayable
		}

		if err := recordPayment(ctx, tx, order, conf, currency, models.PaymentStatusPaid); err != nil {
			return err
		}
		if outcome != models.PaymentApplied {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $1,
			     payment_id = $2,
			     payment_signature = $3,
			     stock_pending_since = NOW(),
			     updated_at = NOW()
			 WHERE id = $4`,
			models.OrderStatusPaid, conf.ExternalPaymentID, conf.Signature, order.ID)
		if err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, 0, err
	}
	return order, outcome, nil
}

// settleManuallyPaid records a capture for an order that is already paid. An
// operator may have marked it paid before the provider's confirmation
// arrived; the capture still belongs in the payment trail.
func settleManuallyPaid(ctx context.Context, tx *sql.Tx, order *models.Order, conf models.PaymentConfirmation, currency string) error {
	if order.PaymentID != "" {
		return nil
	}
	if err := recordPayment(ctx, tx, order, conf, currency, models.PaymentStatusPaid); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE orders
		 SET payment_id = $1,
		     payment_signature = $2,
		     updated_at = NOW()
		 WHERE id = $3
		   AND payment_id = ''`,
		conf.ExternalPaymentID, conf.Signature, order.ID)
	if err != nil {
		return fmt.Errorf("fill order payment id: %w", err)
	}
	return nil
}

// MarkFailed records a failed payment attempt and fails the order if it is
// still pending. Orders in any other status are returned unchanged.
func (s *Postgres) MarkFailed(ctx context.Context, conf models.PaymentConfirmation, currency string) (*models.Order, error) {
	var orderID int64

	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order, err := lockOrderByExternalID(ctx, tx, conf.ExternalOrderID)
		if err != nil {
			return err
		}
		orderID = order.ID

		if order.Status != models.OrderStatusPending {
			return nil
		}

		if err := recordPayment(ctx, tx, order, conf, currency, models.PaymentStatusFailed); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $1,
			     updated_at = NOW()
			 WHERE id = $2`,
			models.OrderStatusFailed, order.ID)
		if err != nil {
			return fmt.Errorf("mark order failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.GetOrder(ctx, orderID)
}

// recordPayment settles the order's open created Payment with the given
// status, or inserts a new row when there is none. An order that already
// has a paid Payment is left alone.
func recordPayment(ctx context.Context, tx *sql.Tx, order *models.Order, conf models.PaymentConfirmation, currency string, status models.PaymentStatus) error {
	var alreadyPaid bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM payments WHERE order_id = $1 AND status = $2)`,
		order.ID, models.PaymentStatusPaid).Scan(&alreadyPaid)
	if err != nil {
		return fmt.Errorf("check paid payment: %w", err)
	}
	if alreadyPaid {
		return nil
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE payments
		 SET status = $1,
		     external_payment_id = $2,
		     updated_at = NOW()
		 WHERE id = (
		     SELECT id FROM payments
		     WHERE order_id = $3 AND status = $4
		     ORDER BY id
		     LIMIT 1
		 )`,
		status, conf.ExternalPaymentID, order.ID, models.PaymentStatusCreated)
	if err != nil {
		return fmt.Errorf("settle payment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payments (order_id, external_order_id, external_payment_id, amount, currency, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`,
		order.ID, conf.ExternalOrderID, conf.ExternalPaymentID, order.TotalPrice, currency, status)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *Postgres) ListPayments(ctx context.Context, orderID int64) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, external_order_id, external_payment_id, amount, currency, status, created_at, updated_at
		 FROM payments
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		err := rows.Scan(
			&p.ID,
			&p.OrderID,
			&p.ExternalOrderID,
			&p.ExternalPaymentID,
			&p.Amount,
			&p.Currency,
			&p.Status,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return payments, nil
}

// RecordShortfalls stores the lines that could not be taken from stock and
// flags the order for an operator.
func (s *Postgres) RecordShortfalls(ctx context.Context, orderID int64, shortfalls []models.StockShortfall) error {
	return database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		for _, sf := range shortfalls {
			var batchID sql.NullInt64
			if sf.BatchID != 0 {
				batchID = sql.NullInt64{Int64: sf.BatchID, Valid: true}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO stock_shortfalls (order_id, product_id, batch_id, quantity, reason, created_at)
				 VALUES ($1, $2, $3, $4, $5, NOW())`,
				orderID, sf.ProductID, batchID, sf.Quantity, sf.Reason)
			if err != nil {
				return fmt.Errorf("insert stock shortfall: %w", err)
			}
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE orders
			 SET stock_shortfall = TRUE,
			     updated_at = NOW()
			 WHERE id = $1`,
			orderID)
		if err != nil {
			return fmt.Errorf("flag order shortfall: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return database.ErrOrderNotFound
		}
		return nil
	})
}

func (s *Postgres) ListShortfalls(ctx context.Context, orderID int64) ([]models.StockShortfall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, product_id, batch_id, quantity, reason, created_at
		 FROM stock_shortfalls
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("list stock shortfalls: %w", err)
	}
	defer rows.Close()

	var out []models.StockShortfall
	for rows.Next() {
		var sf models.StockShortfall
		var batchID sql.NullInt64
		if err := rows.Scan(&sf.ID, &sf.OrderID, &sf.ProductID, &batchID, &sf.Quantity, &sf.Reason, &sf.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stock shortfall: %w", err)
		}
		sf.BatchID = batchID.Int64
		out = append(out, sf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}
