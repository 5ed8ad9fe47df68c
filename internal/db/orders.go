package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"

	"payment-service/internal/errs"
	"payment-service/internal/model"
)

const uniqueViolation = "23505"

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

const orderColumns = `order_no, user_id, plan_id, original_amount, discount_amount, final_amount,
	payment_method, status, provider_trade_id, qr_code, created_at, expires_at, paid_at`

func (r *OrderRepository) Create(ctx context.Context, o *model.Order) error {
	query := `INSERT INTO orders (` + orderColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, query,
		o.OrderNo, o.UserID, o.PlanID, o.OriginalAmount, o.DiscountAmount, o.FinalAmount,
		o.Method, o.Status, o.ProviderTradeID, o.QRCode, o.CreatedAt, o.ExpiresAt, o.PaidAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		// Order number collision. Treated as a creation failure the caller
		// retries with a fresh number.
		return pkgerrors.Wrapf(errs.ErrStateConflict, "order number %s already exists", o.OrderNo)
	}
	return err
}

func (r *OrderRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_no = $1`
	row := r.pool.QueryRow(ctx, query, orderNo)

	var o model.Order
	err := row.Scan(&o.OrderNo, &o.UserID, &o.PlanID, &o.OriginalAmount, &o.DiscountAmount,
		&o.FinalAmount, &o.Method, &o.Status, &o.ProviderTradeID, &o.QRCode,
		&o.CreatedAt, &o.ExpiresAt, &o.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pkgerrors.Wrapf(errs.ErrNotFound, "order %s", orderNo)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateStatusIf flips the order status only when the current value matches
// the expected one. The returned bool reports whether this caller won the
// transition; concurrent losers observe false and re-read.
func (r *OrderRepository) UpdateStatusIf(ctx context.Context, orderNo string, from, to model.OrderStatus) (bool, error) {
	query := `UPDATE orders SET status = $3 WHERE order_no = $1 AND status = $2`
	tag, err := r.pool.Exec(ctx, query, orderNo, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyPayment performs the PAID transition and marks the triggering callback
// row processed inside one transaction. The status predicate is the
// compare-and-set guard: exactly one concurrent invocation for the same order
// number wins; all others return false with no rows touched.
func (r *OrderRepository) ApplyPayment(ctx context.Context, orderNo, tradeNo string, paidAt time.Time, callbackID uuid.UUID) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE orders SET status = $2, provider_trade_id = $3, paid_at = $4
		 WHERE order_no = $1 AND status = $5`,
		orderNo, model.OrderPaid, tradeNo, paidAt, model.OrderPending)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE payment_callbacks SET processed = true, processed_at = $2 WHERE id = $1`,
		callbackID, paidAt)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string, page, pageSize int) ([]model.Order, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM orders WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1
	          ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.OrderNo, &o.UserID, &o.PlanID, &o.OriginalAmount, &o.DiscountAmount,
			&o.FinalAmount, &o.Method, &o.Status, &o.ProviderTradeID, &o.QRCode,
			&o.CreatedAt, &o.ExpiresAt, &o.PaidAt); err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}

// ListExpiredPending returns order numbers still PENDING past their expiry
// instant, for the periodic sweep.
func (r *OrderRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT order_no FROM orders WHERE status = $1 AND expires_at <= $2 LIMIT $3`,
		model.OrderPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orderNos []string
	for rows.Next() {
		var orderNo string
		if err := rows.Scan(&orderNo); err != nil {
			return nil, err
		}
		orderNos = append(orderNos, orderNo)
	}
	return orderNos, rows.Err()
}
