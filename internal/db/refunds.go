package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"

	"payment-service/internal/errs"
	"payment-service/internal/model"
)

type RefundRepository struct {
	pool *pgxpool.Pool
}

func NewRefundRepository(pool *pgxpool.Pool) *RefundRepository {
	return &RefundRepository{pool: pool}
}

func (r *RefundRepository) Create(ctx context.Context, rf *model.Refund) error {
	query := `INSERT INTO refunds (refund_no, order_no, amount, reason, status, provider_refund_id, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		rf.RefundNo, rf.OrderNo, rf.Amount, rf.Reason, rf.Status, rf.ProviderRefundID, rf.CreatedAt, rf.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		// refunds_one_active_per_order: a pending/success refund already
		// exists for this order.
		return pkgerrors.Wrapf(errs.ErrStateConflict, "active refund already exists for order %s", rf.OrderNo)
	}
	return err
}

// GetActiveByOrder returns the refund in {pending, success} for the order,
// or ErrNotFound.
func (r *RefundRepository) GetActiveByOrder(ctx context.Context, orderNo string) (*model.Refund, error) {
	query := `SELECT refund_no, order_no, amount, reason, status, provider_refund_id, created_at, updated_at
	          FROM refunds WHERE order_no = $1 AND status IN ($2, $3)`
	row := r.pool.QueryRow(ctx, query, orderNo, model.RefundPending, model.RefundSuccess)

	var rf model.Refund
	err := row.Scan(&rf.RefundNo, &rf.OrderNo, &rf.Amount, &rf.Reason, &rf.Status,
		&rf.ProviderRefundID, &rf.CreatedAt, &rf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pkgerrors.Wrapf(errs.ErrNotFound, "no active refund for order %s", orderNo)
	}
	if err != nil {
		return nil, err
	}
	return &rf, nil
}

func (r *RefundRepository) GetByRefundNo(ctx context.Context, refundNo string) (*model.Refund, error) {
	query := `SELECT refund_no, order_no, amount, reason, status, provider_refund_id, created_at, updated_at
	          FROM refunds WHERE refund_no = $1`
	row := r.pool.QueryRow(ctx, query, refundNo)

	var rf model.Refund
	err := row.Scan(&rf.RefundNo, &rf.OrderNo, &rf.Amount, &rf.Reason, &rf.Status,
		&rf.ProviderRefundID, &rf.CreatedAt, &rf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pkgerrors.Wrapf(errs.ErrNotFound, "refund %s", refundNo)
	}
	if err != nil {
		return nil, err
	}
	return &rf, nil
}
