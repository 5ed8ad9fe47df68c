package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"payment-service/internal/model"
)

type CallbackRepository struct {
	pool *pgxpool.Pool
}

func NewCallbackRepository(pool *pgxpool.Pool) *CallbackRepository {
	return &CallbackRepository{pool: pool}
}

// Insert appends one webhook delivery. Duplicates and deliveries for settled
// orders are stored too; the table is the audit trail for replay detection.
func (r *CallbackRepository) Insert(ctx context.Context, cb *model.PaymentCallback) error {
	query := `INSERT INTO payment_callbacks (id, provider, order_no, trade_no, raw_payload, processed, received_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		cb.ID, cb.Provider, cb.OrderNo, cb.TradeNo, cb.RawPayload, cb.Processed, cb.ReceivedAt)
	return err
}

func (r *CallbackRepository) ListByOrder(ctx context.Context, orderNo string) ([]model.PaymentCallback, error) {
	query := `SELECT id, provider, order_no, trade_no, raw_payload, processed, received_at, processed_at
	          FROM payment_callbacks WHERE order_no = $1 ORDER BY received_at`
	rows, err := r.pool.Query(ctx, query, orderNo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var callbacks []model.PaymentCallback
	for rows.Next() {
		var cb model.PaymentCallback
		if err := rows.Scan(&cb.ID, &cb.Provider, &cb.OrderNo, &cb.TradeNo, &cb.RawPayload,
			&cb.Processed, &cb.ReceivedAt, &cb.ProcessedAt); err != nil {
			return nil, err
		}
		callbacks = append(callbacks, cb)
	}
	return callbacks, rows.Err()
}
