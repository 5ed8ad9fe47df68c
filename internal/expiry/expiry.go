// Package expiry closes payment windows. Orders normally expire through the
// job scheduled at creation; the sweeper catches anything that slipped past
// it (lost jobs, long downtime).
package expiry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"

	"payment-service/internal/jobs"
	"payment-service/internal/model"
)

var (
	ordersExpiredCounter    = metrics.GetOrCreateCounter(`order_expiry_total{result="expired"}`)
	expirySkippedCounter    = metrics.GetOrCreateCounter(`order_expiry_total{result="skipped"}`)
	sweepBatchSizeHistogram = metrics.GetOrCreateHistogram(`order_expiry_sweep_batch_size`)
)

type OrderStore interface {
	UpdateStatusIf(ctx context.Context, orderNo string, from, to model.OrderStatus) (bool, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type ProjectionCache interface {
	Invalidate(ctx context.Context, orderNo string) error
}

type Expirer struct {
	orders OrderStore
	cache  ProjectionCache
	logger *slog.Logger
}

func NewExpirer(orders OrderStore, cache ProjectionCache, logger *slog.Logger) *Expirer {
	return &Expirer{orders: orders, cache: cache, logger: logger}
}

// ExpireOrder moves a still-pending order to EXPIRED. Orders settled in the
// meantime are left alone; payment always beats expiry.
func (e *Expirer) ExpireOrder(ctx context.Context, orderNo string) error {
	expired, err := e.orders.UpdateStatusIf(ctx, orderNo, model.OrderPending, model.OrderExpired)
	if err != nil {
		return errors.Wrapf(err, "expiring order %s", orderNo)
	}
	if !expired {
		expirySkippedCounter.Inc()
		return nil
	}

	ordersExpiredCounter.Inc()
	e.logger.InfoContext(ctx, "Order expired", "orderNo", orderNo)

	if err := e.cache.Invalidate(ctx, orderNo); err != nil {
		e.logger.WarnContext(ctx, "Error invalidating order projection", "orderNo", orderNo, "error", err)
	}
	return nil
}

// HandleJob adapts ExpireOrder to the job worker.
func (e *Expirer) HandleJob(ctx context.Context, payload string) error {
	var p jobs.ExpirePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return errors.Wrap(err, "decoding expire payload")
	}
	return e.ExpireOrder(ctx, p.OrderNo)
}

type Sweeper struct {
	expirer   *Expirer
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewSweeper(expirer *Expirer, interval time.Duration, batchSize int, logger *slog.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{expirer: expirer, interval: interval, batchSize: batchSize, logger: logger}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting expiry sweeper", "interval", s.interval)
	ticker := time.NewTicker(s.interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Stopping expiry sweeper")
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Sweeper) sweep(ctx context.Context) {
	orderNos, err := s.expirer.orders.ListExpiredPending(ctx, time.Now(), s.batchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing expired pending orders", "error", err)
		return
	}
	sweepBatchSizeHistogram.Update(float64(len(orderNos)))
	if len(orderNos) == 0 {
		return
	}

	s.logger.InfoContext(ctx, "Sweeping overdue pending orders", "count", len(orderNos))
	for _, orderNo := range orderNos {
		if err := s.expirer.ExpireOrder(ctx, orderNo); err != nil {
			s.logger.ErrorContext(ctx, "Error expiring order", "orderNo", orderNo, "error", err)
		}
	}
}
