// Package callback applies provider webhooks to orders. It is the only
// place a payment becomes real: verification, audit persistence, the
// compare-and-set PAID transition and the post-commit side effects all live
// here.
package callback

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"payment-service/internal/gateway"
	"payment-service/internal/jobs"
	"payment-service/internal/logging"
	"payment-service/internal/model"
)

var (
	callbackInvalidSignatureCounter = metrics.GetOrCreateCounter(`payment_callback_total{result="invalid_signature"}`)
	callbackParseErrorCounter       = metrics.GetOrCreateCounter(`payment_callback_total{result="parse_error"}`)
	callbackNotFoundCounter         = metrics.GetOrCreateCounter(`payment_callback_total{result="order_not_found"}`)
	callbackDuplicateCounter        = metrics.GetOrCreateCounter(`payment_callback_total{result="duplicate"}`)
	callbackAnomalyCounter          = metrics.GetOrCreateCounter(`payment_callback_total{result="anomaly"}`)
	callbackAppliedCounter          = metrics.GetOrCreateCounter(`payment_callback_total{result="applied"}`)
	callbackStoreErrorCounter       = metrics.GetOrCreateCounter(`payment_callback_total{result="store_error"}`)

	callbackProcessDurationHistogram = metrics.GetOrCreateHistogram(`payment_callback_duration_milliseconds`)
)

type OrderStore interface {
	GetByOrderNo(ctx context.Context, orderNo string) (*model.Order, error)
	ApplyPayment(ctx context.Context, orderNo, tradeNo string, paidAt time.Time, callbackID uuid.UUID) (bool, error)
}

type CallbackStore interface {
	Insert(ctx context.Context, cb *model.PaymentCallback) error
}

type Provisioner interface {
	Provision(ctx context.Context, userID, planID, orderNo string) error
}

type Queue interface {
	Enqueue(ctx context.Context, id, jobType string, payload any, delay time.Duration) error
}

type ProjectionCache interface {
	Invalidate(ctx context.Context, orderNo string) error
}

type Processor struct {
	gateways    map[model.PaymentMethod]gateway.Gateway
	orders      OrderStore
	callbacks   CallbackStore
	cache       ProjectionCache
	provisioner Provisioner
	queue       Queue
	retryDelay  time.Duration
	logger      *slog.Logger
}

func appendOrderCtx(ctx context.Context, provider model.PaymentMethod, orderNo string) context.Context {
	ctx = logging.AppendCtx(ctx, slog.String("provider", string(provider)))
	return logging.AppendCtx(ctx, slog.String("orderNo", orderNo))
}

func NewProcessor(gateways map[model.PaymentMethod]gateway.Gateway, orders OrderStore,
	callbacks CallbackStore, projCache ProjectionCache, provisioner Provisioner,
	queue Queue, retryDelay time.Duration, logger *slog.Logger) *Processor {
	return &Processor{
		gateways:    gateways,
		orders:      orders,
		callbacks:   callbacks,
		cache:       projCache,
		provisioner: provisioner,
		queue:       queue,
		retryDelay:  retryDelay,
		logger:      logger,
	}
}

// Handle processes one raw webhook body and returns the ack the provider
// expects. Providers deliver at least once; the compare-and-set transition
// keeps the downstream effects exactly once.
func (p *Processor) Handle(ctx context.Context, provider model.PaymentMethod, raw []byte) (string, []byte) {
	startTime := time.Now()
	defer func() {
		callbackProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	gw, ok := p.gateways[provider]
	if !ok {
		p.logger.ErrorContext(ctx, "Callback for unknown provider", "provider", provider)
		callbackParseErrorCounter.Inc()
		return "text/plain", []byte("fail")
	}

	notification, err := gw.ParseCallback(raw)
	if err != nil {
		p.logger.WarnContext(ctx, "Unparseable callback payload", "provider", provider, "error", err)
		callbackParseErrorCounter.Inc()
		return gw.AckFailure()
	}

	ctx = appendOrderCtx(ctx, provider, notification.OrderNo)

	// Verification gates everything: an unauthenticated payload must not
	// leave any trace in state.
	if !gw.VerifyCallback(raw) {
		p.logger.WarnContext(ctx, "Callback signature verification failed; possible replay or forgery",
			"tradeNo", notification.TradeNo)
		callbackInvalidSignatureCounter.Inc()
		return gw.AckFailure()
	}

	// Audit row goes in unconditionally, duplicates and settled orders
	// included.
	cb := &model.PaymentCallback{
		ID:         uuid.New(),
		Provider:   provider,
		OrderNo:    notification.OrderNo,
		TradeNo:    notification.TradeNo,
		RawPayload: string(raw),
		ReceivedAt: time.Now(),
	}
	if err := p.callbacks.Insert(ctx, cb); err != nil {
		p.logger.ErrorContext(ctx, "Error persisting callback row", "error", err)
		callbackStoreErrorCounter.Inc()
		return gw.AckFailure()
	}

	o, err := p.orders.GetByOrderNo(ctx, notification.OrderNo)
	if err != nil {
		p.logger.WarnContext(ctx, "Callback for unknown order", "error", err)
		callbackNotFoundCounter.Inc()
		return gw.AckFailure()
	}

	switch {
	case o.Status == model.OrderPaid:
		// Idempotent no-op; ack success so the provider stops retrying.
		p.logger.InfoContext(ctx, "Order already paid, duplicate delivery acknowledged")
		callbackDuplicateCounter.Inc()
		return gw.AckSuccess()

	case o.Status != model.OrderPending && notification.Succeeded:
		p.logger.WarnContext(ctx, "Success callback for settled order",
			"status", o.Status, "tradeNo", notification.TradeNo)
		callbackAnomalyCounter.Inc()
		return gw.AckFailure()
	}

	if !notification.Succeeded {
		p.logger.InfoContext(ctx, "Non-success callback recorded", "tradeNo", notification.TradeNo)
		return gw.AckSuccess()
	}

	if !notification.Amount.Equal(o.FinalAmount) {
		p.logger.WarnContext(ctx, "Callback amount mismatch",
			"reported", notification.Amount.StringFixed(2),
			"expected", o.FinalAmount.StringFixed(2))
		callbackAnomalyCounter.Inc()
		return gw.AckFailure()
	}

	paidAt := time.Now()
	won, err := p.orders.ApplyPayment(ctx, o.OrderNo, notification.TradeNo, paidAt, cb.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error applying payment", "error", err)
		callbackStoreErrorCounter.Inc()
		return gw.AckFailure()
	}
	if !won {
		// A concurrent delivery got there first; the order is PAID now.
		p.logger.InfoContext(ctx, "Lost payment transition race, treating as duplicate")
		callbackDuplicateCounter.Inc()
		return gw.AckSuccess()
	}

	p.logger.InfoContext(ctx, "Order paid", "tradeNo", notification.TradeNo)
	callbackAppliedCounter.Inc()

	p.afterPaid(ctx, o, paidAt)
	return gw.AckSuccess()
}

// afterPaid runs the post-commit side effects for the transition winner.
// The order is already durably PAID; nothing here may undo that.
func (p *Processor) afterPaid(ctx context.Context, o *model.Order, paidAt time.Time) {
	if err := p.cache.Invalidate(ctx, o.OrderNo); err != nil {
		p.logger.WarnContext(ctx, "Error invalidating order projection", "error", err)
	}

	if err := p.provisioner.Provision(ctx, o.UserID, o.PlanID, o.OrderNo); err != nil {
		p.logger.ErrorContext(ctx, "Subscription provisioning failed, scheduling retry", "error", err)
		if qErr := p.queue.Enqueue(ctx, "provision:"+o.OrderNo, jobs.TypeProvision, jobs.ProvisionPayload{
			OrderNo: o.OrderNo,
			UserID:  o.UserID,
			PlanID:  o.PlanID,
		}, p.retryDelay); qErr != nil {
			p.logger.ErrorContext(ctx, "Error enqueueing provisioning retry", "error", qErr)
		}
	}

	if err := p.queue.Enqueue(ctx, "notify:"+o.OrderNo, jobs.TypeNotify, jobs.NotifyPayload{
		OrderNo: o.OrderNo,
		UserID:  o.UserID,
		PlanID:  o.PlanID,
		Amount:  o.FinalAmount.StringFixed(2),
		PaidAt:  paidAt,
	}, 0); err != nil {
		p.logger.ErrorContext(ctx, "Error enqueueing payment notification", "error", err)
	}
}
