// Package refund initiates refunds against the upstream provider. Refunds
// are recorded pending and reconciled out of band; this service never marks
// one successful on its own.
package refund

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payment-service/internal/errs"
	"payment-service/internal/gateway"
	"payment-service/internal/model"
	"payment-service/internal/order"
)

var (
	refundInitiatedCounter = metrics.GetOrCreateCounter(`refund_total{result="initiated"}`)
	refundRejectedCounter  = metrics.GetOrCreateCounter(`refund_total{result="rejected"}`)
	refundGatewayErrCount  = metrics.GetOrCreateCounter(`refund_total{result="gateway_error"}`)
)

type OrderStore interface {
	GetByOrderNo(ctx context.Context, orderNo string) (*model.Order, error)
}

type RefundStore interface {
	Create(ctx context.Context, rf *model.Refund) error
	GetActiveByOrder(ctx context.Context, orderNo string) (*model.Refund, error)
	GetByRefundNo(ctx context.Context, refundNo string) (*model.Refund, error)
}

type Service struct {
	orders   OrderStore
	refunds  RefundStore
	gateways map[model.PaymentMethod]gateway.Gateway
	logger   *slog.Logger
}

func NewService(orders OrderStore, refunds RefundStore,
	gateways map[model.PaymentMethod]gateway.Gateway, logger *slog.Logger) *Service {
	return &Service{orders: orders, refunds: refunds, gateways: gateways, logger: logger}
}

// CreateRefund initiates a refund for a paid order owned by userID. A zero
// amount means a full refund. At most one refund may be active per order.
func (s *Service) CreateRefund(ctx context.Context, userID, orderNo, reason string, amount decimal.Decimal) (*model.Refund, error) {
	o, err := s.orders.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, errors.Wrapf(errs.ErrForbidden, "order %s does not belong to user %s", orderNo, userID)
	}
	if o.Status != model.OrderPaid {
		refundRejectedCounter.Inc()
		return nil, errors.Wrapf(errs.ErrStateConflict, "order %s is %s, only paid orders are refundable", orderNo, o.Status)
	}

	if amount.IsZero() {
		amount = o.FinalAmount
	}
	if amount.IsNegative() || amount.GreaterThan(o.FinalAmount) {
		refundRejectedCounter.Inc()
		return nil, errors.Wrapf(errs.ErrValidation,
			"refund amount %s exceeds order amount %s", amount.StringFixed(2), o.FinalAmount.StringFixed(2))
	}

	if existing, err := s.refunds.GetActiveByOrder(ctx, orderNo); err == nil {
		refundRejectedCounter.Inc()
		return nil, errors.Wrapf(errs.ErrStateConflict, "refund %s already active for order %s", existing.RefundNo, orderNo)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	gw, ok := s.gateways[o.Method]
	if !ok {
		return nil, errors.Wrapf(errs.ErrValidation, "no gateway for method %s", o.Method)
	}

	refundNo := "R" + order.GenerateOrderNo(time.Now())
	providerRefundID, err := gw.Refund(ctx, orderNo, refundNo, amount, reason)
	if err != nil {
		refundGatewayErrCount.Inc()
		return nil, errors.Wrapf(errs.ErrGateway, "initiating refund with %s: %v", o.Method, err)
	}

	now := time.Now()
	rf := &model.Refund{
		RefundNo:         refundNo,
		OrderNo:          orderNo,
		Amount:           amount,
		Reason:           reason,
		Status:           model.RefundPending,
		ProviderRefundID: &providerRefundID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.refunds.Create(ctx, rf); err != nil {
		// The provider accepted the refund but the row is lost; surface it
		// loudly for reconciliation.
		s.logger.ErrorContext(ctx, "Refund accepted by provider but not persisted",
			"orderNo", orderNo, "refundNo", refundNo, "providerRefundId", providerRefundID, "error", err)
		return nil, err
	}

	refundInitiatedCounter.Inc()
	s.logger.InfoContext(ctx, "Refund initiated",
		"orderNo", orderNo, "refundNo", refundNo, "amount", amount.StringFixed(2))
	return rf, nil
}

// GetRefund returns a refund, enforcing ownership through the parent order.
func (s *Service) GetRefund(ctx context.Context, userID, refundNo string) (*model.Refund, error) {
	rf, err := s.refunds.GetByRefundNo(ctx, refundNo)
	if err != nil {
		return nil, err
	}
	o, err := s.orders.GetByOrderNo(ctx, rf.OrderNo)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, errors.Wrapf(errs.ErrForbidden, "refund %s does not belong to user %s", refundNo, userID)
	}
	return rf, nil
}
