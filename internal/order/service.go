package order

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	qrcode "github.com/skip2/go-qrcode"

	"payment-service/internal/cache"
	"payment-service/internal/errs"
	"payment-service/internal/gateway"
	"payment-service/internal/jobs"
	"payment-service/internal/model"
)

type Store interface {
	Create(ctx context.Context, o *model.Order) error
	GetByOrderNo(ctx context.Context, orderNo string) (*model.Order, error)
	UpdateStatusIf(ctx context.Context, orderNo string, from, to model.OrderStatus) (bool, error)
	ListByUser(ctx context.Context, userID string, page, pageSize int) ([]model.Order, int, error)
}

type Queue interface {
	Enqueue(ctx context.Context, id, jobType string, payload any, delay time.Duration) error
}

type ProjectionCache interface {
	SetProjection(ctx context.Context, p *cache.OrderProjection, ttl time.Duration) error
	GetProjection(ctx context.Context, orderNo string) (*cache.OrderProjection, error)
	Invalidate(ctx context.Context, orderNo string) error
}

// Summary is what the purchase page needs to render the QR code and
// countdown.
type Summary struct {
	OrderNo        string              `json:"orderNo"`
	PlanID         string              `json:"planId"`
	OriginalAmount decimal.Decimal     `json:"originalAmount"`
	DiscountAmount decimal.Decimal     `json:"discountAmount"`
	FinalAmount    decimal.Decimal     `json:"finalAmount"`
	Method         model.PaymentMethod `json:"paymentMethod"`
	QRURL          string              `json:"qrUrl"`
	QRImage        string              `json:"qrImage"`
	ExpiresIn      int64               `json:"expiresIn"`
}

type Service struct {
	store        Store
	cache        ProjectionCache
	queue        Queue
	gateways     map[model.PaymentMethod]gateway.Gateway
	expiryWindow time.Duration
	logger       *slog.Logger
}

func NewService(store Store, projCache ProjectionCache, queue Queue,
	gateways map[model.PaymentMethod]gateway.Gateway, expiryWindow time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		cache:        projCache,
		queue:        queue,
		gateways:     gateways,
		expiryWindow: expiryWindow,
		logger:       logger,
	}
}

// CreateOrder validates the plan, applies the coupon, requests a QR payment
// link and persists the PENDING order. No row is written when the gateway
// call fails; the caller may simply retry, which mints a new order number.
func (s *Service) CreateOrder(ctx context.Context, userID, planID string, method model.PaymentMethod, couponCode string) (*Summary, error) {
	plan, ok := lookupPlan(planID)
	if !ok {
		return nil, pkgerrors.Wrapf(errs.ErrValidation, "unknown plan %q", planID)
	}
	gw, ok := s.gateways[method]
	if !ok {
		return nil, pkgerrors.Wrapf(errs.ErrValidation, "unsupported payment method %q", method)
	}

	discount := discountFor(couponCode, plan.Price)
	finalAmount := plan.Price.Sub(discount)

	now := time.Now()
	orderNo := GenerateOrderNo(now)

	qrURL, err := gw.CreateQRPayment(ctx, orderNo, plan.Name, finalAmount)
	if err != nil {
		s.logger.ErrorContext(ctx, "QR payment creation failed",
			"orderNo", orderNo, "method", method, "error", err)
		return nil, err
	}

	o := &model.Order{
		OrderNo:        orderNo,
		UserID:         userID,
		PlanID:         planID,
		OriginalAmount: plan.Price,
		DiscountAmount: discount,
		FinalAmount:    finalAmount,
		Method:         method,
		Status:         model.OrderPending,
		QRCode:         qrURL,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.expiryWindow),
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}

	if err := s.cache.SetProjection(ctx, cache.ProjectionOf(o), s.expiryWindow); err != nil {
		// cache is best-effort, never the system of record
		s.logger.WarnContext(ctx, "Error caching order projection", "orderNo", orderNo, "error", err)
	}

	// Deterministic job id makes re-scheduling a no-op.
	if err := s.queue.Enqueue(ctx, "expire:"+orderNo, jobs.TypeExpireOrder,
		jobs.ExpirePayload{OrderNo: orderNo}, s.expiryWindow); err != nil {
		s.logger.ErrorContext(ctx, "Error scheduling expiry job", "orderNo", orderNo, "error", err)
	}

	s.logger.InfoContext(ctx, "Order created",
		"orderNo", orderNo, "userId", userID, "planId", planID,
		"method", method, "finalAmount", finalAmount.StringFixed(2))

	return &Summary{
		OrderNo:        orderNo,
		PlanID:         planID,
		OriginalAmount: plan.Price,
		DiscountAmount: discount,
		FinalAmount:    finalAmount,
		Method:         method,
		QRURL:          qrURL,
		QRImage:        encodeQRImage(qrURL),
		ExpiresIn:      int64(s.expiryWindow.Seconds()),
	}, nil
}

// GetOrder reads through the projection cache and falls back to the store
// on a miss or a corrupted entry.
func (s *Service) GetOrder(ctx context.Context, orderNo, userID string) (*model.Order, error) {
	if p, err := s.cache.GetProjection(ctx, orderNo); err == nil && p != nil {
		if p.UserID != userID {
			return nil, pkgerrors.Wrapf(errs.ErrForbidden, "order %s", orderNo)
		}
		if o, err := p.Order(); err == nil {
			return o, nil
		}
	}

	o, err := s.store.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, pkgerrors.Wrapf(errs.ErrForbidden, "order %s", orderNo)
	}
	return o, nil
}

func (s *Service) ListOrders(ctx context.Context, userID string, page, pageSize int) ([]model.Order, int, error) {
	return s.store.ListByUser(ctx, userID, page, pageSize)
}

// CancelOrder flips PENDING -> CANCELLED for the owner. The status is
// re-checked at mutation time by the compare-and-set update, so a callback
// racing this cancel always wins.
func (s *Service) CancelOrder(ctx context.Context, orderNo, userID string) error {
	o, err := s.store.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}
	if o.UserID != userID {
		return pkgerrors.Wrapf(errs.ErrForbidden, "order %s", orderNo)
	}
	if o.Status != model.OrderPending {
		return pkgerrors.Wrapf(errs.ErrStateConflict, "order %s is %s", orderNo, o.Status)
	}

	ok, err := s.store.UpdateStatusIf(ctx, orderNo, model.OrderPending, model.OrderCancelled)
	if err != nil {
		return err
	}
	if !ok {
		// lost the race against a callback or the expiry sweep
		return pkgerrors.Wrapf(errs.ErrStateConflict, "order %s is no longer pending", orderNo)
	}

	if err := s.cache.Invalidate(ctx, orderNo); err != nil {
		s.logger.WarnContext(ctx, "Error invalidating order projection", "orderNo", orderNo, "error", err)
	}
	s.logger.InfoContext(ctx, "Order cancelled", "orderNo", orderNo, "userId", userID)
	return nil
}

func encodeQRImage(qrURL string) string {
	png, err := qrcode.Encode(qrURL, qrcode.Medium, 256)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(png)
}
