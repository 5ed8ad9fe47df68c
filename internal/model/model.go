package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

type PaymentMethod string

const (
	MethodAlipay PaymentMethod = "alipay"
	MethodWechat PaymentMethod = "wechat"
)

func (m PaymentMethod) Valid() bool {
	return m == MethodAlipay || m == MethodWechat
}

// Order is a purchase intent for a fixed-price plan. Rows are never deleted;
// status transitions are PENDING -> {PAID, CANCELLED, EXPIRED} and
// PAID -> REFUNDED, enforced by compare-and-set updates on the status column.
type Order struct {
	OrderNo         string          `json:"orderNo"`
	UserID          string          `json:"userId"`
	PlanID          string          `json:"planId"`
	OriginalAmount  decimal.Decimal `json:"originalAmount"`
	DiscountAmount  decimal.Decimal `json:"discountAmount"`
	FinalAmount     decimal.Decimal `json:"finalAmount"`
	Method          PaymentMethod   `json:"paymentMethod"`
	Status          OrderStatus     `json:"status"`
	ProviderTradeID *string         `json:"providerTradeId,omitempty"`
	QRCode          string          `json:"qrCode,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
}

// PaymentCallback records one inbound webhook delivery, duplicates included.
// Append-only; the processed flag flips inside the same transaction as the
// order's PAID transition.
type PaymentCallback struct {
	ID          uuid.UUID
	Provider    PaymentMethod
	OrderNo     string
	TradeNo     string
	RawPayload  string
	Processed   bool
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

type RefundStatus string

const (
	RefundPending RefundStatus = "pending"
	RefundSuccess RefundStatus = "success"
	RefundFailed  RefundStatus = "failed"
)

// Refund is an initiated refund against a paid order. At most one refund per
// order may be in {pending, success} at a time (partial unique index).
type Refund struct {
	RefundNo         string          `json:"refundNo"`
	OrderNo          string          `json:"orderNo"`
	Amount           decimal.Decimal `json:"amount"`
	Reason           string          `json:"reason"`
	Status           RefundStatus    `json:"status"`
	ProviderRefundID *string         `json:"providerRefundId,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Plan is a static catalog entry; prices never change at runtime.
type Plan struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	DurationDays int             `json:"durationDays"`
}
