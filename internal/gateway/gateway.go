// Package gateway adapts the two supported QR-wallet payment providers
// behind one capability interface. Signature algorithms follow each
// provider's wire specification exactly; nothing here is simplified.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Notification is the provider-independent view of one inbound callback.
type Notification struct {
	OrderNo   string
	TradeNo   string
	Amount    decimal.Decimal
	Succeeded bool
}

// TradeInfo is the provider-side state of a trade, for reconciliation.
type TradeInfo struct {
	OrderNo string
	TradeNo string
	Status  string
	Amount  decimal.Decimal
}

type Gateway interface {
	// CreateQRPayment requests a scannable payment URL for the order.
	CreateQRPayment(ctx context.Context, orderNo, subject string, amount decimal.Decimal) (string, error)

	// VerifyCallback checks the provider signature on a raw webhook body.
	// It must be called before any payload field is trusted.
	VerifyCallback(raw []byte) bool

	// ParseCallback decodes the provider wire format. Parsing does not imply
	// authenticity; VerifyCallback decides that.
	ParseCallback(raw []byte) (*Notification, error)

	// Refund initiates a refund and returns the provider refund id.
	Refund(ctx context.Context, orderNo, refundNo string, amount decimal.Decimal, reason string) (string, error)

	// QueryOrder fetches the provider-side trade state.
	QueryOrder(ctx context.Context, orderNo string) (*TradeInfo, error)

	// AckSuccess and AckFailure are the provider-mandated webhook response
	// bodies. Providers retry until they see the success form.
	AckSuccess() (contentType string, body []byte)
	AckFailure() (contentType string, body []byte)
}
