package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/internal/model"
)

func TestProjectionRoundTrip(t *testing.T) {
	o := &model.Order{
		OrderNo:        "20260831120000123456",
		UserID:         "user-1",
		PlanID:         "monthly",
		OriginalAmount: decimal.RequireFromString("49.90"),
		DiscountAmount: decimal.RequireFromString("0.00"),
		FinalAmount:    decimal.RequireFromString("49.90"),
		Method:         model.MethodAlipay,
		Status:         model.OrderPending,
		QRCode:         "https://qr.alipay.com/bax03128",
		CreatedAt:      time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
		ExpiresAt:      time.Date(2026, 8, 31, 12, 15, 0, 0, time.UTC),
	}

	back, err := ProjectionOf(o).Order()
	require.NoError(t, err)

	assert.Equal(t, o.OrderNo, back.OrderNo)
	assert.Equal(t, o.UserID, back.UserID)
	assert.Equal(t, o.PlanID, back.PlanID)
	assert.Equal(t, o.Method, back.Method)
	assert.Equal(t, o.Status, back.Status)
	assert.Equal(t, o.QRCode, back.QRCode)
	assert.True(t, o.FinalAmount.Equal(back.FinalAmount))
	assert.True(t, o.ExpiresAt.Equal(back.ExpiresAt))
}

func TestProjectionOrder_CorruptedAmount(t *testing.T) {
	p := &OrderProjection{
		OrderNo:        "A1",
		OriginalAmount: "oops",
		DiscountAmount: "0.00",
		FinalAmount:    "49.90",
	}

	_, err := p.Order()
	assert.Error(t, err)
}
