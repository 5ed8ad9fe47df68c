package order

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/internal/cache"
	"payment-service/internal/errs"
	"payment-service/internal/gateway"
	"payment-service/internal/model"
)

type fakeStore struct {
	orders       map[string]*model.Order
	casResult    bool
	casCalled    bool
	createCalled bool
	getCalls     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: make(map[string]*model.Order), casResult: true}
}

func (f *fakeStore) Create(_ context.Context, o *model.Order) error {
	f.createCalled = true
	f.orders[o.OrderNo] = o
	return nil
}

func (f *fakeStore) GetByOrderNo(_ context.Context, orderNo string) (*model.Order, error) {
	f.getCalls++
	o, ok := f.orders[orderNo]
	if !ok {
		return nil, errors.Wrapf(errs.ErrNotFound, "order %s", orderNo)
	}
	return o, nil
}

func (f *fakeStore) UpdateStatusIf(_ context.Context, orderNo string, _, to model.OrderStatus) (bool, error) {
	f.casCalled = true
	if f.casResult {
		f.orders[orderNo].Status = to
	}
	return f.casResult, nil
}

func (f *fakeStore) ListByUser(_ context.Context, userID string, _, _ int) ([]model.Order, int, error) {
	var out []model.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, len(out), nil
}

type fakeQueue struct {
	ids    []string
	delays []time.Duration
}

func (f *fakeQueue) Enqueue(_ context.Context, id, _ string, _ any, delay time.Duration) error {
	f.ids = append(f.ids, id)
	f.delays = append(f.delays, delay)
	return nil
}

type fakeCache struct {
	projections map[string]*cache.OrderProjection
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{projections: make(map[string]*cache.OrderProjection)}
}

func (f *fakeCache) SetProjection(_ context.Context, p *cache.OrderProjection, _ time.Duration) error {
	f.projections[p.OrderNo] = p
	return nil
}

func (f *fakeCache) GetProjection(_ context.Context, orderNo string) (*cache.OrderProjection, error) {
	return f.projections[orderNo], nil
}

func (f *fakeCache) Invalidate(_ context.Context, orderNo string) error {
	f.invalidated = append(f.invalidated, orderNo)
	delete(f.projections, orderNo)
	return nil
}

type fakeGateway struct {
	qrURL string
	err   error
}

func (f *fakeGateway) CreateQRPayment(context.Context, string, string, decimal.Decimal) (string, error) {
	return f.qrURL, f.err
}
func (f *fakeGateway) VerifyCallback([]byte) bool                       { return false }
func (f *fakeGateway) ParseCallback([]byte) (*gateway.Notification, error) { return nil, nil }
func (f *fakeGateway) Refund(context.Context, string, string, decimal.Decimal, string) (string, error) {
	return "", nil
}
func (f *fakeGateway) QueryOrder(context.Context, string) (*gateway.TradeInfo, error) {
	return nil, nil
}
func (f *fakeGateway) AckSuccess() (string, []byte) { return "text/plain", []byte("success") }
func (f *fakeGateway) AckFailure() (string, []byte) { return "text/plain", []byte("fail") }

type fixture struct {
	store *fakeStore
	queue *fakeQueue
	cache *fakeCache
	gw    *fakeGateway
	sut   *Service
}

func newFixture() *fixture {
	f := &fixture{
		store: newFakeStore(),
		queue: &fakeQueue{},
		cache: newFakeCache(),
		gw:    &fakeGateway{qrURL: "https://qr.alipay.com/bax03128"},
	}
	gateways := map[model.PaymentMethod]gateway.Gateway{
		model.MethodAlipay: f.gw,
		model.MethodWechat: f.gw,
	}
	f.sut = NewService(f.store, f.cache, f.queue, gateways, 15*time.Minute, slog.Default())
	return f
}

func TestCreateOrder(t *testing.T) {
	f := newFixture()

	summary, err := f.sut.CreateOrder(context.Background(), "user-1", "monthly", model.MethodAlipay, "")
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("49.90").Equal(summary.OriginalAmount))
	assert.True(t, summary.DiscountAmount.IsZero())
	assert.True(t, decimal.RequireFromString("49.90").Equal(summary.FinalAmount))
	assert.Equal(t, "https://qr.alipay.com/bax03128", summary.QRURL)
	assert.NotEmpty(t, summary.QRImage)
	assert.Equal(t, int64(900), summary.ExpiresIn)

	o := f.store.orders[summary.OrderNo]
	require.NotNil(t, o)
	assert.Equal(t, model.OrderPending, o.Status)
	assert.Equal(t, "user-1", o.UserID)

	require.Len(t, f.queue.ids, 1)
	assert.Equal(t, "expire:"+summary.OrderNo, f.queue.ids[0])
	assert.Equal(t, 15*time.Minute, f.queue.delays[0])
}

func TestCreateOrder_WithCoupon(t *testing.T) {
	f := newFixture()

	summary, err := f.sut.CreateOrder(context.Background(), "user-1", "yearly", model.MethodWechat, "WELCOME10")
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("459.00").Equal(summary.OriginalAmount))
	assert.True(t, decimal.RequireFromString("45.90").Equal(summary.DiscountAmount))
	assert.True(t, decimal.RequireFromString("413.10").Equal(summary.FinalAmount))
}

func TestCreateOrder_UnknownCouponIgnored(t *testing.T) {
	f := newFixture()

	summary, err := f.sut.CreateOrder(context.Background(), "user-1", "quarterly", model.MethodAlipay, "NOSUCH")
	require.NoError(t, err)
	assert.True(t, summary.DiscountAmount.IsZero())
	assert.True(t, decimal.RequireFromString("129.00").Equal(summary.FinalAmount))
}

func TestCreateOrder_UnknownPlan(t *testing.T) {
	f := newFixture()

	_, err := f.sut.CreateOrder(context.Background(), "user-1", "lifetime", model.MethodAlipay, "")
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.False(t, f.store.createCalled)
}

func TestCreateOrder_UnsupportedMethod(t *testing.T) {
	f := newFixture()

	_, err := f.sut.CreateOrder(context.Background(), "user-1", "monthly", "paypal", "")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestCreateOrder_GatewayFailureLeavesNoOrder(t *testing.T) {
	f := newFixture()
	f.gw.err = errors.Wrap(errs.ErrGateway, "precreate failed")

	_, err := f.sut.CreateOrder(context.Background(), "user-1", "monthly", model.MethodAlipay, "")
	require.Error(t, err)

	assert.False(t, f.store.createCalled)
	assert.Empty(t, f.queue.ids)
}

func TestGetOrder_ServedFromProjection(t *testing.T) {
	f := newFixture()

	summary, err := f.sut.CreateOrder(context.Background(), "user-1", "monthly", model.MethodAlipay, "")
	require.NoError(t, err)

	o, err := f.sut.GetOrder(context.Background(), summary.OrderNo, "user-1")
	require.NoError(t, err)

	assert.Zero(t, f.store.getCalls)
	assert.Equal(t, summary.OrderNo, o.OrderNo)
	assert.Equal(t, "monthly", o.PlanID)
	assert.Equal(t, model.OrderPending, o.Status)
	assert.Equal(t, summary.QRURL, o.QRCode)
	assert.True(t, decimal.RequireFromString("49.90").Equal(o.FinalAmount))
}

func TestGetOrder_CacheMissFallsBackToStore(t *testing.T) {
	f := newFixture()

	summary, err := f.sut.CreateOrder(context.Background(), "user-1", "monthly", model.MethodAlipay, "")
	require.NoError(t, err)
	delete(f.cache.projections, summary.OrderNo)

	o, err := f.sut.GetOrder(context.Background(), summary.OrderNo, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.getCalls)
	assert.Equal(t, summary.OrderNo, o.OrderNo)
}

func TestGetOrder_CorruptedProjectionFallsBackToStore(t *testing.T) {
	f := newFixture()

	summary, err := f.sut.CreateOrder(context.Background(), "user-1", "monthly", model.MethodAlipay, "")
	require.NoError(t, err)
	f.cache.projections[summary.OrderNo].FinalAmount = "not-a-number"

	o, err := f.sut.GetOrder(context.Background(), summary.OrderNo, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.getCalls)
	assert.True(t, decimal.RequireFromString("49.90").Equal(o.FinalAmount))
}

func TestGetOrder_Forbidden(t *testing.T) {
	f := newFixture()

	summary, err := f.sut.CreateOrder(context.Background(), "user-1", "monthly", model.MethodAlipay, "")
	require.NoError(t, err)

	_, err = f.sut.GetOrder(context.Background(), summary.OrderNo, "user-2")
	assert.ErrorIs(t, err, errs.ErrForbidden)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture()

	summary, err := f.sut.CreateOrder(context.Background(), "user-1", "monthly", model.MethodAlipay, "")
	require.NoError(t, err)

	require.NoError(t, f.sut.CancelOrder(context.Background(), summary.OrderNo, "user-1"))
	assert.Equal(t, model.OrderCancelled, f.store.orders[summary.OrderNo].Status)
	assert.Contains(t, f.cache.invalidated, summary.OrderNo)
}

func TestCancelOrder_NotPending(t *testing.T) {
	f := newFixture()

	summary, err := f.sut.CreateOrder(context.Background(), "user-1", "monthly", model.MethodAlipay, "")
	require.NoError(t, err)
	f.store.orders[summary.OrderNo].Status = model.OrderPaid

	err = f.sut.CancelOrder(context.Background(), summary.OrderNo, "user-1")
	assert.ErrorIs(t, err, errs.ErrStateConflict)
}

func TestCancelOrder_LostRace(t *testing.T) {
	f := newFixture()

	summary, err := f.sut.CreateOrder(context.Background(), "user-1", "monthly", model.MethodAlipay, "")
	require.NoError(t, err)
	f.store.casResult = false

	err = f.sut.CancelOrder(context.Background(), summary.OrderNo, "user-1")
	assert.ErrorIs(t, err, errs.ErrStateConflict)
	assert.Empty(t, f.cache.invalidated)
}

func TestCancelOrder_Forbidden(t *testing.T) {
	f := newFixture()

	summary, err := f.sut.CreateOrder(context.Background(), "user-1", "monthly", model.MethodAlipay, "")
	require.NoError(t, err)

	err = f.sut.CancelOrder(context.Background(), summary.OrderNo, "user-2")
	assert.ErrorIs(t, err, errs.ErrForbidden)
	assert.False(t, f.store.casCalled)
}

func TestPlans_SortedByDuration(t *testing.T) {
	out := Plans()
	require.Len(t, out, 3)
	assert.Equal(t, "monthly", out[0].ID)
	assert.Equal(t, "quarterly", out[1].ID)
	assert.Equal(t, "yearly", out[2].ID)
}

func TestGenerateOrderNo(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	a := GenerateOrderNo(now)
	b := GenerateOrderNo(now)

	assert.Len(t, a, 20)
	assert.Equal(t, "20260831120000", a[:14])
	assert.NotEqual(t, a, b)
}
