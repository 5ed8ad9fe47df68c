package db_test

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"payment-service/internal/db"
	"payment-service/internal/errs"
	"payment-service/internal/model"
)

type RepositoryTestSuite struct {
	suite.Suite
	pgContainer *PostgresContainer
	pool        *pgxpool.Pool
	orders      *db.OrderRepository
	callbacks   *db.CallbackRepository
	refunds     *db.RefundRepository
	jobs        *db.JobRepository
	ctx         context.Context
}

func (s *RepositoryTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString, "../../migrations"); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.orders = db.NewOrderRepository(pool)
	s.callbacks = db.NewCallbackRepository(pool)
	s.refunds = db.NewRefundRepository(pool)
	s.jobs = db.NewJobRepository(pool)
}

func (s *RepositoryTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *RepositoryTestSuite) SetupTest() {
	for _, table := range []string{"refunds", "payment_callbacks", "orders", "jobs"} {
		_, err := s.pool.Exec(s.ctx, "DELETE FROM "+table)
		if err != nil {
			log.Fatalf("error truncating %s table: %s", table, err)
		}
	}
}

func (s *RepositoryTestSuite) newOrder(orderNo string) *model.Order {
	now := time.Now()
	return &model.Order{
		OrderNo:        orderNo,
		UserID:         "user-1",
		PlanID:         "monthly",
		OriginalAmount: decimal.RequireFromString("49.90"),
		DiscountAmount: decimal.Zero,
		FinalAmount:    decimal.RequireFromString("49.90"),
		Method:         model.MethodAlipay,
		Status:         model.OrderPending,
		QRCode:         "https://qr.alipay.com/bax03128",
		CreatedAt:      now,
		ExpiresAt:      now.Add(15 * time.Minute),
	}
}

func (s *RepositoryTestSuite) TestCreateAndGetOrder() {
	t := s.T()

	require.NoError(t, s.orders.Create(s.ctx, s.newOrder("A1")))

	o, err := s.orders.GetByOrderNo(s.ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", o.UserID)
	assert.Equal(t, model.OrderPending, o.Status)
	assert.True(t, decimal.RequireFromString("49.90").Equal(o.FinalAmount))
	assert.Nil(t, o.PaidAt)
}

func (s *RepositoryTestSuite) TestCreateOrder_DuplicateOrderNo() {
	t := s.T()

	require.NoError(t, s.orders.Create(s.ctx, s.newOrder("A1")))

	err := s.orders.Create(s.ctx, s.newOrder("A1"))
	assert.ErrorIs(t, err, errs.ErrStateConflict)
}

func (s *RepositoryTestSuite) TestGetOrder_NotFound() {
	_, err := s.orders.GetByOrderNo(s.ctx, "missing")
	assert.ErrorIs(s.T(), err, errs.ErrNotFound)
}

func (s *RepositoryTestSuite) TestUpdateStatusIf() {
	t := s.T()

	require.NoError(t, s.orders.Create(s.ctx, s.newOrder("A1")))

	ok, err := s.orders.UpdateStatusIf(s.ctx, "A1", model.OrderPending, model.OrderCancelled)
	require.NoError(t, err)
	assert.True(t, ok)

	// second transition from PENDING must lose
	ok, err = s.orders.UpdateStatusIf(s.ctx, "A1", model.OrderPending, model.OrderExpired)
	require.NoError(t, err)
	assert.False(t, ok)

	o, err := s.orders.GetByOrderNo(s.ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, o.Status)
}

func (s *RepositoryTestSuite) TestApplyPayment() {
	t := s.T()

	require.NoError(t, s.orders.Create(s.ctx, s.newOrder("A1")))

	cb := &model.PaymentCallback{
		ID:         uuid.New(),
		Provider:   model.MethodAlipay,
		OrderNo:    "A1",
		TradeNo:    "T1",
		RawPayload: "out_trade_no=A1",
		ReceivedAt: time.Now(),
	}
	require.NoError(t, s.callbacks.Insert(s.ctx, cb))

	paidAt := time.Now()
	won, err := s.orders.ApplyPayment(s.ctx, "A1", "T1", paidAt, cb.ID)
	require.NoError(t, err)
	assert.True(t, won)

	o, err := s.orders.GetByOrderNo(s.ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, o.Status)
	require.NotNil(t, o.ProviderTradeID)
	assert.Equal(t, "T1", *o.ProviderTradeID)
	require.NotNil(t, o.PaidAt)

	rows, err := s.callbacks.ListByOrder(s.ctx, "A1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Processed)

	// replayed delivery loses the compare-and-set
	won, err = s.orders.ApplyPayment(s.ctx, "A1", "T1", time.Now(), uuid.New())
	require.NoError(t, err)
	assert.False(t, won)
}

func (s *RepositoryTestSuite) TestListByUser() {
	t := s.T()

	require.NoError(t, s.orders.Create(s.ctx, s.newOrder("A1")))
	require.NoError(t, s.orders.Create(s.ctx, s.newOrder("A2")))
	other := s.newOrder("B1")
	other.UserID = "user-2"
	require.NoError(t, s.orders.Create(s.ctx, other))

	orders, total, err := s.orders.ListByUser(s.ctx, "user-1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, orders, 2)

	orders, total, err = s.orders.ListByUser(s.ctx, "user-1", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, orders, 1)
}

func (s *RepositoryTestSuite) TestListExpiredPending() {
	t := s.T()

	overdue := s.newOrder("A1")
	overdue.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.orders.Create(s.ctx, overdue))

	fresh := s.newOrder("A2")
	require.NoError(t, s.orders.Create(s.ctx, fresh))

	paid := s.newOrder("A3")
	paid.ExpiresAt = time.Now().Add(-time.Minute)
	paid.Status = model.OrderPaid
	require.NoError(t, s.orders.Create(s.ctx, paid))

	orderNos, err := s.orders.ListExpiredPending(s.ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, orderNos)
}

func (s *RepositoryTestSuite) TestRefundUniqueness() {
	t := s.T()

	require.NoError(t, s.orders.Create(s.ctx, s.newOrder("A1")))

	now := time.Now()
	first := &model.Refund{
		RefundNo:  "R1",
		OrderNo:   "A1",
		Amount:    decimal.RequireFromString("49.90"),
		Reason:    "user request",
		Status:    model.RefundPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.refunds.Create(s.ctx, first))

	second := &model.Refund{
		RefundNo:  "R2",
		OrderNo:   "A1",
		Amount:    decimal.RequireFromString("10.00"),
		Reason:    "again",
		Status:    model.RefundPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.refunds.Create(s.ctx, second)
	assert.ErrorIs(t, err, errs.ErrStateConflict)

	active, err := s.refunds.GetActiveByOrder(s.ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "R1", active.RefundNo)
}

func (s *RepositoryTestSuite) TestJobEnqueueDeduplicates() {
	t := s.T()

	job := &db.JobEntity{
		ID:          "expire:A1",
		Type:        "order.expire",
		Payload:     `{"orderNo":"A1"}`,
		ScheduledAt: time.Now(),
	}

	inserted, err := s.jobs.Enqueue(s.ctx, job)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.jobs.Enqueue(s.ctx, job)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func (s *RepositoryTestSuite) TestJobFetchDueLeases() {
	t := s.T()

	_, err := s.jobs.Enqueue(s.ctx, &db.JobEntity{
		ID:          "expire:A1",
		Type:        "order.expire",
		Payload:     `{"orderNo":"A1"}`,
		ScheduledAt: time.Now().Add(-time.Second),
	})
	require.NoError(t, err)

	due, err := s.jobs.FetchDue(s.ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "expire:A1", due[0].ID)

	// leased jobs do not resurface until the lease lapses
	due, err = s.jobs.FetchDue(s.ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func (s *RepositoryTestSuite) TestJobLifecycle() {
	t := s.T()

	_, err := s.jobs.Enqueue(s.ctx, &db.JobEntity{
		ID:          "expire:A1",
		Type:        "order.expire",
		ScheduledAt: time.Now().Add(-time.Second),
	})
	require.NoError(t, err)

	require.NoError(t, s.jobs.Reschedule(s.ctx, "expire:A1", time.Now().Add(-time.Second), "boom"))

	due, err := s.jobs.FetchDue(s.ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	require.NotNil(t, due[0].LastError)
	assert.Equal(t, "boom", *due[0].LastError)

	require.NoError(t, s.jobs.MarkCompleted(s.ctx, "expire:A1"))

	due, err = s.jobs.FetchDue(s.ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func (s *RepositoryTestSuite) TestJobDeadLetter() {
	t := s.T()

	_, err := s.jobs.Enqueue(s.ctx, &db.JobEntity{
		ID:          "provision:A1",
		Type:        "subscription.provision",
		ScheduledAt: time.Now().Add(-time.Second),
	})
	require.NoError(t, err)

	require.NoError(t, s.jobs.DeadLetter(s.ctx, "provision:A1", "exhausted"))

	due, err := s.jobs.FetchDue(s.ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRepositoryTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed suite in short mode")
	}
	suite.Run(t, new(RepositoryTestSuite))
}
