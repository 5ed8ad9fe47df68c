// Package jobs is the durable delayed-job port: enqueue with a
// deterministic id (dedup) and a delay, plus a polling worker that leases
// due jobs, retries with backoff and dead-letters after bounded attempts.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"payment-service/internal/db"
)

const (
	TypeExpireOrder = "order.expire"
	TypeProvision   = "subscription.provision"
	TypeNotify      = "payment.notify"
)

type ExpirePayload struct {
	OrderNo string `json:"orderNo"`
}

type ProvisionPayload struct {
	OrderNo string `json:"orderNo"`
	UserID  string `json:"userId"`
	PlanID  string `json:"planId"`
}

type NotifyPayload struct {
	OrderNo string    `json:"orderNo"`
	UserID  string    `json:"userId"`
	PlanID  string    `json:"planId"`
	Amount  string    `json:"amount"`
	PaidAt  time.Time `json:"paidAt"`
}

type Queue struct {
	repo *db.JobRepository
}

func NewQueue(repo *db.JobRepository) *Queue {
	return &Queue{repo: repo}
}

// Enqueue schedules a job to run after the delay. The id is deterministic
// per logical job, so enqueueing the same work twice is a no-op.
func (q *Queue) Enqueue(ctx context.Context, id, jobType string, payload any, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = q.repo.Enqueue(ctx, &db.JobEntity{
		ID:          id,
		Type:        jobType,
		Payload:     string(data),
		ScheduledAt: time.Now().Add(delay),
	})
	return err
}
