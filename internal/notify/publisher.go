package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"payment-service/internal/config"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100
)

// PaymentNotification fans out to downstream consumers (email, analytics)
// after an order is PAID.
type PaymentNotification struct {
	OrderNo string    `json:"orderNo"`
	UserID  string    `json:"userId"`
	PlanID  string    `json:"planId"`
	Amount  string    `json:"amount"`
	PaidAt  time.Time `json:"paidAt"`
}

type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewWriter(cfg config.Kafka) *kafka.Writer {
	batchSize := cfg.Writer.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchTimeout := cfg.Writer.BatchTimeoutMs
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.BrokerURL),
		Topic:                  cfg.NotificationTopic,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              batchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(batchTimeout) * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}

func NewPublisher(writer *kafka.Writer, logger *slog.Logger) *Publisher {
	return &Publisher{writer: writer, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, n PaymentNotification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return err
	}

	// Key by order number so deliveries for one order stay ordered.
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.OrderNo),
		Value: value,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Error publishing payment notification", "orderNo", n.OrderNo, "error", err)
		return err
	}
	p.logger.InfoContext(ctx, "Published payment notification", "orderNo", n.OrderNo)
	return nil
}
