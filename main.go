package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"payment-service/internal/cache"
	"payment-service/internal/callback"
	"payment-service/internal/config"
	"payment-service/internal/db"
	"payment-service/internal/expiry"
	"payment-service/internal/gateway"
	"payment-service/internal/jobs"
	"payment-service/internal/logging"
	"payment-service/internal/metrics"
	"payment-service/internal/model"
	"payment-service/internal/notify"
	"payment-service/internal/order"
	"payment-service/internal/provision"
	"payment-service/internal/refund"
	"payment-service/internal/server"
)

func main() {
	cfg := config.MustLoadConfig(".")
	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics)

	connStr := db.GetConnStr(cfg.Database)
	if err := db.RunMigrations(connStr, "migrations"); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	orderRepo := db.NewOrderRepository(pool)
	callbackRepo := db.NewCallbackRepository(pool)
	refundRepo := db.NewRefundRepository(pool)
	jobRepo := db.NewJobRepository(pool)

	redisClient := cache.NewClient(cfg.Redis)
	defer redisClient.Close()
	orderCache := cache.NewOrderCache(redisClient)

	notifyURL := cfg.Order.CallbackBaseURL + "/payment/callback/"
	alipayGw, err := gateway.NewAlipay(cfg.Alipay, notifyURL+string(model.MethodAlipay))
	if err != nil {
		log.Fatal(err)
	}
	gateways := map[model.PaymentMethod]gateway.Gateway{
		model.MethodAlipay: alipayGw,
		model.MethodWechat: gateway.NewWechat(cfg.Wechat, notifyURL+string(model.MethodWechat)),
	}

	queue := jobs.NewQueue(jobRepo)
	provisionClient := provision.NewClient(cfg.Provisioning)

	writer := notify.NewWriter(cfg.Kafka)
	defer writer.Close()
	publisher := notify.NewPublisher(writer, logger)

	orderService := order.NewService(orderRepo, orderCache, queue, gateways, cfg.Order.ExpiryWindow(), logger)
	refundService := refund.NewService(orderRepo, refundRepo, gateways, logger)

	retryDelay := time.Duration(cfg.Jobs.RetryDelayMs) * time.Millisecond
	processor := callback.NewProcessor(gateways, orderRepo, callbackRepo, orderCache,
		provisionClient, queue, retryDelay, logger)

	expirer := expiry.NewExpirer(orderRepo, orderCache, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := jobs.NewWorker(jobRepo, cfg.Jobs, logger)
	worker.Register(jobs.TypeExpireOrder, expirer.HandleJob)
	worker.Register(jobs.TypeProvision, func(ctx context.Context, payload string) error {
		var p jobs.ProvisionPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return err
		}
		return provisionClient.Provision(ctx, p.UserID, p.PlanID, p.OrderNo)
	})
	worker.Register(jobs.TypeNotify, func(ctx context.Context, payload string) error {
		var p jobs.NotifyPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return err
		}
		return publisher.Publish(ctx, notify.PaymentNotification{
			OrderNo: p.OrderNo,
			UserID:  p.UserID,
			PlanID:  p.PlanID,
			Amount:  p.Amount,
			PaidAt:  p.PaidAt,
		})
	})
	worker.SetMaxAttempts(jobs.TypeProvision, cfg.Provisioning.MaxRetries)
	worker.Start(ctx)

	expiry.NewSweeper(expirer, cfg.Order.SweepInterval(), cfg.Jobs.FetchSize, logger).Start(ctx)

	srv := server.New(cfg, orderService, refundService, processor, gateways, logger)
	log.Fatal(srv.Run(":" + cfg.Server.Port))
}
