// Package server exposes the HTTP API: the authenticated payment endpoints,
// the public provider webhooks and the operational probes.
package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"payment-service/internal/callback"
	"payment-service/internal/config"
	"payment-service/internal/errs"
	"payment-service/internal/gateway"
	"payment-service/internal/model"
	"payment-service/internal/order"
	"payment-service/internal/refund"
)

// maxCallbackBody bounds webhook payload reads. Provider notifications are
// a few KB at most.
const maxCallbackBody = 64 << 10

type Server struct {
	engine   *gin.Engine
	orders   *order.Service
	refunds  *refund.Service
	callback *callback.Processor
	gateways map[model.PaymentMethod]gateway.Gateway
	logger   *slog.Logger
}

func New(cfg *config.Config, orders *order.Service, refunds *refund.Service,
	processor *callback.Processor, gateways map[model.PaymentMethod]gateway.Gateway,
	logger *slog.Logger) *Server {

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))

	s := &Server{
		engine:   engine,
		orders:   orders,
		refunds:  refunds,
		callback: processor,
		gateways: gateways,
		logger:   logger,
	}

	engine.GET("/liveness", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	engine.GET("/metrics", func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; charset=utf-8")
		metrics.WritePrometheus(c.Writer, true)
	})

	// Webhooks are authenticated by signature, not by bearer token.
	engine.POST("/payment/callback/:provider", s.handleCallback)

	api := engine.Group("/payment", AuthRequired(cfg.Auth.JWTSecret))
	api.GET("/plans", s.handleListPlans)
	api.POST("/orders", s.handleCreateOrder)
	api.GET("/orders", s.handleListOrders)
	api.GET("/orders/:orderNo", s.handleGetOrder)
	api.GET("/orders/:orderNo/provider", s.handleQueryProvider)
	api.PUT("/orders/:orderNo/cancel", s.handleCancelOrder)
	api.POST("/refunds", s.handleCreateRefund)
	api.GET("/refunds/:refundNo", s.handleGetRefund)

	return s
}

func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

type createOrderRequest struct {
	PlanID     string `json:"planId" binding:"required"`
	Method     string `json:"paymentMethod" binding:"required"`
	CouponCode string `json:"couponCode"`
}

func (s *Server) handleCreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := s.orders.CreateOrder(c.Request.Context(), userID(c), req.PlanID,
		model.PaymentMethod(req.Method), req.CouponCode)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, summary)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	o, err := s.orders.GetOrder(c.Request.Context(), c.Param("orderNo"), userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleListOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))

	orders, total, err := s.orders.ListOrders(c.Request.Context(), userID(c), page, pageSize)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":   orders,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	if err := s.orders.CancelOrder(c.Request.Context(), c.Param("orderNo"), userID(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(model.OrderCancelled)})
}

func (s *Server) handleListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": order.Plans()})
}

// handleQueryProvider asks the upstream provider for its view of the trade;
// useful when a webhook is suspected lost.
func (s *Server) handleQueryProvider(c *gin.Context) {
	orderNo := c.Param("orderNo")
	o, err := s.orders.GetOrder(c.Request.Context(), orderNo, userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}

	gw, ok := s.gateways[o.Method]
	if !ok {
		s.writeError(c, errs.ErrValidation)
		return
	}
	info, err := gw.QueryOrder(c.Request.Context(), orderNo)
	if err != nil {
		s.logger.ErrorContext(c.Request.Context(), "Error querying provider", "orderNo", orderNo, "error", err)
		s.writeError(c, errs.ErrGateway)
		return
	}
	c.JSON(http.StatusOK, info)
}

type createRefundRequest struct {
	OrderNo string `json:"orderNo" binding:"required"`
	Reason  string `json:"refundReason" binding:"required"`
	Amount  string `json:"refundAmount"`
}

func (s *Server) handleCreateRefund(c *gin.Context) {
	var req createRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount := decimal.Zero
	if req.Amount != "" {
		var err error
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
	}

	rf, err := s.refunds.CreateRefund(c.Request.Context(), userID(c), req.OrderNo, req.Reason, amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rf)
}

func (s *Server) handleGetRefund(c *gin.Context) {
	rf, err := s.refunds.GetRefund(c.Request.Context(), userID(c), c.Param("refundNo"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rf)
}

func (s *Server) handleCallback(c *gin.Context) {
	provider := model.PaymentMethod(c.Param("provider"))
	if !provider.Valid() {
		c.String(http.StatusNotFound, "unknown provider")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.String(http.StatusBadRequest, "read error")
		return
	}

	contentType, body := s.callback.Handle(c.Request.Context(), provider, raw)
	c.Data(http.StatusOK, contentType, body)
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrGateway), errors.Is(err, errs.ErrProvisioning):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		s.logger.ErrorContext(c.Request.Context(), "Unhandled request error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
