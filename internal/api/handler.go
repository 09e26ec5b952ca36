package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"pharmacy-payment-service/internal/models"
	"pharmacy-payment-service/internal/service"
	"pharmacy-payment-service/internal/stripeclient"
	"pharmacy-payment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

// webhookBodyLimit caps the raw payload read before signature verification
const webhookBodyLimit = 1 << 20

// EventVerifier validates webhook payloads against the signing secret
type EventVerifier interface {
	VerifyEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

// OrderReader serves the order status endpoint
type OrderReader interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
}

// Handler contains HTTP handlers
type Handler struct {
	checkout    *service.CheckoutService
	fulfillment *service.FulfillmentService
	verifier    EventVerifier
	orders      OrderReader
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	fulfillment *service.FulfillmentService,
	verifier EventVerifier,
	orders OrderReader,
) *Handler {
	return &Handler{
		checkout:    checkout,
		fulfillment: fulfillment,
		verifier:    verifier,
		orders:      orders,
		logger:      util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	// Stripe retries on any non-2xx, so a wrong-method probe must answer
	// 405 rather than gin's default 404.
	router.HandleMethodNotAllowed = true

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout/session", h.createCheckoutSession)
		v1.GET("/orders/:id", h.getOrder)
	}

	router.POST("/webhooks/stripe", h.stripeWebhook)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createCheckoutSession handles checkout intent and returns the hosted
// checkout redirect target
func (h *Handler) createCheckoutSession(c *gin.Context) {
	var req service.CreateSessionRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.checkout.CreateSession(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

// stripeWebhook handles provider webhook deliveries. The signature gate
// runs before anything in the payload is read; only completed checkout
// sessions reach fulfillment, every other verified event is acknowledged
// so the provider stops retrying it.
func (h *Handler) stripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit)
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	event, err := h.verifier.VerifyEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		util.WebhookSignatureFailuresTotal.Inc()
		h.logger.Warn("Webhook signature verification failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		return
	}

	if string(event.Type) != stripeclient.EventTypeCheckoutCompleted {
		util.WebhookEventsTotal.WithLabelValues(string(event.Type), "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	sess, err := stripeclient.ParseCompletedSession(event)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		h.logger.Error("Failed to decode checkout session",
			zap.String("event_id", event.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to decode event"})
		return
	}

	req, err := service.RequestFromSession(event.ID, string(event.Type), sess)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		h.logger.Error("Webhook session missing order linkage",
			zap.String("event_id", event.ID),
			zap.String("session_id", sess.ID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Session metadata incomplete"})
		return
	}

	if err := h.fulfillment.Fulfill(c.Request.Context(), req); err != nil {
		util.WebhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		h.logger.Error("Fulfillment failed",
			zap.String("event_id", event.ID),
			zap.Int64("order_id", req.OrderID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Fulfillment failed"})
		return
	}

	util.WebhookEventsTotal.WithLabelValues(string(event.Type), "processed").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	idStr := c.Param("id")
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	order, err := h.orders.GetOrderByID(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Order not found",
			"details": err.Error(),
		})
		return
	}

	items, err := h.orders.GetOrderItemsByOrderID(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load order items",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
