package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutSessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_sessions_created_total",
		Help: "Total number of hosted checkout sessions created",
	})

	CheckoutSessionsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_sessions_failed_total",
		Help: "Total number of failed checkout session creations",
	}, []string{"reason"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Total number of webhook events received",
	}, []string{"type", "result"})

	WebhookSignatureFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_signature_failures_total",
		Help: "Total number of webhook events rejected for invalid signatures",
	})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders transitioned to paid",
	})

	DuplicateDeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_duplicate_deliveries_total",
		Help: "Total number of webhook deliveries short-circuited as duplicates",
	})

	StockDeductionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_deductions_total",
		Help: "Total number of stock deductions applied",
	})

	StockBackordersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_backorders_total",
		Help: "Total number of deductions that drove stock negative",
	})

	FulfillmentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_failures_total",
		Help: "Total number of failed fulfillment attempts",
	}, []string{"reason"})

	FulfillmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fulfillment_latency_seconds",
		Help:    "Latency of webhook fulfillment",
		Buckets: prometheus.DefBuckets,
	})

	NotificationsRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_recorded_total",
		Help: "Total number of buyer notifications recorded",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
