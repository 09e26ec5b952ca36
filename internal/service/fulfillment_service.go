package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"pharmacy-payment-service/internal/models"
	"pharmacy-payment-service/internal/stripeclient"
	"pharmacy-payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FulfillmentStore is the slice of the store the fulfillment service needs
type FulfillmentStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	DeductStockOnce(ctx context.Context, orderID, productID int64, quantity int) (bool, int, error)
	MarkOrderPaid(ctx context.Context, orderID int64) (bool, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// EventClaimer is the fast-path webhook dedupe (redis); it is advisory,
// the processed_events table and per-item markers stay authoritative
type EventClaimer interface {
	ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ReleaseEvent(ctx context.Context, eventID string) error
	DeductStock(ctx context.Context, productID int64, quantity int) (int64, error)
}

// EventSink publishes domain events after fulfillment
type EventSink interface {
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishNotificationRequested(ctx context.Context, event *models.NotificationRequestedEvent) error
}

// FulfillmentRequest identifies the order a verified completed-checkout
// event asks us to fulfill
type FulfillmentRequest struct {
	EventID   string
	EventType string
	SessionID string
	OrderID   int64
	UserID    int64
}

// RequestFromSession builds a fulfillment request from a verified session
// payload. Missing or malformed metadata is a hard failure: without the
// order linkage there is nothing to fulfill, and acking would silently
// strand a paid order.
func RequestFromSession(eventID, eventType string, sess *stripeclient.CompletedSession) (*FulfillmentRequest, error) {
	orderID, err := strconv.ParseInt(sess.Metadata["order_id"], 10, 64)
	if err != nil || orderID <= 0 {
		return nil, fmt.Errorf("session %s has no usable order_id metadata", sess.ID)
	}

	userID, err := strconv.ParseInt(sess.Metadata["user_id"], 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("session %s has no usable user_id metadata", sess.ID)
	}

	return &FulfillmentRequest{
		EventID:   eventID,
		EventType: eventType,
		SessionID: sess.ID,
		OrderID:   orderID,
		UserID:    userID,
	}, nil
}

// FulfillmentService converts a provider-confirmed payment into durable
// order and stock state. Safe under duplicate and concurrent delivery of
// the same event: every sub-step is individually idempotent.
type FulfillmentService struct {
	store     FulfillmentStore
	cache     EventClaimer
	publisher EventSink
	claimTTL  time.Duration
	logger    *zap.Logger
}

// NewFulfillmentService creates a new fulfillment service
func NewFulfillmentService(store FulfillmentStore, cache EventClaimer, publisher EventSink, claimTTL time.Duration) *FulfillmentService {
	return &FulfillmentService{
		store:     store,
		cache:     cache,
		publisher: publisher,
		claimTTL:  claimTTL,
		logger:    util.GetLogger(),
	}
}

// Fulfill runs the fulfillment sequence for one completed checkout session:
// deduct stock per line item, mark the order paid, request the buyer
// notification. Returning an error tells the caller to answer non-2xx so
// the provider retries; nil means the delivery can be acknowledged.
func (fs *FulfillmentService) Fulfill(ctx context.Context, req *FulfillmentRequest) error {
	ctx, span := util.StartEventSpan(ctx, "FulfillmentService.Fulfill", req.EventID, req.OrderID)
	defer span.End()

	start := time.Now()
	defer func() {
		util.FulfillmentLatency.Observe(time.Since(start).Seconds())
	}()

	if fs.cache != nil {
		claimed, err := fs.cache.ClaimEvent(ctx, req.EventID, fs.claimTTL)
		if err != nil {
			fs.logger.Warn("Event claim failed, falling through to database guard",
				zap.String("event_id", req.EventID), zap.Error(err))
		} else if !claimed {
			// A held claim may be a crashed attempt's leftover, not a
			// completed one. Only the processed_events row below may
			// ack; proceeding is safe either way because the per-item
			// markers and the conditional paid transition absorb a
			// concurrent sibling delivery.
			fs.logger.Info("Event already claimed, verifying against processed events",
				zap.String("event_id", req.EventID))
		}
	}

	processed, err := fs.store.IsEventProcessed(ctx, req.EventID)
	if err != nil {
		return fs.fail(ctx, req, fmt.Errorf("failed to check event processed: %w", err), "db_error")
	}
	if processed {
		fs.logger.Info("Duplicate webhook delivery (processed)",
			zap.String("event_id", req.EventID))
		util.DuplicateDeliveriesTotal.Inc()
		return nil
	}

	order, err := fs.store.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		// Data-integrity gap between session creation and order
		// persistence; logged with full context for reconciliation.
		fs.logger.Error("Order referenced by session metadata not found",
			zap.String("event_id", req.EventID),
			zap.String("session_id", req.SessionID),
			zap.Int64("order_id", req.OrderID),
			zap.Error(err))
		return fs.fail(ctx, req, fmt.Errorf("order %d not found: %w", req.OrderID, err), "order_not_found")
	}

	if order.PaymentStatus == models.PaymentStatusPaid {
		fs.logger.Info("Order already paid, acknowledging without refulfillment",
			zap.Int64("order_id", order.ID),
			zap.String("event_id", req.EventID))
		fs.markProcessed(ctx, req)
		return nil
	}

	items, err := fs.store.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return fs.fail(ctx, req, fmt.Errorf("failed to get order items: %w", err), "db_error")
	}

	for _, item := range items {
		applied, remaining, err := fs.store.DeductStockOnce(ctx, order.ID, item.ProductID, item.Quantity)
		if err != nil {
			return fs.fail(ctx, req, fmt.Errorf("failed to deduct stock for product %d: %w", item.ProductID, err), "stock_error")
		}
		if !applied {
			continue
		}

		util.StockDeductionsTotal.Inc()
		if remaining < 0 {
			util.StockBackordersTotal.Inc()
			fs.logger.Warn("Stock went negative, backorder",
				zap.Int64("product_id", item.ProductID),
				zap.Int64("order_id", order.ID),
				zap.Int("quantity", remaining))
		}

		if fs.cache != nil {
			if _, err := fs.cache.DeductStock(ctx, item.ProductID, item.Quantity); err != nil {
				fs.logger.Warn("Failed to update stock cache",
					zap.Int64("product_id", item.ProductID),
					zap.Error(err))
			}
		}
	}

	transitioned, err := fs.store.MarkOrderPaid(ctx, order.ID)
	if err != nil {
		return fs.fail(ctx, req, fmt.Errorf("failed to mark order paid: %w", err), "db_error")
	}

	if transitioned {
		util.OrdersPaidTotal.Inc()
		fs.logger.Info("Order paid",
			zap.Int64("order_id", order.ID),
			zap.String("session_id", req.SessionID))
		fs.notify(ctx, order, items, req)
	}

	fs.markProcessed(ctx, req)
	return nil
}

// notify publishes the order-paid and notification events. Fire and forget:
// a publish failure never rolls back stock or status changes.
func (fs *FulfillmentService) notify(ctx context.Context, order *models.Order, items []models.OrderItem, req *FulfillmentRequest) {
	eventItems := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		eventItems = append(eventItems, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	paidEvent := &models.OrderPaidEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderPaid,
			Timestamp: time.Now(),
		},
		OrderID:           order.ID,
		UserID:            order.UserID,
		Amount:            order.TotalAmount,
		Currency:          order.Currency,
		CheckoutSessionID: req.SessionID,
		Items:             eventItems,
	}
	if err := fs.publisher.PublishOrderPaid(ctx, paidEvent); err != nil {
		fs.logger.Error("Failed to publish OrderPaid event",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}

	notifEvent := &models.NotificationRequestedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeNotificationRequested,
			Timestamp: time.Now(),
		},
		OrderID: order.ID,
		UserID:  order.UserID,
		Kind:    models.NotificationKindPaymentConfirmed,
		Body:    fmt.Sprintf("Payment received for order #%d", order.ID),
	}
	if err := fs.publisher.PublishNotificationRequested(ctx, notifEvent); err != nil {
		fs.logger.Error("Failed to publish NotificationRequested event",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

// markProcessed records the event id, best effort. Writing last means a
// crash mid-fulfillment lets the provider retry resume via the per-step
// guards instead of being swallowed here.
func (fs *FulfillmentService) markProcessed(ctx context.Context, req *FulfillmentRequest) {
	if err := fs.store.MarkEventProcessed(ctx, req.EventID, req.EventType); err != nil {
		fs.logger.Error("Failed to mark event processed",
			zap.String("event_id", req.EventID), zap.Error(err))
	}
}

// fail releases the fast-path claim so the provider retry is not rejected
// as a duplicate, then returns the error with the failure reason counted.
func (fs *FulfillmentService) fail(ctx context.Context, req *FulfillmentRequest, err error, reason string) error {
	util.FulfillmentFailuresTotal.WithLabelValues(reason).Inc()
	if fs.cache != nil {
		if rerr := fs.cache.ReleaseEvent(ctx, req.EventID); rerr != nil {
			fs.logger.Warn("Failed to release event claim",
				zap.String("event_id", req.EventID), zap.Error(rerr))
		}
	}
	return err
}
