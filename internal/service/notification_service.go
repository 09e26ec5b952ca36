package service

import (
	"context"
	"fmt"

	"pharmacy-payment-service/internal/models"
	"pharmacy-payment-service/internal/util"

	"go.uber.org/zap"
)

// NotificationStore records buyer notifications
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// NotificationService records buyer notifications requested after payment.
// Delivery channels (push, email) hang off the notifications table and are
// outside this service.
type NotificationService struct {
	store  NotificationStore
	logger *zap.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(store NotificationStore) *NotificationService {
	return &NotificationService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// HandleNotificationRequested records the requested notification
func (ns *NotificationService) HandleNotificationRequested(ctx context.Context, event *models.NotificationRequestedEvent) error {
	ctx, span := util.StartOrderSpan(ctx, "NotificationService.HandleNotificationRequested", event.OrderID)
	defer span.End()

	n := &models.Notification{
		UserID:  event.UserID,
		OrderID: event.OrderID,
		Kind:    event.Kind,
		Body:    event.Body,
	}

	if err := ns.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}

	util.NotificationsRecordedTotal.Inc()
	ns.logger.Info("Notification recorded",
		zap.Int64("user_id", event.UserID),
		zap.Int64("order_id", event.OrderID),
		zap.String("kind", event.Kind))
	return nil
}
