package worker

import (
	"context"

	"pharmacy-payment-service/internal/broker"
	"pharmacy-payment-service/internal/service"
	"pharmacy-payment-service/internal/util"

	"go.uber.org/zap"
)

// NotificationWorker consumes payment events and records buyer notifications
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(
	consumer *broker.Consumer,
	notificationService *service.NotificationService,
) *NotificationWorker {
	logger := util.GetLogger()

	eventHandler := broker.NewEventHandler(logger)
	eventHandler.OnNotificationRequested(notificationService.HandleNotificationRequested)

	return &NotificationWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}
