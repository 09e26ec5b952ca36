package models

import "time"

// Event types
const (
	EventTypeOrderPaid             = "ORDER_PAID"
	EventTypeNotificationRequested = "NOTIFICATION_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPaidEvent published after fulfillment transitions an order to paid
type OrderPaidEvent struct {
	BaseEvent
	OrderID           int64           `json:"order_id"`
	UserID            int64           `json:"user_id"`
	Amount            int64           `json:"amount"`
	Currency          string          `json:"currency"`
	CheckoutSessionID string          `json:"checkout_session_id"`
	Items             []OrderItemData `json:"items"`
}

// NotificationRequestedEvent asks the notification worker to inform a buyer
type NotificationRequestedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	UserID  int64  `json:"user_id"`
	Kind    string `json:"kind"`
	Body    string `json:"body"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}
