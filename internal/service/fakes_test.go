package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pharmacy-payment-service/internal/models"
	"pharmacy-payment-service/internal/store"
	"pharmacy-payment-service/internal/stripeclient"
)

// fakeStore is an in-memory store honoring the same atomicity contracts as
// the SQL implementation: applied-once deductions and a conditional paid
// transition, both under a single lock.
type fakeStore struct {
	mu         sync.Mutex
	orders     map[int64]*models.Order
	items      map[int64][]models.OrderItem
	stock      map[int64]int
	deductions map[string]bool
	processed  map[string]bool
	sessions   map[int64]string

	deductErr func(productID int64) error
	orderErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:     make(map[int64]*models.Order),
		items:      make(map[int64][]models.OrderItem),
		stock:      make(map[int64]int),
		deductions: make(map[string]bool),
		processed:  make(map[string]bool),
		sessions:   make(map[int64]string),
	}
}

func (f *fakeStore) addOrder(order *models.Order, items []models.OrderItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[order.ID] = order
	f.items[order.ID] = items
}

func (f *fakeStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	order, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", store.ErrNotFound, id)
	}
	copied := *order
	return &copied, nil
}

func (f *fakeStore) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[orderID], nil
}

func (f *fakeStore) DeductStockOnce(ctx context.Context, orderID, productID int64, quantity int) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := fmt.Sprintf("%d:%d", orderID, productID)
	if f.deductions[key] {
		return false, f.stock[productID], nil
	}

	if f.deductErr != nil {
		if err := f.deductErr(productID); err != nil {
			return false, 0, err
		}
	}

	f.deductions[key] = true
	f.stock[productID] -= quantity
	return true, f.stock[productID], nil
}

func (f *fakeStore) MarkOrderPaid(ctx context.Context, orderID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	order, ok := f.orders[orderID]
	if !ok {
		return false, fmt.Errorf("order not found: %d", orderID)
	}
	if order.PaymentStatus == models.PaymentStatusPaid {
		return false, nil
	}
	order.Status = models.OrderStatusPaid
	order.PaymentStatus = models.PaymentStatusPaid
	order.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[eventID], nil
}

func (f *fakeStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[eventID] = true
	return nil
}

func (f *fakeStore) SetCheckoutSession(ctx context.Context, orderID int64, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[orderID] = sessionID
	return nil
}

func (f *fakeStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	return nil
}

func (f *fakeStore) stockLevel(productID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stock[productID]
}

func (f *fakeStore) orderStatus(orderID int64) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order := f.orders[orderID]
	return order.Status, order.PaymentStatus
}

// fakeCache implements the redis fast path in memory
type fakeCache struct {
	mu     sync.Mutex
	claims map[string]bool
	stock  map[int64]int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		claims: make(map[string]bool),
		stock:  make(map[int64]int64),
	}
}

func (f *fakeCache) ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claims[eventID] {
		return false, nil
	}
	f.claims[eventID] = true
	return true, nil
}

func (f *fakeCache) ReleaseEvent(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claims, eventID)
	return nil
}

func (f *fakeCache) DeductStock(ctx context.Context, productID int64, quantity int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stock[productID] -= int64(quantity)
	return f.stock[productID], nil
}

func (f *fakeCache) claimed(eventID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims[eventID]
}

// fakePublisher records published events
type fakePublisher struct {
	mu            sync.Mutex
	paid          []*models.OrderPaidEvent
	notifications []*models.NotificationRequestedEvent
	err           error
}

func (f *fakePublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.paid = append(f.paid, event)
	return nil
}

func (f *fakePublisher) PublishNotificationRequested(ctx context.Context, event *models.NotificationRequestedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.notifications = append(f.notifications, event)
	return nil
}

func (f *fakePublisher) paidCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paid)
}

func (f *fakePublisher) notificationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifications)
}

// fakeSessionCreator captures the session request and returns a canned session
type fakeSessionCreator struct {
	lastReq *stripeclient.SessionRequest
	session *stripeclient.Session
	err     error
}

func (f *fakeSessionCreator) CreateCheckoutSession(ctx context.Context, req *stripeclient.SessionRequest) (*stripeclient.Session, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}
