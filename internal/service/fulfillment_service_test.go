package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pharmacy-payment-service/internal/models"
	"pharmacy-payment-service/internal/stripeclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFulfillmentFixture() (*FulfillmentService, *fakeStore, *fakeCache, *fakePublisher) {
	store := newFakeStore()
	cache := newFakeCache()
	publisher := &fakePublisher{}
	fs := NewFulfillmentService(store, cache, publisher, time.Hour)
	return fs, store, cache, publisher
}

func seedOrder(store *fakeStore, orderID int64) {
	store.addOrder(
		&models.Order{
			ID:            orderID,
			UserID:        7,
			TotalAmount:   5000,
			Currency:      "usd",
			Status:        models.OrderStatusPending,
			PaymentStatus: models.PaymentStatusUnpaid,
		},
		[]models.OrderItem{
			{OrderID: orderID, ProductID: 1, Quantity: 2, UnitPrice: 1500},
			{OrderID: orderID, ProductID: 2, Quantity: 1, UnitPrice: 2000},
		},
	)
	store.stock[1] = 10
	store.stock[2] = 5
}

func TestFulfillDeductsStockAndMarksPaid(t *testing.T) {
	fs, store, _, publisher := newFulfillmentFixture()
	seedOrder(store, 123)

	req := &FulfillmentRequest{
		EventID:   "evt_1",
		EventType: "checkout.session.completed",
		SessionID: "cs_test_1",
		OrderID:   123,
		UserID:    7,
	}

	err := fs.Fulfill(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 8, store.stockLevel(1))
	assert.Equal(t, 4, store.stockLevel(2))

	status, paymentStatus := store.orderStatus(123)
	assert.Equal(t, models.OrderStatusPaid, status)
	assert.Equal(t, models.PaymentStatusPaid, paymentStatus)

	assert.Equal(t, 1, publisher.paidCount())
	assert.Equal(t, 1, publisher.notificationCount())
}

func TestFulfillDuplicateDeliveryIsNoOp(t *testing.T) {
	fs, store, _, publisher := newFulfillmentFixture()
	seedOrder(store, 123)

	req := &FulfillmentRequest{
		EventID:   "evt_1",
		EventType: "checkout.session.completed",
		SessionID: "cs_test_1",
		OrderID:   123,
		UserID:    7,
	}

	require.NoError(t, fs.Fulfill(context.Background(), req))
	require.NoError(t, fs.Fulfill(context.Background(), req))

	// Stock deducted exactly once, order still paid, one notification.
	assert.Equal(t, 8, store.stockLevel(1))
	assert.Equal(t, 4, store.stockLevel(2))

	status, _ := store.orderStatus(123)
	assert.Equal(t, models.OrderStatusPaid, status)
	assert.Equal(t, 1, publisher.paidCount())
	assert.Equal(t, 1, publisher.notificationCount())
}

func TestFulfillProceedsWhenClaimHeldButUnprocessed(t *testing.T) {
	fs, store, cache, publisher := newFulfillmentFixture()
	seedOrder(store, 123)

	// A crashed attempt leaves its claim behind without a processed_events
	// row. The provider retry must fulfill, not get acked as a duplicate.
	claimed, err := cache.ClaimEvent(context.Background(), "evt_1", time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)

	req := &FulfillmentRequest{EventID: "evt_1", EventType: "checkout.session.completed", SessionID: "cs_1", OrderID: 123, UserID: 7}
	require.NoError(t, fs.Fulfill(context.Background(), req))

	assert.Equal(t, 8, store.stockLevel(1))
	assert.Equal(t, 4, store.stockLevel(2))

	_, paymentStatus := store.orderStatus(123)
	assert.Equal(t, models.PaymentStatusPaid, paymentStatus)
	assert.Equal(t, 1, publisher.paidCount())

	processed, _ := store.IsEventProcessed(context.Background(), "evt_1")
	assert.True(t, processed)
}

func TestFulfillAlreadyPaidOrderShortCircuits(t *testing.T) {
	fs, store, _, publisher := newFulfillmentFixture()
	seedOrder(store, 123)

	first := &FulfillmentRequest{EventID: "evt_1", EventType: "checkout.session.completed", SessionID: "cs_1", OrderID: 123, UserID: 7}
	require.NoError(t, fs.Fulfill(context.Background(), first))

	// A distinct event id for the same order (pathological provider
	// redelivery) must skip straight to acknowledgement.
	second := &FulfillmentRequest{EventID: "evt_2", EventType: "checkout.session.completed", SessionID: "cs_1", OrderID: 123, UserID: 7}
	require.NoError(t, fs.Fulfill(context.Background(), second))

	assert.Equal(t, 8, store.stockLevel(1))
	assert.Equal(t, 1, publisher.paidCount())
}

func TestFulfillOrderNotFound(t *testing.T) {
	fs, store, cache, publisher := newFulfillmentFixture()

	req := &FulfillmentRequest{EventID: "evt_404", EventType: "checkout.session.completed", SessionID: "cs_404", OrderID: 999, UserID: 7}
	err := fs.Fulfill(context.Background(), req)
	require.Error(t, err)

	// No mutations, claim released so the provider retry is not deduped.
	assert.Equal(t, 0, publisher.paidCount())
	assert.False(t, cache.claimed("evt_404"))
	processed, _ := store.IsEventProcessed(context.Background(), "evt_404")
	assert.False(t, processed)
}

func TestFulfillPartialFailureResumesWithoutDoubleDeduction(t *testing.T) {
	fs, store, _, publisher := newFulfillmentFixture()
	seedOrder(store, 123)

	failures := 1
	store.deductErr = func(productID int64) error {
		if productID == 2 && failures > 0 {
			failures--
			return fmt.Errorf("connection reset")
		}
		return nil
	}

	req := &FulfillmentRequest{EventID: "evt_1", EventType: "checkout.session.completed", SessionID: "cs_1", OrderID: 123, UserID: 7}

	// First delivery fails after product 1 was deducted.
	require.Error(t, fs.Fulfill(context.Background(), req))
	assert.Equal(t, 8, store.stockLevel(1))
	assert.Equal(t, 5, store.stockLevel(2))
	_, paymentStatus := store.orderStatus(123)
	assert.Equal(t, models.PaymentStatusUnpaid, paymentStatus)

	// Provider retry resumes: product 1 is not deducted again.
	require.NoError(t, fs.Fulfill(context.Background(), req))
	assert.Equal(t, 8, store.stockLevel(1))
	assert.Equal(t, 4, store.stockLevel(2))

	_, paymentStatus = store.orderStatus(123)
	assert.Equal(t, models.PaymentStatusPaid, paymentStatus)
	assert.Equal(t, 1, publisher.paidCount())
}

func TestFulfillConcurrentOrdersNoLostUpdates(t *testing.T) {
	fs, store, _, _ := newFulfillmentFixture()

	const n = 50
	store.stock[1] = n
	for i := int64(1); i <= n; i++ {
		store.addOrder(
			&models.Order{
				ID:            i,
				UserID:        i,
				TotalAmount:   100,
				Currency:      "usd",
				Status:        models.OrderStatusPending,
				PaymentStatus: models.PaymentStatusUnpaid,
			},
			[]models.OrderItem{{OrderID: i, ProductID: 1, Quantity: 1, UnitPrice: 100}},
		)
	}

	var wg sync.WaitGroup
	for i := int64(1); i <= n; i++ {
		wg.Add(1)
		go func(orderID int64) {
			defer wg.Done()
			req := &FulfillmentRequest{
				EventID:   fmt.Sprintf("evt_%d", orderID),
				EventType: "checkout.session.completed",
				SessionID: fmt.Sprintf("cs_%d", orderID),
				OrderID:   orderID,
				UserID:    orderID,
			}
			assert.NoError(t, fs.Fulfill(context.Background(), req))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, store.stockLevel(1))
}

func TestFulfillNotificationFailureDoesNotFailFulfillment(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{err: fmt.Errorf("broker unavailable")}
	fs := NewFulfillmentService(store, newFakeCache(), publisher, time.Hour)
	seedOrder(store, 123)

	req := &FulfillmentRequest{EventID: "evt_1", EventType: "checkout.session.completed", SessionID: "cs_1", OrderID: 123, UserID: 7}
	require.NoError(t, fs.Fulfill(context.Background(), req))

	_, paymentStatus := store.orderStatus(123)
	assert.Equal(t, models.PaymentStatusPaid, paymentStatus)
	assert.Equal(t, 8, store.stockLevel(1))
}

func TestRequestFromSession(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		wantErr  bool
	}{
		{
			name:     "valid metadata",
			metadata: map[string]string{"order_id": "123", "user_id": "7"},
		},
		{
			name:     "missing order_id",
			metadata: map[string]string{"user_id": "7"},
			wantErr:  true,
		},
		{
			name:     "missing user_id",
			metadata: map[string]string{"order_id": "123"},
			wantErr:  true,
		},
		{
			name:     "non-numeric order_id",
			metadata: map[string]string{"order_id": "abc", "user_id": "7"},
			wantErr:  true,
		},
		{
			name:     "nil metadata",
			metadata: nil,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &stripeclient.CompletedSession{ID: "cs_1", Metadata: tt.metadata}
			req, err := RequestFromSession("evt_1", "checkout.session.completed", sess)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(123), req.OrderID)
			assert.Equal(t, int64(7), req.UserID)
			assert.Equal(t, "cs_1", req.SessionID)
		})
	}
}
