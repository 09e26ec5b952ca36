package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"pharmacy-payment-service/internal/models"
	"pharmacy-payment-service/internal/store"
	"pharmacy-payment-service/internal/stripeclient"
	"pharmacy-payment-service/internal/util"

	"go.uber.org/zap"
)

// ErrInvalidInput marks checkout requests that must be rejected with a
// client error before the provider is called
var ErrInvalidInput = errors.New("invalid checkout input")

// ErrOrderNotFound marks checkout requests referencing an unknown order
var ErrOrderNotFound = errors.New("order not found")

// SessionCreator creates hosted checkout sessions at the payment provider
type SessionCreator interface {
	CreateCheckoutSession(ctx context.Context, req *stripeclient.SessionRequest) (*stripeclient.Session, error)
}

// CheckoutStore is the slice of the store the checkout service needs
type CheckoutStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	SetCheckoutSession(ctx context.Context, orderID int64, sessionID string) error
}

// CheckoutService translates a buyer's checkout intent into a
// provider-hosted session
type CheckoutService struct {
	store           CheckoutStore
	sessions        SessionCreator
	defaultCurrency string
	logger          *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(store CheckoutStore, sessions SessionCreator, defaultCurrency string) *CheckoutService {
	return &CheckoutService{
		store:           store,
		sessions:        sessions,
		defaultCurrency: defaultCurrency,
		logger:          util.GetLogger(),
	}
}

// CreateSessionRequest is the checkout intent posted by the client.
// OrderID and UserID are mandatory: the webhook handler can only fulfill
// orders it can resolve from session metadata.
type CreateSessionRequest struct {
	OrderID     int64  `json:"order_id" binding:"required"`
	UserID      int64  `json:"user_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Currency    string `json:"currency,omitempty"`
	ProductName string `json:"productName,omitempty"`
	SuccessURL  string `json:"success_url" binding:"required"`
	CancelURL   string `json:"cancel_url" binding:"required"`
}

// CreateSessionResponse carries the provider session id and redirect URL
type CreateSessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateSession validates the checkout intent and creates a provider session
// carrying the order linkage in metadata. No durable local state is created;
// on provider failure there is nothing to roll back.
func (s *CheckoutService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	ctx, span := util.StartOrderSpan(ctx, "CheckoutService.CreateSession", req.OrderID)
	defer span.End()

	if err := s.validate(req); err != nil {
		util.CheckoutSessionsFailedTotal.WithLabelValues("invalid_input").Inc()
		return nil, err
	}

	order, err := s.store.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.CheckoutSessionsFailedTotal.WithLabelValues("order_not_found").Inc()
			return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, req.OrderID)
		}
		util.CheckoutSessionsFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to load order %d: %w", req.OrderID, err)
	}
	if order.PaymentStatus == models.PaymentStatusPaid {
		util.CheckoutSessionsFailedTotal.WithLabelValues("already_paid").Inc()
		return nil, fmt.Errorf("%w: order %d is already paid", ErrInvalidInput, req.OrderID)
	}

	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = s.defaultCurrency
	}

	productName := req.ProductName
	if productName == "" {
		productName = fmt.Sprintf("Order #%d", req.OrderID)
	}

	sess, err := s.sessions.CreateCheckoutSession(ctx, &stripeclient.SessionRequest{
		OrderID:     req.OrderID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Currency:    currency,
		ProductName: productName,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		util.CheckoutSessionsFailedTotal.WithLabelValues("provider_error").Inc()
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	// Best effort: the session-to-order linkage already lives in the
	// session metadata, the local copy only aids manual reconciliation.
	if err := s.store.SetCheckoutSession(ctx, req.OrderID, sess.ID); err != nil {
		s.logger.Warn("Failed to record checkout session on order",
			zap.Int64("order_id", req.OrderID),
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}

	util.CheckoutSessionsCreatedTotal.Inc()
	s.logger.Info("Checkout session created",
		zap.Int64("order_id", req.OrderID),
		zap.String("session_id", sess.ID))

	return &CreateSessionResponse{ID: sess.ID, URL: sess.URL}, nil
}

func (s *CheckoutService) validate(req *CreateSessionRequest) error {
	if req.OrderID <= 0 {
		return fmt.Errorf("%w: order_id is required", ErrInvalidInput)
	}
	if req.UserID <= 0 {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be a positive integer in the smallest currency unit", ErrInvalidInput)
	}
	if req.Currency != "" && len(req.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrInvalidInput)
	}
	for _, u := range []struct{ name, val string }{
		{"success_url", req.SuccessURL},
		{"cancel_url", req.CancelURL},
	} {
		parsed, err := url.ParseRequestURI(u.val)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("%w: %s must be a valid http(s) URL", ErrInvalidInput, u.name)
		}
	}
	return nil
}
