package stripeclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// EventTypeCheckoutCompleted is the only provider event that drives fulfillment
const EventTypeCheckoutCompleted = "checkout.session.completed"

// Client wraps the Stripe SDK for checkout session creation and webhook
// verification. Constructed once at startup and injected into handlers.
type Client struct {
	api           *client.API
	webhookSecret string
}

// NewClient creates a Stripe client from the server-held secrets
func NewClient(secretKey, webhookSecret string) *Client {
	api := &client.API{}
	api.Init(secretKey, nil)

	return &Client{
		api:           api,
		webhookSecret: webhookSecret,
	}
}

// SessionRequest carries everything needed to create a hosted checkout session
type SessionRequest struct {
	OrderID     int64
	UserID      int64
	Amount      int64
	Currency    string
	ProductName string
	SuccessURL  string
	CancelURL   string
}

// Session is the subset of the provider session the service cares about
type Session struct {
	ID  string
	URL string
}

// CreateCheckoutSession creates a one-time-payment hosted checkout session.
// Order and user ids always travel in session metadata; the webhook handler
// has no other way to know which order to fulfill.
func (c *Client) CreateCheckoutSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.ProductName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", fmt.Sprintf("%d", req.OrderID))
	params.AddMetadata("user_id", fmt.Sprintf("%d", req.UserID))

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe session creation failed: %w", err)
	}

	return &Session{ID: sess.ID, URL: sess.URL}, nil
}

// VerifyEvent validates the raw webhook payload against the signature header
// and the pre-shared webhook secret. Nothing in the payload may be trusted
// before this succeeds.
func (c *Client) VerifyEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe signature invalid: %w", err)
	}
	return event, nil
}

// CompletedSession is the checkout session payload carried by a
// checkout.session.completed event
type CompletedSession struct {
	ID            string            `json:"id"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

// ParseCompletedSession decodes the session object out of a verified event
func ParseCompletedSession(event stripe.Event) (*CompletedSession, error) {
	var sess CompletedSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	return &sess, nil
}
