package payment

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// StripeGateway charges through confirmed off-session PaymentIntents.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway builds a gateway for apiKey. backends may be nil to use
// the public Stripe endpoints.
func NewStripeGateway(apiKey string, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{api: client.New(apiKey, backends)}
}

func (s *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:     stripe.Int64(req.Amount),
		Currency:   stripe.String(strings.ToLower(req.Currency)),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	if req.PayerRef != "" {
		params.Customer = stripe.String(req.PayerRef)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe payment intent: %w", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return "", fmt.Errorf("%w: payment intent %s is %s", ErrDeclined, pi.ID, pi.Status)
	}
	return pi.ID, nil
}

func (s *StripeGateway) Refund(ctx context.Context, chargeRef string, amount int64, key string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(chargeRef),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(key)

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe refund: %w", err)
	}
	return r.ID, nil
}
