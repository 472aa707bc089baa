package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeGateway holds funds with manual-capture PaymentIntents.
type StripeGateway struct {
	currency string
}

// NewStripeGateway sets the process-wide stripe key.
func NewStripeGateway(apiKey, currency string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{currency: currency}
}

// Authorize creates a PaymentIntent with capture_method=manual. Stripe replays
// the stored outcome of a key, declines included, so callers that want a
// fresh attempt must send a fresh Key.
func (s *StripeGateway) Authorize(ctx context.Context, h Hold) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(h.Amount),
		Currency: stripe.String(s.currency),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("booking_id", h.BookingID)
	params.AddMetadata("client_id", h.ClientID)
	params.SetIdempotencyKey(h.IdempotencyKey())
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes amount of a held PaymentIntent; the rest is released.
func (s *StripeGateway) Capture(ctx context.Context, ref string, amount int64) error {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amount)}
	params.Context = ctx
	_, err := paymentintent.Capture(ref, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeGateway) Cancel(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(ref, params)
	return err
}
