// Package reconcile applies processor settlement confirmations to invoice
// records.
package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/odyssey-erp/billpay/internal/platform/httpx"
)

// EventPaymentSucceeded is the only event type that settles an invoice.
const EventPaymentSucceeded = "payment_intent.succeeded"

var (
	// ErrSignature is returned when a payload's signature is missing or invalid.
	ErrSignature = fmt.Errorf("reconcile: signature verification failed: %w", httpx.ErrValidation)
	// ErrPayload is returned for verified payloads that cannot be interpreted.
	ErrPayload = fmt.Errorf("reconcile: malformed confirmation: %w", httpx.ErrValidation)
)

// Confirmation is a verified processor event.
type Confirmation struct {
	EventID          string
	EventType        string
	PaymentReference string
	// Amount is in the currency's minor units.
	Amount   int64
	Currency string
	Status   string
}

// Verifier authenticates a raw webhook payload and decodes it.
type Verifier interface {
	Verify(payload []byte, signature string) (Confirmation, error)
}

// StripeVerifier checks Stripe-Signature headers against the endpoint secret.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier constructs a verifier for the endpoint signing secret.
func NewStripeVerifier(secret string) (*StripeVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("reconcile: webhook secret must be provided")
	}
	return &StripeVerifier{secret: secret}, nil
}

// Verify validates the signature over the raw payload before decoding any of
// it.
func (v *StripeVerifier) Verify(payload []byte, signature string) (Confirmation, error) {
	if strings.TrimSpace(signature) == "" {
		return Confirmation{}, fmt.Errorf("%w: missing signature header", ErrSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Confirmation{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	conf := Confirmation{EventID: event.ID, EventType: string(event.Type)}
	if !strings.HasPrefix(conf.EventType, "payment_intent.") {
		return conf, nil
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return Confirmation{}, fmt.Errorf("%w: event %s has no data", ErrPayload, event.ID)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return Confirmation{}, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	conf.PaymentReference = intent.ID
	conf.Amount = intent.Amount
	conf.Currency = strings.ToUpper(string(intent.Currency))
	conf.Status = string(intent.Status)
	return conf, nil
}
