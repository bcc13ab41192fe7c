package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

const defaultTestPaymentMethod = "pm_card_visa"

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey         string
	Mode              Mode
	TestPaymentMethod string
	// Backends overrides the HTTP backends, used to point tests at a local server.
	Backends *stripe.Backends
}

// Stripe creates PaymentIntents through the Stripe API.
type Stripe struct {
	api               *client.API
	mode              Mode
	testPaymentMethod string
	logger            *slog.Logger
}

// NewStripe constructs the adapter. The mode is fixed for the lifetime of the
// adapter.
func NewStripe(cfg StripeConfig, logger *slog.Logger) (*Stripe, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("gateway: stripe secret key must be provided")
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeTest
	}
	if mode != ModeLive && mode != ModeTest {
		return nil, fmt.Errorf("gateway: unknown payment mode %q", mode)
	}
	method := cfg.TestPaymentMethod
	if method == "" {
		method = defaultTestPaymentMethod
	}
	if logger == nil {
		logger = slog.Default()
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, cfg.Backends)
	return &Stripe{api: api, mode: mode, testPaymentMethod: method, logger: logger}, nil
}

// Mode reports the configured payment mode.
func (s *Stripe) Mode() Mode { return s.mode }

// CreatePayment creates a PaymentIntent for the request. In test mode the
// intent is confirmed immediately with the configured test payment method.
// An intent already tagged with the request's idempotency key is returned
// instead of creating another, which covers repeats after the processor has
// expired the key.
func (s *Stripe) CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error) {
	minor, err := MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return Payment{}, &Error{Reason: err.Error(), Code: "invalid_amount", Err: err}
	}
	if req.IdempotencyKey != "" {
		existing, err := s.findExisting(ctx, req.IdempotencyKey)
		if err != nil {
			gwErr := classify(err)
			gwErr.Reason = "search existing payment: " + gwErr.Reason
			gwErr.Indeterminate = true
			return Payment{}, gwErr
		}
		if existing != nil {
			return s.reuse(req, existing)
		}
	}

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(minor),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(describe(req)),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.AddMetadata("invoice_uuid", req.InvoiceID.String())
	params.AddMetadata("billpay_payment", "true")
	for key, value := range map[string]string{
		"vendor_name":     req.VendorName,
		"invoice_id":      req.ReferenceID,
		"due_date":        req.DueDate,
		"idempotency_key": req.IdempotencyKey,
	} {
		if value != "" {
			params.AddMetadata(key, value)
		}
	}

	switch s.mode {
	case ModeLive:
		params.PaymentMethodTypes = stripe.StringSlice([]string{"card", "us_bank_account"})
	default:
		params.PaymentMethod = stripe.String(s.testPaymentMethod)
		params.PaymentMethodTypes = stripe.StringSlice([]string{testMethodType(s.testPaymentMethod)})
		params.Confirm = stripe.Bool(true)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		gwErr := classify(err)
		s.logger.Warn("create payment intent",
			slog.String("invoice_id", req.InvoiceID.String()),
			slog.String("reason", gwErr.Reason),
			slog.Bool("timeout", gwErr.Timeout),
		)
		return Payment{}, gwErr
	}
	s.logger.Info("payment intent created",
		slog.String("invoice_id", req.InvoiceID.String()),
		slog.String("payment_reference", pi.ID),
		slog.String("status", string(pi.Status)),
		slog.String("mode", string(s.mode)),
	)
	return Payment{Reference: pi.ID, Status: string(pi.Status)}, nil
}

// findExisting returns the newest non-cancelled intent carrying key in its
// metadata, or nil.
func (s *Stripe) findExisting(ctx context.Context, key string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['idempotency_key']:'%s'", key)
	params.Limit = stripe.Int64(10)
	params.Single = true
	iter := s.api.PaymentIntents.Search(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		if pi.Status != stripe.PaymentIntentStatusCanceled {
			return pi, nil
		}
	}
	return nil, iter.Err()
}

func (s *Stripe) reuse(req PaymentRequest, pi *stripe.PaymentIntent) (Payment, error) {
	logger := s.logger.With(
		slog.String("invoice_id", req.InvoiceID.String()),
		slog.String("payment_reference", pi.ID),
		slog.String("status", string(pi.Status)),
	)
	// A confirmed test payment left waiting for a method was declined.
	if s.mode == ModeTest && pi.Status == stripe.PaymentIntentStatusRequiresPaymentMethod {
		reason := "existing payment intent requires a payment method"
		code := string(stripe.PaymentIntentStatusRequiresPaymentMethod)
		if pi.LastPaymentError != nil {
			if pi.LastPaymentError.Msg != "" {
				reason = pi.LastPaymentError.Msg
			}
			if pi.LastPaymentError.DeclineCode != "" {
				code = string(pi.LastPaymentError.DeclineCode)
			}
		}
		logger.Warn("existing payment intent was declined")
		return Payment{}, &Error{Reason: reason, Code: code}
	}
	logger.Info("reusing existing payment intent")
	return Payment{Reference: pi.ID, Status: string(pi.Status)}, nil
}

// PaymentStatus returns the current PaymentIntent status for a reference.
func (s *Stripe) PaymentStatus(ctx context.Context, reference string) (string, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(reference, params)
	if err != nil {
		return "", classify(err)
	}
	return string(pi.Status), nil
}

// CancelPayment cancels the PaymentIntent behind reference and returns its
// resulting status.
func (s *Stripe) CancelPayment(ctx context.Context, reference string) (string, error) {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Cancel(reference, params)
	if err != nil {
		gwErr := classify(err)
		s.logger.Warn("cancel payment intent",
			slog.String("payment_reference", reference),
			slog.String("reason", gwErr.Reason),
		)
		return "", gwErr
	}
	s.logger.Info("payment intent cancelled", slog.String("payment_reference", reference))
	return string(pi.Status), nil
}

// classify maps a Stripe error onto an *Error. Server side API errors leave
// the request's outcome unknown.
func classify(err error) *Error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		reason := stripeErr.Msg
		if reason == "" {
			reason = string(stripeErr.Type)
		}
		code := string(stripeErr.Code)
		if stripeErr.DeclineCode != "" {
			code = string(stripeErr.DeclineCode)
		}
		return &Error{
			Reason:        reason,
			Code:          code,
			Indeterminate: stripeErr.HTTPStatusCode >= 500 || stripeErr.Type == stripe.ErrorTypeAPI,
			Err:           err,
		}
	}
	return AsError(err)
}

func describe(req PaymentRequest) string {
	var b strings.Builder
	b.WriteString("Invoice")
	if req.ReferenceID != "" {
		b.WriteString(" " + req.ReferenceID)
	}
	if req.VendorName != "" {
		b.WriteString(" from " + req.VendorName)
	}
	return b.String()
}

func testMethodType(method string) string {
	switch {
	case strings.HasPrefix(method, "pm_usBankAccount"):
		return "us_bank_account"
	case strings.HasPrefix(method, "pm_sepaDebit"):
		return "sepa_debit"
	default:
		return "card"
	}
}
