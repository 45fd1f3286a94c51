package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const StripeSignatureHeader = "Stripe-Signature"

// VerifyStripeEvent checks the Stripe-Signature header against the endpoint
// secret and decodes the event.
func VerifyStripeEvent(payload []byte, signatureHeader, webhookSecret string) (stripe.Event, error) {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return stripe.Event{}, ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

// ParseStripeEvent decodes a payload that was verified when it was received.
func ParseStripeEvent(payload []byte) (*BillingEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode stripe event: %w", err)
	}
	return BillingEventFromStripe(event)
}

// stripeRef accepts an unexpanded id or an expanded object.
type stripeRef string

func (r *stripeRef) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*r = stripeRef(obj.ID)
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	*r = stripeRef(id)
	return nil
}

type stripePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type stripeInvoice struct {
	ID                 string    `json:"id"`
	Subscription       stripeRef `json:"subscription"`
	Status             string    `json:"status"`
	BillingReason      string    `json:"billing_reason"`
	PeriodStart        int64     `json:"period_start"`
	PeriodEnd          int64     `json:"period_end"`
	NextPaymentAttempt *int64    `json:"next_payment_attempt"`
	Lines              struct {
		Data []struct {
			Period stripePeriod `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// period prefers the first line item's service period over the invoice's
// own period, which on renewals covers the previous cycle.
func (inv stripeInvoice) period() (*time.Time, *time.Time) {
	if len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period.End > 0 {
		p := inv.Lines.Data[0].Period
		return unixTime(p.Start), unixTime(p.End)
	}
	return unixTime(inv.PeriodStart), unixTime(inv.PeriodEnd)
}

type stripeSubscription struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BillingEventFromStripe classifies a Stripe event. Types this service does
// not handle return ErrUnhandledEvent.
func BillingEventFromStripe(event stripe.Event) (*BillingEvent, error) {
	var eventType EventType
	switch event.Type {
	case "invoice.payment_succeeded":
		eventType = EventPaymentSucceeded
	case "invoice.payment_failed":
		eventType = EventPaymentFailed
	case "customer.subscription.updated":
		eventType = EventSubscriptionUpdated
	case "customer.subscription.deleted":
		eventType = EventSubscriptionDeleted
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, event.Type)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("stripe event %s has no data object", event.ID)
	}

	out := &BillingEvent{Type: eventType, EventID: event.ID}
	switch eventType {
	case EventPaymentSucceeded, EventPaymentFailed:
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice in %s: %w", event.ID, err)
		}
		out.SubscriptionRef = string(inv.Subscription)
		out.InvoiceRef = inv.ID
		out.InvoiceStatus = inv.Status
		out.BillingReason = inv.BillingReason
		out.PeriodStart, out.PeriodEnd = inv.period()
		if inv.NextPaymentAttempt != nil {
			out.NextRetryAt = unixTime(*inv.NextPaymentAttempt)
		}
	default:
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription in %s: %w", event.ID, err)
		}
		out.SubscriptionRef = sub.ID
		out.SubscriptionStatus = sub.Status
	}
	return out, nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
