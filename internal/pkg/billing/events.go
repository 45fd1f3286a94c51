package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/TokenFox/app/models"
)

// EventType classifies processor notifications the reconciler acts on.
type EventType string

const (
	EventPaymentSucceeded    EventType = "payment_succeeded"
	EventPaymentFailed       EventType = "payment_failed"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
)

// Invoice billing reasons.
const (
	BillingReasonSubscriptionCreate = "subscription_create"
	BillingReasonSubscriptionCycle  = "subscription_cycle"
	BillingReasonSubscriptionUpdate = "subscription_update"
)

const invoiceStatusPaid = "paid"

// BillingEvent is the processor-neutral shape of one webhook notification.
type BillingEvent struct {
	Type            EventType
	EventID         string
	SubscriptionRef string
	InvoiceRef      string
	InvoiceStatus   string
	BillingReason   string
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
	// NextRetryAt is nil on a failed payment when the processor gave up retrying.
	NextRetryAt        *time.Time
	SubscriptionStatus string
}

// FinalFailure reports a failed payment that will not be retried.
func (e BillingEvent) FinalFailure() bool {
	return e.Type == EventPaymentFailed && e.NextRetryAt == nil
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// MapProcessorStatus maps a processor subscription status onto the local
// subscription states. Unknown statuses map to "".
func MapProcessorStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return models.SubscriptionStatusActive
	case "past_due", "unpaid":
		return models.SubscriptionStatusPastDue
	case "canceled", "cancelled":
		return models.SubscriptionStatusCancelled
	case "incomplete", "paused":
		return models.SubscriptionStatusPending
	case "incomplete_expired":
		return models.SubscriptionStatusExpired
	default:
		return ""
	}
}
