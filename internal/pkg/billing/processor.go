package billing

import "context"

// PaymentStatus is the processor's payment intent status.
type PaymentStatus string

const (
	PaymentSucceeded             PaymentStatus = "succeeded"
	PaymentProcessing            PaymentStatus = "processing"
	PaymentRequiresAction        PaymentStatus = "requires_action"
	PaymentRequiresPaymentMethod PaymentStatus = "requires_payment_method"
	PaymentCanceled              PaymentStatus = "canceled"
)

// ExternalSubscription is a subscription created on the processor.
type ExternalSubscription struct {
	ID               string
	ClientSecret     string
	PaymentIntentRef string
}

// Processor is the remote payment processor. Every call is blocking network
// I/O; the service bounds each call with its processor timeout.
type Processor interface {
	CreateCustomer(ctx context.Context, email, paymentMethodRef string) (string, error)
	CreateSubscription(ctx context.Context, customerRef, priceRef, paymentMethodRef string) (*ExternalSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionRef string) error
	ConfirmPayment(ctx context.Context, intentRef, paymentMethodRef string) (PaymentStatus, error)
}
