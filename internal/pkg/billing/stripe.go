package billing

import (
	"context"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeProcessor implements Processor on the Stripe API.
type StripeProcessor struct {
	client *client.API
}

func NewStripeProcessor(secretKey string) *StripeProcessor {
	return &StripeProcessor{client: client.New(secretKey, nil)}
}

func (p *StripeProcessor) CreateCustomer(ctx context.Context, email, paymentMethodRef string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	if paymentMethodRef != "" {
		params.PaymentMethod = stripe.String(paymentMethodRef)
		params.InvoiceSettings = &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodRef),
		}
	}
	params.Context = ctx

	c, err := p.client.Customers.New(params)
	if err != nil {
		return "", stripeError("create customer", err)
	}
	return c.ID, nil
}

// CreateSubscription creates an incomplete subscription whose first invoice
// must be paid through ConfirmPayment.
func (p *StripeProcessor) CreateSubscription(ctx context.Context, customerRef, priceRef, paymentMethodRef string) (*ExternalSubscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceRef)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	if paymentMethodRef != "" {
		params.DefaultPaymentMethod = stripe.String(paymentMethodRef)
	}
	params.AddExpand("latest_invoice.payment_intent")
	params.Context = ctx

	sub, err := p.client.Subscriptions.New(params)
	if err != nil {
		return nil, stripeError("create subscription", err)
	}

	out := &ExternalSubscription{ID: sub.ID}
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		out.PaymentIntentRef = sub.LatestInvoice.PaymentIntent.ID
		out.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
	}
	return out, nil
}

func (p *StripeProcessor) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	if _, err := p.client.Subscriptions.Cancel(subscriptionRef, params); err != nil {
		return stripeError("cancel subscription", err)
	}
	return nil
}

func (p *StripeProcessor) ConfirmPayment(ctx context.Context, intentRef, paymentMethodRef string) (PaymentStatus, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	if paymentMethodRef != "" {
		params.PaymentMethod = stripe.String(paymentMethodRef)
	}
	params.Context = ctx

	pi, err := p.client.PaymentIntents.Confirm(intentRef, params)
	if err != nil {
		return "", stripeError("confirm payment", err)
	}
	return PaymentStatus(pi.Status), nil
}

// stripeError marks rate limits and server side failures as temporary.
func stripeError(op string, err error) error {
	perr := &ExternalProcessorError{Op: op, Err: err}
	var serr *stripe.Error
	if errors.As(err, &serr) {
		perr.Temporary = serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= http.StatusInternalServerError
	} else {
		// Transport failures never reached Stripe.
		perr.Temporary = true
	}
	return perr
}
