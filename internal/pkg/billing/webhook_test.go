package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
)

func TestHandleStripeWebhookRenewal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.subscribePaid(t, "hook@example.com", "Basic")

	payload := stripeEventJSON(t, "evt_renew_1", "invoice.payment_succeeded",
		invoiceObject("in_900", "sub_1", BillingReasonSubscriptionCycle, nil))

	outcome, err := env.svc.HandleStripeWebhook(ctx, payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, outcome)

	outcome, err = env.svc.HandleStripeWebhook(ctx, payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, outcome)

	stored := env.account(t, account.ID)
	assert.Equal(t, int64(2100), stored.TokenBalance)
	// The line item period wins over the invoice period.
	assert.Equal(t, testNow.Add(30*24*time.Hour).Unix(), stored.Subscription.StartDate.Unix())

	event, err := env.svc.repo.GetWebhookEvent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "evt_renew_1", event.ProviderEventID)
	assert.Equal(t, "invoice.payment_succeeded", event.EventType)
	assert.True(t, event.SignatureValid)
	assert.True(t, event.Succeeded())
	assert.Equal(t, 1, event.Attempts)
}

func TestHandleStripeWebhookSameInvoiceDifferentEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.subscribePaid(t, "hook-dupe@example.com", "Basic")

	for _, id := range []string{"evt_a", "evt_b"} {
		payload := stripeEventJSON(t, id, "invoice.payment_succeeded",
			invoiceObject("in_901", "sub_1", BillingReasonSubscriptionCycle, nil))
		_, err := env.svc.HandleStripeWebhook(ctx, payload, signPayload(payload, testWebhookSecret))
		require.NoError(t, err)
	}

	assert.Equal(t, int64(2100), env.account(t, account.ID).TokenBalance)
}

func TestHandleStripeWebhookInvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.subscribePaid(t, "forged@example.com", "Basic")

	payload := stripeEventJSON(t, "evt_forged", "invoice.payment_succeeded",
		invoiceObject("in_902", "sub_1", BillingReasonSubscriptionCycle, nil))

	_, err := env.svc.HandleStripeWebhook(ctx, payload, signPayload(payload, "whsec_wrong"))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = env.svc.HandleStripeWebhook(ctx, payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	assert.Equal(t, int64(1100), env.account(t, account.ID).TokenBalance)

	event, err := env.svc.repo.GetWebhookEvent(ctx, 1)
	require.NoError(t, err)
	assert.False(t, event.SignatureValid)
	assert.Contains(t, event.ProviderEventID, "hash:")

	outcome, err := env.svc.ProcessWebhookEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, outcome)
}

func TestHandleStripeWebhookUnhandledType(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload := stripeEventJSON(t, "evt_customer", "customer.created", map[string]interface{}{
		"id":     "cus_9",
		"object": "customer",
	})
	outcome, err := env.svc.HandleStripeWebhook(ctx, payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, outcome)

	event, err := env.svc.repo.GetWebhookEvent(ctx, 1)
	require.NoError(t, err)
	assert.True(t, event.Succeeded())
}

func TestHandleStripeWebhookFinalFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.subscribePaid(t, "hook-final@example.com", "Basic")

	invoice := invoiceObject("in_903", "sub_1", BillingReasonSubscriptionCycle, nil)
	invoice["status"] = "open"
	payload := stripeEventJSON(t, "evt_failed", "invoice.payment_failed", invoice)

	outcome, err := env.svc.HandleStripeWebhook(ctx, payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, outcome)

	stored := env.account(t, account.ID)
	assert.Equal(t, models.SubscriptionStatusCancelled, stored.Subscription.Status)
	assert.Contains(t, env.proc.Calls(), "cancel_subscription:sub_1")
}

func TestHandleStripeWebhookFailureIsQueued(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// An account pointing at a subscription without a plan cannot be renewed.
	account := env.newAccount(t, "broken@example.com")
	require.NoError(t, env.svc.engine.Atomically(ctx, account.ID, func(tx *ledger.Tx) error {
		acc := tx.Account()
		acc.Subscription.PlanID = nil
		acc.Subscription.ExternalSubscriptionRef = "sub_broken"
		return tx.Repo().SaveAccount(ctx, acc)
	}))

	payload := stripeEventJSON(t, "evt_broken", "invoice.payment_succeeded",
		invoiceObject("in_904", "sub_broken", BillingReasonSubscriptionCycle, nil))
	outcome, err := env.svc.HandleStripeWebhook(ctx, payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookFailed, outcome)

	event, err := env.svc.repo.GetWebhookEvent(ctx, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, event.ProcessingError)
	assert.False(t, event.Succeeded())

	jobs := env.queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, jobqueue.JobTypeReconcileWebhook, jobs[0].Type)

	// The periodic sweep finds it again.
	require.NoError(t, env.svc.RetryFailedWebhooks(ctx))
	assert.Len(t, env.queue.Jobs(), 2)

	// A redelivery is reprocessed rather than reported as a duplicate.
	outcome, err = env.svc.HandleStripeWebhook(ctx, payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookFailed, outcome)

	event, err = env.svc.repo.GetWebhookEvent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, event.Attempts)
}

func TestRetryFailedWebhooksStopsAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, stored, err := env.svc.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: "evt_exhausted",
		EventType:       "invoice.payment_succeeded",
		PayloadJSON:     "{}",
		SignatureValid:  true,
	})
	require.NoError(t, err)
	for i := 0; i < MaxWebhookAttempts; i++ {
		require.NoError(t, env.svc.repo.MarkWebhookProcessed(ctx, stored.ID, "boom"))
	}

	require.NoError(t, env.svc.RetryFailedWebhooks(ctx))
	assert.Empty(t, env.queue.Jobs())
}

func TestRecordWebhookEventIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := WebhookEventInput{
		Provider:        "Stripe",
		ProviderEventID: "evt_same",
		EventType:       "invoice.paid",
		PayloadJSON:     `{"id":"evt_same"}`,
		SignatureValid:  true,
	}

	created, first, err := env.svc.RecordWebhookEvent(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.BillingProviderStripe, first.Provider)

	created, second, err := env.svc.RecordWebhookEvent(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, _, err = env.svc.RecordWebhookEvent(ctx, WebhookEventInput{})
	assert.Error(t, err)
}

func TestJobHandlers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.subscribePaid(t, "jobs@example.com", "Basic")

	payload := stripeEventJSON(t, "evt_job", "invoice.payment_succeeded",
		invoiceObject("in_905", "sub_1", BillingReasonSubscriptionCycle, nil))
	_, stored, err := env.svc.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: "evt_job",
		EventType:       "invoice.payment_succeeded",
		PayloadJSON:     string(payload),
		SignatureValid:  true,
	})
	require.NoError(t, err)

	reconcileJob := &jobqueue.Job{
		Type:    jobqueue.JobTypeReconcileWebhook,
		Payload: jobqueue.ReconcileWebhookJobPayload{WebhookEventID: stored.ID}.ToMap(),
	}
	require.NoError(t, env.svc.handleReconcileJob(ctx, reconcileJob))
	require.NoError(t, env.svc.handleReconcileJob(ctx, reconcileJob))
	assert.Equal(t, int64(2100), env.account(t, account.ID).TokenBalance)

	cancelJob := &jobqueue.Job{
		Type:    jobqueue.JobTypeCancelExternalSubscription,
		Payload: jobqueue.CancelSubscriptionJobPayload{AccountID: account.ID, SubscriptionRef: "sub_old"}.ToMap(),
	}
	require.NoError(t, env.svc.handleCancelJob(ctx, cancelJob))
	assert.Contains(t, env.proc.Calls(), "cancel_subscription:sub_old")

	// Permanent rejections are dropped, temporary ones retried.
	env.proc.cancelErr = &ExternalProcessorError{Op: "cancel_subscription", Err: assert.AnError}
	assert.NoError(t, env.svc.handleCancelJob(ctx, cancelJob))
	env.proc.cancelErr = &ExternalProcessorError{Op: "cancel_subscription", Err: assert.AnError, Temporary: true}
	assert.ErrorIs(t, env.svc.handleCancelJob(ctx, cancelJob), ErrExternalProcessor)

	assert.Error(t, env.svc.handleCancelJob(ctx, &jobqueue.Job{Payload: map[string]interface{}{}}))
}
