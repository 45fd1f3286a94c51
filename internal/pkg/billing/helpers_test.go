package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/database"
	"github.com/ManuelReschke/TokenFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
)

const testWebhookSecret = "whsec_test_secret"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProcessor struct {
	mu            sync.Mutex
	calls         []string
	subscriptions int
	confirmStatus PaymentStatus
	customerErr   error
	createErr     error
	cancelErr     error
	confirmErr    error
	// onCreate runs inside CreateSubscription with the subscription's number.
	onCreate func(n int)
}

func (f *fakeProcessor) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProcessor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeProcessor) CreateCustomer(ctx context.Context, email, paymentMethodRef string) (string, error) {
	f.record("create_customer:" + email)
	if f.customerErr != nil {
		return "", f.customerErr
	}
	return "cus_1", nil
}

func (f *fakeProcessor) CreateSubscription(ctx context.Context, customerRef, priceRef, paymentMethodRef string) (*ExternalSubscription, error) {
	f.record("create_subscription:" + priceRef)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	f.subscriptions++
	n := f.subscriptions
	hook := f.onCreate
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return &ExternalSubscription{
		ID:               fmt.Sprintf("sub_%d", n),
		ClientSecret:     fmt.Sprintf("pi_%d_secret", n),
		PaymentIntentRef: fmt.Sprintf("pi_%d", n),
	}, nil
}

func (f *fakeProcessor) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	f.record("cancel_subscription:" + subscriptionRef)
	return f.cancelErr
}

func (f *fakeProcessor) ConfirmPayment(ctx context.Context, intentRef, paymentMethodRef string) (PaymentStatus, error) {
	f.record("confirm_payment:" + intentRef)
	if f.confirmErr != nil {
		return "", f.confirmErr
	}
	return f.confirmStatus, nil
}

type fakeRetryQueue struct {
	mu   sync.Mutex
	jobs []jobqueue.Job
}

func (q *fakeRetryQueue) EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := jobqueue.Job{ID: fmt.Sprintf("job-%d", len(q.jobs)+1), Type: jobType, Payload: payload}
	q.jobs = append(q.jobs, job)
	return &job, nil
}

func (q *fakeRetryQueue) Jobs() []jobqueue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]jobqueue.Job(nil), q.jobs...)
}

type testEnv struct {
	svc   *Service
	proc  *fakeProcessor
	queue *fakeRetryQueue
	store ledger.Repository
	plans map[string]*models.Plan
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	db := database.NewTestDB(t)
	store := ledger.NewRepository(db)
	engine := ledger.NewEngine(store, nil)
	proc := &fakeProcessor{confirmStatus: PaymentSucceeded}
	queue := &fakeRetryQueue{}
	svc := NewServiceFromDB(db, engine, proc, append([]Option{
		WithRetryQueue(queue),
		WithWebhookSecret(testWebhookSecret),
		WithClock(func() time.Time { return testNow }),
	}, opts...)...)

	env := &testEnv{svc: svc, proc: proc, queue: queue, store: store, plans: map[string]*models.Plan{}}
	for _, p := range []*models.Plan{
		{Name: "Free", Tier: models.PlanTierFree, DurationDays: 30, TokensPerMonth: 100, IsActive: true},
		{Name: "Basic", Tier: models.PlanTierBasic, Price: decimal.RequireFromString("9.99"), DurationDays: 30, TokensPerMonth: 1000, IsActive: true, ExternalPriceRef: "price_basic"},
		{Name: "Premium", Tier: models.PlanTierPremium, Price: decimal.RequireFromString("29.99"), DurationDays: 30, TokensPerMonth: 5000, IsActive: true, ExternalPriceRef: "price_premium"},
	} {
		require.NoError(t, store.UpsertPlan(context.Background(), p))
		env.plans[p.Name] = p
	}
	return env
}

// newAccount creates an account on the free plan with its 100 starter tokens.
func (e *testEnv) newAccount(t *testing.T, email string) *models.Account {
	t.Helper()
	account, err := models.NewAccountWithHashedPassword("Test Account", email, "secret123")
	require.NoError(t, err)
	_, err = e.svc.CreateAccountWithDefaultPlan(context.Background(), account)
	require.NoError(t, err)
	return account
}

// subscribePaid moves a fresh account onto the named paid plan.
func (e *testEnv) subscribePaid(t *testing.T, email, plan string) *models.Account {
	t.Helper()
	account := e.newAccount(t, email)
	result, err := e.svc.Subscribe(context.Background(), account.ID, e.plans[plan].ID, "pm_card")
	require.NoError(t, err)
	return result.Account
}

// emailToken returns the token of the last queued email with the given
// template sent to the address.
func (e *testEnv) emailToken(t *testing.T, template, to string) string {
	t.Helper()
	jobs := e.queue.Jobs()
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].Type != jobqueue.JobTypeSendEmail {
			continue
		}
		payload, err := jobqueue.SendEmailJobPayloadFromMap(jobs[i].Payload)
		require.NoError(t, err)
		if payload.Template == template && payload.To == to {
			return payload.Token
		}
	}
	t.Fatalf("no %s email queued for %s", template, to)
	return ""
}

func (e *testEnv) account(t *testing.T, id uint) *models.Account {
	t.Helper()
	acc, err := e.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc
}

func (e *testEnv) transactions(t *testing.T, accountID uint) []models.TokenTransaction {
	t.Helper()
	txns, err := e.store.ListTransactions(context.Background(), accountID, 100)
	require.NoError(t, err)
	return txns
}

func countAction(txns []models.TokenTransaction, action string) int {
	n := 0
	for _, txn := range txns {
		if txn.Action == action {
			n++
		}
	}
	return n
}

func renewalEvent(subRef, invoiceRef string) BillingEvent {
	start := testNow.Add(30 * 24 * time.Hour)
	end := start.Add(30 * 24 * time.Hour)
	return BillingEvent{
		Type:            EventPaymentSucceeded,
		EventID:         "evt_" + invoiceRef,
		SubscriptionRef: subRef,
		InvoiceRef:      invoiceRef,
		InvoiceStatus:   "paid",
		BillingReason:   BillingReasonSubscriptionCycle,
		PeriodStart:     &start,
		PeriodEnd:       &end,
	}
}

func stripeEventJSON(t *testing.T, id, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"api_version": "2023-10-16",
		"created":     testNow.Unix(),
		"type":        eventType,
		"data": map[string]interface{}{
			"object": object,
		},
	})
	require.NoError(t, err)
	return payload
}

func invoiceObject(invoiceRef, subRef, reason string, nextAttempt *int64) map[string]interface{} {
	start := testNow.Add(30 * 24 * time.Hour).Unix()
	return map[string]interface{}{
		"id":                   invoiceRef,
		"object":               "invoice",
		"subscription":         subRef,
		"status":               "paid",
		"billing_reason":       reason,
		"period_start":         testNow.Unix(),
		"period_end":           start,
		"next_payment_attempt": nextAttempt,
		"lines": map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{
					"period": map[string]interface{}{"start": start, "end": start + 30*24*3600},
				},
			},
		},
	}
}

func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
