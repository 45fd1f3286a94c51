package controllers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/billing"
	"github.com/ManuelReschke/TokenFox/internal/pkg/cache"
	"github.com/ManuelReschke/TokenFox/internal/pkg/database"
	"github.com/ManuelReschke/TokenFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
	"github.com/ManuelReschke/TokenFox/internal/pkg/mail"
	"github.com/ManuelReschke/TokenFox/internal/pkg/middleware"
)

const testWebhookSecret = "whsec_controller_test"

type fakeProcessor struct {
	mu    sync.Mutex
	subs  int
	calls []string
}

func (f *fakeProcessor) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProcessor) CreateCustomer(ctx context.Context, email, paymentMethodRef string) (string, error) {
	f.record("create_customer")
	return "cus_1", nil
}

func (f *fakeProcessor) CreateSubscription(ctx context.Context, customerRef, priceRef, paymentMethodRef string) (*billing.ExternalSubscription, error) {
	f.record("create_subscription:" + priceRef)
	f.mu.Lock()
	f.subs++
	n := f.subs
	f.mu.Unlock()
	return &billing.ExternalSubscription{
		ID:               fmt.Sprintf("sub_%d", n),
		ClientSecret:     fmt.Sprintf("pi_%d_secret", n),
		PaymentIntentRef: fmt.Sprintf("pi_%d", n),
	}, nil
}

func (f *fakeProcessor) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	f.record("cancel_subscription:" + subscriptionRef)
	return nil
}

func (f *fakeProcessor) ConfirmPayment(ctx context.Context, intentRef, paymentMethodRef string) (billing.PaymentStatus, error) {
	f.record("confirm_payment:" + intentRef)
	return billing.PaymentSucceeded, nil
}

// mailQueue records queued jobs so tests can read emailed tokens.
type mailQueue struct {
	mu   sync.Mutex
	jobs []jobqueue.Job
}

func (q *mailQueue) EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := jobqueue.Job{ID: strconv.Itoa(len(q.jobs) + 1), Type: jobType, Payload: payload}
	q.jobs = append(q.jobs, job)
	return &job, nil
}

// token returns the token of the last email with template queued for to.
func (q *mailQueue) token(t *testing.T, template, to string) string {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.jobs) - 1; i >= 0; i-- {
		if q.jobs[i].Type != jobqueue.JobTypeSendEmail {
			continue
		}
		payload, err := jobqueue.SendEmailJobPayloadFromMap(q.jobs[i].Payload)
		require.NoError(t, err)
		if payload.Template == template && payload.To == to {
			return payload.Token
		}
	}
	t.Fatalf("no %s email queued for %s", template, to)
	return ""
}

type testServer struct {
	app      *fiber.App
	mails    *mailQueue
	engine   *ledger.Engine
	store    ledger.Repository
	billing  *billing.Service
	proc     *fakeProcessor
	plans    map[string]*models.Plan
	userID   uint
	userKey  string
	adminKey string
}

type serverOptions struct {
	queue *jobqueue.Queue
	cache *cache.Store
}

func newTestServer(t *testing.T, opts ...func(*serverOptions)) *testServer {
	t.Helper()
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	db := database.NewTestDB(t)
	store := ledger.NewRepository(db)
	engine := ledger.NewEngine(store, nil)
	proc := &fakeProcessor{}
	mails := &mailQueue{}
	svc := billing.NewServiceFromDB(db, engine, proc,
		billing.WithWebhookSecret(testWebhookSecret),
		billing.WithRetryQueue(mails),
	)

	ts := &testServer{engine: engine, store: store, billing: svc, proc: proc, mails: mails, plans: map[string]*models.Plan{}}
	for _, p := range []*models.Plan{
		{Name: "Free", Tier: models.PlanTierFree, DurationDays: 30, TokensPerMonth: 100, IsActive: true},
		{Name: "Basic", Tier: models.PlanTierBasic, Price: decimal.RequireFromString("9.99"), DurationDays: 30, TokensPerMonth: 1000, IsActive: true, ExternalPriceRef: "price_basic"},
	} {
		require.NoError(t, store.UpsertPlan(context.Background(), p))
		ts.plans[p.Name] = p
	}

	ctx := context.Background()
	user, key := ts.registerVerified(t, "Test User", "user@example.com")
	ts.userID, ts.userKey = user.ID, key

	admin, _ := ts.registerVerified(t, "Test Admin", "admin@example.com")
	require.NoError(t, engine.Atomically(ctx, admin.ID, func(tx *ledger.Tx) error {
		acc := tx.Account()
		acc.Role = models.ROLE_ADMIN
		return tx.Repo().SaveAccount(ctx, acc)
	}))
	var err error
	_, ts.adminKey, err = svc.StartSession(ctx, admin.ID)
	require.NoError(t, err)

	billingController := NewBillingController(svc, store, o.cache)
	accountController := NewAccountController(store)
	estimateController := NewEstimateController(engine)
	adminController := NewAdminController(engine, o.queue)
	authController := NewAuthController(svc)

	app := fiber.New()
	app.Post("/webhooks/stripe", billingController.HandleStripeWebhook)
	app.Post("/auth/register", authController.HandleRegister)
	app.Post("/auth/login", authController.HandleLogin)
	app.Get("/auth/verify-email", authController.HandleVerifyEmail)
	app.Post("/auth/verify-email", authController.HandleVerifyEmail)
	app.Post("/auth/resend-verification", authController.HandleResendVerification)
	app.Post("/auth/forgot-password", authController.HandleForgotPassword)
	app.Post("/auth/reset-password", authController.HandleResetPassword)

	v1 := app.Group("/api/v1", middleware.APIKeyAuth(store))
	v1.Get("/plans", billingController.HandleListPlans)
	v1.Get("/account", accountController.HandleGetAccount)
	v1.Get("/account/tokens", accountController.HandleGetTokens)
	v1.Get("/account/subscription", billingController.HandleGetSubscription)
	v1.Post("/account/subscription", billingController.HandleSubscribe)
	v1.Delete("/account/subscription", billingController.HandleCancelSubscription)
	v1.Post("/estimates", estimateController.HandleCreateEstimate)
	v1.Get("/estimates/:id", estimateController.HandleGetEstimate)
	v1.Post("/estimates/:id/settle", estimateController.HandleSettleEstimate)
	v1.Post("/estimates/:id/fail", estimateController.HandleFailEstimate)

	adminGroup := v1.Group("/admin", middleware.RequireAdmin)
	adminGroup.Get("/accounts/:id/tokens", adminController.HandleGetAccountTokens)
	adminGroup.Post("/accounts/:id/tokens", adminController.HandleAdjustTokens)
	adminGroup.Get("/queue", adminController.HandleQueueStats)

	ts.app = app
	return ts
}

// registerVerified registers an account, verifies its email and logs it in.
func (ts *testServer) registerVerified(t *testing.T, name, email string) (*models.Account, string) {
	t.Helper()
	ctx := context.Background()
	_, err := ts.billing.Register(ctx, name, email, "secret123")
	require.NoError(t, err)
	_, err = ts.billing.VerifyEmail(ctx, ts.mails.token(t, mail.TemplateVerifyEmail, email))
	require.NoError(t, err)
	account, key, err := ts.billing.Login(ctx, email, "secret123")
	require.NoError(t, err)
	return account, key
}

// do sends a JSON request and decodes the JSON response body.
func (ts *testServer) do(t *testing.T, method, path, apiKey string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	return ts.send(t, req)
}

func (ts *testServer) send(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (ts *testServer) balance(t *testing.T, accountID uint) int64 {
	t.Helper()
	account, err := ts.store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return account.TokenBalance
}

func signedWebhook(t *testing.T, payload []byte) *http.Request {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(billing.StripeSignatureHeader, fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return req
}

func stripeEvent(t *testing.T, id, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"api_version": "2023-10-16",
		"created":     time.Now().Unix(),
		"type":        eventType,
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return payload
}

// num reads a JSON number out of a decoded body.
func num(v interface{}) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func itoa(v interface{}) string {
	return strconv.FormatInt(num(v), 10)
}
