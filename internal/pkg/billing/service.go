package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
	"github.com/ManuelReschke/TokenFox/internal/pkg/lock"
	"github.com/ManuelReschke/TokenFox/internal/pkg/metrics"
)

const (
	DefaultProcessorTimeout = 20 * time.Second
	// MaxWebhookAttempts bounds automatic re-processing of a journaled event.
	MaxWebhookAttempts = 5
)

// RetryQueue schedules background retries.
type RetryQueue interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// Service drives subscriptions against the payment processor and keeps the
// local subscription state and token grants in step with its webhooks.
type Service struct {
	repo          Repository
	engine        *ledger.Engine
	processor     Processor
	locker        lock.Locker
	queue         RetryQueue
	webhookSecret string
	timeout       time.Duration
	now           func() time.Time
	metrics       *metrics.Metrics
}

type Option func(*Service)

// WithLocker serializes subscription flows per account across instances.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithRetryQueue(q RetryQueue) Option {
	return func(s *Service) { s.queue = q }
}

func WithWebhookSecret(secret string) Option {
	return func(s *Service) { s.webhookSecret = secret }
}

func WithProcessorTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a billing service. Without WithLocker an in-process
// locker is used, which only serializes work inside this process.
func NewService(repo Repository, engine *ledger.Engine, processor Processor, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		engine:    engine,
		processor: processor,
		locker:    lock.NewLocalLocker(),
		timeout:   DefaultProcessorTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, engine *ledger.Engine, processor Processor, opts ...Option) *Service {
	return NewService(NewRepository(db), engine, processor, opts...)
}

func (s *Service) store() ledger.Repository {
	return s.engine.Repository()
}

// withAccountLock runs fn while holding the account's subscription lock.
func (s *Service) withAccountLock(ctx context.Context, accountID uint, fn func() error) error {
	release, err := s.locker.Acquire(ctx, lock.AccountKey(accountID))
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// callProcessor bounds fn with the processor timeout and wraps failures in
// ExternalProcessorError.
func (s *Service) callProcessor(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	s.metrics.RecordProcessorCall(op, time.Since(start), err)
	if err == nil {
		return nil
	}
	var perr *ExternalProcessorError
	if errors.As(err, &perr) {
		return err
	}
	return &ExternalProcessorError{Op: op, Err: err}
}

func (s *Service) cancelExternal(ctx context.Context, subscriptionRef string) error {
	return s.callProcessor(ctx, "cancel_subscription", func(ctx context.Context) error {
		return s.processor.CancelSubscription(ctx, subscriptionRef)
	})
}

// enqueueCancel schedules a processor cancellation whose local transition is
// already committed.
func (s *Service) enqueueCancel(ctx context.Context, accountID uint, subscriptionRef string) {
	if s.queue == nil {
		log.Errorf("[Billing] No retry queue; cancel subscription %s of account %d manually", subscriptionRef, accountID)
		return
	}
	payload := jobqueue.CancelSubscriptionJobPayload{AccountID: accountID, SubscriptionRef: subscriptionRef}
	if _, err := s.queue.EnqueueJob(ctx, jobqueue.JobTypeCancelExternalSubscription, payload.ToMap()); err != nil {
		log.Errorf("[Billing] Failed to enqueue cancel of subscription %s (account %d): %v", subscriptionRef, accountID, err)
	}
}

func (s *Service) enqueueReconcile(ctx context.Context, webhookEventID uint) {
	if s.queue == nil {
		return
	}
	payload := jobqueue.ReconcileWebhookJobPayload{WebhookEventID: webhookEventID}
	if _, err := s.queue.EnqueueJob(ctx, jobqueue.JobTypeReconcileWebhook, payload.ToMap()); err != nil {
		log.Errorf("[Billing] Failed to enqueue webhook event %d: %v", webhookEventID, err)
	}
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}
	eventType := strings.TrimSpace(in.EventType)
	if eventType == "" {
		eventType = "unknown"
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       eventType,
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(ctx, event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(ctx, webhookEventID, errMsg)
}

// WebhookOutcome is what happened to one webhook delivery.
type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookFailed    WebhookOutcome = "failed"
)

// HandleStripeWebhook verifies, journals and reconciles one Stripe delivery.
// Only ErrInvalidSignature and journal write failures are returned; a failed
// reconciliation is recorded on the event, queued for retry and reported as
// WebhookFailed so the sender is still acknowledged.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signatureHeader string) (WebhookOutcome, error) {
	event, err := VerifyStripeEvent(payload, signatureHeader, s.webhookSecret)
	if err != nil {
		if _, _, recErr := s.RecordWebhookEvent(ctx, WebhookEventInput{
			Provider:       models.BillingProviderStripe,
			PayloadJSON:    string(payload),
			SignatureValid: false,
		}); recErr != nil {
			log.Errorf("[Webhook] Failed to record rejected delivery: %v", recErr)
		}
		s.metrics.RecordWebhookEvent("unknown", "invalid_signature")
		return "", err
	}

	created, stored, err := s.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		PayloadJSON:     string(payload),
		SignatureValid:  true,
	})
	if err != nil {
		return "", fmt.Errorf("record webhook event: %w", err)
	}
	if !created && stored.Succeeded() {
		log.Infof("[Webhook] Duplicate delivery of %s ignored", event.ID)
		s.metrics.RecordWebhookEvent(string(event.Type), string(WebhookDuplicate))
		return WebhookDuplicate, nil
	}

	outcome, err := s.ProcessWebhookEvent(ctx, stored.ID)
	if err != nil {
		log.Errorf("[Webhook] Event %s (%s) failed: %v", event.ID, event.Type, err)
		s.enqueueReconcile(ctx, stored.ID)
		return WebhookFailed, nil
	}
	return outcome, nil
}

// ProcessWebhookEvent reconciles a journaled event and records the result on
// it. Events that already succeeded are skipped.
func (s *Service) ProcessWebhookEvent(ctx context.Context, webhookEventID uint) (WebhookOutcome, error) {
	stored, err := s.repo.GetWebhookEvent(ctx, webhookEventID)
	if err != nil {
		return "", fmt.Errorf("load webhook event %d: %w", webhookEventID, err)
	}
	if stored.Succeeded() {
		return WebhookDuplicate, nil
	}
	if !stored.SignatureValid {
		return WebhookIgnored, nil
	}

	outcome := WebhookProcessed
	ev, err := ParseStripeEvent([]byte(stored.PayloadJSON))
	switch {
	case errors.Is(err, ErrUnhandledEvent):
		outcome, err = WebhookIgnored, nil
	case err == nil:
		var result string
		result, err = s.reconcile(ctx, *ev)
		if result == reconcileIgnored {
			outcome = WebhookIgnored
		}
	}
	if err != nil {
		outcome = WebhookFailed
	}

	s.metrics.RecordWebhookEvent(stored.EventType, string(outcome))
	if markErr := s.MarkWebhookProcessed(ctx, stored.ID, err); markErr != nil {
		log.Errorf("[Webhook] Failed to mark event %d processed: %v", stored.ID, markErr)
	}
	return outcome, err
}

// RetryFailedWebhooks queues failed or never processed events for another attempt.
func (s *Service) RetryFailedWebhooks(ctx context.Context) error {
	events, err := s.repo.ListFailedWebhookEvents(ctx, MaxWebhookAttempts, s.now().Add(-5*time.Minute), 100)
	if err != nil {
		return err
	}
	for _, event := range events {
		s.enqueueReconcile(ctx, event.ID)
	}
	if len(events) > 0 {
		log.Infof("[Billing] Queued %d webhook events for retry", len(events))
	}
	return nil
}
