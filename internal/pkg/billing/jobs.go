package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TokenFox/internal/pkg/jobqueue"
)

// RegisterJobHandlers binds the billing retry jobs to q.
func (s *Service) RegisterJobHandlers(q *jobqueue.Queue) {
	q.RegisterHandler(jobqueue.JobTypeReconcileWebhook, s.handleReconcileJob)
	q.RegisterHandler(jobqueue.JobTypeCancelExternalSubscription, s.handleCancelJob)
}

func (s *Service) handleReconcileJob(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.ReconcileWebhookJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if payload.WebhookEventID == 0 {
		return errors.New("invalid payload: webhook_event_id is required")
	}
	_, err = s.ProcessWebhookEvent(ctx, payload.WebhookEventID)
	return err
}

func (s *Service) handleCancelJob(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.CancelSubscriptionJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if payload.SubscriptionRef == "" {
		return errors.New("invalid payload: subscription_ref is required")
	}
	if err := s.cancelExternal(ctx, payload.SubscriptionRef); err != nil {
		if !IsRetryable(err) {
			// A permanent rejection (usually already cancelled) will not change on retry.
			log.Warnf("[Billing] Giving up on cancelling %s for account %d: %v", payload.SubscriptionRef, payload.AccountID, err)
			return nil
		}
		return err
	}
	log.Infof("[Billing] Cancelled subscription %s for account %d", payload.SubscriptionRef, payload.AccountID)
	return nil
}
