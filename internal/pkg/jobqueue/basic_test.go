package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBasicJobTypes tests the basic job type constants
func TestBasicJobTypes(t *testing.T) {
	assert.Equal(t, "reconcile_webhook", string(JobTypeReconcileWebhook))
	assert.Equal(t, "cancel_external_subscription", string(JobTypeCancelExternalSubscription))
}

// TestBasicJobStatus tests the basic job status constants
func TestBasicJobStatus(t *testing.T) {
	assert.Equal(t, "pending", string(JobStatusPending))
	assert.Equal(t, "processing", string(JobStatusProcessing))
	assert.Equal(t, "completed", string(JobStatusCompleted))
	assert.Equal(t, "failed", string(JobStatusFailed))
	assert.Equal(t, "retrying", string(JobStatusRetrying))
}

// TestJob_BasicMethods tests basic job methods
func TestJob_BasicMethods(t *testing.T) {
	job := &Job{
		Status:     JobStatusFailed,
		RetryCount: 1,
		MaxRetries: 3,
	}

	assert.True(t, job.IsRetryable())

	job.RetryCount = 3
	assert.False(t, job.IsRetryable())

	beforeTime := time.Now()

	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.NotNil(t, job.ProcessedAt)
	assert.False(t, job.UpdatedAt.Before(beforeTime))

	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMsg)

	job.MarkAsFailed("test error")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "test error", job.ErrorMsg)
	assert.Equal(t, 4, job.RetryCount)

	job.MarkAsRetrying()
	assert.Equal(t, JobStatusRetrying, job.Status)
}

func TestPayloadsFromStoredMaps(t *testing.T) {
	// Payloads read back from Redis carry numbers as float64.
	reconcile, err := ReconcileWebhookJobPayloadFromMap(map[string]interface{}{
		"webhook_event_id": float64(42),
	})
	require.NoError(t, err)
	assert.Equal(t, uint(42), reconcile.WebhookEventID)

	cancel, err := CancelSubscriptionJobPayloadFromMap(CancelSubscriptionJobPayload{
		AccountID:       7,
		SubscriptionRef: "sub_123",
	}.ToMap())
	require.NoError(t, err)
	assert.Equal(t, uint(7), cancel.AccountID)
	assert.Equal(t, "sub_123", cancel.SubscriptionRef)
}
