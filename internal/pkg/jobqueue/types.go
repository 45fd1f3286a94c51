package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	// JobTypeReconcileWebhook re-runs reconciliation for a journaled webhook event.
	JobTypeReconcileWebhook JobType = "reconcile_webhook"
	// JobTypeCancelExternalSubscription retries a processor-side cancellation
	// whose local state change has already been committed.
	JobTypeCancelExternalSubscription JobType = "cancel_external_subscription"
	// JobTypeSendEmail delivers an account email (verification, password reset).
	JobTypeSendEmail JobType = "send_email"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// ReconcileWebhookJobPayload points at a BillingWebhookEvent row.
type ReconcileWebhookJobPayload struct {
	WebhookEventID uint `json:"webhook_event_id"`
}

// ToMap converts the payload to a map for storage
func (p ReconcileWebhookJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"webhook_event_id": p.WebhookEventID,
	}
}

func ReconcileWebhookJobPayloadFromMap(data map[string]interface{}) (*ReconcileWebhookJobPayload, error) {
	var payload ReconcileWebhookJobPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

// CancelSubscriptionJobPayload contains the processor subscription to cancel
type CancelSubscriptionJobPayload struct {
	AccountID       uint   `json:"account_id"`
	SubscriptionRef string `json:"subscription_ref"`
}

func (p CancelSubscriptionJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"account_id":       p.AccountID,
		"subscription_ref": p.SubscriptionRef,
	}
}

func CancelSubscriptionJobPayloadFromMap(data map[string]interface{}) (*CancelSubscriptionJobPayload, error) {
	var payload CancelSubscriptionJobPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

// SendEmailJobPayload names the template and the data it is rendered with.
// Token is the raw one-time token; it is never persisted on the account.
type SendEmailJobPayload struct {
	Template string `json:"template"`
	To       string `json:"to"`
	Name     string `json:"name"`
	Token    string `json:"token"`
}

func (p SendEmailJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"template": p.Template,
		"to":       p.To,
		"name":     p.Name,
		"token":    p.Token,
	}
}

func SendEmailJobPayloadFromMap(data map[string]interface{}) (*SendEmailJobPayload, error) {
	var payload SendEmailJobPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

// decodePayload round-trips through JSON so payloads read back from Redis
// (numbers as float64) land in typed fields.
func decodePayload(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
