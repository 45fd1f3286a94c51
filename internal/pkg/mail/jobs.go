package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TokenFox/internal/pkg/jobqueue"
)

// RegisterJobHandlers binds the send-email job to mailer.
func RegisterJobHandlers(q *jobqueue.Queue, mailer Mailer) {
	q.RegisterHandler(jobqueue.JobTypeSendEmail, SendEmailHandler(mailer))
}

// SendEmailHandler renders a queued email and hands it to mailer. Unknown
// templates fail permanently; delivery errors are retried by the queue.
func SendEmailHandler(mailer Mailer) jobqueue.Handler {
	return func(ctx context.Context, job *jobqueue.Job) error {
		payload, err := jobqueue.SendEmailJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		if payload.To == "" {
			return errors.New("invalid payload: to is required")
		}
		msg, err := Build(payload.Template, payload.To, payload.Name, payload.Token)
		if err != nil {
			log.Errorf("[Mail] Dropping job %s: %v", job.ID, err)
			return nil
		}
		return mailer.Send(ctx, msg)
	}
}
