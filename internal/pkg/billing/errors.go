package billing

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAlreadySubscribed = errors.New("already subscribed to this plan")
	// ErrPlanMisconfigured is returned for paid plans without a processor price.
	ErrPlanMisconfigured   = errors.New("plan has no external price")
	ErrNoSubscription      = errors.New("account has no subscription")
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")
	// ErrSubscriptionChanged is returned when another flow changed the
	// account's subscription while a subscribe was in progress.
	ErrSubscriptionChanged = errors.New("subscription changed concurrently")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	// ErrUnhandledEvent marks processor events this service does not act on.
	ErrUnhandledEvent     = errors.New("unhandled billing event")
	ErrExternalProcessor  = errors.New("payment processor error")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrAccountDisabled    = errors.New("account is not active")
	ErrEmailNotVerified   = errors.New("please verify your email address before logging in")
	// ErrInvalidToken covers unknown and expired verification or reset tokens.
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrAlreadyVerified = errors.New("email already verified")
	ErrOAuthAccount    = errors.New("account signs in with Google")
)

// ExternalProcessorError wraps a failed call to the payment processor.
// errors.Is(err, ErrExternalProcessor) matches it.
type ExternalProcessorError struct {
	Op        string
	Err       error
	Temporary bool
}

func (e *ExternalProcessorError) Error() string {
	return fmt.Sprintf("payment processor %s: %v", e.Op, e.Err)
}

func (e *ExternalProcessorError) Unwrap() error {
	return e.Err
}

func (e *ExternalProcessorError) Is(target error) bool {
	return target == ErrExternalProcessor
}

// Retryable reports whether the call may succeed if repeated unchanged.
func (e *ExternalProcessorError) Retryable() bool {
	return e.Temporary || errors.Is(e.Err, context.DeadlineExceeded)
}

// IsRetryable reports whether err is a processor failure worth retrying.
func IsRetryable(err error) bool {
	var perr *ExternalProcessorError
	return errors.As(err, &perr) && perr.Retryable()
}
