package ledger

import "errors"

var (
	// ErrInsufficientTokens is returned when a debit would take the balance below zero.
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrAccountNotFound    = errors.New("account not found")
	ErrPlanNotFound       = errors.New("plan not found")
	ErrEstimateNotFound   = errors.New("cost estimate not found")
	ErrEstimateSettled    = errors.New("cost estimate already settled")
	// ErrDuplicateEvent is returned when an idempotency key was already applied.
	ErrDuplicateEvent         = errors.New("duplicate event")
	ErrTransactionNotFound    = errors.New("token transaction not found")
	ErrUnknownRelatedKind     = errors.New("unknown related entity kind")
	ErrInvalidTransactionKind = errors.New("invalid transaction kind")
)
