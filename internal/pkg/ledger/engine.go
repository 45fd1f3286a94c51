package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/metrics"
)

// Engine is the only component that changes token balances. Every mutation
// runs inside a database transaction holding the account row lock, so balance
// updates on one account are linearizable and never go below zero.
type Engine struct {
	repo     Repository
	validate *validator.Validate
	metrics  *metrics.Metrics
}

// NewEngine creates an engine on top of repo. m may be nil.
func NewEngine(repo Repository, m *metrics.Metrics) *Engine {
	return &Engine{
		repo:     repo,
		validate: validator.New(),
		metrics:  m,
	}
}

// Repository returns the store the engine writes to.
func (e *Engine) Repository() Repository {
	return e.repo
}

// Tx is the critical section for one account. It is only valid inside the
// callback passed to Atomically or Provision.
type Tx struct {
	ctx     context.Context
	repo    Repository
	account *models.Account
	engine  *Engine
	applied []*models.TokenTransaction
}

// Account is the locked account row. Changes to subscription fields must be
// persisted with Repo().SaveAccount; the balance is kept current by Apply.
func (t *Tx) Account() *models.Account {
	return t.account
}

// Repo is the transaction-bound repository.
func (t *Tx) Repo() Repository {
	return t.repo
}

// Apply validates and applies one balance mutation to the locked account.
func (t *Tx) Apply(in TransactionInput) (*models.TokenTransaction, error) {
	in.AccountID = t.account.ID
	if err := t.engine.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}

	if in.IdempotencyKey != "" {
		_, err := t.repo.FindTransactionByIdempotencyKey(t.ctx, in.IdempotencyKey)
		if err == nil {
			return nil, ErrDuplicateEvent
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return nil, err
		}
	}

	var newBalance int64
	switch in.Kind {
	case models.TransactionKindCredit:
		newBalance = t.account.TokenBalance + in.Amount
	case models.TransactionKindDebit:
		newBalance = t.account.TokenBalance - in.Amount
	default:
		return nil, ErrInvalidTransactionKind
	}
	if newBalance < 0 {
		return nil, ErrInsufficientTokens
	}

	if err := t.repo.UpdateBalance(t.ctx, t.account.ID, newBalance); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	txn := &models.TokenTransaction{
		AccountID:        t.account.ID,
		Amount:           in.Amount,
		Kind:             in.Kind,
		Action:           in.Action,
		Description:      in.Description,
		ResultingBalance: newBalance,
	}
	if !in.Related.IsZero() {
		id := in.Related.ID
		txn.RelatedKind = in.Related.Kind
		txn.RelatedID = &id
	}
	if len(in.Metadata) > 0 {
		txn.Metadata = datatypes.JSONMap(in.Metadata)
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		txn.IdempotencyKey = &key
	}
	if err := t.repo.AppendTransaction(t.ctx, txn); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}

	t.account.TokenBalance = newBalance
	t.applied = append(t.applied, txn)
	return txn, nil
}

// Atomically locks accountID and runs fn in one database transaction. Any
// error returned by fn rolls back every write made through the Tx.
func (e *Engine) Atomically(ctx context.Context, accountID uint, fn func(tx *Tx) error) error {
	var applied []*models.TokenTransaction
	err := e.repo.Transaction(ctx, func(repo Repository) error {
		account, err := repo.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		tx := &Tx{ctx: ctx, repo: repo, account: account, engine: e}
		if err := fn(tx); err != nil {
			return err
		}
		applied = tx.applied
		return nil
	})
	e.observe(applied, err)
	return err
}

// Provision creates account and applies an optional opening grant in the same
// database transaction.
func (e *Engine) Provision(ctx context.Context, account *models.Account, grant *TransactionInput) (*models.TokenTransaction, error) {
	var (
		applied []*models.TokenTransaction
		txn     *models.TokenTransaction
	)
	err := e.repo.Transaction(ctx, func(repo Repository) error {
		if err := repo.CreateAccount(ctx, account); err != nil {
			return fmt.Errorf("create account: %w", err)
		}
		if grant == nil {
			return nil
		}
		locked, err := repo.LockAccount(ctx, account.ID)
		if err != nil {
			return err
		}
		tx := &Tx{ctx: ctx, repo: repo, account: locked, engine: e}
		txn, err = tx.Apply(*grant)
		if err != nil {
			return err
		}
		account.TokenBalance = locked.TokenBalance
		applied = tx.applied
		return nil
	})
	e.observe(applied, err)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// CreateTransaction applies one credit or debit atomically. A debit larger than
// the balance fails with ErrInsufficientTokens and writes nothing; a reused
// idempotency key fails with ErrDuplicateEvent.
func (e *Engine) CreateTransaction(ctx context.Context, in TransactionInput) (*models.TokenTransaction, error) {
	var txn *models.TokenTransaction
	err := e.Atomically(ctx, in.AccountID, func(tx *Tx) error {
		var err error
		txn, err = tx.Apply(in)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("[Ledger] %s of %d tokens on account %d (%s), balance now %d",
		txn.Kind, txn.Amount, txn.AccountID, txn.Action, txn.ResultingBalance)
	return txn, nil
}

func (e *Engine) observe(applied []*models.TokenTransaction, err error) {
	if errors.Is(err, ErrInsufficientTokens) {
		e.metrics.RecordInsufficientTokens()
	}
	if err != nil {
		return
	}
	for _, txn := range applied {
		e.metrics.RecordTransaction(string(txn.Kind), txn.Action, txn.Amount)
	}
}
