package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/database"
)

func newTestEngine(t *testing.T) (*Engine, Repository) {
	t.Helper()
	repo := NewRepository(database.NewTestDB(t))
	return NewEngine(repo, nil), repo
}

func createTestAccount(t *testing.T, engine *Engine, email string, balance int64) *models.Account {
	t.Helper()
	account := &models.Account{
		Name:   "Test Account",
		Email:  email,
		Role:   models.ROLE_USER,
		Status: models.STATUS_ACTIVE,
		Subscription: models.Subscription{
			Status: models.SubscriptionStatusNone,
		},
	}
	var grant *TransactionInput
	if balance > 0 {
		grant = &TransactionInput{
			Amount: balance,
			Kind:   models.TransactionKindCredit,
			Action: models.ActionManualAdjustment,
		}
	}
	_, err := engine.Provision(context.Background(), account, grant)
	require.NoError(t, err)
	require.Equal(t, balance, account.TokenBalance)
	return account
}

func credit(accountID uint, amount int64) TransactionInput {
	return TransactionInput{
		AccountID: accountID,
		Amount:    amount,
		Kind:      models.TransactionKindCredit,
		Action:    models.ActionManualAdjustment,
	}
}

func debit(accountID uint, amount int64) TransactionInput {
	return TransactionInput{
		AccountID: accountID,
		Amount:    amount,
		Kind:      models.TransactionKindDebit,
		Action:    "image_generation",
	}
}

func TestCreateTransactionRunningBalance(t *testing.T) {
	engine, repo := newTestEngine(t)
	ctx := context.Background()
	account := createTestAccount(t, engine, "running@example.com", 0)

	steps := []struct {
		in   TransactionInput
		want int64
	}{
		{credit(account.ID, 100), 100},
		{debit(account.ID, 30), 70},
		{credit(account.ID, 5), 75},
		{debit(account.ID, 75), 0},
		{credit(account.ID, 12), 12},
	}
	for _, step := range steps {
		txn, err := engine.CreateTransaction(ctx, step.in)
		require.NoError(t, err)
		assert.Equal(t, step.want, txn.ResultingBalance)
	}

	stored, err := repo.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(12), stored.TokenBalance)

	// Replaying the log oldest first reproduces every snapshot and the final balance.
	txns, err := repo.ListTransactions(ctx, account.ID, 100)
	require.NoError(t, err)
	require.Len(t, txns, len(steps))
	var running int64
	for i := len(txns) - 1; i >= 0; i-- {
		running += txns[i].Signed()
		assert.Equal(t, running, txns[i].ResultingBalance)
	}
	assert.Equal(t, stored.TokenBalance, running)
}

func TestCreateTransactionInsufficientTokens(t *testing.T) {
	engine, repo := newTestEngine(t)
	ctx := context.Background()
	account := createTestAccount(t, engine, "poor@example.com", 40)

	txn, err := engine.CreateTransaction(ctx, debit(account.ID, 41))
	assert.ErrorIs(t, err, ErrInsufficientTokens)
	assert.Nil(t, txn)

	stored, err := repo.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), stored.TokenBalance)

	txns, err := repo.ListTransactions(ctx, account.ID, 10)
	require.NoError(t, err)
	assert.Len(t, txns, 1, "only the opening grant is logged")
}

func TestCreateTransactionValidation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	account := createTestAccount(t, engine, "invalid@example.com", 10)

	tests := []struct {
		name string
		in   TransactionInput
	}{
		{"zero amount", TransactionInput{AccountID: account.ID, Amount: 0, Kind: models.TransactionKindCredit, Action: "x"}},
		{"negative amount", TransactionInput{AccountID: account.ID, Amount: -5, Kind: models.TransactionKindCredit, Action: "x"}},
		{"unknown kind", TransactionInput{AccountID: account.ID, Amount: 1, Kind: "refund", Action: "x"}},
		{"missing action", TransactionInput{AccountID: account.ID, Amount: 1, Kind: models.TransactionKindDebit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.CreateTransaction(ctx, tt.in)
			assert.Error(t, err)
		})
	}
}

func TestCreateTransactionUnknownAccount(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.CreateTransaction(context.Background(), credit(9999, 10))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestCreateTransactionIdempotencyKey(t *testing.T) {
	engine, repo := newTestEngine(t)
	ctx := context.Background()
	account := createTestAccount(t, engine, "idem@example.com", 0)

	in := credit(account.ID, 500)
	in.IdempotencyKey = "invoice:in_123"

	first, err := engine.CreateTransaction(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(500), first.ResultingBalance)

	_, err = engine.CreateTransaction(ctx, in)
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	stored, err := repo.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), stored.TokenBalance)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	engine, repo := newTestEngine(t)
	ctx := context.Background()
	account := createTestAccount(t, engine, "race@example.com", 100)

	const workers = 20
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.CreateTransaction(ctx, debit(account.ID, 10))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, ErrInsufficientTokens):
				insufficient++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 10, insufficient)

	stored, err := repo.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.TokenBalance)
}

func TestAtomicallyRollsBackOnError(t *testing.T) {
	engine, repo := newTestEngine(t)
	ctx := context.Background()
	account := createTestAccount(t, engine, "rollback@example.com", 50)

	err := engine.Atomically(ctx, account.ID, func(tx *Tx) error {
		if _, err := tx.Apply(credit(account.ID, 25)); err != nil {
			return err
		}
		tx.Account().Subscription.Status = models.SubscriptionStatusActive
		if err := tx.Repo().SaveAccount(ctx, tx.Account()); err != nil {
			return err
		}
		_, err := tx.Apply(debit(account.ID, 500))
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientTokens)

	stored, err := repo.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), stored.TokenBalance)
	assert.Equal(t, models.SubscriptionStatusNone, stored.Subscription.Status)
}

func TestSaveAccountDoesNotWriteBalance(t *testing.T) {
	engine, repo := newTestEngine(t)
	ctx := context.Background()
	account := createTestAccount(t, engine, "save@example.com", 10)

	account.TokenBalance = 1_000_000
	account.Name = "Renamed Account"
	require.NoError(t, repo.SaveAccount(ctx, account))

	stored, err := repo.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stored.TokenBalance)
	assert.Equal(t, "Renamed Account", stored.Name)
}

func TestTransactionStats(t *testing.T) {
	engine, repo := newTestEngine(t)
	ctx := context.Background()
	account := createTestAccount(t, engine, "stats@example.com", 100)

	_, err := engine.CreateTransaction(ctx, debit(account.ID, 30))
	require.NoError(t, err)
	_, err = engine.CreateTransaction(ctx, debit(account.ID, 20))
	require.NoError(t, err)
	_, err = engine.CreateTransaction(ctx, credit(account.ID, 5))
	require.NoError(t, err)

	stored, err := repo.GetAccount(ctx, account.ID)
	require.NoError(t, err)

	stats, err := repo.TransactionStats(ctx, account.ID, stored.CreatedAt.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(105), stats.Credits.Total)
	assert.Equal(t, int64(2), stats.Credits.Count)
	assert.Equal(t, int64(50), stats.Debits.Total)
	assert.Equal(t, int64(2), stats.Debits.Count)
	assert.Equal(t, int64(55), stats.Net())
}
