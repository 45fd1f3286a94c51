package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/TokenFox/app/models"
)

// Repository is the durable ledger store: accounts with their balance and
// subscription state, the append-only transaction log, cost estimates and plans.
//
// SaveAccount never writes token_balance. The balance column is only changed
// through UpdateBalance, which the Engine calls while holding the account row lock.
type Repository interface {
	// Transaction runs fn inside one database transaction. The Repository handed
	// to fn is bound to that transaction and must be used for every call in it.
	Transaction(ctx context.Context, fn func(repo Repository) error) error

	GetAccount(ctx context.Context, id uint) (*models.Account, error)
	// LockAccount reads the account with SELECT ... FOR UPDATE.
	LockAccount(ctx context.Context, id uint) (*models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error
	SaveAccount(ctx context.Context, account *models.Account) error
	UpdateBalance(ctx context.Context, accountID uint, balance int64) error
	FindAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	FindAccountByGoogleID(ctx context.Context, googleID string) (*models.Account, error)
	FindAccountByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error)
	FindAccountBySubscriptionRef(ctx context.Context, ref string) (*models.Account, error)
	FindAccountByActivationToken(ctx context.Context, hash string) (*models.Account, error)
	FindAccountByPasswordResetToken(ctx context.Context, hash string) (*models.Account, error)
	// ListLapsedAccounts returns accounts without a processor subscription
	// whose active subscription ended before now.
	ListLapsedAccounts(ctx context.Context, now time.Time, limit int) ([]models.Account, error)
	TouchAPIKey(ctx context.Context, accountID uint, at time.Time) error

	AppendTransaction(ctx context.Context, txn *models.TokenTransaction) error
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*models.TokenTransaction, error)
	ListTransactions(ctx context.Context, accountID uint, limit int) ([]models.TokenTransaction, error)
	TransactionStats(ctx context.Context, accountID uint, since time.Time) (*Stats, error)

	CreateEstimate(ctx context.Context, estimate *models.CostEstimate) error
	GetEstimate(ctx context.Context, id uint) (*models.CostEstimate, error)
	SaveEstimate(ctx context.Context, estimate *models.CostEstimate) error

	GetPlan(ctx context.Context, id uint) (*models.Plan, error)
	FindDefaultPlan(ctx context.Context) (*models.Plan, error)
	ListActivePlans(ctx context.Context) ([]models.Plan, error)
	UpsertPlan(ctx context.Context, plan *models.Plan) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(repo Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetAccount(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, notFound(err, ErrAccountNotFound)
	}
	return &account, nil
}

func (r *gormRepository) LockAccount(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&account, id).Error
	if err != nil {
		return nil, notFound(err, ErrAccountNotFound)
	}
	return &account, nil
}

func (r *gormRepository) CreateAccount(ctx context.Context, account *models.Account) error {
	account.TokenBalance = 0
	return r.db.WithContext(ctx).Omit("token_balance").Create(account).Error
}

func (r *gormRepository) SaveAccount(ctx context.Context, account *models.Account) error {
	return r.db.WithContext(ctx).
		Model(account).
		Select("*").
		Omit("id", "token_balance", "created_at").
		Updates(account).Error
}

func (r *gormRepository) UpdateBalance(ctx context.Context, accountID uint, balance int64) error {
	return r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", accountID).
		Update("token_balance", balance).Error
}

func (r *gormRepository) FindAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.findAccount(ctx, "email = ?", email)
}

func (r *gormRepository) FindAccountByGoogleID(ctx context.Context, googleID string) (*models.Account, error) {
	return r.findAccount(ctx, "google_id = ?", googleID)
}

func (r *gormRepository) FindAccountByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error) {
	if hash == "" {
		return nil, ErrAccountNotFound
	}
	return r.findAccount(ctx, "api_key_hash = ?", hash)
}

func (r *gormRepository) FindAccountBySubscriptionRef(ctx context.Context, ref string) (*models.Account, error) {
	if ref == "" {
		return nil, ErrAccountNotFound
	}
	return r.findAccount(ctx, "subscription_external_subscription_ref = ?", ref)
}

func (r *gormRepository) FindAccountByActivationToken(ctx context.Context, hash string) (*models.Account, error) {
	if hash == "" {
		return nil, ErrAccountNotFound
	}
	return r.findAccount(ctx, "activation_token = ?", hash)
}

func (r *gormRepository) FindAccountByPasswordResetToken(ctx context.Context, hash string) (*models.Account, error) {
	if hash == "" {
		return nil, ErrAccountNotFound
	}
	return r.findAccount(ctx, "password_reset_token = ?", hash)
}

func (r *gormRepository) ListLapsedAccounts(ctx context.Context, now time.Time, limit int) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.WithContext(ctx).
		Where("subscription_status = ? AND subscription_external_subscription_ref = '' AND subscription_end_date IS NOT NULL AND subscription_end_date < ?",
			models.SubscriptionStatusActive, now).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

func (r *gormRepository) findAccount(ctx context.Context, query string, arg interface{}) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Where(query, arg).First(&account).Error; err != nil {
		return nil, notFound(err, ErrAccountNotFound)
	}
	return &account, nil
}

func (r *gormRepository) TouchAPIKey(ctx context.Context, accountID uint, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", accountID).
		UpdateColumn("api_key_last_used_at", at).Error
}

func (r *gormRepository) AppendTransaction(ctx context.Context, txn *models.TokenTransaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *gormRepository) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*models.TokenTransaction, error) {
	var txn models.TokenTransaction
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&txn).Error; err != nil {
		return nil, notFound(err, ErrTransactionNotFound)
	}
	return &txn, nil
}

func (r *gormRepository) ListTransactions(ctx context.Context, accountID uint, limit int) ([]models.TokenTransaction, error) {
	var txns []models.TokenTransaction
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *gormRepository) TransactionStats(ctx context.Context, accountID uint, since time.Time) (*Stats, error) {
	type kindTotal struct {
		Kind  models.TransactionKind
		Total int64
		Count int64
	}
	var rows []kindTotal
	err := r.db.WithContext(ctx).
		Model(&models.TokenTransaction{}).
		Select("kind, COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count").
		Where("account_id = ? AND created_at >= ?", accountID, since).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &Stats{Since: since}
	for _, row := range rows {
		switch row.Kind {
		case models.TransactionKindCredit:
			stats.Credits = KindTotal{Total: row.Total, Count: row.Count}
		case models.TransactionKindDebit:
			stats.Debits = KindTotal{Total: row.Total, Count: row.Count}
		}
	}
	return stats, nil
}

func (r *gormRepository) CreateEstimate(ctx context.Context, estimate *models.CostEstimate) error {
	return r.db.WithContext(ctx).Create(estimate).Error
}

func (r *gormRepository) GetEstimate(ctx context.Context, id uint) (*models.CostEstimate, error) {
	var estimate models.CostEstimate
	if err := r.db.WithContext(ctx).First(&estimate, id).Error; err != nil {
		return nil, notFound(err, ErrEstimateNotFound)
	}
	return &estimate, nil
}

func (r *gormRepository) SaveEstimate(ctx context.Context, estimate *models.CostEstimate) error {
	return r.db.WithContext(ctx).Save(estimate).Error
}

func (r *gormRepository) GetPlan(ctx context.Context, id uint) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).First(&plan, id).Error; err != nil {
		return nil, notFound(err, ErrPlanNotFound)
	}
	return &plan, nil
}

// FindDefaultPlan returns the active free-tier plan handed to new accounts.
func (r *gormRepository) FindDefaultPlan(ctx context.Context) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.WithContext(ctx).
		Where("tier = ? AND is_active = ?", models.PlanTierFree, true).
		Order("id ASC").
		First(&plan).Error
	if err != nil {
		return nil, notFound(err, ErrPlanNotFound)
	}
	return &plan, nil
}

func (r *gormRepository) ListActivePlans(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("price ASC").
		Find(&plans).Error
	return plans, err
}

func (r *gormRepository) UpsertPlan(ctx context.Context, plan *models.Plan) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"description",
			"tier",
			"price",
			"duration_days",
			"tokens_per_month",
			"display_features",
			"is_active",
			"external_price_ref",
			"external_product_ref",
			"updated_at",
		}),
	}).Create(plan).Error; err != nil {
		return err
	}

	return r.db.WithContext(ctx).Where("name = ?", plan.Name).First(plan).Error
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}
