package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/markbates/goth"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
	"github.com/ManuelReschke/TokenFox/internal/pkg/mail"
	"github.com/ManuelReschke/TokenFox/internal/pkg/utils"
)

// CreateAccountWithDefaultPlan persists a new account on the active free plan
// and credits that plan's tokens in the same transaction. Without a free plan
// the account is created without a subscription.
func (s *Service) CreateAccountWithDefaultPlan(ctx context.Context, account *models.Account) (*models.TokenTransaction, error) {
	var grant *ledger.TransactionInput
	plan, err := s.store().FindDefaultPlan(ctx)
	switch {
	case err == nil:
		activatePlan(account, plan, s.now(), "")
		grant = initialGrant(plan, "")
	case errors.Is(err, ledger.ErrPlanNotFound):
		log.Warnf("[Billing] No active free plan, %s starts without a subscription", account.Email)
		account.Subscription.Status = models.SubscriptionStatusNone
	default:
		return nil, err
	}

	txn, err := s.engine.Provision(ctx, account, grant)
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] Created account %d (%s)", account.ID, account.Email)
	return txn, nil
}

// Register creates an unverified password account on the default plan and
// queues its verification email. Login is refused until the email is verified.
func (s *Service) Register(ctx context.Context, name, email, password string) (*models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := s.store().FindAccountByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, err
	}

	account, err := models.NewAccountWithHashedPassword(strings.TrimSpace(name), email, password)
	if err != nil {
		return nil, err
	}
	account.AvatarURL = utils.AvatarFor("", email)
	token, err := account.GenerateActivationToken(s.now())
	if err != nil {
		return nil, err
	}
	if _, err := s.CreateAccountWithDefaultPlan(ctx, account); err != nil {
		return nil, err
	}
	s.enqueueEmail(ctx, mail.TemplateVerifyEmail, account, token)
	return account, nil
}

// Login checks a password and rotates the account's API key.
func (s *Service) Login(ctx context.Context, email, password string) (*models.Account, string, error) {
	account, err := s.store().FindAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if !account.CheckPassword(password) {
		return nil, "", ErrInvalidCredentials
	}
	if !account.IsActive() {
		return nil, "", ErrAccountDisabled
	}
	if !account.EmailVerified {
		return nil, "", ErrEmailNotVerified
	}
	return s.StartSession(ctx, account.ID)
}

// StartSession issues a new API key, replacing the previous one, and stamps
// the login time. The raw key is only returned here.
func (s *Service) StartSession(ctx context.Context, accountID uint) (*models.Account, string, error) {
	var (
		account *models.Account
		rawKey  string
	)
	err := s.engine.Atomically(ctx, accountID, func(tx *ledger.Tx) error {
		acc := tx.Account()
		key, err := acc.IssueAPIKey()
		if err != nil {
			return err
		}
		now := s.now()
		acc.LastLoginAt = &now
		if err := tx.Repo().SaveAccount(ctx, acc); err != nil {
			return err
		}
		account, rawKey = acc, key
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return account, rawKey, nil
}

// FindOrCreateOAuthAccount resolves a Google login to an account: by Google
// id, then by email (linking the Google id), else a new default-plan account.
func (s *Service) FindOrCreateOAuthAccount(ctx context.Context, u goth.User) (*models.Account, error) {
	if u.UserID == "" {
		return nil, errors.New("oauth user id is required")
	}

	account, err := s.store().FindAccountByGoogleID(ctx, u.UserID)
	if err == nil {
		return s.linkGoogle(ctx, account.ID, u)
	}
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, err
	}

	email := strings.ToLower(strings.TrimSpace(u.Email))
	if email != "" {
		account, err = s.store().FindAccountByEmail(ctx, email)
		if err == nil {
			return s.linkGoogle(ctx, account.ID, u)
		}
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, err
		}
	} else {
		// Keep the unique email index satisfied for providers without email scope.
		email = fmt.Sprintf("%s_%s@%s.oauth.local", u.Provider, u.UserID, u.Provider)
	}

	// The placeholder password is never shown to anyone; it only makes
	// password login impossible for OAuth-created accounts.
	hash, err := models.HashPassword(uuid.NewString())
	if err != nil {
		return nil, err
	}
	googleID := u.UserID
	account = &models.Account{
		Name:          firstNonEmpty(u.Name, u.NickName, u.Email, "User"),
		Email:         email,
		EmailVerified: true,
		Password:      hash,
		Role:          models.ROLE_USER,
		Status:        models.STATUS_ACTIVE,
		GoogleID:      &googleID,
		AvatarURL:     utils.AvatarFor(u.AvatarURL, email),
	}
	if _, err := s.CreateAccountWithDefaultPlan(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Service) linkGoogle(ctx context.Context, accountID uint, u goth.User) (*models.Account, error) {
	var account *models.Account
	err := s.engine.Atomically(ctx, accountID, func(tx *ledger.Tx) error {
		acc := tx.Account()
		googleID := u.UserID
		acc.GoogleID = &googleID
		acc.MarkEmailVerified()
		if u.AvatarURL != "" {
			acc.AvatarURL = u.AvatarURL
		}
		account = acc
		return tx.Repo().SaveAccount(ctx, acc)
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
