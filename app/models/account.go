package models

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

const (
	SubscriptionStatusNone      = "none"
	SubscriptionStatusPending   = "pending"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusPastDue   = "past_due"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"
)

// Subscription is the account's view of its current plan. It is stored inline
// on the accounts table with the subscription_ column prefix.
type Subscription struct {
	PlanID                  *uint      `gorm:"index" json:"plan_id"`
	Status                  string     `gorm:"type:varchar(20);not null;default:'none';index" json:"status" validate:"oneof=none pending active past_due cancelled expired"`
	StartDate               *time.Time `gorm:"type:timestamp;default:null" json:"start_date,omitempty"`
	EndDate                 *time.Time `gorm:"type:timestamp;default:null" json:"end_date,omitempty"`
	ExternalCustomerRef     string     `gorm:"type:varchar(191);not null;default:''" json:"-"`
	ExternalSubscriptionRef string     `gorm:"type:varchar(191);not null;default:'';index" json:"-"`
	AutoRenew               bool       `gorm:"default:false" json:"auto_renew"`
}

type Account struct {
	ID               uint         `gorm:"primaryKey" json:"id"`
	Name             string       `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email            string       `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,min=5,max=200"`
	EmailVerified    bool         `gorm:"not null;default:false" json:"email_verified"`
	ActivationToken  string       `gorm:"type:char(64);not null;default:'';index" json:"-"`
	ActivationSentAt *time.Time   `gorm:"type:timestamp;default:null" json:"-"`
	Password         string       `gorm:"type:text" json:"-" validate:"required,min=6"`
	ResetToken       string       `gorm:"column:password_reset_token;type:char(64);not null;default:'';index" json:"-"`
	ResetSentAt      *time.Time   `gorm:"column:password_reset_sent_at;type:timestamp;default:null" json:"-"`
	Role             string       `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status           string       `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	GoogleID         *string      `gorm:"type:varchar(191);uniqueIndex" json:"-"`
	AvatarURL        string       `gorm:"type:varchar(255);default:null" json:"avatar_url" validate:"max=255"`
	APIKeyHash       string       `gorm:"type:char(64);not null;default:'';index" json:"-"`
	APIKeyPrefix     string       `gorm:"type:varchar(20);not null;default:''" json:"api_key_prefix"`
	APIKeyCreatedAt  *time.Time   `gorm:"type:timestamp;default:null" json:"api_key_created_at"`
	APIKeyLastUsedAt *time.Time   `gorm:"type:timestamp;default:null" json:"api_key_last_used_at"`
	TokenBalance     int64        `gorm:"not null;default:0" json:"token_balance"`
	LastTokenRefresh *time.Time   `gorm:"type:timestamp;default:null" json:"last_token_refresh,omitempty"`
	Subscription     Subscription `gorm:"embedded;embeddedPrefix:subscription_" json:"subscription"`
	LastLoginAt      *time.Time   `gorm:"type:timestamp;default:null" json:"last_login_at"`
	CreatedAt        time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

var ErrPasswordTooShort = errors.New("password must be at least 6 characters")

func (a *Account) Validate() error {
	v := validator.New()

	return v.Struct(a)
}

// NewAccountWithHashedPassword builds an unsaved account with a bcrypt password
// hash. The account starts without a plan and with a zero balance; use
// billing.Service.CreateAccountWithDefaultPlan to persist it.
func NewAccountWithHashedPassword(name string, email string, password string) (*Account, error) {
	if len(password) < 6 {
		return nil, ErrPasswordTooShort
	}
	pw, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	a := &Account{
		Name:     name,
		Email:    email,
		Password: pw,
		Role:     ROLE_USER,
		Status:   STATUS_ACTIVE,
		Subscription: Subscription{
			Status: SubscriptionStatusNone,
		},
	}

	err = a.Validate()
	if err != nil {
		return nil, err
	}

	return a, nil
}

// SetPassword hashes and sets a new password for the account
func (a *Account) SetPassword(password string) error {
	if len(password) < 6 {
		return ErrPasswordTooShort
	}
	hashedPassword, err := HashPassword(password)
	if err != nil {
		return err
	}
	a.Password = hashedPassword
	return nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

	return string(bytes), err
}

// CheckPasswordHash compares the given password with the stored hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	return err == nil
}

// CheckPassword verifies if the provided password matches the stored hash
func (a *Account) CheckPassword(password string) bool {
	return CheckPasswordHash(password, a.Password)
}

// IsActive reports whether the account status is active
func (a *Account) IsActive() bool {
	return a.Status == STATUS_ACTIVE
}

func (a *Account) IsAdmin() bool {
	return a.Role == ROLE_ADMIN
}

// HasEnoughTokens reports whether the balance covers n tokens.
func (a *Account) HasEnoughTokens(n int64) bool {
	return a.TokenBalance >= n
}

// HasActiveSubscription reports whether the subscription is active and not past its end date.
func (a *Account) HasActiveSubscription(now time.Time) bool {
	s := a.Subscription
	if s.PlanID == nil || s.Status != SubscriptionStatusActive {
		return false
	}
	return s.EndDate == nil || s.EndDate.After(now)
}

// HasExternalSubscription reports whether a processor subscription is still live for this account.
func (a *Account) HasExternalSubscription() bool {
	return a.Subscription.ExternalSubscriptionRef != "" &&
		a.Subscription.Status != SubscriptionStatusCancelled &&
		a.Subscription.Status != SubscriptionStatusExpired
}
