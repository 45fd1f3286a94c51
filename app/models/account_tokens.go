package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

const (
	ActivationTokenTTL    = 15 * time.Minute
	PasswordResetTokenTTL = time.Hour
)

// GenerateActivationToken creates a new email verification token. Only its
// hash is kept on the account; the raw token goes into the verification mail.
func (a *Account) GenerateActivationToken(now time.Time) (string, error) {
	raw, err := generateToken()
	if err != nil {
		return "", err
	}
	a.ActivationToken = HashAPIKey(raw)
	a.ActivationSentAt = &now
	return raw, nil
}

// ActivationTokenValid reports whether the stored activation token is still usable at now.
func (a *Account) ActivationTokenValid(now time.Time) bool {
	return a.ActivationToken != "" && a.ActivationSentAt != nil &&
		now.Before(a.ActivationSentAt.Add(ActivationTokenTTL))
}

// MarkEmailVerified flags the email as verified and clears any pending activation token.
func (a *Account) MarkEmailVerified() {
	a.EmailVerified = true
	a.ActivationToken = ""
	a.ActivationSentAt = nil
}

// GeneratePasswordResetToken creates a new password reset token, replacing any earlier one.
func (a *Account) GeneratePasswordResetToken(now time.Time) (string, error) {
	raw, err := generateToken()
	if err != nil {
		return "", err
	}
	a.ResetToken = HashAPIKey(raw)
	a.ResetSentAt = &now
	return raw, nil
}

func (a *Account) PasswordResetTokenValid(now time.Time) bool {
	return a.ResetToken != "" && a.ResetSentAt != nil &&
		now.Before(a.ResetSentAt.Add(PasswordResetTokenTTL))
}

func (a *Account) ClearPasswordResetToken() {
	a.ResetToken = ""
	a.ResetSentAt = nil
}

// IsOAuthAccount reports whether the account signs in through Google.
func (a *Account) IsOAuthAccount() bool {
	return a.GoogleID != nil
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
