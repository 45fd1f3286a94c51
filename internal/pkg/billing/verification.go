package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
	"github.com/ManuelReschke/TokenFox/internal/pkg/mail"
)

// VerifyEmail consumes an activation token and marks the account's email verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) (*models.Account, error) {
	hash := models.HashAPIKey(token)
	found, err := s.store().FindAccountByActivationToken(ctx, hash)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	var account *models.Account
	err = s.engine.Atomically(ctx, found.ID, func(tx *ledger.Tx) error {
		acc := tx.Account()
		if acc.ActivationToken != hash || !acc.ActivationTokenValid(s.now()) {
			return ErrInvalidToken
		}
		acc.MarkEmailVerified()
		account = acc
		return tx.Repo().SaveAccount(ctx, acc)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Auth] Verified email of account %d", account.ID)
	return account, nil
}

// ResendVerification replaces the activation token of an unverified account
// and queues a new verification email.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	found, err := s.store().FindAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}

	var (
		account *models.Account
		token   string
	)
	err = s.engine.Atomically(ctx, found.ID, func(tx *ledger.Tx) error {
		acc := tx.Account()
		if acc.EmailVerified {
			return ErrAlreadyVerified
		}
		t, err := acc.GenerateActivationToken(s.now())
		if err != nil {
			return err
		}
		account, token = acc, t
		return tx.Repo().SaveAccount(ctx, acc)
	})
	if err != nil {
		return err
	}
	s.enqueueEmail(ctx, mail.TemplateVerifyEmail, account, token)
	return nil
}

// RequestPasswordReset issues a password reset token and queues the reset
// email. Google accounts have no password to reset.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	found, err := s.store().FindAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}

	var (
		account *models.Account
		token   string
	)
	err = s.engine.Atomically(ctx, found.ID, func(tx *ledger.Tx) error {
		acc := tx.Account()
		if acc.IsOAuthAccount() {
			return ErrOAuthAccount
		}
		t, err := acc.GeneratePasswordResetToken(s.now())
		if err != nil {
			return err
		}
		account, token = acc, t
		return tx.Repo().SaveAccount(ctx, acc)
	})
	if err != nil {
		return err
	}
	s.enqueueEmail(ctx, mail.TemplatePasswordReset, account, token)
	return nil
}

// ResetPassword sets a new password using a reset token. The token is single
// use and the account's API key is revoked, so every session must log in again.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	hash := models.HashAPIKey(token)
	found, err := s.store().FindAccountByPasswordResetToken(ctx, hash)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return ErrInvalidToken
	}
	if err != nil {
		return err
	}

	err = s.engine.Atomically(ctx, found.ID, func(tx *ledger.Tx) error {
		acc := tx.Account()
		if acc.ResetToken != hash || !acc.PasswordResetTokenValid(s.now()) {
			return ErrInvalidToken
		}
		if acc.IsOAuthAccount() {
			return ErrOAuthAccount
		}
		if err := acc.SetPassword(newPassword); err != nil {
			return err
		}
		acc.ClearPasswordResetToken()
		acc.RevokeAPIKey()
		// Following the emailed link proves the mailbox.
		acc.MarkEmailVerified()
		return tx.Repo().SaveAccount(ctx, acc)
	})
	if err != nil {
		return err
	}
	log.Infof("[Auth] Password reset for account %d", found.ID)
	return nil
}

func (s *Service) enqueueEmail(ctx context.Context, template string, account *models.Account, token string) {
	if s.queue == nil {
		log.Warnf("[Auth] No job queue; %s email for account %d not sent", template, account.ID)
		return
	}
	payload := jobqueue.SendEmailJobPayload{
		Template: template,
		To:       account.Email,
		Name:     account.Name,
		Token:    token,
	}
	if _, err := s.queue.EnqueueJob(ctx, jobqueue.JobTypeSendEmail, payload.ToMap()); err != nil {
		log.Errorf("[Auth] Failed to enqueue %s email for account %d: %v", template, account.ID, err)
	}
}
