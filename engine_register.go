package passgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/passgate/passgate/internal/stores"
)

// Register creates a disabled account, persists a verification token, and
// queues the verification email.
//
// Registration is successful once the account and token are persisted;
// email delivery is best-effort and its failure is never reported here.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (RegistrationResult, error) {
	if err := req.validate(e.config.Registration.MinPasswordLength); err != nil {
		return RegistrationResult{}, err
	}

	// Existence check precedes the rate-limit charge so duplicate attempts
	// report the conflict instead of silently burning budget.
	if _, err := e.accounts.GetByEmail(ctx, req.Email); err == nil {
		e.metrics.inc(MetricRegisterDuplicate)
		return RegistrationResult{}, ErrEmailAlreadyExists
	} else if !errors.Is(err, ErrAccountNotFound) {
		return RegistrationResult{}, fmt.Errorf("%w: account lookup: %v", ErrInternal, err)
	}

	if err := e.tryConsume(rateActionRegister, req.ClientIP); err != nil {
		e.log.Warn("registration rate limited", zap.String("client_ip", req.ClientIP))
		return RegistrationResult{}, err
	}

	hash, err := e.hasher.Hash(req.Password)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("%w: password hash: %v", ErrInternal, err)
	}

	now := time.Now()
	account := &Account{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: hash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Enabled:      false,
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrEmailAlreadyExists) {
			e.metrics.inc(MetricRegisterDuplicate)
			return RegistrationResult{}, ErrEmailAlreadyExists
		}
		return RegistrationResult{}, fmt.Errorf("%w: account create: %v", ErrInternal, err)
	}

	if err := e.issueVerificationToken(ctx, account); err != nil {
		// The account exists; the client can recover through resend.
		return RegistrationResult{}, err
	}

	e.metrics.inc(MetricRegisterSuccess)
	e.log.Info("account registered", zap.String("email", account.Email))

	return RegistrationResult{AccountID: account.ID, Email: account.Email}, nil
}

// ResendVerification invalidates any outstanding verification tokens for the
// account and issues a fresh one. The rate budget is scoped to resend so
// abuse here cannot starve registration.
func (e *Engine) ResendVerification(ctx context.Context, email, clientIP string) error {
	if !validEmail(email) {
		return fieldError("email")
	}

	account, err := e.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("%w: account lookup: %v", ErrInternal, err)
	}
	if account.Enabled {
		return ErrAccountAlreadyVerified
	}

	if err := e.tryConsume(rateActionResend, clientIP); err != nil {
		e.log.Warn("verification resend rate limited",
			zap.String("email", email),
			zap.String("client_ip", clientIP))
		return err
	}

	if err := e.verificationStore.DeleteByAccount(ctx, account.ID); err != nil {
		return fmt.Errorf("%w: token invalidation: %v", ErrInternal, err)
	}

	if err := e.issueVerificationToken(ctx, account); err != nil {
		return err
	}

	e.metrics.inc(MetricVerificationResent)
	e.log.Info("verification email resent", zap.String("email", email))
	return nil
}

func (e *Engine) issueVerificationToken(ctx context.Context, account *Account) error {
	token := uuid.NewString()
	now := time.Now()
	record := &stores.VerificationRecord{
		AccountID: account.ID,
		ExpiresAt: now.Add(e.config.Verification.TokenTTL).Unix(),
		CreatedAt: now.Unix(),
	}

	if err := e.verificationStore.Save(ctx, token, record, e.config.Verification.TokenTTL); err != nil {
		return fmt.Errorf("%w: token save: %v", ErrInternal, err)
	}

	e.dispatcher.enqueue(ctx, notifyJob{
		kind: notifyVerification,
		n: Notification{
			Email:     account.Email,
			FirstName: account.FirstName,
			Token:     token,
		},
	})
	return nil
}
