package passgate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/passgate/passgate/internal"
	"github.com/passgate/passgate/internal/stores"
)

// RequestOTP issues a fresh login code for a verified account and queues it
// for delivery.
//
// An expired lock is cleared here, lazily, before the code is issued; there
// is no background unlock job. VerifyOTP deliberately does not mirror this:
// once a lock expires the client must come back through RequestOTP, which
// also guarantees a fresh code exists.
func (e *Engine) RequestOTP(ctx context.Context, email, clientIP string) error {
	if !validEmail(email) {
		return fieldError("email")
	}

	if err := e.tryConsume(rateActionOTP, clientIP); err != nil {
		e.log.Warn("otp request rate limited",
			zap.String("email", email),
			zap.String("client_ip", clientIP))
		return err
	}

	account, err := e.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("%w: account lookup: %v", ErrInternal, err)
	}

	if account.Locked {
		now := time.Now()
		if !e.lockout.Expired(account.LockedAt, now) {
			return ErrAccountLocked
		}
		if err := e.unlockAccount(ctx, account.ID); err != nil {
			return err
		}
		e.log.Info("lock expired, account auto-unlocked", zap.String("account_id", account.ID))
	}

	if !account.Enabled {
		return ErrAccountNotVerified
	}

	code, err := internal.NewOTPCode(e.config.OTP.Digits)
	if err != nil {
		return fmt.Errorf("%w: otp generation: %v", ErrInternal, err)
	}

	now := time.Now()
	record := &stores.OTPRecord{
		AccountID: account.ID,
		Code:      code,
		ExpiresAt: now.Add(e.config.OTP.TTL).Unix(),
		CreatedAt: now.UnixNano(),
	}
	if err := e.otpStore.Save(ctx, uuid.NewString(), record, e.config.OTP.TTL); err != nil {
		return fmt.Errorf("%w: otp save: %v", ErrInternal, err)
	}

	e.dispatcher.enqueue(ctx, notifyJob{
		kind: notifyOTP,
		n: Notification{
			Email:     account.Email,
			FirstName: account.FirstName,
			Code:      code,
		},
	})

	e.metrics.inc(MetricOTPRequested)
	e.log.Info("otp issued", zap.String("account_id", account.ID))
	return nil
}

// VerifyOTP redeems a login code and mints a session descriptor.
//
// Matching is against the newest unused, unexpired code only. A submission
// that reaches that code but does not equal it marks the code used: one
// wrong guess invalidates the pending code and the client must request a
// new one. Redemption has a single winner; concurrent submissions of the
// same correct code mint exactly one session. Locked accounts are rejected
// outright; see RequestOTP for the lazy-unlock path.
func (e *Engine) VerifyOTP(ctx context.Context, email, code string) (SessionDescriptor, error) {
	if !validEmail(email) {
		return SessionDescriptor{}, fieldError("email")
	}
	if code == "" {
		return SessionDescriptor{}, fieldError("code")
	}

	account, err := e.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return SessionDescriptor{}, ErrAccountNotFound
		}
		return SessionDescriptor{}, fmt.Errorf("%w: account lookup: %v", ErrInternal, err)
	}

	if account.Locked {
		return SessionDescriptor{}, ErrAccountLocked
	}

	recordID, record, err := e.otpStore.LatestValid(ctx, account.ID, time.Now())
	if err != nil {
		if isStoreNotFound(err) {
			e.recordOTPFailure(ctx, account.ID)
			return SessionDescriptor{}, ErrInvalidOTP
		}
		return SessionDescriptor{}, fmt.Errorf("%w: otp lookup: %v", ErrInternal, err)
	}

	if subtle.ConstantTimeCompare([]byte(record.Code), []byte(code)) != 1 {
		err := e.otpStore.MarkUsed(ctx, recordID)
		if err != nil && !isStoreNotFound(err) && !errors.Is(err, stores.ErrOTPAlreadyUsed) {
			e.log.Error("otp mark-used failed", zap.Error(err))
		}
		e.recordOTPFailure(ctx, account.ID)
		return SessionDescriptor{}, ErrInvalidOTP
	}

	// The consume has a single winner. A concurrent submission that marked
	// the record first already owns the session; everyone else is rejected.
	if err := e.otpStore.MarkUsed(ctx, recordID); err != nil {
		if errors.Is(err, stores.ErrOTPAlreadyUsed) || isStoreNotFound(err) {
			return SessionDescriptor{}, ErrInvalidOTP
		}
		return SessionDescriptor{}, fmt.Errorf("%w: otp consume: %v", ErrInternal, err)
	}

	var fresh Account
	err = e.accounts.Mutate(ctx, account.ID, func(a *Account) error {
		a.FailedAttempts = 0
		a.UpdatedAt = time.Now()
		fresh = *a
		return nil
	})
	if err != nil {
		return SessionDescriptor{}, fmt.Errorf("%w: attempt reset: %v", ErrInternal, err)
	}

	sessionToken, err := e.sessions.Issue(ctx, Principal{
		AccountID: fresh.ID,
		Email:     fresh.Email,
		Role:      fresh.Role,
	})
	if err != nil {
		return SessionDescriptor{}, fmt.Errorf("%w: session mint: %v", ErrInternal, err)
	}

	e.metrics.inc(MetricOTPSuccess)
	e.log.Info("otp login succeeded", zap.String("account_id", fresh.ID))

	return SessionDescriptor{
		SessionToken: sessionToken,
		AccountID:    fresh.ID,
		Email:        fresh.Email,
		FirstName:    fresh.FirstName,
		LastName:     fresh.LastName,
	}, nil
}

// recordOTPFailure bumps the failed-attempt counter and applies the lockout
// threshold inside the store's per-account serialization, so two concurrent
// wrong submissions cannot lose an increment.
func (e *Engine) recordOTPFailure(ctx context.Context, accountID string) {
	locked := false
	err := e.accounts.Mutate(ctx, accountID, func(a *Account) error {
		a.FailedAttempts++
		if !a.Locked && e.lockout.ShouldLock(a.FailedAttempts) {
			a.Locked = true
			a.LockedAt = time.Now()
			locked = true
		}
		a.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		e.log.Error("failed-attempt update failed",
			zap.String("account_id", accountID),
			zap.Error(err))
		return
	}

	e.metrics.inc(MetricOTPFailure)
	if locked {
		e.metrics.inc(MetricAccountLockedOut)
		e.log.Warn("account locked after repeated otp failures",
			zap.String("account_id", accountID))
	}
}

func (e *Engine) unlockAccount(ctx context.Context, accountID string) error {
	err := e.accounts.Mutate(ctx, accountID, func(a *Account) error {
		a.Locked = false
		a.LockedAt = time.Time{}
		a.FailedAttempts = 0
		a.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: unlock: %v", ErrInternal, err)
	}
	e.metrics.inc(MetricAccountUnlocked)
	return nil
}
