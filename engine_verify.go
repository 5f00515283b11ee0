package passgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// VerifyEmail consumes a verification token and enables the owning account.
//
// An unknown or already-consumed token reports ErrInvalidToken. An expired
// token reports ErrTokenExpired once; the token is deleted in the same
// call, so any retry degrades to ErrInvalidToken.
func (e *Engine) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		e.metrics.inc(MetricVerifyFailure)
		return ErrInvalidToken
	}

	record, err := e.verificationStore.Get(ctx, token)
	if err != nil {
		e.metrics.inc(MetricVerifyFailure)
		if isStoreNotFound(err) {
			return ErrInvalidToken
		}
		return fmt.Errorf("%w: token lookup: %v", ErrInternal, err)
	}

	if time.Now().Unix() > record.ExpiresAt {
		if err := e.verificationStore.Delete(ctx, record.AccountID, token); err != nil {
			e.log.Error("expired token delete failed", zap.Error(err))
		}
		e.metrics.inc(MetricVerifyFailure)
		return ErrTokenExpired
	}

	err = e.accounts.Mutate(ctx, record.AccountID, func(a *Account) error {
		a.Enabled = true
		a.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		e.metrics.inc(MetricVerifyFailure)
		if errors.Is(err, ErrAccountNotFound) {
			// Orphaned token: the account is gone, treat the token as junk.
			_ = e.verificationStore.Delete(ctx, record.AccountID, token)
			return ErrInvalidToken
		}
		return fmt.Errorf("%w: account enable: %v", ErrInternal, err)
	}

	// Consuming the token (and any siblings from resends) after the enable
	// commit; a crash in between leaves a token pointing at an enabled
	// account, which re-verification handles as a harmless no-op.
	if err := e.verificationStore.DeleteByAccount(ctx, record.AccountID); err != nil {
		e.log.Error("verification token cleanup failed", zap.Error(err))
	}

	e.metrics.inc(MetricVerifySuccess)
	e.log.Info("email verified", zap.String("account_id", record.AccountID))
	return nil
}
