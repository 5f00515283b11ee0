package passgate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/passgate/passgate/internal/stores"
)

func TestOTPLoginFlow(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	accountID := registerVerified(t, env, "alice@example.com")

	if err := env.engine.RequestOTP(ctx, "alice@example.com", "203.0.113.9"); err != nil {
		t.Fatalf("request otp failed: %v", err)
	}
	code := waitForCode(t, env.notifier, "alice@example.com")
	if len(code) != 6 {
		t.Fatalf("expected 6-digit code, got %q", code)
	}

	session, err := env.engine.VerifyOTP(ctx, "alice@example.com", code)
	if err != nil {
		t.Fatalf("verify otp failed: %v", err)
	}
	if session.SessionToken != "session-for-"+accountID {
		t.Fatalf("unexpected session token %q", session.SessionToken)
	}
	if session.AccountID != accountID || session.Email != "alice@example.com" {
		t.Fatalf("descriptor mismatch: %+v", session)
	}
	if session.FirstName != "Alice" || session.LastName != "Liddell" {
		t.Fatalf("descriptor names mismatch: %+v", session)
	}

	account, err := env.accounts.GetByID(ctx, accountID)
	if err != nil {
		t.Fatalf("account lookup failed: %v", err)
	}
	if account.FailedAttempts != 0 {
		t.Fatalf("failed attempts not reset: %d", account.FailedAttempts)
	}

	// The code is single-use.
	if _, err := env.engine.VerifyOTP(ctx, "alice@example.com", code); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("replayed code: expected ErrInvalidOTP, got %v", err)
	}
}

func TestVerifyOTPConcurrentRedemptionSingleWinner(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	accountID := registerVerified(t, env, "alice@example.com")

	if err := env.engine.RequestOTP(ctx, "alice@example.com", "203.0.113.9"); err != nil {
		t.Fatalf("request otp failed: %v", err)
	}
	code := waitForCode(t, env.notifier, "alice@example.com")

	const attempts = 8
	var wg sync.WaitGroup
	type outcome struct {
		session SessionDescriptor
		err     error
	}
	results := make(chan outcome, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := env.engine.VerifyOTP(ctx, "alice@example.com", code)
			results <- outcome{session, err}
		}()
	}
	wg.Wait()
	close(results)

	// Losers are rejected as ErrInvalidOTP, or as ErrAccountLocked when
	// enough of them arrive after the consume to trip the threshold.
	var sessions int
	for res := range results {
		switch {
		case res.err == nil:
			sessions++
			if res.session.SessionToken != "session-for-"+accountID {
				t.Fatalf("winner got wrong session token %q", res.session.SessionToken)
			}
		case errors.Is(res.err, ErrInvalidOTP), errors.Is(res.err, ErrAccountLocked):
		default:
			t.Fatalf("unexpected error: %v", res.err)
		}
	}
	if sessions != 1 {
		t.Fatalf("expected exactly one session minted, got %d", sessions)
	}
}

func TestVerifyOTPWrongCodeInvalidatesPendingCode(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	accountID := registerVerified(t, env, "alice@example.com")

	if err := env.engine.RequestOTP(ctx, "alice@example.com", "203.0.113.9"); err != nil {
		t.Fatalf("request otp failed: %v", err)
	}
	code := waitForCode(t, env.notifier, "alice@example.com")

	if _, err := env.engine.VerifyOTP(ctx, "alice@example.com", "000000"); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("wrong code: expected ErrInvalidOTP, got %v", err)
	}
	account, err := env.accounts.GetByID(ctx, accountID)
	if err != nil {
		t.Fatalf("account lookup failed: %v", err)
	}
	if account.FailedAttempts != 1 {
		t.Fatalf("expected 1 failed attempt, got %d", account.FailedAttempts)
	}

	// One wrong guess burns the pending code; even the right value is now
	// rejected and counts as another failure.
	if _, err := env.engine.VerifyOTP(ctx, "alice@example.com", code); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("burned code: expected ErrInvalidOTP, got %v", err)
	}
	account, err = env.accounts.GetByID(ctx, accountID)
	if err != nil {
		t.Fatalf("account lookup failed: %v", err)
	}
	if account.FailedAttempts != 2 {
		t.Fatalf("expected 2 failed attempts, got %d", account.FailedAttempts)
	}
}

func TestVerifyOTPNoCodeOutstanding(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	accountID := registerVerified(t, env, "alice@example.com")

	if _, err := env.engine.VerifyOTP(ctx, "alice@example.com", "123456"); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("expected ErrInvalidOTP, got %v", err)
	}
	account, err := env.accounts.GetByID(ctx, accountID)
	if err != nil {
		t.Fatalf("account lookup failed: %v", err)
	}
	if account.FailedAttempts != 1 {
		t.Fatalf("guess without a code must still count, got %d attempts", account.FailedAttempts)
	}
}

func TestVerifyOTPUnknownEmail(t *testing.T) {
	env := newTestEngine(t, nil)

	_, err := env.engine.VerifyOTP(context.Background(), "ghost@example.com", "123456")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	accountID := registerVerified(t, env, "alice@example.com")

	for i := 0; i < 5; i++ {
		if _, err := env.engine.VerifyOTP(ctx, "alice@example.com", "000000"); !errors.Is(err, ErrInvalidOTP) {
			t.Fatalf("attempt %d: expected ErrInvalidOTP, got %v", i, err)
		}
	}

	account, err := env.accounts.GetByID(ctx, accountID)
	if err != nil {
		t.Fatalf("account lookup failed: %v", err)
	}
	if !account.Locked {
		t.Fatal("account not locked after reaching the threshold")
	}
	if account.LockedAt.IsZero() {
		t.Fatal("lock timestamp not recorded")
	}

	// Further submissions are rejected before any code inspection.
	if _, err := env.engine.VerifyOTP(ctx, "alice@example.com", "000000"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	snap := env.engine.MetricsSnapshot()
	if snap.Counters[MetricAccountLockedOut] != 1 {
		t.Fatalf("expected 1 lockout counted, got %d", snap.Counters[MetricAccountLockedOut])
	}
}

func TestVerifyOTPDoesNotUnlockExpiredLock(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	accountID := registerVerified(t, env, "alice@example.com")
	env.accounts.patch(t, accountID, func(a *Account) {
		a.Locked = true
		a.LockedAt = time.Now().Add(-31 * time.Minute)
		a.FailedAttempts = 5
	})

	// Only RequestOTP clears an expired lock; VerifyOTP rejects regardless.
	if _, err := env.engine.VerifyOTP(ctx, "alice@example.com", "123456"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
}

func TestRequestOTPWhileLocked(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	accountID := registerVerified(t, env, "alice@example.com")
	env.accounts.patch(t, accountID, func(a *Account) {
		a.Locked = true
		a.LockedAt = time.Now()
		a.FailedAttempts = 5
	})

	err := env.engine.RequestOTP(ctx, "alice@example.com", "203.0.113.9")
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
}

func TestRequestOTPClearsExpiredLock(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	accountID := registerVerified(t, env, "alice@example.com")
	env.accounts.patch(t, accountID, func(a *Account) {
		a.Locked = true
		a.LockedAt = time.Now().Add(-31 * time.Minute)
		a.FailedAttempts = 5
	})

	if err := env.engine.RequestOTP(ctx, "alice@example.com", "203.0.113.9"); err != nil {
		t.Fatalf("request otp after lock expiry failed: %v", err)
	}

	account, err := env.accounts.GetByID(ctx, accountID)
	if err != nil {
		t.Fatalf("account lookup failed: %v", err)
	}
	if account.Locked || account.FailedAttempts != 0 {
		t.Fatalf("lock not cleared: locked=%v attempts=%d", account.Locked, account.FailedAttempts)
	}

	code := waitForCode(t, env.notifier, "alice@example.com")
	if _, err := env.engine.VerifyOTP(ctx, "alice@example.com", code); err != nil {
		t.Fatalf("login after auto-unlock failed: %v", err)
	}
}

func TestRequestOTPUnverifiedAccount(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := env.engine.Register(ctx, registerRequest("alice@example.com")); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	err := env.engine.RequestOTP(ctx, "alice@example.com", "203.0.113.9")
	if !errors.Is(err, ErrAccountNotVerified) {
		t.Fatalf("expected ErrAccountNotVerified, got %v", err)
	}
}

func TestRequestOTPUnknownEmail(t *testing.T) {
	env := newTestEngine(t, nil)

	err := env.engine.RequestOTP(context.Background(), "ghost@example.com", "203.0.113.9")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestRequestOTPRateLimited(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	registerVerified(t, env, "alice@example.com")

	for i := 0; i < 5; i++ {
		if err := env.engine.RequestOTP(ctx, "alice@example.com", "203.0.113.9"); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}
	err := env.engine.RequestOTP(ctx, "alice@example.com", "203.0.113.9")
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
}

func TestVerifyOTPMatchesNewestCodeOnly(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	accountID := registerVerified(t, env, "alice@example.com")

	// Plant two codes with distinct creation times; only the newer one is
	// redeemable.
	now := time.Now()
	older := &stores.OTPRecord{
		AccountID: accountID,
		Code:      "111111",
		ExpiresAt: now.Add(5 * time.Minute).Unix(),
		CreatedAt: now.Add(-time.Second).UnixNano(),
	}
	newer := &stores.OTPRecord{
		AccountID: accountID,
		Code:      "222222",
		ExpiresAt: now.Add(5 * time.Minute).Unix(),
		CreatedAt: now.UnixNano(),
	}
	if err := env.engine.otpStore.Save(ctx, uuid.NewString(), older, 5*time.Minute); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := env.engine.otpStore.Save(ctx, uuid.NewString(), newer, 5*time.Minute); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// The older code no longer matches and the mismatch burns the newer one.
	if _, err := env.engine.VerifyOTP(ctx, "alice@example.com", "111111"); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("older code: expected ErrInvalidOTP, got %v", err)
	}
	if _, err := env.engine.VerifyOTP(ctx, "alice@example.com", "222222"); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("burned newer code: expected ErrInvalidOTP, got %v", err)
	}
}

func TestVerifyOTPSkipsExpiredCode(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	accountID := registerVerified(t, env, "alice@example.com")

	now := time.Now()
	expired := &stores.OTPRecord{
		AccountID: accountID,
		Code:      "333333",
		ExpiresAt: now.Add(-time.Minute).Unix(),
		CreatedAt: now.UnixNano(),
	}
	if err := env.engine.otpStore.Save(ctx, uuid.NewString(), expired, 5*time.Minute); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if _, err := env.engine.VerifyOTP(ctx, "alice@example.com", "333333"); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("expired code: expected ErrInvalidOTP, got %v", err)
	}
}

func TestConcurrentFailuresDoNotLoseIncrements(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	accountID := registerVerified(t, env, "alice@example.com")

	const guesses = 3
	var wg sync.WaitGroup
	wg.Add(guesses)
	for i := 0; i < guesses; i++ {
		go func() {
			defer wg.Done()
			_, _ = env.engine.VerifyOTP(ctx, "alice@example.com", "000000")
		}()
	}
	wg.Wait()

	account, err := env.accounts.GetByID(ctx, accountID)
	if err != nil {
		t.Fatalf("account lookup failed: %v", err)
	}
	if account.FailedAttempts != guesses {
		t.Fatalf("expected %d attempts recorded, got %d", guesses, account.FailedAttempts)
	}
}
