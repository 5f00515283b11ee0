package passgate

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/passgate/passgate/internal/lockout"
	"github.com/passgate/passgate/internal/rate"
	"github.com/passgate/passgate/internal/stores"
)

// isStoreNotFound reports whether a token-store error means "no such row"
// as opposed to a backend failure.
func isStoreNotFound(err error) bool {
	return errors.Is(err, stores.ErrVerificationNotFound) || errors.Is(err, stores.ErrOTPNotFound)
}

// Engine orchestrates the registration, email-verification, and OTP-login
// flows over the collaborators wired through [Builder].
//
// Engine instances are configured during initialization and treated as
// immutable afterwards; all methods are safe for concurrent use.
type Engine struct {
	config            Config
	log               *zap.Logger
	accounts          AccountStore
	verificationStore *stores.VerificationStore
	otpStore          *stores.OTPStore
	rateLimiter       *rate.Limiter
	lockout           lockout.Policy
	dispatcher        *notifyDispatcher
	sessions          SessionIssuer
	hasher            PasswordHasher
	metrics           *Metrics
	janitor           *janitor
}

// Rate-limit key prefixes. Each action has its own per-IP budget.
const (
	rateActionRegister = "reg"
	rateActionResend   = "rsd"
	rateActionOTP      = "otp"
)

func (e *Engine) rateKey(action, clientIP string) string {
	return action + ":" + clientIP
}

// tryConsume charges one token from the action's bucket for the client.
// Returns a *RateLimitError carrying the retry hint when exhausted.
func (e *Engine) tryConsume(action, clientIP string) error {
	ok, retryAfter := e.rateLimiter.TryConsume(e.rateKey(action, clientIP))
	if ok {
		return nil
	}
	e.metrics.inc(MetricRateLimited)
	return &RateLimitError{RetryAfter: retryAfter}
}

// Close stops the background janitor and drains pending notifications.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.janitor != nil {
		e.janitor.Stop()
	}
	if e.dispatcher != nil {
		e.dispatcher.Close()
	}
}

// NotifyDropped reports how many notification sends were discarded because
// the dispatch buffer was full.
func (e *Engine) NotifyDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.dispatcher.Dropped()
}

// MetricsSnapshot copies the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

// PurgeExpiredTokens removes verification and OTP tokens whose expiry has
// passed. The janitor calls this on its schedule; it is exported so
// operators can trigger a sweep directly.
func (e *Engine) PurgeExpiredTokens(ctx context.Context) (int, error) {
	now := time.Now()

	verPurged, verErr := e.verificationStore.PurgeExpired(ctx, now)
	otpPurged, otpErr := e.otpStore.PurgeExpired(ctx, now)

	purged := verPurged + otpPurged
	e.metrics.add(MetricTokensPurged, uint64(purged))

	if verErr != nil {
		return purged, verErr
	}
	return purged, otpErr
}

// CleanupRateBuckets evicts rate-limit buckets that have refilled to
// capacity and returns the number evicted.
func (e *Engine) CleanupRateBuckets() int {
	evicted := e.rateLimiter.Cleanup()
	e.metrics.add(MetricBucketsEvicted, uint64(evicted))
	return evicted
}
