package passgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/passgate/passgate/internal/lockout"
	"github.com/passgate/passgate/internal/rate"
	"github.com/passgate/passgate/internal/stores"
	"github.com/passgate/passgate/jwt"
	"github.com/passgate/passgate/password"
)

// Builder wires an [Engine]. A Builder is single-use: Build consumes it.
type Builder struct {
	config Config

	redis    redis.UniversalClient
	accounts AccountStore
	notifier Notifier
	sessions SessionIssuer
	hasher   PasswordHasher
	log      *zap.Logger

	built bool
}

// New returns a Builder preloaded with defaults.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the whole configuration. Zero-valued fields are
// backfilled from defaults at Build time.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing the token stores.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithAccountStore sets the account persistence collaborator.
func (b *Builder) WithAccountStore(store AccountStore) *Builder {
	b.accounts = store
	return b
}

// WithNotifier sets the email delivery collaborator.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithSessionIssuer sets the session minting collaborator.
func (b *Builder) WithSessionIssuer(issuer SessionIssuer) *Builder {
	b.sessions = issuer
	return b
}

// WithPasswordHasher overrides the default Argon2id hasher.
func (b *Builder) WithPasswordHasher(h PasswordHasher) *Builder {
	b.hasher = h
	return b
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.log = log
	return b
}

// Build validates the wiring and configuration and returns a ready Engine,
// starting the janitor when enabled.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	if b.redis == nil {
		return nil, fmt.Errorf("%w: redis client required", ErrEngineNotReady)
	}
	if b.accounts == nil {
		return nil, fmt.Errorf("%w: account store required", ErrEngineNotReady)
	}
	if b.notifier == nil {
		return nil, fmt.Errorf("%w: notifier required", ErrEngineNotReady)
	}
	if b.sessions == nil {
		return nil, fmt.Errorf("%w: session issuer required", ErrEngineNotReady)
	}

	cfg := fillDefaults(cloneConfig(b.config))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := b.log
	if log == nil {
		log = zap.NewNop()
	}

	hasher := b.hasher
	if hasher == nil {
		var err error
		hasher, err = password.NewArgon2(password.DefaultParams())
		if err != nil {
			return nil, err
		}
	}

	metrics := newMetrics()
	engine := &Engine{
		config:            cfg,
		log:               log,
		accounts:          b.accounts,
		verificationStore: stores.NewVerificationStore(b.redis, "pv"),
		otpStore:          stores.NewOTPStore(b.redis, "po"),
		rateLimiter: rate.New(rate.Config{
			Capacity:       cfg.RateLimit.Capacity,
			RefillInterval: cfg.RateLimit.RefillInterval,
		}),
		lockout: lockout.Policy{
			Threshold: cfg.Lockout.Threshold,
			Duration:  cfg.Lockout.Duration,
		},
		sessions: b.sessions,
		hasher:   hasher,
		metrics:  metrics,
	}
	engine.dispatcher = newNotifyDispatcher(cfg.Notify, b.notifier, log, metrics)

	if cfg.Janitor.Enabled {
		engine.janitor = newJanitor(engine, cfg.Janitor, log)
		engine.janitor.start()
	}

	return engine, nil
}

// fillDefaults backfills zero-valued fields so a partial Config stays usable.
func fillDefaults(cfg Config) Config {
	def := defaultConfig()
	if cfg.Registration.MinPasswordLength == 0 {
		cfg.Registration.MinPasswordLength = def.Registration.MinPasswordLength
	}
	if cfg.Verification.TokenTTL == 0 {
		cfg.Verification.TokenTTL = def.Verification.TokenTTL
	}
	if cfg.OTP.Digits == 0 {
		cfg.OTP.Digits = def.OTP.Digits
	}
	if cfg.OTP.TTL == 0 {
		cfg.OTP.TTL = def.OTP.TTL
	}
	if cfg.Lockout.Threshold == 0 {
		cfg.Lockout.Threshold = def.Lockout.Threshold
	}
	if cfg.Lockout.Duration == 0 {
		cfg.Lockout.Duration = def.Lockout.Duration
	}
	if cfg.RateLimit.Capacity == 0 {
		cfg.RateLimit.Capacity = def.RateLimit.Capacity
	}
	if cfg.RateLimit.RefillInterval == 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.Janitor.TokenSweepInterval == 0 {
		cfg.Janitor.TokenSweepInterval = def.Janitor.TokenSweepInterval
	}
	if cfg.Janitor.BucketSweepInterval == 0 {
		cfg.Janitor.BucketSweepInterval = def.Janitor.BucketSweepInterval
	}
	if cfg.Notify.BufferSize == 0 {
		cfg.Notify.BufferSize = def.Notify.BufferSize
	}
	return cfg
}

// JWTSessionIssuer adapts a [jwt.Issuer] to the [SessionIssuer] interface.
func JWTSessionIssuer(issuer *jwt.Issuer) SessionIssuer {
	return SessionIssuerFunc(func(_ context.Context, p Principal) (string, error) {
		return issuer.Issue(p.AccountID, p.Email, p.Role)
	})
}
