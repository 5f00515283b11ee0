package passgate

import (
	"errors"
	"time"
)

// Config defines the tunable surface of the engine. Zero values are filled
// from defaults by [Builder.Build]; explicit invalid values fail validation.
type Config struct {
	Registration RegistrationConfig
	Verification VerificationConfig
	OTP          OTPConfig
	Lockout      LockoutConfig
	RateLimit    RateLimitConfig
	Janitor      JanitorConfig
	Notify       NotifyConfig
}

// RegistrationConfig controls input policy for new accounts.
type RegistrationConfig struct {
	MinPasswordLength int
}

// VerificationConfig controls email-verification token issuance.
type VerificationConfig struct {
	TokenTTL time.Duration
}

// OTPConfig controls one-time login codes.
type OTPConfig struct {
	Digits int
	// TTL bounds how long a code stays redeemable. Kept deliberately short:
	// codes prove live mailbox access at login time.
	TTL time.Duration
}

// LockoutConfig controls threshold-based account lockout. Duration of zero
// means locked accounts require administrative unlock.
type LockoutConfig struct {
	Threshold int
	Duration  time.Duration
}

// RateLimitConfig controls the per-client token buckets guarding
// registration, verification resend, and OTP requests. Each bucket starts
// at Capacity and refills to full once per RefillInterval.
type RateLimitConfig struct {
	Capacity       int
	RefillInterval time.Duration
}

// JanitorConfig controls the background sweeps. TokenSweepInterval purges
// expired verification and OTP tokens; BucketSweepInterval evicts idle
// rate-limit buckets.
type JanitorConfig struct {
	Enabled             bool
	TokenSweepInterval  time.Duration
	BucketSweepInterval time.Duration
}

// NotifyConfig controls the asynchronous notification dispatcher.
type NotifyConfig struct {
	BufferSize int
	// DropIfFull drops sends instead of blocking when the buffer is full.
	// Dropped sends are counted via Engine.NotifyDropped.
	DropIfFull bool
}

func defaultConfig() Config {
	return Config{
		Registration: RegistrationConfig{
			MinPasswordLength: 8,
		},
		Verification: VerificationConfig{
			TokenTTL: 24 * time.Hour,
		},
		OTP: OTPConfig{
			Digits: 6,
			TTL:    5 * time.Minute,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  30 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Capacity:       5,
			RefillInterval: time.Hour,
		},
		Janitor: JanitorConfig{
			Enabled:             true,
			TokenSweepInterval:  time.Hour,
			BucketSweepInterval: 6 * time.Hour,
		},
		Notify: NotifyConfig{
			BufferSize: 256,
			DropIfFull: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	// All fields are value types today; the copy exists so later reference
	// fields cannot alias builder state.
	return cfg
}

// Validate reports the first configuration error found.
func (c Config) Validate() error {
	if c.Registration.MinPasswordLength < 8 {
		return errors.New("registration min password length must be >= 8")
	}
	if c.Verification.TokenTTL <= 0 {
		return errors.New("verification token TTL must be positive")
	}
	if c.OTP.Digits < 4 || c.OTP.Digits > 10 {
		return errors.New("otp digits must be between 4 and 10")
	}
	if c.OTP.TTL <= 0 {
		return errors.New("otp TTL must be positive")
	}
	if c.OTP.TTL > c.Verification.TokenTTL {
		return errors.New("otp TTL must not exceed verification token TTL")
	}
	if c.Lockout.Threshold <= 0 {
		return errors.New("lockout threshold must be positive")
	}
	if c.Lockout.Duration < 0 {
		return errors.New("lockout duration must not be negative")
	}
	if c.RateLimit.Capacity <= 0 {
		return errors.New("rate limit capacity must be positive")
	}
	if c.RateLimit.RefillInterval <= 0 {
		return errors.New("rate limit refill interval must be positive")
	}
	if c.Janitor.Enabled {
		if c.Janitor.TokenSweepInterval <= 0 {
			return errors.New("janitor token sweep interval must be positive")
		}
		if c.Janitor.BucketSweepInterval <= 0 {
			return errors.New("janitor bucket sweep interval must be positive")
		}
	}
	if c.Notify.BufferSize <= 0 {
		return errors.New("notify buffer size must be positive")
	}
	return nil
}
