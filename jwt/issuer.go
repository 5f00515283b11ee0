// Package jwt provides a JWT-backed session issuer for passgate. The engine
// treats session credentials as opaque strings; this package is one way to
// mint them, not a requirement.
package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the token signature algorithm.
type SigningMethod string

const (
	// MethodEd25519 signs with an Ed25519 private key (default).
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with a shared HMAC secret.
	MethodHS256 SigningMethod = "hs256"
)

// Config holds issuer tuning parameters. Key carries the Ed25519 private
// key (64-byte seed+public form or 32-byte seed) or the HMAC secret,
// depending on SigningMethod.
type Config struct {
	TTL           time.Duration
	SigningMethod SigningMethod
	Key           []byte
	Issuer        string
	Leeway        time.Duration
}

// SessionClaims is the claim set minted for an authenticated principal.
type SessionClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer mints and parses session tokens. Immutable after NewIssuer;
// safe for concurrent use.
type Issuer struct {
	config    Config
	signKey   any
	verifyKey any
	method    jwt.SigningMethod
}

// NewIssuer validates the config and prepares signing keys.
func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("jwt: TTL must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("jwt: invalid leeway")
	}
	if cfg.SigningMethod == "" {
		cfg.SigningMethod = MethodEd25519
	}

	iss := &Issuer{config: cfg}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.Key) < 32 {
			return nil, errors.New("jwt: hs256 requires a key of at least 32 bytes")
		}
		iss.method = jwt.SigningMethodHS256
		iss.signKey = cfg.Key
		iss.verifyKey = cfg.Key
	case MethodEd25519:
		priv, err := parseEdPrivateKey(cfg.Key)
		if err != nil {
			return nil, err
		}
		iss.method = jwt.SigningMethodEdDSA
		iss.signKey = priv
		iss.verifyKey = priv.Public()
	default:
		return nil, fmt.Errorf("jwt: unsupported signing method %q", cfg.SigningMethod)
	}
	return iss, nil
}

// Issue mints a signed session token for the account.
func (i *Issuer) Issue(accountID, email, role string) (string, error) {
	if accountID == "" {
		return "", errors.New("jwt: empty account id")
	}

	now := time.Now()
	claims := SessionClaims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    i.config.Issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.config.TTL)),
		},
	}

	return jwt.NewWithClaims(i.method, claims).SignedString(i.signKey)
}

// Parse validates a token's signature and registered claims and returns the
// session claims.
func (i *Issuer) Parse(tokenString string) (*SessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(i.config.Leeway),
	}
	if i.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.config.Issuer))
	}

	var claims SessionClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return i.verifyKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	switch len(key) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(key), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(key), nil
	default:
		return nil, errors.New("jwt: ed25519 key must be 32-byte seed or 64-byte private key")
	}
}
