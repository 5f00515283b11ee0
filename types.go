package passgate

import (
	"context"
	"strings"
	"time"
)

// Role values carried on accounts. Admin grants access to the role-management
// operations on [Engine].
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Account is the persisted identity record managed through [AccountStore].
//
// failedAttempts, lock state, and the enabled flag are mutated only through
// AccountStore.Mutate so concurrent flows for the same account serialize.
type Account struct {
	ID             string
	Email          string
	PasswordHash   string
	FirstName      string
	LastName       string
	Enabled        bool
	Locked         bool
	LockedAt       time.Time // zero unless Locked
	FailedAttempts int
	Role           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Principal is the authenticated identity handed to a [SessionIssuer].
type Principal struct {
	AccountID string
	Email     string
	Role      string
}

// SessionDescriptor is returned on successful OTP verification.
type SessionDescriptor struct {
	SessionToken string
	AccountID    string
	Email        string
	FirstName    string
	LastName     string
}

// Profile is the read-only account view returned by profile queries.
type Profile struct {
	AccountID string
	Email     string
	FirstName string
	LastName  string
	Enabled   bool
	Locked    bool
	CreatedAt time.Time
}

// RegisterRequest is the input to [Engine.Register].
type RegisterRequest struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	ClientIP  string
}

func (r RegisterRequest) validate(minPasswordLen int) error {
	if !validEmail(r.Email) {
		return fieldError("email")
	}
	if len(r.Password) < minPasswordLen {
		return fieldError("password")
	}
	if strings.TrimSpace(r.FirstName) == "" {
		return fieldError("firstName")
	}
	return nil
}

// RegistrationResult confirms a persisted registration. Delivery of the
// verification email is best-effort and not reflected here.
type RegistrationResult struct {
	AccountID string
	Email     string
}

// AccountStore is the persistence contract supplied by the integrator.
//
// Implementations must enforce email uniqueness in Create and serialize
// Mutate per account ID (row lock, transaction, or equivalent): two
// concurrent Mutate calls for the same account must observe each other's
// writes. Lookups return copies; mutating a returned Account has no effect
// on stored state.
type AccountStore interface {
	// Create persists a new account. Returns ErrEmailAlreadyExists when the
	// email is taken.
	Create(ctx context.Context, account *Account) error

	// GetByID returns the account or ErrAccountNotFound.
	GetByID(ctx context.Context, id string) (*Account, error)

	// GetByEmail returns the account or ErrAccountNotFound.
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// List returns all accounts, for administrative listings.
	List(ctx context.Context) ([]*Account, error)

	// Mutate applies fn to the stored account under per-account
	// serialization and persists the result. fn returning an error aborts
	// the update and the error is passed through. Returns
	// ErrAccountNotFound for unknown IDs.
	Mutate(ctx context.Context, id string, fn func(*Account) error) error
}

// Notification is the payload handed to a [Notifier]. Exactly one of Token
// or Code is set depending on the kind of send.
type Notification struct {
	Email     string
	FirstName string
	Token     string // verification link token
	Code      string // OTP code
}

// Notifier delivers verification links and OTP codes. Sends are dispatched
// asynchronously; errors are logged and counted, never returned to the
// flows that triggered them.
type Notifier interface {
	SendVerification(ctx context.Context, n Notification) error
	SendOTP(ctx context.Context, n Notification) error
}

// SessionIssuer mints an opaque session credential for an authenticated
// principal. Implementations must be safe for concurrent use and should not
// block; the engine treats Issue as a pure function of the principal.
type SessionIssuer interface {
	Issue(ctx context.Context, p Principal) (string, error)
}

// SessionIssuerFunc adapts a function to [SessionIssuer].
type SessionIssuerFunc func(ctx context.Context, p Principal) (string, error)

// Issue calls f.
func (f SessionIssuerFunc) Issue(ctx context.Context, p Principal) (string, error) {
	return f(ctx, p)
}

// PasswordHasher is the pluggable hashing capability used at registration.
// The password subpackage ships an Argon2id implementation.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
}

func fieldError(field string) error {
	return &validationError{field: field}
}

type validationError struct {
	field string
}

func (e *validationError) Error() string { return "validation failed: " + e.field }

func (e *validationError) Unwrap() error { return ErrValidationFailed }

// validEmail applies the minimal shape check the engine needs; full RFC
// validation is the transport layer's concern.
func validEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
