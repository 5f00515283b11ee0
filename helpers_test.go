package passgate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, rdb
}

// memAccounts is a test double for AccountStore with the contract the
// engine relies on: unique emails and serialized Mutate.
type memAccounts struct {
	mu      sync.Mutex
	byID    map[string]*Account
	byEmail map[string]string
}

func newMemAccounts() *memAccounts {
	return &memAccounts{
		byID:    make(map[string]*Account),
		byEmail: make(map[string]string),
	}
}

func (s *memAccounts) Create(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[a.Email]; exists {
		return ErrEmailAlreadyExists
	}
	cp := *a
	s.byID[cp.ID] = &cp
	s.byEmail[cp.Email] = cp.ID
	return nil
}

func (s *memAccounts) GetByID(_ context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memAccounts) GetByEmail(_ context.Context, email string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *memAccounts) List(_ context.Context) ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Account, 0, len(s.byID))
	for _, a := range s.byID {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memAccounts) Mutate(_ context.Context, id string, fn func(*Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return ErrAccountNotFound
	}
	cp := *a
	if err := fn(&cp); err != nil {
		return err
	}
	*a = cp
	return nil
}

// patch applies fn directly to stored state, bypassing the engine. Used to
// fabricate lock timestamps and the like.
func (s *memAccounts) patch(t *testing.T, id string, fn func(*Account)) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		t.Fatalf("patch: account %s not found", id)
	}
	fn(a)
}

// stubNotifier records the most recent token and code per email. Sends can
// be forced to fail or to block for dispatcher tests.
type stubNotifier struct {
	mu     sync.Mutex
	tokens map[string]string
	codes  map[string]string

	failSends bool
	blockCh   chan struct{} // non-nil: deliveries wait until closed
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{
		tokens: make(map[string]string),
		codes:  make(map[string]string),
	}
}

func (n *stubNotifier) SendVerification(_ context.Context, m Notification) error {
	if n.blockCh != nil {
		<-n.blockCh
	}
	if n.failSends {
		return errors.New("smtp unavailable")
	}
	n.mu.Lock()
	n.tokens[m.Email] = m.Token
	n.mu.Unlock()
	return nil
}

func (n *stubNotifier) SendOTP(_ context.Context, m Notification) error {
	if n.blockCh != nil {
		<-n.blockCh
	}
	if n.failSends {
		return errors.New("smtp unavailable")
	}
	n.mu.Lock()
	n.codes[m.Email] = m.Code
	n.mu.Unlock()
	return nil
}

func (n *stubNotifier) token(email string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.tokens[email]
	return v, ok
}

func (n *stubNotifier) code(email string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.codes[email]
	return v, ok
}

// waitForToken polls for an asynchronously delivered verification token.
func waitForToken(t *testing.T, n *stubNotifier, email string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := n.token(email); ok {
			return v
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no verification token delivered for %s", email)
	return ""
}

// waitForCode polls for an asynchronously delivered OTP code.
func waitForCode(t *testing.T, n *stubNotifier, email string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := n.code(email); ok {
			return v
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no otp code delivered for %s", email)
	return ""
}

type testEnv struct {
	engine   *Engine
	accounts *memAccounts
	notifier *stubNotifier
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Janitor.Enabled = false
	return cfg
}

// newTestEngine builds an engine over miniredis, an in-memory account
// store, and a recording notifier. mutate, when non-nil, adjusts the config
// before Build.
func newTestEngine(t *testing.T, mutate func(*Config)) testEnv {
	t.Helper()

	_, rdb := newTestRedis(t)

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	accounts := newMemAccounts()
	notifier := newStubNotifier()

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithAccountStore(accounts).
		WithNotifier(notifier).
		WithSessionIssuer(SessionIssuerFunc(func(_ context.Context, p Principal) (string, error) {
			return "session-for-" + p.AccountID, nil
		})).
		Build()
	if err != nil {
		t.Fatalf("engine build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return testEnv{engine: engine, accounts: accounts, notifier: notifier}
}

func registerRequest(email string) RegisterRequest {
	return RegisterRequest{
		Email:     email,
		Password:  "correct-horse-battery",
		FirstName: "Alice",
		LastName:  "Liddell",
		ClientIP:  "203.0.113.9",
	}
}

// registerVerified runs registration and email verification end to end and
// returns the account ID.
func registerVerified(t *testing.T, env testEnv, email string) string {
	t.Helper()
	ctx := context.Background()

	result, err := env.engine.Register(ctx, registerRequest(email))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	token := waitForToken(t, env.notifier, email)
	if err := env.engine.VerifyEmail(ctx, token); err != nil {
		t.Fatalf("verify email failed: %v", err)
	}
	return result.AccountID
}
