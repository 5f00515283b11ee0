// Package memstore provides an in-memory [passgate.AccountStore]. It is the
// reference implementation of the store contract (email uniqueness in
// Create, per-account serialization in Mutate) and backs the examples and
// tests. Production deployments supply their own store over a database.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/passgate/passgate"
)

// Store keeps accounts in process memory. Safe for concurrent use; a single
// write lock serializes all mutations, which trivially satisfies the
// per-account serialization the engine requires.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*passgate.Account
	byEmail map[string]string // email -> account ID
}

// New returns an empty store.
func New() *Store {
	return &Store{
		byID:    make(map[string]*passgate.Account),
		byEmail: make(map[string]string),
	}
}

// Create persists a copy of the account. Returns
// passgate.ErrEmailAlreadyExists when the email is taken.
func (s *Store) Create(_ context.Context, account *passgate.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[account.Email]; exists {
		return passgate.ErrEmailAlreadyExists
	}

	cp := *account
	s.byID[cp.ID] = &cp
	s.byEmail[cp.Email] = cp.ID
	return nil
}

// GetByID returns a copy of the account or passgate.ErrAccountNotFound.
func (s *Store) GetByID(_ context.Context, id string) (*passgate.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, passgate.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

// GetByEmail returns a copy of the account or passgate.ErrAccountNotFound.
func (s *Store) GetByEmail(_ context.Context, email string) (*passgate.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[email]
	if !ok {
		return nil, passgate.ErrAccountNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

// List returns copies of all accounts ordered by creation time.
func (s *Store) List(_ context.Context) ([]*passgate.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*passgate.Account, 0, len(s.byID))
	for _, a := range s.byID {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Mutate applies fn to a working copy under the write lock and commits it
// only when fn succeeds.
func (s *Store) Mutate(_ context.Context, id string, fn func(*passgate.Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return passgate.ErrAccountNotFound
	}

	cp := *a
	if err := fn(&cp); err != nil {
		return err
	}
	if cp.Email != a.Email {
		if _, exists := s.byEmail[cp.Email]; exists {
			return passgate.ErrEmailAlreadyExists
		}
		delete(s.byEmail, a.Email)
		s.byEmail[cp.Email] = cp.ID
	}
	*a = cp
	return nil
}
