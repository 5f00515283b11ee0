package passgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PromoteToAdmin assigns the admin role to the account with the given email.
func (e *Engine) PromoteToAdmin(ctx context.Context, email string) error {
	return e.setRole(ctx, email, RoleAdmin)
}

// DemoteToUser assigns the regular user role to the account with the given
// email.
func (e *Engine) DemoteToUser(ctx context.Context, email string) error {
	return e.setRole(ctx, email, RoleUser)
}

func (e *Engine) setRole(ctx context.Context, email, role string) error {
	if !validEmail(email) {
		return fieldError("email")
	}

	account, err := e.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("%w: account lookup: %v", ErrInternal, err)
	}

	err = e.accounts.Mutate(ctx, account.ID, func(a *Account) error {
		a.Role = role
		a.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: role update: %v", ErrInternal, err)
	}

	e.log.Info("account role changed",
		zap.String("account_id", account.ID),
		zap.String("role", role))
	return nil
}

// IsAdmin reports whether the account with the given email carries the
// admin role.
func (e *Engine) IsAdmin(ctx context.Context, email string) (bool, error) {
	account, err := e.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return false, ErrAccountNotFound
		}
		return false, fmt.Errorf("%w: account lookup: %v", ErrInternal, err)
	}
	return account.Role == RoleAdmin, nil
}

// UnlockAccount clears a lock administratively, ahead of its expiry.
func (e *Engine) UnlockAccount(ctx context.Context, email string) error {
	account, err := e.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("%w: account lookup: %v", ErrInternal, err)
	}
	if err := e.unlockAccount(ctx, account.ID); err != nil {
		return err
	}
	e.log.Info("account unlocked by administrator", zap.String("account_id", account.ID))
	return nil
}

// GetProfile returns the read-only view of one account.
func (e *Engine) GetProfile(ctx context.Context, accountID string) (Profile, error) {
	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Profile{}, ErrAccountNotFound
		}
		return Profile{}, fmt.Errorf("%w: account lookup: %v", ErrInternal, err)
	}
	return profileOf(account), nil
}

// ListProfiles returns the read-only view of every account.
func (e *Engine) ListProfiles(ctx context.Context) ([]Profile, error) {
	accounts, err := e.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: account list: %v", ErrInternal, err)
	}

	profiles := make([]Profile, 0, len(accounts))
	for _, a := range accounts {
		profiles = append(profiles, profileOf(a))
	}
	return profiles, nil
}

func profileOf(a *Account) Profile {
	return Profile{
		AccountID: a.ID,
		Email:     a.Email,
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Enabled:   a.Enabled,
		Locked:    a.Locked,
		CreatedAt: a.CreatedAt,
	}
}
