package auth

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"yaud.dev/internal/ids"
)

// AccountWrite is a fully assembled account mutation executed by
// Service.WriteAccount. An empty Target creates a new account.
//
// Setting Password re-keys the account and requires OldPassword (plus Token
// while TOTP is enforced). Setting TOTP requires OldPassword and a Token that
// matches the current seed. Both cannot be combined in one write.
type AccountWrite struct {
	Target      string
	FirstName   *string
	LastName    *string
	Mail        *string
	Password    *string
	OldPassword string
	Token       string
	TOTP        *bool
}

// WriteAccount validates and executes cmd, returning the stored account.
func (s *Service) WriteAccount(ctx context.Context, cmd AccountWrite) (*Account, error) {
	if cmd.Password != nil && cmd.TOTP != nil {
		return nil, fmt.Errorf("%w: password and totp cannot change together", ErrInvalidInput)
	}
	if cmd.Target == "" {
		return s.createAccount(ctx, cmd)
	}

	accounts := s.store.Accounts(ctx)
	acct, err := accounts.Find(ctx, cmd.Target)
	if err != nil {
		return nil, err
	}

	switch {
	case cmd.Password != nil:
		if _, err := s.verifyAccount(acct, cmd.OldPassword, cmd.Token); err != nil {
			return nil, err
		}
		creds, err := newCredentials(s.kdf, *cmd.Password)
		if err != nil {
			return nil, err
		}
		creds.apply(acct)
	case cmd.TOTP != nil:
		key, err := checkPassword(acct, cmd.OldPassword)
		if err != nil {
			return nil, err
		}
		seed, err := seedFor(acct, key)
		if err != nil {
			return nil, err
		}
		if !VerifyTOTP(seed, cmd.Token, s.now()) {
			return nil, ErrUnauthorized
		}
		acct.TOTP = TOTPState{Active: *cmd.TOTP}
	}

	if err := mergeProfile(acct, cmd); err != nil {
		return nil, err
	}
	acct.UpdatedAt = s.now().UTC()
	if err := accounts.Update(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *Service) createAccount(ctx context.Context, cmd AccountWrite) (*Account, error) {
	if cmd.Mail == nil || cmd.Password == nil {
		return nil, fmt.Errorf("%w: mail and password are required", ErrInvalidInput)
	}
	if cmd.TOTP != nil {
		return nil, fmt.Errorf("%w: totp cannot be set on creation", ErrInvalidInput)
	}
	now := s.now().UTC()
	acct := &Account{ID: ids.New(), CreatedAt: now, UpdatedAt: now}
	if err := mergeProfile(acct, cmd); err != nil {
		return nil, err
	}
	creds, err := newCredentials(s.kdf, *cmd.Password)
	if err != nil {
		return nil, err
	}
	creds.apply(acct)
	if err := s.store.Accounts(ctx).Create(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func mergeProfile(a *Account, cmd AccountWrite) error {
	if cmd.FirstName != nil {
		a.FirstName = strings.TrimSpace(*cmd.FirstName)
	}
	if cmd.LastName != nil {
		a.LastName = strings.TrimSpace(*cmd.LastName)
	}
	if cmd.Mail != nil {
		m, err := NormalizeMail(*cmd.Mail)
		if err != nil {
			return err
		}
		a.Mail = m
	}
	return nil
}

// NormalizeMail trims and lower-cases a bare address, rejecting display names.
func NormalizeMail(raw string) (string, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", fmt.Errorf("%w: invalid mail %q", ErrInvalidInput, raw)
	}
	return raw, nil
}
