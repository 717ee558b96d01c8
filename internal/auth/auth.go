// Package auth validates login credentials for the core-supported
// schemes: database OTP secrets and fixed password files. Richer
// providers (OIDC flows, LDAP) live at the edge and only persist their
// records through internal/persist.
package auth

import (
	"context"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spadina/server/internal/persist"
	"golang.org/x/crypto/bcrypt"
)

// Authenticator answers whether a name/secret pair may log in.
type Authenticator interface {
	Authenticate(ctx context.Context, name, secret string) (bool, error)
}

// OTPAuthenticator checks bcrypt-hashed secrets from the auth_otp
// table.
type OTPAuthenticator struct {
	repo *persist.AuthRepo
}

func NewOTPAuthenticator(repo *persist.AuthRepo) *OTPAuthenticator {
	return &OTPAuthenticator{repo: repo}
}

func (a *OTPAuthenticator) Authenticate(ctx context.Context, name, secret string) (bool, error) {
	row, err := a.repo.LoadOTP(ctx, name)
	if err != nil {
		return false, err
	}
	if row == nil || row.Locked {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(row.SecretHash), []byte(secret)) == nil, nil
}

// HashSecret prepares a secret for storage.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// PasswordFile is the fixed-password scheme for development servers: a
// TOML table of name = "password".
type PasswordFile struct {
	passwords map[string]string
}

func LoadPasswordFile(path string) (*PasswordFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read password file %s: %w", path, err)
	}
	passwords := make(map[string]string)
	if err := toml.Unmarshal(data, &passwords); err != nil {
		return nil, fmt.Errorf("parse password file %s: %w", path, err)
	}
	return &PasswordFile{passwords: passwords}, nil
}

func (p *PasswordFile) Authenticate(_ context.Context, name, secret string) (bool, error) {
	want, ok := p.passwords[name]
	return ok && want == secret, nil
}

// Multi tries authenticators in order; the first yes wins.
type Multi []Authenticator

func (m Multi) Authenticate(ctx context.Context, name, secret string) (bool, error) {
	for _, a := range m {
		ok, err := a.Authenticate(ctx, name, secret)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
