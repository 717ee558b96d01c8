package persist

import (
	"context"
	"database/sql"
	"errors"
)

type OIDCRow struct {
	Name    string
	Issuer  string
	Subject string
	Locked  bool
}

type OTPRow struct {
	Name       string
	SecretHash string
	Locked     bool
}

// AuthRepo stores the records external authentication providers bind
// to: OIDC issuer/subject pairs and hashed OTP secrets.
type AuthRepo struct {
	db *DB
}

func NewAuthRepo(db *DB) *AuthRepo {
	return &AuthRepo{db: db}
}

func (r *AuthRepo) LoadOIDC(ctx context.Context, name string) (*OIDCRow, error) {
	row := &OIDCRow{}
	err := r.db.SQL.QueryRowContext(ctx,
		`SELECT name, issuer, subject, locked FROM auth_oidc WHERE name = $1`, name).
		Scan(&row.Name, &row.Issuer, &row.Subject, &row.Locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *AuthRepo) UpsertOIDC(ctx context.Context, row OIDCRow) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`INSERT INTO auth_oidc (name, issuer, subject, locked) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET issuer = EXCLUDED.issuer,
		     subject = EXCLUDED.subject, locked = EXCLUDED.locked`,
		row.Name, row.Issuer, row.Subject, row.Locked)
	return err
}

func (r *AuthRepo) LoadOTP(ctx context.Context, name string) (*OTPRow, error) {
	row := &OTPRow{}
	err := r.db.SQL.QueryRowContext(ctx,
		`SELECT name, secret_hash, locked FROM auth_otp WHERE name = $1`, name).
		Scan(&row.Name, &row.SecretHash, &row.Locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *AuthRepo) UpsertOTP(ctx context.Context, row OTPRow) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`INSERT INTO auth_otp (name, secret_hash, locked) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET secret_hash = EXCLUDED.secret_hash,
		     locked = EXCLUDED.locked`,
		row.Name, row.SecretHash, row.Locked)
	return err
}

func (r *AuthRepo) SetOTPLocked(ctx context.Context, name string, locked bool) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE auth_otp SET locked = $2 WHERE name = $1`, name, locked)
	return err
}
