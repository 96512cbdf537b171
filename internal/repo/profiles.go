package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"civicsense/internal/domain"
)

// Credentials is a profile with its stored password hash.
type Credentials struct {
	Profile      domain.Profile
	PasswordHash string
}

// NormalizeEmail lowercases and trims an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// InsertProfile stores a profile. PasswordHash must already be hashed.
func (r Repo) InsertProfile(ctx context.Context, tx *sql.Tx, c Credentials) error {
	p := c.Profile
	if p.ID == "" {
		return errors.New("id required")
	}
	if p.Email == "" {
		return errors.New("email required")
	}
	if c.PasswordHash == "" {
		return errors.New("password_hash required")
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO profiles(id,full_name,email,role,password_hash,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.FullName, NormalizeEmail(p.Email), string(p.Role), c.PasswordHash, p.CreatedAt)
	return err
}

func scanCredentials(row scanner) (Credentials, error) {
	var c Credentials
	var role string
	err := row.Scan(&c.Profile.ID, &c.Profile.FullName, &c.Profile.Email, &role, &c.PasswordHash, &c.Profile.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.Profile.Role = domain.Role(role)
	return c, err
}

func (r Repo) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	c, err := scanCredentials(r.DB.QueryRowContext(ctx, `SELECT id,full_name,email,role,password_hash,created_at FROM profiles WHERE id=?`, id))
	return c.Profile, err
}

func (r Repo) GetProfileTx(ctx context.Context, tx *sql.Tx, id string) (domain.Profile, error) {
	c, err := scanCredentials(tx.QueryRowContext(ctx, `SELECT id,full_name,email,role,password_hash,created_at FROM profiles WHERE id=?`, id))
	return c.Profile, err
}

// GetCredentialsByEmail is the login lookup.
func (r Repo) GetCredentialsByEmail(ctx context.Context, email string) (Credentials, error) {
	return scanCredentials(r.DB.QueryRowContext(ctx, `SELECT id,full_name,email,role,password_hash,created_at FROM profiles WHERE email=?`, NormalizeEmail(email)))
}

// ListProfiles returns profiles, optionally filtered by role, by name.
func (r Repo) ListProfiles(ctx context.Context, role domain.Role) ([]domain.Profile, error) {
	query := `SELECT id,full_name,email,role,created_at FROM profiles`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	query += ` ORDER BY full_name ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Profile
	for rows.Next() {
		var p domain.Profile
		var role string
		if err := rows.Scan(&p.ID, &p.FullName, &p.Email, &role, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Role = domain.Role(role)
		res = append(res, p)
	}
	return res, rows.Err()
}
