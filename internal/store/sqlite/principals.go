package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AuthPrincipal is a persisted caller allowed to use the gateway.
type AuthPrincipal struct {
	ID         string
	APIKeyHash string
	Label      string
	Disabled   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const principalColumns = "id, api_key_hash, label, disabled, created_at, updated_at"

func scanPrincipal(row interface{ Scan(...any) error }) (*AuthPrincipal, error) {
	var p AuthPrincipal
	if err := row.Scan(&p.ID, &p.APIKeyHash, &p.Label, &p.Disabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertPrincipal creates a new principal bound to the hash of its API key.
func (s *Store) InsertPrincipal(ctx context.Context, id, apiKeyHash, label string) error {
	_, err := s.Writer.ExecContext(ctx,
		`INSERT INTO auth_principals (id, api_key_hash, label) VALUES (?, ?, ?)`,
		id, apiKeyHash, label)
	return err
}

// GetPrincipalByKeyHash looks up a principal by the hash of the bearer
// credential presented on the request. Called on every proxied request, so
// it runs against the reader handle.
func (s *Store) GetPrincipalByKeyHash(ctx context.Context, hash string) (*AuthPrincipal, error) {
	row := s.Reader.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM auth_principals WHERE api_key_hash = ?`, hash)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPrincipals returns every principal for the administrative surface.
func (s *Store) ListPrincipals(ctx context.Context) ([]*AuthPrincipal, error) {
	rows, err := s.Reader.QueryContext(ctx, `SELECT `+principalColumns+` FROM auth_principals ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuthPrincipal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPrincipalDisabled toggles whether a principal's key is accepted.
func (s *Store) SetPrincipalDisabled(ctx context.Context, id string, disabled bool) error {
	res, err := s.Writer.ExecContext(ctx,
		`UPDATE auth_principals SET disabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, disabled, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePrincipal removes a principal.
func (s *Store) DeletePrincipal(ctx context.Context, id string) error {
	res, err := s.Writer.ExecContext(ctx, `DELETE FROM auth_principals WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
