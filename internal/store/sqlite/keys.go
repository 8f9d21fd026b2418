package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("not found")

// KeyState is the persisted lifecycle state of an upstream key.
type KeyState string

const (
	KeyStateActive  KeyState = "active"
	KeyStateLeased  KeyState = "leased"
	KeyStateCooling KeyState = "cooling"
)

// UpstreamKey is the persisted row for an upstream credential.
type UpstreamKey struct {
	ID                 string
	Secret             string
	Label              string
	State              KeyState
	FailureCount       int
	CooldownEntryCount int
	CooldownUntil      sql.NullTime
	LeasedAt           sql.NullTime
	LeasedBy           sql.NullString
	LastUsedAt         sql.NullTime
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func scanUpstreamKey(row interface{ Scan(...any) error }) (*UpstreamKey, error) {
	var k UpstreamKey
	var state string
	if err := row.Scan(&k.ID, &k.Secret, &k.Label, &state, &k.FailureCount, &k.CooldownEntryCount,
		&k.CooldownUntil, &k.LeasedAt, &k.LeasedBy, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	k.State = KeyState(state)
	return &k, nil
}

const keyColumns = "id, secret, label, state, failure_count, cooldown_entry_count, cooldown_until, leased_at, leased_by, last_used_at, created_at, updated_at"

// InsertKey adds a new upstream key in the active state.
func (s *Store) InsertKey(ctx context.Context, id, secret, label string) error {
	_, err := s.Writer.ExecContext(ctx,
		`INSERT INTO upstream_keys (id, secret, label, state) VALUES (?, ?, ?, ?)`,
		id, secret, label, KeyStateActive)
	return err
}

// DeleteKey removes an upstream key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	res, err := s.Writer.ExecContext(ctx, `DELETE FROM upstream_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetKey fetches one key by id from the read handle.
func (s *Store) GetKey(ctx context.Context, id string) (*UpstreamKey, error) {
	row := s.Reader.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM upstream_keys WHERE id = ?`, id)
	k, err := scanUpstreamKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return k, err
}

// ListKeys returns every upstream key ordered by id, for pool hydration at
// startup.
func (s *Store) ListKeys(ctx context.Context) ([]*UpstreamKey, error) {
	rows, err := s.Reader.QueryContext(ctx, `SELECT `+keyColumns+` FROM upstream_keys ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UpstreamKey
	for rows.Next() {
		k, err := scanUpstreamKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upstream key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateKeyState persists a state transition plus the fields the keypool's
// state machine mutates alongside it. cooldownEntryCount counts cooldown
// entries since the key's last success or reset, tracked separately from failureCount because a
// key only enters cooldown once failureCount crosses FAILURE_THRESHOLD.
func (s *Store) UpdateKeyState(ctx context.Context, id string, state KeyState, failureCount, cooldownEntryCount int, cooldownUntil, leasedAt *time.Time, leasedBy *string) error {
	_, err := s.Writer.ExecContext(ctx,
		`UPDATE upstream_keys SET state = ?, failure_count = ?, cooldown_entry_count = ?, cooldown_until = ?, leased_at = ?, leased_by = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		state, failureCount, cooldownEntryCount, nullableTime(cooldownUntil), nullableTime(leasedAt), nullableString(leasedBy), id)
	return err
}

// TouchKeyUsed records that a key was just dispatched on.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.Writer.ExecContext(ctx, `UPDATE upstream_keys SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

// ResetKey clears failure count, cooldown entry count, and cooldown/lease
// state, returning a key to active.
func (s *Store) ResetKey(ctx context.Context, id string) error {
	res, err := s.Writer.ExecContext(ctx,
		`UPDATE upstream_keys SET state = ?, failure_count = 0, cooldown_entry_count = 0, cooldown_until = NULL, leased_at = NULL, leased_by = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		KeyStateActive, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetAllKeys clears failure/cooldown-entry/cooldown/lease state on every key.
func (s *Store) ResetAllKeys(ctx context.Context) (int64, error) {
	res, err := s.Writer.ExecContext(ctx,
		`UPDATE upstream_keys SET state = ?, failure_count = 0, cooldown_entry_count = 0, cooldown_until = NULL, leased_at = NULL, leased_by = NULL, updated_at = CURRENT_TIMESTAMP`,
		KeyStateActive)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
