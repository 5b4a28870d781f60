package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	forge "github.com/forgelabs/forge/internal"
)

// CreateKey inserts a new client key.
func (s *Store) CreateKey(ctx context.Context, key *forge.ClientKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO client_keys (id, tenant_id, secret, name, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.TenantID, key.Secret, key.Name,
		boolToInt(key.Active), key.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("client key secret: %w", forge.ErrConflict)
	}
	return err
}

// GetKey retrieves a client key by ID.
func (s *Store) GetKey(ctx context.Context, id string) (*forge.ClientKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, tenant_id, secret, name, active, last_used_at, created_at
		 FROM client_keys WHERE id = ? AND deleted_at IS NULL`, id,
	)
	return scanClientKey(row)
}

// GetKeyBySecret retrieves a client key by its full secret string.
func (s *Store) GetKeyBySecret(ctx context.Context, secret string) (*forge.ClientKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, tenant_id, secret, name, active, last_used_at, created_at
		 FROM client_keys WHERE secret = ? AND deleted_at IS NULL`, secret,
	)
	return scanClientKey(row)
}

// ListKeys returns a tenant's client keys, newest first.
func (s *Store) ListKeys(ctx context.Context, tenantID string, offset, limit int) ([]*forge.ClientKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, tenant_id, secret, name, active, last_used_at, created_at
		 FROM client_keys WHERE tenant_id = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*forge.ClientKey
	for rows.Next() {
		k, err := scanClientKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteKey soft-deletes a client key and drops its scope rows.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE client_keys SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "client key"); err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx, `DELETE FROM key_scopes WHERE key_id = ?`, id)
	return err
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE client_keys SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

// SetKeyScopes replaces the key's allowed credential set.
func (s *Store) SetKeyScopes(ctx context.Context, keyID string, credentialIDs []string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM key_scopes WHERE key_id = ?`, keyID); err != nil {
		return err
	}
	for _, credID := range credentialIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO key_scopes (key_id, credential_id) VALUES (?, ?)`,
			keyID, credID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetKeyScopes returns the key's allowed credential IDs; nil means the key
// has no scope rows and is unrestricted.
func (s *Store) GetKeyScopes(ctx context.Context, keyID string) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT credential_id FROM key_scopes WHERE key_id = ? ORDER BY credential_id`, keyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanClientKey(sc scanner) (*forge.ClientKey, error) {
	var k forge.ClientKey
	var active int
	var lastUsedAt, createdAt sql.NullString

	err := sc.Scan(&k.ID, &k.TenantID, &k.Secret, &k.Name, &active, &lastUsedAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.Active = active != 0
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to forge.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return forge.ErrNotFound
	}
	return err
}

// helpers

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, forge.ErrNotFound)
	}
	return nil
}
