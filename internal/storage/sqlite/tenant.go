package sqlite

import (
	"context"
	"database/sql"
	"time"

	forge "github.com/forgelabs/forge/internal"
)

// CreateTenant inserts a new tenant.
func (s *Store) CreateTenant(ctx context.Context, t *forge.Tenant) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO tenants (id, name, active, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, boolToInt(t.Active), t.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetTenant retrieves a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id string) (*forge.Tenant, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, active, created_at FROM tenants
		 WHERE id = ? AND deleted_at IS NULL`, id,
	)
	return scanTenant(row)
}

// GetTenantByName retrieves a tenant by its unique name. Bootstrap seeding
// uses this for idempotency.
func (s *Store) GetTenantByName(ctx context.Context, name string) (*forge.Tenant, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, active, created_at FROM tenants
		 WHERE name = ? AND deleted_at IS NULL`, name,
	)
	return scanTenant(row)
}

// ListTenants returns tenants, newest first.
func (s *Store) ListTenants(ctx context.Context, offset, limit int) ([]*forge.Tenant, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, active, created_at FROM tenants
		 WHERE deleted_at IS NULL ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*forge.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTenant updates a tenant's name and active flag.
func (s *Store) UpdateTenant(ctx context.Context, t *forge.Tenant) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE tenants SET name = ?, active = ? WHERE id = ? AND deleted_at IS NULL`,
		t.Name, boolToInt(t.Active), t.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "tenant")
}

// DeleteTenant soft-deletes a tenant.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE tenants SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "tenant")
}

func scanTenant(sc scanner) (*forge.Tenant, error) {
	var t forge.Tenant
	var active int
	var createdAt sql.NullString

	if err := sc.Scan(&t.ID, &t.Name, &active, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	t.Active = active != 0
	if ts := parseTime(createdAt); ts != nil {
		t.CreatedAt = *ts
	}
	return &t, nil
}
