package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	forge "github.com/forgelabs/forge/internal"
)

// UpsertCredential inserts or replaces a tenant's credential for one
// provider. The live-row unique index on (tenant_id, provider) resolves the
// conflict; on update the original row ID survives and is written back to c.
func (s *Store) UpsertCredential(ctx context.Context, c *forge.ProviderCredential) error {
	modelMap, err := marshalModelMap(c.ModelMap)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err = s.write.ExecContext(ctx,
		`INSERT INTO provider_credentials
		 (id, tenant_id, provider, ciphertext, base_url, model_map, billable, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, provider) WHERE deleted_at IS NULL DO UPDATE SET
		   ciphertext = excluded.ciphertext,
		   base_url   = excluded.base_url,
		   model_map  = excluded.model_map,
		   billable   = excluded.billable,
		   updated_at = excluded.updated_at`,
		c.ID, c.TenantID, c.Provider, c.Ciphertext, nullStr(c.BaseURL),
		modelMap, boolToInt(c.Billable),
		c.CreatedAt.UTC().Format(time.RFC3339), now,
	)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}

	// The stored row keeps its original ID on conflict; read it back.
	return s.read.QueryRowContext(ctx,
		`SELECT id FROM provider_credentials
		 WHERE tenant_id = ? AND provider = ? AND deleted_at IS NULL`,
		c.TenantID, c.Provider,
	).Scan(&c.ID)
}

// GetCredential retrieves a credential by ID.
func (s *Store) GetCredential(ctx context.Context, id string) (*forge.ProviderCredential, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, tenant_id, provider, ciphertext, base_url, model_map, billable, created_at, updated_at
		 FROM provider_credentials WHERE id = ? AND deleted_at IS NULL`, id,
	)
	return scanCredential(row)
}

// ListCredentials returns a tenant's live credentials ordered by provider.
func (s *Store) ListCredentials(ctx context.Context, tenantID string) ([]*forge.ProviderCredential, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, tenant_id, provider, ciphertext, base_url, model_map, billable, created_at, updated_at
		 FROM provider_credentials WHERE tenant_id = ? AND deleted_at IS NULL
		 ORDER BY provider`, tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*forge.ProviderCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCredential soft-deletes a credential and drops scope rows that
// reference it.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_credentials SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "provider credential"); err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx, `DELETE FROM key_scopes WHERE credential_id = ?`, id)
	return err
}

func scanCredential(sc scanner) (*forge.ProviderCredential, error) {
	var c forge.ProviderCredential
	var baseURL, modelMap sql.NullString
	var billable int
	var createdAt, updatedAt sql.NullString

	err := sc.Scan(&c.ID, &c.TenantID, &c.Provider, &c.Ciphertext,
		&baseURL, &modelMap, &billable, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	c.BaseURL = baseURL.String
	c.Billable = billable != 0
	if modelMap.Valid {
		if err := json.Unmarshal([]byte(modelMap.String), &c.ModelMap); err != nil {
			return nil, fmt.Errorf("unmarshal model map: %w", err)
		}
	}
	if t := parseTime(createdAt); t != nil {
		c.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		c.UpdatedAt = *t
	}
	return &c, nil
}

func marshalModelMap(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal model map: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
