package sqlite

import (
	"context"
	"database/sql"
	"time"

	forge "github.com/forgelabs/forge/internal"
)

// OpenUsage inserts the pre-call accounting row. Token counts start at zero
// and updated_at stays NULL until finalization.
func (s *Store) OpenUsage(ctx context.Context, r *forge.UsageRecord) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO usage_records
		 (id, tenant_id, credential_id, key_id, model, endpoint,
		  input_tokens, output_tokens, cached_tokens, reasoning_tokens, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 0, ?)`,
		r.ID, r.TenantID, r.CredentialID, r.KeyID, r.Model, string(r.Endpoint),
		r.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// FinalizeUsage fills the token counts and cost and stamps updated_at.
func (s *Store) FinalizeUsage(ctx context.Context, r *forge.UsageRecord) error {
	updatedAt := timeToStr(r.UpdatedAt)
	if !updatedAt.Valid {
		updatedAt = sql.NullString{String: time.Now().UTC().Format(time.RFC3339), Valid: true}
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE usage_records SET
		   input_tokens = ?, output_tokens = ?, cached_tokens = ?, reasoning_tokens = ?,
		   cost = ?, updated_at = ?
		 WHERE id = ?`,
		r.InputTokens, r.OutputTokens, r.CachedTokens, r.ReasoningTokens,
		r.Cost, updatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "usage record")
}

// GetUsage retrieves one usage record by ID.
func (s *Store) GetUsage(ctx context.Context, id string) (*forge.UsageRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, tenant_id, credential_id, key_id, model, endpoint,
		 input_tokens, output_tokens, cached_tokens, reasoning_tokens, cost,
		 created_at, updated_at
		 FROM usage_records WHERE id = ?`, id,
	)
	return scanUsage(row)
}

// ListUsage returns a tenant's usage records, newest first.
func (s *Store) ListUsage(ctx context.Context, tenantID string, offset, limit int) ([]*forge.UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, tenant_id, credential_id, key_id, model, endpoint,
		 input_tokens, output_tokens, cached_tokens, reasoning_tokens, cost,
		 created_at, updated_at
		 FROM usage_records WHERE tenant_id = ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*forge.UsageRecord
	for rows.Next() {
		r, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SumUsageCost returns the total accumulated cost for a tenant.
func (s *Store) SumUsageCost(ctx context.Context, tenantID string) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM usage_records WHERE tenant_id = ?`, tenantID,
	).Scan(&total)
	return total, err
}

// CountStaleUsage counts open rows (NULL updated_at) created before the
// cutoff. A non-zero count means finalizations were lost, likely to a crash
// between the upstream call and the detached close.
func (s *Store) CountStaleUsage(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records
		 WHERE updated_at IS NULL AND created_at < ?`,
		olderThan.UTC().Format(time.RFC3339),
	).Scan(&n)
	return n, err
}

func scanUsage(sc scanner) (*forge.UsageRecord, error) {
	var r forge.UsageRecord
	var endpoint string
	var createdAt, updatedAt sql.NullString

	err := sc.Scan(&r.ID, &r.TenantID, &r.CredentialID, &r.KeyID, &r.Model, &endpoint,
		&r.InputTokens, &r.OutputTokens, &r.CachedTokens, &r.ReasoningTokens, &r.Cost,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	r.Endpoint = forge.Endpoint(endpoint)
	if t := parseTime(createdAt); t != nil {
		r.CreatedAt = *t
	}
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}
