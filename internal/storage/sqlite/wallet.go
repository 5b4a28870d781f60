package sqlite

import (
	"context"

	forge "github.com/forgelabs/forge/internal"
)

// GetWallet retrieves a tenant's wallet.
func (s *Store) GetWallet(ctx context.Context, tenantID string) (*forge.Wallet, error) {
	var w forge.Wallet
	var blocked int
	err := s.read.QueryRowContext(ctx,
		`SELECT tenant_id, balance, blocked, version FROM wallets WHERE tenant_id = ?`,
		tenantID,
	).Scan(&w.TenantID, &w.Balance, &blocked, &w.Version)
	if err != nil {
		return nil, notFoundErr(err)
	}
	w.Blocked = blocked != 0
	return &w, nil
}

// UpsertWallet creates or overwrites a wallet, resetting its version. Used
// by bootstrap seeding and admin top-ups, never by the deduction path.
func (s *Store) UpsertWallet(ctx context.Context, w *forge.Wallet) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO wallets (tenant_id, balance, blocked, version)
		 VALUES (?, ?, ?, 0)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   balance = excluded.balance,
		   blocked = excluded.blocked,
		   version = version + 1`,
		w.TenantID, w.Balance, boolToInt(w.Blocked),
	)
	return err
}

// UpdateWalletCAS writes balance and blocked only while the stored version
// still equals w.Version. Returns false on a conflict; the caller re-reads
// and retries.
func (s *Store) UpdateWalletCAS(ctx context.Context, w *forge.Wallet) (bool, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE wallets SET balance = ?, blocked = ?, version = version + 1
		 WHERE tenant_id = ? AND version = ?`,
		w.Balance, boolToInt(w.Blocked), w.TenantID, w.Version,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
