package forge

import "time"

// UsageRecord is one inference call's accounting row. A record is opened
// before the upstream call with zero token counts and a NULL UpdatedAt;
// finalization fills the counts and stamps UpdatedAt. Rows whose UpdatedAt
// stays NULL mark calls that never completed accounting.
type UsageRecord struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	CredentialID    string     `json:"credential_id"`
	KeyID           string     `json:"key_id"`
	Model           string     `json:"model"`
	Endpoint        Endpoint   `json:"endpoint"`
	InputTokens     int        `json:"input_tokens"`
	OutputTokens    int        `json:"output_tokens"`
	CachedTokens    int        `json:"cached_tokens"`
	ReasoningTokens int        `json:"reasoning_tokens"`
	Cost            float64    `json:"cost"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// Wallet holds a tenant's prepaid balance. Version guards compare-and-swap
// updates; deductions may drive Balance below zero, only admission checks
// reject on a non-positive balance.
type Wallet struct {
	TenantID string  `json:"tenant_id"`
	Balance  float64 `json:"balance"`
	Blocked  bool    `json:"blocked"`
	Version  int64   `json:"version"`
}
