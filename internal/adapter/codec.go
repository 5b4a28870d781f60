package adapter

import (
	"encoding/json"
	"fmt"
)

// Credential is a decrypted provider credential. Secret is the primary
// secret field; Config carries the remaining provider-specific fields for
// multi-field families (Azure api_version, the Bedrock AWS triple, Vertex
// service-account metadata).
type Credential struct {
	Secret string
	Config map[string]string
}

// secretField names the primary secret inside a multi-field credential.
// Families absent from this map serialize the bare secret string.
var secretField = map[Family]string{
	FamilyAzure:   "api_key",
	FamilyBedrock: "secret_access_key",
	FamilyVertex:  "service_account",
}

// AllowsAmbientCredential reports whether a family can authenticate without
// a stored secret. Bedrock falls back to the ambient AWS credential chain
// (env vars, shared profile, instance role) when no key pair is stored.
func AllowsAmbientCredential(f Family) bool {
	return f == FamilyBedrock
}

// SerializeCredential encodes a secret plus config into the opaque string
// stored (encrypted) on the credential row. Multi-field families produce a
// JSON object; everything else stores the secret verbatim and rejects
// unexpected config.
func SerializeCredential(f Family, secret string, config map[string]string) (string, error) {
	field, multi := secretField[f]
	if !multi {
		if len(config) > 0 {
			return "", fmt.Errorf("adapter: serialize credential: family %q takes no config fields", f)
		}
		return secret, nil
	}

	fields := make(map[string]string, len(config)+1)
	for k, v := range config {
		if k == field {
			return "", fmt.Errorf("adapter: serialize credential: %q belongs in the secret, not config", k)
		}
		fields[k] = v
	}
	fields[field] = secret

	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("adapter: serialize credential: %w", err)
	}
	return string(b), nil
}

// DeserializeCredential decodes an opaque credential string for the given
// family, splitting the primary secret from the remaining config fields.
func DeserializeCredential(f Family, opaque string) (Credential, error) {
	field, multi := secretField[f]
	if !multi {
		return Credential{Secret: opaque}, nil
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(opaque), &fields); err != nil {
		return Credential{}, fmt.Errorf("adapter: deserialize credential: %w", err)
	}

	cred := Credential{Secret: fields[field], Config: fields}
	delete(fields, field)
	if len(fields) == 0 {
		cred.Config = nil
	}
	return cred, nil
}

// MaskCredential renders an opaque credential for display. Secret-bearing
// fields keep their first 2 and last 4 characters; descriptive fields
// (api_version, region, project) stay readable.
func MaskCredential(f Family, opaque string) string {
	field, multi := secretField[f]
	if !multi {
		return maskSecret(opaque)
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(opaque), &fields); err != nil {
		return maskSecret(opaque)
	}
	for k, v := range fields {
		if k == field || k == "access_key_id" {
			fields[k] = maskSecret(v)
		}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return maskSecret(opaque)
	}
	return string(b)
}

// maskSecret keeps the first 2 and last 4 characters of a secret. Short
// values mask entirely so the remainder never reconstructs them.
func maskSecret(s string) string {
	if len(s) < 8 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-4:]
}
