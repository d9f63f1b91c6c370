package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashIdentifier produces a deterministic one-way digest of a contact
// identifier (email, phone), keyed so the digest is useless without the
// vault's key material. Used for equality lookups in place of plaintext.
func (v *Vault) HashIdentifier(identifier string) (string, error) {
	key, err := v.deriveKey("medlock/lookup")
	if err != nil {
		return "", err
	}
	normalized := strings.ToLower(strings.TrimSpace(identifier))
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Anonymize returns a stable pseudonym for (account, tenant). The same logical
// user maps to the same pseudonym across records without revealing the real id.
func (v *Vault) Anonymize(accountID, tenantID string) (string, error) {
	key, err := v.deriveKey("medlock/tenant/" + tenantID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("anon:" + accountID))
	return "anon_" + hex.EncodeToString(mac.Sum(nil))[:24], nil
}
