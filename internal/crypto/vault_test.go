package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, MasterKeySize)
	v, err := NewVault(key)
	require.NoError(t, err)
	return v
}

func TestNewVaultRejectsShortKey(t *testing.T) {
	_, err := NewVault([]byte("too short"))
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := testVault(t)

	plaintexts := [][]byte{
		[]byte("a"),
		[]byte("Jane Doe"),
		[]byte("cardiology department, building 4"),
		bytes.Repeat([]byte{0x00, 0xff}, 512),
	}
	for _, plaintext := range plaintexts {
		env, err := v.Encrypt(plaintext, "tenant-1")
		require.NoError(t, err)
		assert.Len(t, env.Nonce, NonceSize)
		assert.Len(t, env.Tag, TagSize)
		assert.NotEqual(t, plaintext, env.Ciphertext)

		got, err := v.Decrypt(env, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestDecryptWrongTenantFails(t *testing.T) {
	v := testVault(t)

	env, err := v.Encrypt([]byte("patient record"), "tenant-a")
	require.NoError(t, err)

	_, err = v.Decrypt(env, "tenant-b")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	v := testVault(t)

	env, err := v.Encrypt([]byte("sensitive"), "tenant-a")
	require.NoError(t, err)

	env.Ciphertext[0] ^= 0x01
	_, err = v.Decrypt(env, "tenant-a")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptTamperedTagFails(t *testing.T) {
	v := testVault(t)

	env, err := v.Encrypt([]byte("sensitive"), "tenant-a")
	require.NoError(t, err)

	env.Tag[TagSize-1] ^= 0x80
	_, err = v.Decrypt(env, "tenant-a")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	v := testVault(t)

	a, err := v.Encrypt([]byte("same input"), "tenant-a")
	require.NoError(t, err)
	b, err := v.Encrypt([]byte("same input"), "tenant-a")
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestHashIdentifierDeterministic(t *testing.T) {
	v := testVault(t)

	h1, err := v.HashIdentifier("User@Example.COM")
	require.NoError(t, err)
	h2, err := v.HashIdentifier("  user@example.com ")
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "normalization should make digests equal")

	other, err := v.HashIdentifier("other@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, h1, other)
}

func TestHashIdentifierDependsOnKey(t *testing.T) {
	v1 := testVault(t)
	v2, err := NewVault(bytes.Repeat([]byte{0x24}, MasterKeySize))
	require.NoError(t, err)

	h1, err := v1.HashIdentifier("user@example.com")
	require.NoError(t, err)
	h2, err := v2.HashIdentifier("user@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestAnonymizeStablePerPair(t *testing.T) {
	v := testVault(t)

	p1, err := v.Anonymize("acc-1", "tenant-a")
	require.NoError(t, err)
	p2, err := v.Anonymize("acc-1", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	other, err := v.Anonymize("acc-1", "tenant-b")
	require.NoError(t, err)
	assert.NotEqual(t, p1, other, "pseudonym must differ across tenants")

	assert.True(t, len(p1) > 5 && p1[:5] == "anon_")
}
