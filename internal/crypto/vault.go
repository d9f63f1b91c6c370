package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeySize is the required size of the root key material.
	MasterKeySize = 32
	// NonceSize is the AES-GCM nonce size.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag size.
	TagSize = 16
)

// ErrDecryptionFailed indicates a tag mismatch, corrupted ciphertext or a
// tenant context that differs from the one used at encryption time.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// Envelope is an encrypted field value as stored at rest.
type Envelope struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// Vault performs tenant-scoped authenticated encryption. All key material is
// derived from a single master key with HKDF-SHA256; tenants never share a
// derived key, and the tenant id is additionally bound as associated data.
type Vault struct {
	master []byte
}

// NewVault constructs a Vault from a 32-byte master key.
func NewVault(masterKey []byte) (*Vault, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("crypto: master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	key := make([]byte, MasterKeySize)
	copy(key, masterKey)
	return &Vault{master: key}, nil
}

func (v *Vault) deriveKey(info string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, v.master, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return key, nil
}

func (v *Vault) tenantAEAD(tenantID string) (cipher.AEAD, error) {
	key, err := v.deriveKey("medlock/tenant/" + tenantID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the tenant's derived key.
func (v *Vault) Encrypt(plaintext []byte, tenantID string) (Envelope, error) {
	if len(plaintext) == 0 {
		return Envelope{}, errors.New("crypto: plaintext is empty")
	}
	if tenantID == "" {
		return Envelope{}, errors.New("crypto: tenant id is required")
	}
	aead, err := v.tenantAEAD(tenantID)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad(tenantID))
	return Envelope{
		Ciphertext: sealed[:len(sealed)-TagSize],
		Nonce:      nonce,
		Tag:        sealed[len(sealed)-TagSize:],
	}, nil
}

// Decrypt opens an envelope. It fails closed with ErrDecryptionFailed when the
// tag does not verify, never returning partial plaintext.
func (v *Vault) Decrypt(env Envelope, tenantID string) ([]byte, error) {
	if len(env.Nonce) != NonceSize || len(env.Tag) != TagSize {
		return nil, ErrDecryptionFailed
	}
	aead, err := v.tenantAEAD(tenantID)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)
	plaintext, err := aead.Open(nil, env.Nonce, sealed, aad(tenantID))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func aad(tenantID string) []byte {
	return []byte("tenant:" + tenantID)
}
