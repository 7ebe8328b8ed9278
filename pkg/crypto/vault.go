// Package crypto implements the credential vault: AEAD encryption of stored
// upstream secrets, hashing of client-token secrets, and constant-time
// comparison for bearer credentials.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/ykq007/mcp-tavily-bridge/pkg/errors"
)

// KeySize is the required AEAD key length in bytes.
const KeySize = 32

// Vault encrypts and decrypts stored credentials with AES-256-GCM.
// The per-message nonce is generated randomly and prepended to the
// ciphertext so that a stored blob is self-contained.
type Vault struct {
	aead cipher.AEAD
	key  []byte
}

// NewVault builds a vault from configured key material. The secret may be
// base64, hex, or a raw 32-byte string; anything else fails fast.
func NewVault(secret string) (*Vault, error) {
	key, err := ParseKey(secret)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewConfigError("creating cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewConfigError("creating GCM", err)
	}

	return &Vault{aead: aead, key: key}, nil
}

// ParseKey accepts AEAD key material as base64, hex, or a raw 32-byte
// string, in that order of preference.
func ParseKey(secret string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(secret); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(secret); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	if len(secret) == KeySize {
		return []byte(secret), nil
	}
	return nil, errors.NewConfigError(
		fmt.Sprintf("KEY_ENCRYPTION_SECRET must decode to %d bytes (base64, hex, or raw)", KeySize), nil)
}

// Encrypt seals plaintext with a fresh random nonce and returns the nonce
// followed by the ciphertext. The same input never produces the same output
// twice.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.NewInternalError("generating nonce", err)
	}

	// Use the nonce as the dst buffer so the ciphertext is appended to it
	// and the pair always travels together.
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt splits off the nonce and opens the ciphertext. Truncated input,
// a wrong nonce, and a bad MAC all surface as invalid_ciphertext.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize+v.aead.Overhead() {
		return nil, errors.NewInvalidCiphertextError("ciphertext too short", nil)
	}

	nonce := ciphertext[:nonceSize]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, errors.NewInvalidCiphertextError("decryption failed", err)
	}
	return plaintext, nil
}

// EncryptString is Encrypt with base64 transport encoding for storage in a
// text column.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	sealed, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func (v *Vault) DecryptString(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.NewInvalidCiphertextError("ciphertext is not base64", err)
	}
	plaintext, err := v.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// QueryHash computes a keyed HMAC-SHA256 of a search query for usage logs.
// Keyed so that log readers cannot dictionary-attack short queries.
func (v *Vault) QueryHash(query string) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// SHA256Hex returns the hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two secrets without leaking a timing signal.
func ConstantTimeEquals(a, b string) bool {
	// Hash both sides first so unequal lengths do not short-circuit.
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

// Mask returns a display-safe fragment of a secret: the first four and last
// four characters with the middle elided.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "…" + secret[len(secret)-4:]
}
