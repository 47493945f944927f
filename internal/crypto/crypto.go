// Package crypto provides the cryptographic capabilities used across the
// core: Argon2id password hashing, AES-256-GCM authenticated encryption for
// MFA secrets, and secure random generation.
//
// Key material is loaded once at startup and held immutably; nothing in this
// package reads the environment.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/alexedwards/argon2id"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // 96-bit GCM nonce
	tagSize   = 16 // 128-bit GCM tag
)

// DefaultParams returns the production Argon2id parameters: 64 MiB memory,
// 3 iterations, parallelism 4.
func DefaultParams() *argon2id.Params {
	return &argon2id.Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Service implements password hashing and secret encryption.
type Service struct {
	key    []byte
	params *argon2id.Params

	// decoyHash is a real Argon2id hash of a random value, used so that
	// lookups for unknown users still pay full verification cost.
	decoyHash string
}

// New builds a Service from a hex-encoded 32-byte master key. A nil params
// selects DefaultParams. The decoy hash is computed once here so the
// enumeration defence costs the same as a genuine verification.
func New(keyHex string, params *argon2id.Params) (*Service, error) {
	if len(keyHex) != keySize*2 {
		return nil, fmt.Errorf("crypto: master key must be %d hex characters", keySize*2)
	}
	key := make([]byte, keySize)
	if _, err := hex.Decode(key, []byte(keyHex)); err != nil {
		return nil, fmt.Errorf("crypto: master key is not valid hex: %w", err)
	}

	if params == nil {
		params = DefaultParams()
	}

	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("crypto: decoy seed: %w", err)
	}
	decoy, err := argon2id.CreateHash(hex.EncodeToString(seed), params)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoy hash: %w", err)
	}

	return &Service{key: key, params: params, decoyHash: decoy}, nil
}

// HashPassword returns the Argon2id encoded hash of password.
func (s *Service) HashPassword(password string) (string, error) {
	hash, err := argon2id.CreateHash(password, s.params)
	if err != nil {
		return "", fmt.Errorf("crypto: hash password: %w", err)
	}
	return hash, nil
}

// VerifyPassword reports whether password matches the encoded hash. The
// comparison is constant-time with respect to the candidate.
func (s *Service) VerifyPassword(hash, password string) bool {
	match, err := argon2id.ComparePasswordAndHash(password, hash)
	return err == nil && match
}

// DummyVerify performs a full-cost verification against the decoy hash. It
// is called when a login targets a nonexistent account so response timing
// does not reveal whether the email exists.
func (s *Service) DummyVerify() {
	_, _ = argon2id.ComparePasswordAndHash("aegis-decoy-candidate", s.decoyHash)
}

// EncryptSecret encrypts plain with AES-256-GCM and encodes the result as
// "iv:authTag:ciphertext" with each part hex-encoded. A fresh nonce is drawn
// per call; nonce reuse under the same key breaks GCM.
func (s *Service) EncryptSecret(plain string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return "", fmt.Errorf("crypto: gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plain), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptSecret reverses EncryptSecret. It fails on malformed encodings and
// on GCM authentication (tamper) failures.
func (s *Service) DecryptSecret(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("crypto: invalid secret encoding")
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("crypto: invalid iv")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("crypto: invalid auth tag")
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("crypto: invalid ciphertext")
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return "", fmt.Errorf("crypto: gcm: %w", err)
	}

	plain, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed: %w", err)
	}
	return string(plain), nil
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: random bytes: %w", err)
	}
	return b, nil
}

// RandomHex returns the hex encoding of n random bytes (2n characters).
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateKey returns a fresh 32-byte master key in hex, for initial setup
// and key rotation.
func GenerateKey() (string, error) {
	return RandomHex(keySize)
}
