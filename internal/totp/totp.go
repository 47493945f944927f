// Package totp implements the one-time-password capability: TOTP secret
// enrollment (RFC 6238, SHA-1, 6 digits, 30 s period), code verification
// with clock-drift tolerance, and single-use backup codes.
package totp

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"image/png"
	"math/big"
	"regexp"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/pellenbrig/aegis/internal/clock"
)

// Backup codes use a Crockford-style alphabet: no I, O, 0 or 1, so codes
// survive being read out loud or printed.
const (
	backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	secretSizeBytes    = 20 // 160-bit secret

	// BackupCodeLength is the character count of a recovery code.
	BackupCodeLength = 8
)

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// Hasher hashes and verifies backup codes. Satisfied by crypto.Service.
type Hasher interface {
	HashPassword(password string) (string, error)
	VerifyPassword(hash, password string) bool
}

// Enrollment is the material returned to a user starting TOTP setup.
type Enrollment struct {
	Secret        string
	OTPAuthURL    string
	QRCodeDataURL string
}

// Generator issues and validates TOTP material.
type Generator struct {
	issuer string
	clock  clock.Clock
	hasher Hasher
}

// New builds a Generator for the given issuer label.
func New(issuer string, clk clock.Clock, hasher Hasher) *Generator {
	return &Generator{issuer: issuer, clock: clk, hasher: hasher}
}

// GenerateSecret creates a fresh 160-bit secret for the account and renders
// the otpauth URL plus a PNG QR code as a data URL.
func (g *Generator) GenerateSecret(email string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      g.issuer,
		AccountName: email,
		SecretSize:  secretSizeBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("totp: generate key: %w", err)
	}

	img, err := key.Image(200, 200)
	if err != nil {
		return nil, fmt.Errorf("totp: render qr: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("totp: encode qr png: %w", err)
	}

	return &Enrollment{
		Secret:        key.Secret(),
		OTPAuthURL:    key.String(),
		QRCodeDataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// VerifyCode reports whether code is currently valid for secret, allowing
// one period of clock skew in either direction. Codes that are not exactly
// six digits are rejected before any crypto work.
func (g *Generator) VerifyCode(secret, code string) bool {
	if !codePattern.MatchString(code) {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, g.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// GenerateCode computes the current code for secret. Used by tests and the
// disable/regenerate flows' own verification paths.
func (g *Generator) GenerateCode(secret string) (string, error) {
	return totp.GenerateCodeCustom(secret, g.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// GenerateBackupCodes returns n single-use recovery codes, each 8 uppercase
// characters drawn uniformly from the backup alphabet.
func (g *Generator) GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	max := big.NewInt(int64(len(backupCodeAlphabet)))

	for i := 0; i < n; i++ {
		code := make([]byte, BackupCodeLength)
		for j := range code {
			idx, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, fmt.Errorf("totp: backup code randomness: %w", err)
			}
			code[j] = backupCodeAlphabet[idx.Int64()]
		}
		codes[i] = string(code)
	}
	return codes, nil
}

// HashBackupCode returns the Argon2id hash of the uppercased code.
func (g *Generator) HashBackupCode(code string) (string, error) {
	return g.hasher.HashPassword(strings.ToUpper(code))
}

// VerifyBackupCode reports whether candidate matches the stored hash.
// Candidates are uppercased so user input is case-insensitive.
func (g *Generator) VerifyBackupCode(hash, candidate string) bool {
	return g.hasher.VerifyPassword(hash, strings.ToUpper(candidate))
}
