package totp

import (
	"strings"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pellenbrig/aegis/internal/clock"
	"github.com/pellenbrig/aegis/internal/crypto"
)

const testMasterKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestGenerator(t *testing.T) (*Generator, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC))
	hasher, err := crypto.New(testMasterKey, &argon2id.Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	})
	require.NoError(t, err)
	return New("Aegis", clk, hasher), clk
}

func TestGenerateSecret_Enrollment(t *testing.T) {
	gen, _ := newTestGenerator(t)

	enr, err := gen.GenerateSecret("alice@example.com")
	require.NoError(t, err)

	// 20 random bytes base32-encode to 32 characters.
	assert.Len(t, enr.Secret, 32)
	assert.Contains(t, enr.OTPAuthURL, "otpauth://totp/")
	assert.Contains(t, enr.OTPAuthURL, "issuer=Aegis")
	assert.Contains(t, enr.OTPAuthURL, "alice@example.com")
	assert.True(t, strings.HasPrefix(enr.QRCodeDataURL, "data:image/png;base64,"))
}

func TestVerifyCode_AcceptsCurrentAndSkewedCodes(t *testing.T) {
	gen, clk := newTestGenerator(t)

	enr, err := gen.GenerateSecret("alice@example.com")
	require.NoError(t, err)

	code, err := gen.GenerateCode(enr.Secret)
	require.NoError(t, err)
	assert.True(t, gen.VerifyCode(enr.Secret, code))

	// One period of drift is tolerated.
	clk.Advance(30 * time.Second)
	assert.True(t, gen.VerifyCode(enr.Secret, code))

	// Two periods are not.
	clk.Advance(30 * time.Second)
	assert.False(t, gen.VerifyCode(enr.Secret, code))
}

func TestVerifyCode_RejectsMalformedInput(t *testing.T) {
	gen, _ := newTestGenerator(t)

	enr, err := gen.GenerateSecret("alice@example.com")
	require.NoError(t, err)

	for _, code := range []string{"", "12345", "1234567", "12a456", "12345 ", "　23456"} {
		assert.False(t, gen.VerifyCode(enr.Secret, code), "code %q must be rejected", code)
	}
}

func TestGenerateBackupCodes_Shape(t *testing.T) {
	gen, _ := newTestGenerator(t)

	codes, err := gen.GenerateBackupCodes(10)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := make(map[string]bool, len(codes))
	for _, c := range codes {
		assert.Len(t, c, 8)
		for _, r := range c {
			assert.Contains(t, backupCodeAlphabet, string(r))
		}
		seen[c] = true
	}
	// Collisions in 10 draws from a 32^8 space would point at broken randomness.
	assert.Len(t, seen, 10)
}

func TestBackupCodeHashRoundtrip(t *testing.T) {
	gen, _ := newTestGenerator(t)

	hash, err := gen.HashBackupCode("ABCD2345")
	require.NoError(t, err)

	assert.True(t, gen.VerifyBackupCode(hash, "ABCD2345"))
	assert.True(t, gen.VerifyBackupCode(hash, "abcd2345"), "verification is case-insensitive")
	assert.False(t, gen.VerifyBackupCode(hash, "ABCD2346"))
}
