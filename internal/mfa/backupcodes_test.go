package mfa

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/audit"
)

func TestCodesStatus_RegenerateAdvisory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, "correct horse")

	status, err := env.svc.CodesStatus(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, status.IsEnabled)
	assert.Zero(t, status.TotalCodes)

	_, codes := env.enroll(t, user, "correct horse")
	status, err = env.svc.CodesStatus(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, status.IsEnabled)
	assert.Equal(t, 10, status.TotalCodes)
	assert.Equal(t, 10, status.RemainingCodes)
	assert.False(t, status.ShouldRegenerate)

	// Burn codes down to three remaining: still no advisory.
	for _, code := range codes[:7] {
		res, err := env.svc.VerifyDirect(ctx, DirectVerifyInput{UserID: user.ID, Code: code})
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	status, err = env.svc.CodesStatus(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.RemainingCodes)
	assert.Equal(t, 7, status.UsedCodes)
	assert.False(t, status.ShouldRegenerate)

	// The eighth consumption crosses the threshold.
	res, err := env.svc.VerifyDirect(ctx, DirectVerifyInput{UserID: user.ID, Code: codes[7]})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.ShouldRegenerate)

	status, err = env.svc.CodesStatus(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.RemainingCodes)
	assert.True(t, status.ShouldRegenerate)
	assert.NotNil(t, status.LastUsedAt)
	assert.NotNil(t, status.GeneratedAt)
}

func TestListUsedCodes_Pagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, "correct horse")
	_, codes := env.enroll(t, user, "correct horse")

	// Three consumptions at distinct instants, from distinct addresses.
	for i, code := range codes[:3] {
		res, err := env.svc.VerifyDirect(ctx, DirectVerifyInput{
			UserID:    user.ID,
			Code:      code,
			IPAddress: "203.0.113." + string(rune('1'+i)),
			UserAgent: "cli/1.0",
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		env.clk.Advance(time.Minute)
	}

	page, err := env.svc.ListUsedCodes(ctx, user.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrevious)
	require.Len(t, page.Codes, 2)
	assert.True(t, page.Codes[0].UsedAt.After(page.Codes[1].UsedAt), "newest first")
	assert.NotEmpty(t, page.Codes[0].IPAddress)
	assert.Equal(t, "cli/1.0", page.Codes[0].UserAgent)

	page, err = env.svc.ListUsedCodes(ctx, user.ID, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Codes, 1)
	assert.False(t, page.HasNext)
	assert.True(t, page.HasPrevious)

	page, err = env.svc.ListUsedCodes(ctx, user.ID, 9, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Codes, "pages past the end are empty, not an error")
}

func TestExportCodes_Guards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, "correct horse")
	secret, codes := env.enroll(t, user, "correct horse")
	code, err := env.totp.GenerateCode(secret)
	require.NoError(t, err)

	_, err = env.svc.ExportCodes(ctx, ExportInput{UserID: user.ID, Password: "correct horse", Code: code, Format: "csv"})
	assert.Equal(t, apperr.CodeBadRequest, apperr.Code(err))

	_, err = env.svc.ExportCodes(ctx, ExportInput{UserID: user.ID, Password: "wrong", Code: code, Format: ExportFormatText})
	assert.Equal(t, apperr.CodeUnauthorized, apperr.Code(err))

	_, err = env.svc.ExportCodes(ctx, ExportInput{UserID: user.ID, Password: "correct horse", Code: env.wrongTOTP(t, secret), Format: ExportFormatText})
	assert.Equal(t, apperr.CodeBadRequest, apperr.Code(err))

	// Exhaust the batch: nothing left to export.
	for _, c := range codes {
		res, err := env.svc.VerifyDirect(ctx, DirectVerifyInput{UserID: user.ID, Code: c})
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	_, err = env.svc.ExportCodes(ctx, ExportInput{UserID: user.ID, Password: "correct horse", Code: code, Format: ExportFormatText})
	assert.Equal(t, apperr.CodeBadRequest, apperr.Code(err))
}

func TestExportCodes_Text(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, "correct horse")
	secret, _ := env.enroll(t, user, "correct horse")
	code, err := env.totp.GenerateCode(secret)
	require.NoError(t, err)

	res, err := env.svc.ExportCodes(ctx, ExportInput{
		UserID:   user.ID,
		Password: "correct horse",
		Code:     code,
		Format:   ExportFormatText,
	})
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", res.ContentType)
	assert.Equal(t, "backup-codes-20250601.txt", res.Filename)

	body := string(res.Content)
	assert.Contains(t, body, user.Email)
	assert.Contains(t, body, "10 of 10")
	assert.True(t, env.audit.Has(audit.EventBackupCodesExported))
}

func TestExportCodes_PDF(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, "correct horse")
	secret, _ := env.enroll(t, user, "correct horse")
	code, err := env.totp.GenerateCode(secret)
	require.NoError(t, err)

	res, err := env.svc.ExportCodes(ctx, ExportInput{
		UserID:   user.ID,
		Password: "correct horse",
		Code:     code,
		Format:   ExportFormatPDF,
	})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", res.ContentType)
	assert.Equal(t, "backup-codes-20250601.pdf", res.Filename)
	assert.True(t, strings.HasPrefix(string(res.Content), "%PDF"), "payload is a PDF document")
}

func TestVerifyDirect_OneShot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, "correct horse")
	_, codes := env.enroll(t, user, "correct horse")

	res, err := env.svc.VerifyDirect(ctx, DirectVerifyInput{
		UserID:    user.ID,
		Code:      codes[0],
		IPAddress: "203.0.113.7",
		UserAgent: "cli/1.0",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 9, res.RemainingCodes)
	require.NotNil(t, res.VerifiedAt)
	assert.Equal(t, env.clk.Now(), *res.VerifiedAt)

	// The same code again: a miss, not an error.
	res, err = env.svc.VerifyDirect(ctx, DirectVerifyInput{UserID: user.ID, Code: codes[0]})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 9, res.RemainingCodes)
	assert.Nil(t, res.VerifiedAt)
	assert.Equal(t, 1, env.store.configs[user.ID].FailedAttempts, "misses count toward lockout")
	assert.True(t, env.audit.Has(audit.EventMFAVerificationFailed))
}

func TestVerifyDirect_MissesLockAtThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, "correct horse")
	env.enroll(t, user, "correct horse")

	for i := 0; i < 5; i++ {
		res, err := env.svc.VerifyDirect(ctx, DirectVerifyInput{UserID: user.ID, Code: "WRONGGGG"})
		require.NoError(t, err)
		assert.False(t, res.Success)
	}
	require.NotNil(t, env.store.configs[user.ID].LockedUntil)
	assert.Equal(t, 1, env.alerts.count())

	_, err := env.svc.VerifyDirect(ctx, DirectVerifyInput{UserID: user.ID, Code: "WRONGGGG"})
	assert.Equal(t, apperr.CodeTooManyRequests, apperr.Code(err))
}

func TestVerifyDirect_FormatGate(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "correct horse")
	env.enroll(t, user, "correct horse")

	_, err := env.svc.VerifyDirect(context.Background(), DirectVerifyInput{UserID: user.ID, Code: "short"})
	assert.Equal(t, apperr.CodeBadRequest, apperr.Code(err))
	assert.Zero(t, env.store.configs[user.ID].FailedAttempts, "malformed input is not a failed attempt")
}
