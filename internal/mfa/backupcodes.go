package mfa

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/audit"
	"github.com/pellenbrig/aegis/internal/totp"
)

// Export formats accepted by ExportCodes.
const (
	ExportFormatText = "text"
	ExportFormatPDF  = "pdf"
)

// CodesStatus summarizes a user's backup-code batch. Users without MFA get
// the zero value.
type CodesStatus struct {
	IsEnabled        bool       `json:"isEnabled"`
	TotalCodes       int        `json:"totalCodes"`
	RemainingCodes   int        `json:"remainingCodes"`
	UsedCodes        int        `json:"usedCodes"`
	LastUsedAt       *time.Time `json:"lastUsedAt,omitempty"`
	GeneratedAt      *time.Time `json:"generatedAt,omitempty"`
	ShouldRegenerate bool       `json:"shouldRegenerate"`
}

func (s *Service) CodesStatus(ctx context.Context, userID uuid.UUID) (*CodesStatus, error) {
	cfg, err := s.store.GetMFAConfig(ctx, userID)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return &CodesStatus{}, nil
	}
	if err != nil {
		return nil, err
	}

	stats, err := s.store.GetBackupCodeStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &CodesStatus{
		IsEnabled:        cfg.IsEnabled,
		TotalCodes:       stats.Total,
		RemainingCodes:   stats.Remaining,
		UsedCodes:        stats.Used,
		LastUsedAt:       stats.LastUsedAt,
		GeneratedAt:      stats.GeneratedAt,
		ShouldRegenerate: cfg.IsEnabled && stats.Remaining <= s.opts.LowCodeThreshold,
	}, nil
}

// UsedCode is one consumed recovery code: when and from where.
type UsedCode struct {
	UsedAt    time.Time `json:"usedAt"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// UsedCodesPage is one page of consumption history, newest first.
type UsedCodesPage struct {
	Codes       []UsedCode `json:"codes"`
	Total       int        `json:"total"`
	Page        int        `json:"page"`
	Limit       int        `json:"limit"`
	TotalPages  int        `json:"totalPages"`
	HasNext     bool       `json:"hasNext"`
	HasPrevious bool       `json:"hasPrevious"`
}

func (s *Service) ListUsedCodes(ctx context.Context, userID uuid.UUID, page, limit int) (*UsedCodesPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	used, err := s.store.ListUsedBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	total := len(used)
	totalPages := int(math.Ceil(float64(total) / float64(limit)))
	out := &UsedCodesPage{
		Total:       total,
		Page:        page,
		Limit:       limit,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1 && total > 0,
	}

	start := (page - 1) * limit
	if start >= total {
		return out, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	for _, c := range used[start:end] {
		uc := UsedCode{}
		if c.UsedAt != nil {
			uc.UsedAt = *c.UsedAt
		}
		if c.UsedIPAddress != nil {
			uc.IPAddress = *c.UsedIPAddress
		}
		if c.UsedUserAgent != nil {
			uc.UserAgent = *c.UsedUserAgent
		}
		out.Codes = append(out.Codes, uc)
	}
	return out, nil
}

type ExportInput struct {
	UserID    uuid.UUID
	Password  string
	Code      string
	Format    string
	IPAddress string
	UserAgent string
}

// ExportResult is a downloadable document.
type ExportResult struct {
	Content     []byte
	ContentType string
	Filename    string
}

// ExportCodes produces a printable status document for the user's current
// batch. Codes live only as hashes, so the export lists each slot's state,
// never the code itself; the plaintext batch is shown once at generation.
// Requires the password, a current TOTP code and at least one unused code.
func (s *Service) ExportCodes(ctx context.Context, in ExportInput) (*ExportResult, error) {
	if in.Format != ExportFormatText && in.Format != ExportFormatPDF {
		return nil, apperr.BadRequest("Format must be text or pdf")
	}

	user, err := s.store.GetUserByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if !s.secrets.VerifyPassword(user.PasswordHash, in.Password) {
		return nil, apperr.Unauthorized("Invalid password")
	}
	cfg, err := s.enabledConfig(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.verifyAgainstConfig(cfg, in.Code); err != nil {
		return nil, err
	}

	stats, err := s.store.GetBackupCodeStats(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if stats.Remaining == 0 {
		return nil, apperr.BadRequest("No unused backup codes to export")
	}

	now := s.clock.Now()
	doc := exportDocument{
		Email:       user.Email,
		Total:       stats.Total,
		Remaining:   stats.Remaining,
		Used:        stats.Used,
		GeneratedAt: stats.GeneratedAt,
		LastUsedAt:  stats.LastUsedAt,
		ExportedAt:  now,
	}

	var result *ExportResult
	switch in.Format {
	case ExportFormatPDF:
		content, err := doc.renderPDF()
		if err != nil {
			return nil, err
		}
		result = &ExportResult{
			Content:     content,
			ContentType: "application/pdf",
			Filename:    fmt.Sprintf("backup-codes-%s.pdf", now.Format("20060102")),
		}
	default:
		result = &ExportResult{
			Content:     doc.renderText(),
			ContentType: "text/plain; charset=utf-8",
			Filename:    fmt.Sprintf("backup-codes-%s.txt", now.Format("20060102")),
		}
	}

	s.audit.Log(ctx, audit.EventBackupCodesExported, audit.Entry{
		UserID:    &in.UserID,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		Metadata:  map[string]any{"format": in.Format, "remainingCodes": stats.Remaining},
	})
	return result, nil
}

type DirectVerifyInput struct {
	UserID    uuid.UUID
	Code      string
	IPAddress string
	UserAgent string
}

// DirectVerifyResult reports a challenge-less verification. VerifiedAt is
// set only on success.
type DirectVerifyResult struct {
	Success          bool       `json:"success"`
	RemainingCodes   int        `json:"remainingCodes"`
	ShouldRegenerate bool       `json:"shouldRegenerate"`
	VerifiedAt       *time.Time `json:"verifiedAt,omitempty"`
}

// VerifyDirect consumes a backup code outside a challenge, for step-up
// checks that already know the user. Misses count toward the account-level
// lockout like any other MFA failure.
func (s *Service) VerifyDirect(ctx context.Context, in DirectVerifyInput) (*DirectVerifyResult, error) {
	if len(in.Code) != totp.BackupCodeLength {
		return nil, apperr.BadRequest("Backup code must be 8 characters")
	}
	cfg, err := s.enabledConfig(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if cfg.Locked(now) {
		return nil, apperr.TooManyRequests("MFA is temporarily locked. Try again later.")
	}

	consumed, remaining, err := s.consumeBackupCode(ctx, in.UserID, in.Code, in.IPAddress, in.UserAgent, now)
	if err != nil {
		return nil, err
	}

	if !consumed {
		failures, err := s.store.RecordMFAFailure(ctx, in.UserID, now)
		if err != nil {
			return nil, err
		}
		if failures >= s.opts.LockThreshold {
			if err := s.store.LockMFA(ctx, in.UserID, now.Add(s.opts.LockDuration), now); err != nil {
				return nil, err
			}
			s.raiseLockAlert(ctx, in.UserID, in.IPAddress, failures)
		}
		s.audit.Log(ctx, audit.EventMFAVerificationFailed, audit.Entry{
			UserID:    &in.UserID,
			IPAddress: in.IPAddress,
			UserAgent: in.UserAgent,
			Metadata:  map[string]any{"method": "backup_code"},
		})
		return &DirectVerifyResult{
			Success:          false,
			RemainingCodes:   remaining,
			ShouldRegenerate: remaining <= s.opts.LowCodeThreshold,
		}, nil
	}

	if err := s.store.RecordMFASuccess(ctx, in.UserID, now); err != nil {
		return nil, err
	}
	s.audit.Log(ctx, audit.EventMFABackupCodeUsed, audit.Entry{
		UserID:    &in.UserID,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		Metadata:  map[string]any{"backupCodesRemaining": remaining},
	})
	verifiedAt := now
	return &DirectVerifyResult{
		Success:          true,
		RemainingCodes:   remaining,
		ShouldRegenerate: remaining <= s.opts.LowCodeThreshold,
		VerifiedAt:       &verifiedAt,
	}, nil
}

// exportDocument is the data both renderers draw from.
type exportDocument struct {
	Email       string
	Total       int
	Remaining   int
	Used        int
	GeneratedAt *time.Time
	LastUsedAt  *time.Time
	ExportedAt  time.Time
}

const exportNote = "Backup codes are displayed only once, when they are generated. " +
	"If you no longer have them, regenerate a fresh batch from your security settings."

func (d *exportDocument) renderText() []byte {
	var b strings.Builder
	b.WriteString("TWO-FACTOR BACKUP CODES\n")
	b.WriteString("=======================\n\n")
	fmt.Fprintf(&b, "Account:    %s\n", d.Email)
	fmt.Fprintf(&b, "Exported:   %s\n", d.ExportedAt.Format(time.RFC1123))
	if d.GeneratedAt != nil {
		fmt.Fprintf(&b, "Generated:  %s\n", d.GeneratedAt.Format(time.RFC1123))
	}
	if d.LastUsedAt != nil {
		fmt.Fprintf(&b, "Last used:  %s\n", d.LastUsedAt.Format(time.RFC1123))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Codes remaining: %d of %d (%d used)\n\n", d.Remaining, d.Total, d.Used)
	b.WriteString(exportNote)
	b.WriteString("\n")
	return []byte(b.String())
}

func (d *exportDocument) renderPDF() ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Two-Factor Backup Codes", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Two-Factor Backup Codes", "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "", 11)
	line := func(label, value string) {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(40, 7, label, "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		pdf.CellFormat(0, 7, value, "", 1, "L", false, 0, "")
	}
	line("Account", d.Email)
	line("Exported", d.ExportedAt.Format(time.RFC1123))
	if d.GeneratedAt != nil {
		line("Generated", d.GeneratedAt.Format(time.RFC1123))
	}
	if d.LastUsedAt != nil {
		line("Last used", d.LastUsedAt.Format(time.RFC1123))
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, fmt.Sprintf("Codes remaining: %d of %d (%d used)", d.Remaining, d.Total, d.Used), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "I", 10)
	pdf.MultiCell(0, 5, exportNote, "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render backup-code pdf: %w", err)
	}
	return buf.Bytes(), nil
}
