package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/mfa"
)

// MFAService is the enrollment and verification surface the transport
// needs. The login-time challenge step lives on LoginService instead.
type MFAService interface {
	Status(ctx context.Context, userID uuid.UUID) (*mfa.Status, error)
	BeginSetup(ctx context.Context, in mfa.SetupInput) (*mfa.SetupSession, error)
	ConfirmSetup(ctx context.Context, in mfa.ConfirmInput) (*mfa.EnableResult, error)
	Disable(ctx context.Context, in mfa.DisableInput) error
	RegenerateBackupCodes(ctx context.Context, in mfa.RegenerateInput) (*mfa.EnableResult, error)
	CodesStatus(ctx context.Context, userID uuid.UUID) (*mfa.CodesStatus, error)
	ListUsedCodes(ctx context.Context, userID uuid.UUID, page, limit int) (*mfa.UsedCodesPage, error)
	ExportCodes(ctx context.Context, in mfa.ExportInput) (*mfa.ExportResult, error)
	VerifyDirect(ctx context.Context, in mfa.DirectVerifyInput) (*mfa.DirectVerifyResult, error)
}

type MFAHandler struct {
	svc MFAService
	log *slog.Logger
}

func NewMFAHandler(svc MFAService, log *slog.Logger) *MFAHandler {
	return &MFAHandler{svc: svc, log: log}
}

func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := MustIdentity(r.Context())
	status, err := h.svc.Status(r.Context(), id.UserID)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, status)
}

type beginSetupRequest struct {
	Password string `json:"password"`
}

func (req *beginSetupRequest) Validate() error {
	if req.Password == "" {
		return apperr.BadRequest("Password is required")
	}
	return nil
}

func (h *MFAHandler) BeginSetup(w http.ResponseWriter, r *http.Request) {
	var req beginSetupRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	setup, err := h.svc.BeginSetup(r.Context(), mfa.SetupInput{
		UserID:    id.UserID,
		Password:  req.Password,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, setup)
}

type confirmSetupRequest struct {
	SetupToken string `json:"setupToken"`
	Code       string `json:"code"`
}

func (req *confirmSetupRequest) Validate() error {
	if req.SetupToken == "" {
		return apperr.BadRequest("Setup token is required")
	}
	if req.Code == "" {
		return apperr.BadRequest("Code is required")
	}
	return nil
}

func (h *MFAHandler) ConfirmSetup(w http.ResponseWriter, r *http.Request) {
	var req confirmSetupRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	res, err := h.svc.ConfirmSetup(r.Context(), mfa.ConfirmInput{
		UserID:     id.UserID,
		SetupToken: req.SetupToken,
		Code:       req.Code,
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, res)
}

type disableMFARequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

func (req *disableMFARequest) Validate() error {
	if req.Password == "" {
		return apperr.BadRequest("Password is required")
	}
	if req.Code == "" {
		return apperr.BadRequest("Code is required")
	}
	return nil
}

func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	var req disableMFARequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	err := h.svc.Disable(r.Context(), mfa.DisableInput{
		UserID:    id.UserID,
		Password:  req.Password,
		Code:      req.Code,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]string{
		"message": "Two-factor authentication has been disabled",
	})
}

func (h *MFAHandler) CodesStatus(w http.ResponseWriter, r *http.Request) {
	id := MustIdentity(r.Context())
	status, err := h.svc.CodesStatus(r.Context(), id.UserID)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, status)
}

func (h *MFAHandler) UsedCodes(w http.ResponseWriter, r *http.Request) {
	id := MustIdentity(r.Context())
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	codes, err := h.svc.ListUsedCodes(r.Context(), id.UserID, page, limit)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, codes)
}

type regenerateCodesRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

func (req *regenerateCodesRequest) Validate() error {
	if req.Password == "" {
		return apperr.BadRequest("Password is required")
	}
	if req.Code == "" {
		return apperr.BadRequest("Code is required")
	}
	return nil
}

func (h *MFAHandler) RegenerateCodes(w http.ResponseWriter, r *http.Request) {
	var req regenerateCodesRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	res, err := h.svc.RegenerateBackupCodes(r.Context(), mfa.RegenerateInput{
		UserID:    id.UserID,
		Password:  req.Password,
		Code:      req.Code,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, res)
}

type exportCodesRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
	Format   string `json:"format"`
}

func (req *exportCodesRequest) Validate() error {
	if req.Password == "" {
		return apperr.BadRequest("Password is required")
	}
	if req.Code == "" {
		return apperr.BadRequest("Code is required")
	}
	if req.Format == "" {
		return apperr.BadRequest("Format is required")
	}
	return nil
}

// ExportCodes streams the rendered document instead of JSON.
func (h *MFAHandler) ExportCodes(w http.ResponseWriter, r *http.Request) {
	var req exportCodesRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	res, err := h.svc.ExportCodes(r.Context(), mfa.ExportInput{
		UserID:    id.UserID,
		Password:  req.Password,
		Code:      req.Code,
		Format:    req.Format,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+res.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Content); err != nil {
		h.log.Error("export_write_failed", slog.String("error", err.Error()))
	}
}

type verifyBackupCodeRequest struct {
	Code string `json:"code"`
}

func (req *verifyBackupCodeRequest) Validate() error {
	if req.Code == "" {
		return apperr.BadRequest("Code is required")
	}
	return nil
}

// VerifyBackupCode consumes a backup code for an already-authenticated
// caller (step-up verification).
func (h *MFAHandler) VerifyBackupCode(w http.ResponseWriter, r *http.Request) {
	var req verifyBackupCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	res, err := h.svc.VerifyDirect(r.Context(), mfa.DirectVerifyInput{
		UserID:    id.UserID,
		Code:      req.Code,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, res)
}
