package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/security"
	"github.com/pellenbrig/aegis/internal/store"
)

// SecurityService is the alert and subscription surface the transport needs.
type SecurityService interface {
	CreateAlert(ctx context.Context, in security.CreateAlertInput) (*store.SecurityAlert, error)
	Get(ctx context.Context, id uuid.UUID) (*store.SecurityAlert, error)
	Acknowledge(ctx context.Context, id, actorID uuid.UUID, notes string) (*store.SecurityAlert, error)
	Resolve(ctx context.Context, id, actorID uuid.UUID, resolution string, preventionActions []string) (*store.SecurityAlert, error)
	Dismiss(ctx context.Context, id, actorID uuid.UUID, reason string, falsePositive bool) (*store.SecurityAlert, error)
	List(ctx context.Context, in security.ListInput) (*security.AlertPage, error)
	GetStats(ctx context.Context, in security.StatsInput) (*security.Stats, error)
	Dashboard(ctx context.Context) (*security.DashboardSummary, error)
	CreateSubscription(ctx context.Context, in security.SubscriptionInput) (*store.NotificationSubscription, error)
	UpdateSubscription(ctx context.Context, id, callerID uuid.UUID, upd security.SubscriptionUpdate) (*store.NotificationSubscription, error)
	DeleteSubscription(ctx context.Context, id, callerID uuid.UUID) error
	ListUserSubscriptions(ctx context.Context, userID uuid.UUID, channel string, includeInactive bool) ([]store.NotificationSubscription, error)
}

type SecurityHandler struct {
	svc SecurityService
	log *slog.Logger
}

func NewSecurityHandler(svc SecurityService, log *slog.Logger) *SecurityHandler {
	return &SecurityHandler{svc: svc, log: log}
}

// csvParam splits a comma-separated query value, dropping empty segments.
func csvParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func timeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.BadRequest("Timestamps must be RFC 3339")
	}
	return &t, nil
}

func uuidParam(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, apperr.BadRequest("Invalid user id")
	}
	return &id, nil
}

func (h *SecurityHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID, err := uuidParam(q.Get("userId"))
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	from, err := timeParam(q.Get("from"))
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	to, err := timeParam(q.Get("to"))
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	result, err := h.svc.List(r.Context(), security.ListInput{
		UserID:     userID,
		Types:      csvParam(q.Get("types")),
		Severities: csvParam(q.Get("severities")),
		Statuses:   csvParam(q.Get("statuses")),
		From:       from,
		To:         to,
		IPAddress:  q.Get("ip"),
		Search:     q.Get("search"),
		Page:       page,
		Limit:      limit,
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{
		"alerts":      renderAlertsWithUser(result.Alerts),
		"total":       result.Total,
		"page":        result.Page,
		"limit":       result.Limit,
		"totalPages":  result.TotalPages,
		"hasNext":     result.HasNext,
		"hasPrevious": result.HasPrevious,
	})
}

type createAlertRequest struct {
	UserID      *uuid.UUID     `json:"userId,omitempty"`
	Type        string         `json:"type"`
	Severity    string         `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	IPAddress   *string        `json:"ipAddress,omitempty"`
}

func (req *createAlertRequest) Validate() error {
	if req.Type == "" {
		return apperr.BadRequest("Type is required")
	}
	if req.Severity == "" {
		return apperr.BadRequest("Severity is required")
	}
	if req.Title == "" {
		return apperr.BadRequest("Title is required")
	}
	return nil
}

func (h *SecurityHandler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	alert, err := h.svc.CreateAlert(r.Context(), security.CreateAlertInput{
		UserID:      req.UserID,
		Type:        req.Type,
		Severity:    store.AlertSeverity(req.Severity),
		Title:       req.Title,
		Description: req.Description,
		Metadata:    req.Metadata,
		IPAddress:   req.IPAddress,
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusCreated, renderAlert(alert))
}

func (h *SecurityHandler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alertID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid alert id"))
		return
	}
	alert, err := h.svc.Get(r.Context(), alertID)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, renderAlert(alert))
}

type acknowledgeAlertRequest struct {
	Notes string `json:"notes,omitempty"`
}

func (h *SecurityHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	alertID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid alert id"))
		return
	}
	var req acknowledgeAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	alert, err := h.svc.Acknowledge(r.Context(), alertID, id.UserID, req.Notes)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, renderAlert(alert))
}

type resolveAlertRequest struct {
	Resolution        string   `json:"resolution"`
	PreventionActions []string `json:"preventionActions,omitempty"`
}

func (h *SecurityHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	alertID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid alert id"))
		return
	}
	var req resolveAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if req.Resolution == "" {
		respondError(w, r, h.log, apperr.BadRequest("Resolution is required"))
		return
	}

	id := MustIdentity(r.Context())
	alert, err := h.svc.Resolve(r.Context(), alertID, id.UserID, req.Resolution, req.PreventionActions)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, renderAlert(alert))
}

type dismissAlertRequest struct {
	Reason        string `json:"reason"`
	FalsePositive bool   `json:"falsePositive,omitempty"`
}

func (h *SecurityHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	alertID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid alert id"))
		return
	}
	var req dismissAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if req.Reason == "" {
		respondError(w, r, h.log, apperr.BadRequest("Reason is required"))
		return
	}

	id := MustIdentity(r.Context())
	alert, err := h.svc.Dismiss(r.Context(), alertID, id.UserID, req.Reason, req.FalsePositive)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, renderAlert(alert))
}

func (h *SecurityHandler) Stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID, err := uuidParam(q.Get("userId"))
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	from, err := timeParam(q.Get("from"))
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	to, err := timeParam(q.Get("to"))
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}

	stats, err := h.svc.GetStats(r.Context(), security.StatsInput{
		From:    from,
		To:      to,
		UserID:  userID,
		GroupBy: q.Get("groupBy"),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}

	body := map[string]any{
		"totalCount":          stats.TotalCount,
		"activeCount":         stats.ActiveCount,
		"acknowledgedCount":   stats.AcknowledgedCount,
		"resolvedCount":       stats.ResolvedCount,
		"dismissedCount":      stats.DismissedCount,
		"criticalActiveCount": stats.CriticalActiveCount,
		"highActiveCount":     stats.HighActiveCount,
	}
	if stats.ByType != nil {
		body["byType"] = renderGroupCounts(stats.ByType)
	}
	if stats.BySeverity != nil {
		body["bySeverity"] = renderGroupCounts(stats.BySeverity)
	}
	respondJSON(w, h.log, http.StatusOK, body)
}

func (h *SecurityHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Dashboard(r.Context())
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, summary)
}

func (h *SecurityHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	id := MustIdentity(r.Context())
	q := r.URL.Query()

	subs, err := h.svc.ListUserSubscriptions(r.Context(), id.UserID, q.Get("channel"), q.Get("includeInactive") == "true")
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{"subscriptions": renderSubscriptions(subs)})
}

type createSubscriptionRequest struct {
	Channel    string   `json:"channel"`
	Endpoint   string   `json:"endpoint,omitempty"`
	EventTypes []string `json:"eventTypes,omitempty"`
	Severities []string `json:"severities,omitempty"`
}

func (req *createSubscriptionRequest) Validate() error {
	if req.Channel == "" {
		return apperr.BadRequest("Channel is required")
	}
	return nil
}

func (h *SecurityHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	sub, err := h.svc.CreateSubscription(r.Context(), security.SubscriptionInput{
		UserID:     id.UserID,
		Channel:    req.Channel,
		Endpoint:   req.Endpoint,
		EventTypes: req.EventTypes,
		Severities: req.Severities,
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusCreated, renderSubscription(sub))
}

type updateSubscriptionRequest struct {
	EventTypes []string `json:"eventTypes,omitempty"`
	Severities []string `json:"severities,omitempty"`
	IsActive   *bool    `json:"isActive,omitempty"`
}

func (h *SecurityHandler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	subID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid subscription id"))
		return
	}
	var req updateSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	sub, err := h.svc.UpdateSubscription(r.Context(), subID, id.UserID, security.SubscriptionUpdate{
		EventTypes: req.EventTypes,
		Severities: req.Severities,
		IsActive:   req.IsActive,
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, renderSubscription(sub))
}

func (h *SecurityHandler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	subID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid subscription id"))
		return
	}
	id := MustIdentity(r.Context())
	if err := h.svc.DeleteSubscription(r.Context(), subID, id.UserID); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
