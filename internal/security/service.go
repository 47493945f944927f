// Package security manages security alerts: their lifecycle, statistics,
// the cached dashboard summary, and notification subscriptions.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/audit"
	"github.com/pellenbrig/aegis/internal/cache"
	"github.com/pellenbrig/aegis/internal/clock"
	"github.com/pellenbrig/aegis/internal/notify"
	"github.com/pellenbrig/aegis/internal/store"
)

// Store is the persistence surface this service needs.
type Store interface {
	InsertAlert(ctx context.Context, a *store.SecurityAlert) error
	GetAlertByID(ctx context.Context, id uuid.UUID) (*store.SecurityAlert, error)
	UpdateAlert(ctx context.Context, a *store.SecurityAlert) error
	ListAlerts(ctx context.Context, f store.AlertFilter) ([]store.AlertWithUser, int, error)
	GetAlertStats(ctx context.Context, from, to *time.Time, userID *uuid.UUID) (*store.AlertStats, error)
	CountAlertsByType(ctx context.Context, from, to *time.Time, userID *uuid.UUID, limit int) ([]store.GroupCount, error)
	CountAlertsBySeverity(ctx context.Context, from, to *time.Time, userID *uuid.UUID, limit int) ([]store.GroupCount, error)
	CountAlertsSince(ctx context.Context, since time.Time) (int, error)
	InsertSubscription(ctx context.Context, n *store.NotificationSubscription) error
	GetSubscriptionByID(ctx context.Context, id uuid.UUID) (*store.NotificationSubscription, error)
	UpdateSubscription(ctx context.Context, n *store.NotificationSubscription) error
	DeleteSubscription(ctx context.Context, id uuid.UUID) error
	ListSubscriptions(ctx context.Context, userID uuid.UUID, channel string, includeInactive bool) ([]store.NotificationSubscription, error)
	ListActiveSubscriptionsForAlert(ctx context.Context, channel, alertType string, severity store.AlertSeverity) ([]store.NotificationSubscription, error)
}

// Cache is the fast-cache surface this service needs.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	DashboardTTL time.Duration
}

type Service struct {
	store Store
	cache Cache
	queue notify.Sender
	audit audit.Logger
	clock clock.Clock
	log   *slog.Logger
	opts  Options
}

func NewService(st Store, c Cache, q notify.Sender, al audit.Logger, clk clock.Clock, log *slog.Logger, opts Options) *Service {
	if opts.DashboardTTL <= 0 {
		opts.DashboardTTL = time.Minute
	}
	return &Service{store: st, cache: c, queue: q, audit: al, clock: clk, log: log, opts: opts}
}

// CreateAlertInput describes an alert raised by another service.
type CreateAlertInput struct {
	UserID      *uuid.UUID
	Type        string
	Severity    store.AlertSeverity
	Title       string
	Description string
	Metadata    map[string]any
	IPAddress   *string
}

// CreateAlert inserts an active alert, drops the dashboard cache, audits,
// and fans the alert out to matching email subscriptions.
func (s *Service) CreateAlert(ctx context.Context, in CreateAlertInput) (*store.SecurityAlert, error) {
	if in.Type == "" {
		return nil, apperr.BadRequest("Alert type is required")
	}
	if in.Severity == "" {
		in.Severity = store.SeverityMedium
	}

	now := s.clock.Now()
	alert := &store.SecurityAlert{
		ID:          uuid.New(),
		UserID:      in.UserID,
		Type:        in.Type,
		Severity:    in.Severity,
		Status:      store.AlertStatusActive,
		Title:       in.Title,
		Description: in.Description,
		Metadata:    in.Metadata,
		IPAddress:   in.IPAddress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertAlert(ctx, alert); err != nil {
		return nil, err
	}

	s.invalidateDashboard(ctx)
	s.audit.Log(ctx, audit.EventSecurityAlertCreated, audit.Entry{
		UserID:     in.UserID,
		TargetType: "security_alert",
		TargetID:   alert.ID.String(),
		Metadata:   map[string]any{"type": in.Type, "severity": string(in.Severity)},
	})
	s.notifySubscribers(ctx, alert)

	return alert, nil
}

func (s *Service) notifySubscribers(ctx context.Context, alert *store.SecurityAlert) {
	subs, err := s.store.ListActiveSubscriptionsForAlert(ctx, store.ChannelEmail, alert.Type, alert.Severity)
	if err != nil {
		s.log.Warn("alert_subscription_lookup_failed",
			slog.String("alert_id", alert.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, sub := range subs {
		msg := notify.Message{
			Type:      notify.TypeSecurityAlert,
			Recipient: sub.Endpoint,
			Payload: map[string]any{
				"alertId":  alert.ID.String(),
				"type":     alert.Type,
				"severity": string(alert.Severity),
				"title":    alert.Title,
			},
		}
		if err := s.queue.Send(ctx, msg); err != nil {
			s.log.Warn("alert_notification_failed",
				slog.String("alert_id", alert.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*store.SecurityAlert, error) {
	return s.store.GetAlertByID(ctx, id)
}

// Acknowledge moves an active alert to acknowledged.
func (s *Service) Acknowledge(ctx context.Context, id, actorID uuid.UUID, notes string) (*store.SecurityAlert, error) {
	alert, err := s.store.GetAlertByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != store.AlertStatusActive {
		return nil, apperr.BadRequest(fmt.Sprintf("Cannot acknowledge alert in status %q", alert.Status))
	}

	now := s.clock.Now()
	extra := map[string]any{
		"acknowledgedBy": actorID.String(),
		"acknowledgedAt": now.Format(time.RFC3339),
	}
	if notes != "" {
		extra["notes"] = notes
	}
	mergeMetadata(alert, extra)
	alert.Status = store.AlertStatusAcknowledged
	alert.UpdatedAt = now

	if err := s.store.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}
	s.invalidateDashboard(ctx)
	s.auditTransition(ctx, audit.EventSecurityAlertAcknowledged, alert, actorID)
	return alert, nil
}

// Resolve closes an active or acknowledged alert. Resolved is terminal.
func (s *Service) Resolve(ctx context.Context, id, actorID uuid.UUID, resolution string, preventionActions []string) (*store.SecurityAlert, error) {
	alert, err := s.store.GetAlertByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != store.AlertStatusActive && alert.Status != store.AlertStatusAcknowledged {
		return nil, apperr.BadRequest(fmt.Sprintf("Cannot resolve alert in status %q", alert.Status))
	}

	now := s.clock.Now()
	extra := map[string]any{
		"resolvedBy": actorID.String(),
		"resolvedAt": now.Format(time.RFC3339),
		"resolution": resolution,
	}
	if len(preventionActions) > 0 {
		extra["preventionActions"] = preventionActions
	}
	mergeMetadata(alert, extra)
	alert.Status = store.AlertStatusResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = &actorID
	alert.UpdatedAt = now

	if err := s.store.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}
	s.invalidateDashboard(ctx)
	s.auditTransition(ctx, audit.EventSecurityAlertResolved, alert, actorID)
	return alert, nil
}

// Dismiss closes an active or acknowledged alert as not actionable.
// Dismissed is terminal.
func (s *Service) Dismiss(ctx context.Context, id, actorID uuid.UUID, reason string, falsePositive bool) (*store.SecurityAlert, error) {
	alert, err := s.store.GetAlertByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != store.AlertStatusActive && alert.Status != store.AlertStatusAcknowledged {
		return nil, apperr.BadRequest(fmt.Sprintf("Cannot dismiss alert in status %q", alert.Status))
	}

	now := s.clock.Now()
	mergeMetadata(alert, map[string]any{
		"dismissedBy":   actorID.String(),
		"dismissedAt":   now.Format(time.RFC3339),
		"dismissReason": reason,
		"falsePositive": falsePositive,
	})
	alert.Status = store.AlertStatusDismissed
	alert.UpdatedAt = now

	if err := s.store.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}
	s.invalidateDashboard(ctx)
	s.auditTransition(ctx, audit.EventSecurityAlertDismissed, alert, actorID)
	return alert, nil
}

func (s *Service) auditTransition(ctx context.Context, event string, alert *store.SecurityAlert, actorID uuid.UUID) {
	s.audit.Log(ctx, event, audit.Entry{
		UserID:     alert.UserID,
		ActorID:    &actorID,
		TargetType: "security_alert",
		TargetID:   alert.ID.String(),
		Metadata:   map[string]any{"type": alert.Type, "status": string(alert.Status)},
	})
}

// ListInput filters and pages alert listings.
type ListInput struct {
	UserID     *uuid.UUID
	Types      []string
	Severities []string
	Statuses   []string
	From       *time.Time
	To         *time.Time
	IPAddress  string
	Search     string
	Page       int
	Limit      int
}

// AlertPage is one page of alerts with pagination bookkeeping.
type AlertPage struct {
	Alerts      []store.AlertWithUser
	Total       int
	Page        int
	Limit       int
	TotalPages  int
	HasNext     bool
	HasPrevious bool
}

func (s *Service) List(ctx context.Context, in ListInput) (*AlertPage, error) {
	if in.Page < 1 {
		in.Page = 1
	}
	if in.Limit < 1 {
		in.Limit = 20
	}
	if in.Limit > 100 {
		in.Limit = 100
	}

	alerts, total, err := s.store.ListAlerts(ctx, store.AlertFilter{
		UserID:     in.UserID,
		Types:      in.Types,
		Severities: in.Severities,
		Statuses:   in.Statuses,
		From:       in.From,
		To:         in.To,
		IPAddress:  in.IPAddress,
		Search:     in.Search,
		Limit:      in.Limit,
		Offset:     (in.Page - 1) * in.Limit,
	})
	if err != nil {
		return nil, err
	}

	totalPages := (total + in.Limit - 1) / in.Limit
	return &AlertPage{
		Alerts:      alerts,
		Total:       total,
		Page:        in.Page,
		Limit:       in.Limit,
		TotalPages:  totalPages,
		HasNext:     in.Page < totalPages,
		HasPrevious: in.Page > 1,
	}, nil
}

// StatsInput scopes alert statistics.
type StatsInput struct {
	From    *time.Time
	To      *time.Time
	UserID  *uuid.UUID
	GroupBy string
}

// Stats aggregates counts plus an optional grouped breakdown.
type Stats struct {
	store.AlertStats
	ByType     []store.GroupCount
	BySeverity []store.GroupCount
}

func (s *Service) GetStats(ctx context.Context, in StatsInput) (*Stats, error) {
	base, err := s.store.GetAlertStats(ctx, in.From, in.To, in.UserID)
	if err != nil {
		return nil, err
	}
	out := &Stats{AlertStats: *base}

	switch in.GroupBy {
	case "":
	case "type":
		out.ByType, err = s.store.CountAlertsByType(ctx, in.From, in.To, in.UserID, 100)
	case "severity":
		out.BySeverity, err = s.store.CountAlertsBySeverity(ctx, in.From, in.To, in.UserID, 100)
	default:
		return nil, apperr.BadRequest("groupBy must be one of: type, severity")
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TypeCount is one entry of the dashboard's top alert types.
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// RecentAlert is the trimmed alert shape embedded in the dashboard summary.
type RecentAlert struct {
	ID        uuid.UUID           `json:"id"`
	Type      string              `json:"type"`
	Severity  store.AlertSeverity `json:"severity"`
	Status    store.AlertStatus   `json:"status"`
	Title     string              `json:"title"`
	UserEmail string              `json:"userEmail,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
}

// DashboardSummary is the cached security overview.
type DashboardSummary struct {
	ActiveCount         int           `json:"activeCount"`
	CriticalActiveCount int           `json:"criticalActiveCount"`
	HighActiveCount     int           `json:"highActiveCount"`
	AlertsLast24h       int           `json:"alertsLast24h"`
	AlertsLast7d        int           `json:"alertsLast7d"`
	TopAlertTypes       []TypeCount   `json:"topAlertTypes"`
	RecentAlerts        []RecentAlert `json:"recentAlerts"`
	GeneratedAt         time.Time     `json:"generatedAt"`
}

// Dashboard returns the summary, serving from cache when fresh.
func (s *Service) Dashboard(ctx context.Context) (*DashboardSummary, error) {
	var cached DashboardSummary
	hit, err := s.cache.GetJSON(ctx, cache.DashboardSummaryKey, &cached)
	if err != nil {
		s.log.Warn("dashboard_cache_read_failed", slog.String("error", err.Error()))
	}
	if hit {
		return &cached, nil
	}

	now := s.clock.Now()
	stats, err := s.store.GetAlertStats(ctx, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	last24h, err := s.store.CountAlertsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	last7d, err := s.store.CountAlertsSince(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	topTypes, err := s.store.CountAlertsByType(ctx, nil, nil, nil, 3)
	if err != nil {
		return nil, err
	}
	recent, _, err := s.store.ListAlerts(ctx, store.AlertFilter{Limit: 5})
	if err != nil {
		return nil, err
	}

	summary := &DashboardSummary{
		ActiveCount:         stats.ActiveCount,
		CriticalActiveCount: stats.CriticalActiveCount,
		HighActiveCount:     stats.HighActiveCount,
		AlertsLast24h:       last24h,
		AlertsLast7d:        last7d,
		GeneratedAt:         now,
	}
	for _, t := range topTypes {
		summary.TopAlertTypes = append(summary.TopAlertTypes, TypeCount{Type: t.Key, Count: t.Count})
	}
	for _, r := range recent {
		ra := RecentAlert{
			ID:        r.Alert.ID,
			Type:      r.Alert.Type,
			Severity:  r.Alert.Severity,
			Status:    r.Alert.Status,
			Title:     r.Alert.Title,
			CreatedAt: r.Alert.CreatedAt,
		}
		if r.User != nil {
			ra.UserEmail = r.User.Email
		}
		summary.RecentAlerts = append(summary.RecentAlerts, ra)
	}

	if err := s.cache.SetJSON(ctx, cache.DashboardSummaryKey, summary, s.opts.DashboardTTL); err != nil {
		s.log.Warn("dashboard_cache_write_failed", slog.String("error", err.Error()))
	}
	return summary, nil
}

func (s *Service) invalidateDashboard(ctx context.Context) {
	if err := s.cache.Delete(ctx, cache.DashboardSummaryKey); err != nil {
		s.log.Warn("dashboard_cache_invalidate_failed", slog.String("error", err.Error()))
	}
}

// SubscriptionInput creates a notification subscription.
type SubscriptionInput struct {
	UserID     uuid.UUID
	Channel    string
	Endpoint   string
	EventTypes []string
	Severities []string
}

var validChannels = map[string]bool{
	store.ChannelEmail:   true,
	store.ChannelSMS:     true,
	store.ChannelWebhook: true,
	store.ChannelInApp:   true,
}

func (s *Service) CreateSubscription(ctx context.Context, in SubscriptionInput) (*store.NotificationSubscription, error) {
	if !validChannels[in.Channel] {
		return nil, apperr.BadRequest("Channel must be one of: email, sms, webhook, in_app")
	}
	if in.Endpoint == "" {
		return nil, apperr.BadRequest("Endpoint is required")
	}

	now := s.clock.Now()
	sub := &store.NotificationSubscription{
		ID:         uuid.New(),
		UserID:     in.UserID,
		Channel:    in.Channel,
		Endpoint:   in.Endpoint,
		EventTypes: in.EventTypes,
		Severities: in.Severities,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.EventNotificationSubscriptionCreated, audit.Entry{
		UserID:     &in.UserID,
		TargetType: "notification_subscription",
		TargetID:   sub.ID.String(),
		Metadata:   map[string]any{"channel": in.Channel},
	})
	return sub, nil
}

// SubscriptionUpdate carries optional changes; nil fields keep their value.
type SubscriptionUpdate struct {
	EventTypes []string
	Severities []string
	IsActive   *bool
}

func (s *Service) UpdateSubscription(ctx context.Context, id, callerID uuid.UUID, upd SubscriptionUpdate) (*store.NotificationSubscription, error) {
	sub, err := s.store.GetSubscriptionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.UserID != callerID {
		return nil, apperr.Forbidden("You can only modify your own subscriptions")
	}

	if upd.EventTypes != nil {
		sub.EventTypes = upd.EventTypes
	}
	if upd.Severities != nil {
		sub.Severities = upd.Severities
	}
	if upd.IsActive != nil {
		sub.IsActive = *upd.IsActive
	}
	sub.UpdatedAt = s.clock.Now()

	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) DeleteSubscription(ctx context.Context, id, callerID uuid.UUID) error {
	sub, err := s.store.GetSubscriptionByID(ctx, id)
	if err != nil {
		return err
	}
	if sub.UserID != callerID {
		return apperr.Forbidden("You can only delete your own subscriptions")
	}
	if err := s.store.DeleteSubscription(ctx, id); err != nil {
		return err
	}

	s.audit.Log(ctx, audit.EventNotificationSubscriptionDeleted, audit.Entry{
		UserID:     &sub.UserID,
		ActorID:    &callerID,
		TargetType: "notification_subscription",
		TargetID:   id.String(),
		Metadata:   map[string]any{"channel": sub.Channel},
	})
	return nil
}

func (s *Service) ListUserSubscriptions(ctx context.Context, userID uuid.UUID, channel string, includeInactive bool) ([]store.NotificationSubscription, error) {
	return s.store.ListSubscriptions(ctx, userID, channel, includeInactive)
}

func mergeMetadata(a *store.SecurityAlert, extra map[string]any) {
	if a.Metadata == nil {
		a.Metadata = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		a.Metadata[k] = v
	}
}
