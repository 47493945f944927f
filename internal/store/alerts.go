package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/audit"
)

const alertColumns = `id, user_id, type, severity, status, title, description, metadata, ip_address, resolved_at, resolved_by, created_at, updated_at`

const qInsertAlert = `
INSERT INTO security_alerts (` + alertColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const qAlertByID = `SELECT ` + alertColumns + ` FROM security_alerts WHERE id = $1`

const qUpdateAlert = `
UPDATE security_alerts
SET status = $2, metadata = $3, resolved_at = $4, resolved_by = $5, updated_at = $6
WHERE id = $1`

const qListAlerts = `
SELECT a.id, a.user_id, a.type, a.severity, a.status, a.title, a.description, a.metadata,
	a.ip_address, a.resolved_at, a.resolved_by, a.created_at, a.updated_at,
	u.id, u.email,
	COUNT(*) OVER ()
FROM security_alerts a
LEFT JOIN users u ON u.id = a.user_id
WHERE ($1::uuid IS NULL OR a.user_id = $1)
	AND (cardinality($2::text[]) = 0 OR a.status = ANY($2))
	AND (cardinality($3::text[]) = 0 OR a.severity = ANY($3))
	AND (cardinality($4::text[]) = 0 OR a.type = ANY($4))
	AND ($5::timestamptz IS NULL OR a.created_at >= $5)
	AND ($6::timestamptz IS NULL OR a.created_at < $6)
	AND ($7 = '' OR a.ip_address = $7)
	AND ($8 = '' OR a.title ILIKE '%' || $8 || '%' OR a.description ILIKE '%' || $8 || '%')
ORDER BY a.created_at DESC
LIMIT $9 OFFSET $10`

const qAlertStats = `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'active'),
	COUNT(*) FILTER (WHERE status = 'acknowledged'),
	COUNT(*) FILTER (WHERE status = 'resolved'),
	COUNT(*) FILTER (WHERE status = 'dismissed'),
	COUNT(*) FILTER (WHERE status = 'active' AND severity = 'critical'),
	COUNT(*) FILTER (WHERE status = 'active' AND severity = 'high')
FROM security_alerts
WHERE ($1::timestamptz IS NULL OR created_at >= $1)
	AND ($2::timestamptz IS NULL OR created_at < $2)
	AND ($3::uuid IS NULL OR user_id = $3)`

const qAlertCountsByType = `
SELECT type, COUNT(*)
FROM security_alerts
WHERE ($1::timestamptz IS NULL OR created_at >= $1)
	AND ($2::timestamptz IS NULL OR created_at < $2)
	AND ($3::uuid IS NULL OR user_id = $3)
GROUP BY type
ORDER BY COUNT(*) DESC, type ASC
LIMIT $4`

const qAlertCountsBySeverity = `
SELECT severity, COUNT(*)
FROM security_alerts
WHERE ($1::timestamptz IS NULL OR created_at >= $1)
	AND ($2::timestamptz IS NULL OR created_at < $2)
	AND ($3::uuid IS NULL OR user_id = $3)
GROUP BY severity
ORDER BY COUNT(*) DESC, severity ASC
LIMIT $4`

const qActiveSubscriptionsForAlert = `
SELECT ` + subscriptionColumns + `
FROM notification_subscriptions
WHERE is_active AND channel = $1
	AND (cardinality(event_types) = 0 OR $2 = ANY(event_types))
	AND (cardinality(severities) = 0 OR $3 = ANY(severities))`

const qCountAlertsSince = `SELECT COUNT(*) FROM security_alerts WHERE created_at >= $1`

const subscriptionColumns = `id, user_id, channel, endpoint, event_types, severities, is_active, created_at, updated_at`

const qInsertSubscription = `
INSERT INTO notification_subscriptions (` + subscriptionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const qSubscriptionByID = `SELECT ` + subscriptionColumns + ` FROM notification_subscriptions WHERE id = $1`

const qUpdateSubscription = `
UPDATE notification_subscriptions
SET event_types = $2, severities = $3, is_active = $4, updated_at = $5
WHERE id = $1`

const qDeleteSubscription = `DELETE FROM notification_subscriptions WHERE id = $1`

const qListSubscriptions = `
SELECT ` + subscriptionColumns + `
FROM notification_subscriptions
WHERE user_id = $1 AND ($2 = '' OR channel = $2) AND (is_active OR $3)
ORDER BY created_at DESC`

const qInsertAuditLog = `
INSERT INTO auth_audit_logs (id, event_type, user_id, actor_id, target_type, target_id, ip_address, user_agent, correlation_id, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// AlertFilter narrows and pages ListAlerts.
type AlertFilter struct {
	UserID     *uuid.UUID
	Statuses   []string
	Severities []string
	Types      []string
	From       *time.Time
	To         *time.Time
	IPAddress  string
	Search     string
	Limit      int
	Offset     int
}

func scanAlert(row interface{ Scan(dest ...any) error }) (*SecurityAlert, error) {
	var a SecurityAlert
	err := row.Scan(
		&a.ID, &a.UserID, &a.Type, &a.Severity, &a.Status, &a.Title, &a.Description,
		&a.Metadata, &a.IPAddress, &a.ResolvedAt, &a.ResolvedBy, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) InsertAlert(ctx context.Context, a *SecurityAlert) error {
	_, err := s.pool.Exec(ctx, qInsertAlert,
		a.ID, a.UserID, a.Type, a.Severity, a.Status, a.Title, a.Description,
		a.Metadata, a.IPAddress, a.ResolvedAt, a.ResolvedBy, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) GetAlertByID(ctx context.Context, id uuid.UUID) (*SecurityAlert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, qAlertByID, id))
	if noRows(err) {
		return nil, apperr.NotFound("Security alert")
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (s *Store) UpdateAlert(ctx context.Context, a *SecurityAlert) error {
	tag, err := s.pool.Exec(ctx, qUpdateAlert,
		a.ID, a.Status, a.Metadata, a.ResolvedAt, a.ResolvedBy, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Security alert")
	}
	return nil
}

// ListAlerts pages alerts newest first with their related user, returning
// the unpaged total.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]AlertWithUser, int, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Statuses == nil {
		f.Statuses = []string{}
	}
	if f.Severities == nil {
		f.Severities = []string{}
	}
	if f.Types == nil {
		f.Types = []string{}
	}
	rows, err := s.pool.Query(ctx, qListAlerts,
		f.UserID, f.Statuses, f.Severities, f.Types, f.From, f.To, f.IPAddress, f.Search, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertWithUser
	var total int
	for rows.Next() {
		var x AlertWithUser
		var userID *uuid.UUID
		var email *string
		err := rows.Scan(
			&x.Alert.ID, &x.Alert.UserID, &x.Alert.Type, &x.Alert.Severity, &x.Alert.Status,
			&x.Alert.Title, &x.Alert.Description, &x.Alert.Metadata, &x.Alert.IPAddress,
			&x.Alert.ResolvedAt, &x.Alert.ResolvedBy, &x.Alert.CreatedAt, &x.Alert.UpdatedAt,
			&userID, &email, &total,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("scan alert: %w", err)
		}
		if userID != nil && email != nil {
			x.User = &AlertUser{ID: *userID, Email: *email}
		}
		out = append(out, x)
	}
	return out, total, rows.Err()
}

// GetAlertStats aggregates counts, optionally restricted by creation window
// and user.
func (s *Store) GetAlertStats(ctx context.Context, from, to *time.Time, userID *uuid.UUID) (*AlertStats, error) {
	var st AlertStats
	err := s.pool.QueryRow(ctx, qAlertStats, from, to, userID).Scan(
		&st.TotalCount, &st.ActiveCount, &st.AcknowledgedCount, &st.ResolvedCount,
		&st.DismissedCount, &st.CriticalActiveCount, &st.HighActiveCount,
	)
	if err != nil {
		return nil, fmt.Errorf("get alert stats: %w", err)
	}
	return &st, nil
}

func (s *Store) countAlertGroups(ctx context.Context, query string, from, to *time.Time, userID *uuid.UUID, limit int) ([]GroupCount, error) {
	rows, err := s.pool.Query(ctx, query, from, to, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("count alert groups: %w", err)
	}
	defer rows.Close()

	var out []GroupCount
	for rows.Next() {
		var g GroupCount
		if err := rows.Scan(&g.Key, &g.Count); err != nil {
			return nil, fmt.Errorf("scan alert group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) CountAlertsByType(ctx context.Context, from, to *time.Time, userID *uuid.UUID, limit int) ([]GroupCount, error) {
	return s.countAlertGroups(ctx, qAlertCountsByType, from, to, userID, limit)
}

func (s *Store) CountAlertsBySeverity(ctx context.Context, from, to *time.Time, userID *uuid.UUID, limit int) ([]GroupCount, error) {
	return s.countAlertGroups(ctx, qAlertCountsBySeverity, from, to, userID, limit)
}

// ListActiveSubscriptionsForAlert returns the active subscriptions on a
// channel whose filters match the alert type and severity. Empty filter
// arrays match everything.
func (s *Store) ListActiveSubscriptionsForAlert(ctx context.Context, channel, alertType string, severity AlertSeverity) ([]NotificationSubscription, error) {
	rows, err := s.pool.Query(ctx, qActiveSubscriptionsForAlert, channel, alertType, string(severity))
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for alert: %w", err)
	}
	defer rows.Close()

	var out []NotificationSubscription
	for rows.Next() {
		n, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (s *Store) CountAlertsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, qCountAlertsSince, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count alerts since: %w", err)
	}
	return n, nil
}

func scanSubscription(row interface{ Scan(dest ...any) error }) (*NotificationSubscription, error) {
	var n NotificationSubscription
	err := row.Scan(
		&n.ID, &n.UserID, &n.Channel, &n.Endpoint, &n.EventTypes, &n.Severities,
		&n.IsActive, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) InsertSubscription(ctx context.Context, n *NotificationSubscription) error {
	_, err := s.pool.Exec(ctx, qInsertSubscription,
		n.ID, n.UserID, n.Channel, n.Endpoint, n.EventTypes, n.Severities,
		n.IsActive, n.CreatedAt, n.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Conflict("Subscription already exists").WithCause(err)
	}
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscriptionByID(ctx context.Context, id uuid.UUID) (*NotificationSubscription, error) {
	n, err := scanSubscription(s.pool.QueryRow(ctx, qSubscriptionByID, id))
	if noRows(err) {
		return nil, apperr.NotFound("Subscription")
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return n, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, n *NotificationSubscription) error {
	tag, err := s.pool.Exec(ctx, qUpdateSubscription,
		n.ID, n.EventTypes, n.Severities, n.IsActive, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Subscription")
	}
	return nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, qDeleteSubscription, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Subscription")
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, userID uuid.UUID, channel string, includeInactive bool) ([]NotificationSubscription, error) {
	rows, err := s.pool.Query(ctx, qListSubscriptions, userID, channel, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []NotificationSubscription
	for rows.Next() {
		n, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// InsertAuditLog satisfies audit.Repository.
func (s *Store) InsertAuditLog(ctx context.Context, event string, e audit.Entry, at time.Time) error {
	_, err := s.pool.Exec(ctx, qInsertAuditLog,
		uuid.New(), event, e.UserID, e.ActorID, e.TargetType, e.TargetID,
		e.IPAddress, e.UserAgent, e.CorrelationID, e.Metadata, at,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
