package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
)

const deviceColumns = `id, user_id, fingerprint, name, browser_name, os_name, last_ip_address, last_used_at, is_trusted, created_at`

const qDeviceByFingerprint = `
SELECT ` + deviceColumns + `
FROM user_devices
WHERE user_id = $1 AND fingerprint = $2`

const qInsertDevice = `
INSERT INTO user_devices (` + deviceColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const qUpdateDeviceSeen = `
UPDATE user_devices
SET last_ip_address = $2, last_used_at = $3
WHERE id = $1`

const qInsertLoginAttempt = `
INSERT INTO login_attempts (id, user_id, email, status, ip_address, user_agent, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (s *Store) GetDevice(ctx context.Context, userID uuid.UUID, fingerprint string) (*UserDevice, error) {
	var d UserDevice
	err := s.pool.QueryRow(ctx, qDeviceByFingerprint, userID, fingerprint).Scan(
		&d.ID, &d.UserID, &d.Fingerprint, &d.Name, &d.BrowserName, &d.OSName,
		&d.LastIPAddress, &d.LastUsedAt, &d.IsTrusted, &d.CreatedAt,
	)
	if noRows(err) {
		return nil, apperr.NotFound("Device")
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

func (s *Store) InsertDevice(ctx context.Context, d *UserDevice) error {
	_, err := s.pool.Exec(ctx, qInsertDevice,
		d.ID, d.UserID, d.Fingerprint, d.Name, d.BrowserName, d.OSName,
		d.LastIPAddress, d.LastUsedAt, d.IsTrusted, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

func (s *Store) UpdateDeviceSeen(ctx context.Context, id uuid.UUID, ip string, at time.Time) error {
	_, err := s.pool.Exec(ctx, qUpdateDeviceSeen, id, ip, at)
	if err != nil {
		return fmt.Errorf("update device seen: %w", err)
	}
	return nil
}

func (s *Store) InsertLoginAttempt(ctx context.Context, a *LoginAttempt) error {
	_, err := s.pool.Exec(ctx, qInsertLoginAttempt,
		a.ID, a.UserID, a.Email, a.Status, a.IPAddress, a.UserAgent, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}
