package session

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/audit"
	"github.com/pellenbrig/aegis/internal/store"
)

// Revoke ends one of the caller's own sessions. Revoking an already-revoked
// session is a no-op.
func (s *Service) Revoke(ctx context.Context, sessionID, callerID uuid.UUID) error {
	sn, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sn.UserID != callerID {
		return apperr.Forbidden("You can only revoke your own sessions")
	}
	if sn.RevokedAt != nil {
		return nil
	}

	if err := s.revokeOne(ctx, sn, s.clock.Now(), store.ReasonSessionRevoked); err != nil {
		return err
	}
	s.audit.Log(ctx, audit.EventSessionRevoked, audit.Entry{
		UserID:     &sn.UserID,
		TargetType: "session",
		TargetID:   sn.ID.String(),
	})
	return nil
}

// LogoutInput identifies the caller's current session.
type LogoutInput struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	IPAddress string
}

// LogoutResult always reports success so the client clears its tokens;
// ServerLogoutFailed marks the rare case where server-side revocation did
// not go through.
type LogoutResult struct {
	Success            bool `json:"success"`
	ServerLogoutFailed bool `json:"serverLogoutFailed,omitempty"`
}

// Logout ends the caller's current session. Missing or already-revoked
// sessions count as success.
func (s *Service) Logout(ctx context.Context, in LogoutInput) (*LogoutResult, error) {
	sn, err := s.store.GetSessionByID(ctx, in.SessionID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return &LogoutResult{Success: true}, nil
		}
		s.log.Error("logout_session_lookup_failed",
			slog.String("session_id", in.SessionID.String()),
			slog.String("error", err.Error()),
		)
		return &LogoutResult{Success: true, ServerLogoutFailed: true}, nil
	}
	if sn.UserID != in.UserID {
		return nil, apperr.Forbidden("You can only end your own session")
	}

	if sn.RevokedAt == nil {
		if err := s.revokeOne(ctx, sn, s.clock.Now(), store.ReasonUserLogout); err != nil {
			s.log.Error("logout_revocation_failed",
				slog.String("session_id", sn.ID.String()),
				slog.String("error", err.Error()),
			)
			return &LogoutResult{Success: true, ServerLogoutFailed: true}, nil
		}
	}

	s.audit.Log(ctx, audit.EventUserLogout, audit.Entry{
		UserID:     &sn.UserID,
		TargetType: "session",
		TargetID:   sn.ID.String(),
		IPAddress:  in.IPAddress,
	})
	return &LogoutResult{Success: true}, nil
}

// LogoutAllInput asks to end every session except the current one.
type LogoutAllInput struct {
	UserID           uuid.UUID
	CurrentSessionID uuid.UUID
	Password         string
	IPAddress        string
}

// LogoutAllDevices revokes every other session after re-verifying the
// password. Returns the number of sessions revoked.
func (s *Service) LogoutAllDevices(ctx context.Context, in LogoutAllInput) (int, error) {
	user, err := s.store.GetUserByID(ctx, in.UserID)
	if err != nil {
		return 0, err
	}
	if !s.passwords.VerifyPassword(user.PasswordHash, in.Password) {
		return 0, apperr.Unauthorized("Invalid password")
	}

	now := s.clock.Now()
	active, err := s.store.ListActiveSessions(ctx, in.UserID, now)
	if err != nil {
		return 0, err
	}

	var (
		ids       []uuid.UUID
		blacklist []store.BlacklistedToken
	)
	for i := range active {
		if active[i].ID == in.CurrentSessionID {
			continue
		}
		ids = append(ids, active[i].ID)
		blacklist = append(blacklist, s.blacklistPair(&active[i], now, store.ReasonLogoutAllDevices)...)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := s.store.RevokeSessions(ctx, ids, now, store.ReasonLogoutAllDevices, blacklist); err != nil {
		return 0, err
	}
	s.markBlacklisted(ctx, blacklist)
	s.dropSessionCache(ctx, ids...)

	s.audit.Log(ctx, audit.EventLogoutAllDevices, audit.Entry{
		UserID:     &in.UserID,
		TargetType: "session",
		IPAddress:  in.IPAddress,
		Metadata:   map[string]any{"revokedSessionCount": len(ids)},
	})
	return len(ids), nil
}

// ForceLogoutInput is an administrative session termination.
type ForceLogoutInput struct {
	SessionID   uuid.UUID
	AdminUserID uuid.UUID
	Reason      string
	IPAddress   string
}

// ForceLogout ends any user's session without their password. Admin only;
// authorization happens at the transport layer.
func (s *Service) ForceLogout(ctx context.Context, in ForceLogoutInput) error {
	sn, err := s.store.GetSessionByID(ctx, in.SessionID)
	if err != nil {
		return err
	}
	if sn.RevokedAt == nil {
		if err := s.revokeOne(ctx, sn, s.clock.Now(), store.ReasonAdminForceLogout); err != nil {
			return err
		}
	}

	s.audit.Log(ctx, audit.EventAdminForceLogout, audit.Entry{
		UserID:     &sn.UserID,
		ActorID:    &in.AdminUserID,
		TargetType: "session",
		TargetID:   sn.ID.String(),
		IPAddress:  in.IPAddress,
		Metadata:   map[string]any{"reason": in.Reason},
	})
	return nil
}
