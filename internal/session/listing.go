package session

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/store"
)

// View is one session as presented to its owner.
type View struct {
	ID             uuid.UUID  `json:"id"`
	IPAddress      string     `json:"ipAddress"`
	Device         DeviceInfo `json:"device"`
	Location       string     `json:"location,omitempty"`
	IsCurrent      bool       `json:"isCurrent"`
	IsRemembered   bool       `json:"isRemembered"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
}

// List returns the caller's usable sessions, most recent activity first,
// with IPs masked down to the final octet.
func (s *Service) List(ctx context.Context, userID, currentSessionID uuid.UUID) ([]View, error) {
	sessions, err := s.store.ListActiveSessions(ctx, userID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(sessions))
	for i := range sessions {
		views = append(views, newView(&sessions[i], currentSessionID))
	}
	return views, nil
}

func newView(sn *store.Session, current uuid.UUID) View {
	v := View{
		ID:             sn.ID,
		IPAddress:      MaskIP(sn.IPAddress),
		Device:         ParseUserAgent(sn.UserAgent),
		IsCurrent:      sn.ID == current,
		IsRemembered:   sn.IsRemembered,
		LastActivityAt: sn.LastActivityAt,
		CreatedAt:      sn.CreatedAt,
		ExpiresAt:      sn.ExpiresAt,
	}
	switch {
	case sn.GeoCity != nil && sn.GeoCountry != nil:
		v.Location = *sn.GeoCity + ", " + *sn.GeoCountry
	case sn.GeoCountry != nil:
		v.Location = *sn.GeoCountry
	case sn.GeoCity != nil:
		v.Location = *sn.GeoCity
	}
	return v
}

// MaskIP hides all but the final octet of an IPv4 address. Anything else is
// masked entirely.
func MaskIP(ip string) string {
	if v4 := net.ParseIP(ip).To4(); v4 != nil {
		return "***.***.***." + strconv.Itoa(int(v4[3]))
	}
	return "***"
}
