package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pellenbrig/aegis/internal/token"
)

func TestList_TransformsSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, "pw")

	older, _ := env.seedSession(t, user.ID, token.NewFamily())
	city, country := "Warsaw", "Poland"
	env.store.sessions[older.ID].GeoCity = &city
	env.store.sessions[older.ID].GeoCountry = &country

	env.clk.Advance(time.Minute)
	current, _ := env.seedSession(t, user.ID, token.NewFamily())

	views, err := env.svc.List(ctx, user.ID, current.ID)
	require.NoError(t, err)
	require.Len(t, views, 2)

	// Most recent activity first.
	assert.Equal(t, current.ID, views[0].ID)
	assert.True(t, views[0].IsCurrent)
	assert.False(t, views[1].IsCurrent)

	assert.Equal(t, "***.***.***.7", views[0].IPAddress)
	assert.Equal(t, "Warsaw, Poland", views[1].Location)
	assert.Empty(t, views[0].Location)

	assert.Equal(t, "Chrome", views[0].Device.Browser)
	assert.Equal(t, "Windows", views[0].Device.OS)
	assert.Equal(t, DeviceDesktop, views[0].Device.Type)
}

func TestList_ExcludesRevokedSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, "pw")

	keep, _ := env.seedSession(t, user.ID, token.NewFamily())
	gone, _ := env.seedSession(t, user.ID, token.NewFamily())
	require.NoError(t, env.svc.Revoke(ctx, gone.ID, user.ID))

	views, err := env.svc.List(ctx, user.ID, keep.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, keep.ID, views[0].ID)
}

func TestMaskIP(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		want string
	}{
		{name: "ipv4", ip: "203.0.113.42", want: "***.***.***.42"},
		{name: "ipv4 zero octet", ip: "10.0.0.0", want: "***.***.***.0"},
		{name: "ipv6", ip: "2001:db8::1", want: "***"},
		{name: "garbage", ip: "not-an-ip", want: "***"},
		{name: "empty", ip: "", want: "***"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskIP(tt.ip))
		})
	}
}
