package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pellenbrig/aegis/internal/clock"
)

type fakeRepo struct {
	event string
	entry Entry
	at    time.Time
	err   error
}

func (f *fakeRepo) InsertAuditLog(_ context.Context, event string, e Entry, at time.Time) error {
	f.event = event
	f.entry = e
	f.at = at
	return f.err
}

func TestPGLoggerWritesThroughRepository(t *testing.T) {
	repo := &fakeRepo{}
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	l := NewPGLogger(repo, clk, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	userID := uuid.New()
	l.Log(context.Background(), EventLoginSuccess, Entry{
		UserID:        &userID,
		IPAddress:     "203.0.113.9",
		UserAgent:     "test-agent",
		CorrelationID: "corr-1",
		Metadata:      map[string]any{"sessionId": "abc"},
	})

	assert.Equal(t, EventLoginSuccess, repo.event)
	require.NotNil(t, repo.entry.UserID)
	assert.Equal(t, userID, *repo.entry.UserID)
	assert.Equal(t, "203.0.113.9", repo.entry.IPAddress)
	assert.Equal(t, clk.Now(), repo.at)
}

func TestPGLoggerSwallowsInsertFailure(t *testing.T) {
	repo := &fakeRepo{err: errors.New("connection reset")}
	var buf bytes.Buffer
	l := NewPGLogger(repo, clock.System{}, slog.New(slog.NewTextHandler(&buf, nil)))

	l.Log(context.Background(), EventSessionRevoked, Entry{})

	// The failure surfaces on the application log, never to the caller.
	assert.Contains(t, buf.String(), "audit_insert_failed")
	assert.Contains(t, buf.String(), EventSessionRevoked)
}

func TestRecorderCapturesInOrder(t *testing.T) {
	r := NewRecorder()
	r.Log(context.Background(), EventLoginFailed, Entry{IPAddress: "198.51.100.7"})
	r.Log(context.Background(), EventAccountLocked, Entry{})

	assert.Equal(t, []string{EventLoginFailed, EventAccountLocked}, r.Events())
	assert.True(t, r.Has(EventAccountLocked))
	assert.False(t, r.Has(EventTokenRefreshed))

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "198.51.100.7", entries[0].IPAddress)
}
