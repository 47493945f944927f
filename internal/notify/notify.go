// Package notify pushes outbound email jobs onto the durable queue. The
// consumer that renders and delivers them is a separate system; this side
// only enqueues.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const queueKey = "emails:queue"

// Message types understood by the email consumer.
const (
	TypePasswordReset  = "PASSWORD_RESET"
	TypeNewDeviceAlert = "NEW_DEVICE_ALERT"
	TypeAccountLocked  = "ACCOUNT_LOCKED"
	TypeSecurityAlert  = "SECURITY_ALERT"
)

// Message is the wire shape pushed onto the queue.
type Message struct {
	Type      string         `json:"type"`
	Recipient string         `json:"recipient"`
	Payload   map[string]any `json:"payload"`
}

// Sender is how services hand off outbound email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Queue enqueues messages onto the Redis-backed email queue.
type Queue struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewQueue(rdb *redis.Client, log *slog.Logger) *Queue {
	return &Queue{rdb: rdb, log: log}
}

func (q *Queue) Send(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode email message: %w", err)
	}
	if err := q.rdb.LPush(ctx, queueKey, raw).Err(); err != nil {
		return fmt.Errorf("enqueue email: %w", err)
	}
	q.log.Info("email_enqueued",
		slog.String("type", msg.Type),
	)
	return nil
}

// DevMailer logs messages instead of queueing them (development only).
type DevMailer struct {
	Log *slog.Logger
}

func (m *DevMailer) Send(_ context.Context, msg Message) error {
	m.Log.Info("email_sent_dev",
		slog.String("type", msg.Type),
		slog.String("recipient", msg.Recipient),
		slog.Any("payload", msg.Payload),
	)
	return nil
}

// Recorder captures messages in memory for assertions.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns the sent messages in order.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Has reports whether a message of the given type was sent.
func (r *Recorder) Has(msgType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.Type == msgType {
			return true
		}
	}
	return false
}
