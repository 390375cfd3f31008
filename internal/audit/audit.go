package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/olymprep/authserver/internal/mq"
)

// Event types emitted by the auth server.
const (
	EventUserRegistered = "user.registered"
	EventUserLogin      = "user.login"
	EventUserPromoted   = "user.promoted"
	EventTokenRevoked   = "token.revoked"
)

// Event is a single audit record. Subject is the principal id the event is
// about; Detail carries event-specific fields (email, token id, session id).
type Event struct {
	Type    string            `json:"type"`
	Subject string            `json:"subject"`
	Role    string            `json:"role,omitempty"`
	At      time.Time         `json:"at"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// Recorder publishes audit events to the configured broker channel. A nil
// Recorder is valid and drops every event, so call sites never branch on
// whether auditing is enabled.
type Recorder struct {
	queue   *mq.MQ
	channel string
}

// NewRecorder constructs a Recorder. Returns nil when queue is nil.
func NewRecorder(queue *mq.MQ, channel string) *Recorder {
	if queue == nil {
		return nil
	}
	return &Recorder{queue: queue, channel: channel}
}

// Record publishes the event. Publish failures are logged and swallowed:
// auditing must never fail an auth request.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if r == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("audit: marshal event: %v", err)
		return
	}
	if _, err := r.queue.Publish(ctx, r.channel, data, map[string]string{"type": event.Type}); err != nil {
		log.Printf("audit: publish event: %v", err)
	}
}
