package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/olymprep/authserver/internal/mq"
	"github.com/olymprep/authserver/internal/storage"
)

// captureQueue records published messages and replays them to subscribers.
type captureQueue struct {
	mu        sync.Mutex
	published []mq.Message
}

func (c *captureQueue) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, mq.Message{ID: "m", Data: data, Attributes: attrs})
	return "m", nil
}

func (c *captureQueue) Subscribe(ctx context.Context, channel string, handler mq.Handler) error {
	c.mu.Lock()
	messages := make([]mq.Message, len(c.published))
	copy(messages, c.published)
	c.mu.Unlock()

	for _, msg := range messages {
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *captureQueue) Close() error { return nil }

// captureStore records objects written to it.
type captureStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newCaptureStore() *captureStore {
	return &captureStore{objects: map[string][]byte{}}
}

func (c *captureStore) EnsureBucket(ctx context.Context) error { return nil }

func (c *captureStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key] = data
	return nil
}

func (c *captureStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return io.NopCloser(bytes.NewReader(c.objects[key])), nil
}

func (c *captureStore) Delete(ctx context.Context, key string) error { return nil }

func (c *captureStore) Bucket() string { return "test" }

func TestRecorderPublishesEvents(t *testing.T) {
	queue := &captureQueue{}
	recorder := NewRecorder(mq.NewWithBackend(queue), "auth-events")

	recorder.Record(context.Background(), Event{
		Type:    EventUserLogin,
		Subject: "42",
		Role:    "user",
		Detail:  map[string]string{"email": "a@example.com"},
	})

	if len(queue.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(queue.published))
	}
	msg := queue.published[0]
	if msg.Attributes["type"] != EventUserLogin {
		t.Fatalf("type attribute = %q", msg.Attributes["type"])
	}

	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.Subject != "42" || event.At.IsZero() {
		t.Fatalf("event = %+v", event)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var recorder *Recorder
	// Must not panic.
	recorder.Record(context.Background(), Event{Type: EventUserLogin})

	if NewRecorder(nil, "auth-events") != nil {
		t.Fatalf("NewRecorder(nil) should return nil")
	}
}

func TestArchiverFlushesBatches(t *testing.T) {
	queue := &captureQueue{}
	wrapped := mq.NewWithBackend(queue)
	recorder := NewRecorder(wrapped, "auth-events")
	for i := 0; i < 3; i++ {
		recorder.Record(context.Background(), Event{Type: EventUserLogin, Subject: "1"})
	}

	objects := newCaptureStore()
	archiver := NewArchiver(wrapped, storage.NewWithBackend(objects), "auth-events")
	archiver.batchSize = 2

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := archiver.Run(ctx); err != nil && err != context.DeadlineExceeded {
		t.Fatalf("Run: %v", err)
	}

	objects.mu.Lock()
	defer objects.mu.Unlock()
	var lines int
	for key, data := range objects.objects {
		if !strings.HasPrefix(key, "archive/") || !strings.HasSuffix(key, ".jsonl") {
			t.Fatalf("unexpected archive key %q", key)
		}
		lines += strings.Count(string(data), "\n")
	}
	// Two objects: one full batch of two, one final flush of one.
	if len(objects.objects) != 2 || lines != 3 {
		t.Fatalf("archived %d objects with %d lines, want 2 objects / 3 lines", len(objects.objects), lines)
	}
}

func TestNilArchiver(t *testing.T) {
	if NewArchiver(nil, nil, "auth-events") != nil {
		t.Fatalf("NewArchiver without deps should return nil")
	}
	var archiver *Archiver
	if err := archiver.Run(context.Background()); err != nil {
		t.Fatalf("nil archiver Run: %v", err)
	}
}
