package audit

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/olymprep/authserver/internal/mq"
	"github.com/olymprep/authserver/internal/storage"
)

const (
	defaultBatchSize     = 256
	defaultFlushInterval = time.Minute
	archiveContentType   = "application/x-ndjson"
)

// Archiver drains audit events from the broker and writes them to object
// storage as JSONL batches under archive/<date>/<timestamp>-<id>.jsonl.
// A batch is flushed when it reaches BatchSize or when FlushInterval has
// passed since the first buffered event.
type Archiver struct {
	queue   *mq.MQ
	store   *storage.Storage
	channel string

	batchSize     int
	flushInterval time.Duration

	mu  sync.Mutex
	buf bytes.Buffer
	n   int
}

// NewArchiver constructs an Archiver. Returns nil when either dependency is
// missing, mirroring the nil-Recorder convention.
func NewArchiver(queue *mq.MQ, store *storage.Storage, channel string) *Archiver {
	if queue == nil || store == nil {
		return nil
	}
	return &Archiver{
		queue:         queue,
		store:         store,
		channel:       channel,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
}

// Run subscribes to the audit channel and archives events until the context
// is cancelled. The remaining partial batch is flushed on exit.
func (a *Archiver) Run(ctx context.Context) error {
	if a == nil {
		return nil
	}
	if err := a.store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure audit bucket: %w", err)
	}

	done := make(chan struct{})
	go a.flushLoop(ctx, done)

	err := a.queue.Subscribe(ctx, a.channel, func(ctx context.Context, msg mq.Message) error {
		return a.append(ctx, msg.Data)
	})
	close(done)

	// Subscribe returns ctx.Err() on cancellation; the context is dead, so
	// flush with a fresh bounded one.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if flushErr := a.Flush(flushCtx); flushErr != nil && err == nil {
		err = flushErr
	}
	return err
}

// Flush writes the buffered batch, if any, to object storage.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.n == 0 {
		a.mu.Unlock()
		return nil
	}
	data := make([]byte, a.buf.Len())
	copy(data, a.buf.Bytes())
	a.buf.Reset()
	a.n = 0
	a.mu.Unlock()

	key := archiveKey(time.Now().UTC())
	return a.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), archiveContentType)
}

func (a *Archiver) append(ctx context.Context, line []byte) error {
	a.mu.Lock()
	a.buf.Write(line)
	a.buf.WriteByte('\n')
	a.n++
	full := a.n >= a.batchSize
	a.mu.Unlock()

	if full {
		return a.Flush(ctx)
	}
	return nil
}

func (a *Archiver) flushLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = a.Flush(flushCtx)
			cancel()
		}
	}
}

func archiveKey(now time.Time) string {
	return fmt.Sprintf("archive/%s/%d.jsonl", now.Format("2006/01/02"), now.UnixNano())
}
