// Package usagelog appends usage records and decision receipts for every
// gateway decision. Writes are queued: the hot path never blocks on the
// persistent store, and the bounded queue drops its oldest entry on overflow.
package usagelog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Record is one append-only accounting row for a request.
type Record struct {
	RequestID    string
	UserID       string
	ModelID      string
	Provider     string
	Endpoint     string
	InputTokens  int
	OutputTokens int
	TokensUsed   int
	Cost         decimal.Decimal
	LatencyMS    int64
	Cached       bool
	Success      bool
	TaskType     string
	SessionID    string
	ErrorKind    string
	CreatedAt    time.Time
}

// Receipt is an append-only audit row describing one routing decision.
type Receipt struct {
	RequestID   string
	ModelID     string
	Rejected    []RejectedCandidate
	Explanation string
	CreatedAt   time.Time
}

// RejectedCandidate names a candidate the decision excluded and why.
type RejectedCandidate struct {
	ModelID string `json:"model_id"`
	Reason  string `json:"reason"` // BUDGET | RATE | CIRCUIT_OPEN | INACTIVE
}

// Sink persists records and receipts.
type Sink interface {
	WriteUsage(ctx context.Context, rec Record) error
	WriteReceipt(ctx context.Context, rcp Receipt) error
}

// NoopSink discards everything.
type NoopSink struct{}

func (NoopSink) WriteUsage(context.Context, Record) error    { return nil }
func (NoopSink) WriteReceipt(context.Context, Receipt) error { return nil }

type queued struct {
	rec *Record
	rcp *Receipt
}

// Logger queues writes to a Sink from a background goroutine.
type Logger struct {
	mu       sync.Mutex
	queue    []queued
	capacity int
	wake     chan struct{}
	done     chan struct{}
	closed   bool
	overflow atomic.Int64
	sink     Sink
}

// DefaultQueueSize bounds the pending write queue.
const DefaultQueueSize = 1024

// NewLogger creates a Logger draining into sink.
func NewLogger(sink Sink, queueSize int) *Logger {
	if sink == nil {
		sink = NoopSink{}
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	l := &Logger{
		capacity: queueSize,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		sink:     sink,
	}
	go l.run()
	return l
}

// Log enqueues a usage record. Fire-and-forget: on a full queue the oldest
// pending entry is dropped and the overflow counter incremented.
func (l *Logger) Log(rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	l.enqueue(queued{rec: &rec})
}

// LogReceipt enqueues a decision receipt.
func (l *Logger) LogReceipt(rcp Receipt) {
	if rcp.CreatedAt.IsZero() {
		rcp.CreatedAt = time.Now().UTC()
	}
	l.enqueue(queued{rcp: &rcp})
}

func (l *Logger) enqueue(q queued) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if len(l.queue) >= l.capacity {
		l.queue = l.queue[1:]
		l.overflow.Add(1)
	}
	l.queue = append(l.queue, q)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Overflow reports how many pending entries were dropped.
func (l *Logger) Overflow() int64 {
	return l.overflow.Load()
}

func (l *Logger) run() {
	for {
		l.drain()
		l.mu.Lock()
		empty := len(l.queue) == 0
		closed := l.closed
		l.mu.Unlock()
		if closed && empty {
			close(l.done)
			return
		}
		if empty {
			<-l.wake
		}
	}
}

func (l *Logger) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		q := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		switch {
		case q.rec != nil:
			err = l.sink.WriteUsage(ctx, *q.rec)
		case q.rcp != nil:
			err = l.sink.WriteReceipt(ctx, *q.rcp)
		}
		cancel()
		if err != nil {
			slog.Warn("usage log write failed", "error", err.Error())
		}
	}
}

// Close drains the queue and stops the writer.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
