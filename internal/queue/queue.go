// Package queue buffers outbound operations accepted while the transport is
// down and replays them, in submission order, when the connection resumes.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/morada-app/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Kind discriminates queued operations.
type Kind string

const (
	KindSendMessage Kind = "send_message"
	KindSetTyping   Kind = "set_typing"
	KindMarkRead    Kind = "mark_read"
)

// ErrFull is returned when the queue is at capacity and holds only message
// sends, which are never silently discarded.
var ErrFull = errors.New("offline queue full")

// Operation is one buffered outbound action.
type Operation struct {
	Kind           Kind
	ConversationID string

	// Send fields.
	TempID  string
	Content string

	// Typing fields.
	IsTyping bool

	// Read receipt fields.
	MessageIDs []string

	EnqueuedAt time.Time
}

// transient reports whether the operation is superseded by the latest value
// and may be dropped under pressure.
func (op Operation) transient() bool {
	return op.Kind == KindSetTyping || op.Kind == KindMarkRead
}

// Queue is a bounded FIFO of operations. When full, the oldest transient
// entries (typing, read receipts) are evicted first; message sends are never
// dropped.
type Queue struct {
	mu     sync.Mutex
	ops    []Operation
	cap    int
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a queue with the given capacity.
func New(capacity int, b *bus.Bus, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{cap: capacity, bus: b, logger: logger}
}

// Enqueue appends an operation, evicting old transient entries if needed.
func (q *Queue) Enqueue(op Operation) error {
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) >= q.cap {
		if !q.evictOldestTransient() {
			return ErrFull
		}
	}
	q.ops = append(q.ops, op)
	return nil
}

// evictOldestTransient removes the oldest typing/read entry. Caller holds the lock.
func (q *Queue) evictOldestTransient() bool {
	for i, op := range q.ops {
		if op.transient() {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			q.logger.Warn("queue full, dropping transient operation",
				zap.String("kind", string(op.Kind)),
				zap.String("conversation_id", op.ConversationID))
			if q.bus != nil {
				q.bus.Publish(bus.Event{
					Kind:      "queue.dropped",
					Timestamp: time.Now(),
					Payload: map[string]string{
						"kind":            string(op.Kind),
						"conversation_id": op.ConversationID,
					},
				})
			}
			return true
		}
	}
	return false
}

// Drain replays queued operations strictly in enqueue order, awaiting each
// acknowledgement before sending the next. A failed message send halts
// draining of further sends (they stay queued, in order) and is reported
// through onSendFailed; transient operations past the failure are still
// applied since they carry no ordering obligation relative to sends.
func (q *Queue) Drain(ctx context.Context, send func(context.Context, Operation) error, onSendFailed func(Operation, error)) {
	q.mu.Lock()
	pending := q.ops
	q.ops = nil
	q.mu.Unlock()

	var keep []Operation
	sendsHalted := false

	for _, op := range pending {
		if ctx.Err() != nil {
			keep = append(keep, op)
			continue
		}
		if op.Kind == KindSendMessage && sendsHalted {
			keep = append(keep, op)
			continue
		}

		err := send(ctx, op)
		if err == nil {
			continue
		}

		if op.Kind == KindSendMessage {
			sendsHalted = true
			q.logger.Warn("send failed during drain, halting message replay",
				zap.String("temp_id", op.TempID),
				zap.Error(err))
			if onSendFailed != nil {
				onSendFailed(op, err)
			}
			continue
		}
		// Transient op failures are dropped; the next state change
		// supersedes them anyway.
		q.logger.Debug("transient operation failed during drain",
			zap.String("kind", string(op.Kind)),
			zap.Error(err))
	}

	if len(keep) > 0 {
		q.mu.Lock()
		q.ops = append(keep, q.ops...)
		q.mu.Unlock()
	}
}

// Cancel removes every queued operation matching the predicate and returns
// how many were removed.
func (q *Queue) Cancel(match func(Operation) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.ops[:0]
	removed := 0
	for _, op := range q.ops {
		if match(op) {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	return removed
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}
