package netcore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Pending Message Queue
// ============================================================================

// QueuedMessage is a hub invocation issued while the connection was down.
type QueuedMessage struct {
	ID         string
	Method     string
	Args       []any
	EnqueuedAt time.Time
}

// DeliverFunc sends one queued message on a live connection.
type DeliverFunc func(ctx context.Context, method string, args []any) error

// PendingMessageQueue buffers invocations made while offline and replays
// them in enqueue order once the connection is back. Each message is
// attempted once; a failed replay is logged and dropped.
type PendingMessageQueue struct {
	log     atomic.Pointer[zap.Logger]
	metrics *Metrics

	mu    sync.Mutex
	items []QueuedMessage

	// flushMu keeps two drains from interleaving their replay order.
	flushMu sync.Mutex
}

func NewPendingMessageQueue(log *zap.Logger, m *Metrics) *PendingMessageQueue {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = NewMetrics()
	}
	q := &PendingMessageQueue{metrics: m}
	q.SetLogger(log)
	return q
}

// SetLogger replaces the queue's logger; it is safe during a flush.
func (q *PendingMessageQueue) SetLogger(log *zap.Logger) {
	q.log.Store(log.Named(logQueue))
}

// Enqueue appends a message to the tail of the queue.
func (q *PendingMessageQueue) Enqueue(method string, args []any) QueuedMessage {
	msg := QueuedMessage{
		ID:         uuid.NewString(),
		Method:     method,
		Args:       args,
		EnqueuedAt: time.Now(),
	}
	q.mu.Lock()
	q.items = append(q.items, msg)
	n := len(q.items)
	q.metrics.QueueDepth.Set(float64(n))
	q.mu.Unlock()

	q.log.Load().Debug("queued invocation", zap.String("id", msg.ID), zap.String("method", method), zap.Int("depth", n))
	return msg
}

func (q *PendingMessageQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards every queued message and returns how many were dropped.
func (q *PendingMessageQueue) Clear() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.metrics.QueueDepth.Set(0)
	q.mu.Unlock()
	if n > 0 {
		q.log.Load().Info("cleared pending invocations", zap.Int("count", n))
	}
	return n
}

// Snapshot returns a copy of the queue in FIFO order.
func (q *PendingMessageQueue) Snapshot() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedMessage(nil), q.items...)
}

func (q *PendingMessageQueue) takeAll() []QueuedMessage {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.metrics.QueueDepth.Set(0)
	q.mu.Unlock()
	return items
}

// Flush drains the queue through deliver in enqueue order. Every drained
// message is attempted exactly once and never re-enqueued, whatever the
// outcome. It returns the number delivered and the number dropped.
func (q *PendingMessageQueue) Flush(ctx context.Context, deliver DeliverFunc) (delivered, dropped int) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	items := q.takeAll()
	if len(items) == 0 {
		return 0, 0
	}
	q.log.Load().Info("replaying pending invocations", zap.Int("count", len(items)))

	for _, msg := range items {
		if err := deliver(ctx, msg.Method, msg.Args); err != nil {
			dropped++
			q.metrics.QueueDropped.Inc()
			q.log.Load().Warn("dropped queued invocation",
				zap.String("id", msg.ID),
				zap.String("method", msg.Method),
				zap.Duration("age", time.Since(msg.EnqueuedAt)),
				zap.Error(err),
			)
			continue
		}
		delivered++
		q.metrics.QueueReplayed.Inc()
	}
	return delivered, dropped
}
