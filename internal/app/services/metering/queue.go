package metering

import (
	"context"
	"sync"
	"time"

	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/usage"
	"github.com/ProofMesh-Network/proof_layer/internal/app/metrics"
	"github.com/ProofMesh-Network/proof_layer/internal/app/storage"
	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// defaultQueueCapacity bounds in-flight usage records. Overflow drops the
// oldest queued record: recent traffic is worth more to analytics than
// stale backlog, and the ledger has already settled either way.
const defaultQueueCapacity = 4096

// UsageQueue buffers usage records for asynchronous persistence. Enqueue
// never blocks the request path; the background worker drains the buffer
// into the usage store.
type UsageQueue struct {
	mu      sync.Mutex
	buf     []usage.Record
	cap     int
	dropped uint64
	wake    chan struct{}

	store storage.UsageStore
	log   *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewUsageQueue creates a queue draining into store. capacity <= 0 uses the
// default.
func NewUsageQueue(store storage.UsageStore, capacity int, log *logger.Logger) *UsageQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if log == nil {
		log = logger.NewDefault("usage-queue")
	}
	return &UsageQueue{
		cap:   capacity,
		wake:  make(chan struct{}, 1),
		store: store,
		log:   log,
	}
}

func (q *UsageQueue) Name() string { return "usage-queue" }

// Start launches the drain worker.
func (q *UsageQueue) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.drain(workerCtx)
	return nil
}

// Stop flushes what it can and halts the worker.
func (q *UsageQueue) Stop(ctx context.Context) error {
	if q.cancel == nil {
		return nil
	}
	q.cancel()
	select {
	case <-q.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Enqueue adds a record, evicting the oldest queued record when full. It
// never blocks and never fails; a metering record is not worth a slow
// response.
func (q *UsageQueue) Enqueue(rec usage.Record) {
	q.mu.Lock()
	if len(q.buf) >= q.cap {
		copy(q.buf, q.buf[1:])
		q.buf = q.buf[:len(q.buf)-1]
		q.dropped++
		metrics.AddUsageQueueDropped(1)
		if q.dropped%100 == 1 {
			q.log.WithField("dropped_total", q.dropped).Warn("usage queue full, dropping oldest records")
		}
	}
	q.buf = append(q.buf, rec)
	metrics.SetUsageQueueDepth(len(q.buf))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued records.
func (q *UsageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped returns how many records overflow has discarded.
func (q *UsageQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *UsageQueue) drain(ctx context.Context) {
	defer close(q.done)
	// The ticker retries records a failed flush put back.
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.flush(context.Background())
			return
		case <-q.wake:
			q.flush(ctx)
		case <-ticker.C:
			q.flush(ctx)
		}
	}
}

// flush writes queued records one at a time. A failed insert goes back to
// the front of the queue for the next wake-up (at-least-once, order kept).
func (q *UsageQueue) flush(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			q.mu.Unlock()
			return
		}
		rec := q.buf[0]
		q.buf = q.buf[1:]
		metrics.SetUsageQueueDepth(len(q.buf))
		q.mu.Unlock()

		insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := q.store.InsertUsage(insertCtx, rec)
		cancel()
		if err != nil {
			q.log.WithError(err).Warn("persist usage record failed, requeueing")
			q.mu.Lock()
			q.buf = append([]usage.Record{rec}, q.buf...)
			q.mu.Unlock()
			return
		}
	}
}
