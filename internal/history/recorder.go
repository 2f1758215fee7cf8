// Package history persists one record per terminal tool call. Persistence is
// best-effort and fully decoupled from the call path: records are queued and
// written asynchronously, and a full queue drops the record rather than
// slowing the dispatcher.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CallRecord is one terminal tool call.
type CallRecord struct {
	RequestID  string
	SessionID  string
	Tool       string
	Provider   string
	Transport  string
	Status     string
	ErrorKind  string
	Reason     string
	ArgSummary string
	Coalesced  bool
	WaitMs     int64
	DurationMs int64
	ResultSize int64
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store is the synchronous persistence backend behind an [AsyncRecorder].
type Store interface {
	Insert(ctx context.Context, rec CallRecord) error
	Close(ctx context.Context) error
}

// Recorder accepts terminal call records. Implementations must never block
// the caller on backend I/O.
type Recorder interface {
	Record(rec CallRecord)
	Close(ctx context.Context) error
}

// NopRecorder discards all records. Used when no history backend is
// configured.
type NopRecorder struct{}

var _ Recorder = NopRecorder{}

func (NopRecorder) Record(CallRecord) {}

func (NopRecorder) Close(context.Context) error { return nil }

// recorderQueueDepth bounds records buffered between the dispatcher and the
// store writer.
const recorderQueueDepth = 512

// AsyncRecorder decouples record production from store writes with a bounded
// queue and a single writer goroutine. Insert failures are logged and
// counted, never surfaced to callers.
type AsyncRecorder struct {
	store Store
	queue chan CallRecord
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	dropped int64
	failed  int64

	closeOnce sync.Once
}

var _ Recorder = (*AsyncRecorder)(nil)

// NewAsyncRecorder starts the writer goroutine over store.
func NewAsyncRecorder(store Store) *AsyncRecorder {
	r := &AsyncRecorder{
		store: store,
		queue: make(chan CallRecord, recorderQueueDepth),
		done:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues rec. When the queue is full the record is dropped.
func (r *AsyncRecorder) Record(rec CallRecord) {
	select {
	case r.queue <- rec:
	case <-r.done:
	default:
		r.mu.Lock()
		r.dropped++
		n := r.dropped
		r.mu.Unlock()
		if n == 1 || n%100 == 0 {
			slog.Warn("history: record queue full, dropping", "total_dropped", n)
		}
	}
}

// Dropped returns the number of records discarded due to queue overflow.
func (r *AsyncRecorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops the writer, flushes queued records with ctx as the write
// budget, and closes the store.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		// Flush what the writer left behind.
		for {
			select {
			case rec := <-r.queue:
				r.insert(ctx, rec)
				continue
			default:
			}
			break
		}
		err = r.store.Close(ctx)
	})
	return err
}

func (r *AsyncRecorder) run() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.queue:
			r.insert(context.Background(), rec)
		case <-r.done:
			return
		}
	}
}

func (r *AsyncRecorder) insert(ctx context.Context, rec CallRecord) {
	if err := r.store.Insert(ctx, rec); err != nil {
		r.mu.Lock()
		r.failed++
		n := r.failed
		r.mu.Unlock()
		if n == 1 || n%100 == 0 {
			slog.Error("history: insert failed", "err", err, "total_failures", n)
		}
	}
}
