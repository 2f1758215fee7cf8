package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// queueDepth bounds the number of events buffered between callers and the
// writer goroutine. When full, the oldest buffered event is dropped and
// counted; callers are never blocked for more than the map/channel handoff.
const queueDepth = 256

// errLogInterval rate-limits write-failure logging.
const errLogInterval = time.Minute

// Emitter serializes telemetry events onto one or more sinks through a
// single writer goroutine. The zero value is not usable; create instances
// with [New]. Emit is safe for concurrent use and never blocks on sink I/O.
type Emitter struct {
	queue chan Event
	done  chan struct{}

	// file is the optional append-only sink; nil when not configured.
	file io.WriteCloser

	// stderr is the primary sink, replaceable in tests.
	stderr io.Writer

	dropped    atomic.Int64
	writeFails atomic.Int64

	mu         sync.Mutex
	lastErrLog time.Time

	closeOnce sync.Once
}

// Option configures an [Emitter].
type Option func(*Emitter)

// WithStderr replaces the primary sink. Used by tests.
func WithStderr(w io.Writer) Option {
	return func(e *Emitter) { e.stderr = w }
}

// New creates an Emitter writing to stderr and, when path is non-empty, to
// an append-only file at path. A file-open failure disables the file sink
// with a one-time warning rather than failing startup.
func New(path string, opts ...Option) *Emitter {
	e := &Emitter{
		queue:  make(chan Event, queueDepth),
		done:   make(chan struct{}),
		stderr: os.Stderr,
	}
	for _, o := range opts {
		o(e)
	}

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("telemetry: file sink disabled", "path", path, "err", err)
		} else {
			e.file = f
		}
	}

	go e.run()
	return e
}

// Emit enqueues ev, stamping TS if unset. When the queue is full the oldest
// buffered event is discarded so that recent events survive bursts.
func (e *Emitter) Emit(ev Event) {
	if ev.TS == "" {
		ev.TS = Now()
	}

	for {
		select {
		case e.queue <- ev:
			return
		case <-e.done:
			return
		default:
		}
		// Queue full: drop the oldest and retry.
		select {
		case <-e.queue:
			e.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns the number of events discarded due to queue overflow.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// WriteFailures returns the number of sink write errors observed.
func (e *Emitter) WriteFailures() int64 { return e.writeFails.Load() }

// Close drains buffered events and closes the file sink. Subsequent Emit
// calls are discarded silently.
func (e *Emitter) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		// Drain what the writer goroutine left behind.
		for {
			select {
			case ev := <-e.queue:
				e.write(ev)
				continue
			default:
			}
			break
		}
		if e.file != nil {
			err = e.file.Close()
		}
	})
	return err
}

// run is the writer goroutine: it serializes all sink writes.
func (e *Emitter) run() {
	for {
		select {
		case ev := <-e.queue:
			e.write(ev)
		case <-e.done:
			return
		}
	}
}

// write renders one event and appends it to every configured sink.
func (e *Emitter) write(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		e.reportWriteError(fmt.Errorf("marshal event %q: %w", ev.Event, err))
		return
	}
	line = append(line, '\n')

	if _, err := e.stderr.Write(line); err != nil {
		e.reportWriteError(err)
	}
	if e.file != nil {
		if _, err := e.file.Write(line); err != nil {
			e.reportWriteError(err)
		}
	}
}

// reportWriteError counts a sink failure and logs it at most once per
// [errLogInterval].
func (e *Emitter) reportWriteError(err error) {
	e.writeFails.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Since(e.lastErrLog) < errLogInterval {
		return
	}
	e.lastErrLog = time.Now()
	slog.Error("telemetry: sink write failed", "err", err, "total_failures", e.writeFails.Load())
}
