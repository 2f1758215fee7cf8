package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// inflightEntry is one leader execution that followers may attach to.
type inflightEntry struct {
	leaderRequestID string
	done            chan struct{}

	// result is written exactly once, before done is closed.
	result Result
}

// Admission is the outcome of a successful [Scheduler.Admit]. A leader
// admission holds one slot on each level of the semaphore tree until
// [Admission.Complete]; a coalesced (follower) admission holds nothing and
// waits for its leader via [Admission.WaitLeader].
type Admission struct {
	// Coalesced is true for follower admissions.
	Coalesced bool

	// LeaderRequestID identifies the leader call a follower attached to.
	LeaderRequestID string

	// Wait is the time spent acquiring the semaphore tree (leaders only).
	Wait time.Duration

	entry    *inflightEntry
	sch      *Scheduler
	release  func()
	complete sync.Once
}

// Scheduler implements admission control (the global → provider → session
// semaphore tree) and duplicate-call coalescing. Semaphores are acquired
// session-first and released in reverse, so a stalled global acquisition
// never strands a session slot past its daemon-level deadline.
type Scheduler struct {
	global        *semaphore.Weighted
	providerSlots int64

	mu        sync.Mutex
	providers map[string]*semaphore.Weighted
	inflight  map[string]*inflightEntry
	disabled  map[string]struct{}
}

// SchedulerOptions configures a [Scheduler].
type SchedulerOptions struct {
	GlobalMaxInflight   int
	ProviderMaxInflight int

	// CoalesceDisabledTools lists tool names that never coalesce.
	CoalesceDisabledTools []string
}

// NewScheduler creates a scheduler with the given capacities. Capacities
// below one are clamped to one.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	g := opts.GlobalMaxInflight
	if g < 1 {
		g = 1
	}
	p := opts.ProviderMaxInflight
	if p < 1 {
		p = 1
	}
	disabled := make(map[string]struct{}, len(opts.CoalesceDisabledTools))
	for _, name := range opts.CoalesceDisabledTools {
		disabled[name] = struct{}{}
	}
	return &Scheduler{
		global:        semaphore.NewWeighted(int64(g)),
		providerSlots: int64(p),
		providers:     make(map[string]*semaphore.Weighted),
		inflight:      make(map[string]*inflightEntry),
		disabled:      disabled,
	}
}

// CoalesceEnabled reports whether calls to the named tool may coalesce.
func (sch *Scheduler) CoalesceEnabled(tool string) bool {
	_, off := sch.disabled[tool]
	return !off
}

// providerSem returns the lazily-created semaphore for a provider name.
func (sch *Scheduler) providerSem(name string) *semaphore.Weighted {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sem, ok := sch.providers[name]
	if !ok {
		sem = semaphore.NewWeighted(sch.providerSlots)
		sch.providers[name] = sem
	}
	return sem
}

// lookupInflight attaches to an existing leader for fingerprint, if any.
func (sch *Scheduler) lookupInflight(fingerprint string) *inflightEntry {
	if fingerprint == "" {
		return nil
	}
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.inflight[fingerprint]
}

// Admit runs admission control for one call. ctx must carry the daemon-level
// deadline; when it expires or is cancelled during acquisition the call is
// classified accordingly and no slots are retained.
//
// When fingerprint is non-empty and an identical call is already executing,
// Admit returns a coalesced admission without consuming any slots — including
// when the identical call is discovered only after acquisition (the slots are
// returned immediately in that case).
func (sch *Scheduler) Admit(ctx context.Context, sess *Session, provider, fingerprint, requestID string) (*Admission, *Error) {
	// Fast path: an identical call is already in flight.
	if entry := sch.lookupInflight(fingerprint); entry != nil {
		return &Admission{
			Coalesced:       true,
			LeaderRequestID: entry.leaderRequestID,
			entry:           entry,
			sch:             sch,
		}, nil
	}

	start := time.Now()

	if err := sess.sem.Acquire(ctx, 1); err != nil {
		return nil, admitError(ctx)
	}
	releases := []func(){func() { sess.sem.Release(1) }}

	if provider != "" {
		psem := sch.providerSem(provider)
		if err := psem.Acquire(ctx, 1); err != nil {
			releaseAll(releases)
			return nil, admitError(ctx)
		}
		releases = append(releases, func() { psem.Release(1) })
	}

	if err := sch.global.Acquire(ctx, 1); err != nil {
		releaseAll(releases)
		return nil, admitError(ctx)
	}
	releases = append(releases, func() { sch.global.Release(1) })

	// Re-check under the lock: a leader may have registered while this call
	// was waiting on the tree. Becoming its follower returns the slots.
	if fingerprint != "" {
		sch.mu.Lock()
		if entry, ok := sch.inflight[fingerprint]; ok {
			sch.mu.Unlock()
			releaseAll(releases)
			return &Admission{
				Coalesced:       true,
				LeaderRequestID: entry.leaderRequestID,
				entry:           entry,
				sch:             sch,
			}, nil
		}
		entry := &inflightEntry{
			leaderRequestID: requestID,
			done:            make(chan struct{}),
		}
		sch.inflight[fingerprint] = entry
		sch.mu.Unlock()

		return &Admission{
			Wait:    time.Since(start),
			entry:   entry,
			sch:     sch,
			release: fingerprintRelease(sch, fingerprint, releases),
		}, nil
	}

	return &Admission{
		Wait:    time.Since(start),
		sch:     sch,
		release: func() { releaseAll(releases) },
	}, nil
}

// fingerprintRelease unregisters the leader's inflight entry and then frees
// the semaphore slots, in that order, so no follower can attach to an entry
// whose slots are already gone.
func fingerprintRelease(sch *Scheduler, fingerprint string, releases []func()) func() {
	return func() {
		sch.mu.Lock()
		delete(sch.inflight, fingerprint)
		sch.mu.Unlock()
		releaseAll(releases)
	}
}

// releaseAll frees acquired slots in reverse acquisition order. A release
// panic indicates corrupted accounting; it is logged and the remaining
// levels are still freed rather than poisoning the whole tree.
func releaseAll(releases []func()) {
	for i := len(releases) - 1; i >= 0; i-- {
		func(r func()) {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("semaphore release panicked", "panic", p)
				}
			}()
			r()
		}(releases[i])
	}
}

// admitError classifies a failed acquisition from the context state.
func admitError(ctx context.Context) *Error {
	if ctx.Err() == context.DeadlineExceeded {
		return Errorf(KindTimeout, "admission deadline exceeded")
	}
	e := Errorf(KindCancelled, "call cancelled during admission")
	if reason := CancelReason(ctx); reason != "" {
		e.Detail = map[string]any{"reason": reason}
	}
	return e
}

// Complete publishes the leader's terminal result to any followers, removes
// the coalescing entry, and frees the semaphore slots. Idempotent. A no-op on
// coalesced admissions.
func (a *Admission) Complete(result Result) {
	if a.Coalesced {
		return
	}
	a.complete.Do(func() {
		if a.entry != nil {
			a.entry.result = result
			defer close(a.entry.done)
		}
		if a.release != nil {
			a.release()
		}
	})
}

// WaitLeader blocks a follower until its leader publishes a terminal result
// or ctx ends. When ctx ends first, the follower detaches with a timeout or
// cancelled result of its own; the leader keeps running for any remaining
// followers.
func (a *Admission) WaitLeader(ctx context.Context) Result {
	if a.entry == nil {
		return ErrResult(Errorf(KindInternal, "no leader to wait for"))
	}
	select {
	case <-a.entry.done:
		return a.entry.result
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return TimeoutResult()
		}
		reason := CancelReason(ctx)
		if reason == "" {
			reason = ReasonClientCancel
		}
		return CancelledResult(reason)
	}
}
