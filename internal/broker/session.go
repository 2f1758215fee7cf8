package broker

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/toolgate/internal/observe"
	"github.com/MrWong99/toolgate/internal/telemetry"
)

// cancelReason is the context cancellation cause recorded when a session or
// call is torn down. It makes the reason recoverable via [CancelReason].
type cancelReason struct {
	reason string
}

func (c *cancelReason) Error() string {
	return "cancelled: " + c.reason
}

// CancelReason extracts the cancellation reason from a context cancelled by
// the session layer. Returns "" when the context is live or was cancelled by
// something else (e.g. a deadline).
func CancelReason(ctx context.Context) string {
	var cr *cancelReason
	if errors.As(context.Cause(ctx), &cr) {
		return cr.reason
	}
	return ""
}

// Session is one authenticated client connection. It owns a cancellable
// context below the manager root, a per-session admission semaphore, and the
// set of in-flight calls keyed by request id.
type Session struct {
	// ID is the daemon-assigned session identifier.
	ID string

	// Transport records which frontend the session arrived on.
	Transport Transport

	ctx    context.Context
	cancel context.CancelCauseFunc
	sem    *semaphore.Weighted

	opened time.Time

	mu         sync.Mutex
	calls      map[string]context.CancelCauseFunc
	helloTimer *time.Timer
	helloSeen  bool
	closed     bool
}

// Context returns the session's context. It is cancelled, with a
// [CancelReason]-readable cause, when the session is destroyed.
func (s *Session) Context() context.Context { return s.ctx }

// Semaphore returns the per-session admission semaphore.
func (s *Session) Semaphore() *semaphore.Weighted { return s.sem }

// MarkHello records receipt of the first valid hello and disarms the hello
// timer. Safe to call more than once.
func (s *Session) MarkHello() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.helloSeen = true
	if s.helloTimer != nil {
		s.helloTimer.Stop()
		s.helloTimer = nil
	}
}

// Closed reports whether the session has been destroyed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// TrackCall registers an in-flight call so it can be cancelled by request id.
// Request ids must be unique among the session's live calls; a duplicate is
// rejected with KindInvalidRequest so concurrent reuse cannot alias a cancel
// onto the wrong call. A closed session rejects all new calls.
func (s *Session) TrackCall(requestID string, cancel context.CancelCauseFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Errorf(KindInvalidRequest, "session is closed")
	}
	if _, dup := s.calls[requestID]; dup {
		return Errorf(KindInvalidRequest, "request id %q is already in flight", requestID)
	}
	s.calls[requestID] = cancel
	return nil
}

// UntrackCall removes a call from the in-flight set once it reaches a
// terminal state. Unknown ids are ignored.
func (s *Session) UntrackCall(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, requestID)
}

// CancelCall cancels the in-flight call with the given request id. Returns
// false when no such call is live, which per the cancel semantics is a
// success no-op for the caller (the call already reached a terminal state).
func (s *Session) CancelCall(requestID, reason string) bool {
	s.mu.Lock()
	cancel, ok := s.calls[requestID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel(&cancelReason{reason: reason})
	return true
}

// inflight returns the number of live calls. Used by shutdown reporting.
func (s *Session) inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Manager owns the session lifecycle: creation with hello-timeout arming,
// token authentication, destruction with hierarchical cancellation, and the
// registry used for shutdown fan-out.
type Manager struct {
	root context.Context

	authToken    string
	helloTimeout time.Duration
	sessionSlots int64

	emitter *telemetry.Emitter
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session

	// onHelloTimeout, when set, is invoked after a session is destroyed for
	// missing its hello deadline so the owning frontend can close the wire.
	onHelloTimeout func(*Session)
}

// ManagerOptions configures a [Manager].
type ManagerOptions struct {
	// AuthToken is the shared bearer credential for WebSocket clients. Empty
	// admits clients without a token.
	AuthToken string

	// HelloTimeout bounds the interval between transport accept and the
	// first valid hello. Zero disables the timer.
	HelloTimeout time.Duration

	// SessionMaxInflight is the per-session semaphore capacity.
	SessionMaxInflight int

	Emitter *telemetry.Emitter
	Metrics *observe.Metrics

	// OnHelloTimeout is called (on the timer goroutine) after a hello-timeout
	// destruction, with the destroyed session.
	OnHelloTimeout func(*Session)
}

// NewManager creates a session manager rooted at ctx. Destroying the root
// context cancels every session.
func NewManager(ctx context.Context, opts ManagerOptions) *Manager {
	slots := opts.SessionMaxInflight
	if slots < 1 {
		slots = 1
	}
	return &Manager{
		root:           ctx,
		authToken:      opts.AuthToken,
		helloTimeout:   opts.HelloTimeout,
		sessionSlots:   int64(slots),
		emitter:        opts.Emitter,
		metrics:        opts.Metrics,
		sessions:       make(map[string]*Session),
		onHelloTimeout: opts.OnHelloTimeout,
	}
}

// Authenticate checks a client-supplied token against the configured
// credential in constant time. When no credential is configured every token,
// including the empty one, is accepted.
func (m *Manager) Authenticate(token string) error {
	if m.authToken == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(m.authToken)) != 1 {
		return Errorf(KindAuthError, "invalid auth token")
	}
	return nil
}

// Open creates a new session on the given transport, arms the hello timer,
// and emits session_opened. The returned session's context is a child of the
// manager root.
func (m *Manager) Open(transport Transport) (*Session, error) {
	if !transport.IsValid() {
		return nil, Errorf(KindInvalidRequest, "unknown transport %q", transport)
	}

	ctx, cancel := context.WithCancelCause(m.root)
	s := &Session{
		ID:        uuid.NewString(),
		Transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		sem:       semaphore.NewWeighted(m.sessionSlots),
		opened:    time.Now(),
		calls:     make(map[string]context.CancelCauseFunc),
	}

	if m.helloTimeout > 0 {
		s.helloTimer = time.AfterFunc(m.helloTimeout, func() {
			m.expireHello(s)
		})
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}
	if m.emitter != nil {
		m.emitter.Emit(telemetry.Event{
			Event:     telemetry.EventSessionOpened,
			SessionID: s.ID,
			Transport: string(transport),
		})
	}
	return s, nil
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// expireHello fires when a session failed to hello in time.
func (m *Manager) expireHello(s *Session) {
	s.mu.Lock()
	stale := s.helloSeen || s.closed
	s.mu.Unlock()
	if stale {
		return
	}
	slog.Warn("session hello timeout", "session_id", s.ID, "transport", s.Transport)
	m.Destroy(s, string(KindHelloTimeout))
	if m.onHelloTimeout != nil {
		m.onHelloTimeout(s)
	}
}

// Destroy tears a session down: every in-flight call is cancelled with the
// given reason, the session context is cancelled, and session_closed is
// emitted. Idempotent; only the first call has any effect.
func (m *Manager) Destroy(s *Session, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.helloTimer != nil {
		s.helloTimer.Stop()
		s.helloTimer = nil
	}
	cancels := make([]context.CancelCauseFunc, 0, len(s.calls))
	for _, c := range s.calls {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()

	cause := &cancelReason{reason: reason}
	for _, c := range cancels {
		c(cause)
	}
	s.cancel(cause)

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	if m.emitter != nil {
		m.emitter.Emit(telemetry.Event{
			Event:     telemetry.EventSessionClosed,
			SessionID: s.ID,
			Transport: string(s.Transport),
			Reason:    reason,
			DurationMs: telemetry.Ms(
				time.Since(s.opened).Milliseconds()),
		})
	}
}

// CloseAll destroys every live session with the given reason. Returns the
// number of calls that were still in flight, for shutdown reporting.
func (m *Manager) CloseAll(reason string) int {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	abandoned := 0
	for _, s := range all {
		abandoned += s.inflight()
		m.Destroy(s, reason)
	}
	return abandoned
}
