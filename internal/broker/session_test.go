package broker

import (
	"context"
	"testing"
	"time"
)

func TestManagerOpenAssignsUniqueIDs(t *testing.T) {
	t.Parallel()
	m := NewManager(context.Background(), ManagerOptions{SessionMaxInflight: 2})

	a, err := m.Open(TransportStdio)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Open(TransportWS)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids must be unique and non-empty: %q vs %q", a.ID, b.ID)
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}
	m.Destroy(a, ReasonShutdown)
	m.Destroy(b, ReasonShutdown)
}

func TestManagerRejectsUnknownTransport(t *testing.T) {
	t.Parallel()
	m := NewManager(context.Background(), ManagerOptions{})
	if _, err := m.Open(Transport("carrier-pigeon")); err == nil {
		t.Fatal("unknown transport must be rejected")
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	m := NewManager(context.Background(), ManagerOptions{AuthToken: "s3cret"})

	if err := m.Authenticate("s3cret"); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	err := m.Authenticate("wrong")
	if err == nil {
		t.Fatal("invalid token must be rejected")
	}
	be := AsError(err)
	if be.Kind != KindAuthError {
		t.Fatalf("kind = %s, want AuthError", be.Kind)
	}
	if !be.Kind.ClosesSession() {
		t.Fatal("auth errors must close the session")
	}

	// No configured token admits everything.
	open := NewManager(context.Background(), ManagerOptions{})
	if err := open.Authenticate(""); err != nil {
		t.Fatal(err)
	}
	if err := open.Authenticate("anything"); err != nil {
		t.Fatal(err)
	}
}

func TestHelloTimeoutDestroysSession(t *testing.T) {
	t.Parallel()
	expired := make(chan *Session, 1)
	m := NewManager(context.Background(), ManagerOptions{
		HelloTimeout:   30 * time.Millisecond,
		OnHelloTimeout: func(s *Session) { expired <- s },
	})

	s, err := m.Open(TransportWS)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-expired:
		if got.ID != s.ID {
			t.Fatalf("expired session %q, want %q", got.ID, s.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hello timeout never fired")
	}

	if !s.Closed() {
		t.Fatal("session must be destroyed on hello timeout")
	}
	if _, ok := m.Get(s.ID); ok {
		t.Fatal("destroyed session must be removed from the manager")
	}
	select {
	case <-s.Context().Done():
	default:
		t.Fatal("session context must be cancelled")
	}
}

func TestMarkHelloDisarmsTimer(t *testing.T) {
	t.Parallel()
	m := NewManager(context.Background(), ManagerOptions{
		HelloTimeout: 30 * time.Millisecond,
		OnHelloTimeout: func(*Session) {
			t.Error("hello timer fired after MarkHello")
		},
	})

	s, err := m.Open(TransportWS)
	if err != nil {
		t.Fatal(err)
	}
	s.MarkHello()

	time.Sleep(80 * time.Millisecond)
	if s.Closed() {
		t.Fatal("session must survive after hello")
	}
	m.Destroy(s, ReasonShutdown)
}

func TestDestroyCancelsWithReason(t *testing.T) {
	t.Parallel()
	m := NewManager(context.Background(), ManagerOptions{})
	s, err := m.Open(TransportWS)
	if err != nil {
		t.Fatal(err)
	}

	callCtx, cancel := context.WithCancelCause(s.Context())
	defer cancel(nil)
	if err := s.TrackCall("r1", cancel); err != nil {
		t.Fatal(err)
	}

	m.Destroy(s, ReasonSessionClosed)

	<-callCtx.Done()
	if reason := CancelReason(callCtx); reason != ReasonSessionClosed {
		t.Fatalf("call reason = %q, want %q", reason, ReasonSessionClosed)
	}
	if reason := CancelReason(s.Context()); reason != ReasonSessionClosed {
		t.Fatalf("session reason = %q, want %q", reason, ReasonSessionClosed)
	}

	// Destroy is idempotent.
	m.Destroy(s, ReasonShutdown)
	if reason := CancelReason(s.Context()); reason != ReasonSessionClosed {
		t.Fatal("second Destroy must not overwrite the reason")
	}
}

func TestTrackCallDuplicateAndClosed(t *testing.T) {
	t.Parallel()
	m := NewManager(context.Background(), ManagerOptions{})
	s, err := m.Open(TransportWS)
	if err != nil {
		t.Fatal(err)
	}

	_, cancel := context.WithCancelCause(s.Context())
	defer cancel(nil)
	if err := s.TrackCall("r1", cancel); err != nil {
		t.Fatal(err)
	}
	if err := s.TrackCall("r1", cancel); err == nil {
		t.Fatal("duplicate live request id must be rejected")
	}

	// After the call untracks, the id is reusable.
	s.UntrackCall("r1")
	if err := s.TrackCall("r1", cancel); err != nil {
		t.Fatalf("id must be reusable after terminal: %v", err)
	}

	m.Destroy(s, ReasonShutdown)
	if err := s.TrackCall("r2", cancel); err == nil {
		t.Fatal("closed session must reject new calls")
	}
}

func TestCancelCallUnknownIDIsNoOp(t *testing.T) {
	t.Parallel()
	m := NewManager(context.Background(), ManagerOptions{})
	s, err := m.Open(TransportWS)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Destroy(s, ReasonShutdown)

	if s.CancelCall("never-seen", ReasonClientCancel) {
		t.Fatal("cancelling an unknown id must be a no-op")
	}
}

func TestCloseAllReportsAbandonedWork(t *testing.T) {
	t.Parallel()
	m := NewManager(context.Background(), ManagerOptions{})
	a, _ := m.Open(TransportWS)
	b, _ := m.Open(TransportStdio)

	_, cancelA := context.WithCancelCause(a.Context())
	defer cancelA(nil)
	if err := a.TrackCall("r1", cancelA); err != nil {
		t.Fatal(err)
	}

	abandoned := m.CloseAll(ReasonShutdown)
	if abandoned != 1 {
		t.Fatalf("abandoned = %d, want 1", abandoned)
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d after CloseAll", m.Len())
	}
	if !a.Closed() || !b.Closed() {
		t.Fatal("all sessions must be closed")
	}
}
