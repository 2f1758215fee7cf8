package wsfront

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/toolgate/internal/broker"
)

// Server accepts WebSocket clients on GET /ws and serves each connection as
// one broker session. Additional HTTP routes (health probes, metrics) can be
// mounted by passing a pre-populated mux.
type Server struct {
	addr        string
	dispatcher  *broker.Dispatcher
	manager     *broker.Manager
	writeBudget time.Duration

	httpServer *http.Server
	listener   net.Listener
}

// ServerOptions configures a [Server].
type ServerOptions struct {
	// Addr is the host:port bind address.
	Addr string

	Dispatcher *broker.Dispatcher
	Manager    *broker.Manager

	// WriteBudget bounds serialisation of one frame onto the wire.
	// Typically the frontend-level deadline of the widest tier.
	WriteBudget time.Duration

	// Mux optionally carries extra routes to serve alongside /ws. Nil
	// creates an empty mux.
	Mux *http.ServeMux
}

// NewServer creates a WebSocket frontend server. Call [Server.Start] to bind.
func NewServer(opts ServerOptions) *Server {
	if opts.WriteBudget <= 0 {
		opts.WriteBudget = 30 * time.Second
	}
	mux := opts.Mux
	if mux == nil {
		mux = http.NewServeMux()
	}

	s := &Server{
		addr:        opts.Addr,
		dispatcher:  opts.Dispatcher,
		manager:     opts.Manager,
		writeBudget: opts.WriteBudget,
	}
	mux.HandleFunc("GET /ws", s.handleWS)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and begins serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("wsfront: listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("wsfront: serve failed", "err", err)
		}
	}()

	slog.Info("websocket frontend listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, useful when binding port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting new connections and waits for in-flight handlers
// up to ctx. Live sessions must be destroyed first (via the manager) so that
// their read loops unblock.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// maxFrameBytes caps a single inbound frame. Prompts routinely run far past
// the library's 32 KiB default.
const maxFrameBytes = 16 << 20

// handleWS upgrades the request and serves the connection as one session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		slog.Debug("ws accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	sess, err := s.manager.Open(broker.TransportWS)
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "session open failed")
		return
	}
	slog.Debug("ws session opened", "session_id", sess.ID, "remote", r.RemoteAddr)

	c := newConn(ws, sess, s.dispatcher, s.manager, s.writeBudget)
	c.serve()
}
