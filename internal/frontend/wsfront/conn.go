package wsfront

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/toolgate/internal/broker"
	"github.com/MrWong99/toolgate/internal/config"
)

// Application close codes (4000-4999 are free for application use).
const (
	closeAuthFailed   websocket.StatusCode = 4401
	closeHelloTimeout websocket.StatusCode = 4408
	closeProtocol     websocket.StatusCode = 4400
)

// outboundDepth bounds frames queued for the write pump. Event frames beyond
// the buffer are dropped in favour of result frames, which block.
const outboundDepth = 64

// conn serves one WebSocket client for the lifetime of its session. All
// writes to the wire go through a single pump goroutine; call execution runs
// on per-call goroutines so a slow tool never blocks the read loop.
type conn struct {
	ws         *websocket.Conn
	sess       *broker.Session
	dispatcher *broker.Dispatcher
	manager    *broker.Manager

	// writeBudget bounds serialisation of a single frame onto the wire
	// (the frontend level of the widest tier).
	writeBudget time.Duration

	out  chan any
	done chan struct{}

	calls sync.WaitGroup

	mu      sync.Mutex
	helloed bool
}

func newConn(ws *websocket.Conn, sess *broker.Session, dispatcher *broker.Dispatcher, manager *broker.Manager, writeBudget time.Duration) *conn {
	return &conn{
		ws:          ws,
		sess:        sess,
		dispatcher:  dispatcher,
		manager:     manager,
		writeBudget: writeBudget,
		out:         make(chan any, outboundDepth),
		done:        make(chan struct{}),
	}
}

// serve runs the connection to completion: write pump, hello handshake, then
// the read loop. It returns after the session is destroyed and all per-call
// goroutines have finished.
func (c *conn) serve() {
	var pump sync.WaitGroup
	pump.Add(1)
	go func() {
		defer pump.Done()
		c.writePump()
	}()

	closeStatus, closeReason := c.readLoop()

	c.manager.Destroy(c.sess, broker.ReasonSessionClosed)
	c.calls.Wait()

	close(c.done)
	pump.Wait()

	_ = c.ws.Close(closeStatus, closeReason)
}

// readLoop processes frames until the wire or the session ends. The first
// frame must be a valid hello.
func (c *conn) readLoop() (websocket.StatusCode, string) {
	ctx := c.sess.Context()

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if !c.sess.Closed() {
				return websocket.StatusNormalClosure, "client disconnected"
			}
			// The session was torn down underneath the read; report why.
			if reason := broker.CancelReason(ctx); reason == string(broker.KindHelloTimeout) {
				return closeHelloTimeout, "hello timeout"
			}
			return websocket.StatusGoingAway, "session closed"
		}

		// Text frames only; the protocol has no binary payloads.
		if typ != websocket.MessageText {
			c.send(newErrorFrame("", broker.Errorf(broker.KindInvalidRequest, "binary frames are not supported")))
			return closeProtocol, "binary frames are not supported"
		}

		frame, ferr := decodeClientFrame(data)
		if ferr != nil {
			c.send(newErrorFrame(frame.RequestID, ferr))
			continue
		}

		if !c.helloDone() {
			if frame.Op != opHello {
				c.send(newErrorFrame(frame.RequestID, broker.Errorf(broker.KindInvalidRequest, "hello must be the first frame")))
				return closeProtocol, "hello must be the first frame"
			}
			if err := c.manager.Authenticate(frame.Token); err != nil {
				c.send(newErrorFrame(frame.RequestID, broker.AsError(err)))
				return closeAuthFailed, "invalid auth token"
			}
			c.markHello()
			c.send(c.helloOK(frame.RequestID))
			continue
		}

		switch frame.Op {
		case opHello:
			c.send(newErrorFrame(frame.RequestID, broker.Errorf(broker.KindInvalidRequest, "session already helloed")))

		case opListTools:
			c.send(c.toolsFrame(frame))

		case opCallTool:
			c.startCall(frame)

		case opCancel:
			// Cancelling an id with no live call is a success no-op: the
			// call already reached a terminal state.
			c.sess.CancelCall(frame.RequestID, broker.ReasonClientCancel)
		}
	}
}

// startCall launches one tool call on its own goroutine and routes telemetry
// events and the terminal result back onto the wire.
func (c *conn) startCall(frame clientFrame) {
	requestID := frame.RequestID
	c.calls.Add(1)
	go func() {
		defer c.calls.Done()
		res := c.dispatcher.Dispatch(c.sess, broker.Request{
			RequestID: requestID,
			ToolName:  frame.Tool,
			Args:      frame.Args,
			Notify: func(event string, fields map[string]any) {
				c.sendEvent(requestID, event, fields)
			},
		})
		c.send(terminalFrame(requestID, res))
	}()
}

func (c *conn) helloOK(requestID string) helloOKFrame {
	deadlines := make(map[string]wireDeadlines, 3)
	for _, tier := range config.Tiers() {
		deadlines[string(tier)] = newWireDeadlines(c.dispatcher.Deadlines(tier))
	}
	return helloOKFrame{
		Op:        opHelloOK,
		RequestID: requestID,
		SessionID: c.sess.ID,
		Deadlines: deadlines,
	}
}

func (c *conn) toolsFrame(frame clientFrame) toolsListFrame {
	descriptors := c.dispatcher.Registry().List(frame.IncludeAdvanced)
	tools := make([]wireTool, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, wireTool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
			Provider:    d.Provider,
			Tier:        string(d.Tier),
		})
	}
	return toolsListFrame{Op: opTools, RequestID: frame.RequestID, Tools: tools}
}

// send queues a frame for the write pump, blocking until there is room. Safe
// to call after shutdown; the frame is silently discarded then.
func (c *conn) send(f any) {
	select {
	case c.out <- f:
	case <-c.done:
	}
}

// sendEvent queues a telemetry mirror frame. Unlike result frames, event
// frames are best-effort: when the client cannot keep up they are dropped
// rather than stalling the call path.
func (c *conn) sendEvent(requestID, event string, fields map[string]any) {
	f := eventFrame(requestID, event, fields)
	select {
	case c.out <- f:
	case <-c.done:
	default:
		slog.Debug("ws event frame dropped", "session_id", c.sess.ID, "event", event)
	}
}

// writePump serialises all wire writes. Each write gets its own deadline so
// one stalled client cannot hold the pump forever.
func (c *conn) writePump() {
	for {
		select {
		case f := <-c.out:
			c.writeFrame(f)
		case <-c.done:
			// Flush what is already queued, then stop.
			for {
				select {
				case f := <-c.out:
					c.writeFrame(f)
					continue
				default:
				}
				return
			}
		}
	}
}

func (c *conn) writeFrame(f any) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeBudget)
	defer cancel()

	if err := writeJSON(ctx, c.ws, f); err != nil {
		slog.Debug("ws write failed", "session_id", c.sess.ID, "err", err)
	}
}

// writeJSON marshals f and writes it as a single text frame.
func writeJSON(ctx context.Context, ws *websocket.Conn, f any) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) helloDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.helloed
}

func (c *conn) markHello() {
	c.mu.Lock()
	c.helloed = true
	c.mu.Unlock()
	c.sess.MarkHello()
}
