package wsfront

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/toolgate/internal/broker"
	"github.com/MrWong99/toolgate/internal/config"
)

type testServer struct {
	server  *Server
	manager *broker.Manager
}

func startTestServer(t *testing.T, authToken string, helloTimeout time.Duration) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Timeouts.Simple = 2 * time.Second

	registry := broker.NewRegistry()
	if err := registry.Register(
		broker.Descriptor{Name: "echo", Description: "echo", Tier: config.TierSimple},
		broker.ToolFunc(func(_ context.Context, args map[string]any, _ broker.ToolContext) (any, error) {
			return args["text"], nil
		})); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(
		broker.Descriptor{Name: "block", Tier: config.TierSimple},
		broker.ToolFunc(func(ctx context.Context, _ map[string]any, _ broker.ToolContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})); err != nil {
		t.Fatal(err)
	}

	manager := broker.NewManager(context.Background(), broker.ManagerOptions{
		AuthToken:          authToken,
		HelloTimeout:       helloTimeout,
		SessionMaxInflight: cfg.Limits.SessionMaxInflight,
	})
	dispatcher := broker.NewDispatcher(broker.DispatcherOptions{
		Config:    cfg,
		Registry:  registry,
		Providers: broker.NewProviders(),
		Scheduler: broker.NewScheduler(broker.SchedulerOptions{
			GlobalMaxInflight:   cfg.Limits.GlobalMaxInflight,
			ProviderMaxInflight: cfg.Limits.ProviderMaxInflight,
		}),
	})

	srv := NewServer(ServerOptions{
		Addr:        "127.0.0.1:0",
		Dispatcher:  dispatcher,
		Manager:     manager,
		WriteBudget: 5 * time.Second,
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		manager.CloseAll(broker.ReasonShutdown)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &testServer{server: srv, manager: manager}
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialTest(t *testing.T, srv *Server) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "test done") })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) write(frame map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		c.t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatal(err)
	}
}

func (c *wsClient) read() map[string]any {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		c.t.Fatalf("unmarshal %q: %v", data, err)
	}
	return frame
}

// readUntil skips event frames until a frame of the wanted op arrives.
func (c *wsClient) readUntil(op string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f := c.read()
		if f["op"] == op {
			return f
		}
	}
	c.t.Fatalf("no %q frame before deadline", op)
	return nil
}

func (c *wsClient) hello(token string) map[string]any {
	c.t.Helper()
	c.write(map[string]any{"op": "hello", "token": token, "client_info": map[string]any{"name": "test-client"}})
	return c.read()
}

func TestStartFailsWhenAddrBusy(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv := NewServer(ServerOptions{Addr: ln.Addr().String()})
	if err := srv.Start(); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		t.Fatal("Start on an occupied address must fail")
	}
}

func TestHelloHandshake(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, "", 5*time.Second)
	client := dialTest(t, ts.server)

	ok := client.hello("")
	if ok["op"] != "hello_ok" {
		t.Fatalf("frame = %v", ok)
	}
	if ok["session_id"] == "" {
		t.Fatal("hello_ok must carry a session id")
	}
	deadlines, _ := ok["deadlines"].(map[string]any)
	if len(deadlines) != 3 {
		t.Fatalf("deadlines = %v, want all three tiers", deadlines)
	}
	simple, _ := deadlines["simple"].(map[string]any)
	if simple["tool_secs"] != float64(2) || simple["client_secs"] != float64(5) {
		t.Fatalf("simple deadlines = %v", simple)
	}
}

func TestAuthRejection(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, "s3cret", 5*time.Second)
	client := dialTest(t, ts.server)

	resp := client.hello("wrong")
	if resp["op"] != "error" {
		t.Fatalf("frame = %v", resp)
	}
	if resp["kind"] != "AuthError" || resp["code"] != float64(-32011) {
		t.Fatalf("error = %v", resp)
	}

	// The server closes the socket; the next read must fail.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := client.ws.Read(ctx); err == nil {
		t.Fatal("socket must be closed after auth failure")
	}
}

func TestCallBeforeHelloIsRejected(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, "", 5*time.Second)
	client := dialTest(t, ts.server)

	client.write(map[string]any{"op": "call_tool", "request_id": "r1", "tool": "echo"})
	resp := client.read()
	if resp["op"] != "error" {
		t.Fatalf("frame = %v", resp)
	}
	if resp["kind"] != "InvalidRequest" {
		t.Fatalf("error = %v", resp)
	}
}

func TestHelloTimeoutClosesConnection(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, "", 100*time.Millisecond)
	client := dialTest(t, ts.server)

	// Send nothing; the server must drop the connection.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := client.ws.Read(ctx)
	if err == nil {
		t.Fatal("connection must close on hello timeout")
	}
	if websocket.CloseStatus(err) != closeHelloTimeout {
		t.Fatalf("close status = %v, want %v", websocket.CloseStatus(err), closeHelloTimeout)
	}
}

func TestCallToolRoundtrip(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, "", 5*time.Second)
	client := dialTest(t, ts.server)
	client.hello("")

	client.write(map[string]any{
		"op": "call_tool", "request_id": "r1", "tool": "echo",
		"arguments": map[string]any{"text": "ping"},
	})

	result := client.readUntil("result")
	if result["request_id"] != "r1" || result["ok"] != true || result["payload"] != "ping" {
		t.Fatalf("result = %v", result)
	}
}

func TestCallEmitsEventFrames(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, "", 5*time.Second)
	client := dialTest(t, ts.server)
	client.hello("")

	client.write(map[string]any{
		"op": "call_tool", "request_id": "r1", "tool": "echo",
		"arguments": map[string]any{"text": "x"},
	})

	seen := map[string]map[string]any{}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f := client.read()
		if f["op"] == "event" {
			if ev, ok := f["event"].(string); ok {
				seen[ev] = f
			}
			continue
		}
		if f["op"] == "result" {
			break
		}
	}
	if seen["tool_call_received"] == nil || seen["tool_call_admitted"] == nil {
		t.Fatalf("events = %v, want received and admitted mirrored", seen)
	}
	// Event fields sit at the top level of the frame.
	admitted := seen["tool_call_admitted"]
	if admitted["request_id"] != "r1" || admitted["tool"] != "echo" {
		t.Fatalf("admitted frame = %v", admitted)
	}
	if _, ok := admitted["wait_ms"]; !ok {
		t.Fatalf("admitted frame = %v, want an inlined wait_ms field", admitted)
	}
}

func TestListTools(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, "", 5*time.Second)
	client := dialTest(t, ts.server)
	client.hello("")

	client.write(map[string]any{"op": "list_tools", "request_id": "r1"})
	resp := client.readUntil("tools")

	tools, _ := resp["tools"].([]any)
	names := map[string]bool{}
	for _, raw := range tools {
		tool, _ := raw.(map[string]any)
		names[tool["name"].(string)] = true
	}
	if !names["echo"] || !names["block"] {
		t.Fatalf("tools = %v", names)
	}
}

func TestCancelOverWire(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, "", 5*time.Second)
	client := dialTest(t, ts.server)
	client.hello("")

	client.write(map[string]any{"op": "call_tool", "request_id": "r1", "tool": "block"})

	// Wait until the call is admitted before cancelling.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f := client.read()
		if f["op"] == "event" && f["event"] == "tool_call_admitted" {
			break
		}
	}

	client.write(map[string]any{"op": "cancel", "request_id": "r1"})

	terminal := client.readUntil("error")
	if terminal["request_id"] != "r1" || terminal["kind"] != "Cancelled" {
		t.Fatalf("terminal = %v", terminal)
	}
	detail, _ := terminal["detail"].(map[string]any)
	if detail["reason"] != "client_cancel" {
		t.Fatalf("detail = %v", detail)
	}
}

func TestCancelUnknownIDIsNoOp(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, "", 5*time.Second)
	client := dialTest(t, ts.server)
	client.hello("")

	// Must not produce an error frame; follow with a call to prove the
	// session is still healthy.
	client.write(map[string]any{"op": "cancel", "request_id": "ghost"})
	client.write(map[string]any{
		"op": "call_tool", "request_id": "r1", "tool": "echo",
		"arguments": map[string]any{"text": "alive"},
	})
	result := client.readUntil("result")
	if result["ok"] != true || result["payload"] != "alive" {
		t.Fatalf("result = %v", result)
	}
}

func TestBinaryFrameIsRejected(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, "", 5*time.Second)
	client := dialTest(t, ts.server)
	client.hello("")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.ws.Write(ctx, websocket.MessageBinary, []byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}

	resp := client.readUntil("error")
	if resp["kind"] != "InvalidRequest" {
		t.Fatalf("error = %v", resp)
	}

	// The server closes the connection with the protocol close code.
	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	_, _, err := client.ws.Read(readCtx)
	if err == nil {
		t.Fatal("connection must close after a binary frame")
	}
	if websocket.CloseStatus(err) != closeProtocol {
		t.Fatalf("close status = %v, want %v", websocket.CloseStatus(err), closeProtocol)
	}
}

func TestUnknownOp(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, "", 5*time.Second)
	client := dialTest(t, ts.server)
	client.hello("")

	client.write(map[string]any{"op": "teleport", "request_id": "r1"})
	resp := client.read()
	if resp["op"] != "error" {
		t.Fatalf("frame = %v", resp)
	}
	if resp["kind"] != "InvalidRequest" || resp["code"] != float64(-32600) {
		t.Fatalf("error = %v", resp)
	}
}
