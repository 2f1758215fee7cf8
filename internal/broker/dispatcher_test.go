package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/toolgate/internal/config"
)

type dispatchEnv struct {
	dispatcher *Dispatcher
	manager    *Manager
	providers  *Providers
}

func newDispatchEnv(t *testing.T, mutate func(*config.Config)) *dispatchEnv {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	registry := NewRegistry()
	providers := NewProviders()
	scheduler := NewScheduler(SchedulerOptions{
		GlobalMaxInflight:     cfg.Limits.GlobalMaxInflight,
		ProviderMaxInflight:   cfg.Limits.ProviderMaxInflight,
		CoalesceDisabledTools: cfg.CoalesceDisabledTools,
	})
	manager := NewManager(context.Background(), ManagerOptions{
		SessionMaxInflight: cfg.Limits.SessionMaxInflight,
	})

	mustRegister := func(desc Descriptor, impl Tool) {
		t.Helper()
		if err := registry.Register(desc, impl); err != nil {
			t.Fatal(err)
		}
	}

	mustRegister(Descriptor{Name: "echo", Tier: config.TierSimple},
		ToolFunc(func(_ context.Context, args map[string]any, _ ToolContext) (any, error) {
			return args["text"], nil
		}))
	mustRegister(Descriptor{Name: "block", Tier: config.TierSimple},
		ToolFunc(func(ctx context.Context, _ map[string]any, _ ToolContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	mustRegister(Descriptor{Name: "explode", Tier: config.TierSimple},
		ToolFunc(func(_ context.Context, _ map[string]any, _ ToolContext) (any, error) {
			panic("boom")
		}))
	mustRegister(Descriptor{Name: "fail", Tier: config.TierSimple},
		ToolFunc(func(_ context.Context, _ map[string]any, _ ToolContext) (any, error) {
			return nil, errors.New("tool exploded politely")
		}))

	d := NewDispatcher(DispatcherOptions{
		Config:    cfg,
		Registry:  registry,
		Providers: providers,
		Scheduler: scheduler,
	})
	return &dispatchEnv{dispatcher: d, manager: manager, providers: providers}
}

func (e *dispatchEnv) session(t *testing.T) *Session {
	t.Helper()
	s, err := e.manager.Open(TransportWS)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.manager.Destroy(s, ReasonShutdown) })
	return s
}

func TestDispatchHappyPath(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, nil)
	sess := env.session(t)

	res := env.dispatcher.Dispatch(sess, Request{
		RequestID: "r1",
		ToolName:  "echo",
		Args:      map[string]any{"text": "hello"},
	})
	if res.Status != StatusOK {
		t.Fatalf("status = %s (%v), want ok", res.Status, res.Err)
	}
	if res.Payload != "hello" {
		t.Fatalf("payload = %v", res.Payload)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, nil)
	sess := env.session(t)

	res := env.dispatcher.Dispatch(sess, Request{RequestID: "r1", ToolName: "nope"})
	if res.Status != StatusError || res.Err.Kind != KindUnknownTool {
		t.Fatalf("got %+v, want UnknownTool error", res)
	}
	if res.Err.Kind.Code() != -32601 {
		t.Fatalf("code = %d, want -32601", res.Err.Kind.Code())
	}
}

func TestDispatchUnknownProvider(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, nil)
	sess := env.session(t)

	res := env.dispatcher.Dispatch(sess, Request{
		RequestID: "r1",
		ToolName:  "echo",
		Args:      map[string]any{"text": "x", "provider": "nonexistent"},
	})
	if res.Status != StatusError || res.Err.Kind != KindUnknownProvider {
		t.Fatalf("got %+v, want UnknownProvider error", res)
	}
}

func TestDispatchEmptyRequestID(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, nil)
	sess := env.session(t)

	res := env.dispatcher.Dispatch(sess, Request{ToolName: "echo"})
	if res.Status != StatusError || res.Err.Kind != KindInvalidRequest {
		t.Fatalf("got %+v, want InvalidRequest error", res)
	}
}

func TestDispatchToolError(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, nil)
	sess := env.session(t)

	res := env.dispatcher.Dispatch(sess, Request{RequestID: "r1", ToolName: "fail"})
	if res.Status != StatusError || res.Err.Kind != KindToolError {
		t.Fatalf("got %+v, want ToolError", res)
	}
	if res.Err.Message != "tool exploded politely" {
		t.Fatalf("message = %q", res.Err.Message)
	}
}

func TestDispatchPanicIsContained(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, nil)
	sess := env.session(t)

	res := env.dispatcher.Dispatch(sess, Request{RequestID: "r1", ToolName: "explode"})
	if res.Status != StatusError || res.Err.Kind != KindInternal {
		t.Fatalf("got %+v, want contained Internal error", res)
	}
	// The client-facing message must stay generic; the stack goes to
	// telemetry only.
	if res.Err.Message != "internal error" {
		t.Fatalf("message = %q leaks detail", res.Err.Message)
	}

	// The dispatcher survives and serves the next call.
	res = env.dispatcher.Dispatch(sess, Request{
		RequestID: "r2", ToolName: "echo", Args: map[string]any{"text": "still alive"},
	})
	if res.Status != StatusOK {
		t.Fatalf("follow-up status = %s", res.Status)
	}
}

func TestDispatchToolTimeout(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, func(c *config.Config) {
		c.Timeouts.Simple = time.Second
	})
	sess := env.session(t)

	start := time.Now()
	res := env.dispatcher.Dispatch(sess, Request{RequestID: "r1", ToolName: "block"})
	if res.Status != StatusTimeout {
		t.Fatalf("status = %s (%v), want timeout", res.Status, res.Err)
	}
	if elapsed := time.Since(start); elapsed < time.Second || elapsed > 3*time.Second {
		t.Fatalf("timed out after %v, want ~1s", elapsed)
	}
}

func TestDispatchTimeoutEventCarriesDeadline(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, func(c *config.Config) {
		c.Timeouts.Simple = time.Second
	})
	sess := env.session(t)

	var mu sync.Mutex
	events := map[string]map[string]any{}
	res := env.dispatcher.Dispatch(sess, Request{
		RequestID: "r1",
		ToolName:  "block",
		Notify: func(event string, fields map[string]any) {
			mu.Lock()
			events[event] = fields
			mu.Unlock()
		},
	})
	if res.Status != StatusTimeout {
		t.Fatalf("status = %s (%v), want timeout", res.Status, res.Err)
	}

	mu.Lock()
	terminal := events["tool_call_timeout"]
	mu.Unlock()
	if terminal == nil {
		t.Fatalf("events = %v, want a tool_call_timeout terminal", events)
	}
	if terminal["deadline_ms"] != float64(1000) {
		t.Fatalf("deadline_ms = %v, want 1000", terminal["deadline_ms"])
	}
}

func TestDispatchClientCancel(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, nil)
	sess := env.session(t)

	var wg sync.WaitGroup
	wg.Add(1)
	var res Result
	go func() {
		defer wg.Done()
		res = env.dispatcher.Dispatch(sess, Request{RequestID: "r1", ToolName: "block"})
	}()

	// Wait until the call is tracked, then cancel it by request id.
	deadline := time.Now().Add(2 * time.Second)
	for !sess.CancelCall("r1", ReasonClientCancel) {
		if time.Now().After(deadline) {
			t.Fatal("call never became cancellable")
		}
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	if res.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	if res.Reason != ReasonClientCancel {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonClientCancel)
	}
}

func TestDispatchSessionCloseCancelsCalls(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, nil)
	sess := env.session(t)

	var wg sync.WaitGroup
	wg.Add(1)
	var res Result
	go func() {
		defer wg.Done()
		res = env.dispatcher.Dispatch(sess, Request{RequestID: "r1", ToolName: "block"})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sess.inflight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("call never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	env.manager.Destroy(sess, ReasonSessionClosed)
	wg.Wait()

	if res.Status != StatusCancelled || res.Reason != ReasonSessionClosed {
		t.Fatalf("got %+v, want cancelled/%s", res, ReasonSessionClosed)
	}
}

func TestDispatchDuplicateRequestID(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, nil)
	sess := env.session(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		env.dispatcher.Dispatch(sess, Request{RequestID: "dup", ToolName: "block"})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sess.inflight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first call never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	res := env.dispatcher.Dispatch(sess, Request{
		RequestID: "dup", ToolName: "echo", Args: map[string]any{"text": "x"},
	})
	if res.Status != StatusError || res.Err.Kind != KindInvalidRequest {
		t.Fatalf("got %+v, want InvalidRequest for duplicate id", res)
	}

	sess.CancelCall("dup", ReasonClientCancel)
	wg.Wait()
}

func TestDispatchCoalescesDuplicates(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, nil)

	release := make(chan struct{})
	if err := env.dispatcher.registry.Register(
		Descriptor{Name: "slow", Tier: config.TierSimple},
		ToolFunc(func(ctx context.Context, _ map[string]any, _ ToolContext) (any, error) {
			select {
			case <-release:
				return "shared", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})); err != nil {
		t.Fatal(err)
	}

	sess := env.session(t)
	args := map[string]any{"q": "same"}

	results := make(chan Result, 2)
	var events sync.Map
	notify := func(id string) func(string, map[string]any) {
		return func(event string, _ map[string]any) {
			events.Store(id+"/"+event, true)
		}
	}

	go func() {
		results <- env.dispatcher.Dispatch(sess, Request{
			RequestID: "lead", ToolName: "slow", Args: args, Notify: notify("lead"),
		})
	}()

	// Wait for the leader to be in flight before launching the duplicate.
	deadline := time.Now().Add(2 * time.Second)
	for sess.inflight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("leader never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	go func() {
		results <- env.dispatcher.Dispatch(sess, Request{
			RequestID: "follow", ToolName: "slow", Args: args, Notify: notify("follow"),
		})
	}()

	// Wait for the follower to coalesce, then let the leader finish.
	deadline = time.Now().Add(2 * time.Second)
	for {
		if _, ok := events.Load("follow/tool_coalesced"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("follower never coalesced")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)

	for i := 0; i < 2; i++ {
		res := <-results
		if res.Status != StatusOK || res.Payload != "shared" {
			t.Fatalf("result %d = %+v", i, res)
		}
	}
}

func TestDispatchCoalesceDisabledToolRunsEveryCall(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, func(c *config.Config) {
		c.CoalesceDisabledTools = []string{"counted"}
	})
	sess := env.session(t)

	var executions atomic.Int64
	release := make(chan struct{})
	if err := env.dispatcher.registry.Register(
		Descriptor{Name: "counted", Tier: config.TierSimple},
		ToolFunc(func(ctx context.Context, _ map[string]any, _ ToolContext) (any, error) {
			executions.Add(1)
			select {
			case <-release:
				return "ran", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})); err != nil {
		t.Fatal(err)
	}

	args := map[string]any{"q": "identical"}
	results := make(chan Result, 2)
	go func() {
		results <- env.dispatcher.Dispatch(sess, Request{RequestID: "a", ToolName: "counted", Args: args})
	}()
	go func() {
		results <- env.dispatcher.Dispatch(sess, Request{RequestID: "b", ToolName: "counted", Args: args})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for executions.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("executions = %d, want 2 independent runs", executions.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	for i := 0; i < 2; i++ {
		if res := <-results; res.Status != StatusOK {
			t.Fatalf("result %d = %+v", i, res)
		}
	}
}

func TestDrainWaitsForInflight(t *testing.T) {
	t.Parallel()
	env := newDispatchEnv(t, nil)
	sess := env.session(t)

	release := make(chan struct{})
	if err := env.dispatcher.registry.Register(
		Descriptor{Name: "gated", Tier: config.TierSimple},
		ToolFunc(func(ctx context.Context, _ map[string]any, _ ToolContext) (any, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})); err != nil {
		t.Fatal(err)
	}

	go env.dispatcher.Dispatch(sess, Request{RequestID: "r1", ToolName: "gated"})

	deadline := time.Now().Add(2 * time.Second)
	for sess.inflight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("call never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := env.dispatcher.Drain(short); err == nil {
		t.Fatal("Drain must report expiry while a call is in flight")
	}

	close(release)
	long, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := env.dispatcher.Drain(long); err != nil {
		t.Fatalf("Drain after release: %v", err)
	}
}

func TestArgSummaryNeverLeaksValues(t *testing.T) {
	t.Parallel()
	s := argSummary(map[string]any{"password": "hunter2", "query": "secret plans"})
	if !strings.HasPrefix(s, "keys=[password,query] size=") {
		t.Fatalf("summary shape = %q", s)
	}
	for _, leak := range []string{"hunter2", "secret plans"} {
		if strings.Contains(s, leak) {
			t.Fatalf("summary %q leaks value %q", s, leak)
		}
	}
	if argSummary(nil) != "keys=[] size=0" {
		t.Fatalf("empty summary = %q", argSummary(nil))
	}
}
