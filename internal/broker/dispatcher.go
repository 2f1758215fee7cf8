package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/toolgate/internal/config"
	"github.com/MrWong99/toolgate/internal/history"
	"github.com/MrWong99/toolgate/internal/observe"
	"github.com/MrWong99/toolgate/internal/resilience"
	"github.com/MrWong99/toolgate/internal/telemetry"
)

// Dispatcher runs the full call pipeline: validation, provider resolution,
// admission, execution under the tool-tier deadline, terminal classification,
// and telemetry emission. One Dispatcher serves all sessions and frontends.
type Dispatcher struct {
	cfg       *config.Config
	registry  *Registry
	providers *Providers
	scheduler *Scheduler
	emitter   *telemetry.Emitter
	metrics   *observe.Metrics
	recorder  history.Recorder
	breakers  *resilience.Set

	inflight sync.WaitGroup
}

// DispatcherOptions wires a [Dispatcher]'s collaborators. Registry, Providers
// and Scheduler are required; the rest default to no-ops when nil.
type DispatcherOptions struct {
	Config    *config.Config
	Registry  *Registry
	Providers *Providers
	Scheduler *Scheduler
	Emitter   *telemetry.Emitter
	Metrics   *observe.Metrics
	Recorder  history.Recorder
	Breakers  *resilience.Set
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	rec := opts.Recorder
	if rec == nil {
		rec = history.NopRecorder{}
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = resilience.NewSet(resilience.Config{})
	}
	return &Dispatcher{
		cfg:       opts.Config,
		registry:  opts.Registry,
		providers: opts.Providers,
		scheduler: opts.Scheduler,
		emitter:   opts.Emitter,
		metrics:   opts.Metrics,
		recorder:  rec,
		breakers:  breakers,
	}
}

// Registry returns the tool registry, for frontends building catalog
// listings.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Deadlines returns the derived deadline table for tier, for frontends that
// expose the client-level deadline hint.
func (d *Dispatcher) Deadlines(tier config.Tier) config.TierDeadlines {
	return d.cfg.Deadlines(tier)
}

// Drain blocks until every in-flight Dispatch returns or ctx ends. Returns
// the context error on expiry.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch executes one call to completion and returns its terminal result.
// It blocks for the call's duration; frontends run it on a per-call
// goroutine. Every accepted call produces exactly one received and one
// terminal telemetry event, mirrored to req.Notify when set.
func (d *Dispatcher) Dispatch(sess *Session, req Request) Result {
	d.inflight.Add(1)
	defer d.inflight.Done()

	start := time.Now()

	if req.RequestID == "" {
		res := ErrResult(Errorf(KindInvalidRequest, "request id must not be empty"))
		d.emitTerminal(sess, req, "", "", start, 0, 0, false, res)
		return res
	}

	summary := argSummary(req.Args)
	d.emit(req, telemetry.Event{
		Event:      telemetry.EventToolCallReceived,
		SessionID:  sess.ID,
		RequestID:  req.RequestID,
		Tool:       req.ToolName,
		Transport:  string(sess.Transport),
		ArgSummary: summary,
	})

	desc, impl, err := d.registry.Get(req.ToolName)
	if err != nil {
		res := ErrResult(AsError(err))
		d.emitTerminal(sess, req, "", summary, start, 0, 0, false, res)
		return res
	}

	if verr := desc.ValidateArgs(req.Args); verr != nil {
		res := ErrResult(verr)
		d.emitTerminal(sess, req, "", summary, start, 0, 0, false, res)
		return res
	}

	providerName, handle, perr := d.resolveProvider(desc, req.Args)
	if perr != nil {
		res := ErrResult(perr)
		d.emitTerminal(sess, req, providerName, summary, start, 0, 0, false, res)
		return res
	}

	// Backoff hinting: a tripped provider breaker fails fast without
	// consuming any admission slot.
	var breaker *resilience.Breaker
	if providerName != "" {
		breaker = d.breakers.Get(providerName)
		if !breaker.Allow() {
			res := ErrResult(Errorf(KindProviderError, "provider %q is backing off", providerName))
			d.emitTerminal(sess, req, providerName, summary, start, 0, 0, false, res)
			return res
		}
	}

	deadlines := d.cfg.Deadlines(desc.Tier)

	callCtx, cancelCall := context.WithCancelCause(sess.Context())
	defer cancelCall(nil)

	if terr := sess.TrackCall(req.RequestID, cancelCall); terr != nil {
		if breaker != nil {
			breaker.ReportSuccess() // the provider was never touched
		}
		res := ErrResult(AsError(terr))
		d.emitTerminal(sess, req, providerName, summary, start, 0, deadlines.Tool, false, res)
		return res
	}
	defer sess.UntrackCall(req.RequestID)

	ctx, span := observe.StartSpan(callCtx, "toolgate.dispatch",
		trace.WithAttributes(
			attribute.String("tool", req.ToolName),
			attribute.String("session_id", sess.ID),
			attribute.String("provider", providerName),
		))
	defer span.End()

	fingerprint := ""
	if d.scheduler.CoalesceEnabled(req.ToolName) {
		fingerprint = Fingerprint(req.ToolName, req.Args)
	}

	daemonCtx, cancelDaemon := context.WithTimeout(ctx, deadlines.Daemon)
	adm, aerr := d.scheduler.Admit(daemonCtx, sess, providerName, fingerprint, req.RequestID)
	cancelDaemon()
	if aerr != nil {
		if breaker != nil {
			breaker.ReportSuccess()
		}
		res := admissionResult(aerr)
		d.emitTerminal(sess, req, providerName, summary, start, 0, deadlines.Tool, adm != nil && adm.Coalesced, res)
		return res
	}

	if adm.Coalesced {
		if breaker != nil {
			breaker.ReportSuccess() // the leader owns the provider call
		}
		d.emit(req, telemetry.Event{
			Event:           telemetry.EventToolCoalesced,
			SessionID:       sess.ID,
			RequestID:       req.RequestID,
			Tool:            req.ToolName,
			Provider:        providerName,
			LeaderRequestID: adm.LeaderRequestID,
		})
		if d.metrics != nil {
			d.metrics.RecordCoalesced(ctx, req.ToolName)
		}

		waitCtx, cancelWait := context.WithTimeout(ctx, deadlines.Tool)
		res := adm.WaitLeader(waitCtx)
		cancelWait()

		d.emitTerminal(sess, req, providerName, summary, start, adm.Wait, deadlines.Tool, true, res)
		return res
	}

	d.emit(req, telemetry.Event{
		Event:      telemetry.EventToolCallAdmitted,
		SessionID:  sess.ID,
		RequestID:  req.RequestID,
		Tool:       req.ToolName,
		Provider:   providerName,
		WaitMs:     telemetry.Ms(adm.Wait.Milliseconds()),
		DeadlineMs: telemetry.Ms(deadlines.Tool.Milliseconds()),
	})
	if d.metrics != nil {
		d.metrics.AdmissionWait.Record(ctx, adm.Wait.Seconds())
		d.metrics.InflightCalls.Add(ctx, 1)
		defer d.metrics.InflightCalls.Add(context.Background(), -1)
	}

	res, stack := d.execute(ctx, impl, req, ToolContext{
		RequestID: req.RequestID,
		SessionID: sess.ID,
		Provider:  handle,
		Deadline:  time.Now().Add(deadlines.Tool),
	}, deadlines.Tool)

	if breaker != nil {
		if res.Status == StatusError && res.Err != nil && res.Err.Kind == KindProviderError {
			breaker.ReportFailure()
			if d.metrics != nil {
				d.metrics.RecordProviderError(ctx, providerName)
			}
		} else {
			breaker.ReportSuccess()
		}
	}

	adm.Complete(res)
	d.emitTerminalStack(sess, req, providerName, summary, start, adm.Wait, deadlines.Tool, false, res, stack)
	return res
}

// execute runs the tool under the tool-tier deadline with panic containment.
// The second return value is a non-empty stack trace when the tool panicked.
func (d *Dispatcher) execute(ctx context.Context, impl Tool, req Request, tc ToolContext, budget time.Duration) (Result, string) {
	// An already-expired budget times out without starting the tool.
	if budget <= 0 {
		return TimeoutResult(), ""
	}

	execCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type outcome struct {
		payload any
		err     error
		stack   string
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{
					err:   Errorf(KindInternal, "internal error"),
					stack: fmt.Sprintf("panic: %v\n%s", p, debug.Stack()),
				}
			}
		}()
		payload, err := impl.Execute(execCtx, req.Args, tc)
		ch <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			if be, ok := out.err.(*Error); ok {
				return ErrResult(be), out.stack
			}
			return ErrResult(Errorf(KindToolError, "%s", out.err.Error())), out.stack
		}
		return OKResult(out.payload), ""

	case <-execCtx.Done():
		// The tool goroutine may still be running; it is abandoned and its
		// eventual return discarded via the buffered channel.
		if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return TimeoutResult(), ""
		}
		reason := CancelReason(ctx)
		if reason == "" {
			if ctx.Err() == context.DeadlineExceeded {
				return TimeoutResult(), ""
			}
			reason = ReasonClientCancel
		}
		return CancelledResult(reason), ""
	}
}

// resolveProvider determines the provider binding for a call: the descriptor
// wins, otherwise an optional "provider" string argument selects one.
func (d *Dispatcher) resolveProvider(desc Descriptor, args map[string]any) (string, ProviderHandle, *Error) {
	name := desc.Provider
	if name == "" {
		if v, ok := args["provider"]; ok {
			s, ok := v.(string)
			if !ok {
				return "", nil, Errorf(KindInvalidArgs, "argument \"provider\" must be of type string")
			}
			name = s
		}
	}
	if name == "" {
		return "", nil, nil
	}
	handle, err := d.providers.Get(name)
	if err != nil {
		return name, nil, AsError(err)
	}
	return name, handle, nil
}

// admissionResult maps a failed admission onto the call's terminal shape.
func admissionResult(aerr *Error) Result {
	switch aerr.Kind {
	case KindTimeout:
		return TimeoutResult()
	case KindCancelled:
		reason := ReasonClientCancel
		if r, ok := aerr.Detail["reason"].(string); ok && r != "" {
			reason = r
		}
		return CancelledResult(reason)
	default:
		return ErrResult(aerr)
	}
}

// emit sends ev to the telemetry stream and mirrors it to the request's
// Notify callback.
func (d *Dispatcher) emit(req Request, ev telemetry.Event) {
	if ev.TS == "" {
		ev.TS = telemetry.Now()
	}
	if d.emitter != nil {
		d.emitter.Emit(ev)
	}
	if req.Notify != nil {
		req.Notify(ev.Event, ev.FieldMap())
	}
}

func (d *Dispatcher) emitTerminal(sess *Session, req Request, provider, summary string, start time.Time, wait, deadline time.Duration, coalesced bool, res Result) {
	d.emitTerminalStack(sess, req, provider, summary, start, wait, deadline, coalesced, res, "")
}

// emitTerminalStack emits the call's single terminal telemetry event, records
// metrics, and hands the call record to the history recorder.
func (d *Dispatcher) emitTerminalStack(sess *Session, req Request, provider, summary string, start time.Time, wait, deadline time.Duration, coalesced bool, res Result, stack string) {
	now := time.Now()
	dur := now.Sub(start)

	ev := telemetry.Event{
		SessionID:  sess.ID,
		RequestID:  req.RequestID,
		Tool:       req.ToolName,
		Provider:   provider,
		Transport:  string(sess.Transport),
		DurationMs: telemetry.Ms(dur.Milliseconds()),
	}

	var resultSize int64
	switch res.Status {
	case StatusOK:
		ev.Event = telemetry.EventToolCallComplete
		if raw, err := json.Marshal(res.Payload); err == nil {
			resultSize = int64(len(raw))
		}
		ev.ResultSize = telemetry.Ms(resultSize)
	case StatusError:
		ev.Event = telemetry.EventToolCallFailed
		if res.Err != nil {
			ev.ErrorKind = string(res.Err.Kind)
			ev.ErrorMessage = res.Err.Message
		}
		ev.Stack = stack
	case StatusTimeout:
		ev.Event = telemetry.EventToolCallTimeout
		if deadline > 0 {
			ev.DeadlineMs = telemetry.Ms(deadline.Milliseconds())
		}
	case StatusCancelled:
		ev.Event = telemetry.EventToolCallCancelled
		ev.Reason = res.Reason
	}
	d.emit(req, ev)

	if d.metrics != nil {
		ctx := context.Background()
		d.metrics.RecordCall(ctx, req.ToolName, string(res.Status), provider)
		d.metrics.DispatchDuration.Record(ctx, dur.Seconds())
	}

	rec := history.CallRecord{
		RequestID:  req.RequestID,
		SessionID:  sess.ID,
		Tool:       req.ToolName,
		Provider:   provider,
		Transport:  string(sess.Transport),
		Status:     string(res.Status),
		Reason:     res.Reason,
		ArgSummary: summary,
		Coalesced:  coalesced,
		WaitMs:     wait.Milliseconds(),
		DurationMs: dur.Milliseconds(),
		ResultSize: resultSize,
		StartedAt:  start,
		FinishedAt: now,
	}
	if res.Err != nil {
		rec.ErrorKind = string(res.Err.Kind)
	}
	d.recorder.Record(rec)
}

// argSummary renders the privacy-safe argument digest for telemetry: the
// sorted key set and the serialized size. Argument values never appear.
func argSummary(args map[string]any) string {
	if len(args) == 0 {
		return "keys=[] size=0"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	size := 0
	if raw, err := json.Marshal(args); err == nil {
		size = len(raw)
	}
	return fmt.Sprintf("keys=[%s] size=%d", strings.Join(keys, ","), size)
}
