// Package worker implements the Worker Runtime (C9): the process that
// actually leases queue entries and invokes the Action an entry names.
// It generalizes the teacher's job-queue worker one-for-one — claim via
// lease instead of a single-row lock, dispatch through action.Registry
// instead of runtime.Registry, the same heartbeat-goroutine-plus-panic-
// recovery shape wrapping every invocation.
//
// The Worker never decides routing: it renders one step's action,
// invokes it, and appends the resulting action/step/iterator events.
// The Broker picks up from there on its next Schedule pass.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/conduitrun/conduit/internal/action"
	"github.com/conduitrun/conduit/internal/broker"
	"github.com/conduitrun/conduit/internal/catalog"
	"github.com/conduitrun/conduit/internal/credential"
	"github.com/conduitrun/conduit/internal/domain"
	"github.com/conduitrun/conduit/internal/eventlog"
	"github.com/conduitrun/conduit/internal/execution"
	"github.com/conduitrun/conduit/internal/platform/dbctx"
	"github.com/conduitrun/conduit/internal/platform/logger"
	"github.com/conduitrun/conduit/internal/queue"
	"github.com/conduitrun/conduit/internal/realtime/bus"
	"github.com/conduitrun/conduit/internal/template"
)

// Worker polls the Queue for runnable entries and drives them through
// the Action Registry.
type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	events   eventlog.Store
	queue    queue.Store
	execs    execution.Store
	catalog  catalog.Store
	registry *action.Registry
	keychain *credential.Keychain // optional; nil disables credential resolution
	bus      bus.Bus              // optional; nil disables progress fan-out
	sched    *broker.Broker       // optional; nil disables the post-terminal-event reschedule
	pool     queue.PoolFilter
	id       string
}

// Config carries the deployment knobs the teacher reads from the
// environment for its job worker, generalized to name the Queue's pool
// filter instead of a single job_type list.
type Config struct {
	WorkerID      string
	Pool          string
	Runtime       string
	Concurrency   int
	LeaseDuration time.Duration
}

func New(db *gorm.DB, log *logger.Logger, events eventlog.Store, q queue.Store, execs execution.Store, cat catalog.Store, registry *action.Registry, cfg Config) *Worker {
	id := cfg.WorkerID
	if id == "" {
		id = fmt.Sprintf("worker-%d", os.Getpid())
	}
	return &Worker{
		db:       db,
		log:      log.With("component", "worker", "worker_id", id),
		events:   events,
		queue:    q,
		execs:    execs,
		catalog:  cat,
		registry: registry,
		pool:     queue.PoolFilter{Pool: cfg.Pool, Runtime: cfg.Runtime},
		id:       id,
	}
}

// WithKeychain attaches credential resolution so rendered action config
// can reference a keychain entry by name.
func (w *Worker) WithKeychain(k *credential.Keychain) *Worker {
	w.keychain = k
	return w
}

// WithBus attaches the progress bus; action_started/action_completed/
// action_failed notifications fan out over it exactly like the
// Broker's own event appends (§ "cross-process progress fan-out").
func (w *Worker) WithBus(pb bus.Bus) *Worker {
	w.bus = pb
	return w
}

// WithScheduler attaches the Broker the Worker asks to run a fresh
// scheduling pass every time it appends a terminal event for a step —
// the Broker's own doc comment on Schedule names exactly this call site
// ("a worker's ack/nack") as one of the state changes that must trigger
// a pass. Without it nothing re-evaluates readiness once the first step
// finishes and the execution stalls.
func (w *Worker) WithScheduler(b *broker.Broker) *Worker {
	w.sched = b
	return w
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Start launches the worker pool: WORKER_CONCURRENCY goroutines (or
// cfg.Concurrency if set), each an independent runLoop polling the
// queue and leasing work. A lease is held by one goroutine/process at a
// time regardless of how many run concurrently, enforced by the Queue's
// SKIP LOCKED lease.
func (w *Worker) Start(ctx context.Context, cfg Config) {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = getEnvInt("WORKER_CONCURRENCY", 4)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	leaseDuration := cfg.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = getEnvDuration("LEASE_DURATION", 2*time.Minute)
	}
	w.log.Info("starting worker pool", "concurrency", concurrency, "lease_duration", leaseDuration)

	for i := 0; i < concurrency; i++ {
		go w.runLoop(ctx, i+1, leaseDuration)
	}
}

func (w *Worker) runLoop(ctx context.Context, slot int, leaseDuration time.Duration) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped", "slot", slot)
			return
		case <-ticker.C:
			leased, err := w.queue.Lease(dbctx.Context{Ctx: ctx, Tx: w.db}, w.id, w.pool, 1, leaseDuration)
			if err != nil {
				w.log.Warn("lease failed", "slot", slot, "error", err)
				continue
			}
			if len(leased) == 0 {
				continue
			}
			w.process(ctx, leased[0], leaseDuration)
		}
	}
}

// process renders, invokes, and settles exactly one leased queue entry,
// wrapping the invocation with a heartbeat goroutine and panic recovery
// the same way the teacher's job worker wraps a handler call.
func (w *Worker) process(ctx context.Context, entry domain.QueueEntry, leaseDuration time.Duration) {
	plog := w.log.With("execution_id", entry.ExecutionID, "node_id", entry.NodeID, "queue_id", entry.QueueID)

	var spec broker.ActionSpec
	if err := json.Unmarshal(entry.ActionSpec, &spec); err != nil {
		plog.Error("unreadable action spec; dead-lettering", "error", err)
		w.settleFailure(ctx, entry, "unreadable action spec: "+err.Error(), false)
		return
	}

	ic, emit, err := w.render(ctx, entry, spec)
	if err != nil {
		plog.Warn("render failed", "error", err)
		w.settleFailure(ctx, entry, err.Error(), false)
		return
	}

	impl, err := w.registry.Resolve(spec.ActionKind)
	if err != nil {
		plog.Warn("no action registered", "action_kind", spec.ActionKind, "error", err)
		w.settleFailure(ctx, entry, err.Error(), false)
		return
	}

	stopHB := w.startHeartbeat(ctx, entry.QueueID, leaseDuration)
	defer stopHB()

	w.appendEvent(ctx, entry.ExecutionID, &domain.Event{
		EventType:     domain.EventActionStarted,
		NodeID:        entry.NodeID,
		IteratorIndex: entry.IteratorIndex,
		AttemptCount:  entry.AttemptCount,
		Status:        domain.StatusStarted,
	})

	outcome, invokeErr := w.invokeSafely(ctx, impl, ic, emit)

	if invokeErr != nil {
		plog.Warn("action failed", "error", invokeErr)
		kind := outcome.ErrKind
		if kind == "" {
			kind = domain.ErrAction
		}
		w.appendEvent(ctx, entry.ExecutionID, &domain.Event{
			EventType:     domain.EventActionFailed,
			NodeID:        entry.NodeID,
			IteratorIndex: entry.IteratorIndex,
			AttemptCount:  entry.AttemptCount,
			Status:        domain.StatusFailed,
			Error: eventlog.MustMarshalPayload(domain.EventError{
				Kind:         kind,
				Message:      invokeErr.Error(),
				Retryable:    outcome.Retryable,
				AttemptCount: entry.AttemptCount,
			}),
		})
		w.settleFailure(ctx, entry, invokeErr.Error(), outcome.Retryable)
		return
	}

	w.appendEvent(ctx, entry.ExecutionID, &domain.Event{
		EventType:     domain.EventActionCompleted,
		NodeID:        entry.NodeID,
		IteratorIndex: entry.IteratorIndex,
		AttemptCount:  entry.AttemptCount,
		Status:        domain.StatusSuccess,
	})

	if entry.IteratorIndex != nil {
		w.appendEvent(ctx, entry.ExecutionID, &domain.Event{
			EventType:     domain.EventIteratorIterationDone,
			NodeID:        entry.NodeID,
			IteratorIndex: entry.IteratorIndex,
			AttemptCount:  entry.AttemptCount,
			Status:        domain.StatusSuccess,
			Payload:       eventlog.MustMarshalPayload(map[string]any{"result": outcome.Result}),
		})
	} else {
		w.appendEvent(ctx, entry.ExecutionID, &domain.Event{
			EventType:    domain.EventStepCompleted,
			NodeID:       entry.NodeID,
			AttemptCount: entry.AttemptCount,
			Status:       domain.StatusSuccess,
			Payload:      eventlog.MustMarshalPayload(map[string]any{"result": outcome.Result}),
		})
	}

	if err := w.queue.Ack(dbctx.Context{Ctx: ctx, Tx: w.db}, entry.QueueID, w.id); err != nil {
		plog.Warn("ack failed", "error", err)
	}
	w.reschedule(ctx, entry.ExecutionID)
}

// reschedule runs one Broker scheduling pass for executionID, best
// effort: a failed pass here is not fatal to the step that just
// finished and is only logged. The next pass for the execution runs
// when a worker settles another of its entries; the periodic reaper
// and Cancel do not run scheduling passes, so the execution stalls
// until that happens.
func (w *Worker) reschedule(ctx context.Context, executionID int64) {
	if w.sched == nil {
		return
	}
	if err := w.sched.Schedule(dbctx.Context{Ctx: ctx}, executionID); err != nil {
		w.log.Warn("reschedule failed", "execution_id", executionID, "error", err)
	}
}

// invokeSafely recovers a panicking Action the same way the teacher's
// worker converts a handler panic into a job failure instead of
// crashing the worker process.
func (w *Worker) invokeSafely(ctx context.Context, impl action.Action, ic action.InvocationContext, emit action.EmitProgress) (outcome action.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panic: %v", r)
		}
	}()
	return impl.Invoke(ctx, ic, emit)
}

func (w *Worker) settleFailure(ctx context.Context, entry domain.QueueEntry, message string, retryable bool) {
	backoff := 10 * time.Second
	for i := 1; i < entry.AttemptCount && i < 6; i++ {
		backoff *= 2
	}
	deadLettered, err := w.queue.Nack(dbctx.Context{Ctx: ctx, Tx: w.db}, entry.QueueID, w.id, backoff, !retryable)
	if err != nil {
		w.log.Warn("nack failed", "queue_id", entry.QueueID, "error", err)
		return
	}
	if !deadLettered {
		return
	}
	eventType := domain.EventStepFailed
	if entry.IteratorIndex != nil {
		eventType = domain.EventIteratorIterationDone
	}
	w.appendEvent(ctx, entry.ExecutionID, &domain.Event{
		EventType:     eventType,
		NodeID:        entry.NodeID,
		IteratorIndex: entry.IteratorIndex,
		AttemptCount:  entry.AttemptCount,
		Status:        domain.StatusFailed,
		Error: eventlog.MustMarshalPayload(domain.EventError{
			Kind:         domain.ErrDeadLetter,
			Message:      message,
			Retryable:    false,
			AttemptCount: entry.AttemptCount,
		}),
	})
	w.reschedule(ctx, entry.ExecutionID)
}

// render rebuilds the same layered template.Context the Broker used
// when this step started, then renders the action's Config/Args against
// it — deliberately deferred until lease time, never earlier, so a
// retried attempt renders against the freshest variables/workload and a
// credential reference resolves against the current keychain state
// (§4.5 Worker Responsibilities).
func (w *Worker) render(ctx context.Context, entry domain.QueueEntry, spec broker.ActionSpec) (action.InvocationContext, action.EmitProgress, error) {
	dbc := dbctx.Context{Ctx: ctx, Tx: w.db}
	exec, err := w.execs.Get(dbc, entry.ExecutionID)
	if err != nil {
		return action.InvocationContext{}, nil, fmt.Errorf("load execution: %w", err)
	}
	catEntry, err := w.catalog.Get(dbc, exec.Path, &exec.Version)
	if err != nil {
		return action.InvocationContext{}, nil, fmt.Errorf("load playbook: %w", err)
	}
	events, err := w.events.Range(dbc, entry.ExecutionID, 0)
	if err != nil {
		return action.InvocationContext{}, nil, fmt.Errorf("load events: %w", err)
	}
	snap := broker.Fold(entry.ExecutionID, events)

	var workload map[string]any
	if catEntry.Parsed != nil {
		workload = catEntry.Parsed.Workload
	}
	tctx := template.NewContext(entry.ExecutionID, spec.Local, snap.VariablesContext(), snap.StepResultsContext(), workload)

	renderedConfig, err := template.RenderAny(spec.Config, tctx)
	if err != nil {
		return action.InvocationContext{}, nil, fmt.Errorf("render config: %w", err)
	}
	renderedArgs, err := template.RenderAny(spec.Args, tctx)
	if err != nil {
		return action.InvocationContext{}, nil, fmt.Errorf("render args: %w", err)
	}

	config, _ := renderedConfig.(map[string]any)
	args, _ := renderedArgs.(map[string]any)

	if w.keychain != nil {
		if name, ok := config["credential"].(string); ok && name != "" {
			kind, payload, assertion, err := w.keychain.Resolve(ctx, name)
			if err != nil {
				return action.InvocationContext{}, nil, fmt.Errorf("resolve credential %q: %w", name, err)
			}
			config["credential_kind"] = string(kind)
			for k, v := range payload {
				config["credential_"+k] = v
			}
			if assertion != "" {
				config["credential_assertion"] = assertion
			}
		}
	}

	ic := action.InvocationContext{
		ExecutionID:   entry.ExecutionID,
		NodeID:        entry.NodeID,
		IteratorIndex: entry.IteratorIndex,
		AttemptCount:  entry.AttemptCount,
		Config:        config,
		Args:          args,
	}

	emit := action.EmitProgress(func(message string) {
		if w.bus == nil {
			return
		}
		_ = w.bus.Publish(ctx, bus.ProgressMessage{
			ExecutionID:   entry.ExecutionID,
			NodeID:        entry.NodeID,
			IteratorIndex: entry.IteratorIndex,
			EventType:     string(domain.EventActionStarted),
			Status:        string(domain.StatusStarted),
			Message:       message,
		})
	})

	return ic, emit, nil
}

// appendEvent mirrors the Broker's append-then-publish choke point;
// duplicated here (rather than shared) because the Worker and Broker
// never hold the same transaction and publish independently of each
// other's event stream.
func (w *Worker) appendEvent(ctx context.Context, executionID int64, ev *domain.Event) {
	dbc := dbctx.Context{Ctx: ctx, Tx: w.db}
	if _, err := w.events.Append(dbc, executionID, ev); err != nil {
		w.log.Warn("append event failed", "execution_id", executionID, "event_type", ev.EventType, "error", err)
		return
	}
	if w.bus == nil {
		return
	}
	msg := bus.ProgressMessage{
		ExecutionID:   executionID,
		NodeID:        ev.NodeID,
		IteratorIndex: ev.IteratorIndex,
		EventType:     string(ev.EventType),
		Status:        string(ev.Status),
	}
	if err := w.bus.Publish(ctx, msg); err != nil {
		w.log.Debug("progress publish failed", "execution_id", executionID, "error", err)
	}
}

// startHeartbeat spawns a goroutine renewing the lease periodically so
// a slow action's entry is not reclaimed as abandoned mid-flight; it is
// the Worker Runtime's analogue of the teacher's job heartbeat.
func (w *Worker) startHeartbeat(ctx context.Context, queueID int64, leaseDuration time.Duration) func() {
	done := make(chan struct{})
	interval := leaseDuration / 3
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if ok, err := w.queue.Heartbeat(dbctx.Context{Ctx: ctx, Tx: w.db}, queueID, w.id, leaseDuration); err != nil {
					w.log.Warn("heartbeat failed", "queue_id", queueID, "error", err)
				} else if !ok {
					w.log.Warn("heartbeat found lease no longer owned", "queue_id", queueID)
				}
			}
		}
	}()
	return func() { close(done) }
}
