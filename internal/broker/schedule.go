package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/conduitrun/conduit/internal/catalog"
	"github.com/conduitrun/conduit/internal/domain"
	"github.com/conduitrun/conduit/internal/eventlog"
	"github.com/conduitrun/conduit/internal/execution"
	"github.com/conduitrun/conduit/internal/platform/dbctx"
	"github.com/conduitrun/conduit/internal/platform/logger"
	"github.com/conduitrun/conduit/internal/playbook"
	"github.com/conduitrun/conduit/internal/queue"
	"github.com/conduitrun/conduit/internal/realtime/bus"
	"github.com/conduitrun/conduit/internal/template"
)

// Broker ties the pure decision functions in decide.go and the
// Reconstructor in reconstruct.go to the three durable stores they read
// and write: the Event Log, the Queue, and the Execution index. Every
// exported method opens (or reuses) one transaction, so a scheduling
// pass never leaves the event log and the queue observably
// inconsistent with each other.
type Broker struct {
	db      *gorm.DB
	events  eventlog.Store
	queue   queue.Store
	execs   execution.Store
	catalog catalog.Store
	log     *logger.Logger
	bus     bus.Bus // optional; nil disables progress fan-out
}

func New(db *gorm.DB, events eventlog.Store, q queue.Store, execs execution.Store, cat catalog.Store, log *logger.Logger) *Broker {
	return &Broker{db: db, events: events, queue: q, execs: execs, catalog: cat, log: log.With("component", "broker")}
}

// WithBus attaches a progress bus; every event this Broker appends is
// also published (best-effort, errors logged and swallowed) so live
// watchers don't need direct database access.
func (b *Broker) WithBus(pb bus.Bus) *Broker {
	b.bus = pb
	return b
}

// appendEvent is the single choke point every event append in this
// package goes through, so progress fan-out never depends on a caller
// remembering to publish.
func (b *Broker) appendEvent(dbc dbctx.Context, executionID int64, ev *domain.Event) (int64, error) {
	id, err := b.events.Append(dbc, executionID, ev)
	if err != nil {
		return 0, err
	}
	if b.bus != nil {
		msg := bus.ProgressMessage{
			ExecutionID:   executionID,
			NodeID:        ev.NodeID,
			IteratorIndex: ev.IteratorIndex,
			EventType:     string(ev.EventType),
			Status:        string(ev.Status),
		}
		if pubErr := b.bus.Publish(dbc.Ctx, msg); pubErr != nil {
			b.log.Warn("progress publish failed", "execution_id", executionID, "error", pubErr)
		}
	}
	return id, nil
}

// Start registers a new execution against path (and, if pinned,
// version), appends its execution_start event, and runs the first
// scheduling pass so the playbook's start step is immediately enqueued.
func (b *Broker) Start(dbc dbctx.Context, path string, version *int64, parentExecutionID *int64, payload map[string]any) (*domain.Execution, error) {
	var exec *domain.Execution
	err := b.withTx(dbc, func(dbc dbctx.Context) error {
		entry, err := b.catalog.Get(dbc, path, version)
		if err != nil {
			return err
		}
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("broker: marshal start payload: %w", err)
		}
		exec, err = b.execs.Create(dbc, entry.Path, entry.Version, parentExecutionID, payloadJSON)
		if err != nil {
			return err
		}
		if _, err := b.appendEvent(dbc, exec.ExecutionID, &domain.Event{
			EventType: domain.EventExecutionStart,
			Status:    domain.StatusStarted,
			Payload:   eventlog.MustMarshalPayload(payload),
		}); err != nil {
			return err
		}
		return b.scheduleLocked(dbc, exec.ExecutionID)
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// Schedule runs one scheduling pass for executionID: it folds the
// current event stream, decides what has become ready, and applies the
// resulting events and queue entries transactionally. Callers invoke it
// after every externally observed state change — a worker's ack/nack, a
// new execution_start, a child execution completing.
func (b *Broker) Schedule(dbc dbctx.Context, executionID int64) error {
	return b.withTx(dbc, func(dbc dbctx.Context) error {
		return b.scheduleLocked(dbc, executionID)
	})
}

// Cancel appends a cancelled execution_failed event and deletes ready
// queue entries. Leased entries are left alone; their eventual terminal
// event is still recorded but no longer drives further scheduling
// because the execution is already terminal (§7 Cancellation semantics).
func (b *Broker) Cancel(dbc dbctx.Context, executionID int64) error {
	return b.withTx(dbc, func(dbc dbctx.Context) error {
		exec, err := b.execs.Get(dbc, executionID)
		if err != nil {
			return err
		}
		if exec.IsTerminal() {
			return nil
		}
		if _, err := b.appendEvent(dbc, executionID, &domain.Event{
			EventType: domain.EventExecutionFailed,
			Status:    domain.StatusCancelled,
			Error: eventlog.MustMarshalPayload(domain.EventError{
				Kind:      domain.ErrCancelled,
				Message:   "execution cancelled",
				Retryable: false,
			}),
		}); err != nil {
			return err
		}
		if err := b.execs.SetStatus(dbc, executionID, domain.ExecutionCancelled); err != nil {
			return err
		}
		return b.queue.CancelReady(dbc, executionID)
	})
}

// StartReaper launches a ticking background loop that calls Queue.Reap
// every interval until ctx is cancelled, returning leases whose worker
// went silent to ready (or dead, once attempts are exhausted) so
// execution progress never stalls on a crashed worker process (§4.2
// "reap"). It runs on the broker process the same way the worker's
// heartbeat goroutine runs on the worker process: a ticker tied to the
// caller-owned context's lifetime.
func (b *Broker) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := b.reapOnce(ctx); err != nil {
					b.log.Warn("reap failed", "error", err)
				}
			}
		}
	}()
}

// reapOnce runs one Queue.Reap pass and appends a dead_letter
// step_failed event for every entry whose attempts were exhausted,
// mirroring the Worker's own dead-letter path (§4.2 "reap").
func (b *Broker) reapOnce(ctx context.Context) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		dead, n, err := b.queue.Reap(dbc, time.Now().UTC())
		if err != nil {
			return err
		}
		if n > 0 {
			b.log.Info("reaped expired leases", "count", n, "dead_lettered", len(dead))
		}
		for _, entry := range dead {
			eventType := domain.EventStepFailed
			if entry.IteratorIndex != nil {
				eventType = domain.EventIteratorIterationDone
			}
			if _, err := b.appendEvent(dbc, entry.ExecutionID, &domain.Event{
				EventType:     eventType,
				NodeID:        entry.NodeID,
				IteratorIndex: entry.IteratorIndex,
				AttemptCount:  entry.AttemptCount,
				Status:        domain.StatusFailed,
				Error: eventlog.MustMarshalPayload(domain.EventError{
					Kind:         domain.ErrDeadLetter,
					Message:      "lease expired and attempts exhausted",
					Retryable:    false,
					AttemptCount: entry.AttemptCount,
				}),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Broker) withTx(dbc dbctx.Context, fn func(dbctx.Context) error) error {
	if dbc.Tx != nil {
		return fn(dbc)
	}
	return b.db.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: dbc.Ctx, Tx: tx})
	})
}

func (b *Broker) loadPlaybook(dbc dbctx.Context, executionID int64) (*domain.Execution, *playbook.Playbook, error) {
	exec, err := b.execs.Get(dbc, executionID)
	if err != nil {
		return nil, nil, err
	}
	entry, err := b.catalog.Get(dbc, exec.Path, &exec.Version)
	if err != nil {
		return nil, nil, err
	}
	return exec, entry.Parsed, nil
}

func (b *Broker) fold(dbc dbctx.Context, executionID int64) (*Snapshot, error) {
	events, err := b.events.Range(dbc, executionID, 0)
	if err != nil {
		return nil, err
	}
	return Fold(executionID, events), nil
}

// scheduleLocked is the transactional heart of the Broker: it must only
// be called with dbc.Tx already set.
func (b *Broker) scheduleLocked(dbc dbctx.Context, executionID int64) error {
	exec, pb, err := b.loadPlaybook(dbc, executionID)
	if err != nil {
		return err
	}
	if exec.IsTerminal() {
		return nil
	}

	snap, err := b.fold(dbc, executionID)
	if err != nil {
		return err
	}

	for _, target := range ReadyTargets(pb, snap) {
		step, ok := pb.Workflow[target.Name]
		if !ok {
			continue
		}
		if err := b.startStep(dbc, pb, exec, snap, step, target.Args); err != nil {
			return err
		}
	}

	for _, v := range PendingVars(pb, snap) {
		for name, value := range v.Values {
			varType := domain.VarComputed
			if _, err := b.appendEvent(dbc, executionID, &domain.Event{
				EventType: domain.EventVariablesSet,
				NodeID:    v.StepName,
				Status:    domain.StatusSuccess,
				Payload:   eventlog.MustMarshalPayload(map[string]any{"name": name, "value": value, "type": string(varType)}),
			}); err != nil {
				return err
			}
		}
	}

	for _, s := range PendingSaves(pb, snap) {
		if err := b.emitSave(dbc, executionID, s); err != nil {
			return err
		}
	}

	// Re-fold: the above may have appended variables_set/save_emitted
	// events that change what ReadyTargets and the iterator progression
	// below should see, and a single Schedule call should converge as far
	// as it can without waiting on another external trigger.
	snap, err = b.fold(dbc, executionID)
	if err != nil {
		return err
	}

	if err := b.progressIterators(dbc, pb, snap); err != nil {
		return err
	}

	snap, err = b.fold(dbc, executionID)
	if err != nil {
		return err
	}

	if name, eerr, yes := UnhandledFailure(pb, snap); yes {
		if _, err := b.appendEvent(dbc, executionID, &domain.Event{
			EventType: domain.EventExecutionFailed,
			NodeID:    name,
			Status:    domain.StatusFailed,
			Error:     eventlog.MustMarshalPayload(eerr),
		}); err != nil {
			return err
		}
		if err := b.execs.SetStatus(dbc, executionID, domain.ExecutionFailed); err != nil {
			return err
		}
		exec.Status = domain.ExecutionFailed
		return b.mirrorToParent(dbc, exec)
	}

	if ShouldComplete(snap) {
		if _, err := b.appendEvent(dbc, executionID, &domain.Event{
			EventType: domain.EventExecutionCompleted,
			NodeID:    "end",
			Status:    domain.StatusSuccess,
		}); err != nil {
			return err
		}
		if err := b.execs.SetStatus(dbc, executionID, domain.ExecutionCompleted); err != nil {
			return err
		}
		exec.Status = domain.ExecutionCompleted
		return b.mirrorToParent(dbc, exec)
	}

	return nil
}

// startStep transitions one target step from pending to started:
// either ordinary queue dispatch, iterator expansion, or sub-playbook
// invocation, depending on the step's action kind (§4.2, §4.8).
func (b *Broker) startStep(dbc dbctx.Context, pb *playbook.Playbook, exec *domain.Execution, snap *Snapshot, step playbook.Step, args map[string]any) error {
	switch step.Action.ActionKind {
	case playbook.ActionIterator:
		return b.startIterator(dbc, pb, snap, step, args)
	case playbook.ActionPlaybook:
		return b.startSubplaybook(dbc, pb, exec, snap, step, args)
	default:
		return b.startOrdinary(dbc, pb, snap, step, args)
	}
}

func (b *Broker) startOrdinary(dbc dbctx.Context, pb *playbook.Playbook, snap *Snapshot, step playbook.Step, args map[string]any) error {
	kind, config, err := resolveAction(pb, step.Action)
	if err != nil {
		return b.failStep(dbc, snap.ExecutionID, step.Name, domain.ErrValidation, err.Error(), nil)
	}
	if _, err := b.appendEvent(dbc, snap.ExecutionID, &domain.Event{
		EventType: domain.EventStepStarted,
		NodeID:    step.Name,
		Status:    domain.StatusStarted,
		Payload:   eventlog.MustMarshalPayload(args),
	}); err != nil {
		return err
	}
	spec := ActionSpec{ActionKind: kind, Config: config, Args: step.Args, Local: args}
	return b.enqueueOnce(dbc, snap.ExecutionID, step.Name, nil, spec)
}

func (b *Broker) startIterator(dbc dbctx.Context, pb *playbook.Playbook, snap *Snapshot, step playbook.Step, args map[string]any) error {
	ctx := stepContext(pb, snap, args)
	collection, err := template.EvaluateTemplated(step.Collection, ctx)
	if err != nil {
		return b.failStep(dbc, snap.ExecutionID, step.Name, domain.ErrTemplate, err.Error(), nil)
	}
	seq, ok := collection.([]any)
	if !ok {
		return b.failStep(dbc, snap.ExecutionID, step.Name, domain.ErrTemplate, "collection did not evaluate to a sequence", nil)
	}

	if _, err := b.appendEvent(dbc, snap.ExecutionID, &domain.Event{
		EventType: domain.EventStepStarted,
		NodeID:    step.Name,
		Status:    domain.StatusStarted,
		Payload:   eventlog.MustMarshalPayload(args),
	}); err != nil {
		return err
	}
	if _, err := b.appendEvent(dbc, snap.ExecutionID, &domain.Event{
		EventType: domain.EventIteratorExpanded,
		NodeID:    step.Name,
		Status:    domain.StatusSuccess,
		Payload:   eventlog.MustMarshalPayload(map[string]any{"cardinality": len(seq)}),
	}); err != nil {
		return err
	}
	if len(seq) == 0 {
		return nil // empty-collection boundary case: Fold already marks it completed (§4.8 edge case)
	}

	inner := step.Action
	if step.Inner != nil {
		inner = *step.Inner
	}
	kind, config, err := resolveAction(pb, inner)
	if err != nil {
		return b.failStep(dbc, snap.ExecutionID, step.Name, domain.ErrValidation, err.Error(), nil)
	}

	limit := 1
	if step.IterMode != "sequential" {
		limit = len(seq)
	}
	for i := 0; i < limit; i++ {
		local := map[string]any{}
		for k, v := range args {
			local[k] = v
		}
		local[step.ElementName] = seq[i]
		idx := i
		spec := ActionSpec{ActionKind: kind, Config: config, Args: step.Args, Local: local}
		if err := b.enqueueOnce(dbc, snap.ExecutionID, step.Name, &idx, spec); err != nil {
			return err
		}
	}
	return nil
}

// progressIterators advances every incomplete iterator step, enqueueing
// the next sequential index (or catching up any async index a prior
// pass missed) once its predecessor indices have terminal events.
func (b *Broker) progressIterators(dbc dbctx.Context, pb *playbook.Playbook, snap *Snapshot) error {
	for name, ss := range snap.Steps {
		if ss.Iterator == nil || ss.Iterator.Completed {
			continue
		}
		step, ok := pb.Workflow[name]
		if !ok {
			continue
		}
		inner := step.Action
		if step.Inner != nil {
			inner = *step.Inner
		}
		kind, config, err := resolveAction(pb, inner)
		if err != nil {
			continue
		}
		done := len(ss.Iterator.Results) + len(ss.Iterator.Errors)
		if done >= ss.Iterator.Expected {
			continue
		}
		pending := []int{done}
		if step.IterMode != "sequential" {
			pending = pending[:0]
			for i := done; i < ss.Iterator.Expected; i++ {
				pending = append(pending, i)
			}
		}
		ctx := stepContext(pb, snap, ss.Args)
		collection, err := template.EvaluateTemplated(step.Collection, ctx)
		if err != nil {
			continue
		}
		seq, ok := collection.([]any)
		if !ok {
			continue
		}
		for _, i := range pending {
			if i >= len(seq) {
				continue
			}
			local := map[string]any{}
			for k, v := range ss.Args {
				local[k] = v
			}
			local[step.ElementName] = seq[i]
			idx := i
			spec := ActionSpec{ActionKind: kind, Config: config, Args: step.Args, Local: local}
			if err := b.enqueueOnce(dbc, snap.ExecutionID, name, &idx, spec); err != nil {
				return err
			}
		}
	}

	for name, ss := range snap.Steps {
		if ss.Iterator == nil || ss.Iterator.Completed {
			continue
		}
		done := len(ss.Iterator.Results) + len(ss.Iterator.Errors)
		if done < ss.Iterator.Expected {
			continue
		}
		if len(ss.Iterator.Errors) > 0 {
			var first *domain.EventError
			for _, e := range ss.Iterator.Errors {
				first = e
				break
			}
			if _, err := b.appendEvent(dbc, snap.ExecutionID, &domain.Event{
				EventType: domain.EventStepFailed,
				NodeID:    name,
				Status:    domain.StatusFailed,
				Error:     eventlog.MustMarshalPayload(first),
			}); err != nil {
				return err
			}
			continue
		}
		if _, err := b.appendEvent(dbc, snap.ExecutionID, &domain.Event{
			EventType: domain.EventIteratorCompleted,
			NodeID:    name,
			Status:    domain.StatusSuccess,
			Payload:   eventlog.MustMarshalPayload(map[string]any{"result": ss.Iterator.OrderedResults()}),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) startSubplaybook(dbc dbctx.Context, pb *playbook.Playbook, exec *domain.Execution, snap *Snapshot, step playbook.Step, args map[string]any) error {
	ctx := stepContext(pb, snap, args)
	rendered, err := template.RenderAny(step.Args, ctx)
	if err != nil {
		return b.failStep(dbc, snap.ExecutionID, step.Name, domain.ErrTemplate, err.Error(), nil)
	}
	payload, _ := rendered.(map[string]any)

	if _, err := b.appendEvent(dbc, snap.ExecutionID, &domain.Event{
		EventType: domain.EventStepStarted,
		NodeID:    step.Name,
		Status:    domain.StatusStarted,
		Payload:   eventlog.MustMarshalPayload(args),
	}); err != nil {
		return err
	}

	parentID := exec.ExecutionID
	child, err := b.Start(dbc, step.CalleePath, step.CalleeVersion, &parentID, payload)
	if err != nil {
		return b.failStep(dbc, snap.ExecutionID, step.Name, domain.ErrValidation, err.Error(), nil)
	}

	if _, err := b.appendEvent(dbc, snap.ExecutionID, &domain.Event{
		EventType: domain.EventSubplaybookInvoked,
		NodeID:    step.Name,
		Status:    domain.StatusStarted,
		Payload:   eventlog.MustMarshalPayload(map[string]any{"child_execution_id": child.ExecutionID}),
	}); err != nil {
		return err
	}
	return nil
}

// mirrorToParent, called once a (possibly child) execution reaches a
// terminal status, mirrors that result into the parent's event log as a
// subplaybook_completed event and re-schedules the parent so its
// routing can proceed (§4.8 Sub-playbook composition).
func (b *Broker) mirrorToParent(dbc dbctx.Context, exec *domain.Execution) error {
	if exec.ParentExecutionID == nil {
		return nil
	}
	parentID := *exec.ParentExecutionID

	events, err := b.events.Range(dbc, parentID, 0)
	if err != nil {
		return err
	}
	nodeID := ""
	for _, e := range events {
		if e.EventType != domain.EventSubplaybookInvoked {
			continue
		}
		var payload struct {
			ChildExecutionID int64 `json:"child_execution_id"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err == nil && payload.ChildExecutionID == exec.ExecutionID {
			nodeID = e.NodeID
			break
		}
	}
	if nodeID == "" {
		b.log.Warn("subplaybook child completed but no invoking step found in parent log", "child_execution_id", exec.ExecutionID, "parent_execution_id", parentID)
		return nil
	}

	childEvents, err := b.events.Range(dbc, exec.ExecutionID, 0)
	if err != nil {
		return err
	}
	childFolded := Fold(exec.ExecutionID, childEvents)

	returnStep := "end"
	if _, parentPb, err := b.loadPlaybook(dbc, parentID); err == nil {
		if invokingStep, ok := parentPb.Workflow[nodeID]; ok && invokingStep.ReturnStep != "" {
			returnStep = invokingStep.ReturnStep
		}
	}

	var result any
	var ferr *domain.EventError
	status := domain.StatusSuccess
	if exec.Status == domain.ExecutionFailed {
		status = domain.StatusFailed
		ferr = childFolded.FailedError
	} else if ss, ok := childFolded.Steps[returnStep]; ok {
		result = ss.Result
	}

	payload := map[string]any{"child_execution_id": exec.ExecutionID, "result": result}
	ev := &domain.Event{
		EventType: domain.EventSubplaybookCompleted,
		NodeID:    nodeID,
		Status:    status,
		Payload:   eventlog.MustMarshalPayload(payload),
	}
	if ferr != nil {
		ev.Error = eventlog.MustMarshalPayload(ferr)
	}
	if _, err := b.appendEvent(dbc, parentID, ev); err != nil {
		return err
	}
	return b.scheduleLocked(dbc, parentID)
}

func (b *Broker) emitSave(dbc dbctx.Context, executionID int64, s SaveToEmit) error {
	if _, err := b.appendEvent(dbc, executionID, &domain.Event{
		EventType: domain.EventSaveEmitted,
		NodeID:    s.StepName,
		Status:    domain.StatusStarted,
		Payload:   eventlog.MustMarshalPayload(map[string]any{"storage_type": s.StorageType}),
	}); err != nil {
		return err
	}
	spec := ActionSpec{ActionKind: playbook.ActionKind(s.StorageType), Args: s.Args}
	return b.enqueueOnce(dbc, executionID, s.StepName+"$save", nil, spec)
}

func (b *Broker) failStep(dbc dbctx.Context, executionID int64, nodeID string, kind domain.ErrorKind, message string, iteratorIndex *int) error {
	ev := &domain.Event{
		EventType:     domain.EventStepFailed,
		NodeID:        nodeID,
		IteratorIndex: iteratorIndex,
		Status:        domain.StatusFailed,
		Error: eventlog.MustMarshalPayload(domain.EventError{
			Kind:      kind,
			Message:   message,
			Retryable: false,
		}),
	}
	_, err := b.appendEvent(dbc, executionID, ev)
	return err
}

func (b *Broker) enqueueOnce(dbc dbctx.Context, executionID int64, nodeID string, iteratorIndex *int, spec ActionSpec) error {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	idx := -1
	if iteratorIndex != nil {
		idx = *iteratorIndex
	}
	entry := &domain.QueueEntry{
		ExecutionID:   executionID,
		NodeID:        nodeID,
		IteratorIndex: iteratorIndex,
		ActionSpec:    datatypes.JSON(specJSON),
		AvailableAt:   time.Now().UTC(),
		MaxAttempts:   1,
		Fingerprint:   fmt.Sprintf("%d:%s:%d:0", executionID, nodeID, idx),
	}
	if kindIsRetryable(spec.ActionKind) {
		entry.MaxAttempts = 3
	}
	_, err = b.queue.Enqueue(dbc, entry)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return nil // already enqueued by an earlier Schedule pass; idempotent no-op
	}
	return err
}

// kindIsRetryable names the action kinds whose failures are, by
// default, transient enough to retry automatically (§7 Retry policy:
// transport_error and timeout are retryable unless an action opts out;
// everything else defaults to a single attempt).
func kindIsRetryable(kind playbook.ActionKind) bool {
	switch kind {
	case playbook.ActionHTTP, playbook.ActionPostgres, playbook.ActionSnowflake, playbook.ActionSnowflakeTransfer:
		return true
	default:
		return false
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
