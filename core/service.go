package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flowgraph/flowcore/core/event"
	"github.com/flowgraph/flowcore/core/flow"
	"github.com/flowgraph/flowcore/core/ident"
	"github.com/flowgraph/flowcore/core/queue"
	"github.com/flowgraph/flowcore/core/store"
)

// Service is the orchestrator of the execution core. It creates, starts, and
// terminates executions, spawns child executions from emitted events, tracks
// parent/child completion, and fans execution events out to subscribers and
// the event store.
//
// Safe for concurrent use from any number of request handlers.
type Service struct {
	loader     flow.Loader
	executions *store.Hybrid[*Instance]
	events     *event.Store
	runtime    NodeRuntime
	cfg        config

	mu     sync.Mutex
	queues map[string]*queue.Queue
}

// NewService wires the execution core together: flow definitions come from
// loader, terminal execution records go to durable, events go through the
// batching store, and node business logic runs in runtime.
func NewService(loader flow.Loader, durable store.Durable, events *event.Store, runtime NodeRuntime, opts ...Option) (*Service, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	return &Service{
		loader:     loader,
		executions: store.NewHybrid[*Instance](durable, cfg.maxDepth),
		events:     events,
		runtime:    runtime,
		cfg:        cfg,
		queues:     make(map[string]*queue.Queue),
	}, nil
}

// CreateExecution creates an execution over the named flow and returns its
// ID. The execution starts in status Created; subscribers can attach before
// StartExecution runs it. integrations is passed through to nodes untouched.
func (s *Service) CreateExecution(ctx context.Context, flowID string, opts ExecutionOptions, integrations map[string]any) (string, error) {
	f, err := s.loader.Get(ctx, flowID)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			return "", notFound("flow %s not found", flowID)
		}
		return "", &Error{Kind: ErrInternal, Message: "failed to load flow " + flowID + ": " + err.Error()}
	}

	inst, err := s.createExecution(f, opts, integrations, "", nil, 0)
	if err != nil {
		return "", err
	}
	return inst.id, nil
}

// createExecution builds an instance over a flow snapshot: two clones (one
// working, one initial-state seed), a context with a cancellation handle, an
// engine with the emission callback bound, the event queue, and the parent
// registration for children.
func (s *Service) createExecution(f *flow.Flow, opts ExecutionOptions, integrations map[string]any, parentID string, eventData *event.Inbound, parentDepth int) (*Instance, error) {
	depth := parentDepth + 1
	if depth > s.cfg.maxDepth {
		return nil, cycleDetected(depth, s.cfg.maxDepth)
	}

	working := f.Clone()
	initial := f.Clone()
	id := ident.NewExecutionID()
	ec := newExecutionContext(id, f.ID, integrations, eventData, parentID != "")
	engine := newEngine(working, ec, s.runtime, opts)

	now := s.cfg.now()
	inst := &Instance{
		id:               id,
		flow:             working,
		initialStateFlow: initial,
		ec:               ec,
		engine:           engine,
		opts:             engine.Options(),
		parentID:         parentID,
		depth:            depth,
		status:           store.StatusCreated,
		createdAt:        now,
		updatedAt:        now,
		childTerminal:    make(map[string]bool),
	}

	// Children omit their own flow serialization; reads walk parent links.
	if parentID == "" {
		data, err := f.Serialize()
		if err != nil {
			s.cfg.logf("flowcore: failed to serialize flow %s for execution %s: %v", f.ID, id, err)
		} else {
			inst.flowData = data
		}
	}

	engine.SetEventCallback(func() { s.spawnChildren(inst) })

	s.executions.Put(id, inst)
	s.setupEventHandling(inst)

	if parentID != "" {
		if parent, ok := s.executions.Live(parentID); ok {
			parent.addChild(id)
		}
	}

	s.cfg.metrics.execCreated()
	return inst, nil
}

// setupEventHandling creates the execution's event queue and installs the
// engine dispatcher. On queue close the queue leaves the index and the event
// store flushes.
func (s *Service) setupEventHandling(inst *Instance) {
	capacity := s.cfg.queueCapacity
	if inst.parentID != "" {
		capacity = s.cfg.childQueueCapacity
	}
	q := queue.New(queue.WithCapacity(capacity), queue.WithNow(s.cfg.now))

	s.mu.Lock()
	s.queues[inst.id] = q
	s.mu.Unlock()

	q.OnClose(func() {
		s.mu.Lock()
		if s.queues[inst.id] == q {
			delete(s.queues, inst.id)
		}
		s.mu.Unlock()

		if err := s.events.FlushAll(context.Background()); err != nil {
			s.cfg.logf("flowcore: failed to flush events after closing queue %s: %v", inst.id, err)
			s.cfg.metrics.storeError("events")
		}
	})

	inst.engine.OnAll(func(ev event.Event) { s.dispatch(inst, ev, true) })
}

func (s *Service) queueFor(id string) *queue.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[id]
}

func (s *Service) closeQueue(id string) {
	if q := s.queueFor(id); q != nil {
		q.Close()
	}
}

// dispatch publishes an event on the execution's queue (stamping its index),
// forwards it to the event store and observers, and, for engine events,
// mirrors lifecycle events into status transitions.
//
// A parent's own FlowCompleted is suppressed while it has living children;
// the last terminating child publishes the completion instead.
func (s *Service) dispatch(inst *Instance, ev event.Event, mirror bool) {
	if mirror && ev.Type == event.FlowCompleted && inst.deferCompletion() > 0 {
		return
	}

	q := s.queueFor(inst.id)
	if q == nil {
		s.cfg.logf("flowcore: dropping %s event for %s: queue gone", ev.Type, inst.id)
		return
	}
	stamped, err := q.Publish(ev)
	if err != nil {
		s.cfg.logf("flowcore: dropping %s event for %s: %v", ev.Type, inst.id, err)
		return
	}
	s.cfg.metrics.eventPublished()

	if err := s.events.Append(context.Background(), inst.id, stamped); err != nil {
		// Best-effort durability: the failed batch stays pending for the
		// next flush and the execution continues.
		s.cfg.logf("flowcore: failed to persist %s event for %s: %v", ev.Type, inst.id, err)
		s.cfg.metrics.storeError("events")
	}

	for _, o := range s.cfg.observers {
		o.Observe(inst.id, stamped)
	}

	if mirror {
		s.mirror(inst, stamped)
	}
}

// mirror maps engine lifecycle events onto instance status transitions.
func (s *Service) mirror(inst *Instance, ev event.Event) {
	now := s.cfg.now()
	switch ev.Type {
	case event.FlowCompleted:
		if inst.transition(store.StatusCompleted, now) {
			s.persistTerminal(inst)
		}
	case event.FlowFailed:
		message, _ := ev.Data["message"].(string)
		nodeID, _ := ev.Data["nodeId"].(string)
		inst.setError(message, nodeID)
		if inst.transition(store.StatusFailed, now) {
			s.persistTerminal(inst)
		}
	case event.FlowCancelled:
		if inst.transition(store.StatusStopped, now) {
			s.persistTerminal(inst)
		}
	case event.FlowPaused:
		inst.transition(store.StatusPaused, now)
	case event.FlowResumed:
		inst.transition(store.StatusRunning, now)
	}
}

// persistTerminal writes the instance's terminal record to the durable store.
// Failures are absorbed: the live registry still holds the instance, so the
// core keeps serving reads while the backend recovers.
func (s *Service) persistTerminal(inst *Instance) {
	rec := inst.Record()
	if err := s.executions.Persist(context.Background(), inst); err != nil {
		s.cfg.logf("flowcore: %v: %v", ErrStoreUnavailable, err)
		s.cfg.metrics.storeError("executions")
	}

	var duration time.Duration
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		duration = rec.CompletedAt.Sub(*rec.StartedAt)
	}
	s.cfg.metrics.execTerminal(string(rec.Status), duration)
}

// liveInstance resolves an ID to a live instance: NotFound when the ID is
// unknown everywhere, BadState when only a terminal record remains.
func (s *Service) liveInstance(ctx context.Context, id string) (*Instance, error) {
	if inst, ok := s.executions.Live(id); ok {
		return inst, nil
	}
	if rec, err := s.executions.Get(ctx, id); err == nil {
		return nil, badState("execution %s is %s", id, rec.Status)
	}
	return nil, notFound("execution %s not found", id)
}

// StartExecution runs a created execution to a terminal state.
//
// With externalEvents the instance acts as a container: its own graph never
// runs, and every event spawns one child execution seeded with it, grouped
// per GroupExternalEvents. Without them the engine executes the graph, and
// emitted in-flow events spawn children as they appear.
//
// StartExecution blocks across the engine run and until every spawned child
// reaches a terminal status, then flushes the event store and closes the
// event queue. Starting a Paused execution resumes it instead.
func (s *Service) StartExecution(ctx context.Context, id string, externalEvents []event.External) error {
	inst, err := s.liveInstance(ctx, id)
	if err != nil {
		return err
	}

	switch inst.Status() {
	case store.StatusPaused:
		// The original start call is still driving the engine; releasing
		// the debugger is all a second start can mean.
		return s.ResumeExecution(ctx, id)
	case store.StatusCreated:
	default:
		return badState("cannot start execution %s in status %s", id, inst.Status())
	}

	if s.queueFor(id) == nil {
		s.setupEventHandling(inst)
	}

	if !inst.transition(store.StatusRunning, s.cfg.now()) {
		return badState("cannot start execution %s in status %s", id, inst.Status())
	}

	var execErr error
	if len(externalEvents) > 0 {
		inst.setExternalEvents(externalEvents)
		s.spawnFromExternal(inst, externalEvents)
	} else {
		execErr = inst.engine.Execute(inst.ec.Context())
	}

	if err := s.waitForChildren(ctx, inst); err != nil {
		s.cfg.logf("flowcore: gave up waiting for children of %s: %v", id, err)
	}

	if err := s.events.FlushAll(ctx); err != nil {
		s.cfg.logf("flowcore: failed to flush events for %s: %v", id, err)
		s.cfg.metrics.storeError("events")
	}

	now := s.cfg.now()
	if execErr != nil && !errors.Is(execErr, context.Canceled) {
		// The engine already emitted FlowFailed; this is the safety net for
		// failures that never made it onto the stream.
		var coreErr *Error
		nodeID := ""
		if errors.As(execErr, &coreErr) {
			nodeID = coreErr.NodeID
		}
		inst.setError(execErr.Error(), nodeID)
		if inst.transition(store.StatusFailed, now) {
			s.persistTerminal(inst)
		}
	} else if inst.Status() == store.StatusRunning && inst.livingChildren() == 0 {
		if inst.transition(store.StatusCompleted, now) {
			s.persistTerminal(inst)
			s.dispatch(inst, event.Event{Type: event.FlowCompleted, Data: map[string]any{"flowId": inst.flow.ID}}, false)
		}
	}

	s.notifyParent(inst)
	s.closeQueue(id)

	if execErr != nil && !errors.Is(execErr, context.Canceled) {
		return execErr
	}
	return nil
}

// spawnFromExternal spawns one child per external event, preserving input
// order across groups.
func (s *Service) spawnFromExternal(inst *Instance, events []event.External) {
	for _, group := range GroupExternalEvents(events) {
		for _, ext := range group {
			inbound := &event.Inbound{EventName: ext.Type, Payload: ext.Data}
			if _, err := s.spawnChild(inst, inbound, nil); err != nil {
				s.reportSpawnFailure(inst, inbound.EventName, err)
			}
		}
	}
}

// spawnChildren is the engine's emission callback: it spawns one child per
// unprocessed emitted event on the instance's context.
func (s *Service) spawnChildren(inst *Instance) {
	for _, emitted := range inst.ec.takeUnprocessed() {
		inbound := &event.Inbound{
			EventName: emitted.Type,
			Payload:   emitted.Data,
			EmittedBy: emitted.EmittedBy,
		}
		if _, err := s.spawnChild(inst, inbound, emitted); err != nil {
			s.reportSpawnFailure(inst, emitted.Type, err)
		}
	}
}

// reportSpawnFailure isolates a failed spawn to the parent's event stream: a
// synthetic FlowFailed is published without touching the parent's status.
func (s *Service) reportSpawnFailure(inst *Instance, eventName string, err error) {
	s.cfg.logf("flowcore: failed to spawn child of %s for event %q: %v", inst.id, eventName, err)
	s.dispatch(inst, event.Event{
		Type: event.FlowFailed,
		Data: map[string]any{
			"message":   "failed to spawn child execution: " + err.Error(),
			"eventName": eventName,
		},
	}, false)
}

// spawnChild creates a child execution seeded with inbound over the parent's
// initial-state flow, publishes ChildExecutionSpawned on the parent's queue,
// and starts the child asynchronously so the caller never blocks on it.
func (s *Service) spawnChild(parent *Instance, inbound *event.Inbound, emitted *EmittedEvent) (*Instance, error) {
	child, err := s.createExecution(parent.initialStateFlow, parent.opts, parent.ec.Integrations, parent.id, inbound, parent.depth)
	if err != nil {
		return nil, err
	}
	s.cfg.metrics.childSpawned()

	data := map[string]any{
		"childExecutionId": child.id,
		"eventName":        inbound.EventName,
	}
	if emitted != nil {
		emitted.ChildExecutionID = child.id
		data["eventId"] = emitted.ID
	}
	s.dispatch(parent, event.Event{Type: event.ChildSpawned, Data: data}, false)

	go func() {
		err := s.StartExecution(context.Background(), child.id, nil)
		if err != nil && !errors.Is(err, ErrBadState) {
			s.cfg.logf("flowcore: child execution %s failed: %v", child.id, err)
		}
	}()

	return child, nil
}

// notifyParent reports a child's terminal transition to its parent: a
// ChildExecutionCompleted/Failed event on the parent's queue, the parent
// completion check, and finally the wake-up of waitForChildren.
func (s *Service) notifyParent(child *Instance) {
	if child.parentID == "" {
		return
	}
	parent, ok := s.executions.Live(child.parentID)
	if !ok {
		return
	}
	if !parent.markChildTerminal(child.id) {
		return
	}

	rec := child.Record()
	t := event.ChildCompleted
	data := map[string]any{
		"childExecutionId": child.id,
		"status":           string(rec.Status),
	}
	if rec.Status != store.StatusCompleted {
		t = event.ChildFailed
		if rec.Error != nil {
			data["message"] = rec.Error.Message
		}
	}
	s.dispatch(parent, event.Event{Type: t, Data: data}, false)

	s.checkParentCompletion(parent)
	parent.signalChildren()
}

// checkParentCompletion completes a parent whose engine finished while
// children were still alive, once the last of them terminates. The synthetic
// FlowCompleted stands in for the one suppressed at deferral time.
func (s *Service) checkParentCompletion(parent *Instance) {
	if !parent.takeDeferredCompletion() {
		return
	}
	if parent.transition(store.StatusCompleted, s.cfg.now()) {
		s.persistTerminal(parent)
		s.dispatch(parent, event.Event{Type: event.FlowCompleted, Data: map[string]any{"flowId": parent.flow.ID}}, false)
	}
}

// waitForChildren blocks until every child registered at call time is
// terminal, or ctx is cancelled.
func (s *Service) waitForChildren(ctx context.Context, inst *Instance) error {
	ids := inst.childIDs()
	for {
		ch := inst.childWait(ids)
		if ch == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// StopExecution cancels an execution and transitions it to Stopped, then
// stops every child best-effort. Valid from Created, Running, and Paused.
func (s *Service) StopExecution(ctx context.Context, id string) error {
	inst, err := s.liveInstance(ctx, id)
	if err != nil {
		return err
	}

	status := inst.Status()
	if status.Terminal() {
		return badState("cannot stop execution %s in status %s", id, status)
	}
	wasCreated := status == store.StatusCreated

	inst.ec.Cancel()
	if inst.transition(store.StatusStopped, s.cfg.now()) {
		s.persistTerminal(inst)
		s.dispatch(inst, event.Event{Type: event.FlowCancelled, Data: map[string]any{"flowId": inst.flow.ID}}, false)
	}
	s.notifyParent(inst)

	for _, childID := range inst.childIDs() {
		if err := s.StopExecution(ctx, childID); err != nil && !errors.Is(err, ErrBadState) {
			s.cfg.logf("flowcore: failed to stop child %s of %s: %v", childID, id, err)
		}
	}

	// A never-started execution has no start call in flight to close its
	// queue on the way out.
	if wasCreated {
		s.closeQueue(id)
	}
	return nil
}

// PauseExecution pauses a running debug execution at the next node boundary.
func (s *Service) PauseExecution(ctx context.Context, id string) error {
	inst, err := s.liveInstance(ctx, id)
	if err != nil {
		return err
	}

	d, err := inst.engine.Debugger()
	if err != nil {
		return &Error{Kind: ErrNoDebugger, Message: "execution " + id + " was not created in debug mode"}
	}

	if inst.Status() != store.StatusRunning {
		return badState("cannot pause execution %s in status %s", id, inst.Status())
	}

	d.Pause()
	if inst.transition(store.StatusPaused, s.cfg.now()) {
		s.dispatch(inst, event.Event{Type: event.FlowPaused, Data: map[string]any{"reason": "requested"}}, false)
	}
	return nil
}

// ResumeExecution releases a paused execution. Resuming a running execution
// is a no-op success: the debugger's continue is idempotent.
func (s *Service) ResumeExecution(ctx context.Context, id string) error {
	inst, err := s.liveInstance(ctx, id)
	if err != nil {
		return err
	}

	d, err := inst.engine.Debugger()
	if err != nil {
		return &Error{Kind: ErrNoDebugger, Message: "execution " + id + " was not created in debug mode"}
	}

	switch inst.Status() {
	case store.StatusRunning:
		return nil
	case store.StatusPaused:
	default:
		return badState("cannot resume execution %s in status %s", id, inst.Status())
	}

	d.Continue()
	if inst.transition(store.StatusRunning, s.cfg.now()) {
		s.dispatch(inst, event.Event{Type: event.FlowResumed, Data: nil}, false)
	}
	return nil
}

// StepExecution runs exactly one node of a paused debug execution. The
// status stays Paused.
func (s *Service) StepExecution(ctx context.Context, id string) error {
	inst, err := s.liveInstance(ctx, id)
	if err != nil {
		return err
	}

	d, err := inst.engine.Debugger()
	if err != nil {
		return &Error{Kind: ErrNoDebugger, Message: "execution " + id + " was not created in debug mode"}
	}

	if inst.Status() != store.StatusPaused {
		return badState("cannot step execution %s in status %s", id, inst.Status())
	}

	d.Step()
	return nil
}

// AddBreakpoint sets a breakpoint on a node of a debug execution.
func (s *Service) AddBreakpoint(ctx context.Context, id, nodeID string) error {
	d, err := s.debuggerFor(ctx, id, nodeID)
	if err != nil {
		return err
	}
	d.AddBreakpoint(nodeID)
	return nil
}

// RemoveBreakpoint clears a breakpoint.
func (s *Service) RemoveBreakpoint(ctx context.Context, id, nodeID string) error {
	d, err := s.debuggerFor(ctx, id, nodeID)
	if err != nil {
		return err
	}
	d.RemoveBreakpoint(nodeID)
	return nil
}

// Breakpoints returns the execution's breakpoint node IDs.
func (s *Service) Breakpoints(ctx context.Context, id string) ([]string, error) {
	d, err := s.debuggerFor(ctx, id, "")
	if err != nil {
		return nil, err
	}
	return d.Breakpoints(), nil
}

func (s *Service) debuggerFor(ctx context.Context, id, nodeID string) (*Debugger, error) {
	inst, err := s.liveInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if nodeID != "" && !inst.flow.HasNode(nodeID) {
		return nil, notFound("node %s not found in flow %s", nodeID, inst.flow.ID)
	}
	d, err := inst.engine.Debugger()
	if err != nil {
		return nil, &Error{Kind: ErrNoDebugger, Message: "execution " + id + " was not created in debug mode"}
	}
	return d, nil
}

// State is the caller-facing execution snapshot.
type State struct {
	ID                string                `json:"id"`
	FlowID            string                `json:"flowId"`
	Status            store.Status          `json:"status"`
	CreatedAt         time.Time             `json:"createdAt"`
	StartTime         *time.Time            `json:"startTime,omitempty"`
	EndTime           *time.Time            `json:"endTime,omitempty"`
	Error             *store.ExecutionError `json:"error,omitempty"`
	ParentExecutionID string                `json:"parentExecutionId,omitempty"`
	ChildExecutionIDs []string              `json:"childExecutionIds"`
	Depth             int                   `json:"executionDepth"`
}

func stateFromRecord(rec store.Record) State {
	return State{
		ID:                rec.ID,
		FlowID:            rec.FlowID,
		Status:            rec.Status,
		CreatedAt:         rec.CreatedAt,
		StartTime:         rec.StartedAt,
		EndTime:           rec.CompletedAt,
		Error:             rec.Error,
		ParentExecutionID: rec.ParentID,
		ChildExecutionIDs: rec.ChildIDs,
		Depth:             rec.Depth,
	}
}

// ExecutionState returns the execution's current state, live or terminal.
func (s *Service) ExecutionState(ctx context.Context, id string) (State, error) {
	rec, err := s.executions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return State{}, notFound("execution %s not found", id)
		}
		return State{}, err
	}
	return stateFromRecord(rec), nil
}

// ChildExecutions returns the state of every child, in spawn order.
func (s *Service) ChildExecutions(ctx context.Context, id string) ([]State, error) {
	rec, err := s.executions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("execution %s not found", id)
		}
		return nil, err
	}

	states := make([]State, 0, len(rec.ChildIDs))
	for _, childID := range rec.ChildIDs {
		childRec, err := s.executions.Get(ctx, childID)
		if err != nil {
			s.cfg.logf("flowcore: failed to read child %s of %s: %v", childID, id, err)
			continue
		}
		states = append(states, stateFromRecord(childRec))
	}
	return states, nil
}

// List returns all known executions, live and terminal, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]store.Record, error) {
	return s.executions.List(ctx, limit)
}

// Flow reconstructs the flow definition of an execution, walking parent
// links for children.
func (s *Service) Flow(ctx context.Context, id string) (*flow.Flow, error) {
	rec, err := s.executions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("execution %s not found", id)
		}
		return nil, err
	}
	if inst, ok := s.executions.Live(id); ok {
		return inst.flow.Clone(), nil
	}
	return s.executions.Flow(ctx, rec)
}

// EventHistory returns persisted events for an execution in ascending index
// order, starting at fromIndex. Pending batches are flushed first so the
// caller sees everything dispatched so far.
func (s *Service) EventHistory(ctx context.Context, id string, fromIndex int64, limit int) ([]event.Event, error) {
	if err := s.events.Flush(ctx, id); err != nil {
		s.cfg.logf("flowcore: failed to flush events for %s: %v", id, err)
	}
	return s.events.Events(ctx, id, fromIndex, limit)
}

// Subscription is a caller's event stream for one execution: the synthetic
// FlowSubscribed handshake, an optional event-store backfill, then live
// events until the execution's queue closes.
type Subscription struct {
	pending  []event.Event
	it       *queue.Iterator
	filter   map[event.Type]bool
	minIndex int64
}

// Next returns the next event. The second return is false when the stream
// has ended (execution finished and buffer drained, or ctx cancelled).
func (sub *Subscription) Next(ctx context.Context) (event.Event, bool) {
	for {
		if len(sub.pending) > 0 {
			ev := sub.pending[0]
			sub.pending = sub.pending[1:]
			return ev, true
		}
		if sub.it == nil {
			return event.Event{}, false
		}

		ev, ok := sub.it.Next(ctx)
		if !ok {
			return event.Event{}, false
		}
		if ev.Index <= sub.minIndex {
			// Already delivered through the backfill.
			continue
		}
		if !sub.matches(ev.Type) {
			continue
		}
		return ev, true
	}
}

func (sub *Subscription) matches(t event.Type) bool {
	return len(sub.filter) == 0 || sub.filter[t]
}

// Close detaches the subscription from the live queue.
func (sub *Subscription) Close() {
	if sub.it != nil {
		sub.it.Close()
	}
}

// SubscribeToEvents attaches a subscriber to an execution's event stream.
//
// The first event is always a synthetic FlowSubscribed carrying the flow
// snapshot and current status; it is delivered regardless of the filter. An
// empty eventTypes filter passes everything. lastEventIndex >= 0 requests a
// reconnect backfill: persisted events after that index are replayed from the
// event store before live events; pass a negative value for a live-only
// stream. Subscribers attached after completion receive only the handshake.
func (s *Service) SubscribeToEvents(ctx context.Context, id string, eventTypes []event.Type, lastEventIndex int64) (*Subscription, error) {
	rec, err := s.executions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("execution %s not found", id)
		}
		return nil, err
	}

	var snapshot *flow.Flow
	if inst, ok := s.executions.Live(id); ok {
		snapshot = inst.flow.Clone()
	} else if snapshot, err = s.executions.Flow(ctx, rec); err != nil {
		s.cfg.logf("flowcore: failed to reconstruct flow for %s: %v", id, err)
		snapshot = flow.Shell(rec.FlowID, rec.FlowName)
	}

	filter := make(map[event.Type]bool, len(eventTypes))
	for _, t := range eventTypes {
		filter[t] = true
	}

	sub := &Subscription{filter: filter, minIndex: -1}

	// Attach before reading the backfill so no event falls in the gap;
	// duplicates are dropped by index.
	if q := s.queueFor(id); q != nil && !q.Closed() {
		sub.it = q.Subscribe()
	}

	sub.pending = append(sub.pending, event.Event{
		ID:        ident.NewEventID(),
		Index:     -1,
		Type:      event.FlowSubscribed,
		Timestamp: s.cfg.now(),
		Data: map[string]any{
			"executionId": id,
			"status":      string(rec.Status),
			"flow":        snapshot,
		},
	})

	if lastEventIndex >= 0 {
		history, err := s.EventHistory(ctx, id, lastEventIndex+1, 0)
		if err != nil {
			s.cfg.logf("flowcore: failed to backfill events for %s: %v", id, err)
		}
		for _, ev := range history {
			if ev.Index > sub.minIndex {
				sub.minIndex = ev.Index
			}
			if sub.matches(ev.Type) {
				sub.pending = append(sub.pending, ev)
			}
		}
	}

	return sub, nil
}

// Dispose tears an execution down: the event queue closes, the cancellation
// handle fires, and the execution and its persisted events are deleted.
// Cleanup calls this for reaped executions.
func (s *Service) Dispose(ctx context.Context, id string) error {
	if inst, ok := s.executions.Live(id); ok {
		inst.ec.Cancel()
		inst.signalChildren()
	}
	s.closeQueue(id)

	if err := s.events.DeleteEvents(ctx, id); err != nil {
		s.cfg.logf("flowcore: failed to delete events for %s: %v", id, err)
		s.cfg.metrics.storeError("events")
	}
	if err := s.executions.Delete(ctx, id); err != nil {
		return err
	}
	return nil
}

// Close flushes pending events and closes both stores. Live executions are
// not stopped; call StopExecution first for a graceful shutdown.
func (s *Service) Close() error {
	s.mu.Lock()
	queues := make([]*queue.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}

	eventsErr := s.events.Close()
	storeErr := s.executions.Close()
	if eventsErr != nil {
		return eventsErr
	}
	return storeErr
}
