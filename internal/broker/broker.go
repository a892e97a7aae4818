// Package broker drives execution progress. An evaluation pass recomputes
// the step frontier of one execution from its event log, enqueues jobs for
// ready steps, expands iterators, starts nested playbook executions and
// detects completion. Passes are idempotent: re-running one against the same
// log makes the same decisions, and concurrent callers lose harmlessly by
// observing work already in flight.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/ident"
	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/storage"
)

var (
	// ErrEvaluationFailed wraps failures of an evaluation pass.
	ErrEvaluationFailed = errors.New("broker evaluation failed")

	// ErrNoPlaybookReference is returned when an execution's start event
	// names no playbook to load.
	ErrNoPlaybookReference = errors.New("execution has no playbook reference")
)

// Metadata and context keys linking executions and jobs to their parents.
const (
	metaKey            = "_meta"
	loopKey            = "_loop"
	keyParentExecution = "parent_execution_id"
	keyParentStep      = "parent_step"
	keyParentStepType  = "parent_step_type"
	keyReturnStep      = "return_step"
	keyChildExecution  = "child_execution_id"
	keyPlaybookPath    = "playbook_path"
	keyPlaybookVersion = "playbook_version"
	keyLoopCompleted   = "loop_completed"
	keyTotalIterations = "total_iterations"
)

type (
	// EventLog is the slice of the event store the broker consumes.
	EventLog interface {
		Append(ctx context.Context, event *storage.Event) (bool, error)
		ListByExecution(ctx context.Context, executionID int64) ([]*storage.Event, error)
		EarliestEvent(ctx context.Context, executionID int64) (*storage.Event, error)
		HasEventOfType(ctx context.Context, executionID int64, eventType string) (bool, error)
		CountLoopIterations(ctx context.Context, executionID int64, stepName string) (int, error)
		LatestResult(ctx context.Context, executionID int64) (any, error)
	}

	// Queue is the slice of the queue store the broker consumes.
	Queue interface {
		Enqueue(ctx context.Context, job *storage.QueueJob) (int64, error)
		JobForNode(ctx context.Context, executionID int64, nodeID string) (*storage.QueueJob, error)
		Complete(ctx context.Context, queueID int64, workerID string) error
	}

	// Catalog resolves playbook content by path and version.
	Catalog interface {
		Fetch(ctx context.Context, resourcePath, resourceVersion string) (*storage.CatalogEntry, error)
	}

	// ContextBuilder assembles render contexts for an execution.
	ContextBuilder interface {
		BuildContext(ctx context.Context, executionID int64, pb *playbook.Playbook, extra map[string]any) (map[string]any, error)
		Engine() *render.Engine
	}

	// Broker evaluates executions against their playbooks.
	Broker struct {
		events   EventLog
		queue    Queue
		catalog  Catalog
		contexts ContextBuilder
		logger   *slog.Logger
	}
)

// NewBroker creates a broker over the given collaborators.
func NewBroker(events EventLog, queue Queue, catalog Catalog, contexts ContextBuilder) (*Broker, error) {
	if events == nil || queue == nil || catalog == nil || contexts == nil {
		return nil, fmt.Errorf("%w: all collaborators are required", ErrEvaluationFailed)
	}

	return &Broker{
		events:   events,
		queue:    queue,
		catalog:  catalog,
		contexts: contexts,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Evaluate performs one evaluation pass over an execution.
func (b *Broker) Evaluate(ctx context.Context, executionID int64) error {
	done, err := b.events.HasEventOfType(ctx, executionID, storage.EventExecutionDone)
	if err != nil {
		return fmt.Errorf("%w: checking terminal event: %v", ErrEvaluationFailed, err)
	}

	if done {
		return nil
	}

	events, err := b.events.ListByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("%w: loading events: %v", ErrEvaluationFailed, err)
	}

	if len(events) == 0 {
		// Not started yet; a later execution_start will trigger us again.
		return nil
	}

	pb, entry, err := b.loadPlaybook(ctx, events[0])
	if err != nil {
		return err
	}

	state := newExecutionState(events)

	rctx, err := b.contexts.BuildContext(ctx, executionID, pb, nil)
	if err != nil {
		return fmt.Errorf("%w: building context: %v", ErrEvaluationFailed, err)
	}

	selected := b.selectSteps(pb, state, rctx)

	endReached := false

	for i := range pb.Steps {
		step := &pb.Steps[i]
		if !selected[step.Name] {
			continue
		}

		switch step.EffectiveType() {
		case playbook.TypeStart:
			// The start step carries no work of its own.
		case playbook.TypeEnd:
			endReached = true
		case playbook.TypeIterator:
			if err := b.expandIterator(ctx, executionID, pb, entry, step, state, rctx); err != nil {
				return err
			}
		case playbook.TypePlaybook:
			if err := b.startPlaybookStep(ctx, executionID, step, state, rctx); err != nil {
				return err
			}
		default:
			if err := b.enqueueStep(ctx, executionID, pb, entry, step, state, rctx); err != nil {
				return err
			}
		}
	}

	if fatal := b.firstFatalFailure(ctx, executionID, pb, state); fatal != nil {
		return b.completeExecution(ctx, executionID, state, storage.StatusFailed, nil, fatal)
	}

	if endReached && b.allWorkDone(pb, state, selected) {
		result, err := b.events.LatestResult(ctx, executionID)
		if err != nil {
			return fmt.Errorf("%w: loading final result: %v", ErrEvaluationFailed, err)
		}

		return b.completeExecution(ctx, executionID, state, storage.StatusCompleted, result, nil)
	}

	return nil
}

// selectSteps resolves transitions out of completed steps and returns the set
// of steps that are eligible to run (or have run). The start step is selected
// as soon as execution_start is seen; targets of unmatched branches are
// skipped unless marked pass.
func (b *Broker) selectSteps(pb *playbook.Playbook, state *executionState, rctx map[string]any) map[string]bool {
	selected := make(map[string]bool)

	if start := pb.Start(); start != nil {
		selected[start.Name] = true
		// A start step has no body; it is complete by construction.
		state.completed[start.Name] = true
	}

	// Transitions fire only out of completed steps, so one pass per completed
	// step converges: a newly selected step is not completed yet and cannot
	// fan out further this round.
	for changed := true; changed; {
		changed = false

		for i := range pb.Steps {
			step := &pb.Steps[i]
			if !selected[step.Name] || !state.completed[step.Name] {
				continue
			}

			for _, target := range b.resolveTransitions(step, rctx) {
				if !selected[target] {
					selected[target] = true
					changed = true
				}
			}
		}
	}

	return selected
}

// resolveTransitions evaluates a completed step's next rules against the
// current context and returns the chosen targets in declaration order.
func (b *Broker) resolveTransitions(step *playbook.Step, rctx map[string]any) []string {
	var targets []string

	for _, tr := range step.Next {
		switch {
		case tr.Step != "":
			targets = append(targets, tr.Step)
		case tr.Pass:
			targets = append(targets, tr.Targets()...)
		case tr.When != "":
			out, err := b.contexts.Engine().RenderString(tr.When, rctx, false)
			if err != nil {
				b.logger.Warn("transition condition failed to render",
					"step", step.Name, "when", tr.When, "error", err)

				targets = append(targets, tr.Else...)

				continue
			}

			if truthy(out) {
				targets = append(targets, tr.Then...)
			} else {
				targets = append(targets, tr.Else...)
			}
		default:
			targets = append(targets, tr.Then...)
		}
	}

	return targets
}

// enqueueStep renders a step body and enqueues its job, keyed by a stable
// node id so re-evaluation never double-enqueues. Strict render failures emit
// action_failed instead of a job.
func (b *Broker) enqueueStep(
	ctx context.Context,
	executionID int64,
	pb *playbook.Playbook,
	entry *storage.CatalogEntry,
	step *playbook.Step,
	state *executionState,
	rctx map[string]any,
) error {
	if state.completed[step.Name] || state.started[step.Name] {
		return nil
	}

	nodeID := nodeIDFor(executionID, pb.Index(step.Name))

	existing, err := b.queue.JobForNode(ctx, executionID, nodeID)
	if err != nil {
		return fmt.Errorf("%w: checking job for %s: %v", ErrEvaluationFailed, nodeID, err)
	}

	if existing != nil {
		return nil
	}

	actionType := step.EffectiveType()
	body := step.With

	if actionType == playbook.TypeWorkbook {
		task := pb.TaskByName(step.Task)
		actionType = task.Type
		body = mergeMaps(task.With, step.With)
	}

	rendered, err := b.contexts.Engine().RenderPayload(body, rctx)
	if err != nil {
		b.logger.Warn("job preparation failed",
			"execution_id", executionID, "step", step.Name, "error", err)

		return b.emit(ctx, &storage.Event{
			ExecutionID: executionID,
			EventType:   storage.EventActionFailed,
			NodeID:      nodeID,
			NodeName:    step.Name,
			NodeType:    actionType,
			Status:      storage.StatusFailed,
			Error:       err.Error(),
		})
	}

	jobContext := map[string]any{}
	for key, val := range rendered {
		jobContext[key] = val
	}

	if meta := parentMeta(state.earliest); meta != nil {
		if step.ReturnStep != "" {
			meta[keyReturnStep] = step.ReturnStep
		}

		jobContext[metaKey] = meta
	}

	job := &storage.QueueJob{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Action: map[string]any{
			"type": actionType,
			"step": step.Name,
		},
		Context:     jobContext,
		Priority:    step.Priority,
		MaxAttempts: step.MaxAttempts,
		CatalogID:   entry.CatalogID,
	}

	if _, err := b.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("%w: enqueueing %s: %v", ErrEvaluationFailed, step.Name, err)
	}

	b.logger.Info("step enqueued",
		"execution_id", executionID, "step", step.Name, "node_id", nodeID)

	return nil
}

// startPlaybookStep starts a nested execution for a playbook-type step. No
// queue job is created in the parent; completion propagates through the
// child's terminal event.
func (b *Broker) startPlaybookStep(
	ctx context.Context,
	executionID int64,
	step *playbook.Step,
	state *executionState,
	rctx map[string]any,
) error {
	if state.completed[step.Name] || state.started[step.Name] {
		return nil
	}

	input, err := b.contexts.Engine().Render(step.With, rctx, true)
	if err != nil {
		return b.emit(ctx, &storage.Event{
			ExecutionID: executionID,
			EventType:   storage.EventActionFailed,
			NodeName:    step.Name,
			NodeType:    playbook.TypePlaybook,
			Status:      storage.StatusFailed,
			Error:       err.Error(),
		})
	}

	workload, _ := input.(map[string]any)

	childID, err := b.startChild(ctx, executionID, step, workload, nil)
	if err != nil {
		return err
	}

	if err := b.emit(ctx, &storage.Event{
		ExecutionID: executionID,
		EventType:   storage.EventStepStarted,
		NodeName:    step.Name,
		NodeType:    playbook.TypePlaybook,
		Status:      storage.StatusInProgress,
		Context:     map[string]any{keyChildExecution: ident.String(childID)},
	}); err != nil {
		return err
	}

	return b.Evaluate(ctx, childID)
}

// startChild emits execution_start for a nested execution and returns its id.
func (b *Broker) startChild(
	ctx context.Context,
	parentID int64,
	step *playbook.Step,
	workload map[string]any,
	extraMeta map[string]any,
) (int64, error) {
	childID, err := ident.NewID()
	if err != nil {
		return 0, fmt.Errorf("%w: allocating child execution id: %v", ErrEvaluationFailed, err)
	}

	meta := map[string]any{
		keyParentExecution: ident.String(parentID),
		keyParentStep:      step.Name,
		keyParentStepType:  step.EffectiveType(),
		keyPlaybookPath:    step.PlaybookPath,
		keyPlaybookVersion: step.PlaybookVersion,
	}

	if step.ReturnStep != "" {
		meta[keyReturnStep] = step.ReturnStep
	}

	for key, val := range extraMeta {
		meta[key] = val
	}

	if err := b.emit(ctx, &storage.Event{
		ExecutionID:       childID,
		ParentExecutionID: &parentID,
		EventType:         storage.EventExecutionStart,
		NodeName:          playbook.StartStep,
		Status:            storage.StatusCreated,
		Context: map[string]any{
			"workload": workload,
			"path":     step.PlaybookPath,
			"version":  step.PlaybookVersion,
		},
		Metadata: meta,
	}); err != nil {
		return 0, err
	}

	return childID, nil
}

// expandIterator resolves the loop collection and emits one loop_iteration
// per item, each either enqueuing an inline job or starting a nested
// execution. Expansion is resumable: items already represented by a
// loop_iteration event are not re-emitted.
func (b *Broker) expandIterator(
	ctx context.Context,
	executionID int64,
	pb *playbook.Playbook,
	entry *storage.CatalogEntry,
	step *playbook.Step,
	state *executionState,
	rctx map[string]any,
) error {
	items, err := b.resolveCollection(step.Loop.In, rctx)
	if err != nil {
		return b.emit(ctx, &storage.Event{
			ExecutionID: executionID,
			EventType:   storage.EventActionFailed,
			NodeID:      nodeIDFor(executionID, pb.Index(step.Name)),
			NodeName:    step.Name,
			NodeType:    playbook.TypeIterator,
			Status:      storage.StatusFailed,
			Error:       err.Error(),
		})
	}

	existing, err := b.events.CountLoopIterations(ctx, executionID, step.Name)
	if err != nil {
		return fmt.Errorf("%w: counting iterations: %v", ErrEvaluationFailed, err)
	}

	if existing >= len(items) {
		return nil
	}

	baseNodeID := nodeIDFor(executionID, pb.Index(step.Name))
	loopID := state.loopID(step.Name)

	if loopID == "" {
		id, err := ident.NewID()
		if err != nil {
			return fmt.Errorf("%w: allocating loop id: %v", ErrEvaluationFailed, err)
		}

		loopID = ident.String(id)
	}

	for idx := existing; idx < len(items); idx++ {
		if err := b.emitIteration(ctx, executionID, pb, entry, step, baseNodeID, loopID, idx, items[idx], rctx); err != nil {
			return err
		}
	}

	return nil
}

func (b *Broker) emitIteration(
	ctx context.Context,
	executionID int64,
	pb *playbook.Playbook,
	entry *storage.CatalogEntry,
	step *playbook.Step,
	baseNodeID, loopID string,
	idx int,
	item any,
	rctx map[string]any,
) error {
	iterCtx := map[string]any{
		"index":            idx,
		step.Loop.Iterator: item,
	}

	if step.PlaybookPath != "" {
		// Nested-playbook iteration: a fresh child execution per item.
		childCtx := cloneMap(rctx, "results", "job")
		childCtx[step.Loop.Iterator] = item

		input, err := b.contexts.Engine().Render(step.With, childCtx, false)
		if err != nil {
			input = step.With
		}

		workload, _ := input.(map[string]any)
		if workload == nil {
			workload = map[string]any{}
		}

		workload[step.Loop.Iterator] = item

		childID, err := b.startChild(ctx, executionID, step, workload, nil)
		if err != nil {
			return err
		}

		iterCtx[keyChildExecution] = ident.String(childID)

		if err := b.emitLoopIteration(ctx, executionID, step, baseNodeID, loopID, idx, item, iterCtx); err != nil {
			return err
		}

		return b.Evaluate(ctx, childID)
	}

	// Inline iteration: a job per item on this execution.
	if err := b.emitLoopIteration(ctx, executionID, step, baseNodeID, loopID, idx, item, iterCtx); err != nil {
		return err
	}

	itemCtx := cloneMap(rctx, "results", "job")
	itemCtx[step.Loop.Iterator] = item

	rendered, err := b.contexts.Engine().RenderPayload(step.With, itemCtx)
	if err != nil {
		return b.emit(ctx, &storage.Event{
			ExecutionID:  executionID,
			EventType:    storage.EventActionFailed,
			NodeID:       fmt.Sprintf("%s-iter-%d", baseNodeID, idx),
			NodeName:     step.Name,
			NodeType:     playbook.TypeIterator,
			Status:       storage.StatusFailed,
			Error:        err.Error(),
			CurrentIndex: &idx,
		})
	}

	rendered[step.Loop.Iterator] = item
	rendered[loopKey] = map[string]any{
		"loop_id": loopID,
		"step":    step.Name,
		"index":   idx,
	}

	job := &storage.QueueJob{
		ExecutionID: executionID,
		NodeID:      fmt.Sprintf("%s-iter-%d", baseNodeID, idx),
		Action: map[string]any{
			"type": iterationActionType(pb, step),
			"step": step.Name,
		},
		Context:     rendered,
		Priority:    step.Priority,
		MaxAttempts: step.MaxAttempts,
		CatalogID:   entry.CatalogID,
	}

	if _, err := b.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("%w: enqueueing iteration %d of %s: %v",
			ErrEvaluationFailed, idx, step.Name, err)
	}

	return nil
}

func (b *Broker) emitLoopIteration(
	ctx context.Context,
	executionID int64,
	step *playbook.Step,
	baseNodeID, loopID string,
	idx int,
	item any,
	iterCtx map[string]any,
) error {
	index := idx

	return b.emit(ctx, &storage.Event{
		ExecutionID:  executionID,
		EventType:    storage.EventLoopIteration,
		NodeID:       baseNodeID,
		NodeName:     step.Name,
		NodeType:     playbook.TypeIterator,
		Status:       storage.StatusInProgress,
		Context:      iterCtx,
		LoopID:       loopID,
		LoopName:     step.Name,
		Iterator:     step.Loop.Iterator,
		CurrentIndex: &index,
		CurrentItem:  item,
	})
}

// firstFatalFailure returns the first failed step whose retry budget is
// exhausted, in declaration order, or nil.
func (b *Broker) firstFatalFailure(
	ctx context.Context,
	executionID int64,
	pb *playbook.Playbook,
	state *executionState,
) *storage.Event {
	for i := range pb.Steps {
		evt, ok := state.failed[pb.Steps[i].Name]
		if !ok || state.completed[pb.Steps[i].Name] {
			continue
		}

		if evt.NodeID == "" {
			return evt
		}

		job, err := b.queue.JobForNode(ctx, executionID, evt.NodeID)
		if err != nil {
			b.logger.Warn("failure check could not load job",
				"execution_id", executionID, "node_id", evt.NodeID, "error", err)

			continue
		}

		// No job means the failure happened before enqueue (render error);
		// a dead job means retries ran out. Either way the failure is final.
		if job == nil || job.Status == storage.JobDead {
			return evt
		}
	}

	return nil
}

// allWorkDone reports whether every selected non-end step has completed.
func (b *Broker) allWorkDone(pb *playbook.Playbook, state *executionState, selected map[string]bool) bool {
	for i := range pb.Steps {
		step := &pb.Steps[i]
		if !selected[step.Name] {
			continue
		}

		t := step.EffectiveType()
		if t == playbook.TypeStart || t == playbook.TypeEnd {
			continue
		}

		if !state.completed[step.Name] {
			return false
		}
	}

	return true
}

// completeExecution emits the terminal pair: execution_complete carrying the
// final result, then the execution_completed marker.
func (b *Broker) completeExecution(
	ctx context.Context,
	executionID int64,
	state *executionState,
	status string,
	result any,
	fatal *storage.Event,
) error {
	errText := ""
	if fatal != nil {
		errText = fatal.Error
		result = fatal.Result
	}

	if err := b.emit(ctx, &storage.Event{
		ExecutionID: executionID,
		EventType:   storage.EventExecutionComplete,
		NodeName:    playbook.EndStep,
		Status:      status,
		Result:      result,
		Error:       errText,
	}); err != nil {
		return err
	}

	if err := b.emit(ctx, &storage.Event{
		ExecutionID: executionID,
		EventType:   storage.EventExecutionDone,
		NodeName:    playbook.EndStep,
		Status:      status,
		Result:      result,
		Error:       errText,
	}); err != nil {
		return err
	}

	b.logger.Info("execution completed",
		"execution_id", executionID, "status", status)

	// A nested execution's result must surface in its parent.
	return b.propagateToParent(ctx, executionID, state, status)
}

// loadPlaybook resolves the playbook reference from the start event and
// parses the catalog content.
func (b *Broker) loadPlaybook(ctx context.Context, earliest *storage.Event) (*playbook.Playbook, *storage.CatalogEntry, error) {
	path, version := playbookRef(earliest)
	if path == "" {
		return nil, nil, fmt.Errorf("%w: execution %d", ErrNoPlaybookReference, earliest.ExecutionID)
	}

	entry, err := b.catalog.Fetch(ctx, path, version)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: fetching playbook %s: %v", ErrEvaluationFailed, path, err)
	}

	pb, err := playbook.Parse([]byte(entry.Content))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing playbook %s: %v", ErrEvaluationFailed, path, err)
	}

	return pb, entry, nil
}

// emit appends one event, allocating its id and timestamp when unset.
func (b *Broker) emit(ctx context.Context, evt *storage.Event) error {
	if evt.EventID == 0 {
		id, err := ident.NewID()
		if err != nil {
			return fmt.Errorf("%w: allocating event id: %v", ErrEvaluationFailed, err)
		}

		evt.EventID = id
	}

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	if _, err := b.events.Append(ctx, evt); err != nil {
		return fmt.Errorf("%w: appending %s event: %v", ErrEvaluationFailed, evt.EventType, err)
	}

	return nil
}

// resolveCollection turns a loop's in-template into a concrete item list. A
// bare path expression is looked up directly in the context so lists survive
// without a round trip through text; anything else is rendered and parsed as
// JSON.
var barePathPattern = regexp.MustCompile(`^\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}$`)

func (b *Broker) resolveCollection(in string, rctx map[string]any) ([]any, error) {
	if m := barePathPattern.FindStringSubmatch(strings.TrimSpace(in)); m != nil {
		if v, ok := lookupPath(rctx, m[1]); ok {
			if items, ok := asList(v); ok {
				return items, nil
			}
		}
	}

	out, err := b.contexts.Engine().RenderString(in, rctx, true)
	if err != nil {
		return nil, fmt.Errorf("rendering loop collection: %w", err)
	}

	var items []any
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		return nil, fmt.Errorf("loop collection is not a list: %q", out)
	}

	return items, nil
}

// --- pure helpers ---

// executionState is the broker's view of one execution, derived entirely
// from its event list.
type executionState struct {
	earliest  *storage.Event
	completed map[string]bool
	started   map[string]bool
	failed    map[string]*storage.Event
	results   map[string]any
	loopIDs   map[string]string
}

func newExecutionState(events []*storage.Event) *executionState {
	s := &executionState{
		completed: make(map[string]bool),
		started:   make(map[string]bool),
		failed:    make(map[string]*storage.Event),
		results:   make(map[string]any),
		loopIDs:   make(map[string]string),
	}

	if len(events) > 0 {
		s.earliest = events[0]
	}

	for _, e := range events {
		// Per-iteration events never complete the step itself; only the
		// aggregate (emitted on the base node id) does.
		if strings.Contains(e.NodeID, "-iter-") {
			continue
		}

		switch e.EventType {
		case storage.EventActionCompleted, storage.EventResult:
			if e.NodeName == "" || e.Status == storage.StatusFailed {
				break
			}

			s.completed[e.NodeName] = true
			delete(s.failed, e.NodeName)

			if e.Result != nil {
				s.results[e.NodeName] = e.Result
			}
		case storage.EventActionFailed, storage.EventError:
			if e.NodeName != "" && !s.completed[e.NodeName] {
				s.failed[e.NodeName] = e
			}
		case storage.EventStepStarted, storage.EventActionStarted:
			s.started[e.NodeName] = true
		case storage.EventLoopIteration:
			s.started[e.NodeName] = true

			if e.LoopID != "" {
				s.loopIDs[e.NodeName] = e.LoopID
			}
		}
	}

	return s
}

func (s *executionState) loopID(stepName string) string {
	return s.loopIDs[stepName]
}

// nodeIDFor builds the stable node id for a step position.
func nodeIDFor(executionID int64, stepIndex int) string {
	return fmt.Sprintf("%d-step-%d", executionID, stepIndex)
}

// parentMeta extracts the parent linkage of an execution from its start
// event, or nil for root executions.
func parentMeta(earliest *storage.Event) map[string]any {
	if earliest == nil || earliest.Metadata == nil {
		return nil
	}

	parent, ok := earliest.Metadata[keyParentExecution]
	if !ok {
		return nil
	}

	meta := map[string]any{
		keyParentExecution: parent,
		keyParentStep:      earliest.Metadata[keyParentStep],
		keyParentStepType:  earliest.Metadata[keyParentStepType],
	}

	if rs, ok := earliest.Metadata[keyReturnStep]; ok {
		meta[keyReturnStep] = rs
	}

	return meta
}

// playbookRef reads the playbook path and version from a start event,
// preferring metadata over context.
func playbookRef(e *storage.Event) (string, string) {
	path := stringFrom(e.Metadata, keyPlaybookPath)
	if path == "" {
		path = stringFrom(e.Context, "path")
	}

	version := stringFrom(e.Metadata, keyPlaybookVersion)
	if version == "" {
		version = stringFrom(e.Context, "version")
	}

	return path, version
}

func stringFrom(m map[string]any, key string) string {
	if m == nil {
		return ""
	}

	s, _ := m[key].(string)

	return s
}

// truthy interprets a rendered condition the way the template language does.
func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")

	var current any = m

	for _, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func asList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}

		return items, true
	case []map[string]any:
		items := make([]any, len(x))
		for i, m := range x {
			items[i] = m
		}

		return items, true
	default:
		return nil, false
	}
}

func iterationActionType(pb *playbook.Playbook, step *playbook.Step) string {
	if step.Task != "" {
		if task := pb.TaskByName(step.Task); task != nil {
			return task.Type
		}
	}

	if t, ok := step.With["type"].(string); ok {
		return t
	}

	return playbook.TypeTask
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))

	for k, v := range base {
		merged[k] = v
	}

	for k, v := range overlay {
		merged[k] = v
	}

	return merged
}

// cloneMap shallow-copies a map, dropping the named keys.
func cloneMap(m map[string]any, drop ...string) map[string]any {
	out := make(map[string]any, len(m))

	for k, v := range m {
		out[k] = v
	}

	for _, k := range drop {
		delete(out, k)
	}

	return out
}

// parseID converts an id rendered as a string (or a JSON number) back to int64.
func parseID(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	case json.Number:
		n, err := x.Int64()

		return n, err == nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)

		return n, err == nil
	default:
		return 0, false
	}
}
