package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/noetl/noetl/internal/ident"
	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/storage"
)

// Result-policy rules, applied in order until one yields a result. The
// default order matches how child executions report: an explicit
// execution_complete beats a declared return step, which beats conventional
// end steps, and so on down to the bare end event.
const (
	PolicyExecutionComplete = "execution_complete"
	PolicyReturnStep        = "return_step"
	PolicyNamedEndSteps     = "named_end_steps"
	PolicyAnyCompleted      = "any_completed"
	PolicyResultEvents      = "result_events"
	PolicyEndStep           = "end_step"
)

// DefaultResultPolicy is used when an iterator step declares no result_policy.
var DefaultResultPolicy = []string{
	PolicyExecutionComplete,
	PolicyReturnStep,
	PolicyNamedEndSteps,
	PolicyAnyCompleted,
	PolicyResultEvents,
	PolicyEndStep,
}

// namedEndSteps are the conventional terminal step names checked by the
// named_end_steps rule.
var namedEndSteps = []string{"end", "finish", "final"}

// HandleCompletion runs after a queue job is acked. It advances the job's
// execution and, when the job belongs to a loop, runs the aggregation
// protocol: lifting a finished child's result into the parent, counting
// iterations and emitting the aggregate markers once all are in.
func (b *Broker) HandleCompletion(ctx context.Context, job *storage.QueueJob) error {
	if job == nil {
		return fmt.Errorf("%w: job is nil", ErrEvaluationFailed)
	}

	if err := b.Evaluate(ctx, job.ExecutionID); err != nil {
		return err
	}

	// Inline iteration: the loop lives on this execution.
	if loop, ok := job.Context[loopKey].(map[string]any); ok {
		stepName := stringFrom(loop, "step")
		if stepName != "" {
			return b.aggregateLoop(ctx, job.ExecutionID, stepName)
		}
	}

	meta, ok := job.Context[metaKey].(map[string]any)
	if !ok {
		return nil
	}

	// Playbook-type children propagate through their terminal event; only
	// iterator children need lifting here.
	if stringFrom(meta, keyParentStepType) != playbook.TypeIterator {
		return nil
	}

	childDone, err := b.events.HasEventOfType(ctx, job.ExecutionID, storage.EventExecutionDone)
	if err != nil {
		return fmt.Errorf("%w: checking child terminal: %v", ErrEvaluationFailed, err)
	}

	if !childDone {
		return nil
	}

	parentID, ok := parseID(meta[keyParentExecution])
	if !ok {
		return fmt.Errorf("%w: unparseable parent execution id %v",
			ErrEvaluationFailed, meta[keyParentExecution])
	}

	parentStep := stringFrom(meta, keyParentStep)

	if err := b.liftChildResult(ctx, parentID, parentStep, job.ExecutionID, meta); err != nil {
		return err
	}

	return b.aggregateLoop(ctx, parentID, parentStep)
}

// propagateToParent surfaces a finished nested execution in its parent. For
// playbook-type steps that means emitting the parent's action_completed and
// re-evaluating; iterator children are lifted by HandleCompletion instead.
func (b *Broker) propagateToParent(
	ctx context.Context,
	executionID int64,
	state *executionState,
	status string,
) error {
	meta := parentMeta(state.earliest)
	if meta == nil || stringFrom(meta, keyParentStepType) != playbook.TypePlaybook {
		return nil
	}

	parentID, ok := parseID(meta[keyParentExecution])
	if !ok {
		return nil
	}

	parentStep := stringFrom(meta, keyParentStep)

	parentEvents, err := b.events.ListByExecution(ctx, parentID)
	if err != nil {
		return fmt.Errorf("%w: loading parent events: %v", ErrEvaluationFailed, err)
	}

	for _, e := range parentEvents {
		if e.EventType == storage.EventActionCompleted && e.NodeName == parentStep {
			return nil // already propagated
		}
	}

	childEvents, err := b.events.ListByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("%w: loading child events: %v", ErrEvaluationFailed, err)
	}

	final := childFinalResult(childEvents, stringFrom(meta, keyReturnStep), DefaultResultPolicy)

	if err := b.emit(ctx, &storage.Event{
		ExecutionID: parentID,
		EventType:   storage.EventActionCompleted,
		NodeName:    parentStep,
		NodeType:    playbook.TypePlaybook,
		Status:      status,
		Result:      final,
		Context:     map[string]any{keyChildExecution: ident.String(executionID)},
	}); err != nil {
		return err
	}

	return b.Evaluate(ctx, parentID)
}

// liftChildResult emits the per-iteration result event on the parent for a
// finished child execution. Idempotent: a second call observes the existing
// event and does nothing.
func (b *Broker) liftChildResult(
	ctx context.Context,
	parentID int64,
	parentStep string,
	childID int64,
	meta map[string]any,
) error {
	parentEvents, err := b.events.ListByExecution(ctx, parentID)
	if err != nil {
		return fmt.Errorf("%w: loading parent events: %v", ErrEvaluationFailed, err)
	}

	loopEvt := findLoopIteration(parentEvents, parentStep, childID)
	if loopEvt == nil {
		b.logger.Warn("no loop_iteration found for child",
			"parent_execution_id", parentID, "child_execution_id", childID)

		return nil
	}

	iterNodeID := fmt.Sprintf("%s-iter-%d", loopEvt.NodeID, childID)

	for _, e := range parentEvents {
		if e.EventType == storage.EventResult && e.NodeID == iterNodeID {
			return nil
		}
	}

	policy := DefaultResultPolicy

	if pb, _, err := b.loadPlaybook(ctx, parentEvents[0]); err == nil {
		if step := pb.Step(parentStep); step != nil && len(step.ResultPolicy) > 0 {
			policy = step.ResultPolicy
		}
	}

	childEvents, err := b.events.ListByExecution(ctx, childID)
	if err != nil {
		return fmt.Errorf("%w: loading child events: %v", ErrEvaluationFailed, err)
	}

	final := childFinalResult(childEvents, stringFrom(meta, keyReturnStep), policy)
	status := childTerminalStatus(childEvents)

	return b.emit(ctx, &storage.Event{
		ExecutionID:  parentID,
		EventType:    storage.EventResult,
		NodeID:       iterNodeID,
		NodeName:     parentStep,
		NodeType:     playbook.TypeIterator,
		Status:       status,
		Result:       final,
		Context:      map[string]any{keyChildExecution: ident.String(childID)},
		LoopID:       loopEvt.LoopID,
		LoopName:     loopEvt.LoopName,
		Iterator:     loopEvt.Iterator,
		CurrentIndex: loopEvt.CurrentIndex,
		CurrentItem:  loopEvt.CurrentItem,
	})
}

// aggregateLoop counts a loop's iterations against their completions and,
// when every active iteration has reported, emits the aggregate triple on
// the parent: action_completed, then a result marker, then loop_completed —
// all carrying loop_completed=true and total_iterations=N. It then closes
// the iterator's own queue row and re-evaluates the execution.
func (b *Broker) aggregateLoop(ctx context.Context, executionID int64, stepName string) error {
	events, err := b.events.ListByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("%w: loading events: %v", ErrEvaluationFailed, err)
	}

	loop := collectLoop(events, stepName)
	if len(loop.iterations) == 0 {
		return nil
	}

	if loop.aggregated {
		return nil
	}

	done, failed := 0, 0

	for _, iter := range loop.iterations {
		switch {
		case iter.completed:
			done++
		case iter.failed:
			final, err := b.iterationFailureFinal(ctx, executionID, iter.nodeID)
			if err != nil {
				return err
			}

			// A retry still in flight leaves the iteration pending.
			if final {
				failed++
			}
		}
	}

	if done+failed < len(loop.iterations) {
		return nil // still running
	}

	if failed > 0 {
		// Surface the first failure; Evaluate turns it into a terminal
		// FAILED execution once the job's retry budget is spent.
		first := loop.firstFailure()

		if err := b.emit(ctx, &storage.Event{
			ExecutionID: executionID,
			EventType:   storage.EventActionFailed,
			NodeID:      loop.baseNodeID,
			NodeName:    stepName,
			NodeType:    playbook.TypeIterator,
			Status:      storage.StatusFailed,
			Error:       first,
			Context: map[string]any{
				keyTotalIterations: len(loop.iterations),
			},
		}); err != nil {
			return err
		}

		return b.Evaluate(ctx, executionID)
	}

	aggregated := loop.orderedResults()
	markerCtx := map[string]any{
		keyLoopCompleted:   true,
		keyTotalIterations: len(loop.iterations),
	}

	for _, eventType := range []string{
		storage.EventActionCompleted,
		storage.EventResult,
		storage.EventLoopCompleted,
	} {
		if err := b.emit(ctx, &storage.Event{
			ExecutionID: executionID,
			EventType:   eventType,
			NodeID:      loop.baseNodeID,
			NodeName:    stepName,
			NodeType:    playbook.TypeIterator,
			Status:      storage.StatusCompleted,
			Result:      aggregated,
			Context:     markerCtx,
			LoopID:      loop.loopID,
			LoopName:    stepName,
		}); err != nil {
			return err
		}
	}

	// The loop_completed hook: enqueue the result_aggregation job, guarded
	// by the queue's (execution_id, node_id) uniqueness.
	aggJob := &storage.QueueJob{
		ExecutionID: executionID,
		NodeID:      loop.baseNodeID + "-aggregate",
		Action: map[string]any{
			"type": "result_aggregation",
			"step": stepName,
		},
		Context: map[string]any{
			"results":          aggregated,
			keyTotalIterations: len(loop.iterations),
		},
	}

	if _, err := b.queue.Enqueue(ctx, aggJob); err != nil {
		return fmt.Errorf("%w: enqueueing aggregation job: %v", ErrEvaluationFailed, err)
	}

	// Close the iterator's own queue row if one exists.
	if job, err := b.queue.JobForNode(ctx, executionID, loop.baseNodeID); err == nil &&
		job != nil && !job.Terminal() {
		if err := b.queue.Complete(ctx, job.ID, ""); err != nil {
			b.logger.Warn("could not close iterator queue row",
				"execution_id", executionID, "node_id", loop.baseNodeID, "error", err)
		}
	}

	b.logger.Info("loop aggregated",
		"execution_id", executionID, "step", stepName,
		"iterations", len(loop.iterations))

	return b.Evaluate(ctx, executionID)
}

// iterationFailureFinal reports whether a failed iteration is out of retries.
// No queue row means the failure happened before enqueue or in a child
// execution; a dead row means the retry budget is spent. A queued or leased
// row still has a retry in flight.
func (b *Broker) iterationFailureFinal(ctx context.Context, executionID int64, nodeID string) (bool, error) {
	job, err := b.queue.JobForNode(ctx, executionID, nodeID)
	if err != nil {
		return false, fmt.Errorf("%w: checking iteration queue row: %v", ErrEvaluationFailed, err)
	}

	return job == nil || job.Status == storage.JobDead, nil
}

// --- loop bookkeeping ---

type loopIteration struct {
	index     int
	nodeID    string
	completed bool
	failed    bool
	errText   string
	result    any
	skipped   bool
}

type loopState struct {
	baseNodeID string
	loopID     string
	aggregated bool
	iterations []*loopIteration
}

// collectLoop reconstructs a loop's progress from the execution's events:
// one iteration per loop_iteration event (skipped and control-step
// iterations excluded), matched against per-iteration result and
// action_completed events by node id.
func collectLoop(events []*storage.Event, stepName string) *loopState {
	loop := &loopState{}
	byIndex := make(map[int]*loopIteration)

	for _, e := range events {
		if e.NodeName != stepName {
			continue
		}

		switch e.EventType {
		case storage.EventLoopIteration:
			if e.CurrentIndex == nil || skippedIteration(e) {
				continue
			}

			loop.baseNodeID = e.NodeID
			loop.loopID = e.LoopID

			idx := *e.CurrentIndex
			if _, seen := byIndex[idx]; seen {
				continue
			}

			iter := &loopIteration{index: idx, nodeID: iterationNodeID(e)}
			byIndex[idx] = iter
			loop.iterations = append(loop.iterations, iter)
		case storage.EventActionCompleted, storage.EventLoopCompleted:
			if boolFrom(e.Context, keyLoopCompleted) {
				loop.aggregated = true
			}
		}
	}

	for _, e := range events {
		if !strings.Contains(e.NodeID, "-iter-") {
			continue
		}

		iter := loop.byNodeID(e.NodeID)
		if iter == nil {
			continue
		}

		switch e.EventType {
		case storage.EventResult, storage.EventActionCompleted:
			if e.Status == storage.StatusSkipped || skippedIteration(e) {
				iter.skipped = true

				continue
			}

			iter.completed = true
			iter.failed = false
			iter.result = e.Result
		case storage.EventActionFailed:
			if !iter.completed {
				iter.failed = true
				iter.errText = e.Error
			}
		}
	}

	// Skipped iterations are excluded from aggregation entirely.
	active := loop.iterations[:0]
	for _, iter := range loop.iterations {
		if !iter.skipped {
			active = append(active, iter)
		}
	}

	loop.iterations = active

	sort.Slice(loop.iterations, func(i, j int) bool {
		return loop.iterations[i].index < loop.iterations[j].index
	})

	return loop
}

func (l *loopState) byNodeID(nodeID string) *loopIteration {
	for _, iter := range l.iterations {
		if iter.nodeID == nodeID {
			return iter
		}
	}

	return nil
}

// orderedResults lists results by iteration index; an iteration that
// produced nothing is represented as null.
func (l *loopState) orderedResults() []any {
	results := make([]any, len(l.iterations))

	for i, iter := range l.iterations {
		results[i] = iter.result
	}

	return results
}

func (l *loopState) firstFailure() string {
	for _, iter := range l.iterations {
		if iter.failed {
			return iter.errText
		}
	}

	return ""
}

// iterationNodeID computes the node id a loop iteration's completion will
// carry: child executions report under the child id, inline jobs under the
// iteration index.
func iterationNodeID(e *storage.Event) string {
	if child, ok := parseID(mapValue(e.Context, keyChildExecution)); ok {
		return fmt.Sprintf("%s-iter-%d", e.NodeID, child)
	}

	return fmt.Sprintf("%s-iter-%d", e.NodeID, *e.CurrentIndex)
}

func findLoopIteration(events []*storage.Event, stepName string, childID int64) *storage.Event {
	for _, e := range events {
		if e.EventType != storage.EventLoopIteration || e.NodeName != stepName {
			continue
		}

		if id, ok := parseID(mapValue(e.Context, keyChildExecution)); ok && id == childID {
			return e
		}
	}

	return nil
}

// childFinalResult locates a finished execution's final result by applying
// the policy rules in order.
func childFinalResult(events []*storage.Event, returnStep string, policy []string) any {
	for _, rule := range policy {
		switch rule {
		case PolicyExecutionComplete:
			if r, ok := lastResultOfType(events, storage.EventExecutionComplete, ""); ok {
				return r
			}
		case PolicyReturnStep:
			if returnStep == "" {
				continue
			}

			if r, ok := lastResultOfType(events, storage.EventActionCompleted, returnStep); ok {
				return r
			}
		case PolicyNamedEndSteps:
			for _, name := range namedEndSteps {
				if r, ok := lastResultOfType(events, storage.EventActionCompleted, name); ok {
					return r
				}
			}
		case PolicyAnyCompleted:
			for i := len(events) - 1; i >= 0; i-- {
				e := events[i]
				if e.EventType != storage.EventActionCompleted ||
					e.Status == storage.StatusSkipped || skippedIteration(e) {
					continue
				}

				if e.Result != nil {
					return e.Result
				}
			}
		case PolicyResultEvents:
			if r, ok := lastResultOfType(events, storage.EventResult, ""); ok {
				return r
			}
		case PolicyEndStep:
			if r, ok := lastResultOfType(events, "", playbook.EndStep); ok {
				return r
			}
		}
	}

	return nil
}

// lastResultOfType returns the newest non-nil result matching the event type
// and/or node name filters (empty filter matches all).
func lastResultOfType(events []*storage.Event, eventType, nodeName string) (any, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]

		if eventType != "" && e.EventType != eventType {
			continue
		}

		if nodeName != "" && e.NodeName != nodeName {
			continue
		}

		if e.Result != nil {
			return e.Result, true
		}
	}

	return nil, false
}

func childTerminalStatus(events []*storage.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType == storage.EventExecutionDone {
			return events[i].Status
		}
	}

	return storage.StatusCompleted
}

// skippedIteration reports whether an event is excluded from aggregation.
func skippedIteration(e *storage.Event) bool {
	if e.Context == nil {
		return false
	}

	if boolFrom(e.Context, "skipped") {
		return true
	}

	return stringFrom(e.Context, "reason") == "control_step"
}

func boolFrom(m map[string]any, key string) bool {
	if m == nil {
		return false
	}

	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

func mapValue(m map[string]any, key string) any {
	if m == nil {
		return nil
	}

	return m[key]
}
