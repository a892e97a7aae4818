package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/ident"
	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/storage"
)

type (
	// EventLog is the slice of the event store the context service reads.
	EventLog interface {
		EarliestEvent(ctx context.Context, executionID int64) (*storage.Event, error)
		StepResults(ctx context.Context, executionID int64) ([]storage.StepResult, error)
	}

	// WorkloadGetter reads the per-execution workload row.
	WorkloadGetter interface {
		Get(ctx context.Context, executionID int64) (*storage.Workload, error)
	}

	// Service assembles render contexts from the workload and the event log
	// and evaluates templates against them.
	Service struct {
		workloads WorkloadGetter
		events    EventLog
		engine    *Engine
		logger    *slog.Logger
	}
)

// NewService creates a context service over the given stores.
func NewService(workloads WorkloadGetter, events EventLog) *Service {
	return &Service{
		workloads: workloads,
		events:    events,
		engine:    NewEngine(),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Engine exposes the underlying template engine for callers that already
// hold a built context.
func (s *Service) Engine() *Engine {
	return s.engine
}

// BuildContext assembles the render context for one execution:
//
//   - the workload (falling back to the earliest event's context.workload),
//     exposed both under "workload" and at the top level,
//   - every step result under results.<step>, with {status, data} envelopes
//     unwrapped one level at the top,
//   - workbook task results aliased under the step name when they differ,
//   - a job.uuid stable for the lifetime of the returned map,
//   - extra entries merged without overwriting step results.
//
// pb may be nil when the caller has no parsed playbook at hand; aliasing is
// skipped in that case.
func (s *Service) BuildContext(
	ctx context.Context,
	executionID int64,
	pb *playbook.Playbook,
	extra map[string]any,
) (map[string]any, error) {
	workload, err := s.loadWorkload(ctx, executionID)
	if err != nil {
		return nil, err
	}

	rctx := make(map[string]any, len(workload)+8)

	for key, val := range workload {
		rctx[key] = val
	}

	rctx["workload"] = workload
	rctx["execution_id"] = ident.String(executionID)

	stepResults, err := s.events.StepResults(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("loading step results: %w", err)
	}

	results := make(map[string]any, len(stepResults))

	for _, sr := range stepResults {
		results[sr.NodeName] = sr.Result
		rctx[sr.NodeName] = unwrapEnvelope(sr.Result)
	}

	if pb != nil {
		for i := range pb.Steps {
			step := &pb.Steps[i]
			if step.EffectiveType() != playbook.TypeWorkbook || step.Task == step.Name {
				continue
			}

			if r, ok := results[step.Task]; ok {
				if _, taken := results[step.Name]; !taken {
					results[step.Name] = r
					rctx[step.Name] = unwrapEnvelope(r)
				}
			}
		}
	}

	rctx["results"] = results
	rctx["job"] = map[string]any{"uuid": uuid.NewString()}

	for key, val := range extra {
		if key == "results" || key == "job" {
			continue
		}

		if _, taken := results[key]; taken {
			continue
		}

		rctx[key] = val
	}

	return rctx, nil
}

// Render builds the context for an execution and renders value against it.
func (s *Service) Render(
	ctx context.Context,
	executionID int64,
	value any,
	extra map[string]any,
	strict bool,
) (any, error) {
	rctx, err := s.BuildContext(ctx, executionID, nil, extra)
	if err != nil {
		return nil, err
	}

	return s.engine.Render(value, rctx, strict)
}

func (s *Service) loadWorkload(ctx context.Context, executionID int64) (map[string]any, error) {
	w, err := s.workloads.Get(ctx, executionID)
	if err == nil {
		return w.Data, nil
	}

	if !errors.Is(err, storage.ErrWorkloadNotFound) {
		return nil, fmt.Errorf("loading workload: %w", err)
	}

	// No workload row: recover it from the earliest event's context, the
	// shape nested executions started with before their row is written.
	earliest, err := s.events.EarliestEvent(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("loading earliest event: %w", err)
	}

	if earliest == nil || earliest.Context == nil {
		return map[string]any{}, nil
	}

	if nested, ok := earliest.Context["workload"].(map[string]any); ok {
		return nested, nil
	}

	return map[string]any{}, nil
}

// unwrapEnvelope exposes the data field of a {status, data} result envelope
// so templates can write step.field instead of step.data.field.
func unwrapEnvelope(result any) any {
	m, ok := result.(map[string]any)
	if !ok {
		return result
	}

	if _, hasStatus := m["status"]; !hasStatus {
		return result
	}

	if data, hasData := m["data"]; hasData {
		return data
	}

	return result
}
