package render

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/storage"
)

type fakeEvents struct {
	earliest *storage.Event
	results  []storage.StepResult
}

func (f *fakeEvents) EarliestEvent(_ context.Context, _ int64) (*storage.Event, error) {
	return f.earliest, nil
}

func (f *fakeEvents) StepResults(_ context.Context, _ int64) ([]storage.StepResult, error) {
	return f.results, nil
}

type fakeWorkloads struct {
	workload *storage.Workload
}

func (f *fakeWorkloads) Get(_ context.Context, _ int64) (*storage.Workload, error) {
	if f.workload == nil {
		return nil, storage.ErrWorkloadNotFound
	}

	return f.workload, nil
}

func TestRenderString(t *testing.T) {
	e := NewEngine()

	out, err := e.RenderString("Hello {{ name }}!", map[string]any{"name": "world"}, true)
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", out)
}

func TestRenderStringPassthrough(t *testing.T) {
	e := NewEngine()

	out, err := e.RenderString("no markup here", nil, true)
	require.NoError(t, err)
	assert.Equal(t, "no markup here", out)
}

func TestRenderStrictUndefinedFails(t *testing.T) {
	e := NewEngine()

	_, err := e.Render("{{ missing.field }}", map[string]any{}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRenderFailed)
}

func TestRenderNonStrictFallsBackOnBadTemplate(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("{{ unclosed", map[string]any{}, false)
	require.NoError(t, err)
	assert.Equal(t, "{{ unclosed", out)
}

func TestRenderStrictRejectsUnterminatedTemplate(t *testing.T) {
	e := NewEngine()

	for _, tmpl := range []string{"{{ unclosed", "{% if x", "{{ a }} then {% open"} {
		_, err := e.RenderString(tmpl, map[string]any{}, true)
		require.Error(t, err, tmpl)
		assert.ErrorIs(t, err, ErrRenderFailed)
	}
}

func TestRenderRecursesIntoMapsAndSlices(t *testing.T) {
	e := NewEngine()

	rctx := map[string]any{"city": "Oslo", "unit": "metric"}
	value := map[string]any{
		"url":    "https://example.com/{{ city }}",
		"params": []any{"{{ unit }}", "static"},
		"count":  3,
	}

	out, err := e.Render(value, rctx, true)
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "https://example.com/Oslo", m["url"])
	assert.Equal(t, []any{"metric", "static"}, m["params"])
	assert.Equal(t, 3, m["count"])
}

func TestRenderPayloadWorkAndTask(t *testing.T) {
	e := NewEngine()

	rctx := map[string]any{"city": "Oslo"}
	body := map[string]any{
		"work": map[string]any{
			"resolved":   "{{ city }}",
			"unresolved": "{{ later_value }}",
		},
		"task": `{"url": "https://example.com/{{ city }}"}`,
	}

	out, err := e.RenderPayload(body, rctx)
	require.NoError(t, err)

	work := out["work"].(map[string]any)
	assert.Equal(t, "Oslo", work["resolved"])
	// Unresolved work values render permissively and flow through.
	assert.Equal(t, "", work["unresolved"])

	task := out["task"].(map[string]any)
	assert.Equal(t, "https://example.com/Oslo", task["url"])
}

func TestRenderPayloadWorkFieldsVisibleToTask(t *testing.T) {
	e := NewEngine()

	rctx := map[string]any{
		"results": map[string]any{"fetch": "prior"},
		"fetch":   "prior",
	}
	body := map[string]any{
		"work": map[string]any{
			"city":  "Oslo",
			"fetch": "shadowed",
		},
		"task": `{"url": "https://example.com/{{ city }}", "prior": "{{ fetch }}"}`,
	}

	out, err := e.RenderPayload(body, rctx)
	require.NoError(t, err)

	task := out["task"].(map[string]any)
	assert.Equal(t, "https://example.com/Oslo", task["url"])
	// A work field never shadows a step result of the same name.
	assert.Equal(t, "prior", task["prior"])
}

func TestParseEmbeddedJSON(t *testing.T) {
	assert.Equal(t, map[string]any{"a": float64(1)}, parseEmbeddedJSON(`{"a": 1}`))
	assert.Equal(t, "plain string", parseEmbeddedJSON("plain string"))
	assert.Equal(t, "{not json", parseEmbeddedJSON("{not json"))
	assert.Equal(t, 42, parseEmbeddedJSON(42))
}

func TestBuildContext(t *testing.T) {
	svc := NewService(
		&fakeWorkloads{workload: &storage.Workload{
			ExecutionID: 100,
			Data:        map[string]any{"city": "Oslo"},
		}},
		&fakeEvents{results: []storage.StepResult{
			{NodeName: "fetch", Result: map[string]any{
				"status": "success",
				"data":   map[string]any{"temp": 12},
			}},
			{NodeName: "plain", Result: "raw value"},
		}},
	)

	rctx, err := svc.BuildContext(context.Background(), 100, nil, nil)
	require.NoError(t, err)

	// Workload fields at the top level and under workload.
	assert.Equal(t, "Oslo", rctx["city"])
	assert.Equal(t, map[string]any{"city": "Oslo"}, rctx["workload"])

	// Full envelope under results, unwrapped data at the top.
	results := rctx["results"].(map[string]any)
	assert.Contains(t, results["fetch"], "status")
	assert.Equal(t, map[string]any{"temp": 12}, rctx["fetch"])
	assert.Equal(t, "raw value", rctx["plain"])

	job := rctx["job"].(map[string]any)
	assert.NotEmpty(t, job["uuid"])
}

func TestBuildContextWorkloadFallback(t *testing.T) {
	svc := NewService(
		&fakeWorkloads{},
		&fakeEvents{earliest: &storage.Event{
			ExecutionID: 200,
			EventID:     1,
			EventType:   storage.EventExecutionStart,
			Context: map[string]any{
				"workload": map[string]any{"city": "Bergen"},
			},
		}},
	)

	rctx, err := svc.BuildContext(context.Background(), 200, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bergen", rctx["city"])
}

func TestBuildContextWorkbookAliasing(t *testing.T) {
	pb := &playbook.Playbook{
		Workbook: []playbook.Task{{Name: "fetch_forecast", Type: "http"}},
		Steps: []playbook.Step{
			{Name: "start"},
			{Name: "fetch", Type: playbook.TypeWorkbook, Task: "fetch_forecast"},
		},
	}

	svc := NewService(
		&fakeWorkloads{workload: &storage.Workload{Data: map[string]any{}}},
		&fakeEvents{results: []storage.StepResult{
			{NodeName: "fetch_forecast", Result: map[string]any{
				"status": "success",
				"data":   "forecast",
			}},
		}},
	)

	rctx, err := svc.BuildContext(context.Background(), 300, pb, nil)
	require.NoError(t, err)

	results := rctx["results"].(map[string]any)
	assert.Contains(t, results, "fetch")
	assert.Equal(t, "forecast", rctx["fetch"])
}

func TestBuildContextExtraDoesNotOverwriteResults(t *testing.T) {
	svc := NewService(
		&fakeWorkloads{workload: &storage.Workload{Data: map[string]any{}}},
		&fakeEvents{results: []storage.StepResult{
			{NodeName: "fetch", Result: "kept"},
		}},
	)

	rctx, err := svc.BuildContext(context.Background(), 400, nil, map[string]any{
		"fetch": "clobbered",
		"extra": "merged",
	})
	require.NoError(t, err)

	assert.Equal(t, "kept", rctx["fetch"])
	assert.Equal(t, "merged", rctx["extra"])
}

func TestBuildContextWorkloadErrorPropagates(t *testing.T) {
	svc := NewService(&errorWorkloads{}, &fakeEvents{})

	_, err := svc.BuildContext(context.Background(), 500, nil, nil)
	require.Error(t, err)
}

type errorWorkloads struct{}

func (e *errorWorkloads) Get(_ context.Context, _ int64) (*storage.Workload, error) {
	return nil, errors.New("connection refused")
}
