// Package render builds per-execution template contexts and renders Jinja
// templates inside playbook step bodies. Rendering is a pure function of the
// workload, prior step results and any extra context the caller supplies.
package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nikolalohinski/gonja"
	"github.com/nikolalohinski/gonja/config"
	"github.com/nikolalohinski/gonja/loaders"
)

// ErrRenderFailed wraps template evaluation failures. In strict mode these
// surface as job-preparation failures; in non-strict mode the caller gets the
// raw value back instead.
var ErrRenderFailed = errors.New("template rendering failed")

// Engine holds two gonja environments: strict-undefined for job payloads and
// a permissive one for work blocks, where partially-resolved templates must
// flow through to worker-side final rendering.
type Engine struct {
	strict *gonja.Environment
	loose  *gonja.Environment
}

// NewEngine creates the shared template engine.
func NewEngine() *Engine {
	strictCfg := config.NewConfig()
	strictCfg.StrictUndefined = true

	looseCfg := config.NewConfig()
	looseCfg.StrictUndefined = false

	loader := loaders.MustNewFileSystemLoader("")

	return &Engine{
		strict: gonja.NewEnvironment(strictCfg, loader),
		loose:  gonja.NewEnvironment(looseCfg, loader),
	}
}

// hasTemplate reports whether a string contains Jinja markup worth rendering.
func hasTemplate(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "{%")
}

// unterminatedTemplate reports whether a string opens a {{ or {% block it
// never closes. The lexer blocks forever on such input, so it must be
// rejected before parsing.
func unterminatedTemplate(s string) bool {
	return strings.Count(s, "{{") > strings.Count(s, "}}") ||
		strings.Count(s, "{%") > strings.Count(s, "%}")
}

// RenderString evaluates one template string against the context.
func (e *Engine) RenderString(tmpl string, rctx map[string]any, strict bool) (string, error) {
	if !hasTemplate(tmpl) {
		return tmpl, nil
	}

	if unterminatedTemplate(tmpl) {
		return "", fmt.Errorf("%w: unterminated template delimiter", ErrRenderFailed)
	}

	env := e.loose
	if strict {
		env = e.strict
	}

	tpl, err := env.FromString(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	out, err := tpl.Execute(gonja.Context(rctx))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	return out, nil
}

// Render walks a value recursively and renders every template string in it.
// Maps and slices are rebuilt; scalars pass through. In non-strict mode a
// failed render falls back to the raw value.
func (e *Engine) Render(value any, rctx map[string]any, strict bool) (any, error) {
	switch v := value.(type) {
	case string:
		out, err := e.RenderString(v, rctx, strict)
		if err != nil {
			if !strict {
				return v, nil
			}

			return nil, err
		}

		return out, nil
	case map[string]any:
		rendered := make(map[string]any, len(v))

		for key, val := range v {
			out, err := e.Render(val, rctx, strict)
			if err != nil {
				return nil, fmt.Errorf("rendering key %q: %w", key, err)
			}

			rendered[key] = out
		}

		return rendered, nil
	case []any:
		rendered := make([]any, len(v))

		for i, item := range v {
			out, err := e.Render(item, rctx, strict)
			if err != nil {
				return nil, fmt.Errorf("rendering index %d: %w", i, err)
			}

			rendered[i] = out
		}

		return rendered, nil
	default:
		return value, nil
	}
}

// RenderPayload renders a step body. A body holding work and task keys has
// each rendered independently: work in non-strict mode, task in strict mode.
// The rendered work fields join the top of the context before anything else
// renders, so a task can reference them directly; step results keep
// precedence over colliding work field names. A task that is JSON in a string
// is parsed back into a structured value after rendering.
func (e *Engine) RenderPayload(body map[string]any, rctx map[string]any) (map[string]any, error) {
	work, hasWork := body["work"]
	task, hasTask := body["task"]

	if !hasWork && !hasTask {
		out, err := e.Render(body, rctx, true)
		if err != nil {
			return nil, err
		}

		return out.(map[string]any), nil
	}

	rendered := make(map[string]any, len(body))

	if hasWork {
		out, err := e.Render(work, rctx, false)
		if err != nil {
			// Non-strict rendering never fails; keep the raw value if it does.
			out = work
		}

		rendered["work"] = out
		rctx = overlayWork(rctx, out)
	}

	for key, val := range body {
		if key == "work" || key == "task" {
			continue
		}

		out, err := e.Render(val, rctx, true)
		if err != nil {
			return nil, fmt.Errorf("rendering key %q: %w", key, err)
		}

		rendered[key] = out
	}

	if hasTask {
		out, err := e.Render(task, rctx, true)
		if err != nil {
			return nil, fmt.Errorf("rendering task: %w", err)
		}

		rendered["task"] = parseEmbeddedJSON(out)
	}

	return rendered, nil
}

// overlayWork merges rendered work fields into the top of the render context.
// Prior step results stay authoritative: a work field whose name collides
// with a result key is skipped.
func overlayWork(rctx map[string]any, work any) map[string]any {
	fields, ok := work.(map[string]any)
	if !ok || len(fields) == 0 {
		return rctx
	}

	results, _ := rctx["results"].(map[string]any)

	merged := make(map[string]any, len(rctx)+len(fields))
	for k, v := range rctx {
		merged[k] = v
	}

	for k, v := range fields {
		if _, taken := results[k]; taken {
			continue
		}

		merged[k] = v
	}

	return merged
}

// parseEmbeddedJSON converts a rendered JSON-in-string task back into a
// structured value. Non-JSON strings pass through unchanged.
func parseEmbeddedJSON(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}

	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return value
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return value
	}

	return parsed
}
