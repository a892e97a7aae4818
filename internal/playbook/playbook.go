// Package playbook defines the YAML playbook model and its parser.
//
// A playbook is a versioned workflow definition: a workload of default
// parameters, an optional workbook of reusable task definitions, and a
// workflow of named steps wired together by transitions. The broker walks the
// parsed form; nothing in this package touches storage.
package playbook

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Step type names. An empty type on a non-start, non-end step means "task".
const (
	TypeStart    = "start"
	TypeEnd      = "end"
	TypeTask     = "task"
	TypeWorkbook = "workbook"
	TypeIterator = "iterator"
	TypePlaybook = "playbook"
	TypeHTTP     = "http"
	TypePostgres = "postgres"
	TypePython   = "python"
	TypeShell    = "shell"
)

// StartStep is the reserved name of the entry step.
const StartStep = "start"

// EndStep is the conventional name of the terminal step.
const EndStep = "end"

var (
	ErrParseFailed     = errors.New("playbook parse failed")
	ErrValidationError = errors.New("playbook validation error")
)

type (
	// Playbook is the parsed form of one catalog entry's YAML content.
	Playbook struct {
		Path     string         `yaml:"path"`
		Version  string         `yaml:"version"`
		Workload map[string]any `yaml:"workload"`
		Workbook []Task         `yaml:"workbook"`
		Steps    []Step         `yaml:"workflow"`
	}

	// Task is a reusable action definition referenced by workbook steps.
	Task struct {
		Name string         `yaml:"name"`
		Type string         `yaml:"type"`
		With map[string]any `yaml:"with"`
	}

	// Step is one node of the workflow graph.
	Step struct {
		Name            string         `yaml:"step"`
		Type            string         `yaml:"type"`
		Next            []Transition   `yaml:"next"`
		Loop            *Loop          `yaml:"loop"`
		Save            map[string]any `yaml:"save"`
		Task            string         `yaml:"task"`
		With            map[string]any `yaml:"with"`
		Priority        int            `yaml:"priority"`
		MaxAttempts     int            `yaml:"max_attempts"`
		ReturnStep      string         `yaml:"return_step"`
		PlaybookPath    string         `yaml:"playbook"`
		PlaybookVersion string         `yaml:"playbook_version"`
		ResultPolicy    []string       `yaml:"result_policy"`
	}

	// Transition routes from one step to the next. Either Step is set (an
	// unconditional edge) or When selects between Then and Else targets.
	// Pass marks a target that runs even when its branch did not match,
	// instead of being skipped.
	Transition struct {
		Step string   `yaml:"step,omitempty"`
		When string   `yaml:"when,omitempty"`
		Then []string `yaml:"then,omitempty"`
		Else []string `yaml:"else,omitempty"`
		Pass bool     `yaml:"pass,omitempty"`
	}

	// Loop configures an iterator step: In is a template resolving to the
	// collection, Iterator names the per-item variable, Mode is "parallel"
	// (default) or "sequential".
	Loop struct {
		In       string `yaml:"in"`
		Iterator string `yaml:"iterator"`
		Mode     string `yaml:"mode"`
	}
)

// Parse unmarshals YAML content and validates the workflow graph.
func Parse(content []byte) (*Playbook, error) {
	var pb Playbook

	if err := yaml.Unmarshal(content, &pb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}

	if err := pb.Validate(); err != nil {
		return nil, err
	}

	return &pb, nil
}

// Validate checks the structural invariants: exactly one start step, known
// step types, transition targets that exist, iterator steps with loop config,
// and workbook references that resolve.
func (p *Playbook) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: workflow has no steps", ErrValidationError)
	}

	names := make(map[string]bool, len(p.Steps))
	starts := 0

	for _, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("%w: step with empty name", ErrValidationError)
		}

		if names[s.Name] {
			return fmt.Errorf("%w: duplicate step %q", ErrValidationError, s.Name)
		}

		names[s.Name] = true

		if s.EffectiveType() == TypeStart {
			starts++
		}
	}

	if starts != 1 {
		return fmt.Errorf("%w: expected exactly one start step, found %d",
			ErrValidationError, starts)
	}

	tasks := make(map[string]bool, len(p.Workbook))
	for _, t := range p.Workbook {
		tasks[t.Name] = true
	}

	for _, s := range p.Steps {
		if err := p.validateStep(s, names, tasks); err != nil {
			return err
		}
	}

	return nil
}

func (p *Playbook) validateStep(s Step, names, tasks map[string]bool) error {
	switch s.EffectiveType() {
	case TypeStart, TypeEnd, TypeTask, TypeWorkbook, TypeIterator,
		TypePlaybook, TypeHTTP, TypePostgres, TypePython, TypeShell:
	default:
		return fmt.Errorf("%w: step %q has unknown type %q",
			ErrValidationError, s.Name, s.Type)
	}

	if s.EffectiveType() == TypeIterator && s.Loop == nil {
		return fmt.Errorf("%w: iterator step %q has no loop config",
			ErrValidationError, s.Name)
	}

	if s.EffectiveType() == TypePlaybook && s.PlaybookPath == "" {
		return fmt.Errorf("%w: playbook step %q names no playbook path",
			ErrValidationError, s.Name)
	}

	if s.EffectiveType() == TypeWorkbook && !tasks[s.Task] {
		return fmt.Errorf("%w: workbook step %q references unknown task %q",
			ErrValidationError, s.Name, s.Task)
	}

	for _, tr := range s.Next {
		for _, target := range tr.Targets() {
			if !names[target] {
				return fmt.Errorf("%w: step %q transitions to unknown step %q",
					ErrValidationError, s.Name, target)
			}
		}
	}

	return nil
}

// EffectiveType resolves the step's type: the reserved names start and end
// imply their types, and an untyped step defaults to task.
func (s *Step) EffectiveType() string {
	if s.Type != "" {
		return s.Type
	}

	switch s.Name {
	case StartStep:
		return TypeStart
	case EndStep:
		return TypeEnd
	}

	return TypeTask
}

// Targets lists every step a transition can route to, both branches included.
func (t *Transition) Targets() []string {
	if t.Step != "" {
		return []string{t.Step}
	}

	targets := make([]string, 0, len(t.Then)+len(t.Else))
	targets = append(targets, t.Then...)
	targets = append(targets, t.Else...)

	return targets
}

// Step returns the named step, or nil when absent.
func (p *Playbook) Step(name string) *Step {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}

	return nil
}

// Index returns the declaration position of the named step, or -1.
func (p *Playbook) Index(name string) int {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return i
		}
	}

	return -1
}

// TaskByName returns the workbook task definition, or nil when absent.
func (p *Playbook) TaskByName(name string) *Task {
	for i := range p.Workbook {
		if p.Workbook[i].Name == name {
			return &p.Workbook[i]
		}
	}

	return nil
}

// Predecessors returns the names of steps with a transition into the named
// step, in declaration order.
func (p *Playbook) Predecessors(name string) []string {
	var preds []string

	for i := range p.Steps {
		for _, tr := range p.Steps[i].Next {
			for _, target := range tr.Targets() {
				if target == name {
					preds = append(preds, p.Steps[i].Name)
				}
			}
		}
	}

	return preds
}

// Start returns the start step. Validate guarantees it exists.
func (p *Playbook) Start() *Step {
	for i := range p.Steps {
		if p.Steps[i].EffectiveType() == TypeStart {
			return &p.Steps[i]
		}
	}

	return nil
}
