package playbook

import (
	"errors"
	"testing"
)

const samplePlaybook = `
path: workflows/weather
version: "0.1.0"
workload:
  city: Oslo
workbook:
  - name: fetch_forecast
    type: http
    with:
      url: "https://api.example.com/forecast?city={{ city }}"
workflow:
  - step: start
    next:
      - step: fetch
  - step: fetch
    type: workbook
    task: fetch_forecast
    next:
      - when: "{{ fetch.status == 'success' }}"
        then: [report]
        else: [end]
  - step: report
    type: python
    with:
      code: "print('ok')"
    priority: 5
    max_attempts: 2
    next:
      - step: end
  - step: end
`

func TestParse(t *testing.T) {
	pb, err := Parse([]byte(samplePlaybook))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if pb.Path != "workflows/weather" {
		t.Errorf("Path = %q, want workflows/weather", pb.Path)
	}

	if got := len(pb.Steps); got != 4 {
		t.Fatalf("len(Steps) = %d, want 4", got)
	}

	if pb.Workload["city"] != "Oslo" {
		t.Errorf("Workload[city] = %v, want Oslo", pb.Workload["city"])
	}

	report := pb.Step("report")
	if report == nil {
		t.Fatal("Step(report) = nil")
	}

	if report.Priority != 5 || report.MaxAttempts != 2 {
		t.Errorf("report priority/max_attempts = %d/%d, want 5/2",
			report.Priority, report.MaxAttempts)
	}
}

func TestEffectiveType(t *testing.T) {
	tests := []struct {
		name string
		step Step
		want string
	}{
		{"reserved start", Step{Name: "start"}, TypeStart},
		{"reserved end", Step{Name: "end"}, TypeEnd},
		{"untyped defaults to task", Step{Name: "transform"}, TypeTask},
		{"explicit type wins", Step{Name: "start", Type: TypeHTTP}, TypeHTTP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.step.EffectiveType(); got != tt.want {
				t.Errorf("EffectiveType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateRejectsBadGraphs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			"no start step",
			"workflow:\n  - step: fetch\n  - step: end\n",
		},
		{
			"duplicate step names",
			"workflow:\n  - step: start\n  - step: fetch\n  - step: fetch\n",
		},
		{
			"unknown transition target",
			"workflow:\n  - step: start\n    next:\n      - step: ghost\n",
		},
		{
			"unknown step type",
			"workflow:\n  - step: start\n  - step: fetch\n    type: carrier_pigeon\n",
		},
		{
			"iterator without loop",
			"workflow:\n  - step: start\n  - step: fanout\n    type: iterator\n",
		},
		{
			"playbook step without path",
			"workflow:\n  - step: start\n  - step: child\n    type: playbook\n",
		},
		{
			"workbook step with unknown task",
			"workflow:\n  - step: start\n  - step: fetch\n    type: workbook\n    task: nope\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, ErrValidationError) {
				t.Errorf("Parse() error = %v, want ErrValidationError", err)
			}
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("workflow: [unclosed"))
	if !errors.Is(err, ErrParseFailed) {
		t.Errorf("Parse() error = %v, want ErrParseFailed", err)
	}
}

func TestPredecessors(t *testing.T) {
	pb, err := Parse([]byte(samplePlaybook))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	preds := pb.Predecessors("end")
	if len(preds) != 2 {
		t.Fatalf("Predecessors(end) = %v, want 2 entries", preds)
	}

	// fetch routes to end through its else branch, report unconditionally.
	if preds[0] != "fetch" || preds[1] != "report" {
		t.Errorf("Predecessors(end) = %v, want [fetch report]", preds)
	}
}

func TestTransitionTargets(t *testing.T) {
	tr := Transition{When: "{{ ok }}", Then: []string{"a", "b"}, Else: []string{"c"}}

	targets := tr.Targets()
	if len(targets) != 3 {
		t.Fatalf("Targets() = %v, want 3 entries", targets)
	}

	uncond := Transition{Step: "next_step"}
	if got := uncond.Targets(); len(got) != 1 || got[0] != "next_step" {
		t.Errorf("Targets() = %v, want [next_step]", got)
	}
}
