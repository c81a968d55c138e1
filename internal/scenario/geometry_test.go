package scenario_test

import (
	"math"
	"reflect"
	"testing"

	"github.com/flowdesk/flowdesk/internal/scenario"
	"github.com/flowdesk/flowdesk/pkg/models"
)

const (
	addSchema = `{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"},"c":{"type":"number","default":0}},"required":["a","b"]}`
	sumSchema = `{"type":"object","properties":{"sum":{"type":"number"}}}`
)

func toolBlock(id string) models.Block {
	b := scenario.NormalizeBlock(map[string]any{
		"id":   id,
		"kind": "tool",
		"meta": map[string]any{
			"toolName":     "add",
			"toolSchema":   addSchema,
			"outputScheme": sumSchema,
		},
	})
	b.Height = scenario.BlockHeight(b)
	b.PortAnchors = scenario.ComputeAnchors(b)
	return b
}

func portNames(ports []scenario.PortSpec) []string {
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.Name
	}
	return names
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeAnchors_Deterministic(t *testing.T) {
	blocks := []models.Block{
		toolBlock("t1"),
		scenario.NormalizeBlock(map[string]any{"kind": "condition", "meta": map[string]any{
			"fields": []any{map[string]any{"name": "x"}, map[string]any{"name": "y"}},
		}}),
		scenario.NormalizeBlock(map[string]any{"kind": "variable", "meta": map[string]any{
			"selectedVariables": []any{"current_date"},
		}}),
		scenario.NormalizeBlock(map[string]any{"kind": "end"}),
	}

	for _, b := range blocks {
		first := scenario.ComputeAnchors(b)
		second := scenario.ComputeAnchors(b)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("ComputeAnchors(%s) not deterministic: %v vs %v", b.Kind, first, second)
		}
	}
}

func TestToolPorts_RequiredFilterAndOutputs(t *testing.T) {
	b := toolBlock("t1")

	inputs := portNames(scenario.InputPorts(b))
	if want := []string{"__start__", "a", "b"}; !reflect.DeepEqual(inputs, want) {
		t.Fatalf("InputPorts() = %v, want %v", inputs, want)
	}
	outputs := portNames(scenario.OutputPorts(b))
	if want := []string{"sum", "__continue__"}; !reflect.DeepEqual(outputs, want) {
		t.Fatalf("OutputPorts() = %v, want %v", outputs, want)
	}

	// Optional params stay editable in meta even though they get no port.
	meta := b.Meta.(*models.ToolMeta)
	if len(meta.Input) != 3 {
		t.Errorf("meta.Input has %d params, want 3", len(meta.Input))
	}

	if b.Height != 134 {
		t.Errorf("BlockHeight() = %v, want 134", b.Height)
	}

	a := b.PortAnchors
	if len(a.Inputs) != 3 || len(a.Outputs) != 2 {
		t.Fatalf("anchors = %d inputs / %d outputs, want 3 / 2", len(a.Inputs), len(a.Outputs))
	}
	h := b.Height
	for i, name := range inputs {
		p := a.Inputs[name]
		if p.X != -10 || !approx(p.Y, h*float64(i+1)/4) {
			t.Errorf("input %q anchor = %+v, want x=-10 y=%v", name, p, h*float64(i+1)/4)
		}
	}
	step1 := a.Inputs["a"].Y - a.Inputs["__start__"].Y
	step2 := a.Inputs["b"].Y - a.Inputs["a"].Y
	if !approx(step1, step2) {
		t.Errorf("input spacing uneven: %v vs %v", step1, step2)
	}
	for i, name := range outputs {
		p := a.Outputs[name]
		if p.X != b.Width+10 || !approx(p.Y, h*float64(i+1)/3) {
			t.Errorf("output %q anchor = %+v, want x=%v y=%v", name, p, b.Width+10, h*float64(i+1)/3)
		}
	}
}

func TestConditionAnchors(t *testing.T) {
	tests := []struct {
		name   string
		fields []any
		wantY  []float64
	}{
		{"single field centred", []any{map[string]any{"name": "x"}}, []float64{0.58}},
		{"three fields inclusive", []any{
			map[string]any{"name": "x"}, map[string]any{"name": "y"}, map[string]any{"name": "z"},
		}, []float64{0.24, 0.58, 0.92}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := scenario.NormalizeBlock(map[string]any{
				"kind": "condition", "height": 200.0,
				"meta": map[string]any{"fields": tt.fields},
			})
			a := scenario.ComputeAnchors(b)
			if got := a.Inputs["__start__"].Y; !approx(got, 0.14*200) {
				t.Errorf("__start__ y = %v, want %v", got, 0.14*200)
			}
			for i, f := range tt.fields {
				name := f.(map[string]any)["name"].(string)
				if got := a.Inputs[name].Y; !approx(got, tt.wantY[i]*200) {
					t.Errorf("field %q y = %v, want %v", name, got, tt.wantY[i]*200)
				}
			}
			for name, frac := range map[string]float64{"yes": 0.28, "no": 0.50, "always": 0.72} {
				if got := a.Outputs[name].Y; !approx(got, frac*200) {
					t.Errorf("output %q y = %v, want %v", name, got, frac*200)
				}
			}
		})
	}
}

func TestStartEndPorts(t *testing.T) {
	start := scenario.NormalizeBlock(map[string]any{"kind": "start"})
	end := scenario.NormalizeBlock(map[string]any{"kind": "end"})

	if got := scenario.InputPorts(start); len(got) != 0 {
		t.Errorf("start InputPorts() = %v, want none", got)
	}
	if got := portNames(scenario.OutputPorts(start)); !reflect.DeepEqual(got, []string{"__continue__"}) {
		t.Errorf("start OutputPorts() = %v", got)
	}
	if got := portNames(scenario.InputPorts(end)); !reflect.DeepEqual(got, []string{"__default__"}) {
		t.Errorf("end InputPorts() = %v", got)
	}
	if got := scenario.OutputPorts(end); len(got) != 0 {
		t.Errorf("end OutputPorts() = %v, want none", got)
	}
}

func TestVariablePorts_DedupAndUnknownKeys(t *testing.T) {
	b := scenario.NormalizeBlock(map[string]any{"kind": "variable", "meta": map[string]any{
		"selectedVariables": []any{"current_date", "bogus", "current_date", "project_directory"},
	}})
	got := portNames(scenario.OutputPorts(b))
	want := []string{"current_date", "project_directory", "__continue__"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("OutputPorts() = %v, want %v", got, want)
	}
}

func TestBlockHeight_Minimum(t *testing.T) {
	prompt := scenario.NormalizeBlock(map[string]any{"kind": "prompt"})
	if got := scenario.BlockHeight(prompt); got != 96 {
		t.Errorf("BlockHeight(prompt) = %v, want 96", got)
	}
}

func TestParseObjectSchema_KeepsDeclarationOrder(t *testing.T) {
	s := scenario.ParseObjectSchema(`{"properties":{"zeta":{"type":"string","default":"z"},"alpha":{"type":"integer","default":3}},"required":["alpha"]}`)
	if len(s.Properties) != 2 || s.Properties[0].Name != "zeta" || s.Properties[1].Name != "alpha" {
		t.Fatalf("Properties = %+v, want zeta then alpha", s.Properties)
	}
	if s.Properties[0].Default != "z" || s.Properties[1].Default != "3" {
		t.Errorf("defaults = %q, %q", s.Properties[0].Default, s.Properties[1].Default)
	}
	if !reflect.DeepEqual(s.Required, []string{"alpha"}) {
		t.Errorf("Required = %v", s.Required)
	}

	if got := scenario.ParseObjectSchema("not json"); len(got.Properties) != 0 {
		t.Errorf("ParseObjectSchema(invalid) = %+v, want empty", got)
	}
}
