package scenario_test

import (
	"math"
	"reflect"
	"testing"

	"github.com/flowdesk/flowdesk/internal/scenario"
	"github.com/flowdesk/flowdesk/pkg/models"
)

func TestNormalizeBlock_Idempotent(t *testing.T) {
	inputs := map[string]map[string]any{
		"empty":        {},
		"unknown kind": {"kind": "teleport", "title": "  "},
		"bad geometry": {"kind": "prompt", "x": math.NaN(), "y": math.Inf(1), "width": -5.0, "height": "tall"},
		"tool object schema": {"kind": "tool", "meta": map[string]any{
			"toolName":   " grep ",
			"toolSchema": map[string]any{"properties": map[string]any{"pattern": map[string]any{"type": "string"}}},
			"input":      []any{map[string]any{"param": "pattern", "defaultValue": 12.5}, map[string]any{"param": ""}, "junk"},
		}},
		"tool string schema": {"kind": "tool", "meta": map[string]any{
			"toolSchema":   addSchema,
			"outputScheme": sumSchema,
		}},
		"condition": {"kind": "condition", "meta": map[string]any{
			"fields": []any{map[string]any{"name": "score"}, map[string]any{"id": "f2", "name": ""}},
			"rules": []any{map[string]any{"title": "high", "operands": []any{
				map[string]any{"leftSource": "field", "leftValue": "score", "operator": "~", "rightSource": "???", "rightValue": 10.0},
			}}},
		}},
		"variable": {"kind": "variable", "meta": map[string]any{"selectedVariables": []any{"current_date", 7, "current_date"}}},
		"wrong meta shape": {"kind": "variable", "meta": "nope"},
		"malformed anchors": {"kind": "prompt", "portAnchors": map[string]any{
			"inputs":  map[string]any{"__start__": map[string]any{"x": "left", "y": 1.0}},
			"outputs": map[string]any{},
		}},
		"custom anchors": {"kind": "prompt", "portAnchors": map[string]any{
			"inputs":  map[string]any{"__start__": map[string]any{"x": -12.0, "y": 40.0}},
			"outputs": map[string]any{"__continue__": map[string]any{"x": 252.0, "y": 40.0}},
		}},
	}

	for name, raw := range inputs {
		t.Run(name, func(t *testing.T) {
			once := scenario.NormalizeBlock(raw)
			twice := scenario.NormalizeBlock(scenario.ToRaw(once))
			if !reflect.DeepEqual(once, twice) {
				t.Errorf("NormalizeBlock not idempotent:\n once = %+v\ntwice = %+v", once, twice)
			}
			if once.ID == "" {
				t.Error("NormalizeBlock() left id empty")
			}
			if once.ExecutionType != models.ExecutionTypeFor(once.Kind) {
				t.Errorf("ExecutionType = %q, want %q", once.ExecutionType, models.ExecutionTypeFor(once.Kind))
			}
			if once.PortAnchors.Inputs == nil || once.PortAnchors.Outputs == nil {
				t.Error("NormalizeBlock() left anchors undefined")
			}
		})
	}
}

func TestNormalizeBlock_Defaults(t *testing.T) {
	b := scenario.NormalizeBlock(map[string]any{"kind": "teleport", "x": math.NaN(), "width": 0.0, "height": math.Inf(-1)})
	if b.Kind != models.BlockStart {
		t.Errorf("Kind = %q, want start", b.Kind)
	}
	if b.X != 0 || b.Y != 0 || b.Width != 240 || b.Height != 96 {
		t.Errorf("geometry = %v,%v,%v,%v, want 0,0,240,96", b.X, b.Y, b.Width, b.Height)
	}
	if b.Title != "Start" {
		t.Errorf("Title = %q, want Start", b.Title)
	}
	if b.Meta != nil {
		t.Errorf("start Meta = %#v, want nil", b.Meta)
	}
}

func TestNormalizeBlock_ConditionRepair(t *testing.T) {
	b := scenario.NormalizeBlock(map[string]any{"kind": "condition", "meta": map[string]any{
		"fields": []any{map[string]any{"name": "score"}, map[string]any{"name": "  "}},
		"rules": []any{map[string]any{"operands": []any{
			map[string]any{"leftSource": "field", "operator": "~", "rightSource": "???"},
		}}},
	}})
	m := b.Meta.(*models.ConditionMeta)
	if len(m.Fields) != 1 || m.Fields[0].Name != "score" || m.Fields[0].ID == "" {
		t.Fatalf("Fields = %+v, want one named field with id", m.Fields)
	}
	op := m.Rules[0].Operands[0]
	if op.Operator != models.OpEqual || op.LeftSource != models.SourceField || op.RightSource != models.SourceValue {
		t.Errorf("operand = %+v, want operator '=' and sources field/value", op)
	}
	if m.Rules[0].ID == "" || op.ID == "" {
		t.Error("rule and operand ids should be filled")
	}
}

func TestNormalizeBlock_KeepsWellFormedAnchors(t *testing.T) {
	custom := map[string]any{
		"inputs":  map[string]any{"__start__": map[string]any{"x": -12.0, "y": 40.0}},
		"outputs": map[string]any{"__continue__": map[string]any{"x": 252.0, "y": 40.0}},
	}
	b := scenario.NormalizeBlock(map[string]any{"kind": "prompt", "portAnchors": custom})
	if got := b.PortAnchors.Inputs["__start__"]; got != (models.Point{X: -12, Y: 40}) {
		t.Errorf("kept anchor = %+v, want {-12 40}", got)
	}

	// Anchors keyed by ports the block does not have are recomputed.
	stale := map[string]any{
		"inputs":  map[string]any{"__start__": map[string]any{"x": -12.0, "y": 40.0}, "gone": map[string]any{"x": 0.0, "y": 0.0}},
		"outputs": map[string]any{"__continue__": map[string]any{"x": 252.0, "y": 40.0}},
	}
	b = scenario.NormalizeBlock(map[string]any{"kind": "prompt", "portAnchors": stale})
	if !reflect.DeepEqual(b.PortAnchors, scenario.ComputeAnchors(b)) {
		t.Errorf("stale anchors kept: %+v", b.PortAnchors)
	}
}

func TestNormalizeConnection(t *testing.T) {
	tests := []struct {
		name   string
		raw    map[string]any
		wantOK bool
	}{
		{"complete", map[string]any{"id": "c1", "fromBlockId": "a", "toBlockId": "b", "fromPortName": "sum"}, true},
		{"fresh id", map[string]any{"fromBlockId": "a", "toBlockId": "b"}, true},
		{"missing from", map[string]any{"toBlockId": "b"}, false},
		{"empty to", map[string]any{"fromBlockId": "a", "toBlockId": ""}, false},
		{"non-string ids", map[string]any{"fromBlockId": 1, "toBlockId": "b"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := scenario.NormalizeConnection(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("NormalizeConnection() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && c.ID == "" {
				t.Error("NormalizeConnection() left id empty")
			}
		})
	}

	c, _ := scenario.NormalizeConnection(map[string]any{"fromBlockId": "a", "toBlockId": "b", "fromPortName": 3, "toPortName": ""})
	if c.FromPortName != "" || c.ToPortName != "" {
		t.Errorf("non-string or empty port names should be dropped, got %q/%q", c.FromPortName, c.ToPortName)
	}
}
