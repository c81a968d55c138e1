package scenario

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/flowdesk/flowdesk/pkg/models"
)

var defaultTitles = map[models.BlockKind]string{
	models.BlockStart:     "Start",
	models.BlockEnd:       "End",
	models.BlockTool:      "Tool",
	models.BlockPrompt:    "Prompt",
	models.BlockCondition: "Condition",
	models.BlockVariable:  "Variables",
}

// DefaultTitle is the title given to a block of kind when it has none.
func DefaultTitle(kind models.BlockKind) string {
	return defaultTitles[kind]
}

// NormalizeBlock builds a usable block from untrusted decoded JSON. It never
// fails: missing or malformed fields fall back to defaults, and the result is
// a fixed point (normalizing it again yields the same block).
func NormalizeBlock(raw map[string]any) models.Block {
	b := models.Block{
		ID:   str(raw["id"]),
		Kind: models.BlockKind(str(raw["kind"])),
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if !b.Kind.Valid() {
		b.Kind = models.BlockStart
	}
	b.ExecutionType = models.ExecutionTypeFor(b.Kind)

	b.X = finiteOr(raw["x"], 0)
	b.Y = finiteOr(raw["y"], 0)
	b.Width = positiveOr(raw["width"], DefaultWidth)
	b.Height = positiveOr(raw["height"], DefaultHeight)

	b.Meta = NormalizeRawMeta(b.Kind, obj(raw["meta"]))

	b.Title = strings.TrimSpace(str(raw["title"]))
	if b.Title == "" {
		b.Title = titleFor(b)
	}

	b.PortAnchors = ComputeAnchors(b)
	if persisted, ok := parseAnchors(raw["portAnchors"]); ok && sameKeys(persisted, b.PortAnchors) {
		b.PortAnchors = persisted
	}
	return b
}

func titleFor(b models.Block) string {
	if m, ok := b.Meta.(*models.ToolMeta); ok && m.ToolName != "" {
		return m.ToolName
	}
	return DefaultTitle(b.Kind)
}

// NormalizeConnection builds a connection from untrusted decoded JSON. It
// reports false when either endpoint is missing.
func NormalizeConnection(raw map[string]any) (models.Connection, bool) {
	c := models.Connection{
		ID:           str(raw["id"]),
		FromBlockID:  str(raw["fromBlockId"]),
		ToBlockID:    str(raw["toBlockId"]),
		FromPortName: str(raw["fromPortName"]),
		ToPortName:   str(raw["toPortName"]),
	}
	if c.FromBlockID == "" || c.ToBlockID == "" {
		return models.Connection{}, false
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return c, true
}

// ToRaw converts a typed value back into the generic decoded-JSON form
// accepted by the Normalize functions.
func ToRaw(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// ── Meta ────────────────────────────────────────────────────

// NormalizeMeta repairs a typed meta value for kind. A meta of the wrong
// variant is replaced by an empty one of the right variant.
func NormalizeMeta(kind models.BlockKind, meta models.BlockMeta) models.BlockMeta {
	switch kind {
	case models.BlockTool:
		m, _ := meta.(*models.ToolMeta)
		return NormalizeToolMeta(m)
	case models.BlockPrompt:
		m, _ := meta.(*models.PromptMeta)
		return NormalizePromptMeta(m)
	case models.BlockCondition:
		m, _ := meta.(*models.ConditionMeta)
		return NormalizeConditionMeta(m)
	case models.BlockVariable:
		m, _ := meta.(*models.VariableMeta)
		return NormalizeVariableMeta(m)
	default:
		return nil
	}
}

// NormalizeRawMeta builds the meta of kind from untrusted decoded JSON.
func NormalizeRawMeta(kind models.BlockKind, raw map[string]any) models.BlockMeta {
	switch kind {
	case models.BlockTool:
		m := &models.ToolMeta{
			ToolName:     str(raw["toolName"]),
			ToolSchema:   schemaString(raw["toolSchema"]),
			OutputScheme: schemaString(raw["outputScheme"]),
		}
		for _, item := range list(raw["input"]) {
			in := obj(item)
			m.Input = append(m.Input, models.ToolInput{
				Param:        str(in["param"]),
				Description:  str(in["description"]),
				Comment:      str(in["comment"]),
				DefaultValue: scalar(in["defaultValue"]),
			})
		}
		return NormalizeToolMeta(m)
	case models.BlockPrompt:
		return NormalizePromptMeta(&models.PromptMeta{Instruction: str(raw["instruction"])})
	case models.BlockCondition:
		m := &models.ConditionMeta{}
		for _, item := range list(raw["fields"]) {
			f := obj(item)
			m.Fields = append(m.Fields, models.ConditionField{ID: str(f["id"]), Name: str(f["name"])})
		}
		for _, item := range list(raw["rules"]) {
			r := obj(item)
			rule := models.ConditionRule{ID: str(r["id"]), Title: str(r["title"])}
			for _, op := range list(r["operands"]) {
				o := obj(op)
				rule.Operands = append(rule.Operands, models.ConditionOperand{
					ID:          str(o["id"]),
					LeftSource:  models.OperandSource(str(o["leftSource"])),
					LeftValue:   scalar(o["leftValue"]),
					Operator:    models.Operator(str(o["operator"])),
					RightSource: models.OperandSource(str(o["rightSource"])),
					RightValue:  scalar(o["rightValue"]),
				})
			}
			m.Rules = append(m.Rules, rule)
		}
		return NormalizeConditionMeta(m)
	case models.BlockVariable:
		m := &models.VariableMeta{}
		for _, item := range list(raw["selectedVariables"]) {
			m.SelectedVariables = append(m.SelectedVariables, models.VariableKey(str(item)))
		}
		return NormalizeVariableMeta(m)
	default:
		return nil
	}
}

// NormalizeToolMeta drops unnamed or repeated params. When no params are
// declared they are derived from the tool schema's properties.
func NormalizeToolMeta(m *models.ToolMeta) *models.ToolMeta {
	out := &models.ToolMeta{}
	if m == nil {
		return out
	}
	out.ToolName = strings.TrimSpace(m.ToolName)
	out.ToolSchema = m.ToolSchema
	out.OutputScheme = m.OutputScheme

	seen := make(map[string]bool)
	for _, in := range m.Input {
		in.Param = strings.TrimSpace(in.Param)
		if in.Param == "" || seen[in.Param] {
			continue
		}
		seen[in.Param] = true
		out.Input = append(out.Input, in)
	}

	if len(out.Input) == 0 && out.ToolSchema != "" {
		for _, p := range ParseObjectSchema(out.ToolSchema).Properties {
			in := models.ToolInput{Param: p.Name, Description: p.Description}
			if p.HasDefault {
				in.DefaultValue = p.Default
			}
			out.Input = append(out.Input, in)
		}
	}
	if out.Input == nil {
		out.Input = []models.ToolInput{}
	}
	return out
}

// NormalizePromptMeta returns a copy of m, or an empty prompt when m is nil.
func NormalizePromptMeta(m *models.PromptMeta) *models.PromptMeta {
	if m == nil {
		return &models.PromptMeta{}
	}
	return &models.PromptMeta{Instruction: m.Instruction}
}

// NormalizeConditionMeta drops unnamed fields, fills missing ids and
// repairs unknown operand sources and operators.
func NormalizeConditionMeta(m *models.ConditionMeta) *models.ConditionMeta {
	out := &models.ConditionMeta{
		Fields: []models.ConditionField{},
		Rules:  []models.ConditionRule{},
	}
	if m == nil {
		return out
	}
	for _, f := range m.Fields {
		f.Name = strings.TrimSpace(f.Name)
		if f.Name == "" {
			continue
		}
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		out.Fields = append(out.Fields, f)
	}
	for _, r := range m.Rules {
		rule := models.ConditionRule{ID: r.ID, Title: r.Title, Operands: []models.ConditionOperand{}}
		if rule.ID == "" {
			rule.ID = uuid.NewString()
		}
		for _, o := range r.Operands {
			if o.ID == "" {
				o.ID = uuid.NewString()
			}
			o.LeftSource = validSource(o.LeftSource)
			o.RightSource = validSource(o.RightSource)
			if !o.Operator.Valid() {
				o.Operator = models.OpEqual
			}
			rule.Operands = append(rule.Operands, o)
		}
		out.Rules = append(out.Rules, rule)
	}
	return out
}

func validSource(s models.OperandSource) models.OperandSource {
	if s == models.SourceField {
		return s
	}
	return models.SourceValue
}

// NormalizeVariableMeta keeps known variable keys, first occurrence wins.
func NormalizeVariableMeta(m *models.VariableMeta) *models.VariableMeta {
	out := &models.VariableMeta{SelectedVariables: []models.VariableKey{}}
	if m == nil {
		return out
	}
	seen := make(map[models.VariableKey]bool)
	for _, k := range m.SelectedVariables {
		if !k.Valid() || seen[k] {
			continue
		}
		seen[k] = true
		out.SelectedVariables = append(out.SelectedVariables, k)
	}
	return out
}

// ── Anchors ─────────────────────────────────────────────────

func parseAnchors(v any) (models.PortAnchors, bool) {
	raw := obj(v)
	if raw == nil {
		return models.PortAnchors{}, false
	}
	in, ok := parsePoints(raw["inputs"])
	if !ok {
		return models.PortAnchors{}, false
	}
	out, ok := parsePoints(raw["outputs"])
	if !ok {
		return models.PortAnchors{}, false
	}
	return models.PortAnchors{Inputs: in, Outputs: out}, true
}

func parsePoints(v any) (map[string]models.Point, bool) {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	points := make(map[string]models.Point, len(raw))
	for name, p := range raw {
		if name == "" {
			return nil, false
		}
		pt, ok := p.(map[string]any)
		if !ok {
			return nil, false
		}
		x, okX := number(pt["x"])
		y, okY := number(pt["y"])
		if !okX || !okY || !finite(x) || !finite(y) {
			return nil, false
		}
		points[name] = models.Point{X: x, Y: y}
	}
	return points, true
}

func sameKeys(a, b models.PortAnchors) bool {
	return sameKeySet(a.Inputs, b.Inputs) && sameKeySet(a.Outputs, b.Outputs)
}

func sameKeySet(a, b map[string]models.Point) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// ── Decoded JSON helpers ────────────────────────────────────

func str(v any) string {
	s, _ := v.(string)
	return s
}

func obj(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func list(v any) []any {
	l, _ := v.([]any)
	return l
}

// scalar renders strings, numbers and booleans as text.
func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// schemaString accepts a schema either as a JSON string or as an object.
func schemaString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
	return ""
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finiteOr(v any, def float64) float64 {
	if f, ok := number(v); ok && finite(f) {
		return f
	}
	return def
}

func positiveOr(v any, def float64) float64 {
	if f, ok := number(v); ok && finite(f) && f > 0 {
		return f
	}
	return def
}
