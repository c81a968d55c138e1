package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ── Scenario Blocks ──────────────────────────────────────────

// BlockKind identifies the variant of a scenario block.
type BlockKind string

const (
	BlockStart     BlockKind = "start"
	BlockEnd       BlockKind = "end"
	BlockTool      BlockKind = "tool"
	BlockPrompt    BlockKind = "prompt"
	BlockCondition BlockKind = "condition"
	BlockVariable  BlockKind = "variable"
)

// Valid reports whether k is one of the known block kinds.
func (k BlockKind) Valid() bool {
	switch k {
	case BlockStart, BlockEnd, BlockTool, BlockPrompt, BlockCondition, BlockVariable:
		return true
	}
	return false
}

// ExecutionType is derived from the block kind and tells the flow runner
// who is responsible for executing the block.
type ExecutionType string

const (
	ExecutionSystem ExecutionType = "system"
	ExecutionManual ExecutionType = "manual"
	ExecutionTools  ExecutionType = "tools"
)

// ExecutionTypeFor returns the execution type implied by a block kind.
func ExecutionTypeFor(kind BlockKind) ExecutionType {
	switch kind {
	case BlockTool:
		return ExecutionTools
	case BlockPrompt, BlockCondition, BlockVariable:
		return ExecutionManual
	default:
		return ExecutionSystem
	}
}

// Point is an offset relative to a block's top-left corner.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PortAnchors caches the anchor offset of every port on a block.
type PortAnchors struct {
	Inputs  map[string]Point `json:"inputs"`
	Outputs map[string]Point `json:"outputs"`
}

// Block is a node of the scenario graph.
type Block struct {
	ID            string        `json:"id"`
	Kind          BlockKind     `json:"kind"`
	ExecutionType ExecutionType `json:"executionType"`
	Title         string        `json:"title"`
	X             float64       `json:"x"`
	Y             float64       `json:"y"`
	Width         float64       `json:"width"`
	Height        float64       `json:"height"`
	Meta          BlockMeta     `json:"meta,omitempty"`
	PortAnchors   PortAnchors   `json:"portAnchors"`
}

// ── Block Meta (tagged by kind) ──────────────────────────────

// BlockMeta is the kind-specific configuration of a block. Exactly one
// concrete type exists per kind that carries configuration; start and end
// blocks have a nil meta.
type BlockMeta interface {
	MetaKind() BlockKind
}

// ToolInput describes one declared tool parameter.
type ToolInput struct {
	Param        string `json:"param"`
	Description  string `json:"description"`
	Comment      string `json:"comment"`
	DefaultValue string `json:"defaultValue,omitempty"`
}

// ToolMeta configures a tool block.
type ToolMeta struct {
	ToolName     string      `json:"toolName"`
	ToolSchema   string      `json:"toolSchema"`
	Input        []ToolInput `json:"input"`
	OutputScheme string      `json:"outputScheme,omitempty"`
}

func (*ToolMeta) MetaKind() BlockKind { return BlockTool }

// PromptMeta configures a prompt block.
type PromptMeta struct {
	Instruction string `json:"instruction"`
}

func (*PromptMeta) MetaKind() BlockKind { return BlockPrompt }

// OperandSource says whether an operand side references a field or a literal.
type OperandSource string

const (
	SourceField OperandSource = "field"
	SourceValue OperandSource = "value"
)

// Operator is a comparison operator of a condition operand.
type Operator string

const (
	OpEqual       Operator = "="
	OpNotEqual    Operator = "!="
	OpGreater     Operator = ">"
	OpLess        Operator = "<"
	OpGreaterEq   Operator = ">="
	OpLessEq      Operator = "<="
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEq, OpLessEq, OpContains, OpNotContains:
		return true
	}
	return false
}

// ConditionField is a named input of a condition block.
type ConditionField struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ConditionOperand is one comparison inside a rule.
type ConditionOperand struct {
	ID          string        `json:"id"`
	LeftSource  OperandSource `json:"leftSource"`
	LeftValue   string        `json:"leftValue"`
	Operator    Operator      `json:"operator"`
	RightSource OperandSource `json:"rightSource"`
	RightValue  string        `json:"rightValue"`
}

// ConditionRule groups operands under a title.
type ConditionRule struct {
	ID       string             `json:"id"`
	Title    string             `json:"title"`
	Operands []ConditionOperand `json:"operands"`
}

// ConditionMeta configures a condition block.
type ConditionMeta struct {
	Fields []ConditionField `json:"fields"`
	Rules  []ConditionRule  `json:"rules"`
}

func (*ConditionMeta) MetaKind() BlockKind { return BlockCondition }

// VariableKey is a built-in variable a variable block can expose.
type VariableKey string

const (
	VariableProjectDirectory VariableKey = "project_directory"
	VariableCurrentDate      VariableKey = "current_date"
)

// Valid reports whether k is a known variable key.
func (k VariableKey) Valid() bool {
	return k == VariableProjectDirectory || k == VariableCurrentDate
}

// VariableMeta configures a variable block.
type VariableMeta struct {
	SelectedVariables []VariableKey `json:"selectedVariables"`
}

func (*VariableMeta) MetaKind() BlockKind { return BlockVariable }

// ── Connections & Scene ──────────────────────────────────────

// Connection is a directed edge between two block ports. An empty port
// name stands for the block's default port on that side.
type Connection struct {
	ID           string `json:"id"`
	FromBlockID  string `json:"fromBlockId"`
	ToBlockID    string `json:"toBlockId"`
	FromPortName string `json:"fromPortName,omitempty"`
	ToPortName   string `json:"toPortName,omitempty"`
}

// ConnectionType is the classification of a connection.
type ConnectionType string

const (
	ConnectionControl ConnectionType = "control"
	ConnectionData    ConnectionType = "data"
	ConnectionInvalid ConnectionType = "invalid"
)

// SceneVersion is the only scene format version this build understands.
const SceneVersion = 1

// Viewport is the persisted canvas state of the editor.
type Viewport struct {
	Scale        float64 `json:"scale"`
	OffsetX      float64 `json:"offsetX"`
	OffsetY      float64 `json:"offsetY"`
	ShowGrid     bool    `json:"showGrid"`
	CanvasWidth  float64 `json:"canvasWidth"`
	CanvasHeight float64 `json:"canvasHeight"`
}

// Scene is the full editable graph of a scenario.
type Scene struct {
	Version     int          `json:"version"`
	Blocks      []Block      `json:"blocks"`
	Connections []Connection `json:"connections"`
	Viewport    Viewport     `json:"viewport"`
}

// ── Scenario ─────────────────────────────────────────────────

// ScenarioContent holds the persisted scene and the cached textual flow
// derived from it. FlowHash is the hash of the scene the flow was built from.
type ScenarioContent struct {
	Scene    json.RawMessage `json:"scene,omitempty"`
	Flow     string          `json:"flow,omitempty"`
	FlowHash string          `json:"flowHash,omitempty"`
}

// Scenario is the stored entity owning a scene.
type Scenario struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Content     ScenarioContent `json:"content"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// UnmarshalJSON decodes meta into the concrete type selected by kind.
// Untrusted scenes should go through scenario.NormalizeBlock instead.
func (b *Block) UnmarshalJSON(data []byte) error {
	type plain Block
	var aux struct {
		plain
		Meta json.RawMessage `json:"meta,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*b = Block(aux.plain)
	b.Meta = nil

	var meta BlockMeta
	switch b.Kind {
	case BlockTool:
		meta = &ToolMeta{}
	case BlockPrompt:
		meta = &PromptMeta{}
	case BlockCondition:
		meta = &ConditionMeta{}
	case BlockVariable:
		meta = &VariableMeta{}
	default:
		return nil
	}
	if len(aux.Meta) > 0 && string(aux.Meta) != "null" {
		if err := json.Unmarshal(aux.Meta, meta); err != nil {
			return fmt.Errorf("block %s meta: %w", b.ID, err)
		}
	}
	b.Meta = meta
	return nil
}
