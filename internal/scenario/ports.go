// Package scenario implements the scenario graph model: block ports and
// their geometry, normalization of untrusted persisted data, connection
// classification, and the textual flow derived from a scene.
package scenario

import "github.com/flowdesk/flowdesk/pkg/models"

// Reserved port names.
const (
	PortStart    = "__start__"
	PortContinue = "__continue__"
	PortDefault  = "__default__"
	PortYes      = "yes"
	PortNo       = "no"
	PortAlways   = "always"
)

// PortClass separates execution-order ports from value-carrying ports.
type PortClass int

const (
	ClassControl PortClass = iota
	ClassData
)

func (c PortClass) String() string {
	if c == ClassData {
		return "data"
	}
	return "control"
}

// PortSpec is one port of a block.
type PortSpec struct {
	Name  string
	Class PortClass
}

func reserved(name string) bool {
	switch name {
	case PortStart, PortContinue, PortDefault:
		return true
	}
	return false
}

// portList accumulates data ports, skipping empty, reserved and repeated names.
type portList struct {
	ports []PortSpec
	seen  map[string]bool
}

func newPortList(fixed ...PortSpec) *portList {
	l := &portList{seen: make(map[string]bool)}
	for _, p := range fixed {
		l.ports = append(l.ports, p)
		l.seen[p.Name] = true
	}
	return l
}

func (l *portList) addData(name string) {
	if name == "" || reserved(name) || l.seen[name] {
		return
	}
	l.seen[name] = true
	l.ports = append(l.ports, PortSpec{Name: name, Class: ClassData})
}

// InputPorts returns a block's input ports in declaration order.
func InputPorts(b models.Block) []PortSpec {
	start := PortSpec{Name: PortStart, Class: ClassControl}

	switch b.Kind {
	case models.BlockStart:
		return nil
	case models.BlockEnd:
		return []PortSpec{{Name: PortDefault, Class: ClassControl}}
	case models.BlockTool:
		l := newPortList(start)
		if m, ok := b.Meta.(*models.ToolMeta); ok && m != nil {
			for _, name := range toolInputParams(m) {
				l.addData(name)
			}
		}
		return l.ports
	case models.BlockCondition:
		l := newPortList(start)
		if m, ok := b.Meta.(*models.ConditionMeta); ok && m != nil {
			for _, f := range m.Fields {
				l.addData(f.Name)
			}
		}
		return l.ports
	default:
		return []PortSpec{start}
	}
}

// OutputPorts returns a block's output ports in declaration order.
func OutputPorts(b models.Block) []PortSpec {
	cont := PortSpec{Name: PortContinue, Class: ClassControl}

	switch b.Kind {
	case models.BlockEnd:
		return nil
	case models.BlockCondition:
		return []PortSpec{
			{Name: PortYes, Class: ClassControl},
			{Name: PortNo, Class: ClassControl},
			{Name: PortAlways, Class: ClassControl},
		}
	case models.BlockTool:
		l := newPortList()
		if m, ok := b.Meta.(*models.ToolMeta); ok && m != nil && m.OutputScheme != "" {
			for _, p := range ParseObjectSchema(m.OutputScheme).Properties {
				l.addData(p.Name)
			}
		}
		return append(l.ports, cont)
	case models.BlockVariable:
		l := newPortList()
		if m, ok := b.Meta.(*models.VariableMeta); ok && m != nil {
			for _, k := range m.SelectedVariables {
				if k.Valid() {
					l.addData(string(k))
				}
			}
		}
		return append(l.ports, cont)
	default:
		return []PortSpec{cont}
	}
}

// toolInputParams lists the params that become ports. When the schema
// declares required properties only those are wired; the rest stay in
// meta.Input for editing.
func toolInputParams(m *models.ToolMeta) []string {
	var required map[string]bool
	if m.ToolSchema != "" {
		if req := ParseObjectSchema(m.ToolSchema).Required; len(req) > 0 {
			required = make(map[string]bool, len(req))
			for _, r := range req {
				required[r] = true
			}
		}
	}

	names := make([]string, 0, len(m.Input))
	for _, in := range m.Input {
		if required != nil && !required[in.Param] {
			continue
		}
		names = append(names, in.Param)
	}
	return names
}

// FindInput looks up an input port by name.
func FindInput(b models.Block, name string) (PortSpec, bool) {
	return find(InputPorts(b), name)
}

// FindOutput looks up an output port by name.
func FindOutput(b models.Block, name string) (PortSpec, bool) {
	return find(OutputPorts(b), name)
}

func find(ports []PortSpec, name string) (PortSpec, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return PortSpec{}, false
}

// DefaultOutputPort is the port an unnamed connection leaves from, or ""
// when the block has none (condition and end blocks).
func DefaultOutputPort(b models.Block) string {
	if _, ok := FindOutput(b, PortContinue); ok {
		return PortContinue
	}
	return ""
}

// DefaultInputPort is the port an unnamed connection arrives at.
func DefaultInputPort(b models.Block) string {
	switch b.Kind {
	case models.BlockStart:
		return ""
	case models.BlockEnd:
		return PortDefault
	default:
		return PortStart
	}
}
