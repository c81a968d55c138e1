package scenario

import "github.com/flowdesk/flowdesk/pkg/models"

// ResolvePorts fills in default port names for an unnamed connection side.
func ResolvePorts(source, target models.Block, c models.Connection) (from, to string) {
	from, to = c.FromPortName, c.ToPortName
	if from == "" {
		from = DefaultOutputPort(source)
	}
	if to == "" {
		to = DefaultInputPort(target)
	}
	return from, to
}

// ClassifyConnection decides whether c links a control output to a control
// input, a data output to a data input, or neither. Self loops and
// references to ports the blocks do not have are invalid.
func ClassifyConnection(source, target models.Block, c models.Connection) models.ConnectionType {
	if source.ID == target.ID {
		return models.ConnectionInvalid
	}
	from, to := ResolvePorts(source, target, c)
	if from == "" || to == "" {
		return models.ConnectionInvalid
	}

	out, ok := FindOutput(source, from)
	if !ok {
		return models.ConnectionInvalid
	}
	in, ok := FindInput(target, to)
	if !ok {
		return models.ConnectionInvalid
	}

	switch {
	case out.Class == ClassControl && in.Class == ClassControl:
		return models.ConnectionControl
	case out.Class == ClassData && in.Class == ClassData:
		return models.ConnectionData
	default:
		return models.ConnectionInvalid
	}
}

// connectionKey identifies a connection by endpoints with defaults resolved,
// so an unnamed port and its explicit default name compare equal.
type connectionKey struct {
	from, to, fromPort, toPort string
}

func keyOf(source, target models.Block, c models.Connection) connectionKey {
	from, to := ResolvePorts(source, target, c)
	return connectionKey{from: c.FromBlockID, to: c.ToBlockID, fromPort: from, toPort: to}
}

// ConnectionIndex tracks the connections of a scene for duplicate checks.
type ConnectionIndex struct {
	blocks map[string]models.Block
	keys   map[connectionKey]bool
}

// NewConnectionIndex indexes blocks by id.
func NewConnectionIndex(blocks []models.Block) *ConnectionIndex {
	idx := &ConnectionIndex{
		blocks: make(map[string]models.Block, len(blocks)),
		keys:   make(map[connectionKey]bool),
	}
	for _, b := range blocks {
		idx.blocks[b.ID] = b
	}
	return idx
}

// Block returns the indexed block with id.
func (idx *ConnectionIndex) Block(id string) (models.Block, bool) {
	b, ok := idx.blocks[id]
	return b, ok
}

// Admit reports whether c connects two known blocks, classifies as control
// or data, and is not a duplicate of an admitted connection. Admitted
// connections are remembered.
func (idx *ConnectionIndex) Admit(c models.Connection) (models.ConnectionType, bool) {
	source, ok := idx.blocks[c.FromBlockID]
	if !ok {
		return models.ConnectionInvalid, false
	}
	target, ok := idx.blocks[c.ToBlockID]
	if !ok {
		return models.ConnectionInvalid, false
	}
	kind := ClassifyConnection(source, target, c)
	if kind == models.ConnectionInvalid {
		return kind, false
	}
	k := keyOf(source, target, c)
	if idx.keys[k] {
		return kind, false
	}
	idx.keys[k] = true
	return kind, true
}

// Prune returns the connections that are still admissible against blocks,
// in their original order.
func Prune(blocks []models.Block, conns []models.Connection) []models.Connection {
	idx := NewConnectionIndex(blocks)
	kept := make([]models.Connection, 0, len(conns))
	for _, c := range conns {
		if _, ok := idx.Admit(c); ok {
			kept = append(kept, c)
		}
	}
	return kept
}
