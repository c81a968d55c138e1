package scenario

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowdesk/flowdesk/pkg/models"
)

// SceneHash is the content hash of a scene's graph. The viewport is not part
// of the hash, so panning the canvas never invalidates the cached flow.
func SceneHash(s models.Scene) string {
	canonical := struct {
		Version     int                 `json:"version"`
		Blocks      []models.Block      `json:"blocks"`
		Connections []models.Connection `json:"connections"`
	}{models.SceneVersion, s.Blocks, s.Connections}
	if canonical.Blocks == nil {
		canonical.Blocks = []models.Block{}
	}
	if canonical.Connections == nil {
		canonical.Connections = []models.Connection{}
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RenderFlow writes a textual outline of the scene: blocks in control order
// starting from every start block, each with its data bindings and where
// control goes next. Blocks unreachable from a start block are listed last.
func RenderFlow(s models.Scene) string {
	idx := NewConnectionIndex(s.Blocks)

	control := make(map[string][]models.Connection)
	data := make(map[string][]models.Connection)
	for _, c := range s.Connections {
		source, okS := idx.Block(c.FromBlockID)
		target, okT := idx.Block(c.ToBlockID)
		if !okS || !okT {
			continue
		}
		switch ClassifyConnection(source, target, c) {
		case models.ConnectionControl:
			control[c.FromBlockID] = append(control[c.FromBlockID], c)
		case models.ConnectionData:
			data[c.ToBlockID] = append(data[c.ToBlockID], c)
		}
	}

	order := make(map[string]int)
	var visit []string
	var queue []string
	for _, b := range s.Blocks {
		if b.Kind == models.BlockStart {
			queue = append(queue, b.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := order[id]; seen {
			continue
		}
		order[id] = len(visit) + 1
		visit = append(visit, id)
		for _, c := range control[id] {
			queue = append(queue, c.ToBlockID)
		}
	}

	var sb strings.Builder
	sb.WriteString("Flow:\n")
	for _, id := range visit {
		b, _ := idx.Block(id)
		fmt.Fprintf(&sb, "%d. %s\n", order[id], describe(b))

		for _, c := range data[id] {
			source, _ := idx.Block(c.FromBlockID)
			from, to := ResolvePorts(source, b, c)
			fmt.Fprintf(&sb, "   %s <- %s.%s\n", to, source.Title, from)
		}
		for _, c := range control[id] {
			target, _ := idx.Block(c.ToBlockID)
			from, _ := ResolvePorts(b, target, c)
			label := "next"
			if from != PortContinue {
				label = "on " + from
			}
			fmt.Fprintf(&sb, "   %s -> %d. %s\n", label, order[target.ID], target.Title)
		}
	}

	var unreachable []string
	for _, b := range s.Blocks {
		if _, ok := order[b.ID]; !ok {
			unreachable = append(unreachable, describe(b))
		}
	}
	if len(unreachable) > 0 {
		sb.WriteString("Unreachable:\n")
		for _, d := range unreachable {
			fmt.Fprintf(&sb, "- %s\n", d)
		}
	}
	return sb.String()
}

func describe(b models.Block) string {
	switch m := b.Meta.(type) {
	case *models.ToolMeta:
		if m.ToolName != "" {
			return fmt.Sprintf("[tool %s] %s", m.ToolName, b.Title)
		}
	case *models.PromptMeta:
		if instr := strings.TrimSpace(m.Instruction); instr != "" {
			return fmt.Sprintf("[prompt] %s: %s", b.Title, firstLine(instr))
		}
	case *models.ConditionMeta:
		return fmt.Sprintf("[condition] %s (%d rules)", b.Title, len(m.Rules))
	case *models.VariableMeta:
		keys := make([]string, len(m.SelectedVariables))
		for i, k := range m.SelectedVariables {
			keys[i] = string(k)
		}
		return fmt.Sprintf("[variable] %s (%s)", b.Title, strings.Join(keys, ", "))
	}
	return fmt.Sprintf("[%s] %s", b.Kind, b.Title)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
