package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/flowdesk/flowdesk/pkg/models"
)

// ErrUnsupportedSceneVersion is returned for scenes written in a format
// this build does not understand.
var ErrUnsupportedSceneVersion = errors.New("unsupported scene version")

// DefaultViewport is the canvas state of a freshly created scene.
func DefaultViewport() models.Viewport {
	return models.Viewport{Scale: 1, ShowGrid: true}
}

// DecodeScene parses a persisted scene. Blocks are normalized; connections
// that lack endpoints, reference unknown blocks, classify as invalid or
// repeat an earlier connection are dropped. A scene without a version field
// is read as the current version.
func DecodeScene(data []byte) (models.Scene, error) {
	var raw struct {
		Version     *float64         `json:"version"`
		Blocks      []map[string]any `json:"blocks"`
		Connections []map[string]any `json:"connections"`
		Viewport    map[string]any   `json:"viewport"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.Scene{}, fmt.Errorf("decode scene: %w", err)
	}
	if raw.Version != nil && *raw.Version != models.SceneVersion {
		return models.Scene{}, fmt.Errorf("%w: %v", ErrUnsupportedSceneVersion, *raw.Version)
	}

	scene := models.Scene{
		Version:     models.SceneVersion,
		Blocks:      make([]models.Block, 0, len(raw.Blocks)),
		Connections: []models.Connection{},
		Viewport:    normalizeViewport(raw.Viewport),
	}

	ids := make(map[string]bool, len(raw.Blocks))
	for _, rb := range raw.Blocks {
		if rb == nil {
			continue
		}
		b := NormalizeBlock(rb)
		if ids[b.ID] {
			b.ID = uuid.NewString()
		}
		ids[b.ID] = true
		scene.Blocks = append(scene.Blocks, b)
	}

	idx := NewConnectionIndex(scene.Blocks)
	connIDs := make(map[string]bool, len(raw.Connections))
	for _, rc := range raw.Connections {
		c, ok := NormalizeConnection(rc)
		if !ok {
			continue
		}
		if _, ok := idx.Admit(c); !ok {
			continue
		}
		if connIDs[c.ID] {
			c.ID = uuid.NewString()
		}
		connIDs[c.ID] = true
		scene.Connections = append(scene.Connections, c)
	}
	return scene, nil
}

// EncodeScene serializes a scene for persistence.
func EncodeScene(s models.Scene) (json.RawMessage, error) {
	s.Version = models.SceneVersion
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode scene: %w", err)
	}
	return data, nil
}

func normalizeViewport(raw map[string]any) models.Viewport {
	vp := DefaultViewport()
	if raw == nil {
		return vp
	}
	vp.Scale = positiveOr(raw["scale"], vp.Scale)
	vp.OffsetX = finiteOr(raw["offsetX"], 0)
	vp.OffsetY = finiteOr(raw["offsetY"], 0)
	if g, ok := raw["showGrid"].(bool); ok {
		vp.ShowGrid = g
	}
	vp.CanvasWidth = positiveOr(raw["canvasWidth"], 0)
	vp.CanvasHeight = positiveOr(raw["canvasHeight"], 0)
	return vp
}

// CloneScene returns a deep copy of s.
func CloneScene(s models.Scene) models.Scene {
	out := s
	out.Blocks = slices.Clone(s.Blocks)
	for i, b := range out.Blocks {
		out.Blocks[i] = CloneBlock(b)
	}
	out.Connections = slices.Clone(s.Connections)
	return out
}

// CloneBlock returns a deep copy of b.
func CloneBlock(b models.Block) models.Block {
	out := b
	out.PortAnchors = models.PortAnchors{
		Inputs:  clonePoints(b.PortAnchors.Inputs),
		Outputs: clonePoints(b.PortAnchors.Outputs),
	}
	switch m := b.Meta.(type) {
	case *models.ToolMeta:
		if m == nil {
			break
		}
		c := *m
		c.Input = slices.Clone(m.Input)
		out.Meta = &c
	case *models.PromptMeta:
		if m == nil {
			break
		}
		c := *m
		out.Meta = &c
	case *models.ConditionMeta:
		if m == nil {
			break
		}
		c := models.ConditionMeta{Fields: slices.Clone(m.Fields)}
		for _, r := range m.Rules {
			r.Operands = slices.Clone(r.Operands)
			c.Rules = append(c.Rules, r)
		}
		if m.Rules != nil && c.Rules == nil {
			c.Rules = []models.ConditionRule{}
		}
		out.Meta = &c
	case *models.VariableMeta:
		if m == nil {
			break
		}
		c := models.VariableMeta{SelectedVariables: slices.Clone(m.SelectedVariables)}
		out.Meta = &c
	}
	return out
}

func clonePoints(in map[string]models.Point) map[string]models.Point {
	out := make(map[string]models.Point, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
