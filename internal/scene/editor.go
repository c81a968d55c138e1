// Package scene implements the scenario editor: an in-memory mutable scene
// bound to a stored scenario, with insert/move/connect/delete operations
// that keep geometry and connections consistent.
package scene

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/flowdesk/flowdesk/internal/events"
	"github.com/flowdesk/flowdesk/internal/metrics"
	"github.com/flowdesk/flowdesk/internal/scenario"
	"github.com/flowdesk/flowdesk/internal/store"
	"github.com/flowdesk/flowdesk/pkg/models"
)

// Default positions of the start/end pair of a new scene.
var (
	defaultStartPos = models.Point{X: 80, Y: 160}
	defaultEndPos   = models.Point{X: 560, Y: 160}
)

// NewDefaultScene returns a scene holding only a start and an end block.
func NewDefaultScene() models.Scene {
	return models.Scene{
		Version: models.SceneVersion,
		Blocks: []models.Block{
			newBlock(models.BlockStart, "", nil, defaultStartPos),
			newBlock(models.BlockEnd, "", nil, defaultEndPos),
		},
		Connections: []models.Connection{},
		Viewport:    scenario.DefaultViewport(),
	}
}

func newBlock(kind models.BlockKind, title string, meta models.BlockMeta, pos models.Point) models.Block {
	b := models.Block{
		ID:            uuid.NewString(),
		Kind:          kind,
		ExecutionType: models.ExecutionTypeFor(kind),
		Title:         title,
		X:             pos.X,
		Y:             pos.Y,
		Width:         scenario.DefaultWidth,
		Meta:          scenario.NormalizeMeta(kind, meta),
	}
	if b.Title == "" {
		b.Title = scenario.DefaultTitle(kind)
		if m, ok := b.Meta.(*models.ToolMeta); ok && m.ToolName != "" {
			b.Title = m.ToolName
		}
	}
	b.Height = scenario.BlockHeight(b)
	b.PortAnchors = scenario.ComputeAnchors(b)
	return b
}

// InsertRequest describes a block to add. Meta must match Kind; a mismatched
// or nil meta is replaced by an empty one.
type InsertRequest struct {
	Kind  models.BlockKind
	Title string
	Meta  models.BlockMeta
}

// ViewportPatch overrides individual viewport fields on save.
type ViewportPatch struct {
	Scale        *float64 `json:"scale,omitempty"`
	OffsetX      *float64 `json:"offsetX,omitempty"`
	OffsetY      *float64 `json:"offsetY,omitempty"`
	ShowGrid     *bool    `json:"showGrid,omitempty"`
	CanvasWidth  *float64 `json:"canvasWidth,omitempty"`
	CanvasHeight *float64 `json:"canvasHeight,omitempty"`
}

func (p *ViewportPatch) apply(vp models.Viewport) models.Viewport {
	if p == nil {
		return vp
	}
	setPositive(&vp.Scale, p.Scale)
	setFinite(&vp.OffsetX, p.OffsetX)
	setFinite(&vp.OffsetY, p.OffsetY)
	if p.ShowGrid != nil {
		vp.ShowGrid = *p.ShowGrid
	}
	setPositive(&vp.CanvasWidth, p.CanvasWidth)
	setPositive(&vp.CanvasHeight, p.CanvasHeight)
	return vp
}

func setFinite(dst *float64, v *float64) {
	if v != nil && finite(*v) {
		*dst = *v
	}
}

func setPositive(dst *float64, v *float64) {
	if v != nil && finite(*v) && *v > 0 {
		*dst = *v
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Editor holds the scene being edited. Validation failures are reported as
// false returns and never mutate the scene. Safe for concurrent use.
type Editor struct {
	mu       sync.Mutex
	store    store.ScenarioStore
	pub      events.Publisher
	scenario *models.Scenario
	scene    models.Scene
}

// NewEditor creates an editor over a default scene with no active scenario.
func NewEditor(st store.ScenarioStore, pub events.Publisher) *Editor {
	if pub == nil {
		pub = events.Discard
	}
	return &Editor{store: st, pub: pub, scene: NewDefaultScene()}
}

// Open makes the stored scenario active and loads its scene. A scenario
// without a scene gets the default start/end pair.
func (e *Editor) Open(ctx context.Context, userID, scenarioID string) error {
	sc, err := e.store.GetScenario(ctx, userID, scenarioID)
	if err != nil {
		return err
	}

	s := NewDefaultScene()
	if len(sc.Content.Scene) > 0 {
		s, err = scenario.DecodeScene(sc.Content.Scene)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", scenarioID, err)
		}
	}

	e.mu.Lock()
	e.scenario = sc
	e.scene = s
	e.mu.Unlock()

	log.Debug().
		Str("user", userID).
		Str("scenario", scenarioID).
		Int("blocks", len(s.Blocks)).
		Int("connections", len(s.Connections)).
		Msg("Scenario opened")
	return nil
}

// Scene returns a copy of the current scene.
func (e *Editor) Scene() models.Scene {
	e.mu.Lock()
	defer e.mu.Unlock()
	return scenario.CloneScene(e.scene)
}

// Active returns the id of the active scenario, or "".
func (e *Editor) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scenario == nil {
		return ""
	}
	return e.scenario.ID
}

func (e *Editor) indexOf(id string) int {
	for i, b := range e.scene.Blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// InsertBlock appends a new block at pos, sized to fit its ports. Start and
// end blocks cannot be inserted.
func (e *Editor) InsertBlock(req InsertRequest, pos models.Point) (models.Block, bool) {
	switch req.Kind {
	case models.BlockTool, models.BlockPrompt, models.BlockCondition, models.BlockVariable:
	default:
		return models.Block{}, false
	}
	if !finite(pos.X) || !finite(pos.Y) {
		return models.Block{}, false
	}

	b := newBlock(req.Kind, req.Title, req.Meta, pos)

	e.mu.Lock()
	e.scene.Blocks = append(e.scene.Blocks, b)
	e.mu.Unlock()
	return scenario.CloneBlock(b), true
}

// MoveBlock sets a block's position.
func (e *Editor) MoveBlock(id string, x, y float64) bool {
	if !finite(x) || !finite(y) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexOf(id)
	if i < 0 {
		return false
	}
	e.scene.Blocks[i].X = x
	e.scene.Blocks[i].Y = y
	return true
}

// RemoveBlock deletes a block and every connection touching it. Start and
// end blocks cannot be removed.
func (e *Editor) RemoveBlock(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexOf(id)
	if i < 0 {
		return false
	}
	if k := e.scene.Blocks[i].Kind; k == models.BlockStart || k == models.BlockEnd {
		return false
	}

	e.scene.Blocks = append(e.scene.Blocks[:i], e.scene.Blocks[i+1:]...)
	kept := e.scene.Connections[:0]
	for _, c := range e.scene.Connections {
		if c.FromBlockID != id && c.ToBlockID != id {
			kept = append(kept, c)
		}
	}
	e.scene.Connections = kept
	return true
}

// CompleteConnection adds a connection between two block ports. It returns
// false without changes when the pairing is invalid or already exists.
func (e *Editor) CompleteConnection(fromBlockID, toBlockID, fromPort, toPort string) (models.Connection, bool) {
	c, ok := scenario.NormalizeConnection(map[string]any{
		"fromBlockId":  fromBlockID,
		"toBlockId":    toBlockID,
		"fromPortName": fromPort,
		"toPortName":   toPort,
	})
	if !ok {
		return models.Connection{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	idx := scenario.NewConnectionIndex(e.scene.Blocks)
	for _, existing := range e.scene.Connections {
		idx.Admit(existing)
	}
	if _, ok := idx.Admit(c); !ok {
		return models.Connection{}, false
	}
	e.scene.Connections = append(e.scene.Connections, c)
	return c, true
}

// RemoveConnection deletes a connection by id.
func (e *Editor) RemoveConnection(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, c := range e.scene.Connections {
		if c.ID == id {
			e.scene.Connections = append(e.scene.Connections[:i], e.scene.Connections[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateToolMeta replaces the meta of a tool block.
func (e *Editor) UpdateToolMeta(id string, meta models.ToolMeta) bool {
	return e.updateMeta(id, models.BlockTool, &meta)
}

// UpdatePromptMeta replaces the meta of a prompt block.
func (e *Editor) UpdatePromptMeta(id string, meta models.PromptMeta) bool {
	return e.updateMeta(id, models.BlockPrompt, &meta)
}

// UpdateConditionMeta replaces the meta of a condition block.
func (e *Editor) UpdateConditionMeta(id string, meta models.ConditionMeta) bool {
	return e.updateMeta(id, models.BlockCondition, &meta)
}

// UpdateVariableMeta replaces the meta of a variable block.
func (e *Editor) UpdateVariableMeta(id string, meta models.VariableMeta) bool {
	return e.updateMeta(id, models.BlockVariable, &meta)
}

// updateMeta swaps a block's meta, re-derives its height and anchors, and
// drops connections whose ports disappeared or whose pairing became invalid.
func (e *Editor) updateMeta(id string, kind models.BlockKind, meta models.BlockMeta) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexOf(id)
	if i < 0 || e.scene.Blocks[i].Kind != kind {
		return false
	}

	b := &e.scene.Blocks[i]
	b.Meta = scenario.NormalizeMeta(kind, meta)
	b.Height = scenario.BlockHeight(*b)
	b.PortAnchors = scenario.ComputeAnchors(*b)

	before := len(e.scene.Connections)
	e.scene.Connections = scenario.Prune(e.scene.Blocks, e.scene.Connections)
	if pruned := before - len(e.scene.Connections); pruned > 0 {
		log.Debug().Str("block", id).Int("pruned", pruned).Msg("Dropped connections to removed ports")
	}
	return true
}

// SaveScene writes the scene into the stored copy of the active scenario in
// a single upsert and refreshes the cached flow when the graph changed.
// Other scenario fields are taken from the store, not from Open. It returns
// nil, nil when no scenario is active.
func (e *Editor) SaveScene(ctx context.Context, viewport *ViewportPatch) (*models.Scenario, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scenario == nil {
		return nil, nil
	}

	next := scenario.CloneScene(e.scene)
	next.Viewport = viewport.apply(next.Viewport)

	raw, err := scenario.EncodeScene(next)
	if err != nil {
		return nil, err
	}

	// Name and description may have changed since Open; only the content
	// belongs to the editor.
	current, err := e.store.GetScenario(ctx, e.scenario.UserID, e.scenario.ID)
	if err != nil {
		return nil, fmt.Errorf("save scenario %s: %w", e.scenario.ID, err)
	}
	sc := *current
	sc.Content.Scene = raw
	refreshFlow(&sc, next)
	sc.UpdatedAt = time.Now().UTC()

	if err := e.store.UpsertScenario(ctx, &sc); err != nil {
		return nil, fmt.Errorf("save scenario %s: %w", sc.ID, err)
	}

	e.scenario = &sc
	e.scene.Viewport = next.Viewport
	metrics.ScenesSaved.Inc()
	e.pub.Publish(sc.UserID, events.Event{
		Type: events.ScenarioSaved,
		Data: map[string]any{"id": sc.ID, "flowHash": sc.Content.FlowHash, "updated_at": sc.UpdatedAt},
	})

	out := sc
	return &out, nil
}
