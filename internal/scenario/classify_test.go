package scenario_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/flowdesk/flowdesk/internal/scenario"
	"github.com/flowdesk/flowdesk/pkg/models"
)

func fixtureBlocks() map[string]models.Block {
	blocks := map[string]models.Block{
		"start": scenario.NormalizeBlock(map[string]any{"id": "start", "kind": "start"}),
		"end":   scenario.NormalizeBlock(map[string]any{"id": "end", "kind": "end"}),
		"t1":    toolBlock("t1"),
		"t2":    toolBlock("t2"),
		"vars": scenario.NormalizeBlock(map[string]any{"id": "vars", "kind": "variable", "meta": map[string]any{
			"selectedVariables": []any{"current_date"},
		}}),
		"cond": scenario.NormalizeBlock(map[string]any{"id": "cond", "kind": "condition", "meta": map[string]any{
			"fields": []any{map[string]any{"name": "when"}},
		}}),
		"prompt": scenario.NormalizeBlock(map[string]any{"id": "prompt", "kind": "prompt"}),
	}
	return blocks
}

func TestClassifyConnection(t *testing.T) {
	blocks := fixtureBlocks()

	tests := []struct {
		name     string
		from, to string
		fromPort string
		toPort   string
		want     models.ConnectionType
	}{
		{"continue to start", "start", "t1", "", "", models.ConnectionControl},
		{"continue to end default", "t1", "end", "__continue__", "", models.ConnectionControl},
		{"explicit end default", "prompt", "end", "", "__default__", models.ConnectionControl},
		{"condition branch", "cond", "prompt", "yes", "__start__", models.ConnectionControl},
		{"tool output to tool param", "t1", "t2", "sum", "a", models.ConnectionData},
		{"variable to condition field", "vars", "cond", "current_date", "when", models.ConnectionData},
		{"data into control", "t1", "t2", "sum", "__start__", models.ConnectionInvalid},
		{"control into data", "t1", "t2", "__continue__", "a", models.ConnectionInvalid},
		{"condition has no default output", "cond", "prompt", "", "", models.ConnectionInvalid},
		{"optional param has no port", "t1", "t2", "sum", "c", models.ConnectionInvalid},
		{"unknown output", "t1", "t2", "difference", "a", models.ConnectionInvalid},
		{"into start block", "t1", "start", "", "", models.ConnectionInvalid},
		{"out of end block", "end", "t1", "", "", models.ConnectionInvalid},
		{"self loop", "t1", "t1", "sum", "a", models.ConnectionInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := models.Connection{
				ID: "c", FromBlockID: tt.from, ToBlockID: tt.to,
				FromPortName: tt.fromPort, ToPortName: tt.toPort,
			}
			got := scenario.ClassifyConnection(blocks[tt.from], blocks[tt.to], c)
			if got != tt.want {
				t.Errorf("ClassifyConnection() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrune_DropsDuplicatesAndDangling(t *testing.T) {
	fx := fixtureBlocks()
	blocks := []models.Block{fx["start"], fx["t1"], fx["end"]}
	conns := []models.Connection{
		{ID: "1", FromBlockID: "start", ToBlockID: "t1"},
		{ID: "2", FromBlockID: "start", ToBlockID: "t1", FromPortName: "__continue__", ToPortName: "__start__"},
		{ID: "3", FromBlockID: "t1", ToBlockID: "missing"},
		{ID: "4", FromBlockID: "t1", ToBlockID: "end"},
	}
	kept := scenario.Prune(blocks, conns)
	if len(kept) != 2 || kept[0].ID != "1" || kept[1].ID != "4" {
		t.Errorf("Prune() = %+v, want connections 1 and 4", kept)
	}
}

func TestDecodeScene(t *testing.T) {
	raw := `{
		"version": 1,
		"blocks": [
			{"id": "s", "kind": "start"},
			{"id": "t1", "kind": "tool", "meta": {"toolSchema": ` + quote(addSchema) + `, "outputScheme": ` + quote(sumSchema) + `}},
			{"id": "t2", "kind": "tool", "meta": {"toolSchema": ` + quote(addSchema) + `}},
			{"id": "e", "kind": "end"}
		],
		"connections": [
			{"id": "c1", "fromBlockId": "s", "toBlockId": "t1"},
			{"id": "c2", "fromBlockId": "t1", "toBlockId": "t2", "fromPortName": "sum", "toPortName": "__start__"},
			{"id": "c3", "fromBlockId": "t1", "toBlockId": "ghost"},
			{"id": "c4", "fromBlockId": "t1", "toBlockId": "t2", "fromPortName": "sum", "toPortName": "a"},
			{"id": "c5", "fromBlockId": "t1", "toBlockId": "t2", "fromPortName": "sum", "toPortName": "a"},
			{"fromBlockId": "t2", "toBlockId": "e"},
			{"toBlockId": "e"}
		],
		"viewport": {"scale": 0, "offsetX": 12, "showGrid": false}
	}`

	scene, err := scenario.DecodeScene([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeScene() error = %v", err)
	}
	if len(scene.Blocks) != 4 {
		t.Fatalf("DecodeScene() blocks = %d, want 4", len(scene.Blocks))
	}
	var ids []string
	for _, c := range scene.Connections {
		ids = append(ids, c.ID)
	}
	if len(ids) != 3 || ids[0] != "c1" || ids[1] != "c4" {
		t.Errorf("DecodeScene() connections = %v, want c1, c4 and the unnamed t2->e", ids)
	}
	if scene.Viewport.Scale != 1 || scene.Viewport.OffsetX != 12 || scene.Viewport.ShowGrid {
		t.Errorf("Viewport = %+v", scene.Viewport)
	}
}

func TestDecodeScene_RejectsUnknownVersion(t *testing.T) {
	_, err := scenario.DecodeScene([]byte(`{"version": 2, "blocks": []}`))
	if !errors.Is(err, scenario.ErrUnsupportedSceneVersion) {
		t.Fatalf("DecodeScene(version 2) error = %v, want ErrUnsupportedSceneVersion", err)
	}

	if _, err := scenario.DecodeScene([]byte(`{"blocks": []}`)); err != nil {
		t.Errorf("DecodeScene(no version) error = %v", err)
	}
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
