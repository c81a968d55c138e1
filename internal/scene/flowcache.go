package scene

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flowdesk/flowdesk/internal/metrics"
	"github.com/flowdesk/flowdesk/internal/scenario"
	"github.com/flowdesk/flowdesk/internal/store"
	"github.com/flowdesk/flowdesk/pkg/models"
)

// refreshFlow regenerates sc's cached flow when s hashes differently from
// the scene the flow was built from. Hash and flow always change together.
func refreshFlow(sc *models.Scenario, s models.Scene) bool {
	hash := scenario.SceneHash(s)
	if hash == sc.Content.FlowHash && sc.Content.Flow != "" {
		return false
	}
	sc.Content.Flow = scenario.RenderFlow(s)
	sc.Content.FlowHash = hash
	metrics.FlowsRendered.Inc()
	return true
}

// EnsureFlow returns the scenario with a flow matching its stored scene,
// regenerating and persisting it first when the scene changed since the
// flow was built. A stored scene that decoding had to repair (missing ids,
// dropped connections) is written back in its normalized form so the hash
// stays stable across calls.
func EnsureFlow(ctx context.Context, st store.ScenarioStore, userID, scenarioID string) (*models.Scenario, error) {
	sc, err := st.GetScenario(ctx, userID, scenarioID)
	if err != nil {
		return nil, err
	}

	s := NewDefaultScene()
	if len(sc.Content.Scene) > 0 {
		if s, err = scenario.DecodeScene(sc.Content.Scene); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", scenarioID, err)
		}
	}
	raw, err := scenario.EncodeScene(s)
	if err != nil {
		return nil, err
	}
	normalized := !bytes.Equal(raw, sc.Content.Scene)
	sc.Content.Scene = raw

	if !refreshFlow(sc, s) && !normalized {
		return sc, nil
	}
	sc.UpdatedAt = time.Now().UTC()
	if err := st.UpsertScenario(ctx, sc); err != nil {
		return nil, fmt.Errorf("persist flow for %s: %w", scenarioID, err)
	}
	log.Debug().
		Str("scenario", scenarioID).
		Str("hash", sc.Content.FlowHash).
		Bool("normalized", normalized).
		Msg("Flow regenerated")
	return sc, nil
}
