package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flowdesk/flowdesk/pkg/contracts"
	"github.com/flowdesk/flowdesk/pkg/models"
)

// DefaultTopK is the number of matches returned when the caller asks for none.
const DefaultTopK = 5

// Retriever answers similarity queries against a vector storage.
type Retriever struct {
	store   Store
	drivers DriverSource
	index   contracts.VectorIndex
}

// NewRetriever creates a retriever.
func NewRetriever(st Store, drivers DriverSource, index contracts.VectorIndex) *Retriever {
	return &Retriever{store: st, drivers: drivers, index: index}
}

// Query embeds question with the user's configured driver and returns the
// best matches scoring at least minScore.
func (r *Retriever) Query(ctx context.Context, userID, storageID, question string, topK int, minScore float64) ([]models.VectorMatch, error) {
	start := time.Now()
	if storageID == "" {
		return nil, ErrMissingVectorStorage
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("empty question")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	vs, err := r.store.GetVectorStorage(ctx, userID, storageID)
	if err != nil {
		return nil, err
	}

	settings, err := r.store.GetUserSettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if settings.EmbeddingDriver == "" || settings.EmbeddingModel == "" {
		return nil, ErrEmbeddingNotConfigured
	}
	driver, err := r.drivers.Get(settings.EmbeddingDriver)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingNotConfigured, err)
	}

	resp, err := driver.Embed(ctx, contracts.EmbedRequest{Model: settings.EmbeddingModel, Input: []string{question}})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(resp.Embeddings) != 1 {
		return nil, fmt.Errorf("%w: got %d for 1 query", ErrEmbeddingCountMismatch, len(resp.Embeddings))
	}

	matches, err := r.index.Search(ctx, models.VectorTableName(vs.ID), resp.Embeddings[0], topK)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	// Apply score threshold
	if minScore > 0 {
		filtered := matches[:0]
		for _, m := range matches {
			if m.Score >= minScore {
				filtered = append(filtered, m)
			}
		}
		matches = filtered
	}

	now := time.Now().UTC()
	vs.LastActiveAt = &now
	if err := r.store.UpdateVectorStorage(ctx, vs); err != nil {
		log.Warn().Err(err).Str("vector_storage", vs.ID).Msg("Failed to refresh last active time")
	}

	log.Info().
		Str("vector_storage", vs.ID).
		Int("results", len(matches)).
		Dur("elapsed", time.Since(start)).
		Msg("Vector query complete")
	return matches, nil
}
