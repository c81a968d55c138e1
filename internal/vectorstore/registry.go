// Package vectorstore provides the vector index drivers, embedded
// (file-backed brute-force) and pgvector (user-provided PostgreSQL), and the
// table that opens one by its configured name.
package vectorstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/flowdesk/flowdesk/pkg/contracts"
)

// OpenOptions carries the settings any driver may need.
type OpenOptions struct {
	DataDir     string
	PostgresURL string
	MaxVectors  int
}

// Opener builds an index from the shared options.
type Opener func(ctx context.Context, opts OpenOptions) (contracts.VectorIndex, error)

// Drivers maps driver names to openers. Thread-safe.
type Drivers struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

// NewDrivers returns a table holding the embedded and pgvector drivers.
func NewDrivers() *Drivers {
	d := &Drivers{openers: make(map[string]Opener)}
	d.Register("embedded", func(_ context.Context, o OpenOptions) (contracts.VectorIndex, error) {
		dir := ""
		if o.DataDir != "" {
			dir = filepath.Join(o.DataDir, "vectors")
		}
		var opts []EmbeddedOption
		if o.MaxVectors > 0 {
			opts = append(opts, WithMaxVectors(o.MaxVectors))
		}
		return NewEmbeddedIndex(dir, opts...)
	})
	d.Register("pgvector", func(ctx context.Context, o OpenOptions) (contracts.VectorIndex, error) {
		return NewPgvectorIndex(ctx, o.PostgresURL)
	})
	return d
}

// Register adds or replaces the opener for name.
func (d *Drivers) Register(name string, open Opener) {
	d.mu.Lock()
	d.openers[name] = open
	d.mu.Unlock()
}

// Names returns the registered driver names, sorted.
func (d *Drivers) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.openers))
	for name := range d.openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the index for name and checks that it answers.
func (d *Drivers) Open(ctx context.Context, name string, opts OpenOptions) (contracts.VectorIndex, error) {
	d.mu.RLock()
	open, ok := d.openers[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown vector driver %q (have %s)", name, strings.Join(d.Names(), ", "))
	}

	idx, err := open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s index: %w", name, err)
	}
	if err := idx.HealthCheck(ctx); err != nil {
		log.Warn().Err(err).Str("driver", name).Msg("Vector index health check failed")
	}
	log.Info().Str("driver", name).Msg("✅ Vector index initialized")
	return idx, nil
}
