package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/flowdesk/flowdesk/pkg/models"
)

// undefinedTable is the PostgreSQL error code for a missing relation.
const undefinedTable = "42P01"

// PgvectorIndex implements VectorIndex on PostgreSQL with the pgvector
// extension, one SQL table per vector table. The vector column is untyped so
// tables accept whatever dimension the embedding model produces.
type PgvectorIndex struct {
	pool    *pgxpool.Pool
	created sync.Map // table name -> struct{}
}

// NewPgvectorIndex connects to connURL and ensures the extension exists.
func NewPgvectorIndex(ctx context.Context, connURL string) (*PgvectorIndex, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector extension: %w", err)
	}

	log.Info().Msg("pgvector index initialized")
	return &PgvectorIndex{pool: pool}, nil
}

func (s *PgvectorIndex) Kind() string { return "pgvector" }

func (s *PgvectorIndex) ensureTable(ctx context.Context, table string) error {
	if _, ok := s.created.Load(table); ok {
		return nil
	}
	ident := pgx.Identifier{table}.Sanitize()
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                TEXT PRIMARY KEY,
			vector            vector NOT NULL,
			text              TEXT NOT NULL DEFAULT '',
			file_id           TEXT NOT NULL DEFAULT '',
			file_name         TEXT NOT NULL DEFAULT '',
			chunk_index       INTEGER NOT NULL DEFAULT 0,
			vector_storage_id TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, ident)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pgvector create %s: %w", table, err)
	}
	s.created.Store(table, struct{}{})
	return nil
}

func (s *PgvectorIndex) AddVectors(ctx context.Context, table string, rows []models.VectorRow) error {
	if err := validTable(table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (id, vector, text, file_id, file_name, chunk_index, vector_storage_id, created_at)
		VALUES `, pgx.Identifier{table}.Sanitize())

	const cols = 8
	args := make([]any, 0, len(rows)*cols)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*cols + 1
		fmt.Fprintf(&sb, "($%d, $%d::vector, $%d, $%d, $%d, $%d, $%d, $%d)",
			base, base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		args = append(args, r.ID, pgvectorArray(r.Vector), r.Text, r.FileID, r.FileName, r.ChunkIndex, r.VectorStorageID, created)
	}

	sb.WriteString(` ON CONFLICT (id) DO UPDATE SET
		vector = EXCLUDED.vector,
		text = EXCLUDED.text,
		file_id = EXCLUDED.file_id,
		file_name = EXCLUDED.file_name,
		chunk_index = EXCLUDED.chunk_index`)

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	return err
}

func (s *PgvectorIndex) Search(ctx context.Context, table string, vector []float64, limit int) ([]models.VectorMatch, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(`SELECT id, text, file_id, file_name, chunk_index, vector_storage_id, created_at,
		1 - (vector <=> $1::vector) AS score
		FROM %s
		WHERE vector_dims(vector) = $2
		ORDER BY vector <=> $1::vector
		LIMIT $3`, pgx.Identifier{table}.Sanitize())

	rows, err := s.pool.Query(ctx, query, pgvectorArray(vector), len(vector), limit)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var results []models.VectorMatch
	for rows.Next() {
		var m models.VectorMatch
		r := &m.Row
		if err := rows.Scan(&r.ID, &r.Text, &r.FileID, &r.FileName, &r.ChunkIndex, &r.VectorStorageID, &r.CreatedAt, &m.Score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	return results, nil
}

func (s *PgvectorIndex) TableSize(ctx context.Context, table string) (int64, error) {
	if err := validTable(table); err != nil {
		return 0, err
	}
	var size int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(pg_total_relation_size(to_regclass($1)), 0)`,
		pgx.Identifier{table}.Sanitize()).Scan(&size)
	return size, err
}

func (s *PgvectorIndex) DropTable(ctx context.Context, table string) error {
	if err := validTable(table); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", pgx.Identifier{table}.Sanitize()))
	s.created.Delete(table)
	return err
}

func (s *PgvectorIndex) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PgvectorIndex) Close() {
	s.pool.Close()
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}

// pgvectorArray converts a float64 slice to pgvector's text format: [1.0,2.0,3.0]
func pgvectorArray(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}
