package vdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/observability"
)

const defaultDimension = 1536

var identPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// PGVector is the PostgreSQL backend. Each collection maps to one
// table named langbot_vec_<sanitized>; full text rides a tsvector
// expression over the document column so the backend can advertise
// fulltext and hybrid search.
type PGVector struct {
	db        *sql.DB
	dimension int
	logger    *observability.Logger

	mu    sync.Mutex
	names map[string]string
}

func newPGVectorFromConfig(cfg *config.VDBConfig, logger *observability.Logger) (VectorDatabase, error) {
	if cfg.PGVector.DSN == "" {
		return nil, errors.New("pgvector: dsn not configured")
	}
	return NewPGVector(cfg.PGVector.DSN, cfg.PGVector.Dimension, logger)
}

// NewPGVector connects to PostgreSQL and ensures the vector extension
// is installed.
func NewPGVector(dsn string, dimension int, logger *observability.Logger) (*PGVector, error) {
	if dimension <= 0 {
		dimension = defaultDimension
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector: open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgvector: ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgvector: create extension: %w", err)
	}

	return &PGVector{
		db:        db,
		dimension: dimension,
		logger:    logger,
		names:     make(map[string]string),
	}, nil
}

func (p *PGVector) Capabilities() CapabilitySet {
	return NewCapabilitySet(CapVector, CapFulltext, CapHybrid)
}

// tableFor maps a collection name to its table, recording the mapping
// so callers can keep using the original name.
func (p *PGVector) tableFor(collection string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if table, ok := p.names[collection]; ok {
		return table, nil
	}
	safe := safeName(collection)
	if !identPattern.MatchString(safe) {
		return "", fmt.Errorf("pgvector: collection name %q is not a valid identifier", collection)
	}
	table := "langbot_vec_" + safe
	p.names[collection] = table
	return table, nil
}

func (p *PGVector) GetOrCreateCollection(ctx context.Context, name string) error {
	table, err := p.tableFor(name)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			embedding vector(%d),
			metadata JSONB NOT NULL DEFAULT '{}',
			document TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, table, p.dimension))
	if err != nil {
		return fmt.Errorf("pgvector: create collection %s: %w", name, err)
	}
	_, err = p.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_fts ON %s USING GIN (to_tsvector('simple', document))`,
		table, table))
	if err != nil {
		return fmt.Errorf("pgvector: create fulltext index for %s: %w", name, err)
	}
	return nil
}

func (p *PGVector) AddEmbeddings(ctx context.Context, collection string, ids []string, vectors [][]float32, metadatas []map[string]any, documents []string) error {
	if err := validateBatch(ids, vectors, metadatas, p.dimension); err != nil {
		return err
	}
	table, err := p.tableFor(collection)
	if err != nil {
		return err
	}

	// One transaction per call so a mid-batch failure leaves nothing
	// behind.
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgvector: begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, embedding, metadata, document)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			document = EXCLUDED.document
	`, table))
	if err != nil {
		return fmt.Errorf("pgvector: prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, id := range ids {
		meta, err := json.Marshal(metadatas[i])
		if err != nil {
			return fmt.Errorf("pgvector: marshal metadata for %s: %w", id, err)
		}
		doc := ""
		if i < len(documents) {
			doc = documents[i]
		}
		if _, err := stmt.ExecContext(ctx, id, pgvector.NewVector(vectors[i]), string(meta), doc); err != nil {
			return fmt.Errorf("pgvector: insert %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (p *PGVector) Search(ctx context.Context, collection string, vector []float32, k int) (*SearchResult, error) {
	table, err := p.tableFor(collection)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, embedding <=> $1 AS distance, metadata, document
		FROM %s
		ORDER BY embedding <=> $1 ASC
		LIMIT $2
	`, table), pgvector.NewVector(vector), k)
	if err != nil {
		if isUndefinedTable(err) {
			return &SearchResult{}, nil
		}
		return nil, fmt.Errorf("pgvector: search %s: %w", collection, err)
	}
	defer rows.Close()
	return scanHits(rows)
}

func (p *PGVector) SearchFulltext(ctx context.Context, collection, query string, k int) (*SearchResult, error) {
	table, err := p.tableFor(collection)
	if err != nil {
		return nil, err
	}
	// Rank grows with relevance; report 1/(1+rank) so smaller still
	// means closer, matching the vector path.
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id,
		       1 / (1 + ts_rank(to_tsvector('simple', document), plainto_tsquery('simple', $1))) AS distance,
		       metadata, document
		FROM %s
		WHERE to_tsvector('simple', document) @@ plainto_tsquery('simple', $1)
		ORDER BY ts_rank(to_tsvector('simple', document), plainto_tsquery('simple', $1)) DESC
		LIMIT $2
	`, table), query, k)
	if err != nil {
		if isUndefinedTable(err) {
			return &SearchResult{}, nil
		}
		return nil, fmt.Errorf("pgvector: fulltext search %s: %w", collection, err)
	}
	defer rows.Close()
	return scanHits(rows)
}

func (p *PGVector) SearchHybrid(ctx context.Context, collection string, vector []float32, query string, k int) (*SearchResult, error) {
	table, err := p.tableFor(collection)
	if err != nil {
		return nil, err
	}
	// Database-native reciprocal rank fusion over the vector and
	// fulltext rankings.
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		WITH vec AS (
			SELECT id, row_number() OVER (ORDER BY embedding <=> $1 ASC) AS rank
			FROM %[1]s
			ORDER BY embedding <=> $1 ASC
			LIMIT $3
		), txt AS (
			SELECT id, row_number() OVER (
				ORDER BY ts_rank(to_tsvector('simple', document), plainto_tsquery('simple', $2)) DESC
			) AS rank
			FROM %[1]s
			WHERE to_tsvector('simple', document) @@ plainto_tsquery('simple', $2)
			LIMIT $3
		), fused AS (
			SELECT COALESCE(vec.id, txt.id) AS id,
			       COALESCE(1.0 / (60 + vec.rank), 0) + COALESCE(1.0 / (60 + txt.rank), 0) AS score
			FROM vec FULL OUTER JOIN txt ON vec.id = txt.id
		)
		SELECT t.id, 1 / (1 + fused.score) AS distance, t.metadata, t.document
		FROM fused JOIN %[1]s t ON t.id = fused.id
		ORDER BY fused.score DESC
		LIMIT $3
	`, table), pgvector.NewVector(vector), query, k)
	if err != nil {
		if isUndefinedTable(err) {
			return &SearchResult{}, nil
		}
		return nil, fmt.Errorf("pgvector: hybrid search %s: %w", collection, err)
	}
	defer rows.Close()
	return scanHits(rows)
}

func (p *PGVector) DeleteByFileID(ctx context.Context, collection, fileID string) error {
	table, err := p.tableFor(collection)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE metadata->>'file_id' = $1`, table), fileID)
	if err != nil && !isUndefinedTable(err) {
		return fmt.Errorf("pgvector: delete by file id in %s: %w", collection, err)
	}
	return nil
}

func (p *PGVector) DeleteCollection(ctx context.Context, collection string) error {
	table, err := p.tableFor(collection)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return fmt.Errorf("pgvector: drop collection %s: %w", collection, err)
	}
	p.mu.Lock()
	delete(p.names, collection)
	p.mu.Unlock()
	return nil
}

func (p *PGVector) Close() error {
	return p.db.Close()
}

func scanHits(rows *sql.Rows) (*SearchResult, error) {
	res := &SearchResult{}
	for rows.Next() {
		var (
			id       string
			distance float64
			metaJSON string
			doc      string
		)
		if err := rows.Scan(&id, &distance, &metaJSON, &doc); err != nil {
			return nil, fmt.Errorf("pgvector: scan hit: %w", err)
		}
		meta := map[string]any{}
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("pgvector: unmarshal metadata for %s: %w", id, err)
		}
		res.IDs = append(res.IDs, id)
		res.Distances = append(res.Distances, float32(distance))
		res.Metadatas = append(res.Metadatas, meta)
		res.Documents = append(res.Documents, doc)
	}
	return res, rows.Err()
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	return false
}
