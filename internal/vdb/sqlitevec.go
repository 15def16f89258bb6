package vdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/observability"
)

// SQLiteVec is the embedded fallback backend for deployments without
// PostgreSQL. Vectors live as JSON in a single table and search is a
// brute-force cosine scan, which is fine at debug-console scale.
// Capability: vector only.
type SQLiteVec struct {
	db        *sql.DB
	dimension int
	logger    *observability.Logger
}

func newSQLiteVecFromConfig(cfg *config.VDBConfig, logger *observability.Logger) (VectorDatabase, error) {
	path := cfg.SQLiteVec.Path
	if path == "" {
		path = filepath.Join("data", "vectors.db")
	}
	return NewSQLiteVec(path, cfg.SQLiteVec.Dimension, logger)
}

// NewSQLiteVec opens (or creates) the vector table at path.
func NewSQLiteVec(path string, dimension int, logger *observability.Logger) (*SQLiteVec, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: open %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS langbot_vectors (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			embedding TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			document TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (collection, id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitevec: create table: %w", err)
	}
	return &SQLiteVec{db: db, dimension: dimension, logger: logger}, nil
}

func (s *SQLiteVec) Capabilities() CapabilitySet {
	return NewCapabilitySet(CapVector)
}

// GetOrCreateCollection is a no-op; collections are rows in a shared
// table.
func (s *SQLiteVec) GetOrCreateCollection(ctx context.Context, name string) error {
	return nil
}

func (s *SQLiteVec) AddEmbeddings(ctx context.Context, collection string, ids []string, vectors [][]float32, metadatas []map[string]any, documents []string) error {
	if err := validateBatch(ids, vectors, metadatas, s.dimension); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitevec: begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO langbot_vectors (collection, id, embedding, metadata, document)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			document = excluded.document
	`)
	if err != nil {
		return fmt.Errorf("sqlitevec: prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, id := range ids {
		vec, err := json.Marshal(vectors[i])
		if err != nil {
			return fmt.Errorf("sqlitevec: marshal vector for %s: %w", id, err)
		}
		meta, err := json.Marshal(metadatas[i])
		if err != nil {
			return fmt.Errorf("sqlitevec: marshal metadata for %s: %w", id, err)
		}
		doc := ""
		if i < len(documents) {
			doc = documents[i]
		}
		if _, err := stmt.ExecContext(ctx, collection, id, string(vec), string(meta), doc); err != nil {
			return fmt.Errorf("sqlitevec: insert %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteVec) Search(ctx context.Context, collection string, vector []float32, k int) (*SearchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, metadata, document FROM langbot_vectors WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: search %s: %w", collection, err)
	}
	defer rows.Close()

	type hit struct {
		id       string
		distance float32
		meta     map[string]any
		doc      string
	}
	var hits []hit

	for rows.Next() {
		var id, vecJSON, metaJSON, doc string
		if err := rows.Scan(&id, &vecJSON, &metaJSON, &doc); err != nil {
			return nil, fmt.Errorf("sqlitevec: scan row: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(vecJSON), &vec); err != nil {
			return nil, fmt.Errorf("sqlitevec: unmarshal vector for %s: %w", id, err)
		}
		meta := map[string]any{}
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("sqlitevec: unmarshal metadata for %s: %w", id, err)
		}
		hits = append(hits, hit{id: id, distance: cosineDistance(vector, vec), meta: meta, doc: doc})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].distance < hits[j].distance })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}

	res := &SearchResult{}
	for _, h := range hits {
		res.IDs = append(res.IDs, h.id)
		res.Distances = append(res.Distances, h.distance)
		res.Metadatas = append(res.Metadatas, h.meta)
		res.Documents = append(res.Documents, h.doc)
	}
	return res, nil
}

func (s *SQLiteVec) SearchFulltext(ctx context.Context, collection, query string, k int) (*SearchResult, error) {
	return nil, fmt.Errorf("%w: sqlitevec fulltext", ErrUnsupported)
}

func (s *SQLiteVec) SearchHybrid(ctx context.Context, collection string, vector []float32, query string, k int) (*SearchResult, error) {
	return nil, fmt.Errorf("%w: sqlitevec hybrid", ErrUnsupported)
}

func (s *SQLiteVec) DeleteByFileID(ctx context.Context, collection, fileID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM langbot_vectors
		WHERE collection = ? AND json_extract(metadata, '$.file_id') = ?
	`, collection, fileID)
	if err != nil {
		return fmt.Errorf("sqlitevec: delete by file id in %s: %w", collection, err)
	}
	return nil
}

func (s *SQLiteVec) DeleteCollection(ctx context.Context, collection string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM langbot_vectors WHERE collection = ?`, collection)
	if err != nil {
		return fmt.Errorf("sqlitevec: delete collection %s: %w", collection, err)
	}
	return nil
}

func (s *SQLiteVec) Close() error {
	return s.db.Close()
}

// cosineDistance is 1 - cosine similarity; 0 for identical directions.
func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)))
}
