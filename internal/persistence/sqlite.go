package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore backs every store interface with one SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStoreSet opens (or creates) the database at path and
// returns a store set backed by it.
func NewSQLiteStoreSet(path string) (StoreSet, error) {
	s, err := NewSQLiteStore(path)
	if err != nil {
		return StoreSet{}, err
	}
	return StoreSet{
		KnowledgeBases: s,
		Files:          sqliteFiles{s},
		Pipelines:      sqlitePipelines{s},
		PluginSettings: sqliteSettings{s},
		Binary:         sqliteBinary{s},
		closer:         s.Close,
	}, nil
}

// Adapter types bind the shared SQLiteStore to the per-entity store
// interfaces, whose method names would otherwise collide.

type sqliteFiles struct{ s *SQLiteStore }

func (f sqliteFiles) Create(ctx context.Context, file *KnowledgeBaseFile) error {
	return f.s.CreateFile(ctx, file)
}
func (f sqliteFiles) Get(ctx context.Context, uuid string) (*KnowledgeBaseFile, error) {
	return f.s.GetFile(ctx, uuid)
}
func (f sqliteFiles) ListByKB(ctx context.Context, kbID string) ([]*KnowledgeBaseFile, error) {
	return f.s.ListByKB(ctx, kbID)
}
func (f sqliteFiles) UpdateStatus(ctx context.Context, uuid, status string) error {
	return f.s.UpdateStatus(ctx, uuid, status)
}
func (f sqliteFiles) Delete(ctx context.Context, uuid string) error {
	return f.s.DeleteFile(ctx, uuid)
}

type sqlitePipelines struct{ s *SQLiteStore }

func (p sqlitePipelines) Save(ctx context.Context, rec *PipelineRecord) error {
	return p.s.Save(ctx, rec)
}
func (p sqlitePipelines) Get(ctx context.Context, uuid string) (*PipelineRecord, error) {
	return p.s.GetPipeline(ctx, uuid)
}
func (p sqlitePipelines) List(ctx context.Context) ([]*PipelineRecord, error) {
	return p.s.ListPipelines(ctx)
}
func (p sqlitePipelines) Delete(ctx context.Context, uuid string) error {
	return p.s.DeletePipeline(ctx, uuid)
}

type sqliteSettings struct{ s *SQLiteStore }

func (p sqliteSettings) Get(ctx context.Context, pluginID string) (map[string]any, error) {
	return p.s.GetSettings(ctx, pluginID)
}
func (p sqliteSettings) Set(ctx context.Context, pluginID string, settings map[string]any) error {
	return p.s.SetSettings(ctx, pluginID, settings)
}

type sqliteBinary struct{ s *SQLiteStore }

func (b sqliteBinary) Get(ctx context.Context, ownerType, owner, key string) ([]byte, error) {
	return b.s.GetBinary(ctx, ownerType, owner, key)
}
func (b sqliteBinary) Set(ctx context.Context, ownerType, owner, key string, value []byte) error {
	return b.s.SetBinary(ctx, ownerType, owner, key, value)
}
func (b sqliteBinary) Delete(ctx context.Context, ownerType, owner, key string) error {
	return b.s.DeleteBinary(ctx, ownerType, owner, key)
}

// NewSQLiteStore opens the database and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	// Single writer; sqlite serializes at the connection level.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS knowledge_bases (
			uuid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			embedding_model_uuid TEXT NOT NULL DEFAULT '',
			top_k INTEGER NOT NULL DEFAULT 5,
			rag_engine_plugin_id TEXT NOT NULL DEFAULT '',
			collection_id TEXT NOT NULL,
			creation_settings TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_base_files (
			uuid TEXT PRIMARY KEY,
			kb_id TEXT NOT NULL,
			file_name TEXT NOT NULL,
			extension TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_files_kb ON knowledge_base_files (kb_id)`,
		`CREATE TABLE IF NOT EXISTS legacy_pipelines (
			uuid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			stages TEXT NOT NULL DEFAULT '[]',
			config TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plugin_settings (
			plugin_id TEXT PRIMARY KEY,
			settings TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS binary_storage (
			owner_type TEXT NOT NULL,
			owner TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (owner_type, owner, key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Knowledge bases

func (s *SQLiteStore) Create(ctx context.Context, kb *KnowledgeBase) error {
	if kb.CreatedAt.IsZero() {
		kb.CreatedAt = time.Now()
	}
	settings, err := json.Marshal(kb.CreationSettings)
	if err != nil {
		return fmt.Errorf("persistence: marshal creation settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_bases (uuid, name, description, embedding_model_uuid, top_k, rag_engine_plugin_id, collection_id, creation_settings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, kb.UUID, kb.Name, kb.Description, kb.EmbeddingModelUUID, kb.TopK,
		kb.RAGEnginePluginID, kb.CollectionID, string(settings), kb.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: insert knowledge base: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, uuid string) (*KnowledgeBase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, name, description, embedding_model_uuid, top_k, rag_engine_plugin_id, collection_id, creation_settings, created_at
		FROM knowledge_bases WHERE uuid = ?
	`, uuid)
	return scanKB(row)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*KnowledgeBase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, name, description, embedding_model_uuid, top_k, rag_engine_plugin_id, collection_id, creation_settings, created_at
		FROM knowledge_bases ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("persistence: list knowledge bases: %w", err)
	}
	defer rows.Close()

	var out []*KnowledgeBase
	for rows.Next() {
		kb, err := scanKB(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, kb)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE uuid = ?`, uuid)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKB(row rowScanner) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	var settings string
	err := row.Scan(&kb.UUID, &kb.Name, &kb.Description, &kb.EmbeddingModelUUID,
		&kb.TopK, &kb.RAGEnginePluginID, &kb.CollectionID, &settings, &kb.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: scan knowledge base: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &kb.CreationSettings); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal creation settings: %w", err)
	}
	return &kb, nil
}

// Files

func (s *SQLiteStore) CreateFile(ctx context.Context, f *KnowledgeBaseFile) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_base_files (uuid, kb_id, file_name, extension, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.UUID, f.KBID, f.FileName, f.Extension, f.Status, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: insert file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, uuid string) (*KnowledgeBaseFile, error) {
	var f KnowledgeBaseFile
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, kb_id, file_name, extension, status, created_at
		FROM knowledge_base_files WHERE uuid = ?
	`, uuid).Scan(&f.UUID, &f.KBID, &f.FileName, &f.Extension, &f.Status, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: scan file: %w", err)
	}
	return &f, nil
}

func (s *SQLiteStore) ListByKB(ctx context.Context, kbID string) ([]*KnowledgeBaseFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, kb_id, file_name, extension, status, created_at
		FROM knowledge_base_files WHERE kb_id = ? ORDER BY created_at ASC
	`, kbID)
	if err != nil {
		return nil, fmt.Errorf("persistence: list files: %w", err)
	}
	defer rows.Close()

	out := []*KnowledgeBaseFile{}
	for rows.Next() {
		var f KnowledgeBaseFile
		if err := rows.Scan(&f.UUID, &f.KBID, &f.FileName, &f.Extension, &f.Status, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan file: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, uuid, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE knowledge_base_files SET status = ? WHERE uuid = ?`, status, uuid)
	if err != nil {
		return fmt.Errorf("persistence: update file status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_base_files WHERE uuid = ?`, uuid)
	return err
}

// Pipelines

func (s *SQLiteStore) Save(ctx context.Context, p *PipelineRecord) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	stages, err := json.Marshal(p.Stages)
	if err != nil {
		return fmt.Errorf("persistence: marshal stages: %w", err)
	}
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("persistence: marshal pipeline config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO legacy_pipelines (uuid, name, stages, config, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (uuid) DO UPDATE SET
			name = excluded.name,
			stages = excluded.stages,
			config = excluded.config
	`, p.UUID, p.Name, string(stages), string(cfg), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: save pipeline: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPipeline(ctx context.Context, uuid string) (*PipelineRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, name, stages, config, created_at FROM legacy_pipelines WHERE uuid = ?
	`, uuid)
	return scanPipeline(row)
}

func (s *SQLiteStore) ListPipelines(ctx context.Context) ([]*PipelineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, name, stages, config, created_at FROM legacy_pipelines ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("persistence: list pipelines: %w", err)
	}
	defer rows.Close()

	var out []*PipelineRecord
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeletePipeline(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM legacy_pipelines WHERE uuid = ?`, uuid)
	return err
}

func scanPipeline(row rowScanner) (*PipelineRecord, error) {
	var p PipelineRecord
	var stages, cfg string
	err := row.Scan(&p.UUID, &p.Name, &stages, &cfg, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: scan pipeline: %w", err)
	}
	if err := json.Unmarshal([]byte(stages), &p.Stages); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal stages: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &p.Config); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal pipeline config: %w", err)
	}
	return &p, nil
}

// Plugin settings

func (s *SQLiteStore) GetSettings(ctx context.Context, pluginID string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT settings FROM plugin_settings WHERE plugin_id = ?`, pluginID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get plugin settings: %w", err)
	}
	settings := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal plugin settings: %w", err)
	}
	return settings, nil
}

func (s *SQLiteStore) SetSettings(ctx context.Context, pluginID string, settings map[string]any) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("persistence: marshal plugin settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugin_settings (plugin_id, settings) VALUES (?, ?)
		ON CONFLICT (plugin_id) DO UPDATE SET settings = excluded.settings
	`, pluginID, string(raw))
	if err != nil {
		return fmt.Errorf("persistence: set plugin settings: %w", err)
	}
	return nil
}

// Binary storage

func (s *SQLiteStore) GetBinary(ctx context.Context, ownerType, owner, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM binary_storage WHERE owner_type = ? AND owner = ? AND key = ?
	`, ownerType, owner, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get binary: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetBinary(ctx context.Context, ownerType, owner, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO binary_storage (owner_type, owner, key, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_type, owner, key) DO UPDATE SET value = excluded.value
	`, ownerType, owner, key, value)
	if err != nil {
		return fmt.Errorf("persistence: set binary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteBinary(ctx context.Context, ownerType, owner, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM binary_storage WHERE owner_type = ? AND owner = ? AND key = ?
	`, ownerType, owner, key)
	return err
}
