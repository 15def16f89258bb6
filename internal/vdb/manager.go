package vdb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/observability"
)

// ErrFilterDeleteUnsupported is returned for metadata-filter deletion,
// which no backend implements uniformly. Callers delete by file id or
// drop the whole collection.
var ErrFilterDeleteUnsupported = errors.New("vdb: filter-based deletion is not supported")

// Entry is the normalized flat search hit handed to upstream consumers.
type Entry struct {
	ID       string
	Score    float32
	Metadata map[string]any
	Document string
}

// BackendFactory builds a backend instance for a type name.
type BackendFactory func(cfg *config.VDBConfig, logger *observability.Logger) (VectorDatabase, error)

var backendFactories = map[string]BackendFactory{
	"pgvector":  newPGVectorFromConfig,
	"sqlitevec": newSQLiteVecFromConfig,
}

// Manager owns one backend instance per configured type and hands out
// references. Instances of the same type are shared across names.
type Manager struct {
	logger *observability.Logger

	mu       sync.RWMutex
	byName   map[string]VectorDatabase
	ordered  []string
	byType   map[string]VectorDatabase
}

// NewManager instantiates backends from the vdb config section.
// Supported shapes: a single type in Use, a list of types in Databases,
// or a name-to-settings object in Databases.
func NewManager(cfg *config.VDBConfig, logger *observability.Logger) (*Manager, error) {
	m := &Manager{
		logger: logger,
		byName: make(map[string]VectorDatabase),
		byType: make(map[string]VectorDatabase),
	}

	switch {
	case cfg.Databases == nil && cfg.Use != "":
		if err := m.add(cfg.Use, cfg.Use, cfg, logger); err != nil {
			return nil, err
		}
	case cfg.Databases != nil:
		switch dbs := cfg.Databases.(type) {
		case []any:
			for _, entry := range dbs {
				typeName, ok := entry.(string)
				if !ok {
					return nil, fmt.Errorf("vdb: databases list entries must be type names, got %T", entry)
				}
				if err := m.add(typeName, typeName, cfg, logger); err != nil {
					return nil, err
				}
			}
		case map[string]any:
			for name, raw := range dbs {
				settings, ok := raw.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("vdb: database %q settings must be an object, got %T", name, raw)
				}
				typeName, _ := settings["type"].(string)
				if typeName == "" {
					return nil, fmt.Errorf("vdb: database %q missing type", name)
				}
				if err := m.add(name, typeName, cfg, logger); err != nil {
					return nil, err
				}
			}
		default:
			return nil, fmt.Errorf("vdb: unsupported databases config shape %T", cfg.Databases)
		}
	}

	return m, nil
}

func (m *Manager) add(name, typeName string, cfg *config.VDBConfig, logger *observability.Logger) error {
	if inst, ok := m.byType[typeName]; ok {
		m.byName[name] = inst
		m.ordered = append(m.ordered, name)
		return nil
	}
	factory, ok := backendFactories[typeName]
	if !ok {
		return fmt.Errorf("vdb: unknown backend type: %s", typeName)
	}
	inst, err := factory(cfg, logger)
	if err != nil {
		return fmt.Errorf("vdb: init backend %s: %w", typeName, err)
	}
	m.byType[typeName] = inst
	m.byName[name] = inst
	m.ordered = append(m.ordered, name)
	return nil
}

// Default returns the backend named "default" when configured, else the
// first configured instance, else nil.
func (m *Manager) Default() VectorDatabase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if db, ok := m.byName["default"]; ok {
		return db
	}
	if len(m.ordered) > 0 {
		return m.byName[m.ordered[0]]
	}
	return nil
}

// Get returns the backend registered under name.
func (m *Manager) Get(name string) (VectorDatabase, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.byName[name]
	return db, ok
}

// Upsert delegates to the default backend, creating the collection on
// demand.
func (m *Manager) Upsert(ctx context.Context, collection string, ids []string, vectors [][]float32, metadatas []map[string]any, documents []string) error {
	db := m.Default()
	if db == nil {
		return errors.New("vdb: no backend configured")
	}
	if err := db.GetOrCreateCollection(ctx, collection); err != nil {
		return err
	}
	return db.AddEmbeddings(ctx, collection, ids, vectors, metadatas, documents)
}

// Search runs vector search on the default backend and normalizes the
// result. Score is 1/(1+distance) so larger means closer.
func (m *Manager) Search(ctx context.Context, collection string, vector []float32, k int) ([]Entry, error) {
	db := m.Default()
	if db == nil {
		return nil, errors.New("vdb: no backend configured")
	}
	res, err := db.Search(ctx, collection, vector, k)
	if err != nil {
		return nil, err
	}
	return Normalize(res), nil
}

// DeleteByFileID delegates to the default backend.
func (m *Manager) DeleteByFileID(ctx context.Context, collection, fileID string) error {
	db := m.Default()
	if db == nil {
		return errors.New("vdb: no backend configured")
	}
	return db.DeleteByFileID(ctx, collection, fileID)
}

// DeleteCollection delegates to the default backend.
func (m *Manager) DeleteCollection(ctx context.Context, collection string) error {
	db := m.Default()
	if db == nil {
		return errors.New("vdb: no backend configured")
	}
	return db.DeleteCollection(ctx, collection)
}

// DeleteByFilter always fails; see ErrFilterDeleteUnsupported.
func (m *Manager) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	return ErrFilterDeleteUnsupported
}

// Close releases all backend instances. Shared instances close once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, db := range m.byType {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.byType = map[string]VectorDatabase{}
	m.byName = map[string]VectorDatabase{}
	m.ordered = nil
	return firstErr
}

// Normalize flattens a raw search result to entries.
func Normalize(res *SearchResult) []Entry {
	if res == nil {
		return nil
	}
	entries := make([]Entry, 0, len(res.IDs))
	for i, id := range res.IDs {
		e := Entry{ID: id}
		if i < len(res.Distances) {
			e.Score = 1 / (1 + res.Distances[i])
		}
		if i < len(res.Metadatas) {
			e.Metadata = res.Metadatas[i]
		}
		if i < len(res.Documents) {
			e.Document = res.Documents[i]
		}
		entries = append(entries, e)
	}
	return entries
}
