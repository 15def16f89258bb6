// Package persistence stores the gateway's durable state: knowledge
// bases and their files, pipeline definitions, plugin settings and
// plugin-owned binary blobs.
package persistence

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// File lifecycle states.
const (
	FileStatusPending    = "pending"
	FileStatusProcessing = "processing"
	FileStatusCompleted  = "completed"
	FileStatusFailed     = "failed"
)

// KnowledgeBase is the persisted identity of one KB. CollectionID
// defaults to UUID and names the vector namespace.
type KnowledgeBase struct {
	UUID               string
	Name               string
	Description        string
	EmbeddingModelUUID string
	TopK               int
	RAGEnginePluginID  string
	CollectionID       string
	CreationSettings   map[string]any
	CreatedAt          time.Time
}

// KnowledgeBaseFile is one ingested file's metadata row.
type KnowledgeBaseFile struct {
	UUID      string
	KBID      string
	FileName  string
	Extension string
	Status    string
	CreatedAt time.Time
}

// PipelineRecord is a persisted pipeline definition.
type PipelineRecord struct {
	UUID      string
	Name      string
	Stages    []string
	Config    map[string]any
	CreatedAt time.Time
}

// KnowledgeBaseStore persists knowledge bases.
type KnowledgeBaseStore interface {
	Create(ctx context.Context, kb *KnowledgeBase) error
	Get(ctx context.Context, uuid string) (*KnowledgeBase, error)
	List(ctx context.Context) ([]*KnowledgeBase, error)
	Delete(ctx context.Context, uuid string) error
}

// FileStore persists knowledge base file metadata.
type FileStore interface {
	Create(ctx context.Context, f *KnowledgeBaseFile) error
	Get(ctx context.Context, uuid string) (*KnowledgeBaseFile, error)
	ListByKB(ctx context.Context, kbID string) ([]*KnowledgeBaseFile, error)
	UpdateStatus(ctx context.Context, uuid, status string) error
	Delete(ctx context.Context, uuid string) error
}

// PipelineStore persists pipeline definitions.
type PipelineStore interface {
	Save(ctx context.Context, p *PipelineRecord) error
	Get(ctx context.Context, uuid string) (*PipelineRecord, error)
	List(ctx context.Context) ([]*PipelineRecord, error)
	Delete(ctx context.Context, uuid string) error
}

// PluginSettingStore persists per-plugin settings blobs.
type PluginSettingStore interface {
	Get(ctx context.Context, pluginID string) (map[string]any, error)
	Set(ctx context.Context, pluginID string, settings map[string]any) error
}

// BinaryStore is key/value blob storage with composite ownership
// (owner_type, owner, key), used by plugins for opaque state.
type BinaryStore interface {
	Get(ctx context.Context, ownerType, owner, key string) ([]byte, error)
	Set(ctx context.Context, ownerType, owner, key string, value []byte) error
	Delete(ctx context.Context, ownerType, owner, key string) error
}

// StoreSet groups the persistence dependencies handed around at
// startup.
type StoreSet struct {
	KnowledgeBases KnowledgeBaseStore
	Files          FileStore
	Pipelines      PipelineStore
	PluginSettings PluginSettingStore
	Binary         BinaryStore

	closer func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
