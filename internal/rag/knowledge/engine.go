// Package knowledge manages knowledge base lifecycle. The platform
// owns collection identity and file metadata; ingestion, chunking and
// retrieval belong to the RAG engine plugin named by each KB.
package knowledge

import (
	"context"

	"github.com/langbot-app/LangBot/internal/rag/retriever"
)

// CapDocIngestion is the engine capability required for file upload
// and deletion.
const CapDocIngestion = "doc_ingestion"

// IngestContext is handed to the engine for one file ingestion.
type IngestContext struct {
	FileID           string         `json:"file_id"`
	FileName         string         `json:"file_name"`
	Extension        string         `json:"extension"`
	StoragePath      string         `json:"storage_path"`
	KBID             string         `json:"kb_id"`
	CollectionID     string         `json:"collection_id"`
	ChunkingStrategy string         `json:"chunking_strategy"`
	CreationSettings map[string]any `json:"creation_settings"`
}

// RetrieveContext is handed to the engine for one retrieval.
type RetrieveContext struct {
	Query             string         `json:"query"`
	KBID              string         `json:"kb_id"`
	CollectionID      string         `json:"collection_id"`
	TopK              int            `json:"top_k"`
	RetrievalSettings map[string]any `json:"retrieval_settings"`
	CreationSettings  map[string]any `json:"creation_settings"`
}

// Engine is the RAG engine plugin surface the manager drives. The
// plugin connector implements it over the RPC transport.
type Engine interface {
	// HasEngine reports whether the plugin id names a known RAG engine.
	HasEngine(ctx context.Context, pluginID string) (bool, error)

	// Capabilities lists the engine's advertised capability names.
	Capabilities(ctx context.Context, pluginID string) ([]string, error)

	OnKBCreate(ctx context.Context, pluginID, kbUUID string, settings map[string]any) error
	OnKBDelete(ctx context.Context, pluginID, kbUUID string) error

	Ingest(ctx context.Context, pluginID string, ictx IngestContext) error
	Retrieve(ctx context.Context, pluginID string, rctx RetrieveContext) ([]retriever.Result, error)
	DeleteDocument(ctx context.Context, pluginID, fileID, kbID string) error
}
