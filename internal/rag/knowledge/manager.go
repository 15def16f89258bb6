package knowledge

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/langbot-app/LangBot/internal/observability"
	"github.com/langbot-app/LangBot/internal/persistence"
	"github.com/langbot-app/LangBot/internal/rag/retriever"
)

const defaultTopK = 5

// supported file extensions for ingestion; ZIP members outside this
// set are skipped.
var supportedExtensions = map[string]bool{
	"txt": true, "pdf": true, "docx": true, "md": true, "html": true,
}

var (
	ErrKBNotFound        = errors.New("knowledge base not found")
	ErrNoSupportedFiles  = errors.New("no supported files in archive")
	ErrNoDocIngestion    = errors.New("plugin does not support document ingestion")
	ErrUnknownEngine     = errors.New("unknown rag engine plugin")
	ErrBlobMissing       = errors.New("file blob not found in storage")
	ErrUnsupportedFile   = errors.New("unsupported file type")
	ErrEngineUnavailable = errors.New("rag engine unavailable: plugin runtime disabled")
	ErrNoRetriever       = errors.New("no retriever configured")
)

// RuntimeKnowledgeBase is one loaded KB: the persisted record plus the
// engine that owns its content.
type RuntimeKnowledgeBase struct {
	Record *persistence.KnowledgeBase
}

// EffectiveTopK resolves the retrieval depth: explicit override, then
// KB default, then 5.
func (kb *RuntimeKnowledgeBase) EffectiveTopK(override int) int {
	if override > 0 {
		return override
	}
	if kb.Record.TopK > 0 {
		return kb.Record.TopK
	}
	return defaultTopK
}

// CreateParams are the caller-supplied fields for a new KB.
type CreateParams struct {
	Name               string
	Description        string
	EmbeddingModelUUID string
	TopK               int
	RAGEnginePluginID  string
	CreationSettings   map[string]any
}

// Manager owns the uuid-to-KB runtime map. KBs that name a RAG engine
// plugin are driven through the engine; KBs without one retrieve
// through the local retriever over the vector store. The engine may be
// nil when the plugin runtime is disabled; engine-backed operations
// then return ErrEngineUnavailable.
type Manager struct {
	stores    persistence.StoreSet
	engine    Engine
	retriever *retriever.Retriever
	blobs     *BlobStore
	logger    *observability.Logger

	mu  sync.RWMutex
	kbs map[string]*RuntimeKnowledgeBase

	ingests sync.WaitGroup
}

// NewManager creates an empty manager.
func NewManager(stores persistence.StoreSet, engine Engine, ret *retriever.Retriever, blobs *BlobStore, logger *observability.Logger) *Manager {
	return &Manager{
		stores:    stores,
		engine:    engine,
		retriever: ret,
		blobs:     blobs,
		logger:    logger,
		kbs:       make(map[string]*RuntimeKnowledgeBase),
	}
}

// Load fills the runtime map from persistence and reaps files stranded
// mid-ingest by an earlier shutdown.
func (m *Manager) Load(ctx context.Context) error {
	records, err := m.stores.KnowledgeBases.List(ctx)
	if err != nil {
		return fmt.Errorf("knowledge: load: %w", err)
	}

	m.mu.Lock()
	for _, rec := range records {
		m.kbs[rec.UUID] = &RuntimeKnowledgeBase{Record: rec}
	}
	m.mu.Unlock()

	for _, rec := range records {
		files, err := m.stores.Files.ListByKB(ctx, rec.UUID)
		if err != nil {
			return fmt.Errorf("knowledge: load files for %s: %w", rec.UUID, err)
		}
		for _, f := range files {
			if f.Status == persistence.FileStatusPending || f.Status == persistence.FileStatusProcessing {
				if err := m.stores.Files.UpdateStatus(ctx, f.UUID, persistence.FileStatusFailed); err != nil {
					m.logWarn(ctx, "reap orphan file failed", "file", f.UUID, "error", err)
				}
				_ = m.blobs.Delete(f.UUID)
			}
		}
	}
	return nil
}

// ReapOrphans fails pending or processing file rows created before the
// cutoff and deletes their blobs. Rows newer than the cutoff belong to
// ingests that may still be running. Returns how many rows were reaped.
func (m *Manager) ReapOrphans(ctx context.Context, cutoff time.Time) int {
	reaped := 0
	for _, kb := range m.List() {
		files, err := m.stores.Files.ListByKB(ctx, kb.Record.UUID)
		if err != nil {
			m.logWarn(ctx, "reap: list files failed", "kb", kb.Record.UUID, "error", err)
			continue
		}
		for _, f := range files {
			if f.Status != persistence.FileStatusPending && f.Status != persistence.FileStatusProcessing {
				continue
			}
			if !f.CreatedAt.Before(cutoff) {
				continue
			}
			if err := m.stores.Files.UpdateStatus(ctx, f.UUID, persistence.FileStatusFailed); err != nil {
				m.logWarn(ctx, "reap orphan file failed", "file", f.UUID, "error", err)
				continue
			}
			_ = m.blobs.Delete(f.UUID)
			reaped++
		}
	}
	return reaped
}

// Get returns a loaded KB.
func (m *Manager) Get(kbUUID string) (*RuntimeKnowledgeBase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kb, ok := m.kbs[kbUUID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKBNotFound, kbUUID)
	}
	return kb, nil
}

// List returns all loaded KBs.
func (m *Manager) List() []*RuntimeKnowledgeBase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RuntimeKnowledgeBase, 0, len(m.kbs))
	for _, kb := range m.kbs {
		out = append(out, kb)
	}
	return out
}

// Create validates the engine plugin, persists the KB, loads it and
// notifies the engine. Engine failure rolls the KB back entirely. An
// empty RAGEnginePluginID creates a local KB served by the retriever;
// no engine is consulted.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*RuntimeKnowledgeBase, error) {
	if params.RAGEnginePluginID != "" {
		if m.engine == nil {
			return nil, fmt.Errorf("knowledge: check engine: %w", ErrEngineUnavailable)
		}
		ok, err := m.engine.HasEngine(ctx, params.RAGEnginePluginID)
		if err != nil {
			return nil, fmt.Errorf("knowledge: check engine: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, params.RAGEnginePluginID)
		}
	}

	rec := &persistence.KnowledgeBase{
		UUID:               uuid.New().String(),
		Name:               params.Name,
		Description:        params.Description,
		EmbeddingModelUUID: params.EmbeddingModelUUID,
		TopK:               params.TopK,
		RAGEnginePluginID:  params.RAGEnginePluginID,
		CreationSettings:   params.CreationSettings,
		CreatedAt:          time.Now(),
	}
	rec.CollectionID = rec.UUID

	if err := m.stores.KnowledgeBases.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("knowledge: persist kb: %w", err)
	}

	kb := &RuntimeKnowledgeBase{Record: rec}
	m.mu.Lock()
	m.kbs[rec.UUID] = kb
	m.mu.Unlock()

	if rec.RAGEnginePluginID == "" {
		return kb, nil
	}
	if err := m.engine.OnKBCreate(ctx, rec.RAGEnginePluginID, rec.UUID, rec.CreationSettings); err != nil {
		m.mu.Lock()
		delete(m.kbs, rec.UUID)
		m.mu.Unlock()
		if derr := m.stores.KnowledgeBases.Delete(ctx, rec.UUID); derr != nil {
			m.logWarn(ctx, "kb rollback failed", "kb", rec.UUID, "error", derr)
		}
		return nil, fmt.Errorf("knowledge: engine rejected kb: %w", err)
	}
	return kb, nil
}

// Delete removes the KB row and runtime entry first, then notifies the
// engine; engine failure is logged but not rolled back so the UI stays
// consistent.
func (m *Manager) Delete(ctx context.Context, kbUUID string) error {
	kb, err := m.Get(kbUUID)
	if err != nil {
		return err
	}

	if err := m.stores.KnowledgeBases.Delete(ctx, kbUUID); err != nil {
		return fmt.Errorf("knowledge: delete kb row: %w", err)
	}
	m.mu.Lock()
	delete(m.kbs, kbUUID)
	m.mu.Unlock()

	if m.engine != nil && kb.Record.RAGEnginePluginID != "" {
		if err := m.engine.OnKBDelete(ctx, kb.Record.RAGEnginePluginID, kbUUID); err != nil {
			m.logWarn(ctx, "engine kb delete failed", "kb", kbUUID, "error", err)
		}
	}
	return nil
}

// StoreUpload writes uploaded bytes to blob storage under a fresh id
// and returns the id. Ingest picks the blob up from there.
func (m *Manager) StoreUpload(data []byte) (string, error) {
	id := uuid.New().String()
	if err := m.blobs.Put(id, data); err != nil {
		return "", err
	}
	return id, nil
}

// IngestFile accepts a previously uploaded blob for the KB. ZIP inputs
// are expanded member by member; each supported member becomes its own
// file with its own ingest task. Returns the created file ids.
func (m *Manager) IngestFile(ctx context.Context, kbUUID, blobID, fileName string) ([]string, error) {
	kb, err := m.Get(kbUUID)
	if err != nil {
		return nil, err
	}
	if err := m.requireDocIngestion(ctx, kb); err != nil {
		return nil, err
	}
	if !m.blobs.Exists(blobID) {
		return nil, fmt.Errorf("%w: %s", ErrBlobMissing, blobID)
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(fileName)), ".")
	if ext == "zip" {
		return m.ingestZip(ctx, kb, blobID, fileName)
	}
	if !supportedExtensions[ext] {
		_ = m.blobs.Delete(blobID)
		return nil, fmt.Errorf("%w: .%s", ErrUnsupportedFile, ext)
	}

	fileID, err := m.startIngest(ctx, kb, blobID, fileName, ext)
	if err != nil {
		return nil, err
	}
	return []string{fileID}, nil
}

// ingestZip expands the archive, storing each supported member under a
// fresh blob id and ingesting it individually.
func (m *Manager) ingestZip(ctx context.Context, kb *RuntimeKnowledgeBase, blobID, fileName string) ([]string, error) {
	defer m.blobs.Delete(blobID)

	data, err := m.blobs.Get(blobID)
	if err != nil {
		return nil, err
	}
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("knowledge: open zip %s: %w", fileName, err)
	}

	var fileIDs []string
	for _, member := range reader.File {
		if member.FileInfo().IsDir() {
			continue
		}
		// Apple zips carry resource-fork shadows.
		if strings.HasPrefix(member.Name, "__MACOSX") {
			continue
		}
		base := path.Base(member.Name)
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(base)), ".")
		if !supportedExtensions[ext] {
			m.logDebug(ctx, "skipping unsupported zip member", "member", member.Name)
			continue
		}

		rc, err := member.Open()
		if err != nil {
			return nil, fmt.Errorf("knowledge: open zip member %s: %w", member.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("knowledge: read zip member %s: %w", member.Name, err)
		}

		memberBlobID, err := m.StoreUpload(content)
		if err != nil {
			return nil, err
		}
		fileID, err := m.startIngest(ctx, kb, memberBlobID, base, ext)
		if err != nil {
			return nil, err
		}
		fileIDs = append(fileIDs, fileID)
	}

	if len(fileIDs) == 0 {
		return nil, ErrNoSupportedFiles
	}
	return fileIDs, nil
}

// startIngest persists the pending file row and launches the async
// ingest task. The blob id doubles as the file id so the task can find
// its bytes.
func (m *Manager) startIngest(ctx context.Context, kb *RuntimeKnowledgeBase, blobID, fileName, ext string) (string, error) {
	row := &persistence.KnowledgeBaseFile{
		UUID:      blobID,
		KBID:      kb.Record.UUID,
		FileName:  fileName,
		Extension: ext,
		Status:    persistence.FileStatusPending,
		CreatedAt: time.Now(),
	}
	if err := m.stores.Files.Create(ctx, row); err != nil {
		_ = m.blobs.Delete(blobID)
		return "", fmt.Errorf("knowledge: persist file row: %w", err)
	}

	m.ingests.Add(1)
	go m.runIngest(kb, row)
	return row.UUID, nil
}

func (m *Manager) runIngest(kb *RuntimeKnowledgeBase, row *persistence.KnowledgeBaseFile) {
	defer m.ingests.Done()

	// The task outlives the upload request.
	ctx := context.Background()

	// The blob is gone after the task regardless of outcome.
	defer m.blobs.Delete(row.UUID)

	if err := m.stores.Files.UpdateStatus(ctx, row.UUID, persistence.FileStatusProcessing); err != nil {
		m.logWarn(ctx, "file status update failed", "file", row.UUID, "error", err)
		return
	}

	chunking := "fixed_size"
	if cs, ok := kb.Record.CreationSettings["chunking_strategy"].(string); ok && cs != "" {
		chunking = cs
	}

	err := m.engine.Ingest(ctx, kb.Record.RAGEnginePluginID, IngestContext{
		FileID:           row.UUID,
		FileName:         row.FileName,
		Extension:        row.Extension,
		StoragePath:      m.blobs.Path(row.UUID),
		KBID:             kb.Record.UUID,
		CollectionID:     kb.Record.CollectionID,
		ChunkingStrategy: chunking,
		CreationSettings: kb.Record.CreationSettings,
	})

	status := persistence.FileStatusCompleted
	if err != nil {
		status = persistence.FileStatusFailed
		m.logWarn(ctx, "file ingest failed", "file", row.UUID, "kb", kb.Record.UUID, "error", err)
	}
	if uerr := m.stores.Files.UpdateStatus(ctx, row.UUID, status); uerr != nil {
		m.logWarn(ctx, "file status update failed", "file", row.UUID, "error", uerr)
	}
}

// WaitIngests blocks until all in-flight ingest tasks finish.
func (m *Manager) WaitIngests() {
	m.ingests.Wait()
}

// Retrieve queries the KB's engine, or the local retriever for KBs
// without an engine plugin. topKOverride of zero uses the KB default.
func (m *Manager) Retrieve(ctx context.Context, kbUUID, query string, topKOverride int, retrievalSettings map[string]any) ([]retriever.Result, error) {
	kb, err := m.Get(kbUUID)
	if err != nil {
		return nil, err
	}
	if kb.Record.RAGEnginePluginID == "" {
		return m.retrieveLocal(ctx, kb, query, topKOverride)
	}
	if m.engine == nil {
		return nil, fmt.Errorf("knowledge: retrieve from %s: %w", kbUUID, ErrEngineUnavailable)
	}
	results, err := m.engine.Retrieve(ctx, kb.Record.RAGEnginePluginID, RetrieveContext{
		Query:             query,
		KBID:              kb.Record.UUID,
		CollectionID:      kb.Record.CollectionID,
		TopK:              kb.EffectiveTopK(topKOverride),
		RetrievalSettings: retrievalSettings,
		CreationSettings:  kb.Record.CreationSettings,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: retrieve from %s: %w", kbUUID, err)
	}
	return results, nil
}

// ListFiles lists the KB's file rows.
func (m *Manager) ListFiles(ctx context.Context, kbUUID string) ([]*persistence.KnowledgeBaseFile, error) {
	if _, err := m.Get(kbUUID); err != nil {
		return nil, err
	}
	return m.stores.Files.ListByKB(ctx, kbUUID)
}

// DeleteFile removes the document from the engine, then the local row.
func (m *Manager) DeleteFile(ctx context.Context, kbUUID, fileID string) error {
	kb, err := m.Get(kbUUID)
	if err != nil {
		return err
	}
	if err := m.requireDocIngestion(ctx, kb); err != nil {
		return err
	}
	if err := m.engine.DeleteDocument(ctx, kb.Record.RAGEnginePluginID, fileID, kbUUID); err != nil {
		return fmt.Errorf("knowledge: engine delete document: %w", err)
	}
	return m.stores.Files.Delete(ctx, fileID)
}

// retrieveLocal serves KBs with no engine plugin through the retriever
// over the vector store.
func (m *Manager) retrieveLocal(ctx context.Context, kb *RuntimeKnowledgeBase, query string, topKOverride int) ([]retriever.Result, error) {
	if m.retriever == nil {
		return nil, fmt.Errorf("knowledge: retrieve from %s: %w", kb.Record.UUID, ErrNoRetriever)
	}
	results, err := m.retriever.Retrieve(ctx, retriever.Request{
		Collection:         kb.Record.CollectionID,
		EmbeddingModelUUID: kb.Record.EmbeddingModelUUID,
		Query:              query,
		TopK:               kb.EffectiveTopK(topKOverride),
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: retrieve from %s: %w", kb.Record.UUID, err)
	}
	return results, nil
}

func (m *Manager) requireDocIngestion(ctx context.Context, kb *RuntimeKnowledgeBase) error {
	if kb.Record.RAGEnginePluginID == "" {
		return fmt.Errorf("%w: knowledge base %s has no rag engine plugin", ErrNoDocIngestion, kb.Record.UUID)
	}
	if m.engine == nil {
		return ErrEngineUnavailable
	}
	caps, err := m.engine.Capabilities(ctx, kb.Record.RAGEnginePluginID)
	if err != nil {
		return fmt.Errorf("knowledge: read engine capabilities: %w", err)
	}
	for _, c := range caps {
		if c == CapDocIngestion {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoDocIngestion, kb.Record.RAGEnginePluginID)
}

func (m *Manager) logWarn(ctx context.Context, msg string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(ctx, msg, args...)
	}
}

func (m *Manager) logDebug(ctx context.Context, msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(ctx, msg, args...)
	}
}
