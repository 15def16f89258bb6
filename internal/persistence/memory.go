package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// NewMemoryStoreSet builds a fully in-memory store set, used by tests
// and by ephemeral debug deployments.
func NewMemoryStoreSet() StoreSet {
	return StoreSet{
		KnowledgeBases: NewMemoryKnowledgeBaseStore(),
		Files:          NewMemoryFileStore(),
		Pipelines:      NewMemoryPipelineStore(),
		PluginSettings: NewMemoryPluginSettingStore(),
		Binary:         NewMemoryBinaryStore(),
	}
}

// MemoryKnowledgeBaseStore provides an in-memory KnowledgeBaseStore.
type MemoryKnowledgeBaseStore struct {
	mu  sync.RWMutex
	kbs map[string]*KnowledgeBase
}

func NewMemoryKnowledgeBaseStore() *MemoryKnowledgeBaseStore {
	return &MemoryKnowledgeBaseStore{kbs: make(map[string]*KnowledgeBase)}
}

func (s *MemoryKnowledgeBaseStore) Create(ctx context.Context, kb *KnowledgeBase) error {
	if kb == nil || kb.UUID == "" {
		return fmt.Errorf("knowledge base uuid is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.kbs[kb.UUID]; exists {
		return ErrAlreadyExists
	}
	s.kbs[kb.UUID] = kb
	return nil
}

func (s *MemoryKnowledgeBaseStore) Get(ctx context.Context, uuid string) (*KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kb, ok := s.kbs[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	return kb, nil
}

func (s *MemoryKnowledgeBaseStore) List(ctx context.Context) ([]*KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*KnowledgeBase, 0, len(s.kbs))
	for _, kb := range s.kbs {
		out = append(out, kb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryKnowledgeBaseStore) Delete(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kbs, uuid)
	return nil
}

// MemoryFileStore provides an in-memory FileStore.
type MemoryFileStore struct {
	mu    sync.RWMutex
	files map[string]*KnowledgeBaseFile
}

func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{files: make(map[string]*KnowledgeBaseFile)}
}

func (s *MemoryFileStore) Create(ctx context.Context, f *KnowledgeBaseFile) error {
	if f == nil || f.UUID == "" {
		return fmt.Errorf("file uuid is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.files[f.UUID]; exists {
		return ErrAlreadyExists
	}
	cp := *f
	s.files[f.UUID] = &cp
	return nil
}

func (s *MemoryFileStore) Get(ctx context.Context, uuid string) (*KnowledgeBaseFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryFileStore) ListByKB(ctx context.Context, kbID string) ([]*KnowledgeBaseFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*KnowledgeBaseFile{}
	for _, f := range s.files {
		if f.KBID == kbID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryFileStore) UpdateStatus(ctx context.Context, uuid, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[uuid]
	if !ok {
		return ErrNotFound
	}
	f.Status = status
	return nil
}

func (s *MemoryFileStore) Delete(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, uuid)
	return nil
}

// MemoryPipelineStore provides an in-memory PipelineStore.
type MemoryPipelineStore struct {
	mu        sync.RWMutex
	pipelines map[string]*PipelineRecord
}

func NewMemoryPipelineStore() *MemoryPipelineStore {
	return &MemoryPipelineStore{pipelines: make(map[string]*PipelineRecord)}
}

func (s *MemoryPipelineStore) Save(ctx context.Context, p *PipelineRecord) error {
	if p == nil || p.UUID == "" {
		return fmt.Errorf("pipeline uuid is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[p.UUID] = p
	return nil
}

func (s *MemoryPipelineStore) Get(ctx context.Context, uuid string) (*PipelineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *MemoryPipelineStore) List(ctx context.Context) ([]*PipelineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PipelineRecord, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (s *MemoryPipelineStore) Delete(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pipelines, uuid)
	return nil
}

// MemoryPluginSettingStore provides an in-memory PluginSettingStore.
type MemoryPluginSettingStore struct {
	mu       sync.RWMutex
	settings map[string]map[string]any
}

func NewMemoryPluginSettingStore() *MemoryPluginSettingStore {
	return &MemoryPluginSettingStore{settings: make(map[string]map[string]any)}
}

func (s *MemoryPluginSettingStore) Get(ctx context.Context, pluginID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.settings[pluginID]
	if !ok {
		return map[string]any{}, nil
	}
	return settings, nil
}

func (s *MemoryPluginSettingStore) Set(ctx context.Context, pluginID string, settings map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[pluginID] = settings
	return nil
}

// MemoryBinaryStore provides an in-memory BinaryStore.
type MemoryBinaryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBinaryStore() *MemoryBinaryStore {
	return &MemoryBinaryStore{blobs: make(map[string][]byte)}
}

func binaryKey(ownerType, owner, key string) string {
	return ownerType + "\x00" + owner + "\x00" + key
}

func (s *MemoryBinaryStore) Get(ctx context.Context, ownerType, owner, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[binaryKey(ownerType, owner, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return blob, nil
}

func (s *MemoryBinaryStore) Set(ctx context.Context, ownerType, owner, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[binaryKey(ownerType, owner, key)] = value
	return nil
}

func (s *MemoryBinaryStore) Delete(ctx context.Context, ownerType, owner, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, binaryKey(ownerType, owner, key))
	return nil
}
