package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Model abilities gate pipeline behavior: vision controls whether image
// parts survive pre-processing, func_call whether tools are offered.
const (
	AbilityVision   = "vision"
	AbilityFuncCall = "func_call"
)

// RuntimeModel is a configured model instance: credentials, endpoint
// and abilities, bound to the requester for its provider type.
type RuntimeModel struct {
	UUID         string
	Name         string
	ProviderType string
	Model        string
	APIKey       string
	BaseURL      string
	Abilities    []string

	Requester Requester
}

// HasAbility reports whether the model declares the given ability.
func (m *RuntimeModel) HasAbility(ability string) bool {
	for _, a := range m.Abilities {
		if a == ability {
			return true
		}
	}
	return false
}

// ModelManager holds the configured LLM and embedding models keyed by
// uuid. Loading is done at startup and on model config changes; lookups
// happen per query.
type ModelManager struct {
	mu         sync.RWMutex
	llms       map[string]*RuntimeModel
	embeddings map[string]*RuntimeModel
}

// NewModelManager creates an empty model manager.
func NewModelManager() *ModelManager {
	return &ModelManager{
		llms:       make(map[string]*RuntimeModel),
		embeddings: make(map[string]*RuntimeModel),
	}
}

// LoadLLM binds the model to its provider's requester and registers it.
func (mm *ModelManager) LoadLLM(model *RuntimeModel) error {
	req, err := NewRequester(model.ProviderType)
	if err != nil {
		return fmt.Errorf("load llm %s: %w", model.UUID, err)
	}
	model.Requester = req

	mm.mu.Lock()
	mm.llms[model.UUID] = model
	mm.mu.Unlock()
	return nil
}

// LoadEmbedding binds and registers an embedding model.
func (mm *ModelManager) LoadEmbedding(model *RuntimeModel) error {
	req, err := NewRequester(model.ProviderType)
	if err != nil {
		return fmt.Errorf("load embedding model %s: %w", model.UUID, err)
	}
	model.Requester = req

	mm.mu.Lock()
	mm.embeddings[model.UUID] = model
	mm.mu.Unlock()
	return nil
}

// GetLLM looks an LLM up by uuid.
func (mm *ModelManager) GetLLM(uuid string) (*RuntimeModel, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	m, ok := mm.llms[uuid]
	if !ok {
		return nil, fmt.Errorf("llm model not found: %s", uuid)
	}
	return m, nil
}

// GetEmbedding looks an embedding model up by uuid.
func (mm *ModelManager) GetEmbedding(uuid string) (*RuntimeModel, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	m, ok := mm.embeddings[uuid]
	if !ok {
		return nil, fmt.Errorf("embedding model not found: %s", uuid)
	}
	return m, nil
}

// ListLLM returns the registered LLM models, uuid ascending.
func (mm *ModelManager) ListLLM() []*RuntimeModel {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	out := make([]*RuntimeModel, 0, len(mm.llms))
	for _, m := range mm.llms {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// RemoveLLM drops a registered LLM.
func (mm *ModelManager) RemoveLLM(uuid string) {
	mm.mu.Lock()
	delete(mm.llms, uuid)
	mm.mu.Unlock()
}

// RemoveEmbedding drops a registered embedding model.
func (mm *ModelManager) RemoveEmbedding(uuid string) {
	mm.mu.Lock()
	delete(mm.embeddings, uuid)
	mm.mu.Unlock()
}
