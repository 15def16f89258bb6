package retriever

import (
	"context"
	"fmt"

	"github.com/langbot-app/LangBot/internal/provider"
	"github.com/langbot-app/LangBot/internal/vdb"
)

// VectorProvider embeds the query and runs nearest-neighbor search.
type VectorProvider struct {
	db     vdb.VectorDatabase
	models *provider.ModelManager
}

// NewVectorProvider fails fast when the backend lacks vector search.
func NewVectorProvider(db vdb.VectorDatabase, models *provider.ModelManager) (*VectorProvider, error) {
	if !db.Capabilities().Has(vdb.CapVector) {
		return nil, fmt.Errorf("retriever: backend lacks %s capability", vdb.CapVector)
	}
	return &VectorProvider{db: db, models: models}, nil
}

func (p *VectorProvider) Type() string { return "vector" }

func (p *VectorProvider) Retrieve(ctx context.Context, req Request, k int) ([]Result, error) {
	vec, err := embedQuery(ctx, p.models, req)
	if err != nil {
		return nil, err
	}
	res, err := p.db.Search(ctx, req.Collection, vec, k)
	if err != nil {
		return nil, fmt.Errorf("retriever: vector search: %w", err)
	}
	return fromSearchResult(res), nil
}

// FulltextProvider runs keyword search; no embedding involved.
type FulltextProvider struct {
	db vdb.VectorDatabase
}

// NewFulltextProvider fails fast when the backend lacks fulltext.
func NewFulltextProvider(db vdb.VectorDatabase) (*FulltextProvider, error) {
	if !db.Capabilities().Has(vdb.CapFulltext) {
		return nil, fmt.Errorf("retriever: backend lacks %s capability", vdb.CapFulltext)
	}
	return &FulltextProvider{db: db}, nil
}

func (p *FulltextProvider) Type() string { return "fulltext" }

func (p *FulltextProvider) Retrieve(ctx context.Context, req Request, k int) ([]Result, error) {
	res, err := p.db.SearchFulltext(ctx, req.Collection, req.Query, k)
	if err != nil {
		return nil, fmt.Errorf("retriever: fulltext search: %w", err)
	}
	return fromSearchResult(res), nil
}

// HybridProvider embeds the query and uses backend-native fusion.
type HybridProvider struct {
	db     vdb.VectorDatabase
	models *provider.ModelManager
}

// NewHybridProvider fails fast when the backend lacks hybrid search.
func NewHybridProvider(db vdb.VectorDatabase, models *provider.ModelManager) (*HybridProvider, error) {
	if !db.Capabilities().Has(vdb.CapHybrid) {
		return nil, fmt.Errorf("retriever: backend lacks %s capability", vdb.CapHybrid)
	}
	return &HybridProvider{db: db, models: models}, nil
}

func (p *HybridProvider) Type() string { return "hybrid" }

func (p *HybridProvider) Retrieve(ctx context.Context, req Request, k int) ([]Result, error) {
	vec, err := embedQuery(ctx, p.models, req)
	if err != nil {
		return nil, err
	}
	res, err := p.db.SearchHybrid(ctx, req.Collection, vec, req.Query, k)
	if err != nil {
		return nil, fmt.Errorf("retriever: hybrid search: %w", err)
	}
	return fromSearchResult(res), nil
}

// embedQuery resolves the KB's embedding model and embeds the query.
func embedQuery(ctx context.Context, models *provider.ModelManager, req Request) ([]float32, error) {
	if models == nil {
		return nil, fmt.Errorf("retriever: no model manager configured")
	}
	model, err := models.GetEmbedding(req.EmbeddingModelUUID)
	if err != nil {
		return nil, fmt.Errorf("retriever: resolve embedding model: %w", err)
	}
	vecs, err := model.Requester.InvokeEmbedding(ctx, model, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("retriever: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("retriever: expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

// fromSearchResult converts the backend's parallel slices to results,
// reading document text from documents or the metadata text key.
func fromSearchResult(res *vdb.SearchResult) []Result {
	if res == nil {
		return nil
	}
	out := make([]Result, 0, len(res.IDs))
	for i, id := range res.IDs {
		meta := map[string]any{}
		if i < len(res.Metadatas) && res.Metadatas[i] != nil {
			meta = res.Metadatas[i]
		}
		text := ""
		if i < len(res.Documents) {
			text = res.Documents[i]
		}
		if text == "" {
			if t, ok := meta["text"].(string); ok {
				text = t
			}
		}
		distance := float32(0)
		if i < len(res.Distances) {
			distance = res.Distances[i]
		}
		out = append(out, TextResult(id, text, meta, distance))
	}
	return out
}
