package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/langbot-app/LangBot/internal/provider"
)

// SimpleReranker reorders fused results by cosine similarity between
// the query and each chunk's text, embedded in one batch call against a
// fixed embedding model. Distance is overwritten with the similarity.
type SimpleReranker struct {
	models    *provider.ModelManager
	modelUUID string
}

// NewSimpleReranker binds the reranker to an embedding model uuid.
func NewSimpleReranker(models *provider.ModelManager, modelUUID string) *SimpleReranker {
	return &SimpleReranker{models: models, modelUUID: modelUUID}
}

func (r *SimpleReranker) Rerank(ctx context.Context, query string, results []Result) ([]Result, error) {
	if len(results) == 0 {
		return results, nil
	}
	if r.models == nil {
		return nil, fmt.Errorf("rerank: no model manager configured")
	}
	model, err := r.models.GetEmbedding(r.modelUUID)
	if err != nil {
		return nil, fmt.Errorf("rerank: resolve embedding model: %w", err)
	}

	texts := make([]string, 0, len(results)+1)
	texts = append(texts, query)
	for _, res := range results {
		texts = append(texts, res.Text())
	}
	vecs, err := model.Requester.InvokeEmbedding(ctx, model, texts)
	if err != nil {
		return nil, fmt.Errorf("rerank: embed: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("rerank: expected %d embeddings, got %d", len(texts), len(vecs))
	}

	out := make([]Result, len(results))
	copy(out, results)
	for i := range out {
		out[i].Distance = float32(cosine(vecs[0], vecs[i+1]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Distance > out[j].Distance
	})
	return out, nil
}

// cosine returns the cosine similarity, zero for mismatched lengths or
// zero-magnitude vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
