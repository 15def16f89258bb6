package retriever

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/langbot-app/LangBot/internal/observability"
	"github.com/langbot-app/LangBot/internal/provider"
	"github.com/langbot-app/LangBot/internal/vdb"
)

const (
	// rrfK is the Reciprocal Rank Fusion constant. Each provider
	// contributes 1/(rrfK + rank + 1) per entry it returned.
	rrfK = 60

	// maxCandidateK caps per-provider oversampling.
	maxCandidateK = 30
)

// Retriever fans one query out across its providers and fuses the
// per-provider rankings. With zero providers Retrieve returns empty.
type Retriever struct {
	providers []Provider
	reranker  Reranker
	logger    *observability.Logger
}

// New builds a retriever from an explicit provider list.
func New(providers []Provider, reranker Reranker, logger *observability.Logger) *Retriever {
	return &Retriever{providers: providers, reranker: reranker, logger: logger}
}

// AutoConfigure builds a retriever from the default backend's
// capabilities: hybrid when advertised, vector otherwise. A missing
// manager or backend yields a zero-provider retriever.
func AutoConfigure(manager *vdb.Manager, models *provider.ModelManager, reranker Reranker, logger *observability.Logger) *Retriever {
	if manager == nil {
		if logger != nil {
			logger.Warn(context.Background(), "vdb manager not initialized, retriever has no providers")
		}
		return New(nil, reranker, logger)
	}
	db := manager.Default()
	if db == nil {
		if logger != nil {
			logger.Warn(context.Background(), "no vdb backend configured, retriever has no providers")
		}
		return New(nil, reranker, logger)
	}

	var p Provider
	var err error
	if db.Capabilities().Has(vdb.CapHybrid) {
		p, err = NewHybridProvider(db, models)
	} else {
		p, err = NewVectorProvider(db, models)
	}
	if err != nil {
		if logger != nil {
			logger.Error(context.Background(), "retriever provider setup failed", "error", err)
		}
		return New(nil, reranker, logger)
	}
	return New([]Provider{p}, reranker, logger)
}

// Providers returns the configured provider count.
func (r *Retriever) Providers() int {
	return len(r.providers)
}

// Retrieve returns at most topK fused results, RRF score descending.
// When a reranker is configured it consumes the full fused list and
// its order wins.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]Result, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}
	if len(r.providers) == 0 {
		return []Result{}, nil
	}

	candidateK := topK * 2
	if candidateK > maxCandidateK {
		candidateK = maxCandidateK
	}

	// Fan out, join all. Results stay keyed by provider index so fusion
	// ranks are deterministic regardless of completion order.
	lists := make([][]Result, len(r.providers))
	errs := make([]error, len(r.providers))
	var wg sync.WaitGroup
	for i, p := range r.providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			lists[i], errs[i] = p.Retrieve(ctx, req, candidateK)
		}(i, p)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	fused := fuse(lists)

	if r.reranker != nil {
		reranked, err := r.reranker.Rerank(ctx, req.Query, fused)
		if err != nil {
			return nil, err
		}
		return reranked, nil
	}

	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused, nil
}

// fuse merges provider rankings with Reciprocal Rank Fusion. Ties keep
// first-seen order; each entry's fused score is recorded under the
// rrf_score metadata key.
func fuse(lists [][]Result) []Result {
	type scored struct {
		result Result
		score  float64
		seen   int
	}
	byID := map[string]*scored{}
	order := 0

	for _, list := range lists {
		for rank, res := range list {
			entry, ok := byID[res.ID]
			if !ok {
				entry = &scored{result: res, seen: order}
				order++
				byID[res.ID] = entry
			}
			entry.score += 1 / float64(rrfK+rank+1)
		}
	}

	all := make([]*scored, 0, len(byID))
	for _, entry := range byID {
		all = append(all, entry)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].seen < all[j].seen
	})

	out := make([]Result, 0, len(all))
	for _, entry := range all {
		res := entry.result
		if res.Metadata == nil {
			res.Metadata = map[string]any{}
		}
		res.Metadata["rrf_score"] = entry.score
		out = append(out, res)
	}
	return out
}
