// Package retriever fans a query out across retrieval providers and
// fuses the results with Reciprocal Rank Fusion.
package retriever

import "context"

// ContentElement is one piece of a retrieved chunk's content.
type ContentElement struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is one retrieved chunk. Distance carries the provider's raw
// score; fusion records its score under metadata rrf_score and a
// reranker may overwrite Distance with a relevance score.
type Result struct {
	ID       string           `json:"id"`
	Content  []ContentElement `json:"content"`
	Metadata map[string]any   `json:"metadata"`
	Distance float32          `json:"distance"`
}

// Text flattens the content elements to plain text.
func (r Result) Text() string {
	out := ""
	for _, c := range r.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}

// TextResult builds a Result with a single text content element.
func TextResult(id, text string, metadata map[string]any, distance float32) Result {
	return Result{
		ID:       id,
		Content:  []ContentElement{{Type: "text", Text: text}},
		Metadata: metadata,
		Distance: distance,
	}
}

// Request carries everything a provider needs for one retrieval call.
// Collection is the KB's vector namespace; EmbeddingModelUUID is
// resolved by embedding providers at call time.
type Request struct {
	Collection         string
	EmbeddingModelUUID string
	Query              string
	TopK               int
}

// Provider is one retrieval strategy over one backend.
type Provider interface {
	// Type is one of vector, fulltext, hybrid.
	Type() string

	Retrieve(ctx context.Context, req Request, k int) ([]Result, error)
}

// Reranker reorders a fused result list by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []Result) ([]Result, error)
}
