// Package vdb is the uniform vector database layer. Backends differ in
// capability; callers discover what a backend can do via Capabilities
// and fail fast when a required search mode is missing.
package vdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Capability names a search mode a backend supports. Vector is always
// present; fulltext and hybrid are backend-specific.
type Capability string

const (
	CapVector   Capability = "vector"
	CapFulltext Capability = "fulltext"
	CapHybrid   Capability = "hybrid"
)

// CapabilitySet is the set of capabilities a backend advertises.
type CapabilitySet map[Capability]struct{}

// Has reports whether the capability is present.
func (cs CapabilitySet) Has(c Capability) bool {
	_, ok := cs[c]
	return ok
}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	cs := make(CapabilitySet, len(caps))
	for _, c := range caps {
		cs[c] = struct{}{}
	}
	return cs
}

// ErrUnsupported marks an operation the backend does not implement.
var ErrUnsupported = errors.New("vdb: operation unsupported by backend")

// SearchResult is the raw result of one search call. Slices are
// parallel: IDs[i], Distances[i], Metadatas[i] and Documents[i] (when
// non-nil) describe one hit, best first.
type SearchResult struct {
	IDs       []string
	Distances []float32
	Metadatas []map[string]any
	Documents []string
}

// VectorDatabase is one configured backend. Collection names may be
// UUID-shaped; SQL backends sanitize them internally and callers stay
// UUID-agnostic.
type VectorDatabase interface {
	// GetOrCreateCollection is idempotent; a no-op when the collection
	// exists.
	GetOrCreateCollection(ctx context.Context, name string) error

	// AddEmbeddings inserts rows. ids, vectors and metadatas must have
	// equal length, all vectors the collection's dimension. The "text"
	// metadata key is reserved; document text travels in documents.
	AddEmbeddings(ctx context.Context, collection string, ids []string, vectors [][]float32, metadatas []map[string]any, documents []string) error

	// Search runs nearest-neighbor search. Empty result when the
	// collection is absent.
	Search(ctx context.Context, collection string, vector []float32, k int) (*SearchResult, error)

	// SearchFulltext runs keyword search; ErrUnsupported unless the
	// backend advertises CapFulltext.
	SearchFulltext(ctx context.Context, collection, query string, k int) (*SearchResult, error)

	// SearchHybrid runs combined search with backend-native fusion;
	// ErrUnsupported unless the backend advertises CapHybrid.
	SearchHybrid(ctx context.Context, collection string, vector []float32, query string, k int) (*SearchResult, error)

	// DeleteByFileID removes rows whose metadata file_id matches.
	DeleteByFileID(ctx context.Context, collection, fileID string) error

	DeleteCollection(ctx context.Context, collection string) error

	Capabilities() CapabilitySet

	Close() error
}

// validateBatch enforces the AddEmbeddings preconditions shared by all
// backends.
func validateBatch(ids []string, vectors [][]float32, metadatas []map[string]any, dimension int) error {
	if len(ids) != len(vectors) || len(ids) != len(metadatas) {
		return fmt.Errorf("vdb: batch length mismatch: %d ids, %d vectors, %d metadatas", len(ids), len(vectors), len(metadatas))
	}
	for i, vec := range vectors {
		if dimension > 0 && len(vec) != dimension {
			return fmt.Errorf("vdb: vector %d dimension %d, collection dimension %d", i, len(vec), dimension)
		}
	}
	for i, md := range metadatas {
		for key := range md {
			if key == "text" {
				return fmt.Errorf("vdb: metadata %d uses reserved key %q", i, "text")
			}
			if !jsonSafeKey(key) {
				return fmt.Errorf("vdb: metadata %d key %q contains control characters", i, key)
			}
		}
	}
	return nil
}

func jsonSafeKey(key string) bool {
	for _, r := range key {
		if r == 0 {
			return false
		}
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// safeName maps a collection name to a SQL-safe identifier fragment.
// Hyphens become underscores so UUID-shaped names work as table names.
func safeName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}
