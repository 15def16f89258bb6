package vdb

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/langbot-app/LangBot/internal/config"
)

func TestSafeName(t *testing.T) {
	got := safeName("0b8c2e4f-9d1a-4c3b-8e7f-aaaa0000bbbb")
	want := "0b8c2e4f_9d1a_4c3b_8e7f_aaaa0000bbbb"
	if got != want {
		t.Fatalf("safeName = %q, want %q", got, want)
	}
}

func TestValidateBatch(t *testing.T) {
	ids := []string{"a", "b"}
	vecs := [][]float32{{1, 0}, {0, 1}}
	metas := []map[string]any{{"file_id": "f1"}, {"file_id": "f2"}}

	if err := validateBatch(ids, vecs, metas, 2); err != nil {
		t.Fatalf("valid batch rejected: %v", err)
	}

	if err := validateBatch(ids[:1], vecs, metas, 2); err == nil {
		t.Fatal("length mismatch accepted")
	}
	if err := validateBatch(ids, vecs, metas, 3); err == nil {
		t.Fatal("dimension mismatch accepted")
	}
	badMeta := []map[string]any{{"text": "x"}, {}}
	if err := validateBatch(ids, vecs, badMeta, 2); err == nil {
		t.Fatal("reserved metadata key accepted")
	}
	ctrlMeta := []map[string]any{{"a\x00b": "x"}, {}}
	if err := validateBatch(ids, vecs, ctrlMeta, 2); err == nil {
		t.Fatal("control character in metadata key accepted")
	}
}

func TestCapabilitySet(t *testing.T) {
	cs := NewCapabilitySet(CapVector, CapHybrid)
	if !cs.Has(CapVector) || !cs.Has(CapHybrid) {
		t.Fatal("declared capabilities missing")
	}
	if cs.Has(CapFulltext) {
		t.Fatal("undeclared capability present")
	}
}

func TestCosineDistance(t *testing.T) {
	if d := cosineDistance([]float32{1, 0}, []float32{1, 0}); d > 1e-6 {
		t.Fatalf("identical vectors distance = %v", d)
	}
	if d := cosineDistance([]float32{1, 0}, []float32{0, 1}); math.Abs(float64(d)-1) > 1e-6 {
		t.Fatalf("orthogonal vectors distance = %v, want 1", d)
	}
	if d := cosineDistance([]float32{1, 0}, []float32{-1, 0}); math.Abs(float64(d)-2) > 1e-6 {
		t.Fatalf("opposite vectors distance = %v, want 2", d)
	}
	if d := cosineDistance([]float32{0, 0}, []float32{1, 0}); d != 1 {
		t.Fatalf("zero vector distance = %v, want 1", d)
	}
}

func TestNormalize(t *testing.T) {
	res := &SearchResult{
		IDs:       []string{"a", "b"},
		Distances: []float32{0, 1},
		Metadatas: []map[string]any{{"file_id": "f"}, {}},
		Documents: []string{"doc a", "doc b"},
	}
	entries := Normalize(res)
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Score <= entries[1].Score {
		t.Fatal("closer hit should score higher")
	}
	if entries[0].Document != "doc a" || entries[0].Metadata["file_id"] != "f" {
		t.Fatal("entry fields lost in normalization")
	}
	if Normalize(nil) != nil {
		t.Fatal("nil result should normalize to nil")
	}
}

func TestSQLiteVecRoundTrip(t *testing.T) {
	db, err := NewSQLiteVec(t.TempDir()+"/vec.db", 3, nil)
	if err != nil {
		t.Fatalf("NewSQLiteVec: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	coll := "kb-test"

	if err := db.GetOrCreateCollection(ctx, coll); err != nil {
		t.Fatalf("GetOrCreateCollection: %v", err)
	}

	ids := []string{"c1", "c2", "c3"}
	vecs := [][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}}
	metas := []map[string]any{
		{"file_id": "f1"},
		{"file_id": "f1"},
		{"file_id": "f2"},
	}
	docs := []string{"alpha", "beta", "gamma"}
	if err := db.AddEmbeddings(ctx, coll, ids, vecs, metas, docs); err != nil {
		t.Fatalf("AddEmbeddings: %v", err)
	}

	res, err := db.Search(ctx, coll, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.IDs) != 2 {
		t.Fatalf("got %d hits, want 2", len(res.IDs))
	}
	if res.IDs[0] != "c1" {
		t.Fatalf("nearest hit = %s, want c1", res.IDs[0])
	}
	if res.Documents[0] != "alpha" {
		t.Fatalf("document = %q", res.Documents[0])
	}
	if res.Distances[0] > res.Distances[1] {
		t.Fatal("hits not ordered by distance")
	}

	if _, err := db.SearchFulltext(ctx, coll, "alpha", 2); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("fulltext should be unsupported, got %v", err)
	}
	if _, err := db.SearchHybrid(ctx, coll, vecs[0], "alpha", 2); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("hybrid should be unsupported, got %v", err)
	}

	if err := db.DeleteByFileID(ctx, coll, "f1"); err != nil {
		t.Fatalf("DeleteByFileID: %v", err)
	}
	res, err = db.Search(ctx, coll, []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search after delete: %v", err)
	}
	for _, meta := range res.Metadatas {
		if meta["file_id"] == "f1" {
			t.Fatal("rows for deleted file id survived")
		}
	}
	if len(res.IDs) != 1 || res.IDs[0] != "c3" {
		t.Fatalf("expected only c3 left, got %v", res.IDs)
	}

	if err := db.DeleteCollection(ctx, coll); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
	res, err = db.Search(ctx, coll, []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search after drop: %v", err)
	}
	if len(res.IDs) != 0 {
		t.Fatal("collection not emptied")
	}
}

func TestManagerConfigShapes(t *testing.T) {
	dir := t.TempDir()

	// Shape (a): single default backend via use.
	cfg := &config.VDBConfig{
		Use:       "sqlitevec",
		SQLiteVec: config.SQLiteVecConfig{Path: dir + "/a.db", Dimension: 3},
	}
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager(use): %v", err)
	}
	if m.Default() == nil {
		t.Fatal("default backend missing")
	}
	m.Close()

	// Shape (b): list of types; duplicates share one instance.
	cfg = &config.VDBConfig{
		Databases: []any{"sqlitevec", "sqlitevec"},
		SQLiteVec: config.SQLiteVecConfig{Path: dir + "/b.db", Dimension: 3},
	}
	m, err = NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager(list): %v", err)
	}
	first, _ := m.Get("sqlitevec")
	if first == nil || first != m.Default() {
		t.Fatal("list-configured backend not shared with default")
	}
	m.Close()

	// Shape (c): named instances.
	cfg = &config.VDBConfig{
		Databases: map[string]any{
			"main": map[string]any{"type": "sqlitevec"},
		},
		SQLiteVec: config.SQLiteVecConfig{Path: dir + "/c.db", Dimension: 3},
	}
	m, err = NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager(object): %v", err)
	}
	if db, ok := m.Get("main"); !ok || db == nil {
		t.Fatal("named backend missing")
	}
	m.Close()

	// Unknown type fails.
	cfg = &config.VDBConfig{Use: "milvus"}
	if _, err := NewManager(cfg, nil); err == nil {
		t.Fatal("unknown backend type accepted")
	}
}

func TestManagerFilterDeleteUnsupported(t *testing.T) {
	m := &Manager{}
	err := m.DeleteByFilter(context.Background(), "c", map[string]any{"k": "v"})
	if !errors.Is(err, ErrFilterDeleteUnsupported) {
		t.Fatalf("expected ErrFilterDeleteUnsupported, got %v", err)
	}
}

func TestManagerUpsertSearch(t *testing.T) {
	cfg := &config.VDBConfig{
		Use:       "sqlitevec",
		SQLiteVec: config.SQLiteVecConfig{Path: t.TempDir() + "/m.db", Dimension: 2},
	}
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	err = m.Upsert(ctx, "kb-1",
		[]string{"x"}, [][]float32{{1, 0}},
		[]map[string]any{{"file_id": "f"}}, []string{"hello"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	entries, err := m.Search(ctx, "kb-1", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "x" || entries[0].Document != "hello" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
