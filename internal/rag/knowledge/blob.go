package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
)

// BlobStore is flat local object storage for uploaded file bytes. A
// blob exists only between upload and the end of its ingest task.
type BlobStore struct {
	dir string
}

// NewBlobStore creates the blob directory if needed.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob store: create %s: %w", dir, err)
	}
	return &BlobStore{dir: dir}, nil
}

// Path returns the filesystem path for a blob id.
func (b *BlobStore) Path(id string) string {
	return filepath.Join(b.dir, id)
}

// Put writes blob bytes under id.
func (b *BlobStore) Put(id string, data []byte) error {
	if err := os.WriteFile(b.Path(id), data, 0o644); err != nil {
		return fmt.Errorf("blob store: write %s: %w", id, err)
	}
	return nil
}

// Get reads a blob's bytes.
func (b *BlobStore) Get(id string) ([]byte, error) {
	data, err := os.ReadFile(b.Path(id))
	if err != nil {
		return nil, fmt.Errorf("blob store: read %s: %w", id, err)
	}
	return data, nil
}

// Exists reports whether the blob is present.
func (b *BlobStore) Exists(id string) bool {
	_, err := os.Stat(b.Path(id))
	return err == nil
}

// Delete removes the blob; missing blobs are not an error.
func (b *BlobStore) Delete(id string) error {
	err := os.Remove(b.Path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob store: delete %s: %w", id, err)
	}
	return nil
}
