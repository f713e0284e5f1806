package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"estimator/api/internal/jobdoc"
)

// Cache keeps the last local copy of the document. Inline file data is
// stripped before writing.
type Cache interface {
	Load(ctx context.Context) (jobdoc.Document, bool, error)
	Store(ctx context.Context, doc jobdoc.Document) error
}

// FileCache stores the document as JSON at one path.
type FileCache struct {
	path string
	mu   sync.Mutex
}

func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

func (c *FileCache) Load(context.Context) (jobdoc.Document, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return jobdoc.Document{}, false, nil
	}
	if err != nil {
		return jobdoc.Document{}, false, fmt.Errorf("read cache: %w", err)
	}
	var doc jobdoc.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return jobdoc.Document{}, false, fmt.Errorf("decode cache: %w", err)
	}
	doc.Normalize()
	return doc, true, nil
}

func (c *FileCache) Store(_ context.Context, doc jobdoc.Document) error {
	raw, err := json.Marshal(doc.WithoutBinary())
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}

// MemoryCache is a Cache for tests and short-lived tabs.
type MemoryCache struct {
	mu  sync.Mutex
	doc *jobdoc.Document
}

func (c *MemoryCache) Load(context.Context) (jobdoc.Document, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		return jobdoc.Document{}, false, nil
	}
	return c.doc.Clone(), true, nil
}

func (c *MemoryCache) Store(_ context.Context, doc jobdoc.Document) error {
	stripped := doc.WithoutBinary()
	c.mu.Lock()
	c.doc = &stripped
	c.mu.Unlock()
	return nil
}
