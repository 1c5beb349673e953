package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dashboard-autoreload/renderproxy/internal/model"
)

// FileBackend stores the link list as a JSON array in a single file.
type FileBackend struct {
	path string
}

// linkRecord is the on-disk shape of a link; createdAt is Unix milliseconds.
type linkRecord struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	CreatedAt int64  `json:"createdAt"`
}

// storedRecord is a linkRecord as read back. Older files may omit
// createdAt or hold a non-numeric value there.
type storedRecord struct {
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	CreatedAt json.RawMessage `json:"createdAt"`
}

// NewFileBackend creates a FileBackend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Load reads the link list. A missing file is an empty list.
func (b *FileBackend) Load(ctx context.Context) ([]*model.Link, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", model.ErrStorage, b.path, err)
	}

	var records []storedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", model.ErrStorage, b.path, err)
	}

	links := make([]*model.Link, 0, len(records))
	for _, r := range records {
		l := &model.Link{ID: r.ID, URL: r.URL}
		if ms, ok := parseMillis(r.CreatedAt); ok {
			l.CreatedAt = time.UnixMilli(ms)
		}
		links = append(links, l)
	}
	return links, nil
}

// parseMillis reads a JSON number of Unix milliseconds. Zero and negative
// values are kept; null, strings and a missing field are not.
func parseMillis(raw json.RawMessage) (int64, bool) {
	var ms *float64
	if len(raw) == 0 || json.Unmarshal(raw, &ms) != nil || ms == nil {
		return 0, false
	}
	return int64(*ms), true
}

// Save rewrites the file atomically through a temp file and rename.
func (b *FileBackend) Save(ctx context.Context, links []*model.Link) error {
	records := make([]linkRecord, 0, len(links))
	for _, l := range links {
		records = append(records, linkRecord{ID: l.ID, URL: l.URL, CreatedAt: l.CreatedAtMillis()})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", model.ErrStorage, err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create dir: %v", model.ErrStorage, err)
	}

	tmp, err := os.CreateTemp(dir, ".links-*.json")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", model.ErrStorage, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write: %v", model.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close: %v", model.ErrStorage, err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename: %v", model.ErrStorage, err)
	}
	return nil
}

// Close is a no-op for the file backend.
func (b *FileBackend) Close() error {
	return nil
}
