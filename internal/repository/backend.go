package repository

import (
	"context"
	"time"

	"github.com/dashboard-autoreload/renderproxy/internal/model"
)

// Backend persists the full, ordered link list. Save always rewrites the
// whole list.
type Backend interface {
	Load(ctx context.Context) ([]*model.Link, error)
	Save(ctx context.Context, links []*model.Link) error
	Close() error
}

// sanitizeLinks drops records without a usable id or url, re-normalizes urls,
// keeps the first record for each id and each normalized url, and fills in a
// missing creation time.
func sanitizeLinks(links []*model.Link, now time.Time) []*model.Link {
	seen := make(map[string]bool, len(links))
	seenURL := make(map[string]bool, len(links))
	out := make([]*model.Link, 0, len(links))
	for _, l := range links {
		if l == nil {
			continue
		}
		id := model.SanitizeID(l.ID)
		u, err := model.NormalizeURL(l.URL)
		if id == "" || err != nil {
			continue
		}
		if seen[id] || seenURL[u] {
			continue
		}
		seen[id] = true
		seenURL[u] = true

		createdAt := l.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		out = append(out, &model.Link{ID: id, URL: u, CreatedAt: createdAt})
	}
	return out
}
