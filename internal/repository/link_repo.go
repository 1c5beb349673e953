// Package repository implements the link registry: the persisted set of
// stream definitions that survives process restarts.
package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dashboard-autoreload/renderproxy/internal/model"
)

// MaxLinks caps the persisted list; the oldest links are dropped first.
const MaxLinks = 1000

const idLength = 16

// LinkRepository holds the authoritative in-memory link list and rewrites it
// to the backend on every mutation. Writes that fail are logged; the
// in-memory list stays authoritative until the next successful write.
type LinkRepository struct {
	backend Backend
	logger  *zap.Logger

	newID       func() string
	now         func() time.Time
	onSaveError func(error)

	mu    sync.RWMutex
	links []*model.Link
}

// Option configures a LinkRepository.
type Option func(*LinkRepository)

// WithIDGenerator overrides the id generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *LinkRepository) { r.newID = fn }
}

// WithClock overrides the clock used for creation timestamps.
func WithClock(fn func() time.Time) Option {
	return func(r *LinkRepository) { r.now = fn }
}

// WithSaveErrorHook registers a callback invoked after each failed write.
func WithSaveErrorHook(fn func(error)) Option {
	return func(r *LinkRepository) { r.onSaveError = fn }
}

// NewLinkRepository loads the link list from the backend. An unreadable or
// corrupt store degrades to an empty list.
func NewLinkRepository(ctx context.Context, backend Backend, logger *zap.Logger, opts ...Option) *LinkRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &LinkRepository{
		backend: backend,
		logger:  logger,
		newID:   generateID,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	loaded, err := backend.Load(ctx)
	if err != nil {
		logger.Warn("link store unreadable, starting with an empty list", zap.Error(err))
		loaded = nil
	}
	r.links = sanitizeLinks(loaded, r.now())
	if len(r.links) > MaxLinks {
		r.links = r.links[:MaxLinks]
	}
	logger.Info("link registry loaded", zap.Int("links", len(r.links)))
	return r
}

// generateID returns a random 16 character hex token.
func generateID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:idLength]
}

// List returns a copy of all links, newest first.
func (r *LinkRepository) List(ctx context.Context) ([]*model.Link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Link, len(r.links))
	for i, l := range r.links {
		out[i] = l.Clone()
	}
	return out, nil
}

// Get returns the link with the given id.
func (r *LinkRepository) Get(ctx context.Context, id string) (*model.Link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, l := range r.links {
		if l.ID == id {
			return l.Clone(), nil
		}
	}
	return nil, fmt.Errorf("link %s: %w", id, model.ErrNotFound)
}

// Create registers rawURL. When a link with the same normalized url already
// exists it is returned with existing set to true.
func (r *LinkRepository) Create(ctx context.Context, rawURL string) (link *model.Link, existing bool, err error) {
	cleanURL, err := model.NormalizeURL(rawURL)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.links {
		if l.URL == cleanURL {
			return l.Clone(), true, nil
		}
	}

	link = &model.Link{
		ID:        r.uniqueIDLocked(),
		URL:       cleanURL,
		CreatedAt: r.now(),
	}

	next := make([]*model.Link, 0, len(r.links)+1)
	next = append(next, link)
	next = append(next, r.links...)
	if len(next) > MaxLinks {
		next = next[:MaxLinks]
	}
	r.links = next
	r.saveLocked(ctx)

	r.logger.Info("link created", zap.String("id", link.ID), zap.String("url", link.URL))
	return link.Clone(), false, nil
}

// Delete removes the link with the given id. Deleting an unknown id is not
// an error.
func (r *LinkRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]*model.Link, 0, len(r.links))
	for _, l := range r.links {
		if l.ID != id {
			next = append(next, l)
		}
	}
	if len(next) == len(r.links) {
		return nil
	}
	r.links = next
	r.saveLocked(ctx)

	r.logger.Info("link deleted", zap.String("id", id))
	return nil
}

// Close releases the backend.
func (r *LinkRepository) Close() error {
	return r.backend.Close()
}

func (r *LinkRepository) uniqueIDLocked() string {
	for {
		id := model.SanitizeID(r.newID())
		if id == "" {
			continue
		}
		if !r.hasIDLocked(id) {
			return id
		}
		r.logger.Debug("generated link id collided, regenerating", zap.String("id", id))
	}
}

func (r *LinkRepository) hasIDLocked(id string) bool {
	for _, l := range r.links {
		if l.ID == id {
			return true
		}
	}
	return false
}

func (r *LinkRepository) saveLocked(ctx context.Context) {
	if err := r.backend.Save(ctx, r.links); err != nil {
		r.logger.Error("failed to persist links", zap.Error(err), zap.Int("links", len(r.links)))
		if r.onSaveError != nil {
			r.onSaveError(err)
		}
	}
}
