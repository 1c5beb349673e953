package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dashboard-autoreload/renderproxy/internal/model"
)

// SQLiteBackend stores the link list in the links table of a SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates a SQLiteBackend over an opened database.
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

// Load reads all links ordered by position.
func (b *SQLiteBackend) Load(ctx context.Context) ([]*model.Link, error) {
	query := `
		SELECT id, url, created_at
		FROM links
		ORDER BY position ASC
	`

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list links: %v", model.ErrStorage, err)
	}
	defer rows.Close()

	var links []*model.Link
	for rows.Next() {
		link := &model.Link{}
		if err := rows.Scan(&link.ID, &link.URL, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan link: %v", model.ErrStorage, err)
		}
		links = append(links, link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating links: %v", model.ErrStorage, err)
	}

	return links, nil
}

// Save replaces every row inside one transaction.
func (b *SQLiteBackend) Save(ctx context.Context, links []*model.Link) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", model.ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM links`); err != nil {
		return fmt.Errorf("%w: failed to clear links: %v", model.ErrStorage, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO links (id, url, position, created_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("%w: failed to prepare insert: %v", model.ErrStorage, err)
	}
	defer stmt.Close()

	for i, link := range links {
		if _, err := stmt.ExecContext(ctx, link.ID, link.URL, i, link.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("%w: failed to insert link %s: %v", model.ErrStorage, link.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %v", model.ErrStorage, err)
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
