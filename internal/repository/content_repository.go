package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/service-marketplace/internal/model"
)

// ContentRepo manages the editable landing page sections.
type ContentRepo struct {
	db *sql.DB
}

func NewContentRepo(db *sql.DB) *ContentRepo { return &ContentRepo{db: db} }

const contentColumns = "section_key, title, body, position, published, updated_by, updated_at"

func scanContent(s rowScanner) (model.ContentSection, error) {
	var (
		c  model.ContentSection
		by sql.NullInt64
	)
	if err := s.Scan(&c.Key, &c.Title, &c.Body, &c.Position, &c.Published, &by, &c.UpdatedAt); err != nil {
		return c, err
	}
	c.UpdatedBy = nullUint64Ptr(by)
	return c, nil
}

// ListPublished returns published sections ordered by position.
func (r *ContentRepo) ListPublished(ctx context.Context) ([]model.ContentSection, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+contentColumns+" FROM content_sections WHERE published = 1 ORDER BY position, section_key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ContentSection{}
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetByKey loads one section regardless of its published flag.
func (r *ContentRepo) GetByKey(ctx context.Context, key string) (model.ContentSection, error) {
	c, err := scanContent(r.db.QueryRowContext(ctx,
		"SELECT "+contentColumns+" FROM content_sections WHERE section_key = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// Upsert creates or replaces a section.
func (r *ContentRepo) Upsert(ctx context.Context, c model.ContentSection) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO content_sections (section_key, title, body, position, published, updated_by)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE title=VALUES(title), body=VALUES(body), position=VALUES(position),
		                         published=VALUES(published), updated_by=VALUES(updated_by)`,
		c.Key, c.Title, c.Body, c.Position, c.Published, ptrArg(c.UpdatedBy))
	return err
}
