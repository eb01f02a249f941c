package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/newsradar/pkg/watermark"
)

// Watermark is the stored recent-id window of one source.
type Watermark struct {
	Category        string           `json:"category"`
	Source          string           `json:"source"`
	Window          watermark.Window `json:"-"`
	LatestPublished time.Time        `json:"latest_published"`
	UpdatedAt       time.Time        `json:"updated_at"`
	// Corrupt is set when the stored ids could not be decoded and the
	// window was treated as empty.
	Corrupt bool `json:"corrupt,omitempty"`
}

// Exists reports whether the source has been fetched successfully before.
func (w Watermark) Exists() bool { return !w.UpdatedAt.IsZero() }

type watermarkRow struct {
	Category        string       `db:"category"`
	Source          string       `db:"source"`
	RecentIDs       string       `db:"recent_ids"`
	LatestPublished sql.NullTime `db:"latest_published"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

func (r watermarkRow) watermark() Watermark {
	win, ok := watermark.Decode(r.RecentIDs)
	wm := Watermark{
		Category:  r.Category,
		Source:    r.Source,
		Window:    win,
		UpdatedAt: r.UpdatedAt,
		Corrupt:   !ok,
	}
	if r.LatestPublished.Valid {
		wm.LatestPublished = r.LatestPublished.Time
	}
	return wm
}

const watermarkColumns = "category, source, recent_ids, latest_published, updated_at"

// GetWatermark returns the source's window. A missing row gives an empty
// watermark, not an error.
func (s *SQLiteStore) GetWatermark(ctx context.Context, category, src string) (Watermark, error) {
	return getWatermark(ctx, s.db, category, src)
}

type getter interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

func getWatermark(ctx context.Context, q getter, category, src string) (Watermark, error) {
	var row watermarkRow
	err := q.GetContext(ctx, &row,
		"SELECT "+watermarkColumns+" FROM watermarks WHERE category = ? AND source = ?",
		category, src)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{Category: category, Source: src}, nil
	}
	if err != nil {
		return Watermark{}, fmt.Errorf("get watermark %s/%s: %w", category, src, err)
	}
	return row.watermark(), nil
}

// RecordNewIDs merges newestFirst into the source's window, keeping at most
// size ids, and upserts it. latest only moves the stored publish time forward.
// The row is written even when newestFirst is empty, which marks the source
// as fetched.
func (s *SQLiteStore) RecordNewIDs(ctx context.Context, category, src string, newestFirst []string, latest time.Time, size int) (Watermark, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Watermark{}, fmt.Errorf("record ids %s/%s: %w", category, src, err)
	}
	defer tx.Rollback()

	current, err := getWatermark(ctx, tx, category, src)
	if err != nil {
		return Watermark{}, err
	}

	next := Watermark{
		Category:        category,
		Source:          src,
		Window:          current.Window.Merge(newestFirst, size),
		LatestPublished: current.LatestPublished,
		UpdatedAt:       s.now(),
	}
	if latest.After(next.LatestPublished) {
		next.LatestPublished = latest.UTC()
	}

	var latestArg any
	if !next.LatestPublished.IsZero() {
		latestArg = next.LatestPublished
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO watermarks (category, source, recent_ids, latest_published, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(category, source) DO UPDATE SET
			recent_ids = excluded.recent_ids,
			latest_published = excluded.latest_published,
			updated_at = excluded.updated_at
	`, category, src, next.Window.Encode(), latestArg, next.UpdatedAt)
	if err != nil {
		return Watermark{}, fmt.Errorf("upsert watermark %s/%s: %w", category, src, err)
	}

	if err := tx.Commit(); err != nil {
		return Watermark{}, fmt.Errorf("record ids %s/%s: %w", category, src, err)
	}
	return next, nil
}

// ListWatermarks returns every stored watermark ordered by category and source.
func (s *SQLiteStore) ListWatermarks(ctx context.Context) ([]Watermark, error) {
	var rows []watermarkRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+watermarkColumns+" FROM watermarks ORDER BY category, source")
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}

	out := make([]Watermark, len(rows))
	for i, r := range rows {
		out[i] = r.watermark()
	}
	return out, nil
}
