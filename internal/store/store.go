package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/newsradar/pkg/source"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const itemColumns = `id, category, source, external_id, link, title, summary, image_url,
	published_at, ingested_at, topic_id, topic_label`

// ListOpts controls item listing.
type ListOpts struct {
	Category string
	Offset   int
	Limit    int
}

// TopicSample is one existing topic thread with an example item, offered to
// the clustering service as a candidate.
type TopicSample struct {
	TopicID string `db:"topic_id" json:"topic_id"`
	Label   string `db:"topic_label" json:"topic_label"`
	Title   string `db:"title" json:"title"`
	Summary string `db:"summary" json:"summary"`
}

// Store is the persistence interface.
type Store interface {
	InsertItem(ctx context.Context, item *source.Item) (bool, error)
	LinkExists(ctx context.Context, category, link string) (bool, error)
	GetItem(ctx context.Context, id int64) (*source.Item, error)
	ListItems(ctx context.Context, opts ListOpts) ([]source.Item, error)
	CountItems(ctx context.Context, category string) (int, error)
	CountByCategory(ctx context.Context) (map[string]int, error)
	EvictOverCap(ctx context.Context, category string, maxItems int) (int64, error)

	SetTopic(ctx context.Context, itemID int64, topicID, label string) (bool, error)
	RecentTopics(ctx context.Context, limit int) ([]TopicSample, error)
	ThreadItems(ctx context.Context, topicID string) ([]source.Item, error)
	ListUnclustered(ctx context.Context, limit int) ([]source.Item, error)

	GetWatermark(ctx context.Context, category, src string) (Watermark, error)
	RecordNewIDs(ctx context.Context, category, src string, newestFirst []string, latest time.Time, size int) (Watermark, error)
	ListWatermarks(ctx context.Context) ([]Watermark, error)

	Reset(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// New opens a SQLite database and runs migrations. All access goes through a
// single connection, so callers must not hold rows open across other calls.
func New(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertItem stores a new item and fills in its ID and IngestedAt. It reports
// false, without error, when the category already holds the link.
func (s *SQLiteStore) InsertItem(ctx context.Context, item *source.Item) (bool, error) {
	now := s.now()
	published := item.PublishedAt.UTC()
	if item.PublishedAt.IsZero() {
		published = now
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO items (category, source, external_id, link, title, summary, image_url, published_at, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(category, link) DO NOTHING
	`, item.Category, item.Source, item.ExternalID, item.Link, item.Title,
		item.Summary, item.ImageURL, published, now)
	if err != nil {
		return false, fmt.Errorf("insert item %s: %w", item.Link, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert item %s: %w", item.Link, err)
	}
	if n == 0 {
		return false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("insert item %s: %w", item.Link, err)
	}
	item.ID = id
	item.PublishedAt = published
	item.IngestedAt = now
	return true, nil
}

func (s *SQLiteStore) LinkExists(ctx context.Context, category, link string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM items WHERE category = ? AND link = ?", category, link)
	if err != nil {
		return false, fmt.Errorf("check link %s: %w", link, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id int64) (*source.Item, error) {
	var item source.Item
	err := s.db.GetContext(ctx, &item, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}
	return &item, nil
}

// ListItems returns items newest-ingested first.
func (s *SQLiteStore) ListItems(ctx context.Context, opts ListOpts) ([]source.Item, error) {
	query := "SELECT " + itemColumns + " FROM items WHERE 1=1"
	var args []any

	if opts.Category != "" {
		query += " AND category = ?"
		args = append(args, opts.Category)
	}

	query += " ORDER BY id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(opts.Offset, 0))

	items := []source.Item{}
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) CountItems(ctx context.Context, category string) (int, error) {
	query := "SELECT COUNT(*) FROM items"
	var args []any
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}

	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountByCategory(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT category, COUNT(*) AS cnt FROM items GROUP BY category")
	if err != nil {
		return nil, fmt.Errorf("count items by category: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var cat string
		var cnt int
		if err := rows.Scan(&cat, &cnt); err != nil {
			return nil, fmt.Errorf("count items by category: %w", err)
		}
		counts[cat] = cnt
	}
	return counts, rows.Err()
}

// EvictOverCap deletes the oldest items, by publish time, beyond maxItems in
// a category. A non-positive cap keeps everything.
func (s *SQLiteStore) EvictOverCap(ctx context.Context, category string, maxItems int) (int64, error) {
	if maxItems <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM items
		WHERE category = ? AND id NOT IN (
			SELECT id FROM items WHERE category = ?
			ORDER BY published_at DESC, id DESC
			LIMIT ?
		)
	`, category, category, maxItems)
	if err != nil {
		return 0, fmt.Errorf("evict %s: %w", category, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SetTopic assigns a topic to an item that has none. It reports false when
// the item is gone or already clustered.
func (s *SQLiteStore) SetTopic(ctx context.Context, itemID int64, topicID, label string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE items SET topic_id = ?, topic_label = ? WHERE id = ? AND topic_id IS NULL",
		topicID, label, itemID)
	if err != nil {
		return false, fmt.Errorf("set topic %d: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set topic %d: %w", itemID, err)
	}
	return n == 1, nil
}

// RecentTopics returns up to limit distinct topics, most recently extended
// first, each with its newest item as the example.
func (s *SQLiteStore) RecentTopics(ctx context.Context, limit int) ([]TopicSample, error) {
	if limit <= 0 {
		limit = 50
	}
	topics := []TopicSample{}
	err := s.db.SelectContext(ctx, &topics, `
		SELECT topic_id, COALESCE(topic_label, '') AS topic_label, title, summary
		FROM items
		WHERE id IN (
			SELECT MAX(id) FROM items WHERE topic_id IS NOT NULL GROUP BY topic_id
		)
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent topics: %w", err)
	}
	return topics, nil
}

// ThreadItems returns every item of a topic across categories, newest
// published first.
func (s *SQLiteStore) ThreadItems(ctx context.Context, topicID string) ([]source.Item, error) {
	items := []source.Item{}
	err := s.db.SelectContext(ctx, &items,
		"SELECT "+itemColumns+" FROM items WHERE topic_id = ? ORDER BY published_at DESC, id DESC",
		topicID)
	if err != nil {
		return nil, fmt.Errorf("thread items %s: %w", topicID, err)
	}
	return items, nil
}

// ListUnclustered returns items without a topic, most recently ingested first.
func (s *SQLiteStore) ListUnclustered(ctx context.Context, limit int) ([]source.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	items := []source.Item{}
	err := s.db.SelectContext(ctx, &items,
		"SELECT "+itemColumns+" FROM items WHERE topic_id IS NULL ORDER BY id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("list unclustered: %w", err)
	}
	return items, nil
}

// Reset removes all items and watermarks, so every source starts over with
// a first run.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM items"); err != nil {
		return fmt.Errorf("reset items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM watermarks"); err != nil {
		return fmt.Errorf("reset watermarks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
