package store

// Items of all categories share one table; category is part of the link
// uniqueness key. topic_id and topic_label are set once by clustering.
const schema = `
CREATE TABLE IF NOT EXISTS items (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    category     TEXT NOT NULL,
    source       TEXT NOT NULL,
    external_id  TEXT NOT NULL,
    link         TEXT NOT NULL,
    title        TEXT NOT NULL,
    summary      TEXT NOT NULL DEFAULT '',
    image_url    TEXT NOT NULL DEFAULT '',
    published_at DATETIME NOT NULL,
    ingested_at  DATETIME NOT NULL,
    topic_id     TEXT,
    topic_label  TEXT,
    UNIQUE(category, link)
);

CREATE INDEX IF NOT EXISTS idx_items_category_published ON items(category, published_at);
CREATE INDEX IF NOT EXISTS idx_items_topic ON items(topic_id);

CREATE TABLE IF NOT EXISTS watermarks (
    category         TEXT NOT NULL,
    source           TEXT NOT NULL,
    recent_ids       TEXT NOT NULL DEFAULT '[]',
    latest_published DATETIME,
    updated_at       DATETIME NOT NULL,
    PRIMARY KEY (category, source)
);
`
