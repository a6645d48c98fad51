package internal

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/mattn/go-sqlite3"
)

// chapterBatchSize is how many chapter rows we commit per transaction.
// Committing per-row was measured upstream to dominate sync time; one
// commit per batch bounds transaction overhead and writer contention.
const chapterBatchSize = 100

// _busyBackoff is how long we wait before the single retry on write
// contention.
const _busyBackoff = 50 * time.Millisecond

const _schema = `
CREATE TABLE IF NOT EXISTS categories (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	url        TEXT NOT NULL,
	fetched_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS books (
	id                  TEXT PRIMARY KEY,
	public_id           TEXT NOT NULL,
	name                TEXT NOT NULL,
	author              TEXT NOT NULL DEFAULT '',
	type                TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT '',
	update_date         TEXT NOT NULL DEFAULT '',
	description         TEXT NOT NULL DEFAULT '',
	bookmark_count      INTEGER NOT NULL DEFAULT 0,
	view_count          INTEGER NOT NULL DEFAULT 0,
	last_chapter_number INTEGER NOT NULL DEFAULT 0,
	last_chapter_title  TEXT NOT NULL DEFAULT '',
	last_chapter_url    TEXT NOT NULL DEFAULT '',
	category_id         TEXT NOT NULL DEFAULT '',
	fetched_at          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_books_status   ON books(status);
CREATE INDEX IF NOT EXISTS idx_books_category ON books(category_id);

CREATE TABLE IF NOT EXISTS chapters (
	book_id   TEXT NOT NULL,
	number    INTEGER NOT NULL,
	key       TEXT NOT NULL,
	title     TEXT NOT NULL DEFAULT '',
	url       TEXT NOT NULL DEFAULT '',
	public_id TEXT NOT NULL,
	PRIMARY KEY (book_id, number)
);
CREATE INDEX IF NOT EXISTS idx_chapters_key ON chapters(book_id, key);

CREATE TABLE IF NOT EXISTS contents (
	book_id     TEXT NOT NULL,
	chapter_key TEXT NOT NULL,
	body        BLOB NOT NULL,
	fetched_at  INTEGER NOT NULL,
	PRIMARY KEY (book_id, chapter_key)
);

CREATE TABLE IF NOT EXISTS sync_queue (
	book_id      TEXT PRIMARY KEY,
	added_at     INTEGER NOT NULL,
	accessed_at  INTEGER NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	priority     INTEGER NOT NULL DEFAULT 0,
	last_attempt INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_queue_status   ON sync_queue(status);
CREATE INDEX IF NOT EXISTS idx_queue_accessed ON sync_queue(accessed_at);
`

// Store is the durable tier, an embedded sqlite database. It is the source
// of truth for everything the memory cache holds.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the database at path. Use
// "file::memory:?cache=shared" for tests.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// sqlite allows a single writer; more connections just fight over the
	// write lock.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, _schema); err != nil {
		_ = db.Close()
		return nil, WithKind(KindStoreFatal, fmt.Errorf("migrating store: %w", err))
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// busy reports whether err is transient sqlite write contention.
func busy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// withRetry runs fn, retrying once after a short backoff on write
// contention. Persistent contention surfaces as StoreBusy; anything else is
// StoreFatal.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !busy(err) {
		return WithKind(KindStoreFatal, err)
	}
	select {
	case <-time.After(_busyBackoff):
	case <-ctx.Done():
		return WithKind(KindCancelled, ctx.Err())
	}
	if err := fn(); err != nil {
		if busy(err) {
			return WithKind(KindStoreBusy, err)
		}
		return WithKind(KindStoreFatal, err)
	}
	return nil
}

// --- Categories ---

// UpsertCategories writes the category list discovered upstream. Categories
// are never deleted.
func (s *Store) UpsertCategories(ctx context.Context, cats []Category) error {
	now := time.Now().Unix()
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		for _, c := range cats {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO categories (id, name, url, fetched_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET name = excluded.name, url = excluded.url, fetched_at = excluded.fetched_at`,
				c.ID, c.Name, c.URL, now)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// ListCategories returns all known categories.
func (s *Store) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, url FROM categories ORDER BY id`)
	if err != nil {
		return nil, WithKind(KindStoreFatal, err)
	}
	defer rows.Close()

	var cats []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.URL); err != nil {
			return nil, WithKind(KindStoreFatal, err)
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

// --- Books ---

const _bookCols = `id, public_id, name, author, type, status, update_date, description,
	bookmark_count, view_count, last_chapter_number, last_chapter_title, last_chapter_url,
	category_id, fetched_at`

func scanBook(row interface{ Scan(...any) error }) (*Book, error) {
	var b Book
	var fetched int64
	err := row.Scan(&b.ID, &b.PublicID, &b.Name, &b.Author, &b.Type, &b.Status,
		&b.UpdateDate, &b.Description, &b.BookmarkCount, &b.ViewCount,
		&b.LastChapterNumber, &b.LastChapterTitle, &b.LastChapterURL,
		&b.CategoryID, &fetched)
	if err != nil {
		return nil, err
	}
	if fetched > 0 {
		b.FetchedAt = time.Unix(fetched, 0)
	}
	return &b, nil
}

// GetBook returns the book or errNotFound.
func (s *Store) GetBook(ctx context.Context, bookID string) (*Book, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+_bookCols+` FROM books WHERE id = ?`, bookID)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, WithKind(KindStoreFatal, err)
	}
	return b, nil
}

// UpsertBook writes a book, minting a public ID on first sight and
// preserving it afterwards.
func (s *Store) UpsertBook(ctx context.Context, b *Book) error {
	if b.PublicID == "" {
		b.PublicID = uuid.NewString()
	}
	if b.FetchedAt.IsZero() {
		b.FetchedAt = time.Now()
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO books (`+_bookCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				author = excluded.author,
				type = excluded.type,
				status = excluded.status,
				update_date = excluded.update_date,
				description = excluded.description,
				bookmark_count = excluded.bookmark_count,
				view_count = excluded.view_count,
				last_chapter_number = excluded.last_chapter_number,
				last_chapter_title = excluded.last_chapter_title,
				last_chapter_url = excluded.last_chapter_url,
				category_id = CASE WHEN excluded.category_id != '' THEN excluded.category_id ELSE category_id END,
				fetched_at = excluded.fetched_at`,
			b.ID, b.PublicID, b.Name, b.Author, b.Type, b.Status, b.UpdateDate,
			b.Description, b.BookmarkCount, b.ViewCount, b.LastChapterNumber,
			b.LastChapterTitle, b.LastChapterURL, b.CategoryID, b.FetchedAt.Unix())
		return err
	})
}

// ListBooksInCategory returns one page of a category's books.
func (s *Store) ListBooksInCategory(ctx context.Context, catID string, page, perPage int) ([]Book, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+_bookCols+` FROM books WHERE category_id = ?
		ORDER BY update_date DESC, id LIMIT ? OFFSET ?`,
		catID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, WithKind(KindStoreFatal, err)
	}
	defer rows.Close()
	return collectBooks(rows)
}

// ListUnfinishedBooks returns every book whose status is not terminal.
func (s *Store) ListUnfinishedBooks(ctx context.Context) ([]Book, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+_bookCols+` FROM books WHERE status != ?`, StatusCompleted)
	if err != nil {
		return nil, WithKind(KindStoreFatal, err)
	}
	defer rows.Close()
	return collectBooks(rows)
}

func collectBooks(rows *sql.Rows) ([]Book, error) {
	var books []Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, WithKind(KindStoreFatal, err)
		}
		books = append(books, *b)
	}
	return books, rows.Err()
}

// DeleteBook drops a book's row plus its chapters and content. The sync
// queue entry, if any, survives.
func (s *Store) DeleteBook(ctx context.Context, bookID string) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		for _, q := range []string{
			`DELETE FROM contents WHERE book_id = ?`,
			`DELETE FROM chapters WHERE book_id = ?`,
			`DELETE FROM books WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, bookID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// DeleteChaptersAndContent drops a book's chapter index and cached text but
// keeps the book row. Used by force-resync.
func (s *Store) DeleteChaptersAndContent(ctx context.Context, bookID string) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM contents WHERE book_id = ?`, bookID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chapters WHERE book_id = ?`, bookID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// --- Chapters ---

// GetChapter returns a single chapter ref by number.
func (s *Store) GetChapter(ctx context.Context, bookID string, number int) (*Chapter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT book_id, number, key, title, url, public_id FROM chapters
		WHERE book_id = ? AND number = ?`, bookID, number)
	var c Chapter
	err := row.Scan(&c.BookID, &c.Number, &c.Key, &c.Title, &c.URL, &c.PublicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, WithKind(KindStoreFatal, err)
	}
	return &c, nil
}

// GetChapterByKey returns a single chapter ref by its opaque key.
func (s *Store) GetChapterByKey(ctx context.Context, bookID, key string) (*Chapter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT book_id, number, key, title, url, public_id FROM chapters
		WHERE book_id = ? AND key = ?`, bookID, key)
	var c Chapter
	err := row.Scan(&c.BookID, &c.Number, &c.Key, &c.Title, &c.URL, &c.PublicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, WithKind(KindStoreFatal, err)
	}
	return &c, nil
}

// ListChapters returns a book's full chapter index sorted by number.
func (s *Store) ListChapters(ctx context.Context, bookID string) ([]Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT book_id, number, key, title, url, public_id FROM chapters
		WHERE book_id = ? ORDER BY number ASC`, bookID)
	if err != nil {
		return nil, WithKind(KindStoreFatal, err)
	}
	defer rows.Close()

	var chapters []Chapter
	for rows.Next() {
		var c Chapter
		if err := rows.Scan(&c.BookID, &c.Number, &c.Key, &c.Title, &c.URL, &c.PublicID); err != nil {
			return nil, WithKind(KindStoreFatal, err)
		}
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

// UpsertChaptersBatch merges chapters by (book_id, number), keeping the new
// title/url on conflict. Rows are committed every chapterBatchSize and once
// at the end. On a mid-batch failure the committed prefix remains and the
// count of successfully committed rows is returned with the error.
func (s *Store) UpsertChaptersBatch(ctx context.Context, chapters []Chapter) (int, error) {
	committed := 0
	for start := 0; start < len(chapters); start += chapterBatchSize {
		end := min(start+chapterBatchSize, len(chapters))
		chunk := chapters[start:end]

		err := s.withRetry(ctx, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer func() { _ = tx.Rollback() }()

			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO chapters (book_id, number, key, title, url, public_id) VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(book_id, number) DO UPDATE SET
					key = excluded.key,
					title = excluded.title,
					url = excluded.url`)
			if err != nil {
				return err
			}
			defer func() { _ = stmt.Close() }()

			for _, c := range chunk {
				publicID := c.PublicID
				if publicID == "" {
					publicID = uuid.NewString()
				}
				if _, err := stmt.ExecContext(ctx, c.BookID, c.Number, c.Key, c.Title, c.URL, publicID); err != nil {
					return err
				}
			}
			return tx.Commit()
		})
		if err != nil {
			return committed, err
		}
		committed += len(chunk)
	}
	return committed, nil
}

// --- Content ---

// GetContent returns the cached chapter text, decompressed, or errNotFound.
func (s *Store) GetContent(ctx context.Context, bookID, chapterKey string) (*ChapterContent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT body, fetched_at FROM contents WHERE book_id = ? AND chapter_key = ?`,
		bookID, chapterKey)
	var body []byte
	var fetched int64
	err := row.Scan(&body, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, WithKind(KindStoreFatal, err)
	}
	text, err := gunzip(body)
	if err != nil {
		return nil, WithKind(KindStoreFatal, fmt.Errorf("decompressing content: %w", err))
	}
	return &ChapterContent{
		BookID:     bookID,
		ChapterKey: chapterKey,
		Text:       string(text),
		FetchedAt:  time.Unix(fetched, 0),
	}, nil
}

// UpsertContent persists chapter text, gzip-compressed at rest.
func (s *Store) UpsertContent(ctx context.Context, c *ChapterContent) error {
	if c.FetchedAt.IsZero() {
		c.FetchedAt = time.Now()
	}
	body, err := gz([]byte(c.Text))
	if err != nil {
		return WithKind(KindStoreFatal, fmt.Errorf("compressing content: %w", err))
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO contents (book_id, chapter_key, body, fetched_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(book_id, chapter_key) DO UPDATE SET body = excluded.body, fetched_at = excluded.fetched_at`,
			c.BookID, c.ChapterKey, body, c.FetchedAt.Unix())
		return err
	})
}

// ClearContent drops all cached chapter text. Chapter indices, book rows
// and the sync queue are preserved.
func (s *Store) ClearContent(ctx context.Context) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM contents`)
		return err
	})
}

// Stats reports row counts for the health endpoint.
func (s *Store) Stats(ctx context.Context) (books, chapters int64, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM books), (SELECT COUNT(*) FROM chapters)`)
	if err := row.Scan(&books, &chapters); err != nil {
		return 0, 0, WithKind(KindStoreFatal, err)
	}
	return books, chapters, nil
}

// --- Sync queue ---
//
// The queue table is owned by the scheduler; these methods exist so the
// owning component has something to call, not as a general-purpose API.

// QueueGet returns the entry for a book, or errNotFound.
func (s *Store) QueueGet(ctx context.Context, bookID string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT book_id, added_at, accessed_at, access_count, priority, last_attempt, status
		FROM sync_queue WHERE book_id = ?`, bookID)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, WithKind(KindStoreFatal, err)
	}
	return e, nil
}

func scanQueueEntry(row interface{ Scan(...any) error }) (*QueueEntry, error) {
	var e QueueEntry
	var added, accessed, attempt int64
	if err := row.Scan(&e.BookID, &added, &accessed, &e.AccessCount, &e.Priority, &attempt, &e.Status); err != nil {
		return nil, err
	}
	e.AddedAt = time.Unix(added, 0)
	e.AccessedAt = time.Unix(accessed, 0)
	if attempt > 0 {
		e.LastAttempt = time.Unix(attempt, 0)
	}
	return &e, nil
}

// QueueTrackAccess records a user access: insert at priority 0 with one
// access, or bump the counter and revive terminal entries. Idempotent in
// the sense that K calls leave one row with access_count=K.
func (s *Store) QueueTrackAccess(ctx context.Context, bookID string, now time.Time) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sync_queue (book_id, added_at, accessed_at, access_count, priority, status)
			VALUES (?, ?, ?, 1, 0, 'pending')
			ON CONFLICT(book_id) DO UPDATE SET
				access_count = access_count + 1,
				accessed_at = excluded.accessed_at,
				status = CASE WHEN status IN ('completed', 'failed') THEN 'pending' ELSE status END`,
			bookID, now.Unix(), now.Unix())
		return err
	})
}

// QueueEnqueueUnfinished upserts a pending priority-1 entry for every
// non-completed book, reviving terminal entries without touching access
// stats or user priorities. Returns the number of rows written.
func (s *Store) QueueEnqueueUnfinished(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO sync_queue (book_id, added_at, accessed_at, access_count, priority, status)
			SELECT id, ?, ?, 0, 1, 'pending' FROM books WHERE status != ?
			ON CONFLICT(book_id) DO UPDATE SET
				status = CASE WHEN status IN ('completed', 'failed') THEN 'pending' ELSE status END`,
			now.Unix(), now.Unix(), StatusCompleted)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// QueuePending returns pending entries in drain order: manual triggers
// (priority >= 10) first, then user-accessed entries (priority 0), then the
// nightly auto-enqueued tier (priority 1); ties by access_count descending
// then accessed_at ascending. The auto tier ranks below user entries even
// though its numeric priority is higher.
func (s *Store) QueuePending(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT book_id, added_at, accessed_at, access_count, priority, last_attempt, status
		FROM sync_queue WHERE status = 'pending'
		ORDER BY (CASE WHEN priority = 1 THEN -1 ELSE priority END) DESC,
			access_count DESC, accessed_at ASC`)
	if err != nil {
		return nil, WithKind(KindStoreFatal, err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, WithKind(KindStoreFatal, err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// QueueUpdateStatus transitions an entry, stamping last_attempt when the
// entry begins syncing.
func (s *Store) QueueUpdateStatus(ctx context.Context, bookID string, status QueueStatus, now time.Time) error {
	return s.withRetry(ctx, func() error {
		if status == QueueSyncing {
			_, err := s.db.ExecContext(ctx,
				`UPDATE sync_queue SET status = ?, last_attempt = ? WHERE book_id = ?`,
				status, now.Unix(), bookID)
			return err
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE sync_queue SET status = ? WHERE book_id = ?`, status, bookID)
		return err
	})
}

// QueueClearTerminal removes completed and failed entries.
func (s *Store) QueueClearTerminal(ctx context.Context) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE status IN ('completed', 'failed')`)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// QueueResetSyncing reverts entries stuck in 'syncing' to 'pending'. Called
// at boot so work interrupted by a shutdown is retried.
func (s *Store) QueueResetSyncing(ctx context.Context) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE sync_queue SET status = 'pending' WHERE status = 'syncing'`)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// QueueStats returns entry counts by status.
func (s *Store) QueueStats(ctx context.Context) (map[QueueStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, WithKind(KindStoreFatal, err)
	}
	defer rows.Close()

	stats := map[QueueStatus]int64{}
	for rows.Next() {
		var status QueueStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, WithKind(KindStoreFatal, err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// --- compression helpers ---

func gz(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
