package internal

import (
	"sort"
	"time"
)

// StatusCompleted is the canonical terminal status for a book. The parser
// collaborator normalizes whatever locale-specific sentinel the upstream
// uses into this token before records enter the core.
const StatusCompleted = "completed"

// Category is one shelf of the upstream catalog.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Book is a catalog entry. ID is the upstream identifier; PublicID is the
// stable external identifier we mint on first persist.
type Book struct {
	ID       string `json:"book_id"`
	PublicID string `json:"id,omitempty"`

	Name        string `json:"name"`
	Author      string `json:"author"`
	Type        string `json:"type,omitempty"`
	Status      string `json:"status"`
	UpdateDate  string `json:"update_date,omitempty"`
	Description string `json:"description,omitempty"`

	BookmarkCount int64 `json:"bookmark_count"`
	ViewCount     int64 `json:"view_count"`

	LastChapterNumber int    `json:"last_chapter_number"`
	LastChapterTitle  string `json:"last_chapter_title,omitempty"`
	LastChapterURL    string `json:"last_chapter_url,omitempty"`

	CategoryID string `json:"category_id,omitempty"`

	// FetchedAt is when we last confirmed this record against the upstream.
	FetchedAt time.Time `json:"-"`
}

// Completed reports whether the book has reached its terminal status.
func (b *Book) Completed() bool { return b.Status == StatusCompleted }

// Chapter is one entry of a book's chapter index. Key is the opaque
// chapter key derived from the upstream URL, used to address content.
type Chapter struct {
	BookID   string `json:"-"`
	Number   int    `json:"number"`
	Key      string `json:"key"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	PublicID string `json:"id,omitempty"`
}

// ChapterPage is one page of a chapter index as reported by the upstream.
type ChapterPage struct {
	Chapters   []Chapter
	Page       int
	TotalPages int
}

// ChapterContent is the text of a single chapter together with its index
// entry, so readers get the title and source URL alongside the prose.
type ChapterContent struct {
	BookID     string    `json:"book_id"`
	ChapterKey string    `json:"chapter_key"`
	ChapterNum int       `json:"chapter_num"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	PublicID   string    `json:"chapter_id,omitempty"`
	Text       string    `json:"text"`
	FetchedAt  time.Time `json:"-"`
}

// QueueStatus is the lifecycle state of a sync queue entry.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueSyncing   QueueStatus = "syncing"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

// Terminal reports whether the status is a resting state eligible for reset.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// QueueEntry is a durable record of a book awaiting (or having finished)
// background synchronization. Owned exclusively by the scheduler.
type QueueEntry struct {
	BookID      string      `json:"book_id"`
	AddedAt     time.Time   `json:"added_at"`
	AccessedAt  time.Time   `json:"accessed_at"`
	AccessCount int         `json:"access_count"`
	Priority    int         `json:"priority"`
	LastAttempt time.Time   `json:"last_attempt,omitempty"`
	Status      QueueStatus `json:"status"`
}

// sortChapters orders chapters ascending by number.
func sortChapters(chapters []Chapter) {
	sort.Slice(chapters, func(i, j int) bool {
		return chapters[i].Number < chapters[j].Number
	})
}
