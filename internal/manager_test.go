package internal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	mu    sync.Mutex
	calls map[string]int

	categoriesFn   func(ctx context.Context) ([]Category, error)
	categoryPageFn func(ctx context.Context, cat Category, page int) ([]Book, int, error)
	bookInfoFn     func(ctx context.Context, bookID string) (*Book, error)
	chapterPageFn  func(ctx context.Context, bookID string, page int) (*ChapterPage, error)
	contentFn      func(ctx context.Context, ch Chapter) (string, error)
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{calls: map[string]int{}}
}

func (f *fakeUpstream) record(key string) {
	f.mu.Lock()
	f.calls[key]++
	f.mu.Unlock()
}

func (f *fakeUpstream) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeUpstream) Categories(ctx context.Context) ([]Category, error) {
	f.record("categories")
	if f.categoriesFn != nil {
		return f.categoriesFn(ctx)
	}
	return []Category{{ID: "xuanhuan", Name: "Xuanhuan", URL: "https://up/category/xuanhuan"}}, nil
}

func (f *fakeUpstream) CategoryPage(ctx context.Context, cat Category, page int) ([]Book, int, error) {
	f.record(fmt.Sprintf("category:%s:%d", cat.ID, page))
	if f.categoryPageFn != nil {
		return f.categoryPageFn(ctx, cat, page)
	}
	return []Book{{ID: "42", Name: "Book FortyTwo", Status: "ongoing"}}, 1, nil
}

func (f *fakeUpstream) BookInfo(ctx context.Context, bookID string) (*Book, error) {
	f.record("book:" + bookID)
	if f.bookInfoFn != nil {
		return f.bookInfoFn(ctx, bookID)
	}
	return &Book{ID: bookID, Name: "Book " + bookID, Status: "ongoing"}, nil
}

func (f *fakeUpstream) ChapterPage(ctx context.Context, bookID string, page int) (*ChapterPage, error) {
	f.record(fmt.Sprintf("chapters:%s:%d", bookID, page))
	if f.chapterPageFn != nil {
		return f.chapterPageFn(ctx, bookID, page)
	}
	return &ChapterPage{
		Chapters: []Chapter{
			{BookID: bookID, Number: 1, Key: "1001", Title: "Chapter 1", URL: "https://up/book/" + bookID + "/1001.html"},
			{BookID: bookID, Number: 2, Key: "1002", Title: "Chapter 2", URL: "https://up/book/" + bookID + "/1002.html"},
		},
		Page:       page,
		TotalPages: 1,
	}, nil
}

func (f *fakeUpstream) Content(ctx context.Context, ch Chapter) (string, error) {
	f.record("content:" + ch.Key)
	if f.contentFn != nil {
		return f.contentFn(ctx, ch)
	}
	return strings.Repeat("prose ", 50), nil
}

func testManager(t *testing.T, up Upstream) (*Manager, *Store) {
	t.Helper()
	store := testStore(t)
	mem := testCache(t)
	return NewManager(store, mem, up, ManagerOpts{TTL: time.Hour}), store
}

func TestManagerBookInfoTiers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	m, store := testManager(t, up)

	// Cold: falls through to the upstream and persists.
	book, err := m.BookInfo(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "Book 42", book.Name)
	assert.Equal(t, 1, up.count("book:42"))

	stored, err := store.GetBook(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "Book 42", stored.Name)

	// Warm: the memory tier answers without touching the upstream.
	m.mem.wait()
	_, err = m.BookInfo(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, up.count("book:42"))
}

func TestManagerBookInfoStoreTier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	m, store := testManager(t, up)

	require.NoError(t, store.UpsertBook(ctx, &Book{ID: "42", Name: "From Store", Status: "ongoing"}))

	book, err := m.BookInfo(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "From Store", book.Name)
	assert.Zero(t, up.count("book:42"), "a fresh store record needs no upstream trip")
}

func TestManagerBookInfoDegraded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	up.bookInfoFn = func(context.Context, string) (*Book, error) {
		return nil, Errf(KindUpstreamUnreachable, "connection refused")
	}
	m, store := testManager(t, up)

	stale := &Book{ID: "42", Name: "Stale But Served", Status: "ongoing", FetchedAt: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, store.UpsertBook(ctx, stale))

	book, err := m.BookInfo(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "Stale But Served", book.Name)
	assert.Equal(t, 1, up.count("book:42"))
}

func TestManagerBookInfoMissEverywhere(t *testing.T) {
	t.Parallel()
	up := newFakeUpstream()
	up.bookInfoFn = func(context.Context, string) (*Book, error) {
		return nil, Errf(KindNotFound, "404")
	}
	m, _ := testManager(t, up)

	_, err := m.BookInfo(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestManagerBookInfoMonotonicWatermark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	// The info page reports an older last chapter than we've indexed.
	up.bookInfoFn = func(_ context.Context, id string) (*Book, error) {
		return &Book{ID: id, Name: "Book", Status: "ongoing", LastChapterNumber: 90}, nil
	}
	m, store := testManager(t, up)

	require.NoError(t, store.UpsertBook(ctx, &Book{
		ID: "42", Name: "Book",
		LastChapterNumber: 100, LastChapterTitle: "Chapter 100",
		FetchedAt: time.Unix(1, 0),
	}))

	book, err := m.BookInfo(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 100, book.LastChapterNumber)
	assert.Equal(t, "Chapter 100", book.LastChapterTitle)
}

func TestManagerChapterListPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	m, store := testManager(t, up)

	idx, degraded, err := m.ChapterList(ctx, "42", 1, false)
	require.NoError(t, err)
	assert.False(t, degraded)
	require.Len(t, idx.Chapters, 2)
	assert.Equal(t, 1, idx.Page)

	// The fetch flowed down into the store and advanced the watermark.
	stored, err := store.ListChapters(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	book, err := store.GetBook(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 2, book.LastChapterNumber)
}

func TestManagerChapterListDegraded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	up.chapterPageFn = func(context.Context, string, int) (*ChapterPage, error) {
		return nil, Errf(KindUpstreamUnreachable, "timeout")
	}
	m, store := testManager(t, up)

	_, err := store.UpsertChaptersBatch(ctx, []Chapter{
		{BookID: "42", Number: 1, Key: "1001", Title: "Chapter 1"},
	})
	require.NoError(t, err)

	idx, degraded, err := m.ChapterList(ctx, "42", 1, false)
	require.NoError(t, err)
	assert.True(t, degraded)
	require.Len(t, idx.Chapters, 1)

	// Nothing stored at all means the failure surfaces.
	_, _, err = m.ChapterList(ctx, "empty", 1, false)
	require.Error(t, err)
	assert.Equal(t, KindUpstreamUnreachable, KindOf(err))
}

func TestManagerChapterListAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	up.chapterPageFn = func(_ context.Context, bookID string, page int) (*ChapterPage, error) {
		chapters := []Chapter{
			{BookID: bookID, Number: page*10 - 9, Key: fmt.Sprintf("k%d", page*10-9), Title: fmt.Sprintf("Chapter %d", page*10-9)},
			{BookID: bookID, Number: page * 10, Key: fmt.Sprintf("k%d", page*10), Title: fmt.Sprintf("Chapter %d", page*10)},
		}
		return &ChapterPage{Chapters: chapters, Page: page, TotalPages: 3}, nil
	}
	m, _ := testManager(t, up)

	idx, degraded, err := m.ChapterList(ctx, "42", 1, true)
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Len(t, idx.Chapters, 6, "all three index pages are merged")
	for p := 1; p <= 3; p++ {
		assert.Equal(t, 1, up.count(fmt.Sprintf("chapters:42:%d", p)))
	}
}

func TestManagerChapterContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	m, store := testManager(t, up)

	_, err := store.UpsertChaptersBatch(ctx, []Chapter{
		{BookID: "42", Number: 1, Key: "1001", Title: "Chapter 1", URL: "https://up/book/42/1001.html"},
	})
	require.NoError(t, err)

	c, err := m.ChapterContent(ctx, "42", "1001", false)
	require.NoError(t, err)
	assert.Contains(t, c.Text, "prose")
	assert.Equal(t, 1, up.count("content:1001"))

	// Second read is served from a cached tier.
	c2, err := m.ChapterContent(ctx, "42", "1001", false)
	require.NoError(t, err)
	assert.Equal(t, c.Text, c2.Text)
	assert.Equal(t, 1, up.count("content:1001"))

	// nocache forces a refetch.
	_, err = m.ChapterContent(ctx, "42", "1001", true)
	require.NoError(t, err)
	assert.Equal(t, 2, up.count("content:1001"))
}

func TestManagerChapterContentUnknownKeySyncsIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	m, _ := testManager(t, up)

	// The key isn't stored yet; the manager fetches the index, finds it, and
	// then fetches the text.
	c, err := m.ChapterContent(ctx, "42", "1002", false)
	require.NoError(t, err)
	assert.Equal(t, "1002", c.ChapterKey)
	assert.Equal(t, 1, up.count("chapters:42:1"))

	// A key the upstream has never heard of is a 404.
	_, err = m.ChapterContent(ctx, "42", "zzz", false)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestManagerCategoriesReadThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	m, store := testManager(t, up)

	cats, err := m.Categories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, 1, up.count("categories"))

	// Persisted, so a fresh manager over the same store skips the upstream.
	stored, err := store.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	_, err = m.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, up.count("categories"))
}

func TestManagerCategoryBooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	m, store := testManager(t, up)

	books, totalPages, err := m.CategoryBooks(ctx, "xuanhuan", 1, false)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, 1, totalPages)

	// The listing's books land in the store with their category.
	stored, err := store.GetBook(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "xuanhuan", stored.CategoryID)

	_, _, err = m.CategoryBooks(ctx, "no-such-category", 1, false)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestManagerCategoryBooksBackgroundSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	up.categoryPageFn = func(context.Context, Category, int) ([]Book, int, error) {
		return []Book{
			{ID: "1", Name: "ongoing", Status: "ongoing"},
			{ID: "2", Name: "done", Status: StatusCompleted},
		}, 1, nil
	}
	m, _ := testManager(t, up)
	enq := newFakeEnqueuer()
	m.SetEnqueuer(enq)

	_, _, err := m.CategoryBooks(ctx, "xuanhuan", 1, true)
	require.NoError(t, err)

	// Every listed book is queued at the user tier, completed ones included.
	assert.ElementsMatch(t, []string{"1", "2"}, enq.enqueued())
	assert.Equal(t, PriorityUser, enq.prios["1"])
	assert.Equal(t, PriorityUser, enq.prios["2"])

	_, _, err = m.CategoryBooks(ctx, "xuanhuan", 1, false)
	require.NoError(t, err)
	assert.Len(t, enq.enqueued(), 2, "bg_sync=false queues nothing")
}

func TestManagerStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	m, _ := testManager(t, up)

	_, _, err := m.ChapterList(ctx, "42", 1, false)
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Books)
	assert.Equal(t, int64(2), stats.Chapters)
	assert.Empty(t, stats.Backfills)

	m.mu.Lock()
	m.backfills.add("42")
	m.mu.Unlock()

	stats, err = m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, stats.Backfills)
}

func TestManagerClearCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	m, store := testManager(t, up)

	_, err := store.UpsertChaptersBatch(ctx, []Chapter{
		{BookID: "42", Number: 1, Key: "1001", Title: "Chapter 1"},
	})
	require.NoError(t, err)
	_, err = m.ChapterContent(ctx, "42", "1001", false)
	require.NoError(t, err)
	m.mem.wait()

	require.NoError(t, m.ClearCache(ctx))

	// The text is gone but the index survives; the next read refetches.
	_, err = store.GetContent(ctx, "42", "1001")
	assert.Error(t, err)
	chapters, err := store.ListChapters(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, chapters, 1)

	m.mem.wait()
	_, err = m.ChapterContent(ctx, "42", "1001", false)
	require.NoError(t, err)
	assert.Equal(t, 2, up.count("content:1001"))
}

func TestManagerInvalidateBook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	m, store := testManager(t, up)

	_, _, err := m.ChapterList(ctx, "42", 1, false)
	require.NoError(t, err)
	m.mem.wait()

	require.NoError(t, m.InvalidateBook(ctx, "42"))

	chapters, err := store.ListChapters(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, chapters)

	// The next read goes upstream again.
	m.mem.wait()
	_, _, err = m.ChapterList(ctx, "42", 1, false)
	require.NoError(t, err)
	assert.Equal(t, 2, up.count("chapters:42:1"))
}

func TestManagerSyncBook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	m, store := testManager(t, up)

	require.NoError(t, m.SyncBook(ctx, "42"))

	book, err := store.GetBook(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "Book 42", book.Name)
	assert.Equal(t, 2, book.LastChapterNumber)

	chapters, err := store.ListChapters(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, chapters, 2)
}

func TestManagerTrackAccessWiring(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	m, store := testManager(t, up)

	sched := NewScheduler(store, SchedulerOpts{})
	enq := newFakeEnqueuer()
	m.SetTracker(sched)
	m.SetEnqueuer(enq)

	_, err := m.BookInfo(ctx, "42")
	require.NoError(t, err)

	e, err := store.QueueGet(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, e.AccessCount)
	assert.Equal(t, []string{"42"}, enq.enqueued())
	assert.Equal(t, PriorityUser, enq.prios["42"])
}

func TestManagerInitSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := newFakeUpstream()
	m, store := testManager(t, up)

	n, err := m.InitSync(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one category, one page, one book")

	books, chapters, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), books)
	assert.Zero(t, chapters, "seeding never walks chapter indices")
}
