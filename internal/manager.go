package internal

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

// _chapterPageSize is how many chapters we serve per page when paginating
// from the durable store.
const _chapterPageSize = 50

// _backfillTimeout bounds the background walk that fetches the rest of a
// chapter index after the requested page was served.
const _backfillTimeout = 5 * time.Minute

// Upstream is the manager's view of the fetcher.
type Upstream interface {
	Categories(ctx context.Context) ([]Category, error)
	CategoryPage(ctx context.Context, cat Category, page int) ([]Book, int, error)
	BookInfo(ctx context.Context, bookID string) (*Book, error)
	ChapterPage(ctx context.Context, bookID string, page int) (*ChapterPage, error)
	Content(ctx context.Context, ch Chapter) (string, error)
}

// AccessTracker records user reads so the deferred scheduler can sync
// accessed books overnight.
type AccessTracker interface {
	TrackAccess(ctx context.Context, bookID string) error
}

// ChapterIndex is a served slice of a book's chapter list.
type ChapterIndex struct {
	BookID     string    `json:"book_id"`
	Chapters   []Chapter `json:"chapters"`
	Page       int       `json:"page"`
	TotalPages int       `json:"total_pages,omitempty"`
}

// ManagerStats feeds the health endpoint.
type ManagerStats struct {
	MemoryEntries int64    `json:"memory_cache_size"`
	InFlight      int      `json:"in_flight"`
	Books         int64    `json:"books_in_db"`
	Chapters      int64    `json:"chapters_in_db"`
	Backfills     []string `json:"active_backfills,omitempty"`
}

// ManagerOpts tune the manager. Zero values pick the defaults.
type ManagerOpts struct {
	TTL     time.Duration // Staleness bound for store-tier reads, default 1h.
	Clock   Clock
	Metrics CacheMetrics
}

// Manager composes the three tiers into one read-through surface: memory,
// then the durable store, then the upstream behind the singleflight gate.
// Fetched records always flow down into the store before being served, so
// the store converges on everything any reader ever saw.
type Manager struct {
	store    *Store
	mem      *MemoryCache
	upstream Upstream
	gate     *Gate
	clock    Clock
	metrics  CacheMetrics

	ttl time.Duration

	// tracker and enqueuer are wired after construction; both are optional so
	// the manager can serve reads before the background machinery exists.
	tracker  AccessTracker
	enqueuer JobEnqueuer

	// backfills guards against launching duplicate background index walks
	// for the same book.
	mu        sync.Mutex
	backfills set[string]
}

// NewManager builds the read-through manager over the given tiers.
func NewManager(store *Store, mem *MemoryCache, upstream Upstream, opts ManagerOpts) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = NewClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = noCacheMetrics{}
	}
	return &Manager{
		store:     store,
		mem:       mem,
		upstream:  upstream,
		gate:      NewGate(),
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		ttl:       opts.TTL,
		backfills: newSet[string](),
	}
}

// SetTracker wires the access tracker. Called once at startup.
func (m *Manager) SetTracker(t AccessTracker) { m.tracker = t }

// SetEnqueuer wires the job engine. Called once at startup.
func (m *Manager) SetEnqueuer(e JobEnqueuer) { m.enqueuer = e }

// Stats snapshots the tiers.
func (m *Manager) Stats(ctx context.Context) (ManagerStats, error) {
	books, chapters, err := m.store.Stats(ctx)
	if err != nil {
		return ManagerStats{}, err
	}
	m.mu.Lock()
	backfills := m.backfills.values()
	m.mu.Unlock()
	slices.Sort(backfills)
	return ManagerStats{
		MemoryEntries: m.mem.Len(),
		InFlight:      m.gate.Len(),
		Books:         books,
		Chapters:      chapters,
		Backfills:     backfills,
	}, nil
}

// ClearCache drops the whole memory tier and all persisted chapter text.
// Book, chapter and queue rows survive; text refetches on demand.
func (m *Manager) ClearCache(ctx context.Context) error {
	m.mem.Clear(ctx)
	return m.store.ClearContent(ctx)
}

// --- Categories ---

// Categories returns the catalog's category list: memory, then store, then
// upstream.
func (m *Manager) Categories(ctx context.Context) ([]Category, error) {
	if raw, ok := m.mem.Get(ctx, categoriesKey); ok {
		var cats []Category
		if err := sonic.Unmarshal(raw, &cats); err == nil {
			m.metrics.HitInc("memory")
			return cats, nil
		}
	}

	cats, err := m.store.ListCategories(ctx)
	if err == nil && len(cats) > 0 {
		m.metrics.HitInc("store")
		m.memSet(ctx, categoriesKey, cats)
		return cats, nil
	}

	m.metrics.MissInc()
	return m.refreshCategories(ctx)
}

// refreshCategories fetches the category list upstream and persists it.
func (m *Manager) refreshCategories(ctx context.Context) ([]Category, error) {
	v, err := m.gate.Do(ctx, categoriesKey, func(ctx context.Context) (any, error) {
		m.metrics.UpstreamInc()
		cats, err := m.upstream.Categories(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.store.UpsertCategories(ctx, cats); err != nil {
			return nil, err
		}
		return cats, nil
	})
	if err != nil {
		return nil, err
	}
	cats := v.([]Category)
	m.memSet(ctx, categoriesKey, cats)
	return cats, nil
}

// categoryPage is the memory-cache shape for one page of a category listing.
type categoryPage struct {
	Books      []Book `json:"books"`
	TotalPages int    `json:"total_pages"`
}

// CategoryBooks returns one page of a category's listing. Listings churn, so
// the memory tier is the only cache consulted before going upstream; the
// store serves only as the degraded fallback. With bgSync, unfinished books
// on the page are queued for a background refresh.
func (m *Manager) CategoryBooks(ctx context.Context, catID string, page int, bgSync bool) ([]Book, int, error) {
	if page < 1 {
		page = 1
	}
	cat, err := m.findCategory(ctx, catID)
	if err != nil {
		return nil, 0, err
	}

	key := categoryKey(catID, page)
	if raw, ok := m.mem.Get(ctx, key); ok {
		var cp categoryPage
		if err := sonic.Unmarshal(raw, &cp); err == nil {
			m.metrics.HitInc("memory")
			m.maybeSyncListing(cp.Books, bgSync)
			return cp.Books, cp.TotalPages, nil
		}
	}
	m.metrics.MissInc()

	v, err := m.gate.Do(ctx, key, func(ctx context.Context) (any, error) {
		m.metrics.UpstreamInc()
		books, totalPages, err := m.upstream.CategoryPage(ctx, *cat, page)
		if err != nil {
			return nil, err
		}
		for i := range books {
			books[i].CategoryID = catID
			if err := m.persistBook(ctx, &books[i]); err != nil {
				return nil, err
			}
		}
		return categoryPage{Books: books, TotalPages: totalPages}, nil
	})
	if err != nil {
		// Serve what the store remembers of this category, if anything.
		books, serr := m.store.ListBooksInCategory(ctx, catID, page, _chapterPageSize)
		if serr == nil && len(books) > 0 {
			m.metrics.DegradedInc()
			Log(ctx).Warn("serving category from store after upstream failure", "catID", catID, "err", err)
			m.maybeSyncListing(books, bgSync)
			return books, 0, nil
		}
		return nil, 0, err
	}

	cp := v.(categoryPage)
	m.memSet(ctx, key, cp)
	m.maybeSyncListing(cp.Books, bgSync)
	return cp.Books, cp.TotalPages, nil
}

func (m *Manager) findCategory(ctx context.Context, catID string) (*Category, error) {
	cats, err := m.Categories(ctx)
	if err != nil {
		return nil, err
	}
	for i := range cats {
		if cats[i].ID == catID {
			return &cats[i], nil
		}
	}
	return nil, Errf(KindNotFound, "category %s not found", catID)
}

// maybeSyncListing queues every listed book for a background refresh at the
// user tier; browsing a listing is an access signal like opening a book.
func (m *Manager) maybeSyncListing(books []Book, bgSync bool) {
	if !bgSync || m.enqueuer == nil {
		return
	}
	for i := range books {
		m.enqueuer.Enqueue(books[i].ID, PriorityUser)
	}
}

// --- Books ---

// BookInfo returns a book's metadata, recording the access for the nightly
// sync and kicking a background refresh so the next read is fresher.
func (m *Manager) BookInfo(ctx context.Context, bookID string) (*Book, error) {
	m.trackAccess(ctx, bookID)

	if raw, ok := m.mem.Get(ctx, BookKey(bookID)); ok {
		var b Book
		if err := sonic.Unmarshal(raw, &b); err == nil {
			m.metrics.HitInc("memory")
			return &b, nil
		}
	}

	stored, serr := m.store.GetBook(ctx, bookID)
	if serr == nil && m.fresh(stored.FetchedAt) {
		m.metrics.HitInc("store")
		m.memSet(ctx, BookKey(bookID), stored, bookTag(bookID))
		return stored, nil
	}
	m.metrics.MissInc()

	book, err := m.refreshBookInfo(ctx, bookID)
	if err != nil {
		// A stale record beats an error page.
		if serr == nil {
			m.metrics.DegradedInc()
			Log(ctx).Warn("serving stale book after upstream failure", "bookID", bookID, "err", err)
			return stored, nil
		}
		return nil, err
	}
	return book, nil
}

// refreshBookInfo fetches a book's metadata upstream and persists it.
func (m *Manager) refreshBookInfo(ctx context.Context, bookID string) (*Book, error) {
	v, err := m.gate.Do(ctx, BookKey(bookID), func(ctx context.Context) (any, error) {
		m.metrics.UpstreamInc()
		book, err := m.upstream.BookInfo(ctx, bookID)
		if err != nil {
			return nil, err
		}
		if err := m.persistBook(ctx, book); err != nil {
			return nil, err
		}
		return book, nil
	})
	if err != nil {
		return nil, err
	}
	book := v.(*Book)
	m.memSet(ctx, BookKey(bookID), book, bookTag(bookID))
	return book, nil
}

// persistBook merges a fetched record with the stored one before writing:
// the public ID survives, and the last-chapter fields never move backwards.
func (m *Manager) persistBook(ctx context.Context, book *Book) error {
	if stored, err := m.store.GetBook(ctx, book.ID); err == nil {
		book.PublicID = stored.PublicID
		if book.LastChapterNumber < stored.LastChapterNumber {
			book.LastChapterNumber = stored.LastChapterNumber
			book.LastChapterTitle = stored.LastChapterTitle
			book.LastChapterURL = stored.LastChapterURL
		}
		if book.CategoryID == "" {
			book.CategoryID = stored.CategoryID
		}
	}
	book.FetchedAt = m.clock.Now()
	return m.store.UpsertBook(ctx, book)
}

func (m *Manager) trackAccess(ctx context.Context, bookID string) {
	if m.tracker != nil {
		if err := m.tracker.TrackAccess(ctx, bookID); err != nil {
			Log(ctx).Warn("failed to track access", "bookID", bookID, "err", err)
		}
	}
	if m.enqueuer != nil {
		m.enqueuer.Enqueue(bookID, PriorityUser)
	}
}

// --- Chapters ---

// ChapterList returns one upstream page of a book's chapter index, or the
// whole index with all set. Serving is two-phase: the requested page is
// fetched synchronously, the remaining pages are backfilled into the store
// in the background. The bool result reports degraded service, meaning the
// upstream failed and the response came from possibly-stale store data.
func (m *Manager) ChapterList(ctx context.Context, bookID string, page int, all bool) (*ChapterIndex, bool, error) {
	if page < 1 {
		page = 1
	}
	m.trackAccess(ctx, bookID)

	if all {
		return m.fullChapterList(ctx, bookID)
	}

	key := chaptersKey(bookID, page)
	if raw, ok := m.mem.Get(ctx, key); ok {
		var idx ChapterIndex
		if err := sonic.Unmarshal(raw, &idx); err == nil {
			m.metrics.HitInc("memory")
			return &idx, false, nil
		}
	}
	m.metrics.MissInc()

	cp, err := m.fetchChapterPage(ctx, bookID, page)
	if err != nil {
		idx, serr := m.storeChapterIndex(ctx, bookID, page)
		if serr == nil {
			m.metrics.DegradedInc()
			Log(ctx).Warn("serving chapters from store after upstream failure", "bookID", bookID, "err", err)
			return idx, true, nil
		}
		return nil, false, err
	}

	idx := &ChapterIndex{
		BookID:     bookID,
		Chapters:   cp.Chapters,
		Page:       cp.Page,
		TotalPages: cp.TotalPages,
	}
	m.memSet(ctx, key, idx, bookTag(bookID))

	if cp.TotalPages > 1 {
		m.backfillIndex(ctx, bookID, page, cp.TotalPages)
	}
	return idx, false, nil
}

// fullChapterList fetches every index page synchronously, then serves the
// merged result from the store. A partial fetch still serves, flagged
// degraded.
func (m *Manager) fullChapterList(ctx context.Context, bookID string) (*ChapterIndex, bool, error) {
	cp, err := m.fetchChapterPage(ctx, bookID, 1)
	if err != nil {
		idx, serr := m.storeChapterIndex(ctx, bookID, 0)
		if serr == nil {
			m.metrics.DegradedInc()
			return idx, true, nil
		}
		return nil, false, err
	}

	degraded := false
	if cp.TotalPages > 1 {
		if err := m.fetchChapterRange(ctx, bookID, 2, cp.TotalPages, 1); err != nil {
			degraded = true
			Log(ctx).Warn("partial chapter index", "bookID", bookID, "err", err)
		}
	}

	chapters, err := m.store.ListChapters(ctx, bookID)
	if err != nil {
		return nil, false, err
	}
	return &ChapterIndex{
		BookID:     bookID,
		Chapters:   chapters,
		Page:       1,
		TotalPages: 1,
	}, degraded, nil
}

// fetchChapterPage pulls one index page through the gate, reconciles it
// against the book record and persists the chapters.
func (m *Manager) fetchChapterPage(ctx context.Context, bookID string, page int) (*ChapterPage, error) {
	v, err := m.gate.Do(ctx, chaptersKey(bookID, page), func(ctx context.Context) (any, error) {
		m.metrics.UpstreamInc()
		cp, err := m.upstream.ChapterPage(ctx, bookID, page)
		if err != nil {
			return nil, err
		}
		if err := m.persistChapters(ctx, bookID, cp.Chapters); err != nil {
			return nil, err
		}
		return cp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ChapterPage), nil
}

// persistChapters writes fetched chapters and advances the book's
// last-chapter watermark when the fetch observed something newer.
func (m *Manager) persistChapters(ctx context.Context, bookID string, fetched []Chapter) error {
	existing, err := m.store.ListChapters(ctx, bookID)
	if err != nil {
		return err
	}
	merged := MergeChapterLists(existing, fetched)

	book, err := m.store.GetBook(ctx, bookID)
	if err != nil && KindOf(err) != KindNotFound {
		return err
	}
	if book == nil {
		book = &Book{ID: bookID}
	}
	updated, toWrite, changed := Reconcile(*book, merged)

	n, err := m.store.UpsertChaptersBatch(ctx, withBookID(bookID, toWrite))
	if err != nil {
		return fmt.Errorf("persisted %d of %d chapters: %w", n, len(toWrite), err)
	}
	if changed {
		if err := m.store.UpsertBook(ctx, &updated); err != nil {
			return err
		}
		m.mem.Delete(ctx, BookKey(bookID))
	}
	return nil
}

func withBookID(bookID string, chapters []Chapter) []Chapter {
	for i := range chapters {
		chapters[i].BookID = bookID
	}
	return chapters
}

// fetchChapterRange walks index pages [from, to], skipping skipPage.
// Pages fetch a few at a time; the per-host limiter paces the actual
// requests.
func (m *Manager) fetchChapterRange(ctx context.Context, bookID string, from, to, skipPage int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for p := from; p <= to; p++ {
		if p == skipPage {
			continue
		}
		p := p
		g.Go(func() error {
			_, err := m.fetchChapterPage(ctx, bookID, p)
			return err
		})
	}
	return g.Wait()
}

// backfillIndex fetches the rest of a chapter index in the background. At
// most one backfill per book runs at a time.
func (m *Manager) backfillIndex(ctx context.Context, bookID string, served, totalPages int) {
	m.mu.Lock()
	if m.backfills.has(bookID) {
		m.mu.Unlock()
		return
	}
	m.backfills.add(bookID)
	m.mu.Unlock()

	bctx := context.WithValue(context.WithoutCancel(ctx), middleware.RequestIDKey, fmt.Sprintf("backfill-%s", bookID))

	go func() {
		defer func() {
			m.mu.Lock()
			m.backfills.remove(bookID)
			m.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(bctx, _backfillTimeout)
		defer cancel()

		if err := m.fetchChapterRange(ctx, bookID, 1, totalPages, served); err != nil {
			Log(ctx).Warn("index backfill incomplete", "bookID", bookID, "err", err)
			return
		}
		Log(ctx).Debug("index backfill finished", "bookID", bookID, "pages", totalPages)
	}()
}

// storeChapterIndex serves a page of the stored index. Page 0 means all.
// Store pagination is by fixed window, not by upstream page boundaries;
// it only runs on the degraded path.
func (m *Manager) storeChapterIndex(ctx context.Context, bookID string, page int) (*ChapterIndex, error) {
	chapters, err := m.store.ListChapters(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if len(chapters) == 0 {
		return nil, errNotFound
	}
	if page <= 0 {
		return &ChapterIndex{BookID: bookID, Chapters: chapters, Page: 1, TotalPages: 1}, nil
	}

	totalPages := int(math.Ceil(float64(len(chapters)) / _chapterPageSize))
	start := (page - 1) * _chapterPageSize
	if start >= len(chapters) {
		return nil, Errf(KindNotFound, "page %d of %d", page, totalPages)
	}
	end := min(start+_chapterPageSize, len(chapters))
	return &ChapterIndex{
		BookID:     bookID,
		Chapters:   chapters[start:end],
		Page:       page,
		TotalPages: totalPages,
	}, nil
}

// --- Content ---

// ChapterContent returns a chapter's text by its key, joined with the index
// entry it belongs to. With bypass, the cached tiers are skipped and the
// text is re-fetched upstream.
func (m *Manager) ChapterContent(ctx context.Context, bookID, chapterKey string, bypass bool) (*ChapterContent, error) {
	m.trackAccess(ctx, bookID)

	ch, err := m.resolveChapter(ctx, bookID, chapterKey)
	if err != nil {
		return nil, err
	}

	key := contentKey(bookID, chapterKey)
	if !bypass {
		if raw, ok := m.mem.Get(ctx, key); ok {
			m.metrics.HitInc("memory")
			return contentFor(ch, string(raw), time.Time{}), nil
		}
		if c, err := m.store.GetContent(ctx, bookID, chapterKey); err == nil {
			m.metrics.HitInc("store")
			m.mem.Set(ctx, key, []byte(c.Text), 0, bookTag(bookID))
			return contentFor(ch, c.Text, c.FetchedAt), nil
		}
		m.metrics.MissInc()
	}

	v, err := m.gate.Do(ctx, key, func(ctx context.Context) (any, error) {
		m.metrics.UpstreamInc()
		text, err := m.upstream.Content(ctx, *ch)
		if err != nil {
			return nil, err
		}
		c := contentFor(ch, text, m.clock.Now())
		if err := m.store.UpsertContent(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	c := v.(*ChapterContent)
	m.mem.Set(ctx, key, []byte(c.Text), 0, bookTag(bookID))
	return c, nil
}

// contentFor joins a chapter ref with its text.
func contentFor(ch *Chapter, text string, fetchedAt time.Time) *ChapterContent {
	return &ChapterContent{
		BookID:     ch.BookID,
		ChapterKey: ch.Key,
		ChapterNum: ch.Number,
		Title:      ch.Title,
		URL:        ch.URL,
		PublicID:   ch.PublicID,
		Text:       text,
		FetchedAt:  fetchedAt,
	}
}

// resolveChapter finds the chapter ref for a key, syncing the index when
// the key is unknown (the index may simply not be cached yet).
func (m *Manager) resolveChapter(ctx context.Context, bookID, chapterKey string) (*Chapter, error) {
	ch, err := m.store.GetChapterByKey(ctx, bookID, chapterKey)
	if err == nil {
		return ch, nil
	}
	if KindOf(err) != KindNotFound {
		return nil, err
	}

	if _, _, err := m.fullChapterList(ctx, bookID); err != nil {
		return nil, err
	}
	ch, err = m.store.GetChapterByKey(ctx, bookID, chapterKey)
	if err != nil {
		return nil, Errf(KindNotFound, "chapter %s/%s not found", bookID, chapterKey)
	}
	return ch, nil
}

// --- Background sync surface ---

// SyncBook refreshes a book's metadata and full chapter index. Run by the
// job engine.
func (m *Manager) SyncBook(ctx context.Context, bookID string) error {
	if _, err := m.refreshBookInfo(ctx, bookID); err != nil {
		return fmt.Errorf("refreshing book %s: %w", bookID, err)
	}
	_, degraded, err := m.fullChapterList(ctx, bookID)
	if err != nil {
		return fmt.Errorf("refreshing chapters for %s: %w", bookID, err)
	}
	if degraded {
		return Errf(KindUpstreamUnreachable, "partial chapter index for %s", bookID)
	}
	m.mem.Invalidate(ctx, bookTag(bookID))
	return nil
}

// InvalidateBook drops a book's memory entries plus its stored chapter
// index and content. The book row and queue entry survive.
func (m *Manager) InvalidateBook(ctx context.Context, bookID string) error {
	m.mem.Invalidate(ctx, bookTag(bookID))
	m.mem.Delete(ctx, BookKey(bookID))
	return m.store.DeleteChaptersAndContent(ctx, bookID)
}

// InitSync walks the catalog to seed the store: up to catLimit categories,
// up to pagesPer listing pages each. Books are persisted but their chapter
// indices are not fetched; those come on demand or via the nightly pass.
func (m *Manager) InitSync(ctx context.Context, catLimit, pagesPer int) (int, error) {
	if catLimit <= 0 {
		catLimit = 5
	}
	if pagesPer <= 0 {
		pagesPer = 3
	}
	cats, err := m.refreshCategories(ctx)
	if err != nil {
		return 0, err
	}
	if len(cats) > catLimit {
		cats = cats[:catLimit]
	}

	seeded := 0
	for _, cat := range cats {
		for page := 1; page <= pagesPer; page++ {
			books, totalPages, err := m.CategoryBooks(ctx, cat.ID, page, false)
			if err != nil {
				return seeded, fmt.Errorf("seeding category %s page %d: %w", cat.ID, page, err)
			}
			seeded += len(books)
			if totalPages > 0 && page >= totalPages {
				break
			}
		}
	}
	return seeded, nil
}

// --- helpers ---

func (m *Manager) fresh(fetchedAt time.Time) bool {
	return !fetchedAt.IsZero() && m.clock.Now().Sub(fetchedAt) < m.ttl
}

// memSet marshals v and writes it to the memory tier with the default TTL.
func (m *Manager) memSet(ctx context.Context, key string, v any, tags ...string) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		Log(ctx).Warn("failed to marshal for memory cache", "key", key, "err", err)
		return
	}
	m.mem.Set(ctx, key, raw, 0, tags...)
}
