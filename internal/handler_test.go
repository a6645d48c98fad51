package internal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	handler http.Handler
	mgr     *Manager
	engine  *Engine
	sched   *Scheduler
	store   *Store
	up      *fakeUpstream
}

func testHandler(t *testing.T) *handlerFixture {
	t.Helper()
	store := testStore(t)
	mem := testCache(t)
	up := newFakeUpstream()

	mgr := NewManager(store, mem, up, ManagerOpts{TTL: time.Hour})
	engine := NewEngine(mgr, EngineOpts{Workers: 1, Interval: time.Millisecond})
	sched := NewScheduler(store, SchedulerOpts{Interval: time.Millisecond})
	sched.SetEnqueuer(engine)
	engine.SetOnDone(sched.OnJobDone)
	mgr.SetTracker(sched)

	return &handlerFixture{
		handler: NewHandler(mgr, engine, sched, nil),
		mgr:     mgr,
		engine:  engine,
		sched:   sched,
		store:   store,
		up:      up,
	}
}

func (f *handlerFixture) do(t *testing.T, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	}
	return rec, body
}

func TestHandlerHealth(t *testing.T) {
	t.Parallel()
	f := testHandler(t)

	rec, body := f.do(t, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "jobs")

	cache, ok := body["cache"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, cache, "books_in_db")
	assert.Contains(t, cache, "chapters_in_db")
	assert.Contains(t, cache, "memory_cache_size")
}

func TestHandlerCategories(t *testing.T) {
	t.Parallel()
	f := testHandler(t)

	rec, body := f.do(t, http.MethodGet, "/api/categories")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["categories"])
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age")
}

func TestHandlerBookTracksAccess(t *testing.T) {
	t.Parallel()
	f := testHandler(t)

	rec, body := f.do(t, http.MethodGet, "/api/books/42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Book 42", body["name"])

	// The read landed in the sync queue at user priority.
	e, err := f.store.QueueGet(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, 1, e.AccessCount)
	assert.Equal(t, 0, e.Priority)
}

func TestHandlerChapterList(t *testing.T) {
	t.Parallel()
	f := testHandler(t)

	rec, body := f.do(t, http.MethodGet, "/api/books/42/chapters?page=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["degraded"])
	assert.Len(t, body["chapters"], 2)
}

func TestHandlerChapterContent(t *testing.T) {
	t.Parallel()
	f := testHandler(t)

	rec, body := f.do(t, http.MethodGet, "/api/books/42/chapters/1001")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["text"], "prose")
	assert.Equal(t, float64(1), body["chapter_num"])
	assert.Equal(t, "Chapter 1", body["title"])
	assert.Contains(t, body["url"], "1001")

	assert.Equal(t, 1, f.up.count("content:1001"))
	f.do(t, http.MethodGet, "/api/books/42/chapters/1001?nocache=true")
	assert.Equal(t, 2, f.up.count("content:1001"))
}

func TestHandlerErrorMapping(t *testing.T) {
	t.Parallel()
	f := testHandler(t)
	f.up.bookInfoFn = func(context.Context, string) (*Book, error) {
		return nil, Errf(KindUpstreamRateLimited, "too fast")
	}

	rec, body := f.do(t, http.MethodGet, "/api/books/42")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "upstream_rate_limited", body["kind"])

	f.up.bookInfoFn = func(context.Context, string) (*Book, error) {
		return nil, errNotFound
	}
	rec, _ = f.do(t, http.MethodGet, "/api/books/43")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerManualSync(t *testing.T) {
	t.Parallel()
	f := testHandler(t)

	rec, body := f.do(t, http.MethodPost, "/api/admin/jobs/sync/42")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["job_id"])

	// A second request dedups against the queued job.
	rec, body = f.do(t, http.MethodPost, "/api/admin/jobs/sync/42")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "deduplicated", body["status"])
}

func TestHandlerManualSyncPriority(t *testing.T) {
	t.Parallel()
	f := testHandler(t)

	rec, _ := f.do(t, http.MethodPost, "/api/admin/jobs/sync/42?priority=50")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// A priority below the manual tier is raised to it.
	rec, _ = f.do(t, http.MethodPost, "/api/admin/jobs/sync/43?priority=1")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	assert.Equal(t, 50, f.engine.queued["42"].Priority)
	assert.Equal(t, PriorityManual, f.engine.queued["43"].Priority)
}

func TestHandlerForceResyncAlreadySyncing(t *testing.T) {
	t.Parallel()
	f := testHandler(t)

	f.engine.mu.Lock()
	f.engine.active["42"] = &Job{ID: "j1", BookID: "42", State: JobActive}
	f.engine.mu.Unlock()

	rec, body := f.do(t, http.MethodPost, "/api/admin/jobs/force-resync/42")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_syncing", body["status"])
}

func TestHandlerForceResyncQueues(t *testing.T) {
	t.Parallel()
	f := testHandler(t)
	ctx := context.Background()

	_, err := f.store.UpsertChaptersBatch(ctx, []Chapter{
		{BookID: "B7", Number: 1, Key: "k1", Title: "Chapter 1"},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertContent(ctx, &ChapterContent{BookID: "B7", ChapterKey: "k1", Text: "old text"}))

	// A bare force drops the book's cached rows before queueing the resync.
	rec, body := f.do(t, http.MethodPost, "/api/admin/jobs/force-resync/B7")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, 1, f.engine.Stats().QueueSize)

	chapters, err := f.store.ListChapters(ctx, "B7")
	require.NoError(t, err)
	assert.Empty(t, chapters)
	_, err = f.store.GetContent(ctx, "B7", "k1")
	assert.Error(t, err)
}

func TestHandlerForceResyncKeepCache(t *testing.T) {
	t.Parallel()
	f := testHandler(t)
	ctx := context.Background()

	_, err := f.store.UpsertChaptersBatch(ctx, []Chapter{
		{BookID: "B7", Number: 1, Key: "k1", Title: "Chapter 1"},
	})
	require.NoError(t, err)

	rec, _ := f.do(t, http.MethodPost, "/api/admin/jobs/force-resync/B7?clear_cache=false")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	chapters, err := f.store.ListChapters(ctx, "B7")
	require.NoError(t, err)
	assert.Len(t, chapters, 1)
}

func TestHandlerJobEndpoints(t *testing.T) {
	t.Parallel()
	f := testHandler(t)

	f.engine.Enqueue("42", PriorityUser)

	rec, body := f.do(t, http.MethodGet, "/api/admin/jobs/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["pending"])

	rec, _ = f.do(t, http.MethodPost, "/api/admin/jobs/clear_history")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/admin/jobs")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["jobs"])
}

func TestHandlerMidnightSyncEndpoints(t *testing.T) {
	t.Parallel()
	f := testHandler(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertBook(ctx, &Book{ID: "1", Name: "unfinished", Status: "ongoing"}))

	rec, body := f.do(t, http.MethodPost, "/api/admin/midnight-sync/enqueue-unfinished")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["enqueued"])

	rec, body = f.do(t, http.MethodGet, "/api/admin/midnight-sync/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	queue, ok := body["queue"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), queue["pending"])

	rec, _ = f.do(t, http.MethodPost, "/api/admin/midnight-sync/trigger")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// The pass marks the entry syncing; once done we can clear terminals.
	require.Eventually(t, func() bool {
		stats, err := f.sched.Stats(ctx)
		return err == nil && !stats.PassRunning
	}, 5*time.Second, time.Millisecond)

	rec, _ = f.do(t, http.MethodPost, "/api/admin/midnight-sync/clear-completed")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerCacheClear(t *testing.T) {
	t.Parallel()
	f := testHandler(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertContent(ctx, &ChapterContent{BookID: "42", ChapterKey: "k1", Text: "cached text"}))
	require.NoError(t, f.sched.TrackAccess(ctx, "42"))

	rec, body := f.do(t, http.MethodPost, "/api/admin/cache/clear")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cleared", body["status"])

	// Stored chapter text is gone, the sync queue survives.
	_, err := f.store.GetContent(ctx, "42", "k1")
	assert.Error(t, err)
	e, err := f.store.QueueGet(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, e.AccessCount)
}

func TestHandlerInitSync(t *testing.T) {
	t.Parallel()
	f := testHandler(t)

	rec, body := f.do(t, http.MethodPost, "/api/admin/init-sync?categories_limit=1&pages_per_category=1")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "started", body["status"])

	// The walk runs in the background and seeds the store.
	require.Eventually(t, func() bool {
		books, _, err := f.store.Stats(context.Background())
		return err == nil && books > 0
	}, 5*time.Second, time.Millisecond)
}

func TestHandlerUnknownRoute(t *testing.T) {
	t.Parallel()
	f := testHandler(t)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
