package internal

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler is the HTTP surface over the manager, the job engine and the
// scheduler.
type Handler struct {
	mgr    *Manager
	engine *Engine
	sched  *Scheduler
	start  time.Time
}

// NewHandler builds the router. The registry may be nil to skip /metrics
// and instrumentation (tests).
func NewHandler(mgr *Manager, engine *Engine, sched *Scheduler, reg *prometheus.Registry) http.Handler {
	h := &Handler{mgr: mgr, engine: engine, sched: sched, start: time.Now()}

	mux := chi.NewMux()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/categories", h.categories)
		r.Get("/categories/{categoryID}/books", h.categoryBooks)
		r.Get("/books/{bookID}", h.bookInfo)
		r.Get("/books/{bookID}/chapters", h.chapterList)
		r.Get("/books/{bookID}/chapters/{chapterKey}", h.chapterContent)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/jobs/sync/{bookID}", h.syncBook)
			r.Post("/jobs/force-resync/{bookID}", h.forceResync)
			r.Get("/jobs", h.jobHistory)
			r.Get("/jobs/stats", h.jobStats)
			r.Post("/jobs/clear_history", h.clearJobHistory)
			r.Get("/midnight-sync/stats", h.schedulerStats)
			r.Post("/midnight-sync/enqueue-unfinished", h.enqueueUnfinished)
			r.Post("/midnight-sync/trigger", h.triggerPass)
			r.Post("/midnight-sync/clear-completed", h.clearCompleted)
			r.Post("/cache/clear", h.clearCache)
			r.Post("/init-sync", h.initSync)
		})
	})

	if reg != nil {
		mux.Get("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}).ServeHTTP)
		return instrument(reg, mux)
	}
	return mux
}

// --- reads ---

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.mgr.Stats(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.start).Truncate(time.Second).String(),
		"cache":  stats,
		"jobs":   h.engine.Stats(),
	})
}

func (h *Handler) categories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.mgr.Categories(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	cacheFor(w, time.Hour)
	h.writeJSON(w, r, http.StatusOK, map[string]any{"categories": cats})
}

func (h *Handler) categoryBooks(w http.ResponseWriter, r *http.Request) {
	catID := chi.URLParam(r, "categoryID")
	page := queryInt(r, "page", 1)
	// Listings feed the background sync by default; pass bg_sync=false to
	// read without queueing anything.
	bgSync := true
	if v := r.URL.Query().Get("bg_sync"); v != "" {
		bgSync, _ = strconv.ParseBool(v)
	}

	books, totalPages, err := h.mgr.CategoryBooks(r.Context(), catID, page, bgSync)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	cacheFor(w, 5*time.Minute)
	resp := map[string]any{
		"category_id": catID,
		"page":        page,
		"books":       books,
	}
	if totalPages > 0 {
		resp["total_pages"] = totalPages
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handler) bookInfo(w http.ResponseWriter, r *http.Request) {
	book, err := h.mgr.BookInfo(r.Context(), chi.URLParam(r, "bookID"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	cacheFor(w, 5*time.Minute)
	h.writeJSON(w, r, http.StatusOK, book)
}

func (h *Handler) chapterList(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookID")
	page := queryInt(r, "page", 1)
	all := queryBool(r, "all")

	idx, degraded, err := h.mgr.ChapterList(r.Context(), bookID, page, all)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if !degraded {
		cacheFor(w, 5*time.Minute)
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"book_id":     idx.BookID,
		"page":        idx.Page,
		"total_pages": idx.TotalPages,
		"chapters":    idx.Chapters,
		"degraded":    degraded,
	})
}

func (h *Handler) chapterContent(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookID")
	chapterKey := chi.URLParam(r, "chapterKey")
	bypass := queryBool(r, "nocache")

	c, err := h.mgr.ChapterContent(r.Context(), bookID, chapterKey, bypass)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if !bypass {
		cacheFor(w, 24*time.Hour)
	}
	h.writeJSON(w, r, http.StatusOK, c)
}

// --- admin ---

func (h *Handler) syncBook(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookID")
	priority := queryInt(r, "priority", PriorityManual)
	if priority < PriorityManual {
		priority = PriorityManual
	}
	id, created := h.engine.Enqueue(bookID, priority)
	status := "queued"
	if !created {
		status = "deduplicated"
	}
	h.writeJSON(w, r, http.StatusAccepted, map[string]any{
		"book_id": bookID,
		"job_id":  id,
		"status":  status,
	})
}

func (h *Handler) forceResync(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookID")
	// Dropping the book's cached rows is the point of a force; pass
	// clear_cache=false to keep them.
	clearCache := true
	if v := r.URL.Query().Get("clear_cache"); v != "" {
		clearCache, _ = strconv.ParseBool(v)
	}

	id, err := h.engine.ForceResync(r.Context(), bookID, PriorityManual, clearCache)
	if KindOf(err) == KindConflict {
		// A sync is already covering this book; the caller's goal is met.
		h.writeJSON(w, r, http.StatusOK, map[string]any{
			"book_id": bookID,
			"status":  "already_syncing",
		})
		return
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusAccepted, map[string]any{
		"book_id": bookID,
		"job_id":  id,
		"status":  "queued",
	})
}

func (h *Handler) jobHistory(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]any{"jobs": h.engine.History()})
}

func (h *Handler) jobStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.engine.Stats())
}

func (h *Handler) clearJobHistory(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearHistory()
	h.writeJSON(w, r, http.StatusOK, map[string]any{"status": "cleared"})
}

func (h *Handler) schedulerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sched.Stats(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, stats)
}

func (h *Handler) enqueueUnfinished(w http.ResponseWriter, r *http.Request) {
	n, err := h.sched.EnqueueUnfinished(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"enqueued": n})
}

func (h *Handler) triggerPass(w http.ResponseWriter, r *http.Request) {
	if h.sched.PassRunning() {
		h.writeErr(w, r, Errf(KindConflict, "a sync pass is already running"))
		return
	}
	// The pass outlives the request; give it its own context.
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, middleware.GetReqID(r.Context()))
	go func() {
		if err := h.sched.RunPass(ctx); err != nil {
			Log(ctx).Warn("triggered pass failed", "err", err)
		}
	}()
	h.writeJSON(w, r, http.StatusAccepted, map[string]any{"status": "started"})
}

func (h *Handler) clearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := h.sched.ClearTerminal(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"removed": n})
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.ClearCache(r.Context()); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"status": "cleared"})
}

func (h *Handler) initSync(w http.ResponseWriter, r *http.Request) {
	catLimit := queryInt(r, "categories_limit", 0)
	pagesPer := queryInt(r, "pages_per_category", 0)

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "init-sync")
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
		defer cancel()
		n, err := h.mgr.InitSync(ctx, catLimit, pagesPer)
		if err != nil {
			Log(ctx).Warn("init sync stopped early", "seeded", n, "err", err)
			return
		}
		Log(ctx).Info("init sync finished", "seeded", n)
	}()
	h.writeJSON(w, r, http.StatusAccepted, map[string]any{"status": "started"})
}

// --- plumbing ---

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		Log(r.Context()).Error("failed to marshal response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	if status >= 500 {
		Log(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	} else {
		Log(r.Context()).Debug("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	h.writeJSON(w, r, status, map[string]any{
		"error": err.Error(),
		"kind":  KindOf(err).String(),
	})
}

// cacheFor tells clients they can reuse the response.
func cacheFor(w http.ResponseWriter, d time.Duration) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(d.Seconds())))
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}
