package internal

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// JobState is the lifecycle state of a background sync job.
type JobState string

const (
	JobQueued JobState = "queued"
	JobActive JobState = "active"
	JobDone   JobState = "done"
	JobFailed JobState = "failed"
)

// Engine priority tiers, highest drains first. The durable queue encodes
// priorities differently (user entries are 0 there); these are the in-memory
// ranks.
const (
	PriorityAuto   = 1
	PriorityUser   = 2
	PriorityManual = 10
)

// Job is one SyncBook unit of work. Jobs live in memory from enqueue until
// history eviction; failed jobs are retained with their reason.
type Job struct {
	ID       string   `json:"id"`
	BookID   string   `json:"book_id"`
	Priority int      `json:"priority"`
	State    JobState `json:"state"`
	Err      string   `json:"error,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	seq   uint64
	index int
}

// BookSyncer is the engine's view of the cache manager: refresh a book and
// its chapter index, or drop its cached state ahead of a forced resync.
type BookSyncer interface {
	SyncBook(ctx context.Context, bookID string) error
	InvalidateBook(ctx context.Context, bookID string) error
}

// EngineStats is a point-in-time snapshot for the stats endpoints.
type EngineStats struct {
	QueueSize int      `json:"pending"`
	ActiveIDs []string `json:"active_ids"`
	Completed int64    `json:"completed"`
	Failed    int64    `json:"failed"`
	LastError string   `json:"last_error,omitempty"`
	Workers   int      `json:"workers"`
	Running   bool     `json:"running"`
}

// EngineOpts tune the engine. Zero values pick the defaults.
type EngineOpts struct {
	Workers      int           // Pool size, default 2.
	Interval     time.Duration // Sleep between jobs per worker, default 2s.
	DedupHorizon time.Duration // Suppress re-enqueue after a success, default 5m.
	JobTimeout   time.Duration // Overall per-job deadline, default 10m.
	HistorySize  int           // Terminal jobs retained, default 256.
	Clock        Clock
	Metrics      JobMetrics
}

// Engine drains a priority queue of SyncBook jobs with a fixed worker pool.
// It owns all Job state; for any book there is at most one active job at a
// time.
type Engine struct {
	syncer BookSyncer
	clock  Clock

	workers      int
	interval     time.Duration
	dedupHorizon time.Duration
	jobTimeout   time.Duration
	grace        time.Duration

	mu      sync.Mutex
	queue   jobHeap
	queued  map[string]*Job      // bookID -> queued job
	active  map[string]*Job      // bookID -> active job
	recent  map[string]time.Time // bookID -> last successful completion
	seq     uint64
	lastErr string

	history   *ring[Job]
	notify    chan struct{}
	completed atomic.Int64
	failed    atomic.Int64
	running   atomic.Bool

	// onDone reports job outcomes back to the scheduler so queue entries can
	// be marked completed/failed.
	onDone func(bookID string, err error)

	metrics JobMetrics
}

// NewEngine creates a stopped engine; call Run to start draining.
func NewEngine(syncer BookSyncer, opts EngineOpts) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.DedupHorizon <= 0 {
		opts.DedupHorizon = 5 * time.Minute
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 256
	}
	if opts.Clock == nil {
		opts.Clock = NewClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = noJobMetrics{}
	}
	return &Engine{
		syncer:       syncer,
		clock:        opts.Clock,
		workers:      opts.Workers,
		interval:     opts.Interval,
		dedupHorizon: opts.DedupHorizon,
		jobTimeout:   opts.JobTimeout,
		grace:        5 * time.Second,
		queued:       map[string]*Job{},
		active:       map[string]*Job{},
		recent:       map[string]time.Time{},
		history:      newRing[Job](opts.HistorySize),
		notify:       make(chan struct{}, 1),
		metrics:      opts.Metrics,
	}
}

// SetOnDone registers the completion callback. Wired once at startup.
func (e *Engine) SetOnDone(fn func(bookID string, err error)) {
	e.onDone = fn
}

// Enqueue schedules a SyncBook job. Dedup suppresses the enqueue when an
// active job exists for the book or a successful job completed within the
// dedup horizon; in both cases the existing job's ID (or "") is returned
// with false. A queued job's priority is raised, never lowered.
func (e *Engine) Enqueue(bookID string, priority int) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if j, ok := e.active[bookID]; ok {
		e.metrics.DedupedInc()
		return j.ID, false
	}
	if j, ok := e.queued[bookID]; ok {
		if priority > j.Priority {
			j.Priority = priority
			heap.Fix(&e.queue, j.index)
		}
		e.metrics.DedupedInc()
		return j.ID, false
	}
	if done, ok := e.recent[bookID]; ok && e.clock.Now().Sub(done) < e.dedupHorizon {
		e.metrics.DedupedInc()
		return "", false
	}

	e.seq++
	j := &Job{
		ID:         uuid.NewString(),
		BookID:     bookID,
		Priority:   priority,
		State:      JobQueued,
		EnqueuedAt: e.clock.Now(),
		seq:        e.seq,
	}
	e.queued[bookID] = j
	heap.Push(&e.queue, j)
	e.metrics.EnqueuedInc()
	e.metrics.QueueSet(float64(e.queue.Len()))

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return j.ID, true
}

// ForceResync drops a book's cached state and enqueues it at elevated
// priority. A second force while the book is actively syncing returns a
// Conflict error.
func (e *Engine) ForceResync(ctx context.Context, bookID string, priority int, clearCache bool) (string, error) {
	e.mu.Lock()
	if _, ok := e.active[bookID]; ok {
		e.mu.Unlock()
		return "", Errf(KindConflict, "book %s is already syncing", bookID)
	}
	delete(e.recent, bookID) // The horizon must not suppress a forced sync.
	e.mu.Unlock()

	if clearCache {
		if err := e.syncer.InvalidateBook(ctx, bookID); err != nil {
			return "", fmt.Errorf("clearing cache for %s: %w", bookID, err)
		}
	}
	if priority < PriorityManual {
		priority = PriorityManual
	}
	id, _ := e.Enqueue(bookID, priority)
	return id, nil
}

// ActiveFor reports whether a job for the book is currently executing.
func (e *Engine) ActiveFor(bookID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[bookID]
	return ok
}

// Stats snapshots the engine.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	active := make([]string, 0, len(e.active))
	for id := range e.active {
		active = append(active, id)
	}
	return EngineStats{
		QueueSize: e.queue.Len(),
		ActiveIDs: active,
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		LastError: e.lastErr,
		Workers:   e.workers,
		Running:   e.running.Load(),
	}
}

// History returns retained terminal jobs, oldest first.
func (e *Engine) History() []Job {
	return e.history.items()
}

// ClearHistory drops retained terminal jobs.
func (e *Engine) ClearHistory() {
	e.history.clear()
}

// Run starts the worker pool and blocks until ctx is cancelled, then waits
// out the shutdown grace window so in-flight jobs can finish.
func (e *Engine) Run(ctx context.Context) {
	e.running.Store(true)
	defer e.running.Store(false)

	// Jobs get their own context so a shutdown doesn't kill them instantly;
	// they're cancelled after the grace window.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		time.Sleep(e.grace)
		cancelJobs()
	}()

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go e.superviseWorker(ctx, jobCtx, i, &wg)
	}
	wg.Wait()
	cancelJobs()
}

// superviseWorker restarts the worker loop if it exits from a panic.
func (e *Engine) superviseWorker(ctx, jobCtx context.Context, id int, wg *sync.WaitGroup) {
	defer wg.Done()
	for ctx.Err() == nil {
		e.workerLoop(ctx, jobCtx, id)
	}
}

func (e *Engine) workerLoop(ctx, jobCtx context.Context, id int) {
	defer func() {
		if r := recover(); r != nil {
			Log(ctx).Error("worker panic, restarting", "worker", id, "details", r)
		}
	}()

	for {
		j := e.pop(ctx)
		if j == nil {
			return
		}
		e.runJob(jobCtx, j)

		// Between jobs, respect the inter-job rate limit.
		if err := e.clock.Sleep(ctx, e.interval); err != nil {
			return
		}
	}
}

// pop blocks until a job is available, transitioning it to active, or
// returns nil when ctx ends.
func (e *Engine) pop(ctx context.Context) *Job {
	for {
		e.mu.Lock()
		if e.queue.Len() > 0 {
			j := heap.Pop(&e.queue).(*Job)
			delete(e.queued, j.BookID)
			j.State = JobActive
			j.StartedAt = e.clock.Now()
			e.active[j.BookID] = j
			e.metrics.QueueSet(float64(e.queue.Len()))
			e.metrics.ActiveSet(float64(len(e.active)))
			e.mu.Unlock()
			return j
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-e.notify:
		}
	}
}

func (e *Engine) runJob(jobCtx context.Context, j *Job) {
	ctx, cancel := context.WithTimeout(jobCtx, e.jobTimeout)
	ctx = context.WithValue(ctx, middleware.RequestIDKey, fmt.Sprintf("sync-book-%s", j.BookID))
	defer cancel()

	Log(ctx).Debug("starting sync", "jobID", j.ID, "priority", j.Priority)
	start := e.clock.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = Errf(KindUpstreamInvalid, "sync panicked: %v", r)
			}
		}()
		return e.syncer.SyncBook(ctx, j.BookID)
	}()

	e.mu.Lock()
	delete(e.active, j.BookID)
	j.FinishedAt = e.clock.Now()
	if err != nil {
		j.State = JobFailed
		j.Err = err.Error()
		e.lastErr = err.Error()
		e.failed.Add(1)
		e.metrics.FailedInc()
	} else {
		j.State = JobDone
		e.recent[j.BookID] = e.clock.Now()
		e.completed.Add(1)
		e.metrics.CompletedInc()
	}
	e.metrics.ActiveSet(float64(len(e.active)))
	onDone := e.onDone
	e.mu.Unlock()

	e.history.push(*j)

	if err != nil {
		Log(ctx).Warn("sync failed", "jobID", j.ID, "err", err, "duration", e.clock.Now().Sub(start).String())
	} else {
		Log(ctx).Info("sync finished", "jobID", j.ID, "duration", e.clock.Now().Sub(start).String())
	}

	if onDone != nil {
		onDone(j.BookID, err)
	}
}

// jobHeap orders by priority descending, FIFO within a priority.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}
