package internal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// JobEnqueuer is the scheduler's view of the job engine.
type JobEnqueuer interface {
	Enqueue(bookID string, priority int) (string, bool)
}

// SchedulerOpts tune the deferred scheduler. Zero values pick the defaults.
type SchedulerOpts struct {
	Hour     int           // Nightly trigger hour, 0-23.
	Minute   int           // Nightly trigger minute, 0-59.
	Interval time.Duration // Spacing between enqueues during a pass, default 5s.
	Clock    Clock
}

// SchedulerStats is a point-in-time snapshot for the stats endpoint.
type SchedulerStats struct {
	Queue       map[QueueStatus]int64 `json:"queue"`
	PassRunning bool                  `json:"pass_running"`
	LastPass    time.Time             `json:"last_pass,omitempty"`
	NextTrigger string                `json:"next_trigger"`
}

// Scheduler owns the durable sync queue. User accesses accumulate in the
// queue during the day; once a night (and on demand) a pass drains pending
// entries into the job engine, slowly, so background traffic never bursts
// against the upstream.
type Scheduler struct {
	store    *Store
	enqueuer JobEnqueuer
	clock    Clock

	hour     int
	minute   int
	interval time.Duration

	passing  atomic.Bool
	mu       sync.Mutex
	lastPass time.Time
	lastDay  string // Last civil day a nightly pass fired, "2006-01-02".
}

// NewScheduler creates a scheduler bound to the store. The enqueuer is wired
// afterwards via SetEnqueuer to break the construction cycle with the engine.
func NewScheduler(store *Store, opts SchedulerOpts) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = NewClock()
	}
	return &Scheduler{
		store:    store,
		clock:    opts.Clock,
		hour:     opts.Hour,
		minute:   opts.Minute,
		interval: opts.Interval,
	}
}

// SetEnqueuer wires the job engine. Called once at startup.
func (s *Scheduler) SetEnqueuer(e JobEnqueuer) { s.enqueuer = e }

// TrackAccess records a user access to a book in the durable queue. The
// entry is created at user priority on first access; later accesses bump the
// counter and revive completed or failed entries.
func (s *Scheduler) TrackAccess(ctx context.Context, bookID string) error {
	return s.store.QueueTrackAccess(ctx, bookID, s.clock.Now())
}

// EnqueueUnfinished adds every non-completed book to the queue at the
// nightly auto priority. Returns how many rows were written.
func (s *Scheduler) EnqueueUnfinished(ctx context.Context) (int64, error) {
	return s.store.QueueEnqueueUnfinished(ctx, s.clock.Now())
}

// ClearTerminal removes completed and failed queue entries.
func (s *Scheduler) ClearTerminal(ctx context.Context) (int64, error) {
	return s.store.QueueClearTerminal(ctx)
}

// Recover reverts entries a previous process left in 'syncing' back to
// 'pending'. Called once at boot, before Run.
func (s *Scheduler) Recover(ctx context.Context) error {
	n, err := s.store.QueueResetSyncing(ctx)
	if err != nil {
		return fmt.Errorf("recovering sync queue: %w", err)
	}
	if n > 0 {
		Log(ctx).Info("recovered interrupted sync queue entries", "count", n)
	}
	return nil
}

// Stats snapshots the queue and pass state.
func (s *Scheduler) Stats(ctx context.Context) (SchedulerStats, error) {
	queue, err := s.store.QueueStats(ctx)
	if err != nil {
		return SchedulerStats{}, err
	}
	s.mu.Lock()
	last := s.lastPass
	s.mu.Unlock()
	return SchedulerStats{
		Queue:       queue,
		PassRunning: s.passing.Load(),
		LastPass:    last,
		NextTrigger: fmt.Sprintf("%02d:%02d", s.hour, s.minute),
	}, nil
}

// PassRunning reports whether a drain pass is currently executing.
func (s *Scheduler) PassRunning() bool { return s.passing.Load() }

// OnJobDone transitions the queue entry for a finished job. Only entries the
// scheduler itself put into 'syncing' are touched; a user access racing the
// completion may already have revived the entry to 'pending', which wins.
func (s *Scheduler) OnJobDone(bookID string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entry, gerr := s.store.QueueGet(ctx, bookID)
	if gerr != nil || entry.Status != QueueSyncing {
		return
	}
	status := QueueCompleted
	if err != nil {
		status = QueueFailed
	}
	if uerr := s.store.QueueUpdateStatus(ctx, bookID, status, s.clock.Now()); uerr != nil {
		Log(ctx).Warn("failed to update queue entry", "bookID", bookID, "err", uerr)
	}
}

// Run blocks until ctx ends, firing one pass per day at the configured
// HH:MM. The trigger has minute resolution; a pass longer than a minute
// can't double-fire because the civil day is recorded up front.
func (s *Scheduler) Run(ctx context.Context) {
	ctx = context.WithValue(ctx, middleware.RequestIDKey, "midnight-sync")
	Log(ctx).Info("scheduler started", "trigger", fmt.Sprintf("%02d:%02d", s.hour, s.minute))

	for {
		now := s.clock.Now()
		if now.Hour() == s.hour && now.Minute() == s.minute {
			day := now.Format("2006-01-02")
			s.mu.Lock()
			due := s.lastDay != day
			if due {
				s.lastDay = day
			}
			s.mu.Unlock()

			if due {
				if n, err := s.EnqueueUnfinished(ctx); err != nil {
					Log(ctx).Error("nightly enqueue failed", "err", err)
				} else {
					Log(ctx).Info("nightly enqueue", "books", n)
				}
				if err := s.RunPass(ctx); err != nil && KindOf(err) != KindCancelled {
					Log(ctx).Error("nightly pass failed", "err", err)
				}
			}
		}

		// Wake at the next minute boundary.
		next := time.Minute - time.Duration(now.Second())*time.Second - time.Duration(now.Nanosecond())
		if err := s.clock.Sleep(ctx, next); err != nil {
			return
		}
	}
}

// RunPass drains pending queue entries into the job engine, one every
// interval. A second concurrent pass returns a Conflict error. The pass is
// interruptible between entries; whatever was already marked 'syncing' is
// finished by the engine or recovered at next boot.
func (s *Scheduler) RunPass(ctx context.Context) error {
	if !s.passing.CompareAndSwap(false, true) {
		return Errf(KindConflict, "a sync pass is already running")
	}
	defer s.passing.Store(false)

	s.mu.Lock()
	s.lastPass = s.clock.Now()
	s.mu.Unlock()

	pending, err := s.store.QueuePending(ctx)
	if err != nil {
		return fmt.Errorf("listing pending entries: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	Log(ctx).Info("sync pass starting", "pending", len(pending))

	for i, entry := range pending {
		if err := ctx.Err(); err != nil {
			return WithKind(KindCancelled, err)
		}
		if err := s.store.QueueUpdateStatus(ctx, entry.BookID, QueueSyncing, s.clock.Now()); err != nil {
			Log(ctx).Warn("failed to mark entry syncing", "bookID", entry.BookID, "err", err)
			continue
		}

		id, created := s.enqueuer.Enqueue(entry.BookID, enginePriority(entry))
		if !created && id == "" {
			// Suppressed by the recent-success horizon: the book was synced
			// moments ago, so the entry is already satisfied.
			if err := s.store.QueueUpdateStatus(ctx, entry.BookID, QueueCompleted, s.clock.Now()); err != nil {
				Log(ctx).Warn("failed to complete deduped entry", "bookID", entry.BookID, "err", err)
			}
			continue
		}

		if i < len(pending)-1 {
			if err := s.clock.Sleep(ctx, s.interval); err != nil {
				return WithKind(KindCancelled, err)
			}
		}
	}
	Log(ctx).Info("sync pass dispatched", "entries", len(pending))
	return nil
}

// enginePriority maps a queue entry's durable priority to the in-memory
// engine's. Manual triggers keep their elevated value; user-accessed entries
// (durable 0) rank above the nightly auto tier (durable 1) even though the
// engine orders numerically descending.
func enginePriority(e QueueEntry) int {
	switch {
	case e.Priority >= PriorityManual:
		return e.Priority
	case e.Priority == 0:
		return PriorityUser
	default:
		return PriorityAuto
	}
}
