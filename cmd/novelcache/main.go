package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"

	"github.com/wattle/novelcache/internal"
)

type cli struct {
	Port    int    `env:"PORT" default:"8080" help:"Port to serve the API on."`
	BaseURL string `env:"BASE_URL" required:"" help:"Root URL of the upstream catalog."`
	DBPath  string `env:"DB_PATH" default:"novelcache.db" help:"Path to the embedded database file."`
	NoProxy string `env:"NO_PROXY" help:"Comma-separated hosts that skip challenge detection."`

	Workers      int           `env:"BG_JOB_WORKERS" default:"2" help:"Background sync worker pool size."`
	JobRateLimit int           `env:"BG_JOB_RATE_LIMIT" default:"2" help:"Seconds each worker pauses between background jobs."`
	DedupHorizon time.Duration `env:"BG_JOB_DEDUP_HORIZON" default:"5m" help:"Suppress re-sync of a book this soon after a success."`

	MidnightHour      int `env:"MIDNIGHT_SYNC_HOUR" default:"0" help:"Hour of the nightly sync pass."`
	MidnightMinute    int `env:"MIDNIGHT_SYNC_MINUTE" default:"0" help:"Minute of the nightly sync pass."`
	MidnightRateLimit int `env:"MIDNIGHT_SYNC_RATE_LIMIT" default:"5" help:"Seconds between enqueues during a pass."`

	CacheTTLSeconds int   `env:"CACHE_TTL_SECONDS" default:"3600" help:"Memory cache TTL and store freshness bound, in seconds."`
	CacheMaxItems   int64 `env:"CACHE_MAX_ITEMS" default:"100000" help:"Approximate memory cache capacity."`

	UpstreamInterval time.Duration `env:"UPSTREAM_INTERVAL" default:"500ms" help:"Minimum spacing between upstream requests per host."`
	UpstreamBurst    int           `env:"UPSTREAM_BURST" default:"3" help:"Upstream request burst per host."`

	Debug bool `env:"DEBUG" help:"Enable debug logging."`
}

func main() {
	cfg := &cli{}
	kctx := kong.Parse(cfg, kong.Name("novelcache"),
		kong.Description("Read-through cache and background sync engine for a remote novel catalog."))

	styles := log.DefaultStyles()
	styles.Keys["err"] = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	styles.Values["err"] = lipgloss.NewStyle().Bold(true)
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	logger.SetStyles(styles)
	logger.SetColorProfile(lipgloss.ColorProfile())
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logger.SetFormatter(log.LogfmtFormatter)
	}
	internal.SetLogger(logger)

	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem))); err != nil {
		logger.Warn("couldn't detect memory limit", "err", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "err", err)
		kctx.FatalIfErrorf(err)
	}
}

func run(cfg *cli, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := internal.OpenStore(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", cfg.DBPath, err)
	}
	defer func() { _ = store.Close() }()

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	mem, err := internal.NewMemoryCache(cfg.CacheMaxItems, ttl)
	if err != nil {
		return fmt.Errorf("building memory cache: %w", err)
	}

	limiter := internal.NewHostLimiter(cfg.UpstreamInterval, cfg.UpstreamBurst)
	fetcher, err := internal.NewFetcher(cfg.BaseURL, internal.NewHTMLParser(cfg.BaseURL), limiter, cfg.NoProxy)
	if err != nil {
		return fmt.Errorf("building fetcher: %w", err)
	}

	reg := internal.NewMetrics()
	mgr := internal.NewManager(store, mem, fetcher, internal.ManagerOpts{
		TTL:     ttl,
		Metrics: internal.NewCacheMetrics(reg),
	})
	engine := internal.NewEngine(mgr, internal.EngineOpts{
		Workers:      cfg.Workers,
		Interval:     time.Duration(cfg.JobRateLimit) * time.Second,
		DedupHorizon: cfg.DedupHorizon,
		Metrics:      internal.NewJobMetrics(reg),
	})
	sched := internal.NewScheduler(store, internal.SchedulerOpts{
		Hour:     cfg.MidnightHour,
		Minute:   cfg.MidnightMinute,
		Interval: time.Duration(cfg.MidnightRateLimit) * time.Second,
	})

	sched.SetEnqueuer(engine)
	engine.SetOnDone(sched.OnJobDone)
	mgr.SetTracker(sched)
	mgr.SetEnqueuer(engine)

	if err := sched.Recover(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); engine.Run(ctx) }()
	go func() { defer wg.Done(); sched.Run(ctx) }()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: internal.NewHandler(mgr, engine, sched, reg),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving", "port", cfg.Port, "upstream", cfg.BaseURL, "db", cfg.DBPath)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	wg.Wait()
	logger.Info("goodbye")
	return nil
}
