// Package runtime assembles the execution core behind a query-in,
// envelope-out surface: pattern corpus with hot reload, capability registry,
// compliance gate and monitor, fingerprint cache with pricing-pack rollover
// invalidation, telemetry, replay tracing, and the executor.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dawsos-labs/dawsos/core/pkg/agent"
	"github.com/dawsos-labs/dawsos/core/pkg/cache"
	"github.com/dawsos-labs/dawsos/core/pkg/compliance"
	"github.com/dawsos-labs/dawsos/core/pkg/config"
	"github.com/dawsos-labs/dawsos/core/pkg/executor"
	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
	"github.com/dawsos-labs/dawsos/core/pkg/pricing"
	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
	"github.com/dawsos-labs/dawsos/core/pkg/registry"
	"github.com/dawsos-labs/dawsos/core/pkg/replay"
	"github.com/dawsos-labs/dawsos/core/pkg/telemetry"
)

// DefaultCacheCapacity bounds the in-memory fingerprint cache.
const DefaultCacheCapacity = 1024

// ErrNoPatternMatch means no trigger in the corpus matched the query.
var ErrNoPatternMatch = errors.New("runtime: no pattern matches query")

// Matcher resolves a user query to a pattern. The default is the corpus's
// normalized substring containment; hosts with smarter intent resolution
// plug in their own.
type Matcher func(query string) (pattern.Pattern, bool)

// QueryOptions carries per-request context from the host.
type QueryOptions struct {
	PortfolioID string
	// AsOfDate overrides the active pack's snapshot date (YYYY-MM-DD).
	AsOfDate string
	// Vars are host-extracted entities ({SYMBOL} and friends).
	Vars map[string]string
}

// Runtime owns the wired execution core. Build with New, register agents
// through Registry(), then Start for watchers, signals, and the scheduler.
type Runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	loader   *pattern.Loader
	corpus   *pattern.Corpus
	watcher  *pattern.Watcher
	monitor  *compliance.Monitor
	gate     *compliance.Gate
	flights  *cache.Group
	resolver *pricing.Resolver
	adapter  *agent.Adapter
	exec     *executor.Executor
	recorder telemetry.Recorder
	traces   *replay.Recorder
	// tracesSet distinguishes "never configured" from "explicitly disabled".
	tracesSet bool
	provider  *telemetry.Provider
	sched     *Scheduler
	matcher   Matcher
	now       func() time.Time

	staleness     time.Duration
	cacheCapacity int
	db            *sql.DB
	rdb           *redis.Client

	closers []io.Closer

	sigCh    chan os.Signal
	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithClock overrides the runtime clock, shared with the adapter and
// executor.
func WithClock(now func() time.Time) Option {
	return func(rt *Runtime) { rt.now = now }
}

// WithDB adds a SQL telemetry recorder alongside the JSONL log. The caller
// owns the handle.
func WithDB(db *sql.DB) Option {
	return func(rt *Runtime) { rt.db = db }
}

// WithRedis adds a second-level cache behind the in-memory store. The caller
// owns the client.
func WithRedis(client *redis.Client) Option {
	return func(rt *Runtime) { rt.rdb = client }
}

// WithProvider attaches OTel instrumentation to adapter invocations. The
// caller owns provider shutdown.
func WithProvider(p *telemetry.Provider) Option {
	return func(rt *Runtime) { rt.provider = p }
}

// WithMatcher replaces trigger matching.
func WithMatcher(m Matcher) Option {
	return func(rt *Runtime) { rt.matcher = m }
}

// WithStaleness overrides the executor's staleness threshold.
func WithStaleness(d time.Duration) Option {
	return func(rt *Runtime) { rt.staleness = d }
}

// WithCacheCapacity overrides the in-memory cache bound.
func WithCacheCapacity(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.cacheCapacity = n
		}
	}
}

// WithRecorder replaces the default telemetry sinks entirely.
func WithRecorder(rec telemetry.Recorder) Option {
	return func(rt *Runtime) { rt.recorder = rec }
}

// WithTraceRecorder replaces the default replay trace recorder. Passing nil
// disables tracing.
func WithTraceRecorder(rec *replay.Recorder) Option {
	return func(rt *Runtime) {
		rt.traces = rec
		rt.tracesSet = true
	}
}

// New wires the core from configuration. The corpus is not loaded yet:
// agents register through Registry() first, because the loader validates
// capability references against the registry and a pattern naming an
// unregistered capability is excluded. Start (or an explicit Reload) runs
// the initial load.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	if logger == nil {
		logger = slog.Default()
	}

	rt := &Runtime{
		cfg:           cfg,
		logger:        logger.With("component", "runtime"),
		now:           time.Now,
		cacheCapacity: DefaultCacheCapacity,
		sigCh:         make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(rt)
	}

	rt.registry = registry.New(logger)
	rt.monitor = compliance.NewMonitor(compliance.MonitorConfig{
		Strict: cfg.StrictMode,
		Logger: logger,
	})
	rt.gate = compliance.NewGate(rt.registry, cfg.StrictMode, logger)

	rt.corpus = pattern.NewCorpus()
	rt.loader = pattern.NewLoader(cfg.PatternsDir,
		pattern.WithIndex(rt.registry),
		pattern.WithPreScanner(rt.gate),
		pattern.WithStrict(cfg.StrictMode),
		pattern.WithLoaderLogger(logger),
	)

	store := cache.NewStore(rt.cacheCapacity, logger)
	rt.flights = cache.NewGroup(store, logger)
	if rt.rdb != nil {
		rt.flights.WithSecondLevel(cache.NewRedisStore(rt.rdb, "dawsos", logger))
	}

	resolver, err := pricing.NewResolver(initialPack(cfg, rt.now), logger)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	rt.resolver = resolver
	rt.resolver.Subscribe(rt.flights.RolloverSubscriber())

	if rt.recorder == nil {
		rec, err := rt.defaultRecorder()
		if err != nil {
			return nil, err
		}
		rt.recorder = rec
	}

	adapterOpts := []agent.AdapterOption{agent.WithClock(rt.now)}
	if rt.provider != nil {
		adapterOpts = append(adapterOpts, agent.WithTelemetry(rt.provider))
	}
	rt.adapter = agent.NewAdapter(rt.registry, rt.monitor, rt.recorder, logger, adapterOpts...)

	execOpts := []executor.Option{
		executor.WithGate(rt.gate),
		executor.WithCache(rt.flights),
		executor.WithClock(rt.now),
	}
	if rt.staleness > 0 {
		execOpts = append(execOpts, executor.WithStaleness(rt.staleness))
	}
	exec, err := executor.NewExecutor(rt.adapter, rt.registry, logger, execOpts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	rt.exec = exec

	if rt.traces == nil && !rt.tracesSet {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("runtime: data dir: %w", err)
		}
		traces, err := replay.NewRecorder(filepath.Join(cfg.DataDir, "traces.jsonl"))
		if err != nil {
			return nil, fmt.Errorf("runtime: %w", err)
		}
		rt.traces = traces
		rt.closers = append(rt.closers, traces)
	}

	rt.sched = NewScheduler(rt, logger)
	rt.watcher, err = pattern.NewWatcher(rt.loader, rt.corpus, logger,
		pattern.WithOnReload(func(res *pattern.LoadResult) {
			rt.sched.Sync()
			rt.logger.Info("corpus reloaded", "patterns", len(res.Patterns), "issues", len(res.Issues))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	if rt.matcher == nil {
		rt.matcher = rt.corpus.Match
	}

	return rt, nil
}

// Registry exposes the capability registry for agent registration.
func (rt *Runtime) Registry() *registry.Registry { return rt.registry }

// Corpus exposes the loaded pattern corpus.
func (rt *Runtime) Corpus() *pattern.Corpus { return rt.corpus }

// Gate exposes the compliance gate for report generation.
func (rt *Runtime) Gate() *compliance.Gate { return rt.gate }

// Resolver exposes the pricing resolver for rollover control.
func (rt *Runtime) Resolver() *pricing.Resolver { return rt.resolver }

// Executor exposes the pattern executor; the replay engine runs through it.
func (rt *Runtime) Executor() *executor.Executor { return rt.exec }

// CacheStats reports fingerprint cache counters.
func (rt *Runtime) CacheStats() cache.Stats { return rt.flights.Stats() }

// HandleQuery resolves the query to a pattern via trigger matching and
// executes it under the active pricing pack.
func (rt *Runtime) HandleQuery(ctx context.Context, userInput string, opts QueryOptions) (provenance.Envelope, error) {
	p, ok := rt.matcher(userInput)
	if !ok {
		return provenance.Envelope{}, fmt.Errorf("%w: %q", ErrNoPatternMatch, userInput)
	}
	execCtx := rt.newExecContext(userInput, opts)
	rt.logger.Info("query matched",
		"request_id", execCtx.RequestID, "pattern", p.ID, "pack", execCtx.PricingPackID)
	return rt.run(ctx, p, execCtx)
}

// ExecutePattern runs a pattern by id, bypassing trigger matching. The
// scheduler and the run CLI come through here.
func (rt *Runtime) ExecutePattern(ctx context.Context, patternID string, opts QueryOptions) (provenance.Envelope, error) {
	p, ok := rt.corpus.Get(patternID)
	if !ok {
		return provenance.Envelope{}, fmt.Errorf("runtime: pattern %s not in corpus", patternID)
	}
	return rt.run(ctx, p, rt.newExecContext("", opts))
}

func (rt *Runtime) newExecContext(userInput string, opts QueryOptions) *pattern.ExecContext {
	execCtx := pattern.NewExecContext()
	execCtx.UserInput = userInput
	execCtx.PortfolioID = opts.PortfolioID

	pack := rt.resolver.Active()
	execCtx.PricingPackID = pack.ID
	execCtx.AsOfDate = opts.AsOfDate
	if execCtx.AsOfDate == "" && !pack.Date.IsZero() {
		execCtx.AsOfDate = pack.Date.Format("2006-01-02")
	}
	for k, v := range opts.Vars {
		execCtx.Vars[k] = v
	}
	return execCtx
}

// run executes and records. Abandonment surfaces as a timeout envelope at
// this boundary: the host gets a uniform envelope-out contract, while the
// layers below kept the Go error so nothing was published for the dead
// flight.
func (rt *Runtime) run(ctx context.Context, p pattern.Pattern, execCtx *pattern.ExecContext) (provenance.Envelope, error) {
	env, err := rt.exec.Execute(ctx, p, execCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			detail := provenance.NewError(provenance.KindTimeout, "request abandoned: %v", err).
				At(p.ID, "", "")
			return provenance.ErrorEnvelope(detail, provenance.Meta{
				Source:        "runtime",
				ComputedAt:    rt.now(),
				PricingPackID: execCtx.PricingPackID,
			}), nil
		}
		return provenance.Envelope{}, err
	}

	if rt.traces != nil {
		if terr := rt.traces.Record(p.ID, execCtx, env); terr != nil {
			rt.logger.Warn("trace record failed", "pattern", p.ID, "error", terr)
		}
	}
	return env, nil
}

// Reload re-runs the load pipeline and reconciles the scheduler. SIGHUP and
// the file watcher land here.
func (rt *Runtime) Reload() (*pattern.LoadResult, error) {
	return rt.watcher.Reload()
}

// Start loads the corpus and begins background work: the pattern watcher,
// the SIGHUP listener, and the cron scheduler. Agents must already be
// registered. It returns immediately after the initial load.
func (rt *Runtime) Start(ctx context.Context) error {
	res, err := rt.Reload()
	if err != nil {
		return fmt.Errorf("runtime: load patterns: %w", err)
	}
	rt.logger.Info("pattern corpus loaded",
		"dir", rt.cfg.PatternsDir, "patterns", len(res.Patterns), "issues", len(res.Issues))

	if err := rt.watcher.Start(ctx); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	signal.Notify(rt.sigCh, syscall.SIGHUP)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		for range rt.sigCh {
			rt.logger.Info("SIGHUP: reloading pattern corpus")
			if _, err := rt.Reload(); err != nil {
				rt.logger.Error("reload failed", "error", err)
			}
		}
	}()

	rt.sched.Start()
	rt.started = true
	return nil
}

// Stop halts background work and closes runtime-owned sinks. Injected
// handles (DB, Redis, OTel provider) stay open; their owners close them.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() {
		signal.Stop(rt.sigCh)
		close(rt.sigCh)
		rt.wg.Wait()
		if rt.started {
			rt.sched.Stop()
			rt.watcher.Stop()
		}
		for _, c := range rt.closers {
			if err := c.Close(); err != nil {
				rt.logger.Warn("close failed", "error", err)
			}
		}
	})
}

// defaultRecorder builds the JSONL telemetry log under DataDir, plus the SQL
// recorder when a DB handle was injected.
func (rt *Runtime) defaultRecorder() (telemetry.Recorder, error) {
	if err := os.MkdirAll(rt.cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: data dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(rt.cfg.DataDir, "telemetry.jsonl"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runtime: telemetry log: %w", err)
	}
	rt.closers = append(rt.closers, f)

	rec := telemetry.Recorder(telemetry.NewLogRecorder(f))
	if rt.db != nil {
		sqlRec := telemetry.NewSQLRecorder(rt.db)
		if err := sqlRec.Init(context.Background()); err != nil {
			return nil, fmt.Errorf("runtime: telemetry store: %w", err)
		}
		rec = telemetry.MultiRecorder{rec, sqlRec}
	}
	return rec, nil
}

// initialPack derives the boot pack: the configured id when set (date parsed
// from conventional ids), today's conventional pack otherwise.
func initialPack(cfg *config.Config, now func() time.Time) pricing.Pack {
	if cfg.PricingPack != "" {
		p := pricing.Pack{ID: cfg.PricingPack, Description: "configured"}
		if date, ok := pricing.ParseID(cfg.PricingPack); ok {
			p.Date = date
		}
		return p
	}
	return pricing.NewPack(now(), "startup default")
}
