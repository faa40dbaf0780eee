// Package app wires the coaching subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order, flushing pending memory writes last.
//
// For testing, inject doubles via functional options (WithStore,
// WithCatalog, WithMetrics). When an option is not provided, New builds the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/moneycoach/internal/bridge"
	"github.com/MrWong99/moneycoach/internal/catalog"
	"github.com/MrWong99/moneycoach/internal/coach"
	"github.com/MrWong99/moneycoach/internal/config"
	"github.com/MrWong99/moneycoach/internal/health"
	"github.com/MrWong99/moneycoach/internal/observe"
	"github.com/MrWong99/moneycoach/internal/oracle"
	"github.com/MrWong99/moneycoach/internal/resilience"
	"github.com/MrWong99/moneycoach/internal/web"
	"github.com/MrWong99/moneycoach/pkg/memory"
	"github.com/MrWong99/moneycoach/pkg/memory/inmem"
	"github.com/MrWong99/moneycoach/pkg/memory/postgres"
	"github.com/MrWong99/moneycoach/pkg/provider/llm"
)

const (
	// retryBackoff is the pause between backend attempts.
	retryBackoff = 500 * time.Millisecond
	// sweepInterval caps how often idle sessions are looked for.
	sweepInterval = time.Minute
)

// NamedLLM is a generation backend together with its config name.
type NamedLLM = config.NamedLLM

// Providers holds the instantiated backends, usually built by
// [config.Registry.Build].
type Providers = config.Backends

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store   memory.Store
	writer  *bridge.Writer
	catalog *catalog.Catalog
	metrics *observe.Metrics
	metricz http.Handler
	engine  *coach.Engine
	manager *coach.Manager
	health  *health.Handler
	handler http.Handler
	server  *http.Server

	checkers []health.Checker

	// closers run in order during Shutdown, after the writer has drained.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithStore injects a memory store instead of creating one from config.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCatalog injects the intervention catalog instead of loading
// coach.catalog_path.
func WithCatalog(c *catalog.Catalog) Option {
	return func(a *App) { a.catalog = c }
}

// WithMetrics records into m instead of the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics, typically
// [observe.Telemetry.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricz = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. A catalog problem is
// returned as an error wrapping [catalog.ErrCatalogLoad].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM.Provider == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Memory store ──────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Catalog ───────────────────────────────────────────────────────
	if a.catalog == nil {
		cat, err := catalog.Load(cfg.Coach.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.catalog = cat
	}
	slog.Info("intervention catalog loaded", "path", cfg.Coach.CatalogPath, "count", a.catalog.Len())

	// ── 3. Memory bridge ─────────────────────────────────────────────────
	a.writer = bridge.NewWriter(a.store, bridge.WriterConfig{
		QueueSize: cfg.Memory.WriteQueueSize,
		Workers:   cfg.Memory.WriteWorkers,
		Retries:   cfg.Memory.WriteRetries,
		Timeout:   cfg.Memory.WriteTimeout,
		Metrics:   a.metrics,
	})
	mem := bridge.New(a.store, a.writer, bridge.WithReadTimeout(cfg.Memory.ReadTimeout))

	// ── 4. Backends ──────────────────────────────────────────────────────
	gen, orc := a.buildBackends()

	// ── 5. Engine ────────────────────────────────────────────────────────
	engine, err := coach.NewEngine(coach.Dependencies{
		LLM:     gen,
		Router:  oracle.NewLLMRouter(orc),
		Referee: oracle.NewLLMReferee(orc),
		Catalog: a.catalog,
		Memory:  mem,
	},
		coach.WithSettings(settingsFrom(cfg)),
		coach.WithIntake(intakeFrom(cfg.Intake)),
		coach.WithPersona(personaFrom(cfg.Coach)),
		coach.WithMetrics(a.metrics),
		coach.WithStrictInvariants(cfg.Coach.StrictInvariants),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.engine = engine
	a.manager = coach.NewManager(engine)

	// ── 6. HTTP ──────────────────────────────────────────────────────────
	a.checkers = append(a.checkers, health.Checker{Name: "catalog", Check: func(context.Context) error {
		if a.catalog.Len() == 0 {
			return errors.New("empty")
		}
		return nil
	}})
	a.health = health.New(a.checkers...)
	webOpts := []web.Option{web.WithHealth(a.health), web.WithMetrics(a.metrics)}
	if a.metricz != nil {
		webOpts = append(webOpts, web.WithMetricsHandler(a.metricz))
	}
	a.handler = web.New(a.manager, webOpts...).Handler()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// initMemory connects the PostgreSQL store when a DSN is configured and
// falls back to the in-process store otherwise.
func (a *App) initMemory(ctx context.Context) error {
	if a.store != nil {
		if p, ok := a.store.(health.Pinger); ok {
			a.checkers = append(a.checkers, health.PingChecker("memory", p))
		}
		return nil
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		slog.Warn("no postgres_dsn configured, memories are kept in process only")
		a.store = inmem.New()
		return nil
	}

	var opts []postgres.Option
	if e := a.providers.Embeddings; e != nil {
		if want := a.cfg.Memory.EmbeddingDimensions; want > 0 && e.Dimensions() != want {
			return fmt.Errorf("memory.embedding_dimensions is %d but embeddings model %q produces %d", want, e.ModelID(), e.Dimensions())
		}
		opts = append(opts, postgres.WithEmbeddings(e))
	}
	store, err := postgres.NewStore(ctx, dsn, opts...)
	if err != nil {
		return err
	}
	a.store = store
	a.checkers = append(a.checkers, health.PingChecker("memory", store))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// buildBackends wraps the generation backend in failover and bounded
// retries. The oracle gets the same per-attempt timeout without retries; a
// failed router or referee call already degrades safely.
func (a *App) buildBackends() (gen, orc llm.Provider) {
	fb := resilience.NewLLMFallback(a.providers.LLM.Provider, a.providers.LLM.Name, resilience.FallbackConfig{})
	for _, f := range a.providers.Fallbacks {
		fb.AddFallback(f.Name, f.Provider)
	}

	retries := config.DefaultBackendRetries
	if r := a.cfg.Coach.BackendRetries; r != nil {
		retries = *r
	}
	gen = resilience.NewLLMRetry(fb, resilience.RetryConfig{
		Timeout: a.cfg.Coach.TurnTimeout,
		Retries: retries,
		Backoff: retryBackoff,
	})

	orc = gen
	if a.providers.Oracle != nil {
		orc = resilience.NewLLMRetry(a.providers.Oracle, resilience.RetryConfig{Timeout: a.cfg.Coach.TurnTimeout})
	}
	return gen, orc
}

func settingsFrom(cfg *config.Config) coach.Settings {
	s := coach.DefaultSettings()
	s.HistoryLimit = cfg.Coach.HistoryLimit
	s.PromptWindow = cfg.Coach.PromptWindow
	s.FailsafeTurns = cfg.Coach.FailsafeTurns
	s.Temperature = cfg.Coach.Temperature
	s.RecallTopK = cfg.Memory.RecallTopK
	return s
}

func intakeFrom(ic config.IntakeConfig) coach.Intake {
	in := coach.Intake{Greeting: ic.Greeting, SummaryPrompt: ic.SummaryPrompt}
	for _, q := range ic.Questions {
		in.Questions = append(in.Questions, coach.IntakeQuestion{Text: q.Text, Topic: q.Topic})
	}
	return in
}

func personaFrom(cc config.CoachConfig) coach.Persona {
	p := coach.DefaultPersonaConfig()
	if cc.Persona != "" {
		p.Persona = cc.Persona
	}
	if cc.StyleRules != "" {
		p.StyleRules = cc.StyleRules
	}
	return p
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the session manager shared by all front-ends.
func (a *App) Manager() *coach.Manager { return a.manager }

// Engine returns the coaching engine.
func (a *App) Engine() *coach.Engine { return a.engine }

// Store returns the memory store.
func (a *App) Store() memory.Store { return a.store }

// Handler returns the HTTP handler with middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next and returns the diff so
// the caller can handle the rest (e.g. the log level).
func (a *App) Reload(prev, next *config.Config) config.ConfigDiff {
	d := config.Diff(prev, next)
	if d.PersonaChanged {
		a.engine.SetPersona(personaFrom(next.Coach))
		slog.Info("persona reloaded")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
	a.cfg = next
	return d
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run starts the memory writer and the idle session sweeper and serves HTTP
// until ctx is cancelled or the listener fails. The writer keeps running after ctx ends so Shutdown can
// drain it.
func (a *App) Run(ctx context.Context) error {
	go func() {
		if err := a.writer.Run(context.WithoutCancel(ctx)); err != nil {
			slog.Error("memory writer stopped", "err", err)
		}
	}()
	if idle := a.cfg.Coach.SessionIdleTimeout; idle > 0 {
		go a.manager.RunSweeper(ctx, min(idle/2, sweepInterval), idle)
	}

	errc := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}()

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("app: serve http: %w", err)
		}
		return nil
	}
}

// Shutdown stops accepting requests, ends all sessions, drains pending
// memory writes and runs the closers. Writes still queued when ctx expires
// are abandoned and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.manager.Len(), "pending_writes", a.writer.Pending())
		a.health.SetDraining(true)

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		a.manager.EndAll(ctx)
		if err := a.writer.Close(ctx); err != nil {
			errs = append(errs, err)
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
