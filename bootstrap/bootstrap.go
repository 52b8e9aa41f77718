// Package bootstrap wires configuration, storage, services, and the HTTP
// server into a runnable application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/geometer/adapters/clock"
	"github.com/artpar/geometer/adapters/idgen"
	"github.com/artpar/geometer/adapters/memory"
	"github.com/artpar/geometer/adapters/metrics"
	"github.com/artpar/geometer/adapters/sqlite"
	"github.com/artpar/geometer/app"
	"github.com/artpar/geometer/config"
	"github.com/artpar/geometer/ports"
	"github.com/artpar/geometer/web"
)

// retentionSweepInterval is how often old events are purged.
const retentionSweepInterval = time.Hour

// App holds the assembled application.
type App struct {
	Logger     zerolog.Logger
	Metrics    *metrics.Collector
	Ledger     *app.Ledger
	Estimator  *app.Estimator
	Aggregator *app.Aggregator
	HTTPServer *http.Server

	cfg        *config.Config
	holder     *config.Holder
	events     ports.EventStore
	entries    ports.LedgerStore
	db         *sqlite.DB
	memEntries *memory.LedgerStore

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New assembles the application from a loaded configuration.
// Hot reload is not wired; use NewWithHotReload for that.
func New(cfg *config.Config) (*App, error) {
	return build(cfg, nil)
}

// NewWithHotReload assembles the application from a config file and watches
// it for changes. Pricing changes apply to running estimators without a
// restart.
func NewWithHotReload(path string) (*App, error) {
	bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	holder, err := config.NewHolder(path, bootLogger)
	if err != nil {
		return nil, err
	}

	a, err := build(holder.Get(), holder)
	if err != nil {
		holder.Stop()
		return nil, err
	}

	holder.OnChange(a.applyPricing)
	holder.OnError(func(error) {
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
	})

	if err := holder.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch unavailable, SIGHUP reload only")
	}
	holder.WatchSignals()

	return a, nil
}

func build(cfg *config.Config, holder *config.Holder) (*App, error) {
	logger := newLogger(cfg.Logging)

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	a := &App{
		Logger:  logger,
		Metrics: m,
		cfg:     cfg,
		holder:  holder,
		stopCh:  make(chan struct{}),
	}

	if err := a.initStores(); err != nil {
		return nil, err
	}

	policy, err := cfg.ToPolicy()
	if err != nil {
		return nil, fmt.Errorf("build tier policy: %w", err)
	}

	cl := clock.Real{}

	a.Ledger = app.NewLedger(app.LedgerConfig{
		Events:  a.events,
		Entries: a.entries,
		Clock:   cl,
		Logger:  logger,
		Metrics: m,
	})

	a.Estimator = app.NewEstimator(a.Ledger, policy, cfg.ToRates(), logger, m)

	a.Aggregator = app.NewAggregator(app.AggregatorConfig{
		Events:    a.events,
		Clock:     cl,
		Logger:    logger,
		Metrics:   m,
		Staleness: cfg.Aggregation.CacheStaleness,
	})

	handler := web.NewHandler(web.Config{
		Estimator:  a.Estimator,
		Ledger:     a.Ledger,
		Aggregator: a.Aggregator,
		Clock:      cl,
		IDGen:      idgen.UUID{},
		Logger:     logger,
		Metrics:    m,
	})

	a.HTTPServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	a.wg.Add(1)
	go a.retentionLoop()

	return a, nil
}

// initStores opens the event log and ledger entry storage per the driver.
func (a *App) initStores() error {
	switch a.cfg.Database.Driver {
	case "sqlite":
		db, err := sqlite.Open(a.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return fmt.Errorf("migrate database: %w", err)
		}
		a.db = db
		a.events = sqlite.NewEventStore(db)
		a.entries = sqlite.NewLedgerStore(db)
		a.Logger.Info().Str("dsn", a.cfg.Database.DSN).Msg("sqlite storage ready")

	case "memory":
		events := memory.NewEventStore()
		a.events = events
		a.memEntries = memory.NewLedgerStore(memory.LedgerStoreConfig{EventStore: events})
		a.entries = a.memEntries
		a.Logger.Info().Msg("in-memory storage ready (data is not durable)")

	default:
		return fmt.Errorf("unknown database driver %q", a.cfg.Database.Driver)
	}
	return nil
}

// applyPricing swaps tier policy and rates on the running estimator.
func (a *App) applyPricing(cfg *config.Config) {
	policy, err := cfg.ToPolicy()
	if err != nil {
		a.Logger.Error().Err(err).Msg("reloaded config has invalid tiers, keeping old pricing")
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
		return
	}

	a.Estimator.UpdatePricing(policy, cfg.ToRates())

	if a.Metrics != nil {
		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.SetToCurrentTime()
	}
}

// retentionLoop purges events older than the retention window.
func (a *App) retentionLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sweepRetention()
		case <-a.stopCh:
			return
		}
	}
}

func (a *App) sweepRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-a.cfg.Retention())
	deleted, err := a.events.DeleteBefore(ctx, cutoff)
	if err != nil {
		a.Logger.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if deleted > 0 {
		a.Logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("purged old events")
	}

	count, err := a.events.CountSince(ctx, cutoff)
	if err == nil && count > a.cfg.Aggregation.MaxEvents {
		a.Logger.Warn().
			Int64("count", count).
			Int64("max", a.cfg.Aggregation.MaxEvents).
			Msg("event log exceeds configured max_events")
	}
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application. The ledger is closed before
// storage so its retry queue gets a final flush.
func (a *App) Shutdown() error {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		close(a.stopCh)
		a.wg.Wait()

		if a.holder != nil {
			a.holder.Stop()
		}

		if a.HTTPServer != nil {
			if err := a.HTTPServer.Shutdown(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("http server shutdown error")
			}
		}

		if a.Ledger != nil {
			if err := a.Ledger.Close(); err != nil {
				a.Logger.Error().Err(err).Msg("ledger close error")
			}
		}

		if a.memEntries != nil {
			if err := a.memEntries.Close(); err != nil {
				a.Logger.Error().Err(err).Msg("ledger store close error")
			}
		}

		if a.db != nil {
			if err := a.db.Close(); err != nil {
				a.Logger.Error().Err(err).Msg("database close error")
			}
		}

		a.Logger.Info().Msg("shutdown complete")
	})
	return nil
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
