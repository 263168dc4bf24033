package app

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"herald/internal/api"
	"herald/internal/config"
	"herald/internal/eventbus"
	"herald/internal/schedule"
	"herald/internal/session"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// App assembles the whole service: config, logging, storage, the chat
// session, the scheduler and the HTTP surface.
type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store schedule.TaskStore
	sess  session.Session
	exec  *schedule.Executor
	mgr   *schedule.Manager
	api   *api.Server

	apiEnabled bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc, err := storageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	sess, err := openSession(cfg.Session, log)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	exec := schedule.NewExecutor(schedule.ExecutorConfig{
		RatePerSec: cfg.Schedule.RatePerSec,
	}, sess, log.With(logx.String("comp", "executor")))

	mgr := schedule.NewManager(schedule.Config{
		Timezone:     cfg.Schedule.Timezone,
		HistoryLimit: cfg.Schedule.HistoryLimit,
	}, store, exec, bus, log.With(logx.String("comp", "schedule")))

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		sess:       sess,
		exec:       exec,
		mgr:        mgr,
		apiEnabled: cfg.API.Enabled,
	}
	if cfg.API.Enabled {
		apiCfg, err := apiConfig(cfg)
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, err
		}
		a.api = api.New(apiCfg, mgr, exec, bus, log.With(logx.String("comp", "api")))
	}
	return a, nil
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	sc := storage.Config{
		Driver:   cfg.Storage.Driver,
		Path:     cfg.Storage.Path,
		Addr:     cfg.Storage.Addr,
		Password: cfg.Storage.Password,
		DB:       cfg.Storage.DB,
	}
	if sc.Path == "" {
		sc.Path = "./herald_tasks.json"
	}
	d, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	sc.BusyTimeout = d
	return sc, nil
}

func apiConfig(cfg *config.Config) (api.Config, error) {
	rt, err := config.ParseDurationField("api.read_timeout", cfg.API.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	wt, err := config.ParseDurationField("api.write_timeout", cfg.API.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	it, err := config.ParseDurationField("api.idle_timeout", cfg.API.IdleTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:         cfg.API.Addr,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  it,
	}, nil
}

func openSession(cfg config.SessionConfig, log logx.Logger) (session.Session, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "console":
		return session.NewConsole(cfg.Rooms, log.With(logx.String("comp", "session"))), nil
	default:
		return nil, fmt.Errorf("unknown session driver: %s", driver)
	}
}

// Run arms the scheduler and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.mgr.Init(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.cfgm.Watch(gctx) })
	g.Go(func() error {
		a.watchReload(gctx)
		return nil
	})
	if a.api != nil {
		g.Go(func() error { return a.api.Run(gctx) })
	}

	err := g.Wait()
	a.shutdown()
	return err
}

// watchReload applies config changes that are safe to take live. Logging
// swaps in place; everything else needs a restart and says so.
func (a *App) watchReload(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("logging config applied")
			if cfg.API.Enabled != a.apiEnabled {
				a.log.Warn("api enable/disable requires a restart")
			}
		}
	}
}

func (a *App) shutdown() {
	a.mgr.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing store", logx.Err(err))
	}
	a.log.Info("herald stopped")
	_ = a.logs.Close()
}
