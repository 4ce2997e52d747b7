package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/authdns/api"
	"github.com/semihalev/authdns/authority"
	"github.com/semihalev/authdns/cache"
	"github.com/semihalev/authdns/catalog"
	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/middleware"
	"github.com/semihalev/authdns/middleware/accesslog"
	"github.com/semihalev/authdns/server"
)

// zones is the catalog the authority handler answers from. Reloads swap
// its content.
var zones = catalog.NewHolder(catalog.New())

const reloadDelay = 500 * time.Millisecond

// runner is implemented by authorities with background work, such as
// secondary zones refreshing themselves.
type runner interface {
	Run(ctx context.Context)
}

// App owns the zones and everything that must survive a reload.
type App struct {
	cfgPath string
	holder  *catalog.Holder
	deps    catalog.Deps

	mu      sync.Mutex
	ctx     context.Context
	runners map[authority.Authority]context.CancelFunc
}

// NewApp builds the catalog from cfg into holder.
func NewApp(ctx context.Context, cfgPath string, cfg *config.Config, holder *catalog.Holder) (*App, error) {
	a := &App{
		cfgPath: cfgPath,
		holder:  holder,
		deps:    catalog.Deps{Signatures: cache.New(cfg.DNSSEC.SignatureCache)},
		ctx:     ctx,
		runners: make(map[authority.Authority]context.CancelFunc),
	}

	if err := a.openDB(ctx, cfg); err != nil {
		return nil, err
	}

	c, err := catalog.Build(ctx, cfg, a.deps, nil)
	if err != nil {
		a.Close()
		return nil, err
	}

	holder.Swap(c)

	return a, nil
}

func (a *App) openDB(ctx context.Context, cfg *config.Config) error {
	if a.deps.DB != nil {
		return nil
	}

	for _, z := range cfg.Zones {
		if z.Type != config.ZonePrimary || z.Storage != config.StorageBstore {
			continue
		}

		if cfg.Database == "" {
			return fmt.Errorf("zone %s: database is not configured", z.Name)
		}

		db, err := authority.OpenDB(ctx, cfg.Path(cfg.Database))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}

		zlog.Info("Database opened", "path", cfg.Path(cfg.Database))
		a.deps.DB = db

		return nil
	}

	return nil
}

// Start runs the background work of every zone until Close.
func (a *App) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.syncRunners(a.holder.Load())
}

// Reload reads the config file again and replaces the catalog. Zones whose
// definition did not change keep their data.
func (a *App) Reload(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg, err := config.Load(a.cfgPath, version)
	if err != nil {
		return err
	}

	if err := a.openDB(ctx, cfg); err != nil {
		return err
	}

	c, err := catalog.Build(ctx, cfg, a.deps, a.holder.Load())
	if err != nil {
		return err
	}

	a.holder.Swap(c)
	a.syncRunners(c)

	zlog.Info("Zones reloaded", "zones", c.Len())

	return nil
}

// syncRunners starts the runners of new authorities and stops the ones
// that left the catalog.
func (a *App) syncRunners(c *catalog.Catalog) {
	current := make(map[authority.Authority]struct{}, c.Len())

	for _, z := range c.Zones() {
		current[z] = struct{}{}

		r, ok := z.(runner)
		if !ok {
			continue
		}

		if _, running := a.runners[z]; running {
			continue
		}

		ctx, cancel := context.WithCancel(a.ctx)
		a.runners[z] = cancel

		go r.Run(ctx)
	}

	for z, cancel := range a.runners {
		if _, ok := current[z]; !ok {
			cancel()
			delete(a.runners, z)
		}
	}
}

// Close stops the runners and closes the database.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for z, cancel := range a.runners {
		cancel()
		delete(a.runners, z)
	}

	if a.deps.DB != nil {
		if err := a.deps.DB.Close(); err != nil {
			zlog.Error("Close database failed", "error", err.Error())
		}
		a.deps.DB = nil
	}
}

// Watch reloads on SIGHUP and when the config file changes, until ctx is done.
func (a *App) Watch(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var events <-chan fsnotify.Event

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zlog.Warn("Config watcher disabled", "error", err.Error())
	} else {
		defer watcher.Close()

		// Editors replace files, so the directory is watched.
		if err := watcher.Add(filepath.Dir(a.cfgPath)); err != nil {
			zlog.Warn("Config watcher disabled", "path", a.cfgPath, "error", err.Error())
		} else {
			events = watcher.Events
		}
	}

	// A change is usually several events; reload once they settle.
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	reload := func(reason string) {
		zlog.Info("Reloading config", "reason", reason, "path", a.cfgPath)

		if err := a.Reload(ctx); err != nil {
			zlog.Error("Reload failed, keeping current zones", "error", err.Error())
		}
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-hup:
			reload("signal")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(a.cfgPath) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(reloadDelay)
			}
		case <-timer.C:
			reload("file changed")
		}
	}
}

func parseLevel(level string) (zlog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zlog.LevelDebug, nil
	case "", "info":
		return zlog.LevelInfo, nil
	case "warn", "warning":
		return zlog.LevelWarn, nil
	case "error", "crit":
		return zlog.LevelError, nil
	}

	return zlog.LevelInfo, fmt.Errorf("log verbosity level unknown: %s", level)
}

func setupLogger(level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}

	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	logger.SetLevel(lvl)
	zlog.SetDefault(logger)

	return nil
}

// serve runs the server until ctx is done.
func serve(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath, version)
	if err != nil {
		return fmt.Errorf("config loading failed: %w", err)
	}

	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	zlog.Info("Starting authdns...", "version", version)

	app, err := NewApp(ctx, cfgPath, cfg, zones)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := middleware.Setup(cfg); err != nil {
		return err
	}

	srv := server.New(cfg)
	srv.Run(ctx)

	api.New(cfg, zones, app.Reload).Run(ctx)

	app.Start()
	go app.Watch(ctx)

	<-ctx.Done()

	zlog.Info("Stopping authdns...")

	srv.Stop()

	if al, ok := middleware.Get("accesslog").(*accesslog.AccessLog); ok {
		if err := al.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			zlog.Error("Close access log failed", "error", err.Error())
		}
	}

	return nil
}
