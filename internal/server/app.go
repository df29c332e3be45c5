// Package server wires the sync daemon: database, migrations, services, the
// outbox worker and the ops HTTP endpoint, and handles graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/mentorsync/internal/logging"
	"github.com/dmitrijs2005/mentorsync/internal/server/config"
	"github.com/dmitrijs2005/mentorsync/internal/server/ops"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/mentorsync/internal/server/services"
	"github.com/dmitrijs2005/mentorsync/internal/server/storage"
	"github.com/dmitrijs2005/mentorsync/internal/server/worker"
)

var (
	openDB         = repomanager.OpenDB
	newObjectStore = func(ctx context.Context, c *config.Config) (storage.ObjectStore, error) {
		return storage.NewS3Store(ctx, c)
	}
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	members  *services.MemberService
	profiles *services.ProfileService
	worker   *worker.SyncWorker
	ops      *ops.Server
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.NewJSON(os.Stdout, level)

	db, err := openDB(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if c.MigrateOnStart {
		if err := rm.RunMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations error: %w", err)
		}
	}

	store, err := newObjectStore(ctx, c)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("object store init error: %w", err)
	}

	engine := services.NewSyncEngine(rm, logger)

	return &App{
		config:   c,
		logger:   logger,
		db:       db,
		members:  services.NewMemberService(db, rm, engine, c, logger),
		profiles: services.NewProfileService(db, rm, store, c, logger),
		worker:   worker.NewSyncWorker(db, rm, engine, c, logger),
		ops:      ops.NewServer(c.EndpointAddrHTTP, db, logger),
	}, nil
}

// Members exposes the member write path to embedding code.
func (app *App) Members() *services.MemberService { return app.members }

// Profiles exposes the mentor-facing profile operations.
func (app *App) Profiles() *services.ProfileService { return app.profiles }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run blocks until a signal arrives or one of the components fails.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "sync_mode", app.config.SyncMode)

	app.initSignalHandler(cancelFunc)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.ops.Run(ctx) })
	if app.config.SyncMode == config.SyncModeOutbox {
		g.Go(func() error { return app.worker.Run(ctx) })
	}

	err := g.Wait()
	if cErr := app.db.Close(); cErr != nil {
		app.logger.Warn(context.WithoutCancel(ctx), "error closing db", "error", cErr)
	}
	app.logger.Info(context.WithoutCancel(ctx), "App stopped")
	return err
}
