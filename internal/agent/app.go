// Package agent wires the upload pipeline together: ledger, transport,
// cleanup, drain scheduling and the admin surface, plus graceful shutdown.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/uplink/internal/agent/admin"
	"github.com/dmitrijs2005/uplink/internal/agent/cleanup"
	"github.com/dmitrijs2005/uplink/internal/agent/config"
	"github.com/dmitrijs2005/uplink/internal/agent/credentials"
	"github.com/dmitrijs2005/uplink/internal/agent/drain"
	"github.com/dmitrijs2005/uplink/internal/agent/identity"
	"github.com/dmitrijs2005/uplink/internal/agent/models"
	"github.com/dmitrijs2005/uplink/internal/agent/queue"
	"github.com/dmitrijs2005/uplink/internal/agent/signing"
	"github.com/dmitrijs2005/uplink/internal/agent/transport"
	"github.com/dmitrijs2005/uplink/internal/common"
	"github.com/dmitrijs2005/uplink/internal/dbx"
	"github.com/dmitrijs2005/uplink/internal/logging"
	"github.com/dmitrijs2005/uplink/internal/netx"
	"github.com/google/uuid"
)

type App struct {
	config     *config.Config
	logger     logging.Logger
	db         *sql.DB
	repo       queue.Repository
	newRepo    func(dbx.DBTX) queue.Repository
	locker     queue.JobLocker
	negotiator *cleanup.Negotiator
	coord      *drain.Coordinator
	scheduler  *drain.Scheduler
	admin      *admin.Server

	trigger chan struct{}
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, newRepo, locker, err := openLedger(ctx, cfg.LedgerDSN())
	if err != nil {
		return nil, fmt.Errorf("ledger init error: %w", err)
	}
	repo := newRepo(db)

	creds := credentials.NewFileStore(cfg.DataDir)
	signer := signing.NewSigner(creds)
	client := transport.NewClient(cfg.ServerURL, nil, signer, logger)
	poller := transport.NewPoller(client)
	negotiator := cleanup.NewNegotiator(repo, cleanup.OSDeleter{}, logger)

	coord := drain.NewCoordinator(repo, client, poller, negotiator,
		transport.FileOpener{}, drain.LogReporter{Log: logger}, logger)
	coord.SetBatchSize(cfg.BatchSize)

	app := &App{
		config:     cfg,
		logger:     logger,
		db:         db,
		repo:       repo,
		newRepo:    newRepo,
		locker:     locker,
		negotiator: negotiator,
		coord:      coord,
		scheduler:  drain.NewScheduler(locker, logger),
		admin:      admin.NewServer(cfg.AdminAddr, repo, negotiator, repo, logger),
		trigger:    make(chan struct{}, 1),
	}
	return app, nil
}

// openLedger picks the queue store backend from the DSN: a postgres URL
// selects the shared ledger, anything else is a local SQLite file. The
// embedded migrations are SQLite dialect; a shared postgres ledger is
// migrated by its own deployment. The returned factory builds a repository
// over any handle, including a transaction.
func openLedger(ctx context.Context, dsn string) (*sql.DB, func(dbx.DBTX) queue.Repository, queue.JobLocker, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := queue.OpenPostgres(dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		newRepo := func(h dbx.DBTX) queue.Repository { return queue.NewPostgresRepository(h) }
		return db, newRepo, queue.NewPostgresJobLocker(db), nil
	}

	db, err := queue.OpenSQLite(ctx, dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	newRepo := func(h dbx.DBTX) queue.Repository { return queue.NewSQLiteRepository(h) }
	return db, newRepo, queue.NewSQLiteJobLocker(db), nil
}

// Enqueue registers local content for upload. Byte-identical content already
// in the ledger is attached to the existing item instead of duplicated; only
// a CANCELLED twin yields a fresh item. An unreadable source surfaces as an
// error and nothing is enqueued. The find-or-create runs in a transaction;
// losing a concurrent insert race for the same content surfaces as a unique
// violation, in which case the transaction is retried once and the find now
// sees the winner's row to attach to.
func (app *App) Enqueue(ctx context.Context, path string) (*models.UploadItem, error) {
	digest, size, err := identity.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to derive content identity: %w", err)
	}
	key := digest.IdempotencyKey()
	name := filepath.Base(path)

	var item *models.UploadItem
	findOrCreate := func(ctx context.Context, tx dbx.DBTX) error {
		repo := app.newRepo(tx)

		existing, err := repo.FindByIdempotencyKey(ctx, key)
		switch {
		case err == nil && existing.State != models.StateCancelled:
			// Same bytes, possibly a different path: attach, don't duplicate.
			if err := repo.UpdateSource(ctx, existing.ID, path, name, size); err != nil {
				return err
			}
			app.logger.Info(ctx, "content already known, attached new reference",
				"item_id", existing.ID, "path", path)
			item, err = repo.GetByID(ctx, existing.ID)
			return err

		case err == nil:
			// A cancelled twin does not block re-uploading the same content.
			app.logger.Debug(ctx, "cancelled twin found, enqueueing fresh item", "twin_id", existing.ID)

		case !errors.Is(err, common.ErrNotFound):
			return err
		}

		item = &models.UploadItem{
			ID:             uuid.NewString(),
			SourceRef:      path,
			DisplayName:    name,
			SizeBytes:      size,
			IdempotencyKey: key,
			State:          models.StateQueued,
		}
		if err := repo.Create(ctx, item); err != nil {
			return err
		}
		app.logger.Info(ctx, "item enqueued", "item_id", item.ID, "name", name, "size", size)
		return nil
	}

	err = dbx.WithTx(ctx, app.db, nil, findOrCreate)
	if errors.Is(err, common.ErrAlreadyExists) {
		// Lost the insert race; the twin is committed and visible now.
		err = dbx.WithTx(ctx, app.db, nil, findOrCreate)
	}
	if err != nil {
		return nil, err
	}
	app.TriggerDrain()
	return item, nil
}

// Cancel aborts an upload: an in-flight item is cancelled cooperatively at
// its next chunk or poll tick, a queued one is cancelled directly.
func (app *App) Cancel(ctx context.Context, id string) error {
	if app.coord.Cancel(id) {
		return nil
	}
	return app.repo.Transition(ctx, id, models.StateQueued, models.StateCancelled)
}

// TriggerDrain nudges the drain loop. Triggers are coalesced.
func (app *App) TriggerDrain() {
	select {
	case app.trigger <- struct{}{}:
	default:
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(app.config.DrainInterval)
	defer ticker.Stop()

	// One immediate pass picks up whatever a previous run left behind.
	app.TriggerDrain()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-app.trigger:
		}

		if !netx.Online(ctx, nil, app.config.ServerURL) {
			app.logger.Debug(ctx, "server unreachable, drain skipped")
			continue
		}

		if err := app.scheduler.Run(ctx, drain.JobName, app.coord.DrainOnce); err != nil {
			app.logger.Error(ctx, "drain failed", "error", err)
		}

		prompts, err := app.negotiator.ResumePending(ctx)
		if err != nil {
			app.logger.Error(ctx, "failed to resume pending deletions", "error", err)
			continue
		}
		for _, p := range prompts {
			app.logger.Info(ctx, "deletion awaiting user confirmation",
				"item_id", p.ItemID, "token", p.Token, "name", p.DisplayName)
		}
	}
}

func (app *App) startAdminServer(ctx context.Context, cancelFunc context.CancelFunc) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.admin.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(ctx, "admin shutdown error", "error", err)
		}
	}()

	if err := app.admin.Start(); err != nil {
		app.logger.Error(ctx, "admin server error", "error", err)
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting agent",
		"server_url", app.config.ServerURL, "admin_addr", app.config.AdminAddr)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startAdminServer(ctx, cancelFunc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.drainLoop(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "failed to close ledger", "error", err)
	}
	app.logger.Info(ctx, "agent stopped")
}
