package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/bot"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/config"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/mkvtoolnix"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/session"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/workflow"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/workspace"
)

// shutdownTimeout bounds how long running jobs get to stop.
const shutdownTimeout = 30 * time.Second

// app wires the bot components shared by serve and console.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	workspaces *workspace.Manager
	store      *session.Store
	channels   *channels.Manager
	controller *workflow.Controller
	dispatcher *bot.Dispatcher
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	ws, err := workspace.New(cfg.Workspace, logger)
	if err != nil {
		return nil, fmt.Errorf("preparing workspace root: %w", err)
	}
	runner := mkvtoolnix.NewRunner(cfg.Tools, logger)
	store := session.NewStore(logger)
	mgr := channels.NewManager(logger)
	renderer := bot.NewRenderer(mgr, logger)
	ctrl := workflow.New(cfg.Workflow, store, runner, ws, renderer, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		workspaces: ws,
		store:      store,
		channels:   mgr,
		controller: ctrl,
		dispatcher: bot.NewDispatcher(ctrl, mgr, logger),
	}, nil
}

// checkTools logs the MKVToolNix versions and fails when a required tool
// is missing.
func (a *app) checkTools(ctx context.Context) error {
	statuses := mkvtoolnix.CheckTools(ctx, a.cfg.Tools)
	for _, s := range statuses {
		if s.Available {
			a.logger.Info("tool found", "tool", s.Tool, "path", s.Path, "version", s.Version)
		} else if s.Optional {
			a.logger.Warn("optional tool missing", "tool", s.Tool, "detail", s.Detail)
		}
	}
	return mkvtoolnix.MissingTools(statuses)
}

// run connects the channels and dispatches messages until ctx is done,
// then shuts everything down.
func (a *app) run(ctx context.Context) error {
	if err := a.workspaces.Start(ctx); err != nil {
		return fmt.Errorf("starting workspace janitor: %w", err)
	}
	defer a.workspaces.Stop()

	if err := a.channels.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatcher.Run(gctx, a.channels.Messages())
	})
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})
	return g.Wait()
}

// shutdown cancels running jobs, disconnects the channels and removes
// every workspace.
func (a *app) shutdown() {
	a.logger.Info("shutting down",
		"sessions", a.store.Len(),
		"workspaces", len(a.store.Workspaces()),
		"active_tasks", a.controller.ActiveTasks(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.controller.Shutdown(ctx); err != nil {
		a.logger.Warn("background tasks did not stop in time", "error", err)
	}
	for name, h := range a.channels.HealthAll() {
		a.logger.Debug("channel health",
			"channel", name,
			"connected", h.Connected,
			"last_message_at", h.LastMessageAt,
			"errors", h.ErrorCount,
		)
	}
	a.channels.Stop()
	if err := a.workspaces.Close(); err != nil {
		a.logger.Warn("failed to clean up workspaces", "error", err)
	}

	handled, panics := a.dispatcher.Stats()
	a.logger.Info("shutdown complete", "messages", handled, "panics", panics)
}
