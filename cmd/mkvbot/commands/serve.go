package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels/discord"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels/telegram"
)

// ErrAlreadyRunning is returned when another serve process holds the lock.
var ErrAlreadyRunning = errors.New("another mkvbot serve process is running")

// newServeCmd creates the `mkvbot serve` command that runs the bot.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot on the enabled chat channels",
		Long: `Connect to the enabled chat channels (Telegram, Discord) and process
messages until interrupted.

Examples:
  mkvbot serve
  mkvbot serve --channel telegram
  BOT_TOKEN=123:abc mkvbot serve`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (telegram, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, verbose(cmd), os.Stdout)

	filter, _ := cmd.Flags().GetStringSlice("channel")
	cfg.Channels.Telegram.Enabled = shouldEnable("telegram", filter, cfg.Channels.Telegram.Enabled)
	cfg.Channels.Discord.Enabled = shouldEnable("discord", filter, cfg.Channels.Discord.Enabled)
	if !cfg.Channels.Telegram.Enabled && !cfg.Channels.Discord.Enabled {
		return errors.New("no chat channel enabled; use --channel or the config file")
	}
	if err := cfg.RequireTokens(); err != nil {
		return err
	}

	lock := flock.New(cfg.LockFile)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", cfg.LockFile, err)
	}
	if !ok {
		return fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, cfg.LockFile)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release lock", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := a.checkTools(ctx); err != nil {
		return err
	}

	if cfg.Channels.Telegram.Enabled {
		tg := telegram.New(cfg.Channels.Telegram.Config, logger)
		if err := a.channels.Register(tg); err != nil {
			return err
		}
		logger.Info("Telegram channel registered", "local_api", cfg.Channels.Telegram.Local())
	}
	if cfg.Channels.Discord.Enabled {
		dc := discord.New(cfg.Channels.Discord.Config, logger)
		if err := a.channels.Register(dc); err != nil {
			return err
		}
		logger.Info("Discord channel registered")
	}

	logger.Info("mkvbot running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"max_file_size", cfg.Workflow.MaxFileSize,
		"workspace", a.workspaces.Root(),
	)
	return a.run(ctx)
}

// shouldEnable applies the --channel filter over the configured default.
func shouldEnable(name string, filter []string, defaultEnabled bool) bool {
	if len(filter) == 0 {
		return defaultEnabled
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}
