package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels/console"
)

// newConsoleCmd creates the `mkvbot console` command that runs the
// workflow on the terminal against local files.
func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run the bot workflow on the terminal",
		Long: `Run the same menus the chat bot offers, on the terminal. Send local files
with /file <path>, press buttons by typing their number. Outputs are copied
into the output directory.

Examples:
  mkvbot console
  mkvbot console --output ./done`,
		RunE: runConsole,
	}

	cmd.Flags().StringP("output", "o", "", "directory receiving the output files")
	return cmd
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Logs share the terminal with the prompt; keep them quiet by default.
	if !verbose(cmd) && cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	logger := newLogger(cfg.Logging, verbose(cmd), os.Stderr)

	if out, _ := cmd.Flags().GetString("output"); out != "" {
		cfg.Channels.Console.OutputDir = out
	}
	history := cfg.Channels.Console.HistoryFile
	if history == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			history = filepath.Join(dir, "mkvbot", "history")
			_ = os.MkdirAll(filepath.Dir(history), 0o755)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := a.checkTools(ctx); err != nil {
		return err
	}

	con := console.New(console.Config{
		User:        cfg.Channels.Console.User,
		OutputDir:   cfg.Channels.Console.OutputDir,
		HistoryFile: history,
	}, logger)
	if err := a.channels.Register(con); err != nil {
		return err
	}

	// Ctrl-D ends the session.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-con.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	return a.run(ctx)
}
