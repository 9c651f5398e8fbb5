package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/config"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/mkvtoolnix"
)

// newCheckCmd creates the `mkvbot check` command that verifies the
// MKVToolNix installation and the configuration.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the MKVToolNix tools and the configuration",
		RunE:  runCheck,
	}
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	statuses := mkvtoolnix.CheckTools(cmd.Context(), cfg.Tools)
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		status := "ok"
		switch {
		case !s.Available && s.Optional:
			status = "missing (optional)"
		case !s.Available:
			status = "MISSING"
		}
		rows = append(rows, []string{string(s.Tool), s.Command, s.Path, s.Version, status})
	}
	fmt.Fprintln(out, renderTable([]string{"Tool", "Command", "Path", "Version", "Status"}, rows))

	fmt.Fprintf(out, "Probe tool:      %s\n", cfg.Tools.ProbeTool)
	fmt.Fprintf(out, "Workspace root:  %s\n", cfg.Workspace.Root)
	fmt.Fprintf(out, "Max file size:   %d bytes\n", cfg.Workflow.MaxFileSize)
	fmt.Fprintf(out, "Telegram token:  %s\n", tokenState(cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token))
	fmt.Fprintf(out, "Discord token:   %s\n", tokenState(cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token))
	fmt.Fprintf(out, "OS keyring:      %s\n", availability(config.KeyringAvailable()))

	if err := mkvtoolnix.MissingTools(statuses); err != nil {
		return err
	}
	return cfg.RequireTokens()
}

func tokenState(enabled bool, token string) string {
	switch {
	case !enabled:
		return "channel disabled"
	case token == "":
		return "not set"
	default:
		return "set (" + maskToken(token) + ")"
	}
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "unavailable"
}
