package commands

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/config"
)

// newSetupCmd creates the `mkvbot setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that writes config.yaml.
Bot tokens go to the OS keyring when available, otherwise to .env.
They are never written to config.yaml.

Examples:
  mkvbot setup
  mkvbot setup -c /etc/mkvbot/config.yaml`,
		RunE: runSetup,
	}
	return cmd
}

// setupAnswers holds the wizard fields before they are applied to a config.
type setupAnswers struct {
	platform       string
	token          string
	maxSize        string
	workspaceRoot  string
	acceptWarnings bool
	useKeyring     bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "config.yaml"
	}

	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	keyringOK := config.KeyringAvailable()
	ans := setupAnswers{
		platform:       "telegram",
		maxSize:        humanize.Bytes(uint64(cfg.Workflow.MaxFileSize)),
		workspaceRoot:  cfg.Workspace.Root,
		acceptWarnings: cfg.Tools.AcceptWarnings,
		useKeyring:     keyringOK,
	}

	groups := []*huh.Group{
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Chat platform").
				Options(
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Discord", "discord"),
					huh.NewOption("Both", "both"),
				).
				Value(&ans.platform),
			huh.NewInput().
				Title("Bot token").
				Description("Leave empty to keep the current token.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.token),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Maximum upload size").
				Description("For example 2 GB or 50 MB.").
				Value(&ans.maxSize).
				Validate(func(s string) error {
					_, err := parseSize(s)
					return err
				}),
			huh.NewInput().
				Title("Workspace directory").
				Description("Leave empty for the system temp directory.").
				Value(&ans.workspaceRoot),
			huh.NewConfirm().
				Title("Accept MKVToolNix warnings as success?").
				Value(&ans.acceptWarnings),
		),
	}
	if keyringOK {
		groups = append(groups, huh.NewGroup(
			huh.NewConfirm().
				Title("Store the token in the OS keyring?").
				Description("Otherwise it is written to .env.").
				Value(&ans.useKeyring),
		))
	}

	if err := huh.NewForm(groups...).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(cmd.OutOrStdout(), "Setup cancelled.")
			return nil
		}
		return err
	}

	if err := ans.apply(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)

	if ans.token == "" {
		return nil
	}
	keys := ans.tokenKeys()
	if ans.useKeyring && keyringOK {
		for _, key := range keys {
			if err := config.StoreToken(key, ans.token); err != nil {
				return fmt.Errorf("storing token in keyring: %w", err)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Token stored in the OS keyring.")
		return nil
	}
	if err := writeDotEnv(".env", keys, ans.token); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Token written to .env.")
	return nil
}

func (a *setupAnswers) apply(cfg *config.Config) error {
	size, err := parseSize(a.maxSize)
	if err != nil {
		return err
	}
	cfg.Workflow.MaxFileSize = size
	cfg.Workspace.Root = strings.TrimSpace(a.workspaceRoot)
	cfg.Tools.AcceptWarnings = a.acceptWarnings
	cfg.Channels.Telegram.Enabled = a.platform == "telegram" || a.platform == "both"
	cfg.Channels.Discord.Enabled = a.platform == "discord" || a.platform == "both"
	return nil
}

// tokenKeys maps the chosen platform to the keyring keys, which double as
// .env variable names once upper-cased.
func (a *setupAnswers) tokenKeys() []string {
	switch a.platform {
	case "discord":
		return []string{config.KeyDiscordToken}
	case "both":
		return []string{config.KeyTelegramToken, config.KeyDiscordToken}
	default:
		return []string{config.KeyTelegramToken}
	}
}

// parseSize accepts human sizes ("2 GB") and plain byte counts.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, errors.New("size must be positive")
		}
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n == 0 {
		return 0, errors.New("size must be positive")
	}
	return int64(n), nil
}

// writeDotEnv merges the token variables into an .env file, keeping the
// entries already there.
func writeDotEnv(path string, keys []string, token string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		env = map[string]string{}
	}
	for _, key := range keys {
		env[strings.ToUpper(key)] = token
	}
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}
