package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/config"
)

// newTokenCmd creates the `mkvbot token` command group that manages bot
// tokens in the OS keyring.
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bot tokens in the OS keyring",
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Store a bot token (read from the terminal or stdin)",
		Args:  cobra.NoArgs,
		RunE:  runTokenSet,
	}
	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove a stored bot token",
		Args:  cobra.NoArgs,
		RunE:  runTokenDelete,
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show which tokens are stored",
		Args:  cobra.NoArgs,
		RunE:  runTokenStatus,
	}
	for _, c := range []*cobra.Command{set, del} {
		c.Flags().Bool("discord", false, "use the Discord token instead of the Telegram one")
	}

	cmd.AddCommand(set, del, status)
	return cmd
}

func tokenKey(cmd *cobra.Command) string {
	if d, _ := cmd.Flags().GetBool("discord"); d {
		return config.KeyDiscordToken
	}
	return config.KeyTelegramToken
}

func runTokenSet(cmd *cobra.Command, _ []string) error {
	if !config.KeyringAvailable() {
		return errors.New("OS keyring unavailable; set BOT_TOKEN or DISCORD_TOKEN in .env instead")
	}
	token, err := readSecret(cmd, "Token: ")
	if err != nil {
		return err
	}
	if token == "" {
		return errors.New("empty token")
	}
	key := tokenKey(cmd)
	if err := config.StoreToken(key, token); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%s).\n", key, maskToken(token))
	return nil
}

func runTokenDelete(cmd *cobra.Command, _ []string) error {
	key := tokenKey(cmd)
	if err := config.DeleteToken(key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", key)
	return nil
}

func runTokenStatus(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if !config.KeyringAvailable() {
		fmt.Fprintln(out, "OS keyring: unavailable")
		return nil
	}
	for _, key := range []string{config.KeyTelegramToken, config.KeyDiscordToken} {
		state := "not stored"
		if v := config.GetToken(key); v != "" {
			state = maskToken(v)
		}
		fmt.Fprintf(out, "%-14s %s\n", key, state)
	}
	return nil
}

// readSecret reads a line without echo when stdin is a terminal, or the
// first line of piped input otherwise.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return strings.TrimSpace(line), nil
}
