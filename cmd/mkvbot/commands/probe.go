package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/mkvtoolnix"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/workflow"
)

// newProbeCmd creates the `mkvbot probe` command that lists the tracks of a
// file the way the bot sees them.
func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <file>",
		Short: "List the tracks of a media file",
		Long: `Identify a media file with mkvmerge (or mkvinfo) and print its tracks
as the bot's menus would show them.

Examples:
  mkvbot probe movie.eng.mkv
  mkvbot probe --tool mkvinfo movie.mkv
  mkvbot probe --json movie.mkv`,
		Args: cobra.ExactArgs(1),
		RunE: runProbe,
	}

	cmd.Flags().String("tool", "", "probe tool: mkvmerge or mkvinfo (default from config)")
	cmd.Flags().Bool("json", false, "print the result as JSON")
	return cmd
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if tool, _ := cmd.Flags().GetString("tool"); tool != "" {
		if tool != string(mkvtoolnix.ToolMKVMerge) && tool != string(mkvtoolnix.ToolMKVInfo) {
			return fmt.Errorf("unknown probe tool %q", tool)
		}
		cfg.Tools.ProbeTool = tool
	}
	logger := newLogger(cfg.Logging, verbose(cmd), os.Stderr)

	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	runner := mkvtoolnix.NewRunner(cfg.Tools, logger)
	res, err := runner.Probe(cmd.Context(), path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	name := filepath.Base(path)
	fmt.Fprintf(out, "File:      %s (%s)\n", name, humanize.Bytes(uint64(info.Size())))
	fmt.Fprintf(out, "Container: %s\n", orNone(res.Container))
	if res.Title != "" {
		fmt.Fprintf(out, "Title:     %s\n", res.Title)
	}
	if res.Duration > 0 {
		fmt.Fprintf(out, "Duration:  %s\n", res.Duration.Round(time.Second))
	}
	if lang := workflow.DetectLanguage(name); lang != workflow.UndeterminedLanguage {
		fmt.Fprintf(out, "Filename language: %s (%s)\n", workflow.LanguageName(lang), lang)
	}

	rows := make([][]string, 0, len(res.Tracks))
	for _, t := range res.Tracks {
		rows = append(rows, []string{
			strconv.Itoa(t.ID),
			string(t.Type),
			t.Codec,
			fmt.Sprintf("%s (%s)", workflow.LanguageName(t.Language), orNone(t.Language)),
			t.Name,
			flag(t.Default),
			flag(t.Forced),
		})
	}
	fmt.Fprintln(out, renderTable([]string{"ID", "Type", "Codec", "Language", "Name", "Default", "Forced"}, rows, 1))
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func flag(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
