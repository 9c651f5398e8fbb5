package mkvtoolnix

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ToolStatus reports the availability of one MKVToolNix binary.
type ToolStatus struct {
	Tool      Tool
	Command   string
	Path      string
	Version   string
	Available bool
	// Optional tools only disable a feature when missing.
	Optional bool
	Detail   string
}

// CheckTools resolves every configured binary and reads its version line.
// mkvinfo is only required when it is the probe tool.
func CheckTools(ctx context.Context, cfg Config) []ToolStatus {
	tools := []Tool{ToolMKVMerge, ToolMKVExtract, ToolMKVInfo}
	results := make([]ToolStatus, 0, len(tools))
	for _, t := range tools {
		status := ToolStatus{
			Tool:     t,
			Command:  cfg.Binary(t),
			Optional: t == ToolMKVInfo && cfg.ProbeTool != string(ToolMKVInfo),
		}
		path, err := exec.LookPath(status.Command)
		if err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", status.Command)
			results = append(results, status)
			continue
		}
		status.Path = path
		status.Available = true
		status.Version = toolVersion(ctx, path)
		results = append(results, status)
	}
	return results
}

// MissingTools returns an ErrToolNotFound error naming every required tool
// that is unavailable, or nil.
func MissingTools(statuses []ToolStatus) error {
	var missing []string
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			missing = append(missing, s.Command)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrToolNotFound, strings.Join(missing, ", "))
}

func toolVersion(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line)
}
