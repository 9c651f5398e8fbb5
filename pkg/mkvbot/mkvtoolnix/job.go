package mkvtoolnix

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Tool identifies one of the MKVToolNix command line programs.
type Tool string

const (
	ToolMKVMerge   Tool = "mkvmerge"
	ToolMKVExtract Tool = "mkvextract"
	ToolMKVInfo    Tool = "mkvinfo"
)

// Config holds the tool locations and runner limits.
type Config struct {
	// MKVMerge, MKVExtract and MKVInfo are binary names or paths.
	MKVMerge   string `yaml:"mkvmerge" validate:"required"`
	MKVExtract string `yaml:"mkvextract" validate:"required"`
	MKVInfo    string `yaml:"mkvinfo" validate:"required"`

	// ProbeTool selects the probe backend: "mkvmerge" (JSON identification) or "mkvinfo".
	ProbeTool string `yaml:"probe_tool" validate:"oneof=mkvmerge mkvinfo"`

	// InactivityTimeout kills a tool that produced no output line for this long.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" validate:"gte=0"`

	// ProgressInterval is the minimum gap between two forwarded progress updates.
	ProgressInterval time.Duration `yaml:"progress_interval" validate:"gte=0"`

	// AcceptWarnings treats exit code 1 (warnings, output written) as success.
	AcceptWarnings bool `yaml:"accept_warnings"`

	// MaxOutputBytes bounds the captured stdout/stderr per stream.
	MaxOutputBytes int `yaml:"max_output_bytes" validate:"gte=0"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MKVMerge:          "mkvmerge",
		MKVExtract:        "mkvextract",
		MKVInfo:           "mkvinfo",
		ProbeTool:         string(ToolMKVMerge),
		InactivityTimeout: 10 * time.Minute,
		ProgressInterval:  2 * time.Second,
		MaxOutputBytes:    64 * 1024,
	}
}

// Binary returns the configured command for a tool.
func (c Config) Binary(t Tool) string {
	var bin string
	switch t {
	case ToolMKVMerge:
		bin = c.MKVMerge
	case ToolMKVExtract:
		bin = c.MKVExtract
	case ToolMKVInfo:
		bin = c.MKVInfo
	}
	if strings.TrimSpace(bin) == "" {
		return string(t)
	}
	return bin
}

// JobRequest is a fully specified tool invocation. It is immutable once built
// and can be passed to Runner.Run exactly once.
type JobRequest struct {
	id        string
	tool      Tool
	args      []string
	inputs    []string
	outputs   []string
	outputDir string

	consumed atomic.Bool
}

// NewJobRequest builds a request. The slices are copied.
func NewJobRequest(tool Tool, args, inputs, outputs []string, outputDir string) *JobRequest {
	return &JobRequest{
		id:        uuid.NewString(),
		tool:      tool,
		args:      append([]string(nil), args...),
		inputs:    append([]string(nil), inputs...),
		outputs:   append([]string(nil), outputs...),
		outputDir: outputDir,
	}
}

// ID returns the job identifier.
func (r *JobRequest) ID() string { return r.id }

// Tool returns the tool to invoke.
func (r *JobRequest) Tool() Tool { return r.tool }

// Args returns a copy of the argument list.
func (r *JobRequest) Args() []string { return append([]string(nil), r.args...) }

// Inputs returns a copy of the input paths.
func (r *JobRequest) Inputs() []string { return append([]string(nil), r.inputs...) }

// Outputs returns a copy of the expected output paths.
func (r *JobRequest) Outputs() []string { return append([]string(nil), r.outputs...) }

// OutputDir returns the directory the tool writes into.
func (r *JobRequest) OutputDir() string { return r.outputDir }

// String renders the command line for logs.
func (r *JobRequest) String() string {
	return string(r.tool) + " " + strings.Join(r.args, " ")
}

// JobResult is the outcome of one tool invocation.
type JobResult struct {
	JobID    string
	Tool     Tool
	ExitCode int
	Stdout   string
	Stderr   string
	// Percent is the last progress percentage observed (-1 if the tool reported none).
	Percent int
	// Outputs lists the expected outputs that exist after a successful run.
	Outputs  []string
	Warnings bool
	Duration time.Duration
}

// Progress is a throttled progress report for a running job.
type Progress struct {
	JobID   string
	Percent int
}

// Event is one element of the stream returned by Runner.Run. The last event
// carries either Result or Err (Result may accompany Err for failed runs).
type Event struct {
	Progress *Progress
	Result   *JobResult
	Err      error
}

// Final reports whether the event terminates the stream.
func (e Event) Final() bool { return e.Progress == nil }
