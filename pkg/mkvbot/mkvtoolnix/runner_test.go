package mkvtoolnix

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// fakeTool writes an executable shell script standing in for an MKVToolNix binary.
func fakeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script tools need a unix shell")
	}
	path := filepath.Join(t.TempDir(), "fake-tool")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("writing fake tool: %v", err)
	}
	return path
}

func testRunner(bin string, mutate func(*Config)) *Runner {
	cfg := DefaultConfig()
	cfg.MKVMerge = bin
	cfg.MKVExtract = bin
	cfg.MKVInfo = bin
	cfg.ProgressInterval = 0
	cfg.InactivityTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRunner(cfg, nil)
}

func TestRunner_Success(t *testing.T) {
	t.Parallel()

	bin := fakeTool(t, `printf 'Progress: 10%%\rProgress: 5%%\rProgress: 60%%\r'
echo "data" > "$1"
printf 'Progress: 100%%\n'`)
	out := filepath.Join(t.TempDir(), "out.mka")
	req := NewJobRequest(ToolMKVExtract, []string{out}, nil, []string{out}, filepath.Dir(out))

	var seen []int
	res, err := Wait(testRunner(bin, nil).Run(context.Background(), req), func(p Progress) {
		seen = append(seen, p.Percent)
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 || res.Percent != 100 {
		t.Errorf("result = %+v", res)
	}
	if len(res.Outputs) != 1 || res.Outputs[0] != out {
		t.Errorf("outputs = %v", res.Outputs)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("progress not monotonic: %v", seen)
		}
	}
	if len(seen) == 0 || seen[len(seen)-1] != 100 {
		t.Errorf("progress = %v, want it to end at 100", seen)
	}
}

func TestRunner_SlowConsumerSeesFinalProgress(t *testing.T) {
	t.Parallel()

	bin := fakeTool(t, `i=1
while [ $i -le 100 ]; do
	printf 'Progress: %d%%\n' $i
	i=$((i+1))
done
echo "data" > "$1"`)
	out := filepath.Join(t.TempDir(), "out.mka")
	req := NewJobRequest(ToolMKVExtract, []string{out}, nil, []string{out}, filepath.Dir(out))

	var seen []int
	_, err := Wait(testRunner(bin, nil).Run(context.Background(), req), func(p Progress) {
		if len(seen) == 0 {
			// Let the tool finish while the buffer is full.
			time.Sleep(300 * time.Millisecond)
		}
		seen = append(seen, p.Percent)
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(seen) == 0 || seen[len(seen)-1] != 100 {
		t.Fatalf("progress = %v, want it to end at 100", seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("progress not monotonic: %v", seen)
		}
	}
}

func TestRunner_ExitCodeFailure(t *testing.T) {
	t.Parallel()

	bin := fakeTool(t, `echo partial > "$1"
echo "Error: The file 'x' could not be opened for reading."
exit 2`)
	out := filepath.Join(t.TempDir(), "out.mkv")
	req := NewJobRequest(ToolMKVMerge, []string{out}, nil, []string{out}, filepath.Dir(out))

	_, err := Wait(testRunner(bin, nil).Run(context.Background(), req), nil)
	if !errors.Is(err, ErrProcessFailed) {
		t.Fatalf("err = %v, want ErrProcessFailed", err)
	}
	var pe *ProcessError
	if !errors.As(err, &pe) {
		t.Fatalf("err is not a *ProcessError: %T", err)
	}
	if pe.ExitCode != 2 {
		t.Errorf("exit code = %d", pe.ExitCode)
	}
	if !strings.Contains(pe.Excerpt, "could not be opened") {
		t.Errorf("excerpt = %q", pe.Excerpt)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("partial output left behind: %v", err)
	}
}

func TestRunner_Warnings(t *testing.T) {
	t.Parallel()

	script := `echo ok > "$1"
echo "Warning: something odd" >&2
exit 1`

	t.Run("rejected by default", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.mkv")
		req := NewJobRequest(ToolMKVMerge, []string{out}, nil, []string{out}, "")
		_, err := Wait(testRunner(fakeTool(t, script), nil).Run(context.Background(), req), nil)
		if !errors.Is(err, ErrProcessFailed) {
			t.Errorf("err = %v, want ErrProcessFailed", err)
		}
	})

	t.Run("accepted when configured", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.mkv")
		req := NewJobRequest(ToolMKVMerge, []string{out}, nil, []string{out}, "")
		r := testRunner(fakeTool(t, script), func(c *Config) { c.AcceptWarnings = true })
		res, err := Wait(r.Run(context.Background(), req), nil)
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		if !res.Warnings || res.ExitCode != 1 || len(res.Outputs) != 1 {
			t.Errorf("result = %+v", res)
		}
		if !strings.Contains(res.Stderr, "something odd") {
			t.Errorf("stderr = %q", res.Stderr)
		}
	})
}

func TestRunner_InactivityTimeout(t *testing.T) {
	t.Parallel()

	bin := fakeTool(t, `echo "Progress: 1%"
sleep 30`)
	req := NewJobRequest(ToolMKVMerge, nil, nil, nil, "")
	r := testRunner(bin, func(c *Config) { c.InactivityTimeout = 300 * time.Millisecond })

	start := time.Now()
	_, err := Wait(r.Run(context.Background(), req), nil)
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, ErrProcessFailed) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestRunner_CancelRemovesOutputs(t *testing.T) {
	t.Parallel()

	bin := fakeTool(t, `echo partial > "$1"
echo started
sleep 30`)
	out := filepath.Join(t.TempDir(), "out.mkv")
	req := NewJobRequest(ToolMKVMerge, []string{out}, nil, []string{out}, "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Give the script time to create the output.
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	_, err := Wait(testRunner(bin, nil).Run(ctx, req), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("partial output left behind: %v", err)
	}
}

func TestRunner_RequestConsumedOnce(t *testing.T) {
	t.Parallel()

	bin := fakeTool(t, `exit 0`)
	r := testRunner(bin, nil)
	req := NewJobRequest(ToolMKVMerge, nil, nil, nil, "")

	if _, err := Wait(r.Run(context.Background(), req), nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := Wait(r.Run(context.Background(), req), nil); !errors.Is(err, ErrJobConsumed) {
		t.Errorf("second run err = %v, want ErrJobConsumed", err)
	}
}

func TestRunner_ToolNotFound(t *testing.T) {
	t.Parallel()

	r := testRunner(filepath.Join(t.TempDir(), "no-such-mkvmerge"), nil)
	_, err := Wait(r.Run(context.Background(), NewJobRequest(ToolMKVMerge, nil, nil, nil, "")), nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}
}

func TestRunner_Probe(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "identify.json")
	if err := os.WriteFile(jsonPath, []byte(identifyJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	bin := fakeTool(t, `[ "$1" = "-J" ] || exit 2
cat "`+jsonPath+`"`)

	res, err := testRunner(bin, nil).Probe(context.Background(), filepath.Join(dir, "movie.mkv"))
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if len(res.Tracks) != 3 || res.Title != "Movie" {
		t.Errorf("probe = %+v", res)
	}

	if _, err := testRunner(bin, nil).Probe(context.Background(), "relative.mkv"); !errors.Is(err, ErrInvalidJob) {
		t.Errorf("relative path err = %v", err)
	}
}

func TestMissingTools(t *testing.T) {
	t.Parallel()

	statuses := []ToolStatus{
		{Tool: ToolMKVMerge, Command: "mkvmerge", Available: true},
		{Tool: ToolMKVExtract, Command: "mkvextract"},
		{Tool: ToolMKVInfo, Command: "mkvinfo", Optional: true},
	}
	err := MissingTools(statuses)
	if !errors.Is(err, ErrToolNotFound) || !strings.Contains(err.Error(), "mkvextract") || strings.Contains(err.Error(), "mkvinfo") {
		t.Errorf("err = %v", err)
	}
	if err := MissingTools(statuses[:1]); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}
