package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/mkvtoolnix"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/session"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/workspace"
)

// fakeRunner probes from a table and runs jobs through run.
type fakeRunner struct {
	mu     sync.Mutex
	probes map[string]*mkvtoolnix.ProbeResult
	jobs   []*mkvtoolnix.JobRequest
	run    func(ctx context.Context, req *mkvtoolnix.JobRequest, progress func(int)) (*mkvtoolnix.JobResult, error)
}

func (r *fakeRunner) Probe(_ context.Context, path string) (*mkvtoolnix.ProbeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.probes[filepath.Base(path)]; ok {
		return p, nil
	}
	return nil, errors.New("unrecognised file")
}

func (r *fakeRunner) Run(ctx context.Context, req *mkvtoolnix.JobRequest) <-chan mkvtoolnix.Event {
	r.mu.Lock()
	r.jobs = append(r.jobs, req)
	run := r.run
	r.mu.Unlock()

	events := make(chan mkvtoolnix.Event, 16)
	go func() {
		defer close(events)
		if run == nil {
			run = succeed
		}
		res, err := run(ctx, req, func(pct int) {
			events <- mkvtoolnix.Event{Progress: &mkvtoolnix.Progress{JobID: req.ID(), Percent: pct}}
		})
		events <- mkvtoolnix.Event{Result: res, Err: err}
	}()
	return events
}

func (r *fakeRunner) lastJob() *mkvtoolnix.JobRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.jobs) == 0 {
		return nil
	}
	return r.jobs[len(r.jobs)-1]
}

// succeed writes every expected output and reports progress.
func succeed(_ context.Context, req *mkvtoolnix.JobRequest, progress func(int)) (*mkvtoolnix.JobResult, error) {
	for _, pct := range []int{10, 50, 100} {
		progress(pct)
	}
	if err := os.MkdirAll(req.OutputDir(), 0o700); err != nil {
		return nil, err
	}
	for _, out := range req.Outputs() {
		if err := os.WriteFile(out, []byte("output"), 0o600); err != nil {
			return nil, err
		}
	}
	return &mkvtoolnix.JobResult{JobID: req.ID(), Tool: req.Tool(), Outputs: req.Outputs(), Percent: 100}, nil
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) results() []Result {
	var out []Result
	for _, ev := range r.all() {
		if ev.Kind == EventResult {
			out = append(out, *ev.Result)
		}
	}
	return out
}

func (r *recorder) texts() []string {
	var out []string
	for _, ev := range r.all() {
		switch {
		case ev.Menu != nil:
			out = append(out, ev.Menu.Text)
		case ev.Progress != nil:
			out = append(out, ev.Progress.Detail)
		case ev.Result != nil:
			out = append(out, ev.Result.Text)
		default:
			out = append(out, ev.Text)
		}
	}
	return out
}

func (r *recorder) saw(substr string) bool {
	for _, s := range r.texts() {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

type harness struct {
	ctrl   *Controller
	store  *session.Store
	runner *fakeRunner
	ws     *workspace.Manager
	rec    *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws, err := workspace.New(workspace.Config{Root: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("workspace.New() error = %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	h := &harness{
		store:  session.NewStore(nil),
		runner: &fakeRunner{probes: make(map[string]*mkvtoolnix.ProbeResult)},
		ws:     ws,
		rec:    &recorder{},
	}
	h.ctrl = New(Config{MaxFileSize: 2_000_000_000, MaxFiles: 10, DiscardTimeout: 5 * time.Second}, h.store, h.runner, ws, h.rec, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.ctrl.Shutdown(ctx)
	})
	return h
}

func testUser(id string) session.User {
	return session.User{Channel: "test", ID: id, ChatID: id}
}

// upload returns an upload whose content is written once release is closed
// (nil release writes immediately).
func upload(name string, size int64, release <-chan struct{}) Upload {
	return Upload{
		Name: name,
		Size: size,
		Fetch: func(ctx context.Context, dst string, progress func(done, total int64)) error {
			if release != nil {
				select {
				case <-release:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			progress(2, 4)
			if err := os.WriteFile(dst, []byte("data"), 0o600); err != nil {
				return err
			}
			progress(4, 4)
			return nil
		},
	}
}

func waitState(t *testing.T, h *harness, u session.User, want session.State) *session.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := h.store.Get(u.Key()); ok && s.State == want && !s.Busy() {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := h.store.Get(u.Key())
	t.Fatalf("session did not reach %s, got %+v", want, s)
	return nil
}

var movieProbe = &mkvtoolnix.ProbeResult{
	Container: "matroska",
	Tracks: []mkvtoolnix.Track{
		{ID: 0, Type: mkvtoolnix.TrackVideo, Codec: "AVC", CodecID: "V_MPEG4/ISO/AVC", Language: "und"},
		{ID: 1, Type: mkvtoolnix.TrackAudio, Codec: "AAC", CodecID: "A_AAC", Language: "hin"},
		{ID: 2, Type: mkvtoolnix.TrackSubtitles, Codec: "SubRip/SRT", CodecID: "S_TEXT/UTF8", Language: "und"},
	},
}

// readyExtract uploads movie.eng.mkv and waits for the action menu.
func readyExtract(t *testing.T, h *harness, u session.User) *session.Session {
	t.Helper()
	h.runner.probes["movie.eng.mkv"] = movieProbe
	if err := h.ctrl.HandleUpload(context.Background(), u, upload("movie.eng.mkv", 4, nil)); err != nil {
		t.Fatalf("HandleUpload() error = %v", err)
	}
	return waitState(t, h, u, session.StateAwaitingAction)
}

func TestController_UploadAccepted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	h.runner.probes["movie.mkv"] = movieProbe
	release := make(chan struct{})

	if err := h.ctrl.HandleUpload(context.Background(), u, upload("movie.mkv", 500_000_000, release)); err != nil {
		t.Fatalf("HandleUpload() error = %v", err)
	}
	s, ok := h.store.Get(u.Key())
	if !ok || s.State != session.StateAwaitingFile || !s.Busy() {
		t.Fatalf("session = %+v, want busy AwaitingFile", s)
	}

	// A second upload while downloading conflicts.
	err := h.ctrl.HandleUpload(context.Background(), u, upload("other.mkv", 10, nil))
	if !errors.Is(err, ErrSessionConflict) {
		t.Errorf("concurrent HandleUpload() error = %v, want ErrSessionConflict", err)
	}

	close(release)
	s = waitState(t, h, u, session.StateAwaitingAction)
	if len(s.Files) != 1 || s.Files[0].Name != "movie.mkv" || s.Files[0].Probe == nil {
		t.Fatalf("files = %+v", s.Files)
	}
	if _, err := os.Stat(s.Files[0].Path); err != nil {
		t.Errorf("uploaded file missing: %v", err)
	}
	if !h.rec.saw("Download complete: movie.mkv") {
		t.Errorf("no completion message in %q", h.rec.texts())
	}
}

func TestController_UploadRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		size    int64
		wantErr error
		wantMsg string
	}{
		{"too large", "big.mkv", 3_000_000_000, ErrFileTooLarge, "File is too large"},
		{"unsupported", "notes.txt", 10, ErrUnsupportedFile, "Unsupported file type: .txt"},
		{"no extension", "README", 10, ErrUnsupportedFile, "Unsupported file type: (none)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			u := testUser("1")
			err := h.ctrl.HandleUpload(context.Background(), u, upload(tt.file, tt.size, nil))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("HandleUpload() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error %v is not a validation error", err)
			}
			if _, ok := h.store.Get(u.Key()); ok {
				t.Error("rejected upload created a session")
			}
			if !h.rec.saw(tt.wantMsg) {
				t.Errorf("messages = %q, want %q", h.rec.texts(), tt.wantMsg)
			}
		})
	}
}

func TestController_ProbeFailureRevertsUpload(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	h.ctrl.HandleUpload(context.Background(), u, upload("broken.mkv", 4, nil))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !h.rec.saw("Could not read broken.mkv") {
		time.Sleep(5 * time.Millisecond)
	}
	if !h.rec.saw("Could not read broken.mkv") {
		t.Fatalf("messages = %q", h.rec.texts())
	}
	s := waitState(t, h, u, session.StateIdle)
	if len(s.Files) != 0 || s.Workspace != "" {
		t.Errorf("session = %+v, want no files and no workspace", s)
	}
	if h.ws.Active() != 0 {
		t.Errorf("Active() = %d, want 0", h.ws.Active())
	}
}

func TestController_PlatformLimitIsNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	up := Upload{
		Name: "huge.mkv",
		Size: 40 << 20,
		Fetch: func(context.Context, string, func(done, total int64)) error {
			return fmt.Errorf("%w: file is too big", ErrPlatformLimit)
		},
	}
	if err := h.ctrl.HandleUpload(context.Background(), u, up); err != nil {
		t.Fatalf("HandleUpload() error = %v", err)
	}

	const want = "huge.mkv is larger than this chat platform lets bots download"
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !h.rec.saw(want) {
		time.Sleep(5 * time.Millisecond)
	}
	if !h.rec.saw(want) {
		t.Fatalf("messages = %q", h.rec.texts())
	}
	if h.rec.saw("Please send it again") {
		t.Errorf("platform limit asked for a retry: %q", h.rec.texts())
	}
	s := waitState(t, h, u, session.StateIdle)
	if len(s.Files) != 0 || h.ws.Active() != 0 {
		t.Errorf("session = %+v, active workspaces = %d", s, h.ws.Active())
	}
}

func TestController_ExtractJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	ctx := context.Background()
	s := readyExtract(t, h, u)
	dir := s.Workspace

	if err := h.ctrl.HandleChoice(ctx, u, dataExtract); err != nil {
		t.Fatalf("extract choice error = %v", err)
	}
	s, _ = h.store.Get(u.Key())
	if s.State != session.StateAwaitingParameters || s.Params.Languages[2] != "eng" || s.Params.Languages[1] != "hin" {
		t.Fatalf("params = %+v", s.Params)
	}

	// Starting without a selection is refused.
	if err := h.ctrl.HandleChoice(ctx, u, dataGo); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty go error = %v, want ErrValidation", err)
	}
	if !h.rec.saw("Select at least one track.") {
		t.Errorf("messages = %q", h.rec.texts())
	}

	if err := h.ctrl.HandleChoice(ctx, u, prefixTrack+"2"); err != nil {
		t.Fatalf("toggle error = %v", err)
	}
	if err := h.ctrl.HandleChoice(ctx, u, dataGo); err != nil {
		t.Fatalf("go error = %v", err)
	}

	waitState(t, h, u, session.StateDone)
	job := h.runner.lastJob()
	if job == nil || job.Tool() != mkvtoolnix.ToolMKVExtract {
		t.Fatalf("job = %v", job)
	}
	wantArg := "2:" + filepath.Join(dir, "out", "movie.eng.track2.eng.srt")
	if !slices.Contains(job.Args(), wantArg) {
		t.Errorf("args = %q, want %q", job.Args(), wantArg)
	}

	results := h.rec.results()
	if len(results) != 1 || !results[0].Success || len(results[0].Files) != 1 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Files[0].Name != "movie.eng.track2.eng.srt" {
		t.Errorf("output = %+v", results[0].Files[0])
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("workspace still exists after job: %v", err)
	}
}

func TestController_ExtractLanguageOverride(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	ctx := context.Background()
	readyExtract(t, h, u)
	h.ctrl.HandleChoice(ctx, u, dataExtract)

	if err := h.ctrl.HandleChoice(ctx, u, prefixLanguage+"2"); err != nil {
		t.Fatalf("open picker error = %v", err)
	}
	// Only the open picker accepts a language.
	if err := h.ctrl.HandleChoice(ctx, u, prefixSetLang+"1:tam"); !errors.Is(err, ErrStaleMenu) {
		t.Errorf("set language of another track error = %v, want ErrStaleMenu", err)
	}
	if err := h.ctrl.HandleChoice(ctx, u, prefixSetLang+"2:tam"); err != nil {
		t.Fatalf("set language error = %v", err)
	}
	s, _ := h.store.Get(u.Key())
	if s.Params.Languages[2] != "tam" || s.Params.LanguageFor != -1 {
		t.Fatalf("params = %+v", s.Params)
	}

	h.ctrl.HandleChoice(ctx, u, prefixTrack+"2")
	if err := h.ctrl.HandleChoice(ctx, u, dataGo); err != nil {
		t.Fatalf("go error = %v", err)
	}
	waitState(t, h, u, session.StateDone)

	joined := strings.Join(h.runner.lastJob().Args(), " ")
	if !strings.Contains(joined, "movie.eng.track2.tam.srt") {
		t.Errorf("args = %q, want the chosen language in the output name", joined)
	}
}

func TestController_EditJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	ctx := context.Background()
	readyExtract(t, h, u)

	if err := h.ctrl.HandleChoice(ctx, u, dataEdit); err != nil {
		t.Fatalf("edit choice error = %v", err)
	}
	h.ctrl.HandleChoice(ctx, u, dataTitle)
	if err := h.ctrl.HandleText(ctx, u, "New Title"); err != nil {
		t.Fatalf("title error = %v", err)
	}
	h.ctrl.HandleChoice(ctx, u, prefixTrackName+"0:1")
	if err := h.ctrl.HandleText(ctx, u, "Hindi Dub"); err != nil {
		t.Fatalf("track name error = %v", err)
	}
	for _, data := range []string{prefixDefault + "0:2", prefixForced + "0:2", prefixDefault + "0:1", prefixDefault + "0:1"} {
		if err := h.ctrl.HandleChoice(ctx, u, data); err != nil {
			t.Fatalf("%s error = %v", data, err)
		}
	}
	// Edit only touches the single input file.
	if err := h.ctrl.HandleChoice(ctx, u, prefixDefault+"1:0"); !errors.Is(err, ErrStaleMenu) {
		t.Errorf("second file flag error = %v, want ErrStaleMenu", err)
	}

	s, _ := h.store.Get(u.Key())
	if len(s.Params.Flags) != 1 {
		t.Errorf("flags = %v, want only track 2 overridden", s.Params.Flags)
	}
	if err := h.ctrl.HandleChoice(ctx, u, dataGo); err != nil {
		t.Fatalf("go error = %v", err)
	}
	waitState(t, h, u, session.StateDone)

	job := h.runner.lastJob()
	if job.Tool() != mkvtoolnix.ToolMKVMerge {
		t.Fatalf("tool = %s", job.Tool())
	}
	joined := strings.Join(job.Args(), " ")
	for _, want := range []string{
		"--title New Title",
		"--track-name 1:Hindi Dub",
		"--language 2:eng --default-track-flag 2:1 --forced-display-flag 2:1",
		filepath.Join("out", "movie.eng.mkv"),
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if strings.Contains(joined, "-flag 1:") {
		t.Errorf("args %q carry flags for an untouched track", joined)
	}
	if results := h.rec.results(); len(results) != 1 || !results[0].Success {
		t.Errorf("results = %+v", results)
	}
}

func TestController_MergeJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	ctx := context.Background()
	h.runner.probes["part1.mkv"] = movieProbe
	h.runner.probes["part2.mkv"] = movieProbe
	h.ctrl.HandleUpload(ctx, u, upload("part1.mkv", 4, nil))
	waitState(t, h, u, session.StateAwaitingAction)
	h.ctrl.HandleUpload(ctx, u, upload("part2.mkv", 4, nil))
	waitState(t, h, u, session.StateAwaitingAction)

	if err := h.ctrl.HandleChoice(ctx, u, dataMerge); err != nil {
		t.Fatalf("merge choice error = %v", err)
	}
	// Appended parts take their track properties from the first file.
	if err := h.ctrl.HandleChoice(ctx, u, prefixOptions+"1"); !errors.Is(err, ErrStaleMenu) {
		t.Errorf("options of second part error = %v, want ErrStaleMenu", err)
	}
	if err := h.ctrl.HandleChoice(ctx, u, prefixOptions+"0"); err != nil {
		t.Fatalf("options error = %v", err)
	}
	if !h.rec.saw("Track options for part1.mkv") {
		t.Errorf("messages = %q", h.rec.texts())
	}
	h.ctrl.HandleChoice(ctx, u, prefixDefault+"0:1")
	h.ctrl.HandleChoice(ctx, u, prefixTrackName+"0:2")
	h.ctrl.HandleText(ctx, u, "English")

	if err := h.ctrl.HandleChoice(ctx, u, dataBack); err != nil {
		t.Fatalf("back error = %v", err)
	}
	s, _ := h.store.Get(u.Key())
	if s.State != session.StateAwaitingParameters || s.Params.OptionsFor != -1 {
		t.Fatalf("after back: state %s, options for %d", s.State, s.Params.OptionsFor)
	}

	if err := h.ctrl.HandleChoice(ctx, u, dataGo); err != nil {
		t.Fatalf("go error = %v", err)
	}
	waitState(t, h, u, session.StateDone)

	args := h.runner.lastJob().Args()
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--default-track-flag 1:1 --forced-display-flag 1:0",
		"--track-name 2:English",
		"part1.mkv + ",
		"part1.merged.mkv",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if i := slices.Index(args, "+"); i < 0 || slices.Contains(args[i:], "--track-name") {
		t.Errorf("track options after the first part: %q", args)
	}
}

func TestController_ProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	ctx := context.Background()
	readyExtract(t, h, u)
	h.ctrl.HandleChoice(ctx, u, dataExtract)
	h.ctrl.HandleChoice(ctx, u, dataAllTracks)
	h.ctrl.HandleChoice(ctx, u, dataGo)
	waitState(t, h, u, session.StateDone)

	last := make(map[string]int)
	seen := 0
	for _, ev := range h.rec.all() {
		if ev.Kind != EventProgress {
			continue
		}
		seen++
		if prev, ok := last[ev.Progress.TaskID]; ok && ev.Progress.Percent < prev {
			t.Errorf("task %s progress went %d -> %d", ev.Progress.TaskID, prev, ev.Progress.Percent)
		}
		last[ev.Progress.TaskID] = ev.Progress.Percent
	}
	if seen == 0 {
		t.Error("no progress events")
	}
}

func TestController_JobFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	ctx := context.Background()
	h.runner.run = func(context.Context, *mkvtoolnix.JobRequest, func(int)) (*mkvtoolnix.JobResult, error) {
		return nil, &mkvtoolnix.ProcessError{Tool: mkvtoolnix.ToolMKVExtract, ExitCode: 2, Excerpt: "Error: track 2 is broken"}
	}
	readyExtract(t, h, u)
	h.ctrl.HandleChoice(ctx, u, dataExtract)
	h.ctrl.HandleChoice(ctx, u, prefixTrack+"2")
	h.ctrl.HandleChoice(ctx, u, dataGo)

	s := waitState(t, h, u, session.StateFailed)
	if !strings.Contains(s.LastError, "exit code 2") || !strings.Contains(s.LastError, "track 2 is broken") {
		t.Errorf("LastError = %q", s.LastError)
	}
	results := h.rec.results()
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v", results)
	}

	if err := h.ctrl.HandleCommand(ctx, u, "reset"); err != nil {
		t.Fatalf("reset error = %v", err)
	}
	if _, ok := h.store.Get(u.Key()); ok {
		t.Error("session survived /reset")
	}
	if !h.rec.saw("Session reset") {
		t.Errorf("messages = %q", h.rec.texts())
	}
}

func TestController_JobTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	ctx := context.Background()
	h.runner.run = func(context.Context, *mkvtoolnix.JobRequest, func(int)) (*mkvtoolnix.JobResult, error) {
		return nil, &mkvtoolnix.ProcessError{Tool: mkvtoolnix.ToolMKVExtract, ExitCode: -1, Err: mkvtoolnix.ErrTimeout}
	}
	readyExtract(t, h, u)
	h.ctrl.HandleChoice(ctx, u, dataExtract)
	h.ctrl.HandleChoice(ctx, u, prefixTrack+"1")
	h.ctrl.HandleChoice(ctx, u, dataGo)

	s := waitState(t, h, u, session.StateFailed)
	if s.LastError == "" {
		t.Error("LastError is empty")
	}
	results := h.rec.results()
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].Text, "stopped responding") || strings.Contains(results[0].Text, "exit code") {
		t.Errorf("result text = %q", results[0].Text)
	}
}

func TestController_CancelRunningJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	ctx := context.Background()
	started := make(chan struct{})
	h.runner.run = func(ctx context.Context, req *mkvtoolnix.JobRequest, progress func(int)) (*mkvtoolnix.JobResult, error) {
		os.MkdirAll(req.OutputDir(), 0o700)
		for _, out := range req.Outputs() {
			os.WriteFile(out, []byte("partial"), 0o600)
		}
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s := readyExtract(t, h, u)
	h.ctrl.HandleChoice(ctx, u, dataExtract)
	h.ctrl.HandleChoice(ctx, u, prefixTrack+"1")
	h.ctrl.HandleChoice(ctx, u, dataGo)
	<-started

	// Buttons are refused while the job runs.
	if err := h.ctrl.HandleChoice(ctx, u, dataBack); !errors.Is(err, ErrSessionConflict) {
		t.Errorf("choice during job error = %v, want ErrSessionConflict", err)
	}

	if err := h.ctrl.HandleCommand(ctx, u, "cancel"); err != nil {
		t.Fatalf("cancel error = %v", err)
	}
	if _, ok := h.store.Get(u.Key()); ok {
		t.Error("session survived /cancel")
	}
	if _, err := os.Stat(s.Workspace); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("workspace left behind: %v", err)
	}
	if len(h.rec.results()) != 0 {
		t.Errorf("cancelled job reported %+v", h.rec.results())
	}
}

func TestController_NewUploadAfterDone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	ctx := context.Background()
	readyExtract(t, h, u)
	h.ctrl.HandleChoice(ctx, u, dataExtract)
	h.ctrl.HandleChoice(ctx, u, dataAllTracks)
	h.ctrl.HandleChoice(ctx, u, dataGo)
	waitState(t, h, u, session.StateDone)

	s := readyExtract(t, h, u)
	if len(s.Files) != 1 || s.Action != session.ActionNone {
		t.Errorf("session after new upload = %+v", s)
	}
}

func TestController_MuxJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	ctx := context.Background()
	h.runner.probes["show.mkv"] = movieProbe
	h.runner.probes["show.tam.aac"] = &mkvtoolnix.ProbeResult{
		Container: "AAC",
		Tracks:    []mkvtoolnix.Track{{ID: 0, Type: mkvtoolnix.TrackAudio, Codec: "AAC", Language: "und"}},
	}

	h.ctrl.HandleUpload(ctx, u, upload("show.mkv", 4, nil))
	waitState(t, h, u, session.StateAwaitingAction)
	h.ctrl.HandleUpload(ctx, u, upload("show.tam.aac", 4, nil))
	waitState(t, h, u, session.StateAwaitingAction)
	// Raw subtitles without a probe result still become a single track.
	h.ctrl.HandleUpload(ctx, u, upload("show.ben.srt", 4, nil))
	s := waitState(t, h, u, session.StateAwaitingAction)
	if len(s.Files) != 3 {
		t.Fatalf("files = %+v", s.Files)
	}

	if err := h.ctrl.HandleChoice(ctx, u, dataMux); err != nil {
		t.Fatalf("mux choice error = %v", err)
	}
	s, _ = h.store.Get(u.Key())
	if s.Params.Languages[1] != "tam" || s.Params.Languages[2] != "ben" {
		t.Errorf("languages = %v", s.Params.Languages)
	}

	h.ctrl.HandleChoice(ctx, u, dataTitle)
	if err := h.ctrl.HandleText(ctx, u, "My Show"); err != nil {
		t.Fatalf("HandleText() error = %v", err)
	}

	// Track options of the audio file.
	if err := h.ctrl.HandleChoice(ctx, u, prefixOptions+"1"); err != nil {
		t.Fatalf("options error = %v", err)
	}
	h.ctrl.HandleChoice(ctx, u, prefixTrackName+"1:0")
	if !h.rec.saw("track 0 of show.tam.aac") {
		t.Errorf("messages = %q", h.rec.texts())
	}
	h.ctrl.HandleText(ctx, u, "Tamil")
	h.ctrl.HandleChoice(ctx, u, prefixForced+"1:0")
	if err := h.ctrl.HandleChoice(ctx, u, prefixTrackName+"1:7"); !errors.Is(err, ErrStaleMenu) {
		t.Errorf("unknown track error = %v, want ErrStaleMenu", err)
	}
	h.ctrl.HandleChoice(ctx, u, dataBack)

	if err := h.ctrl.HandleChoice(ctx, u, dataGo); err != nil {
		t.Fatalf("go error = %v", err)
	}
	waitState(t, h, u, session.StateDone)

	args := h.runner.lastJob().Args()
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--title My Show",
		"--language 0:tam --track-name 0:Tamil --default-track-flag 0:0 --forced-display-flag 0:1",
		"--language 0:ben",
		"show.muxed.mkv",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}

func TestController_RejectedActions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	ctx := context.Background()
	readyExtract(t, h, u)

	if err := h.ctrl.HandleChoice(ctx, u, dataMerge); !errors.Is(err, ErrValidation) {
		t.Errorf("merge with one file error = %v", err)
	}
	if !h.rec.saw("Please send at least 2 files to merge.") {
		t.Errorf("messages = %q", h.rec.texts())
	}
	s, _ := h.store.Get(u.Key())
	if s.State != session.StateAwaitingAction {
		t.Errorf("state = %s after rejected action", s.State)
	}

	// A button from an older menu.
	if err := h.ctrl.HandleChoice(ctx, u, prefixTrack+"1"); !errors.Is(err, ErrStaleMenu) {
		t.Errorf("stale toggle error = %v", err)
	}
}

func TestController_RemoveLastFile(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	s := readyExtract(t, h, u)

	if err := h.ctrl.HandleChoice(context.Background(), u, dataRemoveLast); err != nil {
		t.Fatalf("remove error = %v", err)
	}
	if _, ok := h.store.Get(u.Key()); ok {
		t.Error("session kept after removing its only file")
	}
	if _, err := os.Stat(s.Files[0].Path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file left behind: %v", err)
	}
}

func TestController_UsersAreIsolated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a, b := testUser("a"), testUser("b")
	release := make(chan struct{})
	h.runner.probes["movie.mkv"] = movieProbe

	h.ctrl.HandleUpload(ctx, a, upload("movie.mkv", 4, release))
	if err := h.ctrl.HandleUpload(ctx, b, upload("movie.mkv", 4, nil)); err != nil {
		t.Fatalf("second user upload error = %v", err)
	}
	waitState(t, h, b, session.StateAwaitingAction)

	if s, _ := h.store.Get(a.Key()); s.State != session.StateAwaitingFile {
		t.Errorf("user a state = %s", s.State)
	}
	h.ctrl.HandleCommand(ctx, b, "cancel")
	if _, ok := h.store.Get(a.Key()); !ok {
		t.Error("cancel of user b removed user a")
	}
	close(release)
	waitState(t, h, a, session.StateAwaitingAction)
}

func TestController_Commands(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	u := testUser("1")
	ctx := context.Background()

	h.ctrl.HandleCommand(ctx, u, "start")
	h.ctrl.HandleCommand(ctx, u, "cancel")
	h.ctrl.HandleCommand(ctx, u, "files")
	if err := h.ctrl.HandleCommand(ctx, u, "bogus"); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown command error = %v", err)
	}
	for _, want := range []string{"Welcome to MKVToolNix Bot", "No active operation to cancel.", "No files added yet."} {
		if !h.rec.saw(want) {
			t.Errorf("missing %q in %q", want, h.rec.texts())
		}
	}
	if err := h.ctrl.HandleChoice(ctx, u, dataGo); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("choice without session error = %v", err)
	}
}

func TestDetectLanguage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
	}{
		{"movie.eng.mkv", "eng"},
		{"Movie.Hindi.mka", "hin"},
		{"show_tamil_dub.aac", "tam"},
		{"episode.te.srt", "tel"},
		{"as the world turns.mkv", ""},
		{"movie.en.srt", "eng"},
		{"no language here.mkv", ""},
		{"FILM.JPN.ass", "jpn"},
	}
	for _, tt := range tests {
		if got := DetectLanguage(tt.name); got != tt.want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestProgressBar(t *testing.T) {
	t.Parallel()

	if got := progressBar(30); got != "▰▰▰▱▱▱▱▱▱▱ 30%" {
		t.Errorf("progressBar(30) = %q", got)
	}
	if got := progressBar(150); got != "▰▰▰▰▰▰▰▰▰▰ 100%" {
		t.Errorf("progressBar(150) = %q", got)
	}
}
