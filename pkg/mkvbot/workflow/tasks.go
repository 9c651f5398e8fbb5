package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/mkvtoolnix"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/session"
)

// runDownload fetches an upload into the workspace, probes it and moves the
// session to AwaitingAction. On failure the file is dropped and the session
// returns to prevState.
func (c *Controller) runDownload(ctx context.Context, task *session.Task, u session.User, up Upload, kind session.FileKind, dir string, prevState session.State) {
	key := u.Key()
	logger := c.logger.With("user", key, "task", task.ID, "file", up.Name)

	dst, err := c.ws.Path(dir, up.Name)
	if err == nil {
		dst = uniquePath(dst)
	}

	var file *session.File
	if err == nil {
		file, err = c.fetchAndProbe(ctx, task, u, up, kind, dst)
	}

	if err != nil {
		if dst != "" {
			_ = os.Remove(dst)
		}
		if ctx.Err() != nil {
			// Cancelled by /cancel, /reset or shutdown; the canceller cleans up.
			logger.Info("download cancelled")
			return
		}
		logger.Warn("upload failed", "error", err)

		var emptied bool
		_, uerr := c.store.Update(key, func(s *session.Session) error {
			if s.Task != task {
				return errStaleTask
			}
			s.Task = nil
			s.State = prevState
			if len(s.Files) == 0 && s.Workspace != "" {
				emptied = true
				s.Workspace = ""
			}
			return nil
		})
		if uerr != nil {
			return
		}
		if emptied {
			if rerr := c.ws.Remove(dir); rerr != nil {
				logger.Warn("failed to remove workspace", "error", rerr)
			}
		}
		c.emitText(ctx, u, uploadFailureText(up.Name, err, c.cfg.MaxFileSize))
		return
	}

	updated, err := c.store.Update(key, func(s *session.Session) error {
		if s.Task != task {
			return errStaleTask
		}
		s.Task = nil
		s.Files = append(s.Files, *file)
		s.State = session.StateAwaitingAction
		return nil
	})
	if err != nil {
		_ = os.Remove(dst)
		return
	}

	logger.Info("upload ready", "size", humanize.Bytes(uint64(file.Size)), "tracks", len(file.Probe.Tracks), "language", file.Language)
	c.emitProgress(ctx, u, Progress{
		TaskID:  task.ID,
		Stage:   "download",
		Percent: 100,
		Detail:  fmt.Sprintf("✅ Download complete: %s\nSize: %s", file.Name, humanize.Bytes(uint64(file.Size))),
	})
	c.emitMenu(ctx, u, actionMenu(updated, false))
}

func (c *Controller) fetchAndProbe(ctx context.Context, task *session.Task, u session.User, up Upload, kind session.FileKind, dst string) (*session.File, error) {
	name := filepath.Base(dst)
	gate := mkvtoolnix.NewProgressGate(c.cfg.ProgressInterval)
	report := func(done, total int64) {
		if total <= 0 {
			total = up.Size
		}
		if total <= 0 {
			return
		}
		pct := int(done * 100 / total)
		if pct >= 100 {
			// 100% is reported once the file is probed.
			pct = 99
		}
		if !gate.Offer(pct) {
			return
		}
		c.emitProgress(ctx, u, Progress{
			TaskID:  task.ID,
			Stage:   "download",
			Percent: pct,
			Detail: fmt.Sprintf("📥 Downloading %s...\n%s\nSize: %s / %s",
				name, progressBar(pct), humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total))),
		})
	}

	report(0, up.Size)
	if err := up.Fetch(ctx, dst, report); err != nil {
		return nil, fmt.Errorf("downloading: %w", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("downloading: %w", err)
	}
	if info.Size() > c.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, info.Size())
	}

	probe, err := c.runner.Probe(ctx, dst)
	if err != nil {
		if ctx.Err() != nil || kind == session.KindVideo || errors.Is(err, mkvtoolnix.ErrToolNotFound) {
			return nil, fmt.Errorf("probing: %w", err)
		}
		// Raw elementary streams are still usable as mux inputs.
		probe = syntheticProbe(kind, name)
	}

	return &session.File{
		ID:       uuid.NewString(),
		Name:     name,
		Kind:     kind,
		Size:     info.Size(),
		Path:     dst,
		Language: DetectLanguage(name),
		Probe:    probe,
	}, nil
}

func syntheticProbe(kind session.FileKind, name string) *mkvtoolnix.ProbeResult {
	t := mkvtoolnix.Track{ID: 0, Language: UndeterminedLanguage, Default: true}
	switch kind {
	case session.KindAudio:
		t.Type = mkvtoolnix.TrackAudio
	case session.KindSubtitle:
		t.Type = mkvtoolnix.TrackSubtitles
	}
	t.Codec = strings.ToUpper(strings.TrimPrefix(filepath.Ext(name), "."))
	return &mkvtoolnix.ProbeResult{Container: t.Codec, Tracks: []mkvtoolnix.Track{t}}
}

func uploadFailureText(name string, err error, maxSize int64) string {
	switch {
	case errors.Is(err, ErrPlatformLimit):
		return fmt.Sprintf("⚠️ %s is larger than this chat platform lets bots download. Send a smaller file.", name)
	case errors.Is(err, ErrFileTooLarge):
		return fmt.Sprintf("⚠️ File is too large! Max size is %s.", humanize.Bytes(uint64(maxSize)))
	case errors.Is(err, mkvtoolnix.ErrToolNotFound):
		return "⚠️ The server is missing MKVToolNix. Please contact the bot owner."
	case strings.HasPrefix(err.Error(), "probing"):
		return fmt.Sprintf("⚠️ Could not read %s. Is it a valid media file?", name)
	default:
		return fmt.Sprintf("⚠️ Could not download %s. Please send it again.", name)
	}
}

// uniquePath appends " (n)" to the stem while path exists.
func uniquePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

// start builds the job of the collected parameters and runs it in the background.
func (c *Controller) start(ctx context.Context, u session.User) error {
	var (
		req     *mkvtoolnix.JobRequest
		task    *session.Task
		taskCtx context.Context
		action  session.Action
		dir     string
		reject  string
	)
	_, err := c.store.Update(u.Key(), func(s *session.Session) error {
		if s.State != session.StateAwaitingParameters {
			return ErrStaleMenu
		}
		if s.Action == session.ActionExtract && len(s.Params.Tracks) == 0 {
			reject = "Select at least one track."
			return fmt.Errorf("%w: no tracks selected", ErrValidation)
		}
		r, err := BuildJob(s)
		if err != nil {
			reject = "These parameters cannot be used. Please check them."
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
		req = r
		action = s.Action
		dir = s.Workspace
		s.Params.Prompt = session.PromptNone
		s.Params.LanguageFor = -1
		s.Params.OptionsFor = -1
		s.State = session.StateRunning
		task, taskCtx = session.NewTask(c.base, session.TaskJob)
		s.Task = task
		return nil
	})
	if err != nil {
		if reject != "" {
			c.emitAlert(ctx, u, reject)
		}
		return c.sessionError(ctx, u, err)
	}

	c.logger.Info("job started", "user", u.Key(), "action", action, "job_id", req.ID(), "command", req.String())
	c.emitMenu(ctx, u, Menu{Text: "▶️ " + actionTitle(action) + " started. Send /cancel to stop it.", Replace: true})

	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		defer task.Finish()
		c.runJob(taskCtx, task, u, req, action, dir)
	}()
	return nil
}

// runJob runs a tool, forwards its progress and reports the outcome. The
// workspace is released at the end either way.
func (c *Controller) runJob(ctx context.Context, task *session.Task, u session.User, req *mkvtoolnix.JobRequest, action session.Action, dir string) {
	key := u.Key()
	logger := c.logger.With("user", key, "task", task.ID, "job_id", req.ID())
	stage := actionTitle(action)

	c.emitProgress(ctx, u, Progress{TaskID: task.ID, Stage: stage, Percent: 0, Detail: "⚙️ " + stage + "...\n" + progressBar(0)})
	res, err := mkvtoolnix.Wait(c.runner.Run(ctx, req), func(p mkvtoolnix.Progress) {
		c.emitProgress(ctx, u, Progress{
			TaskID:  task.ID,
			Stage:   stage,
			Percent: p.Percent,
			Detail:  "⚙️ " + stage + "...\n" + progressBar(p.Percent),
		})
	})
	if ctx.Err() != nil {
		logger.Info("job cancelled")
		return
	}

	result := Result{TaskID: task.ID}
	if err != nil {
		result.Text = jobFailureText(err)
		logger.Warn("job failed", "error", err)
	} else {
		result.Success = true
		result.Files = outputFiles(res.Outputs)
		result.Text = jobSuccessText(action, res, result.Files)
		logger.Info("job finished", "outputs", len(result.Files), "duration", res.Duration)
	}

	// Results are delivered before the workspace is released.
	c.emit(ctx, Event{Kind: EventResult, User: u, Result: &result})
	if ctx.Err() != nil {
		return
	}

	_, uerr := c.store.Update(key, func(s *session.Session) error {
		if s.Task != task {
			return errStaleTask
		}
		s.Task = nil
		s.Files = nil
		s.Workspace = ""
		if result.Success {
			s.State = session.StateDone
			s.LastError = ""
		} else {
			s.State = session.StateFailed
			s.LastError = result.Text
		}
		return nil
	})
	if uerr != nil {
		return
	}
	if rerr := c.ws.Remove(dir); rerr != nil {
		logger.Warn("failed to remove workspace", "error", rerr)
	}
}

// BuildJob turns the collected parameters of s into a Job Request writing
// into <workspace>/out.
func BuildJob(s *session.Session) (*mkvtoolnix.JobRequest, error) {
	if s.Workspace == "" {
		return nil, errors.New("session has no workspace")
	}
	outDir := filepath.Join(s.Workspace, "out")

	switch s.Action {
	case session.ActionExtract:
		f := s.Files[0]
		ids := append([]int(nil), s.Params.Tracks...)
		sort.Ints(ids)
		tracks := make([]mkvtoolnix.ExtractTrack, 0, len(ids))
		for _, id := range ids {
			t, ok := f.Probe.Track(id)
			if !ok {
				return nil, fmt.Errorf("track %d not found", id)
			}
			lang := s.Params.Languages[id]
			if lang == "" {
				lang = suggestLanguage(t, f)
			}
			tracks = append(tracks, mkvtoolnix.ExtractTrack{ID: id, CodecID: t.CodecID, Language: lang})
		}
		return mkvtoolnix.BuildExtract(f.Path, outDir, tracks)

	case session.ActionMux:
		inputs := make([]mkvtoolnix.MuxInput, 0, len(s.Files))
		for i, f := range s.Files {
			in := mkvtoolnix.MuxInput{
				Path:       f.Path,
				Language:   s.Params.Languages[i],
				TrackNames: namesFor(s.Params, i),
				Flags:      flagsFor(s.Params, i),
			}
			if in.Language != "" && f.Probe != nil {
				for _, t := range f.Probe.Tracks {
					if t.Type == mkvtoolnix.TrackAudio || t.Type == mkvtoolnix.TrackSubtitles {
						in.TrackIDs = append(in.TrackIDs, t.ID)
					}
				}
			}
			inputs = append(inputs, in)
		}
		return mkvtoolnix.BuildMux(filepath.Join(outDir, outputName(s.Files, "muxed")), s.Params.Title, inputs)

	case session.ActionMerge:
		paths := make([]string, 0, len(s.Files))
		for _, f := range s.Files {
			paths = append(paths, f.Path)
		}
		return mkvtoolnix.BuildMerge(filepath.Join(outDir, outputName(s.Files, "merged")), s.Params.Title, paths,
			mkvtoolnix.TrackEdits{Names: namesFor(s.Params, 0), Flags: flagsFor(s.Params, 0)})

	case session.ActionEdit:
		f := s.Files[0]
		out := filepath.Join(outDir, strings.TrimSuffix(f.Name, filepath.Ext(f.Name))+".mkv")
		return mkvtoolnix.BuildEdit(f.Path, out, mkvtoolnix.EditOptions{
			Title:      s.Params.Title,
			Languages:  s.Params.Languages,
			TrackNames: namesFor(s.Params, 0),
			Flags:      flagsFor(s.Params, 0),
		})
	}
	return nil, fmt.Errorf("no action selected")
}

// namesFor returns the new track names of one file keyed by track ID.
func namesFor(p session.Params, file int) map[int]string {
	names := make(map[int]string)
	for ref, name := range p.TrackNames {
		if ref.File == file {
			names[ref.Track] = name
		}
	}
	return names
}

// flagsFor returns the flag overrides of one file keyed by track ID.
func flagsFor(p session.Params, file int) map[int]mkvtoolnix.TrackFlags {
	flags := make(map[int]mkvtoolnix.TrackFlags)
	for ref, f := range p.Flags {
		if ref.File == file {
			flags[ref.Track] = f
		}
	}
	return flags
}

// outputName names mux/merge output after the first video file, or the first file.
func outputName(files []session.File, suffix string) string {
	base := files[0].Name
	for _, f := range files {
		if f.Kind == session.KindVideo {
			base = f.Name
			break
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base)) + "." + suffix + ".mkv"
}

func outputFiles(paths []string) []OutputFile {
	files := make([]OutputFile, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		files = append(files, OutputFile{Path: p, Name: filepath.Base(p), Size: info.Size()})
	}
	return files
}

func actionTitle(a session.Action) string {
	switch a {
	case session.ActionExtract:
		return "Extracting"
	case session.ActionMux:
		return "Muxing"
	case session.ActionMerge:
		return "Merging"
	case session.ActionEdit:
		return "Editing"
	}
	return "Processing"
}

func jobSuccessText(action session.Action, res *mkvtoolnix.JobResult, files []OutputFile) string {
	var b strings.Builder
	switch action {
	case session.ActionExtract:
		fmt.Fprintf(&b, "✅ Extracted %d file(s).", len(files))
	case session.ActionMux:
		b.WriteString("✅ Muxing complete.")
	case session.ActionMerge:
		b.WriteString("✅ Merging complete.")
	case session.ActionEdit:
		b.WriteString("✅ Metadata updated.")
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	fmt.Fprintf(&b, "\nSize: %s, took %s.", humanize.Bytes(uint64(total)), res.Duration.Round(1e9))
	if res.Warnings {
		b.WriteString("\n⚠️ The tool reported warnings:\n" + mkvtoolnix.Excerpt(res.Stdout+"\n"+res.Stderr, 500))
	}
	b.WriteString("\n\nSend a new file to start again, or /reset.")
	return b.String()
}

func jobFailureText(err error) string {
	var pe *mkvtoolnix.ProcessError
	switch {
	case errors.Is(err, mkvtoolnix.ErrTimeout) && errors.As(err, &pe):
		return fmt.Sprintf("⏱ %s stopped responding and was stopped.\n\nSend /reset to start over.", pe.Tool)
	case errors.As(err, &pe):
		msg := fmt.Sprintf("❌ %s failed (exit code %d).", pe.Tool, pe.ExitCode)
		if excerpt := mkvtoolnix.Excerpt(pe.Excerpt, 800); excerpt != "" {
			msg += "\n\n" + excerpt
		}
		return msg + "\n\nSend /reset to start over."
	case errors.Is(err, mkvtoolnix.ErrToolNotFound):
		return "❌ The server is missing MKVToolNix. Please contact the bot owner."
	default:
		return "❌ The job failed: " + err.Error() + "\n\nSend /reset to start over."
	}
}
