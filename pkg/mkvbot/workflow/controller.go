// Package workflow implements the conversation state machine of the bot:
// uploads, action menus, parameter collection and background jobs. It talks
// to chat platforms only through abstract events (see Emitter).
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/mkvtoolnix"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/session"
)

// Config holds the workflow limits.
type Config struct {
	// MaxFileSize is the upload ceiling in bytes.
	MaxFileSize int64 `yaml:"max_file_size" validate:"gt=0"`

	// MaxFiles is the number of files one session may hold.
	MaxFiles int `yaml:"max_files" validate:"gt=0"`

	// ProgressInterval throttles download progress reports.
	ProgressInterval time.Duration `yaml:"progress_interval" validate:"gte=0"`

	// DiscardTimeout bounds how long a cancel waits for a task to stop.
	DiscardTimeout time.Duration `yaml:"discard_timeout" validate:"gte=0"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:      2_000_000_000,
		MaxFiles:         10,
		ProgressInterval: 2 * time.Second,
		DiscardTimeout:   30 * time.Second,
	}
}

// Runner runs MKVToolNix jobs. *mkvtoolnix.Runner implements it.
type Runner interface {
	Run(ctx context.Context, req *mkvtoolnix.JobRequest) <-chan mkvtoolnix.Event
	Probe(ctx context.Context, path string) (*mkvtoolnix.ProbeResult, error)
}

// Workspaces hands out session directories. *workspace.Manager implements it.
type Workspaces interface {
	Create(owner string) (string, error)
	Remove(dir string) error
	Path(dir, name string) (string, error)
}

// Upload is a platform-neutral inbound file.
type Upload struct {
	Name     string
	Size     int64
	MimeType string
	// Fetch streams the file to dst, reporting bytes written so far.
	Fetch func(ctx context.Context, dst string, progress func(done, total int64)) error
}

// Controller drives sessions through the workflow. Handlers are expected to
// be called in arrival order per user; different users may be handled
// concurrently.
type Controller struct {
	cfg     Config
	store   *session.Store
	runner  Runner
	ws      Workspaces
	emitter Emitter
	logger  *slog.Logger

	// base is the parent context of background tasks.
	base   context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

// New creates a controller.
func New(cfg Config, store *session.Store, runner Runner, ws Workspaces, emitter Emitter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = def.MaxFiles
	}
	if cfg.DiscardTimeout <= 0 {
		cfg.DiscardTimeout = def.DiscardTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		ws:      ws,
		emitter: emitter,
		logger:  logger.With("component", "workflow"),
		base:    base,
		cancel:  cancel,
	}
}

// Config returns the controller limits.
func (c *Controller) Config() Config { return c.cfg }

const welcomeText = "👋 Welcome to MKVToolNix Bot!\n\n" +
	"Send me an MKV or media file to get started. I can:\n" +
	"- Extract tracks from MKV files\n" +
	"- Mux (combine) multiple files\n" +
	"- Merge (append) multiple files\n" +
	"- Edit metadata (title, language, track names)\n\n" +
	supportedFormatsText + "\n\n" +
	"Commands: /cancel stops the current operation, /reset starts over, /files lists your files."

// HandleCommand handles a slash command (without the slash).
func (c *Controller) HandleCommand(ctx context.Context, u session.User, command string) error {
	switch strings.ToLower(strings.TrimSpace(command)) {
	case "start":
		c.discard(u.Key())
		c.emitText(ctx, u, welcomeText)
		return nil

	case "help":
		c.emitText(ctx, u, welcomeText)
		return nil

	case "cancel":
		if _, ok := c.discard(u.Key()); ok {
			c.emitText(ctx, u, "✅ Current operation cancelled. You can start a new one.")
		} else {
			c.emitText(ctx, u, "No active operation to cancel.")
		}
		return nil

	case "reset":
		if _, ok := c.discard(u.Key()); ok {
			c.emitText(ctx, u, "✅ Session reset. You can start fresh now.")
		} else {
			c.emitText(ctx, u, "No active session to reset.")
		}
		return nil

	case "files":
		s, ok := c.store.Get(u.Key())
		if !ok || len(s.Files) == 0 {
			c.emitText(ctx, u, "No files added yet. Send a file to start.")
			return nil
		}
		c.emitMenu(ctx, u, filesMenu(s, false))
		return nil

	default:
		c.emitText(ctx, u, "Unknown command. Send /help for the list of commands.")
		return fmt.Errorf("%w: unknown command %q", ErrValidation, command)
	}
}

// HandleUpload validates an inbound file and starts downloading it into
// the session workspace in the background.
func (c *Controller) HandleUpload(ctx context.Context, u session.User, up Upload) error {
	kind, ok := ClassifyFile(up.Name)
	if !ok {
		c.emitText(ctx, u, fmt.Sprintf("⚠️ Unsupported file type: %s\n\n%s", displayExt(up.Name), supportedFormatsText))
		return fmt.Errorf("%w: %q", ErrUnsupportedFile, up.Name)
	}
	if up.Size > c.cfg.MaxFileSize {
		c.emitText(ctx, u, fmt.Sprintf("⚠️ File is too large! Max size is %s.", humanize.Bytes(uint64(c.cfg.MaxFileSize))))
		return fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, up.Size, c.cfg.MaxFileSize)
	}
	if up.Fetch == nil {
		return fmt.Errorf("%w: upload without content", ErrValidation)
	}

	key := u.Key()
	if s, exists := c.store.Get(key); exists {
		switch {
		case s.Busy():
			c.emitConflict(ctx, u, s, false)
			return ErrSessionConflict
		case s.State.Terminal():
			// A new file after a finished job starts a new session.
			c.discard(key)
		case len(s.Files) >= c.cfg.MaxFiles:
			c.emitText(ctx, u, fmt.Sprintf("⚠️ You can add at most %d files. Use \"Remove Last File\" or /reset.", c.cfg.MaxFiles))
			return fmt.Errorf("%w: file limit %d reached", ErrValidation, c.cfg.MaxFiles)
		}
	}
	if _, exists := c.store.Get(key); !exists {
		if _, err := c.store.Create(u); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
	}

	var (
		task      *session.Task
		taskCtx   context.Context
		prevState session.State
		dir       string
	)
	_, err := c.store.Update(key, func(s *session.Session) error {
		if s.Busy() {
			return ErrSessionConflict
		}
		if s.Workspace == "" {
			d, err := c.ws.Create(key)
			if err != nil {
				return err
			}
			s.Workspace = d
		}
		dir = s.Workspace
		prevState = s.State
		if prevState == session.StateAwaitingParameters {
			// Parameters refer to the old file set.
			prevState = session.StateAwaitingAction
		}
		s.ResetParams()
		s.State = session.StateAwaitingFile
		s.LastError = ""
		task, taskCtx = session.NewTask(c.base, session.TaskDownload)
		s.Task = task
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionConflict) {
			return err
		}
		c.emitText(ctx, u, "⚠️ Could not prepare a workspace for your file. Please try again.")
		return fmt.Errorf("starting upload: %w", err)
	}

	c.logger.Info("upload accepted",
		"user", key,
		"file", up.Name,
		"size", humanize.Bytes(uint64(max(up.Size, 0))),
		"kind", kind,
	)

	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		defer task.Finish()
		c.runDownload(taskCtx, task, u, up, kind, dir, prevState)
	}()
	return nil
}

// HandleText handles a plain text message: the answer to a pending prompt.
func (c *Controller) HandleText(ctx context.Context, u session.User, text string) error {
	s, ok := c.store.Get(u.Key())
	if !ok {
		c.emitText(ctx, u, "Send me an MKV or media file to get started, or /help for more.")
		return nil
	}
	if s.Busy() {
		c.emitConflict(ctx, u, s, false)
		return ErrSessionConflict
	}
	if s.State != session.StateAwaitingParameters || s.Params.Prompt == session.PromptNone {
		c.emitText(ctx, u, "Please use the buttons above, or send /cancel.")
		return nil
	}

	value := strings.TrimSpace(text)
	if value == "-" {
		value = ""
	}
	if problem := freeTextProblem(value); problem != "" {
		c.emitText(ctx, u, "⚠️ "+problem+" Please send another one.")
		return fmt.Errorf("%w: %s", ErrValidation, problem)
	}

	updated, err := c.store.Update(u.Key(), func(s *session.Session) error {
		if s.State != session.StateAwaitingParameters || s.Params.Prompt == session.PromptNone {
			return ErrStaleMenu
		}
		switch s.Params.Prompt {
		case session.PromptTitle:
			s.Params.Title = value
		case session.PromptTrackName:
			if value == "" {
				delete(s.Params.TrackNames, s.Params.PromptTrack)
			} else {
				s.Params.TrackNames[s.Params.PromptTrack] = value
			}
		}
		s.Params.Prompt = session.PromptNone
		return nil
	})
	if err != nil {
		return c.sessionError(ctx, u, err)
	}
	c.emitMenu(ctx, u, paramsMenu(updated, false))
	return nil
}

// ActiveTasks returns the number of running background tasks.
func (c *Controller) ActiveTasks() int {
	n := 0
	for _, key := range c.store.Keys() {
		if s, ok := c.store.Get(key); ok && s.Busy() {
			n++
		}
	}
	return n
}

// Shutdown cancels every task, removes all sessions and their workspaces,
// and waits for background goroutines until ctx is done.
func (c *Controller) Shutdown(ctx context.Context) error {
	for _, key := range c.store.Keys() {
		c.discard(key)
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}

// discard removes a session: the session is cleared first so a finishing
// task sees it is stale, then the task is cancelled and awaited, then the
// workspace is removed.
func (c *Controller) discard(key string) (*session.Session, bool) {
	s, ok := c.store.Clear(key)
	if !ok {
		return nil, false
	}
	if s.Task != nil {
		s.Task.Cancel()
		select {
		case <-s.Task.Done():
		case <-time.After(c.cfg.DiscardTimeout):
			c.logger.Warn("task did not stop in time", "user", key, "task", s.Task.ID)
		}
	}
	if s.Workspace != "" {
		if err := c.ws.Remove(s.Workspace); err != nil {
			c.logger.Warn("failed to remove workspace", "user", key, "error", err)
		}
	}
	c.logger.Info("session discarded", "user", key, "state", s.State)
	return s, true
}

// sessionError converts store errors into user messages.
func (c *Controller) sessionError(ctx context.Context, u session.User, err error) error {
	switch {
	case errors.Is(err, session.ErrNoSession):
		c.emitAlert(ctx, u, "Session expired. Please send a file again.")
	case errors.Is(err, ErrSessionConflict):
		c.emitAlert(ctx, u, "⏳ Please wait for the current task to finish, or send /cancel.")
	case errors.Is(err, ErrStaleMenu):
		c.emitAlert(ctx, u, "This menu is no longer active.")
	case errors.Is(err, ErrValidation):
		// Specific validation messages are emitted by the caller.
	default:
		c.logger.Error("workflow error", "user", u.Key(), "error", err)
		c.emitAlert(ctx, u, "An error occurred. Please try again.")
	}
	return err
}

func (c *Controller) emitConflict(ctx context.Context, u session.User, s *session.Session, alert bool) {
	what := "your file is still downloading"
	if s.Task != nil && s.Task.Kind == session.TaskJob {
		what = "a job is still running"
	}
	msg := "⏳ Please wait, " + what + ". Send /cancel to stop it."
	if alert {
		c.emitAlert(ctx, u, msg)
		return
	}
	c.emitText(ctx, u, msg)
}

func (c *Controller) emit(ctx context.Context, ev Event) {
	if err := c.emitter.Emit(ctx, ev); err != nil {
		c.logger.Warn("failed to deliver event", "user", ev.User.Key(), "kind", ev.Kind, "error", err)
	}
}

func (c *Controller) emitText(ctx context.Context, u session.User, text string) {
	c.emit(ctx, Event{Kind: EventText, User: u, Text: text})
}

func (c *Controller) emitAlert(ctx context.Context, u session.User, text string) {
	c.emit(ctx, Event{Kind: EventAlert, User: u, Text: text})
}

func (c *Controller) emitMenu(ctx context.Context, u session.User, m Menu) {
	c.emit(ctx, Event{Kind: EventMenu, User: u, Menu: &m})
}

func (c *Controller) emitProgress(ctx context.Context, u session.User, p Progress) {
	c.emit(ctx, Event{Kind: EventProgress, User: u, Progress: &p})
}
