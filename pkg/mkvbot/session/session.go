// Package session holds the per-user workflow state of the bot. Sessions
// live in memory only and are never expired automatically.
package session

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/mkvtoolnix"
)

// State is the workflow state of a session.
type State int

const (
	StateIdle State = iota
	StateAwaitingFile
	StateAwaitingAction
	StateAwaitingParameters
	StateRunning
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFile:
		return "awaiting_file"
	case StateAwaitingAction:
		return "awaiting_action"
	case StateAwaitingParameters:
		return "awaiting_parameters"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a workflow.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Action is the operation a user picked.
type Action string

const (
	ActionNone    Action = ""
	ActionExtract Action = "extract"
	ActionMux     Action = "mux"
	ActionMerge   Action = "merge"
	ActionEdit    Action = "edit"
)

// FileKind classifies uploads by extension.
type FileKind string

const (
	KindVideo    FileKind = "video"
	KindAudio    FileKind = "audio"
	KindSubtitle FileKind = "subtitle"
)

// User identifies the person a session belongs to.
type User struct {
	Channel string
	ID      string
	// ChatID is where replies go.
	ChatID string
	Name   string
}

// Key returns the store key "channel:id".
func (u User) Key() string { return u.Channel + ":" + u.ID }

// File is an uploaded file stored in the session workspace.
type File struct {
	ID   string
	Name string
	Kind FileKind
	Size int64
	Path string
	// Language is the code detected from the file name, if any.
	Language string
	Probe    *mkvtoolnix.ProbeResult
}

// Prompt names the free-text answer a session is waiting for.
type Prompt string

const (
	PromptNone      Prompt = ""
	PromptTitle     Prompt = "title"
	PromptTrackName Prompt = "track_name"
)

// TrackRef names a track of one uploaded file.
type TrackRef struct {
	File  int
	Track int
}

// Params are the parameters collected for the selected action.
type Params struct {
	// Tracks are the selected track IDs (extract).
	Tracks []int
	// Languages maps a track ID (extract, edit) or a file index (mux) to a language code.
	Languages map[int]string
	Title     string
	// TrackNames holds new track names (edit, mux, merge).
	TrackNames map[TrackRef]string
	// Flags holds default/forced overrides (edit, mux, merge).
	Flags map[TrackRef]mkvtoolnix.TrackFlags
	// Prompt is the pending free-text question; PromptTrack is its track.
	Prompt      Prompt
	PromptTrack TrackRef
	// LanguageFor is the track or file whose language picker is open, -1 when closed.
	LanguageFor int
	// OptionsFor is the file whose track options are open, -1 when closed.
	OptionsFor int
}

// NewParams returns empty parameters.
func NewParams() Params {
	return Params{
		Languages:   make(map[int]string),
		TrackNames:  make(map[TrackRef]string),
		Flags:       make(map[TrackRef]mkvtoolnix.TrackFlags),
		LanguageFor: -1,
		OptionsFor:  -1,
	}
}

func (p Params) clone() Params {
	c := p
	c.Tracks = slices.Clone(p.Tracks)
	c.Languages = maps.Clone(p.Languages)
	c.TrackNames = maps.Clone(p.TrackNames)
	c.Flags = maps.Clone(p.Flags)
	if c.Languages == nil {
		c.Languages = make(map[int]string)
	}
	if c.TrackNames == nil {
		c.TrackNames = make(map[TrackRef]string)
	}
	if c.Flags == nil {
		c.Flags = make(map[TrackRef]mkvtoolnix.TrackFlags)
	}
	return c
}

// FlagsOf returns the flags a track will have: the override if one is set,
// otherwise what the file already carries.
func (p Params) FlagsOf(ref TrackRef, t mkvtoolnix.Track) mkvtoolnix.TrackFlags {
	if f, ok := p.Flags[ref]; ok {
		return f
	}
	return mkvtoolnix.TrackFlags{Default: t.Default, Forced: t.Forced}
}

// Selected reports whether a track is selected.
func (p Params) Selected(id int) bool { return slices.Contains(p.Tracks, id) }

// TaskKind is the kind of background work a session runs.
type TaskKind string

const (
	TaskDownload TaskKind = "download"
	TaskJob      TaskKind = "job"
)

// Task is the handle of a session's background work. Copies of a session
// share the same handle.
type Task struct {
	ID   string
	Kind TaskKind

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewTask derives the task context from parent.
func NewTask(parent context.Context, kind TaskKind) (*Task, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		ID:     uuid.NewString(),
		Kind:   kind,
		cancel: cancel,
		done:   make(chan struct{}),
	}, ctx
}

// Cancel stops the task.
func (t *Task) Cancel() {
	if t != nil && t.cancel != nil {
		t.cancel()
	}
}

// Finish marks the task as finished. Safe to call more than once.
func (t *Task) Finish() {
	t.once.Do(func() {
		close(t.done)
		if t.cancel != nil {
			t.cancel()
		}
	})
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Session is one user's workflow.
type Session struct {
	User   User
	State  State
	Files  []File
	Action Action
	Params Params

	// Workspace is the directory holding this session's files.
	Workspace string
	// Task is the running background work, nil when idle.
	Task *Task
	// LastError is the user-facing reason of the last failure.
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Busy reports whether a background task is running.
func (s *Session) Busy() bool { return s.Task != nil }

// Clone returns a copy that shares no mutable state with s, except the task
// handle and the read-only probe results.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Files = slices.Clone(s.Files)
	c.Params = s.Params.clone()
	return &c
}

// File returns the file at index i.
func (s *Session) File(i int) (File, bool) {
	if i < 0 || i >= len(s.Files) {
		return File{}, false
	}
	return s.Files[i], true
}

// ResetParams clears the collected parameters and the selected action.
func (s *Session) ResetParams() {
	s.Action = ActionNone
	s.Params = NewParams()
}
