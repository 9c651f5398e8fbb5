package workflow

import (
	"context"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/session"
)

// EventKind tells the renderer how to present an event.
type EventKind int

const (
	// EventText is a plain message.
	EventText EventKind = iota
	// EventMenu presents choices.
	EventMenu
	// EventAlert is a short notice, shown as a callback toast where the platform has one.
	EventAlert
	// EventProgress reports the progress of a background task.
	EventProgress
	// EventResult reports the end of a job, with output files on success.
	EventResult
)

// Choice is one button of a menu. Data is echoed back to HandleChoice.
type Choice struct {
	Label string
	Data  string
}

// Menu is a message with rows of choices.
type Menu struct {
	Text string
	Rows [][]Choice
	// Replace asks the renderer to edit the previous menu in place instead
	// of sending a new message.
	Replace bool
}

// Progress is a progress report. Reports of one task are emitted with
// non-decreasing Percent.
type Progress struct {
	TaskID  string
	Stage   string
	Percent int
	Detail  string
}

// OutputFile is a file produced by a job.
type OutputFile struct {
	Path string
	Name string
	Size int64
}

// Result ends a job.
type Result struct {
	TaskID  string
	Success bool
	Text    string
	Files   []OutputFile
}

// Event is an abstract output of the controller for one user.
type Event struct {
	Kind     EventKind
	User     session.User
	Text     string
	Menu     *Menu
	Progress *Progress
	Result   *Result
}

// Emitter renders events on a chat platform. Emit for a result event
// returns once the output files were delivered.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }
