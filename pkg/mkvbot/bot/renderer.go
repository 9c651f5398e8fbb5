package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/workflow"
)

// Renderer presents workflow events on the channel of their user. It keeps
// the last menu of every user and the progress message of every task so
// both can be edited in place.
type Renderer struct {
	channels ChannelSource
	logger   *slog.Logger

	mu       sync.Mutex
	menus    map[string]string // user key -> message ID
	progress map[string]*progressMessage
}

// progressMessage is the message showing the progress of one task.
type progressMessage struct {
	id   string
	text string
}

// NewRenderer creates a renderer.
func NewRenderer(source ChannelSource, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		channels: source,
		logger:   logger.With("component", "renderer"),
		menus:    make(map[string]string),
		progress: make(map[string]*progressMessage),
	}
}

// Emit renders one event. Result events return after all output files were
// sent.
func (r *Renderer) Emit(ctx context.Context, ev workflow.Event) error {
	ch, ok := r.channels.Channel(ev.User.Channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", ev.User.Channel)
	}

	switch ev.Kind {
	case workflow.EventText:
		_, err := ch.Send(ctx, ev.User.ChatID, &channels.OutgoingMessage{Content: ev.Text})
		return err

	case workflow.EventMenu:
		if ev.Menu == nil {
			return errors.New("menu event without menu")
		}
		return r.menu(ctx, ch, ev)

	case workflow.EventAlert:
		return r.alert(ctx, ch, ev)

	case workflow.EventProgress:
		if ev.Progress == nil {
			return errors.New("progress event without progress")
		}
		return r.showProgress(ctx, ch, ev)

	case workflow.EventResult:
		if ev.Result == nil {
			return errors.New("result event without result")
		}
		return r.result(ctx, ch, ev)

	default:
		return fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}

func (r *Renderer) menu(ctx context.Context, ch channels.Channel, ev workflow.Event) error {
	key := ev.User.Key()
	msg := &channels.OutgoingMessage{Content: ev.Menu.Text, Buttons: buttons(ev.Menu.Rows)}

	ic, interactive := ch.(channels.InteractiveChannel)
	if !interactive {
		msg = &channels.OutgoingMessage{Content: menuAsText(ev.Menu)}
	}

	r.mu.Lock()
	prev := r.menus[key]
	r.mu.Unlock()

	if ev.Menu.Replace && interactive && prev != "" {
		err := ic.Edit(ctx, ev.User.ChatID, prev, msg)
		if err == nil {
			return nil
		}
		r.logger.Debug("menu edit failed, sending a new one", "user", key, "error", err)
	}

	id, err := ch.Send(ctx, ev.User.ChatID, msg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.menus[key] = id
	r.mu.Unlock()
	return nil
}

// alert answers the button press being handled when there is one, and
// falls back to a plain message.
func (r *Renderer) alert(ctx context.Context, ch channels.Channel, ev workflow.Event) error {
	if cb := callbackFrom(ctx); cb != nil && cb.user == ev.User.Key() {
		if ic, ok := ch.(channels.InteractiveChannel); ok && cb.answered.CompareAndSwap(false, true) {
			if err := ic.AnswerCallback(ctx, cb.info, ev.Text, true); err == nil {
				return nil
			}
		}
	}
	_, err := ch.Send(ctx, ev.User.ChatID, &channels.OutgoingMessage{Content: ev.Text})
	return err
}

func (r *Renderer) showProgress(ctx context.Context, ch channels.Channel, ev workflow.Event) error {
	p := ev.Progress
	text := p.Detail
	if text == "" {
		text = fmt.Sprintf("%s %d%%", p.Stage, p.Percent)
	}

	r.mu.Lock()
	pm := r.progress[p.TaskID]
	if pm != nil && pm.text == text {
		r.mu.Unlock()
		return nil
	}
	if pm == nil {
		pm = &progressMessage{}
		r.progress[p.TaskID] = pm
	}
	prevID := pm.id
	pm.text = text
	if p.Percent >= 100 {
		delete(r.progress, p.TaskID)
	}
	r.mu.Unlock()

	if ic, ok := ch.(channels.InteractiveChannel); ok && prevID != "" {
		return ic.Edit(ctx, ev.User.ChatID, prevID, &channels.OutgoingMessage{Content: text})
	}
	id, err := ch.Send(ctx, ev.User.ChatID, &channels.OutgoingMessage{Content: text})
	if err != nil {
		return err
	}
	r.mu.Lock()
	if cur, ok := r.progress[p.TaskID]; ok && cur == pm {
		pm.id = id
	}
	r.mu.Unlock()
	return nil
}

// result reports the end of a job and uploads its outputs one by one.
func (r *Renderer) result(ctx context.Context, ch channels.Channel, ev workflow.Event) error {
	res := ev.Result
	r.mu.Lock()
	delete(r.progress, res.TaskID)
	r.mu.Unlock()

	if _, err := ch.Send(ctx, ev.User.ChatID, &channels.OutgoingMessage{Content: res.Text}); err != nil {
		return err
	}
	if len(res.Files) == 0 {
		return nil
	}

	fc, ok := ch.(channels.FileChannel)
	if !ok {
		return fmt.Errorf("channel %q cannot send files", ch.Name())
	}
	var errs []error
	for _, f := range res.Files {
		if err := fc.SendFile(ctx, ev.User.ChatID, f.Path, ""); err != nil {
			r.logger.Warn("failed to send output", "user", ev.User.Key(), "file", f.Name, "error", err)
			errs = append(errs, fmt.Errorf("sending %s: %w", f.Name, err))
			msg := fmt.Sprintf("⚠️ Could not send %s: %s", f.Name, sendProblem(err))
			if _, err := ch.Send(ctx, ev.User.ChatID, &channels.OutgoingMessage{Content: msg}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func sendProblem(err error) string {
	if errors.Is(err, channels.ErrFileTooLarge) {
		return "the file is larger than this platform allows."
	}
	return "upload failed."
}

func buttons(rows [][]workflow.Choice) [][]channels.Button {
	out := make([][]channels.Button, 0, len(rows))
	for _, row := range rows {
		bs := make([]channels.Button, 0, len(row))
		for _, c := range row {
			bs = append(bs, channels.Button{Text: c.Label, Data: c.Data})
		}
		out = append(out, bs)
	}
	return out
}

// menuAsText lists the choices of a menu for channels without buttons.
func menuAsText(m *workflow.Menu) string {
	var b strings.Builder
	b.WriteString(m.Text)
	for _, row := range m.Rows {
		for _, c := range row {
			fmt.Fprintf(&b, "\n• %s", c.Label)
		}
	}
	return b.String()
}

var _ workflow.Emitter = (*Renderer)(nil)
