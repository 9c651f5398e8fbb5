// Package bot connects chat channels to the workflow controller. The
// Dispatcher turns incoming channel messages into controller calls, one user
// at a time in arrival order, and the Renderer presents controller events
// back on the user's channel.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/session"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/workflow"
)

// Handler is the workflow surface the dispatcher drives.
// *workflow.Controller implements it.
type Handler interface {
	HandleCommand(ctx context.Context, u session.User, command string) error
	HandleUpload(ctx context.Context, u session.User, up workflow.Upload) error
	HandleText(ctx context.Context, u session.User, text string) error
	HandleChoice(ctx context.Context, u session.User, data string) error
}

// ChannelSource looks up registered channels. *channels.Manager implements it.
type ChannelSource interface {
	Channel(name string) (channels.Channel, bool)
}

// Dispatcher routes channel messages to the workflow. Messages of one user
// are handled sequentially in arrival order; different users are handled
// concurrently.
type Dispatcher struct {
	handler  Handler
	channels ChannelSource
	logger   *slog.Logger

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	wg        sync.WaitGroup

	handled atomic.Int64
	panics  atomic.Int64
}

// mailbox is the FIFO of one user. running is true while a goroutine
// drains it.
type mailbox struct {
	queue   []*channels.IncomingMessage
	running bool
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(handler Handler, source ChannelSource, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handler:   handler,
		channels:  source,
		logger:    logger.With("component", "dispatcher"),
		mailboxes: make(map[string]*mailbox),
	}
}

// Run dispatches messages until ctx is done or messages is closed, then
// waits for the messages already queued to be handled.
func (d *Dispatcher) Run(ctx context.Context, messages <-chan *channels.IncomingMessage) error {
	defer d.wg.Wait()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			d.Dispatch(ctx, msg)
		case <-ctx.Done():
			return nil
		}
	}
}

// Dispatch queues a message on its user's mailbox.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *channels.IncomingMessage) {
	if msg == nil {
		return
	}
	key := userFor(msg).Key()

	d.mu.Lock()
	defer d.mu.Unlock()
	mb, ok := d.mailboxes[key]
	if !ok {
		mb = &mailbox{}
		d.mailboxes[key] = mb
	}
	mb.queue = append(mb.queue, msg)
	if mb.running {
		return
	}
	mb.running = true
	d.wg.Add(1)
	go d.drain(ctx, key, mb)
}

// Stats returns the number of handled messages and recovered panics.
func (d *Dispatcher) Stats() (handled, panics int64) {
	return d.handled.Load(), d.panics.Load()
}

func (d *Dispatcher) drain(ctx context.Context, key string, mb *mailbox) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(mb.queue) == 0 {
			mb.running = false
			delete(d.mailboxes, key)
			d.mu.Unlock()
			return
		}
		msg := mb.queue[0]
		mb.queue[0] = nil
		mb.queue = mb.queue[1:]
		d.mu.Unlock()

		d.handle(ctx, msg)
	}
}

// handle runs one message through the workflow. Panics and errors are
// logged and never stop the mailbox.
func (d *Dispatcher) handle(ctx context.Context, msg *channels.IncomingMessage) {
	start := time.Now()
	u := userFor(msg)
	logger := d.logger.With(
		"channel", msg.Channel,
		"user", u.Key(),
		"type", msg.Type,
		"msg_id", msg.ID,
	)

	var cb *pendingCallback
	if msg.Type == channels.MessageCallback && msg.Callback != nil {
		cb = &pendingCallback{info: msg.Callback, user: u.Key()}
		ctx = withCallback(ctx, cb)
	}

	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			logger.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
		if cb != nil && !cb.answered.Load() {
			// Acknowledge the press so the client stops waiting.
			d.answer(ctx, msg.Channel, cb, "")
		}
		d.handled.Add(1)
	}()

	err := d.route(ctx, u, msg)
	if err != nil {
		logger.Debug("message rejected", "error", err, "duration", time.Since(start))
		return
	}
	logger.Debug("message handled", "duration", time.Since(start))
}

func (d *Dispatcher) route(ctx context.Context, u session.User, msg *channels.IncomingMessage) error {
	switch msg.Type {
	case channels.MessageCommand:
		return d.handler.HandleCommand(ctx, u, msg.Content)

	case channels.MessageText:
		return d.handler.HandleText(ctx, u, msg.Content)

	case channels.MessageCallback:
		if msg.Callback == nil {
			return errors.New("callback message without callback data")
		}
		return d.handler.HandleChoice(ctx, u, msg.Callback.Data)

	case channels.MessageDocument:
		if msg.Media == nil {
			return errors.New("document message without media")
		}
		up, err := d.upload(msg)
		if err != nil {
			return err
		}
		return d.handler.HandleUpload(ctx, u, up)

	default:
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

// upload wraps an attachment so the workflow can fetch it through the
// channel it arrived on.
func (d *Dispatcher) upload(msg *channels.IncomingMessage) (workflow.Upload, error) {
	ch, ok := d.channels.Channel(msg.Channel)
	if !ok {
		return workflow.Upload{}, fmt.Errorf("unknown channel %q", msg.Channel)
	}
	fc, ok := ch.(channels.FileChannel)
	if !ok {
		return workflow.Upload{}, fmt.Errorf("channel %q cannot download files", msg.Channel)
	}
	media := *msg.Media
	return workflow.Upload{
		Name:     media.Filename,
		Size:     media.Size,
		MimeType: media.MimeType,
		Fetch: func(ctx context.Context, dst string, progress func(done, total int64)) error {
			err := fc.Download(ctx, &media, dst, progress)
			if errors.Is(err, channels.ErrFileTooLarge) {
				return fmt.Errorf("%w: %w", workflow.ErrPlatformLimit, err)
			}
			return err
		},
	}, nil
}

func (d *Dispatcher) answer(ctx context.Context, channel string, cb *pendingCallback, text string) {
	if !cb.answered.CompareAndSwap(false, true) {
		return
	}
	ch, ok := d.channels.Channel(channel)
	if !ok {
		return
	}
	if ic, ok := ch.(channels.InteractiveChannel); ok {
		if err := ic.AnswerCallback(ctx, cb.info, text, false); err != nil {
			d.logger.Debug("failed to answer callback", "channel", channel, "error", err)
		}
	}
}

// userFor derives the session user of a message.
func userFor(msg *channels.IncomingMessage) session.User {
	return session.User{
		Channel: msg.Channel,
		ID:      msg.From,
		ChatID:  msg.ChatID,
		Name:    msg.FromName,
	}
}

// pendingCallback is the button press being handled. The renderer answers
// it with the first alert; otherwise the dispatcher acknowledges it empty.
type pendingCallback struct {
	info     *channels.CallbackInfo
	user     string
	answered atomic.Bool
}

type callbackKey struct{}

func withCallback(ctx context.Context, cb *pendingCallback) context.Context {
	return context.WithValue(ctx, callbackKey{}, cb)
}

func callbackFrom(ctx context.Context) *pendingCallback {
	cb, _ := ctx.Value(callbackKey{}).(*pendingCallback)
	return cb
}
