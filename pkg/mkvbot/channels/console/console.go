// Package console implements a local channel on the terminal. It drives the
// same workflow as the chat platforms: files are "uploaded" with
// /file <path>, buttons are numbered and picked by typing their number, and
// outputs are copied into a local directory.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels"
)

// ChatID is the only chat of the console.
const ChatID = "console"

// Config configures the console channel.
type Config struct {
	// User is the name the session is keyed by.
	User string

	// OutputDir receives the files the bot sends.
	OutputDir string

	// HistoryFile keeps readline history between runs (optional).
	HistoryFile string

	// Stdin and Stdout override the terminal (tests).
	Stdin  io.ReadCloser
	Stdout io.Writer
}

// choice is a numbered button of the latest menu.
type choice struct {
	data      string
	messageID string
}

// Console is the terminal channel.
type Console struct {
	cfg    Config
	logger *slog.Logger

	rl        *readline.Instance
	messages  chan *channels.IncomingMessage
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	choices map[int]choice
	nextID  int

	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
}

// New creates a console channel.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.User == "" {
		cfg.User = "local"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	return &Console{
		cfg:      cfg,
		logger:   logger.With("component", "console"),
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
		choices:  make(map[int]choice),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect opens the terminal and starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mkvbot> ",
		HistoryFile:     c.cfg.HistoryFile,
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           c.cfg.Stdin,
		Stdout:          c.cfg.Stdout,
	})
	if err != nil {
		return fmt.Errorf("opening terminal: %w", err)
	}
	c.rl = rl
	c.connected.Store(true)
	go c.readLoop()

	c.println("Type /start to begin, /file <path> to send a file, a number to press a button, Ctrl-D to quit.")
	return nil
}

// Disconnect closes the terminal.
func (c *Console) Disconnect() error {
	if c.rl == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		err = c.rl.Close()
		<-c.done
	})
	return err
}

// Done is closed when the user ends the input (Ctrl-D) or the console is
// disconnected.
func (c *Console) Done() <-chan struct{} { return c.done }

// Send prints a message and numbers its buttons.
func (c *Console) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) (string, error) {
	if !c.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}
	c.mu.Lock()
	c.nextID++
	id := strconv.Itoa(c.nextID)
	text := c.renderLocked(id, msg)
	c.mu.Unlock()

	c.println(text)
	return id, nil
}

// Edit prints the new version of a message. Its buttons replace the
// current choices.
func (c *Console) Edit(_ context.Context, _, messageID string, msg *channels.OutgoingMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	c.mu.Lock()
	text := c.renderLocked(messageID, msg)
	c.mu.Unlock()

	c.println(text)
	return nil
}

// AnswerCallback prints the notice of a button press, if any.
func (c *Console) AnswerCallback(_ context.Context, _ *channels.CallbackInfo, text string, alert bool) error {
	if text == "" {
		return nil
	}
	prefix := "» "
	if alert {
		prefix = "‼ "
	}
	c.println(prefix + text)
	return nil
}

// Receive returns the channel of typed messages.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected reports whether the terminal is open.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected: c.connected.Load(),
		Details:   map[string]any{"output_dir": c.cfg.OutputDir},
	}
	if v := c.lastMsg.Load(); v != nil {
		h.LastMessageAt = v.(time.Time)
	}
	return h
}

// Download copies a local file referenced by /file.
func (c *Console) Download(ctx context.Context, media *channels.MediaInfo, dst string, progress func(done, total int64)) error {
	in, err := os.Open(media.Ref)
	if err != nil {
		return fmt.Errorf("%w: %v", channels.ErrMediaDownloadFailed, err)
	}
	defer in.Close()
	return channels.CopyToFile(ctx, dst, in, media.Size, progress)
}

// SendFile copies an output into the output directory.
func (c *Console) SendFile(ctx context.Context, _, path, caption string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}

	dst := filepath.Join(c.cfg.OutputDir, filepath.Base(path))
	if err := channels.CopyToFile(ctx, dst, in, info.Size(), nil); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	if caption != "" {
		c.println(caption)
	}
	c.println("📦 Saved " + dst)
	return nil
}

func (c *Console) readLoop() {
	defer close(c.done)
	defer close(c.messages)
	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				// Ctrl-C on an empty line cancels the current operation.
				c.deliver(&channels.IncomingMessage{Type: channels.MessageCommand, Content: "cancel"})
			}
			continue
		}
		if err != nil {
			// io.EOF or Close.
			return
		}
		msg, problem := c.parseLine(line)
		if problem != "" {
			c.println(problem)
			continue
		}
		if msg != nil {
			c.deliver(msg)
		}
	}
}

func (c *Console) deliver(msg *channels.IncomingMessage) {
	now := time.Now()
	c.lastMsg.Store(now)
	msg.Channel = c.Name()
	msg.From = c.cfg.User
	msg.FromName = c.cfg.User
	msg.ChatID = ChatID
	msg.Timestamp = now
	if msg.ID == "" {
		msg.ID = strconv.FormatInt(now.UnixNano(), 10)
	}
	c.messages <- msg
}

// parseLine turns a typed line into a message. A non-empty problem is
// printed instead of delivering anything.
func (c *Console) parseLine(line string) (*channels.IncomingMessage, string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ""
	}

	if n, err := strconv.Atoi(line); err == nil {
		c.mu.Lock()
		ch, ok := c.choices[n]
		c.mu.Unlock()
		// Numbers without a button are plain text (e.g. a title).
		if ok {
			return &channels.IncomingMessage{
				Type: channels.MessageCallback,
				Callback: &channels.CallbackInfo{
					ID:        "cb" + line,
					Data:      ch.data,
					MessageID: ch.messageID,
				},
			}, ""
		}
	}

	if rest, ok := strings.CutPrefix(line, "/file"); ok && (rest == "" || rest[0] == ' ') {
		return fileMessage(strings.TrimSpace(rest))
	}

	if cmd, ok := strings.CutPrefix(line, "/"); ok {
		name, _, _ := strings.Cut(cmd, " ")
		return &channels.IncomingMessage{Type: channels.MessageCommand, Content: name}, ""
	}
	return &channels.IncomingMessage{Type: channels.MessageText, Content: line}, ""
}

func fileMessage(path string) (*channels.IncomingMessage, string) {
	path = strings.Trim(path, `"'`)
	if path == "" {
		return nil, "Usage: /file <path>"
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err.Error()
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, "Cannot read " + path + ": " + err.Error()
	}
	if info.IsDir() {
		return nil, path + " is a directory."
	}
	return &channels.IncomingMessage{
		Type: channels.MessageDocument,
		Media: &channels.MediaInfo{
			Ref:      abs,
			Filename: info.Name(),
			Size:     info.Size(),
		},
	}, ""
}

// renderLocked formats msg with numbered buttons and makes them the
// current choices. Caller holds c.mu.
func (c *Console) renderLocked(messageID string, msg *channels.OutgoingMessage) string {
	if len(msg.Buttons) == 0 {
		return msg.Content
	}
	clear(c.choices)

	var b strings.Builder
	b.WriteString(msg.Content)
	n := 0
	for _, row := range msg.Buttons {
		b.WriteString("\n ")
		for _, btn := range row {
			n++
			c.choices[n] = choice{data: btn.Data, messageID: messageID}
			fmt.Fprintf(&b, " [%d] %s", n, btn.Text)
		}
	}
	return b.String()
}

func (c *Console) println(s string) {
	if c.rl != nil {
		fmt.Fprintln(c.rl, s)
		return
	}
	fmt.Fprintln(os.Stdout, s)
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("/start"),
		readline.PcItem("/help"),
		readline.PcItem("/files"),
		readline.PcItem("/cancel"),
		readline.PcItem("/reset"),
		readline.PcItem("/file", readline.PcItemDynamic(listFiles)),
	)
}

// listFiles completes paths for /file.
func listFiles(line string) []string {
	arg := strings.TrimSpace(strings.TrimPrefix(line, "/file"))
	dir := filepath.Dir(arg)
	if arg == "" || strings.HasSuffix(arg, string(filepath.Separator)) {
		dir = arg
	}
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			p += string(filepath.Separator)
		}
		names = append(names, p)
	}
	return names
}

var (
	_ channels.InteractiveChannel = (*Console)(nil)
	_ channels.FileChannel        = (*Console)(nil)
)
