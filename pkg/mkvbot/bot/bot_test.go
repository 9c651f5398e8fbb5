package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/session"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/workflow"
)

// fakeChannel records everything sent through it.
type fakeChannel struct {
	mu       sync.Mutex
	nextID   int
	sent     []string
	edits    map[string]string
	answers  []string
	files    []string
	failFile bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{edits: make(map[string]string)}
}

func (f *fakeChannel) Name() string                                 { return "fake" }
func (f *fakeChannel) Connect(context.Context) error                { return nil }
func (f *fakeChannel) Disconnect() error                            { return nil }
func (f *fakeChannel) Receive() <-chan *channels.IncomingMessage    { return nil }
func (f *fakeChannel) IsConnected() bool                            { return true }
func (f *fakeChannel) Health() channels.HealthStatus                { return channels.HealthStatus{Connected: true} }
func (f *fakeChannel) Channel(name string) (channels.Channel, bool) { return f, name == "fake" }

func (f *fakeChannel) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, msg.Content)
	return strconv.Itoa(f.nextID), nil
}

func (f *fakeChannel) Edit(_ context.Context, _, id string, msg *channels.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[id] = msg.Content
	return nil
}

func (f *fakeChannel) AnswerCallback(_ context.Context, cb *channels.CallbackInfo, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, cb.ID+":"+text)
	return nil
}

func (f *fakeChannel) Download(ctx context.Context, media *channels.MediaInfo, dst string, progress func(done, total int64)) error {
	if media.Size > 20<<20 {
		return fmt.Errorf("%w: %d bytes", channels.ErrFileTooLarge, media.Size)
	}
	return os.WriteFile(dst, []byte(media.Ref), 0o600)
}

func (f *fakeChannel) SendFile(_ context.Context, _, path, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFile {
		return channels.ErrFileTooLarge
	}
	f.files = append(f.files, filepath.Base(path))
	return nil
}

func (f *fakeChannel) snapshot() (sent []string, answers []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), append([]string(nil), f.answers...)
}

// fakeHandler records calls per user.
type fakeHandler struct {
	mu    sync.Mutex
	calls map[string][]string
	block map[string]chan struct{}
	emit  workflow.Emitter
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{calls: make(map[string][]string), block: make(map[string]chan struct{})}
}

func (h *fakeHandler) record(u session.User, call string) {
	h.mu.Lock()
	wait := h.block[u.ID]
	h.mu.Unlock()
	if wait != nil {
		<-wait
	}
	if call == "text:boom" {
		panic("boom")
	}
	h.mu.Lock()
	h.calls[u.ID] = append(h.calls[u.ID], call)
	h.mu.Unlock()
}

func (h *fakeHandler) HandleCommand(_ context.Context, u session.User, cmd string) error {
	h.record(u, "cmd:"+cmd)
	return nil
}

func (h *fakeHandler) HandleText(_ context.Context, u session.User, text string) error {
	h.record(u, "text:"+text)
	return nil
}

func (h *fakeHandler) HandleChoice(ctx context.Context, u session.User, data string) error {
	h.record(u, "choice:"+data)
	if data == "stale" && h.emit != nil {
		return h.emit.Emit(ctx, workflow.Event{Kind: workflow.EventAlert, User: u, Text: "This menu is no longer active."})
	}
	return nil
}

func (h *fakeHandler) HandleUpload(ctx context.Context, u session.User, up workflow.Upload) error {
	dst := filepath.Join(os.TempDir(), fmt.Sprintf("mkvbot-test-%d", time.Now().UnixNano()))
	defer os.Remove(dst)
	if err := up.Fetch(ctx, dst, nil); err != nil {
		return err
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		return err
	}
	h.record(u, "upload:"+up.Name+":"+string(data))
	return nil
}

func (h *fakeHandler) get(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls[id]...)
}

func msgFrom(user string, typ channels.MessageType, content string) *channels.IncomingMessage {
	return &channels.IncomingMessage{Channel: "fake", From: user, ChatID: "chat-" + user, Type: typ, Content: content}
}

func runDispatcher(t *testing.T, d *Dispatcher, msgs ...*channels.IncomingMessage) {
	t.Helper()
	in := make(chan *channels.IncomingMessage, len(msgs))
	for _, m := range msgs {
		in <- m
	}
	close(in)
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}

func TestDispatcher_RoutesMessages(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	h := newFakeHandler()
	d := NewDispatcher(h, ch, nil)

	cb := msgFrom("1", channels.MessageCallback, "")
	cb.Callback = &channels.CallbackInfo{ID: "cb1", Data: "act:extract"}
	doc := msgFrom("1", channels.MessageDocument, "")
	doc.Media = &channels.MediaInfo{Ref: "payload", Filename: "movie.mkv", Size: 7}

	runDispatcher(t, d,
		msgFrom("1", channels.MessageCommand, "start"),
		doc,
		cb,
		msgFrom("1", channels.MessageText, "My Title"),
	)

	want := []string{"cmd:start", "upload:movie.mkv:payload", "choice:act:extract", "text:My Title"}
	got := h.get("1")
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	// The press was acknowledged without text.
	if _, answers := ch.snapshot(); len(answers) != 1 || answers[0] != "cb1:" {
		t.Errorf("answers = %v", answers)
	}
}

func TestDispatcher_UploadPlatformLimit(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(newFakeHandler(), newFakeChannel(), nil)
	msg := msgFrom("1", channels.MessageDocument, "")
	msg.Media = &channels.MediaInfo{Ref: "payload", Filename: "huge.mkv", Size: 40 << 20}

	up, err := d.upload(msg)
	if err != nil {
		t.Fatalf("upload() error = %v", err)
	}
	err = up.Fetch(context.Background(), filepath.Join(t.TempDir(), "huge.mkv"), nil)
	if !errors.Is(err, workflow.ErrPlatformLimit) {
		t.Fatalf("Fetch() error = %v, want ErrPlatformLimit", err)
	}
	if !errors.Is(err, channels.ErrFileTooLarge) || !errors.Is(err, workflow.ErrFileTooLarge) {
		t.Errorf("Fetch() error = %v lost its cause", err)
	}

	msg.Media.Size = 7
	up, _ = d.upload(msg)
	if err := up.Fetch(context.Background(), filepath.Join(t.TempDir(), "small.mkv"), nil); err != nil {
		t.Errorf("small Fetch() error = %v", err)
	}
}

func TestDispatcher_PerUserOrder(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	h := newFakeHandler()
	release := make(chan struct{})
	h.block["slow"] = release
	d := NewDispatcher(h, ch, nil)

	var msgs []*channels.IncomingMessage
	for i := 0; i < 20; i++ {
		msgs = append(msgs, msgFrom("slow", channels.MessageText, strconv.Itoa(i)))
		msgs = append(msgs, msgFrom("fast", channels.MessageText, strconv.Itoa(i)))
	}

	in := make(chan *channels.IncomingMessage, len(msgs))
	for _, m := range msgs {
		in <- m
	}
	close(in)
	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), in)
		close(done)
	}()

	// The slow user does not hold back the fast one.
	deadline := time.Now().Add(5 * time.Second)
	for len(h.get("fast")) < 20 {
		if time.Now().After(deadline) {
			t.Fatalf("fast user handled %d of 20 while slow user blocked", len(h.get("fast")))
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	<-done

	for _, user := range []string{"slow", "fast"} {
		calls := h.get(user)
		if len(calls) != 20 {
			t.Fatalf("%s: %d calls", user, len(calls))
		}
		for i, c := range calls {
			if c != "text:"+strconv.Itoa(i) {
				t.Fatalf("%s: call %d = %q, out of order", user, i, c)
			}
		}
	}
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	h := newFakeHandler()
	d := NewDispatcher(h, ch, nil)

	runDispatcher(t, d,
		msgFrom("1", channels.MessageText, "boom"),
		msgFrom("1", channels.MessageText, "after"),
		&channels.IncomingMessage{Channel: "fake", From: "1", Type: channels.MessageDocument},
	)

	if got := h.get("1"); len(got) != 1 || got[0] != "text:after" {
		t.Errorf("calls = %v", got)
	}
	handled, panics := d.Stats()
	if handled != 3 || panics != 1 {
		t.Errorf("Stats() = %d, %d", handled, panics)
	}
}

func TestRenderer_AlertAnswersCallback(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	h := newFakeHandler()
	h.emit = NewRenderer(ch, nil)
	d := NewDispatcher(h, ch, nil)

	cb := msgFrom("1", channels.MessageCallback, "")
	cb.Callback = &channels.CallbackInfo{ID: "cb9", Data: "stale"}
	runDispatcher(t, d, cb)

	sent, answers := ch.snapshot()
	if len(answers) != 1 || answers[0] != "cb9:This menu is no longer active." {
		t.Errorf("answers = %v", answers)
	}
	if len(sent) != 0 {
		t.Errorf("alert also sent as message: %v", sent)
	}

	// Without a pending press the alert is a message.
	u := session.User{Channel: "fake", ID: "1", ChatID: "chat-1"}
	if err := h.emit.Emit(context.Background(), workflow.Event{Kind: workflow.EventAlert, User: u, Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if sent, _ := ch.snapshot(); len(sent) != 1 || sent[0] != "hi" {
		t.Errorf("sent = %v", sent)
	}
}

func TestRenderer_MenuReplace(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	r := NewRenderer(ch, nil)
	u := session.User{Channel: "fake", ID: "1", ChatID: "chat-1"}
	ctx := context.Background()

	menu := func(text string, replace bool) workflow.Event {
		return workflow.Event{Kind: workflow.EventMenu, User: u, Menu: &workflow.Menu{
			Text:    text,
			Rows:    [][]workflow.Choice{{{Label: "Extract", Data: "act:extract"}}},
			Replace: replace,
		}}
	}
	for _, ev := range []workflow.Event{menu("first", false), menu("second", true), menu("third", false)} {
		if err := r.Emit(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	sent, _ := ch.snapshot()
	if len(sent) != 2 || sent[0] != "first" || sent[1] != "third" {
		t.Errorf("sent = %v", sent)
	}
	if ch.edits["1"] != "second" {
		t.Errorf("edits = %v", ch.edits)
	}
}

func TestRenderer_ProgressEditsInPlace(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	r := NewRenderer(ch, nil)
	u := session.User{Channel: "fake", ID: "1", ChatID: "chat-1"}
	ctx := context.Background()

	for _, pct := range []int{0, 10, 10, 55, 100} {
		ev := workflow.Event{Kind: workflow.EventProgress, User: u, Progress: &workflow.Progress{
			TaskID:  "t1",
			Stage:   "Extracting",
			Percent: pct,
			Detail:  fmt.Sprintf("%d%%", pct),
		}}
		if err := r.Emit(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	sent, _ := ch.snapshot()
	if len(sent) != 1 || sent[0] != "0%" {
		t.Errorf("sent = %v", sent)
	}
	if ch.edits["1"] != "100%" {
		t.Errorf("final edit = %q", ch.edits["1"])
	}
	if len(r.progress) != 0 {
		t.Errorf("progress of a finished task still tracked: %v", r.progress)
	}
}

func TestRenderer_ResultSendsFiles(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	r := NewRenderer(ch, nil)
	u := session.User{Channel: "fake", ID: "1", ChatID: "chat-1"}
	ev := workflow.Event{Kind: workflow.EventResult, User: u, Result: &workflow.Result{
		TaskID:  "t1",
		Success: true,
		Text:    "✅ Extraction completed!",
		Files: []workflow.OutputFile{
			{Path: "/w/out/movie.track1.aac", Name: "movie.track1.aac"},
			{Path: "/w/out/movie.track2.srt", Name: "movie.track2.srt"},
		},
	}}
	if err := r.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	if len(ch.files) != 2 || ch.files[1] != "movie.track2.srt" {
		t.Errorf("files = %v", ch.files)
	}

	ch.failFile = true
	err := r.Emit(context.Background(), ev)
	if !errors.Is(err, channels.ErrFileTooLarge) {
		t.Errorf("Emit() error = %v, want ErrFileTooLarge", err)
	}
	sent, _ := ch.snapshot()
	if last := sent[len(sent)-1]; last != "⚠️ Could not send movie.track2.srt: the file is larger than this platform allows." {
		t.Errorf("last message = %q", last)
	}
}
