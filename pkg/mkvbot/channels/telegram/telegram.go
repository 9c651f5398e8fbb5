// Package telegram implements the Telegram channel using the Bot API
// directly over HTTP.
//
// Features:
//   - Long polling for updates (getUpdates) with exponential backoff
//   - Commands, text, documents, video and audio uploads
//   - Inline keyboards, callback queries and in-place edits
//   - Streaming getFile downloads and multipart sendDocument uploads
//   - Optional local Bot API server (api_base_url) without the cloud
//     size limits
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels"
)

const (
	defaultAPIBaseURL = "https://api.telegram.org"

	// Limits of the cloud Bot API. A local Bot API server lifts them.
	cloudDownloadLimit = 20 << 20
	cloudUploadLimit   = 50 << 20

	// callbackDataLimit is the Bot API limit for callback_data in bytes.
	callbackDataLimit = 64
)

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// APIBaseURL points at a local Bot API server. Empty uses the cloud API.
	APIBaseURL string `yaml:"api_base_url"`

	// APIID and APIHash are the credentials the local Bot API server was
	// started with. They are only reported, the server itself uses them.
	APIID   string `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`

	// AllowedChats restricts which chat IDs the bot responds to.
	// Empty means respond to all chats.
	AllowedChats []int64 `yaml:"allowed_chats"`

	// PollTimeout is the long polling timeout.
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{PollTimeout: 30 * time.Second}
}

// Local reports whether a local Bot API server is configured.
func (c Config) Local() bool {
	return c.APIBaseURL != "" && strings.TrimRight(c.APIBaseURL, "/") != defaultAPIBaseURL
}

// Telegram implements channels.InteractiveChannel and channels.FileChannel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	// apiURL is <base>/bot<token>; fileURL is <base>/file/bot<token>.
	apiURL  string
	fileURL string

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// offset is the last processed update ID + 1.
	offset int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new Telegram channel instance.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultConfig().PollTimeout
	}
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = defaultAPIBaseURL
	}
	// Transfers are bounded by their contexts, not a client timeout.
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{},
		apiURL:   base + "/bot" + cfg.Token,
		fileURL:  base + "/file/bot" + cfg.Token,
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect verifies the token and starts the polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	me, err := t.getMe(t.ctx)
	if err != nil {
		t.cancel()
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	t.logger.Info("connected", "bot", me.Username, "id", me.ID, "local_api", t.cfg.Local())
	t.connected.Store(true)

	t.done = make(chan struct{})
	go t.pollLoop()
	return nil
}

// Disconnect stops the polling loop.
func (t *Telegram) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		<-t.done
	}
	t.connected.Store(false)
	t.logger.Info("disconnected")
	return nil
}

// Send sends a text message with optional inline buttons.
func (t *Telegram) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) (string, error) {
	chatID, err := parseID(to)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"chat_id": chatID,
		"text":    msg.Content,
	}
	if markup := replyMarkup(msg.Buttons); markup != nil {
		payload["reply_markup"] = markup
	}

	data, err := t.apiCall(ctx, "sendMessage", payload)
	if err != nil {
		return "", err
	}
	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(data, &sent); err != nil {
		return "", fmt.Errorf("telegram: parsing sendMessage: %w", err)
	}
	return strconv.FormatInt(sent.MessageID, 10), nil
}

// Edit replaces the text and keyboard of an earlier message.
func (t *Telegram) Edit(ctx context.Context, to, messageID string, msg *channels.OutgoingMessage) error {
	chatID, err := parseID(to)
	if err != nil {
		return err
	}
	msgID, err := parseID(messageID)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": msgID,
		"text":       msg.Content,
	}
	if markup := replyMarkup(msg.Buttons); markup != nil {
		payload["reply_markup"] = markup
	} else {
		payload["reply_markup"] = map[string]any{"inline_keyboard": [][]any{}}
	}

	_, err = t.apiCall(ctx, "editMessageText", payload)
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

// AnswerCallback acknowledges a callback query.
func (t *Telegram) AnswerCallback(ctx context.Context, cb *channels.CallbackInfo, text string, alert bool) error {
	payload := map[string]any{"callback_query_id": cb.ID}
	if text != "" {
		payload["text"] = text
		payload["show_alert"] = alert
	}
	_, err := t.apiCall(ctx, "answerCallbackQuery", payload)
	return err
}

// Receive returns the incoming messages channel.
func (t *Telegram) Receive() <-chan *channels.IncomingMessage { return t.messages }

// IsConnected returns true if the bot is connected.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
		Details:       map[string]any{"local_api": t.cfg.Local()},
	}
}

// Download streams an attachment to dst.
func (t *Telegram) Download(ctx context.Context, media *channels.MediaInfo, dst string, progress func(done, total int64)) error {
	if media == nil || media.Ref == "" {
		return channels.ErrMediaDownloadFailed
	}
	if !t.cfg.Local() && media.Size > cloudDownloadLimit {
		return fmt.Errorf("%w: the cloud Bot API downloads at most 20 MB", channels.ErrFileTooLarge)
	}

	file, err := t.getFile(ctx, media.Ref)
	if err != nil {
		return fmt.Errorf("telegram: getFile failed: %w", err)
	}
	total := media.Size
	if file.FileSize > 0 {
		total = file.FileSize
	}

	var src io.Reader
	if filepath.IsAbs(file.FilePath) {
		// A local Bot API server returns paths on its own disk.
		f, err := os.Open(file.FilePath)
		if err != nil {
			return fmt.Errorf("telegram: opening local file: %w", err)
		}
		defer f.Close()
		src = f
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.fileURL+"/"+file.FilePath, nil)
		if err != nil {
			return fmt.Errorf("telegram: creating download request: %w", err)
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("telegram: download failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: HTTP %d", channels.ErrMediaDownloadFailed, resp.StatusCode)
		}
		if total <= 0 {
			total = resp.ContentLength
		}
		src = resp.Body
	}

	if err := channels.CopyToFile(ctx, dst, src, total, progress); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// SendFile uploads a local file as a document, streaming the multipart body.
func (t *Telegram) SendFile(ctx context.Context, to, path, caption string) error {
	chatID, err := parseID(to)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if !t.cfg.Local() && info.Size() > cloudUploadLimit {
		return fmt.Errorf("%w: the cloud Bot API uploads at most 50 MB", channels.ErrFileTooLarge)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeDocument(mw, chatID, caption, filepath.Base(path), f)
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL+"/sendDocument", pr)
	if err != nil {
		pr.Close()
		return fmt.Errorf("telegram: creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("telegram: upload failed: %w", err)
	}
	defer resp.Body.Close()
	_, err = decodeResult(resp.Body, "sendDocument")
	return err
}

func writeDocument(mw *multipart.Writer, chatID int64, caption, name string, r io.Reader) error {
	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return err
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("document", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

// pollLoop runs the getUpdates long-polling loop.
func (t *Telegram) pollLoop() {
	defer close(t.done)
	t.logger.Info("polling started")
	backoff := time.Second

	for {
		select {
		case <-t.ctx.Done():
			t.logger.Info("polling stopped")
			return
		default:
		}

		updates, err := t.getUpdates(t.ctx, t.offset)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.errorCount.Add(1)
			t.logger.Warn("getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)
		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			if msg := t.convertUpdate(u); msg != nil {
				t.deliver(msg)
			}
		}
	}
}

func (t *Telegram) deliver(msg *channels.IncomingMessage) {
	t.lastMsg.Store(time.Now())
	select {
	case t.messages <- msg:
	case <-t.ctx.Done():
	}
}

// convertUpdate converts a Telegram update into an IncomingMessage, or nil
// for updates the bot ignores.
func (t *Telegram) convertUpdate(u tgUpdate) *channels.IncomingMessage {
	if cq := u.CallbackQuery; cq != nil {
		if cq.Message == nil || !t.allowed(cq.Message.Chat.ID) {
			return nil
		}
		return &channels.IncomingMessage{
			ID:        cq.ID,
			Channel:   "telegram",
			From:      strconv.FormatInt(cq.From.ID, 10),
			FromName:  cq.From.displayName(),
			ChatID:    strconv.FormatInt(cq.Message.Chat.ID, 10),
			Type:      channels.MessageCallback,
			Content:   cq.Data,
			Timestamp: time.Now(),
			Callback: &channels.CallbackInfo{
				ID:        cq.ID,
				Data:      cq.Data,
				MessageID: strconv.FormatInt(cq.Message.MessageID, 10),
			},
		}
	}

	msg := u.Message
	if msg == nil || msg.From == nil || !t.allowed(msg.Chat.ID) {
		return nil
	}
	// Sessions are per user; group chats would mix users in one menu.
	if msg.Chat.Type != "private" {
		return nil
	}

	in := &channels.IncomingMessage{
		ID:        strconv.FormatInt(msg.MessageID, 10),
		Channel:   "telegram",
		From:      strconv.FormatInt(msg.From.ID, 10),
		FromName:  msg.From.displayName(),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Type:      channels.MessageText,
		Content:   msg.Text,
		Timestamp: time.Unix(msg.Date, 0),
	}

	switch {
	case msg.Document != nil:
		in.Type = channels.MessageDocument
		in.Media = msg.Document.media("file")
	case msg.Video != nil:
		in.Type = channels.MessageDocument
		in.Media = msg.Video.media("video.mp4")
	case msg.Audio != nil:
		in.Type = channels.MessageDocument
		in.Media = msg.Audio.media("audio.mp3")
	case strings.HasPrefix(msg.Text, "/"):
		in.Type = channels.MessageCommand
		cmd := strings.Fields(msg.Text)[0][1:]
		// "/start@mybot" addresses a specific bot.
		cmd, _, _ = strings.Cut(cmd, "@")
		in.Content = cmd
	case msg.Text == "":
		return nil
	}
	return in
}

func (t *Telegram) allowed(chatID int64) bool {
	if len(t.cfg.AllowedChats) == 0 {
		return true
	}
	for _, id := range t.cfg.AllowedChats {
		if id == chatID {
			return true
		}
	}
	return false
}

// replyMarkup builds an InlineKeyboardMarkup, or nil without buttons.
func replyMarkup(rows [][]channels.Button) map[string]any {
	if len(rows) == 0 {
		return nil
	}
	keyboard := make([][]map[string]string, 0, len(rows))
	for _, row := range rows {
		var out []map[string]string
		for _, b := range row {
			data := b.Data
			if len(data) > callbackDataLimit {
				data = data[:callbackDataLimit]
			}
			out = append(out, map[string]string{"text": b.Text, "callback_data": data})
		}
		if len(out) > 0 {
			keyboard = append(keyboard, out)
		}
	}
	return map[string]any{"inline_keyboard": keyboard}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid ID %q: %w", s, err)
	}
	return id, nil
}

// ---------- Telegram Bot API Types ----------

type tgUpdate struct {
	UpdateID      int64            `json:"update_id"`
	Message       *tgMessage       `json:"message"`
	CallbackQuery *tgCallbackQuery `json:"callback_query"`
}

type tgCallbackQuery struct {
	ID      string     `json:"id"`
	From    tgUser     `json:"from"`
	Message *tgMessage `json:"message"`
	Data    string     `json:"data"`
}

type tgMessage struct {
	MessageID int64   `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      tgChat  `json:"chat"`
	Date      int64   `json:"date"`
	Text      string  `json:"text"`
	Document  *tgFile `json:"document"`
	Video     *tgFile `json:"video"`
	Audio     *tgFile `json:"audio"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

func (u tgUser) displayName() string {
	if n := strings.TrimSpace(u.FirstName + " " + u.LastName); n != "" {
		return n
	}
	return u.Username
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// tgFile covers Document, Video, Audio and the getFile result.
type tgFile struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}

func (f *tgFile) media(fallbackName string) *channels.MediaInfo {
	name := f.FileName
	if name == "" {
		name = fallbackName
	}
	return &channels.MediaInfo{Ref: f.FileID, Filename: name, MimeType: f.MimeType, Size: f.FileSize}
}

type tgBotUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ---------- API Helpers ----------

// apiCall makes a POST request to the Bot API.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()
	return decodeResult(resp.Body, method)
}

func decodeResult(r io.Reader, method string) (json.RawMessage, error) {
	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("%w: telegram: %s: %s", channels.ErrSendFailed, method, result.Description)
	}
	return result.Result, nil
}

func (t *Telegram) getMe(ctx context.Context) (*tgBotUser, error) {
	data, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgBotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64) ([]tgUpdate, error) {
	timeout := int(t.cfg.PollTimeout / time.Second)
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PollTimeout+10*time.Second)
	defer cancel()

	data, err := t.apiCall(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           100,
		"timeout":         timeout,
		"allowed_updates": []string{"message", "callback_query"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

func (t *Telegram) getFile(ctx context.Context, fileID string) (*tgFile, error) {
	data, err := t.apiCall(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var file tgFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("telegram: parsing getFile: %w", err)
	}
	if file.FilePath == "" {
		return nil, errors.New("telegram: getFile returned no path")
	}
	return &file, nil
}

// Compile-time interface verification.
var (
	_ channels.InteractiveChannel = (*Telegram)(nil)
	_ channels.FileChannel        = (*Telegram)(nil)
)
