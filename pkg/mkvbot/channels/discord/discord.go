// Package discord implements the Discord channel using discordgo.
//
// Menus are sent as button components whose custom_id is an opaque token
// registered per user; button presses are acknowledged with a deferred
// update and forwarded as callbacks. Only direct messages and the allowed
// channels are served.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels"
)

const maxMessageLen = 2000

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedChannels are guild channels the bot responds in, besides DMs.
	AllowedChannels []string `yaml:"allowed_channels"`

	// ComponentTTL is how long menu buttons stay usable.
	ComponentTTL time.Duration `yaml:"component_ttl"`

	// MaxUploadSize is the attachment limit of the bot's guild tier.
	MaxUploadSize int64 `yaml:"max_upload_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ComponentTTL:  time.Hour,
		MaxUploadSize: 10 << 20,
	}
}

// Discord implements channels.InteractiveChannel and channels.FileChannel.
type Discord struct {
	cfg        Config
	logger     *slog.Logger
	session    *discordgo.Session
	components *ComponentRegistry
	httpClient *http.Client

	messages chan *channels.IncomingMessage

	// interactions holds acknowledged interactions until they are answered.
	interactions sync.Map // interaction ID -> *discordgo.Interaction

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ComponentTTL <= 0 {
		cfg.ComponentTTL = def.ComponentTTL
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = def.MaxUploadSize
	}
	l := logger.With("component", "discord")
	return &Discord{
		cfg:        cfg,
		logger:     l,
		components: NewComponentRegistry(cfg.ComponentTTL, l),
		httpClient: &http.Client{},
		messages:   make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onInteractionCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.components.Stop()
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	d.logger.Info("disconnected")
	return nil
}

// Send sends a message with optional buttons. Long text is split; buttons
// go with the last chunk, whose ID is returned.
func (d *Discord) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) (string, error) {
	if d.session == nil {
		return "", channels.ErrChannelDisconnected
	}

	chunks := splitMessage(msg.Content, maxMessageLen)
	var id string
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == len(chunks)-1 && len(msg.Buttons) > 0 {
			send.Components = d.components.buildComponents(d.recipient(to), msg.Buttons)
		}
		m, err := d.session.ChannelMessageSendComplex(to, send, discordgo.WithContext(ctx))
		if err != nil {
			d.errorCount.Add(1)
			return "", fmt.Errorf("%w: discord: %w", channels.ErrSendFailed, err)
		}
		id = m.ID
	}
	return id, nil
}

// Edit replaces the text and buttons of an earlier message.
func (d *Discord) Edit(ctx context.Context, to, messageID string, msg *channels.OutgoingMessage) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	content := truncate(msg.Content, maxMessageLen)
	components := d.components.buildComponents(d.recipient(to), msg.Buttons)
	_, err := d.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:         messageID,
		Channel:    to,
		Content:    &content,
		Components: &components,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: discord: %w", channels.ErrSendFailed, err)
	}
	return nil
}

// AnswerCallback finishes a deferred interaction. The interaction was
// acknowledged on arrival; a notice is sent as an ephemeral follow-up.
func (d *Discord) AnswerCallback(ctx context.Context, cb *channels.CallbackInfo, text string, _ bool) error {
	v, ok := d.interactions.LoadAndDelete(cb.ID)
	if !ok || text == "" || d.session == nil {
		return nil
	}
	_, err := d.session.FollowupMessageCreate(v.(*discordgo.Interaction), false, &discordgo.WebhookParams{
		Content: text,
		Flags:   discordgo.MessageFlagsEphemeral,
	}, discordgo.WithContext(ctx))
	return err
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage { return d.messages }

// IsConnected returns true if the gateway is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
		Details:       map[string]any{"components": d.components.Len()},
	}
}

// Download streams an attachment to dst.
func (d *Discord) Download(ctx context.Context, media *channels.MediaInfo, dst string, progress func(done, total int64)) error {
	if media == nil || media.Ref == "" {
		return channels.ErrMediaDownloadFailed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, media.Ref, nil)
	if err != nil {
		return fmt.Errorf("discord: creating download request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord: download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", channels.ErrMediaDownloadFailed, resp.StatusCode)
	}

	total := media.Size
	if total <= 0 {
		total = resp.ContentLength
	}
	if err := channels.CopyToFile(ctx, dst, resp.Body, total, progress); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// SendFile uploads a local file as an attachment.
func (d *Discord) SendFile(ctx context.Context, to, path, caption string) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	if info.Size() > d.cfg.MaxUploadSize {
		return fmt.Errorf("%w: discord accepts attachments up to %d bytes", channels.ErrFileTooLarge, d.cfg.MaxUploadSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	defer f.Close()

	_, err = d.session.ChannelMessageSendComplex(to, &discordgo.MessageSend{
		Content: truncate(caption, maxMessageLen),
		Files:   []*discordgo.File{{Name: filepath.Base(path), Reader: f}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: discord: %w", channels.ErrSendFailed, err)
	}
	return nil
}

// recipient maps a channel to the user allowed to press its buttons. DMs
// have one user; in guild channels anyone may press, and the dispatcher
// still keys sessions by the presser.
func (d *Discord) recipient(channelID string) string {
	if d.session == nil {
		return ""
	}
	ch, err := d.session.State.Channel(channelID)
	if err != nil || ch.Type != discordgo.ChannelTypeDM || len(ch.Recipients) == 0 {
		return ""
	}
	return ch.Recipients[0].ID
}

func (d *Discord) allowedChannel(channelID, guildID string) bool {
	if guildID == "" {
		return true
	}
	for _, id := range d.cfg.AllowedChannels {
		if id == channelID {
			return true
		}
	}
	return false
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
		return
	}
	if !d.allowedChannel(m.ChannelID, m.GuildID) {
		return
	}
	if msg := convertMessage(m.Message); msg != nil {
		d.deliver(msg)
	}
}

// convertMessage converts a Discord message, or returns nil for messages
// the bot ignores.
func convertMessage(m *discordgo.Message) *channels.IncomingMessage {
	in := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		Type:      channels.MessageText,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	switch {
	case len(m.Attachments) > 0:
		att := m.Attachments[0]
		in.Type = channels.MessageDocument
		in.Media = &channels.MediaInfo{
			Ref:      att.URL,
			Filename: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		}
	case strings.HasPrefix(m.Content, "/") || strings.HasPrefix(m.Content, "!"):
		fields := strings.Fields(m.Content)
		in.Type = channels.MessageCommand
		in.Content = fields[0][1:]
	case strings.TrimSpace(m.Content) == "":
		return nil
	}
	return in
}

// onInteractionCreate acknowledges a component press within Discord's 3 s
// window and forwards it as a callback.
func (d *Discord) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	data := i.MessageComponentData()
	customID := data.CustomID
	if data.ComponentType == discordgo.SelectMenuComponent && len(data.Values) > 0 {
		customID = data.Values[0]
	}

	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	cbData, ok := d.components.Resolve(customID, user.ID)
	if !ok {
		respondEphemeral(s, i, "This menu is no longer active.")
		return
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		d.logger.Warn("failed to ack interaction", "error", err)
		return
	}
	d.interactions.Store(i.ID, i.Interaction)

	var messageID string
	if i.Message != nil {
		messageID = i.Message.ID
	}
	d.deliver(&channels.IncomingMessage{
		ID:        i.ID,
		Channel:   "discord",
		From:      user.ID,
		FromName:  user.Username,
		ChatID:    i.ChannelID,
		Type:      channels.MessageCallback,
		Content:   cbData,
		Timestamp: time.Now(),
		Callback: &channels.CallbackInfo{
			ID:        i.ID,
			Data:      cbData,
			MessageID: messageID,
			Token:     i.Token,
		},
	})
}

func (d *Discord) deliver(msg *channels.IncomingMessage) {
	d.lastMsg.Store(time.Now())
	select {
	case d.messages <- msg:
	case <-d.ctx.Done():
	}
}

func respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

// splitMessage splits text into chunks of at most maxLen bytes, preferring
// line breaks.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
			cutAt--
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// Compile-time interface verification.
var (
	_ channels.InteractiveChannel = (*Discord)(nil)
	_ channels.FileChannel        = (*Discord)(nil)
)
