// Package channels defines the interfaces and types shared by the chat
// platforms the bot runs on. Each platform (Telegram, Discord, the local
// console) implements Channel to receive and send messages in a unified way,
// plus the optional InteractiveChannel and FileChannel capabilities the
// button-driven workflow needs.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies the kind of an incoming message.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageCommand  MessageType = "command"
	MessageDocument MessageType = "document"
	MessageCallback MessageType = "callback"
)

// Channel is implemented by every chat platform.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect establishes the connection and starts receiving.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a message to a chat and returns the platform message ID.
	Send(ctx context.Context, to string, msg *OutgoingMessage) (string, error)

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// InteractiveChannel extends Channel with buttons that can be edited in
// place and acknowledged.
type InteractiveChannel interface {
	Channel

	// Edit replaces the text and buttons of a message sent earlier.
	Edit(ctx context.Context, to, messageID string, msg *OutgoingMessage) error

	// AnswerCallback acknowledges a button press, optionally with a notice.
	AnswerCallback(ctx context.Context, cb *CallbackInfo, text string, alert bool) error
}

// FileChannel extends Channel with streaming file transfer.
type FileChannel interface {
	Channel

	// Download streams an incoming attachment to dst, reporting progress.
	Download(ctx context.Context, media *MediaInfo, dst string, progress func(done, total int64)) error

	// SendFile uploads a local file to a chat.
	SendFile(ctx context.Context, to, path, caption string) error
}

// IncomingMessage is a message or button press received from any channel.
type IncomingMessage struct {
	// ID is the message identifier in the source channel.
	ID string

	// Channel identifies the source channel.
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is where replies go.
	ChatID string

	Type MessageType

	// Content is the text of the message, or the command name without the
	// leading slash for MessageCommand.
	Content string

	Timestamp time.Time

	// Media describes the attachment of a MessageDocument.
	Media *MediaInfo

	// Callback describes the button press of a MessageCallback.
	Callback *CallbackInfo
}

// MediaInfo describes an attachment. Ref is the platform handle used to
// download it (file_id, attachment URL or local path).
type MediaInfo struct {
	Ref      string
	Filename string
	MimeType string
	Size     int64
}

// CallbackInfo describes a button press.
type CallbackInfo struct {
	// ID is the platform callback/interaction identifier.
	ID string

	// Data is the callback data of the pressed button.
	Data string

	// MessageID is the message carrying the button.
	MessageID string

	// Token is a platform-specific reply token (Discord interactions).
	Token string
}

// Button is an inline button. Data is echoed back in CallbackInfo.
type Button struct {
	Text string
	Data string
}

// OutgoingMessage is a message to be sent through a channel.
type OutgoingMessage struct {
	Content string

	// Buttons are rendered as rows of inline buttons.
	Buttons [][]Button
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("failed to send message")
	ErrMediaDownloadFailed = errors.New("failed to download media")
	ErrFileTooLarge        = errors.New("file exceeds the platform limit")
)
