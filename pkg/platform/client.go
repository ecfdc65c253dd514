package platform

import "context"

// Client is one connected chat platform. Implementations normalize SDK
// events into RawEvent values on the Events channel and translate the
// operation calls into platform API requests. All methods are safe for
// concurrent use.
type Client interface {
	// Connect establishes the platform session and starts the event
	// stream. It returns once the session is usable.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. The Events channel is closed
	// once no further events will be delivered.
	Disconnect(ctx context.Context) error

	// IsAlive reports whether the platform session is currently healthy.
	IsAlive() bool

	// Events returns the normalized platform event stream.
	Events() <-chan *RawEvent

	// BotUserID returns the platform user id of the connected bot.
	BotUserID() string

	// Capabilities reports what this platform supports.
	Capabilities() Capabilities

	// SendMessage delivers one chunk of text, optionally replying to a
	// message and optionally carrying files.
	SendMessage(ctx context.Context, conversationID, threadID, replyToID, text string, files []OutgoingFile) (*SendResult, error)

	// EditMessage replaces the text of an existing message.
	EditMessage(ctx context.Context, conversationID, messageID, text string) error

	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, conversationID, messageID string) error

	// AddReaction reacts to a message with a unicode emoji.
	AddReaction(ctx context.Context, conversationID, messageID, emoji string) error

	// RemoveReaction removes the bot's reaction from a message.
	RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error

	// PinMessage pins a message. Platforms without pins return a
	// permanent error without touching the network.
	PinMessage(ctx context.Context, conversationID, messageID string) error

	// UnpinMessage unpins a message.
	UnpinMessage(ctx context.Context, conversationID, messageID string) error

	// FetchHistory retrieves one page of past messages, newest last.
	FetchHistory(ctx context.Context, q HistoryQuery) ([]*RawMessage, error)

	// DownloadAttachment fetches attachment content from the platform.
	DownloadAttachment(ctx context.Context, ref AttachmentRef) ([]byte, error)
}
