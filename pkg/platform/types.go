// Package platform defines the contract every chat-platform client
// implements, plus the normalized event and message shapes clients emit.
// The rest of the runtime only ever sees these types; SDK-specific payloads
// never cross the package boundary.
package platform

// RawEventType names a normalized platform occurrence.
type RawEventType string

const (
	EventMessageNew      RawEventType = "message_new"
	EventMessageEdited   RawEventType = "message_edited"
	EventMessageDeleted  RawEventType = "message_deleted"
	EventReactionAdded   RawEventType = "reaction_added"
	EventReactionRemoved RawEventType = "reaction_removed"
	EventMessagePinned   RawEventType = "message_pinned"
	EventMessageUnpinned RawEventType = "message_unpinned"
	EventChatMigrated    RawEventType = "chat_migrated"
)

// RawUser is the platform's view of a user, before caching.
type RawUser struct {
	UserID    string
	Username  string
	FirstName string
	LastName  string
	Email     string
	IsBot     bool
}

// AttachmentRef points at platform-hosted attachment content. Clients fill
// either URL or PlatformFileID depending on how the platform serves files.
type AttachmentRef struct {
	AttachmentID   string
	Filename       string
	MimeType       string
	Size           int64
	URL            string
	PlatformFileID string
}

// RawMessage is a normalized message as observed on the platform stream.
type RawMessage struct {
	MessageID              string
	PlatformConversationID string
	ConversationName       string
	// ServerID is the enclosing container (guild) when the platform has
	// one; empty otherwise.
	ServerID         string
	ThreadID         string
	ReplyToMessageID string
	Sender           RawUser
	Text             string
	Mentions         []string
	MentionedUsers   []RawUser
	Attachments      []AttachmentRef
	IsDirectMessage  bool
	Timestamp        int64 // ms since epoch
}

// RawEvent is one normalized platform occurrence. Message is set for
// message_new and message_edited; the scalar fields cover the rest.
type RawEvent struct {
	Type                   RawEventType
	PlatformConversationID string
	MessageID              string
	Message                *RawMessage
	Emoji                  string
	Actor                  RawUser
	// NewPlatformConversationID is set for chat_migrated only.
	NewPlatformConversationID string
	Timestamp                 int64
}

// OutgoingFile is one attachment to upload alongside or instead of text.
type OutgoingFile struct {
	Filename string
	MimeType string
	Content  []byte
}

// SendResult reports what the platform created for one send call.
type SendResult struct {
	MessageIDs []string
}

// HistoryQuery bounds a platform history fetch.
type HistoryQuery struct {
	PlatformConversationID string
	Limit                  int
	// BeforeID and AfterID are platform message ids; at most one is set.
	BeforeID string
	AfterID  string
	// Before and After are ms-since-epoch boundaries, used only when the
	// corresponding id cursor is empty.
	Before int64
	After  int64
}

// Capabilities declares what a platform client can and cannot do, so the
// processors can reject unsupported operations before touching the network.
type Capabilities struct {
	SupportsPins          bool
	SupportsReactions     bool
	SupportsHistoryFetch  bool
	AllowsEditAttachments bool
	// EchoesOwnMessages is true when the platform streams the bot's own
	// sends back as events. When false, the runtime writes sent messages
	// into the cache itself.
	EchoesOwnMessages bool
}
