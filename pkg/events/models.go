package events

import "github.com/liaisonhq/liaison/pkg/attachments"

// Envelope names on the socket. Adapter emissions travel inside a
// bot_request wrapper; framework requests arrive inside bot_response.
// Request lifecycle acknowledgements are their own top-level envelopes.
const (
	EventBotRequest  = "bot_request"
	EventBotResponse = "bot_response"
)

// Emission types, adapter to framework.
const (
	EventConversationStarted  = "conversation_started"
	EventMessageReceived      = "message_received"
	EventMessageUpdated       = "message_updated"
	EventMessageDeleted       = "message_deleted"
	EventReactionAdded        = "reaction_added"
	EventReactionRemoved      = "reaction_removed"
	EventMessagePinned        = "message_pinned"
	EventMessageUnpinned      = "message_unpinned"
	EventConversationUpdated  = "conversation_updated"
	EventConversationMigrated = "conversation_migrated"
	EventHistoryFetched       = "history_fetched"
	EventConnect              = "connect"
	EventDisconnect           = "disconnect"
	EventRequestQueued        = "request_queued"
	EventRequestSuccess       = "request_success"
	EventRequestFailed        = "request_failed"
)

// Request types, framework to adapter.
const (
	RequestSendMessage     = "send_message"
	RequestEditMessage     = "edit_message"
	RequestDeleteMessage   = "delete_message"
	RequestAddReaction     = "add_reaction"
	RequestRemoveReaction  = "remove_reaction"
	RequestPinMessage      = "pin_message"
	RequestUnpinMessage    = "unpin_message"
	RequestFetchHistory    = "fetch_history"
	RequestFetchAttachment = "fetch_attachment"
)

// Meta carries the adapter identity and addressing shared by every emission.
type Meta struct {
	AdapterType    string `json:"adapter_type"`
	AdapterName    string `json:"adapter_name"`
	AdapterID      string `json:"adapter_id,omitempty"`
	EventType      string `json:"event_type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// AttachmentPayload describes one attachment on the wire. Content is base64
// and only present for processable attachments on fresh messages; history
// payloads carry metadata only.
type AttachmentPayload struct {
	AttachmentID   string `json:"attachment_id"`
	AttachmentType string `json:"attachment_type"`
	Filename       string `json:"file_name"`
	FileExtension  string `json:"file_extension,omitempty"`
	MimeType       string `json:"mime_type,omitempty"`
	Size           int64  `json:"size"`
	Processable    bool   `json:"processable"`
	Content        string `json:"content,omitempty"`
}

// MessagePayload is one message on the wire.
type MessagePayload struct {
	MessageID        string              `json:"message_id"`
	ThreadID         string              `json:"thread_id,omitempty"`
	ReplyToMessageID string              `json:"reply_to_message_id,omitempty"`
	SenderID         string              `json:"sender_id"`
	SenderName       string              `json:"sender_display_name"`
	Text             string              `json:"text"`
	Mentions         []string            `json:"mentions,omitempty"`
	Attachments      []AttachmentPayload `json:"attachments,omitempty"`
	IsDirectMessage  bool                `json:"is_direct_message"`
	Edited           bool                `json:"edited,omitempty"`
	Timestamp        int64               `json:"timestamp"`
}

// ConversationStarted announces a newly observed conversation with its
// available history inlined. Always emitted before the first message event
// of that conversation.
type ConversationStarted struct {
	Meta
	ConversationName string           `json:"conversation_name,omitempty"`
	IsDirectMessage  bool             `json:"is_direct_message"`
	History          []MessagePayload `json:"history"`
}

// MessageReceived carries one new platform message.
type MessageReceived struct {
	Meta
	Message MessagePayload `json:"message"`
}

// MessageUpdated carries an edit.
type MessageUpdated struct {
	Meta
	MessageID     string   `json:"message_id"`
	Text          string   `json:"text"`
	UpdatedFields []string `json:"updated_fields"`
	Timestamp     int64    `json:"edit_timestamp,omitempty"`
}

// MessageDeleted carries one or more deletions.
type MessageDeleted struct {
	Meta
	MessageIDs []string `json:"deleted_message_ids"`
}

// ReactionEvent carries a reaction add or remove. Emoji is the standard
// short name, not the platform alias.
type ReactionEvent struct {
	Meta
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_display_name,omitempty"`
}

// PinEvent carries a pin state change.
type PinEvent struct {
	Meta
	MessageID string `json:"message_id"`
}

// ConversationUpdated carries conversation metadata changes.
type ConversationUpdated struct {
	Meta
	ConversationName string `json:"conversation_name"`
}

// ConversationMigrated reports a platform-side conversation id change.
type ConversationMigrated struct {
	Meta
	OldConversationID string `json:"old_conversation_id"`
	NewConversationID string `json:"new_conversation_id"`
}

// HistoryFetched returns history the framework explicitly requested.
type HistoryFetched struct {
	Meta
	Messages []MessagePayload `json:"messages"`
}

// Request is one framework request as received on the socket. Fields are a
// union across request types; the event type decides which apply.
type Request struct {
	Event            string                    `json:"event"`
	ConversationID   string                    `json:"conversation_id"`
	ThreadID         string                    `json:"thread_id,omitempty"`
	MessageID        string                    `json:"message_id,omitempty"`
	ReplyToMessageID string                    `json:"reply_to_message_id,omitempty"`
	Text             string                    `json:"text,omitempty"`
	Attachments      []attachments.InboundFile `json:"attachments,omitempty"`
	Emoji            string                    `json:"emoji,omitempty"`
	Limit            int                       `json:"limit,omitempty"`
	BeforeMessageID  string                    `json:"before_message_id,omitempty"`
	AfterMessageID   string                    `json:"after_message_id,omitempty"`
	Before           int64                     `json:"before,omitempty"`
	After            int64                     `json:"after,omitempty"`
	AttachmentID     string                    `json:"attachment_id,omitempty"`
}

// Result is the data attached to a request_success emission.
type Result map[string]any

// Emitter delivers emissions to the framework. The event bus implements it;
// tests substitute a recorder.
type Emitter interface {
	Emit(eventType string, payload any)
}
