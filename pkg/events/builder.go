package events

import (
	"time"

	"github.com/liaisonhq/liaison/pkg/attachments"
	"github.com/liaisonhq/liaison/pkg/cache"
	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/conversation"
)

// Builder assembles wire payloads from cached state. It exists so both
// processors and the history fetcher shape messages identically.
type Builder struct {
	cfg   *config.Config
	mgr   *conversation.Manager
	store *cache.AttachmentCache
}

// NewBuilder constructs a payload builder.
func NewBuilder(cfg *config.Config, mgr *conversation.Manager, store *cache.AttachmentCache) *Builder {
	return &Builder{cfg: cfg, mgr: mgr, store: store}
}

// Meta stamps the adapter identity on an emission.
func (b *Builder) Meta(eventType, conversationID string) Meta {
	return Meta{
		AdapterType:    b.cfg.Adapter.AdapterType,
		AdapterName:    b.cfg.Adapter.AdapterName,
		AdapterID:      b.cfg.Adapter.AdapterID,
		EventType:      eventType,
		ConversationID: conversationID,
		Timestamp:      time.Now().UnixMilli(),
	}
}

// Message shapes one cached message, attaching the given attachment
// payloads. Sender display names come from the user cache when available.
func (b *Builder) Message(msg *cache.CachedMessage, atts []AttachmentPayload) MessagePayload {
	name := msg.SenderName
	if user := b.mgr.User(msg.SenderID); user != nil {
		name = user.DisplayName()
	}
	return MessagePayload{
		MessageID:        msg.MessageID,
		ThreadID:         msg.ThreadID,
		ReplyToMessageID: msg.ReplyToMessageID,
		SenderID:         msg.SenderID,
		SenderName:       name,
		Text:             msg.Text,
		Mentions:         msg.Mentions,
		Attachments:      atts,
		IsDirectMessage:  msg.IsDirectMessage,
		Edited:           msg.Edited,
		Timestamp:        msg.Timestamp,
	}
}

// HistoryMessages shapes cached messages for history payloads. Attachments
// appear as metadata only; history never carries content.
func (b *Builder) HistoryMessages(msgs []*cache.CachedMessage) []MessagePayload {
	out := make([]MessagePayload, 0, len(msgs))
	for _, msg := range msgs {
		var atts []AttachmentPayload
		for id := range msg.Attachments {
			if att := b.store.Get(id); att != nil {
				atts = append(atts, b.AttachmentMeta(att))
			}
		}
		out = append(out, b.Message(msg, atts))
	}
	return out
}

// AttachmentMeta shapes attachment metadata without content.
func (b *Builder) AttachmentMeta(att *cache.CachedAttachment) AttachmentPayload {
	return AttachmentPayload{
		AttachmentID:   att.ID,
		AttachmentType: att.Type,
		Filename:       att.Filename,
		FileExtension:  att.Extension,
		MimeType:       att.MimeType,
		Size:           att.Size,
		Processable:    att.Processable,
	}
}

// AttachmentWithContent shapes a processable attachment including its
// base64 content.
func (b *Builder) AttachmentWithContent(att *cache.CachedAttachment, content []byte) AttachmentPayload {
	payload := b.AttachmentMeta(att)
	if att.Processable && content != nil {
		payload.Content = attachments.EncodeContent(content)
	}
	return payload
}
