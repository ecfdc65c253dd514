package events

import (
	"context"

	"github.com/liaisonhq/liaison/pkg/attachments"
	"github.com/liaisonhq/liaison/pkg/cache"
	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/conversation"
	"github.com/liaisonhq/liaison/pkg/emoji"
	"github.com/liaisonhq/liaison/pkg/logger"
	"github.com/liaisonhq/liaison/pkg/platform"
)

// IncomingProcessor reduces the platform event stream into framework
// emissions. It enforces the ordering rule that conversation_started, with
// history inlined, precedes the first event of any conversation, and keeps
// the framework's own traffic from echoing back to it.
type IncomingProcessor struct {
	cfg        *config.Config
	client     platform.Client
	mgr        *conversation.Manager
	downloader *attachments.Downloader
	history    *HistoryFetcher
	emoji      *emoji.Converter
	builder    *Builder
	emitter    Emitter
}

// NewIncomingProcessor wires the incoming pipeline.
func NewIncomingProcessor(
	cfg *config.Config,
	client platform.Client,
	mgr *conversation.Manager,
	downloader *attachments.Downloader,
	history *HistoryFetcher,
	conv *emoji.Converter,
	builder *Builder,
	emitter Emitter,
) *IncomingProcessor {
	return &IncomingProcessor{
		cfg:        cfg,
		client:     client,
		mgr:        mgr,
		downloader: downloader,
		history:    history,
		emoji:      conv,
		builder:    builder,
		emitter:    emitter,
	}
}

// Run consumes the platform event stream until it closes or ctx ends.
func (p *IncomingProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.client.Events():
			if !ok {
				return
			}
			p.Handle(ctx, ev)
		}
	}
}

// Handle reduces one platform event and emits whatever it implies.
func (p *IncomingProcessor) Handle(ctx context.Context, ev *platform.RawEvent) {
	switch ev.Type {
	case platform.EventMessageNew:
		p.handleNewMessage(ctx, ev)
	case platform.EventMessageEdited:
		p.handleEditedMessage(ctx, ev)
	case platform.EventMessageDeleted:
		p.handleDeletedMessage(ctx, ev)
	case platform.EventReactionAdded, platform.EventReactionRemoved:
		p.handleReaction(ctx, ev)
	case platform.EventMessagePinned, platform.EventMessageUnpinned:
		p.handlePin(ctx, ev)
	case platform.EventChatMigrated:
		p.handleMigration(ctx, ev)
	default:
		logger.WarnCF("events", "Ignoring unknown platform event", map[string]any{
			"type": string(ev.Type),
		})
	}
}

func (p *IncomingProcessor) handleNewMessage(ctx context.Context, ev *platform.RawEvent) {
	if ev.Message == nil {
		return
	}
	origin := cache.OriginPlatform
	if ev.Message.Sender.UserID == p.client.BotUserID() {
		origin = cache.OriginFramework
	}

	delta := p.mgr.AddMessage(ev.Message, origin)
	p.announceConversation(ctx, delta, ev.Message.MessageID)
	p.announceMetadata(delta)

	if delta.NewMessage == nil {
		return
	}
	if delta.NewMessage.Origin == cache.OriginFramework {
		// the framework already knows about its own send
		logger.DebugCF("events", "Suppressing loopback message", map[string]any{
			"conversation_id": delta.Conversation.ConversationID,
			"message_id":      delta.NewMessage.MessageID,
		})
		return
	}

	atts := p.collectAttachments(ctx, ev.Message)
	payload := MessageReceived{
		Meta:    p.builder.Meta(EventMessageReceived, delta.Conversation.ConversationID),
		Message: p.builder.Message(delta.NewMessage, atts),
	}
	p.emitter.Emit(EventMessageReceived, payload)
}

func (p *IncomingProcessor) handleEditedMessage(ctx context.Context, ev *platform.RawEvent) {
	if ev.Message == nil {
		return
	}
	delta := p.mgr.UpdateMessage(ev.Message)
	p.announceConversation(ctx, delta, ev.Message.MessageID)
	p.announceMetadata(delta)

	// an edit of a never-cached message surfaces as a fresh message
	if delta.NewMessage != nil {
		if delta.NewMessage.Origin == cache.OriginFramework {
			return
		}
		atts := p.collectAttachments(ctx, ev.Message)
		p.emitter.Emit(EventMessageReceived, MessageReceived{
			Meta:    p.builder.Meta(EventMessageReceived, delta.Conversation.ConversationID),
			Message: p.builder.Message(delta.NewMessage, atts),
		})
		return
	}
	if delta.UpdatedMessage == nil {
		return
	}
	if delta.UpdatedMessage.Origin == cache.OriginFramework {
		return
	}
	p.emitter.Emit(EventMessageUpdated, MessageUpdated{
		Meta:          p.builder.Meta(EventMessageUpdated, delta.Conversation.ConversationID),
		MessageID:     delta.UpdatedMessage.MessageID,
		Text:          delta.UpdatedMessage.Text,
		UpdatedFields: delta.UpdatedFields,
		Timestamp:     delta.UpdatedMessage.EditTimestamp,
	})
}

func (p *IncomingProcessor) handleDeletedMessage(ctx context.Context, ev *platform.RawEvent) {
	delta := p.mgr.DeleteMessages(ev.PlatformConversationID, []string{ev.MessageID})
	p.announceConversation(ctx, delta, "")
	if len(delta.DeletedMessageIDs) == 0 {
		return
	}
	p.emitter.Emit(EventMessageDeleted, MessageDeleted{
		Meta:       p.builder.Meta(EventMessageDeleted, delta.Conversation.ConversationID),
		MessageIDs: delta.DeletedMessageIDs,
	})
}

func (p *IncomingProcessor) handleReaction(ctx context.Context, ev *platform.RawEvent) {
	if p.cfg.Adapter.FilterBotReactions && ev.Actor.IsBot {
		return
	}
	added := ev.Type == platform.EventReactionAdded
	delta := p.mgr.ApplyReaction(ev.PlatformConversationID, ev.MessageID, ev.Emoji, ev.Actor, added)
	p.announceConversation(ctx, delta, "")
	if delta.ReactionChange == nil {
		return
	}

	name := ev.Emoji
	if standard, ok := p.emoji.UnicodeToName(ev.Emoji); ok {
		name = standard
	}
	eventType := EventReactionAdded
	if !added {
		eventType = EventReactionRemoved
	}
	p.emitter.Emit(eventType, ReactionEvent{
		Meta:      p.builder.Meta(eventType, delta.Conversation.ConversationID),
		MessageID: delta.ReactionChange.MessageID,
		Emoji:     name,
		UserID:    delta.ReactionChange.UserID,
		UserName:  delta.ReactionChange.UserName,
	})
}

func (p *IncomingProcessor) handlePin(ctx context.Context, ev *platform.RawEvent) {
	pinned := ev.Type == platform.EventMessagePinned
	delta := p.mgr.ApplyPin(ev.PlatformConversationID, ev.MessageID, pinned)
	p.announceConversation(ctx, delta, "")
	if delta.PinChange == nil {
		return
	}
	eventType := EventMessagePinned
	if !pinned {
		eventType = EventMessageUnpinned
	}
	p.emitter.Emit(eventType, PinEvent{
		Meta:      p.builder.Meta(eventType, delta.Conversation.ConversationID),
		MessageID: delta.PinChange.MessageID,
	})
}

func (p *IncomingProcessor) handleMigration(ctx context.Context, ev *platform.RawEvent) {
	delta := p.mgr.Migrate(ev.PlatformConversationID, ev.NewPlatformConversationID)
	if delta.Migration == nil {
		return
	}
	p.emitter.Emit(EventConversationMigrated, ConversationMigrated{
		Meta:              p.builder.Meta(EventConversationMigrated, delta.Migration.NewConversationID),
		OldConversationID: delta.Migration.OldConversationID,
		NewConversationID: delta.Migration.NewConversationID,
	})
}

// announceConversation emits conversation_started with inlined history
// before the event that triggered it, then clears the start marker. The
// triggering message is excluded from the history so the framework never
// sees it twice.
func (p *IncomingProcessor) announceConversation(ctx context.Context, delta *conversation.Delta, triggerMessageID string) {
	if !delta.FetchHistory {
		return
	}
	info := delta.Conversation

	history, err := p.history.Fetch(ctx, info, p.cfg.Adapter.MaxHistoryLimit, Window{})
	if err != nil {
		logger.WarnCF("events", "History unavailable for new conversation", map[string]any{
			"conversation_id": info.ConversationID,
			"error":           err.Error(),
		})
		history = nil
	}
	if triggerMessageID != "" {
		trimmed := history[:0:0]
		for _, msg := range history {
			if msg.MessageID != triggerMessageID {
				trimmed = append(trimmed, msg)
			}
		}
		history = trimmed
	}

	payload := ConversationStarted{
		Meta:             p.builder.Meta(EventConversationStarted, info.ConversationID),
		ConversationName: info.Name,
		IsDirectMessage:  info.IsDirectMessage,
		History:          p.builder.HistoryMessages(history),
	}
	if payload.History == nil {
		payload.History = []MessagePayload{}
	}
	p.emitter.Emit(EventConversationStarted, payload)
	p.mgr.ClearJustStarted(info.ConversationID)
}

func (p *IncomingProcessor) announceMetadata(delta *conversation.Delta) {
	if !delta.MetadataChanged {
		return
	}
	p.emitter.Emit(EventConversationUpdated, ConversationUpdated{
		Meta:             p.builder.Meta(EventConversationUpdated, delta.Conversation.ConversationID),
		ConversationName: delta.Conversation.Name,
	})
}

// collectAttachments downloads a message's attachments and shapes them for
// the wire. Failures degrade to metadata-only payloads; a broken download
// never blocks the message itself.
func (p *IncomingProcessor) collectAttachments(ctx context.Context, msg *platform.RawMessage) []AttachmentPayload {
	if len(msg.Attachments) == 0 {
		return nil
	}
	out := make([]AttachmentPayload, 0, len(msg.Attachments))
	for _, ref := range msg.Attachments {
		att, content, err := p.downloader.Fetch(ctx, ref, msg.MessageID)
		if err != nil {
			logger.WarnCF("events", "Attachment download failed", map[string]any{
				"attachment_id": ref.AttachmentID,
				"message_id":    msg.MessageID,
				"error":         err.Error(),
			})
			out = append(out, AttachmentPayload{
				AttachmentID: ref.AttachmentID,
				Filename:     ref.Filename,
				MimeType:     ref.MimeType,
				Size:         ref.Size,
				Processable:  false,
			})
			continue
		}
		out = append(out, p.builder.AttachmentWithContent(att, content))
	}
	return out
}
