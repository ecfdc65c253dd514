package events

import (
	"context"
	"time"

	"github.com/liaisonhq/liaison/pkg/attachments"
	"github.com/liaisonhq/liaison/pkg/cache"
	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/conversation"
	"github.com/liaisonhq/liaison/pkg/emoji"
	"github.com/liaisonhq/liaison/pkg/errdefs"
	"github.com/liaisonhq/liaison/pkg/logger"
	"github.com/liaisonhq/liaison/pkg/platform"
	"github.com/liaisonhq/liaison/pkg/ratelimit"
)

// OutgoingProcessor executes framework requests against the platform.
// Every platform call passes the rate limiter first; every request resolves
// its conversation before doing anything else.
type OutgoingProcessor struct {
	cfg        *config.Config
	client     platform.Client
	mgr        *conversation.Manager
	limiter    *ratelimit.Limiter
	downloader *attachments.Downloader
	history    *HistoryFetcher
	emoji      *emoji.Converter
	builder    *Builder
	emitter    Emitter

	handlers map[string]func(context.Context, *Request) (Result, error)
}

// NewOutgoingProcessor wires the outgoing pipeline.
func NewOutgoingProcessor(
	cfg *config.Config,
	client platform.Client,
	mgr *conversation.Manager,
	limiter *ratelimit.Limiter,
	downloader *attachments.Downloader,
	history *HistoryFetcher,
	conv *emoji.Converter,
	builder *Builder,
	emitter Emitter,
) *OutgoingProcessor {
	p := &OutgoingProcessor{
		cfg:        cfg,
		client:     client,
		mgr:        mgr,
		limiter:    limiter,
		downloader: downloader,
		history:    history,
		emoji:      conv,
		builder:    builder,
		emitter:    emitter,
	}
	p.handlers = map[string]func(context.Context, *Request) (Result, error){
		RequestSendMessage:     p.handleSend,
		RequestEditMessage:     p.handleEdit,
		RequestDeleteMessage:   p.handleDelete,
		RequestAddReaction:     p.handleReaction,
		RequestRemoveReaction:  p.handleReaction,
		RequestPinMessage:      p.handlePin,
		RequestUnpinMessage:    p.handlePin,
		RequestFetchHistory:    p.handleFetchHistory,
		RequestFetchAttachment: p.handleFetchAttachment,
	}
	return p
}

// SetEmitter installs the emission sink after construction. The bus needs
// the processor to exist before it can be built, so the wiring closes here.
func (p *OutgoingProcessor) SetEmitter(e Emitter) { p.emitter = e }

// Supported reports whether the request type has a handler.
func (p *OutgoingProcessor) Supported(event string) bool {
	_, ok := p.handlers[event]
	return ok
}

// Execute runs one framework request to completion.
func (p *OutgoingProcessor) Execute(ctx context.Context, req *Request) (Result, error) {
	handler, ok := p.handlers[req.Event]
	if !ok {
		return nil, errdefs.Validation("unsupported request type %q", req.Event)
	}
	return handler(ctx, req)
}

// resolve maps the canonical conversation id of a request onto tracked
// state. Requests against conversations the adapter has never observed are
// not actionable.
func (p *OutgoingProcessor) resolve(req *Request) (*conversation.Info, error) {
	if req.ConversationID == "" {
		return nil, errdefs.Validation("conversation_id is required")
	}
	info := p.mgr.Get(req.ConversationID)
	if info == nil {
		return nil, errdefs.NotFound("unknown conversation %s", req.ConversationID)
	}
	return info, nil
}

func (p *OutgoingProcessor) handleSend(ctx context.Context, req *Request) (Result, error) {
	info, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	files, err := attachments.DecodeFiles(req.Attachments, p.cfg.MaxFileSizeBytes())
	if err != nil {
		return nil, err
	}
	if req.Text == "" && len(files) == 0 {
		return nil, errdefs.Validation("send_message requires text or attachments")
	}

	chunks := SplitMessage(req.Text, p.cfg.Adapter.MaxMessageLength)
	var messageIDs []string
	for i, chunk := range chunks {
		if err := p.limiter.Wait(ctx, ratelimit.OpSendMessage, info.ConversationID); err != nil {
			return nil, err
		}
		replyTo := ""
		if i == 0 {
			replyTo = req.ReplyToMessageID
		}
		var chunkFiles []platform.OutgoingFile
		if i == len(chunks)-1 {
			chunkFiles = files
		}
		res, err := p.client.SendMessage(ctx, info.PlatformConversationID, req.ThreadID, replyTo, chunk, chunkFiles)
		if err != nil {
			if len(messageIDs) > 0 {
				// partial delivery: report what made it out
				logger.WarnCF("events", "Send failed after partial delivery", map[string]any{
					"conversation_id": info.ConversationID,
					"delivered":       len(messageIDs),
					"error":           err.Error(),
				})
			}
			return nil, errdefs.WrapTransient(err, "sending message")
		}
		messageIDs = append(messageIDs, res.MessageIDs...)

		if !p.client.Capabilities().EchoesOwnMessages {
			for _, id := range res.MessageIDs {
				p.mgr.RecordOutgoing(&platform.RawMessage{
					MessageID:              id,
					PlatformConversationID: info.PlatformConversationID,
					ConversationName:       info.Name,
					ThreadID:               req.ThreadID,
					ReplyToMessageID:       replyTo,
					Sender:                 platform.RawUser{UserID: p.client.BotUserID(), IsBot: true},
					Text:                   chunk,
					IsDirectMessage:        info.IsDirectMessage,
					Timestamp:              time.Now().UnixMilli(),
				})
			}
		}
	}

	return Result{"message_ids": messageIDs}, nil
}

func (p *OutgoingProcessor) handleEdit(ctx context.Context, req *Request) (Result, error) {
	info, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	msg := p.mgr.Messages().Get(info.ConversationID, req.MessageID)
	if msg == nil {
		return nil, errdefs.NotFound("unknown message %s in conversation %s", req.MessageID, req.ConversationID)
	}
	if len(req.Attachments) > 0 && !p.client.Capabilities().AllowsEditAttachments {
		return nil, errdefs.Validation("attachments cannot be changed by an edit on this platform")
	}
	// edits never split; an overlength edit is a caller error
	if len([]rune(req.Text)) > p.cfg.Adapter.MaxMessageLength {
		return nil, errdefs.Validation("edit text exceeds max message length %d", p.cfg.Adapter.MaxMessageLength)
	}

	if err := p.limiter.Wait(ctx, ratelimit.OpEditMessage, info.ConversationID); err != nil {
		return nil, err
	}
	if err := p.client.EditMessage(ctx, info.PlatformConversationID, req.MessageID, req.Text); err != nil {
		return nil, errdefs.WrapTransient(err, "editing message")
	}
	p.mgr.Messages().Update(info.ConversationID, req.MessageID, func(msg *cache.CachedMessage) bool {
		msg.Text = req.Text
		msg.Edited = true
		msg.EditTimestamp = time.Now().UnixMilli()
		return true
	})

	return Result{"message_id": req.MessageID}, nil
}

func (p *OutgoingProcessor) handleDelete(ctx context.Context, req *Request) (Result, error) {
	info, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx, ratelimit.OpDeleteMessage, info.ConversationID); err != nil {
		return nil, err
	}
	if err := p.client.DeleteMessage(ctx, info.PlatformConversationID, req.MessageID); err != nil {
		return nil, errdefs.WrapTransient(err, "deleting message")
	}
	p.mgr.Messages().Delete(info.ConversationID, req.MessageID)

	return Result{"message_id": req.MessageID}, nil
}

func (p *OutgoingProcessor) handleReaction(ctx context.Context, req *Request) (Result, error) {
	info, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	if !p.client.Capabilities().SupportsReactions {
		return nil, errdefs.Permanent("reactions are not supported on %s", p.cfg.Adapter.AdapterType)
	}
	if req.Emoji == "" {
		return nil, errdefs.Validation("emoji is required")
	}
	target := req.Emoji
	if unicode, ok := p.emoji.NameToUnicode(req.Emoji); ok {
		target = unicode
	}

	adding := req.Event == RequestAddReaction
	op := ratelimit.OpAddReaction
	if !adding {
		op = ratelimit.OpRemoveReaction
	}
	if err := p.limiter.Wait(ctx, op, info.ConversationID); err != nil {
		return nil, err
	}

	if adding {
		err = p.client.AddReaction(ctx, info.PlatformConversationID, req.MessageID, target)
	} else {
		err = p.client.RemoveReaction(ctx, info.PlatformConversationID, req.MessageID, target)
	}
	if err != nil {
		return nil, errdefs.WrapTransient(err, "updating reaction")
	}
	p.mgr.Messages().Update(info.ConversationID, req.MessageID, func(msg *cache.CachedMessage) bool {
		if adding {
			return msg.AddReaction(target, p.client.BotUserID())
		}
		return msg.RemoveReaction(target, p.client.BotUserID())
	})
	return Result{"message_id": req.MessageID, "emoji": req.Emoji}, nil
}

func (p *OutgoingProcessor) handlePin(ctx context.Context, req *Request) (Result, error) {
	info, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	if !p.client.Capabilities().SupportsPins {
		return nil, errdefs.Permanent("pinning is not supported on %s", p.cfg.Adapter.AdapterType)
	}

	pinning := req.Event == RequestPinMessage
	op := ratelimit.OpPinMessage
	if !pinning {
		op = ratelimit.OpUnpinMessage
	}
	if err := p.limiter.Wait(ctx, op, info.ConversationID); err != nil {
		return nil, err
	}

	if pinning {
		err = p.client.PinMessage(ctx, info.PlatformConversationID, req.MessageID)
	} else {
		err = p.client.UnpinMessage(ctx, info.PlatformConversationID, req.MessageID)
	}
	if err != nil {
		return nil, errdefs.WrapTransient(err, "updating pin state")
	}
	p.mgr.Messages().Update(info.ConversationID, req.MessageID, func(msg *cache.CachedMessage) bool {
		if msg.IsPinned == pinning {
			return false
		}
		msg.IsPinned = pinning
		return true
	})
	return Result{"message_id": req.MessageID, "pinned": pinning}, nil
}

// handleFetchHistory resolves history cache-first. The messages ride the
// request result and are also emitted on the incoming stream as
// history_fetched.
func (p *OutgoingProcessor) handleFetchHistory(ctx context.Context, req *Request) (Result, error) {
	info, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	win := Window{
		BeforeID: req.BeforeMessageID,
		AfterID:  req.AfterMessageID,
		Before:   req.Before,
		After:    req.After,
	}
	if win.Empty() {
		return nil, errdefs.Validation("fetch_history requires a before or after boundary")
	}
	if err := p.limiter.Wait(ctx, ratelimit.OpFetchHistory, info.ConversationID); err != nil {
		return nil, err
	}
	history, err := p.history.Fetch(ctx, info, req.Limit, win)
	if err != nil {
		return nil, err
	}

	payload := HistoryFetched{
		Meta:     p.builder.Meta(EventHistoryFetched, info.ConversationID),
		Messages: p.builder.HistoryMessages(history),
	}
	if payload.Messages == nil {
		payload.Messages = []MessagePayload{}
	}
	p.emitter.Emit(EventHistoryFetched, payload)

	return Result{
		"history":       payload.Messages,
		"message_count": len(payload.Messages),
	}, nil
}

// handleFetchAttachment serves stored content only; it never reaches out to
// the platform.
func (p *OutgoingProcessor) handleFetchAttachment(ctx context.Context, req *Request) (Result, error) {
	if req.AttachmentID == "" {
		return nil, errdefs.Validation("attachment_id is required")
	}
	att, content, err := p.downloader.Stored(req.AttachmentID)
	if err != nil {
		return nil, err
	}
	return Result{
		"attachment_id":   att.ID,
		"attachment_type": att.Type,
		"file_name":       att.Filename,
		"file_extension":  att.Extension,
		"mime_type":       att.MimeType,
		"size":            att.Size,
		"processable":     att.Processable,
		"content":         attachments.EncodeContent(content),
	}, nil
}
