// Package telegram implements the platform client for the Telegram Bot API
// over long polling. Telegram never echoes the bot's own sends, offers no
// history endpoint, and exposes no reaction updates to bots on this API
// surface; the capability flags carry those limits upward.
package telegram

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf16"

	"github.com/avast/retry-go/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"

	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/errdefs"
	"github.com/liaisonhq/liaison/pkg/logger"
	"github.com/liaisonhq/liaison/pkg/platform"
)

func init() {
	platform.Register("telegram", func(cfg *config.Config) (platform.Client, error) {
		return New(cfg)
	})
}

const (
	eventBuffer = 256
	pollTimeout = 60
)

// Client is the Telegram platform client.
type Client struct {
	cfg   *config.Config
	bot   *tgbotapi.BotAPI
	token string

	events     chan *platform.RawEvent
	alive      atomic.Bool
	botID      string
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	httpClient *http.Client
}

// New builds a disconnected client from configuration.
func New(cfg *config.Config) (*Client, error) {
	if cfg.Adapter.BotToken == "" {
		return nil, errdefs.Fatal("adapter.bot_token is required for telegram")
	}
	return &Client{
		cfg:        cfg,
		token:      cfg.Adapter.BotToken,
		events:     make(chan *platform.RawEvent, eventBuffer),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Connect authorizes against the Bot API and starts the long-poll loop.
// Reconnects land here too: the previous poller must be gone before a new
// one may touch the session, or two loops would race on update offsets.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.stopPoller(ctx); err != nil {
		return err
	}
	bot, err := tgbotapi.NewBotAPI(c.token)
	if err != nil {
		return errdefs.WrapTransient(err, "authorizing telegram bot")
	}
	c.bot = bot
	c.botID = strconv.FormatInt(bot.Self.ID, 10)
	c.alive.Store(true)

	logger.InfoCF("telegram", "Bot authorized", map[string]any{
		"username": bot.Self.UserName,
	})

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.pollCancel = cancel
	c.pollDone = done
	go c.poll(pollCtx, done)
	return nil
}

// stopPoller cancels the running poll loop, if any, and waits for it to
// exit. A long poll in flight can hold the loop for up to pollTimeout, so
// the wait is bounded by ctx.
func (c *Client) stopPoller(ctx context.Context) error {
	if c.pollCancel == nil {
		return nil
	}
	c.pollCancel()
	select {
	case <-c.pollDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.pollCancel = nil
	c.pollDone = nil
	return nil
}

// poll drives getUpdates manually so shutdown can interrupt the loop
// between requests. done is per-connection; each Connect starts a fresh
// poller with its own.
func (c *Client) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	offset := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req := tgbotapi.NewUpdate(offset)
		req.Timeout = pollTimeout
		updates, err := c.bot.GetUpdates(req)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.alive.Store(false)
			logger.WarnCF("telegram", "Long poll failed", map[string]any{
				"error": err.Error(),
			})
			time.Sleep(3 * time.Second)
			continue
		}
		c.alive.Store(true)

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			c.translate(&update)
		}
	}
}

func (c *Client) translate(update *tgbotapi.Update) {
	switch {
	case update.Message != nil:
		c.translateMessage(update.Message)
	case update.EditedMessage != nil:
		m := update.EditedMessage
		ts := int64(m.EditDate) * 1000
		msg := c.normalizeMessage(m)
		msg.Timestamp = ts
		c.emit(&platform.RawEvent{
			Type:                   platform.EventMessageEdited,
			PlatformConversationID: chatID(m.Chat),
			MessageID:              strconv.Itoa(m.MessageID),
			Message:                msg,
			Timestamp:              ts,
		})
	}
}

func (c *Client) translateMessage(m *tgbotapi.Message) {
	switch {
	case m.MigrateToChatID != 0:
		c.emit(&platform.RawEvent{
			Type:                      platform.EventChatMigrated,
			PlatformConversationID:    chatID(m.Chat),
			NewPlatformConversationID: strconv.FormatInt(m.MigrateToChatID, 10),
			Timestamp:                 int64(m.Date) * 1000,
		})
	case m.PinnedMessage != nil:
		c.emit(&platform.RawEvent{
			Type:                   platform.EventMessagePinned,
			PlatformConversationID: chatID(m.Chat),
			MessageID:              strconv.Itoa(m.PinnedMessage.MessageID),
			Timestamp:              int64(m.Date) * 1000,
		})
	case m.NewChatTitle != "":
		// surfaces as a metadata change through the conversation name
		c.emit(&platform.RawEvent{
			Type:                   platform.EventMessageNew,
			PlatformConversationID: chatID(m.Chat),
			MessageID:              strconv.Itoa(m.MessageID),
			Message:                c.normalizeMessage(m),
			Timestamp:              int64(m.Date) * 1000,
		})
	default:
		c.emit(&platform.RawEvent{
			Type:                   platform.EventMessageNew,
			PlatformConversationID: chatID(m.Chat),
			MessageID:              strconv.Itoa(m.MessageID),
			Message:                c.normalizeMessage(m),
			Timestamp:              int64(m.Date) * 1000,
		})
	}
}

func chatID(chat *tgbotapi.Chat) string {
	return strconv.FormatInt(chat.ID, 10)
}

func chatName(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	switch {
	case chat.FirstName != "" && chat.LastName != "":
		return chat.FirstName + " " + chat.LastName
	case chat.FirstName != "":
		return chat.FirstName
	default:
		return chat.UserName
	}
}

func (c *Client) normalizeMessage(m *tgbotapi.Message) *platform.RawMessage {
	text := m.Text
	entities := m.Entities
	if text == "" {
		text = m.Caption
		entities = m.CaptionEntities
	}
	mentions, mentionedUsers, text := extractMentions(text, entities)
	replyTo := ""
	if m.ReplyToMessage != nil {
		replyTo = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	var sender platform.RawUser
	if m.From != nil {
		sender = platform.RawUser{
			UserID:    strconv.FormatInt(m.From.ID, 10),
			Username:  m.From.UserName,
			FirstName: m.From.FirstName,
			LastName:  m.From.LastName,
			IsBot:     m.From.IsBot,
		}
	}
	return &platform.RawMessage{
		MessageID:              strconv.Itoa(m.MessageID),
		PlatformConversationID: chatID(m.Chat),
		ConversationName:       chatName(m.Chat),
		ReplyToMessageID:       replyTo,
		Sender:                 sender,
		Text:                   text,
		Mentions:               mentions,
		MentionedUsers:         mentionedUsers,
		Attachments:            c.normalizeAttachments(m),
		IsDirectMessage:        m.Chat.IsPrivate(),
		Timestamp:              int64(m.Date) * 1000,
	}
}

// extractMentions resolves mention entities and rewrites their tokens to
// <@name>. Entity offsets count UTF-16 code units, so the rewrite works in
// that space, back to front to keep earlier offsets valid. "mention"
// entities carry only the @username handle; "text_mention" entities name a
// user without a username and carry the full user object.
func extractMentions(text string, entities []tgbotapi.MessageEntity) (mentions []string, users []platform.RawUser, rewritten string) {
	if len(entities) == 0 {
		return nil, nil, text
	}
	units := utf16.Encode([]rune(text))
	ordered := make([]tgbotapi.MessageEntity, len(entities))
	copy(ordered, entities)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Offset > ordered[j].Offset })

	for _, e := range ordered {
		if e.Offset < 0 || e.Length <= 0 || e.Offset+e.Length > len(units) {
			continue
		}
		token := string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
		var name string
		switch e.Type {
		case "mention":
			name = strings.TrimPrefix(token, "@")
			mentions = append(mentions, name)
			users = append(users, platform.RawUser{Username: name})
		case "text_mention":
			if e.User == nil {
				continue
			}
			name = token
			id := strconv.FormatInt(e.User.ID, 10)
			mentions = append(mentions, id)
			users = append(users, platform.RawUser{
				UserID:    id,
				Username:  e.User.UserName,
				FirstName: e.User.FirstName,
				LastName:  e.User.LastName,
				IsBot:     e.User.IsBot,
			})
		default:
			continue
		}
		repl := utf16.Encode([]rune("<@" + name + ">"))
		next := make([]uint16, 0, len(units)-e.Length+len(repl))
		next = append(next, units[:e.Offset]...)
		next = append(next, repl...)
		next = append(next, units[e.Offset+e.Length:]...)
		units = next
	}

	// the rewrite walked backwards; put the lists in document order
	for i, j := 0, len(mentions)-1; i < j; i, j = i+1, j-1 {
		mentions[i], mentions[j] = mentions[j], mentions[i]
		users[i], users[j] = users[j], users[i]
	}
	return mentions, users, string(utf16.Decode(units))
}

// normalizeAttachments maps Telegram's per-kind media fields onto
// attachment refs keyed by file id. Photos arrive in multiple resolutions;
// only the largest matters.
func (c *Client) normalizeAttachments(m *tgbotapi.Message) []platform.AttachmentRef {
	var refs []platform.AttachmentRef
	if len(m.Photo) > 0 {
		best := m.Photo[len(m.Photo)-1]
		refs = append(refs, platform.AttachmentRef{
			AttachmentID:   best.FileID,
			Filename:       "photo.jpg",
			MimeType:       "image/jpeg",
			Size:           int64(best.FileSize),
			PlatformFileID: best.FileID,
		})
	}
	if m.Document != nil {
		refs = append(refs, platform.AttachmentRef{
			AttachmentID:   m.Document.FileID,
			Filename:       m.Document.FileName,
			MimeType:       m.Document.MimeType,
			Size:           int64(m.Document.FileSize),
			PlatformFileID: m.Document.FileID,
		})
	}
	if m.Video != nil {
		refs = append(refs, platform.AttachmentRef{
			AttachmentID:   m.Video.FileID,
			Filename:       "video.mp4",
			MimeType:       m.Video.MimeType,
			Size:           int64(m.Video.FileSize),
			PlatformFileID: m.Video.FileID,
		})
	}
	if m.Voice != nil {
		refs = append(refs, platform.AttachmentRef{
			AttachmentID:   m.Voice.FileID,
			Filename:       "voice.ogg",
			MimeType:       m.Voice.MimeType,
			Size:           int64(m.Voice.FileSize),
			PlatformFileID: m.Voice.FileID,
		})
	}
	if m.Audio != nil {
		refs = append(refs, platform.AttachmentRef{
			AttachmentID:   m.Audio.FileID,
			Filename:       m.Audio.Title,
			MimeType:       m.Audio.MimeType,
			Size:           int64(m.Audio.FileSize),
			PlatformFileID: m.Audio.FileID,
		})
	}
	return refs
}

func (c *Client) emit(ev *platform.RawEvent) {
	select {
	case c.events <- ev:
	default:
		logger.WarnCF("telegram", "Event buffer full, dropping event", map[string]any{
			"type": string(ev.Type),
		})
	}
}

// Disconnect stops polling and closes the event channel. The channel only
// closes once the poller has confirmed its exit; a poller still draining
// must never see a closed channel.
func (c *Client) Disconnect(ctx context.Context) error {
	c.alive.Store(false)
	if err := c.stopPoller(ctx); err != nil {
		return errors.Wrap(err, "waiting for telegram poller")
	}
	close(c.events)
	return nil
}

func (c *Client) IsAlive() bool { return c.alive.Load() }

func (c *Client) Events() <-chan *platform.RawEvent { return c.events }

func (c *Client) BotUserID() string { return c.botID }

func (c *Client) Capabilities() platform.Capabilities {
	return platform.Capabilities{
		SupportsPins:          true,
		SupportsReactions:     false,
		SupportsHistoryFetch:  false,
		AllowsEditAttachments: false,
		EchoesOwnMessages:     false,
	}
}

func (c *Client) retryAPI(ctx context.Context, op func() error) error {
	return retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(c.cfg.Adapter.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func parseChatID(conversationID string) (int64, error) {
	id, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return 0, errdefs.Validation("invalid telegram chat id %q", conversationID)
	}
	return id, nil
}

func parseMessageID(messageID string) (int, error) {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return 0, errdefs.Validation("invalid telegram message id %q", messageID)
	}
	return id, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID, threadID, replyToID, text string, files []platform.OutgoingFile) (*platform.SendResult, error) {
	chat, err := parseChatID(conversationID)
	if err != nil {
		return nil, err
	}

	var ids []string
	if text != "" {
		msg := tgbotapi.NewMessage(chat, text)
		if replyToID != "" {
			if replyID, err := parseMessageID(replyToID); err == nil {
				msg.ReplyToMessageID = replyID
			}
		}
		var sent tgbotapi.Message
		err := c.retryAPI(ctx, func() error {
			var err error
			sent, err = c.bot.Send(msg)
			return err
		})
		if err != nil {
			return nil, errors.Wrap(err, "sending telegram message")
		}
		ids = append(ids, strconv.Itoa(sent.MessageID))
	}

	for _, f := range files {
		doc := tgbotapi.NewDocument(chat, tgbotapi.FileBytes{Name: f.Filename, Bytes: f.Content})
		var sent tgbotapi.Message
		err := c.retryAPI(ctx, func() error {
			var err error
			sent, err = c.bot.Send(doc)
			return err
		})
		if err != nil {
			return nil, errors.Wrap(err, "sending telegram document")
		}
		ids = append(ids, strconv.Itoa(sent.MessageID))
	}
	return &platform.SendResult{MessageIDs: ids}, nil
}

func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	chat, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	return c.retryAPI(ctx, func() error {
		_, err := c.bot.Send(tgbotapi.NewEditMessageText(chat, msgID, text))
		return err
	})
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	chat, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	return c.retryAPI(ctx, func() error {
		_, err := c.bot.Request(tgbotapi.NewDeleteMessage(chat, msgID))
		return err
	})
}

func (c *Client) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return errdefs.Permanent("reactions are not supported by the telegram bot api")
}

func (c *Client) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return errdefs.Permanent("reactions are not supported by the telegram bot api")
}

func (c *Client) PinMessage(ctx context.Context, conversationID, messageID string) error {
	chat, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	return c.retryAPI(ctx, func() error {
		_, err := c.bot.Request(tgbotapi.PinChatMessageConfig{
			ChatID:              chat,
			MessageID:           msgID,
			DisableNotification: true,
		})
		return err
	})
}

func (c *Client) UnpinMessage(ctx context.Context, conversationID, messageID string) error {
	chat, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	return c.retryAPI(ctx, func() error {
		_, err := c.bot.Request(tgbotapi.UnpinChatMessageConfig{
			ChatID:    chat,
			MessageID: msgID,
		})
		return err
	})
}

// FetchHistory always fails: the Bot API has no history endpoint. Callers
// fall back to cached history.
func (c *Client) FetchHistory(ctx context.Context, q platform.HistoryQuery) ([]*platform.RawMessage, error) {
	return nil, errdefs.Permanent("message history is not available through the telegram bot api")
}

func (c *Client) DownloadAttachment(ctx context.Context, ref platform.AttachmentRef) ([]byte, error) {
	fileID := ref.PlatformFileID
	if fileID == "" {
		fileID = ref.AttachmentID
	}
	var info tgbotapi.File
	err := c.retryAPI(ctx, func() error {
		var err error
		info, err = c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "resolving telegram file")
	}

	url := info.Link(c.token)
	var content []byte
	err = c.retryAPI(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("file endpoint returned status %d", resp.StatusCode)
		}
		content, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "downloading telegram file")
	}
	return content, nil
}
