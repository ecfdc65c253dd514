// Package discord implements the platform client for Discord over the
// gateway. Discord pushes events over its own websocket, echoes the bot's
// sends back, and serves history through the channel messages endpoint.
package discord

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"

	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/errdefs"
	"github.com/liaisonhq/liaison/pkg/logger"
	"github.com/liaisonhq/liaison/pkg/platform"
)

func init() {
	platform.Register("discord", func(cfg *config.Config) (platform.Client, error) {
		return New(cfg)
	})
}

const eventBuffer = 256

// Client is the Discord platform client.
type Client struct {
	cfg     *config.Config
	session *discordgo.Session
	events  chan *platform.RawEvent
	ready   atomic.Bool
	botID   atomic.Value // string

	httpClient *http.Client
}

// New builds a disconnected client from configuration.
func New(cfg *config.Config) (*Client, error) {
	if cfg.Adapter.BotToken == "" {
		return nil, errdefs.Fatal("adapter.bot_token is required for discord")
	}
	session, err := discordgo.New("Bot " + cfg.Adapter.BotToken)
	if err != nil {
		return nil, errdefs.WrapFatal(err, "creating discord session")
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentMessageContent

	c := &Client{
		cfg:        cfg,
		session:    session,
		events:     make(chan *platform.RawEvent, eventBuffer),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	c.botID.Store("")
	c.registerHandlers()
	return c, nil
}

func (c *Client) registerHandlers() {
	c.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		c.botID.Store(r.User.ID)
		c.ready.Store(true)
		logger.InfoCF("discord", "Gateway ready", map[string]any{
			"bot_user": r.User.Username,
		})
	})
	c.session.AddHandler(func(s *discordgo.Session, d *discordgo.Disconnect) {
		c.ready.Store(false)
		logger.WarnCF("discord", "Gateway disconnected", nil)
	})
	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil {
			return
		}
		c.emit(&platform.RawEvent{
			Type:                   platform.EventMessageNew,
			PlatformConversationID: m.ChannelID,
			MessageID:              m.ID,
			Message:                c.normalizeMessage(m.Message),
			Timestamp:              m.Timestamp.UnixMilli(),
		})
	})
	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageUpdate) {
		// partial updates without author carry embeds only
		if m.Author == nil {
			return
		}
		ts := time.Now().UnixMilli()
		if m.EditedTimestamp != nil {
			ts = m.EditedTimestamp.UnixMilli()
		}
		msg := c.normalizeMessage(m.Message)
		msg.Timestamp = ts
		c.emit(&platform.RawEvent{
			Type:                   platform.EventMessageEdited,
			PlatformConversationID: m.ChannelID,
			MessageID:              m.ID,
			Message:                msg,
			Timestamp:              ts,
		})
	})
	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageDelete) {
		c.emit(&platform.RawEvent{
			Type:                   platform.EventMessageDeleted,
			PlatformConversationID: m.ChannelID,
			MessageID:              m.ID,
			Timestamp:              time.Now().UnixMilli(),
		})
	})
	c.session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		c.emit(c.normalizeReaction(r.MessageReaction, platform.EventReactionAdded))
	})
	c.session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
		c.emit(c.normalizeReaction(r.MessageReaction, platform.EventReactionRemoved))
	})
}

func (c *Client) normalizeMessage(m *discordgo.Message) *platform.RawMessage {
	mentions := make([]string, 0, len(m.Mentions))
	mentionedUsers := make([]platform.RawUser, 0, len(m.Mentions))
	text := m.Content
	for _, u := range m.Mentions {
		mentions = append(mentions, u.ID)
		mentionedUsers = append(mentionedUsers, platform.RawUser{
			UserID:   u.ID,
			Username: u.Username,
			IsBot:    u.Bot,
		})
		// content carries raw id tokens; rewrite them to readable names
		if u.Username != "" {
			text = strings.ReplaceAll(text, "<@!"+u.ID+">", "<@"+u.Username+">")
			text = strings.ReplaceAll(text, "<@"+u.ID+">", "<@"+u.Username+">")
		}
	}
	atts := make([]platform.AttachmentRef, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		atts = append(atts, platform.AttachmentRef{
			AttachmentID: a.ID,
			Filename:     a.Filename,
			MimeType:     a.ContentType,
			Size:         int64(a.Size),
			URL:          a.URL,
		})
	}
	replyTo := ""
	if m.MessageReference != nil {
		replyTo = m.MessageReference.MessageID
	}
	return &platform.RawMessage{
		MessageID:              m.ID,
		PlatformConversationID: m.ChannelID,
		ServerID:               m.GuildID,
		ReplyToMessageID:       replyTo,
		Sender: platform.RawUser{
			UserID:   m.Author.ID,
			Username: m.Author.Username,
			IsBot:    m.Author.Bot,
		},
		Text:            text,
		Mentions:        mentions,
		MentionedUsers:  mentionedUsers,
		Attachments:     atts,
		IsDirectMessage: m.GuildID == "",
		Timestamp:       m.Timestamp.UnixMilli(),
	}
}

func (c *Client) normalizeReaction(r *discordgo.MessageReaction, t platform.RawEventType) *platform.RawEvent {
	return &platform.RawEvent{
		Type:                   t,
		PlatformConversationID: r.ChannelID,
		MessageID:              r.MessageID,
		Emoji:                  r.Emoji.Name,
		Actor: platform.RawUser{
			UserID: r.UserID,
			IsBot:  r.UserID == c.BotUserID(),
		},
		Timestamp: time.Now().UnixMilli(),
	}
}

func (c *Client) emit(ev *platform.RawEvent) {
	select {
	case c.events <- ev:
	default:
		logger.WarnCF("discord", "Event buffer full, dropping event", map[string]any{
			"type": string(ev.Type),
		})
	}
}

// Connect opens the gateway session.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.session.Open(); err != nil {
		return errdefs.WrapTransient(err, "opening discord gateway")
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.botID.Store(c.session.State.User.ID)
	}
	c.ready.Store(true)
	return nil
}

// Disconnect closes the gateway session and the event channel.
func (c *Client) Disconnect(ctx context.Context) error {
	c.ready.Store(false)
	err := c.session.Close()
	close(c.events)
	if err != nil {
		return errors.Wrap(err, "closing discord gateway")
	}
	return nil
}

func (c *Client) IsAlive() bool { return c.ready.Load() }

func (c *Client) Events() <-chan *platform.RawEvent { return c.events }

func (c *Client) BotUserID() string { return c.botID.Load().(string) }

func (c *Client) Capabilities() platform.Capabilities {
	return platform.Capabilities{
		SupportsPins:          true,
		SupportsReactions:     true,
		SupportsHistoryFetch:  true,
		AllowsEditAttachments: false,
		EchoesOwnMessages:     true,
	}
}

// retryAPI runs one REST call with transient retries. Discord's ratelimit
// handling lives in discordgo; this only covers flaky transport.
func (c *Client) retryAPI(ctx context.Context, op func() error) error {
	return retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(c.cfg.Adapter.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func (c *Client) SendMessage(ctx context.Context, conversationID, threadID, replyToID, text string, files []platform.OutgoingFile) (*platform.SendResult, error) {
	// a thread is just another channel on discord
	target := conversationID
	if threadID != "" {
		target = threadID
	}
	send := &discordgo.MessageSend{Content: text}
	if replyToID != "" {
		send.Reference = &discordgo.MessageReference{
			MessageID: replyToID,
			ChannelID: target,
		}
	}
	for _, f := range files {
		send.Files = append(send.Files, &discordgo.File{
			Name:        f.Filename,
			ContentType: f.MimeType,
			Reader:      bytes.NewReader(f.Content),
		})
	}

	var created *discordgo.Message
	err := c.retryAPI(ctx, func() error {
		var err error
		created, err = c.session.ChannelMessageSendComplex(target, send)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "sending discord message")
	}
	return &platform.SendResult{MessageIDs: []string{created.ID}}, nil
}

func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	return c.retryAPI(ctx, func() error {
		_, err := c.session.ChannelMessageEdit(conversationID, messageID, text)
		return err
	})
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return c.retryAPI(ctx, func() error {
		return c.session.ChannelMessageDelete(conversationID, messageID)
	})
}

func (c *Client) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return c.retryAPI(ctx, func() error {
		return c.session.MessageReactionAdd(conversationID, messageID, emoji)
	})
}

func (c *Client) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return c.retryAPI(ctx, func() error {
		return c.session.MessageReactionRemove(conversationID, messageID, emoji, "@me")
	})
}

func (c *Client) PinMessage(ctx context.Context, conversationID, messageID string) error {
	return c.retryAPI(ctx, func() error {
		return c.session.ChannelMessagePin(conversationID, messageID)
	})
}

func (c *Client) UnpinMessage(ctx context.Context, conversationID, messageID string) error {
	return c.retryAPI(ctx, func() error {
		return c.session.ChannelMessageUnpin(conversationID, messageID)
	})
}

// discordEpochMillis is the Discord snowflake epoch (2015-01-01 UTC).
const discordEpochMillis = 1420070400000

// snowflakeFromMillis builds a synthetic message id for a timestamp, so
// time-bounded history queries can use Discord's id-based pagination.
func snowflakeFromMillis(ms int64) string {
	if ms <= discordEpochMillis {
		return ""
	}
	return strconv.FormatInt((ms-discordEpochMillis)<<22, 10)
}

func (c *Client) FetchHistory(ctx context.Context, q platform.HistoryQuery) ([]*platform.RawMessage, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	beforeID, afterID := q.BeforeID, q.AfterID
	if beforeID == "" && q.Before > 0 {
		beforeID = snowflakeFromMillis(q.Before)
	}
	if afterID == "" && q.After > 0 {
		afterID = snowflakeFromMillis(q.After)
	}
	var page []*discordgo.Message
	err := c.retryAPI(ctx, func() error {
		var err error
		page, err = c.session.ChannelMessages(q.PlatformConversationID, limit, beforeID, afterID, "")
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetching discord history")
	}

	out := make([]*platform.RawMessage, 0, len(page))
	for _, m := range page {
		if m.Author == nil {
			continue
		}
		out = append(out, c.normalizeMessage(m))
	}
	return out, nil
}

// DownloadAttachment fetches content from the Discord CDN. Attachment URLs
// are pre-signed; no auth header is needed.
func (c *Client) DownloadAttachment(ctx context.Context, ref platform.AttachmentRef) ([]byte, error) {
	var content []byte
	err := c.retryAPI(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("cdn returned status %d", resp.StatusCode)
		}
		content, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "downloading discord attachment")
	}
	return content, nil
}
