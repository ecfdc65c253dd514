package events

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liaisonhq/liaison/pkg/attachments"
	"github.com/liaisonhq/liaison/pkg/cache"
	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/conversation"
	"github.com/liaisonhq/liaison/pkg/emoji"
	"github.com/liaisonhq/liaison/pkg/platform"
	"github.com/liaisonhq/liaison/pkg/ratelimit"
)

type sendCall struct {
	conversationID string
	threadID       string
	replyTo        string
	text           string
	files          []platform.OutgoingFile
}

// stubClient is an in-memory platform for processor tests.
type stubClient struct {
	mu      sync.Mutex
	botID   string
	caps    platform.Capabilities
	eventCh chan *platform.RawEvent

	sends     []sendCall
	edits     []string
	deletes   []string
	reactions []string
	pins      []string

	nextMessageID int
	sendErr       error
	history       []*platform.RawMessage
	historyCalls  int
	historyErr    error
	downloads     map[string][]byte
}

func newStubClient() *stubClient {
	return &stubClient{
		botID:   "bot-1",
		caps:    platform.Capabilities{SupportsPins: true, SupportsReactions: true, SupportsHistoryFetch: true, EchoesOwnMessages: true},
		eventCh: make(chan *platform.RawEvent, 16),
	}
}

func (s *stubClient) Connect(ctx context.Context) error    { return nil }
func (s *stubClient) Disconnect(ctx context.Context) error { return nil }
func (s *stubClient) IsAlive() bool                        { return true }
func (s *stubClient) Events() <-chan *platform.RawEvent    { return s.eventCh }
func (s *stubClient) BotUserID() string                    { return s.botID }
func (s *stubClient) Capabilities() platform.Capabilities  { return s.caps }

func (s *stubClient) SendMessage(ctx context.Context, conversationID, threadID, replyTo, text string, files []platform.OutgoingFile) (*platform.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sends = append(s.sends, sendCall{conversationID, threadID, replyTo, text, files})
	s.nextMessageID++
	return &platform.SendResult{MessageIDs: []string{messageID(s.nextMessageID)}}, nil
}

func messageID(n int) string { return "sent-" + string(rune('0'+n)) }

func (s *stubClient) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, messageID)
	return nil
}

func (s *stubClient) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, messageID)
	return nil
}

func (s *stubClient) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, "+"+emoji)
	return nil
}

func (s *stubClient) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, "-"+emoji)
	return nil
}

func (s *stubClient) PinMessage(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins = append(s.pins, "+"+messageID)
	return nil
}

func (s *stubClient) UnpinMessage(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins = append(s.pins, "-"+messageID)
	return nil
}

func (s *stubClient) FetchHistory(ctx context.Context, q platform.HistoryQuery) ([]*platform.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyCalls++
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	if s.historyCalls > 1 {
		// one page only
		return nil, nil
	}
	return s.history, nil
}

func (s *stubClient) DownloadAttachment(ctx context.Context, ref platform.AttachmentRef) ([]byte, error) {
	if content, ok := s.downloads[ref.AttachmentID]; ok {
		return content, nil
	}
	return []byte("content"), nil
}

type emitted struct {
	eventType string
	payload   any
}

// recorder captures emissions in order.
type recorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recorder) Emit(eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{eventType, payload})
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.eventType
	}
	return out
}

type fixture struct {
	cfg      *config.Config
	client   *stubClient
	mgr      *conversation.Manager
	store    *cache.AttachmentCache
	emitter  *recorder
	incoming *IncomingProcessor
	outgoing *OutgoingProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Adapter.AdapterType = "discord"
	cfg.Attachments.StorageDir = t.TempDir()
	// generous limits so tests never block on pacing
	cfg.RateLimit = config.RateLimitConfig{GlobalRPM: 600000, PerConversationRPM: 600000, MessageRPM: 600000}

	client := newStubClient()
	mgr := conversation.NewManager(cfg, cache.NewMessageCache(cfg.Caching), cache.NewUserCache(cfg.Caching))
	store, err := cache.NewAttachmentCache(cfg.Attachments)
	require.NoError(t, err)
	downloader := attachments.NewDownloader(client, store, cfg.MaxFileSizeBytes())
	history := NewHistoryFetcher(cfg, client, mgr)
	conv, err := emoji.NewConverter("")
	require.NoError(t, err)
	builder := NewBuilder(cfg, mgr, store)
	rec := &recorder{}

	return &fixture{
		cfg:      cfg,
		client:   client,
		mgr:      mgr,
		store:    store,
		emitter:  rec,
		incoming: NewIncomingProcessor(cfg, client, mgr, downloader, history, conv, builder, rec),
		outgoing: NewOutgoingProcessor(cfg, client, mgr, ratelimit.New(cfg.RateLimit), downloader, history, conv, builder, rec),
	}
}

// seedConversation runs one message through the incoming path and returns
// the canonical conversation id, with the recorder cleared afterwards.
func (f *fixture) seedConversation(t *testing.T, platformID string) string {
	t.Helper()
	f.incoming.Handle(context.Background(), &platform.RawEvent{
		Type: platform.EventMessageNew,
		Message: &platform.RawMessage{
			MessageID:              "seed-" + platformID,
			PlatformConversationID: platformID,
			ConversationName:       "general",
			Sender:                 platform.RawUser{UserID: "u1", Username: "alice"},
			Text:                   "seed",
			Timestamp:              1000,
		},
	})
	info := f.mgr.GetByPlatformID(platformID)
	require.NotNil(t, info)
	f.emitter.mu.Lock()
	f.emitter.events = nil
	f.emitter.mu.Unlock()
	return info.ConversationID
}
