package conversation

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/liaisonhq/liaison/pkg/cache"
	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/logger"
	"github.com/liaisonhq/liaison/pkg/platform"
)

// stripeCount sizes the per-conversation write lock table.
const stripeCount = 32

// Manager owns the conversation index and reduces platform events into
// deltas. It is the single writer of the message cache for platform-side
// traffic; processors write framework-side sends through RecordOutgoing.
// Reductions for one conversation are serialized by a striped lock keyed
// on the platform conversation id; the short RWMutex only guards the two
// lookup maps.
type Manager struct {
	adapterType string
	messages    *cache.MessageCache
	users       *cache.UserCache

	stripes [stripeCount]sync.Mutex

	mu           sync.RWMutex
	byID         map[string]*Info
	byPlatformID map[string]*Info
}

// NewManager builds a manager over the shared caches.
func NewManager(cfg *config.Config, messages *cache.MessageCache, users *cache.UserCache) *Manager {
	return &Manager{
		adapterType:  cfg.Adapter.AdapterType,
		messages:     messages,
		users:        users,
		byID:         make(map[string]*Info),
		byPlatformID: make(map[string]*Info),
	}
}

// Get returns the conversation by canonical id, or nil.
func (m *Manager) Get(conversationID string) *Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[conversationID]
}

// GetByPlatformID returns the conversation by platform id, or nil.
func (m *Manager) GetByPlatformID(platformConversationID string) *Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byPlatformID[platformConversationID]
}

// Resolve returns the conversation for a platform id, creating and marking
// it JustStarted on first sight. The returned metadataChanged reports a
// name change on an existing conversation.
func (m *Manager) Resolve(platformConversationID, name string, isDM bool) (info *Info, metadataChanged bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(platformConversationID, name, isDM)
}

func (m *Manager) resolveLocked(platformConversationID, name string, isDM bool) (*Info, bool) {
	if info, ok := m.byPlatformID[platformConversationID]; ok {
		if name != "" && name != info.Name {
			info.Name = name
			return info, true
		}
		return info, false
	}

	info := &Info{
		ConversationID:         CanonicalID(m.adapterType, platformConversationID),
		PlatformConversationID: platformConversationID,
		Name:                   name,
		IsDirectMessage:        isDM,
		JustStarted:            true,
		StartedAt:              time.Now().UnixMilli(),
		KnownMembers:           make(map[string]struct{}),
		Attachments:            make(map[string]struct{}),
		Threads:                make(map[string]*ThreadInfo),
	}
	m.byID[info.ConversationID] = info
	m.byPlatformID[platformConversationID] = info

	logger.InfoCF("conversation", "Tracking new conversation", map[string]any{
		"conversation_id": info.ConversationID,
		"platform_id":     platformConversationID,
		"is_dm":           isDM,
	})
	return info, false
}

// ClearJustStarted marks the conversation's start as announced. Called by
// the incoming processor after conversation_started goes out.
func (m *Manager) ClearJustStarted(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.byID[conversationID]; ok {
		info.JustStarted = false
	}
}

func stripeIndex(platformConversationID string) int {
	h := fnv.New32a()
	h.Write([]byte(platformConversationID))
	return int(h.Sum32() % stripeCount)
}

// lockStripe serializes reductions for one conversation.
func (m *Manager) lockStripe(platformConversationID string) func() {
	s := &m.stripes[stripeIndex(platformConversationID)]
	s.Lock()
	return s.Unlock
}

// AddMessage reduces a new platform message. Duplicate message ids return
// an empty delta so redelivered events stay silent.
func (m *Manager) AddMessage(raw *platform.RawMessage, origin cache.Origin) *Delta {
	defer m.lockStripe(raw.PlatformConversationID)()
	return m.addMessage(raw, origin)
}

func (m *Manager) addMessage(raw *platform.RawMessage, origin cache.Origin) *Delta {
	m.mu.Lock()
	info, metadataChanged := m.resolveLocked(raw.PlatformConversationID, raw.ConversationName, raw.IsDirectMessage)
	fetchHistory := info.JustStarted
	m.mu.Unlock()

	m.rememberUser(raw.Sender)
	for _, u := range raw.MentionedUsers {
		m.rememberUser(u)
	}

	msg := &cache.CachedMessage{
		MessageID:        raw.MessageID,
		ConversationID:   info.ConversationID,
		ThreadID:         raw.ThreadID,
		ReplyToMessageID: raw.ReplyToMessageID,
		SenderID:         raw.Sender.UserID,
		SenderName:       raw.Sender.Username,
		Text:             raw.Text,
		Mentions:         raw.Mentions,
		IsDirectMessage:  raw.IsDirectMessage,
		Timestamp:        raw.Timestamp,
		Origin:           origin,
	}
	for _, ref := range raw.Attachments {
		if msg.Attachments == nil {
			msg.Attachments = make(map[string]struct{})
		}
		msg.Attachments[ref.AttachmentID] = struct{}{}
	}

	stored, added := m.messages.Add(msg)
	if !added {
		logger.DebugCF("conversation", "Dropping duplicate message", map[string]any{
			"conversation_id": info.ConversationID,
			"message_id":      raw.MessageID,
		})
		return &Delta{Conversation: info, MetadataChanged: metadataChanged}
	}

	m.mu.Lock()
	m.noteMessageLocked(info, raw)
	m.mu.Unlock()

	// the delta carries a copy so readers never chase the live cache entry
	copied := *stored
	return &Delta{
		Conversation:    info,
		FetchHistory:    fetchHistory,
		NewMessage:      &copied,
		MetadataChanged: metadataChanged,
	}
}

// noteMessageLocked folds one cached message into the conversation's
// bookkeeping: activity, membership, attachment set, and thread rolls.
func (m *Manager) noteMessageLocked(info *Info, raw *platform.RawMessage) {
	if raw.Timestamp > info.LastActivity {
		info.LastActivity = raw.Timestamp
	}
	if raw.ServerID != "" {
		info.ServerID = raw.ServerID
	}
	if raw.Sender.UserID != "" {
		info.KnownMembers[raw.Sender.UserID] = struct{}{}
	}
	for _, u := range raw.MentionedUsers {
		if u.UserID != "" {
			info.KnownMembers[u.UserID] = struct{}{}
		}
	}
	for _, ref := range raw.Attachments {
		info.Attachments[ref.AttachmentID] = struct{}{}
	}
	if raw.ThreadID != "" {
		th, ok := info.Threads[raw.ThreadID]
		if !ok {
			th = &ThreadInfo{
				ThreadID:      raw.ThreadID,
				RootMessageID: raw.ReplyToMessageID,
				FirstSeenAt:   time.Now().UnixMilli(),
			}
			info.Threads[raw.ThreadID] = th
		}
		th.MessageIDs = append(th.MessageIDs, raw.MessageID)
	}
}

// UpdateMessage reduces an edit. Edits of unknown messages fall back to the
// new-message path, since the framework never saw the original either.
func (m *Manager) UpdateMessage(raw *platform.RawMessage) *Delta {
	defer m.lockStripe(raw.PlatformConversationID)()

	info, _ := m.Resolve(raw.PlatformConversationID, raw.ConversationName, raw.IsDirectMessage)

	copied, changed := m.messages.Update(info.ConversationID, raw.MessageID, func(msg *cache.CachedMessage) bool {
		if msg.Text == raw.Text {
			return false
		}
		msg.Text = raw.Text
		msg.Edited = true
		msg.EditTimestamp = raw.Timestamp
		return true
	})
	if copied == nil {
		return m.addMessage(raw, cache.OriginPlatform)
	}
	if !changed {
		return &Delta{Conversation: info}
	}

	m.mu.Lock()
	if raw.Timestamp > info.LastActivity {
		info.LastActivity = raw.Timestamp
	}
	m.mu.Unlock()

	return &Delta{
		Conversation:   info,
		UpdatedMessage: copied,
		UpdatedFields:  []string{"text"},
	}
}

// ApplyReaction reduces a reaction add or remove. Repeated identical
// reactions on a cached message return an empty delta.
func (m *Manager) ApplyReaction(platformConversationID, messageID, emoji string, actor platform.RawUser, added bool) *Delta {
	defer m.lockStripe(platformConversationID)()

	info, _ := m.Resolve(platformConversationID, "", false)
	m.rememberUser(actor)

	change := &ReactionChange{
		MessageID: messageID,
		Emoji:     emoji,
		UserID:    actor.UserID,
		UserName:  actor.Username,
		Added:     added,
		ByBot:     actor.IsBot,
	}

	copied, changed := m.messages.Update(info.ConversationID, messageID, func(msg *cache.CachedMessage) bool {
		if added {
			return msg.AddReaction(emoji, actor.UserID)
		}
		return msg.RemoveReaction(emoji, actor.UserID)
	})
	if copied != nil && !changed {
		return &Delta{Conversation: info}
	}
	return &Delta{Conversation: info, ReactionChange: change}
}

// ApplyPin reduces a pin state change. Redundant changes stay silent.
func (m *Manager) ApplyPin(platformConversationID, messageID string, pinned bool) *Delta {
	defer m.lockStripe(platformConversationID)()

	info, _ := m.Resolve(platformConversationID, "", false)

	copied, changed := m.messages.Update(info.ConversationID, messageID, func(msg *cache.CachedMessage) bool {
		if msg.IsPinned == pinned {
			return false
		}
		msg.IsPinned = pinned
		return true
	})
	if copied != nil && !changed {
		return &Delta{Conversation: info}
	}

	m.mu.Lock()
	if pinned {
		if !containsID(info.PinnedIDs, messageID) {
			info.PinnedIDs = append(info.PinnedIDs, messageID)
		}
	} else {
		info.PinnedIDs = removeID(info.PinnedIDs, messageID)
	}
	m.mu.Unlock()

	return &Delta{
		Conversation: info,
		PinChange:    &PinChange{MessageID: messageID, Pinned: pinned},
	}
}

func containsID(ids []string, id string) bool {
	for _, have := range ids {
		if have == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	for i, have := range ids {
		if have == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// DeleteMessages reduces a deletion. Ids the cache never held are still
// reported; the platform is the authority on what existed.
func (m *Manager) DeleteMessages(platformConversationID string, messageIDs []string) *Delta {
	defer m.lockStripe(platformConversationID)()

	info, _ := m.Resolve(platformConversationID, "", false)

	for _, id := range messageIDs {
		msg := m.messages.Get(info.ConversationID, id)
		m.messages.Delete(info.ConversationID, id)

		m.mu.Lock()
		info.PinnedIDs = removeID(info.PinnedIDs, id)
		if msg != nil {
			for att := range msg.Attachments {
				delete(info.Attachments, att)
			}
			if msg.ThreadID != "" {
				if th := info.Threads[msg.ThreadID]; th != nil {
					th.MessageIDs = removeID(th.MessageIDs, id)
					if len(th.MessageIDs) == 0 {
						delete(info.Threads, msg.ThreadID)
					}
				}
			}
		}
		m.mu.Unlock()
	}
	if len(messageIDs) == 0 {
		return &Delta{Conversation: info}
	}
	return &Delta{Conversation: info, DeletedMessageIDs: messageIDs}
}

// Migrate re-keys a conversation under a new platform id, carrying its
// cached messages along. The canonical id changes with the platform id.
func (m *Manager) Migrate(oldPlatformID, newPlatformID string) *Delta {
	// both stripes, in index order, so concurrent migrations cannot deadlock
	oldIdx, newIdx := stripeIndex(oldPlatformID), stripeIndex(newPlatformID)
	if oldIdx > newIdx {
		oldIdx, newIdx = newIdx, oldIdx
	}
	m.stripes[oldIdx].Lock()
	defer m.stripes[oldIdx].Unlock()
	if newIdx != oldIdx {
		m.stripes[newIdx].Lock()
		defer m.stripes[newIdx].Unlock()
	}

	m.mu.Lock()
	old, ok := m.byPlatformID[oldPlatformID]
	if !ok {
		m.mu.Unlock()
		info, _ := m.Resolve(newPlatformID, "", false)
		return &Delta{Conversation: info}
	}

	next := &Info{
		ConversationID:         CanonicalID(m.adapterType, newPlatformID),
		PlatformConversationID: newPlatformID,
		Name:                   old.Name,
		ServerID:               old.ServerID,
		IsDirectMessage:        old.IsDirectMessage,
		StartedAt:              old.StartedAt,
		LastActivity:           old.LastActivity,
		KnownMembers:           old.KnownMembers,
		Attachments:            old.Attachments,
		PinnedIDs:              old.PinnedIDs,
		Threads:                old.Threads,
	}
	delete(m.byID, old.ConversationID)
	delete(m.byPlatformID, oldPlatformID)
	m.byID[next.ConversationID] = next
	m.byPlatformID[newPlatformID] = next
	m.mu.Unlock()

	moved := m.messages.Migrate(old.ConversationID, next.ConversationID)
	logger.InfoCF("conversation", "Migrated conversation", map[string]any{
		"old_id": old.ConversationID,
		"new_id": next.ConversationID,
		"moved":  moved,
	})

	return &Delta{
		Conversation: next,
		Migration: &Migration{
			OldConversationID: old.ConversationID,
			NewConversationID: next.ConversationID,
		},
	}
}

// RecordOutgoing caches a message the framework sent through this adapter.
// Used on platforms that do not echo the bot's own sends, so later edits and
// replies can resolve the message.
func (m *Manager) RecordOutgoing(raw *platform.RawMessage) {
	m.AddMessage(raw, cache.OriginFramework)
}

// History returns the cached messages of a conversation in timestamp order.
func (m *Manager) History(conversationID string) []*cache.CachedMessage {
	return m.messages.Snapshot(conversationID)
}

// Messages exposes the shared message cache for read paths that need
// point lookups.
func (m *Manager) Messages() *cache.MessageCache { return m.messages }

// User returns cached user info, or nil.
func (m *Manager) User(userID string) *cache.UserInfo {
	return m.users.Get(userID)
}

func (m *Manager) rememberUser(u platform.RawUser) {
	if u.UserID == "" {
		return
	}
	m.users.Put(&cache.UserInfo{
		UserID:    u.UserID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		IsBot:     u.IsBot,
	})
}
