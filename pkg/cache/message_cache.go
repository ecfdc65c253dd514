// Package cache holds the three bounded in-memory stores of the adapter
// runtime: messages, users, and attachments. Each store runs a background
// maintenance sweep that evicts by age first, then by capacity, oldest
// entries first.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/logger"
)

// Origin records which side of the bridge authored a message.
type Origin string

const (
	// OriginPlatform marks messages observed on the platform stream.
	OriginPlatform Origin = "platform"
	// OriginFramework marks messages the framework asked the adapter to
	// send. Deltas touching these are never echoed back to the framework.
	OriginFramework Origin = "framework"
)

// CachedMessage is one message as the adapter remembers it.
type CachedMessage struct {
	MessageID        string
	ConversationID   string
	ThreadID         string
	ReplyToMessageID string
	SenderID         string
	SenderName       string
	Text             string
	Mentions         []string
	Attachments      map[string]struct{}
	Reactions        map[string]map[string]struct{} // emoji -> set of user ids
	IsDirectMessage  bool
	IsPinned         bool
	Timestamp        int64 // ms since epoch
	EditTimestamp    int64
	Edited           bool
	Origin           Origin
}

// HasReaction reports whether user reacted to the message with emoji.
func (m *CachedMessage) HasReaction(emoji, userID string) bool {
	users, ok := m.Reactions[emoji]
	if !ok {
		return false
	}
	_, ok = users[userID]
	return ok
}

// AddReaction records a reaction, reporting whether it was new.
func (m *CachedMessage) AddReaction(emoji, userID string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string]map[string]struct{})
	}
	users, ok := m.Reactions[emoji]
	if !ok {
		users = make(map[string]struct{})
		m.Reactions[emoji] = users
	}
	if _, exists := users[userID]; exists {
		return false
	}
	users[userID] = struct{}{}
	return true
}

// RemoveReaction removes a reaction, reporting whether it was present.
func (m *CachedMessage) RemoveReaction(emoji, userID string) bool {
	users, ok := m.Reactions[emoji]
	if !ok {
		return false
	}
	if _, exists := users[userID]; !exists {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(m.Reactions, emoji)
	}
	return true
}

// MessageCache is the bounded message store. Writes are serialized; reads
// return snapshots so callers never observe concurrent mutation.
type MessageCache struct {
	mu       sync.RWMutex
	messages map[string]map[string]*CachedMessage // conversation -> message id -> message

	maxPerConversation int
	maxTotal           int
	maxAge             time.Duration
	interval           time.Duration
}

// NewMessageCache builds a message cache from the caching config section.
func NewMessageCache(cfg config.CachingConfig) *MessageCache {
	return &MessageCache{
		messages:           make(map[string]map[string]*CachedMessage),
		maxPerConversation: cfg.MaxMessagesPerConversation,
		maxTotal:           cfg.MaxTotalMessages,
		maxAge:             time.Duration(cfg.MaxAgeHours) * time.Hour,
		interval:           cfg.MaintenanceInterval,
	}
}

// Get returns the message, or nil when unknown.
func (c *MessageCache) Get(conversationID, messageID string) *CachedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conv, ok := c.messages[conversationID]
	if !ok {
		return nil
	}
	return conv[messageID]
}

// Add inserts msg unless a message with the same id already exists, in which
// case the existing entry is returned and added reports false.
func (c *MessageCache) Add(msg *CachedMessage) (stored *CachedMessage, added bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.messages[msg.ConversationID]
	if !ok {
		conv = make(map[string]*CachedMessage)
		c.messages[msg.ConversationID] = conv
	}
	if existing, ok := conv[msg.MessageID]; ok {
		return existing, false
	}
	if msg.Attachments == nil {
		msg.Attachments = make(map[string]struct{})
	}
	conv[msg.MessageID] = msg
	return msg, true
}

// Update applies fn to a cached message under the write lock, so Snapshot
// copies and point reads never observe a partial mutation. fn reports
// whether it changed anything. The returned message is a copy taken after
// fn ran, safe to hand to other goroutines; nil when the id is unknown.
func (c *MessageCache) Update(conversationID, messageID string, fn func(*CachedMessage) bool) (*CachedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.messages[conversationID]
	if !ok {
		return nil, false
	}
	msg, ok := conv[messageID]
	if !ok {
		return nil, false
	}
	changed := fn(msg)
	copied := *msg
	return &copied, changed
}

// Delete removes a message, reporting whether it existed.
func (c *MessageCache) Delete(conversationID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.messages[conversationID]
	if !ok {
		return false
	}
	if _, ok := conv[messageID]; !ok {
		return false
	}
	delete(conv, messageID)
	if len(conv) == 0 {
		delete(c.messages, conversationID)
	}
	return true
}

// Migrate moves every message of a conversation under a new conversation id.
// Platforms do this when a group is upgraded in place (Telegram supergroups).
func (c *MessageCache) Migrate(oldConversationID, newConversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.messages[oldConversationID]
	if !ok {
		return 0
	}
	dst, ok := c.messages[newConversationID]
	if !ok {
		dst = make(map[string]*CachedMessage)
		c.messages[newConversationID] = dst
	}
	moved := 0
	for id, msg := range old {
		msg.ConversationID = newConversationID
		dst[id] = msg
		moved++
	}
	delete(c.messages, oldConversationID)
	return moved
}

// Snapshot returns the messages of one conversation ordered by timestamp.
func (c *MessageCache) Snapshot(conversationID string) []*CachedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conv := c.messages[conversationID]
	out := make([]*CachedMessage, 0, len(conv))
	for _, msg := range conv {
		copied := *msg
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Total reports the number of cached messages across all conversations.
func (c *MessageCache) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := 0
	for _, conv := range c.messages {
		total += len(conv)
	}
	return total
}

// CountFor reports the number of cached messages in one conversation.
func (c *MessageCache) CountFor(conversationID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages[conversationID])
}

// RunMaintenance sweeps periodically until ctx is cancelled.
func (c *MessageCache) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep applies the age and capacity predicates once.
func (c *MessageCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked()
	for convID := range c.messages {
		c.enforceConversationLimitLocked(convID)
	}
	c.enforceTotalLimitLocked()

	logger.DebugCF("cache", "Message cache maintenance completed", map[string]any{
		"total": c.totalLocked(),
	})
}

func (c *MessageCache) totalLocked() int {
	total := 0
	for _, conv := range c.messages {
		total += len(conv)
	}
	return total
}

func (c *MessageCache) evictExpiredLocked() {
	if c.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-c.maxAge).UnixMilli()
	for convID, conv := range c.messages {
		for id, msg := range conv {
			if msg.Timestamp < cutoff {
				delete(conv, id)
			}
		}
		if len(conv) == 0 {
			delete(c.messages, convID)
		}
	}
}

func (c *MessageCache) enforceConversationLimitLocked(conversationID string) {
	conv := c.messages[conversationID]
	if len(conv) <= c.maxPerConversation {
		return
	}
	ordered := make([]*CachedMessage, 0, len(conv))
	for _, msg := range conv {
		ordered = append(ordered, msg)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Timestamp < ordered[j].Timestamp })
	for _, msg := range ordered[:len(ordered)-c.maxPerConversation] {
		delete(conv, msg.MessageID)
	}
}

func (c *MessageCache) enforceTotalLimitLocked() {
	total := c.totalLocked()
	if total <= c.maxTotal {
		return
	}
	type entry struct {
		convID string
		msg    *CachedMessage
	}
	all := make([]entry, 0, total)
	for convID, conv := range c.messages {
		for _, msg := range conv {
			all = append(all, entry{convID, msg})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].msg.Timestamp < all[j].msg.Timestamp })

	for _, e := range all[:total-c.maxTotal] {
		delete(c.messages[e.convID], e.msg.MessageID)
	}
	for convID, conv := range c.messages {
		if len(conv) == 0 {
			delete(c.messages, convID)
		}
	}
}
