// Package conversation tracks every conversation the adapter has observed
// and reduces raw platform events into deltas: the minimal change the
// framework needs to hear about. Dedup, loopback detection, and the
// history-first requirement all live here.
package conversation

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/liaisonhq/liaison/pkg/cache"
)

// Info is one tracked conversation.
type Info struct {
	// ConversationID is the adapter-generated canonical id, stable across
	// restarts for the same platform conversation.
	ConversationID         string
	PlatformConversationID string
	Name                   string
	// ServerID is the platform's enclosing container (guild), when it has
	// one.
	ServerID        string
	IsDirectMessage bool
	// JustStarted is set when the conversation is first observed and
	// cleared once conversation_started has been emitted.
	JustStarted  bool
	StartedAt    int64
	LastActivity int64
	// KnownMembers is a superset of every sender and mentioned user of the
	// conversation's cached messages.
	KnownMembers map[string]struct{}
	// Attachments is the set of attachment ids observed on cached messages.
	Attachments map[string]struct{}
	// PinnedIDs holds pinned message ids in pin order.
	PinnedIDs []string
	Threads   map[string]*ThreadInfo
}

// ThreadInfo is one thread observed inside a conversation.
type ThreadInfo struct {
	ThreadID      string
	RootMessageID string
	FirstSeenAt   int64
	// MessageIDs holds the thread's member messages in arrival order. The
	// thread entry is dropped when the last member is deleted.
	MessageIDs []string
}

// ReactionChange describes one reaction added or removed.
type ReactionChange struct {
	MessageID string
	Emoji     string
	UserID    string
	UserName  string
	Added     bool
	// ByBot is set when the reacting user is a bot account.
	ByBot bool
}

// PinChange describes one message pinned or unpinned.
type PinChange struct {
	MessageID string
	Pinned    bool
}

// Migration records a platform conversation changing its platform id.
type Migration struct {
	OldConversationID string
	NewConversationID string
}

// Delta is the reduced outcome of one platform event. Exactly one of the
// change fields is populated; Conversation is always set. Empty returns
// from the manager mean the event was a duplicate or a no-op and nothing
// should be emitted.
type Delta struct {
	Conversation *Info

	// FetchHistory signals that conversation_started (with inlined
	// history) must be emitted before the event carrying this delta.
	FetchHistory bool

	NewMessage        *cache.CachedMessage
	UpdatedMessage    *cache.CachedMessage
	UpdatedFields     []string
	ReactionChange    *ReactionChange
	PinChange         *PinChange
	DeletedMessageIDs []string
	MetadataChanged   bool
	Migration         *Migration
}

// Empty reports whether the delta carries no change worth emitting.
func (d *Delta) Empty() bool {
	if d == nil {
		return true
	}
	return d.NewMessage == nil &&
		d.UpdatedMessage == nil &&
		d.ReactionChange == nil &&
		d.PinChange == nil &&
		len(d.DeletedMessageIDs) == 0 &&
		!d.MetadataChanged &&
		d.Migration == nil
}

// CanonicalID derives the adapter-generated conversation id from the
// platform's native id. The id must be deterministic so the framework sees
// the same conversation across adapter restarts: sha256 truncated to 15
// bytes, base64 with '+' and '/' folded to letters, no padding.
func CanonicalID(adapterType, platformConversationID string) string {
	sum := sha256.Sum256([]byte(platformConversationID))
	encoded := base64.StdEncoding.EncodeToString(sum[:15])
	encoded = strings.ReplaceAll(encoded, "+", "A")
	encoded = strings.ReplaceAll(encoded, "/", "B")
	encoded = strings.TrimRight(encoded, "=")
	return adapterType + "_" + encoded
}
