package conversation

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liaisonhq/liaison/pkg/cache"
	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/platform"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Adapter.AdapterType = "discord"
	return NewManager(cfg, cache.NewMessageCache(cfg.Caching), cache.NewUserCache(cfg.Caching))
}

func rawMsg(conv, id, text string) *platform.RawMessage {
	return &platform.RawMessage{
		MessageID:              id,
		PlatformConversationID: conv,
		ConversationName:       "general",
		Sender:                 platform.RawUser{UserID: "u1", Username: "alice"},
		Text:                   text,
		Timestamp:              time.Now().UnixMilli(),
	}
}

func TestCanonicalID(t *testing.T) {
	id := CanonicalID("discord", "123456789")

	assert.True(t, strings.HasPrefix(id, "discord_"))
	suffix := strings.TrimPrefix(id, "discord_")
	assert.Len(t, suffix, 20)
	assert.NotContains(t, suffix, "+")
	assert.NotContains(t, suffix, "/")
	assert.NotContains(t, suffix, "=")

	// deterministic across calls, distinct across inputs
	assert.Equal(t, id, CanonicalID("discord", "123456789"))
	assert.NotEqual(t, id, CanonicalID("discord", "987654321"))
	assert.NotEqual(t, id, CanonicalID("telegram", "123456789"))
}

func TestAddMessageFirstSightStartsConversation(t *testing.T) {
	m := newTestManager(t)

	delta := m.AddMessage(rawMsg("chan1", "m1", "hi"), cache.OriginPlatform)

	require.NotNil(t, delta.NewMessage)
	assert.True(t, delta.FetchHistory)
	assert.True(t, delta.Conversation.JustStarted)
	assert.Equal(t, "general", delta.Conversation.Name)

	m.ClearJustStarted(delta.Conversation.ConversationID)

	delta2 := m.AddMessage(rawMsg("chan1", "m2", "again"), cache.OriginPlatform)
	assert.False(t, delta2.FetchHistory)
	assert.False(t, delta2.Conversation.JustStarted)
}

func TestAddMessageDuplicateIsSilent(t *testing.T) {
	m := newTestManager(t)

	first := m.AddMessage(rawMsg("chan1", "m1", "hi"), cache.OriginPlatform)
	require.False(t, first.Empty())

	dup := m.AddMessage(rawMsg("chan1", "m1", "hi"), cache.OriginPlatform)
	assert.True(t, dup.Empty())
}

func TestAddMessageNameChangeFlagsMetadata(t *testing.T) {
	m := newTestManager(t)
	m.AddMessage(rawMsg("chan1", "m1", "hi"), cache.OriginPlatform)

	renamed := rawMsg("chan1", "m2", "hi again")
	renamed.ConversationName = "renamed"
	delta := m.AddMessage(renamed, cache.OriginPlatform)

	assert.True(t, delta.MetadataChanged)
	assert.Equal(t, "renamed", delta.Conversation.Name)
}

func TestUpdateMessageDiffsText(t *testing.T) {
	m := newTestManager(t)
	m.AddMessage(rawMsg("chan1", "m1", "original"), cache.OriginPlatform)

	edited := rawMsg("chan1", "m1", "edited")
	delta := m.UpdateMessage(edited)

	require.NotNil(t, delta.UpdatedMessage)
	assert.Equal(t, []string{"text"}, delta.UpdatedFields)
	assert.Equal(t, "edited", delta.UpdatedMessage.Text)
	assert.True(t, delta.UpdatedMessage.Edited)

	// same text again is a no-op
	same := m.UpdateMessage(rawMsg("chan1", "m1", "edited"))
	assert.True(t, same.Empty())
}

func TestUpdateUnknownMessageBecomesNew(t *testing.T) {
	m := newTestManager(t)

	delta := m.UpdateMessage(rawMsg("chan1", "m9", "never seen"))

	assert.Nil(t, delta.UpdatedMessage)
	require.NotNil(t, delta.NewMessage)
	assert.Equal(t, "m9", delta.NewMessage.MessageID)
}

func TestApplyReactionDedup(t *testing.T) {
	m := newTestManager(t)
	m.AddMessage(rawMsg("chan1", "m1", "hi"), cache.OriginPlatform)
	actor := platform.RawUser{UserID: "u2", Username: "bob"}

	add := m.ApplyReaction("chan1", "m1", "\U0001F44D", actor, true)
	require.NotNil(t, add.ReactionChange)
	assert.True(t, add.ReactionChange.Added)

	dup := m.ApplyReaction("chan1", "m1", "\U0001F44D", actor, true)
	assert.True(t, dup.Empty())

	remove := m.ApplyReaction("chan1", "m1", "\U0001F44D", actor, false)
	require.NotNil(t, remove.ReactionChange)
	assert.False(t, remove.ReactionChange.Added)

	gone := m.ApplyReaction("chan1", "m1", "\U0001F44D", actor, false)
	assert.True(t, gone.Empty())
}

func TestApplyPinDedup(t *testing.T) {
	m := newTestManager(t)
	m.AddMessage(rawMsg("chan1", "m1", "hi"), cache.OriginPlatform)

	pin := m.ApplyPin("chan1", "m1", true)
	require.NotNil(t, pin.PinChange)
	assert.True(t, pin.PinChange.Pinned)

	again := m.ApplyPin("chan1", "m1", true)
	assert.True(t, again.Empty())

	unpin := m.ApplyPin("chan1", "m1", false)
	require.NotNil(t, unpin.PinChange)
	assert.False(t, unpin.PinChange.Pinned)
}

func TestDeleteMessagesTolerant(t *testing.T) {
	m := newTestManager(t)
	m.AddMessage(rawMsg("chan1", "m1", "hi"), cache.OriginPlatform)

	delta := m.DeleteMessages("chan1", []string{"m1", "never-cached"})

	assert.Equal(t, []string{"m1", "never-cached"}, delta.DeletedMessageIDs)
	assert.Nil(t, m.Messages().Get(delta.Conversation.ConversationID, "m1"))
}

func TestMigrateCarriesMessages(t *testing.T) {
	m := newTestManager(t)
	first := m.AddMessage(rawMsg("group1", "m1", "hi"), cache.OriginPlatform)
	oldID := first.Conversation.ConversationID

	delta := m.Migrate("group1", "supergroup1")

	require.NotNil(t, delta.Migration)
	assert.Equal(t, oldID, delta.Migration.OldConversationID)
	assert.NotEqual(t, oldID, delta.Migration.NewConversationID)

	assert.Nil(t, m.Get(oldID))
	assert.Nil(t, m.GetByPlatformID("group1"))
	require.NotNil(t, m.GetByPlatformID("supergroup1"))

	history := m.History(delta.Migration.NewConversationID)
	require.Len(t, history, 1)
	assert.Equal(t, "m1", history[0].MessageID)

	// bookkeeping travels with the conversation
	next := m.GetByPlatformID("supergroup1")
	assert.Contains(t, next.KnownMembers, "u1")
	assert.Equal(t, first.Conversation.LastActivity, next.LastActivity)
}

func TestRecordOutgoingCachesFrameworkOrigin(t *testing.T) {
	m := newTestManager(t)

	m.RecordOutgoing(rawMsg("chan1", "sent1", "bot says hi"))

	info := m.GetByPlatformID("chan1")
	require.NotNil(t, info)
	msg := m.Messages().Get(info.ConversationID, "sent1")
	require.NotNil(t, msg)
	assert.Equal(t, cache.OriginFramework, msg.Origin)

	// the platform echoing the send back stays silent
	echo := m.AddMessage(rawMsg("chan1", "sent1", "bot says hi"), cache.OriginPlatform)
	assert.True(t, echo.Empty())
	assert.Equal(t, cache.OriginFramework, m.Messages().Get(info.ConversationID, "sent1").Origin)
}

func TestConcurrentEditAndHistory(t *testing.T) {
	m := newTestManager(t)
	first := m.AddMessage(rawMsg("chan1", "m1", "v0"), cache.OriginPlatform)
	convID := first.Conversation.ConversationID

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			edit := rawMsg("chan1", "m1", fmt.Sprintf("v%d", i))
			m.UpdateMessage(edit)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			for _, msg := range m.History(convID) {
				_ = msg.Text
			}
		}
	}()
	wg.Wait()

	got := m.Messages().Get(convID, "m1")
	require.NotNil(t, got)
	assert.True(t, strings.HasPrefix(got.Text, "v"))
}

func TestAddMessageTracksConversationState(t *testing.T) {
	m := newTestManager(t)

	first := rawMsg("chan1", "m1", "hi")
	first.ServerID = "guild1"
	first.Timestamp = 1000
	first.MentionedUsers = []platform.RawUser{{UserID: "u2", Username: "bob"}}
	first.Attachments = []platform.AttachmentRef{{AttachmentID: "att1"}}
	m.AddMessage(first, cache.OriginPlatform)

	second := rawMsg("chan1", "m2", "hello")
	second.Sender = platform.RawUser{UserID: "u3", Username: "carol"}
	second.Timestamp = 2000
	m.AddMessage(second, cache.OriginPlatform)

	info := m.GetByPlatformID("chan1")
	require.NotNil(t, info)
	assert.Equal(t, "guild1", info.ServerID)
	assert.Equal(t, int64(2000), info.LastActivity)
	assert.Contains(t, info.KnownMembers, "u1")
	assert.Contains(t, info.KnownMembers, "u2")
	assert.Contains(t, info.KnownMembers, "u3")
	assert.Contains(t, info.Attachments, "att1")

	// every sender of a cached message is a known member
	for _, msg := range m.History(info.ConversationID) {
		assert.Contains(t, info.KnownMembers, msg.SenderID)
	}
}

func TestThreadMembershipPrunedOnDelete(t *testing.T) {
	m := newTestManager(t)

	root := rawMsg("chan1", "t1", "thread root")
	root.ThreadID = "thread1"
	m.AddMessage(root, cache.OriginPlatform)
	reply := rawMsg("chan1", "t2", "thread reply")
	reply.ThreadID = "thread1"
	m.AddMessage(reply, cache.OriginPlatform)

	info := m.GetByPlatformID("chan1")
	require.NotNil(t, info.Threads["thread1"])
	assert.Equal(t, []string{"t1", "t2"}, info.Threads["thread1"].MessageIDs)

	m.DeleteMessages("chan1", []string{"t1"})
	require.NotNil(t, info.Threads["thread1"])
	assert.Equal(t, []string{"t2"}, info.Threads["thread1"].MessageIDs)

	// the thread disappears with its last message
	m.DeleteMessages("chan1", []string{"t2"})
	assert.Nil(t, info.Threads["thread1"])
}

func TestPinnedIDsKeepPinOrder(t *testing.T) {
	m := newTestManager(t)
	m.AddMessage(rawMsg("chan1", "m1", "one"), cache.OriginPlatform)
	m.AddMessage(rawMsg("chan1", "m2", "two"), cache.OriginPlatform)

	m.ApplyPin("chan1", "m2", true)
	m.ApplyPin("chan1", "m1", true)

	info := m.GetByPlatformID("chan1")
	assert.Equal(t, []string{"m2", "m1"}, info.PinnedIDs)

	m.ApplyPin("chan1", "m2", false)
	assert.Equal(t, []string{"m1"}, info.PinnedIDs)

	// deleting a pinned message drops its pin
	m.DeleteMessages("chan1", []string{"m1"})
	assert.Empty(t, info.PinnedIDs)
}

func TestRememberUser(t *testing.T) {
	m := newTestManager(t)
	raw := rawMsg("chan1", "m1", "hi")
	raw.Sender = platform.RawUser{UserID: "u7", FirstName: "Grace", LastName: "Hopper"}

	m.AddMessage(raw, cache.OriginPlatform)

	user := m.User("u7")
	require.NotNil(t, user)
	assert.Equal(t, "Grace Hopper", user.DisplayName())
}
