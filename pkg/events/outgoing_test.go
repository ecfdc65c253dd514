package events

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liaisonhq/liaison/pkg/attachments"
	"github.com/liaisonhq/liaison/pkg/cache"
	"github.com/liaisonhq/liaison/pkg/errdefs"
)

func TestSendMessageUnknownConversation(t *testing.T) {
	f := newFixture(t)

	_, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestSendMessage,
		ConversationID: "never-seen",
		Text:           "hello",
	})

	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Empty(t, f.client.sends)
}

func TestSendMessageSingleChunk(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "chan1")

	res, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestSendMessage,
		ConversationID: convID,
		Text:           "hello there",
	})

	require.NoError(t, err)
	require.Len(t, f.client.sends, 1)
	assert.Equal(t, "chan1", f.client.sends[0].conversationID)
	ids := res["message_ids"].([]string)
	assert.Len(t, ids, 1)
}

func TestSendMessageSplitsLongText(t *testing.T) {
	f := newFixture(t)
	f.cfg.Adapter.MaxMessageLength = 20
	convID := f.seedConversation(t, "chan1")

	text := "First sentence here. Second one follows. Third one ends it."
	res, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestSendMessage,
		ConversationID: convID,
		Text:           text,
	})

	require.NoError(t, err)
	require.True(t, len(f.client.sends) > 1)
	for _, call := range f.client.sends {
		assert.LessOrEqual(t, len([]rune(call.text)), 20)
	}
	// chunk order preserves the original text
	var joined []string
	for _, call := range f.client.sends {
		joined = append(joined, call.text)
	}
	assert.Equal(t, strings.Fields(text), strings.Fields(strings.Join(joined, " ")))

	ids := res["message_ids"].([]string)
	assert.Len(t, ids, len(f.client.sends))
}

func TestSendMessageReplyOnFirstChunkFilesOnLast(t *testing.T) {
	f := newFixture(t)
	f.cfg.Adapter.MaxMessageLength = 15
	convID := f.seedConversation(t, "chan1")

	_, err := f.outgoing.Execute(context.Background(), &Request{
		Event:            RequestSendMessage,
		ConversationID:   convID,
		ReplyToMessageID: "seed-chan1",
		Text:             "one two three four five six",
		Attachments: []attachments.InboundFile{
			{Filename: "note.txt", Content: base64.StdEncoding.EncodeToString([]byte("x"))},
		},
	})

	require.NoError(t, err)
	require.True(t, len(f.client.sends) > 1)
	first := f.client.sends[0]
	last := f.client.sends[len(f.client.sends)-1]
	assert.Equal(t, "seed-chan1", first.replyTo)
	assert.Empty(t, last.replyTo)
	assert.Empty(t, first.files)
	assert.Len(t, last.files, 1)
}

func TestSendMessageWriteBackWhenNoEcho(t *testing.T) {
	f := newFixture(t)
	f.client.caps.EchoesOwnMessages = false
	convID := f.seedConversation(t, "chan1")

	res, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestSendMessage,
		ConversationID: convID,
		Text:           "hello",
	})
	require.NoError(t, err)

	ids := res["message_ids"].([]string)
	require.Len(t, ids, 1)
	msg := f.mgr.Messages().Get(convID, ids[0])
	require.NotNil(t, msg)
	assert.Equal(t, cache.OriginFramework, msg.Origin)
}

func TestSendMessageNoWriteBackWhenEcho(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "chan1")

	res, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestSendMessage,
		ConversationID: convID,
		Text:           "hello",
	})
	require.NoError(t, err)

	ids := res["message_ids"].([]string)
	assert.Nil(t, f.mgr.Messages().Get(convID, ids[0]))
}

func TestSendMessageRejectsEmpty(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "chan1")

	_, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestSendMessage,
		ConversationID: convID,
	})

	assert.True(t, errdefs.IsValidation(err))
}

func TestEditMessage(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "chan1")

	_, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestEditMessage,
		ConversationID: convID,
		MessageID:      "seed-chan1",
		Text:           "corrected",
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"seed-chan1"}, f.client.edits)
	msg := f.mgr.Messages().Get(convID, "seed-chan1")
	assert.Equal(t, "corrected", msg.Text)
	assert.True(t, msg.Edited)
}

func TestEditMessageErrors(t *testing.T) {
	f := newFixture(t)
	f.cfg.Adapter.MaxMessageLength = 10
	convID := f.seedConversation(t, "chan1")

	tests := []struct {
		name  string
		req   *Request
		check func(error) bool
	}{
		{
			name: "unknown message",
			req: &Request{
				Event: RequestEditMessage, ConversationID: convID,
				MessageID: "ghost", Text: "x",
			},
			check: errdefs.IsNotFound,
		},
		{
			name: "overlength edit is not split",
			req: &Request{
				Event: RequestEditMessage, ConversationID: convID,
				MessageID: "seed-chan1", Text: strings.Repeat("x", 11),
			},
			check: errdefs.IsValidation,
		},
		{
			name: "attachments on edit",
			req: &Request{
				Event: RequestEditMessage, ConversationID: convID,
				MessageID: "seed-chan1", Text: "x",
				Attachments: []attachments.InboundFile{{Filename: "f", Content: "eA=="}},
			},
			check: errdefs.IsValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.outgoing.Execute(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, tt.check(err))
			assert.Empty(t, f.client.edits)
		})
	}
}

func TestDeleteMessageDropsFromCache(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "chan1")

	_, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestDeleteMessage,
		ConversationID: convID,
		MessageID:      "seed-chan1",
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"seed-chan1"}, f.client.deletes)
	assert.Nil(t, f.mgr.Messages().Get(convID, "seed-chan1"))
}

func TestReactionTranslatesStandardName(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "chan1")

	_, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestAddReaction,
		ConversationID: convID,
		MessageID:      "seed-chan1",
		Emoji:          "thumbs_up",
	})
	require.NoError(t, err)

	_, err = f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestRemoveReaction,
		ConversationID: convID,
		MessageID:      "seed-chan1",
		Emoji:          "thumbs_up",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"+\U0001F44D", "-\U0001F44D"}, f.client.reactions)
}

func TestReactionUnsupportedPlatform(t *testing.T) {
	f := newFixture(t)
	f.client.caps.SupportsReactions = false
	convID := f.seedConversation(t, "chan1")

	_, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestAddReaction,
		ConversationID: convID,
		MessageID:      "seed-chan1",
		Emoji:          "thumbs_up",
	})

	require.Error(t, err)
	assert.True(t, errdefs.IsPermanent(err))
	assert.Empty(t, f.client.reactions)
}

func TestPinUnsupportedPlatform(t *testing.T) {
	f := newFixture(t)
	f.client.caps.SupportsPins = false
	convID := f.seedConversation(t, "chan1")

	_, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestPinMessage,
		ConversationID: convID,
		MessageID:      "seed-chan1",
	})

	require.Error(t, err)
	assert.True(t, errdefs.IsPermanent(err))
	assert.Empty(t, f.client.pins)
}

func TestPinUnknownConversationBeatsCapability(t *testing.T) {
	f := newFixture(t)
	f.client.caps.SupportsPins = false

	// the conversation check comes first, like every other request
	_, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestPinMessage,
		ConversationID: "never-seen",
		MessageID:      "m1",
	})

	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestPinAndUnpin(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "chan1")

	_, err := f.outgoing.Execute(context.Background(), &Request{
		Event: RequestPinMessage, ConversationID: convID, MessageID: "seed-chan1",
	})
	require.NoError(t, err)
	assert.True(t, f.mgr.Messages().Get(convID, "seed-chan1").IsPinned)

	_, err = f.outgoing.Execute(context.Background(), &Request{
		Event: RequestUnpinMessage, ConversationID: convID, MessageID: "seed-chan1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"+seed-chan1", "-seed-chan1"}, f.client.pins)
}

func TestFetchHistoryServedFromCache(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "chan1")
	f.incoming.Handle(context.Background(), newMessageEvent("chan1", "m2", "u1", "second", 2000))
	f.emitter.events = nil
	callsBefore := f.client.historyCalls

	res, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestFetchHistory,
		ConversationID: convID,
		Limit:          2,
		Before:         2500,
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res["message_count"])
	assert.Len(t, res["history"], 2)
	// cache satisfied the request; the platform was not asked again
	assert.Equal(t, callsBefore, f.client.historyCalls)

	require.Equal(t, []string{EventHistoryFetched}, f.emitter.types())
	fetched := f.emitter.events[0].payload.(HistoryFetched)
	require.Len(t, fetched.Messages, 2)
	assert.Equal(t, "seed-chan1", fetched.Messages[0].MessageID)
	assert.Equal(t, "m2", fetched.Messages[1].MessageID)
}

func TestFetchHistoryRejectsBothBoundaries(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "chan1")

	_, err := f.outgoing.Execute(context.Background(), &Request{
		Event:           RequestFetchHistory,
		ConversationID:  convID,
		BeforeMessageID: "a",
		AfterMessageID:  "b",
	})

	assert.True(t, errdefs.IsValidation(err))
}

func TestFetchHistoryRequiresBoundary(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "chan1")

	_, err := f.outgoing.Execute(context.Background(), &Request{
		Event:          RequestFetchHistory,
		ConversationID: convID,
		Limit:          5,
	})

	assert.True(t, errdefs.IsValidation(err))
}

func TestFetchAttachmentFromDiskOnly(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "chan1")

	require.NoError(t, f.store.Store(&cache.CachedAttachment{
		ID: "att1", Type: cache.TypeDocument, Filename: "note.txt",
		Extension: "txt", Size: 5, Processable: true,
	}, []byte("hello")))

	res, err := f.outgoing.Execute(context.Background(), &Request{
		Event:        RequestFetchAttachment,
		AttachmentID: "att1",
	})

	require.NoError(t, err)
	assert.Equal(t, "note.txt", res["file_name"])
	content, err := base64.StdEncoding.DecodeString(res["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)

	_, err = f.outgoing.Execute(context.Background(), &Request{
		Event:        RequestFetchAttachment,
		AttachmentID: "missing",
	})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestUnsupportedRequestType(t *testing.T) {
	f := newFixture(t)

	_, err := f.outgoing.Execute(context.Background(), &Request{Event: "dance"})
	assert.True(t, errdefs.IsValidation(err))
	assert.False(t, f.outgoing.Supported("dance"))
	assert.True(t, f.outgoing.Supported(RequestSendMessage))
}
