package events

import (
	"context"
	"sort"

	"github.com/liaisonhq/liaison/pkg/cache"
	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/conversation"
	"github.com/liaisonhq/liaison/pkg/errdefs"
	"github.com/liaisonhq/liaison/pkg/logger"
	"github.com/liaisonhq/liaison/pkg/platform"
)

// HistoryFetcher resolves conversation history cache-first, paginating
// against the platform only when the cache cannot satisfy the request.
type HistoryFetcher struct {
	cfg    *config.Config
	client platform.Client
	mgr    *conversation.Manager
}

// NewHistoryFetcher builds a history fetcher.
func NewHistoryFetcher(cfg *config.Config, client platform.Client, mgr *conversation.Manager) *HistoryFetcher {
	return &HistoryFetcher{cfg: cfg, client: client, mgr: mgr}
}

// Window bounds a history request. Boundaries are message ids or
// ms-since-epoch timestamps; before and after are mutually exclusive.
type Window struct {
	BeforeID string
	AfterID  string
	Before   int64
	After    int64
}

func (w Window) hasBefore() bool { return w.BeforeID != "" || w.Before > 0 }
func (w Window) hasAfter() bool  { return w.AfterID != "" || w.After > 0 }

// Empty reports an unbounded window.
func (w Window) Empty() bool { return !w.hasBefore() && !w.hasAfter() }

// Fetch returns up to limit messages of the conversation in timestamp
// order, bounded by win.
func (h *HistoryFetcher) Fetch(ctx context.Context, info *conversation.Info, limit int, win Window) ([]*cache.CachedMessage, error) {
	if win.hasBefore() && win.hasAfter() {
		return nil, errdefs.Validation("before and after boundaries are mutually exclusive")
	}
	if limit <= 0 || limit > h.cfg.Adapter.MaxHistoryLimit {
		limit = h.cfg.Adapter.MaxHistoryLimit
	}

	cached := h.mgr.History(info.ConversationID)
	cached = filterBoundary(cached, win)
	if len(cached) >= limit {
		return tail(cached, limit), nil
	}
	if !h.client.Capabilities().SupportsHistoryFetch {
		// the cache is all this platform will ever offer
		return cached, nil
	}

	fetched, err := h.paginate(ctx, info, limit, win)
	if err != nil {
		// cached history still serves the request, degraded
		if len(cached) > 0 {
			logger.WarnCF("events", "Platform history fetch failed, serving cache", map[string]any{
				"conversation_id": info.ConversationID,
				"error":           err.Error(),
			})
			return cached, nil
		}
		return nil, err
	}

	merged := h.merge(info, cached, fetched)
	merged = filterBoundary(merged, win)
	return tail(merged, limit), nil
}

func (h *HistoryFetcher) paginate(ctx context.Context, info *conversation.Info, limit int, win Window) ([]*platform.RawMessage, error) {
	var all []*platform.RawMessage
	beforeCursor := win.BeforeID
	afterCursor := win.AfterID

	for i := 0; i < h.cfg.Adapter.MaxPaginationIterations && len(all) < limit; i++ {
		q := platform.HistoryQuery{
			PlatformConversationID: info.PlatformConversationID,
			Limit:                  limit - len(all),
			BeforeID:               beforeCursor,
			AfterID:                afterCursor,
		}
		if i == 0 {
			// timestamp boundaries only anchor the first page; after that
			// real message ids drive the cursor
			q.Before, q.After = win.Before, win.After
		}
		page, err := h.client.FetchHistory(ctx, q)
		if err != nil {
			return nil, errdefs.WrapTransient(err, "fetching platform history")
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		if win.hasAfter() {
			// forward pagination advances the after cursor instead
			afterCursor = page[len(page)-1].MessageID
			continue
		}
		beforeCursor = oldestID(page)
	}
	return all, nil
}

func oldestID(page []*platform.RawMessage) string {
	oldest := page[0]
	for _, m := range page[1:] {
		if m.Timestamp < oldest.Timestamp {
			oldest = m
		}
	}
	return oldest.MessageID
}

// merge folds platform messages into the cache view, deduplicating by id.
// Fetched messages are cached when configured so repeat requests stay local.
func (h *HistoryFetcher) merge(info *conversation.Info, cached []*cache.CachedMessage, fetched []*platform.RawMessage) []*cache.CachedMessage {
	seen := make(map[string]struct{}, len(cached))
	out := make([]*cache.CachedMessage, 0, len(cached)+len(fetched))
	for _, msg := range cached {
		seen[msg.MessageID] = struct{}{}
		out = append(out, msg)
	}
	for _, raw := range fetched {
		if _, dup := seen[raw.MessageID]; dup {
			continue
		}
		seen[raw.MessageID] = struct{}{}
		if h.cfg.Caching.CacheFetchedHistory {
			h.mgr.AddMessage(raw, cache.OriginPlatform)
		}
		out = append(out, &cache.CachedMessage{
			MessageID:        raw.MessageID,
			ConversationID:   info.ConversationID,
			ThreadID:         raw.ThreadID,
			ReplyToMessageID: raw.ReplyToMessageID,
			SenderID:         raw.Sender.UserID,
			SenderName:       raw.Sender.Username,
			Text:             raw.Text,
			IsDirectMessage:  raw.IsDirectMessage,
			Timestamp:        raw.Timestamp,
			Origin:           cache.OriginPlatform,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// filterBoundary applies the window against message timestamps. An id
// boundary resolves to the named message's timestamp; an id not present in
// the slice leaves it unfiltered.
func filterBoundary(msgs []*cache.CachedMessage, win Window) []*cache.CachedMessage {
	if win.Empty() {
		return msgs
	}
	boundTS := win.Before
	boundID := win.BeforeID
	if win.hasAfter() {
		boundTS = win.After
		boundID = win.AfterID
	}
	if boundID != "" {
		boundTS = -1
		for _, m := range msgs {
			if m.MessageID == boundID {
				boundTS = m.Timestamp
				break
			}
		}
		if boundTS < 0 {
			return msgs
		}
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if win.hasBefore() && m.Timestamp < boundTS {
			out = append(out, m)
		}
		if win.hasAfter() && m.Timestamp > boundTS {
			out = append(out, m)
		}
	}
	return out
}

func tail(msgs []*cache.CachedMessage, limit int) []*cache.CachedMessage {
	if len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}
