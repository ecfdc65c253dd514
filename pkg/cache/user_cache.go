package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/logger"
)

// UserInfo is one platform user as the adapter remembers them.
type UserInfo struct {
	UserID    string
	Username  string
	FirstName string
	LastName  string
	Email     string
	IsBot     bool
}

// DisplayName derives the best human-readable name available.
func (u *UserInfo) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	}
	if u.Email != "" {
		return u.Email
	}
	return "User " + u.UserID
}

type userEntry struct {
	info     *UserInfo
	lastSeen time.Time
}

// UserCache is a bounded user store with TTL expiry and least-recently-used
// eviction once the capacity is reached.
type UserCache struct {
	mu      sync.Mutex
	users   map[string]*userEntry
	maxSize int
	ttl     time.Duration
}

// NewUserCache builds a user cache from the caching config section.
func NewUserCache(cfg config.CachingConfig) *UserCache {
	return &UserCache{
		users:   make(map[string]*userEntry),
		maxSize: cfg.MaxUsers,
		ttl:     time.Duration(cfg.UserTTLHours) * time.Hour,
	}
}

// Get returns the user and refreshes its recency, or nil when unknown or
// expired.
func (c *UserCache) Get(userID string) *UserInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.users[userID]
	if !ok {
		return nil
	}
	if c.ttl > 0 && time.Since(e.lastSeen) > c.ttl {
		delete(c.users, userID)
		return nil
	}
	e.lastSeen = time.Now()
	return e.info
}

// Put stores or refreshes a user, evicting the least recently used entry
// when the cache is full.
func (c *UserCache) Put(info *UserInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.users[info.UserID]; ok {
		e.info = info
		e.lastSeen = time.Now()
		return
	}
	if c.maxSize > 0 && len(c.users) >= c.maxSize {
		c.evictOldestLocked(len(c.users) - c.maxSize + 1)
	}
	c.users[info.UserID] = &userEntry{info: info, lastSeen: time.Now()}
}

// Len reports the number of cached users.
func (c *UserCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

// RunMaintenance expires stale users periodically until ctx is cancelled.
func (c *UserCache) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
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

// Sweep removes users whose TTL has lapsed.
func (c *UserCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-c.ttl)
	removed := 0
	for id, e := range c.users {
		if e.lastSeen.Before(cutoff) {
			delete(c.users, id)
			removed++
		}
	}
	if removed > 0 {
		logger.DebugCF("cache", "Expired stale users", map[string]any{
			"removed":   removed,
			"remaining": len(c.users),
		})
	}
}

func (c *UserCache) evictOldestLocked(n int) {
	type aged struct {
		id       string
		lastSeen time.Time
	}
	entries := make([]aged, 0, len(c.users))
	for id, e := range c.users {
		entries = append(entries, aged{id, e.lastSeen})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lastSeen.Before(entries[j].lastSeen) })
	if n > len(entries) {
		n = len(entries)
	}
	for _, e := range entries[:n] {
		delete(c.users, e.id)
	}
}
