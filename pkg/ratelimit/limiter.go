// Package ratelimit enforces the three request-per-minute scopes every
// outbound platform call must pass: global, per-conversation, and the
// message class (send/edit). One Limiter exists per process.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/errdefs"
	"github.com/liaisonhq/liaison/pkg/logger"
)

// Operation names the class of platform call being limited.
type Operation string

const (
	OpSendMessage    Operation = "send_message"
	OpEditMessage    Operation = "edit_message"
	OpDeleteMessage  Operation = "delete_message"
	OpAddReaction    Operation = "add_reaction"
	OpRemoveReaction Operation = "remove_reaction"
	OpFetchHistory   Operation = "fetch_history"
	OpPinMessage     Operation = "pin_message"
	OpUnpinMessage   Operation = "unpin_message"
	OpMedia          Operation = "media"
)

// messageClass reports whether op consumes the message bucket.
func messageClass(op Operation) bool {
	return op == OpSendMessage || op == OpEditMessage
}

type convBucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter is the process-wide rate limiter. Waits are FIFO per bucket;
// cancellation returns without consuming tokens from buckets not yet passed.
type Limiter struct {
	global  *rate.Limiter
	message *rate.Limiter

	mu        sync.Mutex
	perConv   map[string]*convBucket
	perConvRL rate.Limit
}

// New builds a Limiter from the rate_limit config section.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		global:    rate.NewLimiter(perMinute(cfg.GlobalRPM), 1),
		message:   rate.NewLimiter(perMinute(cfg.MessageRPM), 1),
		perConv:   make(map[string]*convBucket),
		perConvRL: perMinute(cfg.PerConversationRPM),
	}
}

func perMinute(rpm int) rate.Limit {
	return rate.Limit(float64(rpm) / 60.0)
}

func (l *Limiter) bucketFor(conversationID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.perConv[conversationID]
	if !ok {
		b = &convBucket{limiter: rate.NewLimiter(l.perConvRL, 1)}
		l.perConv[conversationID] = b
	}
	b.lastUsed = time.Now()
	return b.limiter
}

// Wait blocks until every applicable bucket admits the call, then consumes
// one token from each. conversationID may be empty for calls outside any
// conversation. Cancellation aborts the wait, rolls every reservation back,
// and returns ctx.Err(), so an aborted call is not charged against later
// ones.
func (l *Limiter) Wait(ctx context.Context, op Operation, conversationID string) error {
	buckets := []*rate.Limiter{l.global}
	if conversationID != "" {
		buckets = append(buckets, l.bucketFor(conversationID))
	}
	if messageClass(op) {
		buckets = append(buckets, l.message)
	}

	reserved := make([]*rate.Reservation, 0, len(buckets))
	abort := func(err error) error {
		for _, r := range reserved {
			r.Cancel()
		}
		return err
	}
	for _, b := range buckets {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		r := b.Reserve()
		if !r.OK() {
			return abort(errdefs.Transient("rate limiter cannot admit request"))
		}
		reserved = append(reserved, r)
		delay := r.Delay()
		if delay == 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return abort(ctx.Err())
		case <-timer.C:
		}
	}
	return nil
}

// RunMaintenance sweeps idle conversation buckets until ctx is cancelled.
func (l *Limiter) RunMaintenance(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.SweepIdle(idle)
		}
	}
}

// SweepIdle drops per-conversation buckets untouched for longer than idle.
// Buckets are recreated on demand, so dropping one only forgets its debt.
func (l *Limiter) SweepIdle(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, b := range l.perConv {
		if b.lastUsed.Before(cutoff) {
			delete(l.perConv, id)
			removed++
		}
	}
	if removed > 0 {
		logger.DebugCF("ratelimit", "Swept idle conversation buckets", map[string]any{
			"removed": removed,
		})
	}
	return removed
}
