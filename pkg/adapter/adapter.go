// Package adapter assembles the runtime and owns its lifecycle: build,
// start, supervise the platform connection, and stop in reverse order.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/liaisonhq/liaison/pkg/attachments"
	"github.com/liaisonhq/liaison/pkg/cache"
	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/conversation"
	"github.com/liaisonhq/liaison/pkg/emoji"
	"github.com/liaisonhq/liaison/pkg/errdefs"
	"github.com/liaisonhq/liaison/pkg/eventbus"
	"github.com/liaisonhq/liaison/pkg/events"
	"github.com/liaisonhq/liaison/pkg/logger"
	"github.com/liaisonhq/liaison/pkg/platform"
	"github.com/liaisonhq/liaison/pkg/ratelimit"
)

// stopTimeout bounds how long shutdown may take end to end.
const stopTimeout = 15 * time.Second

// Adapter is one running bridge instance.
type Adapter struct {
	cfg    *config.Config
	client platform.Client
	bus    *eventbus.Bus

	messages    *cache.MessageCache
	users       *cache.UserCache
	attachStore *cache.AttachmentCache
	limiter     *ratelimit.Limiter
	mgr         *conversation.Manager
	incoming    *events.IncomingProcessor

	loopCancel context.CancelFunc
	wg         sync.WaitGroup
	fatal      chan error
}

// New builds the full runtime from configuration. The attachment store is
// rehydrated here so cached attachments survive restarts.
func New(cfg *config.Config) (*Adapter, error) {
	client, err := platform.New(cfg)
	if err != nil {
		return nil, err
	}

	messageCache := cache.NewMessageCache(cfg.Caching)
	userCache := cache.NewUserCache(cfg.Caching)
	attachStore, err := cache.NewAttachmentCache(cfg.Attachments)
	if err != nil {
		return nil, errdefs.WrapFatal(err, "initializing attachment store")
	}
	if _, err := attachStore.Rehydrate(); err != nil {
		logger.WarnCF("adapter", "Attachment rehydration incomplete", map[string]any{
			"error": err.Error(),
		})
	}

	conv, err := emoji.NewConverter(cfg.Adapter.EmojiMappings)
	if err != nil {
		return nil, errdefs.WrapFatal(err, "loading emoji mappings")
	}

	mgr := conversation.NewManager(cfg, messageCache, userCache)
	downloader := attachments.NewDownloader(client, attachStore, cfg.MaxFileSizeBytes())
	history := events.NewHistoryFetcher(cfg, client, mgr)
	builder := events.NewBuilder(cfg, mgr, attachStore)
	limiter := ratelimit.New(cfg.RateLimit)

	a := &Adapter{
		cfg:         cfg,
		client:      client,
		messages:    messageCache,
		users:       userCache,
		attachStore: attachStore,
		limiter:     limiter,
		mgr:         mgr,
		fatal:       make(chan error, 1),
	}

	outgoing := events.NewOutgoingProcessor(cfg, client, mgr, limiter, downloader, history, conv, builder, nil)
	a.bus = eventbus.New(cfg, outgoing)
	// the bus is both the executor's emitter and the incoming sink
	outgoing.SetEmitter(a.bus)
	a.incoming = events.NewIncomingProcessor(cfg, client, mgr, downloader, history, conv, builder, a.bus)

	return a, nil
}

// Start brings the runtime up: socket first so the framework can connect,
// then the platform session, then the background loops.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.bus.Start(ctx); err != nil {
		return err
	}
	if err := a.connectWithRetry(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.loopCancel = cancel

	a.spawn(func() { a.incoming.Run(loopCtx) })
	a.spawn(func() { a.messages.RunMaintenance(loopCtx) })
	a.spawn(func() { a.users.RunMaintenance(loopCtx, a.cfg.Caching.MaintenanceInterval) })
	a.spawn(func() { a.attachStore.RunMaintenance(loopCtx) })
	a.spawn(func() {
		// conversation buckets age out with the message cache
		idle := time.Duration(a.cfg.Caching.MaxAgeHours) * time.Hour
		a.limiter.RunMaintenance(loopCtx, a.cfg.Caching.MaintenanceInterval, idle)
	})
	a.spawn(func() { a.monitorConnection(loopCtx) })

	logger.InfoCF("adapter", "Adapter started", map[string]any{
		"adapter_type": a.cfg.Adapter.AdapterType,
		"socket":       a.bus.Addr(),
	})
	return nil
}

func (a *Adapter) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *Adapter) connectWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= a.cfg.Adapter.MaxReconnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.Adapter.RetryDelay):
			}
		}
		if lastErr = a.client.Connect(ctx); lastErr == nil {
			return nil
		}
		logger.WarnCF("adapter", "Platform connect failed", map[string]any{
			"attempt": attempt + 1,
			"error":   lastErr.Error(),
		})
	}
	return errdefs.WrapFatal(lastErr, "platform connection failed permanently")
}

// monitorConnection watches platform health and reconnects. Exhausting the
// reconnect budget is fatal for the process.
func (a *Adapter) monitorConnection(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Adapter.ConnectionCheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if a.client.IsAlive() {
			failures = 0
			// heartbeat for the framework while the platform session holds
			a.bus.Emit(events.EventConnect, map[string]any{
				"adapter_type": a.cfg.Adapter.AdapterType,
				"adapter_name": a.cfg.Adapter.AdapterName,
				"adapter_id":   a.cfg.Adapter.AdapterID,
			})
			continue
		}

		failures++
		logger.WarnCF("adapter", "Platform connection unhealthy, reconnecting", map[string]any{
			"attempt": failures,
			"max":     a.cfg.Adapter.MaxReconnectAttempts,
		})
		if err := a.client.Connect(ctx); err == nil && a.client.IsAlive() {
			logger.InfoCF("adapter", "Platform reconnected", map[string]any{
				"after_attempts": failures,
			})
			a.bus.Emit(events.EventConnect, map[string]any{
				"adapter_type": a.cfg.Adapter.AdapterType,
				"adapter_name": a.cfg.Adapter.AdapterName,
				"adapter_id":   a.cfg.Adapter.AdapterID,
			})
			failures = 0
			continue
		}
		if failures >= a.cfg.Adapter.MaxReconnectAttempts {
			a.bus.Emit(events.EventDisconnect, map[string]any{
				"adapter_type": a.cfg.Adapter.AdapterType,
				"reason":       "platform connection lost",
			})
			select {
			case a.fatal <- errdefs.Fatal("platform unreachable after %d reconnect attempts", failures):
			default:
			}
			return
		}
	}
}

// Stop tears the runtime down in reverse start order: background loops,
// platform session, then the socket with its queue drain.
func (a *Adapter) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if a.loopCancel != nil {
		a.loopCancel()
	}
	if err := a.client.Disconnect(ctx); err != nil {
		logger.WarnCF("adapter", "Platform disconnect failed", map[string]any{
			"error": err.Error(),
		})
	}
	a.wg.Wait()

	if err := a.bus.Stop(ctx); err != nil {
		return err
	}
	logger.InfoCF("adapter", "Adapter stopped", nil)
	return nil
}

// Run starts the adapter and blocks until ctx is cancelled or a fatal
// condition surfaces, then stops it.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-a.fatal:
		logger.ErrorCF("adapter", "Fatal condition, shutting down", map[string]any{
			"error": runErr.Error(),
		})
	}
	if err := a.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
