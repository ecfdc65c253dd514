// Package eventbus exposes the framework-facing socket: a websocket
// endpoint carrying JSON envelopes in both directions. Requests are
// acknowledged immediately, executed strictly in arrival order by a single
// worker, and individually cancellable until the worker picks them up.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/errdefs"
	"github.com/liaisonhq/liaison/pkg/events"
	"github.com/liaisonhq/liaison/pkg/logger"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// requestCancel is the one inbound frame that is not a bot_response.
const requestCancel = "cancel_request"

type cancelPayload struct {
	RequestID string `json:"request_id"`
}

// botResponse is the body of an inbound bot_response envelope.
type botResponse struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// botRequest wraps every adapter emission except the request lifecycle
// acknowledgements, which the framework correlates by request_id alone.
type botRequest struct {
	AdapterType string `json:"adapter_type"`
	AdapterName string `json:"adapter_name"`
	AdapterID   string `json:"adapter_id,omitempty"`
	EventType   string `json:"event_type"`
	Data        any    `json:"data"`
}

func lifecycleEvent(eventType string) bool {
	switch eventType {
	case events.EventRequestQueued, events.EventRequestSuccess, events.EventRequestFailed:
		return true
	}
	return false
}

type pending struct {
	id  string
	req *events.Request
}

// Executor runs one framework request. The outgoing processor implements it.
type Executor interface {
	Supported(event string) bool
	Execute(ctx context.Context, req *events.Request) (events.Result, error)
}

// Bus is the websocket server plus its request worker. It implements
// events.Emitter for the incoming pipeline.
type Bus struct {
	cfg      *config.Config
	executor Executor

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	reqMu    sync.Mutex
	requests map[string]*pending
	queue    chan string

	workerCtx    context.Context
	workerCancel context.CancelFunc
	workerDone   chan struct{}
}

// queueDepth bounds how many requests may wait for the worker.
const queueDepth = 256

// New builds the bus over the configured listen address.
func New(cfg *config.Config, executor Executor) *Bus {
	b := &Bus{
		cfg:      cfg,
		executor: executor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		requests:   make(map[string]*pending),
		queue:      make(chan string, queueDepth),
		workerDone: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/socket", b.handleUpgrade)
	b.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Socket.Host, cfg.Socket.Port),
		Handler: mux,
	}
	return b
}

// Start binds the listener and launches the worker. It returns once the
// socket is accepting connections.
func (b *Bus) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.server.Addr)
	if err != nil {
		return errdefs.WrapFatal(err, "binding event socket")
	}
	b.listener = ln
	b.workerCtx, b.workerCancel = context.WithCancel(context.Background())
	go b.worker()
	go func() {
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("eventbus", "Socket server stopped", map[string]any{
				"error": err.Error(),
			})
		}
	}()

	logger.InfoCF("eventbus", "Event socket listening", map[string]any{
		"addr": b.server.Addr,
	})
	return nil
}

// Addr reports the bound socket address, useful when the configured port
// is 0.
func (b *Bus) Addr() string {
	if b.listener == nil {
		return b.server.Addr
	}
	return b.listener.Addr().String()
}

// Stop drains the queue, failing every request still waiting, then shuts
// the server down.
func (b *Bus) Stop(ctx context.Context) error {
	b.workerCancel()
	select {
	case <-b.workerDone:
	case <-ctx.Done():
	}
	b.drain()

	if err := b.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutting down event socket")
	}
	return nil
}

func (b *Bus) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("eventbus", "Websocket upgrade failed", map[string]any{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	b.connMu.Lock()
	if b.conn != nil {
		// one framework connection at a time; newest wins
		b.conn.Close()
	}
	b.conn = conn
	b.connMu.Unlock()

	logger.InfoCF("eventbus", "Framework connected", map[string]any{
		"remote": conn.RemoteAddr().String(),
	})
	b.Emit(events.EventConnect, map[string]any{
		"adapter_type": b.cfg.Adapter.AdapterType,
		"adapter_name": b.cfg.Adapter.AdapterName,
		"adapter_id":   b.cfg.Adapter.AdapterID,
	})

	b.readLoop(conn)
}

func (b *Bus) readLoop(conn *websocket.Conn) {
	defer func() {
		b.connMu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.connMu.Unlock()
		conn.Close()
		logger.InfoCF("eventbus", "Framework disconnected", map[string]any{
			"remote": conn.RemoteAddr().String(),
		})
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.WarnCF("eventbus", "Dropping malformed frame", map[string]any{
				"error": err.Error(),
			})
			continue
		}
		b.dispatch(&env)
	}
}

func (b *Bus) dispatch(env *Envelope) {
	switch env.Event {
	case requestCancel:
		var payload cancelPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.RequestID == "" {
			logger.WarnCF("eventbus", "Dropping malformed cancel", nil)
			return
		}
		b.Cancel(payload.RequestID)
		return
	case events.EventBotResponse:
	default:
		logger.WarnCF("eventbus", "Dropping unknown envelope", map[string]any{
			"event": env.Event,
		})
		return
	}

	var body botResponse
	if err := json.Unmarshal(env.Data, &body); err != nil || body.EventType == "" {
		logger.WarnCF("eventbus", "Dropping malformed bot_response", nil)
		return
	}

	if !b.executor.Supported(body.EventType) {
		logger.WarnCF("eventbus", "Rejecting unsupported request", map[string]any{
			"event_type": body.EventType,
		})
		b.Emit(events.EventRequestFailed, map[string]any{
			"adapter_type": b.cfg.Adapter.AdapterType,
			"event_type":   body.EventType,
			"error":        fmt.Sprintf("unsupported request type %q", body.EventType),
		})
		return
	}

	req := &events.Request{}
	if len(body.Data) > 0 {
		if err := json.Unmarshal(body.Data, req); err != nil {
			b.Emit(events.EventRequestFailed, map[string]any{
				"adapter_type": b.cfg.Adapter.AdapterType,
				"event_type":   body.EventType,
				"error":        "malformed request payload",
			})
			return
		}
	}
	req.Event = body.EventType

	b.Enqueue(req)
}

// Enqueue accepts a request, acknowledges it, and queues it for the worker.
// The returned id is what a later cancel must reference.
func (b *Bus) Enqueue(req *events.Request) string {
	id := uuid.NewString()

	b.reqMu.Lock()
	b.requests[id] = &pending{id: id, req: req}
	b.reqMu.Unlock()

	select {
	case b.queue <- id:
	default:
		b.reqMu.Lock()
		delete(b.requests, id)
		b.reqMu.Unlock()
		b.Emit(events.EventRequestFailed, map[string]any{
			"adapter_type": b.cfg.Adapter.AdapterType,
			"request_id":   id,
			"event_type":   req.Event,
			"error":        "request queue full",
		})
		return id
	}

	b.Emit(events.EventRequestQueued, map[string]any{
		"adapter_type": b.cfg.Adapter.AdapterType,
		"request_id":   id,
		"event_type":   req.Event,
	})
	return id
}

// Cancel withdraws a queued request: the cancel succeeds and the request
// never runs. Requests already picked up by the worker are past cancelling
// and run to completion.
func (b *Bus) Cancel(requestID string) bool {
	b.reqMu.Lock()
	_, ok := b.requests[requestID]
	if ok {
		delete(b.requests, requestID)
	}
	b.reqMu.Unlock()

	if ok {
		logger.InfoCF("eventbus", "Request cancelled", map[string]any{
			"request_id": requestID,
		})
		b.Emit(events.EventRequestSuccess, map[string]any{
			"adapter_type": b.cfg.Adapter.AdapterType,
			"request_id":   requestID,
			"data":         map[string]any{"cancelled": true},
		})
	} else {
		b.Emit(events.EventRequestFailed, map[string]any{
			"adapter_type": b.cfg.Adapter.AdapterType,
			"request_id":   requestID,
			"error":        "request not found or already processed",
		})
	}
	return ok
}

// worker executes queued requests one at a time, in arrival order. Ids no
// longer present in the request map were cancelled and are skipped.
func (b *Bus) worker() {
	defer close(b.workerDone)

	for {
		select {
		case <-b.workerCtx.Done():
			return
		case id := <-b.queue:
			b.reqMu.Lock()
			p, ok := b.requests[id]
			if ok {
				delete(b.requests, id)
			}
			b.reqMu.Unlock()
			if !ok {
				continue
			}
			b.execute(p)
		}
	}
}

func (b *Bus) execute(p *pending) {
	start := time.Now()
	result, err := b.executor.Execute(b.workerCtx, p.req)
	if err != nil {
		logger.WarnCF("eventbus", "Request failed", map[string]any{
			"request_id": p.id,
			"event_type": p.req.Event,
			"error":      err.Error(),
		})
		b.Emit(events.EventRequestFailed, map[string]any{
			"adapter_type": b.cfg.Adapter.AdapterType,
			"request_id":   p.id,
			"event_type":   p.req.Event,
			"error":        err.Error(),
		})
		return
	}

	logger.DebugCF("eventbus", "Request completed", map[string]any{
		"request_id": p.id,
		"event_type": p.req.Event,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	b.Emit(events.EventRequestSuccess, map[string]any{
		"adapter_type": b.cfg.Adapter.AdapterType,
		"request_id":   p.id,
		"event_type":   p.req.Event,
		"data":         result,
	})
}

// drain fails every request still queued. Runs after the worker has
// stopped, during shutdown.
func (b *Bus) drain() {
	b.reqMu.Lock()
	remaining := make([]*pending, 0, len(b.requests))
	for _, p := range b.requests {
		remaining = append(remaining, p)
	}
	b.requests = make(map[string]*pending)
	b.reqMu.Unlock()

	for _, p := range remaining {
		b.Emit(events.EventRequestFailed, map[string]any{
			"adapter_type": b.cfg.Adapter.AdapterType,
			"request_id":   p.id,
			"event_type":   p.req.Event,
			"error":        "not processed due to adapter stopping",
		})
	}
	if len(remaining) > 0 {
		logger.InfoCF("eventbus", "Drained unprocessed requests", map[string]any{
			"count": len(remaining),
		})
	}
}

// Emit sends one emission to the connected framework. Emissions while no
// framework is connected are dropped; the socket carries live traffic, not
// a replay log.
func (b *Bus) Emit(eventType string, payload any) {
	b.connMu.Lock()
	conn := b.conn
	b.connMu.Unlock()
	if conn == nil {
		logger.DebugCF("eventbus", "Dropping emission, no framework connected", map[string]any{
			"event_type": eventType,
		})
		return
	}

	// lifecycle acknowledgements are bare envelopes; everything else rides
	// inside a bot_request carrying the adapter identity
	event := eventType
	body := payload
	if !lifecycleEvent(eventType) {
		event = events.EventBotRequest
		body = botRequest{
			AdapterType: b.cfg.Adapter.AdapterType,
			AdapterName: b.cfg.Adapter.AdapterName,
			AdapterID:   b.cfg.Adapter.AdapterID,
			EventType:   eventType,
			Data:        payload,
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		logger.ErrorCF("eventbus", "Failed to encode emission", map[string]any{
			"event_type": eventType,
			"error":      err.Error(),
		})
		return
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		logger.WarnCF("eventbus", "Failed to write emission", map[string]any{
			"event_type": eventType,
			"error":      err.Error(),
		})
	}
}
