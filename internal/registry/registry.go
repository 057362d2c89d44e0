// Package registry implements the Connection Registry of spec.md §4.B: it
// tracks which identity owns which agent socket, routes inbound frames to
// the Queue waiting on their request-id, and detects a lost session through
// a single registry-wide grace timer.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/brennhill/browser-fleet-adapter/internal/agent"
	"github.com/brennhill/browser-fleet-adapter/internal/queue"
)

// Socket wraps an accepted agent WebSocket connection. websocket.Conn
// permits one concurrent reader and one concurrent writer; writeMu
// serializes the writer side since several goroutines (pipeline attempts,
// cancel_request sends on retry or client disconnect) may send frames
// concurrently.
type Socket struct {
	Identity string

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *Socket) send(ctx context.Context, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

// SendProxyRequest writes a proxy_request frame to the agent.
func (s *Socket) SendProxyRequest(ctx context.Context, p agent.ProxyRequest) error {
	b, err := agent.MarshalProxyRequest(p)
	if err != nil {
		return err
	}
	return s.send(ctx, b)
}

// SendCancelRequest writes a cancel_request frame to the agent.
func (s *Socket) SendCancelRequest(ctx context.Context, requestID string) error {
	b, err := agent.MarshalCancelRequest(requestID)
	if err != nil {
		return err
	}
	return s.send(ctx, b)
}

// SendSetLogLevel writes a set_log_level frame to the agent.
func (s *Socket) SendSetLogLevel(ctx context.Context, level string) error {
	b, err := agent.MarshalSetLogLevel(level)
	if err != nil {
		return err
	}
	return s.send(ctx, b)
}

type queueEntry struct {
	q        *queue.Queue
	identity string
}

// Registry is the Connection Registry. Per spec.md §4.B the grace window is
// a single registry-wide timer, not one per identity, because the current
// deployment drives one active identity's browser at a time (see Switcher).
type Registry struct {
	mu          sync.Mutex
	connections map[string]*Socket          // identity -> socket
	queues      map[string]*queueEntry      // requestId -> queue entry
	graceTimer  *time.Timer
	graceWindow time.Duration

	onConnectionLost   func()
	callbackInProgress bool

	log *slog.Logger
}

// New creates a Registry. onConnectionLost is invoked at most once per lost
// session, never while a call to it is already running or while a socket
// re-registers within the grace window.
func New(graceWindow time.Duration, onConnectionLost func(), log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		connections:      make(map[string]*Socket),
		queues:           make(map[string]*queueEntry),
		graceWindow:      graceWindow,
		onConnectionLost: onConnectionLost,
		log:              log,
	}
}

// OnSocketOpen registers a newly accepted socket for identity. Any running
// grace timer is cancelled. Queues left over from a previous epoch (a dead
// session predating this socket) are closed and dropped — they cannot be
// resumed by a new socket.
func (r *Registry) OnSocketOpen(conn *websocket.Conn, identity string) *Socket {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}

	for id, qe := range r.queues {
		qe.q.Close(queue.ReasonConnectionLost)
		delete(r.queues, id)
	}

	s := &Socket{Identity: identity, conn: conn}
	r.connections[identity] = s
	r.log.Info("registry: socket opened", "identity", identity)
	return s
}

// OnSocketMessage decodes and routes one inbound frame.
func (r *Registry) OnSocketMessage(raw []byte) {
	f, err := agent.ParseInbound(raw)
	if err != nil {
		r.log.Warn("registry: malformed frame", "error", err)
		return
	}
	if f.RequestID == "" {
		r.log.Warn("registry: frame missing request_id", "event_type", f.EventType)
		return
	}

	value, ok := f.ToEnqueued()
	if !ok {
		r.log.Warn("registry: unknown event_type, dropping", "event_type", f.EventType, "request_id", f.RequestID)
		return
	}

	r.mu.Lock()
	qe, found := r.queues[f.RequestID]
	r.mu.Unlock()
	if !found {
		r.log.Debug("registry: no queue for request, dropping", "request_id", f.RequestID)
		return
	}
	qe.q.Enqueue(value)
}

// OnSocketClose drops the socket for identity and arms the grace timer if
// it isn't already running. Elapsing without a reopen closes every
// outstanding queue with connection_lost and fires onConnectionLost once.
func (r *Registry) OnSocketClose(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.connections, identity)

	if r.graceTimer != nil {
		return
	}

	r.graceTimer = time.AfterFunc(r.graceWindow, r.onGraceExpired)
}

func (r *Registry) onGraceExpired() {
	r.mu.Lock()
	r.graceTimer = nil

	for id, qe := range r.queues {
		qe.q.Close(queue.ReasonConnectionLost)
		delete(r.queues, id)
	}

	alreadyRunning := r.callbackInProgress
	if !alreadyRunning {
		r.callbackInProgress = true
	}
	r.mu.Unlock()

	if alreadyRunning || r.onConnectionLost == nil {
		return
	}

	defer func() {
		r.mu.Lock()
		r.callbackInProgress = false
		r.mu.Unlock()
	}()
	r.onConnectionLost()
}

// CreateQueue registers a new Queue under requestID. A prior queue under the
// same id is closed with replaced_on_retry and replaced.
func (r *Registry) CreateQueue(requestID, identity string) *queue.Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.queues[requestID]; ok {
		prior.q.Close(queue.ReasonReplacedOnRetry)
	}

	q := queue.New()
	r.queues[requestID] = &queueEntry{q: q, identity: identity}
	return q
}

// RemoveQueue closes and drops the queue for requestID, if any.
func (r *Registry) RemoveQueue(requestID string, reason queue.CloseReason) {
	r.mu.Lock()
	qe, ok := r.queues[requestID]
	if ok {
		delete(r.queues, requestID)
	}
	r.mu.Unlock()

	if ok {
		qe.q.Close(reason)
	}
}

// Broadcast sends payload as a text frame to every connected socket.
func (r *Registry) Broadcast(ctx context.Context, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("registry: broadcast marshal failed", "error", err)
		return
	}

	r.mu.Lock()
	sockets := make([]*Socket, 0, len(r.connections))
	for _, s := range r.connections {
		sockets = append(sockets, s)
	}
	r.mu.Unlock()

	for _, s := range sockets {
		if err := s.send(ctx, b); err != nil {
			r.log.Debug("registry: broadcast write failed", "identity", s.Identity, "error", err)
		}
	}
}

// GetSocketByIdentity returns the socket currently registered for identity.
func (r *Registry) GetSocketByIdentity(identity string) (*Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.connections[identity]
	return s, ok
}

// IsGraceActive reports whether a lost connection's grace window is
// currently counting down (spec.md §4.E.1 recovery's first check).
func (r *Registry) IsGraceActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graceTimer != nil
}

// GetIdentityByRequest returns the identity a request-id's queue is bound
// to — used by retry/cancellation paths that must cancel on whichever
// identity currently owns the id, not on the Switcher's current pick.
func (r *Registry) GetIdentityByRequest(requestID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	qe, ok := r.queues[requestID]
	if !ok {
		return "", false
	}
	return qe.identity, true
}
