// Package relay routes presence and direct-message events between websocket
// connections.
//
// All routing state lives in a Hub and is touched only by the goroutine
// running Hub.Run, so joins, leaves and routed events are applied in the
// order they arrive.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/puyokura/cmpprelay/auth"
	"github.com/puyokura/cmpprelay/model"
	"github.com/puyokura/cmpprelay/presence"
)

// ErrStopped is returned by hub calls made after Run has returned.
var ErrStopped = errors.New("relay: hub stopped")

// Options configures a Hub. Zero values select the defaults.
type Options struct {
	SendBuffer  int
	TypingRate  float64 // typing frames per second per connection, 0 disables the limit
	TypingBurst int

	// Banned reports identities refused at join. May be nil.
	Banned func(identity string) bool

	// Verifier enforces connection credentials when non-nil; the joined
	// identity must then equal the token subject.
	Verifier auth.Verifier

	// Origins are host patterns (path.Match syntax) accepted on upgrade.
	// Empty accepts any origin.
	Origins []string

	Metrics *Metrics
	Logger  *slog.Logger
}

type inbound struct {
	conn  *Conn
	event model.Event
}

// Hub maintains the set of active connections and routes events between them.
type Hub struct {
	registry *presence.Registry
	conns    map[presence.Handle]*Conn

	register   chan *Conn
	unregister chan *Conn
	inbound    chan inbound
	calls      chan func()
	done       chan struct{}

	opts        Options
	typingRate  rate.Limit
	typingBurst int
	upgrader    websocket.Upgrader
	metrics     *Metrics
	log         *slog.Logger
	now         func() time.Time
}

// NewHub creates a hub. Call Run to start processing.
func NewHub(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.TypingBurst <= 0 {
		opts.TypingBurst = 5
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Hub{
		registry:    presence.NewRegistry(),
		conns:       make(map[presence.Handle]*Conn),
		register:    make(chan *Conn),
		unregister:  make(chan *Conn),
		inbound:     make(chan inbound, 256),
		calls:       make(chan func()),
		done:        make(chan struct{}),
		opts:        opts,
		typingRate:  limitFor(opts.TypingRate),
		typingBurst: opts.TypingBurst,
		metrics:     opts.Metrics,
		log:         opts.Logger.With("component", "relay"),
		now:         time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.Origins),
	}
	return h
}

func limitFor(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// Run processes hub turns until ctx is cancelled. On return every
// connection's send channel is closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for handle, c := range h.conns {
				delete(h.conns, handle)
				close(c.send)
			}
			return
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleLeave(c)
		case in := <-h.inbound:
			h.handleInbound(in.conn, in.event)
		case fn := <-h.calls:
			fn()
		}
	}
}

func (h *Hub) attach(c *Conn) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Conn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) submit(c *Conn, ev model.Event) bool {
	select {
	case h.inbound <- inbound{conn: c, event: ev}:
		return true
	case <-h.done:
		return false
	}
}

// Do runs fn inside a hub turn and waits for it to finish.
func (h *Hub) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case h.calls <- func() { fn(); close(finished) }:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Online      int
	Connections int
}

// Online returns the identities currently present, sorted.
func (h *Hub) Online(ctx context.Context) ([]string, error) {
	var ids []string
	err := h.Do(ctx, func() { ids = h.registry.Identities() })
	return ids, err
}

// Stats returns connection counts.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.Do(ctx, func() {
		s = Stats{Online: h.registry.Len(), Connections: len(h.conns)}
	})
	return s, err
}

// Kick closes the connection registered for identity.
func (h *Hub) Kick(ctx context.Context, identity string) (bool, error) {
	var kicked bool
	err := h.Do(ctx, func() {
		c, ok := h.lookup(identity)
		if !ok {
			return
		}
		h.sendError(c, "kicked", "disconnected by an operator")
		h.handleLeave(c)
		kicked = true
	})
	return kicked, err
}

// SetTypingLimit changes the typing rate for current and future connections.
func (h *Hub) SetTypingLimit(ctx context.Context, perSecond float64, burst int) error {
	if burst <= 0 {
		burst = 1
	}
	return h.Do(ctx, func() {
		h.typingRate = limitFor(perSecond)
		h.typingBurst = burst
		for _, c := range h.conns {
			c.typing.SetLimit(h.typingRate)
			c.typing.SetBurst(burst)
		}
	})
}

func (h *Hub) handleRegister(c *Conn) {
	c.typing = rate.NewLimiter(h.typingRate, h.typingBurst)
	h.conns[c.handle] = c
	h.metrics.connections.Set(float64(len(h.conns)))
	h.log.Debug("connection opened", "conn", c.handle, "subject", c.subject)
}

// handleLeave removes c and its presence entry. Stale or repeated leaves are no-ops.
func (h *Hub) handleLeave(c *Conn) {
	if h.conns[c.handle] != c {
		return
	}
	delete(h.conns, c.handle)
	close(c.send)
	h.metrics.connections.Set(float64(len(h.conns)))

	identity, ok := h.registry.Remove(c.handle)
	if !ok {
		h.log.Debug("connection closed", "conn", c.handle)
		return
	}
	h.log.Info("user left", "identity", identity, "conn", c.handle)
	h.broadcastOnline()
}

func (h *Hub) handleInbound(c *Conn, ev model.Event) {
	if h.conns[c.handle] != c {
		return
	}
	switch ev.Type {
	case model.EventUserJoin:
		h.handleJoin(c, ev)
	case model.EventPrivateMessage:
		h.handlePrivateMessage(c, ev)
	case model.EventTyping:
		h.handleTyping(c, ev, model.EventUserTyping)
	case model.EventStopTyping:
		h.handleTyping(c, ev, model.EventUserStopTyping)
	case "":
		h.metrics.dropped.WithLabelValues(dropInvalid).Inc()
		h.sendError(c, "bad_frame", "frame is not a JSON event")
	default:
		h.metrics.dropped.WithLabelValues(dropInvalid).Inc()
		h.sendError(c, "unknown_event", "unsupported event type "+string(ev.Type))
	}
}

func (h *Hub) handleJoin(c *Conn, ev model.Event) {
	var identity string
	if err := ev.Decode(&identity); err != nil || strings.TrimSpace(identity) == "" {
		h.metrics.dropped.WithLabelValues(dropInvalid).Inc()
		h.sendError(c, "bad_request", "user-join requires an identity")
		return
	}
	identity = strings.TrimSpace(identity)

	if c.subject != "" && identity != c.subject {
		h.log.Warn("join identity does not match credentials", "conn", c.handle, "identity", identity, "subject", c.subject)
		h.sendError(c, "identity_mismatch", "identity does not match credentials")
		return
	}
	if h.opts.Banned != nil && h.opts.Banned(identity) {
		h.log.Info("refused banned identity", "identity", identity, "conn", c.handle)
		h.sendError(c, "banned", "identity is banned")
		h.handleLeave(c)
		return
	}

	if replaced, ok := h.registry.Join(identity, c.handle); ok {
		h.log.Info("identity moved to a new connection", "identity", identity, "old", replaced, "new", c.handle)
	}
	h.log.Info("user joined", "identity", identity, "conn", c.handle)
	h.broadcastOnline()
}

func (h *Hub) handlePrivateMessage(c *Conn, ev model.Event) {
	from, ok := h.registry.IdentityOf(c.handle)
	if !ok {
		h.metrics.dropped.WithLabelValues(dropNotJoined).Inc()
		h.log.Debug("private message before join", "conn", c.handle)
		return
	}
	var pm model.PrivateMessage
	if err := ev.Decode(&pm); err != nil || pm.To == "" {
		h.metrics.dropped.WithLabelValues(dropInvalid).Inc()
		h.sendError(c, "bad_request", "private-message requires a recipient")
		return
	}
	if pm.From != "" && pm.From != from {
		h.log.Warn("sender field rewritten to joined identity", "claimed", pm.From, "identity", from)
	}

	target, ok := h.lookup(pm.To)
	if !ok {
		h.metrics.dropped.WithLabelValues(dropRecipientOffline).Inc()
		h.log.Debug("recipient offline, dropping message", "from", from, "to", pm.To)
		return
	}
	sentAt := pm.SentAt
	if sentAt.IsZero() {
		sentAt = h.now().UTC()
	}
	h.deliver(target, model.EventPrivateMessage, "message", model.PrivateMessage{
		From:      from,
		Message:   pm.Message,
		ChatID:    pm.ChatID,
		MessageID: pm.MessageID,
		ClientID:  pm.ClientID,
		SentAt:    sentAt,
	})
}

func (h *Hub) handleTyping(c *Conn, ev model.Event, out model.EventType) {
	from, ok := h.registry.IdentityOf(c.handle)
	if !ok {
		h.metrics.dropped.WithLabelValues(dropNotJoined).Inc()
		return
	}
	var tp model.Typing
	if err := ev.Decode(&tp); err != nil || tp.To == "" {
		h.metrics.dropped.WithLabelValues(dropInvalid).Inc()
		h.sendError(c, "bad_request", string(ev.Type)+" requires a recipient")
		return
	}
	if out == model.EventUserTyping && !c.typing.Allow() {
		h.metrics.dropped.WithLabelValues(dropRateLimited).Inc()
		return
	}
	target, ok := h.lookup(tp.To)
	if !ok {
		h.metrics.dropped.WithLabelValues(dropRecipientOffline).Inc()
		h.log.Debug("recipient offline, dropping typing notice", "from", from, "to", tp.To)
		return
	}
	h.deliver(target, out, string(ev.Type), model.Typing{From: from})
}

func (h *Hub) lookup(identity string) (*Conn, bool) {
	handle, ok := h.registry.Lookup(identity)
	if !ok {
		return nil, false
	}
	c, ok := h.conns[handle]
	return c, ok
}

func (h *Hub) deliver(target *Conn, t model.EventType, kind string, payload any) {
	data, err := encode(t, payload)
	if err != nil {
		h.log.Error("encode event failed", "type", t, "error", err)
		return
	}
	if !trySend(target, data) {
		h.metrics.dropped.WithLabelValues(dropSlowConsumer).Inc()
		h.log.Warn("send buffer full, closing connection", "conn", target.handle)
		h.handleLeave(target)
		return
	}
	h.metrics.routed.WithLabelValues(kind).Inc()
}

// broadcastOnline sends the identity set to every connection, joined or not.
func (h *Hub) broadcastOnline() {
	ids := h.registry.Identities()
	h.metrics.online.Set(float64(len(ids)))
	data, err := encode(model.EventOnlineUsers, ids)
	if err != nil {
		h.log.Error("encode online users failed", "error", err)
		return
	}
	var slow []*Conn
	for _, c := range h.conns {
		if !trySend(c, data) {
			slow = append(slow, c)
		}
	}
	h.metrics.broadcasts.Inc()
	for _, c := range slow {
		h.metrics.dropped.WithLabelValues(dropSlowConsumer).Inc()
		h.log.Warn("send buffer full, closing connection", "conn", c.handle)
		h.handleLeave(c)
	}
}

func (h *Hub) sendError(c *Conn, code, message string) {
	data, err := encode(model.EventError, model.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	trySend(c, data)
}

func trySend(c *Conn, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func encode(t model.EventType, payload any) ([]byte, error) {
	ev, err := model.NewEvent(t, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}
