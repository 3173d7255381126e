// Package ws streams flow transitions to browser clients. Each client
// watches a set of operation ids, guard keys or flow kinds; a client that
// watches nothing receives every flow.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

// DefaultChannels are the bus channels the hub relays when Config.Channels
// is empty.
var DefaultChannels = []string{"ch:flow"}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Access is gated by the API key middleware, not by origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Watch names the flows a client wants. Matching any listed value is
// enough.
type Watch struct {
	OperationIDs []string `json:"operation_ids,omitempty"`
	GuardKeys    []string `json:"guard_keys,omitempty"`
	Kinds        []string `json:"kinds,omitempty"`
}

func (w Watch) empty() bool {
	return len(w.OperationIDs) == 0 && len(w.GuardKeys) == 0 && len(w.Kinds) == 0
}

// watchFromQuery reads ?operation_id=..&guard_key=..&kind=.. (repeatable).
func watchFromQuery(r *http.Request) Watch {
	q := r.URL.Query()
	return Watch{
		OperationIDs: q["operation_id"],
		GuardKeys:    q["guard_key"],
		Kinds:        q["kind"],
	}
}

// clientMsg is what a client may send: {"watch":{...}} or {"unwatch":{...}}.
type clientMsg struct {
	Watch   *Watch `json:"watch"`
	Unwatch *Watch `json:"unwatch"`
}

// filter is a client's current Watch as sets.
type filter struct {
	mu    sync.RWMutex
	ops   map[string]bool
	keys  map[domain.GuardKey]bool
	kinds map[domain.OperationKind]bool
}

func newFilter(w Watch) *filter {
	f := &filter{
		ops:   make(map[string]bool),
		keys:  make(map[domain.GuardKey]bool),
		kinds: make(map[domain.OperationKind]bool),
	}
	f.add(w)
	return f
}

func (f *filter) add(w Watch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range w.OperationIDs {
		if id = strings.TrimSpace(id); id != "" {
			f.ops[id] = true
		}
	}
	for _, k := range w.GuardKeys {
		if k = strings.TrimSpace(k); k != "" {
			f.keys[domain.GuardKey(k)] = true
		}
	}
	for _, k := range w.Kinds {
		if k = strings.TrimSpace(strings.ToLower(k)); k != "" {
			f.kinds[domain.OperationKind(k)] = true
		}
	}
}

func (f *filter) remove(w Watch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range w.OperationIDs {
		delete(f.ops, strings.TrimSpace(id))
	}
	for _, k := range w.GuardKeys {
		delete(f.keys, domain.GuardKey(strings.TrimSpace(k)))
	}
	for _, k := range w.Kinds {
		delete(f.kinds, domain.OperationKind(strings.TrimSpace(strings.ToLower(k))))
	}
}

func (f *filter) matches(t domain.Transition) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.ops) == 0 && len(f.keys) == 0 && len(f.kinds) == 0 {
		return true
	}
	return f.ops[t.OperationID] || f.keys[t.GuardKey] || f.kinds[t.Kind]
}

func (f *filter) snapshot() Watch {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var w Watch
	for id := range f.ops {
		w.OperationIDs = append(w.OperationIDs, id)
	}
	for k := range f.keys {
		w.GuardKeys = append(w.GuardKeys, string(k))
	}
	for k := range f.kinds {
		w.Kinds = append(w.Kinds, string(k))
	}
	return w
}

// envelope is every frame the hub writes.
type envelope struct {
	Type       string          `json:"type"`
	Transition json.RawMessage `json:"transition,omitempty"`
	Watching   *Watch          `json:"watching,omitempty"`
	Status     *serviceStatus  `json:"status,omitempty"`
}

type serviceStatus struct {
	Mode          string   `json:"mode"`
	Account       string   `json:"account"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Channels      []string `json:"channels"`
}

// Config captures the relayed channels and the runtime metadata sent to
// WebSocket clients on connect.
type Config struct {
	Channels  []string
	Mode      string
	Account   string
	StartedAt time.Time
}

// Hub relays flow transitions from the signal bus to the clients whose
// filter matches them.
type Hub struct {
	bus       domain.SignalBus
	channels  []string
	mode      string
	account   string
	startedAt time.Time
	logger    *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a Hub reading cfg.Channels from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	channels := cfg.Channels
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		bus:       bus,
		channels:  channels,
		mode:      mode,
		account:   cfg.Account,
		startedAt: startedAt,
		logger:    logger.With(slog.String("component", "ws_hub")),
		clients:   make(map[*client]struct{}),
	}
}

// Run relays until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ch := range h.channels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			h.logger.ErrorContext(ctx, "ws: subscribe failed",
				slog.String("channel", ch), slog.String("error", err.Error()))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.relay(ctx, ch, msgs)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	h.mu.Lock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	return ctx.Err()
}

func (h *Hub) relay(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				h.logger.WarnContext(ctx, "ws: bus subscription closed", slog.String("channel", channel))
				return
			}
			h.dispatch(payload)
		}
	}
}

// dispatch sends one bus payload to every matching client. Payloads that
// are not transitions are dropped.
func (h *Hub) dispatch(payload []byte) {
	var t domain.Transition
	if err := json.Unmarshal(payload, &t); err != nil || t.OperationID == "" {
		h.logger.Debug("ws: ignoring non-transition payload")
		return
	}
	frame, err := json.Marshal(envelope{Type: "flow_transition", Transition: payload})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.filter.matches(t) && !c.enqueue(frame) {
			h.logger.Warn("ws: client buffer full, transition dropped",
				slog.String("operation_id", t.OperationID),
				slog.String("state", string(t.State)))
		}
	}
}

// HandleWS upgrades the request and registers the client with the filter
// given in the query string.
// GET /ws?operation_id=...&guard_key=...&kind=...
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	watch := watchFromQuery(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		filter: newFilter(watch),
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	c.enqueue(h.statusFrame())

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected",
		slog.Int("clients", n),
		slog.Bool("watch_all", watch.empty()))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	if ok {
		h.logger.Info("ws: client disconnected", slog.Int("clients", n))
	}
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) statusFrame() []byte {
	uptime := int64(time.Since(h.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	frame, _ := json.Marshal(envelope{Type: "service_status", Status: &serviceStatus{
		Mode:          h.mode,
		Account:       h.account,
		UptimeSeconds: uptime,
		Channels:      h.channels,
	}})
	return frame
}

// client is one WebSocket connection. send is never closed; done signals
// the writer to stop.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	filter *filter
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// apply updates the filter from a client message and returns the ack frame,
// or nil when msg carries nothing.
func (c *client) apply(msg clientMsg) []byte {
	if msg.Watch == nil && msg.Unwatch == nil {
		return nil
	}
	if msg.Watch != nil {
		c.filter.add(*msg.Watch)
	}
	if msg.Unwatch != nil {
		c.filter.remove(*msg.Unwatch)
	}
	w := c.filter.snapshot()
	frame, _ := json.Marshal(envelope{Type: "watching", Watching: &w})
	return frame
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg clientMsg
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if ack := c.apply(msg); ack != nil {
			c.enqueue(ack)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
