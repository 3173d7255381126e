package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

type chanBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func newChanBus() *chanBus { return &chanBus{subs: make(map[string]chan []byte)} }

func (b *chanBus) channel(name string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[name]
	if !ok {
		ch = make(chan []byte, 8)
		b.subs[name] = ch
	}
	return ch
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.channel(channel) <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.channel(channel), nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func startHub(t *testing.T, bus *chanBus) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "serve", Account: "0xabc"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello envelope
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "service_status", hello.Type)
	require.NotNil(t, hello.Status)
	assert.Equal(t, "0xabc", hello.Status.Account)
	return conn
}

func publish(t *testing.T, bus *chanBus, tr domain.Transition) {
	t.Helper()
	payload, err := json.Marshal(tr)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "ch:flow", payload))
}

func readTransition(t *testing.T, conn *websocket.Conn) domain.Transition {
	t.Helper()
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, "flow_transition", env.Type)
	var tr domain.Transition
	require.NoError(t, json.Unmarshal(env.Transition, &tr))
	return tr
}

func TestHub_RelaysEveryFlowWithoutFilter(t *testing.T) {
	bus := newChanBus()
	hub, srv := startHub(t, bus)
	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.clientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	publish(t, bus, domain.Transition{OperationID: "op-1", Kind: domain.OpBuy, State: domain.StateConfirming})

	got := readTransition(t, conn)
	assert.Equal(t, "op-1", got.OperationID)
	assert.Equal(t, domain.StateConfirming, got.State)
}

func TestHub_QueryFilterSelectsOperation(t *testing.T) {
	bus := newChanBus()
	hub, srv := startHub(t, bus)
	conn := dial(t, srv, "?operation_id=op-2")
	require.Eventually(t, func() bool { return hub.clientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	publish(t, bus, domain.Transition{OperationID: "op-1", Kind: domain.OpBuy, State: domain.StateValidating})
	publish(t, bus, domain.Transition{OperationID: "op-2", Kind: domain.OpCancel, State: domain.StateSuccess})

	got := readTransition(t, conn)
	assert.Equal(t, "op-2", got.OperationID)
	assert.Equal(t, domain.StateSuccess, got.State)
}

func TestHub_WatchMessageAcknowledged(t *testing.T) {
	bus := newChanBus()
	hub, srv := startHub(t, bus)
	conn := dial(t, srv, "?kind=list")
	require.Eventually(t, func() bool { return hub.clientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{"watch": Watch{GuardKeys: []string{"buy:7"}}}))
	var ack envelope
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "watching", ack.Type)
	require.NotNil(t, ack.Watching)
	assert.Equal(t, []string{"buy:7"}, ack.Watching.GuardKeys)
	assert.Equal(t, []string{"list"}, ack.Watching.Kinds)

	publish(t, bus, domain.Transition{OperationID: "op-3", Kind: domain.OpBuy, GuardKey: "buy:7", State: domain.StateSubmitting})
	assert.Equal(t, "op-3", readTransition(t, conn).OperationID)
}

func TestFilter(t *testing.T) {
	f := newFilter(Watch{})
	assert.True(t, f.matches(domain.Transition{OperationID: "x"}))

	f.add(Watch{OperationIDs: []string{"a"}, Kinds: []string{"BUY"}})
	assert.True(t, f.matches(domain.Transition{OperationID: "a", Kind: domain.OpCancel}))
	assert.True(t, f.matches(domain.Transition{OperationID: "b", Kind: domain.OpBuy}))
	assert.False(t, f.matches(domain.Transition{OperationID: "b", Kind: domain.OpList}))

	f.remove(Watch{OperationIDs: []string{"a"}, Kinds: []string{"buy"}})
	assert.True(t, f.matches(domain.Transition{OperationID: "b", Kind: domain.OpList}))
}

func TestHub_IgnoresNonTransitionPayloads(t *testing.T) {
	hub := NewHub(newChanBus(), slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	c := &client{filter: newFilter(Watch{}), send: make(chan []byte, 1), done: make(chan struct{})}
	hub.clients[c] = struct{}{}

	hub.dispatch([]byte(`{"hello":"world"}`))
	hub.dispatch([]byte(`not json`))
	assert.Empty(t, c.send)

	hub.dispatch([]byte(`{"operation_id":"op-9","state":"success"}`))
	assert.Len(t, c.send, 1)
}
