package maginet

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestRelay(ctx context.Context, t *testing.T) (string, func()) {
	relay := NewRelayWithDefaults(ctx)
	server := httptest.NewServer(relay)
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	return url, server.Close
}

func waitFor[T any](t *testing.T, c chan T) T {
	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()
	select {
	case out := <-c:
		return out
	case <-timeout.C:
		t.Fatal("timeout")
		panic("unreachable")
	}
}

func TestRelayTransportConnectAndSend(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, shutdown := newTestRelay(ctx, t)
	defer shutdown()

	a := NewRelayTransportWithDefaults(url)
	b := NewRelayTransportWithDefaults(url)

	assert.Equal(t, a.Start(ctx, "alice"), nil)
	defer a.Stop(ctx)
	assert.Equal(t, b.Start(ctx, "bob"), nil)
	defer b.Stop(ctx)
	assert.Equal(t, a.LocalPeerId(), PeerId("alice"))

	openAtB := make(chan PeerId, 16)
	b.AddConnectionOpenCallback(func(peerId PeerId) {
		openAtB <- peerId
	})
	received := make(chan *Envelope, 16)
	b.AddMessageCallback(func(from PeerId, envelope *Envelope) {
		received <- envelope
	})

	assert.Equal(t, a.Connect(ctx, "bob"), nil)
	assert.Equal(t, a.Peers(), []PeerId{"bob"})
	assert.Equal(t, waitFor(t, openAtB), PeerId("alice"))
	assert.Equal(t, b.Peers(), []PeerId{"alice"})

	assert.Equal(t, a.Send("bob", RequireEnvelope("chat", "hello")), nil)
	envelope := waitFor(t, received)
	assert.Equal(t, envelope.Type, "chat")
	text := ""
	envelope.DecodePayload(&text)
	assert.Equal(t, text, "hello")

	// connect to an unknown peer surfaces the relay error
	assert.NotEqual(t, a.Connect(ctx, "nobody"), nil)
}

func TestRelayAssignsPeerId(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, shutdown := newTestRelay(ctx, t)
	defer shutdown()

	a := NewRelayTransportWithDefaults(url)
	assert.Equal(t, a.Start(ctx, ""), nil)
	defer a.Stop(ctx)
	assert.NotEqual(t, a.LocalPeerId(), PeerId(""))

	// a duplicate registration is refused
	b := NewRelayTransportWithDefaults(url)
	assert.NotEqual(t, b.Start(ctx, a.LocalPeerId()), nil)
}

func TestRelayTransportStopClosesLinks(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, shutdown := newTestRelay(ctx, t)
	defer shutdown()

	a := NewRelayTransportWithDefaults(url)
	b := NewRelayTransportWithDefaults(url)
	assert.Equal(t, a.Start(ctx, "alice"), nil)
	defer a.Stop(ctx)
	assert.Equal(t, b.Start(ctx, "bob"), nil)
	defer b.Stop(ctx)

	closeAtB := make(chan PeerId, 16)
	b.AddConnectionCloseCallback(func(peerId PeerId) {
		closeAtB <- peerId
	})

	assert.Equal(t, a.Connect(ctx, "bob"), nil)
	assert.Equal(t, a.Stop(ctx), nil)

	// bob observes the link close, whether via the close frame or the
	// relay's gone broadcast
	assert.Equal(t, waitFor(t, closeAtB), PeerId("alice"))
	assert.Equal(t, len(b.Peers()), 0)

	// and alice's id is free again
	c := NewRelayTransportWithDefaults(url)
	assert.Equal(t, c.Start(ctx, "alice"), nil)
	assert.Equal(t, c.Stop(ctx), nil)
}

// pings keep an idle connection alive well past the read timeout
func TestRelayTransportKeepalive(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relaySettings := DefaultRelaySettings()
	relaySettings.ReadTimeout = 300 * time.Millisecond
	relaySettings.PingTimeout = 100 * time.Millisecond
	relay := NewRelay(ctx, relaySettings)
	server := httptest.NewServer(relay)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	transportSettings := DefaultRelayTransportSettings()
	transportSettings.ReadTimeout = 300 * time.Millisecond
	transportSettings.PingTimeout = 100 * time.Millisecond

	a := NewRelayTransport(url, transportSettings)
	b := NewRelayTransport(url, transportSettings)
	assert.Equal(t, a.Start(ctx, "alice"), nil)
	defer a.Stop(ctx)
	assert.Equal(t, b.Start(ctx, "bob"), nil)
	defer b.Stop(ctx)
	assert.Equal(t, a.Connect(ctx, "bob"), nil)

	received := make(chan *Envelope, 16)
	b.AddMessageCallback(func(from PeerId, envelope *Envelope) {
		received <- envelope
	})

	// idle for several read-timeout windows
	time.Sleep(1200 * time.Millisecond)

	assert.Equal(t, a.Peers(), []PeerId{"bob"})
	assert.Equal(t, a.Send("bob", RequireEnvelope("chat", "still here")), nil)
	envelope := waitFor(t, received)
	assert.Equal(t, envelope.Type, "chat")
}

// the whole sync stack over a real websocket relay
func TestRelaySyncEndToEnd(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, shutdown := newTestRelay(ctx, t)
	defer shutdown()

	newRelayPeer := func(peerId PeerId) (*Client, *Store[ShapesByPeer]) {
		settings := DefaultClientSettings()
		settings.RoomId = "r1"
		settings.PreferredPeerId = peerId
		client := NewClient(ctx, NewRelayTransportWithDefaults(url), settings)
		store := NewStore(ShapesByPeer{})
		_, err := client.RegisterChannel(NewShapesChannel("shapes", store))
		assert.Equal(t, err, nil)
		assert.Equal(t, client.Start(), nil)
		return client, store
	}

	a, storeA := newRelayPeer("alice")
	defer a.Stop()
	b, storeB := newRelayPeer("bob")
	defer b.Stop()

	synced := make(chan ShapesByPeer, 16)
	storeB.Subscribe(func(next ShapesByPeer) {
		synced <- next
	})

	storeA.Update(func(state ShapesByPeer) ShapesByPeer {
		next := SnapshotShapes(state)
		next["alice"] = []Shape{{Id: "cardA", Kind: "card", X: 100, Y: 120}}
		return next
	})

	assert.Equal(t, a.Connect("bob"), nil)

	// the snapshot catches bob up
	state := waitFor(t, synced)
	assert.Equal(t, state["alice"], []Shape{{Id: "cardA", Kind: "card", X: 100, Y: 120}})

	// and an incremental move follows
	storeA.Update(func(state ShapesByPeer) ShapesByPeer {
		next := SnapshotShapes(state)
		next["alice"] = []Shape{{Id: "cardA", Kind: "card", X: 380, Y: 180}}
		return next
	})
	state = waitFor(t, synced)
	assert.Equal(t, state["alice"], []Shape{{Id: "cardA", Kind: "card", X: 380, Y: 180}})
}
