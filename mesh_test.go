package maginet

import (
	"context"
	"slices"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newMeshPeer(ctx context.Context, t *testing.T, network *MemoryNetwork, peerId PeerId) (*Client, *Mesh) {
	settings := DefaultClientSettings()
	settings.RoomId = "r1"
	settings.PreferredPeerId = peerId
	client := NewClient(ctx, network.NewTransport(), settings)
	mesh := NewMesh(client)
	assert.Equal(t, client.Start(), nil)
	return client, mesh
}

func sortedPeers(client *Client) []PeerId {
	peers := client.Peers()
	slices.Sort(peers)
	return peers
}

// two peers that connect to a common third peer end up fully meshed
func TestMeshTransitiveIntroduction(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetwork(ctx)
	defer network.Close()

	a, meshA := newMeshPeer(ctx, t, network, "alice")
	defer a.Stop()
	defer meshA.Close()
	b, meshB := newMeshPeer(ctx, t, network, "bob")
	defer b.Stop()
	defer meshB.Close()
	c, meshC := newMeshPeer(ctx, t, network, "carol")
	defer c.Stop()
	defer meshC.Close()

	assert.Equal(t, b.Connect("alice"), nil)
	assert.Equal(t, c.Connect("alice"), nil)

	assert.Equal(t, sortedPeers(a), []PeerId{"bob", "carol"})
	assert.Equal(t, sortedPeers(b), []PeerId{"alice", "carol"})
	assert.Equal(t, sortedPeers(c), []PeerId{"alice", "bob"})
}

// each new connection is followed by a peer-connected announcement
func TestMeshPeerConnectedNotice(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetwork(ctx)
	defer network.Close()

	a, meshA := newMeshPeer(ctx, t, network, "alice")
	defer a.Stop()
	defer meshA.Close()
	b, meshB := newMeshPeer(ctx, t, network, "bob")
	defer b.Stop()
	defer meshB.Close()

	announced := []PeerId{}
	a.OnMessage(MsgTypePeerConnected, func(envelope *Envelope, from PeerId) {
		payload := &peerConnectedPayload{}
		envelope.DecodePayload(payload)
		announced = append(announced, payload.PeerId)
	})

	assert.Equal(t, b.Connect("alice"), nil)
	assert.Equal(t, announced, []PeerId{"bob"})
}

// gossip naming peers we already know, or ourselves, changes nothing
func TestMeshDuplicateGossip(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetwork(ctx)
	defer network.Close()

	a, meshA := newMeshPeer(ctx, t, network, "alice")
	defer a.Stop()
	defer meshA.Close()
	b, meshB := newMeshPeer(ctx, t, network, "bob")
	defer b.Stop()
	defer meshB.Close()

	assert.Equal(t, b.Connect("alice"), nil)
	assert.Equal(t, sortedPeers(a), []PeerId{"bob"})

	envelope := RequireEnvelope(MsgTypePeerSync, &peerSyncPayload{
		ConnectedPeers: []PeerId{"alice", "bob"},
	})
	assert.Equal(t, b.SendTo("alice", envelope), nil)

	assert.Equal(t, sortedPeers(a), []PeerId{"bob"})
	assert.Equal(t, sortedPeers(b), []PeerId{"alice"})
}

// a closed mesh stops gossiping but leaves existing connections alone
func TestMeshClose(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetwork(ctx)
	defer network.Close()

	a, meshA := newMeshPeer(ctx, t, network, "alice")
	defer a.Stop()
	b, meshB := newMeshPeer(ctx, t, network, "bob")
	defer b.Stop()
	defer meshB.Close()
	c, meshC := newMeshPeer(ctx, t, network, "carol")
	defer c.Stop()
	defer meshC.Close()

	assert.Equal(t, b.Connect("alice"), nil)

	meshA.Close()
	assert.Equal(t, c.Connect("alice"), nil)

	// alice no longer introduces carol to bob
	assert.Equal(t, sortedPeers(a), []PeerId{"bob", "carol"})
	assert.Equal(t, sortedPeers(c), []PeerId{"alice"})
	assert.Equal(t, sortedPeers(b), []PeerId{"alice"})
}
