package maginet

import (
	"github.com/golang/glog"
)

type peerSyncPayload struct {
	ConnectedPeers []PeerId `json:"connectedPeers"`
}

type peerConnectedPayload struct {
	PeerId PeerId `json:"peerId"`
}

// mesh formation via gossip of known peers, built on the client's public
// surface. On every new connection the two sides exchange their known-peer
// lists, so two peers that connect to a common third peer discover and
// connect to each other within one additional round trip. No directory
// server. Duplicate gossip is harmless: connecting to an already-connected
// or self peer id is a no-op.
type Mesh struct {
	client *Client
	unsubs []func()
}

func NewMesh(client *Client) *Mesh {
	mesh := &Mesh{
		client: client,
	}
	mesh.unsubs = []func(){
		client.AddConnectionOpenCallback(mesh.handleConnectionOpen),
		client.OnMessage(MsgTypePeerSync, mesh.handlePeerSync),
	}
	return mesh
}

func (self *Mesh) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
}

// tell the new peer who else we know, then announce ourselves
func (self *Mesh) handleConnectionOpen(peerId PeerId) {
	others := []PeerId{}
	for _, knownPeerId := range self.client.Peers() {
		if knownPeerId != peerId {
			others = append(others, knownPeerId)
		}
	}

	glog.V(2).Infof("[m]%s gossip %d peers to %s\n", logId(self.client.LocalPeerId()), len(others), logId(peerId))
	syncEnvelope := RequireEnvelope(MsgTypePeerSync, &peerSyncPayload{
		ConnectedPeers: others,
	})
	if err := self.client.SendTo(peerId, syncEnvelope); err != nil {
		glog.V(1).Infof("[m]peer-sync to %s = %s\n", logId(peerId), err)
		return
	}

	connectedEnvelope := RequireEnvelope(MsgTypePeerConnected, &peerConnectedPayload{
		PeerId: self.client.LocalPeerId(),
	})
	if err := self.client.SendTo(peerId, connectedEnvelope); err != nil {
		glog.V(1).Infof("[m]peer-connected to %s = %s\n", logId(peerId), err)
	}
}

// connect to every gossiped peer we do not already know
func (self *Mesh) handlePeerSync(envelope *Envelope, from PeerId) {
	payload := &peerSyncPayload{}
	if err := envelope.DecodePayload(payload); err != nil {
		glog.V(1).Infof("[m]bad peer-sync from %s = %s\n", logId(from), err)
		return
	}

	localPeerId := self.client.LocalPeerId()
	known := map[PeerId]bool{}
	for _, peerId := range self.client.Peers() {
		known[peerId] = true
	}

	for _, peerId := range payload.ConnectedPeers {
		if peerId == localPeerId || known[peerId] {
			continue
		}
		glog.V(2).Infof("[m]%s introduce %s\n", logId(localPeerId), logId(peerId))
		if err := self.client.Connect(peerId); err != nil {
			// mesh formation is best effort. The caller owns retry policy
			// for its own connects; gossiped connects just log.
			glog.Infof("[m]connect %s = %s\n", logId(peerId), err)
		}
	}
}
