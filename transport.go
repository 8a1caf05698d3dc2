package maginet

import (
	"context"
)

type MessageFunction func(from PeerId, envelope *Envelope)
type ConnectionFunction func(peerId PeerId)
type ErrorFunction func(err error)

// the contract the sync engine consumes from the outside world. The engine
// never implements NAT traversal, signaling, or crypto itself; it assumes a
// transport that can already open, send, and receive framed envelopes to
// named peers. Implementations in this repo: MemoryTransport (in process),
// RelayTransport (websocket relay), WebRtcTransport (data channels).
//
// Lifecycle errors propagate to the caller as returned errors; the engine
// performs no implicit retry.
type Transport interface {
	// bring the transport up, optionally claiming a preferred local peer id.
	// An empty preferred id lets the transport assign one.
	Start(ctx context.Context, localPeerId PeerId) error

	Stop(ctx context.Context) error

	// open a connection to a named peer. Connecting to an already-connected
	// peer or to self is a no-op.
	Connect(ctx context.Context, peerId PeerId) error

	// an empty peer id disconnects all peers
	Disconnect(ctx context.Context, peerId PeerId) error

	// currently open connections
	Peers() []PeerId

	// empty until started
	LocalPeerId() PeerId

	Send(peerId PeerId, envelope *Envelope) error

	Broadcast(envelope *Envelope)

	// all callbacks return an unsubscribe func
	AddMessageCallback(callback MessageFunction) func()
	AddConnectionOpenCallback(callback ConnectionFunction) func()
	AddConnectionCloseCallback(callback ConnectionFunction) func()
	// reports malformed inbound data and other receive-side faults that are
	// dropped at the transport boundary
	AddErrorCallback(callback ErrorFunction) func()
}
