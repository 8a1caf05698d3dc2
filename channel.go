package maginet

import (
	"encoding/json"
)

type Origin int

const (
	OriginLocal Origin = iota
	OriginRemotePatch
	OriginRemoteSnapshot
)

// why a channel's state is being replaced. `From` is the declared sender for
// remote origins, empty for local.
type ChangeCause struct {
	Origin Origin
	From   PeerId
}

// the contract a piece of application state implements to participate in
// sync. A channel is registered once per logical state stream ("shapes",
// "action log") under a unique key.
//
// Laws every implementation must hold, for arbitrary reachable states s, s':
//   - ApplyPatch(s, diff) with diff = Diff(s, s') is state-equivalent to s'
//     when the patch came from the state's owner
//   - hydrating a snapshot of s is state-equivalent to s
//
// Patches and snapshots travel as opaque JSON; each channel decodes its own.
type Channel interface {
	// unique string identity of this state stream
	Key() string

	// current state
	State() any

	// atomically replace the state: f reads the current state and returns the
	// next, and no other mutation may interleave between the read and the
	// write. The engine applies remote patches and snapshots through this, so
	// a concurrent local update is never clobbered by an apply computed from
	// a stale base. The cause distinguishes locally-originated updates from
	// remotely-applied ones, so external subscribers can tell them apart.
	UpdateState(f func(base any) any, cause ChangeCause)

	// observe local state changes. May return nil if this channel never
	// produces local changes (a receive-only mirror).
	Subscribe(listener func(next any)) func()

	// compute a patch between two states. Returns false if nothing changed;
	// the client never broadcasts empty patches.
	Diff(prev any, next any) (patch any, changed bool)

	// apply a remote patch to a base state. `from` is the declared sender id;
	// implementations enforcing per-peer ownership key the patch by it.
	// Must not mutate base.
	ApplyPatch(base any, patch json.RawMessage, from PeerId) (any, error)

	// full-state transfer for late joiners
	Snapshot(state any) any

	// fold a remote snapshot into a base state. `local` is the receiving
	// client's own peer id, so implementations can keep the local slice
	// authoritative. Must not mutate base.
	ApplySnapshot(base any, snapshot json.RawMessage, from PeerId, local PeerId) (any, error)
}
