package maginet

import (
	"encoding/json"
	"slices"

	"github.com/golang/glog"
)

// a uniquely-identified entity on the shared table: a card, token, or
// counter at a position. Entities are immutable value snapshots; identity is
// the `Id` field.
type Shape struct {
	Id     string  `json:"id"`
	Kind   string  `json:"kind,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	FaceUp bool    `json:"faceUp,omitempty"`
}

// each peer's ordered list of entities, keyed by the peer that owns them.
// A peer may only ever contribute updates to its own slice; the channel
// keys incoming patches by the declared sender id so one peer cannot
// overwrite another peer's slice.
type ShapesByPeer map[PeerId][]Shape

// minimal patch over one ordered entity list. `Order` is null when the
// relative ordering of ids is unchanged, otherwise the full new id ordering.
type ListPatch struct {
	Upserts    []Shape  `json:"upserts,omitempty"`
	RemovedIds []string `json:"removedIds,omitempty"`
	Order      []string `json:"order"`
}

type ShapesPatch struct {
	Peers          map[PeerId]*ListPatch `json:"peers,omitempty"`
	RemovedPeerIds []PeerId              `json:"removedPeerIds,omitempty"`
}

func shapeIds(list []Shape) []string {
	ids := make([]string, len(list))
	for i, shape := range list {
		ids[i] = shape.Id
	}
	return ids
}

// nil when the lists are equivalent
func diffList(prev []Shape, next []Shape) *ListPatch {
	prevById := map[string]Shape{}
	for _, shape := range prev {
		prevById[shape.Id] = shape
	}
	nextIds := map[string]bool{}

	patch := &ListPatch{}
	for _, shape := range next {
		nextIds[shape.Id] = true
		if prevShape, ok := prevById[shape.Id]; !ok || prevShape != shape {
			patch.Upserts = append(patch.Upserts, shape)
		}
	}
	for _, shape := range prev {
		if !nextIds[shape.Id] {
			patch.RemovedIds = append(patch.RemovedIds, shape.Id)
		}
	}
	if !slices.Equal(shapeIds(prev), shapeIds(next)) {
		patch.Order = shapeIds(next)
	}

	if patch.Upserts == nil && patch.RemovedIds == nil && patch.Order == nil {
		return nil
	}
	return patch
}

// upserts, then removals, then reordering. Ids not named by `Order` are
// never silently dropped: they are appended afterward in their pre-existing
// relative order. Pure function of (base, patch).
func applyList(base []Shape, patch *ListPatch) []Shape {
	removed := map[string]bool{}
	for _, id := range patch.RemovedIds {
		removed[id] = true
	}
	upsertById := map[string]Shape{}
	for _, shape := range patch.Upserts {
		// last write wins per id within a single apply
		upsertById[shape.Id] = shape
	}

	next := make([]Shape, 0, len(base)+len(patch.Upserts))
	seen := map[string]bool{}
	for _, shape := range base {
		if removed[shape.Id] {
			continue
		}
		if upsert, ok := upsertById[shape.Id]; ok {
			shape = upsert
		}
		next = append(next, shape)
		seen[shape.Id] = true
	}
	for _, shape := range patch.Upserts {
		if !seen[shape.Id] && !removed[shape.Id] {
			next = append(next, upsertById[shape.Id])
			seen[shape.Id] = true
		}
	}

	if patch.Order == nil {
		return next
	}

	nextById := map[string]Shape{}
	for _, shape := range next {
		nextById[shape.Id] = shape
	}
	ordered := make([]Shape, 0, len(next))
	inOrder := map[string]bool{}
	for _, id := range patch.Order {
		if shape, ok := nextById[id]; ok {
			ordered = append(ordered, shape)
			inOrder[id] = true
		}
	}
	for _, shape := range next {
		if !inOrder[shape.Id] {
			ordered = append(ordered, shape)
		}
	}
	return ordered
}

// nil when nothing changed
func DiffShapes(prev ShapesByPeer, next ShapesByPeer) *ShapesPatch {
	patch := &ShapesPatch{}
	for peerId, nextList := range next {
		prevList, ok := prev[peerId]
		if ok && slices.Equal(prevList, nextList) {
			continue
		}
		if listPatch := diffList(prevList, nextList); listPatch != nil {
			if patch.Peers == nil {
				patch.Peers = map[PeerId]*ListPatch{}
			}
			patch.Peers[peerId] = listPatch
		}
	}
	for peerId := range prev {
		if _, ok := next[peerId]; !ok {
			patch.RemovedPeerIds = append(patch.RemovedPeerIds, peerId)
		}
	}

	if patch.Peers == nil && patch.RemovedPeerIds == nil {
		return nil
	}
	return patch
}

// pure function of (base, patch) with no hidden state. Does not mutate base.
func ApplyShapes(base ShapesByPeer, patch *ShapesPatch) ShapesByPeer {
	next := make(ShapesByPeer, len(base))
	for peerId, list := range base {
		next[peerId] = list
	}
	for _, peerId := range patch.RemovedPeerIds {
		delete(next, peerId)
	}
	for peerId, listPatch := range patch.Peers {
		next[peerId] = applyList(next[peerId], listPatch)
	}
	return next
}

func SnapshotShapes(state ShapesByPeer) ShapesByPeer {
	snapshot := make(ShapesByPeer, len(state))
	for peerId, list := range state {
		snapshot[peerId] = slices.Clone(list)
	}
	return snapshot
}

func HydrateShapes(raw json.RawMessage) (ShapesByPeer, error) {
	state := ShapesByPeer{}
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// drop every part of the patch that does not belong to the declared sender
func (self *ShapesPatch) restrictToSender(from PeerId) *ShapesPatch {
	restricted := &ShapesPatch{}
	if listPatch, ok := self.Peers[from]; ok {
		restricted.Peers = map[PeerId]*ListPatch{from: listPatch}
	}
	if slices.Contains(self.RemovedPeerIds, from) {
		restricted.RemovedPeerIds = []PeerId{from}
	}
	return restricted
}

// the reference channel plugin: per-peer keyed entity lists over a Store.
type ShapesChannel struct {
	key   string
	store *Store[ShapesByPeer]
}

func NewShapesChannel(key string, store *Store[ShapesByPeer]) *ShapesChannel {
	return &ShapesChannel{
		key:   key,
		store: store,
	}
}

func (self *ShapesChannel) Store() *Store[ShapesByPeer] {
	return self.store
}

// Channel implementation

func (self *ShapesChannel) Key() string {
	return self.key
}

func (self *ShapesChannel) State() any {
	return self.store.Get()
}

func (self *ShapesChannel) UpdateState(f func(base any) any, cause ChangeCause) {
	self.store.Update(func(state ShapesByPeer) ShapesByPeer {
		return f(state).(ShapesByPeer)
	})
}

func (self *ShapesChannel) Subscribe(listener func(next any)) func() {
	return self.store.Subscribe(func(next ShapesByPeer) {
		listener(next)
	})
}

func (self *ShapesChannel) Diff(prev any, next any) (any, bool) {
	patch := DiffShapes(stateOrEmpty(prev), stateOrEmpty(next))
	if patch == nil {
		return nil, false
	}
	return patch, true
}

func (self *ShapesChannel) ApplyPatch(base any, patch json.RawMessage, from PeerId) (any, error) {
	decoded := &ShapesPatch{}
	if err := json.Unmarshal(patch, decoded); err != nil {
		return nil, err
	}
	restricted := decoded.restrictToSender(from)
	if restricted.Peers == nil && restricted.RemovedPeerIds == nil {
		if decoded.Peers != nil || decoded.RemovedPeerIds != nil {
			glog.V(1).Infof("[sh]drop patch from %s outside own slice\n", logId(from))
		}
		return stateOrEmpty(base), nil
	}
	return ApplyShapes(stateOrEmpty(base), restricted), nil
}

func (self *ShapesChannel) Snapshot(state any) any {
	return SnapshotShapes(stateOrEmpty(state))
}

// merge the remote snapshot, keeping the local peer's own slice
// authoritative. A stale mirror of us must not clobber what we have now.
func (self *ShapesChannel) ApplySnapshot(base any, snapshot json.RawMessage, from PeerId, local PeerId) (any, error) {
	hydrated, err := HydrateShapes(snapshot)
	if err != nil {
		return nil, err
	}
	baseState := stateOrEmpty(base)
	next := make(ShapesByPeer, len(baseState)+len(hydrated))
	for peerId, list := range baseState {
		next[peerId] = list
	}
	for peerId, list := range hydrated {
		if peerId == local {
			continue
		}
		next[peerId] = list
	}
	return next, nil
}

func stateOrEmpty(state any) ShapesByPeer {
	if state == nil {
		return ShapesByPeer{}
	}
	return state.(ShapesByPeer)
}
