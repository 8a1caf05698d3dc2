package maginet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

var ErrNotStarted = errors.New("client not started")

type ClientSettings struct {
	// best-effort scope for all envelopes. Inbound envelopes stamped with a
	// different room are dropped silently.
	RoomId string
	// preferred local peer id passed to the transport on start. Empty lets
	// the transport assign one.
	PreferredPeerId PeerId
	ProtocolVersion int
	// when set, envelopes carry a room token minted from this secret and
	// inbound envelopes without a valid token are dropped. See auth.go.
	RoomSecret   []byte
	RoomTokenTtl time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ProtocolVersion: ProtocolVersion,
		RoomTokenTtl:    24 * time.Hour,
	}
}

type lifecycleState int

const (
	lifecycleIdle lifecycleState = iota
	lifecycleStarting
	lifecycleStarted
	lifecycleStopping
)

func (self lifecycleState) String() string {
	switch self {
	case lifecycleIdle:
		return "idle"
	case lifecycleStarting:
		return "starting"
	case lifecycleStarted:
		return "started"
	case lifecycleStopping:
		return "stopping"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// one in-flight start or stop. Waiters block on `done`, then re-read the
// client state and decide again.
type lifecycleTransition struct {
	done chan struct{}
}

type channelPatchPayload struct {
	Channel string          `json:"channel"`
	Patch   json.RawMessage `json:"patch"`
}

type channelSnapshotPayload struct {
	Channel  string          `json:"channel"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// wraps a registered channel with the state bookkeeping the diff/broadcast
// path needs.
type channelRecord struct {
	channel Channel

	// serializes remote applies for this channel
	applyMutex sync.Mutex

	// guards lastKnownState. Held only for short reads/writes, never across
	// a channel or transport call.
	mutex sync.Mutex
	// the most recent state accounted for by the diff/broadcast path.
	// A remote apply advances it to the applied state before the change
	// notification fires, so the echo of the apply diffs as unchanged
	// instead of being re-broadcast.
	lastKnownState any

	unsubscribe func()
}

// the orchestrator: owns the transport lifecycle, stamps and routes
// room-scoped envelopes, multiplexes channel control messages vs application
// messages, catches up newly connected peers with full snapshots, and turns
// local channel mutations into broadcast patches.
type Client struct {
	ctx context.Context

	transport Transport
	settings  *ClientSettings

	bus *Bus

	stateMutex  sync.Mutex
	state       lifecycleState
	transition  *lifecycleTransition
	pendingStop bool
	unsubs      []func()

	channelMutex sync.Mutex
	channels     map[string]*channelRecord

	tokenMutex       sync.Mutex
	roomToken        string
	roomTokenExpires time.Time

	openCallbacks  CallbackList[ConnectionFunction]
	closeCallbacks CallbackList[ConnectionFunction]
	errorCallbacks CallbackList[ErrorFunction]
}

func NewClientWithDefaults(ctx context.Context, transport Transport) *Client {
	return NewClient(ctx, transport, DefaultClientSettings())
}

func NewClient(ctx context.Context, transport Transport, settings *ClientSettings) *Client {
	return &Client{
		ctx:       ctx,
		transport: transport,
		settings:  settings,
		bus:       NewBus(),
		channels:  map[string]*channelRecord{},
	}
}

// lifecycle

// idempotent. If a start is already in flight the call waits for it; if that
// attempt did not end started (an interleaved stop won), it retries.
func (self *Client) Start() error {
	for {
		self.stateMutex.Lock()
		switch self.state {
		case lifecycleStarted:
			self.stateMutex.Unlock()
			return nil

		case lifecycleStarting, lifecycleStopping:
			transition := self.transition
			self.stateMutex.Unlock()
			select {
			case <-transition.done:
			case <-self.ctx.Done():
				return self.ctx.Err()
			}
			// re-evaluate

		case lifecycleIdle:
			transition := &lifecycleTransition{
				done: make(chan struct{}),
			}
			self.state = lifecycleStarting
			self.transition = transition
			self.stateMutex.Unlock()

			err := self.transport.Start(self.ctx, self.settings.PreferredPeerId)

			self.stateMutex.Lock()
			if err != nil {
				self.state = lifecycleIdle
				self.transition = nil
				self.pendingStop = false
				self.stateMutex.Unlock()
				close(transition.done)
				return fmt.Errorf("transport start: %w", err)
			}
			if self.pendingStop {
				// a stop was issued while this start was resolving.
				// the stop wins: leave the transport stopped.
				self.pendingStop = false
				self.state = lifecycleStopping
				self.stateMutex.Unlock()

				glog.V(1).Infof("[c]start aborted by pending stop\n")
				stopErr := self.transport.Stop(self.ctx)
				if stopErr != nil {
					glog.Infof("[c]stop after aborted start = %s\n", stopErr)
				}

				self.stateMutex.Lock()
				self.state = lifecycleIdle
				self.transition = nil
				self.stateMutex.Unlock()
				close(transition.done)
				return nil
			}
			self.installListeners()
			self.state = lifecycleStarted
			self.transition = nil
			self.stateMutex.Unlock()
			close(transition.done)

			glog.V(1).Infof("[c]started %s\n", logId(self.transport.LocalPeerId()))
			return nil
		}
	}
}

// idempotent. A stop issued while a start is in flight does not race it: it
// marks a pending-stop intent, waits for the start to settle, and the
// transport ends stopped.
func (self *Client) Stop() error {
	for {
		self.stateMutex.Lock()
		switch self.state {
		case lifecycleIdle:
			self.stateMutex.Unlock()
			return nil

		case lifecycleStarting:
			self.pendingStop = true
			transition := self.transition
			self.stateMutex.Unlock()
			select {
			case <-transition.done:
			case <-self.ctx.Done():
				return self.ctx.Err()
			}
			// the start path performed the stop; re-evaluate to confirm

		case lifecycleStopping:
			transition := self.transition
			self.stateMutex.Unlock()
			select {
			case <-transition.done:
			case <-self.ctx.Done():
				return self.ctx.Err()
			}

		case lifecycleStarted:
			transition := &lifecycleTransition{
				done: make(chan struct{}),
			}
			self.state = lifecycleStopping
			self.transition = transition
			self.removeListeners()
			self.stateMutex.Unlock()

			err := self.transport.Stop(self.ctx)

			self.stateMutex.Lock()
			self.state = lifecycleIdle
			self.transition = nil
			self.stateMutex.Unlock()
			close(transition.done)

			glog.V(1).Infof("[c]stopped\n")
			if err != nil {
				return fmt.Errorf("transport stop: %w", err)
			}
			return nil
		}
	}
}

// must be called with stateMutex held
func (self *Client) installListeners() {
	self.unsubs = []func(){
		self.transport.AddMessageCallback(self.handleMessage),
		self.transport.AddConnectionOpenCallback(self.handleConnectionOpen),
		self.transport.AddConnectionCloseCallback(self.handleConnectionClose),
		self.transport.AddErrorCallback(self.handleTransportError),
	}
}

// must be called with stateMutex held
func (self *Client) removeListeners() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
}

func (self *Client) started() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state == lifecycleStarted
}

// addressing

func (self *Client) Connect(peerId PeerId) error {
	if !self.started() {
		return ErrNotStarted
	}
	return self.transport.Connect(self.ctx, peerId)
}

func (self *Client) Disconnect(peerId PeerId) error {
	if !self.started() {
		return ErrNotStarted
	}
	return self.transport.Disconnect(self.ctx, peerId)
}

func (self *Client) Peers() []PeerId {
	return self.transport.Peers()
}

func (self *Client) LocalPeerId() PeerId {
	return self.transport.LocalPeerId()
}

// sending

// stamps meta and broadcasts to all connected peers
func (self *Client) Send(envelope *Envelope) error {
	if !self.started() {
		return ErrNotStarted
	}
	stamped, err := self.stamp(envelope)
	if err != nil {
		return err
	}
	glog.V(2).Infof("[c]%s-> broadcast %s\n", logId(self.LocalPeerId()), envelope.Type)
	self.transport.Broadcast(stamped)
	return nil
}

// stamps meta and sends to one peer
func (self *Client) SendTo(peerId PeerId, envelope *Envelope) error {
	if !self.started() {
		return ErrNotStarted
	}
	stamped, err := self.stamp(envelope)
	if err != nil {
		return err
	}
	glog.V(2).Infof("[c]%s->%s %s\n", logId(self.LocalPeerId()), logId(peerId), envelope.Type)
	return self.transport.Send(peerId, stamped)
}

func (self *Client) stamp(envelope *Envelope) (*Envelope, error) {
	roomToken := ""
	if self.settings.RoomSecret != nil {
		var err error
		roomToken, err = self.currentRoomToken()
		if err != nil {
			return nil, err
		}
	}
	return stampEnvelope(
		envelope,
		self.settings.ProtocolVersion,
		self.settings.RoomId,
		self.transport.LocalPeerId(),
		roomToken,
	), nil
}

func (self *Client) currentRoomToken() (string, error) {
	self.tokenMutex.Lock()
	defer self.tokenMutex.Unlock()

	if self.roomToken != "" && time.Now().Before(self.roomTokenExpires) {
		return self.roomToken, nil
	}
	ttl := self.settings.RoomTokenTtl
	roomToken, err := MintRoomToken(
		self.settings.RoomSecret,
		self.settings.RoomId,
		self.transport.LocalPeerId(),
		ttl,
	)
	if err != nil {
		return "", err
	}
	self.roomToken = roomToken
	self.roomTokenExpires = time.Now().Add(ttl / 2)
	return roomToken, nil
}

// receiving

// application-defined envelope types, dispatched via the event bus
func (self *Client) OnMessage(messageType string, handler HandlerFunction) func() {
	return self.bus.On(messageType, handler)
}

func (self *Client) AddConnectionOpenCallback(callback ConnectionFunction) func() {
	return self.openCallbacks.Add(callback)
}

func (self *Client) AddConnectionCloseCallback(callback ConnectionFunction) func() {
	return self.closeCallbacks.Add(callback)
}

// reports malformed envelopes, transport receive faults, and room token
// rejections. Never called for unknown channels or out-of-room messages,
// which are dropped silently.
func (self *Client) AddErrorCallback(callback ErrorFunction) func() {
	return self.errorCallbacks.Add(callback)
}

func (self *Client) reportError(err error) {
	for _, callback := range self.errorCallbacks.Get() {
		func() {
			defer func() {
				recover()
			}()
			callback(err)
		}()
	}
}

func (self *Client) handleTransportError(err error) {
	glog.Infof("[c]transport error = %s\n", err)
	self.reportError(err)
}

func (self *Client) handleMessage(from PeerId, envelope *Envelope) {
	// room scoping is best-effort and trusts the sender's stamped value
	if envelope.Meta != nil && envelope.Meta.RoomId != "" && envelope.Meta.RoomId != self.settings.RoomId {
		glog.V(2).Infof("[c]%s<- drop out of room %s\n", logId(self.LocalPeerId()), envelope.Meta.RoomId)
		return
	}

	// the declared sender, preferred over the transport-level source so that
	// channel ownership keys on what the sender stamped
	senderId := from
	if envelope.Meta != nil && envelope.Meta.From != "" {
		senderId = envelope.Meta.From
	}

	if self.settings.RoomSecret != nil {
		roomToken := ""
		if envelope.Meta != nil {
			roomToken = envelope.Meta.RoomToken
		}
		if err := VerifyRoomToken(self.settings.RoomSecret, roomToken, self.settings.RoomId, senderId); err != nil {
			glog.Infof("[c]%s<- drop bad room token = %s\n", logId(self.LocalPeerId()), err)
			self.reportError(fmt.Errorf("room token rejected from %s: %w", senderId, err))
			return
		}
	}

	glog.V(2).Infof("[c]%s<-%s %s\n", logId(self.LocalPeerId()), logId(senderId), envelope.Type)

	switch envelope.Type {
	case MsgTypeChannelPatch:
		self.handleChannelPatch(senderId, envelope)
	case MsgTypeChannelSnapshot:
		self.handleChannelSnapshot(senderId, envelope)
	default:
		self.bus.Publish(envelope, senderId)
	}
}

func (self *Client) handleChannelPatch(from PeerId, envelope *Envelope) {
	payload := &channelPatchPayload{}
	if err := envelope.DecodePayload(payload); err != nil {
		self.reportError(fmt.Errorf("malformed channel patch: %w", err))
		return
	}
	record := self.channelRecord(payload.Channel)
	if record == nil {
		// a peer running a superset of channels. Forward compatible, ignore.
		glog.V(2).Infof("[c]unknown channel %s\n", payload.Channel)
		return
	}

	record.applyMutex.Lock()
	defer record.applyMutex.Unlock()

	// the read-apply-write is atomic against concurrent local updates: a
	// local change commits either before the apply, and becomes part of its
	// base, or after it, and is diffed against the applied state
	var applyErr error
	record.channel.UpdateState(func(base any) any {
		next, err := record.channel.ApplyPatch(base, payload.Patch, from)
		if err != nil {
			applyErr = err
			return base
		}
		record.mutex.Lock()
		record.lastKnownState = next
		record.mutex.Unlock()
		return next
	}, ChangeCause{
		Origin: OriginRemotePatch,
		From:   from,
	})
	if applyErr != nil {
		self.reportError(fmt.Errorf("apply patch on %s: %w", payload.Channel, applyErr))
	}
}

func (self *Client) handleChannelSnapshot(from PeerId, envelope *Envelope) {
	payload := &channelSnapshotPayload{}
	if err := envelope.DecodePayload(payload); err != nil {
		self.reportError(fmt.Errorf("malformed channel snapshot: %w", err))
		return
	}
	record := self.channelRecord(payload.Channel)
	if record == nil {
		glog.V(2).Infof("[c]unknown channel %s\n", payload.Channel)
		return
	}

	record.applyMutex.Lock()
	defer record.applyMutex.Unlock()

	localPeerId := self.LocalPeerId()
	var applyErr error
	record.channel.UpdateState(func(base any) any {
		next, err := record.channel.ApplySnapshot(base, payload.Snapshot, from, localPeerId)
		if err != nil {
			applyErr = err
			return base
		}
		record.mutex.Lock()
		record.lastKnownState = next
		record.mutex.Unlock()
		return next
	}, ChangeCause{
		Origin: OriginRemoteSnapshot,
		From:   from,
	})
	if applyErr != nil {
		self.reportError(fmt.Errorf("apply snapshot on %s: %w", payload.Channel, applyErr))
	}
}

// connection lifecycle

// a newly opened connection gets a full snapshot of every registered
// channel, sent to that peer only. This is what lets a late joiner catch up
// without having observed any prior patch.
func (self *Client) handleConnectionOpen(peerId PeerId) {
	glog.V(1).Infof("[c]%s open %s\n", logId(self.LocalPeerId()), logId(peerId))

	for _, callback := range self.openCallbacks.Get() {
		func() {
			defer func() {
				recover()
			}()
			callback(peerId)
		}()
	}

	for _, record := range self.channelRecords() {
		self.sendChannelSnapshot(record, peerId)
	}
}

func (self *Client) handleConnectionClose(peerId PeerId) {
	glog.V(1).Infof("[c]%s close %s\n", logId(self.LocalPeerId()), logId(peerId))

	for _, callback := range self.closeCallbacks.Get() {
		func() {
			defer func() {
				recover()
			}()
			callback(peerId)
		}()
	}
}

func (self *Client) sendChannelSnapshot(record *channelRecord, peerId PeerId) {
	snapshot := record.channel.Snapshot(record.channel.State())
	snapshotJson, err := json.Marshal(snapshot)
	if err != nil {
		self.reportError(fmt.Errorf("snapshot %s: %w", record.channel.Key(), err))
		return
	}
	envelope := RequireEnvelope(MsgTypeChannelSnapshot, &channelSnapshotPayload{
		Channel:  record.channel.Key(),
		Snapshot: snapshotJson,
	})
	if err := self.SendTo(peerId, envelope); err != nil {
		glog.V(1).Infof("[c]snapshot %s to %s = %s\n", record.channel.Key(), logId(peerId), err)
	}
}

// channels

// begins listening to the plugin's local changes immediately. If the client
// is already started, the new channel's snapshot is proactively pushed to
// every currently connected peer, covering "register after peers connected".
// Returns the unregister func.
func (self *Client) RegisterChannel(channel Channel) (func(), error) {
	record := &channelRecord{
		channel:        channel,
		lastKnownState: channel.State(),
	}

	self.channelMutex.Lock()
	if _, ok := self.channels[channel.Key()]; ok {
		self.channelMutex.Unlock()
		return nil, fmt.Errorf("channel %s already registered", channel.Key())
	}
	self.channels[channel.Key()] = record
	self.channelMutex.Unlock()

	record.unsubscribe = channel.Subscribe(func(next any) {
		self.handleLocalChange(record, next)
	})

	glog.V(1).Infof("[c]register channel %s\n", channel.Key())

	if self.started() {
		for _, peerId := range self.transport.Peers() {
			self.sendChannelSnapshot(record, peerId)
		}
	}

	unregister := func() {
		self.channelMutex.Lock()
		if self.channels[channel.Key()] == record {
			delete(self.channels, channel.Key())
		}
		self.channelMutex.Unlock()
		if record.unsubscribe != nil {
			record.unsubscribe()
		}
	}
	return unregister, nil
}

func (self *Client) channelRecord(key string) *channelRecord {
	self.channelMutex.Lock()
	defer self.channelMutex.Unlock()
	return self.channels[key]
}

func (self *Client) channelRecords() []*channelRecord {
	self.channelMutex.Lock()
	defer self.channelMutex.Unlock()

	records := make([]*channelRecord, 0, len(self.channels))
	for _, record := range self.channels {
		records = append(records, record)
	}
	return records
}

// the diff/broadcast path. Called synchronously by a channel's local-change
// subscription. The echo of a remote apply lands here too, but its diff base
// was already advanced to the applied state, so it diffs as unchanged and
// nothing is fed back out.
func (self *Client) handleLocalChange(record *channelRecord, next any) {
	record.mutex.Lock()
	prev := record.lastKnownState
	record.lastKnownState = next
	record.mutex.Unlock()

	patch, changed := record.channel.Diff(prev, next)
	if !changed {
		return
	}
	self.broadcastPatch(record, patch)
}

func (self *Client) broadcastPatch(record *channelRecord, patch any) {
	if !self.started() {
		return
	}
	patchJson, err := json.Marshal(patch)
	if err != nil {
		self.reportError(fmt.Errorf("encode patch on %s: %w", record.channel.Key(), err))
		return
	}
	envelope := RequireEnvelope(MsgTypeChannelPatch, &channelPatchPayload{
		Channel: record.channel.Key(),
		Patch:   patchJson,
	})
	if err := self.Send(envelope); err != nil {
		glog.V(1).Infof("[c]patch %s = %s\n", record.channel.Key(), err)
	}
}
