package maginet

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pion/webrtc/v3"
)

// answers an inbound offer
type OfferFunction func(from PeerId, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

// the out-of-band half of the webrtc handshake. The transport does not care
// how descriptions travel: a shared relay, a rendezvous api, or an
// in-process exchange all work. Candidates ride inside the descriptions
// (non-trickle): one offer/answer round per connection.
type Signaler interface {
	// receive offers addressed to the local peer. Returns unsubscribe.
	Listen(localPeerId PeerId, handler OfferFunction) (func(), error)

	// deliver an offer and wait for the answer
	Offer(ctx context.Context, from PeerId, to PeerId, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
}

// in-process signaler for transports in one process
type MemorySignaler struct {
	mutex    sync.Mutex
	handlers map[PeerId]OfferFunction
}

func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		handlers: map[PeerId]OfferFunction{},
	}
}

func (self *MemorySignaler) Listen(localPeerId PeerId, handler OfferFunction) (func(), error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.handlers[localPeerId]; ok {
		return nil, fmt.Errorf("peer id %s already listening", localPeerId)
	}
	self.handlers[localPeerId] = handler
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.handlers, localPeerId)
	}, nil
}

func (self *MemorySignaler) Offer(ctx context.Context, from PeerId, to PeerId, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	self.mutex.Lock()
	handler, ok := self.handlers[to]
	self.mutex.Unlock()
	if !ok {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown peer %s", to)
	}
	return handler(from, offer)
}

type WebRtcTransportSettings struct {
	IceUrls        []string
	ConnectTimeout time.Duration
}

func DefaultWebRtcTransportSettings() *WebRtcTransportSettings {
	return &WebRtcTransportSettings{
		IceUrls:        []string{"stun:stun.l.google.com:19302"},
		ConnectTimeout: 10 * time.Second,
	}
}

const webRtcDataChannelLabel = "sync"

type webRtcPeer struct {
	peerId PeerId
	pc     *webrtc.PeerConnection

	mutex sync.Mutex
	dc    *webrtc.DataChannel

	opened   chan struct{}
	openOnce sync.Once
}

func (self *webRtcPeer) setDataChannel(dc *webrtc.DataChannel) {
	self.mutex.Lock()
	self.dc = dc
	self.mutex.Unlock()
}

func (self *webRtcPeer) dataChannel() *webrtc.DataChannel {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.dc
}

// Transport over webrtc data channels, one peer connection per peer
type WebRtcTransport struct {
	signaler Signaler
	settings *WebRtcTransportSettings

	mutex       sync.Mutex
	started     bool
	localPeerId PeerId
	conns       map[PeerId]*webRtcPeer
	unlisten    func()

	messageCallbacks CallbackList[MessageFunction]
	openCallbacks    CallbackList[ConnectionFunction]
	closeCallbacks   CallbackList[ConnectionFunction]
	errorCallbacks   CallbackList[ErrorFunction]
}

func NewWebRtcTransportWithDefaults(signaler Signaler) *WebRtcTransport {
	return NewWebRtcTransport(signaler, DefaultWebRtcTransportSettings())
}

func NewWebRtcTransport(signaler Signaler, settings *WebRtcTransportSettings) *WebRtcTransport {
	return &WebRtcTransport{
		signaler: signaler,
		settings: settings,
		conns:    map[PeerId]*webRtcPeer{},
	}
}

// Transport implementation

func (self *WebRtcTransport) Start(ctx context.Context, localPeerId PeerId) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.started {
		return nil
	}
	if localPeerId == "" {
		localPeerId = NewPeerId()
	}
	unlisten, err := self.signaler.Listen(localPeerId, self.handleOffer)
	if err != nil {
		return err
	}
	self.localPeerId = localPeerId
	self.unlisten = unlisten
	self.started = true
	return nil
}

func (self *WebRtcTransport) Stop(ctx context.Context) error {
	self.mutex.Lock()
	if !self.started {
		self.mutex.Unlock()
		return nil
	}
	unlisten := self.unlisten
	conns := self.conns
	self.started = false
	self.localPeerId = ""
	self.conns = map[PeerId]*webRtcPeer{}
	self.unlisten = nil
	self.mutex.Unlock()

	unlisten()
	for _, conn := range conns {
		conn.pc.Close()
		self.fireClose(conn.peerId)
	}
	return nil
}

func (self *WebRtcTransport) Connect(ctx context.Context, peerId PeerId) error {
	self.mutex.Lock()
	if !self.started {
		self.mutex.Unlock()
		return fmt.Errorf("transport not started")
	}
	localPeerId := self.localPeerId
	if peerId == localPeerId {
		self.mutex.Unlock()
		return nil
	}
	if _, ok := self.conns[peerId]; ok {
		// already connected or connecting, no-op
		self.mutex.Unlock()
		return nil
	}
	pc, err := self.newPeerConnection()
	if err != nil {
		self.mutex.Unlock()
		return err
	}
	conn := &webRtcPeer{
		peerId: peerId,
		pc:     pc,
		opened: make(chan struct{}),
	}
	self.conns[peerId] = conn
	self.mutex.Unlock()

	success := false
	defer func() {
		if !success {
			self.removeConn(conn)
			pc.Close()
		}
	}()

	dc, err := pc.CreateDataChannel(webRtcDataChannelLabel, nil)
	if err != nil {
		return err
	}
	self.wireDataChannel(conn, dc)
	self.wirePeerConnection(conn)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	// non-trickle: wait for candidates to land in the local description
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return ctx.Err()
	}

	answer, err := self.signaler.Offer(ctx, localPeerId, peerId, *pc.LocalDescription())
	if err != nil {
		return fmt.Errorf("signal offer to %s: %w", peerId, err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return err
	}

	timeout := time.NewTimer(self.settings.ConnectTimeout)
	defer timeout.Stop()
	select {
	case <-conn.opened:
		success = true
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return fmt.Errorf("connect %s: timeout", peerId)
	}
}

func (self *WebRtcTransport) Disconnect(ctx context.Context, peerId PeerId) error {
	self.mutex.Lock()
	if !self.started {
		self.mutex.Unlock()
		return fmt.Errorf("transport not started")
	}
	var conns []*webRtcPeer
	if peerId == "" {
		for _, conn := range self.conns {
			conns = append(conns, conn)
		}
	} else if conn, ok := self.conns[peerId]; ok {
		conns = []*webRtcPeer{conn}
	}
	for _, conn := range conns {
		delete(self.conns, conn.peerId)
	}
	self.mutex.Unlock()

	for _, conn := range conns {
		conn.pc.Close()
		self.fireClose(conn.peerId)
	}
	return nil
}

func (self *WebRtcTransport) Peers() []PeerId {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	peers := []PeerId{}
	for peerId, conn := range self.conns {
		select {
		case <-conn.opened:
			peers = append(peers, peerId)
		default:
			// still connecting
		}
	}
	slices.Sort(peers)
	return peers
}

func (self *WebRtcTransport) LocalPeerId() PeerId {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.localPeerId
}

func (self *WebRtcTransport) Send(peerId PeerId, envelope *Envelope) error {
	self.mutex.Lock()
	conn, ok := self.conns[peerId]
	self.mutex.Unlock()
	if !ok {
		return fmt.Errorf("not connected to %s", peerId)
	}
	dc := conn.dataChannel()
	if dc == nil {
		return fmt.Errorf("not connected to %s", peerId)
	}
	b, err := envelope.Encode()
	if err != nil {
		return err
	}
	return dc.Send(b)
}

func (self *WebRtcTransport) Broadcast(envelope *Envelope) {
	for _, peerId := range self.Peers() {
		// fire and forget
		self.Send(peerId, envelope)
	}
}

func (self *WebRtcTransport) AddMessageCallback(callback MessageFunction) func() {
	return self.messageCallbacks.Add(callback)
}

func (self *WebRtcTransport) AddConnectionOpenCallback(callback ConnectionFunction) func() {
	return self.openCallbacks.Add(callback)
}

func (self *WebRtcTransport) AddConnectionCloseCallback(callback ConnectionFunction) func() {
	return self.closeCallbacks.Add(callback)
}

func (self *WebRtcTransport) AddErrorCallback(callback ErrorFunction) func() {
	return self.errorCallbacks.Add(callback)
}

// internal

func (self *WebRtcTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: self.settings.IceUrls,
			},
		},
	})
}

// answering side of the handshake
func (self *WebRtcTransport) handleOffer(from PeerId, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	self.mutex.Lock()
	if !self.started {
		self.mutex.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("transport not started")
	}
	if _, ok := self.conns[from]; ok {
		self.mutex.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("already connected to %s", from)
	}
	pc, err := self.newPeerConnection()
	if err != nil {
		self.mutex.Unlock()
		return webrtc.SessionDescription{}, err
	}
	conn := &webRtcPeer{
		peerId: from,
		pc:     pc,
		opened: make(chan struct{}),
	}
	self.conns[from] = conn
	self.mutex.Unlock()

	success := false
	defer func() {
		if !success {
			self.removeConn(conn)
			pc.Close()
		}
	}()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		self.wireDataChannel(conn, dc)
	})
	self.wirePeerConnection(conn)

	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	<-webrtc.GatheringCompletePromise(pc)

	success = true
	return *pc.LocalDescription(), nil
}

func (self *WebRtcTransport) wireDataChannel(conn *webRtcPeer, dc *webrtc.DataChannel) {
	conn.setDataChannel(dc)

	dc.OnOpen(func() {
		conn.openOnce.Do(func() {
			close(conn.opened)
			glog.V(1).Infof("[wt]%s open %s\n", logId(self.LocalPeerId()), logId(conn.peerId))
			for _, callback := range self.openCallbacks.Get() {
				callback(conn.peerId)
			}
		})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		envelope, err := DecodeEnvelope(msg.Data)
		if err != nil {
			for _, callback := range self.errorCallbacks.Get() {
				callback(err)
			}
			return
		}
		for _, callback := range self.messageCallbacks.Get() {
			callback(conn.peerId, envelope)
		}
	})
	dc.OnClose(func() {
		self.handleGone(conn)
	})
}

func (self *WebRtcTransport) wirePeerConnection(conn *webRtcPeer) {
	conn.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			self.handleGone(conn)
		}
	})
}

func (self *WebRtcTransport) handleGone(conn *webRtcPeer) {
	if self.removeConn(conn) {
		conn.pc.Close()
		self.fireClose(conn.peerId)
	}
}

func (self *WebRtcTransport) removeConn(conn *webRtcPeer) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.conns[conn.peerId] != conn {
		return false
	}
	delete(self.conns, conn.peerId)
	return true
}

func (self *WebRtcTransport) fireClose(peerId PeerId) {
	for _, callback := range self.closeCallbacks.Get() {
		callback(peerId)
	}
}
