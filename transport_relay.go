package maginet

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type RelayTransportSettings struct {
	HandshakeTimeout time.Duration
	RegisterTimeout  time.Duration
	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
}

func DefaultRelayTransportSettings() *RelayTransportSettings {
	return &RelayTransportSettings{
		HandshakeTimeout: 5 * time.Second,
		RegisterTimeout:  5 * time.Second,
		ConnectTimeout:   10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
		PingTimeout:      5 * time.Second,
	}
}

// Transport over a websocket relay. All frames pass through the relay; the
// logical peer links on top of it (open/open-ack/close) are what the sync
// client sees as connections. The relay never inspects envelope payloads.
//
// There is no automatic reconnect. A dropped relay connection closes all
// peer links and surfaces an error; retry policy belongs to the caller.
type RelayTransport struct {
	url      string
	settings *RelayTransportSettings

	mutex       sync.Mutex
	started     bool
	localPeerId PeerId
	peers       []PeerId
	ws          *websocket.Conn
	runCancel   context.CancelFunc
	// peer id -> waiters for an open-ack or relay error
	pendingOpens map[PeerId][]chan error

	writeMutex sync.Mutex

	messageCallbacks CallbackList[MessageFunction]
	openCallbacks    CallbackList[ConnectionFunction]
	closeCallbacks   CallbackList[ConnectionFunction]
	errorCallbacks   CallbackList[ErrorFunction]
}

func NewRelayTransportWithDefaults(url string) *RelayTransport {
	return NewRelayTransport(url, DefaultRelayTransportSettings())
}

func NewRelayTransport(url string, settings *RelayTransportSettings) *RelayTransport {
	return &RelayTransport{
		url:          url,
		settings:     settings,
		pendingOpens: map[PeerId][]chan error{},
	}
}

// Transport implementation

func (self *RelayTransport) Start(ctx context.Context, localPeerId PeerId) error {
	self.mutex.Lock()
	if self.started {
		self.mutex.Unlock()
		return nil
	}
	self.mutex.Unlock()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.url, nil)
	if err != nil {
		return fmt.Errorf("relay dial: %w", err)
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	registerJson, err := json.Marshal(&relayFrame{
		Op:   relayOpRegister,
		From: localPeerId,
	})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, registerJson); err != nil {
		return fmt.Errorf("relay register: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.RegisterTimeout))
	_, b, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("relay register: %w", err)
	}
	frame := &relayFrame{}
	if err := json.Unmarshal(b, frame); err != nil {
		return fmt.Errorf("relay register: %w", err)
	}
	switch frame.Op {
	case relayOpRegistered:
		// the relay assigns the id when no preference was given
	case relayOpError:
		return fmt.Errorf("relay register: %s", frame.Error)
	default:
		return fmt.Errorf("relay register: unexpected %s", frame.Op)
	}

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	runCtx, runCancel := context.WithCancel(ctx)

	self.mutex.Lock()
	self.started = true
	self.localPeerId = frame.To
	self.peers = nil
	self.ws = ws
	self.runCancel = runCancel
	self.mutex.Unlock()

	go self.readLoop(runCtx, ws)
	go self.pingLoop(runCtx, ws)

	glog.V(1).Infof("[rt]%s registered at %s\n", logId(frame.To), self.url)
	success = true
	return nil
}

func (self *RelayTransport) Stop(ctx context.Context) error {
	self.mutex.Lock()
	if !self.started {
		self.mutex.Unlock()
		return nil
	}
	ws := self.ws
	runCancel := self.runCancel
	peers := slices.Clone(self.peers)
	self.started = false
	self.localPeerId = ""
	self.peers = nil
	self.ws = nil
	self.runCancel = nil
	self.mutex.Unlock()

	// best effort: tell peers their links are gone
	for _, peerId := range peers {
		self.writeFrame(ws, &relayFrame{
			Op: relayOpClose,
			To: peerId,
		})
	}
	runCancel()
	ws.Close()

	for _, peerId := range peers {
		self.fireClose(peerId)
	}
	return nil
}

func (self *RelayTransport) Connect(ctx context.Context, peerId PeerId) error {
	self.mutex.Lock()
	if !self.started {
		self.mutex.Unlock()
		return fmt.Errorf("transport not started")
	}
	if peerId == self.localPeerId || slices.Contains(self.peers, peerId) {
		// self or already connected, no-op
		self.mutex.Unlock()
		return nil
	}
	ws := self.ws
	ack := make(chan error, 1)
	self.pendingOpens[peerId] = append(self.pendingOpens[peerId], ack)
	self.mutex.Unlock()

	if err := self.writeFrame(ws, &relayFrame{
		Op: relayOpOpen,
		To: peerId,
	}); err != nil {
		self.resolveOpen(peerId, err)
		return err
	}

	timeout := time.NewTimer(self.settings.ConnectTimeout)
	defer timeout.Stop()
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return fmt.Errorf("connect %s: timeout", peerId)
	}
}

func (self *RelayTransport) Disconnect(ctx context.Context, peerId PeerId) error {
	self.mutex.Lock()
	if !self.started {
		self.mutex.Unlock()
		return fmt.Errorf("transport not started")
	}
	ws := self.ws
	var peers []PeerId
	if peerId == "" {
		peers = slices.Clone(self.peers)
	} else if slices.Contains(self.peers, peerId) {
		peers = []PeerId{peerId}
	}
	self.mutex.Unlock()

	for _, peerId := range peers {
		self.writeFrame(ws, &relayFrame{
			Op: relayOpClose,
			To: peerId,
		})
		self.dropPeer(peerId)
	}
	return nil
}

func (self *RelayTransport) Peers() []PeerId {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.peers)
}

func (self *RelayTransport) LocalPeerId() PeerId {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.localPeerId
}

func (self *RelayTransport) Send(peerId PeerId, envelope *Envelope) error {
	self.mutex.Lock()
	if !self.started {
		self.mutex.Unlock()
		return fmt.Errorf("transport not started")
	}
	ws := self.ws
	connected := slices.Contains(self.peers, peerId)
	self.mutex.Unlock()

	if !connected {
		return fmt.Errorf("not connected to %s", peerId)
	}
	b, err := envelope.Encode()
	if err != nil {
		return err
	}
	return self.writeFrame(ws, &relayFrame{
		Op:   relayOpData,
		To:   peerId,
		Data: b,
	})
}

func (self *RelayTransport) Broadcast(envelope *Envelope) {
	for _, peerId := range self.Peers() {
		// fire and forget
		self.Send(peerId, envelope)
	}
}

func (self *RelayTransport) AddMessageCallback(callback MessageFunction) func() {
	return self.messageCallbacks.Add(callback)
}

func (self *RelayTransport) AddConnectionOpenCallback(callback ConnectionFunction) func() {
	return self.openCallbacks.Add(callback)
}

func (self *RelayTransport) AddConnectionCloseCallback(callback ConnectionFunction) func() {
	return self.closeCallbacks.Add(callback)
}

func (self *RelayTransport) AddErrorCallback(callback ErrorFunction) func() {
	return self.errorCallbacks.Add(callback)
}

// internal

func (self *RelayTransport) writeFrame(ws *websocket.Conn, frame *relayFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, b)
}

func (self *RelayTransport) pingLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}

		self.writeMutex.Lock()
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		err := ws.WriteMessage(websocket.PingMessage, nil)
		self.writeMutex.Unlock()
		if err != nil {
			return
		}
	}
}

func (self *RelayTransport) readLoop(ctx context.Context, ws *websocket.Conn) {
	defer self.handleLost(ws)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, b, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				// normal stop
			default:
				glog.Infof("[rt]%s<- lost = %s\n", logId(self.LocalPeerId()), err)
				self.fireError(fmt.Errorf("relay connection lost: %w", err))
			}
			return
		}
		frame := &relayFrame{}
		if err := json.Unmarshal(b, frame); err != nil {
			self.fireError(fmt.Errorf("malformed relay frame: %w", err))
			continue
		}
		self.handleFrame(frame)
	}
}

func (self *RelayTransport) handleFrame(frame *relayFrame) {
	switch frame.Op {
	case relayOpOpen:
		// auto accept. Ack first so the opener resolves before any
		// open-triggered traffic reaches it.
		self.writeFrameToPeer(&relayFrame{
			Op: relayOpOpenAck,
			To: frame.From,
		})
		self.addPeer(frame.From)

	case relayOpOpenAck:
		self.addPeer(frame.From)
		self.resolveOpen(frame.From, nil)

	case relayOpClose, relayOpGone:
		self.dropPeer(frame.From)

	case relayOpData:
		envelope, err := DecodeEnvelope(frame.Data)
		if err != nil {
			self.fireError(err)
			return
		}
		for _, callback := range self.messageCallbacks.Get() {
			callback(frame.From, envelope)
		}

	case relayOpError:
		if frame.To != "" {
			self.resolveOpen(frame.To, fmt.Errorf("connect %s: %s", frame.To, frame.Error))
		} else {
			self.fireError(fmt.Errorf("relay: %s", frame.Error))
		}
	}
}

func (self *RelayTransport) writeFrameToPeer(frame *relayFrame) {
	self.mutex.Lock()
	ws := self.ws
	started := self.started
	self.mutex.Unlock()
	if !started {
		return
	}
	if err := self.writeFrame(ws, frame); err != nil {
		glog.V(1).Infof("[rt]->%s %s = %s\n", logId(frame.To), frame.Op, err)
	}
}

func (self *RelayTransport) addPeer(peerId PeerId) {
	self.mutex.Lock()
	if !self.started || slices.Contains(self.peers, peerId) {
		self.mutex.Unlock()
		return
	}
	self.peers = append(self.peers, peerId)
	self.mutex.Unlock()

	glog.V(1).Infof("[rt]%s open %s\n", logId(self.LocalPeerId()), logId(peerId))
	for _, callback := range self.openCallbacks.Get() {
		callback(peerId)
	}
}

func (self *RelayTransport) dropPeer(peerId PeerId) {
	self.mutex.Lock()
	i := slices.Index(self.peers, peerId)
	if i < 0 {
		self.mutex.Unlock()
		return
	}
	self.peers = slices.Delete(slices.Clone(self.peers), i, i+1)
	self.mutex.Unlock()

	self.fireClose(peerId)
}

func (self *RelayTransport) resolveOpen(peerId PeerId, err error) {
	self.mutex.Lock()
	acks := self.pendingOpens[peerId]
	delete(self.pendingOpens, peerId)
	self.mutex.Unlock()

	for _, ack := range acks {
		ack <- err
	}
}

// the relay connection dropped out from under us: every peer link is gone
func (self *RelayTransport) handleLost(ws *websocket.Conn) {
	self.mutex.Lock()
	if !self.started || self.ws != ws {
		self.mutex.Unlock()
		return
	}
	peers := slices.Clone(self.peers)
	pendingOpens := self.pendingOpens
	self.started = false
	self.localPeerId = ""
	self.peers = nil
	self.ws = nil
	self.pendingOpens = map[PeerId][]chan error{}
	self.mutex.Unlock()

	ws.Close()
	for peerId, acks := range pendingOpens {
		for _, ack := range acks {
			ack <- fmt.Errorf("connect %s: relay connection lost", peerId)
		}
	}
	for _, peerId := range peers {
		self.fireClose(peerId)
	}
}

func (self *RelayTransport) fireClose(peerId PeerId) {
	glog.V(1).Infof("[rt]close %s\n", logId(peerId))
	for _, callback := range self.closeCallbacks.Get() {
		callback(peerId)
	}
}

func (self *RelayTransport) fireError(err error) {
	for _, callback := range self.errorCallbacks.Get() {
		callback(err)
	}
}
