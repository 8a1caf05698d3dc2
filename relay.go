package maginet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// wire frames between a RelayTransport and the relay. The relay forwards
// opaque frames between named peers and nothing else: it is a rendezvous
// point, not a directory service. Mesh formation still happens peer to peer
// via gossip.
const (
	relayOpRegister   = "register"
	relayOpRegistered = "registered"
	relayOpOpen       = "open"
	relayOpOpenAck    = "open-ack"
	relayOpClose      = "close"
	relayOpGone       = "gone"
	relayOpData       = "data"
	relayOpError      = "error"
)

type relayFrame struct {
	Op    string          `json:"op"`
	From  PeerId          `json:"from,omitempty"`
	To    PeerId          `json:"to,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type RelaySettings struct {
	RegisterTimeout time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingTimeout     time.Duration
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		RegisterTimeout: 5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ReadTimeout:     30 * time.Second,
		PingTimeout:     5 * time.Second,
	}
}

type relayConn struct {
	ws         *websocket.Conn
	writeMutex sync.Mutex
}

func (self *relayConn) writeFrame(frame *relayFrame, writeTimeout time.Duration) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, b)
}

// a websocket forwarder for RelayTransport peers. http.Handler; mount it
// anywhere and point transports at the ws:// url.
type Relay struct {
	ctx context.Context

	settings *RelaySettings

	upgrader websocket.Upgrader

	mutex sync.Mutex
	conns map[PeerId]*relayConn
}

func NewRelayWithDefaults(ctx context.Context) *Relay {
	return NewRelay(ctx, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, settings *RelaySettings) *Relay {
	return &Relay{
		ctx:      ctx,
		settings: settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: map[PeerId]*relayConn{},
	}
}

func (self *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[r]upgrade = %s\n", err)
		return
	}
	defer ws.Close()

	conn := &relayConn{
		ws: ws,
	}

	// first frame must register a peer id
	ws.SetReadDeadline(time.Now().Add(self.settings.RegisterTimeout))
	_, b, err := ws.ReadMessage()
	if err != nil {
		return
	}
	frame := &relayFrame{}
	if err := json.Unmarshal(b, frame); err != nil || frame.Op != relayOpRegister {
		conn.writeFrame(&relayFrame{
			Op:    relayOpError,
			Error: "expected register",
		}, self.settings.WriteTimeout)
		return
	}

	peerId := frame.From
	if peerId == "" {
		peerId = NewPeerId()
	}

	self.mutex.Lock()
	if _, ok := self.conns[peerId]; ok {
		self.mutex.Unlock()
		conn.writeFrame(&relayFrame{
			Op:    relayOpError,
			Error: fmt.Sprintf("peer id %s already registered", peerId),
		}, self.settings.WriteTimeout)
		return
	}
	self.conns[peerId] = conn
	self.mutex.Unlock()

	glog.V(1).Infof("[r]register %s\n", logId(peerId))
	defer self.unregister(peerId)

	if err := conn.writeFrame(&relayFrame{
		Op: relayOpRegistered,
		To: peerId,
	}, self.settings.WriteTimeout); err != nil {
		return
	}

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	go self.pingLoop(conn)

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, b, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[r]%s<- closed = %s\n", logId(peerId), err)
			return
		}
		frame := &relayFrame{}
		if err := json.Unmarshal(b, frame); err != nil {
			conn.writeFrame(&relayFrame{
				Op:    relayOpError,
				Error: "malformed frame",
			}, self.settings.WriteTimeout)
			continue
		}

		// forward, rewriting the source. Peers cannot spoof each other at
		// the relay level.
		frame.From = peerId
		target := self.conn(frame.To)
		if target == nil {
			conn.writeFrame(&relayFrame{
				Op:    relayOpError,
				To:    frame.To,
				Error: fmt.Sprintf("unknown peer %s", frame.To),
			}, self.settings.WriteTimeout)
			continue
		}
		glog.V(2).Infof("[r]%s->%s %s\n", logId(peerId), logId(frame.To), frame.Op)
		if err := target.writeFrame(frame, self.settings.WriteTimeout); err != nil {
			glog.V(1).Infof("[r]->%s = %s\n", logId(frame.To), err)
		}
	}
}

func (self *Relay) conn(peerId PeerId) *relayConn {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.conns[peerId]
}

func (self *Relay) unregister(peerId PeerId) {
	self.mutex.Lock()
	if _, ok := self.conns[peerId]; !ok {
		self.mutex.Unlock()
		return
	}
	delete(self.conns, peerId)
	others := make([]*relayConn, 0, len(self.conns))
	for _, conn := range self.conns {
		others = append(others, conn)
	}
	self.mutex.Unlock()

	glog.V(1).Infof("[r]unregister %s\n", logId(peerId))
	// let everyone drop their links to the departed peer
	for _, conn := range others {
		conn.writeFrame(&relayFrame{
			Op:   relayOpGone,
			From: peerId,
		}, self.settings.WriteTimeout)
	}
}

func (self *Relay) pingLoop(conn *relayConn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}

		conn.writeMutex.Lock()
		conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		err := conn.ws.WriteMessage(websocket.PingMessage, nil)
		conn.writeMutex.Unlock()
		if err != nil {
			return
		}
	}
}
