package maginet

import (
	"sync"

	"github.com/golang/glog"
)

type HandlerFunction func(envelope *Envelope, from PeerId)

// in-process publish/subscribe keyed by envelope type, used by the client to
// dispatch inbound application envelopes that are already validated and
// already room-scoped. Handlers for one type run synchronously in
// registration order. Handler panics are suppressed so one handler cannot
// break dispatch to the others.
type Bus struct {
	mutex    sync.Mutex
	handlers map[string]*CallbackList[HandlerFunction]
}

func NewBus() *Bus {
	return &Bus{
		handlers: map[string]*CallbackList[HandlerFunction]{},
	}
}

func (self *Bus) On(messageType string, handler HandlerFunction) func() {
	self.mutex.Lock()
	handlerList, ok := self.handlers[messageType]
	if !ok {
		handlerList = &CallbackList[HandlerFunction]{}
		self.handlers[messageType] = handlerList
	}
	self.mutex.Unlock()

	return handlerList.Add(handler)
}

func (self *Bus) Publish(envelope *Envelope, from PeerId) {
	self.mutex.Lock()
	handlerList, ok := self.handlers[envelope.Type]
	self.mutex.Unlock()
	if !ok {
		glog.V(2).Infof("[bus]no handler for %s\n", envelope.Type)
		return
	}

	for _, handler := range handlerList.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[bus]handler panic for %s = %s\n", envelope.Type, r)
				}
			}()
			handler(envelope, from)
		}()
	}
}
