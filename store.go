package maginet

import (
	"sync"
)

// a minimal state container with change notification. Channels are built on
// any container with an explicit subscribe lifecycle; this is the one the
// repo ships. State values are treated as immutable snapshots: `Update`
// must return a new value, never mutate the current one in place.
type Store[S any] struct {
	mutex     sync.Mutex
	state     S
	listeners CallbackList[func(next S)]
}

func NewStore[S any](initial S) *Store[S] {
	return &Store[S]{
		state: initial,
	}
}

func (self *Store[S]) Get() S {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *Store[S]) Set(next S) {
	self.mutex.Lock()
	self.state = next
	self.mutex.Unlock()

	// notify outside the lock so listeners can read or update the store
	for _, listener := range self.listeners.Get() {
		listener(next)
	}
}

func (self *Store[S]) Update(f func(state S) S) S {
	self.mutex.Lock()
	next := f(self.state)
	self.state = next
	self.mutex.Unlock()

	for _, listener := range self.listeners.Get() {
		listener(next)
	}
	return next
}

func (self *Store[S]) Subscribe(listener func(next S)) func() {
	return self.listeners.Add(listener)
}
