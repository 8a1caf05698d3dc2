package maginet

import (
	"container/heap"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

// an in-process mesh of transports, for tests and local demos. Links are
// symmetric. Delivery is synchronous by default; a latency function turns a
// directed link into delayed, scheduler-ordered delivery so asymmetric
// network timing can be simulated deterministically with `Flush`.

type MemoryNetworkSettings struct {
	// per directed link. nil or a zero duration means synchronous delivery.
	Latency func(from PeerId, to PeerId) time.Duration
}

func DefaultMemoryNetworkSettings() *MemoryNetworkSettings {
	return &MemoryNetworkSettings{}
}

type MemoryNetwork struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *MemoryNetworkSettings

	mutex      sync.Mutex
	transports map[PeerId]*MemoryTransport

	queue *deliveryQueue

	pendingMutex sync.Mutex
	pendingCond  *sync.Cond
	pendingCount int
}

func NewMemoryNetwork(ctx context.Context) *MemoryNetwork {
	return NewMemoryNetworkWithSettings(ctx, DefaultMemoryNetworkSettings())
}

func NewMemoryNetworkWithSettings(ctx context.Context, settings *MemoryNetworkSettings) *MemoryNetwork {
	cancelCtx, cancel := context.WithCancel(ctx)
	network := &MemoryNetwork{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		transports: map[PeerId]*MemoryTransport{},
		queue:      newDeliveryQueue(),
	}
	network.pendingCond = sync.NewCond(&network.pendingMutex)
	go network.run()
	return network
}

func (self *MemoryNetwork) NewTransport() *MemoryTransport {
	return &MemoryTransport{
		network: self,
	}
}

func (self *MemoryNetwork) Close() {
	self.cancel()
}

// blocks until every scheduled delivery has been handed to its receiver,
// including deliveries those receivers scheduled in turn
func (self *MemoryNetwork) Flush() {
	self.pendingMutex.Lock()
	defer self.pendingMutex.Unlock()
	for 0 < self.pendingCount {
		self.pendingCond.Wait()
	}
}

func (self *MemoryNetwork) attach(peerId PeerId, transport *MemoryTransport) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.transports[peerId]; ok {
		return fmt.Errorf("peer id %s already attached", peerId)
	}
	self.transports[peerId] = transport
	return nil
}

func (self *MemoryNetwork) detach(peerId PeerId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.transports, peerId)
}

func (self *MemoryNetwork) transport(peerId PeerId) *MemoryTransport {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.transports[peerId]
}

func (self *MemoryNetwork) send(from PeerId, to PeerId, b []byte) {
	target := self.transport(to)
	if target == nil {
		return
	}

	var latency time.Duration
	if self.settings.Latency != nil {
		latency = self.settings.Latency(from, to)
	}
	if latency <= 0 {
		target.receive(from, b)
		return
	}

	self.pendingMutex.Lock()
	self.pendingCount += 1
	self.pendingMutex.Unlock()

	self.queue.Add(&delivery{
		deliverAt: time.Now().Add(latency),
		from:      from,
		to:        target,
		b:         b,
	})
}

func (self *MemoryNetwork) run() {
	for {
		d := self.queue.PeekFirst()
		if d == nil {
			select {
			case <-self.ctx.Done():
				return
			case <-self.queue.updated:
			}
			continue
		}

		now := time.Now()
		if now.Before(d.deliverAt) {
			timeout := time.NewTimer(d.deliverAt.Sub(now))
			select {
			case <-self.ctx.Done():
				timeout.Stop()
				return
			case <-self.queue.updated:
				// an earlier delivery may have been added
			case <-timeout.C:
			}
			timeout.Stop()
			continue
		}

		d = self.queue.RemoveFirst()
		if d != nil {
			d.to.receive(d.from, d.b)

			self.pendingMutex.Lock()
			self.pendingCount -= 1
			self.pendingMutex.Unlock()
			self.pendingCond.Broadcast()
		}
	}
}

type delivery struct {
	deliverAt time.Time
	// preserves add order among deliveries due at the same instant,
	// which keeps a single link strictly FIFO
	seq  uint64
	from PeerId
	to   *MemoryTransport
	b    []byte

	// the index of the item in the heap
	heapIndex int
}

// ordered by (deliverAt, seq)
type deliveryQueue struct {
	mutex             sync.Mutex
	orderedDeliveries []*delivery
	nextSeq           uint64

	updated chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	queue := &deliveryQueue{
		orderedDeliveries: []*delivery{},
		updated:           make(chan struct{}, 1),
	}
	heap.Init(queue)
	return queue
}

func (self *deliveryQueue) Add(d *delivery) {
	self.mutex.Lock()
	d.seq = self.nextSeq
	self.nextSeq += 1
	heap.Push(self, d)
	self.mutex.Unlock()

	select {
	case self.updated <- struct{}{}:
	default:
	}
}

func (self *deliveryQueue) PeekFirst() *delivery {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.orderedDeliveries) == 0 {
		return nil
	}
	return self.orderedDeliveries[0]
}

func (self *deliveryQueue) RemoveFirst() *delivery {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.orderedDeliveries) == 0 {
		return nil
	}
	return heap.Remove(self, 0).(*delivery)
}

// heap.Interface

func (self *deliveryQueue) Push(x any) {
	d := x.(*delivery)
	d.heapIndex = len(self.orderedDeliveries)
	self.orderedDeliveries = append(self.orderedDeliveries, d)
}

func (self *deliveryQueue) Pop() any {
	n := len(self.orderedDeliveries)
	i := n - 1
	d := self.orderedDeliveries[i]
	self.orderedDeliveries[i] = nil
	self.orderedDeliveries = self.orderedDeliveries[:n-1]
	return d
}

// sort.Interface

func (self *deliveryQueue) Len() int {
	return len(self.orderedDeliveries)
}

func (self *deliveryQueue) Less(i int, j int) bool {
	a := self.orderedDeliveries[i]
	b := self.orderedDeliveries[j]
	if !a.deliverAt.Equal(b.deliverAt) {
		return a.deliverAt.Before(b.deliverAt)
	}
	return a.seq < b.seq
}

func (self *deliveryQueue) Swap(i int, j int) {
	a := self.orderedDeliveries[i]
	b := self.orderedDeliveries[j]
	b.heapIndex = i
	self.orderedDeliveries[i] = b
	a.heapIndex = j
	self.orderedDeliveries[j] = a
}

type MemoryTransport struct {
	network *MemoryNetwork

	mutex       sync.Mutex
	started     bool
	localPeerId PeerId
	peers       []PeerId

	messageCallbacks CallbackList[MessageFunction]
	openCallbacks    CallbackList[ConnectionFunction]
	closeCallbacks   CallbackList[ConnectionFunction]
	errorCallbacks   CallbackList[ErrorFunction]
}

// Transport implementation

func (self *MemoryTransport) Start(ctx context.Context, localPeerId PeerId) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.started {
		return nil
	}
	if localPeerId == "" {
		localPeerId = NewPeerId()
	}
	if err := self.network.attach(localPeerId, self); err != nil {
		return err
	}
	self.localPeerId = localPeerId
	self.started = true
	return nil
}

func (self *MemoryTransport) Stop(ctx context.Context) error {
	self.mutex.Lock()
	if !self.started {
		self.mutex.Unlock()
		return nil
	}
	localPeerId := self.localPeerId
	peers := slices.Clone(self.peers)
	self.started = false
	self.localPeerId = ""
	self.peers = nil
	self.mutex.Unlock()

	self.network.detach(localPeerId)
	for _, peerId := range peers {
		if target := self.network.transport(peerId); target != nil {
			target.dropLink(localPeerId)
		}
	}
	return nil
}

func (self *MemoryTransport) Connect(ctx context.Context, peerId PeerId) error {
	self.mutex.Lock()
	if !self.started {
		self.mutex.Unlock()
		return fmt.Errorf("transport not started")
	}
	localPeerId := self.localPeerId
	if peerId == localPeerId || slices.Contains(self.peers, peerId) {
		// self or already connected, no-op
		self.mutex.Unlock()
		return nil
	}
	self.mutex.Unlock()

	target := self.network.transport(peerId)
	if target == nil {
		return fmt.Errorf("unknown peer %s", peerId)
	}

	self.addLink(peerId)
	target.addLink(localPeerId)

	glog.V(1).Infof("[mt]%s<->%s open\n", logId(localPeerId), logId(peerId))
	self.fireOpen(peerId)
	target.fireOpen(localPeerId)
	return nil
}

func (self *MemoryTransport) Disconnect(ctx context.Context, peerId PeerId) error {
	self.mutex.Lock()
	if !self.started {
		self.mutex.Unlock()
		return fmt.Errorf("transport not started")
	}
	localPeerId := self.localPeerId
	var peers []PeerId
	if peerId == "" {
		peers = slices.Clone(self.peers)
	} else if slices.Contains(self.peers, peerId) {
		peers = []PeerId{peerId}
	}
	self.mutex.Unlock()

	for _, peerId := range peers {
		self.dropLink(peerId)
		if target := self.network.transport(peerId); target != nil {
			target.dropLink(localPeerId)
		}
	}
	return nil
}

func (self *MemoryTransport) Peers() []PeerId {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.peers)
}

func (self *MemoryTransport) LocalPeerId() PeerId {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.localPeerId
}

func (self *MemoryTransport) Send(peerId PeerId, envelope *Envelope) error {
	self.mutex.Lock()
	if !self.started {
		self.mutex.Unlock()
		return fmt.Errorf("transport not started")
	}
	localPeerId := self.localPeerId
	connected := slices.Contains(self.peers, peerId)
	self.mutex.Unlock()

	if !connected {
		return fmt.Errorf("not connected to %s", peerId)
	}
	b, err := envelope.Encode()
	if err != nil {
		return err
	}
	self.network.send(localPeerId, peerId, b)
	return nil
}

func (self *MemoryTransport) Broadcast(envelope *Envelope) {
	for _, peerId := range self.Peers() {
		// fire and forget
		self.Send(peerId, envelope)
	}
}

func (self *MemoryTransport) AddMessageCallback(callback MessageFunction) func() {
	return self.messageCallbacks.Add(callback)
}

func (self *MemoryTransport) AddConnectionOpenCallback(callback ConnectionFunction) func() {
	return self.openCallbacks.Add(callback)
}

func (self *MemoryTransport) AddConnectionCloseCallback(callback ConnectionFunction) func() {
	return self.closeCallbacks.Add(callback)
}

func (self *MemoryTransport) AddErrorCallback(callback ErrorFunction) func() {
	return self.errorCallbacks.Add(callback)
}

// internal

func (self *MemoryTransport) addLink(peerId PeerId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !slices.Contains(self.peers, peerId) {
		self.peers = append(self.peers, peerId)
	}
}

func (self *MemoryTransport) dropLink(peerId PeerId) {
	self.mutex.Lock()
	i := slices.Index(self.peers, peerId)
	if i < 0 {
		self.mutex.Unlock()
		return
	}
	self.peers = slices.Delete(slices.Clone(self.peers), i, i+1)
	self.mutex.Unlock()

	for _, callback := range self.closeCallbacks.Get() {
		callback(peerId)
	}
}

func (self *MemoryTransport) fireOpen(peerId PeerId) {
	for _, callback := range self.openCallbacks.Get() {
		callback(peerId)
	}
}

// the wire boundary: bytes in, validated envelope or reported error out
func (self *MemoryTransport) receive(from PeerId, b []byte) {
	self.mutex.Lock()
	started := self.started
	self.mutex.Unlock()
	if !started {
		return
	}

	envelope, err := DecodeEnvelope(b)
	if err != nil {
		for _, callback := range self.errorCallbacks.Get() {
			callback(err)
		}
		return
	}
	for _, callback := range self.messageCallbacks.Get() {
		callback(from, envelope)
	}
}
