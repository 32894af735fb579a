package collab

import (
	"fmt"
	"slices"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// ReceiveFunc is called for every raw payload that arrives on a subscribed
// topic. Callbacks must not block.
type ReceiveFunc func(topic string, data []byte)

// Transport is the pubsub fabric under a session. Implementations carry
// opaque bytes between topic subscribers and surface mesh membership.
// All session traffic flows through exactly one transport.
type Transport interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(topic string, data []byte) error
	// Connect dials another mesh member by address. Implementations that
	// discover peers on their own may treat this as advisory.
	Connect(address string) error
	ConnectedPeerAddresses() []string
	// TopicMeshPeers lists the other mesh members currently subscribed to
	// topic. Implementations that cannot see topic membership return empty.
	TopicMeshPeers(topic string) []string
	AddReceiveCallback(receiveCallback ReceiveFunc) func()
	Close()
}

// Mesh is an in-process pubsub hub. Every transport created from the same
// mesh sees every other one, so a multi-peer session can run inside one
// process. Delivery is synchronous in the publisher's goroutine and includes
// the publisher itself when subscribed, which matches broker loopback.
type Mesh struct {
	mutex      sync.Mutex
	transports map[string]*MeshTransport
}

func NewMesh() *Mesh {
	return &Mesh{
		transports: map[string]*MeshTransport{},
	}
}

func (self *Mesh) NewTransport(address string) *MeshTransport {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	transport := &MeshTransport{
		mesh:             self,
		address:          address,
		topics:           map[string]bool{},
		receiveCallbacks: NewCallbackList[ReceiveFunc](),
	}
	self.transports[address] = transport
	return transport
}

func (self *Mesh) subscribers(topic string, exclude string) []*MeshTransport {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subscribers := []*MeshTransport{}
	for address, transport := range self.transports {
		if address == exclude {
			continue
		}
		transport.mutex.Lock()
		subscribed := transport.topics[topic]
		transport.mutex.Unlock()
		if subscribed {
			subscribers = append(subscribers, transport)
		}
	}
	return subscribers
}

func (self *Mesh) addresses(exclude string) []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	addresses := []string{}
	for address := range self.transports {
		if address != exclude {
			addresses = append(addresses, address)
		}
	}
	return addresses
}

func (self *Mesh) remove(address string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.transports, address)
}

func (self *Mesh) contains(address string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	_, ok := self.transports[address]
	return ok
}

// MeshTransport is the in-process member of a `Mesh`.
type MeshTransport struct {
	mesh    *Mesh
	address string

	mutex  sync.Mutex
	topics map[string]bool
	closed bool

	receiveCallbacks *CallbackList[ReceiveFunc]
}

func (self *MeshTransport) Address() string {
	return self.address
}

func (self *MeshTransport) Subscribe(topic string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return &TransportError{Op: "subscribe", Topic: topic, Err: ErrSessionClosed}
	}
	self.topics[topic] = true
	return nil
}

func (self *MeshTransport) Unsubscribe(topic string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.topics, topic)
	return nil
}

func (self *MeshTransport) Publish(topic string, data []byte) error {
	self.mutex.Lock()
	closed := self.closed
	self.mutex.Unlock()
	if closed {
		return &TransportError{Op: "publish", Topic: topic, Err: ErrSessionClosed}
	}

	// include self when subscribed
	subscribers := self.mesh.subscribers(topic, "")
	glog.V(2).Infof("[t]%s publish %s to %d\n", self.address, topic, len(subscribers))
	for _, subscriber := range subscribers {
		subscriber.deliver(topic, data)
	}
	return nil
}

func (self *MeshTransport) deliver(topic string, data []byte) {
	self.mutex.Lock()
	subscribed := self.topics[topic] && !self.closed
	self.mutex.Unlock()
	if !subscribed {
		return
	}
	for _, receiveCallback := range self.receiveCallbacks.Get() {
		receiveCallback(topic, data)
	}
}

func (self *MeshTransport) Connect(address string) error {
	if !self.mesh.contains(address) {
		return &TransportError{
			Op:    "connect",
			Topic: address,
			Err:   fmt.Errorf("no such member"),
		}
	}
	return nil
}

func (self *MeshTransport) ConnectedPeerAddresses() []string {
	return self.mesh.addresses(self.address)
}

func (self *MeshTransport) TopicMeshPeers(topic string) []string {
	peerAddresses := []string{}
	for _, subscriber := range self.mesh.subscribers(topic, self.address) {
		peerAddresses = append(peerAddresses, subscriber.address)
	}
	slices.Sort(peerAddresses)
	return peerAddresses
}

func (self *MeshTransport) AddReceiveCallback(receiveCallback ReceiveFunc) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *MeshTransport) Close() {
	self.mutex.Lock()
	self.closed = true
	maps.Clear(self.topics)
	self.mutex.Unlock()

	self.mesh.remove(self.address)
}
