package collab

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/golang/glog"
)

// Handler receives one decoded envelope. `payload` is the concrete pointer
// type for the envelope type, from the closed message set.
type Handler func(topic string, envelope *Envelope, payload any)

// Router fans incoming transport payloads out to per-type handlers and
// stamps outgoing payloads into envelopes. One router serves one peer:
// it drops the peer's own envelopes coming back from broker loopback,
// and drops exact duplicate frames using a bounded seen cache.
type Router struct {
	peerId    string
	transport Transport
	clock     clock.Clock

	seen *lru.Cache[uint64, bool]

	mutex    sync.Mutex
	handlers map[MessageType][]*handlerEntry

	removeCallback func()
}

type handlerEntry struct {
	handlerId Id
	handler   Handler
}

func NewRouter(peerId string, transport Transport, clk clock.Clock, seenCacheSize int) *Router {
	seen, _ := lru.New[uint64, bool](seenCacheSize)
	router := &Router{
		peerId:    peerId,
		transport: transport,
		clock:     clk,
		seen:      seen,
		handlers:  map[MessageType][]*handlerEntry{},
	}
	router.removeCallback = transport.AddReceiveCallback(router.receive)
	return router
}

func (self *Router) AddHandler(messageType MessageType, handler Handler) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := &handlerEntry{
		handlerId: NewId(),
		handler:   handler,
	}
	self.handlers[messageType] = append(self.handlers[messageType], entry)
	return func() {
		self.removeHandler(messageType, entry.handlerId)
	}
}

func (self *Router) removeHandler(messageType MessageType, handlerId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entries := self.handlers[messageType]
	for i, entry := range entries {
		if entry.handlerId == handlerId {
			self.handlers[messageType] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Send wraps payload into an envelope from this peer and publishes it.
func (self *Router) Send(topic string, documentId string, payload any) error {
	envelope, err := ToEnvelope(payload, self.peerId, documentId, self.clock.Now())
	if err != nil {
		return err
	}
	return self.SendEnvelope(topic, envelope)
}

func (self *Router) SendEnvelope(topic string, envelope *Envelope) error {
	data, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}
	glog.V(2).Infof("[r]%s send %s to %s\n", self.peerId, envelope.Type, topic)
	return self.transport.Publish(topic, data)
}

func (self *Router) receive(topic string, data []byte) {
	envelopes, err := DecodeEnvelopes(data)
	if err != nil {
		glog.V(1).Infof("[r]%s drop payload on %s: %v\n", self.peerId, topic, err)
		return
	}
	for _, envelope := range envelopes {
		self.route(topic, envelope)
	}
}

func (self *Router) route(topic string, envelope *Envelope) {
	if envelope.From == self.peerId {
		// broker loopback of our own publish
		return
	}

	seenKey := envelopeSeenKey(envelope)
	if _, ok := self.seen.Get(seenKey); ok {
		glog.V(2).Infof("[r]%s drop duplicate %s from %s\n", self.peerId, envelope.Type, envelope.From)
		return
	}
	self.seen.Add(seenKey, true)

	payload, err := FromEnvelope(envelope)
	if err != nil {
		// unknown or malformed types are dropped, the mesh carries
		// traffic from newer clients too
		glog.V(1).Infof("[r]%s drop %s from %s: %v\n", self.peerId, envelope.Type, envelope.From, err)
		return
	}

	self.mutex.Lock()
	entries := self.handlers[envelope.Type]
	handlers := make([]Handler, 0, len(entries))
	for _, entry := range entries {
		handlers = append(handlers, entry.handler)
	}
	self.mutex.Unlock()

	for _, handler := range handlers {
		handler(topic, envelope, payload)
	}
}

func (self *Router) Close() {
	if self.removeCallback != nil {
		self.removeCallback()
	}
}

func envelopeSeenKey(envelope *Envelope) uint64 {
	h := xxhash.New()
	h.WriteString(envelope.From)
	h.WriteString("/")
	h.WriteString(string(envelope.Type))
	h.WriteString("/")
	h.WriteString(envelope.DocumentId)
	h.WriteString("/")
	var ts [8]byte
	for i := 0; i < 8; i += 1 {
		ts[i] = byte(envelope.Timestamp >> (8 * i))
	}
	h.Write(ts[:])
	h.Write(envelope.Data)
	return h.Sum64()
}
