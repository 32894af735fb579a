package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const (
	RelayOpHello       = "hello"
	RelayOpSubscribe   = "sub"
	RelayOpUnsubscribe = "unsub"
	RelayOpPublish     = "pub"
	RelayOpMessage     = "msg"
	RelayOpWho         = "who"
	RelayOpPeers       = "peers"
)

// RelayFrame is the framing between a relay transport and the relay hub.
// The hub fans `pub` frames out as `msg` frames and pushes `who` and
// `peers` frames whenever membership changes. On a `who` frame
// `Addresses` lists the other members subscribed to `Topic`, on a
// `peers` frame the other members on the hub.
type RelayFrame struct {
	Op        string          `json:"op"`
	Address   string          `json:"address,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Addresses []string        `json:"addresses,omitempty"`
}

type RelayTransportSettings struct {
	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	// PingInterval keeps the connection warm. An empty message is the ping.
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	ReconnectTimeout time.Duration
	SendBufferSize   int
}

func DefaultRelayTransportSettings() *RelayTransportSettings {
	return &RelayTransportSettings{
		ConnectTimeout:   10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     15 * time.Second,
		ReadTimeout:      45 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		SendBufferSize:   64,
	}
}

// RelayTransport carries session traffic through a relay hub over a
// websocket. It reconnects on failure and replays its subscriptions, so
// the session above it never sees the connection flap.
type RelayTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	address  string
	settings *RelayTransportSettings

	mutex  sync.Mutex
	topics map[string]bool
	closed bool

	sendQueue chan *RelayFrame

	meshMutex     sync.Mutex
	topicPeers    map[string][]string
	peerAddresses []string

	receiveCallbacks *CallbackList[ReceiveFunc]
}

func NewRelayTransportWithDefaults(ctx context.Context, url string, address string) *RelayTransport {
	return NewRelayTransport(ctx, url, address, DefaultRelayTransportSettings())
}

func NewRelayTransport(ctx context.Context, url string, address string, settings *RelayTransportSettings) *RelayTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &RelayTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		address:          address,
		settings:         settings,
		topics:           map[string]bool{},
		sendQueue:        make(chan *RelayFrame, settings.SendBufferSize),
		topicPeers:       map[string][]string{},
		receiveCallbacks: NewCallbackList[ReceiveFunc](),
	}
	go transport.run()
	return transport
}

func (self *RelayTransport) run() {
	reconnect := NewReconnect(self.settings.ReconnectTimeout)
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		conn, err := self.connect()
		if err != nil {
			glog.V(1).Infof("[tr]%s connect %s err = %v\n", self.address, self.url, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}
		glog.Infof("[tr]%s connected to %s\n", self.address, self.url)

		self.serve(conn)
		conn.Close()

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *RelayTransport) connect() (*websocket.Conn, error) {
	connectCtx, connectCancel := context.WithTimeout(self.ctx, self.settings.ConnectTimeout)
	defer connectCancel()

	conn, _, err := websocket.DefaultDialer.DialContext(connectCtx, self.url, nil)
	if err != nil {
		return nil, err
	}

	// announce who we are, then replay the subscriptions
	frames := []*RelayFrame{
		{Op: RelayOpHello, Address: self.address},
	}
	self.mutex.Lock()
	for topic := range self.topics {
		frames = append(frames, &RelayFrame{Op: RelayOpSubscribe, Topic: topic})
	}
	self.mutex.Unlock()
	for _, frame := range frames {
		if err := self.writeFrame(conn, frame); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// serve pumps the connection until it errors or the transport closes.
func (self *RelayTransport) serve(conn *websocket.Conn) {
	serveCtx, serveCancel := context.WithCancel(self.ctx)
	defer serveCancel()

	go func() {
		defer serveCancel()
		ping := time.NewTicker(self.settings.PingInterval)
		defer ping.Stop()
		for {
			select {
			case <-serveCtx.Done():
				return
			case frame := <-self.sendQueue:
				if err := self.writeFrame(conn, frame); err != nil {
					glog.V(1).Infof("[tr]%s write err = %v\n", self.address, err)
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, []byte{}); err != nil {
					glog.V(1).Infof("[tr]%s ping err = %v\n", self.address, err)
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[tr]%s read err = %v\n", self.address, err)
			return
		}
		if len(data) == 0 {
			// hub ping
			continue
		}
		frame := &RelayFrame{}
		if err := json.Unmarshal(data, frame); err != nil {
			glog.V(1).Infof("[tr]%s bad frame: %v\n", self.address, err)
			continue
		}
		self.handleFrame(frame)

		select {
		case <-serveCtx.Done():
			return
		default:
		}
	}
}

func (self *RelayTransport) writeFrame(conn *websocket.Conn, frame *RelayFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (self *RelayTransport) handleFrame(frame *RelayFrame) {
	switch frame.Op {
	case RelayOpMessage:
		for _, receiveCallback := range self.receiveCallbacks.Get() {
			receiveCallback(frame.Topic, frame.Data)
		}
	case RelayOpWho:
		self.meshMutex.Lock()
		if len(frame.Addresses) == 0 {
			delete(self.topicPeers, frame.Topic)
		} else {
			self.topicPeers[frame.Topic] = slices.Clone(frame.Addresses)
		}
		self.meshMutex.Unlock()
	case RelayOpPeers:
		self.meshMutex.Lock()
		self.peerAddresses = slices.Clone(frame.Addresses)
		self.meshMutex.Unlock()
	}
}

func (self *RelayTransport) enqueue(frame *RelayFrame) error {
	select {
	case <-self.ctx.Done():
		return &TransportError{Op: frame.Op, Topic: frame.Topic, Err: ErrSessionClosed}
	case self.sendQueue <- frame:
		return nil
	default:
		return &TransportError{Op: frame.Op, Topic: frame.Topic, Err: fmt.Errorf("send queue full")}
	}
}

func (self *RelayTransport) Subscribe(topic string) error {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return &TransportError{Op: "subscribe", Topic: topic, Err: ErrSessionClosed}
	}
	self.topics[topic] = true
	self.mutex.Unlock()

	return self.enqueue(&RelayFrame{Op: RelayOpSubscribe, Topic: topic})
}

func (self *RelayTransport) Unsubscribe(topic string) error {
	self.mutex.Lock()
	delete(self.topics, topic)
	self.mutex.Unlock()

	return self.enqueue(&RelayFrame{Op: RelayOpUnsubscribe, Topic: topic})
}

func (self *RelayTransport) Publish(topic string, data []byte) error {
	return self.enqueue(&RelayFrame{
		Op:    RelayOpPublish,
		Topic: topic,
		Data:  data,
	})
}

// Connect is advisory, the hub already links every member.
func (self *RelayTransport) Connect(address string) error {
	return nil
}

func (self *RelayTransport) ConnectedPeerAddresses() []string {
	self.meshMutex.Lock()
	defer self.meshMutex.Unlock()

	return slices.Clone(self.peerAddresses)
}

func (self *RelayTransport) TopicMeshPeers(topic string) []string {
	self.meshMutex.Lock()
	defer self.meshMutex.Unlock()

	return slices.Clone(self.topicPeers[topic])
}

func (self *RelayTransport) AddReceiveCallback(receiveCallback ReceiveFunc) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *RelayTransport) Close() {
	self.mutex.Lock()
	self.closed = true
	self.mutex.Unlock()

	self.cancel()
}
