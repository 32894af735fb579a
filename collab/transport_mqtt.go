package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/golang/glog"
)

type MqttTransportSettings struct {
	Qos               byte
	ConnectTimeout    time.Duration
	SubscribeTimeout  time.Duration
	PublishTimeout    time.Duration
	DisconnectQuiesce uint
}

func DefaultMqttTransportSettings() *MqttTransportSettings {
	return &MqttTransportSettings{
		Qos:               0,
		ConnectTimeout:    10 * time.Second,
		SubscribeTimeout:  5 * time.Second,
		PublishTimeout:    5 * time.Second,
		DisconnectQuiesce: 250,
	}
}

// MqttTransport runs session traffic through an mqtt broker. The client
// auto reconnects and subscriptions are replayed on every connect. The
// broker hides mesh membership, so peer addresses and topic counts come
// back empty, presence fills that picture in above.
type MqttTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId string
	settings *MqttTransportSettings

	client mqtt.Client

	mutex  sync.Mutex
	topics map[string]bool
	closed bool

	receiveCallbacks *CallbackList[ReceiveFunc]
}

func NewMqttTransportWithDefaults(ctx context.Context, brokerUrl string, clientId string) (*MqttTransport, error) {
	return NewMqttTransport(ctx, brokerUrl, clientId, DefaultMqttTransportSettings())
}

func NewMqttTransport(ctx context.Context, brokerUrl string, clientId string, settings *MqttTransportSettings) (*MqttTransport, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &MqttTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		clientId:         clientId,
		settings:         settings,
		topics:           map[string]bool{},
		receiveCallbacks: NewCallbackList[ReceiveFunc](),
	}

	options := mqtt.NewClientOptions()
	options.AddBroker(brokerUrl)
	options.SetClientID(clientId)
	options.SetAutoReconnect(true)
	options.SetOnConnectHandler(func(client mqtt.Client) {
		glog.Infof("[tm]%s connected to %s\n", clientId, brokerUrl)
		transport.resubscribe()
	})
	options.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		glog.V(1).Infof("[tm]%s connection lost: %v\n", clientId, err)
	})
	transport.client = mqtt.NewClient(options)

	token := transport.client.Connect()
	if !token.WaitTimeout(settings.ConnectTimeout) {
		cancel()
		return nil, &TransportError{Op: "connect", Topic: brokerUrl, Err: fmt.Errorf("timeout")}
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, &TransportError{Op: "connect", Topic: brokerUrl, Err: err}
	}
	return transport, nil
}

func (self *MqttTransport) resubscribe() {
	self.mutex.Lock()
	topics := make([]string, 0, len(self.topics))
	for topic := range self.topics {
		topics = append(topics, topic)
	}
	self.mutex.Unlock()

	for _, topic := range topics {
		token := self.client.Subscribe(topic, self.settings.Qos, self.receive)
		if token.WaitTimeout(self.settings.SubscribeTimeout) && token.Error() != nil {
			glog.V(1).Infof("[tm]%s resubscribe %s err = %v\n", self.clientId, topic, token.Error())
		}
	}
}

func (self *MqttTransport) receive(client mqtt.Client, message mqtt.Message) {
	for _, receiveCallback := range self.receiveCallbacks.Get() {
		receiveCallback(message.Topic(), message.Payload())
	}
}

func (self *MqttTransport) Subscribe(topic string) error {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return &TransportError{Op: "subscribe", Topic: topic, Err: ErrSessionClosed}
	}
	self.topics[topic] = true
	self.mutex.Unlock()

	token := self.client.Subscribe(topic, self.settings.Qos, self.receive)
	if !token.WaitTimeout(self.settings.SubscribeTimeout) {
		return &TransportError{Op: "subscribe", Topic: topic, Err: fmt.Errorf("timeout")}
	}
	if err := token.Error(); err != nil {
		return &TransportError{Op: "subscribe", Topic: topic, Err: err}
	}
	return nil
}

func (self *MqttTransport) Unsubscribe(topic string) error {
	self.mutex.Lock()
	delete(self.topics, topic)
	self.mutex.Unlock()

	token := self.client.Unsubscribe(topic)
	if !token.WaitTimeout(self.settings.SubscribeTimeout) {
		return &TransportError{Op: "unsubscribe", Topic: topic, Err: fmt.Errorf("timeout")}
	}
	if err := token.Error(); err != nil {
		return &TransportError{Op: "unsubscribe", Topic: topic, Err: err}
	}
	return nil
}

func (self *MqttTransport) Publish(topic string, data []byte) error {
	self.mutex.Lock()
	closed := self.closed
	self.mutex.Unlock()
	if closed {
		return &TransportError{Op: "publish", Topic: topic, Err: ErrSessionClosed}
	}

	token := self.client.Publish(topic, self.settings.Qos, false, data)
	if !token.WaitTimeout(self.settings.PublishTimeout) {
		return &TransportError{Op: "publish", Topic: topic, Err: fmt.Errorf("timeout")}
	}
	if err := token.Error(); err != nil {
		return &TransportError{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

// Connect is advisory, the broker is the only link.
func (self *MqttTransport) Connect(address string) error {
	return nil
}

func (self *MqttTransport) ConnectedPeerAddresses() []string {
	return []string{}
}

func (self *MqttTransport) TopicMeshPeers(topic string) []string {
	return []string{}
}

func (self *MqttTransport) AddReceiveCallback(receiveCallback ReceiveFunc) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *MqttTransport) Close() {
	self.mutex.Lock()
	self.closed = true
	self.mutex.Unlock()

	self.cancel()
	self.client.Disconnect(self.settings.DisconnectQuiesce)
}
