package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"github.com/docmesh/collab/collab"
)

const CollabRelayVersion = "0.0.1"

const (
	WriteTimeout   = 5 * time.Second
	ReadTimeout    = 60 * time.Second
	SendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func main() {
	usage := `Collab relay hub.

The hub links relay transports into one mesh. A pub frame from a member
fans out as msg frames to every member subscribed to its topic, and the
hub pushes who and peers frames whenever membership changes.

Usage:
    collabrelay serve [--listen=<listen>] [--path=<path>]

Options:
    -h --help          Show this screen.
    --version          Show version.
    --listen=<listen>  Listen address [default: :8090].
    --path=<path>      Websocket path [default: /mesh].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabRelayVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse([]string{})

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else {
		docopt.PrintHelpAndExit(nil, usage)
	}
}

func serve(opts docopt.Opts) {
	listen, _ := opts.String("--listen")
	meshPath, _ := opts.String("--path")

	h := newHub()
	mux := http.NewServeMux()
	mux.HandleFunc(meshPath, h.handleMesh)

	server := &http.Server{
		Addr:    listen,
		Handler: mux,
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		glog.Infof("[hub]closing\n")
		server.Close()
	}()

	glog.Infof("[hub]serving ws://%s%s\n", listen, meshPath)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("[hub]serve err = %v\n", err)
	}
}

type member struct {
	conn      *websocket.Conn
	sendQueue chan []byte

	mutex   sync.Mutex
	address string
	topics  map[string]bool
}

func (self *member) label() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.address == "" {
		return self.conn.RemoteAddr().String()
	}
	return self.address
}

func (self *member) getAddress() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.address
}

func (self *member) subscribed(topic string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.topics[topic]
}

func (self *member) topicList() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	topics := make([]string, 0, len(self.topics))
	for topic := range self.topics {
		topics = append(topics, topic)
	}
	return topics
}

// enqueue hands a frame to the write pump. A full queue drops the frame,
// a slow member must not stall the hub.
func (self *member) enqueue(data []byte) bool {
	select {
	case self.sendQueue <- data:
		return true
	default:
		return false
	}
}

type hub struct {
	mutex   sync.Mutex
	members map[*member]bool
}

func newHub() *hub {
	return &hub{
		members: map[*member]bool{},
	}
}

func (self *hub) handleMesh(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[hub]upgrade err = %v\n", err)
		return
	}

	m := &member{
		conn:      conn,
		sendQueue: make(chan []byte, SendBufferSize),
		topics:    map[string]bool{},
	}
	self.mutex.Lock()
	self.members[m] = true
	self.mutex.Unlock()

	done := make(chan struct{})
	go self.writePump(m, done)
	self.readPump(m)
	close(done)

	self.drop(m)
	conn.Close()
}

func (self *hub) writePump(m *member, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data := <-m.sendQueue:
			m.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				glog.V(1).Infof("[hub]%s write err = %v\n", m.label(), err)
				m.conn.Close()
				return
			}
		}
	}
}

func (self *hub) readPump(m *member) {
	for {
		m.conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[hub]%s read err = %v\n", m.label(), err)
			return
		}
		if len(data) == 0 {
			// member ping, echo it so both directions stay warm
			m.enqueue([]byte{})
			continue
		}
		frame := &collab.RelayFrame{}
		if err := json.Unmarshal(data, frame); err != nil {
			glog.V(1).Infof("[hub]%s bad frame: %v\n", m.label(), err)
			continue
		}
		self.handleFrame(m, frame)
	}
}

func (self *hub) handleFrame(m *member, frame *collab.RelayFrame) {
	switch frame.Op {
	case collab.RelayOpHello:
		m.mutex.Lock()
		m.address = frame.Address
		m.mutex.Unlock()
		glog.Infof("[hub]%s joined\n", frame.Address)
		self.pushPeers()
	case collab.RelayOpSubscribe:
		m.mutex.Lock()
		m.topics[frame.Topic] = true
		m.mutex.Unlock()
		self.pushWho(frame.Topic)
	case collab.RelayOpUnsubscribe:
		m.mutex.Lock()
		delete(m.topics, frame.Topic)
		m.mutex.Unlock()
		self.pushWho(frame.Topic)
	case collab.RelayOpPublish:
		self.fanOut(frame.Topic, frame.Data)
	default:
		glog.V(1).Infof("[hub]%s unknown op %s\n", m.label(), frame.Op)
	}
}

func (self *hub) memberList() []*member {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	members := make([]*member, 0, len(self.members))
	for m := range self.members {
		members = append(members, m)
	}
	return members
}

func (self *hub) subscribers(topic string) []*member {
	subscribers := []*member{}
	for _, m := range self.memberList() {
		if m.subscribed(topic) {
			subscribers = append(subscribers, m)
		}
	}
	return subscribers
}

func (self *hub) fanOut(topic string, data []byte) {
	out, err := json.Marshal(&collab.RelayFrame{
		Op:    collab.RelayOpMessage,
		Topic: topic,
		Data:  data,
	})
	if err != nil {
		return
	}
	for _, m := range self.subscribers(topic) {
		if !m.enqueue(out) {
			glog.V(1).Infof("[hub]%s slow, dropped msg on %s\n", m.label(), topic)
		}
	}
}

// pushWho tells every subscriber which OTHER members share the topic.
func (self *hub) pushWho(topic string) {
	subscribers := self.subscribers(topic)
	for _, m := range subscribers {
		addresses := []string{}
		for _, other := range subscribers {
			if other == m {
				continue
			}
			if address := other.getAddress(); address != "" {
				addresses = append(addresses, address)
			}
		}
		slices.Sort(addresses)
		out, err := json.Marshal(&collab.RelayFrame{
			Op:        collab.RelayOpWho,
			Topic:     topic,
			Addresses: addresses,
		})
		if err != nil {
			continue
		}
		m.enqueue(out)
	}
}

// pushPeers tells every member which other addresses are on the hub.
func (self *hub) pushPeers() {
	members := self.memberList()
	for _, m := range members {
		addresses := []string{}
		for _, other := range members {
			if other == m {
				continue
			}
			if address := other.getAddress(); address != "" {
				addresses = append(addresses, address)
			}
		}
		slices.Sort(addresses)
		out, err := json.Marshal(&collab.RelayFrame{
			Op:        collab.RelayOpPeers,
			Addresses: addresses,
		})
		if err != nil {
			continue
		}
		m.enqueue(out)
	}
}

func (self *hub) drop(m *member) {
	self.mutex.Lock()
	_, ok := self.members[m]
	delete(self.members, m)
	self.mutex.Unlock()
	if !ok {
		return
	}

	glog.Infof("[hub]%s left\n", m.label())
	for _, topic := range m.topicList() {
		self.pushWho(topic)
	}
	self.pushPeers()
}
