package collab

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/golang/glog"
)

type PresenceSettings struct {
	// StaggeredPingDelays spreads the initial pings so peers joining
	// together do not answer in one burst.
	StaggeredPingDelays []time.Duration
	ScanInterval        time.Duration
	HeartbeatInterval   time.Duration
	// HeartbeatPingEvery sends an unconditional ping on every Nth
	// heartbeat, soliciting pongs from peers that never saw our ladder.
	HeartbeatPingEvery int
	// OfflineTimeout marks a silent peer offline. PurgeTimeout forgets it.
	OfflineTimeout time.Duration
	PurgeTimeout   time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		StaggeredPingDelays: []time.Duration{
			0,
			2 * time.Second,
			5 * time.Second,
		},
		ScanInterval:       5 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		HeartbeatPingEvery: 3,
		OfflineTimeout:     60 * time.Second,
		PurgeTimeout:       180 * time.Second,
	}
}

type Peer struct {
	PeerId          string
	DisplayName     string
	ProtocolVersion int
	ActiveDocument  string
	LastSeen        time.Time
	Online          bool
}

func (self *Peer) Copy() *Peer {
	out := *self
	return &out
}

type PresenceEventType string

const (
	PresenceEventOnline  PresenceEventType = "online"
	PresenceEventOffline PresenceEventType = "offline"
	PresenceEventUpdated PresenceEventType = "updated"
	PresenceEventPurged  PresenceEventType = "purged"
)

type PresenceEvent struct {
	Type PresenceEventType
	Peer *Peer
}

type PresenceCallback func(event *PresenceEvent)

// AddressCallback sees every transport-level address the first time the
// background scan observes it. Used to persist addresses for reconnection.
type AddressCallback func(address string)

// PresenceManager keeps the roster of mesh peers. It pings on start,
// answers pings with pongs, heartbeats its own presence, and walks the
// roster on a fixed scan marking silent peers offline and eventually
// forgetting them. The scan also diffs the transport's connected
// addresses, because a fresh connection can carry a peer whose topic
// membership the gossip mesh has not propagated yet. New addresses and
// unknown pingers both restart the staggered ping ladder.
type PresenceManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	router    *Router
	transport Transport
	clock     clock.Clock
	settings  *PresenceSettings

	topic           string
	peerId          string
	protocolVersion int

	mutex          sync.Mutex
	displayName    string
	peers          map[string]*Peer
	knownAddresses map[string]bool
	activeDocument string
	pingTimers     []*clock.Timer

	presenceCallbacks *CallbackList[PresenceCallback]
	addressCallbacks  *CallbackList[AddressCallback]

	removeHandlers []func()
}

func NewPresenceManagerWithDefaults(ctx context.Context, router *Router, transport Transport, topic string, peerId string, displayName string) *PresenceManager {
	return NewPresenceManager(ctx, router, transport, topic, peerId, displayName, clock.New(), DefaultPresenceSettings())
}

func NewPresenceManager(
	ctx context.Context,
	router *Router,
	transport Transport,
	topic string,
	peerId string,
	displayName string,
	clk clock.Clock,
	settings *PresenceSettings,
) *PresenceManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	presenceManager := &PresenceManager{
		ctx:               cancelCtx,
		cancel:            cancel,
		router:            router,
		transport:         transport,
		clock:             clk,
		settings:          settings,
		topic:             topic,
		peerId:            peerId,
		displayName:       displayName,
		protocolVersion:   ProtocolVersion,
		peers:             map[string]*Peer{},
		knownAddresses:    map[string]bool{},
		presenceCallbacks: NewCallbackList[PresenceCallback](),
		addressCallbacks:  NewCallbackList[AddressCallback](),
	}
	presenceManager.removeHandlers = []func(){
		router.AddHandler(MessageTypePing, presenceManager.handlePing),
		router.AddHandler(MessageTypePong, presenceManager.handlePong),
		router.AddHandler(MessageTypePresence, presenceManager.handlePresence),
	}

	// addresses connected before the manager starts are covered by the
	// initial ping ladder, only later arrivals restart it
	for _, address := range presenceManager.meshAddresses() {
		presenceManager.knownAddresses[address] = true
	}

	presenceManager.schedulePings()
	go presenceManager.run()
	return presenceManager
}

func (self *PresenceManager) AddPresenceCallback(presenceCallback PresenceCallback) func() {
	callbackId := self.presenceCallbacks.Add(presenceCallback)
	return func() {
		self.presenceCallbacks.Remove(callbackId)
	}
}

func (self *PresenceManager) AddAddressCallback(addressCallback AddressCallback) func() {
	callbackId := self.addressCallbacks.Add(addressCallback)
	return func() {
		self.addressCallbacks.Remove(callbackId)
	}
}

func (self *PresenceManager) run() {
	scan := self.clock.Ticker(self.settings.ScanInterval)
	defer scan.Stop()
	heartbeat := self.clock.Ticker(self.settings.HeartbeatInterval)
	defer heartbeat.Stop()

	heartbeatCount := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-scan.C:
			self.scanAddresses()
			self.sweep(self.clock.Now())
		case <-heartbeat.C:
			self.sendPresence()
			heartbeatCount += 1
			if 0 < self.settings.HeartbeatPingEvery && self.settings.HeartbeatPingEvery <= heartbeatCount {
				heartbeatCount = 0
				self.sendPing()
			}
		}
	}
}

// meshAddresses unions the transport's connection list with the topic
// mesh membership. A relayed peer can show up in only one of the two.
func (self *PresenceManager) meshAddresses() []string {
	addresses := self.transport.ConnectedPeerAddresses()
	return append(addresses, self.transport.TopicMeshPeers(self.topic)...)
}

// scanAddresses diffs the mesh addresses against what the last scan saw.
// A new address means a member came up whose peer may not have heard a
// single ping yet, so the full staggered ladder restarts.
func (self *PresenceManager) scanAddresses() {
	addresses := self.meshAddresses()

	newAddresses := []string{}
	self.mutex.Lock()
	for _, address := range addresses {
		if !self.knownAddresses[address] {
			self.knownAddresses[address] = true
			newAddresses = append(newAddresses, address)
		}
	}
	self.mutex.Unlock()

	if len(newAddresses) == 0 {
		return
	}
	glog.V(1).Infof("[p]%s saw %d new addresses\n", self.peerId, len(newAddresses))
	for _, address := range newAddresses {
		for _, addressCallback := range self.addressCallbacks.Get() {
			addressCallback(address)
		}
	}
	self.schedulePings()
}

// schedulePings queues the staggered discovery pings.
func (self *PresenceManager) schedulePings() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, timer := range self.pingTimers {
		timer.Stop()
	}
	self.pingTimers = []*clock.Timer{}
	for _, delay := range self.settings.StaggeredPingDelays {
		if delay == 0 {
			go self.sendPing()
			continue
		}
		timer := self.clock.AfterFunc(delay, self.sendPing)
		self.pingTimers = append(self.pingTimers, timer)
	}
}

// ForceRefresh rescans the transport and re-runs the discovery pings
// immediately.
func (self *PresenceManager) ForceRefresh() {
	glog.Infof("[p]%s force refresh\n", self.peerId)
	self.scanAddresses()
	self.schedulePings()
}

// SetDisplayName renames this peer. The next ping, pong and heartbeat all
// carry the new name, and a heartbeat goes out right away.
func (self *PresenceManager) SetDisplayName(displayName string) {
	self.mutex.Lock()
	changed := self.displayName != displayName
	self.displayName = displayName
	self.mutex.Unlock()

	if changed {
		self.sendPresence()
	}
}

func (self *PresenceManager) DisplayName() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.displayName
}

func (self *PresenceManager) sendPing() {
	select {
	case <-self.ctx.Done():
		return
	default:
	}
	ping := &Ping{
		PeerId:          self.peerId,
		DisplayName:     self.DisplayName(),
		ProtocolVersion: self.protocolVersion,
	}
	if err := self.router.Send(self.topic, "", ping); err != nil {
		glog.V(1).Infof("[p]%s ping err = %v\n", self.peerId, err)
	}
}

func (self *PresenceManager) sendPresence() {
	self.mutex.Lock()
	displayName := self.displayName
	activeDocument := self.activeDocument
	self.mutex.Unlock()

	presence := &Presence{
		DisplayName:    displayName,
		ActiveDocument: activeDocument,
	}
	if err := self.router.Send(self.topic, "", presence); err != nil {
		glog.V(1).Infof("[p]%s presence err = %v\n", self.peerId, err)
	}
}

// SetActiveDocument updates what the heartbeat advertises and announces
// the change right away.
func (self *PresenceManager) SetActiveDocument(documentPath string) {
	self.mutex.Lock()
	changed := self.activeDocument != documentPath
	self.activeDocument = documentPath
	self.mutex.Unlock()

	if changed {
		self.sendPresence()
	}
}

func (self *PresenceManager) handlePing(topic string, envelope *Envelope, payload any) {
	ping := payload.(*Ping)

	self.mutex.Lock()
	_, known := self.peers[ping.PeerId]
	self.mutex.Unlock()

	self.observe(ping.PeerId, ping.DisplayName, ping.ProtocolVersion, "", false)

	// a ping always gets a pong, a pong never gets a reply
	pong := &Pong{
		PeerId:          self.peerId,
		DisplayName:     self.DisplayName(),
		ProtocolVersion: self.protocolVersion,
	}
	if err := self.router.Send(self.topic, "", pong); err != nil {
		glog.V(1).Infof("[p]%s pong err = %v\n", self.peerId, err)
	}

	if !known && ping.PeerId != self.peerId {
		// cascade: an unknown pinger means the mesh moved under us,
		// rescan right away instead of waiting for the next tick
		go self.scanAddresses()
	}
}

func (self *PresenceManager) handlePong(topic string, envelope *Envelope, payload any) {
	pong := payload.(*Pong)
	self.observe(pong.PeerId, pong.DisplayName, pong.ProtocolVersion, "", false)
}

func (self *PresenceManager) handlePresence(topic string, envelope *Envelope, payload any) {
	presence := payload.(*Presence)
	self.observe(envelope.From, presence.DisplayName, 0, presence.ActiveDocument, true)
}

// observe folds one sighting into the roster.
// `protocolVersion` 0 keeps the recorded version.
func (self *PresenceManager) observe(peerId string, displayName string, protocolVersion int, activeDocument string, setActiveDocument bool) {
	if peerId == "" || peerId == self.peerId {
		return
	}
	now := self.clock.Now()

	self.mutex.Lock()
	peer, ok := self.peers[peerId]
	var event *PresenceEvent
	if !ok {
		peer = &Peer{
			PeerId:          peerId,
			DisplayName:     displayName,
			ProtocolVersion: protocolVersion,
			LastSeen:        now,
			Online:          true,
		}
		if setActiveDocument {
			peer.ActiveDocument = activeDocument
		}
		self.peers[peerId] = peer
		event = &PresenceEvent{Type: PresenceEventOnline, Peer: peer.Copy()}
	} else {
		updated := false
		if displayName != "" && peer.DisplayName != displayName {
			peer.DisplayName = displayName
			updated = true
		}
		if protocolVersion != 0 && peer.ProtocolVersion != protocolVersion {
			peer.ProtocolVersion = protocolVersion
			updated = true
		}
		if setActiveDocument && peer.ActiveDocument != activeDocument {
			peer.ActiveDocument = activeDocument
			updated = true
		}
		peer.LastSeen = now
		if !peer.Online {
			peer.Online = true
			event = &PresenceEvent{Type: PresenceEventOnline, Peer: peer.Copy()}
		} else if updated {
			event = &PresenceEvent{Type: PresenceEventUpdated, Peer: peer.Copy()}
		}
	}
	self.mutex.Unlock()

	if event != nil {
		glog.Infof("[p]%s peer %s %s\n", self.peerId, event.Peer.PeerId, event.Type)
		self.fire(event)
	}
}

// sweep walks the roster once, demoting and forgetting silent peers.
func (self *PresenceManager) sweep(now time.Time) {
	events := []*PresenceEvent{}

	self.mutex.Lock()
	for peerId, peer := range self.peers {
		silence := now.Sub(peer.LastSeen)
		if self.settings.PurgeTimeout < silence {
			delete(self.peers, peerId)
			events = append(events, &PresenceEvent{Type: PresenceEventPurged, Peer: peer.Copy()})
		} else if peer.Online && self.settings.OfflineTimeout < silence {
			peer.Online = false
			events = append(events, &PresenceEvent{Type: PresenceEventOffline, Peer: peer.Copy()})
		}
	}
	self.mutex.Unlock()

	for _, event := range events {
		glog.Infof("[p]%s peer %s %s\n", self.peerId, event.Peer.PeerId, event.Type)
		self.fire(event)
	}
}

func (self *PresenceManager) fire(event *PresenceEvent) {
	for _, presenceCallback := range self.presenceCallbacks.Get() {
		presenceCallback(event)
	}
}

// Roster returns all known peers sorted by display name then id.
func (self *PresenceManager) Roster() []*Peer {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	peers := make([]*Peer, 0, len(self.peers))
	for _, peer := range self.peers {
		peers = append(peers, peer.Copy())
	}
	slices.SortFunc(peers, func(a *Peer, b *Peer) int {
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return strings.Compare(a.PeerId, b.PeerId)
	})
	return peers
}

func (self *PresenceManager) OnlinePeers() []*Peer {
	peers := []*Peer{}
	for _, peer := range self.Roster() {
		if peer.Online {
			peers = append(peers, peer)
		}
	}
	return peers
}

func (self *PresenceManager) Peer(peerId string) (*Peer, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if peer, ok := self.peers[peerId]; ok {
		return peer.Copy(), true
	}
	return nil, false
}

// Resolve finds a peer by id or by display name, for targeting requests.
func (self *PresenceManager) Resolve(target string) (*Peer, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if peer, ok := self.peers[target]; ok {
		return peer.Copy(), true
	}
	for _, peer := range self.peers {
		if peer.DisplayName == target {
			return peer.Copy(), true
		}
	}
	return nil, false
}

func (self *PresenceManager) Close() {
	self.cancel()

	self.mutex.Lock()
	for _, timer := range self.pingTimers {
		timer.Stop()
	}
	self.pingTimers = nil
	self.peers = map[string]*Peer{}
	self.knownAddresses = map[string]bool{}
	self.mutex.Unlock()

	for _, removeHandler := range self.removeHandlers {
		removeHandler()
	}
}
