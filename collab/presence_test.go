package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
)

// waitFor polls until the condition holds. The mesh delivers inline but
// timer driven work lands on other goroutines.
func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

type presencePeer struct {
	transport *MeshTransport
	router    *Router
	presence  *PresenceManager
}

func newPresencePeer(ctx context.Context, mesh *Mesh, mock *clock.Mock, peerId string, displayName string) *presencePeer {
	topic := DiscoveryTopic(DefaultTopicPrefix)
	transport := mesh.NewTransport(peerId)
	transport.Subscribe(topic)
	router := NewRouter(peerId, transport, mock, 64)
	presence := NewPresenceManager(ctx, router, transport, topic, peerId, displayName, mock, DefaultPresenceSettings())
	return &presencePeer{
		transport: transport,
		router:    router,
		presence:  presence,
	}
}

func (self *presencePeer) close() {
	self.presence.Close()
	self.router.Close()
	self.transport.Close()
}

func TestPresenceDiscovery(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	a := newPresencePeer(ctx, mesh, mock, "pa", "ana")
	defer a.close()
	b := newPresencePeer(ctx, mesh, mock, "pb", "bo")
	defer b.close()

	waitFor(t, func() bool {
		peer, ok := a.presence.Peer("pb")
		return ok && peer.Online
	})
	waitFor(t, func() bool {
		peer, ok := b.presence.Peer("pa")
		return ok && peer.Online
	})

	peer, ok := a.presence.Peer("pb")
	assert.Equal(t, ok, true)
	assert.Equal(t, peer.DisplayName, "bo")
	assert.Equal(t, peer.ProtocolVersion, ProtocolVersion)

	// resolve by id and by name
	byName, ok := a.presence.Resolve("bo")
	assert.Equal(t, ok, true)
	assert.Equal(t, byName.PeerId, "pb")
	byId, ok := a.presence.Resolve("pb")
	assert.Equal(t, ok, true)
	assert.Equal(t, byId.PeerId, "pb")
	_, ok = a.presence.Resolve("nobody")
	assert.Equal(t, ok, false)
}

func TestPresenceOfflineAndPurge(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	a := newPresencePeer(ctx, mesh, mock, "pa", "ana")
	defer a.close()
	b := newPresencePeer(ctx, mesh, mock, "pb", "bo")

	waitFor(t, func() bool {
		peer, ok := a.presence.Peer("pb")
		return ok && peer.Online
	})

	var mutex sync.Mutex
	events := []PresenceEventType{}
	a.presence.AddPresenceCallback(func(event *PresenceEvent) {
		mutex.Lock()
		defer mutex.Unlock()
		if event.Peer.PeerId == "pb" {
			events = append(events, event.Type)
		}
	})

	// silence the peer
	b.close()

	mock.Add(70 * time.Second)
	waitFor(t, func() bool {
		peer, ok := a.presence.Peer("pb")
		return ok && !peer.Online
	})
	waitFor(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return 0 < len(events) && events[len(events)-1] == PresenceEventOffline
	})

	mock.Add(120 * time.Second)
	waitFor(t, func() bool {
		_, ok := a.presence.Peer("pb")
		return !ok
	})
	assert.Equal(t, len(a.presence.Roster()), 0)
	waitFor(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return events[len(events)-1] == PresenceEventPurged
	})
}

func TestPresenceStaggeredPings(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	// a bare observer that counts ping frames
	observer := mesh.NewTransport("observer")
	observer.Subscribe(DiscoveryTopic(DefaultTopicPrefix))
	var mutex sync.Mutex
	pings := 0
	observer.AddReceiveCallback(func(topic string, data []byte) {
		envelopes, err := DecodeEnvelopes(data)
		if err != nil {
			return
		}
		mutex.Lock()
		defer mutex.Unlock()
		for _, envelope := range envelopes {
			if envelope.Type == MessageTypePing && envelope.From == "pa" {
				pings += 1
			}
		}
	})
	countPings := func() int {
		mutex.Lock()
		defer mutex.Unlock()
		return pings
	}

	a := newPresencePeer(ctx, mesh, mock, "pa", "ana")
	defer a.close()

	// one ping right away, then two staggered
	waitFor(t, func() bool { return countPings() == 1 })
	mock.Add(2 * time.Second)
	waitFor(t, func() bool { return countPings() == 2 })
	mock.Add(3 * time.Second)
	waitFor(t, func() bool { return countPings() == 3 })

	// force refresh replays the ladder
	a.presence.ForceRefresh()
	waitFor(t, func() bool { return countPings() == 4 })
	mock.Add(2 * time.Second)
	waitFor(t, func() bool { return countPings() == 5 })
	mock.Add(3 * time.Second)
	waitFor(t, func() bool { return countPings() == 6 })
}

func TestPresenceHeartbeatPing(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	observer := mesh.NewTransport("observer")
	observer.Subscribe(DiscoveryTopic(DefaultTopicPrefix))
	var mutex sync.Mutex
	pings := 0
	observer.AddReceiveCallback(func(topic string, data []byte) {
		envelopes, err := DecodeEnvelopes(data)
		if err != nil {
			return
		}
		mutex.Lock()
		defer mutex.Unlock()
		for _, envelope := range envelopes {
			if envelope.Type == MessageTypePing && envelope.From == "pa" {
				pings += 1
			}
		}
	})
	countPings := func() int {
		mutex.Lock()
		defer mutex.Unlock()
		return pings
	}

	a := newPresencePeer(ctx, mesh, mock, "pa", "ana")
	defer a.close()

	// the ladder runs out after three pings
	mock.Add(5 * time.Second)
	waitFor(t, func() bool { return countPings() == 3 })

	// the first two heartbeats carry presence only
	mock.Add(10 * time.Second)
	mock.Add(10 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, countPings(), 3)

	// every third heartbeat pings unconditionally
	mock.Add(10 * time.Second)
	waitFor(t, func() bool { return countPings() == 4 })
}

// hubOnlyTransport hides the connection list, membership is visible only
// through the topic mesh, like a peer behind a relay hub.
type hubOnlyTransport struct {
	*MeshTransport
}

func (self *hubOnlyTransport) ConnectedPeerAddresses() []string {
	return []string{}
}

func TestPresenceTopicMeshScan(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	topic := DiscoveryTopic(DefaultTopicPrefix)
	transport := &hubOnlyTransport{mesh.NewTransport("pa")}
	transport.Subscribe(topic)
	router := NewRouter("pa", transport, mock, 64)
	presence := NewPresenceManager(ctx, router, transport, topic, "pa", "ana", mock, DefaultPresenceSettings())
	defer func() {
		presence.Close()
		router.Close()
		transport.Close()
	}()

	var mutex sync.Mutex
	addresses := []string{}
	presence.AddAddressCallback(func(address string) {
		mutex.Lock()
		defer mutex.Unlock()
		addresses = append(addresses, address)
	})

	// a member the connection list never shows joins the topic mesh
	b := mesh.NewTransport("pb")
	defer b.Close()
	b.Subscribe(topic)

	mock.Add(5 * time.Second)
	waitFor(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(addresses) == 1 && addresses[0] == "pb"
	})
}

func TestPresenceAddressScan(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	a := newPresencePeer(ctx, mesh, mock, "pa", "ana")
	defer a.close()

	var mutex sync.Mutex
	addresses := []string{}
	a.presence.AddAddressCallback(func(address string) {
		mutex.Lock()
		defer mutex.Unlock()
		addresses = append(addresses, address)
	})

	// a new mesh member shows up between scans
	b := newPresencePeer(ctx, mesh, mock, "pb", "bo")
	defer b.close()

	mock.Add(5 * time.Second)
	waitFor(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(addresses) == 1 && addresses[0] == "pb"
	})

	// the same address does not fire twice
	mock.Add(5 * time.Second)
	mutex.Lock()
	assert.Equal(t, len(addresses), 1)
	mutex.Unlock()
}

func TestPresenceRename(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	a := newPresencePeer(ctx, mesh, mock, "pa", "ana")
	defer a.close()
	b := newPresencePeer(ctx, mesh, mock, "pb", "bo")
	defer b.close()

	waitFor(t, func() bool {
		_, ok := b.presence.Peer("pa")
		return ok
	})

	a.presence.SetDisplayName("ana2")
	waitFor(t, func() bool {
		peer, ok := b.presence.Peer("pa")
		return ok && peer.DisplayName == "ana2"
	})

	// the old name no longer resolves, the new one does
	_, ok := b.presence.Resolve("ana")
	assert.Equal(t, ok, false)
	peer, ok := b.presence.Resolve("ana2")
	assert.Equal(t, ok, true)
	assert.Equal(t, peer.PeerId, "pa")
}

func TestPresenceActiveDocument(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	a := newPresencePeer(ctx, mesh, mock, "pa", "ana")
	defer a.close()
	b := newPresencePeer(ctx, mesh, mock, "pb", "bo")
	defer b.close()

	waitFor(t, func() bool {
		_, ok := b.presence.Peer("pa")
		return ok
	})

	a.presence.SetActiveDocument("notes/plan.md")
	waitFor(t, func() bool {
		peer, ok := b.presence.Peer("pa")
		return ok && peer.ActiveDocument == "notes/plan.md"
	})

	// heartbeats keep carrying it
	mock.Add(10 * time.Second)
	peer, ok := b.presence.Peer("pa")
	assert.Equal(t, ok, true)
	assert.Equal(t, peer.ActiveDocument, "notes/plan.md")
}
