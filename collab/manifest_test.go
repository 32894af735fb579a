package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
)

type manifestPeer struct {
	transport *MeshTransport
	router    *Router
	manifest  *ManifestManager
}

func newManifestPeer(ctx context.Context, mesh *Mesh, mock *clock.Mock, peerId string, displayName string) *manifestPeer {
	topic := DiscoveryTopic(DefaultTopicPrefix)
	transport := mesh.NewTransport(peerId)
	transport.Subscribe(topic)
	router := NewRouter(peerId, transport, mock, 64)
	manifest := NewManifestManager(ctx, router, topic, peerId, displayName, DefaultManifestSettings())
	return &manifestPeer{
		transport: transport,
		router:    router,
		manifest:  manifest,
	}
}

func (self *manifestPeer) close() {
	self.manifest.Close()
	self.router.Close()
	self.transport.Close()
}

func TestManifestReconcile(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	a := newManifestPeer(ctx, mesh, mock, "pa", "ana")
	defer a.close()
	b := newManifestPeer(ctx, mesh, mock, "pb", "bo")
	defer b.close()

	a.manifest.AddLocal(&ManifestDocument{Path: "notes/plan.md"})
	assert.Equal(t, a.manifest.LocalPaths(), []string{"notes/plan.md"})
	assert.Equal(t, b.manifest.PeersSharing("notes/plan.md"), []string{"pa"})

	// the receipt was answered, so a knows b shares nothing
	assert.Equal(t, a.manifest.PeerDocuments("pb"), []string{})

	mock.Add(time.Millisecond)
	b.manifest.AddLocal(&ManifestDocument{Path: "todo.md"})
	assert.Equal(t, a.manifest.PeerDocuments("pb"), []string{"todo.md"})

	mock.Add(time.Millisecond)
	b.manifest.RemoveLocal("todo.md")
	assert.Equal(t, a.manifest.PeerDocuments("pb"), []string{})
	assert.Equal(t, a.manifest.PeersSharing("todo.md"), []string{})
}

func TestManifestDigestGate(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	a := newManifestPeer(ctx, mesh, mock, "pa", "ana")
	defer a.close()
	b := newManifestPeer(ctx, mesh, mock, "pb", "bo")
	defer b.close()

	var mutex sync.Mutex
	updates := 0
	b.manifest.AddManifestCallback(func(manifest *ShareManifest) {
		mutex.Lock()
		defer mutex.Unlock()
		if manifest.PeerId == "pa" {
			updates += 1
		}
	})

	mock.Add(time.Millisecond)
	a.manifest.AddLocal(&ManifestDocument{Path: "one.md", UnitCount: 2})
	mutex.Lock()
	afterFirst := updates
	mutex.Unlock()
	assert.Equal(t, afterFirst, 1)

	// an unchanged manifest does not re-announce
	mock.Add(time.Millisecond)
	a.manifest.AddLocal(&ManifestDocument{Path: "one.md", UnitCount: 2})
	mutex.Lock()
	assert.Equal(t, updates, afterFirst)
	mutex.Unlock()

	// metadata alone does not either, only the path set and name gate
	mock.Add(time.Millisecond)
	a.manifest.AddLocal(&ManifestDocument{Path: "one.md", UnitCount: 3})
	mutex.Lock()
	assert.Equal(t, updates, afterFirst)
	mutex.Unlock()

	mock.Add(time.Millisecond)
	a.manifest.AddLocal(&ManifestDocument{Path: "two.md"})
	mutex.Lock()
	assert.Equal(t, updates, afterFirst+1)
	mutex.Unlock()
}

func TestManifestDisplayName(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	a := newManifestPeer(ctx, mesh, mock, "pa", "ana")
	defer a.close()
	b := newManifestPeer(ctx, mesh, mock, "pb", "bo")
	defer b.close()

	a.manifest.AddLocal(&ManifestDocument{Path: "one.md"})
	manifest, ok := b.manifest.PeerManifest("pa")
	assert.Equal(t, ok, true)
	assert.Equal(t, manifest.DisplayName, "ana")

	// a rename re-announces
	mock.Add(time.Millisecond)
	a.manifest.SetDisplayName("ana2")
	manifest, ok = b.manifest.PeerManifest("pa")
	assert.Equal(t, ok, true)
	assert.Equal(t, manifest.DisplayName, "ana2")
}

func TestManifestMetadata(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	a := newManifestPeer(ctx, mesh, mock, "pa", "ana")
	defer a.close()
	b := newManifestPeer(ctx, mesh, mock, "pb", "bo")
	defer b.close()

	a.manifest.AddLocal(&ManifestDocument{
		Path:                "lib/util.md",
		DisplayName:         "util.md",
		UnitCount:           4,
		ExportedSymbolNames: []string{"parse", "render"},
	})

	manifest, ok := b.manifest.PeerManifest("pa")
	assert.Equal(t, ok, true)
	assert.Equal(t, len(manifest.Documents), 1)
	document := manifest.Documents[0]
	assert.Equal(t, document.UnitCount, 4)
	assert.Equal(t, document.ExportedSymbolNames, []string{"parse", "render"})
}

func TestManifestLateJoiner(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	a := newManifestPeer(ctx, mesh, mock, "pa", "ana")
	defer a.close()
	a.manifest.AddLocal(&ManifestDocument{Path: "notes/plan.md"})

	// b joins after the announcement and asks by announcing itself
	b := newManifestPeer(ctx, mesh, mock, "pb", "bo")
	defer b.close()
	assert.Equal(t, b.manifest.PeerDocuments("pa"), []string{})

	mock.Add(time.Millisecond)
	b.manifest.Announce()
	assert.Equal(t, b.manifest.PeerDocuments("pa"), []string{"notes/plan.md"})
	assert.Equal(t, b.manifest.PeersSharing("notes/plan.md"), []string{"pa"})
}

func TestManifestAggregate(t *testing.T) {
	ctx := context.Background()
	mesh := NewMesh()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	a := newManifestPeer(ctx, mesh, mock, "pa", "ana")
	defer a.close()
	b := newManifestPeer(ctx, mesh, mock, "pb", "bo")
	defer b.close()
	c := newManifestPeer(ctx, mesh, mock, "pc", "cy")
	defer c.close()

	a.manifest.AddLocal(&ManifestDocument{Path: "common.md"})
	mock.Add(time.Millisecond)
	b.manifest.AddLocal(&ManifestDocument{Path: "common.md"})
	mock.Add(time.Millisecond)
	b.manifest.AddLocal(&ManifestDocument{Path: "own.md"})

	aggregate := c.manifest.RemoteDocuments()
	assert.Equal(t, aggregate["common.md"], []string{"pa", "pb"})
	assert.Equal(t, aggregate["own.md"], []string{"pb"})
	assert.Equal(t, c.manifest.PeersSharing("common.md"), []string{"pa", "pb"})

	c.manifest.RemovePeer("pb")
	assert.Equal(t, c.manifest.PeersSharing("common.md"), []string{"pa"})
}
