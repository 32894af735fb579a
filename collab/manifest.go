package collab

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"

	"github.com/golang/glog"
)

type ManifestSettings struct {
	// RemoteTtl forgets a peer's manifest when the peer stops refreshing it.
	RemoteTtl time.Duration
}

func DefaultManifestSettings() *ManifestSettings {
	return &ManifestSettings{
		RemoteTtl: 180 * time.Second,
	}
}

type ManifestCallback func(manifest *ShareManifest)

// ManifestManager reconciles which peer shares which documents.
// The local manifest is announced when its digest changes, and
// announcements are answered reciprocally so two peers converge after one
// exchange. The digest covers the display name and the sorted shared
// paths. Document metadata rides along but does not trigger a re-announce
// on its own.
type ManifestManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	router *Router
	topic  string
	peerId string

	mutex       sync.Mutex
	displayName string
	local       map[string]*ManifestDocument
	announced   uint64
	digests     map[string]uint64

	remote *ttlcache.Cache[string, *ShareManifest]

	manifestCallbacks *CallbackList[ManifestCallback]

	removeHandler func()
}

func NewManifestManagerWithDefaults(ctx context.Context, router *Router, topic string, peerId string, displayName string) *ManifestManager {
	return NewManifestManager(ctx, router, topic, peerId, displayName, DefaultManifestSettings())
}

func NewManifestManager(ctx context.Context, router *Router, topic string, peerId string, displayName string, settings *ManifestSettings) *ManifestManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	manifestManager := &ManifestManager{
		ctx:         cancelCtx,
		cancel:      cancel,
		router:      router,
		topic:       topic,
		peerId:      peerId,
		displayName: displayName,
		local:       map[string]*ManifestDocument{},
		digests:     map[string]uint64{},
		remote: ttlcache.New[string, *ShareManifest](
			ttlcache.WithTTL[string, *ShareManifest](settings.RemoteTtl),
		),
		manifestCallbacks: NewCallbackList[ManifestCallback](),
	}
	manifestManager.remote.OnEviction(func(
		ctx context.Context,
		reason ttlcache.EvictionReason,
		item *ttlcache.Item[string, *ShareManifest],
	) {
		manifestManager.mutex.Lock()
		delete(manifestManager.digests, item.Key())
		manifestManager.mutex.Unlock()
		if reason == ttlcache.EvictionReasonExpired {
			glog.Infof("[m]%s manifest expired for %s\n", peerId, item.Key())
			manifestManager.fire(&ShareManifest{
				PeerId:    item.Key(),
				Documents: []*ManifestDocument{},
			})
		}
	})
	go manifestManager.remote.Start()
	go func() {
		<-cancelCtx.Done()
		manifestManager.remote.Stop()
	}()

	manifestManager.removeHandler = router.AddHandler(MessageTypeShareManifest, manifestManager.handleShareManifest)
	return manifestManager
}

func (self *ManifestManager) AddManifestCallback(manifestCallback ManifestCallback) func() {
	callbackId := self.manifestCallbacks.Add(manifestCallback)
	return func() {
		self.manifestCallbacks.Remove(callbackId)
	}
}

// SetDisplayName renames this peer in the manifest. The digest covers the
// name, so a change re-announces.
func (self *ManifestManager) SetDisplayName(displayName string) {
	self.mutex.Lock()
	self.displayName = displayName
	self.mutex.Unlock()

	self.AnnounceIfChanged()
}

// AddLocal shares a document, or refreshes its metadata when the path is
// already shared. Only a new path re-announces.
func (self *ManifestManager) AddLocal(document *ManifestDocument) {
	self.mutex.Lock()
	self.local[document.Path] = document.Copy()
	self.mutex.Unlock()

	self.AnnounceIfChanged()
}

func (self *ManifestManager) RemoveLocal(documentPath string) {
	self.mutex.Lock()
	delete(self.local, documentPath)
	self.mutex.Unlock()

	self.AnnounceIfChanged()
}

// Local lists the shared documents sorted by path.
func (self *ManifestManager) Local() []*ManifestDocument {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.localSorted()
}

func (self *ManifestManager) LocalPaths() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return documentPaths(self.localSorted())
}

// localSorted assumes the lock is held.
func (self *ManifestManager) localSorted() []*ManifestDocument {
	documents := make([]*ManifestDocument, 0, len(self.local))
	for _, document := range self.local {
		documents = append(documents, document.Copy())
	}
	slices.SortFunc(documents, func(a *ManifestDocument, b *ManifestDocument) int {
		return strings.Compare(a.Path, b.Path)
	})
	return documents
}

// AnnounceIfChanged publishes the local manifest only when the digest
// moved since the last announcement. Safe to call opportunistically.
func (self *ManifestManager) AnnounceIfChanged() {
	self.mutex.Lock()
	manifest := self.buildLocal()
	d := manifestDigest(manifest)
	changed := d != self.announced
	self.announced = d
	self.mutex.Unlock()

	if changed {
		self.send(manifest)
	}
}

// Announce publishes the local manifest unconditionally. Used at session
// start and on force refresh so existing peers answer with theirs.
func (self *ManifestManager) Announce() {
	self.mutex.Lock()
	manifest := self.buildLocal()
	self.announced = manifestDigest(manifest)
	self.mutex.Unlock()

	self.send(manifest)
}

// buildLocal assumes the lock is held.
func (self *ManifestManager) buildLocal() *ShareManifest {
	return &ShareManifest{
		PeerId:      self.peerId,
		DisplayName: self.displayName,
		Documents:   self.localSorted(),
	}
}

func (self *ManifestManager) send(manifest *ShareManifest) {
	if err := self.router.Send(self.topic, "", manifest); err != nil {
		glog.V(1).Infof("[m]%s announce err = %v\n", self.peerId, err)
	}
}

func (self *ManifestManager) handleShareManifest(topic string, envelope *Envelope, payload any) {
	manifest := payload.(*ShareManifest)
	if manifest.PeerId == "" {
		manifest.PeerId = envelope.From
	}
	d := manifestDigest(manifest)

	self.mutex.Lock()
	prev, had := self.digests[envelope.From]
	self.digests[envelope.From] = d
	self.mutex.Unlock()

	// wholesale replace, no partial merge
	self.remote.Set(envelope.From, manifest, ttlcache.DefaultTTL)

	if had && prev == d {
		// refresh only
		return
	}
	glog.V(1).Infof("[m]%s manifest from %s: %d documents\n", self.peerId, envelope.From, len(manifest.Documents))
	self.fire(manifest)

	// answer so the sender learns ours without waiting for a local change
	self.Announce()
}

func (self *ManifestManager) fire(manifest *ShareManifest) {
	for _, manifestCallback := range self.manifestCallbacks.Get() {
		manifestCallback(manifest)
	}
}

// PeersSharing lists the peers whose manifest includes documentPath.
func (self *ManifestManager) PeersSharing(documentPath string) []string {
	peerIds := []string{}
	for _, item := range self.remote.Items() {
		if slices.Contains(documentPaths(item.Value().Documents), documentPath) {
			peerIds = append(peerIds, item.Key())
		}
	}
	slices.Sort(peerIds)
	return peerIds
}

// RemoteDocuments aggregates every shared path to the peers sharing it.
func (self *ManifestManager) RemoteDocuments() map[string][]string {
	aggregate := map[string][]string{}
	for _, item := range self.remote.Items() {
		for _, documentPath := range documentPaths(item.Value().Documents) {
			aggregate[documentPath] = append(aggregate[documentPath], item.Key())
		}
	}
	for _, peerIds := range aggregate {
		slices.Sort(peerIds)
	}
	return aggregate
}

func (self *ManifestManager) PeerManifest(peerId string) (*ShareManifest, bool) {
	if item := self.remote.Get(peerId); item != nil {
		manifest := item.Value()
		out := &ShareManifest{
			PeerId:      manifest.PeerId,
			DisplayName: manifest.DisplayName,
			Documents:   make([]*ManifestDocument, 0, len(manifest.Documents)),
		}
		for _, document := range manifest.Documents {
			out.Documents = append(out.Documents, document.Copy())
		}
		return out, true
	}
	return nil, false
}

func (self *ManifestManager) PeerDocuments(peerId string) []string {
	if manifest, ok := self.PeerManifest(peerId); ok {
		return documentPaths(manifest.Documents)
	}
	return []string{}
}

// RemovePeer drops a purged peer's manifest immediately.
func (self *ManifestManager) RemovePeer(peerId string) {
	self.remote.Delete(peerId)
}

func (self *ManifestManager) Close() {
	self.cancel()
	if self.removeHandler != nil {
		self.removeHandler()
	}
}

func documentPaths(documents []*ManifestDocument) []string {
	paths := make([]string, 0, len(documents))
	for _, document := range documents {
		paths = append(paths, document.Path)
	}
	return paths
}

// manifestDigest hashes the display name and the sorted shared paths.
// Document metadata is deliberately left out so a unit count ticking up
// does not echo manifests around the mesh.
func manifestDigest(manifest *ShareManifest) uint64 {
	paths := documentPaths(manifest.Documents)
	slices.Sort(paths)

	h := xxhash.New()
	h.WriteString(manifest.DisplayName)
	h.Write([]byte{0})
	for _, documentPath := range paths {
		h.WriteString(documentPath)
		h.Write([]byte{0})
	}
	return h.Sum64()
}
