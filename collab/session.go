package collab

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/golang/glog"
)

type SessionSettings struct {
	TopicPrefix string
	// ProjectRoot anchors document path normalization.
	ProjectRoot string
	// SeenCacheSize bounds the duplicate frame filter.
	SeenCacheSize int

	Presence *PresenceSettings
	Manifest *ManifestSettings
	Channel  *DocumentChannelSettings
	Rpc      *RpcSettings
	History  *HistorySettings

	SymbolExtractor SymbolExtractor
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		TopicPrefix:     DefaultTopicPrefix,
		SeenCacheSize:   1024,
		Presence:        DefaultPresenceSettings(),
		Manifest:        DefaultManifestSettings(),
		Channel:         DefaultDocumentChannelSettings(),
		Rpc:             DefaultRpcSettings(),
		History:         DefaultHistorySettings(),
		SymbolExtractor: ExtractUnitSymbol,
	}
}

// Session is one peer's full membership in the mesh: discovery and
// presence, the shared document manifest, request routing, and the live
// channels of every document it shares. All state hangs off the session,
// closing it tears everything down.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	clock     clock.Clock
	settings  *SessionSettings

	peerId string

	router   *Router
	presence *PresenceManager
	manifest *ManifestManager
	rpc      *RpcManager
	store    *Store

	mutex             sync.Mutex
	displayName       string
	channels          map[string]*DocumentChannel
	activeDocument    string
	backend           ExecutionBackend
	safety            SafetyChecker
	executionSequence int
	closed            bool

	removePresenceCallback func()
}

func NewSessionWithDefaults(ctx context.Context, transport Transport, displayName string) (*Session, error) {
	return NewSession(ctx, transport, displayName, nil, clock.New(), DefaultSessionSettings())
}

// NewSession joins the mesh. `store` may be nil to run without
// persistence. The session subscribes the discovery and request topics,
// announces itself, and starts pinging.
func NewSession(
	ctx context.Context,
	transport Transport,
	displayName string,
	store *Store,
	clk clock.Clock,
	settings *SessionSettings,
) (*Session, error) {
	discoveryTopic := DiscoveryTopic(settings.TopicPrefix)
	rpcTopic := RpcTopic(settings.TopicPrefix)
	if err := transport.Subscribe(discoveryTopic); err != nil {
		return nil, err
	}
	if err := transport.Subscribe(rpcTopic); err != nil {
		transport.Unsubscribe(discoveryTopic)
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	peerId := NewId().String()
	router := NewRouter(peerId, transport, clk, settings.SeenCacheSize)
	session := &Session{
		ctx:         cancelCtx,
		cancel:      cancel,
		transport:   transport,
		clock:       clk,
		settings:    settings,
		peerId:      peerId,
		displayName: displayName,
		router:      router,
		store:       store,
		channels:    map[string]*DocumentChannel{},
		safety:      NewBasicSafetyChecker(),
	}
	session.presence = NewPresenceManager(cancelCtx, router, transport, discoveryTopic, peerId, displayName, clk, settings.Presence)
	session.manifest = NewManifestManager(cancelCtx, router, discoveryTopic, peerId, displayName, settings.Manifest)
	session.rpc = NewRpcManager(cancelCtx, router, rpcTopic, peerId, displayName, clk, settings.Rpc)
	session.rpc.SetRequestHandler(session.handleRequest)

	session.removePresenceCallback = session.presence.AddPresenceCallback(func(event *PresenceEvent) {
		switch event.Type {
		case PresenceEventPurged:
			session.manifest.RemovePeer(event.Peer.PeerId)
		case PresenceEventOnline:
			// a peer that just appeared may have missed our last manifest
			session.manifest.AnnounceIfChanged()
		}
	})
	session.presence.AddAddressCallback(func(address string) {
		if store != nil {
			if err := store.SaveAddress(address, clk.Now()); err != nil {
				glog.V(1).Infof("[st]%s address save err = %v\n", peerId, err)
			}
		}
	})

	session.manifest.Announce()
	glog.Infof("[st]%s (%s) joined\n", peerId, displayName)
	return session, nil
}

func (self *Session) PeerId() string {
	return self.peerId
}

func (self *Session) DisplayName() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.displayName
}

// SetDisplayName renames this peer everywhere the name travels: presence
// heartbeats, the manifest, and request targeting.
func (self *Session) SetDisplayName(displayName string) {
	self.mutex.Lock()
	self.displayName = displayName
	self.mutex.Unlock()

	self.presence.SetDisplayName(displayName)
	self.rpc.SetDisplayName(displayName)
	self.manifest.SetDisplayName(displayName)
}

func (self *Session) Presence() *PresenceManager {
	return self.presence
}

func (self *Session) Manifest() *ManifestManager {
	return self.manifest
}

func (self *Session) SetExecutionBackend(backend ExecutionBackend) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.backend = backend
}

func (self *Session) SetSafetyChecker(safety SafetyChecker) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.safety = safety
}

// Share puts a local document on the mesh. The path is normalized, the
// manifest announces it, and the initial state goes out as a snapshot.
// A stored history for the path is restored when present.
func (self *Session) Share(documentPath string, units []*UnitState) (*DocumentChannel, error) {
	normalized := NormalizeDocumentPath(documentPath, self.settings.ProjectRoot)

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return nil, ErrSessionClosed
	}
	if channel, ok := self.channels[normalized]; ok {
		self.mutex.Unlock()
		return channel, nil
	}
	self.mutex.Unlock()

	document := self.restoreOrNewDocument(normalized, units)
	channel, err := self.newChannel(document)
	if err != nil {
		return nil, err
	}

	self.mutex.Lock()
	self.channels[normalized] = channel
	self.activeDocument = normalized
	self.mutex.Unlock()

	self.manifest.AddLocal(self.manifestDocument(document))
	self.presence.SetActiveDocument(normalized)
	if err := channel.SendSnapshot(); err != nil {
		glog.V(1).Infof("[st]%s share snapshot err = %v\n", self.peerId, err)
	}
	glog.Infof("[st]%s sharing %s\n", self.peerId, normalized)
	return channel, nil
}

// Open joins a document another peer shares, fetching the current state
// from the first peer whose manifest lists it. Once open the document is
// replicated here and shows up in our manifest too.
func (self *Session) Open(ctx context.Context, documentPath string) (*DocumentChannel, error) {
	normalized := NormalizeDocumentPath(documentPath, self.settings.ProjectRoot)

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return nil, ErrSessionClosed
	}
	if channel, ok := self.channels[normalized]; ok {
		self.mutex.Unlock()
		return channel, nil
	}
	self.mutex.Unlock()

	peerIds := self.manifest.PeersSharing(normalized)
	if len(peerIds) == 0 {
		return nil, fmt.Errorf("no peer shares %s: %w", normalized, ErrUnknownPeer)
	}

	response, err := self.rpc.FetchContent(ctx, peerIds[0], normalized, "")
	if err != nil {
		return nil, err
	}

	document := self.restoreOrNewDocument(normalized, nil)
	channel, err := self.newChannel(document)
	if err != nil {
		return nil, err
	}
	if response.Units != nil {
		document.Restore(response.Units, "fetched", self.channelAuthor(peerIds[0]))
	}

	self.mutex.Lock()
	self.channels[normalized] = channel
	self.activeDocument = normalized
	self.mutex.Unlock()

	self.manifest.AddLocal(self.manifestDocument(document))
	self.presence.SetActiveDocument(normalized)
	glog.Infof("[st]%s opened %s from %s\n", self.peerId, normalized, peerIds[0])
	return channel, nil
}

// manifestDocument summarizes a document for the local manifest.
func (self *Session) manifestDocument(document *Document) *ManifestDocument {
	units := document.Units()
	return &ManifestDocument{
		Path:                document.DocumentPath(),
		DisplayName:         path.Base(document.DocumentPath()),
		UnitCount:           len(units),
		ExportedSymbolNames: ExportedSymbols(units),
	}
}

func (self *Session) restoreOrNewDocument(normalized string, units []*UnitState) *Document {
	if self.store != nil {
		if data, ok, err := self.store.LoadHistory(normalized); err == nil && ok {
			history, err := UnmarshalHistoryTree(data, self.clock, self.settings.History)
			if err == nil {
				glog.Infof("[st]%s restored history for %s\n", self.peerId, normalized)
				return NewDocumentWithHistory(normalized, history)
			}
			glog.V(1).Infof("[st]%s bad stored history for %s: %v\n", self.peerId, normalized, err)
		}
	}
	return NewDocument(normalized, units, self.clock, self.settings.History)
}

func (self *Session) newChannel(document *Document) (*DocumentChannel, error) {
	return NewDocumentChannel(
		self.ctx,
		self.transport,
		self.router,
		self.settings.TopicPrefix,
		document,
		Author{
			PeerId:      self.peerId,
			DisplayName: self.DisplayName(),
		},
		func(peerId string) string {
			if peer, ok := self.presence.Peer(peerId); ok {
				return peer.DisplayName
			}
			return ""
		},
		self.clock,
		self.settings.Channel,
	)
}

func (self *Session) channelAuthor(peerId string) Author {
	displayName := ""
	if peer, ok := self.presence.Peer(peerId); ok {
		displayName = peer.DisplayName
	}
	return Author{
		PeerId:      peerId,
		DisplayName: displayName,
	}
}

// CloseDocument flushes, saves history, and leaves the document topic.
func (self *Session) CloseDocument(documentPath string) error {
	normalized := NormalizeDocumentPath(documentPath, self.settings.ProjectRoot)

	self.mutex.Lock()
	channel, ok := self.channels[normalized]
	wasActive := false
	if ok {
		delete(self.channels, normalized)
		if self.activeDocument == normalized {
			self.activeDocument = ""
			wasActive = true
		}
	}
	self.mutex.Unlock()
	if !ok {
		return fmt.Errorf("not sharing %s", normalized)
	}

	channel.Flush()
	self.saveHistory(channel)
	channel.Close()
	self.manifest.RemoveLocal(normalized)
	if wasActive {
		self.presence.SetActiveDocument("")
	}
	glog.Infof("[st]%s closed %s\n", self.peerId, normalized)
	return nil
}

func (self *Session) saveHistory(channel *DocumentChannel) {
	if self.store == nil {
		return
	}
	data, err := channel.Document().History().MarshalPersist()
	if err != nil {
		glog.V(1).Infof("[st]%s history marshal err = %v\n", self.peerId, err)
		return
	}
	if err := self.store.SaveHistory(channel.DocumentPath(), data); err != nil {
		glog.V(1).Infof("[st]%s history save err = %v\n", self.peerId, err)
	}
}

func (self *Session) Channel(documentPath string) (*DocumentChannel, bool) {
	normalized := NormalizeDocumentPath(documentPath, self.settings.ProjectRoot)

	self.mutex.Lock()
	defer self.mutex.Unlock()

	channel, ok := self.channels[normalized]
	return channel, ok
}

func (self *Session) Channels() []*DocumentChannel {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	channels := make([]*DocumentChannel, 0, len(self.channels))
	for _, channel := range self.channels {
		channels = append(channels, channel)
	}
	slices.SortFunc(channels, func(a *DocumentChannel, b *DocumentChannel) int {
		if a.DocumentPath() < b.DocumentPath() {
			return -1
		}
		if b.DocumentPath() < a.DocumentPath() {
			return 1
		}
		return 0
	})
	return channels
}

// FetchContent pulls a document, or one symbol of it, from a peer without
// opening a channel. Target may be a peer id or a display name.
func (self *Session) FetchContent(ctx context.Context, target string, documentPath string, selector string) (*CodeResponse, error) {
	return self.rpc.FetchContent(ctx, target, documentPath, selector)
}

// InvokeService calls an endpoint another peer exposes.
func (self *Session) InvokeService(ctx context.Context, target string, endpoint string, args []string) (*CodeResponse, error) {
	return self.rpc.InvokeService(ctx, target, endpoint, args)
}

// ExecuteRemote submits source to a peer's execution backend.
func (self *Session) ExecuteRemote(ctx context.Context, target string, source string) (*CodeResponse, error) {
	return self.rpc.ExecuteSource(ctx, target, source)
}

// ExecuteUnit runs a code unit through the local backend and attaches
// the outputs to the unit. Execution state stays on this replica, it is
// never broadcast and never enters history.
func (self *Session) ExecuteUnit(ctx context.Context, documentPath string, unitId string) ([]*Output, error) {
	self.mutex.Lock()
	backend := self.backend
	self.mutex.Unlock()
	if backend == nil {
		return nil, fmt.Errorf("no execution backend")
	}

	channel, ok := self.Channel(documentPath)
	if !ok {
		return nil, fmt.Errorf("not sharing %s", documentPath)
	}
	if err := channel.Flush(); err != nil {
		return nil, err
	}
	unit, ok := channel.Document().Unit(unitId)
	if !ok {
		return nil, fmt.Errorf("no unit %s in %s", unitId, documentPath)
	}
	if unit.Kind != UnitKindCode {
		return nil, fmt.Errorf("unit %s is not code", unitId)
	}

	events, err := backend.Execute(ctx, unit.Content)
	if err != nil {
		return nil, err
	}
	outputs := []*Output{}
	for event := range events {
		outputs = append(outputs, &Output{Kind: event.Kind, Text: event.Text})
	}

	self.mutex.Lock()
	self.executionSequence += 1
	executionSequence := self.executionSequence
	self.mutex.Unlock()
	channel.Document().SetExecutionState(unitId, outputs, executionSequence)
	return outputs, nil
}

// ForceRefresh is the recovery path after a suspected mesh partition:
// redial every saved address, restart discovery, re-subscribe every topic
// this session uses, and re-broadcast the manifest and all shared state.
func (self *Session) ForceRefresh() {
	self.ConnectKnownAddresses()

	self.transport.Subscribe(DiscoveryTopic(self.settings.TopicPrefix))
	self.transport.Subscribe(RpcTopic(self.settings.TopicPrefix))
	for _, channel := range self.Channels() {
		if err := self.transport.Subscribe(channel.Topic()); err != nil {
			glog.V(1).Infof("[st]%s resubscribe %s err = %v\n", self.peerId, channel.Topic(), err)
		}
	}

	self.presence.ForceRefresh()
	self.manifest.Announce()
	for _, channel := range self.Channels() {
		if err := channel.SendSnapshot(); err != nil {
			glog.V(1).Infof("[st]%s refresh snapshot err = %v\n", self.peerId, err)
		}
	}
}

// Connect dials a mesh address and remembers it for later runs.
func (self *Session) Connect(address string) error {
	if err := self.transport.Connect(address); err != nil {
		return err
	}
	if self.store != nil {
		if err := self.store.SaveAddress(address, self.clock.Now()); err != nil {
			glog.V(1).Infof("[st]%s address save err = %v\n", self.peerId, err)
		}
	}
	return nil
}

// ConnectKnownAddresses redials every address that worked before.
func (self *Session) ConnectKnownAddresses() int {
	if self.store == nil {
		return 0
	}
	knownAddresses, err := self.store.Addresses()
	if err != nil {
		glog.V(1).Infof("[st]%s address list err = %v\n", self.peerId, err)
		return 0
	}
	connected := 0
	for _, knownAddress := range knownAddresses {
		if err := self.transport.Connect(knownAddress.Address); err == nil {
			connected += 1
		}
	}
	return connected
}

// handleRequest serves requests addressed to this peer.
func (self *Session) handleRequest(request *CodeRequest) *CodeResponse {
	self.mutex.Lock()
	backend := self.backend
	safety := self.safety
	self.mutex.Unlock()

	switch request.Kind {
	case RequestKindContent:
		if strings.HasPrefix(request.Path, "/") || strings.Contains(request.Path, "..") {
			return &CodeResponse{Error: fmt.Sprintf("path %s not allowed", request.Path)}
		}
		channel, ok := self.Channel(request.Path)
		if !ok {
			return &CodeResponse{Error: fmt.Sprintf("not sharing %s", request.Path)}
		}
		channel.Flush()
		units, _ := channel.Document().Snapshot()
		if request.Selector != "" {
			extractor := self.settings.SymbolExtractor
			if extractor == nil {
				extractor = ExtractUnitSymbol
			}
			content, found := extractor(units, request.Selector)
			if !found {
				return &CodeResponse{Error: fmt.Sprintf("no symbol %s in %s", request.Selector, request.Path)}
			}
			return &CodeResponse{Content: content}
		}
		return &CodeResponse{
			Content: channel.Document().Text(),
			Units:   units,
		}
	case RequestKindService:
		if backend == nil {
			return &CodeResponse{Error: "no execution backend"}
		}
		source := request.Source
		if source == "" {
			// endpoint calls are shorthand for "endpoint arg..." source
			source = strings.TrimSpace(request.Endpoint + " " + strings.Join(request.Args, " "))
		}
		var warnings []string
		if safety != nil {
			warnings = safety.Check(source).Warnings
		}
		events, err := backend.Execute(self.ctx, source)
		if err != nil {
			return &CodeResponse{Error: err.Error(), Warnings: warnings}
		}
		return foldExecution(events, warnings)
	default:
		return &CodeResponse{Error: fmt.Sprintf("unknown request kind %s", request.Kind)}
	}
}

// foldExecution drains an execution stream into one response. Stdout and
// result text concatenate in arrival order, stderr becomes warnings, and
// an error event makes the whole response an error.
func foldExecution(events <-chan ExecutionEvent, warnings []string) *CodeResponse {
	parts := []string{}
	errorText := ""
	for event := range events {
		switch event.Kind {
		case ExecutionEventStdout, ExecutionEventResult:
			parts = append(parts, event.Text)
		case ExecutionEventStderr:
			warnings = append(warnings, event.Text)
		case ExecutionEventError:
			errorText = event.Text
		}
	}
	if errorText != "" {
		return &CodeResponse{Error: errorText, Warnings: warnings}
	}
	return &CodeResponse{Result: strings.Join(parts, "\n"), Warnings: warnings}
}

// Close tears the session down: flush and save every document, reject
// pending calls, stop the timers, leave all topics, and clear the roster.
func (self *Session) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	channels := make([]*DocumentChannel, 0, len(self.channels))
	for _, channel := range self.channels {
		channels = append(channels, channel)
	}
	self.channels = map[string]*DocumentChannel{}
	self.mutex.Unlock()

	g := &errgroup.Group{}
	for _, channel := range channels {
		channel := channel
		g.Go(func() error {
			channel.Flush()
			self.saveHistory(channel)
			return nil
		})
	}
	g.Wait()

	for _, channel := range channels {
		channel.Close()
	}

	self.rpc.Close()
	self.manifest.Close()
	self.presence.Close()
	self.router.Close()
	self.cancel()

	self.transport.Unsubscribe(DiscoveryTopic(self.settings.TopicPrefix))
	self.transport.Unsubscribe(RpcTopic(self.settings.TopicPrefix))
	glog.Infof("[st]%s left\n", self.peerId)
}
