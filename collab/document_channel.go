package collab

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/golang/glog"
)

type DocumentChannelSettings struct {
	// EditDebounce batches keystrokes into one update per unit.
	EditDebounce time.Duration
	// CursorsPerSecond caps advisory cursor frames.
	CursorsPerSecond float64
	CursorBurst      int
}

func DefaultDocumentChannelSettings() *DocumentChannelSettings {
	return &DocumentChannelSettings{
		EditDebounce:     300 * time.Millisecond,
		CursorsPerSecond: 12,
		CursorBurst:      1,
	}
}

type DocumentEventType string

const (
	DocumentEventEdit       DocumentEventType = "edit"
	DocumentEventAdd        DocumentEventType = "add"
	DocumentEventDelete     DocumentEventType = "delete"
	DocumentEventMove       DocumentEventType = "move"
	DocumentEventKindChange DocumentEventType = "kind-change"
	DocumentEventRestore    DocumentEventType = "restore"
	DocumentEventSnapshot   DocumentEventType = "snapshot"
)

type DocumentEvent struct {
	Type   DocumentEventType
	UnitId string
	Author Author
	Remote bool
}

type DocumentCallback func(event *DocumentEvent)

type CursorPosition struct {
	PeerId     string
	UnitId     string
	Line       int
	Column     int
	UpdateTime time.Time
}

type CursorCallback func(cursor *CursorPosition)

// serialExecutor runs jobs one at a time in a single goroutine.
// All document mutation, local and remote, funnels through it, so an
// incoming update can never interleave with a local apply.
type serialExecutor struct {
	ctx  context.Context
	jobs chan func()
}

func newSerialExecutor(ctx context.Context) *serialExecutor {
	executor := &serialExecutor{
		ctx:  ctx,
		jobs: make(chan func(), 256),
	}
	go executor.run()
	return executor
}

func (self *serialExecutor) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case job := <-self.jobs:
			job()
		}
	}
}

func (self *serialExecutor) do(job func()) bool {
	select {
	case self.jobs <- job:
		return true
	case <-self.ctx.Done():
		return false
	}
}

// doSync waits for the job to finish. Never call from inside a job.
func (self *serialExecutor) doSync(job func()) bool {
	done := make(chan struct{})
	ok := self.do(func() {
		defer close(done)
		job()
	})
	if !ok {
		return false
	}
	select {
	case <-done:
		return true
	case <-self.ctx.Done():
		return false
	}
}

type pendingEdit struct {
	unitId  string
	content string
	timer   *clock.Timer
}

// DocumentChannel connects one document to its mesh topic. Local edits are
// staged per unit and flushed after a debounce, structural operations go
// out immediately, and everything that changes the document runs on one
// serial executor.
type DocumentChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	router    *Router
	clock     clock.Clock
	settings  *DocumentChannelSettings

	topic    string
	document *Document
	author   Author

	// resolveName maps a peer id to its display name for attribution
	resolveName func(peerId string) string

	executor *serialExecutor

	mutex        sync.Mutex
	pending      map[string]*pendingEdit
	pendingOrder []string
	peerCursors  map[string]*CursorPosition
	// lastChangeTime is when this replica's state last changed, by any
	// applied operation. Snapshots older than it are stale.
	lastChangeTime time.Time

	cursorLimiter *rate.Limiter

	documentCallbacks *CallbackList[DocumentCallback]
	cursorCallbacks   *CallbackList[CursorCallback]

	removeHandlers []func()
}

func NewDocumentChannel(
	ctx context.Context,
	transport Transport,
	router *Router,
	topicPrefix string,
	document *Document,
	author Author,
	resolveName func(peerId string) string,
	clk clock.Clock,
	settings *DocumentChannelSettings,
) (*DocumentChannel, error) {
	topic := DocumentTopic(topicPrefix, document.DocumentPath())
	if err := transport.Subscribe(topic); err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	documentChannel := &DocumentChannel{
		ctx:               cancelCtx,
		cancel:            cancel,
		transport:         transport,
		router:            router,
		clock:             clk,
		settings:          settings,
		topic:             topic,
		document:          document,
		author:            author,
		resolveName:       resolveName,
		executor:          newSerialExecutor(cancelCtx),
		pending:           map[string]*pendingEdit{},
		peerCursors:       map[string]*CursorPosition{},
		cursorLimiter:     rate.NewLimiter(rate.Limit(settings.CursorsPerSecond), settings.CursorBurst),
		documentCallbacks: NewCallbackList[DocumentCallback](),
		cursorCallbacks:   NewCallbackList[CursorCallback](),
	}
	documentChannel.removeHandlers = []func(){
		router.AddHandler(MessageTypeUnitUpdate, documentChannel.handleUnitUpdate),
		router.AddHandler(MessageTypeUnitAdd, documentChannel.handleUnitAdd),
		router.AddHandler(MessageTypeUnitDelete, documentChannel.handleUnitDelete),
		router.AddHandler(MessageTypeUnitMove, documentChannel.handleUnitMove),
		router.AddHandler(MessageTypeUnitTypeChange, documentChannel.handleUnitTypeChange),
		router.AddHandler(MessageTypeCursor, documentChannel.handleCursor),
		router.AddHandler(MessageTypeHistoryPush, documentChannel.handleHistoryPush),
		router.AddHandler(MessageTypeDocumentStateSnapshot, documentChannel.handleDocumentStateSnapshot),
	}
	return documentChannel, nil
}

func (self *DocumentChannel) Document() *Document {
	return self.document
}

func (self *DocumentChannel) DocumentPath() string {
	return self.document.DocumentPath()
}

func (self *DocumentChannel) Topic() string {
	return self.topic
}

func (self *DocumentChannel) AddDocumentCallback(documentCallback DocumentCallback) func() {
	callbackId := self.documentCallbacks.Add(documentCallback)
	return func() {
		self.documentCallbacks.Remove(callbackId)
	}
}

func (self *DocumentChannel) AddCursorCallback(cursorCallback CursorCallback) func() {
	callbackId := self.cursorCallbacks.Add(cursorCallback)
	return func() {
		self.cursorCallbacks.Remove(callbackId)
	}
}

// StageEdit records new content for a unit and arms the debounce timer.
// Typing into the same unit keeps pushing the timer back, so one update
// goes out per pause.
func (self *DocumentChannel) StageEdit(unitId string, content string) error {
	if _, ok := self.document.Unit(unitId); !ok {
		if _, staged := self.stagedContent(unitId); !staged {
			return fmt.Errorf("unknown unit %s", unitId)
		}
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if edit, ok := self.pending[unitId]; ok {
		edit.content = content
		edit.timer.Reset(self.settings.EditDebounce)
		return nil
	}
	edit := &pendingEdit{
		unitId:  unitId,
		content: content,
	}
	edit.timer = self.clock.AfterFunc(self.settings.EditDebounce, func() {
		self.executor.do(func() {
			self.applyPendingEdit(unitId)
		})
	})
	self.pending[unitId] = edit
	self.pendingOrder = append(self.pendingOrder, unitId)
	return nil
}

func (self *DocumentChannel) stagedContent(unitId string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if edit, ok := self.pending[unitId]; ok {
		return edit.content, true
	}
	return "", false
}

// applyPendingEdit runs on the executor.
func (self *DocumentChannel) applyPendingEdit(unitId string) {
	self.mutex.Lock()
	edit, ok := self.pending[unitId]
	if ok {
		edit.timer.Stop()
		delete(self.pending, unitId)
		if i := slices.Index(self.pendingOrder, unitId); 0 <= i {
			self.pendingOrder = slices.Delete(self.pendingOrder, i, i+1)
		}
	}
	self.mutex.Unlock()
	if !ok {
		return
	}

	if !self.document.Edit(unitId, edit.content, self.author) {
		// the unit went away while the edit was staged
		glog.V(2).Infof("[d]%s dropped edit for %s\n", self.DocumentPath(), unitId)
		return
	}
	self.markChanged(self.clock.Now())
	self.send(&UnitUpdate{
		UnitId:  unitId,
		Content: edit.content,
	})
	self.fire(&DocumentEvent{
		Type:   DocumentEventEdit,
		UnitId: unitId,
		Author: self.author,
	})
}

// flushPending applies every staged edit now. Runs on the executor.
func (self *DocumentChannel) flushPending() {
	self.mutex.Lock()
	order := slices.Clone(self.pendingOrder)
	self.mutex.Unlock()

	for _, unitId := range order {
		self.applyPendingEdit(unitId)
	}
}

// Flush forces all staged edits out ahead of their timers.
func (self *DocumentChannel) Flush() error {
	if !self.executor.doSync(self.flushPending) {
		return ErrDocumentClosed
	}
	return nil
}

// AddUnit inserts a new unit and broadcasts it. Staged edits flush first
// so operations land in the order the user made them.
func (self *DocumentChannel) AddUnit(kind UnitKind, content string, index int) (string, error) {
	if !kind.IsValid() {
		return "", fmt.Errorf("invalid unit kind %s", kind)
	}
	unitId := NewId().String()
	ok := self.executor.doSync(func() {
		self.flushPending()
		self.document.Add(unitId, kind, content, index, self.author)
		self.markChanged(self.clock.Now())
		self.send(&UnitAdd{
			UnitId:  unitId,
			Kind:    kind,
			Content: content,
			Index:   index,
		})
		self.fire(&DocumentEvent{
			Type:   DocumentEventAdd,
			UnitId: unitId,
			Author: self.author,
		})
	})
	if !ok {
		return "", ErrDocumentClosed
	}
	return unitId, nil
}

func (self *DocumentChannel) DeleteUnit(unitId string) error {
	var applied bool
	ok := self.executor.doSync(func() {
		self.flushPending()
		applied = self.document.Delete(unitId, self.author)
		if applied {
			self.markChanged(self.clock.Now())
			self.send(&UnitDelete{
				UnitId: unitId,
			})
			self.fire(&DocumentEvent{
				Type:   DocumentEventDelete,
				UnitId: unitId,
				Author: self.author,
			})
		}
	})
	if !ok {
		return ErrDocumentClosed
	}
	if !applied {
		return fmt.Errorf("unknown unit %s", unitId)
	}
	return nil
}

func (self *DocumentChannel) MoveUnit(unitId string, direction MoveDirection) error {
	if !direction.IsValid() {
		return fmt.Errorf("invalid direction %s", direction)
	}
	ok := self.executor.doSync(func() {
		self.flushPending()
		if self.document.Move(unitId, direction, self.author) {
			self.markChanged(self.clock.Now())
			self.send(&UnitMove{
				UnitId:    unitId,
				Direction: direction,
			})
			self.fire(&DocumentEvent{
				Type:   DocumentEventMove,
				UnitId: unitId,
				Author: self.author,
			})
		}
	})
	if !ok {
		return ErrDocumentClosed
	}
	return nil
}

func (self *DocumentChannel) ChangeUnitKind(unitId string, kind UnitKind) error {
	if !kind.IsValid() {
		return fmt.Errorf("invalid unit kind %s", kind)
	}
	ok := self.executor.doSync(func() {
		self.flushPending()
		if self.document.ChangeKind(unitId, kind, self.author) {
			self.markChanged(self.clock.Now())
			self.send(&UnitTypeChange{
				UnitId: unitId,
				Kind:   kind,
			})
			self.fire(&DocumentEvent{
				Type:   DocumentEventKindChange,
				UnitId: unitId,
				Author: self.author,
			})
		}
	})
	if !ok {
		return ErrDocumentClosed
	}
	return nil
}

// SendCursor broadcasts an advisory cursor position. Frames over the rate
// cap are dropped, position is not state worth queueing.
func (self *DocumentChannel) SendCursor(unitId string, line int, column int) {
	if !self.cursorLimiter.Allow() {
		return
	}
	self.send(&Cursor{
		UnitId: unitId,
		Line:   line,
		Column: column,
	})
}

// Undo moves the document back one history node and announces the restored
// state so every replica follows.
func (self *DocumentChannel) Undo() error {
	return self.moveHistory("undo", func() (*HistoryNode, error) {
		return self.document.History().Undo()
	})
}

func (self *DocumentChannel) Redo() error {
	return self.moveHistory("redo", func() (*HistoryNode, error) {
		return self.document.History().Redo()
	})
}

func (self *DocumentChannel) RedoTo(nodeId string) error {
	return self.moveHistory("redo", func() (*HistoryNode, error) {
		return self.document.History().RedoTo(nodeId)
	})
}

func (self *DocumentChannel) Goto(nodeId string) error {
	return self.moveHistory("goto", func() (*HistoryNode, error) {
		return self.document.History().Goto(nodeId)
	})
}

func (self *DocumentChannel) RedoOptions() []*HistoryNodeSummary {
	return self.document.History().RedoOptions()
}

func (self *DocumentChannel) moveHistory(action string, move func() (*HistoryNode, error)) error {
	var moveErr error
	ok := self.executor.doSync(func() {
		self.flushPending()
		node, err := move()
		if err != nil {
			moveErr = err
			return
		}
		self.document.Replace(node.Units)
		self.markChanged(self.clock.Now())
		self.send(&HistoryPush{
			NodeId: node.NodeId,
			Action: action,
			Units:  node.Units,
			Label:  node.Label,
		})
		self.fire(&DocumentEvent{
			Type:   DocumentEventRestore,
			Author: self.author,
		})
	})
	if !ok {
		return ErrDocumentClosed
	}
	return moveErr
}

// SendSnapshot broadcasts the full document state. Receivers newer than
// the snapshot keep what they have.
func (self *DocumentChannel) SendSnapshot() error {
	ok := self.executor.doSync(func() {
		self.flushPending()
		units, revision := self.document.Snapshot()
		self.send(&DocumentStateSnapshot{
			Units:    units,
			Revision: revision,
		})
	})
	if !ok {
		return ErrDocumentClosed
	}
	return nil
}

func (self *DocumentChannel) send(payload any) {
	if err := self.router.Send(self.topic, self.DocumentPath(), payload); err != nil {
		glog.V(1).Infof("[d]%s send err = %v\n", self.DocumentPath(), err)
	}
}

func (self *DocumentChannel) forThisDocument(envelope *Envelope) bool {
	return envelope.DocumentId == self.DocumentPath()
}

func (self *DocumentChannel) remoteAuthor(peerId string) Author {
	displayName := ""
	if self.resolveName != nil {
		displayName = self.resolveName(peerId)
	}
	return Author{
		PeerId:      peerId,
		DisplayName: displayName,
	}
}

func (self *DocumentChannel) handleUnitUpdate(topic string, envelope *Envelope, payload any) {
	if !self.forThisDocument(envelope) {
		return
	}
	unitUpdate := payload.(*UnitUpdate)
	author := self.remoteAuthor(envelope.From)
	self.executor.do(func() {
		if self.document.Edit(unitUpdate.UnitId, unitUpdate.Content, author) {
			self.markChanged(self.clock.Now())
			self.fire(&DocumentEvent{
				Type:   DocumentEventEdit,
				UnitId: unitUpdate.UnitId,
				Author: author,
				Remote: true,
			})
		}
	})
}

func (self *DocumentChannel) handleUnitAdd(topic string, envelope *Envelope, payload any) {
	if !self.forThisDocument(envelope) {
		return
	}
	unitAdd := payload.(*UnitAdd)
	author := self.remoteAuthor(envelope.From)
	self.executor.do(func() {
		if self.document.Add(unitAdd.UnitId, unitAdd.Kind, unitAdd.Content, unitAdd.Index, author) {
			self.markChanged(self.clock.Now())
			self.fire(&DocumentEvent{
				Type:   DocumentEventAdd,
				UnitId: unitAdd.UnitId,
				Author: author,
				Remote: true,
			})
		}
	})
}

func (self *DocumentChannel) handleUnitDelete(topic string, envelope *Envelope, payload any) {
	if !self.forThisDocument(envelope) {
		return
	}
	unitDelete := payload.(*UnitDelete)
	author := self.remoteAuthor(envelope.From)
	self.executor.do(func() {
		// drop any local edit staged against the deleted unit
		self.mutex.Lock()
		if edit, ok := self.pending[unitDelete.UnitId]; ok {
			edit.timer.Stop()
			delete(self.pending, unitDelete.UnitId)
			if i := slices.Index(self.pendingOrder, unitDelete.UnitId); 0 <= i {
				self.pendingOrder = slices.Delete(self.pendingOrder, i, i+1)
			}
		}
		self.mutex.Unlock()

		if self.document.Delete(unitDelete.UnitId, author) {
			self.markChanged(self.clock.Now())
			self.fire(&DocumentEvent{
				Type:   DocumentEventDelete,
				UnitId: unitDelete.UnitId,
				Author: author,
				Remote: true,
			})
		}
	})
}

func (self *DocumentChannel) handleUnitMove(topic string, envelope *Envelope, payload any) {
	if !self.forThisDocument(envelope) {
		return
	}
	unitMove := payload.(*UnitMove)
	author := self.remoteAuthor(envelope.From)
	self.executor.do(func() {
		if self.document.Move(unitMove.UnitId, unitMove.Direction, author) {
			self.markChanged(self.clock.Now())
			self.fire(&DocumentEvent{
				Type:   DocumentEventMove,
				UnitId: unitMove.UnitId,
				Author: author,
				Remote: true,
			})
		}
	})
}

func (self *DocumentChannel) handleUnitTypeChange(topic string, envelope *Envelope, payload any) {
	if !self.forThisDocument(envelope) {
		return
	}
	unitTypeChange := payload.(*UnitTypeChange)
	author := self.remoteAuthor(envelope.From)
	self.executor.do(func() {
		if self.document.ChangeKind(unitTypeChange.UnitId, unitTypeChange.Kind, author) {
			self.markChanged(self.clock.Now())
			self.fire(&DocumentEvent{
				Type:   DocumentEventKindChange,
				UnitId: unitTypeChange.UnitId,
				Author: author,
				Remote: true,
			})
		}
	})
}

func (self *DocumentChannel) handleCursor(topic string, envelope *Envelope, payload any) {
	if !self.forThisDocument(envelope) {
		return
	}
	cursor := payload.(*Cursor)
	position := &CursorPosition{
		PeerId:     envelope.From,
		UnitId:     cursor.UnitId,
		Line:       cursor.Line,
		Column:     cursor.Column,
		UpdateTime: self.clock.Now(),
	}

	self.mutex.Lock()
	self.peerCursors[envelope.From] = position
	self.mutex.Unlock()

	for _, cursorCallback := range self.cursorCallbacks.Get() {
		cursorCallback(position)
	}
}

func (self *DocumentChannel) handleHistoryPush(topic string, envelope *Envelope, payload any) {
	if !self.forThisDocument(envelope) {
		return
	}
	historyPush := payload.(*HistoryPush)
	author := self.remoteAuthor(envelope.From)
	self.executor.do(func() {
		label := historyPush.Label
		if label == "" {
			label = historyPush.Action
		}
		self.document.Restore(historyPush.Units, label, author)
		self.markChanged(self.clock.Now())
		self.fire(&DocumentEvent{
			Type:   DocumentEventRestore,
			Author: author,
			Remote: true,
		})
	})
}

func (self *DocumentChannel) handleDocumentStateSnapshot(topic string, envelope *Envelope, payload any) {
	if !self.forThisDocument(envelope) {
		return
	}
	snapshot := payload.(*DocumentStateSnapshot)
	snapshotTime := envelope.Time()
	author := self.remoteAuthor(envelope.From)
	self.executor.do(func() {
		self.mutex.Lock()
		lastChange := self.lastChangeTime
		self.mutex.Unlock()

		// last writer wins against whatever this replica already has.
		// An identical stamp breaks toward the lower peer id so every
		// replica picks the same winner.
		stale := snapshotTime.Before(lastChange) ||
			(snapshotTime.Equal(lastChange) && self.author.PeerId < envelope.From)
		if stale {
			glog.V(2).Infof("[d]%s dropped stale snapshot from %s\n", self.DocumentPath(), envelope.From)
			return
		}
		self.markChanged(snapshotTime)
		self.document.Restore(snapshot.Units, "snapshot", author)
		self.fire(&DocumentEvent{
			Type:   DocumentEventSnapshot,
			Author: author,
			Remote: true,
		})
	})
}

func (self *DocumentChannel) markChanged(changeTime time.Time) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.lastChangeTime.Before(changeTime) {
		self.lastChangeTime = changeTime
	}
}

func (self *DocumentChannel) fire(event *DocumentEvent) {
	for _, documentCallback := range self.documentCallbacks.Get() {
		documentCallback(event)
	}
}

func (self *DocumentChannel) Cursors() []*CursorPosition {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	cursors := make([]*CursorPosition, 0, len(self.peerCursors))
	for _, position := range self.peerCursors {
		out := *position
		cursors = append(cursors, &out)
	}
	slices.SortFunc(cursors, func(a *CursorPosition, b *CursorPosition) int {
		return strings.Compare(a.PeerId, b.PeerId)
	})
	return cursors
}

// Close cancels the staged edit timers and leaves the topic.
// Staged edits are discarded, callers wanting them out call Flush first.
func (self *DocumentChannel) Close() {
	self.cancel()

	self.mutex.Lock()
	for _, edit := range self.pending {
		edit.timer.Stop()
	}
	self.pending = map[string]*pendingEdit{}
	self.pendingOrder = nil
	self.mutex.Unlock()

	for _, removeHandler := range self.removeHandlers {
		removeHandler()
	}
	self.transport.Unsubscribe(self.topic)
}
