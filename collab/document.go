package collab

import (
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
)

// Author identifies who performed an operation, for history attribution.
type Author struct {
	PeerId      string
	DisplayName string
}

func (self Author) label() string {
	if self.DisplayName != "" {
		return self.DisplayName
	}
	return self.PeerId
}

// Document is the replicated state of one shared document: an ordered list
// of units plus its branching history. Operations are tolerant of state
// drift. Applying against a missing unit reports applied=false instead of
// failing, since a concurrent delete may have won.
type Document struct {
	documentPath string

	mutex    sync.Mutex
	units    []*UnitState
	revision int64

	history *HistoryTree
}

func NewDocument(documentPath string, units []*UnitState, clk clock.Clock, historySettings *HistorySettings) *Document {
	return &Document{
		documentPath: documentPath,
		units:        CopyUnitStates(units),
		history:      NewHistoryTree(clk, units, historySettings),
	}
}

// NewDocumentWithHistory attaches a restored history tree. The document
// state starts at the tree's current node.
func NewDocumentWithHistory(documentPath string, history *HistoryTree) *Document {
	return &Document{
		documentPath: documentPath,
		units:        history.Current().Units,
		history:      history,
	}
}

func (self *Document) DocumentPath() string {
	return self.documentPath
}

func (self *Document) History() *HistoryTree {
	return self.history
}

func (self *Document) Units() []*UnitState {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return CopyUnitStates(self.units)
}

func (self *Document) Unit(unitId string) (*UnitState, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if i := self.indexOf(unitId); 0 <= i {
		return self.units[i].Copy(), true
	}
	return nil, false
}

func (self *Document) UnitCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.units)
}

func (self *Document) Revision() int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.revision
}

func (self *Document) Snapshot() ([]*UnitState, int64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return CopyUnitStates(self.units), self.revision
}

// Edit replaces a unit's content and records an edit node.
func (self *Document) Edit(unitId string, content string, author Author) bool {
	self.mutex.Lock()
	i := self.indexOf(unitId)
	if i < 0 {
		self.mutex.Unlock()
		return false
	}
	self.units[i].Content = content
	self.revision += 1
	units := CopyUnitStates(self.units)
	self.mutex.Unlock()

	self.history.Push(HistoryActionEdit, firstLine(content), units, author.PeerId, author.DisplayName)
	return true
}

// Add inserts a unit at index, clamped to the unit list. Adding an id that
// already exists is a no-op so redelivered adds cannot duplicate units.
func (self *Document) Add(unitId string, kind UnitKind, content string, index int, author Author) bool {
	if !kind.IsValid() {
		return false
	}

	self.mutex.Lock()
	if 0 <= self.indexOf(unitId) {
		self.mutex.Unlock()
		return false
	}
	unit := &UnitState{
		UnitId:  unitId,
		Kind:    kind,
		Content: content,
	}
	if index < 0 {
		index = 0
	}
	if len(self.units) < index {
		index = len(self.units)
	}
	self.units = append(self.units[:index], append([]*UnitState{unit}, self.units[index:]...)...)
	self.revision += 1
	units := CopyUnitStates(self.units)
	self.mutex.Unlock()

	self.history.Push(HistoryActionAdd, firstLine(content), units, author.PeerId, author.DisplayName)
	return true
}

func (self *Document) Delete(unitId string, author Author) bool {
	self.mutex.Lock()
	i := self.indexOf(unitId)
	if i < 0 {
		self.mutex.Unlock()
		return false
	}
	label := firstLine(self.units[i].Content)
	self.units = append(self.units[:i], self.units[i+1:]...)
	self.revision += 1
	units := CopyUnitStates(self.units)
	self.mutex.Unlock()

	self.history.Push(HistoryActionDelete, label, units, author.PeerId, author.DisplayName)
	return true
}

// Move swaps a unit with its neighbor. Moves at the boundary do nothing.
func (self *Document) Move(unitId string, direction MoveDirection, author Author) bool {
	if !direction.IsValid() {
		return false
	}

	self.mutex.Lock()
	i := self.indexOf(unitId)
	if i < 0 {
		self.mutex.Unlock()
		return false
	}
	j := i
	switch direction {
	case MoveUp:
		j = i - 1
	case MoveDown:
		j = i + 1
	}
	if j < 0 || len(self.units) <= j {
		self.mutex.Unlock()
		return false
	}
	self.units[i], self.units[j] = self.units[j], self.units[i]
	self.revision += 1
	label := firstLine(self.units[j].Content)
	units := CopyUnitStates(self.units)
	self.mutex.Unlock()

	self.history.Push(HistoryActionMove, label, units, author.PeerId, author.DisplayName)
	return true
}

func (self *Document) ChangeKind(unitId string, kind UnitKind, author Author) bool {
	if !kind.IsValid() {
		return false
	}

	self.mutex.Lock()
	i := self.indexOf(unitId)
	if i < 0 || self.units[i].Kind == kind {
		self.mutex.Unlock()
		return false
	}
	self.units[i].Kind = kind
	self.revision += 1
	label := firstLine(self.units[i].Content)
	units := CopyUnitStates(self.units)
	self.mutex.Unlock()

	self.history.Push(HistoryActionTypeChange, label, units, author.PeerId, author.DisplayName)
	return true
}

// SetExecutionState attaches run outputs to a unit. Execution state is
// local, no revision bump, no history node, nothing broadcast.
func (self *Document) SetExecutionState(unitId string, outputs []*Output, executionSequence int) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := self.indexOf(unitId)
	if i < 0 {
		return false
	}
	copied := make([]*Output, 0, len(outputs))
	for _, output := range outputs {
		copied = append(copied, output.Copy())
	}
	self.units[i].Outputs = copied
	self.units[i].ExecutionSequence = executionSequence
	return true
}

// Replace swaps in a whole new unit list without touching history.
// Used when history movement already decided the target state.
func (self *Document) Replace(units []*UnitState) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.units = CopyUnitStates(units)
	self.revision += 1
}

// Restore replaces state and records an attributed restore node, for
// snapshots received from other peers.
func (self *Document) Restore(units []*UnitState, label string, author Author) {
	self.Replace(units)
	self.history.Push(HistoryActionRestore, label, units, author.PeerId, author.DisplayName)
}

// Text renders the document as source, units joined in order.
func (self *Document) Text() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	parts := make([]string, 0, len(self.units))
	for _, unit := range self.units {
		parts = append(parts, unit.Content)
	}
	return strings.Join(parts, "\n\n")
}

func (self *Document) indexOf(unitId string) int {
	for i, unit := range self.units {
		if unit.UnitId == unitId {
			return i
		}
	}
	return -1
}

func firstLine(content string) string {
	line, _, _ := strings.Cut(content, "\n")
	return strings.TrimSpace(line)
}
