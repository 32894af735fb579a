package collab

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/golang/glog"
)

const (
	HistoryActionSnapshot   = "snapshot"
	HistoryActionEdit       = "edit"
	HistoryActionAdd        = "add"
	HistoryActionDelete     = "delete"
	HistoryActionMove       = "move"
	HistoryActionTypeChange = "type-change"
	HistoryActionRestore    = "restore"
)

type HistorySettings struct {
	// PruneThreshold caps the live tree. Crossing it drops the oldest
	// unprotected leaves.
	PruneThreshold int
	// PersistPruneThreshold caps what goes to disk.
	PersistPruneThreshold int
	// PreviewLength truncates node labels.
	PreviewLength int
}

func DefaultHistorySettings() *HistorySettings {
	return &HistorySettings{
		PruneThreshold:        200,
		PersistPruneThreshold: 100,
		PreviewLength:         80,
	}
}

// HistoryNode is one state the document has been in. Author fields record
// who moved the document there and carry no authority.
type HistoryNode struct {
	NodeId           string       `json:"nodeId"`
	ParentId         string       `json:"parentId,omitempty"`
	ChildIds         []string     `json:"childIds,omitempty"`
	PreferredChildId string       `json:"preferredChildId,omitempty"`
	Action           string       `json:"action"`
	Label            string       `json:"label,omitempty"`
	AuthorId         string       `json:"authorId,omitempty"`
	AuthorName       string       `json:"authorName,omitempty"`
	CreateTime       time.Time    `json:"createTime"`
	Units            []*UnitState `json:"units"`
}

type HistoryNodeSummary struct {
	NodeId     string
	ParentId   string
	Action     string
	Label      string
	AuthorName string
	CreateTime time.Time
	Depth      int
	ChildCount int
	Current    bool
	Preferred  bool
}

// HistoryTree is a branching undo history. Every push becomes a child of
// the current node, so undoing and editing again forks a branch instead of
// discarding the redo states. The path from root to current is never pruned.
type HistoryTree struct {
	clock    clock.Clock
	settings *HistorySettings

	mutex     sync.Mutex
	nodes     map[string]*HistoryNode
	rootId    string
	currentId string
}

func NewHistoryTreeWithDefaults(clk clock.Clock, initialUnits []*UnitState) *HistoryTree {
	return NewHistoryTree(clk, initialUnits, DefaultHistorySettings())
}

func NewHistoryTree(clk clock.Clock, initialUnits []*UnitState, settings *HistorySettings) *HistoryTree {
	root := &HistoryNode{
		NodeId:     NewId().String(),
		Action:     HistoryActionSnapshot,
		CreateTime: clk.Now(),
		Units:      HistoryUnitStates(initialUnits),
	}
	return &HistoryTree{
		clock:    clk,
		settings: settings,
		nodes: map[string]*HistoryNode{
			root.NodeId: root,
		},
		rootId:    root.NodeId,
		currentId: root.NodeId,
	}
}

// Push records a new state as a child of current. The stored units are a
// copy with execution state stripped, nodes never carry outputs.
func (self *HistoryTree) Push(action string, label string, units []*UnitState, authorId string, authorName string) *HistoryNode {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node := &HistoryNode{
		NodeId:     NewId().String(),
		ParentId:   self.currentId,
		Action:     action,
		Label:      truncateLabel(label, self.settings.PreviewLength),
		AuthorId:   authorId,
		AuthorName: authorName,
		CreateTime: self.clock.Now(),
		Units:      HistoryUnitStates(units),
	}
	parent := self.nodes[self.currentId]
	parent.ChildIds = append(parent.ChildIds, node.NodeId)
	parent.PreferredChildId = node.NodeId
	self.nodes[node.NodeId] = node
	self.currentId = node.NodeId

	self.prune(self.settings.PruneThreshold)
	return node
}

// Undo moves current to its parent and returns the parent's state.
// The node undone from stays the parent's preferred child so a redo
// returns to it.
func (self *HistoryTree) Undo() (*HistoryNode, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	current := self.nodes[self.currentId]
	if current.ParentId == "" {
		return nil, ErrNoHistory
	}
	parent := self.nodes[current.ParentId]
	parent.PreferredChildId = current.NodeId
	self.currentId = parent.NodeId
	return copyNode(parent), nil
}

// Redo moves current forward. The preferred child wins when recorded and
// still present, a sole child is followed, and multiple unpreferred
// children are ambiguous. Callers resolve ambiguity with RedoOptions and
// RedoTo.
func (self *HistoryTree) Redo() (*HistoryNode, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	current := self.nodes[self.currentId]
	if preferred, ok := self.nodes[current.PreferredChildId]; ok {
		self.currentId = preferred.NodeId
		return copyNode(preferred), nil
	}
	childIds := self.liveChildIds(current)
	switch len(childIds) {
	case 0:
		return nil, ErrNoHistory
	case 1:
		child := self.nodes[childIds[0]]
		current.PreferredChildId = child.NodeId
		self.currentId = child.NodeId
		return copyNode(child), nil
	default:
		return nil, ErrAmbiguousRedo
	}
}

// RedoOptions lists the branches reachable from current,
// most recently created first.
func (self *HistoryTree) RedoOptions() []*HistoryNodeSummary {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	current := self.nodes[self.currentId]
	options := []*HistoryNodeSummary{}
	for _, childId := range self.liveChildIds(current) {
		child := self.nodes[childId]
		options = append(options, self.summarize(child, 0))
	}
	slices.SortFunc(options, func(a *HistoryNodeSummary, b *HistoryNodeSummary) int {
		return b.CreateTime.Compare(a.CreateTime)
	})
	return options
}

// RedoTo resolves an ambiguous redo by naming the child to follow.
func (self *HistoryTree) RedoTo(nodeId string) (*HistoryNode, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	current := self.nodes[self.currentId]
	if !slices.Contains(self.liveChildIds(current), nodeId) {
		return nil, ErrUnknownNode
	}
	child := self.nodes[nodeId]
	current.PreferredChildId = child.NodeId
	self.currentId = child.NodeId
	return copyNode(child), nil
}

// Goto jumps to any node in the tree and rewrites the preferred path so
// that the walk from root now leads to it.
func (self *HistoryTree) Goto(nodeId string) (*HistoryNode, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return nil, ErrUnknownNode
	}
	for walkId := nodeId; walkId != self.rootId; {
		walk := self.nodes[walkId]
		parent := self.nodes[walk.ParentId]
		parent.PreferredChildId = walk.NodeId
		walkId = parent.NodeId
	}
	self.currentId = node.NodeId
	return copyNode(node), nil
}

func (self *HistoryTree) Current() *HistoryNode {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return copyNode(self.nodes[self.currentId])
}

func (self *HistoryTree) CurrentId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.currentId
}

func (self *HistoryTree) RootId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.rootId
}

func (self *HistoryTree) Size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.nodes)
}

func (self *HistoryTree) Contains(nodeId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	_, ok := self.nodes[nodeId]
	return ok
}

// Summaries walks the tree depth first in creation order.
func (self *HistoryTree) Summaries() []*HistoryNodeSummary {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	summaries := []*HistoryNodeSummary{}
	var walk func(nodeId string, depth int)
	walk = func(nodeId string, depth int) {
		node := self.nodes[nodeId]
		summaries = append(summaries, self.summarize(node, depth))
		for _, childId := range self.liveChildIds(node) {
			walk(childId, depth+1)
		}
	}
	walk(self.rootId, 0)
	return summaries
}

func (self *HistoryTree) summarize(node *HistoryNode, depth int) *HistoryNodeSummary {
	preferred := false
	if parent, ok := self.nodes[node.ParentId]; ok {
		preferred = parent.PreferredChildId == node.NodeId
	}
	return &HistoryNodeSummary{
		NodeId:     node.NodeId,
		ParentId:   node.ParentId,
		Action:     node.Action,
		Label:      node.Label,
		AuthorName: node.AuthorName,
		CreateTime: node.CreateTime,
		Depth:      depth,
		ChildCount: len(self.liveChildIds(node)),
		Current:    node.NodeId == self.currentId,
		Preferred:  preferred,
	}
}

// liveChildIds filters out children removed by pruning.
func (self *HistoryTree) liveChildIds(node *HistoryNode) []string {
	childIds := []string{}
	for _, childId := range node.ChildIds {
		if _, ok := self.nodes[childId]; ok {
			childIds = append(childIds, childId)
		}
	}
	return childIds
}

// prune drops the oldest unprotected leaves until the tree fits `limit`.
// The root and the root-to-current path are never pruned, so pruning can
// stop early when everything left is protected.
func (self *HistoryTree) prune(limit int) {
	if len(self.nodes) <= limit {
		return
	}

	protected := map[string]bool{}
	for walkId := self.currentId; ; {
		protected[walkId] = true
		if walkId == self.rootId {
			break
		}
		walkId = self.nodes[walkId].ParentId
	}

	for limit < len(self.nodes) {
		var oldest *HistoryNode
		for _, node := range self.nodes {
			if protected[node.NodeId] {
				continue
			}
			if 0 < len(self.liveChildIds(node)) {
				continue
			}
			if oldest == nil || node.CreateTime.Before(oldest.CreateTime) {
				oldest = node
			}
		}
		if oldest == nil {
			return
		}
		parent, ok := self.nodes[oldest.ParentId]
		if ok {
			if i := slices.Index(parent.ChildIds, oldest.NodeId); 0 <= i {
				parent.ChildIds = slices.Delete(parent.ChildIds, i, i+1)
			}
			if parent.PreferredChildId == oldest.NodeId {
				parent.PreferredChildId = ""
			}
		}
		delete(self.nodes, oldest.NodeId)
	}
	glog.V(2).Infof("[h]pruned history to %d nodes\n", len(self.nodes))
}

type persistedHistory struct {
	RootId    string         `json:"rootId"`
	CurrentId string         `json:"currentId"`
	Nodes     []*HistoryNode `json:"nodes"`
}

// MarshalPersist serializes the tree for storage, pruned harder than the
// live tree so the stored form stays small. The live tree is not touched.
func (self *HistoryTree) MarshalPersist() ([]byte, error) {
	self.mutex.Lock()
	stored := &HistoryTree{
		clock:     self.clock,
		settings:  self.settings,
		nodes:     make(map[string]*HistoryNode, len(self.nodes)),
		rootId:    self.rootId,
		currentId: self.currentId,
	}
	for nodeId, node := range self.nodes {
		stored.nodes[nodeId] = copyNode(node)
	}
	self.mutex.Unlock()

	stored.prune(self.settings.PersistPruneThreshold)
	persisted := &persistedHistory{
		RootId:    stored.rootId,
		CurrentId: stored.currentId,
		Nodes:     make([]*HistoryNode, 0, len(stored.nodes)),
	}
	for _, node := range stored.nodes {
		persisted.Nodes = append(persisted.Nodes, node)
	}

	slices.SortFunc(persisted.Nodes, func(a *HistoryNode, b *HistoryNode) int {
		return a.CreateTime.Compare(b.CreateTime)
	})
	return json.Marshal(persisted)
}

func UnmarshalHistoryTree(data []byte, clk clock.Clock, settings *HistorySettings) (*HistoryTree, error) {
	persisted := &persistedHistory{}
	if err := json.Unmarshal(data, persisted); err != nil {
		return nil, err
	}
	nodes := map[string]*HistoryNode{}
	for _, node := range persisted.Nodes {
		nodes[node.NodeId] = node
	}
	if _, ok := nodes[persisted.RootId]; !ok {
		return nil, &ProtocolError{Reason: "history missing root"}
	}
	currentId := persisted.CurrentId
	if _, ok := nodes[currentId]; !ok {
		currentId = persisted.RootId
	}
	return &HistoryTree{
		clock:     clk,
		settings:  settings,
		nodes:     nodes,
		rootId:    persisted.RootId,
		currentId: currentId,
	}, nil
}

func copyNode(node *HistoryNode) *HistoryNode {
	out := *node
	out.ChildIds = slices.Clone(node.ChildIds)
	out.Units = CopyUnitStates(node.Units)
	return &out
}

func truncateLabel(label string, previewLength int) string {
	runes := []rune(label)
	if len(runes) <= previewLength {
		return label
	}
	return string(runes[:previewLength])
}
