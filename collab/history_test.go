package collab

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
)

func unitsWithContent(content string) []*UnitState {
	return []*UnitState{
		{UnitId: "u1", Kind: UnitKindCode, Content: content},
	}
}

func TestHistoryPushUndoRedo(t *testing.T) {
	mock := clock.NewMock()
	history := NewHistoryTreeWithDefaults(mock, unitsWithContent("v0"))

	mock.Add(time.Second)
	history.Push(HistoryActionEdit, "v1", unitsWithContent("v1"), "p1", "ana")
	mock.Add(time.Second)
	history.Push(HistoryActionEdit, "v2", unitsWithContent("v2"), "p1", "ana")
	assert.Equal(t, history.Size(), 3)

	node, err := history.Undo()
	assert.Equal(t, err, nil)
	assert.Equal(t, node.Units[0].Content, "v1")

	node, err = history.Undo()
	assert.Equal(t, err, nil)
	assert.Equal(t, node.Units[0].Content, "v0")

	_, err = history.Undo()
	assert.Equal(t, err, ErrNoHistory)

	node, err = history.Redo()
	assert.Equal(t, err, nil)
	assert.Equal(t, node.Units[0].Content, "v1")

	node, err = history.Redo()
	assert.Equal(t, err, nil)
	assert.Equal(t, node.Units[0].Content, "v2")

	_, err = history.Redo()
	assert.Equal(t, err, ErrNoHistory)
}

func TestHistoryBranching(t *testing.T) {
	mock := clock.NewMock()
	history := NewHistoryTreeWithDefaults(mock, unitsWithContent("v0"))

	mock.Add(time.Second)
	history.Push(HistoryActionEdit, "a", unitsWithContent("a"), "p1", "ana")

	_, err := history.Undo()
	assert.Equal(t, err, nil)

	// editing after an undo forks a second branch
	mock.Add(time.Second)
	pushedB := history.Push(HistoryActionEdit, "b", unitsWithContent("b"), "p2", "bo")

	_, err = history.Undo()
	assert.Equal(t, err, nil)

	// the fresh push is the preferred branch
	node, err := history.Redo()
	assert.Equal(t, err, nil)
	assert.Equal(t, node.NodeId, pushedB.NodeId)
	assert.Equal(t, node.Units[0].Content, "b")
	assert.Equal(t, node.AuthorName, "bo")
}

func TestHistoryAmbiguousRedo(t *testing.T) {
	mock := clock.NewMock()
	history := NewHistoryTreeWithDefaults(mock, unitsWithContent("v0"))
	rootId := history.RootId()

	mock.Add(time.Second)
	pushedA := history.Push(HistoryActionEdit, "a", unitsWithContent("a"), "p1", "ana")
	_, err := history.Undo()
	assert.Equal(t, err, nil)
	mock.Add(time.Second)
	pushedB := history.Push(HistoryActionEdit, "b", unitsWithContent("b"), "p2", "bo")
	_, err = history.Undo()
	assert.Equal(t, err, nil)

	// clear the preference the undo recorded so both branches stand equal,
	// the shape a restored tree can be in after pruning
	history.mutex.Lock()
	history.nodes[rootId].PreferredChildId = ""
	history.mutex.Unlock()

	_, err = history.Redo()
	assert.Equal(t, err, ErrAmbiguousRedo)

	options := history.RedoOptions()
	assert.Equal(t, len(options), 2)
	// most recently created first
	assert.Equal(t, options[0].NodeId, pushedB.NodeId)
	assert.Equal(t, options[1].NodeId, pushedA.NodeId)

	node, err := history.RedoTo(pushedA.NodeId)
	assert.Equal(t, err, nil)
	assert.Equal(t, node.Units[0].Content, "a")

	_, err = history.RedoTo("nope")
	assert.Equal(t, err, ErrUnknownNode)
}

func TestHistoryGoto(t *testing.T) {
	mock := clock.NewMock()
	history := NewHistoryTreeWithDefaults(mock, unitsWithContent("v0"))

	mock.Add(time.Second)
	pushedA := history.Push(HistoryActionEdit, "a", unitsWithContent("a"), "p1", "ana")
	_, err := history.Undo()
	assert.Equal(t, err, nil)
	mock.Add(time.Second)
	history.Push(HistoryActionEdit, "b", unitsWithContent("b"), "p2", "bo")

	// jump across branches
	node, err := history.Goto(pushedA.NodeId)
	assert.Equal(t, err, nil)
	assert.Equal(t, node.Units[0].Content, "a")
	assert.Equal(t, history.CurrentId(), pushedA.NodeId)

	// the preferred path now leads to the jump target
	_, err = history.Undo()
	assert.Equal(t, err, nil)
	node, err = history.Redo()
	assert.Equal(t, err, nil)
	assert.Equal(t, node.NodeId, pushedA.NodeId)

	_, err = history.Goto("nope")
	assert.Equal(t, err, ErrUnknownNode)
}

func TestHistoryPrune(t *testing.T) {
	mock := clock.NewMock()
	settings := DefaultHistorySettings()
	settings.PruneThreshold = 10
	history := NewHistoryTree(mock, unitsWithContent("v0"), settings)

	// grow abandoned branches off the root
	for i := 0; i < 8; i += 1 {
		mock.Add(time.Second)
		history.Push(HistoryActionEdit, "branch", unitsWithContent(fmt.Sprintf("b%d", i)), "p1", "ana")
		_, err := history.Undo()
		assert.Equal(t, err, nil)
	}
	// then a live path
	for i := 0; i < 6; i += 1 {
		mock.Add(time.Second)
		history.Push(HistoryActionEdit, "live", unitsWithContent(fmt.Sprintf("v%d", i)), "p1", "ana")
	}

	assert.Equal(t, history.Size() <= 10, true)

	// the root to current path survives pruning
	current := history.Current()
	assert.Equal(t, current.Units[0].Content, "v5")
	for i := 0; i < 6; i += 1 {
		node, err := history.Undo()
		assert.Equal(t, err, nil)
		if i == 5 {
			assert.Equal(t, node.NodeId, history.RootId())
		}
	}
}

func TestHistoryPersistRoundTrip(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))
	history := NewHistoryTreeWithDefaults(mock, unitsWithContent("v0"))

	mock.Add(time.Second)
	history.Push(HistoryActionEdit, "v1", unitsWithContent("v1"), "p1", "ana")
	mock.Add(time.Second)
	pushed := history.Push(HistoryActionEdit, "v2", unitsWithContent("v2"), "p2", "bo")

	data, err := history.MarshalPersist()
	assert.Equal(t, err, nil)
	// persisting leaves the live tree alone
	assert.Equal(t, history.Size(), 3)

	restored, err := UnmarshalHistoryTree(data, mock, DefaultHistorySettings())
	assert.Equal(t, err, nil)
	assert.Equal(t, restored.Size(), 3)
	assert.Equal(t, restored.CurrentId(), pushed.NodeId)
	assert.Equal(t, restored.Current().Units[0].Content, "v2")
	assert.Equal(t, restored.Current().AuthorName, "bo")

	node, err := restored.Undo()
	assert.Equal(t, err, nil)
	assert.Equal(t, node.Units[0].Content, "v1")
}

func TestHistoryPersistPrune(t *testing.T) {
	mock := clock.NewMock()
	settings := DefaultHistorySettings()
	settings.PruneThreshold = 50
	settings.PersistPruneThreshold = 5
	history := NewHistoryTree(mock, unitsWithContent("v0"), settings)

	for i := 0; i < 20; i += 1 {
		mock.Add(time.Second)
		history.Push(HistoryActionEdit, "branch", unitsWithContent(fmt.Sprintf("b%d", i)), "p1", "ana")
		_, err := history.Undo()
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, history.Size(), 21)

	data, err := history.MarshalPersist()
	assert.Equal(t, err, nil)
	assert.Equal(t, history.Size(), 21)

	restored, err := UnmarshalHistoryTree(data, mock, settings)
	assert.Equal(t, err, nil)
	assert.Equal(t, restored.Size() <= 5, true)
	assert.Equal(t, restored.CurrentId(), history.CurrentId())
}

func TestHistoryLabelTruncation(t *testing.T) {
	mock := clock.NewMock()
	settings := DefaultHistorySettings()
	settings.PreviewLength = 5
	history := NewHistoryTree(mock, unitsWithContent("v0"), settings)

	node := history.Push(HistoryActionEdit, "a very long label", unitsWithContent("x"), "p1", "ana")
	assert.Equal(t, node.Label, "a ver")
}

func TestHistorySummaries(t *testing.T) {
	mock := clock.NewMock()
	history := NewHistoryTreeWithDefaults(mock, unitsWithContent("v0"))

	mock.Add(time.Second)
	history.Push(HistoryActionEdit, "a", unitsWithContent("a"), "p1", "ana")
	summaries := history.Summaries()
	assert.Equal(t, len(summaries), 2)
	assert.Equal(t, summaries[0].Depth, 0)
	assert.Equal(t, summaries[0].Action, HistoryActionSnapshot)
	assert.Equal(t, summaries[1].Depth, 1)
	assert.Equal(t, summaries[1].Current, true)
	assert.Equal(t, summaries[1].Preferred, true)
}
