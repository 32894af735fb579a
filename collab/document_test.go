package collab

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
)

func newTestDocument() *Document {
	return NewDocument("notes/plan.md", nil, clock.NewMock(), DefaultHistorySettings())
}

func TestDocumentAddEditDelete(t *testing.T) {
	document := newTestDocument()
	ana := Author{PeerId: "p1", DisplayName: "ana"}

	assert.Equal(t, document.Add("u1", UnitKindCode, "x := 1", 0, ana), true)
	assert.Equal(t, document.Add("u2", UnitKindNarrative, "intro", 0, ana), true)
	assert.Equal(t, document.UnitCount(), 2)

	units := document.Units()
	assert.Equal(t, units[0].UnitId, "u2")
	assert.Equal(t, units[1].UnitId, "u1")

	// adds with a known id do not duplicate
	assert.Equal(t, document.Add("u1", UnitKindCode, "other", 5, ana), false)
	assert.Equal(t, document.UnitCount(), 2)

	assert.Equal(t, document.Edit("u1", "x := 2", ana), true)
	unit, ok := document.Unit("u1")
	assert.Equal(t, ok, true)
	assert.Equal(t, unit.Content, "x := 2")

	assert.Equal(t, document.Edit("missing", "y", ana), false)

	assert.Equal(t, document.Delete("u2", ana), true)
	assert.Equal(t, document.UnitCount(), 1)
	assert.Equal(t, document.Delete("u2", ana), false)
}

func TestDocumentAddClampsIndex(t *testing.T) {
	document := newTestDocument()
	ana := Author{PeerId: "p1", DisplayName: "ana"}

	document.Add("u1", UnitKindCode, "one", -5, ana)
	document.Add("u2", UnitKindCode, "two", 100, ana)
	units := document.Units()
	assert.Equal(t, units[0].UnitId, "u1")
	assert.Equal(t, units[1].UnitId, "u2")
}

func TestDocumentMove(t *testing.T) {
	document := newTestDocument()
	ana := Author{PeerId: "p1", DisplayName: "ana"}
	document.Add("u1", UnitKindCode, "one", 0, ana)
	document.Add("u2", UnitKindCode, "two", 1, ana)
	document.Add("u3", UnitKindCode, "three", 2, ana)

	assert.Equal(t, document.Move("u3", MoveUp, ana), true)
	units := document.Units()
	assert.Equal(t, units[1].UnitId, "u3")
	assert.Equal(t, units[2].UnitId, "u2")

	// boundary moves do nothing
	assert.Equal(t, document.Move("u1", MoveUp, ana), false)
	assert.Equal(t, document.Move("u2", MoveDown, ana), false)
	assert.Equal(t, document.Move("missing", MoveDown, ana), false)
}

func TestDocumentChangeKind(t *testing.T) {
	document := newTestDocument()
	ana := Author{PeerId: "p1", DisplayName: "ana"}
	document.Add("u1", UnitKindCode, "one", 0, ana)

	assert.Equal(t, document.ChangeKind("u1", UnitKindNarrative, ana), true)
	unit, _ := document.Unit("u1")
	assert.Equal(t, unit.Kind, UnitKindNarrative)

	// no-op when already that kind
	assert.Equal(t, document.ChangeKind("u1", UnitKindNarrative, ana), false)
	assert.Equal(t, document.ChangeKind("u1", UnitKind("poem"), ana), false)
}

func TestDocumentHistoryAttribution(t *testing.T) {
	document := newTestDocument()
	ana := Author{PeerId: "p1", DisplayName: "ana"}
	bo := Author{PeerId: "p2", DisplayName: "bo"}

	document.Add("u1", UnitKindCode, "one", 0, ana)
	document.Edit("u1", "two", bo)

	current := document.History().Current()
	assert.Equal(t, current.Action, HistoryActionEdit)
	assert.Equal(t, current.AuthorId, "p2")
	assert.Equal(t, current.AuthorName, "bo")

	node, err := document.History().Undo()
	assert.Equal(t, err, nil)
	assert.Equal(t, node.AuthorName, "ana")
}

func TestDocumentRestore(t *testing.T) {
	document := newTestDocument()
	ana := Author{PeerId: "p1", DisplayName: "ana"}
	document.Add("u1", UnitKindCode, "one", 0, ana)

	revisionBefore := document.Revision()
	document.Restore([]*UnitState{
		{UnitId: "u9", Kind: UnitKindNarrative, Content: "restored"},
	}, "snapshot", Author{PeerId: "p2", DisplayName: "bo"})

	assert.Equal(t, document.UnitCount(), 1)
	unit, ok := document.Unit("u9")
	assert.Equal(t, ok, true)
	assert.Equal(t, unit.Content, "restored")
	assert.Equal(t, revisionBefore < document.Revision(), true)

	current := document.History().Current()
	assert.Equal(t, current.Action, HistoryActionRestore)
	assert.Equal(t, current.AuthorName, "bo")
}

func TestDocumentExecutionState(t *testing.T) {
	document := newTestDocument()
	ana := Author{PeerId: "p1", DisplayName: "ana"}
	document.Add("u1", UnitKindCode, "print(1)", 0, ana)

	outputs := []*Output{
		{Kind: ExecutionEventStdout, Text: "1"},
		{Kind: ExecutionEventResult, Text: "None"},
	}
	assert.Equal(t, document.SetExecutionState("u1", outputs, 1), true)
	assert.Equal(t, document.SetExecutionState("missing", outputs, 1), false)

	unit, _ := document.Unit("u1")
	assert.Equal(t, len(unit.Outputs), 2)
	assert.Equal(t, unit.ExecutionSequence, 1)

	// attaching outputs adds no history node, editing does, and the new
	// node carries no execution state
	sizeBefore := document.History().Size()
	document.SetExecutionState("u1", outputs, 2)
	assert.Equal(t, document.History().Size(), sizeBefore)

	document.Edit("u1", "print(2)", ana)
	for _, historyUnit := range document.History().Current().Units {
		assert.Equal(t, len(historyUnit.Outputs), 0)
		assert.Equal(t, historyUnit.ExecutionSequence, 0)
	}

	// restoring a history node comes back without outputs
	node, err := document.History().Undo()
	assert.Equal(t, err, nil)
	document.Replace(node.Units)
	unit, _ = document.Unit("u1")
	assert.Equal(t, len(unit.Outputs), 0)
}

func TestDocumentText(t *testing.T) {
	document := newTestDocument()
	ana := Author{PeerId: "p1", DisplayName: "ana"}
	document.Add("u1", UnitKindNarrative, "# Plan", 0, ana)
	document.Add("u2", UnitKindCode, "x := 1", 1, ana)

	assert.Equal(t, document.Text(), "# Plan\n\nx := 1")
}
