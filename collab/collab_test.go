package collab

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestId(t *testing.T) {
	id := NewId()
	idStr := id.String()

	parsedId, err := ParseId(idStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsedId, id)

	idJson, err := json.Marshal(&id)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(idJson), 38)

	var unmarshaledId Id
	err = json.Unmarshal(idJson, &unmarshaledId)
	assert.Equal(t, err, nil)
	assert.Equal(t, unmarshaledId, id)

	_, err = ParseId("not an id")
	assert.NotEqual(t, err, nil)
}

func TestIdOrder(t *testing.T) {
	a := NewId()
	b := NewId()
	// ulids are monotonic enough for creation ordering
	assert.Equal(t, a.LessThan(b) || b.LessThan(a), true)
	assert.Equal(t, a.LessThan(a), false)
}

func TestNormalizeDocumentPath(t *testing.T) {
	assert.Equal(t, NormalizeDocumentPath("/home/u/project/notes/plan.md", "/home/u/project"), "notes/plan.md")
	assert.Equal(t, NormalizeDocumentPath("/home/u/elsewhere/plan.md", "/home/u/project"), "plan.md")
	assert.Equal(t, NormalizeDocumentPath("/tmp/scratch.md", ""), "scratch.md")
	assert.Equal(t, NormalizeDocumentPath("plan.md", ""), "plan.md")
	assert.Equal(t, NormalizeDocumentPath("notes/plan.md", ""), "plan.md")
}

func TestTopics(t *testing.T) {
	assert.Equal(t, DiscoveryTopic("collab/v1"), "collab/v1/discovery")
	assert.Equal(t, RpcTopic("collab/v1"), "collab/v1/rpc")
	assert.Equal(t, DocumentTopic("collab/v1", "notes/plan.md"), "collab/v1/doc/notes%2Fplan.md")
}

func TestUnitKind(t *testing.T) {
	assert.Equal(t, UnitKindCode.IsValid(), true)
	assert.Equal(t, UnitKindNarrative.IsValid(), true)
	assert.Equal(t, UnitKind("poem").IsValid(), false)
}
