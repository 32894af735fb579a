package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	now := time.UnixMilli(1700000000000)

	ping := &Ping{
		PeerId:          "p1",
		DisplayName:     "ana",
		ProtocolVersion: ProtocolVersion,
	}
	envelope, err := ToEnvelope(ping, "p1", "", now)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.Type, MessageTypePing)
	assert.Equal(t, envelope.From, "p1")
	assert.Equal(t, envelope.Timestamp, int64(1700000000000))

	payload, err := FromEnvelope(envelope)
	assert.Equal(t, err, nil)
	decodedPing, ok := payload.(*Ping)
	assert.Equal(t, ok, true)
	assert.Equal(t, decodedPing, ping)

	unitAdd := &UnitAdd{
		UnitId:  "u1",
		Kind:    UnitKindCode,
		Content: "x := 1",
		Index:   2,
	}
	envelope, err = ToEnvelope(unitAdd, "p1", "notes/plan.md", now)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.DocumentId, "notes/plan.md")

	payload, err = FromEnvelope(envelope)
	assert.Equal(t, err, nil)
	decodedAdd, ok := payload.(*UnitAdd)
	assert.Equal(t, ok, true)
	assert.Equal(t, decodedAdd, unitAdd)
}

func TestUnitStateCopy(t *testing.T) {
	unit := &UnitState{
		UnitId:            "u1",
		Kind:              UnitKindCode,
		Content:           "x := 1",
		Outputs:           []*Output{{Kind: ExecutionEventStdout, Text: "out"}},
		ExecutionSequence: 3,
		Attributes:        map[string]string{"language": "go"},
	}

	copied := unit.Copy()
	copied.Outputs[0].Text = "changed"
	copied.Attributes["language"] = "python"
	assert.Equal(t, unit.Outputs[0].Text, "out")
	assert.Equal(t, unit.Attributes["language"], "go")
}

func TestHistoryUnitStates(t *testing.T) {
	units := []*UnitState{
		{
			UnitId:            "u1",
			Kind:              UnitKindCode,
			Content:           "x := 1",
			Outputs:           []*Output{{Kind: ExecutionEventResult, Text: "1"}},
			ExecutionSequence: 7,
			Attributes:        map[string]string{"language": "go"},
		},
	}

	stripped := HistoryUnitStates(units)
	assert.Equal(t, len(stripped[0].Outputs), 0)
	assert.Equal(t, stripped[0].ExecutionSequence, 0)
	// attributes are document state, they survive the strip
	assert.Equal(t, stripped[0].Attributes["language"], "go")
	assert.Equal(t, stripped[0].Content, "x := 1")

	// the live units are untouched
	assert.Equal(t, len(units[0].Outputs), 1)
	assert.Equal(t, units[0].ExecutionSequence, 7)
}

func TestEnvelopeUnknownType(t *testing.T) {
	envelope := &Envelope{
		Type: MessageType("telepathy"),
		From: "p1",
		Data: []byte(`{}`),
	}
	_, err := FromEnvelope(envelope)
	assert.NotEqual(t, err, nil)
	_, ok := err.(*ProtocolError)
	assert.Equal(t, ok, true)
}

func TestEnvelopeUnknownPayloadType(t *testing.T) {
	_, err := ToEnvelope(struct{}{}, "p1", "", time.Now())
	assert.NotEqual(t, err, nil)
}

func TestSplitJsonObjects(t *testing.T) {
	objects, err := splitJsonObjects([]byte(`{"a":1}{"b":2}{"c":{"d":3}}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(objects), 3)
	assert.Equal(t, string(objects[0]), `{"a":1}`)
	assert.Equal(t, string(objects[2]), `{"c":{"d":3}}`)

	// braces and escapes inside strings do not count
	objects, err = splitJsonObjects([]byte(`{"a":"}{"}{"b":"\"{"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(objects), 2)
	assert.Equal(t, string(objects[0]), `{"a":"}{"}`)
	assert.Equal(t, string(objects[1]), `{"b":"\"{"}`)

	// whitespace between objects
	objects, err = splitJsonObjects([]byte("{\"a\":1}\n {\"b\":2}"))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(objects), 2)

	_, err = splitJsonObjects([]byte(`{"a":1`))
	assert.NotEqual(t, err, nil)

	_, err = splitJsonObjects([]byte(`}`))
	assert.NotEqual(t, err, nil)
}

func TestDecodeEnvelopes(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	first := RequireToEnvelope(&Ping{PeerId: "p1"}, "p1", "", now)
	second := RequireToEnvelope(&Pong{PeerId: "p2"}, "p2", "", now)

	firstData, err := EncodeEnvelope(first)
	assert.Equal(t, err, nil)
	secondData, err := EncodeEnvelope(second)
	assert.Equal(t, err, nil)

	envelopes, err := DecodeEnvelopes(append(firstData, secondData...))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(envelopes), 2)
	assert.Equal(t, envelopes[0].Type, MessageTypePing)
	assert.Equal(t, envelopes[1].Type, MessageTypePong)
	assert.Equal(t, envelopes[1].From, "p2")
}
