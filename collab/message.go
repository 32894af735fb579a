package collab

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/exp/maps"
)

type MessageType string

const (
	MessageTypePing                  MessageType = "ping"
	MessageTypePong                  MessageType = "pong"
	MessageTypePresence              MessageType = "presence"
	MessageTypeShareManifest         MessageType = "share-manifest"
	MessageTypeCodeRequest           MessageType = "code-request"
	MessageTypeCodeResponse          MessageType = "code-response"
	MessageTypeUnitUpdate            MessageType = "unit-update"
	MessageTypeUnitAdd               MessageType = "unit-add"
	MessageTypeUnitDelete            MessageType = "unit-delete"
	MessageTypeUnitMove              MessageType = "unit-move"
	MessageTypeUnitTypeChange        MessageType = "unit-type-change"
	MessageTypeCursor                MessageType = "cursor"
	MessageTypeHistoryPush           MessageType = "history-push"
	MessageTypeDocumentStateSnapshot MessageType = "document-state-snapshot"
)

type RequestKind string

const (
	RequestKindContent RequestKind = "content"
	RequestKindService RequestKind = "service"
)

// Envelope is the single frame shape that crosses the mesh.
// `Data` holds the payload for `Type`. `DocumentId` is set only on
// document-scoped messages. `Timestamp` is sender epoch millis.
type Envelope struct {
	Type       MessageType     `json:"type"`
	From       string          `json:"from"`
	DocumentId string          `json:"documentId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

func (self *Envelope) Time() time.Time {
	return timeFromEpochMillis(self.Timestamp)
}

type Ping struct {
	PeerId          string `json:"peerId"`
	DisplayName     string `json:"displayName"`
	ProtocolVersion int    `json:"protocolVersion"`
}

type Pong struct {
	PeerId          string `json:"peerId"`
	DisplayName     string `json:"displayName"`
	ProtocolVersion int    `json:"protocolVersion"`
}

type Presence struct {
	DisplayName    string `json:"displayName"`
	ActiveDocument string `json:"activeDocument,omitempty"`
}

// ManifestDocument describes one shared document in a manifest.
// Only Path is identity, the rest is advisory display metadata.
type ManifestDocument struct {
	Path                string   `json:"path"`
	DisplayName         string   `json:"displayName,omitempty"`
	UnitCount           int      `json:"unitCount"`
	ExportedSymbolNames []string `json:"exportedSymbolNames,omitempty"`
}

func (self *ManifestDocument) Copy() *ManifestDocument {
	out := *self
	out.ExportedSymbolNames = append([]string{}, self.ExportedSymbolNames...)
	return &out
}

type ShareManifest struct {
	PeerId      string              `json:"peerId"`
	DisplayName string              `json:"displayName"`
	Documents   []*ManifestDocument `json:"documents"`
}

// CodeRequest asks one peer for document content or a service call.
// `Target` is matched against peer id or display name on the receiving side.
type CodeRequest struct {
	CorrelationId string      `json:"correlationId"`
	Target        string      `json:"target"`
	Kind          RequestKind `json:"kind"`
	Path          string      `json:"path,omitempty"`
	Selector      string      `json:"selector,omitempty"`
	Endpoint      string      `json:"endpoint,omitempty"`
	Args          []string    `json:"args,omitempty"`
	Source        string      `json:"source,omitempty"`
}

type CodeResponse struct {
	CorrelationId string       `json:"correlationId"`
	Content       string       `json:"content,omitempty"`
	Units         []*UnitState `json:"units,omitempty"`
	Result        string       `json:"result,omitempty"`
	Error         string       `json:"error,omitempty"`
	Warnings      []string     `json:"warnings,omitempty"`
}

type UnitUpdate struct {
	UnitId  string `json:"unitId"`
	Content string `json:"content"`
}

type UnitAdd struct {
	UnitId  string   `json:"unitId"`
	Kind    UnitKind `json:"kind"`
	Content string   `json:"content"`
	Index   int      `json:"index"`
}

type UnitDelete struct {
	UnitId string `json:"unitId"`
}

type UnitMove struct {
	UnitId    string        `json:"unitId"`
	Direction MoveDirection `json:"direction"`
}

type UnitTypeChange struct {
	UnitId string   `json:"unitId"`
	Kind   UnitKind `json:"kind"`
}

type Cursor struct {
	UnitId string `json:"unitId"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// HistoryPush announces a restored snapshot after an undo, redo or goto,
// so every replica lands on the same state and records who moved it there.
type HistoryPush struct {
	NodeId string       `json:"nodeId"`
	Action string       `json:"action"`
	Units  []*UnitState `json:"units"`
	Label  string       `json:"label,omitempty"`
}

// DocumentStateSnapshot is the owner's full document state,
// broadcast on share and on force refresh. Receivers apply it wholesale
// when it is newer than what they have.
type DocumentStateSnapshot struct {
	Units    []*UnitState `json:"units"`
	Revision int64        `json:"revision"`
}

// Output is one piece of output from running a code unit.
type Output struct {
	Kind ExecutionEventKind `json:"kind"`
	Text string             `json:"text"`
}

func (self *Output) Copy() *Output {
	out := *self
	return &out
}

// UnitState is one unit of a document. Outputs and ExecutionSequence are
// execution state: they live on the unit but stay out of history
// snapshots, other peers cannot replay a run.
type UnitState struct {
	UnitId            string            `json:"unitId"`
	Kind              UnitKind          `json:"kind"`
	Content           string            `json:"content"`
	Outputs           []*Output         `json:"outputs,omitempty"`
	ExecutionSequence int               `json:"executionSequence,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
}

func (self *UnitState) Copy() *UnitState {
	out := *self
	if self.Outputs != nil {
		out.Outputs = make([]*Output, 0, len(self.Outputs))
		for _, output := range self.Outputs {
			out.Outputs = append(out.Outputs, output.Copy())
		}
	}
	if self.Attributes != nil {
		out.Attributes = maps.Clone(self.Attributes)
	}
	return &out
}

func CopyUnitStates(units []*UnitState) []*UnitState {
	out := make([]*UnitState, 0, len(units))
	for _, unit := range units {
		out = append(out, unit.Copy())
	}
	return out
}

// HistoryUnitStates copies units for a history snapshot,
// with the execution state stripped.
func HistoryUnitStates(units []*UnitState) []*UnitState {
	out := make([]*UnitState, 0, len(units))
	for _, unit := range units {
		stripped := unit.Copy()
		stripped.Outputs = nil
		stripped.ExecutionSequence = 0
		out = append(out, stripped)
	}
	return out
}

// ToEnvelope wraps a payload into the wire envelope.
// The payload type determines the envelope type. Passing a type outside
// the closed set is a programming error.
func ToEnvelope(payload any, from string, documentId string, timestamp time.Time) (*Envelope, error) {
	var messageType MessageType
	switch payload.(type) {
	case *Ping:
		messageType = MessageTypePing
	case *Pong:
		messageType = MessageTypePong
	case *Presence:
		messageType = MessageTypePresence
	case *ShareManifest:
		messageType = MessageTypeShareManifest
	case *CodeRequest:
		messageType = MessageTypeCodeRequest
	case *CodeResponse:
		messageType = MessageTypeCodeResponse
	case *UnitUpdate:
		messageType = MessageTypeUnitUpdate
	case *UnitAdd:
		messageType = MessageTypeUnitAdd
	case *UnitDelete:
		messageType = MessageTypeUnitDelete
	case *UnitMove:
		messageType = MessageTypeUnitMove
	case *UnitTypeChange:
		messageType = MessageTypeUnitTypeChange
	case *Cursor:
		messageType = MessageTypeCursor
	case *HistoryPush:
		messageType = MessageTypeHistoryPush
	case *DocumentStateSnapshot:
		messageType = MessageTypeDocumentStateSnapshot
	default:
		return nil, fmt.Errorf("unknown payload type %T", payload)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Type:       messageType,
		From:       from,
		DocumentId: documentId,
		Data:       data,
		Timestamp:  epochMillis(timestamp),
	}, nil
}

func RequireToEnvelope(payload any, from string, documentId string, timestamp time.Time) *Envelope {
	envelope, err := ToEnvelope(payload, from, documentId, timestamp)
	if err != nil {
		panic(err)
	}
	return envelope
}

// FromEnvelope decodes the payload for the envelope type.
// Unrecognized types come back as a *ProtocolError so callers can drop them.
func FromEnvelope(envelope *Envelope) (any, error) {
	var payload any
	switch envelope.Type {
	case MessageTypePing:
		payload = &Ping{}
	case MessageTypePong:
		payload = &Pong{}
	case MessageTypePresence:
		payload = &Presence{}
	case MessageTypeShareManifest:
		payload = &ShareManifest{}
	case MessageTypeCodeRequest:
		payload = &CodeRequest{}
	case MessageTypeCodeResponse:
		payload = &CodeResponse{}
	case MessageTypeUnitUpdate:
		payload = &UnitUpdate{}
	case MessageTypeUnitAdd:
		payload = &UnitAdd{}
	case MessageTypeUnitDelete:
		payload = &UnitDelete{}
	case MessageTypeUnitMove:
		payload = &UnitMove{}
	case MessageTypeUnitTypeChange:
		payload = &UnitTypeChange{}
	case MessageTypeCursor:
		payload = &Cursor{}
	case MessageTypeHistoryPush:
		payload = &HistoryPush{}
	case MessageTypeDocumentStateSnapshot:
		payload = &DocumentStateSnapshot{}
	default:
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("unknown message type %s", envelope.Type),
		}
	}

	if err := json.Unmarshal(envelope.Data, payload); err != nil {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("bad %s payload: %v", envelope.Type, err),
		}
	}
	return payload, nil
}

func RequireFromEnvelope(envelope *Envelope) any {
	payload, err := FromEnvelope(envelope)
	if err != nil {
		panic(err)
	}
	return payload
}

func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func DecodeEnvelopes(data []byte) ([]*Envelope, error) {
	objects, err := splitJsonObjects(data)
	if err != nil {
		return nil, err
	}
	envelopes := make([]*Envelope, 0, len(objects))
	for _, object := range objects {
		envelope := &Envelope{}
		if err := json.Unmarshal(object, envelope); err != nil {
			return nil, &ProtocolError{
				Reason: fmt.Sprintf("bad envelope: %v", err),
			}
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes, nil
}

// splitJsonObjects splits a buffer that may hold several concatenated
// top-level JSON objects. Some brokers coalesce publishes, so one receive
// can carry more than one envelope. Scans brace depth with string and
// escape awareness rather than trusting any separator.
func splitJsonObjects(data []byte) ([][]byte, error) {
	objects := [][]byte{}
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, c := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			if 0 < depth {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth += 1
		case '}':
			depth -= 1
			if depth < 0 {
				return nil, &ProtocolError{
					Reason: "unbalanced braces",
				}
			}
			if depth == 0 {
				objects = append(objects, data[start:i+1])
				start = -1
			}
		}
	}

	if depth != 0 || inString {
		return nil, &ProtocolError{
			Reason: "truncated object",
		}
	}
	return objects, nil
}

func epochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func timeFromEpochMillis(millis int64) time.Time {
	return time.UnixMilli(millis)
}
