package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ProtocolVersion goes out in ping and pong. Peers on other versions are
// still tracked in the roster, the version is there for operators to see.
const ProtocolVersion = 1

const DefaultTopicPrefix = "collab/v1"

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

type UnitKind string

const (
	UnitKindCode      UnitKind = "code"
	UnitKindNarrative UnitKind = "narrative"
)

func (self UnitKind) IsValid() bool {
	switch self {
	case UnitKindCode, UnitKindNarrative:
		return true
	default:
		return false
	}
}

type MoveDirection string

const (
	MoveUp   MoveDirection = "up"
	MoveDown MoveDirection = "down"
)

func (self MoveDirection) IsValid() bool {
	switch self {
	case MoveUp, MoveDown:
		return true
	default:
		return false
	}
}

// NormalizeDocumentPath reduces a local path to the form that goes on the wire.
// Absolute paths never leave the process. When the path sits under projectRoot
// the root-relative slash path is used, otherwise just the base name.
func NormalizeDocumentPath(documentPath string, projectRoot string) string {
	p := filepath.ToSlash(documentPath)
	if projectRoot != "" {
		root := filepath.ToSlash(projectRoot)
		if rel, err := filepath.Rel(root, documentPath); err == nil {
			rel = filepath.ToSlash(rel)
			if rel != "." && !strings.HasPrefix(rel, "../") {
				return path.Clean(rel)
			}
		}
	}
	if path.IsAbs(p) || strings.Contains(p, "/") {
		return path.Base(p)
	}
	return path.Clean(p)
}

func DiscoveryTopic(topicPrefix string) string {
	return fmt.Sprintf("%s/discovery", topicPrefix)
}

func RpcTopic(topicPrefix string) string {
	return fmt.Sprintf("%s/rpc", topicPrefix)
}

// DocumentTopic derives the per-document topic from a normalized path.
// The path is escaped so that topic segments stay opaque to the transport.
func DocumentTopic(topicPrefix string, normalizedPath string) string {
	return fmt.Sprintf("%s/doc/%s", topicPrefix, url.PathEscape(normalizedPath))
}
