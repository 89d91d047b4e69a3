package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	TypeFileInfo       = "file-info"
	TypeFileChunk      = "file-chunk"
	TypeCancelTransfer = "cancel-transfer"
	TypeFileComplete   = "file-transfer-complete"
	TypeDisconnect     = "disconnect"

	// ackPrefix marks bare acknowledgment tokens. Tokens carrying this
	// prefix are consumed by transfer waiters and must never surface as
	// chat text, even when malformed.
	ackPrefix = "ack:"
	// ackFileInfoPrefix marks file-info acknowledgment tokens.
	ackFileInfoPrefix = "ack:file-info:"
)

var (
	// ErrInvalidMessageType indicates the type tag is missing or unknown.
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
	// ErrMalformedAck indicates a reserved ack-prefixed token that does not
	// parse. The payload must be dropped, not treated as chat.
	ErrMalformedAck = errors.New("protocol: malformed ack token")
)

// AckKind distinguishes the two acknowledgment token shapes.
type AckKind int

const (
	AckFileInfo AckKind = iota
	AckChunk
)

// Envelope is one unit of channel traffic. The concrete types below form a
// closed set; Decode never returns anything outside it.
type Envelope interface {
	envelope()
}

// Text is free-form chat text, sent unframed on the wire.
type Text struct {
	Content string
}

// FileInfo announces an upcoming transfer. StoredName is the
// collision-disambiguated display name; Name is the sender's original name.
type FileInfo struct {
	Type        string `json:"type"`
	FileID      string `json:"fileId"`
	StoredName  string `json:"storedName"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	TotalChunks int    `json:"totalChunks"`
}

// FileChunk carries one bounded slice of file bytes.
type FileChunk struct {
	Type       string    `json:"type"`
	FileID     string    `json:"fileId"`
	ChunkIndex int       `json:"chunkIndex"`
	Chunk      ByteSlice `json:"chunk"`
}

// Ack acknowledges a FileInfo or a single chunk. On the wire it is a bare
// token, not a JSON object.
type Ack struct {
	Kind       AckKind
	FileID     string
	ChunkIndex int
}

// CancelTransfer aborts the identified transfer on both ends.
type CancelTransfer struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
}

// FileComplete is the sender's advisory completion signal.
type FileComplete struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
}

// Disconnect announces session teardown.
type Disconnect struct {
	Type string `json:"type"`
}

func (Text) envelope()           {}
func (FileInfo) envelope()       {}
func (FileChunk) envelope()      {}
func (Ack) envelope()            {}
func (CancelTransfer) envelope() {}
func (FileComplete) envelope()   {}
func (Disconnect) envelope()     {}

// ByteSlice marshals as a JSON array of byte values rather than base64,
// matching the channel's chunk wire shape.
type ByteSlice []byte

// MarshalJSON emits the bytes as a numeric JSON array.
func (b ByteSlice) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.Grow(len(b)*4 + 2)
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(v)))
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

// UnmarshalJSON accepts a numeric JSON array of byte values.
func (b *ByteSlice) UnmarshalJSON(data []byte) error {
	var values []uint16
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("decode chunk bytes: %w", err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v > 255 {
			return fmt.Errorf("chunk byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Encode serializes an envelope to its wire form. Text and Ack become bare
// strings; everything else becomes one tagged JSON object.
func Encode(envelope Envelope) ([]byte, error) {
	switch msg := envelope.(type) {
	case Text:
		return []byte(msg.Content), nil
	case Ack:
		return []byte(msg.Token()), nil
	case FileInfo:
		msg.Type = TypeFileInfo
		return marshal(msg)
	case FileChunk:
		msg.Type = TypeFileChunk
		return marshal(msg)
	case CancelTransfer:
		msg.Type = TypeCancelTransfer
		return marshal(msg)
	case FileComplete:
		msg.Type = TypeFileComplete
		return marshal(msg)
	case Disconnect:
		msg.Type = TypeDisconnect
		return marshal(msg)
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidMessageType, envelope)
	}
}

// Decode parses one wire payload. Structured-envelope parse is attempted
// first; on failure the payload is classified as either an ack token or
// plain chat text. Ack-prefixed payloads that fail to parse yield
// ErrMalformedAck so callers drop them instead of surfacing them as chat.
func Decode(payload []byte) (Envelope, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &tag); err == nil && tag.Type != "" {
		if envelope, ok, err := decodeTagged(tag.Type, payload); ok {
			return envelope, err
		}
	}

	text := string(payload)
	if strings.HasPrefix(text, ackPrefix) {
		return parseAckToken(text)
	}
	return Text{Content: text}, nil
}

func decodeTagged(tag string, payload []byte) (Envelope, bool, error) {
	switch tag {
	case TypeFileInfo:
		var msg FileInfo
		err := unmarshal(payload, &msg)
		return msg, true, err
	case TypeFileChunk:
		var msg FileChunk
		err := unmarshal(payload, &msg)
		return msg, true, err
	case TypeCancelTransfer:
		var msg CancelTransfer
		err := unmarshal(payload, &msg)
		return msg, true, err
	case TypeFileComplete:
		var msg FileComplete
		err := unmarshal(payload, &msg)
		return msg, true, err
	case TypeDisconnect:
		var msg Disconnect
		err := unmarshal(payload, &msg)
		return msg, true, err
	default:
		// Unknown tags fall through to the plain-text path.
		return nil, false, nil
	}
}

// Token renders the ack in its bare wire form.
func (a Ack) Token() string {
	if a.Kind == AckFileInfo {
		return ackFileInfoPrefix + a.FileID
	}
	return ackPrefix + a.FileID + ":" + strconv.Itoa(a.ChunkIndex)
}

func parseAckToken(token string) (Envelope, error) {
	if rest, ok := strings.CutPrefix(token, ackFileInfoPrefix); ok {
		if rest == "" {
			return nil, ErrMalformedAck
		}
		return Ack{Kind: AckFileInfo, FileID: rest}, nil
	}

	rest := strings.TrimPrefix(token, ackPrefix)
	sep := strings.LastIndexByte(rest, ':')
	if sep <= 0 || sep == len(rest)-1 {
		return nil, ErrMalformedAck
	}
	index, err := strconv.Atoi(rest[sep+1:])
	if err != nil || index < 0 {
		return nil, ErrMalformedAck
	}
	return Ack{Kind: AckChunk, FileID: rest[:sep], ChunkIndex: index}, nil
}

func marshal(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

func unmarshal(payload []byte, message any) error {
	if err := json.Unmarshal(payload, message); err != nil {
		return fmt.Errorf("decode protocol message: %w", err)
	}
	return nil
}
