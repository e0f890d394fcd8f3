// Package ipc is the local control channel between the keyreplacer daemon
// and its clients.
//
// Every message is a 16-byte header followed by a JSON payload. Requests
// carry a request ID that the response echoes. Subscribed clients also
// receive MsgEvent messages pushed by the server.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4B525043 // "KRPC"

	HeaderSize = 16

	// MaxPayload bounds a single message payload.
	MaxPayload = 4 << 20
)

var (
	ErrBadMagic        = errors.New("ipc: invalid magic number")
	ErrBadVersion      = errors.New("ipc: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("ipc: payload too large")
)

// MessageType identifies a message.
type MessageType uint16

const (
	MsgPing      MessageType = 0x0001
	MsgPong      MessageType = 0x0002
	MsgHello     MessageType = 0x0003
	MsgHelloAck  MessageType = 0x0004
	MsgError     MessageType = 0x0005
	MsgOK        MessageType = 0x0006

	MsgStatus     MessageType = 0x0100
	MsgStatusResp MessageType = 0x0101
	MsgStats      MessageType = 0x0102
	MsgStatsResp  MessageType = 0x0103

	MsgPause      MessageType = 0x0200
	MsgResume     MessageType = 0x0201
	MsgToggle     MessageType = 0x0202
	MsgStateResp  MessageType = 0x0203
	MsgReload     MessageType = 0x0204
	MsgReloadResp MessageType = 0x0205

	MsgAddMapping       MessageType = 0x0300
	MsgRemoveMapping    MessageType = 0x0301
	MsgListMappings     MessageType = 0x0302
	MsgListMappingsResp MessageType = 0x0303

	MsgSubscribe     MessageType = 0x0500
	MsgSubscribeResp MessageType = 0x0501
	MsgUnsubscribe   MessageType = 0x0502
	MsgEvent         MessageType = 0x0504
)

var messageNames = map[MessageType]string{
	MsgPing: "ping", MsgPong: "pong", MsgHello: "hello", MsgHelloAck: "hello-ack",
	MsgError: "error", MsgOK: "ok",
	MsgStatus: "status", MsgStatusResp: "status-resp", MsgStats: "stats", MsgStatsResp: "stats-resp",
	MsgPause: "pause", MsgResume: "resume", MsgToggle: "toggle", MsgStateResp: "state-resp",
	MsgReload: "reload", MsgReloadResp: "reload-resp",
	MsgAddMapping: "add-mapping", MsgRemoveMapping: "remove-mapping",
	MsgListMappings: "list-mappings", MsgListMappingsResp: "list-mappings-resp",
	MsgSubscribe: "subscribe", MsgSubscribeResp: "subscribe-resp", MsgUnsubscribe: "unsubscribe",
	MsgEvent: "event",
}

func (t MessageType) String() string {
	if s, ok := messageNames[t]; ok {
		return s
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// Header is the fixed message header. Integers are big endian.
//
//	0  magic    uint32
//	4  version  uint8
//	5  flags    uint8
//	6  type     uint16
//	8  request  uint32
//	12 length   uint32
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// Message is a header and its payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a message around payload.
func NewMessage(t MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      t,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

func (h *Header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	return buf
}

// ReadHeader reads and checks one header.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version == 0 || h.Version > ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.Length > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	return h, nil
}

// Write writes header and payload in one call.
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	_, err := w.Write(append(m.Header.marshal(), m.Payload...))
	return err
}

// ReadMessage reads one whole message.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: *h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Encode marshals a payload. A nil payload encodes to nothing.
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode unmarshals a payload. An empty payload leaves v untouched.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Error codes carried by MsgError.
const (
	CodeUnknown        = 1
	CodeInvalidRequest = 2
	CodeNotFound       = 3
	CodePermission     = 4
	CodeInternal       = 5
	CodeInvalidMapping = 6
	CodeNotRunning     = 7
	CodeUnknownType    = 8
	CodeRateLimited    = 9
)

// ErrorResponse is the MsgError payload.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RemoteError is an error the daemon answered with.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// NewErrorMessage builds a MsgError reply.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse builds a reply of type t carrying v.
func NewResponse(t MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(t, requestID, payload), nil
}

// HelloRequest opens a session.
type HelloRequest struct {
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HelloResponse answers HelloRequest.
type HelloResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ClientID        string `json:"client_id"`
}

// StatusResponse describes the engine. Buffer contents are never sent.
type StatusResponse struct {
	Version        string  `json:"version"`
	State          string  `json:"state"`
	Paused         bool    `json:"paused"`
	MappingsCount  int     `json:"mappings_count"`
	MappingsDigest string  `json:"mappings_digest"`
	System         string  `json:"system"`
	Injector       string  `json:"injector"`
	BufferLen      int     `json:"buffer_len"`
	Uptime         float64 `json:"uptime"`
	DryRun         bool    `json:"dry_run,omitempty"`
}

// StateResponse answers Pause, Resume and Toggle.
type StateResponse struct {
	State string `json:"state"`
}

// ReloadResponse answers Reload.
type ReloadResponse struct {
	MappingsCount  int    `json:"mappings_count"`
	MappingsDigest string `json:"mappings_digest"`
}

// MappingRequest adds (Value set) or removes a mapping.
type MappingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// ListMappingsResponse carries the whole table.
type ListMappingsResponse struct {
	Mappings map[string]string `json:"mappings"`
	Digest   string            `json:"digest"`
}

// StatsRequest asks for counters and, optionally, recent expansions.
type StatsRequest struct {
	Recent int `json:"recent,omitempty"`
}

// KeyCount is the usage of one key.
type KeyCount struct {
	Key      string    `json:"key"`
	Count    int       `json:"count"`
	Failures int       `json:"failures"`
	LastUsed time.Time `json:"last_used"`
}

// RecentExpansion is one logged expansion.
type RecentExpansion struct {
	Key        string    `json:"key"`
	Trigger    string    `json:"trigger"`
	Injector   string    `json:"injector"`
	DurationMs float64   `json:"duration_ms"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// StatsResponse carries engine counters and history aggregates.
type StatsResponse struct {
	Tokens            uint64            `json:"tokens"`
	Expansions        uint64            `json:"expansions"`
	InjectionFailures uint64            `json:"injection_failures"`
	ListenerFaults    uint64            `json:"listener_faults"`
	SourceRestarts    uint64            `json:"source_restarts"`
	HistoryTotal      int               `json:"history_total"`
	HistoryFailures   int               `json:"history_failures"`
	Keys              []KeyCount        `json:"keys,omitempty"`
	Recent            []RecentExpansion `json:"recent,omitempty"`
}

// EventType identifies a pushed event.
type EventType uint16

const (
	EventExpansion       EventType = 0x0001
	EventStatus          EventType = 0x0002
	EventError           EventType = 0x0003
	EventMappingsChanged EventType = 0x0004
	EventShutdown        EventType = 0x0005
)

// AllEvents is what an empty subscription means.
var AllEvents = []EventType{EventExpansion, EventStatus, EventError, EventMappingsChanged, EventShutdown}

func (t EventType) String() string {
	switch t {
	case EventExpansion:
		return "expansion"
	case EventStatus:
		return "status"
	case EventError:
		return "error"
	case EventMappingsChanged:
		return "mappings"
	case EventShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("event-%d", uint16(t))
	}
}

// SubscribeRequest selects event types. Empty means all.
type SubscribeRequest struct {
	Events []EventType `json:"events,omitempty"`
}

// SubscribeResponse confirms a subscription.
type SubscribeResponse struct {
	Events []EventType `json:"events"`
}

// Event is the MsgEvent payload. Data holds one of the *Event payloads
// below, chosen by Type.
type Event struct {
	Type EventType       `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event around data.
func NewEvent(t EventType, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{Type: t, Time: time.Now(), Data: raw}, nil
}

// ExpansionEvent reports one expansion attempt. The replacement text is
// not included.
type ExpansionEvent struct {
	Key        string  `json:"key"`
	Trigger    string  `json:"trigger"`
	Deleted    int     `json:"deleted"`
	Injector   string  `json:"injector"`
	DurationMs float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// StatusEvent reports a state change.
type StatusEvent struct {
	State string `json:"state"`
}

// ErrorEvent reports an engine error.
type ErrorEvent struct {
	Message string `json:"message"`
}

// MappingsEvent reports a new table.
type MappingsEvent struct {
	Count  int    `json:"count"`
	Digest string `json:"digest"`
}
