// Package protocol defines the JSON event frames exchanged between chat
// clients and the relay, shared by the server and the Go client.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound event names (client -> server).
const (
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventSendMessage = "send-message"
	EventTyping      = "typing"
)

// Outbound event names (server -> client).
const (
	EventConnected      = "connected"
	EventUserJoined     = "user-joined"
	EventReceiveMessage = "receive-message"
	EventUserTyping     = "user-typing"
	EventDisconnect     = "disconnect"
)

// Close codes carried by websocket close frames.
const (
	// CloseServerDisconnect marks a close the server initiated on purpose.
	// Clients treat it as the only close reason worth an automatic retry.
	CloseServerDisconnect = 4000
)

// Disconnect reasons.
const (
	ReasonServerDisconnect = "server disconnect"
	ReasonServerShutdown   = "server shutting down"
	ReasonClientDisconnect = "client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
	ReasonSlowConsumer     = "slow consumer"
)

var (
	// ErrMalformedFrame is returned when a frame is not a JSON envelope.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrUnknownEvent is returned for event names the relay does not handle.
	ErrUnknownEvent = errors.New("protocol: unknown event")
	// ErrInvalidPayload is returned when an event's data has the wrong shape.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// Envelope is the wire frame: an event name plus its raw payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals payload into an envelope for event.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// DecodeEnvelope parses one frame without interpreting its payload.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}
	return env, nil
}

// DecodeBatch parses a polling request body, which is either a single frame
// or a JSON array of frames.
func DecodeBatch(raw []byte) ([]Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedFrame)
	}
	if trimmed[0] != '[' {
		env, err := DecodeEnvelope(trimmed)
		if err != nil {
			return nil, err
		}
		return []Envelope{env}, nil
	}

	var frames []json.RawMessage
	if err := json.Unmarshal(trimmed, &frames); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	envs := make([]Envelope, 0, len(frames))
	for _, f := range frames {
		env, err := DecodeEnvelope(f)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// ParseInbound decodes a client frame into its typed event.
func ParseInbound(raw []byte) (Inbound, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return env.Inbound()
}

// Inbound turns the envelope into the typed inbound event it carries.
func (e Envelope) Inbound() (Inbound, error) {
	switch e.Event {
	case EventJoinRoom:
		var j JoinRoom
		if err := unmarshalData(e, &j); err != nil {
			return nil, err
		}
		return j, nil
	case EventLeaveRoom:
		var j JoinRoom
		if err := unmarshalData(e, &j); err != nil {
			return nil, err
		}
		return LeaveRoom(j), nil
	case EventSendMessage:
		var m SendMessage
		if err := unmarshalData(e, &m); err != nil {
			return nil, err
		}
		return m, nil
	case EventTyping:
		var raw struct {
			Room     string `json:"room"`
			IsTyping *bool  `json:"isTyping"`
		}
		if err := unmarshalData(e, &raw); err != nil {
			return nil, err
		}
		if raw.IsTyping == nil {
			return nil, fmt.Errorf("%w: typing without isTyping", ErrInvalidPayload)
		}
		return Typing{Room: raw.Room, IsTyping: *raw.IsTyping}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Event)
	}
}

func unmarshalData(e Envelope, v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrInvalidPayload, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Event, err)
	}
	return nil
}

// Inbound is the closed set of events a client may send. Kind reports the
// wire event name.
type Inbound interface {
	Kind() string
}

// JoinRoom asks the relay to add the connection to Room.
type JoinRoom struct {
	Room     string `json:"room"`
	Username string `json:"username,omitempty"`
}

// Kind implements Inbound.
func (JoinRoom) Kind() string { return EventJoinRoom }

// UnmarshalJSON accepts both the bare room name and the object form.
func (j *JoinRoom) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var room string
		if err := json.Unmarshal(trimmed, &room); err != nil {
			return err
		}
		*j = JoinRoom{Room: room}
		return nil
	}
	type plain JoinRoom
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*j = JoinRoom(p)
	return nil
}

// Normalized returns the room name with surrounding whitespace removed.
func (j JoinRoom) Normalized() string { return strings.TrimSpace(j.Room) }

// LeaveRoom asks the relay to drop the connection from Room. It accepts the
// same shapes as JoinRoom.
type LeaveRoom struct {
	Room     string `json:"room"`
	Username string `json:"username,omitempty"`
}

// Kind implements Inbound.
func (LeaveRoom) Kind() string { return EventLeaveRoom }

// Normalized returns the room name with surrounding whitespace removed.
func (l LeaveRoom) Normalized() string { return strings.TrimSpace(l.Room) }

// SendMessage carries a chat line for Room. Timestamp is whatever the client
// put there and is relayed untouched.
type SendMessage struct {
	Room      string `json:"room"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Kind implements Inbound.
func (SendMessage) Kind() string { return EventSendMessage }

// Typing flags whether the sender is composing in Room.
type Typing struct {
	Room     string `json:"room"`
	IsTyping bool   `json:"isTyping"`
}

// Kind implements Inbound.
func (Typing) Kind() string { return EventTyping }

// Connected is the first frame a new connection receives.
type Connected struct {
	UserID string `json:"userId"`
}

// UserJoined tells room members that UserID joined.
type UserJoined struct {
	UserID string `json:"userId"`
}

// ReceiveMessage is a chat line fanned out to a room.
type ReceiveMessage struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	UserID    string `json:"userId"`
}

// UserTyping relays a typing flag to the other members of a room.
type UserTyping struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// Disconnected is queued for polling clients before a server-side close.
type Disconnected struct {
	Reason string `json:"reason"`
}
