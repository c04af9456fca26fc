package collab

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names exchanged over a channel.
const (
	EventJoin           = "join"
	EventJoined         = "joined"
	EventDisconnected   = "disconnected"
	EventLeave          = "leave"
	EventLeft           = "left"
	EventCodeChange     = "code-change"
	EventLanguageChange = "language-change"
	EventOutputChange   = "output-change"
	EventSyncRequest    = "sync-request"
	EventSyncCode       = "sync-code"
	EventCompile        = "compile"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownEvent   = errors.New("unknown event")
)

// inbound lists the events a client may send.
var inbound = map[string]bool{
	EventJoin:           true,
	EventLeave:          true,
	EventCodeChange:     true,
	EventLanguageChange: true,
	EventOutputChange:   true,
	EventSyncRequest:    true,
	EventSyncCode:       true,
	EventCompile:        true,
}

// Envelope is the JSON frame carried by every websocket text message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outbound is the server-side encoding of an Envelope.
type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Encode builds the wire frame for an outbound event.
func Encode(event string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal(outbound{Event: event, Data: payload})
}

// ParseEnvelope decodes a client frame and rejects events clients may not send.
func ParseEnvelope(frame []byte) (Envelope, error) {
	if len(frame) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !inbound[env.Event] {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return env, nil
}

type JoinPayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	Username string `json:"username" validate:"required"`
}

// Member is one entry of a membership snapshot.
type Member struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

type JoinedPayload struct {
	Clients  []Member `json:"clients"`
	Username string   `json:"username"`
	SocketID string   `json:"socketId"`
}

type DisconnectedPayload struct {
	SocketID string   `json:"socketId"`
	Username string   `json:"username"`
	Clients  []Member `json:"clients"`
}

type CodePayload struct {
	RoomID string `json:"roomId,omitempty"`
	Code   string `json:"code"`
}

type LanguagePayload struct {
	RoomID   string `json:"roomId,omitempty"`
	Language string `json:"language"`
}

type OutputPayload struct {
	RoomID string `json:"roomId,omitempty"`
	Output string `json:"output"`
}

type SyncRequestPayload struct {
	SocketID string `json:"socketId" validate:"required"`
}

type SyncCodePayload struct {
	SocketID string `json:"socketId" validate:"required"`
	Code     string `json:"code"`
}

type CompilePayload struct {
	RoomID   string `json:"roomId,omitempty"`
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
}
