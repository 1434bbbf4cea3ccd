package server

import (
	"encoding/json"

	"github.com/workspace/ptymux/internal/session"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Client -> Server message types
	MessageTypeCreate   MessageType = "session.create"
	MessageTypeInput    MessageType = "session.input"
	MessageTypeResize   MessageType = "session.resize"
	MessageTypeClose    MessageType = "session.close"
	MessageTypeRestart  MessageType = "session.restart"
	MessageTypeReattach MessageType = "session.reattach"
	MessageTypePing     MessageType = "ping"

	// Server -> Client message types
	MessageTypeOutput MessageType = "session.output"
	MessageTypeSystem MessageType = "session.system"
	MessageTypePong   MessageType = "pong"

	// session.list is both a request and its reply.
	MessageTypeList MessageType = "session.list"
)

// BaseMessage is the envelope shared by every frame in both directions.
type BaseMessage struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Client -> Server payloads

// InputMessage carries keystrokes for one session.
type InputMessage struct {
	Data string `json:"data"`
}

// SizeMessage is the geometry in create and resize requests.
type SizeMessage struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ReattachMessage asks to resume a set of sessions.
type ReattachMessage struct {
	IDs  []string `json:"ids"`
	Cols int      `json:"cols"`
	Rows int      `json:"rows"`
}

// Server -> Client payloads

// OutputMessage carries terminal output. Data is a JSON string, so bytes
// that are not valid UTF-8 arrive as U+FFFD; the PTY reader never splits a
// valid multi-byte sequence across frames.
type OutputMessage struct {
	Data string `json:"data"`
}

// SystemMessage reports a lifecycle event for one session.
type SystemMessage struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// SessionListMessage is the reply to session.list.
type SessionListMessage struct {
	Sessions []session.Info `json:"sessions"`
}

func encodeMessage(typ MessageType, sessionID string, payload any) []byte {
	msg := BaseMessage{Type: typ, SessionID: sessionID}
	if payload != nil {
		data, _ := json.Marshal(payload)
		msg.Data = data
	}
	result, _ := json.Marshal(msg)
	return result
}

// NewOutputMessage creates a session.output frame.
func NewOutputMessage(sessionID string, data []byte) []byte {
	return encodeMessage(MessageTypeOutput, sessionID, OutputMessage{Data: string(data)})
}

// NewSystemMessage creates a session.system frame.
func NewSystemMessage(sessionID, event, message string) []byte {
	return encodeMessage(MessageTypeSystem, sessionID, SystemMessage{Event: event, Message: message})
}

func newSessionList(sessions []session.Info) SessionListMessage {
	if sessions == nil {
		sessions = []session.Info{}
	}
	return SessionListMessage{Sessions: sessions}
}

// NewSessionListMessage creates a session.list reply.
func NewSessionListMessage(sessions []session.Info) []byte {
	return encodeMessage(MessageTypeList, "", newSessionList(sessions))
}

// NewPongMessage creates a pong frame.
func NewPongMessage() []byte {
	return encodeMessage(MessageTypePong, "", nil)
}

// ParseMessage parses a raw WebSocket frame.
func ParseMessage(data []byte) (*BaseMessage, error) {
	var msg BaseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// parsePayload decodes the data field of msg into T. A missing data field
// yields the zero value.
func parsePayload[T any](msg *BaseMessage) (T, error) {
	var payload T
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return payload, nil
	}
	err := json.Unmarshal(msg.Data, &payload)
	return payload, err
}
