package models

import "encoding/json"

// Event names used on the websocket.
const (
	EventJoin         = "join"
	EventJoinFinished = "join-finished"
	EventAction       = "action"
	EventError        = "error"
)

// Frame is the envelope for every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest is the client's join control message. It carries the
// credentials checked before the socket may join the game's room.
type JoinRequest struct {
	UserToken string `json:"userToken"`
	Game      int    `json:"game"`
}

// ActionMessage is a batch of entity changes sent by a client and
// rebroadcast to the rest of the room.
type ActionMessage struct {
	Action Action   `json:"action"`
	Data   []Entity `json:"data"`
}

// RawActionMessage is used to read the action before trusting the entities.
type RawActionMessage struct {
	Action Action            `json:"action"`
	Data   []json.RawMessage `json:"data"`
}

type Progress struct {
	Sent  int `json:"sent"`
	Total int `json:"total"`
}

// JoinChunk is one slice of the replay set sent while a socket joins.
type JoinChunk struct {
	Progress Progress `json:"progress"`
	Data     []Entity `json:"data"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewFrame marshals data into a frame for event.
func NewFrame(event string, data any) (Frame, error) {
	if data == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}
