package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Action is the kind of change an entity message carries. Values the server
// does not know are preserved verbatim so newer clients can still talk to it.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseAction maps a wire value to an Action. Unknown values are kept as-is.
func ParseAction(raw string) Action {
	return Action(raw)
}

// Known reports whether the action is one the persistence path understands.
func (a Action) Known() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// GameEntityKey identifies an entity within a game.
type GameEntityKey struct {
	Game int
	UID  string
}

func (k GameEntityKey) String() string {
	return fmt.Sprintf("%d/%s", k.Game, k.UID)
}

// Entity is the client-facing form of a synchronized game object.
//
// On the wire the payload is flattened next to uid, kind and timestamp. Game
// and Action never come from the wire entity: the game is stamped from the
// authenticated session and the action from the enclosing message.
type Entity struct {
	UID       string
	Game      int
	Kind      string
	Timestamp int64
	// Payload holds JSON-decoded values: numbers are json.Number and an empty
	// payload is nil. Values built in Go come back from the store in that form.
	Payload   map[string]any
	Action    Action
}

// Key returns the entity's identity.
func (e Entity) Key() GameEntityKey {
	return GameEntityKey{Game: e.Game, UID: e.UID}
}

var reservedEntityFields = map[string]struct{}{
	"uid":       {},
	"kind":      {},
	"timestamp": {},
}

func (e Entity) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		if _, reserved := reservedEntityFields[k]; reserved {
			continue
		}
		out[k] = v
	}
	out["uid"] = e.UID
	out["kind"] = e.Kind
	out["timestamp"] = e.Timestamp
	return json.Marshal(out)
}

func (e *Entity) UnmarshalJSON(data []byte) error {
	fields, err := DecodePayload(data)
	if err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("entity must be a JSON object")
	}

	uid, ok := fields["uid"].(string)
	if !ok || uid == "" {
		return fmt.Errorf("entity uid is required")
	}
	kind, _ := fields["kind"].(string)

	var timestamp int64
	switch ts := fields["timestamp"].(type) {
	case json.Number:
		timestamp, err = ts.Int64()
		if err != nil {
			return fmt.Errorf("entity timestamp: %w", err)
		}
	case nil:
		return fmt.Errorf("entity timestamp is required")
	default:
		return fmt.Errorf("entity timestamp must be an integer")
	}

	delete(fields, "uid")
	delete(fields, "kind")
	delete(fields, "timestamp")
	if len(fields) == 0 {
		fields = nil
	}

	*e = Entity{
		UID:       uid,
		Kind:      kind,
		Timestamp: timestamp,
		Payload:   fields,
	}
	return nil
}

// DecodePayload parses a JSON object keeping numbers as json.Number so that
// integers survive a round trip untouched.
func DecodePayload(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON object")
	}
	return fields, nil
}

// CompressedEntity is the persisted form of an Entity. Data holds the
// compressed payload; the routing fields stay plain so they can be filtered.
// Action only travels through the write-behind queue and is never stored.
type CompressedEntity struct {
	UID       string
	Game      int
	Timestamp int64
	Kind      string
	Data      []byte
	Action    Action
}

func (c CompressedEntity) Key() GameEntityKey {
	return GameEntityKey{Game: c.Game, UID: c.UID}
}
