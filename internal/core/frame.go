package core

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/vovakirdan/silent-relay/internal/proto"
)

// Frame is a decoded inbound frame: one of PingFrame, PongFrame, PresenceFrame or AppFrame.
type Frame interface {
	isFrame()
}

// PingFrame is a client liveness probe. It is answered with a pong.
type PingFrame struct{}

// PongFrame answers a server probe.
type PongFrame struct{}

// PresenceFrame asks for the current member count of the sender's room.
type PresenceFrame struct{}

// AppFrame is opaque application data relayed to the other room members.
type AppFrame struct {
	Kind    MessageKind
	Payload []byte

	// object holds the decoded fields when Payload is a JSON object.
	object map[string]json.RawMessage
}

func (PingFrame) isFrame()     {}
func (PongFrame) isFrame()     {}
func (PresenceFrame) isFrame() {}
func (AppFrame) isFrame()      {}

// DecodeFrame classifies one inbound frame. Binary frames and text that is not
// a JSON object with a recognized type are application data.
func DecodeFrame(kind MessageKind, data []byte) Frame {
	app := AppFrame{Kind: kind, Payload: data}
	if kind != MessageText {
		return app
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return app
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &object); err != nil {
		return app
	}
	app.object = object

	raw, ok := object[proto.FieldType]
	if !ok {
		return app
	}
	var typ string
	if err := json.Unmarshal(raw, &typ); err != nil {
		return app
	}

	switch typ {
	case proto.TypePing:
		return PingFrame{}
	case proto.TypePong:
		return PongFrame{}
	case proto.TypePresence:
		return PresenceFrame{}
	default:
		return app
	}
}

// IsObject reports whether the payload is a JSON object.
func (f AppFrame) IsObject() bool {
	return f.object != nil
}

// Enriched returns the payload with sender id and server timestamp set.
// Payloads that are not JSON objects are returned unchanged.
func (f AppFrame) Enriched(from string, at time.Time) []byte {
	if f.object == nil {
		return f.Payload
	}

	fields := make(map[string]json.RawMessage, len(f.object)+2)
	for k, v := range f.object {
		fields[k] = v
	}
	fromRaw, err := json.Marshal(from)
	if err != nil {
		return f.Payload
	}
	tsRaw, err := json.Marshal(at.UnixMilli())
	if err != nil {
		return f.Payload
	}
	fields[proto.FieldFrom] = fromRaw
	fields[proto.FieldTS] = tsRaw

	out, err := json.Marshal(fields)
	if err != nil {
		return f.Payload
	}
	return out
}
