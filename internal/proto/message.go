package proto

import "encoding/json"

// Control envelope types. Any other JSON object is relayed as application data.
const (
	TypePing     = "ping"
	TypePong     = "pong"
	TypePresence = "presence"
	TypeRejected = "rejected"
)

// Fields the relay adds to relayed JSON objects.
const (
	FieldType = "type"
	FieldFrom = "from"
	FieldTS   = "ts"
)

// Control is a ping or pong envelope.
type Control struct {
	Type string `json:"type"`
	TS   int64  `json:"ts,omitempty"`
}

// Presence reports the current member count of a room.
type Presence struct {
	Type  string `json:"type"`
	Room  string `json:"room"`
	Count int    `json:"count"`
}

// Rejected tells the sender its message was not relayed.
type Rejected struct {
	Type  string `json:"type"`
	Error *Error `json:"error"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Ping encodes a server liveness probe.
func Ping(ts int64) []byte {
	return mustMarshal(Control{Type: TypePing, TS: ts})
}

// Pong encodes a reply to a client ping.
func Pong(ts int64) []byte {
	return mustMarshal(Control{Type: TypePong, TS: ts})
}

// PresenceOf encodes a presence notice.
func PresenceOf(room string, count int) []byte {
	return mustMarshal(Presence{Type: TypePresence, Room: room, Count: count})
}

// Rejection encodes a rejection notice.
func Rejection(code, msg string) []byte {
	return mustMarshal(Rejected{Type: TypeRejected, Error: &Error{Code: code, Msg: msg}})
}

// mustMarshal is only used with the fixed envelope types above, which always encode.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
