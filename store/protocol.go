package store

import (
	"errors"
	"fmt"
)

// Wire protocol between a Remote store and the relay's /sync websocket.
// All frames are JSON. The client sends Requests; the server answers
// with "result" Messages correlated by seq, and pushes "snapshot"
// Messages tagged with the subscription that produced them.

// Request ops.
const (
	OpCreate      = "create"
	OpRead        = "read"
	OpUpdate      = "update"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpAppend      = "append"
)

// Server message types.
const (
	MsgResult   = "result"
	MsgSnapshot = "snapshot"
)

// Request is a client → relay frame. Exactly one of Doc, Patch or Move
// is set, depending on Op. Seq doubles as the subscription ID for
// OpSubscribe; OpUnsubscribe names it in Sub. OpAppend is
// fire-and-forget and receives no result.
type Request struct {
	Op    string      `json:"op"`
	Seq   int64       `json:"seq"`
	Code  string      `json:"code,omitempty"`
	Doc   *Document   `json:"doc,omitempty"`
	Patch *Patch      `json:"patch,omitempty"`
	Move  *MoveRecord `json:"move,omitempty"`
	Sub   int64       `json:"sub,omitempty"`
}

// Message is a relay → client frame.
type Message struct {
	Type  string    `json:"type"`
	Seq   int64     `json:"seq,omitempty"`
	Sub   int64     `json:"sub,omitempty"`
	Error string    `json:"error,omitempty"`
	Doc   *Document `json:"doc,omitempty"`
}

// Error codes carried in Message.Error. Anything else is passed through
// as an opaque message.
const (
	wireRoomExists   = "room_exists"
	wireRoomNotFound = "room_not_found"
)

// WireError flattens an error for transport.
func WireError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomExists):
		return wireRoomExists
	case errors.Is(err, ErrRoomNotFound):
		return wireRoomNotFound
	default:
		return err.Error()
	}
}

// ErrorFromWire restores the sentinel the relay flattened, so
// errors.Is works identically against Memory and Remote.
func ErrorFromWire(code string) error {
	switch code {
	case "":
		return nil
	case wireRoomExists:
		return ErrRoomExists
	case wireRoomNotFound:
		return ErrRoomNotFound
	default:
		return fmt.Errorf("store: %s", code)
	}
}
