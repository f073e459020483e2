// Package store defines the room document model and the document-store
// contract the game synchronizes through: create-if-absent rooms,
// field-merge updates, ordered snapshot subscriptions and an append-only
// move log. Two implementations live here: Memory (the relay's backing
// state, also used by tests) and Remote (a websocket client speaking to
// the relay).
package store

import (
	"context"
	"errors"
	"time"

	"xoroom/board"
)

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrNetwork      = errors.New("network failure")
)

// Status tracks whether a room is still waiting on its second seat.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
)

// Document is the authoritative shared state of one room. Every
// connected client holds a local copy rebuilt from snapshots; the store
// copy is the only communication channel between them.
type Document struct {
	RoomCode    string                  `json:"roomCode"`
	Status      Status                  `json:"status"`
	Players     map[board.Symbol]string `json:"players,omitempty"`
	Board       board.Board             `json:"board"`
	CurrentTurn board.Symbol            `json:"currentTurn"`
	GameEnded   bool                    `json:"gameEnded"`
	Winner      *board.Result           `json:"winner,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
}

// Clone returns a deep copy, so snapshots handed to subscribers never
// alias store-internal state.
func (d Document) Clone() Document {
	if d.Players != nil {
		players := make(map[board.Symbol]string, len(d.Players))
		for seat, name := range d.Players {
			players[seat] = name
		}
		d.Players = players
	}
	if d.Winner != nil {
		winner := *d.Winner
		winner.Line = append([]int(nil), d.Winner.Line...)
		d.Winner = &winner
	}
	return d
}

// MoveRecord is one entry in a room's audit log. Records are write-once
// and never read back by the game logic.
type MoveRecord struct {
	Player    board.Symbol `json:"player"`
	Position  int          `json:"position"`
	Timestamp time.Time    `json:"timestamp"`
}

// Patch is a partial document update. Nil fields are left untouched;
// non-nil fields overwrite, last write wins. Players entries are merged
// per seat rather than replacing the whole map, matching how a joiner
// claims a single seat without clobbering the other.
type Patch struct {
	Status      *Status                 `json:"status,omitempty"`
	Players     map[board.Symbol]string `json:"players,omitempty"`
	Board       *board.Board            `json:"board,omitempty"`
	CurrentTurn *board.Symbol           `json:"currentTurn,omitempty"`
	GameEnded   *bool                   `json:"gameEnded,omitempty"`
	Winner      *WinnerPatch            `json:"winner,omitempty"`
}

// WinnerPatch wraps the winner field so a patch can distinguish "leave
// winner alone" (nil Patch.Winner) from "set it", including clearing it
// on reset (non-nil WinnerPatch with nil Result).
type WinnerPatch struct {
	Result *board.Result `json:"result"`
}

// Merge applies p to d with last-write-wins semantics per field.
func (d *Document) Merge(p Patch) {
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.Players != nil {
		if d.Players == nil {
			d.Players = make(map[board.Symbol]string, 2)
		}
		for seat, name := range p.Players {
			d.Players[seat] = name
		}
	}
	if p.Board != nil {
		d.Board = *p.Board
	}
	if p.CurrentTurn != nil {
		d.CurrentTurn = *p.CurrentTurn
	}
	if p.GameEnded != nil {
		d.GameEnded = *p.GameEnded
	}
	if p.Winner != nil {
		d.Winner = p.Winner.Result
	}
}

// SnapshotFunc receives a full copy of the room document, once
// immediately on subscribe and again after every change. Callbacks run
// on the delivering goroutine and must return promptly without writing
// back into the store.
type SnapshotFunc func(Document)

// CancelFunc drops a subscription. Safe to call more than once.
type CancelFunc func()

// Store is the document-store contract. There is no compare-and-swap:
// concurrent updates race and the last field write wins, so callers
// gate writes on their own view of the turn.
type Store interface {
	// CreateRoom writes a new room document. It is create-if-absent:
	// a colliding code fails with ErrRoomExists and the caller retries
	// with a fresh code.
	CreateRoom(ctx context.Context, code string, doc Document) error

	// ReadRoom returns the current document, or ErrRoomNotFound.
	ReadRoom(ctx context.Context, code string) (Document, error)

	// UpdateRoom merges patch into the room document and fans the
	// resulting snapshot out to subscribers in write order.
	UpdateRoom(ctx context.Context, code string, patch Patch) error

	// Subscribe registers fn for room snapshots. fn is invoked once
	// with the current document before Subscribe returns snapshots to
	// anyone else, then on every subsequent change, monotonically per
	// subscription.
	Subscribe(ctx context.Context, code string, fn SnapshotFunc) (CancelFunc, error)

	// AppendMove appends to the room's move log. Fire-and-forget:
	// implementations may not report delivery.
	AppendMove(ctx context.Context, code string, rec MoveRecord) error
}
