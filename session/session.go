// Package session owns the client side of the synchronization protocol:
// a state machine driven by UI intents on one side and store snapshots
// on the other. Local state is never updated optimistically; every
// render flows from a snapshot echoed back by the store, which keeps
// both clients converging on the same document.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"xoroom/board"
	"xoroom/store"
)

var (
	ErrRoomFull    = errors.New("room is full")
	ErrInvalidMove = errors.New("invalid move")
	ErrNotEnded    = errors.New("game has not ended")
	ErrInRoom      = errors.New("already in a room")
)

// maxCreateAttempts bounds the retry loop on room-code collisions.
// With 36^6 codes a single retry is already vanishingly rare.
const maxCreateAttempts = 5

// Phase is where the session stands in the room lifecycle.
type Phase int

const (
	Idle    Phase = iota // no room joined
	Waiting              // room created, second seat open
	Active               // both seats filled, game in progress
	Ended                // round finished, reset possible
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Active:
		return "active"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// State is this client's view of the room, rebuilt wholesale from each
// snapshot. IsPlayerTurn is derived, never stored remotely.
type State struct {
	Phase        Phase
	RoomCode     string
	Symbol       board.Symbol
	IsPlayerTurn bool
	Board        board.Board
	CurrentTurn  board.Symbol
	GameEnded    bool
	Winner       *board.Result
	GameActive   bool
	Status       store.Status
}

// Events is the outbound edge to the UI collaborator. Implementations
// render; the controller never touches presentation.
type Events interface {
	StatusChanged(message string)
	BoardChanged(b board.Board, winningLine []int)
	Notify(message string)
	RoomAssigned(code string, symbol board.Symbol)
}

type nopEvents struct{}

func (nopEvents) StatusChanged(string) {}

func (nopEvents) BoardChanged(board.Board, []int) {}

func (nopEvents) Notify(string) {}

func (nopEvents) RoomAssigned(string, board.Symbol) {}

// Controller runs one client's session. Intents and snapshot callbacks
// serialize through mu; the mutex is never held across store I/O, so
// stores may deliver snapshots synchronously on the writer's goroutine.
type Controller struct {
	store      store.Store
	events     Events
	playerName string

	mu     sync.Mutex
	state  State
	cancel store.CancelFunc
}

// New builds a controller around a store. playerName is the display
// name written into the room's seat; empty picks a throwaway one.
func New(st store.Store, ev Events, playerName string) *Controller {
	if ev == nil {
		ev = nopEvents{}
	}
	if playerName == "" {
		playerName = fmt.Sprintf("Player %d", rand.Intn(1000))
	}
	return &Controller{
		store:      st,
		events:     ev,
		playerName: playerName,
	}
}

// State returns a copy of the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state
	if st.Winner != nil {
		winner := *st.Winner
		winner.Line = append([]int(nil), st.Winner.Line...)
		st.Winner = &winner
	}
	return st
}

// Create starts a new room with this client in seat X. Room creation is
// create-if-absent: a code collision retries with a fresh code.
func (c *Controller) Create(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Phase != Idle {
		c.mu.Unlock()
		return ErrInRoom
	}
	c.mu.Unlock()

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		code := NewRoomCode()
		doc := store.Document{
			RoomCode:    code,
			Status:      store.StatusWaiting,
			Players:     map[board.Symbol]string{board.X: c.playerName},
			CurrentTurn: board.X,
			CreatedAt:   time.Now(),
		}

		err := c.store.CreateRoom(ctx, code, doc)
		if errors.Is(err, store.ErrRoomExists) {
			continue
		}
		if err != nil {
			c.events.Notify("Error creating game")
			return err
		}

		if err := c.enter(ctx, code, board.X); err != nil {
			return err
		}
		c.events.Notify("Game created! Room code: " + code)
		return nil
	}

	c.events.Notify("Error creating game")
	return fmt.Errorf("%w: could not allocate an unused room code", store.ErrRoomExists)
}

// Join takes a seat in an existing room: seat O when the room is still
// waiting, or whichever seat is vacant when rejoining an active room
// after a disconnect. A room with both seats taken rejects the join.
func (c *Controller) Join(ctx context.Context, code string) error {
	c.mu.Lock()
	if c.state.Phase != Idle {
		c.mu.Unlock()
		return ErrInRoom
	}
	c.mu.Unlock()

	code = NormalizeCode(code)
	if !ValidCode(code) {
		c.events.Notify("Please enter a valid room code")
		return fmt.Errorf("%w: bad code %q", store.ErrRoomNotFound, code)
	}

	doc, err := c.store.ReadRoom(ctx, code)
	if errors.Is(err, store.ErrRoomNotFound) {
		c.events.Notify("Game not found")
		return err
	}
	if err != nil {
		c.events.Notify("Error joining game")
		return err
	}

	var seat board.Symbol
	switch {
	case doc.Status == store.StatusWaiting:
		seat = board.O
		status := store.StatusActive
		err = c.store.UpdateRoom(ctx, code, store.Patch{
			Status:  &status,
			Players: map[board.Symbol]string{seat: c.playerName},
		})
	case doc.Players[board.X] == "":
		seat = board.X
		err = c.store.UpdateRoom(ctx, code, store.Patch{
			Players: map[board.Symbol]string{seat: c.playerName},
		})
	case doc.Players[board.O] == "":
		seat = board.O
		err = c.store.UpdateRoom(ctx, code, store.Patch{
			Players: map[board.Symbol]string{seat: c.playerName},
		})
	default:
		c.events.Notify("Game is already full")
		return ErrRoomFull
	}
	if err != nil {
		c.events.Notify("Error joining game")
		return err
	}

	if err := c.enter(ctx, code, seat); err != nil {
		return err
	}
	if seat == board.O && doc.Status == store.StatusWaiting {
		c.events.Notify("Joined the game successfully!")
	} else {
		c.events.Notify(fmt.Sprintf("Joined as Player %s", seat))
	}
	return nil
}

// enter installs the local session and subscribes. The subscription's
// immediate snapshot performs the first render.
func (c *Controller) enter(ctx context.Context, code string, seat board.Symbol) error {
	c.mu.Lock()
	c.state = State{
		Phase:      Waiting,
		RoomCode:   code,
		Symbol:     seat,
		GameActive: true,
	}
	c.mu.Unlock()

	c.events.RoomAssigned(code, seat)

	cancel, err := c.store.Subscribe(ctx, code, c.handleSnapshot)
	if err != nil {
		c.mu.Lock()
		c.state = State{}
		c.mu.Unlock()
		c.events.Notify("Error joining game")
		return err
	}

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	return nil
}

// Play commits a move in cell index. The move is validated against the
// local view (own turn, empty cell, game running) and written to the
// store; the board rendered to the UI only changes when the committed
// document echoes back through the subscription. Invalid moves are
// returned without a notification: they are almost always clicks
// against a stale render.
func (c *Controller) Play(ctx context.Context, index int) error {
	c.mu.Lock()
	st := c.state
	switch {
	case st.GameEnded:
		c.mu.Unlock()
		return fmt.Errorf("%w: game already ended", ErrInvalidMove)
	case !st.GameActive || st.Phase != Active:
		c.mu.Unlock()
		return fmt.Errorf("%w: no game in progress", ErrInvalidMove)
	case !st.IsPlayerTurn:
		c.mu.Unlock()
		return fmt.Errorf("%w: not your turn", ErrInvalidMove)
	}

	next, err := board.Apply(st.Board, index, st.Symbol)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidMove, err)
	}
	code, seat := st.RoomCode, st.Symbol
	c.mu.Unlock()

	result := board.Evaluate(next)
	turn := seat.Other()
	ended := result != nil

	err = c.store.UpdateRoom(ctx, code, store.Patch{
		Board:       &next,
		CurrentTurn: &turn,
		GameEnded:   &ended,
		Winner:      &store.WinnerPatch{Result: result},
	})
	if err != nil {
		c.events.Notify("Error sending move")
		return err
	}

	// Audit trail only; best effort by contract.
	_ = c.store.AppendMove(ctx, code, store.MoveRecord{
		Player:    seat,
		Position:  index,
		Timestamp: time.Now(),
	})
	return nil
}

// Reset clears the board for another round in the same room. Only a
// finished round may be reset.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Phase != Ended {
		c.mu.Unlock()
		c.events.Notify("Can't reset until game is finished")
		return ErrNotEnded
	}
	code := c.state.RoomCode
	c.mu.Unlock()

	var (
		empty  board.Board
		turn   = board.X
		ended  = false
		status = store.StatusActive
	)
	err := c.store.UpdateRoom(ctx, code, store.Patch{
		Board:       &empty,
		CurrentTurn: &turn,
		GameEnded:   &ended,
		Winner:      &store.WinnerPatch{},
		Status:      &status,
	})
	if err != nil {
		c.events.Notify("Error resetting game")
		return err
	}

	c.events.Notify("Starting a new game")
	return nil
}

// Close leaves the room: the subscription is dropped, the session
// returns to Idle, and this client's seat name is cleared from the
// document. The vacant seat is what lets the peer see the departure
// and lets a later Join reclaim the seat.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel := c.cancel
	code, seat := c.state.RoomCode, c.state.Symbol
	c.cancel = nil
	c.state = State{}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if code != "" {
		// Best effort; an unreachable store just leaves the seat
		// written until the room is reaped.
		_ = c.store.UpdateRoom(context.Background(), code, store.Patch{
			Players: map[board.Symbol]string{seat: ""},
		})
	}
}

// handleSnapshot folds a remote snapshot into the local session and
// emits the render events. This is the only place local game state
// changes once a room is joined.
func (c *Controller) handleSnapshot(doc store.Document) {
	c.mu.Lock()
	if c.state.Phase == Idle {
		// Late delivery after Close.
		c.mu.Unlock()
		return
	}

	st := &c.state
	st.Board = doc.Board
	st.CurrentTurn = doc.CurrentTurn
	st.GameEnded = doc.GameEnded
	st.Winner = doc.Winner
	st.Status = doc.Status
	st.IsPlayerTurn = doc.CurrentTurn == st.Symbol

	switch {
	case doc.GameEnded:
		st.Phase = Ended
	case doc.Status == store.StatusWaiting:
		st.Phase = Waiting
	default:
		st.Phase = Active
	}

	message := c.statusMessageLocked(doc)
	rendered := st.Board
	var line []int
	if st.Winner != nil {
		line = append([]int(nil), st.Winner.Line...)
	}
	c.mu.Unlock()

	c.events.BoardChanged(rendered, line)
	c.events.StatusChanged(message)
}

func (c *Controller) statusMessageLocked(doc store.Document) string {
	st := &c.state
	switch {
	case st.GameEnded && st.Winner != nil && st.Winner.Winner == board.Draw:
		return "Game ended in a draw!"
	case st.GameEnded && st.Winner != nil && st.Winner.Winner == st.Symbol:
		return "You won!"
	case st.GameEnded && st.Winner != nil:
		return fmt.Sprintf("Player %s won!", st.Winner.Winner)
	case doc.Status == store.StatusWaiting:
		return "Waiting for player O to join..."
	case doc.Players[st.Symbol.Other()] == "":
		return fmt.Sprintf("Waiting for player %s to join...", st.Symbol.Other())
	case st.IsPlayerTurn:
		return "Your turn"
	default:
		return fmt.Sprintf("%s's turn", doc.CurrentTurn)
	}
}
