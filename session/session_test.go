package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"xoroom/board"
	"xoroom/store"
)

// recorder captures the event stream a UI would render.
type recorder struct {
	mu       sync.Mutex
	statuses []string
	boards   []board.Board
	lines    [][]int
	notices  []string
	rooms    []string
	symbols  []board.Symbol
}

func (r *recorder) StatusChanged(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, message)
}

func (r *recorder) BoardChanged(b board.Board, winningLine []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boards = append(r.boards, b)
	r.lines = append(r.lines, winningLine)
}

func (r *recorder) Notify(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, message)
}

func (r *recorder) RoomAssigned(code string, symbol board.Symbol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, code)
	r.symbols = append(r.symbols, symbol)
}

func (r *recorder) lastStatus(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		t.Fatal("no status messages recorded")
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *recorder) lastBoard(t *testing.T) (board.Board, []int) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.boards) == 0 {
		t.Fatal("no board events recorded")
	}
	return r.boards[len(r.boards)-1], r.lines[len(r.lines)-1]
}

// twoPlayerRoom wires a host and guest controller to one shared store
// and brings the room to Active.
func twoPlayerRoom(t *testing.T) (m *store.Memory, host, guest *Controller, hostEv, guestEv *recorder) {
	t.Helper()
	ctx := context.Background()

	m = store.NewMemory()
	hostEv = &recorder{}
	guestEv = &recorder{}
	host = New(m, hostEv, "Host")
	guest = New(m, guestEv, "Guest")

	if err := host.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := guest.Join(ctx, host.State().RoomCode); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return m, host, guest, hostEv, guestEv
}

func TestCreateRoom(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ev := &recorder{}
	c := New(m, ev, "Host")

	if err := c.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	st := c.State()
	if !ValidCode(st.RoomCode) {
		t.Errorf("room code %q is not 6 chars of A-Z0-9", st.RoomCode)
	}
	if st.Symbol != board.X {
		t.Errorf("creator seat = %q, want X", st.Symbol)
	}
	if st.Phase != Waiting {
		t.Errorf("phase = %v, want waiting", st.Phase)
	}
	if !st.IsPlayerTurn {
		t.Error("creator should hold the first turn")
	}

	doc, err := m.ReadRoom(ctx, st.RoomCode)
	if err != nil {
		t.Fatalf("ReadRoom: %v", err)
	}
	if doc.Status != store.StatusWaiting {
		t.Errorf("document status = %q, want waiting", doc.Status)
	}
	if doc.Players[board.X] != "Host" {
		t.Errorf("seat X = %q, want Host", doc.Players[board.X])
	}
	if doc.CurrentTurn != board.X {
		t.Errorf("currentTurn = %q, want X", doc.CurrentTurn)
	}

	if got := ev.lastStatus(t); got != "Waiting for player O to join..." {
		t.Errorf("status = %q", got)
	}
	if len(ev.rooms) != 1 || ev.rooms[0] != st.RoomCode || ev.symbols[0] != board.X {
		t.Errorf("RoomAssigned = %v/%v", ev.rooms, ev.symbols)
	}
}

func TestCreateWhileInRoom(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMemory(), nil, "Host")

	if err := c.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Create(ctx); !errors.Is(err, ErrInRoom) {
		t.Errorf("second Create: got %v, want ErrInRoom", err)
	}
}

func TestJoinWaitingRoom(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	host := New(m, nil, "Host")
	if err := host.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	code := host.State().RoomCode

	guestEv := &recorder{}
	guest := New(m, guestEv, "Guest")
	// Lowercase with padding must normalize.
	if err := guest.Join(ctx, "  "+strings.ToLower(code)+" "); err != nil {
		t.Fatalf("Join: %v", err)
	}

	st := guest.State()
	if st.Symbol != board.O {
		t.Errorf("joiner seat = %q, want O", st.Symbol)
	}
	if st.Phase != Active {
		t.Errorf("phase = %v, want active", st.Phase)
	}
	if st.IsPlayerTurn {
		t.Error("joiner must wait for X to move first")
	}

	doc, _ := m.ReadRoom(ctx, code)
	if doc.Status != store.StatusActive {
		t.Errorf("document status = %q, want active", doc.Status)
	}
	if doc.Players[board.O] != "Guest" {
		t.Errorf("seat O = %q, want Guest", doc.Players[board.O])
	}

	if got := guestEv.lastStatus(t); got != "X's turn" {
		t.Errorf("joiner status = %q, want \"X's turn\"", got)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	ev := &recorder{}
	c := New(store.NewMemory(), ev, "Guest")

	err := c.Join(context.Background(), "ABC123")
	if !errors.Is(err, store.ErrRoomNotFound) {
		t.Fatalf("Join: got %v, want ErrRoomNotFound", err)
	}
	if c.State().Phase != Idle {
		t.Error("failed join must leave the session idle")
	}
	if len(ev.notices) == 0 || ev.notices[len(ev.notices)-1] != "Game not found" {
		t.Errorf("notices = %v, want trailing \"Game not found\"", ev.notices)
	}
}

func TestJoinBadCode(t *testing.T) {
	c := New(store.NewMemory(), nil, "Guest")

	for _, code := range []string{"", "ABC", "ABC12345", "ABC12!"} {
		if err := c.Join(context.Background(), code); !errors.Is(err, store.ErrRoomNotFound) {
			t.Errorf("Join(%q): got %v, want ErrRoomNotFound", code, err)
		}
	}
}

func TestJoinFullRoom(t *testing.T) {
	ctx := context.Background()
	m, host, _, _, _ := twoPlayerRoom(t)
	code := host.State().RoomCode

	ev := &recorder{}
	third := New(m, ev, "Intruder")
	if err := third.Join(ctx, code); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("Join: got %v, want ErrRoomFull", err)
	}
	if third.State().Phase != Idle {
		t.Error("rejected join must leave the session idle")
	}
}

func TestRejoinVacantSeat(t *testing.T) {
	ctx := context.Background()
	m, host, _, _, guestEv := twoPlayerRoom(t)
	code := host.State().RoomCode

	// Host drops: the seat clears and the peer sees the vacancy.
	host.Close()

	doc, _ := m.ReadRoom(ctx, code)
	if doc.Players[board.X] != "" {
		t.Fatalf("seat X = %q after Close, want vacant", doc.Players[board.X])
	}
	if got := guestEv.lastStatus(t); got != "Waiting for player X to join..." {
		t.Errorf("peer status = %q", got)
	}

	ev := &recorder{}
	rejoined := New(m, ev, "Host again")
	if err := rejoined.Join(ctx, code); err != nil {
		t.Fatalf("Join: %v", err)
	}

	st := rejoined.State()
	if st.Symbol != board.X {
		t.Errorf("rejoined seat = %q, want the vacant X", st.Symbol)
	}
	if st.Phase != Active {
		t.Errorf("phase = %v, want active", st.Phase)
	}
}

func TestTurnGating(t *testing.T) {
	ctx := context.Background()
	m, host, guest, _, _ := twoPlayerRoom(t)
	code := host.State().RoomCode

	before, _ := m.ReadRoom(ctx, code)
	if err := guest.Play(ctx, 0); !errors.Is(err, ErrInvalidMove) {
		t.Fatalf("out-of-turn Play: got %v, want ErrInvalidMove", err)
	}

	after, _ := m.ReadRoom(ctx, code)
	if before.Board != after.Board {
		t.Error("out-of-turn move reached the store")
	}
	if guest.State().Board != before.Board {
		t.Error("out-of-turn move changed local state")
	}
}

func TestPlayBeforeOpponentJoins(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMemory(), nil, "Host")
	if err := c.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := c.Play(ctx, 0); !errors.Is(err, ErrInvalidMove) {
		t.Errorf("Play while waiting: got %v, want ErrInvalidMove", err)
	}
}

func TestPlayOccupiedCell(t *testing.T) {
	ctx := context.Background()
	_, host, guest, _, _ := twoPlayerRoom(t)

	if err := host.Play(ctx, 4); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := guest.Play(ctx, 4); !errors.Is(err, ErrInvalidMove) {
		t.Errorf("Play on occupied cell: got %v, want ErrInvalidMove", err)
	}
}

// X@0 O@1 X@4 O@2 X@8 ends with X winning on {0,4,8}.
func TestDiagonalWin(t *testing.T) {
	ctx := context.Background()
	m, host, guest, hostEv, guestEv := twoPlayerRoom(t)
	code := host.State().RoomCode

	moves := []struct {
		c     *Controller
		index int
	}{
		{host, 0}, {guest, 1}, {host, 4}, {guest, 2}, {host, 8},
	}
	for i, mv := range moves {
		if err := mv.c.Play(ctx, mv.index); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}

	want := board.Board{board.X, board.O, board.O, board.Empty, board.X, board.Empty, board.Empty, board.Empty, board.X}
	doc, _ := m.ReadRoom(ctx, code)
	if doc.Board != want {
		t.Errorf("board = %v, want %v", doc.Board, want)
	}
	if !doc.GameEnded {
		t.Error("gameEnded not set")
	}
	if doc.Winner == nil || doc.Winner.Winner != board.X {
		t.Fatalf("winner = %+v, want X", doc.Winner)
	}
	if len(doc.Winner.Line) != 3 || doc.Winner.Line[0] != 0 || doc.Winner.Line[1] != 4 || doc.Winner.Line[2] != 8 {
		t.Errorf("winning line = %v, want [0 4 8]", doc.Winner.Line)
	}

	if host.State().Phase != Ended || guest.State().Phase != Ended {
		t.Error("both sessions should be in the ended phase")
	}
	if got := hostEv.lastStatus(t); got != "You won!" {
		t.Errorf("winner status = %q", got)
	}
	if got := guestEv.lastStatus(t); got != "Player X won!" {
		t.Errorf("loser status = %q", got)
	}
	if _, line := hostEv.lastBoard(t); len(line) != 3 {
		t.Errorf("winning line not delivered to renderer: %v", line)
	}

	if got := len(m.Moves(code)); got != 5 {
		t.Errorf("move log has %d records, want 5", got)
	}
}

func TestDrawGame(t *testing.T) {
	ctx := context.Background()
	_, host, guest, hostEv, _ := twoPlayerRoom(t)

	moves := []struct {
		c     *Controller
		index int
	}{
		{host, 0}, {guest, 1}, {host, 2}, {guest, 4}, {host, 3},
		{guest, 5}, {host, 7}, {guest, 6}, {host, 8},
	}
	for i, mv := range moves {
		if err := mv.c.Play(ctx, mv.index); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}

	st := host.State()
	if !st.GameEnded || st.Winner == nil || st.Winner.Winner != board.Draw {
		t.Fatalf("state after 9 moves = %+v, want draw", st)
	}
	if got := hostEv.lastStatus(t); got != "Game ended in a draw!" {
		t.Errorf("status = %q", got)
	}
}

func TestResetRequiresEndedGame(t *testing.T) {
	ctx := context.Background()
	m, host, _, hostEv, _ := twoPlayerRoom(t)
	code := host.State().RoomCode

	before, _ := m.ReadRoom(ctx, code)
	if err := host.Reset(ctx); !errors.Is(err, ErrNotEnded) {
		t.Fatalf("mid-game Reset: got %v, want ErrNotEnded", err)
	}
	after, _ := m.ReadRoom(ctx, code)
	if before.Board != after.Board || before.Status != after.Status {
		t.Error("rejected reset modified the document")
	}
	if hostEv.notices[len(hostEv.notices)-1] != "Can't reset until game is finished" {
		t.Errorf("notices = %v", hostEv.notices)
	}
}

func TestResetStartsNewRound(t *testing.T) {
	ctx := context.Background()
	m, host, guest, _, _ := twoPlayerRoom(t)
	code := host.State().RoomCode

	moves := []struct {
		c     *Controller
		index int
	}{
		{host, 0}, {guest, 3}, {host, 1}, {guest, 4}, {host, 2},
	}
	for i, mv := range moves {
		if err := mv.c.Play(ctx, mv.index); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}
	if host.State().Phase != Ended {
		t.Fatal("game should have ended")
	}

	if err := guest.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	doc, _ := m.ReadRoom(ctx, code)
	if doc.Board != (board.Board{}) {
		t.Errorf("board after reset = %v, want empty", doc.Board)
	}
	if doc.CurrentTurn != board.X || doc.GameEnded || doc.Winner != nil {
		t.Errorf("document after reset = %+v", doc)
	}
	if host.State().Phase != Active || guest.State().Phase != Active {
		t.Error("both sessions should be active again")
	}
	if !host.State().IsPlayerTurn {
		t.Error("X moves first after a reset")
	}
}

// faultyStore passes through until armed, then fails every update the
// way an unreachable relay would.
type faultyStore struct {
	store.Store
	fail bool
}

func (s *faultyStore) UpdateRoom(ctx context.Context, code string, patch store.Patch) error {
	if s.fail {
		return store.ErrNetwork
	}
	return s.Store.UpdateRoom(ctx, code, patch)
}

func TestPlayNetworkFailure(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	faulty := &faultyStore{Store: m}
	ev := &recorder{}
	host := New(faulty, ev, "Host")
	if err := host.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	guest := New(m, nil, "Guest")
	if err := guest.Join(ctx, host.State().RoomCode); err != nil {
		t.Fatalf("Join: %v", err)
	}

	before := host.State()
	faulty.fail = true

	err := host.Play(ctx, 0)
	if !errors.Is(err, store.ErrNetwork) {
		t.Fatalf("Play with dead store: got %v, want ErrNetwork", err)
	}
	if got := ev.notices[len(ev.notices)-1]; got != "Error sending move" {
		t.Errorf("notice = %q, want \"Error sending move\"", got)
	}

	after := host.State()
	if after.Board != before.Board || after.Phase != before.Phase || after.IsPlayerTurn != before.IsPlayerTurn {
		t.Errorf("failed write changed local state: before %+v, after %+v", before, after)
	}
	doc, _ := m.ReadRoom(ctx, host.State().RoomCode)
	if doc.Board != (board.Board{}) {
		t.Error("failed write reached the store")
	}
}

func TestResetNetworkFailure(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	faulty := &faultyStore{Store: m}
	ev := &recorder{}
	host := New(faulty, ev, "Host")
	if err := host.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	guest := New(m, nil, "Guest")
	if err := guest.Join(ctx, host.State().RoomCode); err != nil {
		t.Fatalf("Join: %v", err)
	}

	moves := []struct {
		c     *Controller
		index int
	}{
		{host, 0}, {guest, 3}, {host, 1}, {guest, 4}, {host, 2},
	}
	for i, mv := range moves {
		if err := mv.c.Play(ctx, mv.index); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}
	if host.State().Phase != Ended {
		t.Fatal("game should have ended")
	}

	faulty.fail = true
	err := host.Reset(ctx)
	if !errors.Is(err, store.ErrNetwork) {
		t.Fatalf("Reset with dead store: got %v, want ErrNetwork", err)
	}
	if got := ev.notices[len(ev.notices)-1]; got != "Error resetting game" {
		t.Errorf("notice = %q, want \"Error resetting game\"", got)
	}
	if host.State().Phase != Ended {
		t.Error("failed reset moved the session out of the ended phase")
	}
}

// collidingStore reports every code as taken, exhausting the create
// retry loop.
type collidingStore struct {
	store.Store
	attempts int
}

func (s *collidingStore) CreateRoom(context.Context, string, store.Document) error {
	s.attempts++
	return store.ErrRoomExists
}

func TestCreateExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	colliding := &collidingStore{Store: store.NewMemory()}
	ev := &recorder{}
	c := New(colliding, ev, "Host")

	err := c.Create(ctx)
	if !errors.Is(err, store.ErrRoomExists) {
		t.Fatalf("Create: got %v, want ErrRoomExists", err)
	}
	if colliding.attempts != maxCreateAttempts {
		t.Errorf("attempts = %d, want %d", colliding.attempts, maxCreateAttempts)
	}
	if len(ev.notices) == 0 || ev.notices[len(ev.notices)-1] != "Error creating game" {
		t.Errorf("notices = %v, want trailing \"Error creating game\"", ev.notices)
	}
	if c.State().Phase != Idle {
		t.Error("failed create must leave the session idle")
	}
}

// stubStore records updates without echoing snapshots, to verify the
// controller never renders a move before the store confirms it.
type stubStore struct {
	store.Store
	updates []store.Patch
}

func (s *stubStore) UpdateRoom(ctx context.Context, code string, patch store.Patch) error {
	s.updates = append(s.updates, patch)
	return nil
}

func (s *stubStore) AppendMove(context.Context, string, store.MoveRecord) error {
	return nil
}

func TestNoOptimisticLocalUpdate(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	stub := &stubStore{Store: m}
	host := New(stub, nil, "Host")
	if err := host.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Flip the room active by hand so Play passes its gate; the stub
	// swallows the write, so no snapshot comes back.
	guest := New(m, nil, "Guest")
	if err := guest.Join(ctx, host.State().RoomCode); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := host.Play(ctx, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if len(stub.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(stub.updates))
	}
	if got := host.State().Board; got != (board.Board{}) {
		t.Errorf("local board = %v before the echo, want empty", got)
	}
}
