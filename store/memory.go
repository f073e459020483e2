package store

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process Store. The relay server uses it as the
// authoritative room state; tests use it to run two sessions against a
// shared document without a network in between.
type Memory struct {
	mu      sync.Mutex
	rooms   map[string]*memoryRoom
	nextSub int
}

type memoryRoom struct {
	doc        Document
	moves      []MoveRecord
	subs       map[int]SnapshotFunc
	lastActive time.Time

	// deliver serializes fan-out so every subscriber observes
	// snapshots in write order.
	deliver sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string]*memoryRoom),
	}
}

func (m *Memory) CreateRoom(ctx context.Context, code string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rooms[code]; exists {
		return ErrRoomExists
	}
	m.rooms[code] = &memoryRoom{
		doc:        doc.Clone(),
		subs:       make(map[int]SnapshotFunc),
		lastActive: time.Now(),
	}
	return nil
}

func (m *Memory) ReadRoom(ctx context.Context, code string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[code]
	if !ok {
		return Document{}, ErrRoomNotFound
	}
	return room.doc.Clone(), nil
}

func (m *Memory) UpdateRoom(ctx context.Context, code string, patch Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	room, ok := m.rooms[code]
	if !ok {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	room.doc.Merge(patch)
	room.lastActive = time.Now()
	snapshot := room.doc.Clone()
	subs := make([]SnapshotFunc, 0, len(room.subs))
	for _, fn := range room.subs {
		subs = append(subs, fn)
	}
	// The delivery lock must be taken before m.mu is released: a
	// later writer slipping into that gap could otherwise deliver its
	// newer snapshot first, handing subscribers state that then goes
	// backwards.
	room.deliver.Lock()
	m.mu.Unlock()

	defer room.deliver.Unlock()
	for _, fn := range subs {
		fn(snapshot.Clone())
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, code string, fn SnapshotFunc) (CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	room, ok := m.rooms[code]
	if !ok {
		m.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	m.nextSub++
	id := m.nextSub
	room.subs[id] = fn
	snapshot := room.doc.Clone()
	// Same ordering as UpdateRoom: holding deliver before m.mu drops
	// keeps the immediate snapshot ahead of any concurrent update's.
	room.deliver.Lock()
	m.mu.Unlock()

	fn(snapshot)
	room.deliver.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(room.subs, id)
		m.mu.Unlock()
	}
	return cancel, nil
}

func (m *Memory) AppendMove(ctx context.Context, code string, rec MoveRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[code]
	if !ok {
		return ErrRoomNotFound
	}
	room.moves = append(room.moves, rec)
	room.lastActive = time.Now()
	return nil
}

// Moves returns a copy of a room's move log. The game never reads it;
// it exists for the relay's audit surface and for tests.
func (m *Memory) Moves(code string) []MoveRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[code]
	if !ok {
		return nil
	}
	return append([]MoveRecord(nil), room.moves...)
}

// Len reports the number of live rooms.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// ReapIdle drops rooms that have seen no writes for longer than maxIdle
// and returns how many were removed. Subscriptions on reaped rooms stop
// receiving snapshots; there is no goodbye signal, matching the
// store's no-cleanup-on-disconnect model.
func (m *Memory) ReapIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for code, room := range m.rooms {
		if room.lastActive.Before(cutoff) {
			delete(m.rooms, code)
			reaped++
		}
	}
	return reaped
}
