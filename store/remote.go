package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Remote is a Store backed by a relay server over a single websocket.
// Requests are correlated to results by sequence number; snapshots
// pushed by the relay are dispatched to the matching subscription on
// the read-loop goroutine, preserving server write order.
type Remote struct {
	conn *websocket.Conn

	mu      sync.Mutex
	seq     int64
	pending map[int64]chan Message
	watches map[int64]SnapshotFunc
	err     error

	done chan struct{}
}

// DialRemote connects to a relay's /sync endpoint, e.g.
// "ws://host:8080/sync".
func DialRemote(ctx context.Context, url string) (*Remote, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNetwork, url, err)
	}

	r := &Remote{
		conn:    conn,
		pending: make(map[int64]chan Message),
		watches: make(map[int64]SnapshotFunc),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

// Close tears down the connection. Outstanding calls fail with
// ErrNetwork and subscriptions go quiet; the peer is not told.
func (r *Remote) Close() error {
	return r.conn.Close()
}

func (r *Remote) readLoop() {
	for {
		var msg Message
		if err := r.conn.ReadJSON(&msg); err != nil {
			r.fail(fmt.Errorf("%w: %v", ErrNetwork, err))
			return
		}

		switch msg.Type {
		case MsgResult:
			r.mu.Lock()
			ch, ok := r.pending[msg.Seq]
			delete(r.pending, msg.Seq)
			r.mu.Unlock()
			if ok {
				ch <- msg
			}
		case MsgSnapshot:
			r.mu.Lock()
			fn := r.watches[msg.Sub]
			r.mu.Unlock()
			if fn != nil && msg.Doc != nil {
				fn(*msg.Doc)
			}
		}
	}
}

// fail poisons the connection: closing done wakes every pending call,
// which then reads the stored error.
func (r *Remote) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err == nil {
		r.err = err
		close(r.done)
	}
	r.pending = make(map[int64]chan Message)
}

// send assigns a sequence number and writes the frame. The connection
// mutex also serializes concurrent writers.
func (r *Remote) send(req Request, reply chan Message) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return 0, r.err
	}
	r.seq++
	req.Seq = r.seq
	if reply != nil {
		r.pending[req.Seq] = reply
	}
	if err := r.conn.WriteJSON(req); err != nil {
		delete(r.pending, req.Seq)
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return req.Seq, nil
}

func (r *Remote) call(ctx context.Context, req Request) (Message, error) {
	reply := make(chan Message, 1)
	seq, err := r.send(req, reply)
	if err != nil {
		return Message{}, err
	}

	select {
	case msg := <-reply:
		if msg.Error != "" {
			return msg, ErrorFromWire(msg.Error)
		}
		return msg, nil
	case <-r.done:
		r.mu.Lock()
		err := r.err
		r.mu.Unlock()
		return Message{}, err
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, seq)
		r.mu.Unlock()
		return Message{}, ctx.Err()
	}
}

func (r *Remote) CreateRoom(ctx context.Context, code string, doc Document) error {
	_, err := r.call(ctx, Request{Op: OpCreate, Code: code, Doc: &doc})
	return err
}

func (r *Remote) ReadRoom(ctx context.Context, code string) (Document, error) {
	msg, err := r.call(ctx, Request{Op: OpRead, Code: code})
	if err != nil {
		return Document{}, err
	}
	if msg.Doc == nil {
		return Document{}, fmt.Errorf("%w: empty read result", ErrNetwork)
	}
	return *msg.Doc, nil
}

func (r *Remote) UpdateRoom(ctx context.Context, code string, patch Patch) error {
	_, err := r.call(ctx, Request{Op: OpUpdate, Code: code, Patch: &patch})
	return err
}

func (r *Remote) Subscribe(ctx context.Context, code string, fn SnapshotFunc) (CancelFunc, error) {
	// The watch has to be registered before the request goes out: the
	// relay queues the initial snapshot ahead of the result frame.
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return nil, err
	}
	r.seq++
	req := Request{Op: OpSubscribe, Seq: r.seq, Code: code}
	reply := make(chan Message, 1)
	r.pending[req.Seq] = reply
	r.watches[req.Seq] = fn
	if err := r.conn.WriteJSON(req); err != nil {
		delete(r.pending, req.Seq)
		delete(r.watches, req.Seq)
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	r.mu.Unlock()

	unwatch := func() {
		r.mu.Lock()
		delete(r.watches, req.Seq)
		r.mu.Unlock()
	}

	select {
	case msg := <-reply:
		if msg.Error != "" {
			unwatch()
			return nil, ErrorFromWire(msg.Error)
		}
	case <-r.done:
		unwatch()
		r.mu.Lock()
		err := r.err
		r.mu.Unlock()
		return nil, err
	case <-ctx.Done():
		unwatch()
		return nil, ctx.Err()
	}

	cancel := func() {
		unwatch()
		_, _ = r.send(Request{Op: OpUnsubscribe, Sub: req.Seq}, nil)
	}
	return cancel, nil
}

func (r *Remote) AppendMove(ctx context.Context, code string, rec MoveRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Fire-and-forget: the relay sends no result for appends.
	_, err := r.send(Request{Op: OpAppend, Code: code, Move: &rec}, nil)
	return err
}
