// The relay is the stand-in for a managed realtime sync service: it
// holds the authoritative room documents in a store.Memory and speaks
// the store wire protocol with any number of websocket clients. Each
// connection gets a read pump handling ops and a buffered write pump
// delivering results and subscription snapshots.

package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"xoroom/session"
	"xoroom/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// syncClient is one connected document-store client.
type syncClient struct {
	id   string
	conn *websocket.Conn
	send chan store.Message

	mu      sync.Mutex
	cancels map[int64]store.CancelFunc
	closed  bool
}

// push queues a frame for the write pump. A consumer that can't keep
// up gets disconnected rather than served a gapped snapshot stream; on
// reconnect it resubscribes and receives the current document.
func (c *syncClient) push(msg store.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.closed = true
		close(c.send)
	}
}

func (c *syncClient) teardown() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if !wasClosed {
		close(c.send)
	}
	c.conn.Close()
}

func (c *syncClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *syncClient) readPump(ctx context.Context, cfg *Config, rooms *store.Memory) {
	defer c.teardown()

	for {
		var req store.Request
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		c.handle(ctx, cfg, rooms, req)
	}
}

func (c *syncClient) handle(ctx context.Context, cfg *Config, rooms *store.Memory, req store.Request) {
	msg := store.Message{Type: store.MsgResult, Seq: req.Seq}

	switch req.Op {
	case store.OpCreate:
		if req.Doc == nil {
			msg.Error = "missing doc"
			break
		}
		msg.Error = store.WireError(rooms.CreateRoom(ctx, req.Code, *req.Doc))
		if msg.Error == "" {
			logf(cfg, "ROOMS: Client %s created room %s", c.id, req.Code)
		}

	case store.OpRead:
		doc, err := rooms.ReadRoom(ctx, req.Code)
		if err != nil {
			msg.Error = store.WireError(err)
			break
		}
		msg.Doc = &doc

	case store.OpUpdate:
		if req.Patch == nil {
			msg.Error = "missing patch"
			break
		}
		msg.Error = store.WireError(rooms.UpdateRoom(ctx, req.Code, *req.Patch))

	case store.OpSubscribe:
		sub := req.Seq
		cancel, err := rooms.Subscribe(ctx, req.Code, func(doc store.Document) {
			c.push(store.Message{Type: store.MsgSnapshot, Sub: sub, Doc: &doc})
		})
		if err != nil {
			msg.Error = store.WireError(err)
			break
		}
		c.mu.Lock()
		if c.cancels == nil {
			// Lost a race with teardown.
			c.mu.Unlock()
			cancel()
			return
		}
		c.cancels[sub] = cancel
		c.mu.Unlock()

	case store.OpUnsubscribe:
		c.mu.Lock()
		cancel := c.cancels[req.Sub]
		delete(c.cancels, req.Sub)
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return

	case store.OpAppend:
		if req.Move != nil {
			_ = rooms.AppendMove(ctx, req.Code, *req.Move)
		}
		return

	default:
		msg.Error = "unknown op"
	}

	c.push(msg)
}

// serveSync upgrades a connection and runs the protocol until the
// client disconnects. The relay does not vacate seats itself: a
// graceful client clears its own seat on the way out, and a crashed
// one leaves the seat written until the room is reaped.
func serveSync(ctx context.Context, cfg *Config, rooms *store.Memory) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &syncClient{
			id:      uuid.NewString(),
			conn:    conn,
			send:    make(chan store.Message, 64),
			cancels: make(map[int64]store.CancelFunc),
		}

		logf(cfg, "SYNC: Client %s connected from %s", client.id, realIP(r))

		go client.writePump()
		client.readPump(ctx, cfg, rooms)

		logf(cfg, "SYNC: Client %s disconnected", client.id)
	}
}

// serveRoomQR renders a room code as a PNG QR code so the second
// player can join from a phone.
func serveRoomQR(cfg *Config, rooms *store.Memory) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		code := session.NormalizeCode(ps.ByName("code"))
		if !session.ValidCode(code) {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}
		if _, err := rooms.ReadRoom(r.Context(), code); err != nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)

		logf(cfg, "SERVE: QR for room %s (%s) to %s in %s",
			code,
			humanReadableSize(int64(len(png))),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// reapIdleRooms periodically removes rooms that have seen no writes
// within cfg.roomTimeout.
func reapIdleRooms(ctx context.Context, cfg *Config, rooms *store.Memory) {
	ticker := time.NewTicker(cfg.roomTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rooms.ReapIdle(cfg.roomTimeout); n > 0 {
				logf(cfg, "REAP: Removed %d idle room(s), %d remaining", n, rooms.Len())
			}
		}
	}
}

func registerRelay(ctx context.Context, cfg *Config, rooms *store.Memory, mux *httprouter.Router) {
	mux.GET(cfg.prefix+"/sync", serveSync(ctx, cfg, rooms))

	mux.GET(cfg.prefix+"/rooms/:code/qr", serveRoomQR(cfg, rooms))

	if cfg.roomTimeout > 0 {
		go reapIdleRooms(ctx, cfg, rooms)
	}
}
