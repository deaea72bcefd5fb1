// Package ws streams engine events to websocket clients. Every event gets a cursor;
// a client resumes by sending the last cursor it saw in HELLO and can page through
// the retained backlog with EVENT_BATCH_REQ.
package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"conquest.eth/internal/protocol"
)

const (
	defaultRetain = 1024
	maxBatch      = 256
	subQueue      = 64
)

type entry struct {
	cursor uint64
	ev     protocol.Event
}

// Hub retains the most recent events and fans them out to subscribers.
type Hub struct {
	log *log.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	ring   []entry
	retain int
	next   uint64
	subs   map[chan []byte]struct{}
}

func NewHub(retain int, logger *log.Logger) *Hub {
	if retain <= 0 {
		retain = defaultRetain
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{
		log:    logger,
		retain: retain,
		next:   1,
		subs:   map[chan []byte]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func eventMsg(e entry) []byte {
	b, _ := json.Marshal(protocol.EventMsg{
		Type:            protocol.TypeEvent,
		ProtocolVersion: protocol.Version,
		Cursor:          e.cursor,
		Event:           e.ev,
	})
	return b
}

// Publish assigns the next cursor to ev and delivers it. A subscriber whose queue is
// full is disconnected; it can resume from its last cursor.
func (h *Hub) Publish(ev protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := entry{cursor: h.next, ev: ev}
	h.next++
	h.ring = append(h.ring, e)
	if len(h.ring) > h.retain {
		h.ring = append(h.ring[:0], h.ring[len(h.ring)-h.retain:]...)
	}
	if len(h.subs) == 0 {
		return
	}
	b := eventMsg(e)
	for ch := range h.subs {
		select {
		case ch <- b:
		default:
			delete(h.subs, ch)
			close(ch)
			h.log.Printf("subscriber dropped cursor=%d", e.cursor)
		}
	}
}

// Since returns up to limit retained events after cursor and the cursor to resume
// from.
func (h *Hub) Since(cursor uint64, limit int) ([]protocol.EventBatchItem, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinceLocked(cursor, limit)
}

func (h *Hub) sinceLocked(cursor uint64, limit int) ([]protocol.EventBatchItem, uint64) {
	if limit <= 0 || limit > maxBatch {
		limit = maxBatch
	}
	out := []protocol.EventBatchItem{}
	next := cursor
	for _, e := range h.ring {
		if e.cursor <= cursor {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, protocol.EventBatchItem{Cursor: e.cursor, Event: e.ev})
		next = e.cursor
	}
	return out, next
}

// subscribe registers a queue and returns the backlog after cursor atomically with
// it, so no event falls between replay and live delivery.
func (h *Hub) subscribe(cursor uint64) (chan []byte, [][]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var backlog [][]byte
	for _, e := range h.ring {
		if e.cursor > cursor {
			backlog = append(backlog, eventMsg(e))
		}
	}
	ch := make(chan []byte, subQueue)
	h.subs[ch] = struct{}{}
	return ch, backlog
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello, ok := h.handshake(conn)
		if !ok {
			return
		}
		live, backlog := h.subscribe(hello.SinceCursor)
		defer h.unsubscribe(live)
		h.log.Printf("events client=%q since=%d backlog=%d", hello.ClientName, hello.SinceCursor, len(backlog))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Replies from the reader go through the writer so the conn has one writer.
		replies := make(chan []byte, 4)

		// Writer goroutine.
		go func() {
			defer cancel()
			for _, b := range backlog {
				if err := writeMsg(conn, b); err != nil {
					return
				}
			}
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-live:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow consumer"), time.Now().Add(time.Second))
						return
					}
					if err := writeMsg(conn, b); err != nil {
						return
					}
				case b := <-replies:
					if err := writeMsg(conn, b); err != nil {
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			reply := h.handle(msg)
			if reply == nil {
				continue
			}
			select {
			case replies <- reply:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) handle(msg []byte) []byte {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return errorMsg(protocol.ErrBadRequest, "malformed message")
	}
	if base.Type != protocol.TypeEventBatchReq {
		return errorMsg(protocol.ErrBadRequest, "unsupported message type "+base.Type)
	}
	var req protocol.EventBatchReqMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		return errorMsg(protocol.ErrBadRequest, "malformed EVENT_BATCH_REQ")
	}
	if req.ProtocolVersion != protocol.Version {
		return errorMsg(protocol.ErrBadRequest, "bad protocol_version")
	}
	items, next := h.Since(req.SinceCursor, req.Limit)
	b, _ := json.Marshal(protocol.EventBatchMsg{
		Type:            protocol.TypeEventBatch,
		ProtocolVersion: protocol.Version,
		ReqID:           req.ReqID,
		Events:          items,
		NextCursor:      next,
	})
	return b
}

func (h *Hub) handshake(conn *websocket.Conn) (protocol.HelloMsg, bool) {
	var hello protocol.HelloMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return hello, false
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return hello, false
	}
	if err := json.Unmarshal(msg, &hello); err != nil {
		return hello, false
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return hello, false
	}
	return hello, true
}

func errorMsg(code, message string) []byte {
	b, _ := json.Marshal(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
	return b
}

func writeMsg(conn *websocket.Conn, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
