package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/taskvine/convo/wire"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The node sits behind a reverse proxy that owns origin policy.
		return true
	},
}

// Handler manages one active live-channel connection. Room membership
// is server-side state mutated by joinUserRoom / leaveTask frames.
type Handler struct {
	sync.Mutex

	hub *Hub

	uid string
	sid string

	conn *websocket.Conn

	dataChan chan *sessionData

	closing bool
}

// sessionData is the data structure for `dataChan`.
type sessionData struct {
	err   SessionError
	frame *wire.Frame
}

func (h *Handler) String() string {
	return fmt.Sprintf("{uid: %s, sid: %s}", h.uid, h.sid)
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
	h.conn.Close()

	close(h.dataChan)

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		h.hub.delHandler(h.sid)
	}
}

func (h *Handler) appendDataChan(v *sessionData) {
	h.Lock()
	defer h.Unlock()
	if !h.closing {
		h.dataChan <- v
	}
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.closing {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("recvLoop(): read error: %v", err)
			h.appendDataChan(&sessionData{err: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client frame: %s", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendDataChan(&sessionData{err: BadRequest})
			return
		}

		var f wire.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			glog.Errorf("recvLoop(): frame error: msg: %s, err: %v", string(msg), err)
			h.appendDataChan(&sessionData{err: BadRequest})
			return
		}

		switch f.Event {
		case wire.EventJoinRoom:
			if f.Room == "" {
				glog.Errorf("recvLoop(): join without room, session: %s", h)
				continue
			}
			h.hub.joinRoom(f.Room, h)
		case wire.EventLeaveRoom:
			if f.Room == "" {
				glog.Errorf("recvLoop(): leave without room, session: %s", h)
				continue
			}
			h.hub.leaveRoom(f.Room, h)
		default:
			// Join/leave are the only client->server events on this
			// contract; anything else is tolerated and dropped.
			glog.V(5).Infof("recvLoop(): ignore event %q, session: %s", f.Event, h)
		}
	}
}

func sendFrame(conn *websocket.Conn, f *wire.Frame) error {
	out, err := json.Marshal(f)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h)
				return
			}

			if v.err > 0 {
				h.close(v.err)
				return
			} else if v.frame == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendFrame(h.conn, v.frame); err != nil {
				glog.Errorf("sendLoop(), error write frame. session: %s, err: %v", h, err)
				h.appendDataChan(&sessionData{err: WriteError})
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.appendDataChan(&sessionData{err: PingError})
				return
			}
		}
	}
}
