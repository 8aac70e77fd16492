package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/taskvine/convo/wire"
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

	backoffMinInterval = 1 * time.Second
	backoffMaxInterval = 60 * time.Second
	backoffMultiplier  = 1.5
)

// ErrDisconnected is returned for a send attempted without a live
// connection. There is no application-level queue: the caller surfaces
// the failure to the user instead of silently retrying.
var ErrDisconnected = errors.New("transport: not connected")

// Handler is a callback for one inbound frame. All handlers run on a
// single dispatch goroutine, in receipt order.
type Handler = func(*wire.Frame)

type handlerEntry struct {
	id int
	fn Handler
}

// Session owns the one persistent live-channel connection of a client
// process. It reconnects on its own after a drop and re-joins the rooms
// the process is still interested in. Room interest is reference
// counted so two views of the same conversation do not cause a
// premature leave when only one closes.
type Session struct {
	mu        sync.Mutex
	wmu       sync.Mutex // serializes writes on conn
	dialer    *websocket.Dialer
	url       string
	header    http.Header
	conn      *websocket.Conn
	connected bool
	started   bool
	closing   bool
	rooms     map[string]int

	hmu       sync.Mutex
	handlers  map[string][]handlerEntry
	nextID    int
	dispatchC chan *wire.Frame
	done      chan struct{}
}

// New creates a session for the given websocket URL. The auth token
// travels in the upgrade request header.
func New(url, token string) *Session {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &Session{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  1024,
		},
		url:       url,
		header:    header,
		rooms:     make(map[string]int),
		handlers:  make(map[string][]handlerEntry),
		dispatchC: make(chan *wire.Frame, 16),
		done:      make(chan struct{}),
	}
}

// Connect establishes the connection once per session lifetime;
// calling it again is a no-op. An initial dial failure is returned so
// the caller can surface it, but the session keeps redialing in the
// background until the endpoint comes up.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.started || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	go s.dispatchLoop()

	if err := s.dial(); err != nil {
		glog.Errorf("transport: initial dial error: %v", err)
		go s.redial()
		return err
	}
	return nil
}

func (s *Session) dial() error {
	conn, _, err := s.dialer.Dial(s.url, s.header)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.connected = true
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()

	glog.V(5).Infof("transport: connected to %s", s.url)

	go s.recvLoop(conn)
	go s.pingLoop(conn)

	// Re-announce room interest. Join is fire-and-forget on this
	// contract: the server never sends an explicit ack.
	for _, room := range rooms {
		if err := s.writeFrame(&wire.Frame{Event: wire.EventJoinRoom, Room: room}); err != nil {
			glog.Errorf("transport: rejoin room %s error: %v", room, err)
		}
	}
	return nil
}

func (s *Session) recvLoop(conn *websocket.Conn) {
	defer glog.V(5).Info("transport: recv loop exited")

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			s.lost(conn, err)
			return
		}
		select {
		case s.dispatchC <- &f:
		case <-s.done:
			return
		}
	}
}

func (s *Session) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		stale := s.conn != conn || s.closing
		s.mu.Unlock()
		if stale {
			return
		}
		s.wmu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		s.wmu.Unlock()
		if err != nil {
			glog.Errorf("transport: write ping error: %v", err)
			conn.Close()
			return
		}
	}
}

// lost marks the connection down and kicks off the redial loop.
func (s *Session) lost(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn || s.closing {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	conn.Close()
	glog.Errorf("transport: connection lost: %v", err)
	go s.redial()
}

func (s *Session) redial() {
	var sleep time.Duration
	for {
		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		if closing {
			return
		}
		if err := s.dial(); err == nil {
			return
		} else {
			glog.Errorf("transport: redial error: %v", err)
		}
		backoff(&sleep)
		select {
		case <-time.After(sleep):
		case <-s.done:
			return
		}
	}
}

func (s *Session) dispatchLoop() {
	for {
		select {
		case f := <-s.dispatchC:
			s.hmu.Lock()
			entries := append([]handlerEntry(nil), s.handlers[f.Event]...)
			s.hmu.Unlock()
			for _, e := range entries {
				e.fn(f)
			}
		case <-s.done:
			return
		}
	}
}

// writeFrame sends one frame, failing immediately when disconnected.
func (s *Session) writeFrame(f *wire.Frame) error {
	s.mu.Lock()
	conn := s.conn
	ok := s.connected && !s.closing
	s.mu.Unlock()
	if !ok || conn == nil {
		return ErrDisconnected
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

// Emit sends a client event on the live channel.
func (s *Session) Emit(f *wire.Frame) error {
	return s.writeFrame(f)
}

// JoinRoom registers interest in pushes scoped to the conversation.
// The first reference emits the join frame; a session that is
// momentarily disconnected re-announces the room on reconnect.
func (s *Session) JoinRoom(room string) {
	s.mu.Lock()
	s.rooms[room]++
	first := s.rooms[room] == 1
	s.mu.Unlock()

	if !first {
		return
	}
	if err := s.writeFrame(&wire.Frame{Event: wire.EventJoinRoom, Room: room}); err != nil {
		glog.V(5).Infof("transport: join room %s deferred: %v", room, err)
	}
}

// LeaveRoom drops one reference; the leave frame goes out only when
// the last reference is released.
func (s *Session) LeaveRoom(room string) {
	s.mu.Lock()
	n, ok := s.rooms[room]
	if !ok {
		s.mu.Unlock()
		return
	}
	n--
	if n > 0 {
		s.rooms[room] = n
		s.mu.Unlock()
		return
	}
	delete(s.rooms, room)
	s.mu.Unlock()

	if err := s.writeFrame(&wire.Frame{Event: wire.EventLeaveRoom, Room: room}); err != nil {
		glog.V(5).Infof("transport: leave room %s skipped: %v", room, err)
	}
}

// On registers a handler for an inbound event and returns a token for
// Off. Handlers run in registration order, one frame at a time.
func (s *Session) On(event string, h Handler) int {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.nextID++
	s.handlers[event] = append(s.handlers[event], handlerEntry{id: s.nextID, fn: h})
	return s.nextID
}

// Off unregisters a handler previously registered with On.
func (s *Session) Off(event string, id int) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	entries := s.handlers[event]
	for i, e := range entries {
		if e.id == id {
			s.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		s.wmu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
		s.wmu.Unlock()
		conn.Close()
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = backoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * backoffMultiplier)
		if *d > backoffMaxInterval {
			*d = backoffMaxInterval
		}
	}
}
