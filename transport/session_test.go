package transport

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskvine/convo/wire"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// testPeer is a websocket endpoint that records every inbound frame and
// hands each accepted connection to the test for direct pushes.
type testPeer struct {
	srv    *httptest.Server
	frames chan *wire.Frame
	conns  chan *websocket.Conn
	auth   chan string
}

func newTestPeer(t *testing.T) *testPeer {
	p := newIdleTestPeer()
	p.srv = httptest.NewServer(p.handler(t))
	t.Cleanup(p.srv.Close)
	return p
}

// newIdleTestPeer builds a peer that is not listening yet; see
// TestConnectRetriesAfterInitialFailure.
func newIdleTestPeer() *testPeer {
	return &testPeer{
		frames: make(chan *wire.Frame, 16),
		conns:  make(chan *websocket.Conn, 4),
		auth:   make(chan string, 4),
	}
}

func (p *testPeer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.auth <- r.Header.Get("Authorization")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		p.conns <- conn
		for {
			var f wire.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			p.frames <- &f
		}
	}
}

func (p *testPeer) wsURL() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *testPeer) nextFrame(t *testing.T) *wire.Frame {
	select {
	case f := <-p.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (p *testPeer) nextConn(t *testing.T) *websocket.Conn {
	select {
	case c := <-p.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func TestConnectIdempotent(t *testing.T) {
	peer := newTestPeer(t)
	s := New(peer.wsURL(), "tok-1")
	defer s.Close()

	require.NoError(t, s.Connect())
	require.NoError(t, s.Connect())

	peer.nextConn(t)
	assert.Equal(t, "Bearer tok-1", <-peer.auth)

	select {
	case <-peer.conns:
		t.Fatal("second Connect dialed again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	s := New("ws://127.0.0.1:1/ws", "")
	err := s.Emit(&wire.Frame{Event: wire.EventJoinRoom, Room: "a:b"})
	assert.Equal(t, ErrDisconnected, err)
}

func TestJoinLeaveRefcount(t *testing.T) {
	peer := newTestPeer(t)
	s := New(peer.wsURL(), "")
	defer s.Close()

	require.NoError(t, s.Connect())
	peer.nextConn(t)

	s.JoinRoom("u1:u2")
	s.JoinRoom("u1:u2")

	f := peer.nextFrame(t)
	assert.Equal(t, wire.EventJoinRoom, f.Event)
	assert.Equal(t, "u1:u2", f.Room)

	// First release keeps the room; only the last one leaves.
	s.LeaveRoom("u1:u2")
	select {
	case f := <-peer.frames:
		t.Fatalf("unexpected frame %+v", f)
	case <-time.After(100 * time.Millisecond):
	}

	s.LeaveRoom("u1:u2")
	f = peer.nextFrame(t)
	assert.Equal(t, wire.EventLeaveRoom, f.Event)
	assert.Equal(t, "u1:u2", f.Room)

	// Leaving an unknown room is a no-op.
	s.LeaveRoom("nobody")
	select {
	case f := <-peer.frames:
		t.Fatalf("unexpected frame %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchOrderAndOff(t *testing.T) {
	peer := newTestPeer(t)
	s := New(peer.wsURL(), "")
	defer s.Close()

	require.NoError(t, s.Connect())
	conn := peer.nextConn(t)

	got := make(chan string, 8)
	first := s.On(wire.EventReceive, func(f *wire.Frame) { got <- "first:" + f.Message.ID })
	s.On(wire.EventReceive, func(f *wire.Frame) { got <- "second:" + f.Message.ID })

	push := func(id string) {
		require.NoError(t, conn.WriteJSON(&wire.Frame{
			Event:   wire.EventReceive,
			Message: &wire.Message{ID: id, SenderID: "u1", Body: "hi"},
		}))
	}
	recv := func() string {
		select {
		case v := <-got:
			return v
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for dispatch")
			return ""
		}
	}

	push("m1")
	assert.Equal(t, "first:m1", recv())
	assert.Equal(t, "second:m1", recv())

	s.Off(wire.EventReceive, first)
	push("m2")
	assert.Equal(t, "second:m2", recv())

	select {
	case v := <-got:
		t.Fatalf("handler fired after Off: %s", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectRetriesAfterInitialFailure(t *testing.T) {
	// Reserve an address, then release it so the first dial fails.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	s := New("ws://"+addr+"/", "")
	defer s.Close()

	require.Error(t, s.Connect())
	s.JoinRoom("u1:u2")

	// Bring the endpoint up on the same address; the session attaches
	// on its own and announces the room.
	peer := newIdleTestPeer()
	lis, err = net.Listen("tcp", addr)
	require.NoError(t, err)
	srv := &http.Server{Handler: peer.handler(t)}
	go srv.Serve(lis)
	t.Cleanup(func() { srv.Close() })

	peer.nextConn(t)
	f := peer.nextFrame(t)
	assert.Equal(t, wire.EventJoinRoom, f.Event)
	assert.Equal(t, "u1:u2", f.Room)

	// A second Connect after the session is already started is a no-op.
	require.NoError(t, s.Connect())
}

func TestRejoinOnReconnect(t *testing.T) {
	peer := newTestPeer(t)
	s := New(peer.wsURL(), "")
	defer s.Close()

	require.NoError(t, s.Connect())
	conn := peer.nextConn(t)

	s.JoinRoom("u1:u2")
	f := peer.nextFrame(t)
	require.Equal(t, wire.EventJoinRoom, f.Event)

	// Drop the connection server side; the session redials and
	// re-announces the room without help from the caller.
	conn.Close()
	peer.nextConn(t)

	f = peer.nextFrame(t)
	assert.Equal(t, wire.EventJoinRoom, f.Event)
	assert.Equal(t, "u1:u2", f.Room)
}
