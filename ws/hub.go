// Package ws is the live-channel side of the messaging backend: one
// websocket connection per client session, room scoping per
// conversation, server push of new messages to room members.
package ws

import (
	"net/http"
	"strings"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskvine/convo/auth"
	"github.com/taskvine/convo/wire"
)

var (
	openSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convo_open_sessions",
		Help: "Number of live websocket sessions.",
	})
	pushedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "convo_pushed_messages_total",
		Help: "Messages pushed to room members.",
	})
	emptyRoomPushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "convo_empty_room_pushes_total",
		Help: "Messages whose room had no live members at push time.",
	})
)

func init() {
	prometheus.MustRegister(openSessions, pushedMessages, emptyRoomPushes)
}

// Hub manages and serves live-channel sessions.
type Hub struct {
	authClient auth.Client
	hstore     *HandlerStore
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client) *Hub {
	return &Hub{
		authClient: authClient,
		hstore:     newHandlerStore(),
	}
}

// ServeHTTP handles websocket upgrade requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	// If the upgrade fails, then Upgrade replies to the client with an
	// HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	handler := &Handler{
		dataChan: make(chan *sessionData, 16),
		uid:      uid,
		sid:      strings.ReplaceAll(uuid.New(), "-", ""),
		conn:     conn,
		hub:      h,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(handler.sid)
		return nil
	})

	h.hstore.add(handler)
	openSessions.Set(float64(h.hstore.size()))

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) delHandler(sid string) {
	if h.hstore.del(sid) {
		openSessions.Set(float64(h.hstore.size()))
	}
}

func (h *Hub) joinRoom(room string, handler *Handler) {
	glog.V(5).Infof("join room %s, session: %s", room, handler)
	h.hstore.join(room, handler)
}

func (h *Hub) leaveRoom(room string, handler *Handler) {
	glog.V(5).Infof("leave room %s, session: %s", room, handler)
	h.hstore.leave(room, handler)
}

// Push delivers a receiveMessage event to every member of the
// message's conversation room. Members include the sender's own other
// sessions; clients dedup the echo by message id.
func (h *Hub) Push(m *wire.Message) {
	members := h.hstore.byRoom(m.ConversationID)
	if len(members) == 0 {
		emptyRoomPushes.Inc()
		return
	}
	f := &wire.Frame{Event: wire.EventReceive, Message: m}
	for _, handler := range members {
		handler.appendDataChan(&sessionData{frame: f})
		pushedMessages.Inc()
	}
}

// Shutdown closes every live session.
func (h *Hub) Shutdown() {
	glog.Infof("close connections ...")
	h.hstore.close()
	glog.Infof("close connections done")
}
