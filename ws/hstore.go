package ws

import (
	"sync"
)

// memory handler store for local connections and room membership.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
	// room id -> sid -> handler
	rooms map[string]map[string]*Handler
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{
		handlers: make(map[string]*Handler),
		rooms:    make(map[string]map[string]*Handler),
	}
}

func (hs *HandlerStore) add(h *Handler) {
	hs.Lock()
	hs.handlers[h.sid] = h
	hs.Unlock()
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; !ok {
		return false
	}
	delete(hs.handlers, sid)
	for room, members := range hs.rooms {
		delete(members, sid)
		if len(members) == 0 {
			delete(hs.rooms, room)
		}
	}
	return true
}

func (hs *HandlerStore) join(room string, h *Handler) {
	hs.Lock()
	members, ok := hs.rooms[room]
	if !ok {
		members = make(map[string]*Handler)
		hs.rooms[room] = members
	}
	members[h.sid] = h
	hs.Unlock()
}

func (hs *HandlerStore) leave(room string, h *Handler) {
	hs.Lock()
	if members, ok := hs.rooms[room]; ok {
		delete(members, h.sid)
		if len(members) == 0 {
			delete(hs.rooms, room)
		}
	}
	hs.Unlock()
}

func (hs *HandlerStore) byRoom(room string) []*Handler {
	hs.RLock()
	defer hs.RUnlock()

	var out []*Handler
	for _, h := range hs.rooms[room] {
		out = append(out, h)
	}
	return out
}

func (hs *HandlerStore) size() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

func (hs *HandlerStore) close() {
	hs.RLock()
	defer hs.RUnlock()
	for _, h := range hs.handlers {
		h.close(ServerStop)
	}
}
