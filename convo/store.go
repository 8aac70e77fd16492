package convo

import (
	"sync"

	"github.com/taskvine/convo/wire"
)

// Entry is one rendered line of the conversation: the message plus its
// viewer-relative direction, derived at snapshot time.
type Entry struct {
	Msg  wire.Message
	From string
}

// Store holds the ordered message log of one open conversation.
// Load replaces the log wholesale from fetched history; Append adds
// live or optimistic entries at the tail, idempotent by message id so
// a live echo of an own sent message never double-renders. Append
// never reorders and ties on timestamp keep insertion order.
type Store struct {
	mu       sync.Mutex
	viewerID string
	msgs     []*wire.Message
	index    map[string]int
}

func NewStore(viewerID string) *Store {
	return &Store{
		viewerID: viewerID,
		index:    make(map[string]int),
	}
}

// Load replaces the log with fetched history, preserving server order
// (assumed chronological ascending).
func (s *Store) Load(history []*wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = s.msgs[:0]
	s.index = make(map[string]int, len(history))
	for _, m := range history {
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		c := *m
		c.Normalize()
		s.index[c.ID] = len(s.msgs)
		s.msgs = append(s.msgs, &c)
	}
}

// Append adds a message at the tail. Reports false for a duplicate id.
func (s *Store) Append(m *wire.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.index[m.ID]; dup {
		return false
	}
	c := *m
	c.Normalize()
	s.index[c.ID] = len(s.msgs)
	s.msgs = append(s.msgs, &c)
	return true
}

// Resolve reconciles the optimistic entry keyed by tempID with the
// server-acked message: the id is rewritten, the timestamp becomes
// server-authoritative and the delivery state advances to sent. No new
// entry is ever created. When the live echo of the send already landed
// under the acked id, the echo entry wins and the optimistic one is
// removed, so the pair still renders exactly once.
func (s *Store) Resolve(tempID string, acked *wire.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[tempID]
	if !ok {
		return false
	}
	m := s.msgs[i]
	if m.Delivery != wire.DeliveryPending && m.Delivery != wire.DeliveryUploading {
		return false
	}
	if j, echoed := s.index[acked.ID]; echoed && acked.ID != "" && acked.ID != tempID {
		s.msgs[j].AdvanceDelivery(wire.DeliverySent)
		s.removeAt(i)
		return true
	}
	delete(s.index, tempID)
	if acked.ID != "" {
		m.ID = acked.ID
	}
	s.index[m.ID] = i
	if !acked.CreatedAt.IsZero() {
		m.CreatedAt = acked.CreatedAt
	}
	if acked.Body != "" {
		m.Body = acked.Body
	}
	m.AdvanceDelivery(wire.DeliverySent)
	return true
}

// removeAt drops the entry at i and reindexes everything behind it.
func (s *Store) removeAt(i int) {
	delete(s.index, s.msgs[i].ID)
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	for k := i; k < len(s.msgs); k++ {
		s.index[s.msgs[k].ID] = k
	}
}

// MarkFailed flags the optimistic entry keyed by tempID as failed.
// The entry stays in the log so the user can retry by hand.
func (s *Store) MarkFailed(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[tempID]
	if !ok {
		return false
	}
	return s.msgs[i].AdvanceDelivery(wire.DeliveryFailed)
}

// Entries snapshots the log in order, with each entry's direction
// computed against the viewer id.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = Entry{Msg: *m, From: m.DirectionFor(s.viewerID)}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}
