package convo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taskvine/convo/wire"
)

func msg(id, sender, body string) *wire.Message {
	return &wire.Message{
		ID:          id,
		SenderID:    sender,
		RecipientID: "u2",
		Kind:        wire.KindText,
		Body:        body,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestLoadPreservesOrderAndDirection(t *testing.T) {
	s := NewStore("u2")
	s.Load([]*wire.Message{
		msg("1", "u1", "hi"),
		msg("2", "u2", "hello"),
		msg("3", "u1", "how are you"),
	})

	entries := s.Entries()
	assert.Len(t, entries, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{entries[0].Msg.ID, entries[1].Msg.ID, entries[2].Msg.ID})
	assert.Equal(t, wire.FromThem, entries[0].From)
	assert.Equal(t, wire.FromYou, entries[1].From)
	assert.Equal(t, wire.FromThem, entries[2].From)
}

func TestLoadReplacesWholesale(t *testing.T) {
	s := NewStore("u2")
	s.Load([]*wire.Message{msg("a", "u1", "old")})
	s.Load([]*wire.Message{msg("b", "u1", "new")})

	entries := s.Entries()
	assert.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Msg.ID)
}

func TestAppendIdempotentByID(t *testing.T) {
	s := NewStore("u2")
	assert.True(t, s.Append(msg("1", "u1", "hi")))
	assert.False(t, s.Append(msg("1", "u1", "hi")))
	assert.False(t, s.Append(msg("1", "u1", "different body, same id")))
	assert.True(t, s.Append(msg("2", "u1", "hi")))
	assert.Equal(t, 2, s.Len())
}

func TestAppendNeverReorders(t *testing.T) {
	s := NewStore("u2")
	older := msg("1", "u1", "late arrival")
	older.CreatedAt = time.Now().Add(-time.Hour)
	s.Append(msg("2", "u1", "first"))
	s.Append(older)

	entries := s.Entries()
	assert.Equal(t, "2", entries[0].Msg.ID)
	assert.Equal(t, "1", entries[1].Msg.ID)
}

func TestResolveOptimisticEntry(t *testing.T) {
	s := NewStore("u1")
	temp := &wire.Message{
		ID:        "temp-1",
		SenderID:  "u1",
		Kind:      wire.KindText,
		Body:      "ok",
		CreatedAt: time.Now().UTC(),
		Delivery:  wire.DeliveryPending,
	}
	s.Append(temp)

	serverTime := time.Now().Add(time.Second).UTC()
	assert.True(t, s.Resolve("temp-1", &wire.Message{ID: "99", CreatedAt: serverTime}))

	entries := s.Entries()
	assert.Len(t, entries, 1)
	assert.Equal(t, "99", entries[0].Msg.ID)
	assert.Equal(t, wire.DeliverySent, entries[0].Msg.Delivery)
	assert.Equal(t, serverTime, entries[0].Msg.CreatedAt)

	// live echo of the same message must not double-render
	assert.False(t, s.Append(&wire.Message{ID: "99", SenderID: "u1", Kind: wire.KindText, Body: "ok"}))
	assert.Equal(t, 1, s.Len())

	// resolving again is a no-op
	assert.False(t, s.Resolve("temp-1", &wire.Message{ID: "100"}))
}

func TestResolveAfterEchoKeepsOneEntry(t *testing.T) {
	s := NewStore("u1")
	s.Append(msg("1", "u2", "earlier"))

	temp := &wire.Message{
		ID:        "temp-1",
		SenderID:  "u1",
		Kind:      wire.KindText,
		Body:      "ok",
		CreatedAt: time.Now().UTC(),
		Delivery:  wire.DeliveryPending,
	}
	s.Append(temp)

	// The live echo of the send lands before the ack does.
	assert.True(t, s.Append(&wire.Message{ID: "99", SenderID: "u1", Kind: wire.KindText, Body: "ok"}))
	assert.Equal(t, 3, s.Len())

	assert.True(t, s.Resolve("temp-1", &wire.Message{ID: "99"}))

	entries := s.Entries()
	assert.Len(t, entries, 2)
	assert.Equal(t, "1", entries[0].Msg.ID)
	assert.Equal(t, "99", entries[1].Msg.ID)
	assert.Equal(t, wire.DeliverySent, entries[1].Msg.Delivery)
	assert.Equal(t, wire.FromYou, entries[1].From)

	// Both ids are fully retired from the index.
	assert.False(t, s.Append(&wire.Message{ID: "99", SenderID: "u1", Kind: wire.KindText, Body: "ok"}))
	assert.False(t, s.Resolve("temp-1", &wire.Message{ID: "100"}))
	assert.True(t, s.Append(msg("temp-1", "u1", "id reusable once removed")))
}

func TestMarkFailedKeepsEntryVisible(t *testing.T) {
	s := NewStore("u1")
	temp := msg("temp-1", "u1", "ok")
	temp.Delivery = wire.DeliveryPending
	s.Append(temp)

	assert.True(t, s.MarkFailed("temp-1"))
	entries := s.Entries()
	assert.Len(t, entries, 1)
	assert.Equal(t, wire.DeliveryFailed, entries[0].Msg.Delivery)

	// failed is terminal, a late ack no longer resolves
	assert.False(t, s.Resolve("temp-1", &wire.Message{ID: "99"}))
	assert.False(t, s.MarkFailed("missing"))
}

func TestPlaceholderForEmptyPayload(t *testing.T) {
	s := NewStore("u2")
	s.Load([]*wire.Message{{ID: "1", SenderID: "u1"}})

	entries := s.Entries()
	assert.Len(t, entries, 1)
	assert.Equal(t, wire.PlaceholderBody, entries[0].Msg.Body)
}
