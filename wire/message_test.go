package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversationID(t *testing.T) {
	assert.Equal(t, "u1:u2", ConversationID("u1", "u2"))
	assert.Equal(t, "u1:u2", ConversationID("u2", "u1"))
	assert.Equal(t, "a:a", ConversationID("a", "a"))
}

func TestDirectionFor(t *testing.T) {
	m := &Message{SenderID: "u1"}
	assert.Equal(t, FromYou, m.DirectionFor("u1"))
	assert.Equal(t, FromThem, m.DirectionFor("u2"))
}

func TestAdvanceDelivery(t *testing.T) {
	m := &Message{Delivery: DeliveryPending}
	assert.True(t, m.AdvanceDelivery(DeliveryUploading))
	assert.True(t, m.AdvanceDelivery(DeliverySent))

	// never moves backward
	assert.False(t, m.AdvanceDelivery(DeliveryPending))
	assert.False(t, m.AdvanceDelivery(DeliveryUploading))
	assert.Equal(t, DeliverySent, m.Delivery)

	// sent is final, no failed after sent
	assert.False(t, m.AdvanceDelivery(DeliveryFailed))

	m2 := &Message{Delivery: DeliveryPending}
	assert.True(t, m2.AdvanceDelivery(DeliveryFailed))
	assert.False(t, m2.AdvanceDelivery(DeliverySent))
}

func TestNormalize(t *testing.T) {
	m := &Message{ID: "1", SenderID: "u1", RecipientID: "u2"}
	m.Normalize()
	assert.Equal(t, KindText, m.Kind)
	assert.Equal(t, PlaceholderBody, m.Body)
	assert.Equal(t, DeliverySent, m.Delivery)
	assert.Equal(t, "u1:u2", m.ConversationID)

	m2 := &Message{Kind: KindImage, Body: "/assets/x.png", Delivery: DeliveryPending}
	m2.Normalize()
	assert.Equal(t, KindImage, m2.Kind)
	assert.Equal(t, "/assets/x.png", m2.Body)
	assert.Equal(t, DeliveryPending, m2.Delivery)
}

func TestOutboundKind(t *testing.T) {
	assert.Equal(t, KindText, (&Outbound{Text: "hi"}).Kind())
}
