package wire

import (
	"strings"
	"time"

	"github.com/pborman/uuid"
)

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
)

// Delivery states of a message, from the sender's point of view.
// A state only ever moves forward: pending -> (uploading ->) sent.
// Failed is terminal and only reachable from pending/uploading.
const (
	DeliveryPending   = "pending"
	DeliveryUploading = "uploading"
	DeliverySent      = "sent"
	DeliveryFailed    = "failed"
)

// Direction of a message relative to the viewer.
const (
	FromYou  = "you"
	FromThem = "them"
)

// PlaceholderBody renders for a message whose payload carried neither
// text nor an image reference. The entry stays visible so the viewer
// is never missing a turn in the conversation.
const PlaceholderBody = "[unsupported message]"

// Message is a single message within a two-party conversation.
// For image messages Body holds the asset reference.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"sender"`
	RecipientID    string    `json:"recipient"`
	Kind           string    `json:"kind"`
	Body           string    `json:"content,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Delivery       string    `json:"delivery,omitempty"`
}

// DirectionFor derives the message perspective from the viewer's id.
// This is a pure function of (message, viewer), never stored state.
func (m *Message) DirectionFor(viewerID string) string {
	if m.SenderID == viewerID {
		return FromYou
	}
	return FromThem
}

var deliveryRank = map[string]int{
	DeliveryPending:   1,
	DeliveryUploading: 2,
	DeliverySent:      3,
	DeliveryFailed:    4,
}

// AdvanceDelivery moves the message to `next` only if that is a forward
// transition. Reports whether the state changed.
func (m *Message) AdvanceDelivery(next string) bool {
	cur := deliveryRank[m.Delivery]
	to, ok := deliveryRank[next]
	if !ok || to <= cur {
		return false
	}
	if next == DeliveryFailed && cur >= deliveryRank[DeliverySent] {
		return false
	}
	m.Delivery = next
	return true
}

// Normalize fills defensive defaults on a server or live payload:
// unknown kind falls back to text, an empty payload renders as a
// visible placeholder, and persisted messages count as sent.
func (m *Message) Normalize() {
	if m.Kind != KindText && m.Kind != KindImage {
		m.Kind = KindText
	}
	if m.Body == "" {
		m.Body = PlaceholderBody
	}
	if m.Delivery == "" {
		m.Delivery = DeliverySent
	}
	if m.ConversationID == "" && m.SenderID != "" && m.RecipientID != "" {
		m.ConversationID = ConversationID(m.SenderID, m.RecipientID)
	}
}

// ConversationID builds the order-independent identity of a two-party
// thread, so both participants and the server derive the same room key.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// NewID returns a fresh opaque id, also used as client temp id for
// optimistic sends until the server assigns the real one.
func NewID() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}
