package wire

import "io"

// Live channel event names. The server never acks a join: room scoping
// is fire-and-forget on this contract.
const (
	EventJoinRoom  = "joinUserRoom"
	EventLeaveRoom = "leaveTask"
	EventReceive   = "receiveMessage"
)

// Frame is the JSON envelope exchanged on the live channel.
// Client->server frames carry Event+Room, server->client pushes carry
// Event+Message.
type Frame struct {
	Event   string   `json:"event"`
	Room    string   `json:"room,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// Outbound is a user-submitted message before it hits the REST send
// endpoint. Exactly one of Text or Image is expected.
type Outbound struct {
	RecipientID string
	Text        string
	ImageName   string
	Image       io.Reader
}

// Kind reports the message kind this outbound payload produces.
func (o *Outbound) Kind() string {
	if o.Image != nil {
		return KindImage
	}
	return KindText
}
