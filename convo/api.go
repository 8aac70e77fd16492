package convo

import (
	"context"

	"github.com/taskvine/convo/wire"
)

// SessionContext carries the viewer identity and credentials. It is
// injected at controller construction instead of being read from
// ambient process state.
type SessionContext struct {
	ViewerID string
	Token    string
}

// API is the REST surface the controller consumes: one history fetch
// per open, one send per outbound message.
type API interface {
	History(ctx context.Context, conversationID string) ([]*wire.Message, error)
	Send(ctx context.Context, out *wire.Outbound) (*wire.Message, error)
}

// Transport is the live-channel surface the controller consumes,
// implemented by transport.Session.
type Transport interface {
	Connect() error
	JoinRoom(room string)
	LeaveRoom(room string)
	On(event string, h func(*wire.Frame)) int
	Off(event string, id int)
}
