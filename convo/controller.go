package convo

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/taskvine/convo/wire"
)

// Controller states. A controller moves idle -> loading -> ready,
// bounces between ready and sending, and ends in closed. The error
// state is reached when the initial history fetch fails; Open may be
// called again from it as the manual retry.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateSending State = "sending"
	StateError   State = "error"
	StateClosed  State = "closed"
)

var (
	ErrClosed       = errors.New("convo: conversation closed")
	ErrNotReady     = errors.New("convo: conversation not ready")
	ErrSendInFlight = errors.New("convo: a send is already in flight")
	ErrEmptySend    = errors.New("convo: nothing to send")
)

// Controller is the state machine for one open conversation. It is the
// only component that talks to both the live channel and the REST API.
// Every transition runs as one discrete critical section, so no two
// transitions ever interleave for the same conversation.
type Controller struct {
	sess      SessionContext
	transport Transport
	api       API

	counterpartID  string
	conversationID string
	store          *Store

	// Notify, when set before Open, is called after every store or
	// state mutation so a view can re-render. Never called with the
	// controller lock held.
	Notify func()

	mu        sync.Mutex
	state     State
	lastErr   error
	epoch     int
	handlerID int
	joined    bool
}

// NewController builds the controller for the thread with the given
// counterpart. The conversation identity is the order-independent pair
// of the two participant ids.
func NewController(sess SessionContext, tr Transport, api API, counterpartID string) *Controller {
	c := &Controller{
		sess:           sess,
		transport:      tr,
		api:            api,
		counterpartID:  counterpartID,
		conversationID: wire.ConversationID(sess.ViewerID, counterpartID),
		store:          NewStore(sess.ViewerID),
		state:          StateIdle,
	}
	return c
}

// ConversationID returns the canonical thread identity.
func (c *Controller) ConversationID() string { return c.conversationID }

// Store exposes the message log for rendering.
func (c *Controller) Store() *Store { return c.store }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the failure behind the error state, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Open joins the conversation room and fetches history. Both are
// issued together: the join is a fire-and-forget signal, the fetch
// completes the transition to ready. A response that arrives after the
// controller was closed or reopened is discarded via the open epoch.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		st := c.state
		c.mu.Unlock()
		if st == StateClosed {
			return ErrClosed
		}
		return nil
	}
	c.state = StateLoading
	c.lastErr = nil
	c.epoch++
	epoch := c.epoch
	if !c.joined {
		// Register before joining so no push can slip through the gap.
		c.handlerID = c.transport.On(wire.EventReceive, c.onReceive)
		c.transport.JoinRoom(c.conversationID)
		c.joined = true
	}
	c.mu.Unlock()
	c.notify()

	if err := c.transport.Connect(); err != nil {
		glog.Errorf("convo: connect error: %v", err)
	}

	history, err := c.api.History(ctx, c.conversationID)

	c.mu.Lock()
	if c.state == StateClosed || epoch != c.epoch {
		// The view moved on while the fetch was in flight.
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		glog.Errorf("convo: history fetch error, conversation: %s, err: %v", c.conversationID, err)
		c.state = StateError
		c.lastErr = err
		c.mu.Unlock()
		c.notify()
		return err
	}
	c.store.Load(history)
	c.state = StateReady
	c.mu.Unlock()
	c.notify()
	return nil
}

// Send posts a text message. The entry renders immediately as pending
// and is reconciled with the server-assigned id on success, or marked
// failed on error, never silently dropped. At most one send is in
// flight at a time; a second attempt is rejected, not interleaved.
func (c *Controller) Send(ctx context.Context, text string) error {
	if text == "" {
		return ErrEmptySend
	}
	return c.send(ctx,
		&wire.Outbound{RecipientID: c.counterpartID, Text: text},
		wire.KindText, text, wire.DeliveryPending)
}

// SendImage posts an image message. The upload must complete before
// the message counts as sent; until then the entry carries the
// uploading state, distinguishable from a plain pending text send.
func (c *Controller) SendImage(ctx context.Context, name string, image io.Reader) error {
	if image == nil {
		return ErrEmptySend
	}
	return c.send(ctx,
		&wire.Outbound{RecipientID: c.counterpartID, ImageName: name, Image: image},
		wire.KindImage, name, wire.DeliveryUploading)
}

func (c *Controller) send(ctx context.Context, out *wire.Outbound, kind, body, delivery string) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateSending:
		c.mu.Unlock()
		return ErrSendInFlight
	case StateReady:
	default:
		c.mu.Unlock()
		return ErrNotReady
	}
	c.state = StateSending

	temp := &wire.Message{
		ID:             wire.NewID(),
		ConversationID: c.conversationID,
		SenderID:       c.sess.ViewerID,
		RecipientID:    c.counterpartID,
		Kind:           kind,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
		Delivery:       delivery,
	}
	c.store.Append(temp)
	c.mu.Unlock()
	c.notify()

	acked, err := c.api.Send(ctx, out)

	c.mu.Lock()
	if c.state == StateClosed {
		// No UI target exists any more; drop the outcome silently.
		c.mu.Unlock()
		return nil
	}
	c.state = StateReady
	if err != nil {
		glog.Errorf("convo: send error, conversation: %s, err: %v", c.conversationID, err)
		c.store.MarkFailed(temp.ID)
		c.mu.Unlock()
		c.notify()
		return err
	}
	c.store.Resolve(temp.ID, acked)
	c.mu.Unlock()
	c.notify()
	return nil
}

// onReceive handles one pushed live event. Events for other
// conversations are ignored; anything matching is normalized and
// appended regardless of state, except after close.
func (c *Controller) onReceive(f *wire.Frame) {
	if f.Message == nil {
		return
	}
	m := *f.Message
	m.Normalize()
	if m.ConversationID != c.conversationID {
		return
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	appended := c.store.Append(&m)
	c.mu.Unlock()
	if appended {
		c.notify()
	}
}

// Close leaves the room, unregisters the live handler and ends the
// controller. The instance is not reused afterwards. An in-flight send
// is not cancelled; its late outcome is dropped.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if c.joined {
		c.transport.Off(wire.EventReceive, c.handlerID)
		c.transport.LeaveRoom(c.conversationID)
		c.joined = false
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	if c.Notify != nil {
		c.Notify()
	}
}
