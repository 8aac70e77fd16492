package store

import (
	"context"
	"time"

	"github.com/taskvine/convo/wire"
)

// IMessageStore persists conversation messages on the server side.
type IMessageStore interface {
	// Save inserts one message. Re-delivery of an already stored id
	// yields an error for which IsDupKeyError reports true.
	Save(ctx context.Context, m *wire.Message) error

	// List gets the messages of one conversation, ascending by time,
	// ties in insertion order.
	List(ctx context.Context, conversationID string) ([]*wire.Message, error)

	// DeleteOutdated deletes messages older than the TTL.
	DeleteOutdated(ctx context.Context, ttlDays int32) (int32, error)

	IsDupKeyError(err error) bool
}

// GetDayBefore gets the time of before `days`, exclude today.
func GetDayBefore(days int32) time.Time {
	days += 1
	offset := time.Duration(days*24) * time.Hour
	d := time.Now().Add(-offset)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.Local)
}
