package pipeline

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/taskvine/convo/wire"
)

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Pusher delivers a stored message to live room members, implemented
// by ws.Hub.
type Pusher interface {
	Push(m *wire.Message)
}
