// Package pipeline routes created messages through kafka between the
// REST accept path and the store+push path, so the backend can absorb
// bursts and survive store hiccups without losing sends.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/taskvine/convo/store"
	"github.com/taskvine/convo/wire"
)

const (
	deleteInterval = time.Hour

	publishTimeout = 3 * time.Second

	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

// Producer publishes created messages to the topic. Implements
// ws.Publisher.
type Producer struct {
	writer        IKafkaWriter
	valueMaxBytes int
}

func NewProducer(writer IKafkaWriter, valueMaxBytes int) *Producer {
	return &Producer{writer: writer, valueMaxBytes: valueMaxBytes}
}

func (p *Producer) Publish(ctx context.Context, m *wire.Message) error {
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("error marshal message: %q, err: %v", m.ID, err)
	}
	if len(value) > p.valueMaxBytes {
		return fmt.Errorf("pipeline: message exceeds max limit: %d bytes", p.valueMaxBytes)
	}

	km := kafka.Message{
		Key:   []byte(m.ConversationID),
		Value: value,
	}

	ctx2, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx2, km); err != nil {
		return fmt.Errorf("error write to kafka: %s", err)
	}
	return nil
}

// Feed consumes published messages from kafka, then saves and pushes
// them. It also periodically deletes outdated messages when
// `cleanMessages` is set. There MUST be exactly one feed instance per
// topic+group.
type Feed struct {
	ms            store.IMessageStore
	pusher        Pusher
	kafkaReader   IKafkaReader
	cleanMessages bool
	ttlDays       int32
	valueMaxBytes int
	wg            sync.WaitGroup
}

func NewFeed(ms store.IMessageStore, kafkaReader IKafkaReader, pusher Pusher,
	cleanMessages bool, ttlDays int32, valueMaxBytes int) *Feed {

	return &Feed{
		ms:            ms,
		pusher:        pusher,
		kafkaReader:   kafkaReader,
		cleanMessages: cleanMessages,
		ttlDays:       ttlDays,
		valueMaxBytes: valueMaxBytes,
	}
}

// Run blocks until ctx is cancelled, then drains and signals done.
func (f *Feed) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("feed: run enter")

	go f.consumeLoop(ctx)
	if f.cleanMessages {
		go f.deleteLoop(ctx)
	}

	glog.Info("feed: ready")

	<-ctx.Done()

	glog.Info("feed: stopping")
	_ = f.kafkaReader.Close()

	f.wg.Wait()

	glog.Info("feed: stopped")
	stopDoneNotifyC <- struct{}{}
}

// deleteLoop deletes outdated messages.
func (f *Feed) deleteLoop(ctx context.Context) {
	f.wg.Add(1)
	glog.Info("feed: delete loop enter")

	ticker := time.NewTicker(deleteInterval)
	defer func() {
		ticker.Stop()
		glog.Info("feed: delete loop exit")
		f.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := f.ms.DeleteOutdated(context.Background(), f.ttlDays)
			if err == nil {
				glog.Infof("feed: deleted %d outdated messages, took %s", n, time.Since(start))
			} else {
				glog.Errorf("feed: delete outdated messages error: %v", err)
			}
		}
	}
}

func (f *Feed) consumeLoop(ctx context.Context) {
	glog.Info("feed: consume loop enter")
	f.wg.Add(1)

	defer func() {
		glog.Info("feed: consume loop exited")
		f.wg.Done()
	}()

	var sleep time.Duration

	for {
		glog.V(5).Info("feed: fetching message ...")
		msg, err := f.kafkaReader.FetchMessage(ctx)

		if err != nil {
			glog.Errorf("feed: fetch from kafka err: %v", err)
			if err == context.Canceled {
				return
			}
			backoff(&sleep)
			select {
			case <-time.After(sleep):
				continue
			case <-ctx.Done():
				return
			}
		}
		sleep = 0

		// skip: bad format or too old.
		m := f.decodeKafkaMsg(&msg)

		for m != nil {
			glog.V(5).Infof("feed: saving %s", m.ID)
			err := f.ms.Save(ctx, m)
			if err == nil {
				sleep = 0
				f.pusher.Push(m)
				break
			}
			if f.ms.IsDupKeyError(err) {
				// Redelivery after a failed commit: already stored and
				// pushed, only the commit is still owed.
				glog.V(5).Infof("feed: duplicate message %s, skip", m.ID)
				break
			}
			glog.Errorf("feed: save message err: %v", err)
			if err == context.Canceled {
				return
			}
			backoff(&sleep)
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return
			}
		}

		for {
			if err := f.kafkaReader.CommitMessages(ctx, msg); err == nil {
				sleep = 0
				break
			} else {
				// If this message is not committed back, it will show up
				// again in the next FetchMessage(); Save tolerates the
				// duplicate.
				glog.Errorf("feed: commit to kafka err: %v", err)
				if err == context.Canceled {
					return
				}
				backoff(&sleep)
				select {
				case <-time.After(sleep):
					continue
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d > BackoffMaxInterval {
			*d = BackoffMaxInterval
		}
	}
}

func (f *Feed) shouldDiscard(msg *kafka.Message) bool {
	return f.cleanMessages && time.Since(msg.Time) > time.Duration(f.ttlDays)*24*time.Hour
}

func (f *Feed) decodeKafkaMsg(msg *kafka.Message) *wire.Message {
	if len(msg.Value) > f.valueMaxBytes {
		glog.Errorf("feed: kafka value out of limit, offset: %d", msg.Offset)
		return nil
	}
	var m wire.Message
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		glog.Errorf("feed: failed to unmarshal kafka msg value: `%s`, error: %v", msg.Value, err)
		return nil
	}
	if m.ID == "" || m.ConversationID == "" {
		glog.Errorf("feed: ignore message without id or conversation, offset: %d", msg.Offset)
		return nil
	}

	if f.shouldDiscard(msg) {
		glog.Errorf("feed: ignore incoming message because too old, offset: %d, time: %s", msg.Offset, msg.Time)
		return nil
	}

	m.Normalize()
	return &m
}
