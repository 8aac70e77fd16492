package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"github.com/taskvine/convo/wire"
)

var (
	conversationsBucket = []byte("conversations")
	idsBucket           = []byte("ids")

	errDupMessage = errors.New("store: duplicate message id")
)

// boltStore implements `IMessageStore` on a local bbolt file, for the
// single-node / dev deployment that has no MySQL around.
// Layout: conversations/<conversation_id>/<seq> -> message JSON, with
// ids/<conversation_id>/<message_id> -> seq for dedup on re-delivery.
// The per-bucket sequence preserves insertion order, which is also the
// tie-break for messages sharing a timestamp.
type boltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*boltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(conversationsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(idsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func (s *boltStore) Save(ctx context.Context, m *wire.Message) error {
	value, err := json.Marshal(m)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		ids, err := tx.Bucket(idsBucket).CreateBucketIfNotExists([]byte(m.ConversationID))
		if err != nil {
			return err
		}
		if ids.Get([]byte(m.ID)) != nil {
			return errDupMessage
		}

		conv, err := tx.Bucket(conversationsBucket).CreateBucketIfNotExists([]byte(m.ConversationID))
		if err != nil {
			return err
		}
		seq, err := conv.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		if err := conv.Put(key, value); err != nil {
			return err
		}
		return ids.Put([]byte(m.ID), key)
	})
}

func (s *boltStore) List(ctx context.Context, conversationID string) ([]*wire.Message, error) {
	var out []*wire.Message
	if err := s.db.View(func(tx *bbolt.Tx) error {
		conv := tx.Bucket(conversationsBucket).Bucket([]byte(conversationID))
		if conv == nil {
			return nil
		}
		return conv.ForEach(func(k, v []byte) error {
			var m wire.Message
			if err := json.Unmarshal(v, &m); err != nil {
				glog.Errorf("bolt: skip malformed message, conversation: %s, err: %v", conversationID, err)
				return nil
			}
			m.Delivery = wire.DeliverySent
			out = append(out, &m)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) DeleteOutdated(ctx context.Context, ttlDays int32) (int32, error) {
	cutoff := GetDayBefore(ttlDays)
	var numDeleted int32

	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(conversationsBucket)
		return root.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil // not a bucket
			}
			conv := root.Bucket(name)
			ids := tx.Bucket(idsBucket).Bucket(name)

			c := conv.Cursor()
			for k, value := c.First(); k != nil; k, value = c.Next() {
				var m wire.Message
				if err := json.Unmarshal(value, &m); err != nil || m.CreatedAt.After(cutoff) {
					continue
				}
				if err := c.Delete(); err != nil {
					return err
				}
				if ids != nil {
					_ = ids.Delete([]byte(m.ID))
				}
				numDeleted++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return numDeleted, nil
}

func (s *boltStore) IsDupKeyError(err error) bool {
	return errors.Is(err, errDupMessage)
}
