package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"github.com/taskvine/convo/wire"
)

// Schema, see dev/schema.sql. `seq` is an auto increment column so
// that messages sharing a create_time keep insertion order.
const (
	insertMessageSQL = "INSERT INTO messages (id,conversation_id,sender_id,recipient_id,kind,body,create_time) " +
		"VALUES (?,?,?,?,?,?,?)"
	listMessagesSQL = "SELECT id,sender_id,recipient_id,kind,body,create_time " +
		"FROM messages WHERE conversation_id = ? ORDER BY seq ASC"
	cleanMessagesSQL = "DELETE FROM messages WHERE create_time <= ?"
)

// mysqlStore implements `IMessageStore` on MySQL.
type mysqlStore struct {
	*sql.DB
}

func NewMysqlStore(db *sql.DB) *mysqlStore {
	return &mysqlStore{db}
}

func (s *mysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *mysqlStore) Save(ctx context.Context, m *wire.Message) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertMessageSQL,
			m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Kind, m.Body, m.CreatedAt)
		if err != nil {
			glog.Errorf("insert message exec err: %v", err)
		}
		return err
	})
}

func (s *mysqlStore) List(ctx context.Context, conversationID string) ([]*wire.Message, error) {
	var out []*wire.Message
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, listMessagesSQL, conversationID)
		if err != nil {
			glog.Errorf("list messages query err: %v", err)
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m wire.Message
			var t time.Time
			if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Kind, &m.Body, &t); err != nil {
				glog.Errorf("list messages scan err: %v", err)
				return err
			}
			m.ConversationID = conversationID
			m.CreatedAt = t
			m.Delivery = wire.DeliverySent
			out = append(out, &m)
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *mysqlStore) DeleteOutdated(ctx context.Context, ttlDays int32) (int32, error) {
	t := GetDayBefore(ttlDays)
	var numDeleted int32

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, cleanMessagesSQL, t)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		numDeleted = int32(n)
		return nil
	}); err != nil {
		return 0, err
	}
	return numDeleted, nil
}

func (s *mysqlStore) IsDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1062
	}
	return false
}
