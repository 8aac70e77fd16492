package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/go-sql-driver/mysql"
)

// Needs a local MySQL with the dev/schema.sql tables, e.g.
// CONVO_MYSQL_DSN="root:@tcp(127.0.0.1:3306)/convo?parseTime=true"
func newTestMysqlStore(t *testing.T) *mysqlStore {
	dsn := os.Getenv("CONVO_MYSQL_DSN")
	if dsn == "" {
		t.Skip("CONVO_MYSQL_DSN not set")
	}
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)

	_, err = db.Exec("DELETE FROM messages")
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return NewMysqlStore(db)
}

func TestMysqlSaveListDup(t *testing.T) {
	s := newTestMysqlStore(t)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Millisecond)
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.Save(ctx, testMessage(id, "u1:u2", at)))
	}

	err := s.Save(ctx, testMessage("m2", "u1:u2", at))
	require.Error(t, err)
	assert.True(t, s.IsDupKeyError(err))

	msgs, err := s.List(ctx, "u1:u2")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, id := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, id, msgs[i].ID)
	}
}

func TestMysqlDeleteOutdated(t *testing.T) {
	s := newTestMysqlStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testMessage("old-1", "u1:u2", time.Now().AddDate(0, 0, -40))))
	require.NoError(t, s.Save(ctx, testMessage("new-1", "u1:u2", time.Now())))

	n, err := s.DeleteOutdated(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int32(1), n)

	msgs, err := s.List(ctx, "u1:u2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new-1", msgs[0].ID)
}
