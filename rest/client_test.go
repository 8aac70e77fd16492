package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskvine/convo/wire"
)

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/messages/u1:u2", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		// The second message has no kind or content; the client
		// normalizes it to a text placeholder.
		w.Write([]byte(`[
			{"id":"1","conversationId":"u1:u2","sender":"u1","recipient":"u2","kind":"text","content":"hi"},
			{"id":"2","conversationId":"u1:u2","sender":"u2","recipient":"u1"}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok-1")
	msgs, err := c.History(context.Background(), "u1:u2")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Body)
	assert.Equal(t, wire.KindText, msgs[1].Kind)
	assert.Equal(t, wire.PlaceholderBody, msgs[1].Body)
	assert.Equal(t, wire.DeliverySent, msgs[1].Delivery)
}

func TestHistoryStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.History(context.Background(), "u1:u2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestSendText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "u2", r.FormValue("receiverId"))
		assert.Equal(t, "hello", r.FormValue("text"))
		_, _, err := r.FormFile("image")
		assert.Error(t, err)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"42","conversationId":"u1:u2","sender":"u1","recipient":"u2","kind":"text","content":"hello"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1")
	created, err := c.Send(context.Background(), &wire.Outbound{RecipientID: "u2", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "42", created.ID)
	assert.Equal(t, wire.DeliverySent, created.Delivery)
}

func TestSendImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "cat.png", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"43","conversationId":"u1:u2","sender":"u1","recipient":"u2","kind":"image","content":"/assets/cat.png"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	created, err := c.Send(context.Background(), &wire.Outbound{
		RecipientID: "u2",
		ImageName:   "cat.png",
		Image:       strings.NewReader("not really a png"),
	})
	require.NoError(t, err)
	assert.Equal(t, wire.KindImage, created.Kind)
	assert.Equal(t, "/assets/cat.png", created.Body)
}
