package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/taskvine/convo/auth"
	"github.com/taskvine/convo/store"
	"github.com/taskvine/convo/wire"
)

const maxUploadBytes = 8 << 20

// Publisher hands a created message to the message pipeline instead of
// writing it straight to the store.
type Publisher interface {
	Publish(ctx context.Context, m *wire.Message) error
}

// MessageAPI serves the REST side of the contract: history fetch and
// multipart message send.
type MessageAPI struct {
	store      store.IMessageStore
	hub        *Hub
	publisher  Publisher // optional; nil means save+push directly
	authClient auth.Client
	assetDir   string
}

func NewMessageAPI(st store.IMessageStore, hub *Hub, authClient auth.Client, assetDir string) *MessageAPI {
	return &MessageAPI{
		store:      st,
		hub:        hub,
		authClient: authClient,
		assetDir:   assetDir,
	}
}

// SetPublisher routes sends through the pipeline. Must be called
// before serving.
func (a *MessageAPI) SetPublisher(p Publisher) { a.publisher = p }

// Register installs the REST routes on the mux.
func (a *MessageAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("/messages", a.handleSend)
	mux.HandleFunc("/messages/", a.handleHistory)
	if a.assetDir != "" {
		fs := http.FileServer(http.Dir(a.assetDir))
		mux.Handle("/assets/", http.StripPrefix("/assets/", fs))
	}
}

// handleHistory serves GET /messages/{conversationId}: the ordered
// message log, ascending by time.
func (a *MessageAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uid, err := a.authClient.Auth(r)
	if err != nil {
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	conversationID := strings.TrimPrefix(r.URL.Path, "/messages/")
	if conversationID == "" {
		http.Error(w, "missing conversation id", http.StatusBadRequest)
		return
	}
	if !isParticipant(conversationID, uid) {
		http.Error(w, "not a participant", http.StatusForbidden)
		return
	}

	msgs, err := a.store.List(r.Context(), conversationID)
	if err != nil {
		glog.Errorf("handleHistory(): list error, conversation: %s, err: %v", conversationID, err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []*wire.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleSend serves POST /messages: a multipart form with
// `receiverId`, optional `text` and optional `image` file. The created
// message is persisted, pushed to the room and echoed back.
func (a *MessageAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uid, err := a.authClient.Auth(r)
	if err != nil {
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "bad multipart form", http.StatusBadRequest)
		return
	}

	receiverID := r.FormValue("receiverId")
	text := r.FormValue("text")
	if receiverID == "" {
		http.Error(w, "receiverId is required", http.StatusBadRequest)
		return
	}

	m := &wire.Message{
		ID:             strings.ReplaceAll(uuid.New(), "-", ""),
		ConversationID: wire.ConversationID(uid, receiverID),
		SenderID:       uid,
		RecipientID:    receiverID,
		CreatedAt:      time.Now().UTC(),
		Delivery:       wire.DeliverySent,
	}

	file, header, ferr := r.FormFile("image")
	switch {
	case ferr == nil:
		defer file.Close()
		ref, err := a.saveAsset(file, header.Filename)
		if err != nil {
			glog.Errorf("handleSend(): save asset error: %v", err)
			http.Error(w, "asset storage error", http.StatusInternalServerError)
			return
		}
		m.Kind = wire.KindImage
		m.Body = ref
	case text != "":
		m.Kind = wire.KindText
		m.Body = text
	default:
		http.Error(w, "text or image is required", http.StatusBadRequest)
		return
	}

	if a.publisher != nil {
		if err := a.publisher.Publish(r.Context(), m); err != nil {
			glog.Errorf("handleSend(): publish error: %v", err)
			http.Error(w, "pipeline error", http.StatusInternalServerError)
			return
		}
	} else {
		if err := a.store.Save(r.Context(), m); err != nil && !a.store.IsDupKeyError(err) {
			glog.Errorf("handleSend(): save error: %v", err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		a.hub.Push(m)
	}

	writeJSON(w, http.StatusCreated, m)
}

func (a *MessageAPI) saveAsset(src io.Reader, original string) (string, error) {
	if a.assetDir == "" {
		return "", fmt.Errorf("no asset dir configured")
	}
	name := strings.ReplaceAll(uuid.New(), "-", "") + strings.ToLower(filepath.Ext(original))
	dst, err := os.Create(filepath.Join(a.assetDir, name))
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return "/assets/" + name, nil
}

func isParticipant(conversationID, uid string) bool {
	for _, p := range strings.Split(conversationID, ":") {
		if p == uid {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("writeJSON(): encode error: %v", err)
	}
}
