package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	myMiddleware "relaychat/internal/middleware"
	"relaychat/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// HistoryStore serves the REST side of chat. *Repository implements it.
type HistoryStore interface {
	Conversations(ctx context.Context, self int64) ([]protocol.ConversationSummary, error)
	History(ctx context.Context, self, other int64) ([]protocol.Message, error)
	MarkConversationRead(ctx context.Context, reader, sender int64) error
	MarkRead(ctx context.Context, messageID string, reader int64) error
}

type Handler struct {
	hub   *Hub
	store HistoryStore
}

func NewHandler(hub *Hub, store HistoryStore) *Handler {
	return &Handler{
		hub:   hub,
		store: store,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	client := newClient(h.hub, conn, userID, username)
	if !h.hub.register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	list, err := h.store.Conversations(r.Context(), userID)
	if err != nil {
		log.Printf("conversations for %d: %v", userID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []protocol.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetChatHistory returns the conversation with {userID} and marks what they sent as read.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	other, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || other <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	msgs, err := h.store.History(r.Context(), userID, other)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		log.Printf("history %d/%d: %v", userID, other, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := h.store.MarkConversationRead(r.Context(), userID, other); err != nil {
		log.Printf("mark read %d/%d: %v", userID, other, err)
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	err := h.store.MarkRead(r.Context(), chi.URLParam(r, "messageID"), userID)
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "message not found", http.StatusNotFound)
	case errors.Is(err, ErrForbidden):
		http.Error(w, "not the receiver of this message", http.StatusForbidden)
	case err != nil:
		log.Printf("mark read %s: %v", chi.URLParam(r, "messageID"), err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "marked as read"})
	}
}
