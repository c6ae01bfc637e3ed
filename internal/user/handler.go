package user

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	myMiddleware "relaychat/internal/middleware"
	"relaychat/pkg/protocol"
)

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	u, err := h.Service.Register(r.Context(), &req)
	switch {
	case errors.Is(err, ErrMissingFields), errors.Is(err, ErrInvalidPhone),
		errors.Is(err, ErrUsernameTaken), errors.Is(err, ErrPhoneTaken):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		log.Printf("register: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, u.Public())
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Phone == "" || req.Password == "" {
		http.Error(w, "phone and password are required", http.StatusBadRequest)
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			log.Printf("login: %v", err)
		}
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	u, err := h.Service.Me(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, u.Public())
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	users, err := h.Service.SearchUsers(r.Context(), r.URL.Query().Get("q"), userID)
	if err != nil {
		log.Printf("search: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]protocol.User, 0, len(users))
	for i := range users {
		out = append(out, users[i].Public())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.Service.Logout(r.Context(), userID); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("logout: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}
