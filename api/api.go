// Package api serves the chat history collaborator: accounts, tokens, chats
// and paginated messages over JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/puyokura/cmpprelay/auth"
	"github.com/puyokura/cmpprelay/model"
	"github.com/puyokura/cmpprelay/store"
)

// Store is the persistence the API needs.
type Store interface {
	Register(username, password, displayName string) (model.Account, error)
	Authenticate(username, password string) (model.Account, error)
	CreateChat(creator string, others []string, isGroup bool, name string) (model.Chat, bool, error)
	Chat(viewer, chatID string) (model.Chat, error)
	ListChats(viewer string) ([]model.ChatSummary, error)
	AddMessage(chatID, sender, content, clientID string) (model.Message, bool, error)
	ListMessages(viewer, chatID string, limit int, cursor string) (model.Page, error)
	MarkRead(viewer, chatID, messageID string) (model.Message, error)
}

// Tokens issues and verifies bearer tokens.
type Tokens interface {
	auth.Verifier
	Issue(username string) (string, time.Time, error)
}

type API struct {
	store  Store
	tokens Tokens
	log    *slog.Logger
}

func New(s Store, tokens Tokens, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{store: s, tokens: tokens, log: logger.With("component", "api")}
}

// Register mounts the routes on r under /api, plus /healthz.
func (a *API) Register(r *mux.Router) {
	priv := r.PathPrefix("/api/chats").Subrouter()
	priv.Use(a.requireToken)
	priv.HandleFunc("", a.listChats).Methods(http.MethodGet)
	priv.HandleFunc("", a.createChat).Methods(http.MethodPost)
	priv.HandleFunc("/{chatId}", a.getChat).Methods(http.MethodGet)
	priv.HandleFunc("/{chatId}/messages", a.listMessages).Methods(http.MethodGet)
	priv.HandleFunc("/{chatId}/messages", a.createMessage).Methods(http.MethodPost)
	priv.HandleFunc("/{chatId}/messages/{messageId}/read", a.markRead).Methods(http.MethodPatch)

	r.HandleFunc("/api/register", a.register).Methods(http.MethodPost)
	r.HandleFunc("/api/token", a.token).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
}

type userKey struct{}

func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.tokens.Verify(auth.TokenFromRequest(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(r *http.Request) string {
	u, _ := r.Context().Value(userKey{}).(string)
	return u
}

type registerRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := a.store.Register(req.Username, req.Password, req.DisplayName)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// TokenResponse is the body of a successful POST /api/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (a *API) token(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := a.store.Authenticate(req.Username, req.Password)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	tok, exp, err := a.tokens.Issue(acct.Username)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.log.Info("token issued", "username", acct.Username, "expires", exp)
	writeJSON(w, http.StatusOK, TokenResponse{Token: tok, ExpiresAt: exp})
}

func (a *API) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := a.store.ListChats(userFrom(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if chats == nil {
		chats = []model.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, chats)
}

type createChatRequest struct {
	Participants []string `json:"participants"`
	IsGroup      bool     `json:"isGroup"`
	Name         string   `json:"name"`
}

func (a *API) createChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if !decode(w, r, &req) {
		return
	}
	chat, created, err := a.store.CreateChat(userFrom(r), req.Participants, req.IsGroup, req.Name)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, chat)
}

func (a *API) getChat(w http.ResponseWriter, r *http.Request) {
	chat, err := a.store.Chat(userFrom(r), mux.Vars(r)["chatId"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := store.DefaultPageSize
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, "limit must be a number", http.StatusBadRequest)
			return
		}
		limit = n
	}
	page, err := a.store.ListMessages(userFrom(r), mux.Vars(r)["chatId"], limit, q.Get("cursor"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type createMessageRequest struct {
	Content  string `json:"content"`
	ClientID string `json:"clientId"`
}

func (a *API) createMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if !decode(w, r, &req) {
		return
	}
	msg, created, err := a.store.AddMessage(mux.Vars(r)["chatId"], userFrom(r), req.Content, req.ClientID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, msg)
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	msg, err := a.store.MarkRead(userFrom(r), vars["chatId"], vars["messageId"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// fail maps store and auth errors onto status codes.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrBadCredentials):
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
	case errors.Is(err, store.ErrForbidden):
		http.Error(w, "Not a participant in this chat", http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		a.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
