// Package httpapi exposes the REST boundary of the relay: user registration,
// message submission, and message history, plus an operational stats endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/parley/chat-relay/internal/chat"
	"github.com/parley/chat-relay/internal/user"
)

// MessageStore is the slice of the chat store the API depends on.
type MessageStore interface {
	Append(ctx context.Context, m chat.Message) (chat.StoredMessage, error)
	Recent(ctx context.Context, limit int) ([]chat.StoredMessage, error)
	Count(ctx context.Context) (int64, error)
}

// UserStore is the slice of the user registry the API depends on.
type UserStore interface {
	FindOrCreate(ctx context.Context, name, phone string) (user.User, error)
	Count(ctx context.Context) (int64, error)
}

// StatsSource reports live relay state for the stats endpoint.
type StatsSource interface {
	LivePeers() int
	ConnectedUsers() int
}

// API carries the handlers for the REST endpoints. Create one with New and
// mount its handlers on the server mux.
type API struct {
	messages     MessageStore
	users        UserStore
	recent       *chat.RecentBuffer // fallback history source, may be nil
	stats        StatsSource        // may be nil
	historyLimit int
	startedAt    time.Time
}

// New creates an API over the given stores. recent is an optional in-memory
// fallback consulted when the database cannot serve history; stats is an
// optional live-state source for /stats.
func New(messages MessageStore, users UserStore, recent *chat.RecentBuffer, stats StatsSource, historyLimit int) *API {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &API{
		messages:     messages,
		users:        users,
		recent:       recent,
		stats:        stats,
		historyLimit: historyLimit,
		startedAt:    time.Now(),
	}
}

// Routes returns the endpoint patterns and their handlers for mounting on a
// server mux.
func (a *API) Routes() map[string]http.Handler {
	return map[string]http.Handler{
		"/users":    http.HandlerFunc(a.handleUsers),
		"/messages": http.HandlerFunc(a.handleMessages),
		"/stats":    http.HandlerFunc(a.handleStats),
	}
}

// createUserRequest is the POST /users payload.
type createUserRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// handleUsers registers a user by phone. Registration is idempotent: posting
// the same phone again returns the existing record with the name refreshed.
func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Phone == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}

	u, err := a.users.FindOrCreate(r.Context(), req.Name, req.Phone)
	if err != nil {
		log.Printf("httpapi: create user phone=%s failed: %v", req.Phone, err)
		writeError(w, http.StatusInternalServerError, "failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, u)
}

// postMessageRequest is the POST /messages payload.
type postMessageRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Content string `json:"content"`
}

// handleMessages serves message submission (POST) and history (GET).
func (a *API) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.postMessage(w, r)
	case http.MethodGet:
		a.getMessages(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// postMessage appends a message to the history without broadcasting it. The
// WebSocket path is the delivery channel; this endpoint exists for bots and
// backfill tooling.
func (a *API) postMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Phone == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}
	if err := chat.ValidateContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := a.messages.Append(r.Context(), chat.Message{
		Name:    req.Name,
		Phone:   req.Phone,
		Content: req.Content,
		Ts:      time.Now().Unix(),
	})
	if err != nil {
		log.Printf("httpapi: append message phone=%s failed: %v", req.Phone, err)
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	if a.recent != nil {
		a.recent.Add(stored)
	}

	writeJSON(w, http.StatusOK, stored)
}

// getMessages returns the most recent messages in ascending time order. When
// the database cannot serve the query, the in-memory buffer answers instead
// so history degrades rather than erroring.
func (a *API) getMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.messages.Recent(r.Context(), a.historyLimit)
	if err != nil {
		log.Printf("httpapi: history query failed, serving buffer: %v", err)
		if a.recent == nil {
			writeError(w, http.StatusInternalServerError, "history unavailable")
			return
		}
		msgs = a.recent.Snapshot()
		if len(msgs) > a.historyLimit {
			msgs = msgs[len(msgs)-a.historyLimit:]
		}
	}

	if msgs == nil {
		msgs = []chat.StoredMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// statsResponse is the GET /stats payload. Store counts are -1 when the
// database could not answer in time.
type statsResponse struct {
	Uptime         string `json:"uptime"`
	LiveConns      int    `json:"liveConnections"`
	ConnectedUsers int    `json:"connectedUsers"`
	TotalMessages  int64  `json:"totalMessages"`
	TotalUsers     int64  `json:"totalUsers"`
}

// handleStats reports operational state: uptime, live connections, distinct
// identified users, and store totals.
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statsResponse{
		Uptime:        time.Since(a.startedAt).Round(time.Second).String(),
		TotalMessages: -1,
		TotalUsers:    -1,
	}
	if a.stats != nil {
		resp.LiveConns = a.stats.LivePeers()
		resp.ConnectedUsers = a.stats.ConnectedUsers()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if n, err := a.messages.Count(ctx); err == nil {
		resp.TotalMessages = n
	}
	if n, err := a.users.Count(ctx); err == nil {
		resp.TotalUsers = n
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
