package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	nanoid "github.com/jaevor/go-nanoid"

	"github.com/manpreetbhatti/coderoom/internal/assistant"
	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/ratelimit"
	"github.com/manpreetbhatti/coderoom/internal/runner"
	"github.com/manpreetbhatti/coderoom/internal/ws"
)

const (
	roomIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	roomIDLength   = 10
	maxBodySize    = 2 << 20
)

type Config struct {
	Hub       *ws.Hub
	Store     db.Store
	Bridge    *runner.Bridge
	Assistant *assistant.Client

	// RunLimiter throttles POST /run per client address. Nil disables it.
	RunLimiter *ratelimit.ClientLimiters

	Logger *slog.Logger
}

type API struct {
	hub        *ws.Hub
	store      db.Store
	bridge     *runner.Bridge
	assistant  *assistant.Client
	runLimiter *ratelimit.ClientLimiters
	logger     *slog.Logger
	newRoomID  func() string
}

func New(cfg Config) (*API, error) {
	gen, err := nanoid.CustomASCII(roomIDAlphabet, roomIDLength)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &API{
		hub:        cfg.Hub,
		store:      cfg.Store,
		bridge:     cfg.Bridge,
		assistant:  cfg.Assistant,
		runLimiter: cfg.RunLimiter,
		logger:     cfg.Logger,
		newRoomID:  gen,
	}, nil
}

// Routes registers every endpoint, including the WebSocket upgrade.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.hub, w, r)
	})

	mux.HandleFunc("/health", a.HealthHandler)
	mux.HandleFunc("/api/stats", a.StatsHandler)
	mux.HandleFunc("/api/rooms", a.RoomsRouter)
	mux.HandleFunc("/api/rooms/", a.RoomsRouter)
	mux.HandleFunc("/api/documents/", a.DocumentsRouter)

	var run http.Handler = http.HandlerFunc(a.RunHandler)
	if a.runLimiter != nil {
		run = a.runLimiter.Middleware(run)
	}
	mux.Handle("/run", run)

	mux.HandleFunc("/api/ai-chat", a.AIChatHandler)
	mux.HandleFunc("/api/explain-code", a.ExplainHandler)
	mux.HandleFunc("/api/debug", a.DebugHandler)
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// decodeBody reads a JSON request body. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"connections": a.hub.GetClientCount(),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.bridge != nil {
		stats["active_runs"] = a.bridge.Active()
		stats["languages"] = a.bridge.Languages()
	}

	if a.store != nil {
		count, err := a.store.CountDocuments(r.Context())
		if err == nil {
			stats["stored_documents"] = count
		} else {
			a.logger.Warn("failed to count documents", "error", err)
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	ActiveUsers int        `json:"active_users"`
	Watching    int        `json:"watching"`
}

type CreateRoomRequest struct {
	Name string `json:"name,omitempty"`
}

// RoomDetail is the live state of one room. Unknown rooms report an empty,
// inactive state.
type RoomDetail struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name,omitempty"`
	Active   bool                   `json:"active"`
	Members  []protocol.Participant `json:"members"`
	Code     string                 `json:"code"`
	Language string                 `json:"language"`
	Input    string                 `json:"input"`
	Output   string                 `json:"output"`
	Chat     int                    `json:"chat_messages"`
	AI       int                    `json:"ai_messages"`
	Video    *protocol.VideoState   `json:"video,omitempty"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	active := a.hub.GetActiveRooms()
	rooms := make([]RoomResponse, len(active))
	for i, info := range active {
		rooms[i] = RoomResponse{ID: info.ID, ActiveUsers: info.Members, Watching: info.Audience}
	}
	response := map[string]any{"rooms": rooms}

	if a.store != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > 100 {
			limit = 20
		}

		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		if offset < 0 {
			offset = 0
		}

		saved, err := a.store.ListRooms(r.Context(), limit, offset)
		if err != nil {
			a.logger.Error("failed to list rooms", "error", err)
			errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
			return
		}

		counts := make(map[string]ws.RoomInfo, len(active))
		for _, info := range active {
			counts[info.ID] = info
		}

		out := make([]RoomResponse, len(saved))
		for i, room := range saved {
			created := room.CreatedAt
			out[i] = RoomResponse{
				ID:          room.ID,
				Name:        room.Name,
				CreatedAt:   &created,
				ActiveUsers: counts[room.ID].Members,
				Watching:    counts[room.ID].Audience,
			}
		}
		response["saved"] = out
		response["limit"] = limit
		response["offset"] = offset
	}

	jsonResponse(w, http.StatusOK, response)
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req CreateRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := a.newRoomID()
	resp := RoomResponse{ID: id, Name: req.Name}

	if a.store != nil {
		if err := a.store.CreateRoom(r.Context(), id, req.Name); err != nil {
			a.logger.Error("failed to create room", "room", id, "error", err)
			errorResponse(w, http.StatusInternalServerError, "Failed to create room")
			return
		}

		room, err := a.store.GetRoom(r.Context(), id)
		if err != nil || room == nil {
			errorResponse(w, http.StatusInternalServerError, "Failed to get room")
			return
		}
		resp.CreatedAt = &room.CreatedAt
	}

	a.logger.Info("room created", "room", id)
	jsonResponse(w, http.StatusCreated, resp)
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	roomID := pathID(r.URL.Path, "/api/rooms/")
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	detail := RoomDetail{ID: roomID, Members: a.hub.Members(roomID)}
	if state, ok := a.hub.Store().Snapshot(roomID); ok {
		detail.Active = true
		detail.Code = state.Document
		detail.Language = state.Language
		detail.Input = state.Stdin
		detail.Output = state.Output
		detail.Chat = len(state.Chat)
		detail.AI = len(state.AI)
		detail.Video = state.Video
	}

	if a.store != nil {
		if room, err := a.store.GetRoom(r.Context(), roomID); err == nil && room != nil {
			detail.Name = room.Name
		}
	}

	jsonResponse(w, http.StatusOK, detail)
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if a.store == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Storage is not configured")
		return
	}

	roomID := pathID(r.URL.Path, "/api/rooms/")
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	if err := a.store.DeleteRoom(r.Context(), roomID); err != nil {
		a.logger.Error("failed to delete room", "room", roomID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}
	if err := a.store.DeleteDocument(r.Context(), roomID); err != nil {
		a.logger.Error("failed to delete document", "room", roomID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/rooms")

	// /api/rooms or /api/rooms/
	if path == "" || path == "/" {
		switch r.Method {
		case http.MethodGet:
			a.ListRoomsHandler(w, r)
		case http.MethodPost:
			a.CreateRoomHandler(w, r)
		default:
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	// /api/rooms/{id}
	switch r.Method {
	case http.MethodGet:
		a.GetRoomHandler(w, r)
	case http.MethodDelete:
		a.DeleteRoomHandler(w, r)
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// Document handlers

type DocumentRequest struct {
	Content  string `json:"content"`
	Language string `json:"language"`
}

type DocumentResponse struct {
	RoomID    string    `json:"roomId"`
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *API) GetDocumentHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	doc, err := a.store.GetDocument(r.Context(), roomID)
	if err != nil {
		a.logger.Error("failed to get document", "room", roomID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to get document")
		return
	}
	if doc == nil {
		errorResponse(w, http.StatusNotFound, "Document not found")
		return
	}

	jsonResponse(w, http.StatusOK, DocumentResponse{
		RoomID:    doc.RoomID,
		Content:   doc.Content,
		Language:  doc.Language,
		UpdatedAt: doc.UpdatedAt,
	})
}

// SaveDocumentHandler stores the posted content, or the room's live document
// when the body carries none.
func (a *API) SaveDocumentHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	var req DocumentRequest
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Content == "" {
		if state, ok := a.hub.Store().Snapshot(roomID); ok {
			req.Content = state.Document
			if req.Language == "" {
				req.Language = state.Language
			}
		}
	}
	if req.Content == "" {
		errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}

	doc := db.Document{RoomID: roomID, Content: req.Content, Language: req.Language}
	if err := a.store.SaveDocument(r.Context(), doc); err != nil {
		a.logger.Error("failed to save document", "room", roomID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to save document")
		return
	}

	a.GetDocumentHandler(w, r, roomID)
}

func (a *API) DocumentsRouter(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Storage is not configured")
		return
	}

	roomID := pathID(r.URL.Path, "/api/documents/")
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.GetDocumentHandler(w, r, roomID)
	case http.MethodPut, http.MethodPost:
		a.SaveDocumentHandler(w, r, roomID)
	case http.MethodDelete:
		if err := a.store.DeleteDocument(r.Context(), roomID); err != nil {
			a.logger.Error("failed to delete document", "room", roomID, "error", err)
			errorResponse(w, http.StatusInternalServerError, "Failed to delete document")
			return
		}
		jsonResponse(w, http.StatusOK, map[string]string{"message": "Document deleted"})
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func pathID(path, prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/")
}
