package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/julienschmidt/httprouter"
	"github.com/samber/lo"

	"github.com/manpreetbhatti/codesync/internal/collab"
	"github.com/manpreetbhatti/codesync/internal/compiler"
	"github.com/manpreetbhatti/codesync/internal/db"
	"github.com/manpreetbhatti/codesync/internal/room"
	"github.com/manpreetbhatti/codesync/internal/session"
	"github.com/manpreetbhatti/codesync/internal/ws"
)

type API struct {
	hub      *ws.Hub
	ctrl     *collab.Controller
	rooms    *room.Store
	sessions *session.Registry
	database *db.Database
	validate *validator.Validate
	log      *slog.Logger
}

func New(hub *ws.Hub, ctrl *collab.Controller, rooms *room.Store, sessions *session.Registry, database *db.Database, log *slog.Logger) *API {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &API{
		hub:      hub,
		ctrl:     ctrl,
		rooms:    rooms,
		sessions: sessions,
		database: database,
		validate: validator.New(),
		log:      log,
	}
}

// Routes builds the HTTP surface. wsHandler serves the channel upgrade at /ws.
func (a *API) Routes(wsHandler http.Handler) *httprouter.Router {
	router := httprouter.New()

	router.GET("/", a.RootHandler)
	router.GET("/health", a.HealthHandler)
	router.GET("/api/stats", a.StatsHandler)
	router.GET("/api/languages", a.LanguagesHandler)

	router.POST("/compile", a.CompileHandler)
	router.POST("/api/compile", a.CompileHandler)

	router.GET("/api/rooms", a.ListRoomsHandler)
	router.GET("/api/rooms/:id", a.GetRoomHandler)
	router.PUT("/api/rooms/:id/state", a.SubmitStateHandler)
	router.GET("/api/rooms/:id/compiles", a.ListCompileRunsHandler)
	router.GET("/api/rooms/:id/snapshots", a.ListSnapshotsHandler)
	router.POST("/api/rooms/:id/snapshots", a.CreateSnapshotHandler)

	router.GET("/api/snapshots/:id", a.GetSnapshotHandler)
	router.DELETE("/api/snapshots/:id", a.DeleteSnapshotHandler)
	router.POST("/api/snapshots/:id/restore", a.RestoreSnapshotHandler)

	if wsHandler != nil {
		router.Handler(http.MethodGet, "/ws", wsHandler)
	}

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Endpoint not found")
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		a.log.Error("handler panicked", "path", r.URL.Path, "panic", v)
		errorResponse(w, http.StatusInternalServerError, "Something went wrong!")
	}

	return router
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Error("encoding JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// onLoop runs fn on the sync event loop, bounded by the request's context.
func (a *API) onLoop(r *http.Request, fn func()) error {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	return a.hub.Do(ctx, fn)
}

func (a *API) RootHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	jsonResponse(w, http.StatusOK, map[string]string{"message": "CodeSync server is running!"})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status := http.StatusOK
	body := map[string]interface{}{
		"status":    "OK",
		"message":   "Server is healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if a.database != nil {
		if err := a.database.Ping(); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "DEGRADED"
			body["message"] = "Database unavailable"
		}
	}
	jsonResponse(w, status, body)
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats := map[string]interface{}{
		"active_rooms":    a.hub.GetRoomCount(),
		"active_clients":  a.hub.GetClientCount(),
		"participants":    a.sessions.Len(),
		"known_rooms":     a.rooms.Len(),
		"supported_langs": len(room.Languages()),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_snapshots"] = dbStats.SnapshotCount
			stats["total_compile_runs"] = dbStats.CompileRunCount
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

func (a *API) LanguagesHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"languages": room.Languages(),
		"default":   room.DefaultLanguage,
	})
}

// Compile

type CompileRequest struct {
	Code     string `json:"code" validate:"required"`
	Language string `json:"language" validate:"required"`
	RoomID   string `json:"roomId"`
}

func (a *API) CompileHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req CompileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Code and language are required")
		return
	}
	if !room.IsSupported(req.Language) {
		errorResponse(w, http.StatusBadRequest, "Unsupported language")
		return
	}

	res, output, err := a.ctrl.Compile(r.Context(), req.RoomID, compiler.Request{Script: req.Code, Language: req.Language})

	if req.RoomID != "" {
		if perr := a.onLoop(r, func() { a.ctrl.PublishOutput(req.RoomID, output) }); perr != nil {
			a.log.Warn("publishing compile output", "room", req.RoomID, "error", perr)
		}
	}

	if err != nil {
		jsonResponse(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to compile code",
			"details": err.Error(),
		})
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

// Room handlers

type RoomResponse struct {
	ID          string          `json:"id"`
	Code        string          `json:"code,omitempty"`
	Language    string          `json:"language"`
	Output      string          `json:"output,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ActiveUsers int             `json:"active_users"`
	Members     []collab.Member `json:"members,omitempty"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	active := a.hub.GetActiveRooms()
	ids := lo.Keys(active)
	sort.Strings(ids)

	response := lo.FilterMap(ids, func(id string, _ int) (RoomResponse, bool) {
		st, ok := a.rooms.Get(id)
		if !ok {
			return RoomResponse{}, false
		}
		return RoomResponse{
			ID:          id,
			Language:    st.Language,
			CreatedAt:   st.CreatedAt,
			UpdatedAt:   st.UpdatedAt,
			ActiveUsers: active[id],
		}, true
	})

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": response,
		"total": len(response),
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("id")

	var (
		st      room.State
		ok      bool
		members []collab.Member
	)
	if err := a.onLoop(r, func() {
		st, ok = a.rooms.Get(roomID)
		members = a.ctrl.Members(roomID)
	}); err != nil {
		errorResponse(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}
	if !ok {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	jsonResponse(w, http.StatusOK, RoomResponse{
		ID:          st.ID,
		Code:        st.Code,
		Language:    st.Language,
		Output:      st.Output,
		CreatedAt:   st.CreatedAt,
		UpdatedAt:   st.UpdatedAt,
		ActiveUsers: len(members),
		Members:     members,
	})
}

type SubmitStateRequest struct {
	Code     *string `json:"code"`
	Language *string `json:"language"`
	Output   *string `json:"output"`
}

func (a *API) SubmitStateHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req SubmitStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Code == nil && req.Language == nil && req.Output == nil {
		errorResponse(w, http.StatusBadRequest, "code, language or output is required")
		return
	}

	a.applyState(w, r, ps.ByName("id"), collab.StateUpdate{Code: req.Code, Language: req.Language, Output: req.Output})
}

func (a *API) applyState(w http.ResponseWriter, r *http.Request, roomID string, u collab.StateUpdate) {
	var applyErr error
	if err := a.onLoop(r, func() { applyErr = a.ctrl.ApplyState(roomID, u) }); err != nil {
		errorResponse(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}

	switch {
	case errors.Is(applyErr, collab.ErrUnknownRoom):
		errorResponse(w, http.StatusNotFound, "Room not found")
	case errors.Is(applyErr, room.ErrUnsupportedLanguage):
		errorResponse(w, http.StatusBadRequest, "Unsupported language")
	case applyErr != nil:
		errorResponse(w, http.StatusInternalServerError, "Failed to update room")
	default:
		st, _ := a.rooms.Get(roomID)
		jsonResponse(w, http.StatusOK, RoomResponse{
			ID:        st.ID,
			Code:      st.Code,
			Language:  st.Language,
			Output:    st.Output,
			CreatedAt: st.CreatedAt,
			UpdatedAt: st.UpdatedAt,
		})
	}
}

func (a *API) ListCompileRunsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	limit := queryInt(r, "limit", 20, 100)

	runs, err := a.database.ListCompileRuns(ps.ByName("id"), limit)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list compile runs")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{"runs": runs, "limit": limit})
}

// Snapshot handlers

type CreateSnapshotRequest struct {
	Name      string `json:"name" validate:"max=200"`
	CreatedBy string `json:"created_by" validate:"max=100"`
}

func (a *API) ListSnapshotsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("id")
	limit := queryInt(r, "limit", 50, 100)
	offset := queryInt(r, "offset", 0, -1)

	snapshots, err := a.database.ListSnapshots(roomID, limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list snapshots")
		return
	}
	total, _ := a.database.GetSnapshotCount(roomID)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"snapshots": snapshots,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

func (a *API) CreateSnapshotHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("id")

	var req CreateSnapshotRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorResponse(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if err := a.validate.Struct(req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid snapshot name or author")
		return
	}

	st, ok := a.rooms.Get(roomID)
	if !ok {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	if req.Name == "" {
		req.Name = fmt.Sprintf("Snapshot %s", time.Now().Format("Jan 2, 3:04 PM"))
	}

	snapshot, err := a.database.CreateSnapshot(roomID, req.Name, st.Code, st.Language, req.CreatedBy)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create snapshot")
		return
	}
	jsonResponse(w, http.StatusCreated, snapshot)
}

func (a *API) snapshotFromPath(w http.ResponseWriter, ps httprouter.Params) (*db.Snapshot, bool) {
	id, err := strconv.Atoi(ps.ByName("id"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid snapshot ID")
		return nil, false
	}
	snapshot, err := a.database.GetSnapshot(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get snapshot")
		return nil, false
	}
	if snapshot == nil {
		errorResponse(w, http.StatusNotFound, "Snapshot not found")
		return nil, false
	}
	return snapshot, true
}

func (a *API) GetSnapshotHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if snapshot, ok := a.snapshotFromPath(w, ps); ok {
		jsonResponse(w, http.StatusOK, snapshot)
	}
}

func (a *API) DeleteSnapshotHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := strconv.Atoi(ps.ByName("id"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid snapshot ID")
		return
	}

	deleted, err := a.database.DeleteSnapshot(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete snapshot")
		return
	}
	if !deleted {
		errorResponse(w, http.StatusNotFound, "Snapshot not found")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": "Snapshot deleted"})
}

// RestoreSnapshotHandler writes a snapshot's code and language back into its live room.
func (a *API) RestoreSnapshotHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	snapshot, ok := a.snapshotFromPath(w, ps)
	if !ok {
		return
	}
	a.applyState(w, r, snapshot.RoomID, collab.StateUpdate{Code: &snapshot.Code, Language: &snapshot.Language})
}

// queryInt reads a non-negative integer query parameter. max < 0 means unbounded.
func queryInt(r *http.Request, key string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 || (max >= 0 && v > max) || (v == 0 && def > 0) {
		return def
	}
	return v
}
