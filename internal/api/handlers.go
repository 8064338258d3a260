package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/manpreetbhatti/codeshare/backend/internal/auth"
	"github.com/manpreetbhatti/codeshare/backend/internal/db"
	"github.com/manpreetbhatti/codeshare/backend/internal/room"
	"github.com/manpreetbhatti/codeshare/backend/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestTimeout = 5 * time.Second

type API struct {
	hub      *ws.Hub
	store    db.Store
	verifier auth.Verifier
}

// New builds the HTTP API. store may be nil.
func New(hub *ws.Hub, store db.Store, verifier auth.Verifier) *API {
	if verifier == nil {
		verifier = auth.Anonymous{}
	}
	return &API{
		hub:      hub,
		store:    store,
		verifier: verifier,
	}
}

// Routes registers every endpoint on mux, including the websocket upgrade.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.hub, w, r)
	})
	mux.HandleFunc("/health", a.HealthHandler)
	mux.HandleFunc("/api/stats", a.StatsHandler)
	mux.HandleFunc("/api/rooms/check", a.CheckRoomHandler)
	mux.HandleFunc("/api/rooms/past", a.PastRoomsHandler)
	mux.HandleFunc("/api/verify", a.VerifyHandler)
	mux.Handle("/metrics", promhttp.Handler())
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn("encode response failed", "err", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if a.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			log.Warn("store ping failed", "err", err)
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	jsonResponse(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var rooms, clients, members, documents int
	err := a.hub.Do(ctx, func() {
		rooms = a.hub.RoomCount()
		clients = a.hub.ClientCount()
		members = a.hub.Registry().MemberCount()
		documents = a.hub.Registry().DocumentCount()
	})
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, "Hub unavailable")
		return
	}

	stats := map[string]any{
		"active_rooms":   rooms,
		"active_clients": clients,
		"active_members": members,
		"documents":      documents,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.store != nil {
		dbStats, err := a.store.Stats(ctx)
		if err == nil {
			stats["total_rooms"] = dbStats.Rooms
			stats["total_active_rooms"] = dbStats.ActiveRooms
			stats["total_accounts"] = dbStats.Accounts
		} else {
			log.Warn("store stats failed", "err", err)
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

type CheckRoomRequest struct {
	RoomID string `json:"roomId"`
}

type CheckRoomResponse struct {
	Exists bool                        `json:"exists"`
	Users  map[string]room.MemberState `json:"users"`
}

// CheckRoomHandler reports whether a room is live and who is in it.
func (a *API) CheckRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req CheckRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RoomID == "" {
		errorResponse(w, http.StatusBadRequest, "roomId is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp := CheckRoomResponse{Users: map[string]room.MemberState{}}
	err := a.hub.Do(ctx, func() {
		if rm, ok := a.hub.Registry().Get(req.RoomID); ok && !rm.Locked {
			resp.Exists = true
			resp.Users = rm.Snapshot()
		}
	})
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, "Hub unavailable")
		return
	}

	jsonResponse(w, http.StatusOK, resp)
}

type TokenRequest struct {
	Token string `json:"token"`
}

// PastRoomsHandler lists the metadata of every room the caller has joined.
func (a *API) PastRoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	claims, err := a.verifier.Verify(ctx, req.Token)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorised request please re-Login")
		return
	}

	if a.store == nil {
		jsonResponse(w, http.StatusOK, map[string]any{"rooms": []db.RoomRecord{}})
		return
	}

	acc, err := a.store.LookupAccount(ctx, claims.Username)
	if err != nil {
		log.Error("lookup account failed", "user", claims.Username, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Error fetching rooms")
		return
	}
	if !acc.Exists {
		errorResponse(w, http.StatusNotFound, "User not found")
		return
	}

	rooms, err := a.store.FindRooms(ctx, acc.JoinedRooms)
	if err != nil {
		log.Error("find rooms failed", "user", claims.Username, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Error fetching rooms")
		return
	}
	if rooms == nil {
		rooms = []db.RoomRecord{}
	}

	jsonResponse(w, http.StatusOK, map[string]any{"rooms": rooms})
}

// VerifyHandler reports whether a token is currently valid.
func (a *API) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonResponse(w, http.StatusBadRequest, map[string]bool{"success": false})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	_, err := a.verifier.Verify(ctx, req.Token)
	if err != nil && !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrExpiredToken) {
		log.Warn("token verification failed", "err", err)
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"success": err == nil})
}

// CORS allows the browser client to call the API from another origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
