package internal

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

const (
	internalKeyHeader = "X-Internal-Key"
	maxEmitBodyBytes  = 1 << 20
)

type emitRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type emitResponse struct {
	Delivered int `json:"delivered"`
}

// Handler mounts the websocket endpoint and the HTTP API on a chi router.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(
		withCORS(s.opts.AllowedOrigins),
		withLogger(s.logger),
		middleware.Recoverer,
	)
	router.Get(s.opts.WSPath, s.ServeWS)
	router.Get("/healthz", s.HandleHealth)
	router.Method(http.MethodGet, "/metrics", s.metrics)
	router.Get("/presence", s.HandleOnlineCount)
	router.Get("/presence/{userID}", s.HandlePresence)
	router.Get("/rooms/exists", s.HandleRoomExists)
	router.Group(func(guarded chi.Router) {
		guarded.Use(s.requireInternalKey)
		guarded.Post("/emit/users/{userID}", s.HandleEmitToUser)
		guarded.Post("/emit/rooms/{kind}/{id}", s.HandleEmitToRoom)
		guarded.Post("/notifications/{userID}", s.HandleNotification)
	})
	return router
}

func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) HandleOnlineCount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"online": s.OnlineCount()})
}

func (s *Server) HandlePresence(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user id required"))
		return
	}
	writeJSON(w, http.StatusOK, s.Presence(userID))
}

func (s *Server) HandleRoomExists(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	if s.hub.RoomExists(room) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func (s *Server) HandleEmitToUser(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := decodeEmit(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	delivered := s.EmitToUser(userID, req.Event, req.Payload)
	writeJSON(w, http.StatusAccepted, emitResponse{Delivered: delivered})
}

func (s *Server) HandleEmitToRoom(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := decodeEmit(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind, err := ParseRoomKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	delivered, err := s.EmitToRoom(kind, chi.URLParam(r, "id"), req.Event, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, emitResponse{Delivered: delivered})
}

func (s *Server) HandleNotification(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEmitBodyBytes)
	var notification json.RawMessage
	if err := decodeJSON(r, &notification); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	delivered := s.EmitNotification(userID, notification)
	writeJSON(w, http.StatusAccepted, emitResponse{Delivered: delivered})
}

// requireInternalKey guards the emit API; it is open when no key is configured.
func (s *Server) requireInternalKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.InternalKey != "" {
			provided := r.Header.Get(internalKeyHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(s.opts.InternalKey)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("invalid internal key"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func decodeEmit(w http.ResponseWriter, r *http.Request, req *emitRequest) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxEmitBodyBytes)
	if err := decodeJSON(r, req); err != nil {
		return err
	}
	req.Event = strings.TrimSpace(req.Event)
	if req.Event == "" {
		return errors.New("event is required")
	}
	return nil
}

func withCORS(origins []string) func(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", internalKeyHeader},
		AllowCredentials: true,
	})
}

func withLogger(logger zerolog.Logger) func(handler http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := logger.WithContext(req.Context())
			handler.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
