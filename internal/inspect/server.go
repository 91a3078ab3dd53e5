// Package inspect serves a read-only HTTP view of a running client's shared
// state, for debugging a headless process.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/chat-sync/internal/client"
	"github.com/chat-sync/internal/config"
	"github.com/chat-sync/internal/middleware"
	"github.com/chat-sync/internal/models"
)

type Server struct {
	client *client.Client
	jwt    config.JWTConfig
	logger *zap.Logger
	srv    *http.Server
}

func New(c *client.Client, cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		client: c,
		jwt:    cfg.JWT,
		logger: logger,
	}
	s.srv = &http.Server{
		Addr:              cfg.Server.InspectAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(s.logger))
	router.Use(middleware.RecoveryMiddleware(s.logger))

	router.HandleFunc("/health", s.HealthCheck).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(&s.jwt))

	api.HandleFunc("/connection", s.GetConnection).Methods("GET")
	api.HandleFunc("/chats", s.GetChats).Methods("GET")
	api.HandleFunc("/chats/{kind}/{id}/messages", s.GetMessages).Methods("GET")
	api.HandleFunc("/chats/{kind}/{id}/typing", s.GetTyping).Methods("GET")
	api.HandleFunc("/chats/{kind}/{id}/pins", s.GetPins).Methods("GET")
	api.HandleFunc("/presence/{userId}", s.GetPresence).Methods("GET")
	api.HandleFunc("/calls", s.GetCalls).Methods("GET")

	return router
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("inspect API listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("inspect server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond(w, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type connectionView struct {
	Identity  string `json:"identity"`
	State     string `json:"state"`
	Retries   int    `json:"retries"`
	Connected bool   `json:"connected"`
}

func (s *Server) GetConnection(w http.ResponseWriter, r *http.Request) {
	view := connectionView{State: "disconnected"}
	if c := s.client.Connection(); c != nil {
		view.Identity = c.Identity()
		view.State = string(c.State())
		view.Retries = c.Retries()
		view.Connected = view.State == "connected"
	}
	respond(w, view)
}

func (s *Server) GetChats(w http.ResponseWriter, r *http.Request) {
	respond(w, s.client.Messages().ChatList())
}

func (s *Server) GetMessages(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	if _, found := s.client.Messages().Chat(key); !found {
		sendError(w, http.StatusNotFound, "chat not found")
		return
	}

	timeline := s.client.Messages().Timeline(key)

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}
	if limit > 0 && len(timeline) > limit {
		timeline = timeline[len(timeline)-limit:]
	}
	respond(w, timeline)
}

func (s *Server) GetTyping(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	typing := s.client.Presence().Typing(key)
	if typing == nil {
		typing = []models.TypingEntry{}
	}
	respond(w, typing)
}

func (s *Server) GetPins(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	pins := s.client.Messages().PinnedMessages(key)
	if pins == nil {
		pins = []models.PinnedMessage{}
	}
	respond(w, pins)
}

type presenceView struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
	Known  bool   `json:"known"`
}

func (s *Server) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	online, known := s.client.Presence().IsOnline(userID)
	respond(w, presenceView{UserID: userID, Online: online, Known: known})
}

func (s *Server) GetCalls(w http.ResponseWriter, r *http.Request) {
	respond(w, s.client.Calls().Calls())
}

func chatKey(w http.ResponseWriter, r *http.Request) (models.ChatKey, bool) {
	vars := mux.Vars(r)
	kind, ok := models.ParseChatKind(vars["kind"])
	if !ok {
		sendError(w, http.StatusBadRequest, "unknown chat kind")
		return models.ChatKey{}, false
	}
	return models.ChatKey{Kind: kind, ID: vars["id"]}, true
}

func respond(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.APIResponse{
		Status: "success",
		Data:   data,
	})
}

func sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: message,
	})
}
