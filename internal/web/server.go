package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tvasilis/pipeliner/internal/config"
	"github.com/tvasilis/pipeliner/internal/natsbus"
	"github.com/tvasilis/pipeliner/internal/negotiation"
	"github.com/tvasilis/pipeliner/internal/orchestrator"
	"github.com/tvasilis/pipeliner/internal/store"
)

// Server exposes the operator HTTP API and the websocket event stream.
type Server struct {
	cfg       config.WebConfig
	store     *store.Store
	client    *natsbus.Client
	scheduler *orchestrator.Scheduler
	machine   *orchestrator.StageMachine
	coord     *negotiation.Coordinator
	hub       *Hub
	srv       *http.Server
}

func NewServer(cfg config.WebConfig, st *store.Store, client *natsbus.Client, sched *orchestrator.Scheduler, machine *orchestrator.StageMachine, coord *negotiation.Coordinator) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		client:    client,
		scheduler: sched,
		machine:   machine,
		coord:     coord,
		hub:       NewHub(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	if s.client != nil {
		// Mirror every bus event onto the websocket stream.
		_, err := s.client.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
			var event struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				return
			}
			s.hub.Broadcast(Event{Type: event.Type, Payload: event.Payload})
		})
		if err != nil {
			return fmt.Errorf("subscribe events: %w", err)
		}
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("web server listening", "port", s.cfg.Port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("web server failed", "error", err)
		}
	}()

	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /api/agents", s.auth(s.handleListAgents))
	mux.HandleFunc("GET /api/tasks", s.auth(s.handleListTasks))
	mux.HandleFunc("POST /api/tasks", s.auth(s.handleCreateTask))
	mux.HandleFunc("GET /api/tasks/{id}", s.auth(s.handleGetTask))
	mux.HandleFunc("POST /api/tasks/{id}/pause", s.auth(s.handlePauseTask))
	mux.HandleFunc("POST /api/tasks/{id}/resume", s.auth(s.handleResumeTask))
	mux.HandleFunc("POST /api/tasks/{id}/reenter", s.auth(s.handleReenterTask))
	mux.HandleFunc("GET /api/negotiations", s.auth(s.handleListNegotiations))
	mux.HandleFunc("GET /api/negotiations/{id}", s.auth(s.handleGetNegotiation))
	mux.HandleFunc("GET /ws", s.auth(s.handleWebSocket))
	return mux
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth != "" {
			token := r.Header.Get("Authorization")
			if token != "Bearer "+s.cfg.Auth {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
