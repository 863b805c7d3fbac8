package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tvasilis/pipeliner/internal/negotiation"
	"github.com/tvasilis/pipeliner/internal/orchestrator"
	"github.com/tvasilis/pipeliner/internal/store"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.scheduler.GetStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = strings.Split(raw, ",")
	} else {
		statuses = []string{
			store.TaskPending, store.TaskActive, store.TaskInProgress,
			store.TaskPaused, store.TaskEscalated, store.TaskCollaborative,
			store.TaskCompleted, store.TaskFailed,
		}
	}
	tasks, err := s.store.ListTasksByStatus(statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string            `json:"title"`
		Description string            `json:"description"`
		Priority    string            `json:"priority"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	task := &store.Task{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Metadata:    req.Metadata,
	}
	if err := s.store.CreateTask(task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	comms, err := s.store.ListCommunicationsForTask(task.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":           task,
		"communications": comms,
	})
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, s.scheduler.PauseTask(r.PathValue("id")))
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, s.scheduler.ResumeTask(r.PathValue("id")))
}

func (s *Server) handleReenterTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, s.machine.Reenter(r.PathValue("id")))
}

func (s *Server) taskAction(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListNegotiations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.List())
}

func (s *Server) handleGetNegotiation(w http.ResponseWriter, r *http.Request) {
	neg, err := s.coord.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, negotiation.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, neg)
}
