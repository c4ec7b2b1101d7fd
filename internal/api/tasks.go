package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"taskgate/internal/gate"
	"taskgate/internal/storage"
)

type taskRequest struct {
	Title *string `json:"title"`
	Done  *bool   `json:"done"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		gate.WriteError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := s.tasks.List(r.Context())
		if err != nil {
			s.dbError(w, "list tasks", err)
			return
		}
		gate.WriteJSON(w, http.StatusOK, list)
	case http.MethodPost:
		req, ok := decodeTask(w, r)
		if !ok {
			return
		}
		if req.Title == nil || strings.TrimSpace(*req.Title) == "" {
			gate.WriteError(w, http.StatusBadRequest, "title is required")
			return
		}
		task, err := s.tasks.Create(r.Context(), *req.Title)
		if err != nil {
			s.dbError(w, "create task", err)
			return
		}
		gate.WriteJSON(w, http.StatusCreated, task)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		gate.WriteError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), 10, 64)
	if err != nil || id <= 0 {
		gate.WriteError(w, http.StatusNotFound, storage.ErrNotFound.Error())
		return
	}
	switch r.Method {
	case http.MethodPut:
		req, ok := decodeTask(w, r)
		if !ok {
			return
		}
		task, err := s.tasks.Update(r.Context(), id, storage.TaskUpdate{Title: req.Title, Done: req.Done})
		if errors.Is(err, storage.ErrNotFound) {
			gate.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			s.dbError(w, "update task", err)
			return
		}
		gate.WriteJSON(w, http.StatusOK, task)
	case http.MethodDelete:
		err := s.tasks.Delete(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			gate.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			s.dbError(w, "delete task", err)
			return
		}
		gate.WriteJSON(w, http.StatusOK, map[string]int64{"id": id})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func decodeTask(w http.ResponseWriter, r *http.Request) (taskRequest, bool) {
	var req taskRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		gate.WriteError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return req, true
	}
	if err := json.Unmarshal(body, &req); err != nil {
		gate.WriteError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

func (s *Server) dbError(w http.ResponseWriter, op string, err error) {
	if s.logger != nil {
		s.logger.Error("database error", "op", op, "err", err)
	}
	gate.WriteError(w, http.StatusInternalServerError, "database error")
}
