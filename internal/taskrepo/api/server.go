// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the HTTP JSON surface over the task repository.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskrepo/internal/taskrepo/core"
	"taskrepo/pkg/coalesce"
)

const (
	defaultTake = 100
	maxTake     = 1000
	maxBody     = 1 << 20
)

// Tasks is the repository surface the handlers use.
type Tasks interface {
	CreateItem(ctx context.Context, t core.Task) (core.Task, error)
	UpdateItem(ctx context.Context, t core.Task) (core.Task, error)
	CancelItem(ctx context.Context, id string) (core.Task, error)
	DeleteItem(ctx context.Context, id string) error
	TryGetItem(ctx context.Context, id string) (core.Task, bool, error)
	GetItems(ctx context.Context, opts ...coalesce.QueryOption) ([]core.Task, error)
	ListByState(ctx context.Context, state core.State, skip, take int) ([]core.Task, error)
	ListByTag(ctx context.Context, key, value string, state core.State, skip, take int) ([]core.Task, error)
	ListActive(ctx context.Context, skip, take int) ([]core.Task, error)
}

// Server handles the task HTTP requests.
type Server struct {
	tasks Tasks
	log   *zap.Logger
	// writeTimeout bounds how long a request waits for its batch to commit.
	writeTimeout time.Duration
}

func NewServer(tasks Tasks, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.L()
	}
	return &Server{tasks: tasks, log: logger.Named("api"), writeTimeout: 30 * time.Second}
}

// RegisterRoutes sets up the routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tasks", s.handleCreate)
	mux.HandleFunc("GET /v1/tasks", s.handleList)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGet)
	mux.HandleFunc("PUT /v1/tasks/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleDelete)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancel)
}

// NewHTTPServer returns an http.Server serving the routes on addr.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: s.writeTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

type createRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Tags        map[string]string `json:"tags"`
	Executors   []core.Executor   `json:"executors"`
}

type createResponse struct {
	ID string `json:"id"`
}

type listResponse struct {
	Tasks []core.Task `json:"tasks"`
	Skip  int         `json:"skip"`
	Take  int         `json:"take"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.writeTimeout)
	defer cancel()

	t, err := s.tasks.CreateItem(ctx, core.Task{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Tags:        req.Tags,
		Executors:   req.Executors,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createResponse{ID: t.ID})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, found, err := s.tasks.TryGetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeError(w, core.ErrNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var t core.Task
	if !s.decode(w, r, &t) {
		return
	}
	t.ID = r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), s.writeTimeout)
	defer cancel()

	saved, err := s.tasks.UpdateItem(ctx, t)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.writeTimeout)
	defer cancel()
	t, err := s.tasks.CancelItem(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.writeTimeout)
	defer cancel()
	if err := s.tasks.DeleteItem(ctx, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleList serves GET /v1/tasks?state=&tag=key:value&active=true&skip=&take=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, err := intParam(q.Get("skip"), 0)
	if err != nil || skip < 0 {
		s.badRequest(w, "skip must be a non-negative integer")
		return
	}
	take, err := intParam(q.Get("take"), defaultTake)
	if err != nil || take <= 0 {
		s.badRequest(w, "take must be a positive integer")
		return
	}
	if take > maxTake {
		take = maxTake
	}

	var state core.State
	if v := q.Get("state"); v != "" {
		if state, err = core.ParseState(v); err != nil {
			s.writeError(w, err)
			return
		}
	}

	var tasks []core.Task
	switch {
	case q.Get("tag") != "":
		key, value, ok := strings.Cut(q.Get("tag"), ":")
		if !ok || key == "" {
			s.badRequest(w, "tag must be key:value")
			return
		}
		tasks, err = s.tasks.ListByTag(r.Context(), key, value, state, skip, take)
	case state != "":
		tasks, err = s.tasks.ListByState(r.Context(), state, skip, take)
	case q.Get("active") == "true":
		tasks, err = s.tasks.ListActive(r.Context(), skip, take)
	default:
		tasks, err = s.tasks.GetItems(r.Context(), coalesce.OrderBy("created_at"), coalesce.Paginate(skip, take))
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []core.Task{}
	}
	s.writeJSON(w, http.StatusOK, listResponse{Tasks: tasks, Skip: skip, Take: take})
}

func intParam(v string, fallback int) (int, error) {
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps repository errors onto HTTP statuses.
func statusFor(err error) int {
	var bwe *coalesce.BatchWriteError
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, coalesce.ErrCollision), errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &bwe), errors.Is(err, coalesce.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusConflict:
		w.Header().Set("Retry-After", "1")
	case http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusGatewayTimeout:
		s.log.Warn("Request failed", zap.Int("status", status), zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Failed to write response", zap.Error(err))
	}
}
