// Copyright 2025 Kadir Pekel
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

// Package server exposes the retrieval pipeline over HTTP. POST /chat
// streams one SSE frame per pipeline checkpoint while the answer is
// assembled and stored.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/tome/pkg/crypto"
	"github.com/kadirpekel/tome/pkg/logger"
	"github.com/kadirpekel/tome/pkg/retrieval"
)

// Runner answers one chat request, emitting a checkpoint before each
// pipeline phase.
type Runner interface {
	Run(ctx context.Context, req retrieval.Request, emit func(retrieval.Checkpoint)) error
}

// Server is the retrieval worker's HTTP front.
type Server struct {
	addr       string
	runner     Runner
	httpServer *http.Server
}

// New wires a Server around a pipeline runner.
func New(addr string, runner Runner) *Server {
	s := &Server{addr: addr, runner: runner}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Post("/chat", s.handleChat)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logger.Get().Info("http server starting", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type chatRequest struct {
	NotebookID         string                `json:"notebook_id"`
	AssistantMessageID string                `json:"assistant_message_id"`
	UserMessageID      string                `json:"user_message_id"`
	Content            string                `json:"content"`
	EncryptionType     crypto.EncryptionType `json:"encryption_type"`
	EncryptionKey      string                `json:"encryption_key,omitempty"`
}

func (c chatRequest) validate() error {
	if c.NotebookID == "" {
		return fmt.Errorf("notebook_id is required")
	}
	if c.AssistantMessageID == "" {
		return fmt.Errorf("assistant_message_id is required")
	}
	if c.UserMessageID == "" {
		return fmt.Errorf("user_message_id is required")
	}
	if c.Content == "" {
		return fmt.Errorf("content is required")
	}
	return nil
}

// handleChat runs the pipeline for one question. The response is an SSE
// stream with one "data: <status>" frame per checkpoint. A client
// disconnect cancels the request context; the pipeline marks the
// assistant message failed on its way out.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	log := logger.Get()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.EncryptionType == "" {
		req.EncryptionType = crypto.NotEncrypted
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.runner.Run(r.Context(), retrieval.Request{
		NotebookID:         req.NotebookID,
		UserMessageID:      req.UserMessageID,
		AssistantMessageID: req.AssistantMessageID,
		Content:            req.Content,
		EncryptionType:     req.EncryptionType,
		EncryptionKey:      req.EncryptionKey,
	}, func(c retrieval.Checkpoint) {
		fmt.Fprintf(w, "data: %s\n\n", c)
		flusher.Flush()
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("client disconnected mid-stream",
				"notebook_id", req.NotebookID, "message_id", req.AssistantMessageID)
			return
		}
		log.Error("chat request failed",
			"notebook_id", req.NotebookID, "message_id", req.AssistantMessageID, "error", err)
		// Headers are already out; the closed stream is the signal.
		return
	}
}
