// Package admin exposes the loopback observer surface of the agent: queue
// inspection, delete-confirmation callbacks, health and metrics. It is not
// the upload wire protocol and carries no request signing; bind it to
// loopback only.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/uplink/internal/agent/queue"
	"github.com/dmitrijs2005/uplink/internal/common"
	"github.com/dmitrijs2005/uplink/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const listLimit = 200

// Confirmer resolves a pending delete confirmation by its token.
type Confirmer interface {
	Confirm(ctx context.Context, token string) error
	Decline(ctx context.Context, token string) error
}

// Requeuer retries a FAILED item on an operator's request.
type Requeuer interface {
	Requeue(ctx context.Context, id string) error
}

type Server struct {
	repo      queue.Repository
	confirmer Confirmer
	requeuer  Requeuer
	log       logging.Logger
	srv       *http.Server
}

func NewServer(addr string, repo queue.Repository, confirmer Confirmer, requeuer Requeuer, log logging.Logger) *Server {
	s := &Server{repo: repo, confirmer: confirmer, requeuer: requeuer, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/queue", s.handleQueue)
	r.Post("/confirmations/{token}", s.handleConfirmation)
	r.Post("/items/{id}/requeue", s.handleRequeue)
	r.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info(context.Background(), "admin server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type queueItemView struct {
	ID               string `json:"id"`
	DisplayName      string `json:"display_name"`
	SizeBytes        int64  `json:"size_bytes"`
	State            string `json:"state"`
	LastErrorKind    string `json:"last_error_kind,omitempty"`
	LastErrorCode    int    `json:"last_error_http_code,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
	ServerUploadID   string `json:"server_upload_id,omitempty"`
	PendingDelete    string `json:"pending_delete"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.repo.List(r.Context(), listLimit)
	if err != nil {
		s.log.Error(r.Context(), "failed to list queue", "error", err)
		http.Error(w, "failed to list queue", http.StatusInternalServerError)
		return
	}

	views := make([]queueItemView, 0, len(items))
	for _, it := range items {
		views = append(views, queueItemView{
			ID:               it.ID,
			DisplayName:      it.DisplayName,
			SizeBytes:        it.SizeBytes,
			State:            string(it.State),
			LastErrorKind:    string(it.LastErrorKind),
			LastErrorCode:    it.LastErrorHTTPCode,
			LastErrorMessage: it.LastErrorMessage,
			ServerUploadID:   it.ServerUploadID,
			PendingDelete:    string(it.PendingDelete),
			CreatedAt:        it.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:        it.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": views})
}

type confirmationRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req confirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	var err error
	if req.Approved {
		err = s.confirmer.Confirm(r.Context(), token)
	} else {
		err = s.confirmer.Decline(r.Context(), token)
	}
	switch {
	case errors.Is(err, common.ErrNotFound):
		http.Error(w, "unknown confirmation token", http.StatusNotFound)
	case err != nil:
		s.log.Error(r.Context(), "confirmation failed", "token", token, "error", err)
		http.Error(w, "confirmation failed", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.requeuer.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, common.ErrNotFound):
		http.Error(w, "unknown item", http.StatusNotFound)
	case errors.Is(err, common.ErrStateConflict):
		http.Error(w, "item is not in a retryable state", http.StatusConflict)
	case err != nil:
		s.log.Error(r.Context(), "requeue failed", "item_id", id, "error", err)
		http.Error(w, "requeue failed", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
