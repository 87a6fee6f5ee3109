package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/grantflow/download_manager/internal/download"
	"github.com/grantflow/download_manager/internal/logctx"
	"github.com/grantflow/download_manager/internal/queue"
)

// QueueService is the queue surface the REST layer needs. The concrete
// *queue.Queue satisfies it.
type QueueService interface {
	Enqueue(ctx context.Context, spec queue.Spec) error
	Pause(ctx context.Context, id string)
	Resume(ctx context.Context, id string)
	Cancel(ctx context.Context, id string)
	ClearCompleted(ctx context.Context)
	ClearAll(ctx context.Context)
	Records() []*download.Record
	Get(id string) *download.Record
}

// EnqueueRequest is the JSON body of POST /downloads.
type EnqueueRequest struct {
	ID         string            `json:"id"`
	Filename   string            `json:"filename"`
	Path       string            `json:"path"`
	Params     map[string]string `json:"params,omitempty"`
	OpenInline bool              `json:"open_inline"`
}

// DownloadsHandler exposes the queue to UI collaborators.
type DownloadsHandler struct {
	username string
	password string
	queue    QueueService
}

// NewDownloadsHandler creates a new downloads handler.
func NewDownloadsHandler(username, password string, q QueueService) *DownloadsHandler {
	return &DownloadsHandler{
		username: username,
		password: password,
		queue:    q,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Get("/downloads", h.handleList)
	r.Post("/downloads", h.handleEnqueue)
	r.Post("/downloads/clear-completed", h.handleClearCompleted)
	r.Post("/downloads/clear-all", h.handleClearAll)
	r.Get("/downloads/{id}", h.handleGet)
	r.Delete("/downloads/{id}", h.handleCancel)
	r.Post("/downloads/{id}/pause", h.handlePause)
	r.Post("/downloads/{id}/resume", h.handleResume)

	return r
}

func (h *DownloadsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.queue.Records())
}

func (h *DownloadsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec := h.queue.Get(chi.URLParam(r, "id"))
	if rec == nil {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	writeJSON(w, r, http.StatusOK, rec)
}

func (h *DownloadsHandler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode enqueue request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.ID == "" || req.Filename == "" || req.Path == "" {
		http.Error(w, "id, filename and path are required", http.StatusBadRequest)

		return
	}

	params := url.Values{}
	for k, v := range req.Params {
		params.Set(k, v)
	}

	err := h.queue.Enqueue(r.Context(), queue.Spec{
		ID:         req.ID,
		Filename:   req.Filename,
		Path:       req.Path,
		Params:     params,
		OpenInline: req.OpenInline,
	})
	if err != nil {
		var dupErr *download.DuplicateIDError
		if errors.As(err, &dupErr) {
			http.Error(w, err.Error(), http.StatusConflict)

			return
		}

		logger.Error("failed to enqueue download", "download_id", req.ID, "err", err)
		http.Error(w, "failed to enqueue download", http.StatusInternalServerError)

		return
	}

	rec := h.queue.Get(req.ID)
	if rec == nil {
		// A concurrent cancel can remove the record between the enqueue and
		// this read; the enqueue itself still happened.
		w.WriteHeader(http.StatusAccepted)

		return
	}

	writeJSON(w, r, http.StatusAccepted, rec)
}

// Pause, resume and cancel are silent no-ops for unknown ids: the record may
// already be gone and callers have nothing useful to do about it.
func (h *DownloadsHandler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause(r.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.queue.Resume(r.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	h.queue.ClearCompleted(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) handleClearAll(w http.ResponseWriter, r *http.Request) {
	h.queue.ClearAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" && h.password == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
