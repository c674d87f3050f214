package configversion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/terrapod/terrapod/internal/apierr"
	"github.com/terrapod/terrapod/internal/httpserver"
	"github.com/terrapod/terrapod/internal/principal"
	"github.com/terrapod/terrapod/pkg/artifactstore"
)

// RunQueuer is the narrow slice of the run service the upload handler needs:
// queue every run still pending on this CV once it's uploaded.
type RunQueuer interface {
	QueuePendingForCV(ctx context.Context, cvID uuid.UUID) error
}

type Handler struct {
	store   *Store
	runs    RunQueuer
	objects artifactstore.Store
}

func NewHandler(store *Store, runs RunQueuer, objects artifactstore.Store) *Handler {
	return &Handler{store: store, runs: runs, objects: objects}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/workspaces/{id}/configuration-versions", h.create)
	r.Get("/configuration-versions/{id}", h.get)
	return r
}

// UploadRoutes is mounted without bearer auth; the CV UUID in the path is
// itself the write capability.
func (h *Handler) UploadRoutes() chi.Router {
	r := chi.NewRouter()
	r.Put("/configuration-versions/{id}/upload", h.upload)
	return r
}

type createRequest struct {
	Source        string `json:"source"`
	AutoQueueRuns bool   `json:"auto_queue_runs"`
	Speculative   bool   `json:"speculative"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	p := principal.FromContext(r.Context())
	if p == nil || !p.Permission.Meets(principal.PermissionWrite) {
		httpserver.RespondError(w, http.StatusForbidden, "permission_denied", "insufficient permission")
		return
	}

	wsID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid workspace id")
		return
	}

	var req createRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	cv, err := h.store.Create(r.Context(), ConfigurationVersion{
		WorkspaceRef:  wsID,
		Source:        req.Source,
		AutoQueueRuns: req.AutoQueueRuns,
		Speculative:   req.Speculative,
	})
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	presigned, err := h.objects.PresignedPutURL(r.Context(), artifactstore.ConfigKey(wsID.String(), cv.ID.String()), "application/gzip", artifactstore.DefaultPresignTTL)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"configuration_version": cv,
		"upload_url":            presigned.URL,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid configuration version id")
		return
	}
	cv, err := h.store.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, cv)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid configuration version id")
		return
	}

	cv, err := h.store.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	if cv.Status == StatusUploaded {
		httpserver.RespondErr(w, apierr.New(apierr.KindConflict, "configuration version already uploaded"))
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "reading request body")
		return
	}

	key := artifactstore.ConfigKey(cv.WorkspaceRef.String(), cv.ID.String())
	if _, err := h.objects.Put(r.Context(), key, data, "application/gzip", nil); err != nil {
		_ = h.store.MarkErrored(r.Context(), id, err.Error())
		httpserver.RespondErr(w, err)
		return
	}

	if err := h.store.MarkUploaded(r.Context(), id); err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	if err := h.runs.QueuePendingForCV(r.Context(), id); err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"status": "uploaded"})
}
