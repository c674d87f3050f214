// Package logstream serves plan and apply logs with STX/ETX framing so
// clients can resume a stream across reconnects while a phase is still
// in-flight, per §4.8.
package logstream

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/terrapod/terrapod/internal/apierr"
	"github.com/terrapod/terrapod/internal/httpserver"
	"github.com/terrapod/terrapod/pkg/artifactstore"
	"github.com/terrapod/terrapod/pkg/run"
)

const (
	stx = 0x02
	etx = 0x03
)

// Handler serves GET /{plans|applies}/{id}/log?offset&limit. No bearer auth:
// the run UUID in the path is the capability, matching the presigned-URL
// pattern used elsewhere in the core.
type Handler struct {
	runs    *run.Store
	objects artifactstore.Store
}

func NewHandler(runs *run.Store, objects artifactstore.Store) *Handler {
	return &Handler{runs: runs, objects: objects}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/plans/{id}/log", h.servePlanLog)
	r.Get("/applies/{id}/log", h.serveApplyLog)
	return r
}

func (h *Handler) servePlanLog(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, artifactstore.PlanLogKey, func(rn run.Run) bool { return rn.PlanLogTerminal() })
}

func (h *Handler) serveApplyLog(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, artifactstore.ApplyLogKey, func(rn run.Run) bool { return rn.ApplyLogTerminal() })
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, key func(workspace, run string) string, terminal func(run.Run) bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid run id")
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 64 * 1024
	}

	rn, err := h.runs.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	logKey := key(rn.WorkspaceRef.String(), rn.ID.String())
	payload, err := h.objects.Get(r.Context(), logKey)
	missing := false
	if err != nil {
		if ae, ok := apierr.As(err); ok && ae.Kind == apierr.KindNotFound {
			missing = true
		} else {
			httpserver.RespondErr(w, err)
			return
		}
	}

	isTerminal := terminal(rn)

	w.Header().Set("Content-Type", "text/plain")

	if missing {
		if isTerminal {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte{stx, etx})
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	end := offset + limit
	if end > len(payload) {
		end = len(payload)
	}
	if offset > len(payload) {
		offset = len(payload)
	}
	chunk := payload[offset:end]

	var body []byte
	if offset == 0 {
		body = append(body, stx)
	}
	body = append(body, chunk...)
	if isTerminal && offset+limit >= len(payload) {
		body = append(body, etx)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
