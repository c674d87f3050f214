package listenercontroller

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/terrapod/terrapod/internal/httpserver"
	"github.com/terrapod/terrapod/pkg/queue"
	"github.com/terrapod/terrapod/pkg/run"
)

// Handler serves the remote-listener-facing endpoints: presigned URL
// brokering, a poll-based work claim, and status reporting. All of it must
// be mounted behind listener.ClientCertAuth.
type Handler struct {
	runs    *run.Store
	engine  *run.Engine
	broker  *URLBroker
	claimer *queue.Claimer
}

func NewHandler(runs *run.Store, engine *run.Engine, broker *URLBroker, claimer *queue.Claimer) *Handler {
	return &Handler{runs: runs, engine: engine, broker: broker, claimer: claimer}
}

// Routes must be mounted behind listener.ClientCertAuth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/listeners/{id}/runs/{run}/plan-urls", h.planURLs)
	r.Get("/listeners/{id}/runs/{run}/apply-urls", h.applyURLs)
	r.Get("/listeners/{id}/runs/next", h.next)
	r.Get("/listeners/{id}/runs/active", h.active)
	r.Get("/listeners/{id}/runs/{run}", h.get)
	r.Patch("/listeners/{id}/runs/{run}", h.patch)
	return r
}

// active lets a remote listener recover which runs it owned across a
// restart, the remote-mode counterpart of run.Store.ListActiveForListener.
func (h *Handler) active(w http.ResponseWriter, r *http.Request) {
	listenerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid listener id")
		return
	}

	owned, err := h.runs.ListActiveForListener(r.Context(), listenerID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, owned)
}

// get lets a remote listener poll one run's current status, used while
// waiting for plan confirmation.
func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "run"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid run id")
		return
	}

	rn, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, rn)
}

// next lets a remote listener poll for one queued run claim, the HTTP
// equivalent of the in-process poll_loop claim attempt.
func (h *Handler) next(w http.ResponseWriter, r *http.Request) {
	listenerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid listener id")
		return
	}
	poolID, err := uuid.Parse(r.URL.Query().Get("pool_ref"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid pool_ref query parameter")
		return
	}

	claimed, ok, err := h.claimer.Claim(r.Context(), r.URL.Query().Get("pool"), poolID, listenerID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	httpserver.Respond(w, http.StatusOK, claimed)
}

type patchRequest struct {
	Status  run.Status `json:"status"`
	Message string     `json:"message"`
}

// patch lets a remote listener report a phase transition it observed.
func (h *Handler) patch(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "run"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid run id")
		return
	}

	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	updated, err := h.engine.Transition(r.Context(), runID, req.Status, req.Message)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, updated)
}

func (h *Handler) planURLs(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, run.PhasePlan)
}

func (h *Handler) applyURLs(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, run.PhaseApply)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, phase run.Phase) {
	runID, err := uuid.Parse(chi.URLParam(r, "run"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid run id")
		return
	}

	rn, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	urls, err := h.broker.FetchPresignedURLs(r.Context(), rn, phase)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, urls)
}
