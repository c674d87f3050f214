package run

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/terrapod/terrapod/internal/audit"
	"github.com/terrapod/terrapod/internal/httpserver"
	"github.com/terrapod/terrapod/internal/principal"
)

// Handler exposes the run lifecycle endpoints from §6.
type Handler struct {
	service   *Service
	publicURL func(id uuid.UUID, phase Phase) string
	audit     *audit.Writer
}

func NewHandler(service *Service, publicLogURL func(id uuid.UUID, phase Phase) string) *Handler {
	return &Handler{service: service, publicURL: publicLogURL}
}

// WithAudit attaches a transition-log writer; every run creation and
// confirm/discard/cancel action is recorded through it once attached.
func (h *Handler) WithAudit(w *audit.Writer) *Handler {
	h.audit = w
	return h
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/runs", h.create)
	r.Get("/runs/{id}", h.get)
	r.Get("/workspaces/{id}/runs", h.listByWorkspace)
	r.Post("/runs/{id}/actions/confirm", h.confirm)
	r.Post("/runs/{id}/actions/discard", h.discard)
	r.Post("/runs/{id}/actions/cancel", h.cancel)
	r.Get("/runs/{id}/plan", h.planView)
	r.Get("/runs/{id}/apply", h.applyView)
	return r
}

type createRequest struct {
	Workspace        uuid.UUID  `json:"workspace" validate:"required"`
	CV               *uuid.UUID `json:"cv"`
	Message          string     `json:"message"`
	IsDestroy        bool       `json:"is_destroy"`
	AutoApply        bool       `json:"auto_apply"`
	PlanOnly         bool       `json:"plan_only"`
	TerraformVersion string     `json:"terraform_version"`
	Source           string     `json:"source"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	p := principal.FromContext(r.Context())
	minPerm := principal.PermissionWrite
	if req.PlanOnly {
		minPerm = principal.PermissionPlan
	}
	if p == nil || !p.Permission.Meets(minPerm) {
		httpserver.RespondError(w, http.StatusForbidden, "permission_denied", "insufficient permission to create run")
		return
	}

	created, err := h.service.Create(r.Context(), CreateParams{
		WorkspaceRef:     req.Workspace,
		CVRef:            req.CV,
		Message:          req.Message,
		IsDestroy:        req.IsDestroy,
		AutoApply:        req.AutoApply,
		PlanOnly:         req.PlanOnly,
		TerraformVersion: req.TerraformVersion,
		Source:           req.Source,
		CreatedBy:        p.Email,
	})
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, "run.create", "run", created.ID, nil)
	}
	httpserver.Respond(w, http.StatusCreated, created)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid run id")
		return
	}
	rn, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, rn)
}

func (h *Handler) listByWorkspace(w http.ResponseWriter, r *http.Request) {
	wsID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid workspace id")
		return
	}

	number, _ := strconv.Atoi(r.URL.Query().Get("page[number]"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page[size]"))
	if number < 1 {
		number = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}

	runs, err := h.service.ListByWorkspace(r.Context(), wsID, size, (number-1)*size)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, runs)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, principal.PermissionWrite, "run.confirm", h.service.Confirm)
}

func (h *Handler) discard(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, principal.PermissionPlan, "run.discard", h.service.Discard)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, principal.PermissionPlan, "run.cancel", h.service.Cancel)
}

func (h *Handler) runAction(w http.ResponseWriter, r *http.Request, minPerm principal.Permission, action string, do func(ctx context.Context, id uuid.UUID) (Run, error)) {
	p := principal.FromContext(r.Context())
	if p == nil || !p.Permission.Meets(minPerm) {
		httpserver.RespondError(w, http.StatusForbidden, "permission_denied", "insufficient permission for this action")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid run id")
		return
	}

	rn, err := do(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, action, "run", rn.ID, nil)
	}
	httpserver.Respond(w, http.StatusOK, rn)
}

func (h *Handler) planView(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid run id")
		return
	}
	rn, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"status":       rn.PlanPhaseView(),
		"log_read_url": h.publicURL(rn.ID, PhasePlan),
	})
}

func (h *Handler) applyView(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid run id")
		return
	}
	rn, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"status":       rn.ApplyPhaseView(),
		"log_read_url": h.publicURL(rn.ID, PhaseApply),
	})
}
