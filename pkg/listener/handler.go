package listener

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/terrapod/terrapod/internal/audit"
	"github.com/terrapod/terrapod/internal/httpserver"
	"github.com/terrapod/terrapod/pkg/queue"
)

// Handler serves the join protocol's HTTP surface: the bearer-token join
// exchange (unauthenticated but for the join token itself), certificate
// renewal, and heartbeat ingestion — both of the latter run behind
// ClientCertAuth.
type Handler struct {
	service    *Service
	heartbeats *queue.HeartbeatStore
	audit      *audit.Writer
}

func NewHandler(service *Service, heartbeats *queue.HeartbeatStore) *Handler {
	return &Handler{service: service, heartbeats: heartbeats}
}

// WithAudit attaches a transition-log writer; join and renewal are recorded
// through it once attached. Heartbeats are too frequent to be worth logging.
func (h *Handler) WithAudit(w *audit.Writer) *Handler {
	h.audit = w
	return h
}

// JoinRoutes is mounted without bearer auth: the join token in the request
// body is the credential.
func (h *Handler) JoinRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/agent-pools/{pool}/listeners/join", h.join)
	return r
}

// AuthenticatedRoutes must be mounted behind ClientCertAuth.
func (h *Handler) AuthenticatedRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/listeners/{id}/renew", h.renew)
	r.Post("/listeners/{id}/heartbeat", h.heartbeat)
	return r
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	poolID, err := uuid.Parse(chi.URLParam(r, "pool"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid pool id")
		return
	}

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}
	req.PoolID = poolID

	resp, err := h.service.Join(r.Context(), req)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, "listener.join", "listener", resp.ListenerID, nil)
	}

	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) renew(w http.ResponseWriter, r *http.Request) {
	rec, ok := FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthenticated", "missing listener identity")
		return
	}

	resp, err := h.service.Renew(r.Context(), rec.ID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, "listener.renew", "listener", rec.ID, nil)
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

type heartbeatRequest struct {
	Capacity          int             `json:"capacity"`
	ActiveRuns        int             `json:"active_runs"`
	RunnerDefinitions json.RawMessage `json:"runner_defs"`
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	rec, ok := FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthenticated", "missing listener identity")
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	err := h.heartbeats.Publish(r.Context(), rec.ID, queue.Heartbeat{
		Capacity:          req.Capacity,
		ActiveRuns:        req.ActiveRuns,
		RunnerDefinitions: req.RunnerDefinitions,
	})
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
