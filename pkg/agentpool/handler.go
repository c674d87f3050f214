package agentpool

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/terrapod/terrapod/internal/audit"
	"github.com/terrapod/terrapod/internal/httpserver"
	"github.com/terrapod/terrapod/internal/principal"
)

// Handler exposes pool and join-token administration. Every route requires
// PermissionAdmin — this is operator surface, not something a workspace
// member touches.
type Handler struct {
	store *Store
	audit *audit.Writer
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// WithAudit attaches a transition-log writer; pool creation and token
// minting are recorded through it once attached.
func (h *Handler) WithAudit(w *audit.Writer) *Handler {
	h.audit = w
	return h
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/agent-pools", h.createPool)
	r.Get("/agent-pools/{id}", h.getPool)
	r.Post("/agent-pools/{id}/tokens", h.createToken)
	return r
}

type createPoolRequest struct {
	Name               string `json:"name" validate:"required"`
	Description        string `json:"description"`
	ServiceAccountName string `json:"service_account_name"`
	Org                string `json:"org"`
}

func (h *Handler) createPool(w http.ResponseWriter, r *http.Request) {
	p := principal.FromContext(r.Context())
	if p == nil || !p.Permission.Meets(principal.PermissionAdmin) {
		httpserver.RespondError(w, http.StatusForbidden, "permission_denied", "insufficient permission to manage agent pools")
		return
	}

	var req createPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	created, err := h.store.CreatePool(r.Context(), Pool{
		Name:               req.Name,
		Description:        req.Description,
		ServiceAccountName: req.ServiceAccountName,
		Org:                req.Org,
	})
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, "agentpool.create", "agent_pool", created.ID, nil)
	}
	httpserver.Respond(w, http.StatusCreated, created)
}

func (h *Handler) getPool(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid pool id")
		return
	}

	p := principal.FromContext(r.Context())
	if p == nil || !p.Permission.Meets(principal.PermissionAdmin) {
		httpserver.RespondError(w, http.StatusForbidden, "permission_denied", "insufficient permission to manage agent pools")
		return
	}

	pool, err := h.store.GetPool(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, pool)
}

type createTokenRequest struct {
	Description string     `json:"description"`
	ExpiresAt   *time.Time `json:"expires_at"`
	MaxUses     *int       `json:"max_uses"`
}

type createTokenResponse struct {
	Token
	RawToken string `json:"token"`
}

func (h *Handler) createToken(w http.ResponseWriter, r *http.Request) {
	p := principal.FromContext(r.Context())
	if p == nil || !p.Permission.Meets(principal.PermissionAdmin) {
		httpserver.RespondError(w, http.StatusForbidden, "permission_denied", "insufficient permission to mint join tokens")
		return
	}

	poolID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid pool id")
		return
	}

	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	raw, hash, err := GenerateToken()
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	created, err := h.store.CreateToken(r.Context(), Token{
		PoolRef:     poolID,
		TokenHash:   hash,
		Description: req.Description,
		ExpiresAt:   req.ExpiresAt,
		MaxUses:     req.MaxUses,
		CreatedBy:   p.Email,
	})
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, "agentpool.token.create", "agent_pool_token", created.ID, nil)
	}

	httpserver.Respond(w, http.StatusCreated, createTokenResponse{Token: created, RawToken: raw})
}
