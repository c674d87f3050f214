package stateversion

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/terrapod/terrapod/internal/httpserver"
	"github.com/terrapod/terrapod/internal/principal"
	"github.com/terrapod/terrapod/pkg/artifactstore"
	"github.com/terrapod/terrapod/pkg/envelope"
)

type Handler struct {
	store     *Store
	objects   artifactstore.Store
	encryptor *envelope.Encryptor
}

func NewHandler(store *Store, objects artifactstore.Store, encryptor *envelope.Encryptor) *Handler {
	return &Handler{store: store, objects: objects, encryptor: encryptor}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/workspaces/{id}/state-versions", h.create)
	r.Get("/state-versions/{id}/download", h.download)
	return r
}

// UploadRoutes is mounted without bearer auth; the state version UUID is the
// write capability.
func (h *Handler) UploadRoutes() chi.Router {
	r := chi.NewRouter()
	r.Put("/state-versions/{id}/content", h.uploadContent)
	return r
}

type createRequest struct {
	Serial  int64  `json:"serial"`
	Lineage string `json:"lineage"`
	MD5     string `json:"md5"`
	Force   bool   `json:"force"`
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
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	sv, err := h.store.Create(r.Context(), StateVersion{
		WorkspaceRef: wsID,
		Serial:       req.Serial,
		Lineage:      req.Lineage,
		MD5:          req.MD5,
	}, req.Force)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	presigned, err := h.objects.PresignedPutURL(r.Context(), artifactstore.StateKey(wsID.String(), sv.ID.String()), "application/json", artifactstore.DefaultPresignTTL)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"state_version":             sv,
		"hosted_state_upload_url":   presigned.URL,
	})
}

func (h *Handler) uploadContent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid state version id")
		return
	}

	sv, err := h.store.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	plaintext, err := io.ReadAll(r.Body)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "reading request body")
		return
	}

	encrypted, err := h.encryptor.EncryptState(plaintext)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	key := artifactstore.StateKey(sv.WorkspaceRef.String(), sv.ID.String())
	if _, err := h.objects.Put(r.Context(), key, encrypted, "application/json", nil); err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	sum := md5.Sum(plaintext)
	if err := h.store.UpdateContentMeta(r.Context(), id, int64(len(plaintext)), hex.EncodeToString(sum[:])); err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"status": "stored"})
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	p := principal.FromContext(r.Context())
	if p == nil || !p.Permission.Meets(principal.PermissionPlan) {
		httpserver.RespondError(w, http.StatusForbidden, "permission_denied", "insufficient permission")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "invalid state version id")
		return
	}

	sv, err := h.store.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	key := artifactstore.StateKey(sv.WorkspaceRef.String(), sv.ID.String())
	blob, err := h.objects.Get(r.Context(), key)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	plaintext, err := h.encryptor.DecryptState(blob)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(plaintext)
}
