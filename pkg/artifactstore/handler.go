package artifactstore

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/terrapod/terrapod/internal/apierr"
	"github.com/terrapod/terrapod/internal/httpserver"
)

// Handler serves the filesystem backend's presigned capability URLs. It is
// only mounted when the configured backend is "filesystem" — cloud backends
// serve their presigned URLs directly against the provider.
type Handler struct {
	fs *filesystemStore
}

// NewHandler returns a Handler, or nil if store is not a filesystem backend
// (cloud backends need no local serving route).
func NewHandler(store Store) *Handler {
	fs, ok := store.(*filesystemStore)
	if !ok {
		return nil
	}
	return &Handler{fs: fs}
}

// Routes mounts the capability-verified GET/PUT artifact endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/*", h.handleGet)
	r.Put("/*", h.handlePut)
	return r
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if err := h.verify(r, "get", key); err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	data, err := h.fs.Get(r.Context(), key)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	meta, _ := h.fs.Head(r.Context(), key)
	if meta.ContentType != "" {
		w.Header().Set("Content-Type", meta.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if err := h.verify(r, "put", key); err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "reading request body")
		return
	}

	contentType := r.Header.Get("Content-Type")
	meta, err := h.fs.Put(r.Context(), key, data, contentType, nil)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, meta)
}

func (h *Handler) verify(r *http.Request, op, key string) error {
	expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
	if err != nil {
		return apierr.New(apierr.KindUnauthenticated, "missing or invalid expires parameter")
	}
	sig := r.URL.Query().Get("sig")
	return h.fs.VerifySignature(op, key, expires, sig)
}
