package agentpool

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/terrapod/terrapod/internal/principal"
)

func newTestRouter() chi.Router {
	h := NewHandler(nil)
	router := chi.NewRouter()
	router.Mount("/", h.Routes())
	return router
}

func withPrincipal(r *http.Request, perm principal.Permission) *http.Request {
	p := &principal.Principal{Email: "operator@example.com", Permission: perm}
	return r.WithContext(principal.WithContext(r.Context(), p))
}

func TestCreatePoolRequiresAdmin(t *testing.T) {
	router := newTestRouter()

	r := httptest.NewRequest(http.MethodPost, "/agent-pools", strings.NewReader(`{"name":"default"}`))
	r = withPrincipal(r, principal.PermissionWrite)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreatePoolRejectsUnauthenticated(t *testing.T) {
	router := newTestRouter()

	r := httptest.NewRequest(http.MethodPost, "/agent-pools", strings.NewReader(`{"name":"default"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreatePoolInvalidBody(t *testing.T) {
	router := newTestRouter()

	r := httptest.NewRequest(http.MethodPost, "/agent-pools", strings.NewReader("{bad"))
	r = withPrincipal(r, principal.PermissionAdmin)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPoolInvalidID(t *testing.T) {
	router := newTestRouter()

	r := httptest.NewRequest(http.MethodGet, "/agent-pools/not-a-uuid", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTokenRequiresAdmin(t *testing.T) {
	router := newTestRouter()

	r := httptest.NewRequest(http.MethodPost, "/agent-pools/00000000-0000-0000-0000-000000000001/tokens", strings.NewReader(`{}`))
	r = withPrincipal(r, principal.PermissionPlan)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateTokenInvalidPoolID(t *testing.T) {
	router := newTestRouter()

	r := httptest.NewRequest(http.MethodPost, "/agent-pools/not-a-uuid/tokens", strings.NewReader(`{}`))
	r = withPrincipal(r, principal.PermissionAdmin)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
}
