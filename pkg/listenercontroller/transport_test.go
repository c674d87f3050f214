package listenercontroller

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/terrapod/terrapod/pkg/run"
)

func TestRemoteTransportClaim(t *testing.T) {
	listenerID := uuid.New()
	runID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/listeners/"+listenerID.String()+"/runs/next", r.URL.Path)
		require.Equal(t, "default", r.URL.Query().Get("pool"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(run.Run{ID: runID, Status: run.StatusQueued})
	}))
	defer srv.Close()

	transport := NewRemoteTransport(srv.URL, listenerID, "default", uuid.New(), tls.Certificate{})
	r, ok, err := transport.Claim(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, runID, r.ID)
}

func TestRemoteTransportClaimNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	transport := NewRemoteTransport(srv.URL, uuid.New(), "default", uuid.New(), tls.Certificate{})
	_, ok, err := transport.Claim(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoteTransportGetRun(t *testing.T) {
	runID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(run.Run{ID: runID, Status: run.StatusPlanned})
	}))
	defer srv.Close()

	transport := NewRemoteTransport(srv.URL, uuid.New(), "default", uuid.New(), tls.Certificate{})
	r, err := transport.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, run.StatusPlanned, r.Status)
}

func TestRemoteTransportListActive(t *testing.T) {
	runs := []run.Run{{ID: uuid.New()}, {ID: uuid.New()}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/runs/active")
		_ = json.NewEncoder(w).Encode(runs)
	}))
	defer srv.Close()

	transport := NewRemoteTransport(srv.URL, uuid.New(), "default", uuid.New(), tls.Certificate{})
	got, err := transport.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestRemoteTransportTransition(t *testing.T) {
	runID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "errored", body["status"])
		require.Equal(t, "boom", body["message"])
		_ = json.NewEncoder(w).Encode(run.Run{ID: runID, Status: run.StatusErrored})
	}))
	defer srv.Close()

	transport := NewRemoteTransport(srv.URL, uuid.New(), "default", uuid.New(), tls.Certificate{})
	r, err := transport.Transition(context.Background(), runID, run.StatusErrored, "boom")
	require.NoError(t, err)
	require.Equal(t, run.StatusErrored, r.Status)
}

func TestRemoteTransportErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	transport := NewRemoteTransport(srv.URL, uuid.New(), "default", uuid.New(), tls.Certificate{})
	_, _, err := transport.Claim(context.Background())
	require.Error(t, err)
}
