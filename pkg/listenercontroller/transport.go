package listenercontroller

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/terrapod/terrapod/pkg/queue"
	"github.com/terrapod/terrapod/pkg/run"
)

// RunTransport is how the controller claims work, reads run status, lists
// its own active runs for orphan recovery, and reports transitions. The
// local-listener deployment talks to the database directly; a remote
// listener talks to the control plane's listener-facing HTTP API over mTLS,
// using listenercontroller.Handler's routes on the other end.
type RunTransport interface {
	Claim(ctx context.Context) (run.Run, bool, error)
	GetRun(ctx context.Context, runID uuid.UUID) (run.Run, error)
	ListActive(ctx context.Context) ([]run.Run, error)
	Transition(ctx context.Context, runID uuid.UUID, status run.Status, message string) (run.Run, error)
}

type localTransport struct {
	claimer    *queue.Claimer
	runs       *run.Store
	engine     *run.Engine
	poolName   string
	poolRef    uuid.UUID
	listenerID uuid.UUID
}

// NewLocalTransport drives the controller straight against the database,
// for the in-process local-listener deployment.
func NewLocalTransport(claimer *queue.Claimer, runs *run.Store, engine *run.Engine, poolName string, poolRef, listenerID uuid.UUID) RunTransport {
	return &localTransport{claimer: claimer, runs: runs, engine: engine, poolName: poolName, poolRef: poolRef, listenerID: listenerID}
}

func (t *localTransport) Claim(ctx context.Context) (run.Run, bool, error) {
	return t.claimer.Claim(ctx, t.poolName, t.poolRef, t.listenerID)
}

func (t *localTransport) GetRun(ctx context.Context, runID uuid.UUID) (run.Run, error) {
	return t.runs.Get(ctx, runID)
}

func (t *localTransport) ListActive(ctx context.Context) ([]run.Run, error) {
	return t.runs.ListActiveForListener(ctx, t.listenerID)
}

func (t *localTransport) Transition(ctx context.Context, runID uuid.UUID, status run.Status, message string) (run.Run, error) {
	return t.engine.Transition(ctx, runID, status, message)
}

type remoteTransport struct {
	client     *http.Client
	apiURL     string
	listenerID uuid.UUID
	poolName   string
	poolRef    uuid.UUID
}

// NewRemoteTransport drives the controller entirely over mTLS HTTP, for a
// remote listener that never touches the database.
func NewRemoteTransport(apiURL string, listenerID uuid.UUID, poolName string, poolRef uuid.UUID, cert tls.Certificate) RunTransport {
	return &remoteTransport{
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}}},
		},
		apiURL:     apiURL,
		listenerID: listenerID,
		poolName:   poolName,
		poolRef:    poolRef,
	}
}

func (t *remoteTransport) Claim(ctx context.Context) (run.Run, bool, error) {
	endpoint := fmt.Sprintf("%s/listeners/%s/runs/next?pool=%s&pool_ref=%s",
		t.apiURL, t.listenerID, url.QueryEscape(t.poolName), t.poolRef)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return run.Run{}, false, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return run.Run{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return run.Run{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return run.Run{}, false, fmt.Errorf("claim request failed: %s", resp.Status)
	}

	var r run.Run
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return run.Run{}, false, err
	}
	return r, true, nil
}

func (t *remoteTransport) GetRun(ctx context.Context, runID uuid.UUID) (run.Run, error) {
	endpoint := fmt.Sprintf("%s/listeners/%s/runs/%s", t.apiURL, t.listenerID, runID)
	return t.doRunRequest(ctx, http.MethodGet, endpoint, nil)
}

func (t *remoteTransport) ListActive(ctx context.Context) ([]run.Run, error) {
	endpoint := fmt.Sprintf("%s/listeners/%s/runs/active", t.apiURL, t.listenerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list active runs failed: %s", resp.Status)
	}

	var runs []run.Run
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (t *remoteTransport) Transition(ctx context.Context, runID uuid.UUID, status run.Status, message string) (run.Run, error) {
	endpoint := fmt.Sprintf("%s/listeners/%s/runs/%s", t.apiURL, t.listenerID, runID)

	body, err := json.Marshal(map[string]string{"status": string(status), "message": message})
	if err != nil {
		return run.Run{}, err
	}
	return t.doRunRequest(ctx, http.MethodPatch, endpoint, body)
}

func (t *remoteTransport) doRunRequest(ctx context.Context, method, endpoint string, body []byte) (run.Run, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return run.Run{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return run.Run{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return run.Run{}, fmt.Errorf("%s %s failed: %s", method, endpoint, resp.Status)
	}

	var r run.Run
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return run.Run{}, err
	}
	return r, nil
}
