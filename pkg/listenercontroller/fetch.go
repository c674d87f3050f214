package listenercontroller

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/terrapod/terrapod/pkg/run"
)

// PresignFetcher resolves the presigned URL bundle for one run phase, with
// the host already rewritten to whatever DNS name the listener's Jobs can
// reach. local mode calls the broker in-process; remote mode calls the
// control plane over its client-cert-authenticated connection.
type PresignFetcher interface {
	Fetch(ctx context.Context, runID uuid.UUID, phase run.Phase) (PhaseURLs, error)
}

// localFetcher serves the startup/local-listener mode, where the controller
// runs in the same process as the control plane and can call the broker
// directly with no network hop.
type localFetcher struct {
	broker       *URLBroker
	runs         *run.Store
	internalHost string
}

func NewLocalFetcher(broker *URLBroker, runs *run.Store, internalHost string) PresignFetcher {
	return &localFetcher{broker: broker, runs: runs, internalHost: internalHost}
}

func (f *localFetcher) Fetch(ctx context.Context, runID uuid.UUID, phase run.Phase) (PhaseURLs, error) {
	r, err := f.runs.Get(ctx, runID)
	if err != nil {
		return PhaseURLs{}, err
	}
	urls, err := f.broker.FetchPresignedURLs(ctx, r, phase)
	if err != nil {
		return PhaseURLs{}, err
	}
	return rewriteAll(urls, f.internalHost)
}

// remoteFetcher serves a remote listener: it calls the control plane's
// brokering endpoint over mTLS using the cert issued at join time, then
// rewrites the host locally the same way the local fetcher does.
type remoteFetcher struct {
	client       *http.Client
	apiURL       string
	listenerID   uuid.UUID
	internalHost string
}

func NewRemoteFetcher(apiURL string, listenerID uuid.UUID, cert tls.Certificate, internalHost string) PresignFetcher {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}
	return &remoteFetcher{
		client:       &http.Client{Transport: transport},
		apiURL:       apiURL,
		listenerID:   listenerID,
		internalHost: internalHost,
	}
}

func (f *remoteFetcher) Fetch(ctx context.Context, runID uuid.UUID, phase run.Phase) (PhaseURLs, error) {
	endpoint := fmt.Sprintf("%s/listeners/%s/runs/%s/%s-urls", f.apiURL, f.listenerID, runID, phase)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PhaseURLs{}, fmt.Errorf("building presign request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return PhaseURLs{}, fmt.Errorf("fetching presigned urls: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PhaseURLs{}, fmt.Errorf("fetching presigned urls: unexpected status %d", resp.StatusCode)
	}

	var urls PhaseURLs
	if err := json.NewDecoder(resp.Body).Decode(&urls); err != nil {
		return PhaseURLs{}, fmt.Errorf("decoding presigned urls: %w", err)
	}
	return rewriteAll(urls, f.internalHost)
}

// HeartbeatPublisher republishes a listener's full liveness state. local
// mode writes straight to the ephemeral KV store; remote mode posts over
// mTLS, matching the identity path a listener joined with.
type HeartbeatPublisher interface {
	Publish(ctx context.Context, state HeartbeatState) error
}

// HeartbeatState is the liveness snapshot a heartbeat_loop tick reports.
type HeartbeatState struct {
	Capacity          int             `json:"capacity"`
	ActiveRuns        int             `json:"active_runs"`
	RunnerDefinitions json.RawMessage `json:"runner_defs"`
}
