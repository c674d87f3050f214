package listenercontroller

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/terrapod/terrapod/pkg/queue"
)

type localHeartbeatPublisher struct {
	store      *queue.HeartbeatStore
	listenerID uuid.UUID
}

func NewLocalHeartbeatPublisher(store *queue.HeartbeatStore, listenerID uuid.UUID) HeartbeatPublisher {
	return &localHeartbeatPublisher{store: store, listenerID: listenerID}
}

func (p *localHeartbeatPublisher) Publish(ctx context.Context, state HeartbeatState) error {
	return p.store.Publish(ctx, p.listenerID, queue.Heartbeat{
		Capacity:          state.Capacity,
		ActiveRuns:        state.ActiveRuns,
		RunnerDefinitions: state.RunnerDefinitions,
	})
}

type remoteHeartbeatPublisher struct {
	client     *http.Client
	apiURL     string
	listenerID uuid.UUID
}

func NewRemoteHeartbeatPublisher(apiURL string, listenerID uuid.UUID, cert tls.Certificate) HeartbeatPublisher {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}
	return &remoteHeartbeatPublisher{
		client:     &http.Client{Transport: transport},
		apiURL:     apiURL,
		listenerID: listenerID,
	}
}

func (p *remoteHeartbeatPublisher) Publish(ctx context.Context, state HeartbeatState) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding heartbeat: %w", err)
	}

	endpoint := fmt.Sprintf("%s/listeners/%s/heartbeat", p.apiURL, p.listenerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("posting heartbeat: unexpected status %d", resp.StatusCode)
	}
	return nil
}
