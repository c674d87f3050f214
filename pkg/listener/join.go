package listener

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/terrapod/terrapod/internal/apierr"
	"github.com/terrapod/terrapod/pkg/agentpool"
	"github.com/terrapod/terrapod/pkg/ca"
)

// Service implements the Join Protocol: exchanging a pool-scoped join token
// for a CA-signed client certificate and a durable listener row.
type Service struct {
	listeners *Store
	pools     *agentpool.Store
	authority *ca.Authority
}

func NewService(listeners *Store, pools *agentpool.Store, authority *ca.Authority) *Service {
	return &Service{listeners: listeners, pools: pools, authority: authority}
}

// Join implements §4.4 steps 1-5 of the join protocol.
func (s *Service) Join(ctx context.Context, req JoinRequest) (JoinResponse, error) {
	token, err := s.pools.ConsumeToken(ctx, req.JoinToken)
	if err != nil {
		return JoinResponse{}, err
	}

	if token.PoolRef != req.PoolID {
		return JoinResponse{}, apierr.New(apierr.KindPermissionDenied, "join token is not scoped to the requested pool")
	}

	pool, err := s.pools.GetPool(ctx, req.PoolID)
	if err != nil {
		return JoinResponse{}, err
	}

	issued, err := s.authority.IssueListenerCert(req.ListenerName, pool.Name)
	if err != nil {
		return JoinResponse{}, fmt.Errorf("issuing listener certificate: %w", err)
	}

	runnerDefs := req.RunnerDefinitions
	if runnerDefs == nil {
		runnerDefs = json.RawMessage("[]")
	}

	rec, err := s.listeners.Create(ctx, RunnerListener{
		PoolRef:                pool.ID,
		Name:                   req.ListenerName,
		CertificateFingerprint: issued.Fingerprint,
		CertificateExpiresAt:   &issued.ExpiresAt,
		RunnerDefinitions:      runnerDefs,
	})
	if err != nil {
		return JoinResponse{}, err
	}

	return JoinResponse{
		ListenerID:       rec.ID,
		CertificatePEM:   string(issued.CertificatePEM),
		PrivateKeyPEM:    string(issued.PrivateKeyPEM),
		CACertificatePEM: string(s.authority.CertPEM),
	}, nil
}

// JoinLocal implements the unauthenticated local-join bootstrap path: resolve
// or create the "default" pool and upsert the "local" listener row, with no
// certificate. Callable only from within the control plane's own startup
// sequence, never from an HTTP route.
func (s *Service) JoinLocal(ctx context.Context, runnerDefinitions json.RawMessage) (RunnerListener, error) {
	pool, err := s.pools.ResolveOrCreatePoolByName(ctx, LocalPoolName)
	if err != nil {
		return RunnerListener{}, err
	}
	if runnerDefinitions == nil {
		runnerDefinitions = json.RawMessage("[]")
	}
	return s.listeners.UpsertLocal(ctx, pool.ID, runnerDefinitions)
}

// Renew issues a fresh certificate for an already-registered listener and
// updates its fingerprint and expiry.
func (s *Service) Renew(ctx context.Context, listenerID uuid.UUID) (JoinResponse, error) {
	rec, err := s.listeners.Get(ctx, listenerID)
	if err != nil {
		return JoinResponse{}, err
	}

	pool, err := s.pools.GetPool(ctx, rec.PoolRef)
	if err != nil {
		return JoinResponse{}, err
	}

	issued, err := s.authority.IssueListenerCert(rec.Name, pool.Name)
	if err != nil {
		return JoinResponse{}, fmt.Errorf("issuing renewed listener certificate: %w", err)
	}

	if err := s.listeners.UpdateCertificate(ctx, listenerID, issued.Fingerprint, issued.ExpiresAt); err != nil {
		return JoinResponse{}, err
	}

	return JoinResponse{
		ListenerID:       listenerID,
		CertificatePEM:   string(issued.CertificatePEM),
		PrivateKeyPEM:    string(issued.PrivateKeyPEM),
		CACertificatePEM: string(s.authority.CertPEM),
	}, nil
}
