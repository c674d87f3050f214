// Package listener implements the durable identity of a worker (RunnerListener)
// and the Join Protocol by which a listener without a certificate trades a
// pool-scoped join token for a CA-signed client certificate.
package listener

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LocalPoolName and LocalListenerName are the well-known identifiers used by
// the control plane's own in-cluster worker, which registers without a join
// token at startup.
const (
	LocalPoolName     = "default"
	LocalListenerName = "local"
)

// RunnerListener is the durable identity of a worker. Runtime liveness
// (heartbeat, capacity, active run count) lives in the ephemeral store, not
// here — see pkg/queue.
type RunnerListener struct {
	ID                     uuid.UUID
	PoolRef                uuid.UUID
	Name                   string
	CertificateFingerprint string
	CertificateExpiresAt   *time.Time
	RunnerDefinitions      json.RawMessage
	CreatedAt              time.Time
}

// JoinRequest is the body of the no-bearer-auth join endpoint.
type JoinRequest struct {
	PoolID            uuid.UUID       `json:"pool_id"`
	JoinToken         string          `json:"join_token"`
	ListenerName      string          `json:"listener_name"`
	RunnerDefinitions json.RawMessage `json:"runner_definitions"`
}

// JoinResponse returns the issued identity. The private key is returned
// exactly once and never persisted by the control plane.
type JoinResponse struct {
	ListenerID        uuid.UUID `json:"listener_id"`
	CertificatePEM    string    `json:"certificate_pem"`
	PrivateKeyPEM     string    `json:"private_key_pem"`
	CACertificatePEM  string    `json:"ca_certificate_pem"`
}
