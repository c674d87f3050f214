// Package stateversion implements the append-only log of workspace state.
// Payloads are envelope-encrypted before they reach the artifact store.
package stateversion

import (
	"time"

	"github.com/google/uuid"
)

// StateVersion is one entry in a workspace's append-only state history.
type StateVersion struct {
	ID           uuid.UUID
	WorkspaceRef uuid.UUID
	Serial       int64
	Lineage      string
	MD5          string
	Size         int64
	CreatedAt    time.Time
}
