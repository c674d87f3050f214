// Package workspace holds the named logical unit that owns an append-only
// history of state versions and the single mutual-exclusion lock the run
// state machine transitions through.
package workspace

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ExecutionMode string

const (
	ExecutionModeRemote ExecutionMode = "remote"
	ExecutionModeLocal  ExecutionMode = "local"
	ExecutionModeAgent  ExecutionMode = "agent"
)

// Workspace is the named logical unit runs execute against.
type Workspace struct {
	ID               uuid.UUID
	Name             string
	ExecutionMode    ExecutionMode
	AutoApply        bool
	TerraformVersion string
	ResourceCPU      string
	ResourceMemory   string
	PoolRef          *uuid.UUID
	Labels           json.RawMessage
	OwnerEmail       string
	VCSRepo          string
	VCSBranch        string
	VCSWorkingDir    string
	Locked           bool
	LockID           *string
	CreatedAt        time.Time
}
