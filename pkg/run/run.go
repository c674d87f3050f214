// Package run implements the Run State Machine (RSM): the central entity and
// the only code path allowed to move a run between statuses, stamp its phase
// timestamps, and flip the owning workspace's lock.
package run

import (
	"time"

	"github.com/google/uuid"
)

// Status is one of the persisted RSM states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusPlanning  Status = "planning"
	StatusPlanned   Status = "planned"
	StatusConfirmed Status = "confirmed"
	StatusApplying  Status = "applying"
	StatusApplied   Status = "applied"
	StatusErrored   Status = "errored"
	StatusDiscarded Status = "discarded"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether a status is one the run can never leave.
func (s Status) Terminal() bool {
	switch s {
	case StatusApplied, StatusErrored, StatusDiscarded, StatusCanceled:
		return true
	default:
		return false
	}
}

// AllowedTransitions is the RSM's transition table (§4.5).
var AllowedTransitions = map[Status][]Status{
	StatusPending:   {StatusQueued, StatusCanceled, StatusErrored},
	StatusQueued:    {StatusPlanning, StatusCanceled, StatusErrored},
	StatusPlanning:  {StatusPlanned, StatusErrored, StatusCanceled},
	StatusPlanned:   {StatusConfirmed, StatusDiscarded, StatusErrored, StatusCanceled},
	StatusConfirmed: {StatusApplying, StatusErrored, StatusCanceled},
	StatusApplying:  {StatusApplied, StatusErrored, StatusCanceled},
}

func allowed(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Run is the central entity of the core.
type Run struct {
	ID               uuid.UUID
	WorkspaceRef     uuid.UUID
	CVRef            *uuid.UUID
	Status           Status
	Message          string
	IsDestroy        bool
	AutoApply        bool
	PlanOnly         bool
	Source           string
	TerraformVersion string
	ResourceCPU      string
	ResourceMemory   string
	PoolRef          *uuid.UUID
	ListenerRef      *uuid.UUID
	ErrorMessage     string

	PlanStartedAt   *time.Time
	PlanFinishedAt  *time.Time
	ApplyStartedAt  *time.Time
	ApplyFinishedAt *time.Time

	VCSCommitSHA string
	VCSBranch    string
	VCSPRNumber  *int

	CreatedBy string
	CreatedAt time.Time
}

// LockID is the deterministic workspace lock_id a run uses while it holds
// the workspace's mutual-exclusion lock.
func (r Run) LockID() string {
	return "run-" + r.ID.String()
}

// NotConfirmable reports whether confirm_run must fail for this run, per the
// speculative-run rule: a plan_only run can never enter confirmed.
func (r Run) NotConfirmable() bool {
	return r.PlanOnly
}

// PhasePlan and PhaseApply name the two job phases the listener controller
// executes, used for deterministic job naming and URL brokering.
type Phase string

const (
	PhasePlan  Phase = "plan"
	PhaseApply Phase = "apply"
)

// PlanPhaseView and ApplyPhaseView project a run's status onto the
// phase-status table from §4.5, for clients that split plan/apply UI views.
type PhaseView string

const (
	PhaseViewUnreachable PhaseView = "unreachable"
	PhaseViewPending     PhaseView = "pending"
	PhaseViewRunning     PhaseView = "running"
	PhaseViewFinished    PhaseView = "finished"
	PhaseViewErrored     PhaseView = "errored"
	PhaseViewCanceled    PhaseView = "canceled"
)

func (r Run) PlanPhaseView() PhaseView {
	switch r.Status {
	case StatusPending, StatusQueued:
		return PhaseViewPending
	case StatusPlanning:
		return PhaseViewRunning
	case StatusPlanned, StatusConfirmed, StatusApplying, StatusApplied:
		return PhaseViewFinished
	case StatusErrored:
		if r.PlanFinishedAt == nil {
			return PhaseViewErrored
		}
		return PhaseViewFinished
	case StatusCanceled, StatusDiscarded:
		return PhaseViewCanceled
	default:
		return PhaseViewUnreachable
	}
}

func (r Run) ApplyPhaseView() PhaseView {
	switch r.Status {
	case StatusPending, StatusQueued, StatusPlanning:
		return PhaseViewUnreachable
	case StatusPlanned, StatusConfirmed:
		return PhaseViewPending
	case StatusApplying:
		return PhaseViewRunning
	case StatusApplied:
		return PhaseViewFinished
	case StatusErrored:
		if r.ApplyStartedAt != nil && r.ApplyFinishedAt == nil {
			return PhaseViewErrored
		}
		if r.ApplyStartedAt != nil {
			return PhaseViewFinished
		}
		return PhaseViewUnreachable
	case StatusCanceled, StatusDiscarded:
		return PhaseViewCanceled
	default:
		return PhaseViewUnreachable
	}
}

// PlanLogTerminal and ApplyLogTerminal implement the log-framing terminality
// table from §4.8.
func (r Run) PlanLogTerminal() bool {
	switch r.Status {
	case StatusPlanned, StatusConfirmed, StatusApplying, StatusApplied, StatusErrored, StatusDiscarded, StatusCanceled:
		return true
	default:
		return false
	}
}

func (r Run) ApplyLogTerminal() bool {
	switch r.Status {
	case StatusApplied, StatusErrored, StatusDiscarded, StatusCanceled:
		return true
	default:
		return false
	}
}
