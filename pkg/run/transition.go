package run

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terrapod/terrapod/internal/apierr"
	"github.com/terrapod/terrapod/internal/dbtx"
	"github.com/terrapod/terrapod/internal/telemetry"
	"github.com/terrapod/terrapod/pkg/workspace"
)

// Engine is the only code path allowed to move a run between statuses. Every
// transition — the phase timestamps, the workspace lock flip, and the
// auto-apply bridge — happens inside one database transaction.
type Engine struct {
	beginner   dbtx.Beginner
	workspaces *workspace.Store
}

func NewEngine(beginner dbtx.Beginner, workspaces *workspace.Store) *Engine {
	return &Engine{beginner: beginner, workspaces: workspaces}
}

// Transition moves run id to target status, applying phase-timestamp
// stamping, workspace lock interaction, and the auto-apply bridge, all
// within a single transaction. listener_ref is set by the claim path on
// entry to planning and cleared on entry to any terminal state; it is left
// in place across planned/confirmed (the confirmation-wait gap) so the
// same listener can be matched back up when the run moves to applying
// without needing to re-claim it — a deliberate relaxation of the
// otherwise-tight listener_ref ≠ ∅ ⇔ status ∈ {planning, applying}
// invariant for the single window between phases.
func (e *Engine) Transition(ctx context.Context, id uuid.UUID, target Status, message string) (Run, error) {
	tx, err := e.beginner.Begin(ctx)
	if err != nil {
		return Run{}, fmt.Errorf("beginning transition transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	store := NewStore(tx)
	workspaces := workspace.NewStore(tx)

	r, err := store.GetForUpdate(ctx, id)
	if err != nil {
		return Run{}, err
	}

	r, err = e.apply(ctx, workspaces, store, r, target, message)
	if err != nil {
		return Run{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Run{}, fmt.Errorf("committing transition: %w", err)
	}

	return r, nil
}

// apply performs the transition against an already-open transaction, so the
// LWQ claim path (which needs the "queued → planning" transition inside its
// own FOR UPDATE SKIP LOCKED transaction) can call it directly.
func (e *Engine) apply(ctx context.Context, workspaces *workspace.Store, store *Store, r Run, target Status, message string) (Run, error) {
	if r.Status.Terminal() {
		telemetry.RunTransitionRejectedTotal.WithLabelValues(string(r.Status), string(target)).Inc()
		return Run{}, apierr.New(apierr.KindIllegalTransition, fmt.Sprintf("run %s is in terminal state %s", r.ID, r.Status))
	}
	if !allowed(r.Status, target) {
		telemetry.RunTransitionRejectedTotal.WithLabelValues(string(r.Status), string(target)).Inc()
		return Run{}, apierr.New(apierr.KindIllegalTransition, fmt.Sprintf("run %s cannot move %s -> %s", r.ID, r.Status, target))
	}

	from := r.Status
	now := time.Now().UTC()
	r.Status = target
	r.Message = message

	switch target {
	case StatusPlanning:
		r.PlanStartedAt = &now
	case StatusPlanned:
		if r.PlanStartedAt != nil && r.PlanFinishedAt == nil {
			r.PlanFinishedAt = &now
		}
	case StatusErrored:
		r.ErrorMessage = message
		if r.PlanStartedAt != nil && r.PlanFinishedAt == nil {
			r.PlanFinishedAt = &now
		} else if r.ApplyStartedAt != nil && r.ApplyFinishedAt == nil {
			r.ApplyFinishedAt = &now
		}
	case StatusApplying:
		r.ApplyStartedAt = &now
		if err := workspaces.Lock(ctx, r.WorkspaceRef, r.LockID()); err != nil {
			return Run{}, err
		}
	case StatusApplied:
		if r.ApplyStartedAt != nil && r.ApplyFinishedAt == nil {
			r.ApplyFinishedAt = &now
		}
	}

	if target.Terminal() {
		if err := workspaces.Unlock(ctx, r.WorkspaceRef, r.LockID()); err != nil {
			return Run{}, err
		}
		r.ListenerRef = nil
	}

	if err := store.persist(ctx, r); err != nil {
		return Run{}, err
	}

	telemetry.RunTransitionsTotal.WithLabelValues(string(from), string(target)).Inc()

	// Auto-apply bridge: a non-speculative auto-apply run skips the human
	// confirmation step, in the same causal transaction.
	if target == StatusPlanned && r.AutoApply && !r.PlanOnly {
		return e.apply(ctx, workspaces, store, r, StatusConfirmed, "auto-applied")
	}

	return r, nil
}

// ConfirmRun moves a planned run to confirmed. Speculative (plan_only) runs
// can never be confirmed.
func (e *Engine) ConfirmRun(ctx context.Context, id uuid.UUID) (Run, error) {
	r, err := e.peek(ctx, id)
	if err != nil {
		return Run{}, err
	}
	if r.NotConfirmable() {
		return Run{}, apierr.New(apierr.KindNotConfirmable, "speculative run is not confirmable")
	}
	return e.Transition(ctx, id, StatusConfirmed, "confirmed")
}

// DiscardRun moves a planned run to discarded, releasing the workspace lock
// (a no-op release since planned runs never hold it).
func (e *Engine) DiscardRun(ctx context.Context, id uuid.UUID) (Run, error) {
	return e.Transition(ctx, id, StatusDiscarded, "discarded")
}

// CancelRun moves any non-terminal run to canceled.
func (e *Engine) CancelRun(ctx context.Context, id uuid.UUID) (Run, error) {
	return e.Transition(ctx, id, StatusCanceled, "canceled")
}

func (e *Engine) peek(ctx context.Context, id uuid.UUID) (Run, error) {
	tx, err := e.beginner.Begin(ctx)
	if err != nil {
		return Run{}, fmt.Errorf("beginning peek transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	return NewStore(tx).Get(ctx, id)
}

// ClaimAndTransitionToPlanning performs the LWQ claim and the resulting
// "queued -> planning" transition, listener assignment included, as one
// transaction — see pkg/queue.
func (e *Engine) ClaimAndTransitionToPlanning(ctx context.Context, poolRef, listenerRef uuid.UUID) (Run, error) {
	tx, err := e.beginner.Begin(ctx)
	if err != nil {
		return Run{}, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	store := NewStore(tx)
	workspaces := workspace.NewStore(tx)

	r, err := store.ClaimNext(ctx, poolRef)
	if err != nil {
		return Run{}, err
	}

	r.ListenerRef = &listenerRef
	if err := store.persist(ctx, r); err != nil {
		return Run{}, err
	}

	r, err = e.apply(ctx, workspaces, store, r, StatusPlanning, "claimed by listener")
	if err != nil {
		return Run{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Run{}, fmt.Errorf("committing claim: %w", err)
	}
	return r, nil
}
