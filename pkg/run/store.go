package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/terrapod/terrapod/internal/apierr"
	"github.com/terrapod/terrapod/internal/dbtx"
)

const selectColumns = `id, workspace_ref, cv_ref, status, message, is_destroy, auto_apply, plan_only, source,
		terraform_version, resource_cpu, resource_memory, pool_ref, listener_ref, error_message,
		plan_started_at, plan_finished_at, apply_started_at, apply_finished_at,
		vcs_commit_sha, vcs_branch, vcs_pr_number, created_by, created_at`

// Store persists runs. All status transitions go through Transition, never
// through a plain UPDATE issued here.
type Store struct {
	db dbtx.DBTX
}

func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

func (s *Store) scan(row pgx.Row) (Run, error) {
	var r Run
	err := row.Scan(
		&r.ID, &r.WorkspaceRef, &r.CVRef, &r.Status, &r.Message, &r.IsDestroy, &r.AutoApply, &r.PlanOnly, &r.Source,
		&r.TerraformVersion, &r.ResourceCPU, &r.ResourceMemory, &r.PoolRef, &r.ListenerRef, &r.ErrorMessage,
		&r.PlanStartedAt, &r.PlanFinishedAt, &r.ApplyStartedAt, &r.ApplyFinishedAt,
		&r.VCSCommitSHA, &r.VCSBranch, &r.VCSPRNumber, &r.CreatedBy, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, apierr.NotFound("run")
	}
	if err != nil {
		return Run{}, fmt.Errorf("scanning run: %w", err)
	}
	return r, nil
}

// Create inserts a new run in status "pending". Callers decide separately
// whether to immediately queue it (no CV, or CV already uploaded).
func (s *Store) Create(ctx context.Context, r Run) (Run, error) {
	r.ID = uuid.New()
	r.Status = StatusPending
	r.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(ctx,
		`INSERT INTO runs
		   (id, workspace_ref, cv_ref, status, message, is_destroy, auto_apply, plan_only, source,
		    terraform_version, resource_cpu, resource_memory, pool_ref, listener_ref, error_message,
		    vcs_commit_sha, vcs_branch, vcs_pr_number, created_by, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		r.ID, r.WorkspaceRef, r.CVRef, r.Status, r.Message, r.IsDestroy, r.AutoApply, r.PlanOnly, r.Source,
		r.TerraformVersion, r.ResourceCPU, r.ResourceMemory, r.PoolRef, r.ListenerRef, r.ErrorMessage,
		r.VCSCommitSHA, r.VCSBranch, r.VCSPRNumber, r.CreatedBy, r.CreatedAt,
	)
	if err != nil {
		return Run{}, fmt.Errorf("creating run: %w", err)
	}
	return r, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM runs WHERE id = $1`, id)
	return s.scan(row)
}

// GetForUpdate locks the run row within the caller's transaction, for use
// inside Transition.
func (s *Store) GetForUpdate(ctx context.Context, id uuid.UUID) (Run, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM runs WHERE id = $1 FOR UPDATE`, id)
	return s.scan(row)
}

// ListByWorkspace returns a page of runs for a workspace, newest first.
func (s *Store) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]Run, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+` FROM runs WHERE workspace_ref = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		workspaceID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPendingForCV returns runs awaiting a configuration version upload, used
// to queue them once the CV transitions to "uploaded".
func (s *Store) ListPendingForCV(ctx context.Context, cvID uuid.UUID) ([]Run, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+` FROM runs WHERE cv_ref = $1 AND status = $2`, cvID, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pending runs for configuration version: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListActiveForListener returns the runs a listener owns that are still in
// planning or applying, for orphan recovery on controller startup.
func (s *Store) ListActiveForListener(ctx context.Context, listenerID uuid.UUID) ([]Run, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+` FROM runs WHERE listener_ref = $1 AND status IN ($2, $3)`,
		listenerID, StatusPlanning, StatusApplying,
	)
	if err != nil {
		return nil, fmt.Errorf("listing active runs for listener: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimNext implements the LWQ claim from §4.6: the competitive-consumer
// SELECT ... FOR UPDATE SKIP LOCKED over queued runs in a pool. Must be
// called within a transaction; the caller then drives the result through
// Transition to "planning" in the same transaction.
func (s *Store) ClaimNext(ctx context.Context, poolRef uuid.UUID) (Run, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM runs
		   WHERE status = $1 AND pool_ref = $2
		   ORDER BY created_at ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED`,
		StatusQueued, poolRef,
	)
	return s.scan(row)
}

// persist writes back the full mutable column set after a transition.
func (s *Store) persist(ctx context.Context, r Run) error {
	_, err := s.db.Exec(ctx,
		`UPDATE runs SET
		   status = $2, listener_ref = $3, error_message = $4,
		   plan_started_at = $5, plan_finished_at = $6, apply_started_at = $7, apply_finished_at = $8
		 WHERE id = $1`,
		r.ID, r.Status, r.ListenerRef, r.ErrorMessage,
		r.PlanStartedAt, r.PlanFinishedAt, r.ApplyStartedAt, r.ApplyFinishedAt,
	)
	if err != nil {
		return fmt.Errorf("persisting run transition: %w", err)
	}
	return nil
}
