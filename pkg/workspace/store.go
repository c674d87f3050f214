package workspace

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

// Store persists workspaces and arbitrates their lock flag.
type Store struct {
	db dbtx.DBTX
}

func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, w Workspace) (Workspace, error) {
	w.ID = uuid.New()
	w.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(ctx,
		`INSERT INTO workspaces
		   (id, name, execution_mode, auto_apply, terraform_version, resource_cpu, resource_memory,
		    pool_ref, labels, owner_email, vcs_repo, vcs_branch, vcs_working_dir, locked, lock_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,false,null,$14)`,
		w.ID, w.Name, w.ExecutionMode, w.AutoApply, w.TerraformVersion, w.ResourceCPU, w.ResourceMemory,
		w.PoolRef, w.Labels, w.OwnerEmail, w.VCSRepo, w.VCSBranch, w.VCSWorkingDir, w.CreatedAt,
	)
	if err != nil {
		return Workspace{}, fmt.Errorf("creating workspace: %w", err)
	}
	return w, nil
}

func (s *Store) scan(row interface {
	Scan(dest ...any) error
}) (Workspace, error) {
	var w Workspace
	err := row.Scan(
		&w.ID, &w.Name, &w.ExecutionMode, &w.AutoApply, &w.TerraformVersion, &w.ResourceCPU, &w.ResourceMemory,
		&w.PoolRef, &w.Labels, &w.OwnerEmail, &w.VCSRepo, &w.VCSBranch, &w.VCSWorkingDir, &w.Locked, &w.LockID, &w.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Workspace{}, apierr.NotFound("workspace")
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("scanning workspace: %w", err)
	}
	return w, nil
}

const selectColumns = `id, name, execution_mode, auto_apply, terraform_version, resource_cpu, resource_memory,
		    pool_ref, labels, owner_email, vcs_repo, vcs_branch, vcs_working_dir, locked, lock_id, created_at`

func (s *Store) Get(ctx context.Context, id uuid.UUID) (Workspace, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM workspaces WHERE id = $1`, id)
	return s.scan(row)
}

func (s *Store) GetByName(ctx context.Context, name string) (Workspace, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM workspaces WHERE name = $1`, name)
	return s.scan(row)
}

// Lock performs the transactional CAS the run state machine uses when a run
// enters "applying": it sets locked=true, lock_id=lockID only if the
// workspace is currently unlocked. Returns apierr.KindConflict if already
// locked by someone else.
func (s *Store) Lock(ctx context.Context, id uuid.UUID, lockID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workspaces SET locked = true, lock_id = $2 WHERE id = $1 AND locked = false`,
		id, lockID,
	)
	if err != nil {
		return fmt.Errorf("locking workspace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.KindConflict, "workspace is already locked")
	}
	return nil
}

// Unlock releases the lock iff it's currently held by lockID — a run whose
// lock was already superseded (or never held) is a no-op, not an error.
func (s *Store) Unlock(ctx context.Context, id uuid.UUID, lockID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE workspaces SET locked = false, lock_id = null WHERE id = $1 AND lock_id = $2`,
		id, lockID,
	)
	if err != nil {
		return fmt.Errorf("unlocking workspace: %w", err)
	}
	return nil
}
