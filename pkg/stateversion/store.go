package stateversion

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

const selectColumns = `id, workspace_ref, serial, lineage, md5, size, created_at`

// Store persists state versions.
type Store struct {
	db dbtx.DBTX
}

func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

// Create inserts a new state version. Conflicts with an existing serial for
// the same workspace unless force is set, per §6; with force, the existing
// version at that serial has its lineage, md5 and size replaced and is
// returned under its stored ID.
func (s *Store) Create(ctx context.Context, sv StateVersion, force bool) (StateVersion, error) {
	sv.ID = uuid.New()
	sv.CreatedAt = time.Now().UTC()

	if !force {
		var exists bool
		err := s.db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM state_versions WHERE workspace_ref = $1 AND serial = $2)`,
			sv.WorkspaceRef, sv.Serial,
		).Scan(&exists)
		if err != nil {
			return StateVersion{}, fmt.Errorf("checking state version serial conflict: %w", err)
		}
		if exists {
			return StateVersion{}, apierr.New(apierr.KindConflict, "state version serial already exists")
		}
	}

	err := s.db.QueryRow(ctx,
		`INSERT INTO state_versions (id, workspace_ref, serial, lineage, md5, size, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (workspace_ref, serial) DO UPDATE SET lineage = EXCLUDED.lineage, md5 = EXCLUDED.md5, size = EXCLUDED.size
		 RETURNING id, created_at`,
		sv.ID, sv.WorkspaceRef, sv.Serial, sv.Lineage, sv.MD5, sv.Size, sv.CreatedAt,
	).Scan(&sv.ID, &sv.CreatedAt)
	if err != nil {
		return StateVersion{}, fmt.Errorf("creating state version: %w", err)
	}
	return sv, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (StateVersion, error) {
	var sv StateVersion
	err := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM state_versions WHERE id = $1`, id).
		Scan(&sv.ID, &sv.WorkspaceRef, &sv.Serial, &sv.Lineage, &sv.MD5, &sv.Size, &sv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StateVersion{}, apierr.NotFound("state version")
	}
	if err != nil {
		return StateVersion{}, fmt.Errorf("getting state version: %w", err)
	}
	return sv, nil
}

func (s *Store) GetLatestForWorkspace(ctx context.Context, workspaceID uuid.UUID) (StateVersion, error) {
	var sv StateVersion
	err := s.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM state_versions WHERE workspace_ref = $1 ORDER BY serial DESC LIMIT 1`,
		workspaceID,
	).Scan(&sv.ID, &sv.WorkspaceRef, &sv.Serial, &sv.Lineage, &sv.MD5, &sv.Size, &sv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StateVersion{}, apierr.NotFound("state version")
	}
	if err != nil {
		return StateVersion{}, fmt.Errorf("getting latest state version: %w", err)
	}
	return sv, nil
}

// UpdateContentMeta records the server-computed size and md5 after the
// content upload completes.
func (s *Store) UpdateContentMeta(ctx context.Context, id uuid.UUID, size int64, md5 string) error {
	_, err := s.db.Exec(ctx, `UPDATE state_versions SET size = $2, md5 = $3 WHERE id = $1`, id, size, md5)
	if err != nil {
		return fmt.Errorf("updating state version content metadata: %w", err)
	}
	return nil
}
