package configversion

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

const selectColumns = `id, workspace_ref, source, status, auto_queue_runs, speculative, error_message, created_at`

// Store persists configuration versions.
type Store struct {
	db dbtx.DBTX
}

func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, cv ConfigurationVersion) (ConfigurationVersion, error) {
	cv.ID = uuid.New()
	cv.Status = StatusPending
	cv.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(ctx,
		`INSERT INTO configuration_versions (id, workspace_ref, source, status, auto_queue_runs, speculative, error_message, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		cv.ID, cv.WorkspaceRef, cv.Source, cv.Status, cv.AutoQueueRuns, cv.Speculative, cv.ErrorMessage, cv.CreatedAt,
	)
	if err != nil {
		return ConfigurationVersion{}, fmt.Errorf("creating configuration version: %w", err)
	}
	return cv, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (ConfigurationVersion, error) {
	var cv ConfigurationVersion
	err := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM configuration_versions WHERE id = $1`, id).
		Scan(&cv.ID, &cv.WorkspaceRef, &cv.Source, &cv.Status, &cv.AutoQueueRuns, &cv.Speculative, &cv.ErrorMessage, &cv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConfigurationVersion{}, apierr.NotFound("configuration version")
	}
	if err != nil {
		return ConfigurationVersion{}, fmt.Errorf("getting configuration version: %w", err)
	}
	return cv, nil
}

// MarkUploaded transitions a CV to uploaded, recorded by the no-bearer-auth
// upload endpoint after it writes the bundle to the artifact store.
func (s *Store) MarkUploaded(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE configuration_versions SET status = $2 WHERE id = $1`, id, StatusUploaded)
	if err != nil {
		return fmt.Errorf("marking configuration version uploaded: %w", err)
	}
	return nil
}

func (s *Store) MarkErrored(ctx context.Context, id uuid.UUID, message string) error {
	_, err := s.db.Exec(ctx, `UPDATE configuration_versions SET status = $2, error_message = $3 WHERE id = $1`,
		id, StatusErrored, message)
	if err != nil {
		return fmt.Errorf("marking configuration version errored: %w", err)
	}
	return nil
}

// IsUploaded implements run.CVStatusChecker.
func (s *Store) IsUploaded(ctx context.Context, id uuid.UUID) (bool, error) {
	cv, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return cv.Status == StatusUploaded, nil
}
