package listener

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

// Store persists RunnerListener rows.
type Store struct {
	db dbtx.DBTX
}

func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (RunnerListener, error) {
	var l RunnerListener
	err := s.db.QueryRow(ctx,
		`SELECT id, pool_ref, name, certificate_fingerprint, certificate_expires_at, runner_definitions, created_at
		   FROM runner_listeners WHERE id = $1`, id,
	).Scan(&l.ID, &l.PoolRef, &l.Name, &l.CertificateFingerprint, &l.CertificateExpiresAt, &l.RunnerDefinitions, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunnerListener{}, apierr.NotFound("listener")
	}
	if err != nil {
		return RunnerListener{}, fmt.Errorf("getting listener: %w", err)
	}
	return l, nil
}

func (s *Store) GetByName(ctx context.Context, name string) (RunnerListener, error) {
	var l RunnerListener
	err := s.db.QueryRow(ctx,
		`SELECT id, pool_ref, name, certificate_fingerprint, certificate_expires_at, runner_definitions, created_at
		   FROM runner_listeners WHERE name = $1`, name,
	).Scan(&l.ID, &l.PoolRef, &l.Name, &l.CertificateFingerprint, &l.CertificateExpiresAt, &l.RunnerDefinitions, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunnerListener{}, apierr.NotFound("listener")
	}
	if err != nil {
		return RunnerListener{}, fmt.Errorf("getting listener by name: %w", err)
	}
	return l, nil
}

// Create inserts a freshly-joined listener row.
func (s *Store) Create(ctx context.Context, l RunnerListener) (RunnerListener, error) {
	l.ID = uuid.New()
	l.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(ctx,
		`INSERT INTO runner_listeners (id, pool_ref, name, certificate_fingerprint, certificate_expires_at, runner_definitions, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.PoolRef, l.Name, l.CertificateFingerprint, l.CertificateExpiresAt, l.RunnerDefinitions, l.CreatedAt,
	)
	if err != nil {
		return RunnerListener{}, fmt.Errorf("creating listener: %w", err)
	}
	return l, nil
}

// UpsertLocal creates or updates the well-known "local" listener used by the
// control plane's own in-cluster worker, which carries no certificate.
func (s *Store) UpsertLocal(ctx context.Context, poolRef uuid.UUID, runnerDefs []byte) (RunnerListener, error) {
	existing, err := s.GetByName(ctx, LocalListenerName)
	if err == nil {
		_, execErr := s.db.Exec(ctx,
			`UPDATE runner_listeners SET runner_definitions = $1, pool_ref = $2 WHERE id = $3`,
			runnerDefs, poolRef, existing.ID)
		if execErr != nil {
			return RunnerListener{}, fmt.Errorf("updating local listener: %w", execErr)
		}
		existing.RunnerDefinitions = runnerDefs
		existing.PoolRef = poolRef
		return existing, nil
	}
	if ae, ok := apierr.As(err); !ok || ae.Kind != apierr.KindNotFound {
		return RunnerListener{}, err
	}

	return s.Create(ctx, RunnerListener{
		PoolRef:           poolRef,
		Name:              LocalListenerName,
		RunnerDefinitions: runnerDefs,
	})
}

// UpdateCertificate records a renewed or initially-issued certificate's
// fingerprint and expiry.
func (s *Store) UpdateCertificate(ctx context.Context, id uuid.UUID, fingerprint string, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE runner_listeners SET certificate_fingerprint = $1, certificate_expires_at = $2 WHERE id = $3`,
		fingerprint, expiresAt, id,
	)
	if err != nil {
		return fmt.Errorf("updating listener certificate: %w", err)
	}
	return nil
}
