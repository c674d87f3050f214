package ca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/terrapod/terrapod/internal/dbtx"
)

// Store persists the single CertificateAuthority row.
type Store struct {
	db dbtx.DBTX
}

func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

// LoadOrGenerate loads the existing CA row, or generates and persists a new
// one if none exists yet. This is called once at control-plane startup.
func (s *Store) LoadOrGenerate(ctx context.Context) (*Authority, error) {
	var certPEM, keyPEM []byte
	var createdAt time.Time

	err := s.db.QueryRow(ctx, `SELECT ca_cert_pem, ca_key_pem, created_at FROM certificate_authorities LIMIT 1`).
		Scan(&certPEM, &keyPEM, &createdAt)

	switch {
	case err == nil:
		return Load(certPEM, keyPEM, createdAt)
	case errors.Is(err, pgx.ErrNoRows):
		return s.generateAndPersist(ctx)
	default:
		return nil, fmt.Errorf("loading certificate authority: %w", err)
	}
}

func (s *Store) generateAndPersist(ctx context.Context) (*Authority, error) {
	authority, err := Generate()
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO certificate_authorities (ca_cert_pem, ca_key_pem, created_at) VALUES ($1, $2, $3)`,
		authority.CertPEM, authority.KeyPEM, authority.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("persisting generated certificate authority: %w", err)
	}

	return authority, nil
}
