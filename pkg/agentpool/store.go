package agentpool

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

// Store persists pools and their join tokens.
type Store struct {
	db dbtx.DBTX
}

func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

func (s *Store) CreatePool(ctx context.Context, p Pool) (Pool, error) {
	p.ID = uuid.New()
	p.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(ctx,
		`INSERT INTO agent_pools (id, name, description, service_account_name, org, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.Description, p.ServiceAccountName, p.Org, p.CreatedAt,
	)
	if err != nil {
		return Pool{}, fmt.Errorf("creating agent pool: %w", err)
	}
	return p, nil
}

func (s *Store) GetPool(ctx context.Context, id uuid.UUID) (Pool, error) {
	var p Pool
	err := s.db.QueryRow(ctx,
		`SELECT id, name, description, service_account_name, org, created_at FROM agent_pools WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.ServiceAccountName, &p.Org, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Pool{}, apierr.NotFound("agent pool")
	}
	if err != nil {
		return Pool{}, fmt.Errorf("getting agent pool: %w", err)
	}
	return p, nil
}

// GetPoolByName resolves a pool by its unique name, returning
// apierr.KindNotFound if no such pool exists. ResolveOrCreatePoolByName wraps
// it to create the pool on demand for the local-join bootstrap path.
func (s *Store) GetPoolByName(ctx context.Context, name string) (Pool, error) {
	var p Pool
	err := s.db.QueryRow(ctx,
		`SELECT id, name, description, service_account_name, org, created_at FROM agent_pools WHERE name = $1`, name,
	).Scan(&p.ID, &p.Name, &p.Description, &p.ServiceAccountName, &p.Org, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Pool{}, apierr.NotFound("agent pool")
	}
	if err != nil {
		return Pool{}, fmt.Errorf("getting agent pool by name: %w", err)
	}
	return p, nil
}

func (s *Store) ResolveOrCreatePoolByName(ctx context.Context, name string) (Pool, error) {
	p, err := s.GetPoolByName(ctx, name)
	if err == nil {
		return p, nil
	}
	if ae, ok := apierr.As(err); !ok || ae.Kind != apierr.KindNotFound {
		return Pool{}, err
	}
	return s.CreatePool(ctx, Pool{Name: name})
}

// CreateToken persists a token hash. Callers are responsible for returning
// the raw value (from GenerateToken) to the caller exactly once.
func (s *Store) CreateToken(ctx context.Context, t Token) (Token, error) {
	t.ID = uuid.New()
	t.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(ctx,
		`INSERT INTO agent_pool_tokens
		   (id, pool_ref, token_hash, description, expires_at, max_uses, use_count, is_revoked, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, false, $7, $8)`,
		t.ID, t.PoolRef, t.TokenHash, t.Description, t.ExpiresAt, t.MaxUses, t.CreatedBy, t.CreatedAt,
	)
	if err != nil {
		return Token{}, fmt.Errorf("creating agent pool token: %w", err)
	}
	return t, nil
}

// ConsumeToken looks up a token by its hash and atomically increments its
// use_count alongside the issuance step it authorizes, returning the token
// row as it stood immediately before the increment so callers can validate
// it. Returns apierr.KindPermissionDenied if the token doesn't exist or
// fails the validity predicate.
func (s *Store) ConsumeToken(ctx context.Context, rawToken string) (Token, error) {
	hash := HashToken(rawToken)

	var t Token
	err := s.db.QueryRow(ctx,
		`SELECT id, pool_ref, token_hash, description, expires_at, max_uses, use_count, is_revoked, created_by, created_at
		   FROM agent_pool_tokens WHERE token_hash = $1`, hash,
	).Scan(&t.ID, &t.PoolRef, &t.TokenHash, &t.Description, &t.ExpiresAt, &t.MaxUses, &t.UseCount, &t.IsRevoked, &t.CreatedBy, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Token{}, apierr.New(apierr.KindPermissionDenied, "join token not recognized")
	}
	if err != nil {
		return Token{}, fmt.Errorf("looking up join token: %w", err)
	}

	if !t.Valid(time.Now()) {
		return Token{}, apierr.New(apierr.KindPermissionDenied, "join token is expired, revoked, or exhausted")
	}

	_, err = s.db.Exec(ctx, `UPDATE agent_pool_tokens SET use_count = use_count + 1 WHERE id = $1`, t.ID)
	if err != nil {
		return Token{}, fmt.Errorf("incrementing join token use count: %w", err)
	}

	return t, nil
}
