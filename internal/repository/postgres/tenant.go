package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/botgate/internal/models"
	"github.com/lalith-99/botgate/internal/repository"
)

type TenantStore struct {
	pool *pgxpool.Pool
}

func NewTenantStore(pool *pgxpool.Pool) *TenantStore {
	return &TenantStore{pool: pool}
}

func (s *TenantStore) ResolveByToken(ctx context.Context, token string) (*models.TenantRegistration, error) {
	query := `
		SELECT id, path_token, secret_hash, status, created_at
		FROM tenant_registrations
		WHERE path_token = $1`

	return s.scanOne(ctx, query, token)
}

func (s *TenantStore) ResolveByID(ctx context.Context, tenantID string) (*models.TenantRegistration, error) {
	query := `
		SELECT id, path_token, secret_hash, status, created_at
		FROM tenant_registrations
		WHERE id = $1`

	return s.scanOne(ctx, query, tenantID)
}

func (s *TenantStore) scanOne(ctx context.Context, query string, arg any) (*models.TenantRegistration, error) {
	var t models.TenantRegistration
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&t.ID,
		&t.PathToken,
		&t.SecretHash,
		&t.Status,
		&t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select tenant: %w", err)
	}
	return &t, nil
}
