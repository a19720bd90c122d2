package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/botgate/internal/models"
)

type BindingStore struct {
	pool *pgxpool.Pool
}

func NewBindingStore(pool *pgxpool.Pool) *BindingStore {
	return &BindingStore{pool: pool}
}

func (s *BindingStore) ListEnabled(ctx context.Context) ([]models.ModuleBinding, error) {
	query := `
		SELECT tenant_id, match, module_id, enabled, created_at
		FROM module_bindings
		WHERE enabled
		ORDER BY tenant_id, match`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	bindings := make([]models.ModuleBinding, 0)
	for rows.Next() {
		var b models.ModuleBinding
		if err := rows.Scan(&b.TenantID, &b.Match, &b.ModuleID, &b.Enabled, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bindings: %w", err)
	}

	return bindings, nil
}
