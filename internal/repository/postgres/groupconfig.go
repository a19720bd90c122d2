package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/botgate/internal/models"
)

type ConfigStore struct {
	pool *pgxpool.Pool
}

func NewConfigStore(pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

// GetGroupConfig loads the stored config for (tenant, subject).
//
// Thresholds and trust scores live in jsonb columns: the shape evolves
// with every new check category, and the gateway never filters on
// individual threshold values, so there's nothing to index.
//
// A subject with no stored row gets a default config — every group is
// protected by the gateway defaults from its first event, before an
// admin has configured anything.
func (s *ConfigStore) GetGroupConfig(ctx context.Context, tenantID, subjectID string) (*models.GroupConfig, error) {
	query := `
		SELECT enabled_modules, thresholds, trust_scores, trust_exemption
		FROM group_configs
		WHERE tenant_id = $1 AND subject_id = $2`

	cfg := models.GroupConfig{
		TenantID:  tenantID,
		SubjectID: subjectID,
	}

	var thresholdsJSON, trustJSON []byte
	err := s.pool.QueryRow(ctx, query, tenantID, subjectID).Scan(
		&cfg.EnabledModules,
		&thresholdsJSON,
		&trustJSON,
		&cfg.TrustExemption,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		cfg.Thresholds = models.DefaultThresholds(models.Thresholds{})
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select group config: %w", err)
	}

	if len(thresholdsJSON) > 0 {
		if err := json.Unmarshal(thresholdsJSON, &cfg.Thresholds); err != nil {
			return nil, fmt.Errorf("decode thresholds: %w", err)
		}
	}
	if len(trustJSON) > 0 {
		if err := json.Unmarshal(trustJSON, &cfg.TrustScores); err != nil {
			return nil, fmt.Errorf("decode trust scores: %w", err)
		}
	}
	cfg.Thresholds = models.DefaultThresholds(cfg.Thresholds)
	return &cfg, nil
}

func (s *ConfigStore) IsActorBanned(ctx context.Context, tenantID, actorID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM global_bans
			WHERE tenant_id = $1 AND actor_id = $2
		)`

	var banned bool
	if err := s.pool.QueryRow(ctx, query, tenantID, actorID).Scan(&banned); err != nil {
		return false, fmt.Errorf("select global ban: %w", err)
	}
	return banned, nil
}
