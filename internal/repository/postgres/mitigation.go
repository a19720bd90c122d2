package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/botgate/internal/models"
)

type MitigationStore struct {
	pool *pgxpool.Pool
}

func NewMitigationStore(pool *pgxpool.Pool) *MitigationStore {
	return &MitigationStore{pool: pool}
}

// Create inserts a mitigation record unless an active one already
// covers the same (tenant, subject, actor, action).
//
// The uniqueness check and the insert run in one statement so two
// gateway instances triggering on the same flood cannot both insert:
// the partial unique index on active records makes the second insert
// hit ON CONFLICT and return nothing.
//
//	CREATE UNIQUE INDEX mitigations_active_uniq
//	ON mitigation_records (tenant_id, subject_id, actor_id, action)
//	WHERE reversed_at IS NULL;
func (s *MitigationStore) Create(ctx context.Context, rec *models.MitigationRecord) (bool, error) {
	query := `
		INSERT INTO mitigation_records
			(id, tenant_id, subject_id, actor_id, action, cause, triggered_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, subject_id, actor_id, action) WHERE reversed_at IS NULL
		DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.TenantID,
		rec.SubjectID,
		rec.ActorID,
		rec.Action,
		rec.Cause,
		rec.TriggeredAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert mitigation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkReversed stamps the active record, if any. Zero rows affected is
// fine — the expiry timer racing a manual reversal lands here — and is
// reported to the caller so it can skip the reversal action.
func (s *MitigationStore) MarkReversed(ctx context.Context, tenantID, subjectID, actorID string, action models.MitigationAction, at time.Time) (bool, error) {
	query := `
		UPDATE mitigation_records
		SET reversed_at = $5
		WHERE tenant_id = $1 AND subject_id = $2 AND actor_id = $3
		  AND action = $4 AND reversed_at IS NULL`

	tag, err := s.pool.Exec(ctx, query, tenantID, subjectID, actorID, action, at)
	if err != nil {
		return false, fmt.Errorf("mark mitigation reversed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *MitigationStore) ListActive(ctx context.Context, tenantID string, now time.Time) ([]models.MitigationRecord, error) {
	query := `
		SELECT id, tenant_id, subject_id, actor_id, action, cause,
		       triggered_at, expires_at, reversed_at
		FROM mitigation_records
		WHERE tenant_id = $1 AND reversed_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY triggered_at DESC`

	rows, err := s.pool.Query(ctx, query, tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("list mitigations: %w", err)
	}
	defer rows.Close()

	records := make([]models.MitigationRecord, 0)
	for rows.Next() {
		var rec models.MitigationRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.TenantID,
			&rec.SubjectID,
			&rec.ActorID,
			&rec.Action,
			&rec.Cause,
			&rec.TriggeredAt,
			&rec.ExpiresAt,
			&rec.ReversedAt,
		); err != nil {
			return nil, fmt.Errorf("scan mitigation: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mitigations: %w", err)
	}

	return records, nil
}
