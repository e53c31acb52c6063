package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/relaygate/core/internal/relayerr"
	"github.com/relaygate/core/pkg/plan"
)

func (s *Store) GetPlan(ctx context.Context, userID uuid.UUID) (*plan.Plan, error) {
	var p plan.Plan
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, kind, max_instances, total_created, features_json,
		       expires_at, created_at, updated_at
		FROM user_plans WHERE user_id = $1`, userID,
	).Scan(&p.ID, &p.UserID, &p.Kind, &p.MaxInstances, &p.TotalCreated, &p.Features,
		&p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, relayerr.KindInstanceNotFound, "plan not found")
	}
	return &p, nil
}

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_plans (id, user_id, kind, max_instances, total_created, features_json, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.UserID, p.Kind, p.MaxInstances, p.TotalCreated, p.Features, p.ExpiresAt)
	if err != nil {
		return mapErr(err, relayerr.KindIntegrityViolation, "plan already exists for user")
	}
	return nil
}

func (s *Store) IncrementTotalCreated(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE user_plans SET total_created = total_created + 1, updated_at = now()
		WHERE user_id = $1`, userID)
	if err != nil {
		return mapErr(err, relayerr.KindInstanceNotFound, "plan not found")
	}
	return nil
}
