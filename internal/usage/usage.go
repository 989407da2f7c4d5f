// Package usage records the billing events behind successful invocations.
// Records are append-only; the revenue calculator reads them per period.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/driftlabs/agentgrid/internal/cache"
	"github.com/driftlabs/agentgrid/internal/models"
)

// Meter writes usage records and maintains the shared monthly counters
type Meter struct {
	db    *pgxpool.Pool
	redis *cache.Redis
}

// NewMeter creates a usage meter
func NewMeter(db *pgxpool.Pool, redis *cache.Redis) *Meter {
	return &Meter{db: db, redis: redis}
}

// Record persists one usage record and bumps the deployment's monthly
// counters. The database row is the source of truth; the Redis counter is a
// cheap read path and its failure never fails the invocation.
func (m *Meter) Record(ctx context.Context, rec *models.UsageRecord) (*models.UsageRecord, error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO usage_records (deployment_id, tenant_id, occurred_at, unit_cost, input_tokens, output_tokens, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, occurred_at
	`, rec.DeploymentID, rec.TenantID, rec.OccurredAt, rec.UnitCost, rec.InputTokens, rec.OutputTokens, rec.RequestID).
		Scan(&rec.ID, &rec.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert usage record: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE deployments
		SET monthly_usage_count = monthly_usage_count + 1, last_used_at = NOW()
		WHERE id = $1
	`, rec.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to update deployment counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if m.redis != nil {
		if _, err := m.redis.IncrementUsage(ctx, rec.DeploymentID.String(), rec.OccurredAt); err != nil {
			log.Warn().
				Err(err).
				Str("deployment_id", rec.DeploymentID.String()).
				Msg("Failed to increment usage counter")
		}
	}

	return rec, nil
}

// MonthlyCount returns the deployment's invocation count for the calendar
// month containing now. The Redis counter is the fast path; on a miss or a
// Redis failure the database count is authoritative.
func (m *Meter) MonthlyCount(ctx context.Context, deploymentID uuid.UUID, now time.Time) (int64, error) {
	if m.redis != nil {
		if count, err := m.redis.GetUsage(ctx, deploymentID.String(), now); err == nil && count > 0 {
			return count, nil
		}
	}
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return m.CountForPeriod(ctx, deploymentID, start, start.AddDate(0, 1, 0))
}

// CountForPeriod returns the number of usage records for a deployment in
// [start, end)
func (m *Meter) CountForPeriod(ctx context.Context, deploymentID uuid.UUID, start, end time.Time) (int64, error) {
	var count int64
	err := m.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM usage_records
		WHERE deployment_id = $1 AND occurred_at >= $2 AND occurred_at < $3
	`, deploymentID, start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return count, nil
}

// TotalCostForPeriod sums unit costs for a deployment in [start, end)
func (m *Meter) TotalCostForPeriod(ctx context.Context, deploymentID uuid.UUID, start, end time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := m.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(unit_cost), 0) FROM usage_records
		WHERE deployment_id = $1 AND occurred_at >= $2 AND occurred_at < $3
	`, deploymentID, start, end).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum usage cost: %w", err)
	}
	return total, nil
}

// ListByDeployment returns recent usage records for a deployment, newest
// first
func (m *Meter) ListByDeployment(ctx context.Context, deploymentID uuid.UUID, limit, offset int) ([]models.UsageRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := m.db.Query(ctx, `
		SELECT id, deployment_id, tenant_id, occurred_at, unit_cost, input_tokens, output_tokens, request_id
		FROM usage_records
		WHERE deployment_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2 OFFSET $3
	`, deploymentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		if err := rows.Scan(&rec.ID, &rec.DeploymentID, &rec.TenantID, &rec.OccurredAt, &rec.UnitCost,
			&rec.InputTokens, &rec.OutputTokens, &rec.RequestID); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
